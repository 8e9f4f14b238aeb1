package config

import (
	"path/filepath"
	"testing"

	"github.com/oxcart/dvcs/internal/merkle"
)

func TestLoadRepoDefaultsWhenAbsent(t *testing.T) {
	root := t.TempDir()
	r, err := LoadRepo(root)
	if err != nil {
		t.Fatalf("LoadRepo: %v", err)
	}
	if r.BucketCount != merkle.DefaultBucketWidth {
		t.Fatalf("BucketCount = %d, want %d", r.BucketCount, merkle.DefaultBucketWidth)
	}
	if len(r.Remotes) != 0 {
		t.Fatalf("Remotes = %v, want empty", r.Remotes)
	}
}

func TestRepoSaveAndReloadRoundTrips(t *testing.T) {
	root := t.TempDir()
	r := &Repo{BucketCount: 32, Remotes: map[string]string{"origin": "https://example.com/ds"}}
	if err := r.Save(root); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := LoadRepo(root)
	if err != nil {
		t.Fatalf("LoadRepo: %v", err)
	}
	if got.BucketCount != 32 {
		t.Fatalf("BucketCount = %d, want 32", got.BucketCount)
	}
	if got.Remotes["origin"] != "https://example.com/ds" {
		t.Fatalf("Remotes[origin] = %q, want %q", got.Remotes["origin"], "https://example.com/ds")
	}
}

func TestSetRemotePersists(t *testing.T) {
	root := t.TempDir()
	r, err := LoadRepo(root)
	if err != nil {
		t.Fatalf("LoadRepo: %v", err)
	}
	if err := r.SetRemote(root, "origin", "/srv/data/repo"); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}

	got, err := LoadRepo(root)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got.Remotes["origin"] != "/srv/data/repo" {
		t.Fatalf("Remotes[origin] = %q, want /srv/data/repo", got.Remotes["origin"])
	}
}

func TestUserConfigHonorsXDGConfigHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)

	u, err := LoadUser()
	if err != nil {
		t.Fatalf("LoadUser (absent): %v", err)
	}
	if u.Identity.Name != "unknown" || u.Identity.Email != "unknown@localhost" {
		t.Fatalf("defaults = %+v, want placeholder identity", u.Identity)
	}

	u.Identity = Identity{Name: "Ada Lovelace", Email: "ada@example.com"}
	u.DefaultHost = "hub.example.com"
	if err := u.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	path, err := UserConfigPath()
	if err != nil {
		t.Fatalf("UserConfigPath: %v", err)
	}
	if filepath.Dir(filepath.Dir(path)) != dir {
		t.Fatalf("UserConfigPath = %s, want under %s", path, dir)
	}

	reloaded, err := LoadUser()
	if err != nil {
		t.Fatalf("LoadUser (reload): %v", err)
	}
	if reloaded.Identity.Name != "Ada Lovelace" || reloaded.Identity.Email != "ada@example.com" {
		t.Fatalf("reloaded identity = %+v, want Ada Lovelace", reloaded.Identity)
	}
	if reloaded.DefaultHost != "hub.example.com" {
		t.Fatalf("reloaded DefaultHost = %q, want hub.example.com", reloaded.DefaultHost)
	}
}
