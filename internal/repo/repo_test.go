package repo

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/oxcart/dvcs/internal/config"
	"github.com/oxcart/dvcs/internal/mergeengine"
	"github.com/oxcart/dvcs/internal/scanner"
)

var alice = config.Identity{Name: "Alice", Email: "alice@example.com"}

func writeFile(t *testing.T, dir, path, contents string) {
	t.Helper()
	full := filepath.Join(dir, filepath.FromSlash(path))
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(full, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestInitThenCommitAdvancesMain(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	writeFile(t, dir, "data.csv", "x,y\n1,2\n")

	if err := r.Add(); err != nil {
		t.Fatalf("Add: %v", err)
	}
	id, err := r.Commit(alice, "initial import")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if id.IsZero() {
		t.Fatal("Commit returned zero hash")
	}

	head, err := r.Refs.GetBranch("main")
	if err != nil {
		t.Fatalf("GetBranch(main): %v", err)
	}
	if head != id {
		t.Fatalf("main = %s, want %s", head, id)
	}

	statuses, err := r.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) != 0 {
		t.Fatalf("Status after commit = %v, want clean", statuses)
	}
}

func TestOpenFindsRootFromSubdirectory(t *testing.T) {
	dir := t.TempDir()
	if _, err := Init(dir, nil); err != nil {
		t.Fatalf("Init: %v", err)
	}
	sub := filepath.Join(dir, "nested", "deeper")
	if err := os.MkdirAll(sub, 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}

	r, err := Open(sub, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if r.WorkDir != dir {
		t.Fatalf("WorkDir = %s, want %s", r.WorkDir, dir)
	}
}

func TestAddOnlyStagesSelectedPaths(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	writeFile(t, dir, "a.csv", "a")
	writeFile(t, dir, "b.csv", "b")

	if err := r.Add("a.csv"); err != nil {
		t.Fatalf("Add(a.csv): %v", err)
	}
	id, err := r.Commit(alice, "only a")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if id.IsZero() {
		t.Fatal("Commit returned zero hash")
	}

	statuses, err := r.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if len(statuses) != 1 || statuses[0].Path != "b.csv" || statuses[0].Status != scanner.Added {
		t.Fatalf("Status = %v, want only b.csv pending", statuses)
	}
}

func TestCheckoutSwitchesWorkingTreeContent(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	writeFile(t, dir, "a.csv", "main-content")
	if err := r.Add(); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := r.Commit(alice, "c1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := r.CreateBranch("feature"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := r.Checkout("feature"); err != nil {
		t.Fatalf("Checkout(feature): %v", err)
	}
	writeFile(t, dir, "a.csv", "feature-content")
	if err := r.Add(); err != nil {
		t.Fatalf("Add on feature: %v", err)
	}
	if _, err := r.Commit(alice, "c2"); err != nil {
		t.Fatalf("Commit on feature: %v", err)
	}

	if err := r.Checkout("main"); err != nil {
		t.Fatalf("Checkout(main): %v", err)
	}
	content, err := os.ReadFile(filepath.Join(dir, "a.csv"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "main-content" {
		t.Fatalf("a.csv on main = %q, want %q", content, "main-content")
	}
}

func TestMergeFastForward(t *testing.T) {
	dir := t.TempDir()
	r, err := Init(dir, nil)
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	writeFile(t, dir, "a.csv", "one")
	if err := r.Add(); err != nil {
		t.Fatalf("Add: %v", err)
	}
	c1, err := r.Commit(alice, "c1")
	if err != nil {
		t.Fatalf("Commit c1: %v", err)
	}
	if err := r.CreateBranch("feature"); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := r.Checkout("feature"); err != nil {
		t.Fatalf("Checkout: %v", err)
	}
	writeFile(t, dir, "a.csv", "two")
	if err := r.Add(); err != nil {
		t.Fatalf("Add: %v", err)
	}
	c2, err := r.Commit(alice, "c2")
	if err != nil {
		t.Fatalf("Commit c2: %v", err)
	}
	if c2 == c1 {
		t.Fatal("expected a new commit on feature")
	}

	if err := r.Checkout("main"); err != nil {
		t.Fatalf("Checkout(main): %v", err)
	}
	outcome, err := r.Merge("feature", alice)
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if outcome.Kind != mergeengine.FastForward {
		t.Fatalf("Merge.Kind = %v, want FastForward", outcome.Kind)
	}
	if outcome.Commit != c2 {
		t.Fatalf("Merge.Commit = %s, want %s", outcome.Commit, c2)
	}
}

func TestPushPullAgainstLocalPathRemote(t *testing.T) {
	ctx := context.Background()
	remoteDir := t.TempDir()
	if _, err := Init(remoteDir, nil); err != nil {
		t.Fatalf("Init remote: %v", err)
	}

	sourceDir := t.TempDir()
	source, err := Init(sourceDir, nil)
	if err != nil {
		t.Fatalf("Init source: %v", err)
	}
	if err := source.Config.SetRemote(source.dvcsDir, "origin", remoteDir); err != nil {
		t.Fatalf("SetRemote: %v", err)
	}
	writeFile(t, sourceDir, "a.csv", "hello")
	if err := source.Add(); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if _, err := source.Commit(alice, "c1"); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	if err := source.Push(ctx, "origin", "main", nil); err != nil {
		t.Fatalf("Push: %v", err)
	}

	destDir := t.TempDir()
	dest, err := Init(destDir, nil)
	if err != nil {
		t.Fatalf("Init dest: %v", err)
	}
	if err := dest.Config.SetRemote(dest.dvcsDir, "origin", remoteDir); err != nil {
		t.Fatalf("SetRemote dest: %v", err)
	}

	outcome, err := dest.Pull(ctx, "origin", "main", alice, nil)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if outcome.Merge.Kind != mergeengine.FastForward {
		t.Fatalf("Pull Merge.Kind = %v, want FastForward", outcome.Merge.Kind)
	}

	// Pull only materializes objects, not the working tree, until
	// RestoreAll lands the new branch's files locally.
	if err := dest.RestoreAll("main"); err != nil {
		t.Fatalf("RestoreAll(main): %v", err)
	}
	content, err := os.ReadFile(filepath.Join(destDir, "a.csv"))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(content) != "hello" {
		t.Fatalf("a.csv = %q, want %q", content, "hello")
	}
}
