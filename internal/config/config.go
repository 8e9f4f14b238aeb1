// Package config loads the user-level and per-repository configuration
// files: name/email identity, the default remote, and the VNode bucket
// width, following internal/repomanager's Config-plus-defaults() idiom.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/merkle"
)

const op = "config"

// Identity names the author recorded on new commits and merge commits.
type Identity struct {
	Name  string
	Email string
}

// User is the user-level config at ~/.config/dvcs/config: the commit
// identity and a default remote host. DefaultHost is only loaded and saved;
// clone does not resolve remote names against it.
type User struct {
	Identity     Identity
	DefaultHost  string
}

func (c *User) defaults() {
	if c.Identity.Name == "" {
		c.Identity.Name = "unknown"
	}
	if c.Identity.Email == "" {
		c.Identity.Email = "unknown@localhost"
	}
}

// UserConfigPath returns ~/.config/dvcs/config, honoring $XDG_CONFIG_HOME.
func UserConfigPath() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "dvcs", "config"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", dvcserr.Wrap(op+".UserConfigPath", dvcserr.IOError, err)
	}
	return filepath.Join(home, ".config", "dvcs", "config"), nil
}

// LoadUser reads the user-level config, returning defaults if the file
// doesn't exist yet.
func LoadUser() (*User, error) {
	path, err := UserConfigPath()
	if err != nil {
		return nil, err
	}
	fields, err := readFields(path)
	if err != nil {
		return nil, err
	}
	u := &User{
		Identity: Identity{
			Name:  fields["user.name"],
			Email: fields["user.email"],
		},
		DefaultHost: fields["remote.default-host"],
	}
	u.defaults()
	return u, nil
}

// Save writes u to ~/.config/dvcs/config, creating the directory if needed.
func (u *User) Save() error {
	path, err := UserConfigPath()
	if err != nil {
		return err
	}
	fields := map[string]string{
		"user.name":            u.Identity.Name,
		"user.email":           u.Identity.Email,
		"remote.default-host":  u.DefaultHost,
	}
	return writeFields(path, fields)
}

// Repo is the per-repository config at <repo>/.dvcs/config: remote URLs
// (name -> base address, resolved either as an HTTP(S) URL for
// transport.HTTPClient or a filesystem path for transport.LocalEngine) and
// the VNode bucket width new commits in this repository are built with.
type Repo struct {
	BucketCount int
	Remotes     map[string]string
}

func (c *Repo) defaults() {
	if c.BucketCount <= 0 {
		c.BucketCount = merkle.DefaultBucketWidth
	}
	if c.Remotes == nil {
		c.Remotes = map[string]string{}
	}
}

func repoConfigPath(repoRoot string) string {
	return filepath.Join(repoRoot, "config")
}

// LoadRepo reads <repoRoot>/config (repoRoot is normally "<repo>/.dvcs"),
// returning defaults if the file is absent.
func LoadRepo(repoRoot string) (*Repo, error) {
	fields, err := readFields(repoConfigPath(repoRoot))
	if err != nil {
		return nil, err
	}
	r := &Repo{Remotes: map[string]string{}}
	for key, val := range fields {
		if name, ok := strings.CutPrefix(key, "remote."); ok {
			r.Remotes[name] = val
			continue
		}
		if key == "core.bucket-count" {
			n, perr := strconv.Atoi(val)
			if perr != nil {
				return nil, dvcserr.New(op+".LoadRepo", dvcserr.IOError).WithPath(repoConfigPath(repoRoot)).
					WithHint(fmt.Sprintf("core.bucket-count: %v", perr))
			}
			r.BucketCount = n
		}
	}
	r.defaults()
	return r, nil
}

// Save writes r to <repoRoot>/config.
func (r *Repo) Save(repoRoot string) error {
	fields := map[string]string{
		"core.bucket-count": strconv.Itoa(r.BucketCount),
	}
	for name, addr := range r.Remotes {
		fields["remote."+name] = addr
	}
	return writeFields(repoConfigPath(repoRoot), fields)
}

// SetRemote adds or replaces a named remote and persists the change.
func (r *Repo) SetRemote(repoRoot, name, addr string) error {
	if r.Remotes == nil {
		r.Remotes = map[string]string{}
	}
	r.Remotes[name] = addr
	return r.Save(repoRoot)
}

// readFields parses a line-oriented "key = value" config file. Blank lines
// and lines starting with '#' are ignored. A missing file yields an empty
// map rather than an error, matching repomanager.Config's "absent means
// defaults" contract.
func readFields(path string) (map[string]string, error) {
	f, err := os.Open(path) //nolint:gosec // path built from a fixed config location
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]string{}, nil
		}
		return nil, dvcserr.Wrap(op+".readFields", dvcserr.IOError, err).WithPath(path)
	}
	defer f.Close() //nolint:errcheck // read-only handle

	fields := map[string]string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(val)
	}
	if err := scanner.Err(); err != nil {
		return nil, dvcserr.Wrap(op+".readFields", dvcserr.IOError, err).WithPath(path)
	}
	return fields, nil
}

// writeFields persists fields in sorted-key order so the file is
// deterministic and diff-friendly across saves, atomically via a
// temp-file-plus-rename like every other on-disk write in this repository.
func writeFields(path string, fields map[string]string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return dvcserr.Wrap(op+".writeFields", dvcserr.IOError, err).WithPath(path)
	}
	keys := make([]string, 0, len(fields))
	for k, v := range fields {
		if v == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s = %s\n", k, fields[k])
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(b.String()), 0o600); err != nil {
		return dvcserr.Wrap(op+".writeFields", dvcserr.IOError, err).WithPath(path)
	}
	if err := os.Rename(tmp, path); err != nil {
		return dvcserr.Wrap(op+".writeFields", dvcserr.IOError, err).WithPath(path)
	}
	return nil
}
