// Package refs implements the reference manager (C10): HEAD (attached or
// detached), branch refs, MERGE_HEAD/ORIG_HEAD merge-state files, and an
// advisory branch lock, all as atomically-written plain files.
package refs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
)

const op = "refs"

// Manager owns the ref files under a repo's hidden directory:
// refs/branches/<name>, HEAD, MERGE_HEAD, ORIG_HEAD, and a branch lock
// directory.
type Manager struct {
	root string // <repo>/.dvcs
}

// Open returns a Manager rooted at root, creating the branches directory.
func Open(root string) (*Manager, error) {
	if err := os.MkdirAll(filepath.Join(root, "refs", "branches"), 0o750); err != nil {
		return nil, dvcserr.Wrap(op+".Open", dvcserr.IOError, err)
	}
	return &Manager{root: root}, nil
}

// writeAtomic writes b to path via a temp file in the same directory,
// fsynced and renamed into place, matching the store's object-write
// algorithm so ref updates share the same atomicity guarantee.
func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func branchPath(root, name string) string {
	return filepath.Join(root, "refs", "branches", filepath.FromSlash(name))
}

var errInvalidBranchName = fmt.Errorf("invalid branch name")

func validateBranchName(name string) error {
	if name == "" || strings.HasPrefix(name, "-") || strings.Contains(name, "..") ||
		strings.HasPrefix(name, "/") || strings.HasSuffix(name, "/") {
		return errInvalidBranchName
	}
	return nil
}

// CreateBranch records name -> commit, failing with dvcserr.AlreadyExists if
// name is taken or would conflict with an existing branch's path (e.g.
// "foo" vs "foo/bar").
func (m *Manager) CreateBranch(name string, commit dvhash.Hash) error {
	if err := validateBranchName(name); err != nil {
		return dvcserr.Wrap(op+".CreateBranch", dvcserr.IOError, err).WithPath(name)
	}
	if m.BranchExists(name) {
		return dvcserr.New(op+".CreateBranch", dvcserr.AlreadyExists).WithPath(name)
	}
	if err := m.checkPathConflict(name); err != nil {
		return err
	}
	return m.writeBranch(name, commit)
}

func (m *Manager) checkPathConflict(name string) error {
	parts := strings.Split(name, "/")
	for i := 1; i < len(parts); i++ {
		prefix := strings.Join(parts[:i], "/")
		if m.BranchExists(prefix) {
			return dvcserr.New(op+".CreateBranch", dvcserr.AlreadyExists).
				WithPath(name).
				WithHint(fmt.Sprintf("branch %q already exists as a file along this path", prefix))
		}
	}
	full := branchPath(m.root, name)
	entries, err := os.ReadDir(filepath.Dir(full))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return dvcserr.Wrap(op+".CreateBranch", dvcserr.IOError, err)
	}
	base := filepath.Base(full)
	for _, e := range entries {
		if e.IsDir() && e.Name() == base {
			return dvcserr.New(op+".CreateBranch", dvcserr.AlreadyExists).
				WithPath(name).
				WithHint(fmt.Sprintf("%q is already a branch namespace", name))
		}
	}
	return nil
}

// BranchExists reports whether name resolves to a commit.
func (m *Manager) BranchExists(name string) bool {
	info, err := os.Stat(branchPath(m.root, name))
	return err == nil && !info.IsDir()
}

// GetBranch resolves name to a commit hash.
func (m *Manager) GetBranch(name string) (dvhash.Hash, error) {
	b, err := os.ReadFile(branchPath(m.root, name)) //nolint:gosec // name validated, path confined to refs/branches
	if err != nil {
		if os.IsNotExist(err) {
			return dvhash.Zero, dvcserr.New(op+".GetBranch", dvcserr.NotFound).WithPath(name)
		}
		return dvhash.Zero, dvcserr.Wrap(op+".GetBranch", dvcserr.IOError, err)
	}
	return dvhash.ParseHash(strings.TrimSpace(string(b)))
}

// SetBranch moves an existing branch ref forward (or sideways, for reset);
// it does not check for fast-forward-ness, callers that need that check do
// it before calling SetBranch.
func (m *Manager) SetBranch(name string, commit dvhash.Hash) error {
	if !m.BranchExists(name) {
		return dvcserr.New(op+".SetBranch", dvcserr.NotFound).WithPath(name)
	}
	return m.writeBranch(name, commit)
}

func (m *Manager) writeBranch(name string, commit dvhash.Hash) error {
	if err := writeAtomic(branchPath(m.root, name), []byte(commit.String()+"\n")); err != nil {
		return dvcserr.Wrap(op+".writeBranch", dvcserr.IOError, err).WithPath(name)
	}
	return nil
}

// DeleteBranch removes a branch ref.
func (m *Manager) DeleteBranch(name string) error {
	if !m.BranchExists(name) {
		return dvcserr.New(op+".DeleteBranch", dvcserr.NotFound).WithPath(name)
	}
	if err := os.Remove(branchPath(m.root, name)); err != nil {
		return dvcserr.Wrap(op+".DeleteBranch", dvcserr.IOError, err)
	}
	return nil
}

// ListBranches returns every branch name, sorted.
func (m *Manager) ListBranches() ([]string, error) {
	base := filepath.Join(m.root, "refs", "branches")
	var names []string
	err := filepath.WalkDir(base, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(base, path)
		if relErr != nil {
			return relErr
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, dvcserr.Wrap(op+".ListBranches", dvcserr.IOError, err)
	}
	sort.Strings(names)
	return names, nil
}

// HeadState is the parsed contents of HEAD.
type HeadState struct {
	Branch     string // empty when detached
	CommitHash dvhash.Hash
}

func (h HeadState) IsDetached() bool { return h.Branch == "" }

func headPath(root string) string { return filepath.Join(root, "HEAD") }

// GetHead reads HEAD, resolving an attached branch to its current commit.
func (m *Manager) GetHead() (HeadState, error) {
	b, err := os.ReadFile(headPath(m.root)) //nolint:gosec // fixed path under repo root
	if err != nil {
		if os.IsNotExist(err) {
			return HeadState{}, dvcserr.New(op+".GetHead", dvcserr.NotFound)
		}
		return HeadState{}, dvcserr.Wrap(op+".GetHead", dvcserr.IOError, err)
	}
	s := strings.TrimSpace(string(b))
	if strings.HasPrefix(s, "ref: ") {
		name := strings.TrimPrefix(s, "ref: ")
		name = strings.TrimPrefix(name, "refs/branches/")
		commit, err := m.GetBranch(name)
		if err != nil && dvcserr.KindOf(err) != dvcserr.NotFound {
			return HeadState{}, err
		}
		return HeadState{Branch: name, CommitHash: commit}, nil
	}
	h, err := dvhash.ParseHash(s)
	if err != nil {
		return HeadState{}, dvcserr.Wrap(op+".GetHead", dvcserr.CorruptTree, err)
	}
	return HeadState{CommitHash: h}, nil
}

// SetHeadBranch points HEAD at a branch name (attached).
func (m *Manager) SetHeadBranch(name string) error {
	if err := writeAtomic(headPath(m.root), []byte("ref: refs/branches/"+name+"\n")); err != nil {
		return dvcserr.Wrap(op+".SetHeadBranch", dvcserr.IOError, err)
	}
	return nil
}

// SetHeadCommit points HEAD directly at a commit (detached).
func (m *Manager) SetHeadCommit(id dvhash.Hash) error {
	if err := writeAtomic(headPath(m.root), []byte(id.String()+"\n")); err != nil {
		return dvcserr.Wrap(op+".SetHeadCommit", dvcserr.IOError, err)
	}
	return nil
}

func mergeHeadPath(root string) string { return filepath.Join(root, "MERGE_HEAD") }
func origHeadPath(root string) string  { return filepath.Join(root, "ORIG_HEAD") }

// SetMergeHead writes MERGE_HEAD and ORIG_HEAD at the start of a merge that
// produced conflicts, so the next successful commit can build a two-parent
// merge commit.
func (m *Manager) SetMergeHead(other, orig dvhash.Hash) error {
	if err := writeAtomic(mergeHeadPath(m.root), []byte(other.String()+"\n")); err != nil {
		return dvcserr.Wrap(op+".SetMergeHead", dvcserr.IOError, err)
	}
	if err := writeAtomic(origHeadPath(m.root), []byte(orig.String()+"\n")); err != nil {
		return dvcserr.Wrap(op+".SetMergeHead", dvcserr.IOError, err)
	}
	return nil
}

// GetMergeHead reads MERGE_HEAD, returning dvcserr.NotFound if no merge is
// in progress.
func (m *Manager) GetMergeHead() (dvhash.Hash, error) {
	b, err := os.ReadFile(mergeHeadPath(m.root)) //nolint:gosec // fixed path under repo root
	if err != nil {
		if os.IsNotExist(err) {
			return dvhash.Zero, dvcserr.New(op+".GetMergeHead", dvcserr.NotFound)
		}
		return dvhash.Zero, dvcserr.Wrap(op+".GetMergeHead", dvcserr.IOError, err)
	}
	return dvhash.ParseHash(strings.TrimSpace(string(b)))
}

// ClearMergeState deletes MERGE_HEAD and ORIG_HEAD, consumed by the next
// successful commit after a conflicted merge is resolved.
func (m *Manager) ClearMergeState() error {
	for _, p := range []string{mergeHeadPath(m.root), origHeadPath(m.root)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return dvcserr.Wrap(op+".ClearMergeState", dvcserr.IOError, err)
		}
	}
	return nil
}

// lockPath returns the advisory branch lock's lease file, written with an expiry
// so a crashed holder does not wedge the branch forever.
func lockPath(root, name string) string {
	return filepath.Join(root, "refs", "locks", filepath.FromSlash(name)+".lock")
}

// LockBranch acquires the advisory lock on name for the given lease
// duration, failing with dvcserr.BranchLocked if held and unexpired.
func (m *Manager) LockBranch(name string, lease time.Duration) error {
	p := lockPath(m.root, name)
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return dvcserr.Wrap(op+".LockBranch", dvcserr.IOError, err)
	}
	if b, err := os.ReadFile(p); err == nil { //nolint:gosec // name validated, path confined under repo root
		if exp, perr := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(b))); perr == nil && time.Now().Before(exp) {
			return dvcserr.New(op+".LockBranch", dvcserr.BranchLocked).WithPath(name)
		}
	}
	expiry := time.Now().Add(lease).Format(time.RFC3339Nano)
	if err := writeAtomic(p, []byte(expiry)); err != nil {
		return dvcserr.Wrap(op+".LockBranch", dvcserr.IOError, err)
	}
	return nil
}

// RefreshBranchLock extends an already-held lock's lease.
func (m *Manager) RefreshBranchLock(name string, lease time.Duration) error {
	p := lockPath(m.root, name)
	expiry := time.Now().Add(lease).Format(time.RFC3339Nano)
	if err := writeAtomic(p, []byte(expiry)); err != nil {
		return dvcserr.Wrap(op+".RefreshBranchLock", dvcserr.IOError, err)
	}
	return nil
}

// UnlockBranch releases the advisory lock, regardless of expiry.
func (m *Manager) UnlockBranch(name string) error {
	if err := os.Remove(lockPath(m.root, name)); err != nil && !os.IsNotExist(err) {
		return dvcserr.Wrap(op+".UnlockBranch", dvcserr.IOError, err)
	}
	return nil
}
