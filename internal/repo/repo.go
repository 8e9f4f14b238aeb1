// Package repo wires the content-addressed object store, Merkle tree model,
// commit log, staging index, working-tree scanner, merge engine and sync
// protocol into the single Repository handle the CLI operates on, the same
// role internal/gitcore.Repository plays in the teacher for plain Git
// plumbing.
package repo

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/oxcart/dvcs/internal/commitlog"
	"github.com/oxcart/dvcs/internal/config"
	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/mergeengine"
	"github.com/oxcart/dvcs/internal/merkle"
	"github.com/oxcart/dvcs/internal/objstore"
	"github.com/oxcart/dvcs/internal/refs"
	"github.com/oxcart/dvcs/internal/scanner"
	"github.com/oxcart/dvcs/internal/stage"
	"github.com/oxcart/dvcs/internal/syncproto"
	"github.com/oxcart/dvcs/internal/transport"
)

const op = "repo"

// DirName is the hidden metadata directory at the root of every working
// tree, mirroring scanner.RepoDirName (kept here as the owning constant;
// scanner imports it the other direction would create a cycle, so both
// packages agree on the literal ".dvcs").
const DirName = ".dvcs"

// Repository is the open handle a CLI command operates on: one working
// directory plus the four storage components it keeps open (C1-C3, C10;
// the C4 staging index is opened per call) and the higher-level engines
// built on top of them (C5, C7, C8).
type Repository struct {
	WorkDir string
	dvcsDir string

	Objects *objstore.Store
	Nodes   *merkle.Store
	Commits *commitlog.Log
	Refs    *refs.Manager
	Config  *config.Repo

	logger *slog.Logger
}

func layout(workDir string) (dvcsDir, objectsDir, commitsDir string) {
	dvcsDir = filepath.Join(workDir, DirName)
	return dvcsDir, filepath.Join(dvcsDir, "objects"), filepath.Join(dvcsDir, "commits")
}

// Init creates a new repository rooted at workDir: an empty object store,
// commit log and ref manager, a default per-repo config, and HEAD attached
// to an unborn "main" branch (no commit exists yet, as after a fresh `git
// init`).
func Init(workDir string, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dvcsDir, _, _ := layout(workDir)
	if _, err := os.Stat(dvcsDir); err == nil {
		return nil, dvcserr.New(op+".Init", dvcserr.AlreadyExists).WithPath(dvcsDir)
	}
	if err := os.MkdirAll(dvcsDir, 0o750); err != nil {
		return nil, dvcserr.Wrap(op+".Init", dvcserr.IOError, err)
	}

	cfg := &config.Repo{}
	if err := cfg.Save(dvcsDir); err != nil {
		return nil, err
	}

	r, err := open(workDir, dvcsDir, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := r.Refs.SetHeadBranch("main"); err != nil {
		return nil, err
	}
	return r, nil
}

// Open locates the nearest ancestor of startDir containing a .dvcs
// directory, the way Git walks up from cwd to find .git, and returns a
// Repository rooted there.
func Open(startDir string, logger *slog.Logger) (*Repository, error) {
	if logger == nil {
		logger = slog.Default()
	}
	workDir, err := findRoot(startDir)
	if err != nil {
		return nil, err
	}
	dvcsDir, _, _ := layout(workDir)
	cfg, err := config.LoadRepo(dvcsDir)
	if err != nil {
		return nil, err
	}
	return open(workDir, dvcsDir, cfg, logger)
}

func findRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", dvcserr.Wrap(op+".findRoot", dvcserr.IOError, err)
	}
	for {
		if info, serr := os.Stat(filepath.Join(dir, DirName)); serr == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", dvcserr.New(op+".findRoot", dvcserr.NotFound).WithPath(startDir).
				WithHint("not inside a dvcs repository (no .dvcs directory found in any ancestor)")
		}
		dir = parent
	}
}

func open(workDir, dvcsDir string, cfg *config.Repo, logger *slog.Logger) (*Repository, error) {
	_, objectsDir, commitsDir := layout(workDir)
	objects, err := objstore.Open(objectsDir, logger)
	if err != nil {
		return nil, err
	}
	nodes := merkle.NewStore(objects, logger)
	commits, err := commitlog.Open(nodes, commitsDir, logger)
	if err != nil {
		return nil, err
	}
	refsmgr, err := refs.Open(dvcsDir)
	if err != nil {
		return nil, err
	}
	return &Repository{
		WorkDir: workDir,
		dvcsDir: dvcsDir,
		Objects: objects,
		Nodes:   nodes,
		Commits: commits,
		Refs:    refsmgr,
		Config:  cfg,
		logger:  logger,
	}, nil
}

// DvcsDir returns the repository's metadata directory, for callers (such as
// the CLI's `remote add`) that need to persist config changes.
func (r *Repository) DvcsDir() string {
	return r.dvcsDir
}

// headRoot returns the root tree hash of the current HEAD commit, or
// dvhash.Zero on an unborn branch.
func (r *Repository) headRoot() (dvhash.Hash, error) {
	head, err := r.Refs.GetHead()
	if err != nil {
		return dvhash.Zero, err
	}
	if head.CommitHash.IsZero() {
		return dvhash.Zero, nil
	}
	c, err := r.Commits.Get(head.CommitHash)
	if err != nil {
		return dvhash.Zero, err
	}
	return c.RootTreeHash, nil
}

func (r *Repository) ignoreMatcher() *scanner.IgnoreMatcher {
	return scanner.LoadIgnoreMatcher(r.WorkDir, r.logger)
}

func (r *Repository) stageIndex() (*stage.Index, error) {
	return stage.Open(filepath.Join(r.dvcsDir, "index"))
}

// Status reports every working-tree path that differs from HEAD.
func (r *Repository) Status() ([]scanner.FileStatus, error) {
	headRoot, err := r.headRoot()
	if err != nil {
		return nil, err
	}
	return scanner.Scan(r.Nodes, r.WorkDir, headRoot, r.ignoreMatcher(), r.logger)
}

// Watch blocks, invoking onChange after each burst of working-tree activity
// settles, until ctx is cancelled. It underlies `dvcs status --watch`.
func (r *Repository) Watch(ctx context.Context, onChange func()) error {
	w := scanner.NewWatcher(r.WorkDir, r.ignoreMatcher(), r.logger)
	return w.Run(ctx, onChange)
}

// Add stages every working-tree change under any of paths (the whole tree
// when paths is empty), content-addressing new and modified file bytes into
// the object store as it goes.
func (r *Repository) Add(paths ...string) error {
	headRoot, err := r.headRoot()
	if err != nil {
		return err
	}
	statuses, err := scanner.Scan(r.Nodes, r.WorkDir, headRoot, r.ignoreMatcher(), r.logger)
	if err != nil {
		return err
	}
	idx, err := r.stageIndex()
	if err != nil {
		return err
	}
	for _, st := range statuses {
		if !pathSelected(st.Path, paths) {
			continue
		}
		switch st.Status {
		case scanner.Removed:
			if err := idx.StageFile(st.Path, stage.Removed, merkle.File{}); err != nil {
				return err
			}
		case scanner.Added, scanner.Modified:
			content, rerr := os.ReadFile(filepath.Join(r.WorkDir, filepath.FromSlash(st.Path))) //nolint:gosec // path from a tracked scan result
			if rerr != nil {
				return dvcserr.Wrap(op+".Add", dvcserr.IOError, rerr).WithPath(st.Path)
			}
			if _, err := r.Objects.Put(content); err != nil {
				return err
			}
			f := merkle.File{
				Name:        filepath.Base(st.Path),
				ContentHash: st.ContentHash,
				NumBytes:    uint64(st.NumBytes),
				MtimeSec:    st.MtimeSec,
				MtimeNsec:   st.MtimeNsec,
			}
			status := stage.Added
			if st.Status == scanner.Modified {
				status = stage.Modified
			}
			if err := idx.StageFile(st.Path, status, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func pathSelected(path string, selectors []string) bool {
	if len(selectors) == 0 {
		return true
	}
	for _, sel := range selectors {
		sel = filepath.ToSlash(sel)
		if path == sel || strings.HasPrefix(path, strings.TrimSuffix(sel, "/")+"/") {
			return true
		}
	}
	return false
}

// Commit folds the staging index into a new tree and records a commit on
// the current branch. An empty stage is not rejected: it produces a commit
// whose tree equals its parent's. It fails in detached HEAD state.
func (r *Repository) Commit(identity config.Identity, message string) (dvhash.Hash, error) {
	head, err := r.Refs.GetHead()
	if err != nil {
		return dvhash.Zero, err
	}
	idx, err := r.stageIndex()
	if err != nil {
		return dvhash.Zero, err
	}
	parentRoot, err := r.headRoot()
	if err != nil {
		return dvhash.Zero, err
	}
	newRoot, err := idx.CommitIntoTree(r.Nodes, parentRoot, r.Config.BucketCount)
	if err != nil {
		return dvhash.Zero, err
	}

	now := time.Now()
	c := merkle.Commit{
		Message:       message,
		Author:        identity.Name,
		Email:         identity.Email,
		TimestampSec:  now.Unix(),
		TimestampNsec: int32(now.Nanosecond()),
		RootTreeHash:  newRoot,
	}
	if !head.CommitHash.IsZero() {
		c.Parents = []dvhash.Hash{head.CommitHash}
	}
	id, err := r.Commits.Create(c)
	if err != nil {
		return dvhash.Zero, err
	}

	if head.IsDetached() {
		return dvhash.Zero, dvcserr.New(op+".Commit", dvcserr.Unknown).WithHint("cannot commit in detached HEAD state")
	}
	if r.Refs.BranchExists(head.Branch) {
		if err := r.Refs.SetBranch(head.Branch, id); err != nil {
			return dvhash.Zero, err
		}
	} else {
		if err := r.Refs.CreateBranch(head.Branch, id); err != nil {
			return dvhash.Zero, err
		}
	}
	if err := idx.Clear(); err != nil {
		return dvhash.Zero, err
	}
	return id, nil
}

// CreateBranch records a new branch at the current HEAD commit.
func (r *Repository) CreateBranch(name string) error {
	head, err := r.Refs.GetHead()
	if err != nil {
		return err
	}
	return r.Refs.CreateBranch(name, head.CommitHash)
}

// branchRoot resolves a branch name to its commit's root tree hash, or
// dvhash.Zero for an unborn branch.
func (r *Repository) branchRoot(branch string) (dvhash.Hash, error) {
	commit, err := r.Refs.GetBranch(branch)
	if err != nil {
		return dvhash.Zero, err
	}
	if commit.IsZero() {
		return dvhash.Zero, nil
	}
	c, err := r.Commits.Get(commit)
	if err != nil {
		return dvhash.Zero, err
	}
	return c.RootTreeHash, nil
}

// applyTreeDiff rewrites the working tree from fromRoot's contents to
// toRoot's, file by file, the same diff-and-apply approach
// mergeengine.fastForward uses to land a fast-forward.
func (r *Repository) applyTreeDiff(fromRoot, toRoot dvhash.Hash) error {
	diff, err := merkle.DiffTrees(r.Nodes, fromRoot, toRoot)
	if err != nil {
		return err
	}
	for _, d := range diff.Entries {
		dst := filepath.Join(r.WorkDir, filepath.FromSlash(d.Path))
		switch d.Status {
		case merkle.DiffAdded, merkle.DiffModified:
			content, gerr := r.Objects.GetBytes(d.New.ContentHash)
			if gerr != nil {
				return gerr
			}
			if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
				return dvcserr.Wrap(op+".applyTreeDiff", dvcserr.IOError, err)
			}
			if err := os.WriteFile(dst, content, 0o600); err != nil { //nolint:gosec // path derived from a committed tree path
				return dvcserr.Wrap(op+".applyTreeDiff", dvcserr.IOError, err)
			}
		case merkle.DiffRemoved:
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				return dvcserr.Wrap(op+".applyTreeDiff", dvcserr.IOError, err)
			}
		}
	}
	return nil
}

// Checkout switches HEAD to branch, rewriting the working tree from the
// current HEAD's contents to branch's.
func (r *Repository) Checkout(branch string) error {
	if !r.Refs.BranchExists(branch) {
		return dvcserr.New(op+".Checkout", dvcserr.NotFound).WithPath(branch)
	}
	fromRoot, err := r.headRoot()
	if err != nil {
		return err
	}
	toRoot, err := r.branchRoot(branch)
	if err != nil {
		return err
	}
	if err := r.applyTreeDiff(fromRoot, toRoot); err != nil {
		return err
	}
	return r.Refs.SetHeadBranch(branch)
}

// RestoreAll materializes branch's entire tree into the working directory
// regardless of its current on-disk contents and attaches HEAD to it, the
// operation a fresh Pull into an empty working directory needs: Pull only
// lands objects and commits, it never touches the working tree itself.
func (r *Repository) RestoreAll(branch string) error {
	if !r.Refs.BranchExists(branch) {
		return dvcserr.New(op+".RestoreAll", dvcserr.NotFound).WithPath(branch)
	}
	toRoot, err := r.branchRoot(branch)
	if err != nil {
		return err
	}
	if err := r.applyTreeDiff(dvhash.Zero, toRoot); err != nil {
		return err
	}
	return r.Refs.SetHeadBranch(branch)
}

// Merger builds a mergeengine.Engine bound to this repository's components
// and conflict store, ready for Merge or for Pull's three-way-merge path.
func (r *Repository) Merger() (*mergeengine.Engine, error) {
	conflicts, err := mergeengine.OpenConflictStore(r.dvcsDir)
	if err != nil {
		return nil, err
	}
	return mergeengine.New(r.Nodes, r.Objects, r.Commits, r.Refs, conflicts, r.WorkDir, r.dvcsDir, r.Config.BucketCount, r.logger), nil
}

// Merge merges otherBranch into the current HEAD branch.
func (r *Repository) Merge(otherBranch string, identity config.Identity) (mergeengine.Outcome, error) {
	head, err := r.Refs.GetHead()
	if err != nil {
		return mergeengine.Outcome{}, err
	}
	if head.IsDetached() {
		return mergeengine.Outcome{}, dvcserr.New(op+".Merge", dvcserr.Unknown).WithHint("cannot merge in detached HEAD state")
	}
	merger, err := r.Merger()
	if err != nil {
		return mergeengine.Outcome{}, err
	}
	return merger.Merge(head.Branch, otherBranch, mergeengine.Identity{Name: identity.Name, Email: identity.Email})
}

// SyncLocal adapts this repository's storage components to syncproto.Local,
// for a sync server binary that exposes this repository to remote clients.
func (r *Repository) SyncLocal() *syncproto.Local {
	return &syncproto.Local{Nodes: r.Nodes, Objects: r.Objects, Commits: r.Commits, Refs: r.Refs}
}

// remoteEngine resolves a configured remote name to a syncproto.RemoteEngine:
// an HTTP(S) address dials out with transport.HTTPClient, anything else is
// treated as a filesystem path to another repository opened in-process via
// transport.LocalEngine, covering both real network remotes and the
// same-machine "remote directory" workflow spec.md §4.8 describes.
func (r *Repository) remoteEngine(ctx context.Context, name string) (syncproto.RemoteEngine, func(), error) {
	addr, ok := r.Config.Remotes[name]
	if !ok {
		return nil, nil, dvcserr.New(op+".remoteEngine", dvcserr.NotFound).WithPath(name).
			WithHint(fmt.Sprintf("no remote named %q configured", name))
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return transport.NewHTTPClient(addr, os.Getenv("DVCS_AUTH_TOKEN")), func() {}, nil
	}
	remote, err := Open(addr, r.logger)
	if err != nil {
		return nil, nil, err
	}
	eng, err := transport.NewLocalEngine(remote.SyncLocal(), filepath.Join(remote.dvcsDir, "sync-scratch"), r.logger)
	if err != nil {
		return nil, nil, err
	}
	return eng, func() {}, nil
}

// Push sends branch's new commits to the named remote.
func (r *Repository) Push(ctx context.Context, remoteName, branch string, progress syncproto.Progress) error {
	eng, cleanup, err := r.remoteEngine(ctx, remoteName)
	if err != nil {
		return err
	}
	defer cleanup()
	return syncproto.Push(ctx, r.SyncLocal(), eng, branch, progress)
}

// Pull fetches branch's new commits from the named remote and either
// fast-forwards or three-way merges them into the current branch.
func (r *Repository) Pull(ctx context.Context, remoteName, branch string, identity config.Identity, progress syncproto.Progress) (syncproto.PullOutcome, error) {
	eng, cleanup, err := r.remoteEngine(ctx, remoteName)
	if err != nil {
		return syncproto.PullOutcome{}, err
	}
	defer cleanup()
	merger, err := r.Merger()
	if err != nil {
		return syncproto.PullOutcome{}, err
	}
	return syncproto.Pull(ctx, r.SyncLocal(), eng, remoteName, branch, merger, mergeengine.Identity{Name: identity.Name, Email: identity.Email}, progress)
}
