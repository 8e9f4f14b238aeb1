// Package mergeengine implements the merge engine (C7): fast-forward and
// three-way merges over the Merkle tree, LCA computation, and a persisted
// conflict store.
package mergeengine

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/oxcart/dvcs/internal/commitlog"
	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
	"github.com/oxcart/dvcs/internal/objstore"
	"github.com/oxcart/dvcs/internal/refs"
	"github.com/oxcart/dvcs/internal/stage"
)

const op = "mergeengine"

// Identity names the author of a generated merge commit.
type Identity struct {
	Name  string
	Email string
}

// OutcomeKind classifies the result of Merge.
type OutcomeKind int

const (
	FastForward OutcomeKind = iota
	Created
	Conflicted
)

// Outcome is the result of a merge attempt, matching spec.md's
// FastForward(commit)|Created(commit)|Conflicted(conflicts) contract.
type Outcome struct {
	Kind      OutcomeKind
	Commit    dvhash.Hash
	Conflicts []Conflict
}

// Engine performs merges for one repository.
type Engine struct {
	nodes       *merkle.Store
	objects     *objstore.Store
	commits     *commitlog.Log
	refsmgr     *refs.Manager
	conflicts   *ConflictStore
	workDir     string
	repoRoot    string // <repo>/.dvcs
	bucketCount int
	logger      *slog.Logger
}

// New builds a merge Engine. repoRoot is the repository's internal metadata
// directory (normally "<repo>/.dvcs"), used to scratch-stage three-way merge
// results before they are folded into a commit tree.
func New(nodes *merkle.Store, objects *objstore.Store, commits *commitlog.Log, refsmgr *refs.Manager, conflicts *ConflictStore, workDir, repoRoot string, bucketCount int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{nodes: nodes, objects: objects, commits: commits, refsmgr: refsmgr, conflicts: conflicts, workDir: workDir, repoRoot: repoRoot, bucketCount: bucketCount, logger: logger}
}

// Merge merges otherBranch into baseBranch.
func (e *Engine) Merge(baseBranch, otherBranch string, identity Identity) (Outcome, error) {
	baseHead, err := e.refsmgr.GetBranch(baseBranch)
	if err != nil {
		return Outcome{}, err
	}
	otherHead, err := e.refsmgr.GetBranch(otherBranch)
	if err != nil {
		return Outcome{}, err
	}
	if baseHead == otherHead {
		return Outcome{Kind: FastForward, Commit: baseHead}, nil
	}

	lca, err := LowestCommonAncestor(e.commits, baseHead, otherHead)
	if err != nil {
		return Outcome{}, err
	}

	if lca == baseHead {
		return e.fastForward(baseBranch, baseHead, otherHead)
	}
	return e.threeWay(baseBranch, otherBranch, baseHead, otherHead, lca, identity)
}

func (e *Engine) fastForward(branch string, baseHead, otherHead dvhash.Hash) (Outcome, error) {
	baseCommit, err := e.commits.Get(baseHead)
	if err != nil {
		return Outcome{}, err
	}
	otherCommit, err := e.commits.Get(otherHead)
	if err != nil {
		return Outcome{}, err
	}

	diff, err := merkle.DiffTrees(e.nodes, baseCommit.RootTreeHash, otherCommit.RootTreeHash)
	if err != nil {
		return Outcome{}, err
	}

	if err := e.checkNoLocalOverwrite(diff); err != nil {
		return Outcome{}, err
	}

	for _, d := range diff.Entries {
		switch d.Status {
		case merkle.DiffAdded, merkle.DiffModified:
			if err := e.restoreFile(d.Path, *d.New); err != nil {
				return Outcome{}, err
			}
		case merkle.DiffRemoved:
			if err := os.Remove(e.diskPath(d.Path)); err != nil && !os.IsNotExist(err) {
				return Outcome{}, dvcserr.Wrap(op+".fastForward", dvcserr.IOError, err)
			}
		}
	}

	if err := e.refsmgr.SetBranch(branch, otherHead); err != nil {
		return Outcome{}, err
	}
	e.logger.Info("fast-forward merge", "branch", branch, "commit", otherHead.Short())
	return Outcome{Kind: FastForward, Commit: otherHead}, nil
}

// checkNoLocalOverwrite aborts with WouldOverwriteLocalChanges if applying
// diff would discard an unstaged local modification.
func (e *Engine) checkNoLocalOverwrite(diff merkle.TreeDiff) error {
	var offending []string
	for _, d := range diff.Entries {
		if d.Old == nil {
			continue // newly added by other side; nothing local to lose
		}
		disk := e.diskPath(d.Path)
		b, err := os.ReadFile(disk) //nolint:gosec // path derived from a committed tree path
		if err != nil {
			continue // absent locally, nothing to overwrite
		}
		if dvhash.Sum(b) != d.Old.ContentHash {
			offending = append(offending, d.Path)
		}
	}
	if len(offending) > 0 {
		hint := "locally modified files would be overwritten: "
		for i, p := range offending {
			if i > 0 {
				hint += ", "
			}
			hint += p
		}
		return dvcserr.New(op+".checkNoLocalOverwrite", dvcserr.WouldOverwriteLocalChanges).WithHint(hint)
	}
	return nil
}

func (e *Engine) threeWay(baseBranch, otherBranch string, baseHead, otherHead, lca dvhash.Hash, identity Identity) (Outcome, error) {
	baseCommit, err := e.commits.Get(baseHead)
	if err != nil {
		return Outcome{}, err
	}
	otherCommit, err := e.commits.Get(otherHead)
	if err != nil {
		return Outcome{}, err
	}
	var lcaTree dvhash.Hash
	if !lca.IsZero() {
		lcaCommit, err := e.commits.Get(lca)
		if err != nil {
			return Outcome{}, err
		}
		lcaTree = lcaCommit.RootTreeHash
	}

	pathEntries, err := ThreeWayDiff(e.nodes, lcaTree, baseCommit.RootTreeHash, otherCommit.RootTreeHash, e.bucketCount)
	if err != nil {
		return Outcome{}, err
	}

	stageDir := filepath.Join(e.repoRoot, "merge-stage")
	_ = os.RemoveAll(stageDir)
	defer func() { _ = os.RemoveAll(stageDir) }()
	idx, err := stage.Open(stageDir)
	if err != nil {
		return Outcome{}, err
	}

	var conflicts []Conflict
	touched := false
	for path, pe := range pathEntries {
		switch {
		case entryEq(pe.Lca, pe.Base):
			// base unchanged since lca, other moved: take other.
			touched = true
			if err := e.takeOther(idx, path, pe.Other); err != nil {
				return Outcome{}, err
			}
		case entryEq(pe.Lca, pe.Other):
			// other unchanged since lca, base moved: keep base, no-op.
		case entryEq(pe.Base, pe.Other):
			// both sides agree: keep base, no-op.
		default:
			conflicts = append(conflicts, Conflict{Path: path, Lca: pe.Lca, Base: pe.Base, Other: pe.Other})
		}
	}

	if len(conflicts) > 0 {
		for _, c := range conflicts {
			if err := e.conflicts.Put(c); err != nil {
				return Outcome{}, err
			}
			e.writeConflictMarkers(c)
		}
		if err := e.refsmgr.SetMergeHead(otherHead, baseHead); err != nil {
			return Outcome{}, err
		}
		e.logger.Info("merge produced conflicts", "base", baseBranch, "other", otherBranch, "count", len(conflicts))
		return Outcome{Kind: Conflicted, Conflicts: conflicts}, nil
	}

	newRoot := baseCommit.RootTreeHash
	if touched {
		newRoot, err = idx.CommitIntoTree(e.nodes, baseCommit.RootTreeHash, e.bucketCount)
		if err != nil {
			return Outcome{}, err
		}
	}

	now := time.Now()
	commit := merkle.Commit{
		Parents:      []dvhash.Hash{baseHead, otherHead},
		Message:      fmt.Sprintf("Merge branch %q into %q", otherBranch, baseBranch),
		Author:       identity.Name,
		Email:        identity.Email,
		TimestampSec: now.Unix(),
	}
	commit.RootTreeHash = newRoot

	commitID, err := e.commits.Create(commit)
	if err != nil {
		return Outcome{}, err
	}
	if err := e.refsmgr.SetBranch(baseBranch, commitID); err != nil {
		return Outcome{}, err
	}
	if err := e.refsmgr.ClearMergeState(); err != nil {
		return Outcome{}, err
	}
	e.logger.Info("merge commit created", "base", baseBranch, "other", otherBranch, "commit", commitID.Short())
	return Outcome{Kind: Created, Commit: commitID}, nil
}

func (e *Engine) takeOther(idx *stage.Index, path string, other *merkle.Entry) error {
	if other == nil {
		if err := idx.StageFile(path, stage.Removed, merkle.File{}); err != nil {
			return err
		}
		if err := os.Remove(e.diskPath(path)); err != nil && !os.IsNotExist(err) {
			return dvcserr.Wrap(op+".takeOther", dvcserr.IOError, err)
		}
		return nil
	}
	if other.IsDir {
		return idx.StageDir(path, stage.Added)
	}
	f, err := e.nodes.ReadFile(other.Hash)
	if err != nil {
		return err
	}
	if err := idx.StageFile(path, stage.Added, f); err != nil {
		return err
	}
	return e.restoreFile(path, f)
}

func (e *Engine) restoreFile(path string, f merkle.File) error {
	b, err := e.objects.GetBytes(f.ContentHash)
	if err != nil {
		return err
	}
	dst := e.diskPath(path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return dvcserr.Wrap(op+".restoreFile", dvcserr.IOError, err)
	}
	if err := os.WriteFile(dst, b, 0o600); err != nil { //nolint:gosec // path derived from a committed tree path
		return dvcserr.Wrap(op+".restoreFile", dvcserr.IOError, err)
	}
	return nil
}

func (e *Engine) diskPath(path string) string {
	return filepath.Join(e.workDir, filepath.FromSlash(path))
}

// writeConflictMarkers writes git-style conflict markers into the working
// file for a conflict whose lca/base/other entries are all regular files.
// Add/delete and file/directory kind conflicts are recorded in the conflict
// store without rewriting working-tree content.
func (e *Engine) writeConflictMarkers(c Conflict) {
	if c.Lca == nil || c.Base == nil || c.Other == nil || c.Lca.IsDir || c.Base.IsDir || c.Other.IsDir {
		return
	}
	lcaFile, err := e.nodes.ReadFile(c.Lca.Hash)
	if err != nil {
		return
	}
	baseFile, err := e.nodes.ReadFile(c.Base.Hash)
	if err != nil {
		return
	}
	otherFile, err := e.nodes.ReadFile(c.Other.Hash)
	if err != nil {
		return
	}
	lcaB, err1 := e.objects.GetBytes(lcaFile.ContentHash)
	baseB, err2 := e.objects.GetBytes(baseFile.ContentHash)
	otherB, err3 := e.objects.GetBytes(otherFile.ContentHash)
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	merged, hasConflict := RenderWithConflictMarkers(lcaB, baseB, otherB)
	if !hasConflict {
		return
	}
	dst := e.diskPath(c.Path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		e.logger.Warn("writing conflict markers", "path", c.Path, "error", err)
		return
	}
	if err := os.WriteFile(dst, merged, 0o600); err != nil { //nolint:gosec // path derived from a committed tree path
		e.logger.Warn("writing conflict markers", "path", c.Path, "error", err)
	}
}

// Resolve clears path's conflict once the caller has re-added its resolved
// content to the staging index.
func (e *Engine) Resolve(path string) error {
	return e.conflicts.Resolve(path)
}
