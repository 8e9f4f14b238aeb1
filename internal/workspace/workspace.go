// Package workspace implements the workspace (C9): a server-side named
// overlay attached to (commit_id, identity), owning its own staging index,
// tabular overlays, and a working directory that starts empty. A workspace
// is a disk space liability by construction (it duplicates uploaded and
// materialized content until commit or discard), so the Manager in
// manager.go evicts workspaces idle past a TTL, the same concern the
// teacher's repomanager.RepoManager addresses for cloned repos.
package workspace

import (
	"os"
	"sync"
	"time"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
	"github.com/oxcart/dvcs/internal/objstore"
	"github.com/oxcart/dvcs/internal/stage"
	"github.com/oxcart/dvcs/internal/tabular"
)

const op = "workspace"

// Workspace is one overlay attached to a specific commit and identity.
type Workspace struct {
	ID           string
	CommitID     dvhash.Hash
	Identity     string
	Editable     bool
	rootTreeHash dvhash.Hash // the commit's root tree, resolved once at creation

	dir     string // scratch directory for the staging index; uploads go to the object store
	nodes   *merkle.Store
	objects *objstore.Store

	mu         sync.RWMutex
	stageIdx   *stage.Index
	tables     map[string]*tabular.Table // path -> indexed tabular overlay
	createdAt  time.Time
	lastAccess time.Time
}

func open(id string, commitID, rootTreeHash dvhash.Hash, identity string, editable bool, dir string, nodes *merkle.Store, objects *objstore.Store) (*Workspace, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, dvcserr.Wrap(op+".open", dvcserr.IOError, err)
	}
	idx, err := stage.Open(dir)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &Workspace{
		ID: id, CommitID: commitID, Identity: identity, Editable: editable, rootTreeHash: rootTreeHash,
		dir: dir, nodes: nodes, objects: objects,
		stageIdx: idx, tables: map[string]*tabular.Table{},
		createdAt: now, lastAccess: now,
	}, nil
}

func (w *Workspace) touch() {
	w.mu.Lock()
	w.lastAccess = time.Now()
	w.mu.Unlock()
}

// LastAccess reports when the workspace was last used.
func (w *Workspace) LastAccess() time.Time {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.lastAccess
}

// UploadFile stages path=content as an added/modified file in the
// workspace's own staging index and writes it into the object store.
func (w *Workspace) UploadFile(path string, content []byte) error {
	if !w.Editable {
		return dvcserr.New(op+".UploadFile", dvcserr.WouldOverwriteLocalChanges).WithHint("workspace is non-editable")
	}
	w.touch()
	hash, err := w.objects.Put(content)
	if err != nil {
		return err
	}
	f := merkle.File{ContentHash: hash, NumBytes: uint64(len(content))} //nolint:gosec
	return w.stageIdx.StageFile(path, stage.Added, f)
}

// IndexTabular materializes path's currently committed content into an
// editable row-indexed tabular.Table, per spec's index(workspace, path).
// Calling it twice on the same path returns the existing table rather than
// re-indexing, so concurrent row edits within one workspace share state.
func (w *Workspace) IndexTabular(path string) (*tabular.Table, error) {
	w.touch()
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.tables[path]; ok {
		return t, nil
	}

	entry, ok, err := lookupPath(w.nodes, w.commitRoot(), path)
	if err != nil {
		return nil, err
	}
	if !ok || entry.IsDir {
		return nil, dvcserr.New(op+".IndexTabular", dvcserr.NotFound).WithPath(path)
	}
	f, err := w.nodes.ReadFile(entry.Hash)
	if err != nil {
		return nil, err
	}
	content, err := w.objects.GetBytes(f.ContentHash)
	if err != nil {
		return nil, err
	}

	var schema merkle.Schema
	if !f.MetadataHash.IsZero() {
		n, err := w.nodes.ReadNode(f.MetadataHash)
		if err != nil {
			return nil, err
		}
		if s, ok := n.(merkle.Schema); ok {
			schema = s
		}
	}

	t, err := tabular.Index(content, schema)
	if err != nil {
		return nil, err
	}
	w.tables[path] = t
	return t, nil
}

// Table returns the already-indexed table for path, if any.
func (w *Workspace) Table(path string) (*tabular.Table, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	t, ok := w.tables[path]
	return t, ok
}

func (w *Workspace) commitRoot() dvhash.Hash {
	return w.rootTreeHash
}

// StagingIndex exposes the workspace's staging index for Manager.Commit.
func (w *Workspace) StagingIndex() *stage.Index {
	return w.stageIdx
}

// StageMaterializedTable writes path's current table state back as a staged
// file, called by Manager.Commit for every path that was indexed and edited.
func (w *Workspace) StageMaterializedTable(path string) error {
	w.mu.Lock()
	t, ok := w.tables[path]
	w.mu.Unlock()
	if !ok {
		return dvcserr.New(op+".StageMaterializedTable", dvcserr.NotFound).WithPath(path)
	}
	content, hash, err := t.Materialize()
	if err != nil {
		return err
	}
	if _, err := w.objects.Put(content); err != nil {
		return err
	}
	f := merkle.File{ContentHash: hash, NumBytes: uint64(len(content))} //nolint:gosec
	return w.stageIdx.StageFile(path, stage.Modified, f)
}

// EditedPaths returns every path currently indexed as a tabular overlay.
func (w *Workspace) EditedPaths() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, 0, len(w.tables))
	for p := range w.tables {
		out = append(out, p)
	}
	return out
}
