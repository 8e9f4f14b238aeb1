package workspace

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oxcart/dvcs/internal/commitlog"
	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
	"github.com/oxcart/dvcs/internal/objstore"
	"github.com/oxcart/dvcs/internal/refs"
)

// Config holds Manager settings, following repomanager.Config's
// zero-value-filling pattern.
type Config struct {
	RootDir       string // <repo>/.dvcs/workspaces
	InactivityTTL time.Duration
	BucketCount   int
	Logger        *slog.Logger
}

func (c *Config) defaults() {
	if c.InactivityTTL <= 0 {
		c.InactivityTTL = time.Hour
	}
	if c.BucketCount <= 0 {
		c.BucketCount = merkle.DefaultBucketWidth
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns every open workspace for one repository, evicting ones idle
// past InactivityTTL. Multiple workspaces may exist concurrently per commit
// for different identities.
type Manager struct {
	cfg     Config
	nodes   *merkle.Store
	objects *objstore.Store
	commits *commitlog.Log
	refsmgr *refs.Manager

	mu         sync.RWMutex
	workspaces map[string]*Workspace

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a workspace Manager.
func New(cfg Config, nodes *merkle.Store, objects *objstore.Store, commits *commitlog.Log, refsmgr *refs.Manager) (*Manager, error) {
	cfg.defaults()
	if err := os.MkdirAll(cfg.RootDir, 0o750); err != nil {
		return nil, dvcserr.Wrap(op+".New", dvcserr.IOError, err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg: cfg, nodes: nodes, objects: objects, commits: commits, refsmgr: refsmgr,
		workspaces: map[string]*Workspace{}, ctx: ctx, cancel: cancel,
	}, nil
}

// Start launches the inactivity eviction loop.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.evictionLoop()
}

// Close stops the eviction loop and waits for it to exit.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}

// Create opens a new workspace overlay attached to (commitID, identity).
func (m *Manager) Create(commitID dvhash.Hash, identity string, editable bool) (*Workspace, error) {
	commit, err := m.commits.Get(commitID)
	if err != nil {
		return nil, err
	}
	id := uuid.NewString()
	dir := filepath.Join(m.cfg.RootDir, id)
	ws, err := open(id, commitID, commit.RootTreeHash, identity, editable, dir, m.nodes, m.objects)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.workspaces[id] = ws
	m.mu.Unlock()
	m.cfg.Logger.Info("workspace created", "id", id, "commit", commitID.Short(), "identity", identity, "editable", editable)
	return ws, nil
}

// Get returns the workspace by id, touching its last-access time.
func (m *Manager) Get(id string) (*Workspace, error) {
	m.mu.RLock()
	ws, ok := m.workspaces[id]
	m.mu.RUnlock()
	if !ok {
		return nil, dvcserr.New(op+".Get", dvcserr.NotFound).WithPath(id)
	}
	ws.touch()
	return ws, nil
}

// Discard destroys a workspace without committing, freeing its scratch
// directory.
func (m *Manager) Discard(id string) error {
	m.mu.Lock()
	ws, ok := m.workspaces[id]
	if !ok {
		m.mu.Unlock()
		return dvcserr.New(op+".Discard", dvcserr.NotFound).WithPath(id)
	}
	delete(m.workspaces, id)
	m.mu.Unlock()

	if err := os.RemoveAll(ws.dir); err != nil {
		m.cfg.Logger.Warn("failed to remove discarded workspace", "id", id, "error", err)
	}
	m.cfg.Logger.Info("workspace discarded", "id", id)
	return nil
}

// Commit promotes the workspace's staging index (plus any edited tabular
// overlays, materialized back to CSV) into a new commit on targetBranch,
// then destroys the workspace. Tables with no edits (an empty Diff) are left
// alone so an index-only read session produces no spurious staged file.
func (m *Manager) Commit(id, targetBranch, author, email, message string) (dvhash.Hash, error) {
	m.mu.RLock()
	ws, ok := m.workspaces[id]
	m.mu.RUnlock()
	if !ok {
		return dvhash.Zero, dvcserr.New(op+".Commit", dvcserr.NotFound).WithPath(id)
	}
	if !ws.Editable {
		return dvhash.Zero, dvcserr.New(op+".Commit", dvcserr.WouldOverwriteLocalChanges).WithHint("workspace is non-editable")
	}

	for _, path := range ws.EditedPaths() {
		t, _ := ws.Table(path)
		d := t.Diff()
		if len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Modified) == 0 {
			continue
		}
		if err := ws.StageMaterializedTable(path); err != nil {
			return dvhash.Zero, err
		}
	}

	branchHead, err := m.refsmgr.GetBranch(targetBranch)
	if err != nil {
		return dvhash.Zero, err
	}
	branchCommit, err := m.commits.Get(branchHead)
	if err != nil {
		return dvhash.Zero, err
	}

	if ws.StagingIndex().Len() == 0 {
		m.finishCommit(id, ws)
		return branchHead, nil
	}

	newRoot, err := ws.StagingIndex().CommitIntoTree(m.nodes, branchCommit.RootTreeHash, m.cfg.BucketCount)
	if err != nil {
		return dvhash.Zero, err
	}

	commit := merkle.Commit{
		Parents:      []dvhash.Hash{branchHead},
		Message:      message,
		Author:       author,
		Email:        email,
		TimestampSec: time.Now().Unix(),
		RootTreeHash: newRoot,
	}
	commitID, err := m.commits.Create(commit)
	if err != nil {
		return dvhash.Zero, err
	}
	if err := m.refsmgr.SetBranch(targetBranch, commitID); err != nil {
		return dvhash.Zero, err
	}

	m.finishCommit(id, ws)
	m.cfg.Logger.Info("workspace committed", "id", id, "branch", targetBranch, "commit", commitID.Short())
	return commitID, nil
}

func (m *Manager) finishCommit(id string, ws *Workspace) {
	m.mu.Lock()
	delete(m.workspaces, id)
	m.mu.Unlock()
	if err := os.RemoveAll(ws.dir); err != nil {
		m.cfg.Logger.Warn("failed to remove committed workspace scratch dir", "id", id, "error", err)
	}
}

func (m *Manager) evictionLoop() {
	defer m.wg.Done()
	interval := m.cfg.InactivityTTL / 10
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.evictInactive()
		}
	}
}

func (m *Manager) evictInactive() {
	now := time.Now()
	m.mu.RLock()
	var stale []string
	for id, ws := range m.workspaces {
		if now.Sub(ws.LastAccess()) > m.cfg.InactivityTTL {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range stale {
		if err := m.Discard(id); err != nil {
			m.cfg.Logger.Warn("failed to evict inactive workspace", "id", id, "error", err)
		} else {
			m.cfg.Logger.Info("evicted inactive workspace", "id", id)
		}
	}
}
