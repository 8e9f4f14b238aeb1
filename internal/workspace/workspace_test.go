package workspace

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/oxcart/dvcs/internal/commitlog"
	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
	"github.com/oxcart/dvcs/internal/objstore"
	"github.com/oxcart/dvcs/internal/refs"
	"github.com/oxcart/dvcs/internal/stage"
	"github.com/oxcart/dvcs/internal/tabular"
)

type harness struct {
	nodes   *merkle.Store
	objects *objstore.Store
	commits *commitlog.Log
	refsmgr *refs.Manager
	mgr     *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	repo := t.TempDir()
	objects, err := objstore.Open(filepath.Join(repo, "objects"), nil)
	if err != nil {
		t.Fatalf("objstore.Open: %v", err)
	}
	nodes := merkle.NewStore(objects, nil)
	commits, err := commitlog.Open(nodes, filepath.Join(repo, "commits"), nil)
	if err != nil {
		t.Fatalf("commitlog.Open: %v", err)
	}
	refsmgr, err := refs.Open(repo)
	if err != nil {
		t.Fatalf("refs.Open: %v", err)
	}
	mgr, err := New(Config{RootDir: filepath.Join(repo, "workspaces"), BucketCount: merkle.DefaultBucketWidth}, nodes, objects, commits, refsmgr)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{nodes: nodes, objects: objects, commits: commits, refsmgr: refsmgr, mgr: mgr}
}

// commitCSV stages path=csv as a single-file initial commit and returns its id.
func (h *harness) commitCSV(t *testing.T, path, csv string) dvhash.Hash {
	t.Helper()
	idx, err := stage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("stage.Open: %v", err)
	}
	hash, err := h.objects.Put([]byte(csv))
	if err != nil {
		t.Fatalf("objects.Put: %v", err)
	}
	f := merkle.File{ContentHash: hash, NumBytes: uint64(len(csv))} //nolint:gosec
	if err := idx.StageFile(path, stage.Added, f); err != nil {
		t.Fatalf("StageFile: %v", err)
	}
	root, err := idx.CommitIntoTree(h.nodes, dvhash.Zero, merkle.DefaultBucketWidth)
	if err != nil {
		t.Fatalf("CommitIntoTree: %v", err)
	}
	c := merkle.Commit{Message: "init", Author: "t", Email: "t@t", TimestampSec: 1, RootTreeHash: root}
	id, err := h.commits.Create(c)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return id
}

func TestIndexTabularAddRowUpdateRowAndCommit(t *testing.T) {
	h := newHarness(t)
	csv := "id,name\n1,alice\n2,bob\n"
	c0 := h.commitCSV(t, "people.csv", csv)
	if err := h.refsmgr.CreateBranch("main", c0); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	ws, err := h.mgr.Create(c0, "alice@example.com", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	table, err := ws.IndexTabular("people.csv")
	if err != nil {
		t.Fatalf("IndexTabular: %v", err)
	}

	rows := table.Query(tabular.QueryOptions{}).Rows
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}

	if _, err := table.AddRow(map[string]string{"id": "3", "name": "carol"}); err != nil {
		t.Fatalf("AddRow: %v", err)
	}
	if _, err := table.UpdateRow("1", map[string]string{"id": "1", "name": "ALICE"}); err != nil {
		t.Fatalf("UpdateRow: %v", err)
	}

	commitID, err := h.mgr.Commit(ws.ID, "main", "alice", "alice@example.com", "edit people")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	commit, err := h.commits.Get(commitID)
	if err != nil {
		t.Fatalf("Get commit: %v", err)
	}
	entry, ok, err := lookupPath(h.nodes, commit.RootTreeHash, "people.csv")
	if err != nil || !ok {
		t.Fatalf("lookupPath: ok=%v err=%v", ok, err)
	}
	f, err := h.nodes.ReadFile(entry.Hash)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	content, err := h.objects.GetBytes(f.ContentHash)
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	out := string(content)
	if !strings.Contains(out, "ALICE") || !strings.Contains(out, "carol") {
		t.Fatalf("materialized csv missing edits: %q", out)
	}
	if strings.Contains(out, tabular.IDColumn) {
		t.Fatalf("materialized csv leaked internal column: %q", out)
	}

	if _, err := h.mgr.Get(ws.ID); dvcserr.KindOf(err) != dvcserr.NotFound {
		t.Fatalf("expected workspace %s to be gone after commit, got err=%v", ws.ID, err)
	}
}

func TestNonEditableWorkspaceRejectsWrites(t *testing.T) {
	h := newHarness(t)
	c0 := h.commitCSV(t, "people.csv", "id,name\n1,alice\n")
	if err := h.refsmgr.CreateBranch("main", c0); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	ws, err := h.mgr.Create(c0, "reader@example.com", false)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := ws.UploadFile("new.txt", []byte("x")); err == nil {
		t.Fatalf("expected UploadFile to fail on non-editable workspace")
	}
	if _, err := h.mgr.Commit(ws.ID, "main", "r", "r@r", "m"); err == nil {
		t.Fatalf("expected Commit to fail on non-editable workspace")
	}
}

func TestCommitOnlyStagesTablesWithEdits(t *testing.T) {
	h := newHarness(t)
	c0 := h.commitCSV(t, "people.csv", "id,name\n1,alice\n")
	if err := h.refsmgr.CreateBranch("main", c0); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	ws, err := h.mgr.Create(c0, "alice@example.com", true)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := ws.IndexTabular("people.csv"); err != nil {
		t.Fatalf("IndexTabular: %v", err)
	}

	commitID, err := h.mgr.Commit(ws.ID, "main", "alice", "alice@example.com", "no-op")
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if commitID != c0 {
		t.Fatalf("expected no-op commit to return existing head %s, got %s", c0.Short(), commitID.Short())
	}
}
