package transport_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/oxcart/dvcs/internal/commitlog"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/mergeengine"
	"github.com/oxcart/dvcs/internal/merkle"
	"github.com/oxcart/dvcs/internal/objstore"
	"github.com/oxcart/dvcs/internal/refs"
	"github.com/oxcart/dvcs/internal/stage"
	"github.com/oxcart/dvcs/internal/syncproto"
	"github.com/oxcart/dvcs/internal/transport"
)

// testRepo bundles one repository's storage components plus a working
// directory, mirroring the shape internal/repo wires together, so Push/Pull
// can run against it exactly as they would in production.
type testRepo struct {
	local   *syncproto.Local
	workDir string
	repo    string // <repo>/.dvcs equivalent, for mergeengine's scratch state
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	repo := t.TempDir()
	work := t.TempDir()

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
	return &testRepo{
		local:   &syncproto.Local{Nodes: nodes, Objects: objects, Commits: commits, Refs: refsmgr},
		workDir: work,
		repo:    repo,
	}
}

// commitOn stages files on top of parent and returns the new commit id,
// writing the file contents into the repo's working directory too.
func (r *testRepo) commitOn(t *testing.T, parent dvhash.Hash, files map[string]string) dvhash.Hash {
	t.Helper()
	idx, err := stage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("stage.Open: %v", err)
	}
	for path, contents := range files {
		if err := os.MkdirAll(filepath.Join(r.workDir, filepath.Dir(path)), 0o750); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(filepath.Join(r.workDir, filepath.FromSlash(path)), []byte(contents), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		f := merkle.File{ContentHash: dvhash.Sum([]byte(contents)), NumBytes: uint64(len(contents))}
		if err := idx.StageFile(path, stage.Added, f); err != nil {
			t.Fatalf("StageFile: %v", err)
		}
		if _, err := r.local.Objects.Put([]byte(contents)); err != nil {
			t.Fatalf("objects.Put: %v", err)
		}
	}
	root, err := idx.CommitIntoTree(r.local.Nodes, parent, merkle.DefaultBucketWidth)
	if err != nil {
		t.Fatalf("CommitIntoTree: %v", err)
	}
	c := merkle.Commit{Message: "m", Author: "a", Email: "a@a", TimestampSec: 1, RootTreeHash: root}
	if !parent.IsZero() {
		c.Parents = []dvhash.Hash{parent}
	}
	id, err := r.local.Commits.Create(c)
	if err != nil {
		t.Fatalf("commits.Create: %v", err)
	}
	return id
}

func (r *testRepo) engine(t *testing.T) *transport.LocalEngine {
	t.Helper()
	eng, err := transport.NewLocalEngine(r.local, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewLocalEngine: %v", err)
	}
	return eng
}

func (r *testRepo) merger(t *testing.T) *mergeengine.Engine {
	t.Helper()
	conflicts, err := mergeengine.OpenConflictStore(r.repo)
	if err != nil {
		t.Fatalf("OpenConflictStore: %v", err)
	}
	return mergeengine.New(r.local.Nodes, r.local.Objects, r.local.Commits, r.local.Refs, conflicts, r.workDir, r.repo, merkle.DefaultBucketWidth, nil)
}

var identity = mergeengine.Identity{Name: "tester", Email: "tester@example.com"}

func TestPushCreatesRemoteBranchAndTransfersClosure(t *testing.T) {
	ctx := context.Background()
	local := newTestRepo(t)
	remote := newTestRepo(t)

	c1 := local.commitOn(t, dvhash.Zero, map[string]string{"a.csv": "x,y\n1,2\n"})
	if err := local.local.Refs.CreateBranch("main", c1); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}

	if err := syncproto.Push(ctx, local.local, remote.engine(t), "main", nil); err != nil {
		t.Fatalf("Push: %v", err)
	}

	got, err := remote.local.Refs.GetBranch("main")
	if err != nil {
		t.Fatalf("remote GetBranch: %v", err)
	}
	if got != c1 {
		t.Fatalf("remote main = %s, want %s", got, c1)
	}
	if _, err := remote.local.Commits.Get(c1); err != nil {
		t.Fatalf("remote missing commit %s: %v", c1, err)
	}
	if !remote.local.Objects.Exists(dvhash.Sum([]byte("x,y\n1,2\n"))) {
		t.Fatal("remote missing pushed file content")
	}
}

// countingEngine wraps a RemoteEngine and counts how many node/blob
// envelopes actually cross the wire, so an incremental push can be checked
// for sending only the new commit's objects rather than re-sending history.
type countingEngine struct {
	*transport.LocalEngine
	nodesSent int
	blobsSent int
}

func (c *countingEngine) CreateNodes(ctx context.Context, nodes []syncproto.NodeEnvelope) error {
	c.nodesSent += len(nodes)
	return c.LocalEngine.CreateNodes(ctx, nodes)
}

func (c *countingEngine) CreateBlobBatch(ctx context.Context, blobs []syncproto.Blob) error {
	c.blobsSent += len(blobs)
	return c.LocalEngine.CreateBlobBatch(ctx, blobs)
}

func TestPushIncrementalOnlySendsNewObjects(t *testing.T) {
	ctx := context.Background()
	local := newTestRepo(t)
	remote := newTestRepo(t)

	c1 := local.commitOn(t, dvhash.Zero, map[string]string{"a.csv": "one"})
	if err := local.local.Refs.CreateBranch("main", c1); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := syncproto.Push(ctx, local.local, remote.engine(t), "main", nil); err != nil {
		t.Fatalf("initial Push: %v", err)
	}

	c2 := local.commitOn(t, c1, map[string]string{"a.csv": "two"})
	if err := local.local.Refs.SetBranch("main", c2); err != nil {
		t.Fatalf("SetBranch: %v", err)
	}

	counting := &countingEngine{LocalEngine: remote.engine(t)}
	if err := syncproto.Push(ctx, local.local, counting, "main", nil); err != nil {
		t.Fatalf("incremental Push: %v", err)
	}

	got, err := remote.local.Refs.GetBranch("main")
	if err != nil {
		t.Fatalf("remote GetBranch: %v", err)
	}
	if got != c2 {
		t.Fatalf("remote main = %s, want %s", got, c2)
	}
	// A single changed file means exactly one new VNode, one new Dir and
	// one new File node cross the wire, plus one new blob -- not the whole
	// history again.
	if counting.nodesSent == 0 {
		t.Fatal("incremental push sent zero nodes")
	}
	if counting.nodesSent > 3 {
		t.Fatalf("incremental push sent %d nodes, want at most 3 (dir, vnode, file)", counting.nodesSent)
	}
	if counting.blobsSent != 1 {
		t.Fatalf("incremental push sent %d blobs, want 1", counting.blobsSent)
	}
}

func TestPullFastForwardFromEmptyLocal(t *testing.T) {
	ctx := context.Background()
	source := newTestRepo(t)
	remote := newTestRepo(t)
	dest := newTestRepo(t)

	c1 := source.commitOn(t, dvhash.Zero, map[string]string{"a.csv": "one"})
	c2 := source.commitOn(t, c1, map[string]string{"a.csv": "two"})
	if err := source.local.Refs.CreateBranch("main", c2); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := syncproto.Push(ctx, source.local, remote.engine(t), "main", nil); err != nil {
		t.Fatalf("Push: %v", err)
	}

	outcome, err := syncproto.Pull(ctx, dest.local, remote.engine(t), "origin", "main", dest.merger(t), identity, nil)
	if err != nil {
		t.Fatalf("Pull: %v", err)
	}
	if outcome.UpToDate {
		t.Fatal("Pull reported UpToDate on an empty local repo")
	}
	if outcome.Merge.Kind != mergeengine.FastForward {
		t.Fatalf("Merge.Kind = %v, want FastForward", outcome.Merge.Kind)
	}
	if outcome.Merge.Commit != c2 {
		t.Fatalf("Merge.Commit = %s, want %s", outcome.Merge.Commit, c2)
	}

	head, err := dest.local.Refs.GetBranch("main")
	if err != nil {
		t.Fatalf("dest GetBranch: %v", err)
	}
	if head != c2 {
		t.Fatalf("dest main = %s, want %s", head, c2)
	}
	if _, err := dest.local.Commits.Get(c1); err != nil {
		t.Fatalf("dest missing ancestor commit %s: %v", c1, err)
	}

	// A second pull against the same remote head is a no-op.
	outcome2, err := syncproto.Pull(ctx, dest.local, remote.engine(t), "origin", "main", dest.merger(t), identity, nil)
	if err != nil {
		t.Fatalf("second Pull: %v", err)
	}
	if !outcome2.UpToDate {
		t.Fatal("second Pull against unchanged remote should report UpToDate")
	}
}

func TestPullDivergedHistoryMerges(t *testing.T) {
	ctx := context.Background()
	remote := newTestRepo(t)
	left := newTestRepo(t)  // will push a commit to the remote after dest forks
	dest := newTestRepo(t)

	base := left.commitOn(t, dvhash.Zero, map[string]string{"a.csv": "base-a", "b.csv": "base-b"})
	if err := left.local.Refs.CreateBranch("main", base); err != nil {
		t.Fatalf("CreateBranch: %v", err)
	}
	if err := syncproto.Push(ctx, left.local, remote.engine(t), "main", nil); err != nil {
		t.Fatalf("initial Push: %v", err)
	}

	// dest forks off base, independently advancing main locally without
	// ever pushing.
	if _, err := syncproto.Pull(ctx, dest.local, remote.engine(t), "origin", "main", dest.merger(t), identity, nil); err != nil {
		t.Fatalf("dest initial Pull: %v", err)
	}
	destCommit := dest.commitOn(t, base, map[string]string{"a.csv": "dest-a"})
	if err := dest.local.Refs.SetBranch("main", destCommit); err != nil {
		t.Fatalf("dest SetBranch: %v", err)
	}

	// Meanwhile, left advances main on the remote with a change to a
	// different file, so the two histories diverge from a common base with
	// no conflicting paths.
	leftCommit := left.commitOn(t, base, map[string]string{"b.csv": "left-b"})
	if err := left.local.Refs.SetBranch("main", leftCommit); err != nil {
		t.Fatalf("left SetBranch: %v", err)
	}
	if err := syncproto.Push(ctx, left.local, remote.engine(t), "main", nil); err != nil {
		t.Fatalf("second Push: %v", err)
	}

	outcome, err := syncproto.Pull(ctx, dest.local, remote.engine(t), "origin", "main", dest.merger(t), identity, nil)
	if err != nil {
		t.Fatalf("diverging Pull: %v", err)
	}
	if outcome.Merge.Kind != mergeengine.Created {
		t.Fatalf("Merge.Kind = %v, want Created (non-conflicting three-way merge)", outcome.Merge.Kind)
	}
	if len(outcome.Merge.Conflicts) != 0 {
		t.Fatalf("unexpected conflicts: %v", outcome.Merge.Conflicts)
	}

	head, err := dest.local.Refs.GetBranch("main")
	if err != nil {
		t.Fatalf("dest GetBranch: %v", err)
	}
	if head != outcome.Merge.Commit {
		t.Fatalf("dest main = %s, want merge commit %s", head, outcome.Merge.Commit)
	}

	// Both sides' independent changes must be present in the merged
	// working tree: dest kept its own a.csv, and took left's b.csv.
	aContent, err := os.ReadFile(filepath.Join(dest.workDir, "a.csv"))
	if err != nil {
		t.Fatalf("read a.csv: %v", err)
	}
	if string(aContent) != "dest-a" {
		t.Fatalf("a.csv = %q, want %q", aContent, "dest-a")
	}
	bContent, err := os.ReadFile(filepath.Join(dest.workDir, "b.csv"))
	if err != nil {
		t.Fatalf("read b.csv: %v", err)
	}
	if string(bContent) != "left-b" {
		t.Fatalf("b.csv = %q, want %q", bContent, "left-b")
	}
}
