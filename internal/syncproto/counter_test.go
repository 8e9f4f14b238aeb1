package syncproto

import (
	"path/filepath"
	"testing"

	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
	"github.com/oxcart/dvcs/internal/objstore"
)

func newNodeStore(t *testing.T) *merkle.Store {
	t.Helper()
	objects, err := objstore.Open(filepath.Join(t.TempDir(), "objects"), nil)
	if err != nil {
		t.Fatalf("objstore.Open: %v", err)
	}
	return merkle.NewStore(objects, nil)
}

// buildTwoLevelTree writes one Dir node owning one VNode with a single new
// File entry, returning the hashes in root-to-leaf order.
func buildTwoLevelTree(t *testing.T, nodes *merkle.Store, content []byte) (dirHash, vnodeHash, fileHash, contentHash dvhash.Hash) {
	t.Helper()
	contentHash = dvhash.Sum(content)
	f := merkle.File{Name: "a.csv", ContentHash: contentHash, NumBytes: uint64(len(content))}
	var err error
	fileHash, err = nodes.WriteNode(f)
	if err != nil {
		t.Fatalf("WriteNode(file): %v", err)
	}
	v := merkle.VNode{Entries: []merkle.Entry{{Name: "a.csv", Hash: fileHash, IsDir: false}}}
	vnodeHash, err = nodes.WriteNode(v)
	if err != nil {
		t.Fatalf("WriteNode(vnode): %v", err)
	}
	d := merkle.Dir{Name: "root", Children: []dvhash.Hash{vnodeHash}}
	dirHash, err = nodes.WriteNode(d)
	if err != nil {
		t.Fatalf("WriteNode(dir): %v", err)
	}
	return dirHash, vnodeHash, fileHash, contentHash
}

func TestClosureAckCascadesToRoot(t *testing.T) {
	nodes := newNodeStore(t)
	dirHash, vnodeHash, fileHash, contentHash := buildTwoLevelTree(t, nodes, []byte("x,y\n1,2\n"))

	missing := []dvhash.Hash{dirHash, vnodeHash, fileHash}
	missingSet := map[dvhash.Hash]bool{dirHash: true, vnodeHash: true, fileHash: true}
	cl, err := buildClosure(nodes, missing, missingSet)
	if err != nil {
		t.Fatalf("buildClosure: %v", err)
	}

	if got := cl.readyNow(); len(got) != 0 {
		t.Fatalf("readyNow before any ack = %v, want empty", got)
	}

	synced := cl.ackBlob(contentHash)
	if len(synced) != 2 {
		t.Fatalf("ackBlob(content) cascade = %v, want 2 entries (vnode, dir)", synced)
	}
	if synced[0] != vnodeHash || synced[1] != dirHash {
		t.Fatalf("ackBlob(content) cascade = %v, want [vnode, dir] order", synced)
	}

	synced = cl.ackNode(fileHash)
	if len(synced) != 0 {
		t.Fatalf("ackNode(file) after its blob was acked = %v, want empty", synced)
	}
}

func TestClosureReadyNowSkipsAlreadyPresentChildren(t *testing.T) {
	nodes := newNodeStore(t)

	// A Dir whose only VNode child already exists on the remote (not in the
	// missing set) should be immediately ready, cascading up with zero acks.
	v := merkle.VNode{Entries: []merkle.Entry{{Name: "b.csv", Hash: dvhash.Sum([]byte("present")), IsDir: false}}}
	vnodeHash, err := nodes.WriteNode(v)
	if err != nil {
		t.Fatalf("WriteNode(vnode): %v", err)
	}
	d := merkle.Dir{Name: "root", Children: []dvhash.Hash{vnodeHash}}
	dirHash, err := nodes.WriteNode(d)
	if err != nil {
		t.Fatalf("WriteNode(dir): %v", err)
	}

	missing := []dvhash.Hash{dirHash}
	missingSet := map[dvhash.Hash]bool{dirHash: true}
	cl, err := buildClosure(nodes, missing, missingSet)
	if err != nil {
		t.Fatalf("buildClosure: %v", err)
	}

	ready := cl.readyNow()
	if len(ready) != 1 || ready[0] != dirHash {
		t.Fatalf("readyNow() = %v, want [%s]", ready, dirHash)
	}
}

func TestClosureAckBlobUnknownContentIsNoop(t *testing.T) {
	nodes := newNodeStore(t)
	cl, err := buildClosure(nodes, nil, map[dvhash.Hash]bool{})
	if err != nil {
		t.Fatalf("buildClosure: %v", err)
	}
	if got := cl.ackBlob(dvhash.Sum([]byte("nope"))); got != nil {
		t.Fatalf("ackBlob(unknown) = %v, want nil", got)
	}
}
