package merkle

import (
	"testing"

	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/objstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	os, err := objstore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("objstore.Open: %v", err)
	}
	return NewStore(os, nil)
}

func TestEncodeDecodeFileRoundTrip(t *testing.T) {
	f := File{
		Name:        "hello.txt",
		ContentHash: dvhash.Sum([]byte("Hello")),
		NumBytes:    5,
		DataType:    "text",
		MimeType:    "text/plain",
		Extension:   "txt",
	}
	f.CombinedHash = FileCombinedHash(f.ContentHash, f.Name)

	b, err := Encode(f)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	gf, ok := got.(File)
	if !ok {
		t.Fatalf("Decode returned %T, want File", got)
	}
	if gf != f {
		t.Fatalf("round trip mismatch: got %+v, want %+v", gf, f)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	c := Commit{
		Parents:      []dvhash.Hash{dvhash.Sum([]byte("p1"))},
		Message:      "msg",
		Author:       "a",
		Email:        "a@example.com",
		RootTreeHash: dvhash.Sum([]byte("root")),
	}
	b1, err := Encode(c)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	b2, err := Encode(c)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if string(b1) != string(b2) {
		t.Fatalf("Encode not deterministic")
	}
}

func TestStoreReadWriteNode(t *testing.T) {
	s := newTestStore(t)
	f := File{Name: "a.txt", ContentHash: dvhash.Sum([]byte("x"))}
	f.CombinedHash = FileCombinedHash(f.ContentHash, f.Name)

	h, err := s.WriteNode(f)
	if err != nil {
		t.Fatalf("WriteNode: %v", err)
	}
	got, err := s.ReadFile(h)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if got != f {
		t.Fatalf("ReadFile mismatch: got %+v, want %+v", got, f)
	}
}

func TestPartitionEntriesStableByName(t *testing.T) {
	entries := []Entry{
		{Name: "b.txt", Hash: dvhash.Sum([]byte("1"))},
		{Name: "a.txt", Hash: dvhash.Sum([]byte("2"))},
	}
	before := PartitionEntries(entries, 8)

	// Changing content (but not name) must not move an entry's bucket.
	entries[0].Hash = dvhash.Sum([]byte("1-changed"))
	after := PartitionEntries(entries, 8)

	findBucket := func(buckets [][]Entry, name string) int {
		for i, b := range buckets {
			for _, e := range b {
				if e.Name == name {
					return i
				}
			}
		}
		return -1
	}
	if findBucket(before, "b.txt") != findBucket(after, "b.txt") {
		t.Fatalf("bucket for b.txt moved after content-only change")
	}
}

func TestPartitionEntriesSortedWithinBucket(t *testing.T) {
	entries := []Entry{
		{Name: "zzz"}, {Name: "aaa"}, {Name: "mmm"},
	}
	buckets := PartitionEntries(entries, 1)
	if len(buckets[0]) != 3 {
		t.Fatalf("expected all 3 entries in the single bucket, got %d", len(buckets[0]))
	}
	for i := 1; i < len(buckets[0]); i++ {
		if buckets[0][i-1].Name > buckets[0][i].Name {
			t.Fatalf("bucket not sorted by name: %v", buckets[0])
		}
	}
}

func TestDiffTreesIdenticalIsEmpty(t *testing.T) {
	s := newTestStore(t)
	f := File{Name: "same.txt", ContentHash: dvhash.Sum([]byte("same"))}
	f.CombinedHash = FileCombinedHash(f.ContentHash, f.Name)
	fh, err := s.WriteNode(f)
	if err != nil {
		t.Fatalf("WriteNode file: %v", err)
	}

	entry := Entry{Name: f.Name, Hash: fh, CombinedHash: f.CombinedHash}
	vn := VNode{Entries: []Entry{entry}}
	vn.CombinedHash = VNodeCombinedHash(vn.Entries)
	vh, err := s.WriteNode(vn)
	if err != nil {
		t.Fatalf("WriteNode vnode: %v", err)
	}

	children := make([]dvhash.Hash, DefaultBucketWidth)
	children[BucketOf(f.Name, DefaultBucketWidth)] = vh
	d := Dir{Name: "", Children: children}
	d.CombinedHash = DirCombinedHash(d.Name, children)
	dh, err := s.WriteNode(d)
	if err != nil {
		t.Fatalf("WriteNode dir: %v", err)
	}

	diff, err := DiffTrees(s, dh, dh)
	if err != nil {
		t.Fatalf("DiffTrees: %v", err)
	}
	if len(diff.Entries) != 0 {
		t.Fatalf("DiffTrees(T, T) = %v, want empty", diff.Entries)
	}
}
