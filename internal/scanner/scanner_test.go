package scanner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
	"github.com/oxcart/dvcs/internal/objstore"
	"github.com/oxcart/dvcs/internal/stage"
)

func newTestStore(t *testing.T) *merkle.Store {
	t.Helper()
	os, err := objstore.Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("objstore.Open: %v", err)
	}
	return merkle.NewStore(os, nil)
}

// commitFiles writes the given path->contents map under workDir, stages it
// and commits it into a fresh tree, returning the root hash (the staged
// mtimes match the files on disk).
func commitFiles(t *testing.T, nodes *merkle.Store, workDir string, files map[string]string) dvhash.Hash {
	t.Helper()
	idx, err := stage.Open(t.TempDir())
	if err != nil {
		t.Fatalf("stage.Open: %v", err)
	}
	for path, contents := range files {
		full := filepath.Join(workDir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
			t.Fatalf("MkdirAll: %v", err)
		}
		if err := os.WriteFile(full, []byte(contents), 0o600); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
		info, err := os.Stat(full)
		if err != nil {
			t.Fatalf("Stat: %v", err)
		}
		f := merkle.File{
			ContentHash: dvhash.Sum([]byte(contents)),
			NumBytes:    uint64(len(contents)), //nolint:gosec
			MtimeSec:    info.ModTime().Unix(),
			MtimeNsec:   int32(info.ModTime().Nanosecond()), //nolint:gosec
		}
		if err := idx.StageFile(path, stage.Added, f); err != nil {
			t.Fatalf("StageFile(%s): %v", path, err)
		}
	}
	root, err := idx.CommitIntoTree(nodes, dvhash.Zero, merkle.DefaultBucketWidth)
	if err != nil {
		t.Fatalf("CommitIntoTree: %v", err)
	}
	return root
}

func statusFor(t *testing.T, results []FileStatus, path string) (FileStatus, bool) {
	t.Helper()
	for _, r := range results {
		if r.Path == path {
			return r, true
		}
	}
	return FileStatus{}, false
}

func TestScanDetectsAddedModifiedUnmodified(t *testing.T) {
	work := t.TempDir()
	nodes := newTestStore(t)
	root := commitFiles(t, nodes, work, map[string]string{
		"unchanged.txt": "same",
		"changed.txt":   "before",
	})

	// Modify changed.txt, bumping its mtime so the fast path can't mask it.
	changedPath := filepath.Join(work, "changed.txt")
	if err := os.WriteFile(changedPath, []byte("after!!"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(changedPath, future, future); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	// New untracked file.
	if err := os.WriteFile(filepath.Join(work, "new.txt"), []byte("new"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	results, err := Scan(nodes, work, root, nil, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if _, ok := statusFor(t, results, "unchanged.txt"); ok {
		t.Fatalf("unchanged.txt should not appear in results, got %+v", results)
	}

	changed, ok := statusFor(t, results, "changed.txt")
	if !ok || changed.Status != Modified {
		t.Fatalf("changed.txt status = %+v, want Modified", changed)
	}

	added, ok := statusFor(t, results, "new.txt")
	if !ok || added.Status != Added {
		t.Fatalf("new.txt status = %+v, want Added", added)
	}
}

func TestScanDetectsRemoved(t *testing.T) {
	work := t.TempDir()
	nodes := newTestStore(t)
	root := commitFiles(t, nodes, work, map[string]string{
		"gone.txt": "bye",
	})
	if err := os.Remove(filepath.Join(work, "gone.txt")); err != nil {
		t.Fatalf("Remove: %v", err)
	}

	results, err := Scan(nodes, work, root, nil, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	removed, ok := statusFor(t, results, "gone.txt")
	if !ok || removed.Status != Removed {
		t.Fatalf("gone.txt status = %+v, want Removed", removed)
	}
}

func TestScanEmptyWorkdirFreshRepo(t *testing.T) {
	work := t.TempDir()
	nodes := newTestStore(t)
	if err := os.WriteFile(filepath.Join(work, "a.txt"), []byte("a"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	results, err := Scan(nodes, work, dvhash.Zero, nil, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	a, ok := statusFor(t, results, "a.txt")
	if !ok || a.Status != Added {
		t.Fatalf("a.txt status = %+v, want Added", a)
	}
}

func TestScanHonorsMtimeSizeFastPath(t *testing.T) {
	work := t.TempDir()
	nodes := newTestStore(t)
	root := commitFiles(t, nodes, work, map[string]string{
		"f.txt": "stable",
	})

	// The file is untouched since commitFiles recorded its size and mtime:
	// the fast path should classify it Unmodified without re-hashing (and
	// the result set should simply omit it).
	results, err := Scan(nodes, work, root, nil, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if _, ok := statusFor(t, results, "f.txt"); ok {
		t.Fatalf("f.txt should be unmodified and omitted, got %+v", results)
	}
}

func TestScanRespectsIgnoreFile(t *testing.T) {
	work := t.TempDir()
	nodes := newTestStore(t)

	if err := os.WriteFile(filepath.Join(work, ".dvcsignore"), []byte("*.log\nbuild/\n"), 0o600); err != nil {
		t.Fatalf("WriteFile ignore: %v", err)
	}
	if err := os.WriteFile(filepath.Join(work, "keep.txt"), []byte("k"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(work, "debug.log"), []byte("noisy"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(work, "build"), 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(work, "build", "out.bin"), []byte("bin"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	ignore := LoadIgnoreMatcher(work, nil)
	results, err := Scan(nodes, work, dvhash.Zero, ignore, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	if _, ok := statusFor(t, results, "keep.txt"); !ok {
		t.Fatalf("keep.txt should be scanned, got %+v", results)
	}
	if _, ok := statusFor(t, results, "debug.log"); ok {
		t.Fatalf("debug.log should be ignored, got %+v", results)
	}
	if _, ok := statusFor(t, results, "build/out.bin"); ok {
		t.Fatalf("build/out.bin should be ignored, got %+v", results)
	}
	// .dvcsignore itself is a regular tracked file, not auto-excluded.
	if _, ok := statusFor(t, results, ".dvcsignore"); !ok {
		t.Fatalf(".dvcsignore should be scanned as a normal file, got %+v", results)
	}
}

func TestScanSkipsRepoDir(t *testing.T) {
	work := t.TempDir()
	nodes := newTestStore(t)
	if err := os.MkdirAll(filepath.Join(work, RepoDirName, "objects"), 0o750); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	if err := os.WriteFile(filepath.Join(work, RepoDirName, "objects", "x"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(work, "a.txt"), []byte("a"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	results, err := Scan(nodes, work, dvhash.Zero, nil, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(results) != 1 || results[0].Path != "a.txt" {
		t.Fatalf("results = %+v, want only a.txt", results)
	}
}
