// Package scanner implements the working-tree scanner (C5): it discovers
// changed files by comparing on-disk state against the HEAD tree using
// mtime and content hash. The directory walk is sequential; the per-file
// checks run in parallel.
package scanner

import (
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
)

const op = "scanner"

// RepoDirName is the hidden directory excluded from every scan.
const RepoDirName = ".dvcs"

// Status classifies one scanned path relative to the HEAD tree.
type Status int

const (
	Unmodified Status = iota
	Added
	Modified
	Removed
)

func (s Status) String() string {
	switch s {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Removed:
		return "removed"
	default:
		return "unmodified"
	}
}

// FileStatus is one scanned path's result.
type FileStatus struct {
	Path        string
	Status      Status
	ContentHash dvhash.Hash
	NumBytes    int64
	MtimeSec    int64
	MtimeNsec   int32
}

// Scan walks workDir (excluding RepoDirName and ignored paths) and reports a
// FileStatus for every path that differs from the HEAD tree, plus every
// untracked file. headRoot may be dvhash.Zero for a fresh repository.
func Scan(nodes *merkle.Store, workDir string, headRoot dvhash.Hash, ignore *IgnoreMatcher, logger *slog.Logger) ([]FileStatus, error) {
	if logger == nil {
		logger = slog.Default()
	}

	head, err := flattenHead(nodes, headRoot)
	if err != nil {
		return nil, err
	}

	type diskEntry struct {
		path string
		info os.FileInfo
	}
	var disk []diskEntry
	seen := map[string]bool{}

	walkErr := filepath.WalkDir(workDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			logger.Warn("scanner: skipping unreadable path", "path", path, "error", err)
			return nil //nolint:nilerr // best-effort walk, matches teacher's ComputeWorkingTreeStatus
		}
		if d.IsDir() && d.Name() == RepoDirName {
			return filepath.SkipDir
		}
		rel, relErr := filepath.Rel(workDir, path)
		if relErr != nil {
			return relErr
		}
		rel = filepath.ToSlash(rel)
		if rel == "." {
			return nil
		}
		if ignore != nil && ignore.IsIgnored(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil //nolint:nilerr
		}
		seen[rel] = true
		disk = append(disk, diskEntry{path: rel, info: info})
		return nil
	})
	if walkErr != nil {
		return nil, dvcserr.Wrap(op+".Scan", dvcserr.IOError, walkErr)
	}

	results := make([]FileStatus, len(disk))
	sem := make(chan struct{}, maxInt(1, runtime.NumCPU()))
	g := &errgroup.Group{}
	var mu sync.Mutex
	for i, e := range disk {
		i, e := i, e
		g.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()

			st, err := statusOf(nodes, workDir, e.path, e.info, head[e.path])
			if err != nil {
				return err
			}
			mu.Lock()
			results[i] = st
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make([]FileStatus, 0, len(results))
	for _, r := range results {
		if r.Status != Unmodified {
			out = append(out, r)
		}
	}

	for path, f := range head {
		if !seen[path] {
			out = append(out, FileStatus{Path: path, Status: Removed, ContentHash: f.ContentHash, NumBytes: int64(f.NumBytes)}) //nolint:gosec // sizes fit int64
		}
	}

	return out, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func statusOf(nodes *merkle.Store, workDir, relPath string, info os.FileInfo, headFile merkle.File) (FileStatus, error) {
	mtime := info.ModTime()
	st := FileStatus{Path: relPath, NumBytes: info.Size(), MtimeSec: mtime.Unix(), MtimeNsec: int32(mtime.Nanosecond())} //nolint:gosec // nanoseconds fit int32

	hadHead := headFile.Name != "" || !headFile.ContentHash.IsZero()
	if hadHead && info.Size() == int64(headFile.NumBytes) && mtime.Unix() == headFile.MtimeSec && int32(mtime.Nanosecond()) == headFile.MtimeNsec { //nolint:gosec
		st.Status = Unmodified
		st.ContentHash = headFile.ContentHash
		return st, nil
	}

	b, err := os.ReadFile(filepath.Join(workDir, filepath.FromSlash(relPath))) //nolint:gosec // path constructed from a validated repo-relative walk
	if err != nil {
		return FileStatus{}, dvcserr.Wrap(op+".statusOf", dvcserr.IOError, err)
	}
	st.ContentHash = dvhash.Sum(b)

	switch {
	case !hadHead:
		st.Status = Added
	case st.ContentHash == headFile.ContentHash:
		st.Status = Unmodified
	default:
		st.Status = Modified
	}
	return st, nil
}

// flattenHead returns every File in the tree rooted at headRoot, keyed by
// repo-relative path.
func flattenHead(nodes *merkle.Store, headRoot dvhash.Hash) (map[string]merkle.File, error) {
	out := map[string]merkle.File{}
	if headRoot.IsZero() {
		return out, nil
	}
	err := merkle.Walk(nodes, headRoot, func(path string, n merkle.Node) (merkle.Signal, error) {
		if f, ok := n.(merkle.File); ok {
			out[path] = f
		}
		return merkle.Continue, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
