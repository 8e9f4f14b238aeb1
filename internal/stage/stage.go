// Package stage implements the staging index (C4): the keyed overlay of
// pending adds/modifications/removals that commit_into_tree materializes
// into Merkle nodes.
package stage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/emirpasic/gods/maps/linkedhashmap"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
)

const op = "stage"

// Status classifies a staged path.
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

// Entry is one staged path. File is the zero value for a Removed entry.
type Entry struct {
	Path   string
	Status Status
	IsDir  bool
	File   merkle.File
}

// Index is the repo-local staging area. Mutations take an exclusive lock
// held only for the write. Reads are not lock-free: they take the shared
// side of the same RWMutex, so a read waits for an in-progress write.
type Index struct {
	path string // <root>/staged/INDEX

	mu      sync.RWMutex
	entries *linkedhashmap.Map // path -> Entry
}

// Open loads (or creates) the staging index at root/staged/INDEX.
func Open(root string) (*Index, error) {
	dir := filepath.Join(root, "staged")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, dvcserr.Wrap(op+".Open", dvcserr.IOError, err)
	}
	idx := &Index{path: filepath.Join(dir, "INDEX"), entries: linkedhashmap.New()}
	if err := idx.load(); err != nil {
		return nil, err
	}
	return idx, nil
}

// StageFile records an add/modify/remove for path.
func (idx *Index) StageFile(path string, status Status, file merkle.File) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries.Put(path, Entry{Path: path, Status: status, File: file})
	return idx.persist()
}

// StageDir marks path as a present directory, needed so empty directories
// and intermediate directories of staged files survive commit_into_tree.
// It is recorded as Added unless a parent-tree lookup (done by the caller,
// since Index has no tree access) indicates the directory already existed,
// in which case the caller passes Unmodified.
func (idx *Index) StageDir(path string, status Status) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries.Put(path, Entry{Path: path, Status: status, IsDir: true})
	return idx.persist()
}

// Unstage removes path from the index without touching the working tree or
// any other path.
func (idx *Index) Unstage(path string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries.Remove(path)
	return idx.persist()
}

// Get returns the staged entry for path, if any.
func (idx *Index) Get(path string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	v, ok := idx.entries.Get(path)
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Entries returns a snapshot of every staged entry, in insertion order.
func (idx *Index) Entries() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Entry, 0, idx.entries.Size())
	it := idx.entries.Iterator()
	for it.Next() {
		out = append(out, it.Value().(Entry))
	}
	return out
}

// Clear removes every staged entry, called after a successful commit.
func (idx *Index) Clear() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.entries.Clear()
	return idx.persist()
}

// Len reports the number of staged entries.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.entries.Size()
}

// --- persistence: a single tab-separated text file, rewritten atomically
// on every mutation. This is a small enough store that a per-mutation full
// rewrite (mirroring refs.writeAtomic's temp+rename pattern) is simpler and
// safer than a log-structured append format.

func (idx *Index) persist() error {
	var b strings.Builder
	it := idx.entries.Iterator()
	for it.Next() {
		e := it.Value().(Entry)
		fmt.Fprintf(&b, "%d\t%s\t%t\t%s\t%s\t%d\t%d\t%d\t%s\t%s\t%s\t%s\n",
			e.Status, encodeField(e.Path), e.IsDir,
			e.File.Name, e.File.ContentHash, e.File.NumBytes,
			e.File.MtimeSec, e.File.MtimeNsec,
			encodeField(e.File.DataType), encodeField(e.File.MimeType), encodeField(e.File.Extension),
			e.File.LastCommitID,
		)
	}
	return writeAtomic(idx.path, []byte(b.String()))
}

func (idx *Index) load() error {
	b, err := os.ReadFile(idx.path) //nolint:gosec // fixed path under repo root
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return dvcserr.Wrap(op+".load", dvcserr.IOError, err)
	}
	for _, line := range strings.Split(string(b), "\n") {
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 12 {
			return dvcserr.New(op+".load", dvcserr.CorruptTree).WithHint("malformed staging index line")
		}
		statusN, err := strconv.Atoi(fields[0])
		if err != nil {
			return dvcserr.Wrap(op+".load", dvcserr.CorruptTree, err)
		}
		isDir := fields[2] == "true"
		var contentHash, lastCommit dvhash.Hash
		if fields[4] != "" {
			contentHash, err = dvhash.ParseHash(fields[4])
			if err != nil {
				return dvcserr.Wrap(op+".load", dvcserr.CorruptTree, err)
			}
		}
		if fields[11] != "" {
			lastCommit, err = dvhash.ParseHash(fields[11])
			if err != nil {
				return dvcserr.Wrap(op+".load", dvcserr.CorruptTree, err)
			}
		}
		numBytes, _ := strconv.ParseUint(fields[5], 10, 64)
		mtimeSec, _ := strconv.ParseInt(fields[6], 10, 64)
		mtimeNsec, _ := strconv.ParseInt(fields[7], 10, 32)
		path := decodeField(fields[1])
		e := Entry{
			Path:   path,
			Status: Status(statusN),
			IsDir:  isDir,
			File: merkle.File{
				Name:         fields[3],
				ContentHash:  contentHash,
				NumBytes:     numBytes,
				MtimeSec:     mtimeSec,
				MtimeNsec:    int32(mtimeNsec),
				DataType:     decodeField(fields[8]),
				MimeType:     decodeField(fields[9]),
				Extension:    decodeField(fields[10]),
				LastCommitID: lastCommit,
			},
		}
		idx.entries.Put(path, e)
	}
	return nil
}

func encodeField(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\t", "\\t")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func decodeField(s string) string {
	s = strings.ReplaceAll(s, "\\n", "\n")
	s = strings.ReplaceAll(s, "\\t", "\t")
	s = strings.ReplaceAll(s, "\\\\", "\\")
	return s
}

func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return dvcserr.Wrap(op+".writeAtomic", dvcserr.IOError, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return dvcserr.Wrap(op+".writeAtomic", dvcserr.IOError, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return dvcserr.Wrap(op+".writeAtomic", dvcserr.IOError, err)
	}
	if err := tmp.Close(); err != nil {
		return dvcserr.Wrap(op+".writeAtomic", dvcserr.IOError, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return dvcserr.Wrap(op+".writeAtomic", dvcserr.IOError, err)
	}
	return nil
}
