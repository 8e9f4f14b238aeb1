package mergeengine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
)

// Conflict is a persisted three-way conflict, the triple spec.md §4.7
// mandates: the entry as it stood in the lowest common ancestor, in base,
// and in other, any of which may be nil for an add/delete conflict.
type Conflict struct {
	Path  string
	Lca   *merkle.Entry
	Base  *merkle.Entry
	Other *merkle.Entry
}

// ConflictStore persists pending conflicts across process restarts, same
// whole-file-rewrite-on-mutation pattern as internal/stage's index.
type ConflictStore struct {
	path    string
	mu      sync.RWMutex
	entries map[string]Conflict
}

// OpenConflictStore loads (or creates) the conflict store at root/conflicts/INDEX.
func OpenConflictStore(root string) (*ConflictStore, error) {
	dir := filepath.Join(root, "conflicts")
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, dvcserr.Wrap(op+".OpenConflictStore", dvcserr.IOError, err)
	}
	cs := &ConflictStore{path: filepath.Join(dir, "INDEX"), entries: map[string]Conflict{}}
	if err := cs.load(); err != nil {
		return nil, err
	}
	return cs, nil
}

// Put records (or overwrites) the conflict for path.
func (cs *ConflictStore) Put(c Conflict) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.entries[c.Path] = c
	return cs.persist()
}

// Resolve removes path's conflict, called once the user re-adds the
// resolved file.
func (cs *ConflictStore) Resolve(path string) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	delete(cs.entries, path)
	return cs.persist()
}

// Get returns the conflict recorded for path, if any.
func (cs *ConflictStore) Get(path string) (Conflict, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	c, ok := cs.entries[path]
	return c, ok
}

// List returns every pending conflict.
func (cs *ConflictStore) List() []Conflict {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]Conflict, 0, len(cs.entries))
	for _, c := range cs.entries {
		out = append(out, c)
	}
	return out
}

// Len reports the number of pending conflicts.
func (cs *ConflictStore) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.entries)
}

func encodeEntry(e *merkle.Entry) string {
	if e == nil {
		return "-"
	}
	dir := "0"
	if e.IsDir {
		dir = "1"
	}
	return fmt.Sprintf("%s,%s,%s", e.Hash, e.CombinedHash, dir)
}

func decodeEntry(name, s string) (*merkle.Entry, error) {
	if s == "-" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 3 {
		return nil, dvcserr.New(op+".decodeEntry", dvcserr.CorruptTree).WithHint("malformed conflict entry")
	}
	h, err := dvhash.ParseHash(parts[0])
	if err != nil {
		return nil, dvcserr.Wrap(op+".decodeEntry", dvcserr.CorruptTree, err)
	}
	ch, err := dvhash.ParseHash(parts[1])
	if err != nil {
		return nil, dvcserr.Wrap(op+".decodeEntry", dvcserr.CorruptTree, err)
	}
	return &merkle.Entry{Name: name, Hash: h, CombinedHash: ch, IsDir: parts[2] == "1"}, nil
}

func (cs *ConflictStore) persist() error {
	var b strings.Builder
	for path, c := range cs.entries {
		_, name := splitParent(path)
		fmt.Fprintf(&b, "%s\t%s\t%s\t%s\n", encodePath(path), encodeEntry(withName(c.Lca, name)), encodeEntry(withName(c.Base, name)), encodeEntry(withName(c.Other, name)))
	}
	return writeAtomicFile(cs.path, []byte(b.String()))
}

func withName(e *merkle.Entry, name string) *merkle.Entry {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Name = name
	return &cp
}

func (cs *ConflictStore) load() error {
	b, err := os.ReadFile(cs.path) //nolint:gosec // fixed path under repo root
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
		if len(fields) != 4 {
			return dvcserr.New(op+".load", dvcserr.CorruptTree).WithHint("malformed conflict index line")
		}
		path := decodePath(fields[0])
		_, name := splitParent(path)
		lca, err := decodeEntry(name, fields[1])
		if err != nil {
			return err
		}
		base, err := decodeEntry(name, fields[2])
		if err != nil {
			return err
		}
		other, err := decodeEntry(name, fields[3])
		if err != nil {
			return err
		}
		cs.entries[path] = Conflict{Path: path, Lca: lca, Base: base, Other: other}
	}
	return nil
}

func encodePath(s string) string {
	return strings.ReplaceAll(s, "\t", "\\t")
}

func decodePath(s string) string {
	return strings.ReplaceAll(s, "\\t", "\t")
}

func splitParent(path string) (dir, name string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func writeAtomicFile(path string, b []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "tmp-*")
	if err != nil {
		return dvcserr.Wrap(op+".writeAtomicFile", dvcserr.IOError, err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()
	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return dvcserr.Wrap(op+".writeAtomicFile", dvcserr.IOError, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return dvcserr.Wrap(op+".writeAtomicFile", dvcserr.IOError, err)
	}
	if err := tmp.Close(); err != nil {
		return dvcserr.Wrap(op+".writeAtomicFile", dvcserr.IOError, err)
	}
	return os.Rename(tmpPath, path)
}
