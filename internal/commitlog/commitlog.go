// Package commitlog implements the commit log (C3): commit creation and
// retrieval, topological listing, and the bidirectional-BFS support used by
// the merge engine's LCA computation.
package commitlog

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
)

const op = "commitlog"

// Log is a keyed store from commit id to commit record, backed by the
// shared Merkle node store (commits are themselves Merkle nodes) plus a
// small synced-marker directory mirroring spec.md's commits/ cache.
type Log struct {
	nodes  *merkle.Store
	root   string // <repo>/.dvcs/commits, holds the "synced" marker directory
	logger *slog.Logger
}

// Open returns a Log rooted at root.
func Open(nodes *merkle.Store, root string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(root, "synced"), 0o750); err != nil {
		return nil, dvcserr.Wrap(op+".Open", dvcserr.IOError, err)
	}
	return &Log{nodes: nodes, root: root, logger: logger}, nil
}

// Create computes a commit's hash from its canonical fields and writes the
// record. Identical inputs (same parents, tree, message, author, email,
// timestamp) always yield the same id.
func (l *Log) Create(c merkle.Commit) (dvhash.Hash, error) {
	if len(c.Parents) > 2 {
		return dvhash.Zero, dvcserr.New(op+".Create", dvcserr.CorruptTree).WithHint("commit has more than 2 parents")
	}
	if c.MessageHash.IsZero() {
		c.MessageHash = dvhash.Sum([]byte(c.Message))
	}
	h, err := l.nodes.WriteNode(c)
	if err != nil {
		return dvhash.Zero, err
	}
	l.logger.Info("commit created", "id", h.Short(), "parents", len(c.Parents))
	return h, nil
}

// Get returns the commit identified by id, or dvcserr.NotFound.
func (l *Log) Get(id dvhash.Hash) (merkle.Commit, error) {
	n, err := l.nodes.ReadNode(id)
	if err != nil {
		return merkle.Commit{}, err
	}
	c, ok := n.(merkle.Commit)
	if !ok {
		return merkle.Commit{}, dvcserr.New(op+".Get", dvcserr.CorruptTree).WithPath(id.String())
	}
	return c, nil
}

// idCommit pairs a hash with its decoded record for sorting/tie-breaking.
type idCommit struct {
	id dvhash.Hash
	c  merkle.Commit
}

func less(a, b idCommit) bool {
	if a.c.TimestampSec != b.c.TimestampSec {
		return a.c.TimestampSec > b.c.TimestampSec // newest first
	}
	if a.c.TimestampNsec != b.c.TimestampNsec {
		return a.c.TimestampNsec > b.c.TimestampNsec
	}
	return a.id.String() < b.id.String()
}

// ListFrom returns every commit reachable from id, newest first: ordered by
// timestamp (descending), then by id. The order is not derived from the
// parent links, so it puts children before parents only when no commit has
// an earlier timestamp than one of its parents.
func (l *Log) ListFrom(id dvhash.Hash) ([]dvhash.Hash, error) {
	var out []idCommit
	seen := map[dvhash.Hash]bool{}
	queue := []dvhash.Hash{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.IsZero() || seen[cur] {
			continue
		}
		seen[cur] = true
		c, err := l.Get(cur)
		if err != nil {
			return nil, err
		}
		out = append(out, idCommit{id: cur, c: c})
		queue = append(queue, c.Parents...)
	}
	sort.SliceStable(out, func(i, j int) bool { return less(out[i], out[j]) })
	ids := make([]dvhash.Hash, len(out))
	for i, ic := range out {
		ids[i] = ic.id
	}
	return ids, nil
}

// ListBetween returns commits reachable from head but not from base.
func (l *Log) ListBetween(base, head dvhash.Hash) ([]dvhash.Hash, error) {
	baseSet, err := l.reachableSet(base)
	if err != nil {
		return nil, err
	}
	headList, err := l.ListFrom(head)
	if err != nil {
		return nil, err
	}
	var out []dvhash.Hash
	for _, id := range headList {
		if !baseSet[id] {
			out = append(out, id)
		}
	}
	return out, nil
}

func (l *Log) reachableSet(from dvhash.Hash) (map[dvhash.Hash]bool, error) {
	set := map[dvhash.Hash]bool{}
	queue := []dvhash.Hash{from}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.IsZero() || set[cur] {
			continue
		}
		set[cur] = true
		c, err := l.Get(cur)
		if err != nil {
			return nil, err
		}
		queue = append(queue, c.Parents...)
	}
	return set, nil
}

// ListWithDepth returns every commit reachable from "from" mapped to its BFS
// depth (0 for "from" itself), used by the merge engine's LCA search.
func (l *Log) ListWithDepth(from dvhash.Hash) (map[dvhash.Hash]int, error) {
	depth := map[dvhash.Hash]int{}
	type item struct {
		id dvhash.Hash
		d  int
	}
	queue := []item{{from, 0}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.id.IsZero() {
			continue
		}
		if existing, ok := depth[cur.id]; ok && existing <= cur.d {
			continue
		}
		depth[cur.id] = cur.d
		c, err := l.Get(cur.id)
		if err != nil {
			return nil, err
		}
		for _, p := range c.Parents {
			queue = append(queue, item{p, cur.d + 1})
		}
	}
	return depth, nil
}

// MarkSynced records that a commit's full object closure is known to exist
// locally (used server-side to decide what push can skip re-verifying).
func (l *Log) MarkSynced(id dvhash.Hash) error {
	p := filepath.Join(l.root, "synced", id.String())
	f, err := os.Create(p) //nolint:gosec // path derived from validated hash under repo root
	if err != nil {
		return dvcserr.Wrap(op+".MarkSynced", dvcserr.IOError, err)
	}
	return f.Close()
}

// IsSynced reports whether MarkSynced has been recorded for id.
func (l *Log) IsSynced(id dvhash.Hash) bool {
	_, err := os.Stat(filepath.Join(l.root, "synced", id.String()))
	return err == nil
}
