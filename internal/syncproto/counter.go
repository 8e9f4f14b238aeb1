package syncproto

import (
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
)

// closure implements spec.md §4.8 step 7: "the client maintains a per-node
// atomic child counter; when it reaches zero the node is fully synced and
// its parent's counter is decremented." Only nodes in the missing set carry
// a counter — a child the remote already had is assumed (by the invariant
// that a node is only ever marked synced once its full closure lands) to
// already be fully synced, so it never blocks its parent.
type closure struct {
	parentOf      map[dvhash.Hash]dvhash.Hash // missing node/file hash -> owning Dir/VNode hash
	remaining     map[dvhash.Hash]int         // Dir/VNode hash -> outstanding immediate children
	contentToFile map[dvhash.Hash]dvhash.Hash // blob content hash -> owning File node hash
}

// buildClosure reads every hash in missing (already known to belong to the
// remote's missing-node response) and wires up parent/child tracking
// restricted to that set.
func buildClosure(nodes *merkle.Store, missing []dvhash.Hash, missingSet map[dvhash.Hash]bool) (*closure, error) {
	c := &closure{
		parentOf:      map[dvhash.Hash]dvhash.Hash{},
		remaining:     map[dvhash.Hash]int{},
		contentToFile: map[dvhash.Hash]dvhash.Hash{},
	}
	for _, h := range missing {
		n, err := nodes.ReadNode(h)
		if err != nil {
			return nil, err
		}
		switch v := n.(type) {
		case merkle.Dir:
			if _, ok := c.remaining[h]; !ok {
				c.remaining[h] = 0
			}
			for _, child := range v.Children {
				if missingSet[child] {
					c.track(h, child)
				}
			}
		case merkle.VNode:
			if _, ok := c.remaining[h]; !ok {
				c.remaining[h] = 0
			}
			for _, e := range v.Entries {
				if e.IsDir {
					if missingSet[e.Hash] {
						c.track(h, e.Hash)
					}
					continue
				}
				f, ferr := nodes.ReadFile(e.Hash)
				if ferr != nil {
					return nil, ferr
				}
				if !f.ContentHash.IsZero() && missingSet[e.Hash] {
					c.contentToFile[f.ContentHash] = e.Hash
					c.track(h, e.Hash)
				}
			}
		}
	}
	return c, nil
}

func (c *closure) track(owner, child dvhash.Hash) {
	c.parentOf[child] = owner
	c.remaining[owner]++
}

// ackNode marks h synced and cascades into its parent, returning every
// Dir/VNode hash that reached zero as a result, in bottom-up order.
func (c *closure) ackNode(h dvhash.Hash) []dvhash.Hash {
	var synced []dvhash.Hash
	cur := h
	for {
		owner, ok := c.parentOf[cur]
		if !ok {
			return synced
		}
		c.remaining[owner]--
		if c.remaining[owner] > 0 {
			return synced
		}
		synced = append(synced, owner)
		delete(c.parentOf, cur)
		cur = owner
	}
}

// ackBlob marks the File node owning contentHash synced, cascading upward.
func (c *closure) ackBlob(contentHash dvhash.Hash) []dvhash.Hash {
	fileHash, ok := c.contentToFile[contentHash]
	if !ok {
		return nil
	}
	return c.ackNode(fileHash)
}

// readyNow returns every Dir/VNode synced as of closure construction — ones
// with zero missing children to begin with (e.g. an empty directory, or a
// directory whose only child already existed on the remote) — cascading
// into their ancestors the same way ackNode does.
func (c *closure) readyNow() []dvhash.Hash {
	var zero []dvhash.Hash
	for h, n := range c.remaining {
		if n == 0 {
			zero = append(zero, h)
		}
	}
	seen := map[dvhash.Hash]bool{}
	var ready []dvhash.Hash
	add := func(h dvhash.Hash) {
		if !seen[h] {
			seen[h] = true
			ready = append(ready, h)
		}
	}
	for _, h := range zero {
		add(h)
		for _, up := range c.ackNode(h) {
			add(up)
		}
	}
	return ready
}
