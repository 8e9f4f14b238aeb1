package syncproto

import (
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
)

// CollectNodes walks the trees rooted at roots, returning every reachable
// Dir, VNode, File, and Schema hash exactly once. Visiting a hash a second
// time (shared unchanged subtrees between two commits in the same push) is
// skipped, which is the local half of spec.md §4.8 step 4's "subtracting
// any subtree whose root hash the remote already has" — the remote half is
// ListMissingNodeHashes on the result.
func CollectNodes(nodes *merkle.Store, roots []dvhash.Hash) ([]dvhash.Hash, error) {
	visited := map[dvhash.Hash]bool{}
	var out []dvhash.Hash
	for _, r := range roots {
		if err := collectNode(nodes, r, visited, &out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func collectNode(nodes *merkle.Store, h dvhash.Hash, visited map[dvhash.Hash]bool, out *[]dvhash.Hash) error {
	if h.IsZero() || visited[h] {
		return nil
	}
	visited[h] = true
	*out = append(*out, h)

	n, err := nodes.ReadNode(h)
	if err != nil {
		return err
	}
	switch v := n.(type) {
	case merkle.Dir:
		for _, c := range v.Children {
			if err := collectNode(nodes, c, visited, out); err != nil {
				return err
			}
		}
	case merkle.VNode:
		for _, e := range v.Entries {
			if err := collectNode(nodes, e.Hash, visited, out); err != nil {
				return err
			}
		}
	case merkle.File:
		if err := collectNode(nodes, v.MetadataHash, visited, out); err != nil {
			return err
		}
	}
	return nil
}

// FileContentHashes reads each hash in nodeHashes and returns the content
// hash of every File node among them, deduplicated. This is "the file
// content hashes referenced by the missing-node closure" from spec.md §4.8
// step 6 — only nodes the remote was just told it lacks can reference a
// blob the remote might also lack.
func FileContentHashes(nodes *merkle.Store, nodeHashes []dvhash.Hash) ([]dvhash.Hash, error) {
	seen := map[dvhash.Hash]bool{}
	var out []dvhash.Hash
	for _, h := range nodeHashes {
		n, err := nodes.ReadNode(h)
		if err != nil {
			return nil, err
		}
		f, ok := n.(merkle.File)
		if !ok || f.ContentHash.IsZero() || seen[f.ContentHash] {
			continue
		}
		seen[f.ContentHash] = true
		out = append(out, f.ContentHash)
	}
	return out, nil
}
