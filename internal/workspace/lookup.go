package workspace

import (
	"strings"

	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
)

// lookupPath resolves a full path (directories and the final leaf) against
// root, returning the leaf's Entry, or ok=false if any component is absent.
// Unlike stage's dirAt (directories only), this also resolves the final
// File/Dir entry itself.
func lookupPath(nodes *merkle.Store, root dvhash.Hash, path string) (merkle.Entry, bool, error) {
	if path == "" || root.IsZero() {
		return merkle.Entry{}, false, nil
	}
	comps := strings.Split(path, "/")
	cur := root
	var entry merkle.Entry
	for i, comp := range comps {
		if cur.IsZero() {
			return merkle.Entry{}, false, nil
		}
		d, err := nodes.ReadDir(cur)
		if err != nil {
			return merkle.Entry{}, false, err
		}
		bucket := merkle.BucketOf(comp, len(d.Children))
		if bucket >= len(d.Children) || d.Children[bucket].IsZero() {
			return merkle.Entry{}, false, nil
		}
		v, err := nodes.ReadVNode(d.Children[bucket])
		if err != nil {
			return merkle.Entry{}, false, err
		}
		found := false
		for _, e := range v.Entries {
			if e.Name == comp {
				entry = e
				found = true
				break
			}
		}
		if !found {
			return merkle.Entry{}, false, nil
		}
		if i < len(comps)-1 {
			if !entry.IsDir {
				return merkle.Entry{}, false, nil
			}
			cur = entry.Hash
		}
	}
	return entry, true, nil
}
