package merkle

import (
	"github.com/oxcart/dvcs/internal/dvhash"
)

// Signal is returned by a Visitor to control traversal.
type Signal int

const (
	// Continue descends into the visited node's children as normal.
	Continue Signal = iota
	// Skip prunes the subtree rooted at the visited node: its children are
	// not visited.
	Skip
)

// Visitor is called once per node in pre-order during Walk. path is the
// slash-separated repo-relative path of the node (empty for the root Dir).
type Visitor func(path string, n Node) (Signal, error)

// Walk performs a pre-order traversal of the tree rooted at rootHash,
// calling visitor for every Dir, VNode, and File encountered. A visitor
// returning Skip prunes that node's children.
func Walk(store *Store, rootHash dvhash.Hash, visitor Visitor) error {
	return walkDir(store, rootHash, "", visitor)
}

func walkDir(store *Store, hash dvhash.Hash, path string, visitor Visitor) error {
	d, err := store.ReadDir(hash)
	if err != nil {
		return err
	}
	sig, err := visitor(path, d)
	if err != nil || sig == Skip {
		return err
	}
	for _, vhash := range d.Children {
		if vhash.IsZero() {
			continue
		}
		if err := walkVNode(store, vhash, path, visitor); err != nil {
			return err
		}
	}
	return nil
}

func walkVNode(store *Store, hash dvhash.Hash, dirPath string, visitor Visitor) error {
	v, err := store.ReadVNode(hash)
	if err != nil {
		return err
	}
	sig, err := visitor(dirPath, v)
	if err != nil || sig == Skip {
		return err
	}
	for _, e := range v.Entries {
		childPath := joinPath(dirPath, e.Name)
		if e.IsDir {
			if err := walkDir(store, e.Hash, childPath, visitor); err != nil {
				return err
			}
			continue
		}
		f, err := store.ReadFile(e.Hash)
		if err != nil {
			return err
		}
		if _, err := visitor(childPath, f); err != nil {
			return err
		}
	}
	return nil
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
