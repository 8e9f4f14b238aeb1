package stage

import (
	"sort"
	"strings"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
)

// dirNode is the working-set representation of one directory being
// recomputed: its final child entries, keyed by name, plus the node's own
// identity once computed.
type dirNode struct {
	name     string
	entries  map[string]merkle.Entry
	hash     dvhash.Hash
	combined dvhash.Hash
}

func splitParent(path string) (dir, name string) {
	i := strings.LastIndex(path, "/")
	if i < 0 {
		return "", path
	}
	return path[:i], path[i+1:]
}

func ancestors(dir string) []string {
	if dir == "" {
		return []string{""}
	}
	var out []string
	parts := strings.Split(dir, "/")
	for i := len(parts); i >= 0; i-- {
		out = append(out, strings.Join(parts[:i], "/"))
	}
	return out
}

// dirAt navigates from root down through pathComponents, returning the
// directory hash at that path, or dvhash.Zero if any component is absent.
func dirAt(nodes *merkle.Store, root dvhash.Hash, path string, bucketCount int) (dvhash.Hash, error) {
	if path == "" {
		return root, nil
	}
	cur := root
	for _, comp := range strings.Split(path, "/") {
		if cur.IsZero() {
			return dvhash.Zero, nil
		}
		d, err := nodes.ReadDir(cur)
		if err != nil {
			return dvhash.Zero, err
		}
		bucket := merkle.BucketOf(comp, bucketCount)
		if bucket >= len(d.Children) || d.Children[bucket].IsZero() {
			return dvhash.Zero, nil
		}
		v, err := nodes.ReadVNode(d.Children[bucket])
		if err != nil {
			return dvhash.Zero, err
		}
		found := false
		for _, e := range v.Entries {
			if e.Name == comp && e.IsDir {
				cur = e.Hash
				found = true
				break
			}
		}
		if !found {
			return dvhash.Zero, nil
		}
	}
	return cur, nil
}

func loadDirEntries(nodes *merkle.Store, dirHash dvhash.Hash) (map[string]merkle.Entry, error) {
	out := map[string]merkle.Entry{}
	if dirHash.IsZero() {
		return out, nil
	}
	d, err := nodes.ReadDir(dirHash)
	if err != nil {
		return nil, err
	}
	for _, vh := range d.Children {
		if vh.IsZero() {
			continue
		}
		v, err := nodes.ReadVNode(vh)
		if err != nil {
			return nil, err
		}
		for _, e := range v.Entries {
			out[e.Name] = e
		}
	}
	return out, nil
}

// CommitIntoTree materializes the index's staged entries into Merkle nodes
// overlaid on parentRoot (the zero hash for an initial commit), returning
// the new root tree hash. Directories untouched by any staged path are
// preserved by reference: their VNode/Dir hashes are copied forward without
// being re-read or rewritten.
func (idx *Index) CommitIntoTree(nodes *merkle.Store, parentRoot dvhash.Hash, bucketCount int) (dvhash.Hash, error) {
	entries := idx.Entries()
	if len(entries) == 0 {
		if parentRoot.IsZero() {
			return writeEmptyDir(nodes, "", bucketCount)
		}
		return parentRoot, nil
	}

	dirty := map[string]bool{}
	for _, e := range entries {
		dir, _ := splitParent(e.Path)
		if e.IsDir {
			dirty[e.Path] = true
		}
		for _, a := range ancestors(dir) {
			dirty[a] = true
		}
	}

	order := make([]string, 0, len(dirty))
	for d := range dirty {
		order = append(order, d)
	}
	sort.Slice(order, func(i, j int) bool {
		return depth(order[i]) > depth(order[j])
	})

	computed := map[string]dirNode{}

	byDir := map[string][]Entry{}
	for _, e := range entries {
		dir, _ := splitParent(e.Path)
		byDir[dir] = append(byDir[dir], e)
	}

	for _, d := range order {
		existingHash, err := dirAt(nodes, parentRoot, d, bucketCount)
		if err != nil {
			return dvhash.Zero, err
		}
		existing, err := loadDirEntries(nodes, existingHash)
		if err != nil {
			return dvhash.Zero, err
		}

		for _, e := range byDir[d] {
			_, name := splitParent(e.Path)
			switch {
			case e.Status == Removed:
				delete(existing, name)
			case e.IsDir:
				// Directory presence markers are resolved below, once all
				// child directories have been computed.
			default:
				f := e.File
				f.Name = name
				f.CombinedHash = merkle.FileCombinedHash(f.ContentHash, name)
				fh, err := nodes.WriteNode(f)
				if err != nil {
					return dvhash.Zero, err
				}
				existing[name] = merkle.Entry{Name: name, Hash: fh, CombinedHash: f.CombinedHash}
			}
		}

		// Fold in any child directories of d that were recomputed this pass
		// (either because they hold staged files, or were explicitly staged
		// as present).
		for childPath, cn := range computed {
			parent, name := splitParent(childPath)
			if parent != d {
				continue
			}
			existing[name] = merkle.Entry{Name: name, Hash: cn.hash, CombinedHash: cn.combined, IsDir: true}
		}

		for _, e := range byDir[d] {
			if !e.IsDir || e.Status == Removed {
				continue
			}
			_, name := splitParent(e.Path)
			if _, already := computed[e.Path]; already {
				continue
			}
			if _, exists := existing[name]; exists {
				continue
			}
			eh, ecombined, err := buildDir(nodes, name, map[string]merkle.Entry{}, bucketCount)
			if err != nil {
				return dvhash.Zero, err
			}
			existing[name] = merkle.Entry{Name: name, Hash: eh, CombinedHash: ecombined, IsDir: true}
		}

		name := ""
		if d != "" {
			_, name = splitParent(d)
		}
		h, combined, err := buildDir(nodes, name, existing, bucketCount)
		if err != nil {
			return dvhash.Zero, err
		}
		computed[d] = dirNode{name: name, entries: existing, hash: h, combined: combined}
	}

	root, ok := computed[""]
	if !ok {
		return parentRoot, nil
	}
	return root.hash, nil
}

func depth(path string) int {
	if path == "" {
		return 0
	}
	return strings.Count(path, "/") + 1
}

func buildDir(nodes *merkle.Store, name string, entries map[string]merkle.Entry, bucketCount int) (dvhash.Hash, dvhash.Hash, error) {
	flat := make([]merkle.Entry, 0, len(entries))
	for _, e := range entries {
		flat = append(flat, e)
	}
	buckets := merkle.PartitionEntries(flat, bucketCount)

	children := make([]dvhash.Hash, bucketCount)
	vnodeCombined := make([]dvhash.Hash, bucketCount)
	for i, b := range buckets {
		if len(b) == 0 {
			continue
		}
		vn := merkle.VNode{Entries: b}
		vn.CombinedHash = merkle.VNodeCombinedHash(b)
		vh, err := nodes.WriteNode(vn)
		if err != nil {
			return dvhash.Zero, dvhash.Zero, err
		}
		children[i] = vh
		vnodeCombined[i] = vn.CombinedHash
	}

	d := merkle.Dir{Name: name, Children: children}
	d.CombinedHash = merkle.DirCombinedHash(name, vnodeCombined)
	h, err := nodes.WriteNode(d)
	if err != nil {
		return dvhash.Zero, dvhash.Zero, dvcserr.Wrap(op+".buildDir", dvcserr.IOError, err)
	}
	return h, d.CombinedHash, nil
}

func writeEmptyDir(nodes *merkle.Store, name string, bucketCount int) (dvhash.Hash, error) {
	h, _, err := buildDir(nodes, name, map[string]merkle.Entry{}, bucketCount)
	return h, err
}
