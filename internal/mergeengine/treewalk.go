package mergeengine

import (
	"path"

	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
)

// PathEntry is one path's three-way state: the entry as it appears in the
// lowest common ancestor, base, and other trees, nil on any side where the
// path is absent.
type PathEntry struct {
	Lca, Base, Other *merkle.Entry
}

// ThreeWayDiff returns every path whose entry differs across lca/base/other,
// loading only the symmetric difference: subtrees whose hash is identical
// across all three roots are never read.
func ThreeWayDiff(nodes *merkle.Store, lcaRoot, baseRoot, otherRoot dvhash.Hash, bucketCount int) (map[string]PathEntry, error) {
	out := map[string]PathEntry{}
	if err := walkDirs(nodes, "", lcaRoot, baseRoot, otherRoot, bucketCount, out); err != nil {
		return nil, err
	}
	return out, nil
}

func walkDirs(nodes *merkle.Store, base string, lcaH, baseH, otherH dvhash.Hash, bucketCount int, out map[string]PathEntry) error {
	if lcaH == baseH && baseH == otherH {
		return nil
	}

	dL, err := readDirOrNil(nodes, lcaH)
	if err != nil {
		return err
	}
	dB, err := readDirOrNil(nodes, baseH)
	if err != nil {
		return err
	}
	dO, err := readDirOrNil(nodes, otherH)
	if err != nil {
		return err
	}

	n := bucketCount
	if n == 0 {
		n = merkle.DefaultBucketWidth
	}
	for i := 0; i < n; i++ {
		hL := childAt(dL, i)
		hB := childAt(dB, i)
		hO := childAt(dO, i)
		if hL == hB && hB == hO {
			continue
		}
		if err := walkVNodes(nodes, base, hL, hB, hO, bucketCount, out); err != nil {
			return err
		}
	}
	return nil
}

func childAt(d *merkle.Dir, i int) dvhash.Hash {
	if d == nil || i >= len(d.Children) {
		return dvhash.Zero
	}
	return d.Children[i]
}

func readDirOrNil(nodes *merkle.Store, h dvhash.Hash) (*merkle.Dir, error) {
	if h.IsZero() {
		return nil, nil
	}
	d, err := nodes.ReadDir(h)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func walkVNodes(nodes *merkle.Store, base string, vL, vB, vO dvhash.Hash, bucketCount int, out map[string]PathEntry) error {
	if vL == vB && vB == vO {
		return nil
	}

	mL, err := entriesOf(nodes, vL)
	if err != nil {
		return err
	}
	mB, err := entriesOf(nodes, vB)
	if err != nil {
		return err
	}
	mO, err := entriesOf(nodes, vO)
	if err != nil {
		return err
	}

	names := map[string]bool{}
	for n := range mL {
		names[n] = true
	}
	for n := range mB {
		names[n] = true
	}
	for n := range mO {
		names[n] = true
	}

	for name := range names {
		eL, okL := mL[name]
		eB, okB := mB[name]
		eO, okO := mO[name]
		var pL, pB, pO *merkle.Entry
		if okL {
			eL := eL
			pL = &eL
		}
		if okB {
			eB := eB
			pB = &eB
		}
		if okO {
			eO := eO
			pO = &eO
		}
		if entryEq(pL, pB) && entryEq(pB, pO) {
			continue
		}

		childPath := path.Join(base, name)
		if allDirsOrAbsent(pL, pB, pO) {
			if err := walkDirs(nodes, childPath, hashOf(pL), hashOf(pB), hashOf(pO), bucketCount, out); err != nil {
				return err
			}
			continue
		}
		out[childPath] = PathEntry{Lca: pL, Base: pB, Other: pO}
	}
	return nil
}

func entriesOf(nodes *merkle.Store, h dvhash.Hash) (map[string]merkle.Entry, error) {
	if h.IsZero() {
		return nil, nil
	}
	v, err := nodes.ReadVNode(h)
	if err != nil {
		return nil, err
	}
	m := make(map[string]merkle.Entry, len(v.Entries))
	for _, e := range v.Entries {
		m[e.Name] = e
	}
	return m, nil
}

func entryEq(a, b *merkle.Entry) bool {
	if a == nil && b == nil {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return a.Hash == b.Hash && a.IsDir == b.IsDir
}

func allDirsOrAbsent(entries ...*merkle.Entry) bool {
	for _, e := range entries {
		if e != nil && !e.IsDir {
			return false
		}
	}
	return true
}

func hashOf(e *merkle.Entry) dvhash.Hash {
	if e == nil {
		return dvhash.Zero
	}
	return e.Hash
}
