package mergeengine

import (
	"github.com/oxcart/dvcs/internal/commitlog"
	"github.com/oxcart/dvcs/internal/dvhash"
)

// LowestCommonAncestor computes depth maps from both heads via BFS over
// parent links and returns the commit appearing in both maps with minimum
// depth in base's map, tie-broken on commit id. Returns dvhash.Zero if the
// heads share no ancestor (including the initial-commit case).
func LowestCommonAncestor(log *commitlog.Log, base, other dvhash.Hash) (dvhash.Hash, error) {
	baseDepth, err := log.ListWithDepth(base)
	if err != nil {
		return dvhash.Zero, err
	}
	otherDepth, err := log.ListWithDepth(other)
	if err != nil {
		return dvhash.Zero, err
	}

	best := dvhash.Zero
	bestDepth := -1
	for id, d := range baseDepth {
		if _, ok := otherDepth[id]; !ok {
			continue
		}
		switch {
		case bestDepth == -1 || d < bestDepth:
			best, bestDepth = id, d
		case d == bestDepth && id.String() < best.String():
			best = id
		}
	}
	return best, nil
}
