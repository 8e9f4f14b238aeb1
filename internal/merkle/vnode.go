package merkle

import (
	"math/bits"
	"sort"

	"github.com/oxcart/dvcs/internal/dvhash"
)

// DefaultBucketWidth is the per-repo VNode bucket count used when the repo
// config does not override it. It must be a power of two.
const DefaultBucketWidth = 16

// BucketOf returns the bucket index in [0, bucketCount) that an entry named
// name routes to, given a fixed bucketCount (a power of two). Routing is
// keyed by the entry's *name*, not its content hash, so that editing a
// file's content never moves it to a different bucket: only the VNode that
// already holds a path needs to change when that path's content changes,
// which keeps commit_into_tree's re-bucketing and diff_trees's subtree-skip
// optimization both cheap and stable across edits.
func BucketOf(name string, bucketCount int) int {
	nbits := uint(bits.Len(uint(bucketCount - 1)))
	return int(dvhash.Sum([]byte(name)).Prefix(nbits))
}

// PartitionEntries groups entries into bucketCount buckets by a prefix of
// each entry's name hash, sorting each bucket's members by name. It returns
// one slice per bucket, including empty buckets, in bucket order.
func PartitionEntries(entries []Entry, bucketCount int) [][]Entry {
	buckets := make([][]Entry, bucketCount)
	for _, e := range entries {
		b := BucketOf(e.Name, bucketCount)
		buckets[b] = append(buckets[b], e)
	}
	for _, b := range buckets {
		sort.Slice(b, func(i, j int) bool { return b[i].Name < b[j].Name })
	}
	return buckets
}

// FileCombinedHash computes the combined_hash of a File node:
// H(content_hash || name).
func FileCombinedHash(contentHash dvhash.Hash, name string) dvhash.Hash {
	return dvhash.Combine(contentHash[:], []byte(name))
}

// VNodeCombinedHash computes the combined_hash of a VNode:
// H(concat(child.combined_hash)) in bucket (here: entry) order.
func VNodeCombinedHash(entries []Entry) dvhash.Hash {
	parts := make([][]byte, 0, len(entries))
	for _, e := range entries {
		h := e.CombinedHash
		parts = append(parts, h[:])
	}
	return dvhash.Combine(parts...)
}

// DirCombinedHash computes the combined_hash of a Dir:
// H(concat(vnode.combined_hash)) in bucket order, salted with the dir name.
func DirCombinedHash(name string, vnodeCombinedHashes []dvhash.Hash) dvhash.Hash {
	parts := make([][]byte, 0, len(vnodeCombinedHashes)+1)
	parts = append(parts, []byte(name))
	for _, h := range vnodeCombinedHashes {
		hh := h
		parts = append(parts, hh[:])
	}
	return dvhash.Combine(parts...)
}
