package syncproto

import (
	"context"
	"fmt"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/mergeengine"
	"github.com/oxcart/dvcs/internal/merkle"
	"github.com/oxcart/dvcs/internal/refs"
)

// PullOutcome mirrors mergeengine.Outcome but also reports the no-op case
// where the local branch was already at the remote's head.
type PullOutcome struct {
	UpToDate bool
	Merge    mergeengine.Outcome
}

// trackingBranch names the local ref pull uses to remember the remote's
// branch head, the same role git's refs/remotes/<remote>/<branch> plays.
func trackingBranch(remoteName, branch string) string {
	return fmt.Sprintf("remotes/%s/%s", remoteName, branch)
}

// Pull implements spec.md §4.8's pull algorithm: fetch commits missing
// locally along with their node and blob closures, advance the local branch
// on a fast-forward, or hand off to the merge engine otherwise.
func Pull(ctx context.Context, local *Local, remote RemoteEngine, remoteName, branch string, merger *mergeengine.Engine, identity mergeengine.Identity, progress Progress) (PullOutcome, error) {
	if progress == nil {
		progress = NoopProgress{}
	}
	remoteHead, err := withRetryValue(ctx, func(ctx context.Context) (dvhash.Hash, error) {
		return remote.GetBranch(ctx, branch)
	})
	if err != nil {
		return PullOutcome{}, err
	}

	localHead, err := local.Refs.GetBranch(branch)
	localExists := dvcserr.KindOf(err) != dvcserr.NotFound
	if err != nil && localExists {
		return PullOutcome{}, err
	}
	if localExists && localHead == remoteHead {
		return PullOutcome{UpToDate: true}, nil
	}

	newCommits, err := fetchMissingCommits(ctx, local, remote, remoteHead)
	if err != nil {
		return PullOutcome{}, err
	}
	progress.ObjectsPlanned(len(newCommits))

	for i := len(newCommits) - 1; i >= 0; i-- {
		if err := fetchCommitClosure(ctx, local, remote, newCommits[i], progress); err != nil {
			return PullOutcome{}, err
		}
	}

	track := trackingBranch(remoteName, branch)
	if err := upsertBranch(local.Refs, track, remoteHead); err != nil {
		return PullOutcome{}, err
	}

	if !localExists {
		if err := local.Refs.CreateBranch(branch, remoteHead); err != nil {
			return PullOutcome{}, err
		}
		return PullOutcome{Merge: mergeengine.Outcome{Kind: mergeengine.FastForward, Commit: remoteHead}}, nil
	}

	remoteAncestors, err := local.Commits.ListFrom(remoteHead)
	if err != nil {
		return PullOutcome{}, err
	}
	if containsHash(remoteAncestors, localHead) {
		if err := local.Refs.SetBranch(branch, remoteHead); err != nil {
			return PullOutcome{}, err
		}
		return PullOutcome{Merge: mergeengine.Outcome{Kind: mergeengine.FastForward, Commit: remoteHead}}, nil
	}

	outcome, err := merger.Merge(branch, track, identity)
	if err != nil {
		return PullOutcome{}, err
	}
	return PullOutcome{Merge: outcome}, nil
}

// upsertBranch creates name if absent, otherwise moves it forward; used to
// keep the remote-tracking branch in sync with every pull regardless of
// whether this is the first pull of that remote/branch pair.
func upsertBranch(refsmgr *refs.Manager, name string, commit dvhash.Hash) error {
	if refsmgr.BranchExists(name) {
		return refsmgr.SetBranch(name, commit)
	}
	return refsmgr.CreateBranch(name, commit)
}

// verifiedPut stores env's bytes and confirms they hash to the id the
// caller asked for, catching a tampered or buggy remote before the bytes
// ever reach the object store under a trusted-looking hash.
func verifiedPut(local *Local, id dvhash.Hash, env NodeEnvelope) error {
	if got := dvhash.Sum(env.Bytes); got != id {
		return dvcserr.New(op+".Pull", dvcserr.CorruptObject).WithPath(id.String()).
			WithHint(fmt.Sprintf("remote sent content hashing to %s, expected %s", got, id))
	}
	_, err := local.Objects.Put(env.Bytes)
	return err
}

func containsCommit(local *Local, id dvhash.Hash) (bool, error) {
	_, err := local.Commits.Get(id)
	if err == nil {
		return true, nil
	}
	if dvcserr.KindOf(err) == dvcserr.NotFound || dvcserr.KindOf(err) == dvcserr.CorruptTree {
		return false, nil
	}
	return false, err
}

// fetchMissingCommits walks backward from remoteHead, fetching each commit
// the local store doesn't already have, and returns them newest-first.
func fetchMissingCommits(ctx context.Context, local *Local, remote RemoteEngine, remoteHead dvhash.Hash) ([]dvhash.Hash, error) {
	var missing []dvhash.Hash
	queue := []dvhash.Hash{remoteHead}
	seen := map[dvhash.Hash]bool{}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if id.IsZero() || seen[id] {
			continue
		}
		seen[id] = true

		have, err := containsCommit(local, id)
		if err != nil {
			return nil, err
		}
		if have {
			continue
		}

		env, err := withRetryValue(ctx, func(ctx context.Context) (NodeEnvelope, error) {
			return remote.FetchNode(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		if err := verifiedPut(local, id, env); err != nil {
			return nil, err
		}
		missing = append(missing, id)

		n, err := merkle.Decode(env.Bytes)
		if err != nil {
			return nil, err
		}
		c, ok := n.(merkle.Commit)
		if !ok {
			return nil, dvcserr.New(op+".Pull", dvcserr.CorruptTree).WithPath(id.String())
		}
		queue = append(queue, c.Parents...)
	}
	return missing, nil
}

// fetchCommitClosure materializes commitID's full tree and blob closure
// locally, skipping any node or blob already present (the unchanged
// subtrees a pulled commit shares with history the client already has).
func fetchCommitClosure(ctx context.Context, local *Local, remote RemoteEngine, commitID dvhash.Hash, progress Progress) error {
	c, err := local.Commits.Get(commitID)
	if err != nil {
		return err
	}

	var blobHashes []dvhash.Hash
	if err := fetchNodeClosure(ctx, local, remote, c.RootTreeHash, &blobHashes); err != nil {
		return err
	}
	return fetchBlobs(ctx, local, remote, blobHashes, progress)
}

func fetchNodeClosure(ctx context.Context, local *Local, remote RemoteEngine, hash dvhash.Hash, blobHashes *[]dvhash.Hash) error {
	if hash.IsZero() || local.Objects.Exists(hash) {
		return nil
	}
	env, err := withRetryValue(ctx, func(ctx context.Context) (NodeEnvelope, error) {
		return remote.FetchNode(ctx, hash)
	})
	if err != nil {
		return err
	}
	if err := verifiedPut(local, hash, env); err != nil {
		return err
	}
	n, err := merkle.Decode(env.Bytes)
	if err != nil {
		return err
	}
	switch v := n.(type) {
	case merkle.Dir:
		for _, c := range v.Children {
			if err := fetchNodeClosure(ctx, local, remote, c, blobHashes); err != nil {
				return err
			}
		}
	case merkle.VNode:
		for _, e := range v.Entries {
			if err := fetchNodeClosure(ctx, local, remote, e.Hash, blobHashes); err != nil {
				return err
			}
		}
	case merkle.File:
		if err := fetchNodeClosure(ctx, local, remote, v.MetadataHash, blobHashes); err != nil {
			return err
		}
		if !v.ContentHash.IsZero() && !local.Objects.Exists(v.ContentHash) {
			*blobHashes = append(*blobHashes, v.ContentHash)
		}
	}
	return nil
}

func fetchBlobs(ctx context.Context, local *Local, remote RemoteEngine, hashes []dvhash.Hash, progress Progress) error {
	if len(hashes) == 0 {
		return nil
	}
	const batchSize = 64
	for start := 0; start < len(hashes); start += batchSize {
		end := start + batchSize
		if end > len(hashes) {
			end = len(hashes)
		}
		blobs, err := withRetryValue(ctx, func(ctx context.Context) ([]Blob, error) {
			return remote.FetchBlobs(ctx, hashes[start:end])
		})
		if err != nil {
			return err
		}
		for _, b := range blobs {
			if got := dvhash.Sum(b.Data); got != b.Hash {
				return dvcserr.New(op+".Pull", dvcserr.CorruptObject).WithPath(b.Hash.String()).
					WithHint(fmt.Sprintf("remote sent content hashing to %s, expected %s", got, b.Hash))
			}
			if _, err := local.Objects.Put(b.Data); err != nil {
				return err
			}
			progress.ObjectTransferred(int64(len(b.Data)))
		}
	}
	return nil
}
