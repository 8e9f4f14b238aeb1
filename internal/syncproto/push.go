package syncproto

import (
	"context"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/oxcart/dvcs/internal/commitlog"
	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/merkle"
	"github.com/oxcart/dvcs/internal/objstore"
	"github.com/oxcart/dvcs/internal/refs"
)

const (
	// branchLeaseDuration is how long a push holds the remote branch lock
	// before RefreshBranchLock would be needed; a single push's critical
	// section is expected to finish well within this.
	branchLeaseDuration = 30 * time.Second
	// smallBlobThreshold separates "bundle into a create_blobs batch" from
	// "split into fixed-size chunks" per spec.md §6.
	smallBlobThreshold = 1 << 20
	chunkSize          = 4 << 20
)

// Local bundles the repository components Push and Pull read from and
// write to, mirroring the remote operations they drive over RemoteEngine.
type Local struct {
	Nodes   *merkle.Store
	Objects *objstore.Store
	Commits *commitlog.Log
	Refs    *refs.Manager
}

// Push implements spec.md §4.8's push algorithm: lock the remote branch,
// negotiate missing commits/nodes/blobs, transfer them, propagate
// mark_nodes_synced as blobs land, then advance the remote branch and
// unlock. On any error the lock is still released before returning.
func Push(ctx context.Context, local *Local, remote RemoteEngine, branch string, progress Progress) error {
	if progress == nil {
		progress = NoopProgress{}
	}
	if err := withRetry(ctx, func(ctx context.Context) error {
		return remote.LockBranch(ctx, branch, branchLeaseDuration)
	}); err != nil {
		return err
	}
	defer releaseLock(remote, branch)

	localHead, err := local.Refs.GetBranch(branch)
	if err != nil {
		return err
	}

	remoteHead, err := remote.GetBranch(ctx, branch)
	remoteExists := dvcserr.KindOf(err) != dvcserr.NotFound
	if err != nil && remoteExists {
		return err
	}
	if remoteExists {
		ancestors, aerr := local.Commits.ListFrom(localHead)
		if aerr != nil {
			return aerr
		}
		if !containsHash(ancestors, remoteHead) {
			return dvcserr.New(op+".Push", dvcserr.RemoteAhead).WithPath(branch).
				WithHint("pull before pushing: the remote branch head is not reachable from local HEAD")
		}
	}

	candidateCommits, err := local.Commits.ListFrom(localHead)
	if err != nil {
		return err
	}
	missingCommits, err := withRetryValue(ctx, func(ctx context.Context) ([]dvhash.Hash, error) {
		return remote.ListMissingCommitHashes(ctx, candidateCommits)
	})
	if err != nil {
		return err
	}
	if len(missingCommits) == 0 {
		return advanceBranch(ctx, remote, branch, remoteExists, localHead)
	}
	progress.ObjectsPlanned(len(missingCommits))

	roots := make([]dvhash.Hash, 0, len(missingCommits))
	for _, id := range missingCommits {
		c, cerr := local.Commits.Get(id)
		if cerr != nil {
			return cerr
		}
		roots = append(roots, c.RootTreeHash)
	}

	candidateNodes, err := CollectNodes(local.Nodes, roots)
	if err != nil {
		return err
	}
	missingNodes, err := withRetryValue(ctx, func(ctx context.Context) ([]dvhash.Hash, error) {
		return remote.ListMissingNodeHashes(ctx, candidateNodes)
	})
	if err != nil {
		return err
	}
	if err := sendNodes(ctx, local.Nodes, remote, missingNodes); err != nil {
		return err
	}

	missingSet := make(map[dvhash.Hash]bool, len(missingNodes))
	for _, h := range missingNodes {
		missingSet[h] = true
	}
	cl, err := buildClosure(local.Nodes, missingNodes, missingSet)
	if err != nil {
		return err
	}

	candidateFiles, err := FileContentHashes(local.Nodes, missingNodes)
	if err != nil {
		return err
	}
	missingFiles, err := withRetryValue(ctx, func(ctx context.Context) ([]dvhash.Hash, error) {
		return remote.ListMissingFileHashes(ctx, missingCommits, candidateFiles)
	})
	if err != nil {
		return err
	}
	progress.ObjectsPlanned(len(missingNodes) + len(missingFiles))

	already := map[dvhash.Hash]bool{}
	markSynced := func(ctx context.Context, hashes []dvhash.Hash) error {
		var fresh []dvhash.Hash
		for _, h := range hashes {
			if !already[h] {
				already[h] = true
				fresh = append(fresh, h)
			}
		}
		if len(fresh) == 0 {
			return nil
		}
		return withRetry(ctx, func(ctx context.Context) error { return remote.MarkNodesSynced(ctx, fresh) })
	}
	if err := markSynced(ctx, cl.readyNow()); err != nil {
		return err
	}
	missingFileSet := make(map[dvhash.Hash]bool, len(missingFiles))
	for _, h := range missingFiles {
		missingFileSet[h] = true
	}
	for _, h := range candidateFiles {
		if !missingFileSet[h] {
			if err := markSynced(ctx, cl.ackBlob(h)); err != nil {
				return err
			}
		}
	}

	if err := sendBlobs(ctx, local.Objects, remote, missingFiles, progress, func(h dvhash.Hash) error {
		return markSynced(ctx, cl.ackBlob(h))
	}); err != nil {
		return err
	}

	if err := withRetry(ctx, func(ctx context.Context) error {
		return remote.PostCommitsDirHashes(ctx, missingCommits)
	}); err != nil {
		return err
	}
	for _, id := range missingCommits {
		if merr := local.Commits.MarkSynced(id); merr != nil {
			return merr
		}
	}

	return advanceBranch(ctx, remote, branch, remoteExists, localHead)
}

func releaseLock(remote RemoteEngine, branch string) {
	// Best-effort: release even if the caller's context was cancelled, per
	// spec.md §5's "cancellation releases any acquired remote branch lock."
	_ = remote.UnlockBranch(context.Background(), branch)
}

func advanceBranch(ctx context.Context, remote RemoteEngine, branch string, exists bool, head dvhash.Hash) error {
	if exists {
		return withRetry(ctx, func(ctx context.Context) error { return remote.UpdateBranch(ctx, branch, head) })
	}
	return withRetry(ctx, func(ctx context.Context) error { return remote.CreateBranch(ctx, branch, head) })
}

func containsHash(list []dvhash.Hash, h dvhash.Hash) bool {
	for _, x := range list {
		if x == h {
			return true
		}
	}
	return false
}

func sendNodes(ctx context.Context, nodes *merkle.Store, remote RemoteEngine, hashes []dvhash.Hash) error {
	if len(hashes) == 0 {
		return nil
	}
	envs := make([]NodeEnvelope, 0, len(hashes))
	for _, h := range hashes {
		n, err := nodes.ReadNode(h)
		if err != nil {
			return err
		}
		b, err := merkle.Encode(n)
		if err != nil {
			return err
		}
		envs = append(envs, NodeEnvelope{Hash: h, Bytes: b})
	}
	return withRetry(ctx, func(ctx context.Context) error { return remote.CreateNodes(ctx, envs) })
}

// sendBlobs transfers every missing content hash, bundling small blobs into
// batches and splitting large ones into fixed-size chunks, bounded by a
// worker pool sized min(items, #cpus) per spec.md §4.8 step 8.
func sendBlobs(ctx context.Context, objects *objstore.Store, remote RemoteEngine, hashes []dvhash.Hash, progress Progress, onAcked func(dvhash.Hash) error) error {
	if len(hashes) == 0 {
		return nil
	}
	workers := runtime.NumCPU()
	if workers > len(hashes) {
		workers = len(hashes)
	}
	sem := semaphore.NewWeighted(int64(workers))
	g, gctx := errgroup.WithContext(ctx)

	flush := func(batch []Blob) error {
		if len(batch) == 0 {
			return nil
		}
		if err := sem.Acquire(gctx, 1); err != nil {
			return err
		}
		g.Go(func() error {
			defer sem.Release(1)
			if err := withRetry(gctx, func(ctx context.Context) error { return remote.CreateBlobBatch(ctx, batch) }); err != nil {
				return err
			}
			for _, blob := range batch {
				progress.ObjectTransferred(int64(len(blob.Data)))
				if err := onAcked(blob.Hash); err != nil {
					return err
				}
			}
			return nil
		})
		return nil
	}

	var batch []Blob
	var batchBytes int64
	for _, h := range hashes {
		content, err := objects.GetBytes(h)
		if err != nil {
			return err
		}
		if int64(len(content)) > smallBlobThreshold {
			if err := flush(batch); err != nil {
				return err
			}
			batch, batchBytes = nil, 0
			if err := sendChunked(gctx, sem, g, remote, h, content, progress, onAcked); err != nil {
				return err
			}
			continue
		}
		batch = append(batch, Blob{Hash: h, Data: content})
		batchBytes += int64(len(content))
		if batchBytes >= smallBlobThreshold {
			if err := flush(batch); err != nil {
				return err
			}
			batch, batchBytes = nil, 0
		}
	}
	if err := flush(batch); err != nil {
		return err
	}
	return g.Wait()
}

func sendChunked(ctx context.Context, sem *semaphore.Weighted, g *errgroup.Group, remote RemoteEngine, h dvhash.Hash, content []byte, progress Progress, onAcked func(dvhash.Hash) error) error {
	total := (len(content) + chunkSize - 1) / chunkSize
	if total == 0 {
		total = 1
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return err
	}
	g.Go(func() error {
		defer sem.Release(1)
		for i := 0; i < total; i++ {
			start := i * chunkSize
			end := start + chunkSize
			if end > len(content) {
				end = len(content)
			}
			hdr := ChunkHeader{ContentHash: h, ChunkIndex: i, TotalChunks: total, TotalSize: int64(len(content))}
			chunk := content[start:end]
			if err := withRetry(ctx, func(ctx context.Context) error { return remote.CreateBlobChunk(ctx, hdr, chunk) }); err != nil {
				return err
			}
			progress.ObjectTransferred(int64(len(chunk)))
		}
		return onAcked(h)
	})
	return nil
}
