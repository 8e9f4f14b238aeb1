// Package syncproto implements the sync protocol (C8): the push/pull
// algorithms and the RemoteEngine contract they drive, independent of
// whether the remote is reached over HTTP or in-process. Transport-specific
// implementations of RemoteEngine live in internal/transport.
package syncproto

import (
	"context"
	"time"

	"github.com/oxcart/dvcs/internal/dvhash"
)

const op = "syncproto"

// NodeEnvelope carries one canonically-encoded Merkle node (Dir, VNode,
// File, or Schema) plus the hash it is addressed by, as sent by create_nodes.
type NodeEnvelope struct {
	Hash  dvhash.Hash
	Bytes []byte
}

// Blob is one small file's full content, bundled with others into a single
// create_blobs batch.
type Blob struct {
	Hash dvhash.Hash
	Data []byte
}

// ChunkHeader describes one piece of a blob too large to batch, per
// spec.md §6's "(content_hash, chunk_index, total_chunks, total_size)".
type ChunkHeader struct {
	ContentHash dvhash.Hash
	ChunkIndex  int
	TotalChunks int
	TotalSize   int64
}

// BranchSnapshot is one entry of get_branches.
type BranchSnapshot struct {
	Name   string
	Commit dvhash.Hash
}

// RemoteEngine is the set of operations spec.md §4.8 exposes on a remote
// engine. Push and Pull are written entirely against this interface; they
// never know whether it is backed by an HTTP client or an in-process peer.
type RemoteEngine interface {
	ListMissingCommitHashes(ctx context.Context, candidates []dvhash.Hash) ([]dvhash.Hash, error)
	ListMissingNodeHashes(ctx context.Context, candidates []dvhash.Hash) ([]dvhash.Hash, error)
	ListMissingFileHashes(ctx context.Context, commitIDs, candidates []dvhash.Hash) ([]dvhash.Hash, error)

	CreateNodes(ctx context.Context, nodes []NodeEnvelope) error
	CreateBlobBatch(ctx context.Context, blobs []Blob) error
	CreateBlobChunk(ctx context.Context, hdr ChunkHeader, data []byte) error

	// FetchNode and FetchBlobs are pull's read side: the inverse of
	// CreateNodes/CreateBlobBatch, used to materialize a remote commit's
	// closure locally. They return dvcserr.NotFound for an absent hash.
	FetchNode(ctx context.Context, hash dvhash.Hash) (NodeEnvelope, error)
	FetchBlobs(ctx context.Context, hashes []dvhash.Hash) ([]Blob, error)

	MarkNodesSynced(ctx context.Context, hashes []dvhash.Hash) error
	PostCommitsDirHashes(ctx context.Context, commitIDs []dvhash.Hash) error

	GetBranches(ctx context.Context) ([]BranchSnapshot, error)
	GetBranch(ctx context.Context, name string) (dvhash.Hash, error)
	CreateBranch(ctx context.Context, name string, commit dvhash.Hash) error
	UpdateBranch(ctx context.Context, name string, commit dvhash.Hash) error

	LockBranch(ctx context.Context, name string, lease time.Duration) error
	UnlockBranch(ctx context.Context, name string) error
}

// Progress reports push/pull advancement for CLI rendering or a live
// websocket feed. Every method may be called from multiple goroutines
// concurrently (blob transfer is parallelized by a worker pool).
type Progress interface {
	ObjectsPlanned(n int)
	ObjectTransferred(bytes int64)
}

// NoopProgress discards every report.
type NoopProgress struct{}

func (NoopProgress) ObjectsPlanned(int)      {}
func (NoopProgress) ObjectTransferred(int64) {}
