package transport

import (
	"encoding/base64"
	"time"

	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/syncproto"
)

// The wire DTOs below mirror syncproto's domain types one-to-one, substituting
// base64 strings for []byte and hex strings for dvhash.Hash so the server
// and client can exchange plain JSON, the same encoding the teacher's API
// uses throughout internal/server/handlers.go.

type hashesRequest struct {
	Hashes []string `json:"hashes"`
}

type hashesResponse struct {
	Hashes []string `json:"hashes"`
}

type missingFilesRequest struct {
	CommitIDs  []string `json:"commit_ids"`
	Candidates []string `json:"candidates"`
}

type nodeEnvelopeWire struct {
	Hash  string `json:"hash"`
	Bytes string `json:"bytes_b64"`
}

type createNodesRequest struct {
	Nodes []nodeEnvelopeWire `json:"nodes"`
}

type blobWire struct {
	Hash string `json:"hash"`
	Data string `json:"data_b64"`
}

type createBlobBatchRequest struct {
	Blobs []blobWire `json:"blobs"`
}

type createBlobChunkRequest struct {
	ContentHash string `json:"content_hash"`
	ChunkIndex  int    `json:"chunk_index"`
	TotalChunks int    `json:"total_chunks"`
	TotalSize   int64  `json:"total_size"`
	Data        string `json:"data_b64"`
}

// toDomain decodes the wire request into the syncproto.ChunkHeader and raw
// bytes CreateBlobChunk expects.
func (r createBlobChunkRequest) toDomain() (syncproto.ChunkHeader, []byte, error) {
	h, err := dvhash.ParseHash(r.ContentHash)
	if err != nil {
		return syncproto.ChunkHeader{}, nil, err
	}
	data, err := base64.StdEncoding.DecodeString(r.Data)
	if err != nil {
		return syncproto.ChunkHeader{}, nil, err
	}
	hdr := syncproto.ChunkHeader{ContentHash: h, ChunkIndex: r.ChunkIndex, TotalChunks: r.TotalChunks, TotalSize: r.TotalSize}
	return hdr, data, nil
}

type fetchBlobsRequest struct {
	Hashes []string `json:"hashes"`
}

type fetchBlobsResponse struct {
	Blobs []blobWire `json:"blobs"`
}

type postCommitsDirHashesRequest struct {
	CommitIDs []string `json:"commit_ids"`
}

type branchSnapshotWire struct {
	Name   string `json:"name"`
	Commit string `json:"commit"`
}

type branchesResponse struct {
	Branches []branchSnapshotWire `json:"branches"`
}

type branchResponse struct {
	Commit string `json:"commit"`
}

type setBranchRequest struct {
	Commit string `json:"commit"`
}

type lockBranchRequest struct {
	LeaseMillis int64 `json:"lease_ms"`
}

type errorResponse struct {
	Kind string `json:"kind"`
	Op   string `json:"op"`
	Hint string `json:"hint,omitempty"`
}

func hashesToWire(hs []dvhash.Hash) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.String()
	}
	return out
}

func wireToHashes(ss []string) ([]dvhash.Hash, error) {
	out := make([]dvhash.Hash, len(ss))
	for i, s := range ss {
		h, err := dvhash.ParseHash(s)
		if err != nil {
			return nil, err
		}
		out[i] = h
	}
	return out, nil
}

func nodesToWire(nodes []syncproto.NodeEnvelope) []nodeEnvelopeWire {
	out := make([]nodeEnvelopeWire, len(nodes))
	for i, n := range nodes {
		out[i] = nodeEnvelopeWire{Hash: n.Hash.String(), Bytes: base64.StdEncoding.EncodeToString(n.Bytes)}
	}
	return out
}

func wireToNodes(wire []nodeEnvelopeWire) ([]syncproto.NodeEnvelope, error) {
	out := make([]syncproto.NodeEnvelope, len(wire))
	for i, w := range wire {
		h, err := dvhash.ParseHash(w.Hash)
		if err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(w.Bytes)
		if err != nil {
			return nil, err
		}
		out[i] = syncproto.NodeEnvelope{Hash: h, Bytes: b}
	}
	return out, nil
}

func blobsToWire(blobs []syncproto.Blob) []blobWire {
	out := make([]blobWire, len(blobs))
	for i, b := range blobs {
		out[i] = blobWire{Hash: b.Hash.String(), Data: base64.StdEncoding.EncodeToString(b.Data)}
	}
	return out
}

func wireToBlobs(wire []blobWire) ([]syncproto.Blob, error) {
	out := make([]syncproto.Blob, len(wire))
	for i, w := range wire {
		h, err := dvhash.ParseHash(w.Hash)
		if err != nil {
			return nil, err
		}
		d, err := base64.StdEncoding.DecodeString(w.Data)
		if err != nil {
			return nil, err
		}
		out[i] = syncproto.Blob{Hash: h, Data: d}
	}
	return out, nil
}

func branchesToWire(bs []syncproto.BranchSnapshot) []branchSnapshotWire {
	out := make([]branchSnapshotWire, len(bs))
	for i, b := range bs {
		out[i] = branchSnapshotWire{Name: b.Name, Commit: b.Commit.String()}
	}
	return out
}

func leaseFromMillis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func b64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func parseHashParam(s string) (dvhash.Hash, error) {
	return dvhash.ParseHash(s)
}
