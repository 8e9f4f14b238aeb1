package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/syncproto"
)

// HTTPClient implements syncproto.RemoteEngine by calling a Server's REST
// surface. It does not retry on its own: syncproto.withRetry already wraps
// every RemoteEngine call, so HTTPClient's only job is mapping a failed
// round trip to a dvcserr.Error of the right Kind (TransportError for
// anything transient, so the retry layer knows to try again).
type HTTPClient struct {
	baseURL   string
	authToken string
	http      *http.Client
}

// NewHTTPClient returns a client targeting baseURL (e.g. "http://host:port").
func NewHTTPClient(baseURL, authToken string) *HTTPClient {
	return &HTTPClient{
		baseURL:   baseURL,
		authToken: authToken,
		http:      &http.Client{Timeout: 5 * time.Minute},
	}
}

var _ syncproto.RemoteEngine = (*HTTPClient)(nil)

func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return dvcserr.Wrap(op+".do", dvcserr.IOError, err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return dvcserr.Wrap(op+".do", dvcserr.TransportError, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return dvcserr.Wrap(op+".do", dvcserr.TransportError, err).WithPath(path)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return decodeError(resp, path)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return dvcserr.Wrap(op+".do", dvcserr.TransportError, err).WithPath(path)
	}
	return nil
}

func decodeError(resp *http.Response, path string) error {
	var e errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&e); err != nil || e.Kind == "" {
		return dvcserr.New(op+".do", statusToKind(resp.StatusCode)).WithPath(path).
			WithHint(fmt.Sprintf("http status %d", resp.StatusCode))
	}
	return dvcserr.New(op+"."+e.Op, kindFromString(e.Kind)).WithPath(path).WithHint(e.Hint)
}

func kindFromString(s string) dvcserr.Kind {
	for k := dvcserr.Unknown; k <= dvcserr.Cancelled; k++ {
		if k.String() == s {
			return k
		}
	}
	return dvcserr.Unknown
}

func (c *HTTPClient) ListMissingCommitHashes(ctx context.Context, candidates []dvhash.Hash) ([]dvhash.Hash, error) {
	var resp hashesResponse
	if err := c.do(ctx, http.MethodPost, "/sync/commits/missing", hashesRequest{Hashes: hashesToWire(candidates)}, &resp); err != nil {
		return nil, err
	}
	return wireToHashes(resp.Hashes)
}

func (c *HTTPClient) ListMissingNodeHashes(ctx context.Context, candidates []dvhash.Hash) ([]dvhash.Hash, error) {
	var resp hashesResponse
	if err := c.do(ctx, http.MethodPost, "/sync/nodes/missing", hashesRequest{Hashes: hashesToWire(candidates)}, &resp); err != nil {
		return nil, err
	}
	return wireToHashes(resp.Hashes)
}

func (c *HTTPClient) ListMissingFileHashes(ctx context.Context, commitIDs, candidates []dvhash.Hash) ([]dvhash.Hash, error) {
	var resp hashesResponse
	req := missingFilesRequest{CommitIDs: hashesToWire(commitIDs), Candidates: hashesToWire(candidates)}
	if err := c.do(ctx, http.MethodPost, "/sync/files/missing", req, &resp); err != nil {
		return nil, err
	}
	return wireToHashes(resp.Hashes)
}

func (c *HTTPClient) CreateNodes(ctx context.Context, nodes []syncproto.NodeEnvelope) error {
	return c.do(ctx, http.MethodPost, "/sync/nodes", createNodesRequest{Nodes: nodesToWire(nodes)}, nil)
}

func (c *HTTPClient) CreateBlobBatch(ctx context.Context, blobs []syncproto.Blob) error {
	return c.do(ctx, http.MethodPost, "/sync/blobs", createBlobBatchRequest{Blobs: blobsToWire(blobs)}, nil)
}

func (c *HTTPClient) CreateBlobChunk(ctx context.Context, hdr syncproto.ChunkHeader, data []byte) error {
	req := createBlobChunkRequest{
		ContentHash: hdr.ContentHash.String(),
		ChunkIndex:  hdr.ChunkIndex,
		TotalChunks: hdr.TotalChunks,
		TotalSize:   hdr.TotalSize,
		Data:        b64(data),
	}
	return c.do(ctx, http.MethodPost, "/sync/blobs/chunk", req, nil)
}

func (c *HTTPClient) FetchNode(ctx context.Context, hash dvhash.Hash) (syncproto.NodeEnvelope, error) {
	var resp nodeEnvelopeWire
	if err := c.do(ctx, http.MethodGet, "/sync/nodes/"+hash.String(), nil, &resp); err != nil {
		return syncproto.NodeEnvelope{}, err
	}
	envs, err := wireToNodes([]nodeEnvelopeWire{resp})
	if err != nil {
		return syncproto.NodeEnvelope{}, err
	}
	return envs[0], nil
}

func (c *HTTPClient) FetchBlobs(ctx context.Context, hashes []dvhash.Hash) ([]syncproto.Blob, error) {
	var resp fetchBlobsResponse
	if err := c.do(ctx, http.MethodPost, "/sync/blobs/fetch", fetchBlobsRequest{Hashes: hashesToWire(hashes)}, &resp); err != nil {
		return nil, err
	}
	return wireToBlobs(resp.Blobs)
}

func (c *HTTPClient) MarkNodesSynced(ctx context.Context, hashes []dvhash.Hash) error {
	return c.do(ctx, http.MethodPost, "/sync/nodes/synced", hashesRequest{Hashes: hashesToWire(hashes)}, nil)
}

func (c *HTTPClient) PostCommitsDirHashes(ctx context.Context, commitIDs []dvhash.Hash) error {
	return c.do(ctx, http.MethodPost, "/sync/commits/synced", postCommitsDirHashesRequest{CommitIDs: hashesToWire(commitIDs)}, nil)
}

func (c *HTTPClient) GetBranches(ctx context.Context) ([]syncproto.BranchSnapshot, error) {
	var resp branchesResponse
	if err := c.do(ctx, http.MethodGet, "/sync/branches", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]syncproto.BranchSnapshot, len(resp.Branches))
	for i, b := range resp.Branches {
		h, err := dvhash.ParseHash(b.Commit)
		if err != nil {
			return nil, err
		}
		out[i] = syncproto.BranchSnapshot{Name: b.Name, Commit: h}
	}
	return out, nil
}

func (c *HTTPClient) GetBranch(ctx context.Context, name string) (dvhash.Hash, error) {
	var resp branchResponse
	if err := c.do(ctx, http.MethodGet, "/sync/branches/"+name, nil, &resp); err != nil {
		return dvhash.Zero, err
	}
	return dvhash.ParseHash(resp.Commit)
}

func (c *HTTPClient) CreateBranch(ctx context.Context, name string, commit dvhash.Hash) error {
	return c.do(ctx, http.MethodPost, "/sync/branches/"+name, setBranchRequest{Commit: commit.String()}, nil)
}

func (c *HTTPClient) UpdateBranch(ctx context.Context, name string, commit dvhash.Hash) error {
	return c.do(ctx, http.MethodPut, "/sync/branches/"+name, setBranchRequest{Commit: commit.String()}, nil)
}

func (c *HTTPClient) LockBranch(ctx context.Context, name string, lease time.Duration) error {
	return c.do(ctx, http.MethodPost, "/sync/branches/"+name+"/lock", lockBranchRequest{LeaseMillis: lease.Milliseconds()}, nil)
}

func (c *HTTPClient) UnlockBranch(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/sync/branches/"+name+"/lock", nil, nil)
}
