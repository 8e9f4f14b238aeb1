package transport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go.uber.org/multierr"

	"github.com/oxcart/dvcs/internal/dvcserr"
	"github.com/oxcart/dvcs/internal/dvhash"
	"github.com/oxcart/dvcs/internal/syncproto"
)

const (
	metadataWriteDeadline = 30 * time.Second
	bulkWriteDeadline     = 2 * time.Minute
)

// Server exposes a syncproto.RemoteEngine over HTTP, the same role the
// teacher's Server plays for gitcore.Repository: a thin JSON RPC surface
// over domain logic that knows nothing about HTTP. One Server instance
// serves exactly one repository's sync endpoint, at fixed /sync/ paths on
// its own listen address.
type Server struct {
	addr       string
	engine     syncproto.RemoteEngine
	authToken  string
	logger     *slog.Logger
	httpServer *http.Server
	progress   *Broadcaster
}

// NewServer wraps engine for HTTP access. authToken, if non-empty, is
// required as a bearer token on every request. progress, if non-nil, is fed
// one event per blob (batch entry or chunk) this server receives and
// rebroadcasts it over its websocket endpoint; blobs served to pulls are not
// reported.
func NewServer(engine syncproto.RemoteEngine, addr, authToken string, progress *Broadcaster, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{addr: addr, engine: engine, authToken: authToken, logger: logger, progress: progress}
}

// Start builds the route table and blocks serving until Shutdown is called,
// mirroring the teacher's Start/Shutdown split so the CLI can run it in a
// goroutine and shut it down on signal.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.HandleFunc("POST /sync/commits/missing", writeDeadline(metadataWriteDeadline, s.handleMissingCommits))
	mux.HandleFunc("POST /sync/nodes/missing", writeDeadline(metadataWriteDeadline, s.handleMissingNodes))
	mux.HandleFunc("POST /sync/files/missing", writeDeadline(metadataWriteDeadline, s.handleMissingFiles))

	mux.HandleFunc("POST /sync/nodes", writeDeadline(bulkWriteDeadline, s.handleCreateNodes))
	mux.HandleFunc("POST /sync/blobs", writeDeadline(bulkWriteDeadline, s.handleCreateBlobBatch))
	mux.HandleFunc("POST /sync/blobs/chunk", writeDeadline(bulkWriteDeadline, s.handleCreateBlobChunk))

	mux.HandleFunc("GET /sync/nodes/{hash}", writeDeadline(metadataWriteDeadline, s.handleFetchNode))
	mux.HandleFunc("POST /sync/blobs/fetch", writeDeadline(bulkWriteDeadline, s.handleFetchBlobs))

	mux.HandleFunc("POST /sync/nodes/synced", writeDeadline(metadataWriteDeadline, s.handleMarkNodesSynced))
	mux.HandleFunc("POST /sync/commits/synced", writeDeadline(metadataWriteDeadline, s.handlePostCommitsDirHashes))

	mux.HandleFunc("GET /sync/branches", writeDeadline(metadataWriteDeadline, s.handleGetBranches))
	mux.HandleFunc("GET /sync/branches/{name}", writeDeadline(metadataWriteDeadline, s.handleGetBranch))
	mux.HandleFunc("POST /sync/branches/{name}", writeDeadline(metadataWriteDeadline, s.handleCreateBranch))
	mux.HandleFunc("PUT /sync/branches/{name}", writeDeadline(metadataWriteDeadline, s.handleUpdateBranch))
	mux.HandleFunc("POST /sync/branches/{name}/lock", writeDeadline(metadataWriteDeadline, s.handleLockBranch))
	mux.HandleFunc("DELETE /sync/branches/{name}/lock", writeDeadline(metadataWriteDeadline, s.handleUnlockBranch))

	if s.progress != nil {
		mux.HandleFunc("GET /sync/progress", s.progress.handleWebSocket)
	}

	var handler http.Handler = requestLogger(s.logger, mux)
	handler = bearerAuth(s.authToken, handler)

	// WriteTimeout stays 0: the progress websocket is long-lived, same
	// rationale as the teacher's server. Every other route enforces its own
	// deadline via writeDeadline.
	s.httpServer = &http.Server{
		Addr:         s.addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("sync server starting", "addr", "http://"+s.addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully drains in-flight requests and closes the progress
// broadcaster, returning every failure encountered rather than just the
// last one.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = multierr.Append(err, s.httpServer.Shutdown(ctx))
	}
	if s.progress != nil {
		err = multierr.Append(err, s.progress.Close())
	}
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMissingCommits(w http.ResponseWriter, r *http.Request) {
	var req hashesRequest
	if !readJSON(w, r, &req) {
		return
	}
	candidates, err := wireToHashes(req.Hashes)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	missing, err := s.engine.ListMissingCommitHashes(r.Context(), candidates)
	if !s.respondHashes(w, missing, err) {
		return
	}
}

func (s *Server) handleMissingNodes(w http.ResponseWriter, r *http.Request) {
	var req hashesRequest
	if !readJSON(w, r, &req) {
		return
	}
	candidates, err := wireToHashes(req.Hashes)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	missing, err := s.engine.ListMissingNodeHashes(r.Context(), candidates)
	s.respondHashes(w, missing, err)
}

func (s *Server) handleMissingFiles(w http.ResponseWriter, r *http.Request) {
	var req missingFilesRequest
	if !readJSON(w, r, &req) {
		return
	}
	commitIDs, err := wireToHashes(req.CommitIDs)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	candidates, err := wireToHashes(req.Candidates)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	missing, err := s.engine.ListMissingFileHashes(r.Context(), commitIDs, candidates)
	s.respondHashes(w, missing, err)
}

func (s *Server) respondHashes(w http.ResponseWriter, hashes []dvhash.Hash, err error) bool {
	if writeEngineError(w, err) {
		return false
	}
	writeJSON(w, http.StatusOK, hashesResponse{Hashes: hashesToWire(hashes)})
	return true
}

func (s *Server) handleCreateNodes(w http.ResponseWriter, r *http.Request) {
	var req createNodesRequest
	if !readJSON(w, r, &req) {
		return
	}
	nodes, err := wireToNodes(req.Nodes)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if writeEngineError(w, s.engine.CreateNodes(r.Context(), nodes)) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateBlobBatch(w http.ResponseWriter, r *http.Request) {
	var req createBlobBatchRequest
	if !readJSON(w, r, &req) {
		return
	}
	blobs, err := wireToBlobs(req.Blobs)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if writeEngineError(w, s.engine.CreateBlobBatch(r.Context(), blobs)) {
		return
	}
	if s.progress != nil {
		for _, b := range blobs {
			s.progress.notify(ProgressEvent{Kind: "blob", Bytes: int64(len(b.Data))})
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateBlobChunk(w http.ResponseWriter, r *http.Request) {
	var req createBlobChunkRequest
	if !readJSON(w, r, &req) {
		return
	}
	hdr, data, err := req.toDomain()
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if writeEngineError(w, s.engine.CreateBlobChunk(r.Context(), hdr, data)) {
		return
	}
	if s.progress != nil {
		s.progress.notify(ProgressEvent{Kind: "chunk", Bytes: int64(len(data))})
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFetchNode(w http.ResponseWriter, r *http.Request) {
	h, err := parseHashParam(r.PathValue("hash"))
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	env, ferr := s.engine.FetchNode(r.Context(), h)
	if writeEngineError(w, ferr) {
		return
	}
	writeJSON(w, http.StatusOK, nodeEnvelopeWire{Hash: env.Hash.String(), Bytes: b64(env.Bytes)})
}

func (s *Server) handleFetchBlobs(w http.ResponseWriter, r *http.Request) {
	var req fetchBlobsRequest
	if !readJSON(w, r, &req) {
		return
	}
	hashes, err := wireToHashes(req.Hashes)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	blobs, ferr := s.engine.FetchBlobs(r.Context(), hashes)
	if writeEngineError(w, ferr) {
		return
	}
	writeJSON(w, http.StatusOK, fetchBlobsResponse{Blobs: blobsToWire(blobs)})
}

func (s *Server) handleMarkNodesSynced(w http.ResponseWriter, r *http.Request) {
	var req hashesRequest
	if !readJSON(w, r, &req) {
		return
	}
	hashes, err := wireToHashes(req.Hashes)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if writeEngineError(w, s.engine.MarkNodesSynced(r.Context(), hashes)) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePostCommitsDirHashes(w http.ResponseWriter, r *http.Request) {
	var req postCommitsDirHashesRequest
	if !readJSON(w, r, &req) {
		return
	}
	ids, err := wireToHashes(req.CommitIDs)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if writeEngineError(w, s.engine.PostCommitsDirHashes(r.Context(), ids)) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetBranches(w http.ResponseWriter, r *http.Request) {
	branches, err := s.engine.GetBranches(r.Context())
	if writeEngineError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, branchesResponse{Branches: branchesToWire(branches)})
}

func (s *Server) handleGetBranch(w http.ResponseWriter, r *http.Request) {
	commit, err := s.engine.GetBranch(r.Context(), r.PathValue("name"))
	if writeEngineError(w, err) {
		return
	}
	writeJSON(w, http.StatusOK, branchResponse{Commit: commit.String()})
}

func (s *Server) handleCreateBranch(w http.ResponseWriter, r *http.Request) {
	var req setBranchRequest
	if !readJSON(w, r, &req) {
		return
	}
	commit, err := parseHashParam(req.Commit)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if writeEngineError(w, s.engine.CreateBranch(r.Context(), r.PathValue("name"), commit)) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUpdateBranch(w http.ResponseWriter, r *http.Request) {
	var req setBranchRequest
	if !readJSON(w, r, &req) {
		return
	}
	commit, err := parseHashParam(req.Commit)
	if err != nil {
		writeBadRequest(w, err)
		return
	}
	if writeEngineError(w, s.engine.UpdateBranch(r.Context(), r.PathValue("name"), commit)) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLockBranch(w http.ResponseWriter, r *http.Request) {
	var req lockBranchRequest
	if !readJSON(w, r, &req) {
		return
	}
	err := s.engine.LockBranch(r.Context(), r.PathValue("name"), leaseFromMillis(req.LeaseMillis))
	if writeEngineError(w, err) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUnlockBranch(w http.ResponseWriter, r *http.Request) {
	if writeEngineError(w, s.engine.UnlockBranch(r.Context(), r.PathValue("name"))) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(io.LimitReader(r.Body, 256<<20)).Decode(v); err != nil {
		writeBadRequest(w, err)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeBadRequest(w http.ResponseWriter, err error) {
	writeError(w, http.StatusBadRequest, errorResponse{Kind: "bad_request", Op: "transport.decode", Hint: err.Error()})
}

func writeError(w http.ResponseWriter, status int, e errorResponse) {
	writeJSON(w, status, e)
}

// writeEngineError translates a domain error into an HTTP error response and
// reports whether one was written (i.e. err != nil).
func writeEngineError(w http.ResponseWriter, err error) bool {
	if err == nil {
		return false
	}
	kind := dvcserr.KindOf(err)
	status := kindToStatus(kind)
	hint := ""
	var de *dvcserr.Error
	if e, ok := err.(*dvcserr.Error); ok {
		de = e
	}
	if de != nil {
		hint = de.Hint
	}
	writeError(w, status, errorResponse{Kind: kind.String(), Op: "sync", Hint: hint})
	return true
}

func kindToStatus(k dvcserr.Kind) int {
	switch k {
	case dvcserr.NotFound:
		return http.StatusNotFound
	case dvcserr.AlreadyExists:
		return http.StatusConflict
	case dvcserr.BranchLocked:
		return http.StatusLocked
	case dvcserr.RemoteAhead, dvcserr.LocalAhead, dvcserr.WouldOverwriteLocalChanges:
		return http.StatusConflict
	case dvcserr.AuthError:
		return http.StatusUnauthorized
	case dvcserr.CorruptObject, dvcserr.CorruptTree:
		return http.StatusUnprocessableEntity
	case dvcserr.Cancelled:
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// statusToKind is the client-side inverse of kindToStatus, used when the
// server's JSON error body can't be parsed (e.g. a proxy's own error page).
func statusToKind(status int) dvcserr.Kind {
	switch status {
	case http.StatusNotFound:
		return dvcserr.NotFound
	case http.StatusConflict:
		return dvcserr.RemoteAhead
	case http.StatusLocked:
		return dvcserr.BranchLocked
	case http.StatusUnauthorized, http.StatusForbidden:
		return dvcserr.AuthError
	case http.StatusUnprocessableEntity:
		return dvcserr.CorruptObject
	case 499:
		return dvcserr.Cancelled
	default:
		return dvcserr.TransportError
	}
}
