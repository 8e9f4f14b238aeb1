package transport

import (
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// statusRecorder wraps http.ResponseWriter to capture the status code for
// requestLogger, the same technique the teacher's server package uses.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// requestLogger logs method, path, status, and duration for every sync RPC.
func requestLogger(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)
		logger.Info("sync request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sr.status,
			"duration", time.Since(start).Round(time.Microsecond),
		)
	})
}

// writeDeadline bounds how long a single response may take to write, so a
// stalled client on a batch endpoint can't hold a server goroutine forever.
// Chunked blob uploads get a longer deadline than metadata RPCs.
func writeDeadline(d time.Duration, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rc := http.NewResponseController(w)
		_ = rc.SetWriteDeadline(time.Now().Add(d))
		next(w, r)
	}
}

// bearerAuth enforces a static bearer token on every request when token is
// non-empty, mapping a missing/incorrect token to the sync server's
// AuthError HTTP status (401) per spec.md's transport-layer auth section. An
// empty token disables the check, matching a trusted local-network deploy.
func bearerAuth(token string, next http.Handler) http.Handler {
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if got != token {
			writeError(w, http.StatusUnauthorized, errorResponse{Kind: "auth_error", Op: "transport.auth", Hint: "missing or incorrect bearer token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
