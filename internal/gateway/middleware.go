package gateway

import (
	"net/http"
	"strconv"
	"time"

	"github.com/haasonsaas/concierge/internal/auth"
)

type callerHandler func(w http.ResponseWriter, r *http.Request, callerID string)

// protect authenticates the request and requires a caller ID.
func (s *Server) protect(next callerHandler) http.Handler {
	inner := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, ok := auth.UserFromContext(r.Context())
		if !ok || user.ID == "" {
			writeError(w, http.StatusUnauthorized, "caller required")
			return
		}
		next(w, r, user.ID)
	})
	return auth.Middleware(s.auth, s.logger.With("component", "auth"))(inner)
}

// instrument records a latency observation and a debug line per request.
// Paths are labelled by route pattern to keep metric cardinality bounded.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := r.Pattern
		if path == "" {
			path = "unmatched"
		}
		elapsed := time.Since(start)
		s.metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), elapsed)
		s.logger.Debug("http request", "method", r.Method, "path", path, "status", rec.status, "duration", elapsed)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Flush keeps SSE responses streaming through the recorder.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
