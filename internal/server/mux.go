package server

import (
	"net/http"

	"github.com/alexjbarnes/threadsync/internal/auth"
)

// Handler builds the HTTP mux. Every /sync route passes through API key
// authentication, then the per-client rate limiter. /health and
// /metrics are open.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	authMiddleware := auth.Middleware(s.auth, s.logger)
	protect := func(route string, h http.HandlerFunc) http.Handler {
		return s.metrics.instrument(route, authMiddleware(s.rateLimit(h)))
	}

	mux.Handle("POST /sync/upload", protect("upload", s.handleUpload))
	mux.Handle("GET /sync/download", protect("download", s.handleDownload))
	mux.Handle("DELETE /sync/delete", protect("delete", s.handleDelete))
	mux.Handle("GET /sync/events", protect("events", s.handleEvents))
	mux.Handle("GET /sync/{syncId}", protect("get_snapshot", s.handleGetSnapshot))
	mux.Handle("POST /sync", protect("put_snapshot", s.handlePutSnapshot))

	mux.Handle("GET /health", s.metrics.instrument("health", http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /metrics", s.metrics.handler())

	return mux
}
