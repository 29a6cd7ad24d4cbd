// Package server implements the threadsync reference sync server: the
// versioned upload/download endpoints, whole-bundle snapshots, the
// websocket change feed and the health probe. It only ever stores
// ciphertext.
package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/alexjbarnes/threadsync/cloud"
	"github.com/alexjbarnes/threadsync/internal/auth"
)

// maxBodyBytes caps upload and snapshot request bodies.
const maxBodyBytes = 32 << 20

// Config holds the server's dependencies.
type Config struct {
	Store  *Store
	Auth   *auth.Store
	Logger *slog.Logger

	// RateLimit is the sustained requests per second allowed per client
	// on /sync routes; RateBurst is the bucket size.
	RateLimit float64
	RateBurst int

	// Now defaults to time.Now.
	Now func() time.Time
}

// Server handles sync requests.
type Server struct {
	store   *Store
	auth    *auth.Store
	hub     *hub
	metrics *metrics
	limiter *limiterPool
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a Server. A nil Auth store leaves the server open.
func New(cfg Config) *Server {
	if cfg.Auth == nil {
		cfg.Auth = auth.NewStore(cfg.Logger)
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Server{
		store:   cfg.Store,
		auth:    cfg.Auth,
		hub:     newHub(),
		metrics: newMetrics(),
		limiter: newLimiterPool(cfg.RateLimit, cfg.RateBurst),
		logger:  cfg.Logger,
		now:     cfg.Now,
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	var req cloud.UploadRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if !validID(req.UserID) || !validID(req.DataType) {
		writeError(w, http.StatusBadRequest, "userId and dataType are required")
		return
	}

	if req.EncryptedData == "" {
		writeError(w, http.StatusBadRequest, "encryptedData is required")
		return
	}

	if err := cloud.VerifyChecksum(req.EncryptedData, req.Checksum); err != nil {
		writeError(w, http.StatusBadRequest, "checksum does not match encryptedData")
		return
	}

	tenant := auth.RequestUserID(r.Context())

	row, err := s.store.Put(tenant, req, s.now())
	if err != nil {
		s.internalError(w, "upload", err)
		return
	}

	s.metrics.uploadBytes.Add(float64(len(req.EncryptedData)))

	n := s.hub.publish(feedKey(tenant, req.UserID), cloud.ChangeEvent{
		UserID:   req.UserID,
		DataType: req.DataType,
		Version:  row.Version,
	})
	s.metrics.feedDelivered.Add(float64(n))

	s.logger.Debug("upload stored",
		slog.String("data_type", req.DataType),
		slog.Int64("version", row.Version),
		slog.Int("subscribers", n),
	)

	writeJSON(w, http.StatusOK, cloud.UploadResponse{Version: row.Version})
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	userID := q.Get("userId")
	if !validID(userID) {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	var since int64

	if v := q.Get("sinceVersion"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "sinceVersion must be a non-negative integer")
			return
		}

		since = n
	}

	rows, err := s.store.Rows(auth.RequestUserID(r.Context()), userID, q.Get("dataType"), since)
	if err != nil {
		s.internalError(w, "download", err)
		return
	}

	if rows == nil {
		rows = []cloud.Row{}
	}

	writeJSON(w, http.StatusOK, cloud.DownloadResponse{Data: rows})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req cloud.DeleteRequest
	if !decodeBody(w, r, &req) {
		return
	}

	if !validID(req.UserID) {
		writeError(w, http.StatusBadRequest, "userId is required")
		return
	}

	n, err := s.store.Delete(auth.RequestUserID(r.Context()), req.UserID, req.DataType)
	if err != nil {
		s.internalError(w, "delete", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	syncID := r.PathValue("syncId")
	if !validID(syncID) {
		writeError(w, http.StatusBadRequest, "syncId is required")
		return
	}

	snap, err := s.store.Snapshot(auth.RequestUserID(r.Context()), syncID)
	if err != nil {
		s.internalError(w, "get snapshot", err)
		return
	}

	if snap == nil {
		writeError(w, http.StatusNotFound, "no snapshot")
		return
	}

	writeJSON(w, http.StatusOK, cloud.Snapshot{Data: snap.Data, Timestamp: snap.Timestamp})
}

func (s *Server) handlePutSnapshot(w http.ResponseWriter, r *http.Request) {
	var snap cloud.Snapshot
	if !decodeBody(w, r, &snap) {
		return
	}

	if !validID(snap.ID) || snap.Data == "" {
		writeError(w, http.StatusBadRequest, "id and data are required")
		return
	}

	if snap.Timestamp == 0 {
		snap.Timestamp = s.now().UnixMilli()
	}

	if err := s.store.PutSnapshot(auth.RequestUserID(r.Context()), snap); err != nil {
		s.internalError(w, "put snapshot", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("request failed", slog.String("op", op), slog.String("error", err.Error()))
	writeError(w, http.StatusInternalServerError, "internal error")
}

// decodeBody reads a JSON body into v, writing a 400 or 413 on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}

		writeError(w, http.StatusBadRequest, "invalid JSON body")

		return false
	}

	return true
}

// validID rejects empty ids and ids containing the key separator.
func validID(id string) bool {
	return id != "" && !strings.ContainsRune(id, 0)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, cloud.APIError{Error: msg})
}
