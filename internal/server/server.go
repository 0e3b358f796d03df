// internal/server/server.go
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/towdyouso/internal/observability"
	"github.com/user/towdyouso/internal/runtime"
	"github.com/user/towdyouso/internal/types"
)

// maxUploadBytes caps a single multipart upload.
const maxUploadBytes = 20 << 20

// Turns is the part of the orchestrator the server drives.
type Turns interface {
	Attach(ctx context.Context, sessionID types.SessionID, sink runtime.Sink) error
	Detach(sessionID types.SessionID)
	StartTurn(ctx context.Context, sessionID types.SessionID, content string, fileID types.FileID) error
}

// Server serves the REST API, uploads, metrics and the live WebSocket.
type Server struct {
	sessions types.SessionStore
	entries  types.EntryStore
	files    types.FileStore
	signs    types.SignStore
	turns    Turns
	metrics  *observability.Metrics
	mux      *http.ServeMux
	upgrader websocket.Upgrader

	// turnCtx outlives individual requests so that a turn started over a
	// connection finishes writing even if the client goes away.
	turnCtx context.Context
}

// NewServer creates a Server. signs and metrics may be nil.
func NewServer(
	ctx context.Context,
	sessions types.SessionStore,
	entries types.EntryStore,
	files types.FileStore,
	signs types.SignStore,
	turns Turns,
	metrics *observability.Metrics,
) *Server {
	s := &Server{
		sessions: sessions,
		entries:  entries,
		files:    files,
		signs:    signs,
		turns:    turns,
		metrics:  metrics,
		mux:      http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin: func(*http.Request) bool {
				return true
			},
		},
		turnCtx: ctx,
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	s.mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	s.mux.HandleFunc("GET /api/sessions/{id}/entries", s.handleSessionEntries)
	s.mux.HandleFunc("POST /api/uploads", s.handleUpload)
	s.mux.HandleFunc("GET /api/parking-signs", s.handleParkingSigns)
	s.mux.HandleFunc("GET /uploads/{key}", s.handleServeUpload)
	s.mux.HandleFunc("GET /ws/{id}", s.handleWebSocket)
	s.mux.Handle("GET /metrics", metrics.Handler())
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	s.mux.ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type createSessionRequest struct {
	ParentID string `json:"parent_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}

	ctx := r.Context()
	if req.ParentID != "" {
		if _, err := s.sessions.Get(ctx, types.SessionID(req.ParentID)); err != nil {
			if errors.Is(err, types.ErrNotFound) {
				writeError(w, http.StatusNotFound, "parent session not found")
				return
			}
			slog.Error("get parent session failed", "parent_id", req.ParentID, "error", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	sess, err := s.sessions.Create(ctx, types.SessionID(req.ParentID))
	if err != nil {
		slog.Error("create session failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": string(sess.ID)})
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	ParentID  string `json:"parent_id,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at"`
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.sessions.List(r.Context())
	if err != nil {
		slog.Error("list sessions failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	result := make([]sessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		result = append(result, sessionResponse{
			SessionID: string(sess.ID),
			ParentID:  string(sess.ParentID),
			Key:       string(sess.Key),
			CreatedAt: sess.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionEntries(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := types.SessionID(r.PathValue("id"))
	if _, err := s.sessions.Get(ctx, sessionID); err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("get session failed", "session_id", string(sessionID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	entries, err := s.entries.List(ctx, sessionID)
	if err != nil {
		slog.Error("list entries failed", "session_id", string(sessionID), "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	wire := make([]types.WireEntry, 0, len(entries))
	for _, e := range entries {
		wire = append(wire, types.ToWire(e))
	}
	writeJSON(w, http.StatusOK, wire)
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "multipart field 'file' is required")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
		return
	}
	mimeType := header.Header.Get("Content-Type")
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = http.DetectContentType(data)
	}

	uploaded, err := s.files.Save(r.Context(), data, header.Filename, mimeType)
	if err != nil {
		slog.Error("save upload failed", "filename", header.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	slog.Info("file uploaded", "file_id", string(uploaded.ID), "size", uploaded.Size, "mime_type", uploaded.MimeType)
	writeJSON(w, http.StatusCreated, map[string]string{
		"file_id": string(uploaded.ID),
		"url":     s.files.URLFor(uploaded),
	})
}

func (s *Server) handleServeUpload(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	id := types.FileID(strings.TrimSuffix(key, filepath.Ext(key)))

	ctx := r.Context()
	meta, err := s.files.Get(ctx, id)
	if err != nil || meta.StorageKey != key {
		http.NotFound(w, r)
		return
	}
	rc, err := s.files.Open(ctx, id)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", meta.MimeType)
	w.Header().Set("Cache-Control", "public, max-age=86400")
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, meta.Filename, meta.CreatedAt, rs)
		return
	}
	io.Copy(w, rc)
}

type parkingSignResponse struct {
	ID          string  `json:"id"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	Description string  `json:"description"`
	SignText    string  `json:"sign_text"`
	ImageURL    string  `json:"image_url,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func (s *Server) handleParkingSigns(w http.ResponseWriter, r *http.Request) {
	if s.signs == nil {
		writeJSON(w, http.StatusOK, []parkingSignResponse{})
		return
	}
	ctx := r.Context()
	signs, err := s.signs.List(ctx)
	if err != nil {
		slog.Error("list parking signs failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	result := make([]parkingSignResponse, 0, len(signs))
	for _, sign := range signs {
		resp := parkingSignResponse{
			ID:          string(sign.ID),
			Latitude:    sign.Latitude,
			Longitude:   sign.Longitude,
			Description: sign.Description,
			SignText:    sign.SignText,
			CreatedAt:   sign.CreatedAt.UTC().Format(time.RFC3339),
		}
		if sign.UploadedFileID != "" {
			if file, err := s.files.Get(ctx, sign.UploadedFileID); err == nil {
				resp.ImageURL = s.files.URLFor(file)
			}
		}
		result = append(result, resp)
	}
	writeJSON(w, http.StatusOK, result)
}
