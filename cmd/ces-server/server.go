package main

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/weaverlabs/ces/internal/auth"
	"github.com/weaverlabs/ces/internal/config"
	"github.com/weaverlabs/ces/internal/event"
	"github.com/weaverlabs/ces/internal/fs"
	"github.com/weaverlabs/ces/internal/interp"
	"github.com/weaverlabs/ces/internal/sessions"
	"github.com/weaverlabs/ces/internal/ws"
)

// version is stamped at build time via -ldflags.
var version = "dev"

// Server wires the session manager to the HTTP API.
type Server struct {
	cfg      config.Config
	sessions *sessions.Manager
	auth     *auth.Middleware
	streamer *ws.Streamer
}

func NewServer(cfg config.Config, manager *sessions.Manager) *Server {
	return &Server{
		cfg:      cfg,
		sessions: manager,
		auth:     auth.NewMiddleware(cfg.APIKey, cfg.AllowLoopback),
		streamer: ws.NewStreamer(cfg.CORSOrigins),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health is unauthenticated for load balancer probes.
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/sessions", s.protected(s.handleListSessions))
	mux.HandleFunc("POST /api/v1/sessions", s.protected(s.handleCreateSession))
	mux.HandleFunc("GET /api/v1/sessions/{sessionId}", s.protected(s.handleGetSession))
	mux.HandleFunc("DELETE /api/v1/sessions/{sessionId}", s.protected(s.handleDeleteSession))

	mux.HandleFunc("POST /api/v1/sessions/{sessionId}/plugins", s.protected(s.handleLoadPlugin))
	mux.HandleFunc("POST /api/v1/sessions/{sessionId}/execute", s.protected(s.handleExecute))
	mux.HandleFunc("GET /api/v1/sessions/{sessionId}/execute/{execId}/stream", s.protected(s.handleStreamSSE))
	mux.HandleFunc("GET /api/v1/sessions/{sessionId}/execute/{execId}/ws", s.protected(s.handleStreamWS))
	mux.HandleFunc("POST /api/v1/sessions/{sessionId}/variables", s.protected(s.handleVariables))

	mux.HandleFunc("POST /api/v1/sessions/{sessionId}/files", s.protected(s.handleUploadFile))
	mux.HandleFunc("GET /api/v1/sessions/{sessionId}/files", s.protected(s.handleListFiles))
	mux.HandleFunc("GET /api/v1/sessions/{sessionId}/artifacts/{file}", s.protected(s.handleDownloadArtifact))

	return s.cors(mux)
}

func (s *Server) protected(next http.HandlerFunc) http.HandlerFunc {
	return s.auth.RequireAuthFunc(next)
}

// cors applies the configured allowed-origins list and answers preflight.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, a := range s.cfg.CORSOrigins {
		a = strings.TrimSpace(a)
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// writeError maps domain errors to HTTP statuses. Internal errors stay
// opaque to the client.
func writeError(w http.ResponseWriter, err error) {
	var status int
	msg := err.Error()
	switch {
	case errors.Is(err, sessions.ErrSessionNotFound),
		errors.Is(err, sessions.ErrExecutionNotFound),
		errors.Is(err, fs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, sessions.ErrSessionExists),
		errors.Is(err, sessions.ErrDuplicateExecution),
		errors.Is(err, sessions.ErrSessionStopped):
		status = http.StatusConflict
	case errors.Is(err, fs.ErrBadFilename),
		errors.Is(err, fs.ErrPathTraversal),
		errors.Is(err, sessions.ErrBadSessionID):
		status = http.StatusBadRequest
	case errors.Is(err, interp.ErrStartupFailed):
		status = http.StatusInternalServerError
	default:
		log.Printf("[server] internal error: %v", err)
		status = http.StatusInternalServerError
		msg = "internal error"
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) *sessions.Session {
	session, err := s.sessions.Get(r.PathValue("sessionId"))
	if err != nil {
		writeError(w, err)
		return nil
	}
	return session
}

// -- handlers ------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"version":         version,
		"active_sessions": s.sessions.Count(),
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.sessions.List()})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"session_id"`
	}
	if r.Body != nil {
		json.NewDecoder(r.Body).Decode(&req) // body is optional
	}

	session, err := s.sessions.Create(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, session.Info())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(w, r)
	if session == nil {
		return
	}
	writeJSON(w, http.StatusOK, session.Info())
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.sessions.Delete(r.Context(), r.PathValue("sessionId")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLoadPlugin(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(w, r)
	if session == nil {
		return
	}

	var req struct {
		Name   string            `json:"name"`
		Source string            `json:"source"`
		Config map[string]string `json:"config"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" || req.Source == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and source are required"})
		return
	}

	err := session.LoadExtension(r.Context(), sessions.Extension{
		Name:   req.Name,
		Source: req.Source,
		Config: req.Config,
	})
	if err != nil {
		if errors.Is(err, sessions.ErrSessionStopped) || errors.Is(err, interp.ErrPeerGone) {
			writeError(w, err)
			return
		}
		// Extension load failures carry the interpreter's error text.
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": req.Name, "loaded": true})
}

// validExecID accepts identifiers safe for artifact names and URLs.
func validExecID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_':
		default:
			return false
		}
	}
	return true
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(w, r)
	if session == nil {
		return
	}

	var req struct {
		ExecID string `json:"exec_id"`
		Code   string `json:"code"`
		Stream bool   `json:"stream"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if !validExecID(req.ExecID) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid exec_id"})
		return
	}

	result, _, err := session.Execute(r.Context(), req.ExecID, req.Code, req.Stream)
	if err != nil {
		writeError(w, err)
		return
	}

	if req.Stream {
		writeJSON(w, http.StatusAccepted, map[string]string{
			"exec_id": req.ExecID,
			"stream_url": fmt.Sprintf("/api/v1/sessions/%s/execute/%s/stream",
				session.ID, req.ExecID),
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// sseEventName maps an event to its SSE event name.
func sseEventName(ev event.Event) string {
	if ev.Terminal {
		return "done"
	}
	if ev.Kind == event.KindResult {
		return "result"
	}
	return "output"
}

func (s *Server) handleStreamSSE(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(w, r)
	if session == nil {
		return
	}
	hub, err := session.Hub(r.PathValue("execId"))
	if err != nil {
		writeError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sub := hub.Subscribe()
	defer sub.Close()

	for {
		ev, err := sub.Next(r.Context())
		if err != nil {
			return
		}
		name := sseEventName(ev)
		var data []byte
		if name == "done" {
			data = []byte("{}")
		} else {
			data, err = json.Marshal(ev)
			if err != nil {
				continue
			}
		}
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
		flusher.Flush()
		if ev.Terminal {
			return
		}
	}
}

func (s *Server) handleStreamWS(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(w, r)
	if session == nil {
		return
	}
	hub, err := session.Hub(r.PathValue("execId"))
	if err != nil {
		writeError(w, err)
		return
	}
	s.streamer.Serve(w, r, hub)
}

func (s *Server) handleVariables(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(w, r)
	if session == nil {
		return
	}

	var req struct {
		Bindings map[string]any `json:"bindings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Bindings == nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bindings are required"})
		return
	}

	if err := session.UpdateVariables(r.Context(), req.Bindings); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUploadFile(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(w, r)
	if session == nil {
		return
	}

	var req struct {
		Filename      string `json:"filename"`
		ContentBase64 string `json:"content_base64"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed request body"})
		return
	}
	if err := fs.ValidateFilename(req.Filename); err != nil {
		writeError(w, err)
		return
	}
	content, err := base64.StdEncoding.DecodeString(req.ContentBase64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "content_base64 is not valid base64"})
		return
	}

	if err := session.Workspace().Write(req.Filename, content); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"filename": req.Filename,
		"size":     len(content),
	})
}

func (s *Server) handleListFiles(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(w, r)
	if session == nil {
		return
	}
	entries, err := session.Workspace().List()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"files": entries})
}

func (s *Server) handleDownloadArtifact(w http.ResponseWriter, r *http.Request) {
	session := s.getSession(w, r)
	if session == nil {
		return
	}

	name := r.PathValue("file")
	if err := fs.ValidateFilename(name); err != nil {
		writeError(w, err)
		return
	}
	data, err := session.Workspace().Read(name)
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", fs.MimeByName(name))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
