// Package server exposes a bridge over HTTP. Chat replies stream as NDJSON and session
// events are available over a websocket.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/bootstrap"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/config"
	"github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness"
	ports "github.com/ZanzyTHEbar/ollama-mcp-bridge/bridge/harness/ports"
)

const (
	maxBodyBytes    = 1 << 20
	eventBuffer     = 64
	wsWriteTimeout  = 10 * time.Second
	shutdownTimeout = 15 * time.Second
)

// Version is reported by /health.
var Version = "dev"

// Server serves the HTTP API of one App.
type Server struct {
	app      *bootstrap.App
	cfg      config.ServerConfig
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// New creates a server for app.
func New(app *bootstrap.App, cfg config.ServerConfig, logger zerolog.Logger) *Server {
	return &Server{
		app:    app,
		cfg:    cfg,
		logger: logger.With().Str("component", "http").Logger(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /chat", s.handleChat)
	mux.HandleFunc("GET /tools", s.handleTools)

	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/messages", s.handleSessionMessage)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancel)
	if s.cfg.EnableWebsocket {
		mux.HandleFunc("GET /sessions/{id}/events", s.handleEvents)
	}

	mux.HandleFunc("GET /audit/conversations", s.handleAuditList)
	mux.HandleFunc("GET /audit/conversations/{id}", s.handleAuditMessages)

	mux.Handle("GET /metrics", promhttp.HandlerFor(s.app.Metrics, promhttp.HandlerOpts{}))
	return s.logRequests(mux)
}

// ListenAndServe serves on cfg.Listen until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", ln.Addr().String()).Msg("HTTP server listening")
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type chatRequest struct {
	UserInput string `json:"user_input"`
	SessionID string `json:"session_id,omitempty"`
	Stream    bool   `json:"stream,omitempty"`
}

type chatResponse struct {
	SessionID string                  `json:"session_id"`
	Response  string                  `json:"response"`
	Turns     int                     `json:"turns"`
	Reason    string                  `json:"reason"`
	Truncated bool                    `json:"truncated,omitempty"`
	Pending   []ports.ToolCallRequest `json:"pending,omitempty"`
}

type messageRequest struct {
	Content string `json:"content"`
	Stream  bool   `json:"stream,omitempty"`
}

type createSessionRequest struct {
	SystemPrompt string   `json:"system_prompt,omitempty"`
	Tools        []string `json:"tools,omitempty"`
}

type sessionView struct {
	ID       string                 `json:"id"`
	State    string                 `json:"state"`
	Failure  string                 `json:"failure,omitempty"`
	Tools    []string               `json:"tools,omitempty"`
	Messages []ports.Message        `json:"messages"`
	InFlight []harness.InFlightCall `json:"in_flight,omitempty"`
}

type toolView struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"version":  Version,
		"sessions": len(s.app.Orchestrator.Sessions().List()),
	})
}

// handleChat sends one user message, creating a session first when none is named.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.UserInput == "" {
		writeError(w, http.StatusBadRequest, "user_input is required")
		return
	}

	sessionID := req.SessionID
	if sessionID == "" {
		id, err := s.app.StartConversation(r.Context(), "")
		if err != nil {
			s.fail(w, err)
			return
		}
		sessionID = id
	}
	s.send(w, r, sessionID, req.UserInput, req.Stream)
}

func (s *Server) handleSessionMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	s.send(w, r, r.PathValue("id"), req.Content, req.Stream)
}

func (s *Server) send(w http.ResponseWriter, r *http.Request, sessionID, text string, stream bool) {
	updates, err := s.app.Orchestrator.SendMessage(r.Context(), sessionID, text)
	if err != nil {
		s.fail(w, err)
		return
	}
	if stream {
		s.streamUpdates(w, sessionID, updates)
		return
	}

	var last harness.Update
	for u := range updates {
		last = u
	}
	switch last.Kind {
	case harness.UpdateDone:
		writeJSON(w, http.StatusOK, chatResponse{
			SessionID: sessionID,
			Response:  last.Done.Text,
			Turns:     last.Done.Turns,
			Reason:    string(last.Done.Reason),
			Truncated: last.Done.Truncated,
			Pending:   last.Done.Pending,
		})
	case harness.UpdateFailed:
		writeError(w, failureStatus(last.Err), last.Err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "conversation ended without a result")
	}
}

// streamUpdates writes one JSON object per line and flushes after each.
func (s *Server) streamUpdates(w http.ResponseWriter, sessionID string, updates <-chan harness.Update) {
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Session-Id", sessionID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)
	for u := range updates {
		if err := enc.Encode(toUpdateView(sessionID, u)); err != nil {
			s.logger.Debug().Err(err).Str("session_id", sessionID).Msg("Client went away during stream")
			continue
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	specs, err := s.app.Registry.Specs()
	if err != nil {
		s.fail(w, err)
		return
	}
	out := make([]toolView, 0, len(specs))
	for _, spec := range specs {
		out = append(out, toolView{Name: spec.Name, Description: spec.Description, Parameters: spec.Parameters})
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": out})
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	id, err := s.app.StartConversation(r.Context(), req.SystemPrompt, req.Tools...)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": s.app.Orchestrator.Sessions().List()})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.app.Orchestrator.Sessions().Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	snap := sess.Snapshot()
	view := sessionView{
		ID:       snap.ID,
		State:    snap.State.String(),
		Tools:    sess.Tools(),
		Messages: snap.Messages,
		InFlight: snap.InFlight,
	}
	if snap.Failure != nil {
		view.Failure = snap.Failure.Error()
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.app.Orchestrator.Cancel(id); err != nil {
		s.fail(w, err)
		return
	}
	s.app.Orchestrator.Sessions().Delete(id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Orchestrator.Cancel(r.PathValue("id")); err != nil {
		s.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleAuditList(w http.ResponseWriter, r *http.Request) {
	if s.app.Audit == nil {
		writeError(w, http.StatusNotFound, "audit log is disabled")
		return
	}
	ids, err := s.app.Audit.Conversations(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": ids})
}

// handleAuditMessages returns a stored conversation; ?limit=k keeps the last k messages.
func (s *Server) handleAuditMessages(w http.ResponseWriter, r *http.Request) {
	if s.app.Audit == nil {
		writeError(w, http.StatusNotFound, "audit log is disabled")
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	msgs, err := s.app.Audit.LoadMessages(r.Context(), r.PathValue("id"), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	if len(msgs) == 0 {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversation_id": r.PathValue("id"), "messages": msgs})
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).Msg("Request failed")
	}
	writeError(w, status, err.Error())
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, harness.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, harness.ErrSessionBusy), errors.Is(err, harness.ErrSessionNotResumable):
		return http.StatusConflict
	case errors.Is(err, harness.ErrToolNotFound):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func failureStatus(f *harness.Failure) int {
	switch f.Reason {
	case harness.FailureCancelled:
		return 499
	case harness.FailureTransport:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("elapsed", time.Since(start)).
			Msg("Request served")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, errorResponse{Error: message, Code: code})
}
