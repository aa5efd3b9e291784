// Package api exposes the orchestrator over HTTP: trip CRUD, an SSE
// stream of live session events, and agent health.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/itinera/itinera/internal/bus"
	"github.com/itinera/itinera/internal/channel"
	"github.com/itinera/itinera/internal/config"
	"github.com/itinera/itinera/internal/health"
	"github.com/itinera/itinera/internal/orchestrator"
	"github.com/itinera/itinera/internal/session"
	"github.com/itinera/itinera/internal/store"
)

// Server wires the HTTP surface over the orchestrator.
type Server struct {
	orch    *orchestrator.Orchestrator
	monitor *health.Monitor
	bus     bus.Bus
	logger  *slog.Logger

	keepAlive time.Duration
	apiKeys   []string
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKeys guards the /api/v1 routes with the given key set. An
// empty set leaves the surface open, for local and test deployments.
func WithAPIKeys(keys []string) Option {
	return func(s *Server) { s.apiKeys = keys }
}

// NewServer builds the HTTP layer. monitor may be nil when no health
// monitor runs in this process.
func NewServer(orch *orchestrator.Orchestrator, monitor *health.Monitor, b bus.Bus, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		orch:      orch,
		monitor:   monitor,
		bus:       b,
		logger:    logger,
		keepAlive: config.DefaultSSEKeepAlive,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the route table. Everything under /api/v1 sits
// behind the API key check; the liveness endpoint stays open.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/trips", s.requireKey(s.handleCreate))
	mux.HandleFunc("GET /api/v1/trips/{id}", s.requireKey(s.handleGet))
	mux.HandleFunc("DELETE /api/v1/trips/{id}", s.requireKey(s.handleCancel))
	mux.HandleFunc("GET /api/v1/trips/{id}/stream", s.requireKey(s.handleStream))
	mux.HandleFunc("GET /api/v1/agents", s.requireKey(s.handleAgents))
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	return mux
}

// requireKey rejects requests that do not present a configured key in
// the X-API-Key header.
func (s *Server) requireKey(next http.HandlerFunc) http.HandlerFunc {
	if len(s.apiKeys) == 0 {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		presented := []byte(r.Header.Get("X-API-Key"))
		for _, key := range s.apiKeys {
			if subtle.ConstantTimeCompare([]byte(key), presented) == 1 {
				next(w, r)
				return
			}
		}
		s.writeError(w, http.StatusUnauthorized, "missing or invalid api key")
	}
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req session.TripRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := req.Validate(); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if r.URL.Query().Get("sync") == "true" {
		state, err := s.orch.Plan(r.Context(), req)
		if err != nil {
			if errors.Is(err, r.Context().Err()) {
				s.writeError(w, http.StatusGatewayTimeout, "planning did not settle before the client gave up")
				return
			}
			s.writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		s.writeJSON(w, http.StatusOK, state)
		return
	}

	id, err := s.orch.Start(r.Context(), req)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": id,
		"status":     string(session.StatusInProgress),
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	state, err := s.orch.Status(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(r.Context(), id); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"session_id": id, "status": "cancelling"})
}

// handleStream serves the session's live event stream over SSE. The
// subscription is opened before the state read, so a session that
// settles in between is replayed from the store rather than missed.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sub, err := s.bus.Subscribe(r.Context(), channel.Stream(id))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer sub.Cancel()

	state, err := s.orch.Status(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if state.Status.Terminal() {
		s.writeTerminalReplay(w, flusher, state)
		return
	}

	keepAlive := time.NewTicker(s.keepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepAlive.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			flusher.Flush()
		case d, ok := <-sub.C:
			if !ok {
				return
			}
			ev, err := orchestrator.DecodeStreamPayload(d.Payload)
			if err != nil {
				s.logger.Debug("Skipping stream payload", "session_id", id, "error", err)
				continue
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Type.Terminal() {
				return
			}
		}
	}
}

// writeTerminalReplay emits the stored final state as one terminal
// event for clients that connected after the session settled.
func (s *Server) writeTerminalReplay(w http.ResponseWriter, flusher http.Flusher, state *session.State) {
	eventType := orchestrator.EventCompleted
	if state.Status == session.StatusFailed || state.Status == session.StatusCancelled {
		eventType = orchestrator.EventError
	}
	data, err := json.Marshal(state)
	if err != nil {
		return
	}
	ev := orchestrator.StreamEvent{
		Type:      eventType,
		SessionID: state.ID,
		Status:    string(state.Status),
		Message:   state.Summary,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
	if err := writeSSE(w, ev); err == nil {
		flusher.Flush()
	}
}

func writeSSE(w http.ResponseWriter, ev orchestrator.StreamEvent) error {
	data, err := json.Marshal(&ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	type agentView struct {
		health.AgentHealth
		Registered bool `json:"registered"`
	}
	views := make(map[string]*agentView)
	for _, name := range s.orch.Registry().Names() {
		views[name] = &agentView{AgentHealth: health.AgentHealth{Agent: name, Status: "unknown"}, Registered: true}
	}
	if s.monitor != nil {
		for _, h := range s.monitor.Agents() {
			if v, ok := views[h.Agent]; ok {
				v.AgentHealth = h
			} else {
				views[h.Agent] = &agentView{AgentHealth: h}
			}
		}
	}
	out := make([]agentView, 0, len(views))
	for _, name := range s.orch.Registry().Names() {
		out = append(out, *views[name])
		delete(views, name)
	}
	for _, v := range views {
		out = append(out, *v)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"agents": out})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrSessionNotFound) {
		s.writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.writeError(w, http.StatusInternalServerError, err.Error())
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("Response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
