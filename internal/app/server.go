package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rtxchat/rtxchat/internal/agentstore"
	"github.com/rtxchat/rtxchat/internal/convostore"
	"github.com/rtxchat/rtxchat/internal/engine"
	"github.com/rtxchat/rtxchat/internal/health"
)

// Server exposes the turn engine and the conversation/agent CRUD surface
// over plain net/http, streaming turns as Server-Sent Events.
//
// Routing uses the Go 1.22+ http.ServeMux pattern syntax rather than a
// third-party router, matching how other HTTP surfaces in this codebase are
// built.
type Server struct {
	app *App
	mux *http.ServeMux
	srv *http.Server
}

// NewServer builds a Server wired to app's engine, stores, and confirmation
// broker.
func NewServer(app *App) *Server {
	s := &Server{app: app}
	s.mux = http.NewServeMux()
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	h := health.New(health.Checker{
		Name: "engine",
		Check: func(ctx context.Context) error {
			if s.app.engine == nil {
				return fmt.Errorf("engine not initialised")
			}
			return nil
		},
	})
	h.Register(s.mux)

	s.mux.HandleFunc("GET /conversations", s.handleListConversations)
	s.mux.HandleFunc("POST /conversations", s.handleCreateConversation)
	s.mux.HandleFunc("GET /conversations/{id}", s.handleGetConversation)
	s.mux.HandleFunc("DELETE /conversations/{id}", s.handleDeleteConversation)
	s.mux.HandleFunc("POST /conversations/{id}/turns", s.handleStreamTurn)

	s.mux.HandleFunc("GET /agents", s.handleListAgents)
	s.mux.HandleFunc("POST /agents", s.handleCreateAgent)
	s.mux.HandleFunc("GET /agents/{id}", s.handleGetAgent)
	s.mux.HandleFunc("PUT /agents/{id}", s.handleUpdateAgent)
	s.mux.HandleFunc("DELETE /agents/{id}", s.handleDeleteAgent)

	s.mux.HandleFunc("POST /confirmations/{callID}", s.handleResolveConfirmation)
}

// ListenAndServe runs the HTTP server until ctx is cancelled or the server
// itself fails. A cancelled ctx triggers a graceful stop via Shutdown, so
// callers driving the server loop directly (rather than through [App.Run])
// should still call [Server.Shutdown] with their own deadline afterward.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	s.srv = &http.Server{
		Addr:    addr,
		Handler: s.mux,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// Shutdown gracefully stops the HTTP server, waiting for in-flight requests
// (including open SSE streams) to finish or ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ─── turn streaming ──────────────────────────────────────────────────────────

// turnRequest is the JSON body for POST /conversations/{id}/turns.
type turnRequest struct {
	Message   string `json:"message"`
	AgentName string `json:"agent_name"`
}

// wireEvent is the JSON shape written as one "data:" line per [engine.Event].
// Kind is always present; the remaining fields are populated according to
// the event taxonomy and left at their zero value (omitted) otherwise.
type wireEvent struct {
	Kind       engine.EventKind `json:"kind"`
	Query      string           `json:"query,omitempty"`
	Text       string           `json:"text,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	ToolName   string           `json:"tool_name,omitempty"`
	ToolArgs   map[string]any   `json:"tool_args,omitempty"`
	ToolOutput string           `json:"tool_output,omitempty"`
	Metadata   *engine.TurnMetadata `json:"metadata,omitempty"`
	Error      string           `json:"error,omitempty"`
	Done       bool             `json:"done,omitempty"`
}

// handleStreamTurn runs one turn against the named conversation and streams
// its events back as Server-Sent Events, one JSON object per "data:" line
// per §6's event stream wire format. The final line always carries
// "done": true.
func (s *Server) handleStreamTurn(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("id")

	var req turnRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message must not be empty", http.StatusBadRequest)
		return
	}

	conv, err := s.app.convoStore.Get(r.Context(), convID)
	if err != nil {
		http.Error(w, "failed to load conversation: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if conv == nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}

	agentName := req.AgentName
	if agentName == "" {
		agentName = conv.AgentName
	}
	cfg, err := s.lookupAgentConfig(r.Context(), agentName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	events := s.app.engine.StreamTurn(r.Context(), req.Message, *cfg, conv.Messages, nil)
	for ev := range events {
		writeSSEEvent(w, ev)
		flusher.Flush()
		if ev.Kind == engine.EventDone {
			break
		}
	}

	conv.UpdatedAt = time.Now()
	if err := s.app.convoStore.Update(r.Context(), conv); err != nil {
		slog.Warn("failed to persist conversation after turn", "conversation_id", convID, "err", err)
	}
}

// writeSSEEvent writes ev as a single "data: <json>\n\n" line, the framing
// every event in the stream uses regardless of kind.
func writeSSEEvent(w http.ResponseWriter, ev engine.Event) {
	wire := wireEvent{
		Kind:       ev.Kind,
		Query:      ev.Query,
		Text:       ev.Text,
		ToolCallID: ev.ToolCallID,
		ToolName:   ev.ToolName,
		ToolArgs:   ev.ToolArgs,
		ToolOutput: ev.ToolOutput,
		Metadata:   ev.Metadata,
		Done:       ev.Kind == engine.EventDone,
	}
	if ev.Err != nil {
		wire.Error = ev.Err.Error()
	}

	payload, err := json.Marshal(wire)
	if err != nil {
		payload, _ = json.Marshal(wireEvent{Kind: engine.EventError, Error: "failed to encode event", Done: true})
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

// lookupAgentConfig resolves a named agent record into the engine's runtime
// AgentConfig shape.
func (s *Server) lookupAgentConfig(ctx context.Context, name string) (*engine.AgentConfig, error) {
	records, err := s.app.agentStore.List(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	for _, rec := range records {
		if rec.Name == name {
			return &engine.AgentConfig{
				Name:                rec.Name,
				Prompt:              rec.Prompt,
				EnabledTools:        rec.EnabledTools,
				MaxMemories:         rec.MaxMemories,
				MaxToolRuns:         rec.MaxToolRuns,
				MinSimilarity:       rec.MinSimilarity,
				ContextCompression:  rec.ContextCompression,
				ContextMaxTokens:    rec.ContextMaxTokens,
				ContextWindowTokens: rec.ContextWindowTokens,
			}, nil
		}
	}
	return nil, fmt.Errorf("agent %q not found", name)
}

// ─── conversations ───────────────────────────────────────────────────────────

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	agentName := r.URL.Query().Get("agent_name")
	list, err := s.app.convoStore.ListMetadata(r.Context(), agentName)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

type createConversationRequest struct {
	AgentName string `json:"agent_name"`
	Model     string `json:"model"`
}

func (s *Server) handleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentName == "" {
		http.Error(w, "agent_name is required", http.StatusBadRequest)
		return
	}

	conv := convostore.New(req.AgentName, req.Model)
	if err := s.app.convoStore.Create(r.Context(), conv); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.app.convoStore.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if conv == nil {
		http.Error(w, "conversation not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	if err := s.app.convoStore.Delete(r.Context(), r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── agent records ───────────────────────────────────────────────────────────

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	includeTemplates := r.URL.Query().Get("include_templates") == "true"
	records, err := s.app.agentStore.List(r.Context(), includeTemplates)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var rec agentstore.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := s.app.agentStore.Create(r.Context(), &rec); err != nil {
		if strings.Contains(err.Error(), "already exists") {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	rec, err := s.app.agentStore.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		http.Error(w, "agent not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var rec agentstore.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	rec.ID = r.PathValue("id")
	if err := s.app.agentStore.Update(r.Context(), &rec); err != nil {
		if errors.Is(err, agentstore.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.app.agentStore.Delete(r.Context(), r.PathValue("id")); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── confirmations ───────────────────────────────────────────────────────────

type resolveConfirmationRequest struct {
	Approved bool `json:"approved"`
}

// handleResolveConfirmation resolves a pending tool confirmation raised by a
// tool_confirmation_required event, unblocking the turn goroutine waiting on
// it via [confirm.Broker.RequireConfirmation].
func (s *Server) handleResolveConfirmation(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("callID")

	var req resolveConfirmationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if !s.app.broker.Pending(callID) {
		http.Error(w, "no pending confirmation for that id", http.StatusNotFound)
		return
	}
	s.app.broker.Resolve(callID, req.Approved)
	w.WriteHeader(http.StatusNoContent)
}

// ─── shared helpers ──────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
