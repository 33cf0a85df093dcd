// Package transport implements the HTTP and WebSocket surface in front of
// the chat loop and the sleep-time scheduler: a thin adapter translating
// wire requests into calls against chatloop.Loop and sleeptime.Scheduler,
// and translating their output back into JSON and stream_chunk frames.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sleeptime/nexus/internal/chatloop"
	"github.com/sleeptime/nexus/internal/llm"
	"github.com/sleeptime/nexus/internal/memory"
	"github.com/sleeptime/nexus/internal/sleeptime"
)

// Scheduler is the subset of *sleeptime.Scheduler the transport layer
// needs, declared locally so this package does not have to import the
// concrete scheduler type for its handler signatures.
type Scheduler interface {
	Status() sleeptime.Status
	Submit(payload string)
	SetGateway(gateway llm.Gateway)
}

// Deps are the collaborators the transport layer is built from.
type Deps struct {
	Loop         *chatloop.Loop
	Conversation *chatloop.Conversation
	Memory       *memory.Store
	Scheduler    Scheduler
	Models       *llm.Registry
	Logger       *slog.Logger

	// StreamingSupport and AISystemInitialized report feature flags in
	// /health. SchedulerInitialized reports whether the scheduler is
	// present at all (it is nil in configurations with the scheduler
	// disabled).
	StreamingSupport     bool
	AISystemInitialized  bool
	SchedulerInitialized bool
	PrimaryMaxTokens     int
	SecondaryMaxTokens   int
}

// Server is the HTTP/WebSocket front end. It holds no model-request state
// of its own; every handler reads or mutates Deps' collaborators directly.
type Server struct {
	deps     Deps
	logger   *slog.Logger
	httpSrv  *http.Server
	listener net.Listener
}

// New builds a Server from deps. Call Start with an address ("host:port")
// to begin serving.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{deps: deps, logger: logger.With("component", "transport")}
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/chat", s.handleChat)
	mux.HandleFunc("/history", s.handleHistory)
	mux.HandleFunc("/clear", s.handleClear)
	mux.HandleFunc("/memory/core", s.handleMemoryCore)
	mux.HandleFunc("/sleep_agent/status", s.handleSleepAgentStatus)
	mux.HandleFunc("/sleep_agent/trigger", s.handleSleepAgentTrigger)
	mux.HandleFunc("/set_model", s.handleSetModel)
	mux.HandleFunc("/set_sleep_model", s.handleSetSleepModel)
	mux.Handle("/ws", newWSHandler(s.deps, s.logger))
	return mux
}

// Start binds addr and serves in the background. It returns once the
// listener is established; Serve errors are logged asynchronously.
func (s *Server) Start(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("transport listen: %w", err)
	}

	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.httpSrv = srv
	s.listener = listener

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("transport listening", "addr", addr)
	return nil
}

// Stop gracefully shuts down the HTTP server within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error(), "status": "error"})
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// digestHistory flattens a conversation snapshot into the plain-text
// payload a sleep-time task is seeded with, mirroring chatloop's own
// digest of the turns since the last scheduler handoff.
func digestHistory(messages []llm.Message) string {
	var digest string
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		digest += m.Role + ": " + m.Content + "\n"
	}
	return digest
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sleepAgent := map[string]any{"initialized": s.deps.SchedulerInitialized}
	if s.deps.SchedulerInitialized && s.deps.Scheduler != nil {
		sleepAgent["status"] = s.deps.Scheduler.Status()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":                "ok",
		"timestamp":             nowRFC3339(),
		"streaming_support":     s.deps.StreamingSupport,
		"ai_system_initialized": s.deps.AISystemInitialized,
		"sleep_agent":           sleepAgent,
	})
}

type chatRequest struct {
	Message string `json:"message"`
}

// handleChat is the non-streaming convenience endpoint: it runs RunTurn to
// completion and returns only the final assistant content, discarding
// intermediate thinking/tool_result chunks.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("POST required"))
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	var response string
	for chunk := range s.deps.Loop.RunTurn(r.Context(), s.deps.Conversation, req.Message) {
		switch chunk.Kind {
		case chatloop.TransportContent:
			response += chunk.Content
		case chatloop.TransportError:
			writeError(w, http.StatusBadGateway, errors.New(chunk.Err))
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"response":  response,
		"status":    "success",
		"timestamp": nowRFC3339(),
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"history": s.deps.Conversation.History(),
		"status":  "success",
	})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("POST required"))
		return
	}
	s.deps.Conversation.Clear()
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "message": "conversation cleared"})
}

func (s *Server) handleMemoryCore(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"core_memory": s.deps.Memory.Snapshot(),
		"status":      "success",
	})
}

func (s *Server) handleSleepAgentStatus(w http.ResponseWriter, r *http.Request) {
	if !s.deps.SchedulerInitialized || s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sleep agent is disabled"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  s.deps.Scheduler.Status(),
		"success": true,
	})
}

func (s *Server) handleSleepAgentTrigger(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("POST required"))
		return
	}
	if !s.deps.SchedulerInitialized || s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sleep agent is disabled"))
		return
	}

	history := s.deps.Conversation.History()
	s.deps.Scheduler.Submit(digestHistory(history))

	writeJSON(w, http.StatusOK, map[string]any{
		"context_size": len(history),
		"message":      "memory task enqueued",
	})
}

type setModelRequest struct {
	Model string `json:"model"`
}

func (s *Server) handleSetModel(w http.ResponseWriter, r *http.Request) {
	s.setModel(w, r, func(gw llm.Gateway) { s.deps.Loop.SetGateway(gw) }, s.deps.PrimaryMaxTokens)
}

func (s *Server) handleSetSleepModel(w http.ResponseWriter, r *http.Request) {
	if !s.deps.SchedulerInitialized || s.deps.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("sleep agent is disabled"))
		return
	}
	s.setModel(w, r, s.deps.Scheduler.SetGateway, s.deps.SecondaryMaxTokens)
}

func (s *Server) setModel(w http.ResponseWriter, r *http.Request, apply func(llm.Gateway), maxTokens int) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, errors.New("POST required"))
		return
	}
	var req setModelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}

	gw, err := s.deps.Models.Build(req.Model, llm.Params{MaxTokens: maxTokens})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	apply(gw)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}
