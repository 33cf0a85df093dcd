package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sleeptime/nexus/internal/chatloop"
	"github.com/sleeptime/nexus/internal/llm"
	"github.com/sleeptime/nexus/internal/memory"
	"github.com/sleeptime/nexus/internal/memory/core"
	"github.com/sleeptime/nexus/internal/memory/recall"
	"github.com/sleeptime/nexus/internal/memory/vector"
	"github.com/sleeptime/nexus/internal/sleeptime"
	"github.com/sleeptime/nexus/internal/tools"
)

type echoGateway struct{ calls int }

func (g *echoGateway) Query(ctx context.Context, messages []llm.Message) (<-chan llm.Chunk, error) {
	g.calls++
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Kind: llm.ChunkContent, Content: "ok"}
	close(ch)
	return ch, nil
}
func (g *echoGateway) Name() string        { return "echo" }
func (g *echoGateway) SupportsTools() bool { return true }

type stubScheduler struct {
	status      sleeptime.Status
	submissions []string
	gateway     llm.Gateway
}

func (s *stubScheduler) Status() sleeptime.Status  { return s.status }
func (s *stubScheduler) Submit(payload string)     { s.submissions = append(s.submissions, payload) }
func (s *stubScheduler) SetGateway(gw llm.Gateway) { s.gateway = gw }

type nopEmbedder struct{}

func (nopEmbedder) Name() string      { return "nop" }
func (nopEmbedder) Dimension() int    { return 1 }
func (nopEmbedder) MaxBatchSize() int { return 1 }
func (nopEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{0}, nil
}
func (e nopEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{0}
	}
	return out, nil
}

func newTestStore(t *testing.T) *memory.Store {
	t.Helper()
	dir := t.TempDir()

	coreStore, err := core.Open(filepath.Join(dir, "core"))
	if err != nil {
		t.Fatalf("core.Open: %v", err)
	}
	vectorStore, err := vector.Open(filepath.Join(dir, "vector"), filepath.Join(dir, "cache.json"), nopEmbedder{})
	if err != nil {
		t.Fatalf("vector.Open: %v", err)
	}
	recallLog, err := recall.Open(filepath.Join(dir, "recall.db"))
	if err != nil {
		t.Fatalf("recall.Open: %v", err)
	}
	t.Cleanup(func() { recallLog.Close() })

	return &memory.Store{Core: coreStore, Vector: vectorStore, Recall: recallLog}
}

type nopForegroundScheduler struct{}

func (nopForegroundScheduler) NotifyForegroundStart() {}
func (nopForegroundScheduler) NotifyForegroundEnd()   {}
func (nopForegroundScheduler) Submit(string)          {}

func newTestServer(t *testing.T) (*Server, *stubScheduler, *echoGateway) {
	t.Helper()
	store := newTestStore(t)
	gw := &echoGateway{}
	sched := &stubScheduler{status: sleeptime.Status{State: sleeptime.StateIdle}}

	loop := &chatloop.Loop{
		Gateway:      gw,
		Registry:     tools.NewRegistry(),
		Memory:       store,
		Scheduler:    nopForegroundScheduler{},
		SystemPrompt: "assistant",
		MaxTokens:    10000,
		SleepTrigger: 1000,
	}

	deps := Deps{
		Loop:                 loop,
		Conversation:         chatloop.NewConversation(),
		Memory:               store,
		Scheduler:            sched,
		Models:               llm.NewRegistry(),
		StreamingSupport:     true,
		AISystemInitialized:  true,
		SchedulerInitialized: true,
	}
	return New(deps), sched, gw
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthReportsSchedulerStatus(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doJSON(t, srv.routes(), http.MethodGet, "/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["streaming_support"] != true || body["ai_system_initialized"] != true {
		t.Fatalf("unexpected flags: %v", body)
	}
	sleepAgent, ok := body["sleep_agent"].(map[string]any)
	if !ok || sleepAgent["initialized"] != true {
		t.Fatalf("expected sleep_agent.initialized = true, got %v", body["sleep_agent"])
	}
}

func TestChatRunsTurnAndReturnsFinalContent(t *testing.T) {
	srv, _, gw := newTestServer(t)
	rec := doJSON(t, srv.routes(), http.MethodPost, "/chat", map[string]string{"message": "hi"})

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["response"] != "ok" || body["status"] != "success" {
		t.Fatalf("unexpected body: %v", body)
	}
	if gw.calls != 1 {
		t.Fatalf("expected exactly one model query, got %d", gw.calls)
	}
}

func TestClearEmptiesHistory(t *testing.T) {
	srv, _, _ := newTestServer(t)
	doJSON(t, srv.routes(), http.MethodPost, "/chat", map[string]string{"message": "hi"})

	rec := doJSON(t, srv.routes(), http.MethodGet, "/history", nil)
	var before map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &before)
	if history, _ := before["history"].([]any); len(history) == 0 {
		t.Fatalf("expected non-empty history before clear")
	}

	doJSON(t, srv.routes(), http.MethodPost, "/clear", nil)

	rec = doJSON(t, srv.routes(), http.MethodGet, "/history", nil)
	var after map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &after)
	history, _ := after["history"].([]any)
	if len(history) != 0 {
		t.Fatalf("expected empty history after clear, got %v", history)
	}
}

func TestSleepAgentTriggerSubmitsTask(t *testing.T) {
	srv, sched, _ := newTestServer(t)
	doJSON(t, srv.routes(), http.MethodPost, "/chat", map[string]string{"message": "remember this"})

	rec := doJSON(t, srv.routes(), http.MethodPost, "/sleep_agent/trigger", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(sched.submissions) != 1 {
		t.Fatalf("expected exactly one submitted task, got %d", len(sched.submissions))
	}

	var body map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &body)
	if size, ok := body["context_size"].(float64); !ok || size < 1 {
		t.Fatalf("expected a positive context_size, got %v", body["context_size"])
	}
}

func TestSleepAgentStatusReflectsScheduler(t *testing.T) {
	srv, sched, _ := newTestServer(t)
	sched.status = sleeptime.Status{State: sleeptime.StatePaused, QueueSize: 3}

	rec := doJSON(t, srv.routes(), http.MethodGet, "/sleep_agent/status", nil)
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	status, ok := body["status"].(map[string]any)
	if !ok || status["state"] != "paused" || status["queue_size"] != float64(3) {
		t.Fatalf("unexpected status: %v", body)
	}
}

func TestSetModelSwapsLoopGateway(t *testing.T) {
	srv, _, gw := newTestServer(t)
	srv.deps.Models.Register("echo", func(model string, params llm.Params) (llm.Gateway, error) {
		return &echoGateway{}, nil
	})

	rec := doJSON(t, srv.routes(), http.MethodPost, "/set_model", map[string]string{"model": "echo/v2"})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if srv.deps.Loop.Gateway == nil || srv.deps.Loop.Gateway == gw {
		t.Fatalf("expected loop gateway to be replaced by the one built for echo/v2")
	}
}
