package sleeptime

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/sleeptime/nexus/internal/llm"
	"github.com/sleeptime/nexus/internal/memory"
	"github.com/sleeptime/nexus/internal/memory/core"
	"github.com/sleeptime/nexus/internal/memory/recall"
	"github.com/sleeptime/nexus/internal/memory/vector"
	"github.com/sleeptime/nexus/internal/tools"
)

type nopEmbedder struct{}

func (nopEmbedder) Name() string      { return "nop" }
func (nopEmbedder) Dimension() int    { return 1 }
func (nopEmbedder) MaxBatchSize() int { return 1 }
func (nopEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1}, nil
}
func (e nopEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1}
	}
	return out, nil
}

func newTestMemory(t *testing.T) *memory.Store {
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

// finishGateway always immediately calls finish_edits, so process() and the
// main loop converge in one iteration.
type finishGateway struct{}

func (finishGateway) Query(ctx context.Context, messages []llm.Message) (<-chan llm.Chunk, error) {
	ch := make(chan llm.Chunk, 1)
	ch <- llm.Chunk{Kind: llm.ChunkToolCall, ToolCall: &llm.ToolCall{ID: "1", Name: finishEditsTool, Arguments: []byte(`{}`)}}
	close(ch)
	return ch, nil
}
func (finishGateway) Name() string        { return "finish" }
func (finishGateway) SupportsTools() bool { return true }

func newTestScheduler(t *testing.T, now func() time.Time) (*Scheduler, *memory.Store) {
	t.Helper()
	store := newTestMemory(t)
	registry := tools.NewRegistry()
	if err := RegisterMemoryTools(registry, store); err != nil {
		t.Fatalf("RegisterMemoryTools: %v", err)
	}

	cfg := Config{
		MinSleepInterval:    10 * time.Millisecond,
		MaxSleepInterval:    50 * time.Millisecond,
		PauseDelayAfterMain: 20 * time.Millisecond,
		SystemPrompt:        "curate memory",
		MaxContextTokens:    100000,
	}
	sched, err := NewScheduler(cfg, store, finishGateway{}, registry, WithNow(now))
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	return sched, store
}

func TestNewSchedulerRejectsMissingDependencies(t *testing.T) {
	store := newTestMemory(t)
	registry := tools.NewRegistry()
	validCfg := Config{MinSleepInterval: time.Second, MaxSleepInterval: time.Minute}

	if _, err := NewScheduler(validCfg, nil, finishGateway{}, registry); err == nil {
		t.Fatalf("expected an error for a nil memory store")
	}
	if _, err := NewScheduler(validCfg, store, nil, registry); err == nil {
		t.Fatalf("expected an error for a nil gateway")
	}
	if _, err := NewScheduler(validCfg, store, finishGateway{}, nil); err == nil {
		t.Fatalf("expected an error for a nil registry")
	}
	badCfg := Config{MinSleepInterval: time.Minute, MaxSleepInterval: time.Second}
	if _, err := NewScheduler(badCfg, store, finishGateway{}, registry); err == nil {
		t.Fatalf("expected an error for an inverted sleep interval range")
	}
}

func TestSchedulerProcessesSubmittedTaskThenGoesIdle(t *testing.T) {
	sched, _ := newTestScheduler(t, time.Now)
	sched.Start()
	defer sched.Stop(time.Second)

	sched.Submit("curate this conversation")

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		status := sched.Status()
		if status.QueueSize == 0 && status.State == StateIdle {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected the submitted task to drain and the scheduler to return to idle, got %+v", sched.Status())
}

func TestSchedulerPausesWhileForegroundActive(t *testing.T) {
	sched, _ := newTestScheduler(t, time.Now)
	sched.Start()
	defer sched.Stop(time.Second)

	sched.NotifyForegroundStart()
	sched.Submit("should wait")

	deadline := time.Now().Add(300 * time.Millisecond)
	for time.Now().Before(deadline) {
		if sched.Status().State == StatePaused {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if sched.Status().State != StatePaused {
		t.Fatalf("expected the scheduler to pause while the foreground is active, got %+v", sched.Status())
	}
	if sched.Status().QueueSize != 1 {
		t.Fatalf("expected the queued task to remain untouched while paused, got %+v", sched.Status())
	}

	sched.NotifyForegroundEnd()
}

func TestSchedulerStopDrainsQueueWithoutProcessing(t *testing.T) {
	sched, _ := newTestScheduler(t, time.Now)
	sched.NotifyForegroundStart() // keep the (not-yet-started) loop from ever running a task
	sched.Submit("never processed")
	sched.Stop(time.Second)

	status := sched.Status()
	if status.State != StateShutdown {
		t.Fatalf("expected shutdown state, got %v", status.State)
	}
	if status.QueueSize != 0 {
		t.Fatalf("expected Stop to drain the queue, got size %d", status.QueueSize)
	}
}

func TestNextSleepIntervalBacksOffUpToMax(t *testing.T) {
	sched, _ := newTestScheduler(t, time.Now)

	first := sched.nextSleepInterval()
	second := sched.nextSleepInterval()
	if second <= first {
		t.Fatalf("expected backoff to grow, got first=%v second=%v", first, second)
	}

	var last time.Duration
	for i := 0; i < 20; i++ {
		last = sched.nextSleepInterval()
	}
	if last > sched.maxSleepInterval {
		t.Fatalf("expected backoff to cap at MaxSleepInterval %v, got %v", sched.maxSleepInterval, last)
	}
}
