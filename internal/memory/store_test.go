package memory

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sleeptime/nexus/internal/memory/core"
	"github.com/sleeptime/nexus/internal/memory/recall"
	"github.com/sleeptime/nexus/internal/memory/vector"
)

func writeCoreBlockFile(t *testing.T, dir, label, content string, maxChars int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("MkdirAll: %v", err)
	}
	raw, err := json.Marshal(core.Block{Label: label, Content: content, MaxChars: maxChars})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, label+".json"), raw, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

type nopEmbedder struct{}

func (nopEmbedder) Name() string      { return "nop" }
func (nopEmbedder) Dimension() int    { return 2 }
func (nopEmbedder) MaxBatchSize() int { return 10 }
func (nopEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.Contains(strings.ToLower(text), "go") {
		return []float32{1, 0}, nil
	}
	return []float32{0, 1}, nil
}
func (e nopEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, _ := e.Embed(ctx, t)
		out[i] = v
	}
	return out, nil
}

func newTestStore(t *testing.T) *Store {
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

	return &Store{Core: coreStore, Vector: vectorStore, Recall: recallLog}
}

func TestMemorySearchReportsNoResultsWhenBothDomainsEmpty(t *testing.T) {
	s := newTestStore(t)
	report, err := s.MemorySearch(context.Background(), "nothing indexed yet", 0, 2, "")
	if err != nil {
		t.Fatalf("MemorySearch: %v", err)
	}
	if !strings.Contains(report, "No results") {
		t.Fatalf("expected a no-results summary, got %q", report)
	}
}

func TestMemorySearchExcludesVectorSectionOnVectSubstring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Vector.Edit("go_notes", "Go is great.", ""); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	if err := s.Recall.Append(ctx, []recall.Message{{Role: "user", Content: "remember Go"}}, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	report, err := s.MemorySearch(ctx, "Go", 0, 2, "no vectors please")
	if err != nil {
		t.Fatalf("MemorySearch: %v", err)
	}
	if strings.Contains(report, "[Vector memory]") {
		t.Fatalf("expected vector section suppressed, got %q", report)
	}
	if !strings.Contains(report, "[Recall log]") {
		t.Fatalf("expected recall section present, got %q", report)
	}
}

func TestMemorySearchExcludesRecallSectionOnRecOrConvSubstring(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Recall.Append(ctx, []recall.Message{{Role: "user", Content: "remember Go"}}, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	report, err := s.MemorySearch(ctx, "Go", 0, 2, "skip conversation history")
	if err != nil {
		t.Fatalf("MemorySearch: %v", err)
	}
	if strings.Contains(report, "[Recall log]") {
		t.Fatalf("expected recall section suppressed, got %q", report)
	}
	if !strings.Contains(report, "[Vector memory]") {
		t.Fatalf("expected vector section present, got %q", report)
	}
}

func TestSnapshotIncludesVectorBlockCountAndCoreContent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Vector.Edit("topics", "Go, Rust", ""); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	snap := s.Snapshot()
	if !strings.Contains(snap, "Vector memory blocks (1): topics") {
		t.Fatalf("expected vector block count in header, got %q", snap)
	}
}

// TestSnapshotMetadataHeaderAndCorePersonaBlock matches scenario S1: one core
// block persona with content "I am Yumeko." and one vector block facts.
func TestSnapshotMetadataHeaderAndCorePersonaBlock(t *testing.T) {
	dir := t.TempDir()
	writeCoreBlockFile(t, filepath.Join(dir, "core"), "persona", "I am Yumeko.", 5000)

	coreStore, err := core.Open(filepath.Join(dir, "core"))
	if err != nil {
		t.Fatalf("core.Open: %v", err)
	}
	vectorStore, err := vector.Open(filepath.Join(dir, "vector"), filepath.Join(dir, "cache.json"), nopEmbedder{})
	if err != nil {
		t.Fatalf("vector.Open: %v", err)
	}
	if err := vectorStore.Edit("facts", "some fact", ""); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	recallLog, err := recall.Open(filepath.Join(dir, "recall.db"))
	if err != nil {
		t.Fatalf("recall.Open: %v", err)
	}
	t.Cleanup(func() { recallLog.Close() })

	s := &Store{Core: coreStore, Vector: vectorStore, Recall: recallLog}
	snap := s.Snapshot()

	if !strings.HasPrefix(snap, "<memory_metadata>") {
		t.Fatalf("expected snapshot to begin with <memory_metadata>, got %q", snap)
	}
	if !strings.Contains(snap, "1 total memories") {
		t.Fatalf("expected total memories count, got %q", snap)
	}
	if !strings.Contains(snap, "<persona>") || !strings.Contains(snap, "I am Yumeko.") || !strings.Contains(snap, "</persona>") {
		t.Fatalf("expected persona block rendered in full, got %q", snap)
	}
}
