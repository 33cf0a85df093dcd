package sleeptime

import (
	"context"
	"testing"

	"github.com/sleeptime/nexus/internal/memory/vector"
	"github.com/sleeptime/nexus/internal/tools"
)

func TestVectorSearchToolWithExplicitTopNZeroReturnsEmpty(t *testing.T) {
	store := newTestMemory(t)
	if err := store.Vector.Edit("notes", "some content", ""); err != nil {
		t.Fatalf("Vector.Edit: %v", err)
	}

	registry := tools.NewRegistry()
	if err := RegisterMemoryTools(registry, store); err != nil {
		t.Fatalf("RegisterMemoryTools: %v", err)
	}

	result := registry.Execute(context.Background(), tools.Call{
		Name:      "vector_search",
		Arguments: `{"query":"notes","top_n":0}`,
	})
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Err)
	}
	results, ok := result.Value.([]vector.Result)
	if !ok {
		t.Fatalf("expected []vector.Result, got %T", result.Value)
	}
	if len(results) != 0 {
		t.Fatalf("expected top_n=0 to return no results, got %+v", results)
	}
}

func TestVectorSearchToolWithOmittedTopNFallsBackToDefault(t *testing.T) {
	store := newTestMemory(t)
	if err := store.Vector.Edit("notes", "some content", ""); err != nil {
		t.Fatalf("Vector.Edit: %v", err)
	}

	registry := tools.NewRegistry()
	if err := RegisterMemoryTools(registry, store); err != nil {
		t.Fatalf("RegisterMemoryTools: %v", err)
	}

	result := registry.Execute(context.Background(), tools.Call{
		Name:      "vector_search",
		Arguments: `{"query":"notes"}`,
	})
	if !result.Success {
		t.Fatalf("expected success, got error %q", result.Err)
	}
	results, ok := result.Value.([]vector.Result)
	if !ok {
		t.Fatalf("expected []vector.Result, got %T", result.Value)
	}
	if len(results) != 1 || results[0].Label != "notes" {
		t.Fatalf("expected the notes block with default top_n, got %+v", results)
	}
}
