package sleeptime

import (
	"context"
	"fmt"

	"github.com/sleeptime/nexus/internal/memory"
	"github.com/sleeptime/nexus/internal/tools"
)

// VectorSearchParams are the arguments to the vector_search tool.
type VectorSearchParams struct {
	// Query is the text to search vector memory for.
	Query string `json:"query"`
	// TopN caps the number of results returned. Defaults to 2 when omitted;
	// an explicit 0 returns no results.
	TopN *int `json:"top_n" default:"2"`
	// Threshold drops results scoring below it. Defaults to 0.4 when zero.
	Threshold float64 `json:"threshold" default:"0.4"`
}

// VectorMemoryEditParams are the arguments to the vector_memory_edit tool.
type VectorMemoryEditParams struct {
	// Label names the vector memory block to edit, created if missing.
	Label string `json:"label"`
	// NewText is appended, or replaces every occurrence of OldText.
	NewText string `json:"new_text"`
	// OldText, if non-empty and present in the block, is replaced wholesale.
	OldText string `json:"old_text" default:""`
}

// CoreMemoryEditParams are the arguments to the core_memory_edit tool.
type CoreMemoryEditParams struct {
	// Label names an existing core memory block; editing an unknown label fails.
	Label string `json:"label"`
	// NewText is appended, or replaces every occurrence of OldText.
	NewText string `json:"new_text"`
	// OldText, if non-empty and present in the block, is replaced wholesale.
	OldText string `json:"old_text" default:""`
}

// FinishEditsParams is the empty parameter set for the finish_edits sentinel.
type FinishEditsParams struct{}

// RegisterMemoryTools binds the sleep-time agent's tool set
// (vector_search, vector_memory_edit, core_memory_edit, finish_edits) onto
// registry against store. Call once per registry before constructing a
// Scheduler with it.
func RegisterMemoryTools(registry *tools.Registry, store *memory.Store) error {
	if err := registry.Register("vector_search", func(ctx context.Context, params any) (any, error) {
		p := params.(*VectorSearchParams)
		topN := -1
		if p.TopN != nil {
			topN = *p.TopN
		}
		threshold := p.Threshold
		if threshold <= 0 {
			threshold = memory.DefaultSearchDefaults.VectorThresh
		}
		return store.VectorSearch(ctx, p.Query, topN, threshold)
	}, &VectorSearchParams{}, "Searches vector memory for content relevant to query, returning up to top_n scored matches."); err != nil {
		return err
	}

	if err := registry.Register("vector_memory_edit", func(ctx context.Context, params any) (any, error) {
		p := params.(*VectorMemoryEditParams)
		if err := store.Vector.Edit(p.Label, p.NewText, p.OldText); err != nil {
			return nil, err
		}
		return fmt.Sprintf("vector memory block %q updated", p.Label), nil
	}, &VectorMemoryEditParams{}, "Edits a vector memory block by label, creating it if it does not already exist."); err != nil {
		return err
	}

	if err := registry.Register("core_memory_edit", func(ctx context.Context, params any) (any, error) {
		p := params.(*CoreMemoryEditParams)
		if err := store.Core.Edit(p.Label, p.NewText, p.OldText); err != nil {
			return nil, err
		}
		return fmt.Sprintf("core memory block %q updated", p.Label), nil
	}, &CoreMemoryEditParams{}, "Edits an existing core memory block by label. Valid labels: "+labelHint(store)+"."); err != nil {
		return err
	}

	if err := registry.Register(finishEditsTool, func(ctx context.Context, params any) (any, error) {
		return "edits finished", nil
	}, &FinishEditsParams{}, "Call when you are finished integrating new information into the memory blocks for this task."); err != nil {
		return err
	}

	return nil
}

func labelHint(store *memory.Store) string {
	labels := store.SortedCoreLabels()
	if len(labels) == 0 {
		return "(none yet)"
	}
	hint := labels[0]
	for _, l := range labels[1:] {
		hint += ", " + l
	}
	return hint
}
