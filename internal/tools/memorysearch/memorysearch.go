// Package memorysearch registers the foreground chat loop's read-only
// memory_search tool: the unified report over vector memory and the recall
// log that the primary model, not the sleep-time agent, calls during
// ordinary conversation turns.
package memorysearch

import (
	"context"

	"github.com/sleeptime/nexus/internal/memory"
	"github.com/sleeptime/nexus/internal/tools"
)

// Params are the arguments to the memory_search tool.
type Params struct {
	// Query is the text to search vector memory and the recall log for.
	Query string `json:"query"`
	// NNeighbors expands each recall log match by this many turns on either
	// side. Defaults to 0 when zero.
	NNeighbors int `json:"n_neighbors" default:"0"`
	// TopN caps the number of vector memory matches returned. Defaults to 2
	// when omitted; an explicit 0 returns no vector memory matches.
	TopN *int `json:"top_n" default:"2"`
	// Exclude, when it contains "vect", suppresses the vector memory
	// section; when it contains "rec" or "conv", suppresses the recall log
	// section. Empty runs both.
	Exclude string `json:"exclude" default:""`
}

// Register binds memory_search onto registry against store.
func Register(registry *tools.Registry, store *memory.Store) error {
	return registry.Register("memory_search", func(ctx context.Context, params any) (any, error) {
		p := params.(*Params)
		topN := -1
		if p.TopN != nil {
			topN = *p.TopN
		}
		return store.MemorySearch(ctx, p.Query, p.NNeighbors, topN, p.Exclude)
	}, &Params{}, "Searches vector memory and the recall log for content relevant to query and returns a combined report. Read-only: does not modify memory.")
}
