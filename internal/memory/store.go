// Package memory wires core memory, vector memory, and the recall log into
// the unified memory_store the chat loop and sleep-time agent share.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sleeptime/nexus/internal/memory/core"
	"github.com/sleeptime/nexus/internal/memory/recall"
	"github.com/sleeptime/nexus/internal/memory/vector"
)

// Store is the memory_store of the spec: the combination that every chat
// turn's system prompt and every memory_search tool call reads from.
type Store struct {
	Core   *core.Store
	Vector *vector.Store
	Recall *recall.Log
}

// SearchDefaults bounds vector_search and conversation_search parameters
// when a tool call omits them.
type SearchDefaults struct {
	VectorTopN     int
	VectorThresh   float64
	RecallLimit    int
	RecallNeighbor int
}

// DefaultSearchDefaults matches the values named in the memory store's
// public operations.
var DefaultSearchDefaults = SearchDefaults{
	VectorTopN:     2,
	VectorThresh:   0.4,
	RecallLimit:    1,
	RecallNeighbor: 0,
}

// Snapshot renders the structured textual view concatenated with the
// system prompt on every chat turn: a `<memory_metadata>` header (current
// UTC time, newest last_updated across core blocks, the total core-memory
// count, and vector-block count and list) followed by the core-block
// sections. The total count in the header tracks core blocks only — vector
// memory is reported separately in the same header and in full by
// vector_search.
func (s *Store) Snapshot() string {
	now := time.Now().UTC()
	newest := s.Core.NewestUpdate()

	coreLabels := s.Core.Labels()
	vectorLabels := s.Vector.Labels()

	var sb strings.Builder
	sb.WriteString("<memory_metadata>\n")
	fmt.Fprintf(&sb, "Current time: %s\n", now.Format(time.RFC3339))
	if newest.IsZero() {
		fmt.Fprintf(&sb, "Core memory last updated: never\n")
	} else {
		fmt.Fprintf(&sb, "Core memory last updated: %s\n", newest.Format(time.RFC3339))
	}
	fmt.Fprintf(&sb, "%d total memories\n", len(coreLabels))
	fmt.Fprintf(&sb, "Vector memory blocks (%d): %s\n", len(vectorLabels), strings.Join(vectorLabels, ", "))
	sb.WriteString("</memory_metadata>\n\n")
	sb.WriteString(s.Core.Snapshot())
	return sb.String()
}

// VectorSearch runs the vector_search operation described for the memory
// store.
func (s *Store) VectorSearch(ctx context.Context, query string, topN int, threshold float64) ([]vector.Result, error) {
	return s.Vector.Search(ctx, query, topN, threshold)
}

// ConversationSearch runs the recall log's conversation_search operation.
func (s *Store) ConversationSearch(ctx context.Context, query string, nNeighbors, limit int) ([][]recall.Message, []int64, error) {
	return s.Recall.ConversationSearch(ctx, query, nNeighbors, limit)
}

// MemorySearch implements the unified memory_search report: a summary
// line, a vector section (omitted if excluded or empty), and a recall
// section (omitted if excluded or empty). exclude is checked for the
// substrings "vect" (suppresses vector) and "rec"/"conv" (suppresses
// recall).
func (s *Store) MemorySearch(ctx context.Context, query string, nNeighbors, topN int, exclude string) (string, error) {
	lowerExclude := strings.ToLower(exclude)
	wantVector := !strings.Contains(lowerExclude, "vect")
	wantRecall := !strings.Contains(lowerExclude, "rec") && !strings.Contains(lowerExclude, "conv")

	var vectorResults []vector.Result
	var recallWindows [][]recall.Message
	var err error

	if wantVector {
		threshold := DefaultSearchDefaults.VectorThresh
		n := topN
		if n < 0 {
			n = DefaultSearchDefaults.VectorTopN
		}
		vectorResults, err = s.Vector.Search(ctx, query, n, threshold)
		if err != nil {
			return "", err
		}
	}
	if wantRecall {
		recallWindows, _, err = s.Recall.ConversationSearch(ctx, query, nNeighbors, DefaultSearchDefaults.RecallLimit)
		if err != nil {
			return "", err
		}
	}

	if wantVector && wantRecall && len(vectorResults) == 0 && len(recallWindows) == 0 {
		return fmt.Sprintf("No results for %q.", query), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Search results for %q:\n", query)

	if wantVector {
		sb.WriteString("\n[Vector memory]\n")
		if len(vectorResults) == 0 {
			sb.WriteString("No vector memory matches.\n")
		} else {
			for _, r := range vectorResults {
				fmt.Fprintf(&sb, "- %s (score %.5f): %s\n", r.Label, r.Score, r.Content)
			}
		}
	}

	if wantRecall {
		sb.WriteString("\n[Recall log]\n")
		if len(recallWindows) == 0 {
			sb.WriteString("No recall log matches.\n")
		} else {
			for _, window := range recallWindows {
				ids := make([]string, 0, len(window))
				for _, m := range window {
					ids = append(ids, fmt.Sprintf("%d", m.ID))
				}
				fmt.Fprintf(&sb, "- match window [%s]:\n", strings.Join(ids, ","))
				for _, m := range window {
					fmt.Fprintf(&sb, "    %s\n", m.String())
				}
			}
		}
	}

	return sb.String(), nil
}

// SortedCoreLabels is a small convenience used by the sleep-time agent's
// tool descriptors to list valid core memory labels for a caller.
func (s *Store) SortedCoreLabels() []string {
	labels := s.Core.Labels()
	sort.Strings(labels)
	return labels
}
