package recall

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	path := filepath.Join(t.TempDir(), "recall.db")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()

	if err := l.Append(ctx, []Message{{Role: "user", Content: "hello"}}, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(ctx, []Message{{Role: "assistant", Content: "hi there"}}, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	first, ok, err := l.Get(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("Get(1): ok=%v err=%v", ok, err)
	}
	if first.Content != "hello" {
		t.Fatalf("got %q", first.Content)
	}
	second, ok, err := l.Get(ctx, 2)
	if err != nil || !ok {
		t.Fatalf("Get(2): ok=%v err=%v", ok, err)
	}
	if second.Content != "hi there" {
		t.Fatalf("got %q", second.Content)
	}
}

func TestConversationSearchFindsSubstringMatch(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	if err := l.Append(ctx, []Message{
		{Role: "user", Content: "what is the capital of France"},
		{Role: "assistant", Content: "Paris is the capital of France"},
		{Role: "user", Content: "thanks"},
	}, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	windows, ids, err := l.ConversationSearch(ctx, "Paris", 0, 1)
	if err != nil {
		t.Fatalf("ConversationSearch: %v", err)
	}
	if len(ids) != 1 || ids[0] != 2 {
		t.Fatalf("expected match id 2, got %v", ids)
	}
	if len(windows) != 1 || len(windows[0]) != 1 || windows[0][0].ID != 2 {
		t.Fatalf("expected a single-row window, got %+v", windows)
	}
}

func TestConversationSearchExpandsNeighborWindow(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := l.Append(ctx, []Message{{Role: "user", Content: "turn"}}, ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	// This becomes id 6, a distinctive marker to search for.
	if err := l.Append(ctx, []Message{{Role: "user", Content: "marker-needle"}}, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := l.Append(ctx, []Message{{Role: "user", Content: "turn"}}, ""); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	windows, ids, err := l.ConversationSearch(ctx, "marker-needle", 4, 1)
	if err != nil {
		t.Fatalf("ConversationSearch: %v", err)
	}
	if len(ids) != 1 {
		t.Fatalf("expected one match, got %v", ids)
	}
	m := ids[0]
	wantLo := m - 2 // before = n - after = 4 - 2 = 2
	wantHi := m + 2 // after = floor(4/2) = 2
	window := windows[0]
	if window[0].ID != wantLo || window[len(window)-1].ID != wantHi {
		t.Fatalf("expected window [%d,%d], got first=%d last=%d", wantLo, wantHi, window[0].ID, window[len(window)-1].ID)
	}
}

func TestConversationSearchWindowClampsAtOne(t *testing.T) {
	l := openTestLog(t)
	ctx := context.Background()
	if err := l.Append(ctx, []Message{{Role: "user", Content: "only-match-here"}}, ""); err != nil {
		t.Fatalf("Append: %v", err)
	}

	windows, _, err := l.ConversationSearch(ctx, "only-match-here", 10, 1)
	if err != nil {
		t.Fatalf("ConversationSearch: %v", err)
	}
	if windows[0][0].ID != 1 {
		t.Fatalf("expected window to clamp at id 1, got %d", windows[0][0].ID)
	}
}
