package core

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatchLabelsPicksUpNewlyAddedLabelFile(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.Labels()) != 0 {
		t.Fatalf("expected no labels initially, got %v", s.Labels())
	}

	stop := make(chan struct{})
	defer close(stop)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if err := s.WatchLabels(logger, stop); err != nil {
		t.Fatalf("WatchLabels: %v", err)
	}

	raw := `{"label":"persona","description":"d","content":"hi","max_chars":5000}`
	if err := os.WriteFile(filepath.Join(dir, "persona.json"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write new label file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := s.Get("persona"); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected persona label to be picked up by the watcher")
}
