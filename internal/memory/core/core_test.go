package core

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

func writeBlockFile(t *testing.T, dir, label, content string, maxChars int) {
	t.Helper()
	raw := `{"label":"` + label + `","description":"d","content":"` + content + `","max_chars":` + strconv.Itoa(maxChars) + `}`
	if err := os.WriteFile(filepath.Join(dir, label+".json"), []byte(raw), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
}

func TestOpenEnumeratesLabelsFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writeBlockFile(t, dir, "persona", "I am an assistant.", 5000)
	writeBlockFile(t, dir, "human", "The user is named Sam.", 5000)

	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	labels := s.Labels()
	if len(labels) != 2 || labels[0] != "human" || labels[1] != "persona" {
		t.Fatalf("got labels %v", labels)
	}
}

func TestEditUnknownLabelFails(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Edit("missing", "x", ""); err == nil {
		t.Fatal("expected an error for an unknown label")
	}
}

func TestEditAppendsWithSingleSpaceWhenOldTextEmpty(t *testing.T) {
	dir := t.TempDir()
	writeBlockFile(t, dir, "persona", "I am an assistant.", 5000)
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Edit("persona", "I like Go.", ""); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	b, _ := s.Get("persona")
	if b.Content != "I am an assistant. I like Go." {
		t.Fatalf("got content %q", b.Content)
	}
}

func TestEditReplacesAllOccurrencesOfOldText(t *testing.T) {
	dir := t.TempDir()
	writeBlockFile(t, dir, "persona", "cat cat dog", 5000)
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Edit("persona", "fish", "cat"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	b, _ := s.Get("persona")
	if b.Content != "fish fish dog" {
		t.Fatalf("got content %q", b.Content)
	}
}

func TestEditRejectsContentExceedingMaxCharsWithoutWriting(t *testing.T) {
	dir := t.TempDir()
	writeBlockFile(t, dir, "persona", "short", 10)
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Edit("persona", "way too much text to fit", ""); err == nil {
		t.Fatal("expected a max_chars violation error")
	}
	b, _ := s.Get("persona")
	if b.Content != "short" {
		t.Fatalf("expected content untouched, got %q", b.Content)
	}
}

func TestEditStampsLastUpdatedInUTC(t *testing.T) {
	dir := t.TempDir()
	writeBlockFile(t, dir, "persona", "hi", 5000)
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Edit("persona", "there", ""); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	b, _ := s.Get("persona")
	if b.LastUpdated.Location().String() != "UTC" {
		t.Fatalf("expected UTC location, got %v", b.LastUpdated.Location())
	}
}

func TestSnapshotContainsEveryBlockInLabelOrder(t *testing.T) {
	dir := t.TempDir()
	writeBlockFile(t, dir, "zeta", "z content", 5000)
	writeBlockFile(t, dir, "alpha", "a content", 5000)
	s, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	snap := s.Snapshot()
	if strings.Index(snap, "alpha") > strings.Index(snap, "zeta") {
		t.Fatalf("expected alpha before zeta in snapshot, got:\n%s", snap)
	}
	if !strings.Contains(snap, "a content") || !strings.Contains(snap, "z content") {
		t.Fatalf("expected both block contents present, got:\n%s", snap)
	}
}
