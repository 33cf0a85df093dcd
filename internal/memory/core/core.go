// Package core implements core memory: a small set of named blocks, enumerated
// once at startup, that are concatenated into every chat turn's system prompt.
package core

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	nexuserrors "github.com/sleeptime/nexus/internal/errors"
)

// DefaultMaxChars is the block size ceiling used when a block file does not
// set max_chars.
const DefaultMaxChars = 5000

// Block is a single labeled core memory entry.
type Block struct {
	Label       string    `json:"label"`
	Description string    `json:"description"`
	Content     string    `json:"content"`
	LastUpdated time.Time `json:"last_updated"`
	MaxChars    int       `json:"max_chars"`
}

// CurrentChars returns the block's content length in runes.
func (b *Block) CurrentChars() int {
	return utf8.RuneCountInString(b.Content)
}

// Store holds the set of core memory blocks enumerated from a directory at
// startup. New labels cannot be introduced through Edit; adding a label is an
// administrative act performed by dropping a new file in dir and restarting.
type Store struct {
	dir string

	mu     sync.RWMutex
	blocks map[string]*Block

	labelMu sync.Map // label -> *sync.Mutex, serializes writers per label
}

// Open enumerates every "<label>.json" file under dir as a core block. dir is
// created if it does not exist yet (an empty core memory is valid).
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nexuserrors.Newf(nexuserrors.Storage, "core.Open", "create core memory directory: %w", err)
	}

	s := &Store{dir: dir, blocks: make(map[string]*Block)}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nexuserrors.Newf(nexuserrors.Storage, "core.Open", "read core memory directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, nexuserrors.Newf(nexuserrors.Storage, "core.Open", "read core block %s: %w", path, err)
		}
		var block Block
		if err := json.Unmarshal(raw, &block); err != nil {
			return nil, nexuserrors.Newf(nexuserrors.Storage, "core.Open", "decode core block %s: %w", path, err)
		}
		if block.Label == "" {
			block.Label = strings.TrimSuffix(entry.Name(), ".json")
		}
		if block.MaxChars == 0 {
			block.MaxChars = DefaultMaxChars
		}
		s.blocks[block.Label] = &block
	}
	return s, nil
}

// Labels returns the enumerated labels in ascending order.
func (s *Store) Labels() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	labels := make([]string, 0, len(s.blocks))
	for label := range s.blocks {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	return labels
}

// Get returns a copy of the named block.
func (s *Store) Get(label string) (Block, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blocks[label]
	if !ok {
		return Block{}, false
	}
	return *b, true
}

func (s *Store) labelLock(label string) *sync.Mutex {
	v, _ := s.labelMu.LoadOrStore(label, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Edit applies the core memory edit operation described for a label:
// replace all occurrences of oldText with newText if oldText is non-empty
// and present; otherwise append newText separated by a single space. The
// edit is rejected, leaving the block untouched, if the label is unknown or
// the result would exceed MaxChars.
func (s *Store) Edit(label, newText, oldText string) error {
	lock := s.labelLock(label)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	existing, ok := s.blocks[label]
	s.mu.RUnlock()
	if !ok {
		return nexuserrors.Newf(nexuserrors.Storage, "core.Edit", "core memory label %q does not exist", label)
	}

	updated := *existing
	if oldText != "" && strings.Contains(updated.Content, oldText) {
		updated.Content = strings.ReplaceAll(updated.Content, oldText, newText)
	} else {
		updated.Content = appendWithSpace(updated.Content, newText)
	}

	if updated.CurrentChars() > updated.MaxChars {
		return nexuserrors.Newf(nexuserrors.Storage, "core.Edit", "edit to %q would exceed max_chars (%d > %d)", label, updated.CurrentChars(), updated.MaxChars)
	}
	updated.LastUpdated = time.Now().UTC()

	if err := s.write(&updated); err != nil {
		return err
	}

	s.mu.Lock()
	s.blocks[label] = &updated
	s.mu.Unlock()
	return nil
}

func (s *Store) write(b *Block) error {
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nexuserrors.Newf(nexuserrors.Storage, "core.write", "encode core block %q: %w", b.Label, err)
	}
	path := filepath.Join(s.dir, b.Label+".json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return nexuserrors.Newf(nexuserrors.Storage, "core.write", "write core block %q: %w", b.Label, err)
	}
	return nil
}

func appendWithSpace(content, addition string) string {
	if content == "" {
		return addition
	}
	return content + " " + addition
}

// Snapshot renders every block as a structured textual section: its
// description, current/limit character counts, and content. Callers
// combine this with vector-block and timestamp information to build the
// full memory_store snapshot described for the chat loop.
func (s *Store) Snapshot() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	labels := make([]string, 0, len(s.blocks))
	for label := range s.blocks {
		labels = append(labels, label)
	}
	sort.Strings(labels)

	var sb strings.Builder
	for _, label := range labels {
		b := s.blocks[label]
		fmt.Fprintf(&sb, "<%s>\n", label)
		fmt.Fprintf(&sb, "Description: %s\n", b.Description)
		fmt.Fprintf(&sb, "Chars: %d/%d\n", b.CurrentChars(), b.MaxChars)
		fmt.Fprintf(&sb, "%s\n", b.Content)
		fmt.Fprintf(&sb, "</%s>\n", label)
	}
	return sb.String()
}

// NewestUpdate returns the most recent LastUpdated across all blocks, or the
// zero time if there are none.
func (s *Store) NewestUpdate() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var newest time.Time
	for _, b := range s.blocks {
		if b.LastUpdated.After(newest) {
			newest = b.LastUpdated
		}
	}
	return newest
}
