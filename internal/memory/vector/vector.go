// Package vector implements vector memory: user-extensible labeled blocks
// whose content is lazily embedded and made searchable by cosine similarity.
package vector

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	nexuserrors "github.com/sleeptime/nexus/internal/errors"
	"github.com/sleeptime/nexus/internal/memory/embeddings"
)

// DefaultMaxChars is the size ceiling applied to a block created implicitly
// by an edit to a previously unknown label.
const DefaultMaxChars = 5000

// Block is a single labeled vector memory entry. Shape mirrors core.Block;
// kept as an independent type since vector blocks carry an embedding
// artifact and participate in the cache set, while core blocks never do.
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

type embeddingArtifact struct {
	Label     string    `json:"label"`
	Vector    []float32 `json:"vector"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Result is a single vector_search hit.
type Result struct {
	Label   string  `json:"label"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Store holds vector memory blocks, their embedding artifacts, and the
// durable cache set tracking which labels have a fresh embedding.
type Store struct {
	dir       string
	cacheFile string
	embedder  embeddings.Provider

	mu     sync.RWMutex
	blocks map[string]*Block

	cacheMu sync.Mutex
	fresh   map[string]bool

	labelMu sync.Map // label -> *sync.Mutex
}

// Open loads every "<label>.json" block file under dir and the durable
// embedding cache set from cacheFile. embedder may be nil; EmbedAll and
// Search then fail with a configuration error rather than panicking.
func Open(dir, cacheFile string, embedder embeddings.Provider) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nexuserrors.Newf(nexuserrors.Storage, "vector.Open", "create vector memory directory: %w", err)
	}

	s := &Store{
		dir:       dir,
		cacheFile: cacheFile,
		embedder:  embedder,
		blocks:    make(map[string]*Block),
		fresh:     make(map[string]bool),
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nexuserrors.Newf(nexuserrors.Storage, "vector.Open", "read vector memory directory: %w", err)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".embedding.json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, nexuserrors.Newf(nexuserrors.Storage, "vector.Open", "read vector block %s: %w", name, err)
		}
		var block Block
		if err := json.Unmarshal(raw, &block); err != nil {
			return nil, nexuserrors.Newf(nexuserrors.Storage, "vector.Open", "decode vector block %s: %w", name, err)
		}
		if block.Label == "" {
			block.Label = strings.TrimSuffix(name, ".json")
		}
		if block.MaxChars == 0 {
			block.MaxChars = DefaultMaxChars
		}
		s.blocks[block.Label] = &block
	}

	if raw, err := os.ReadFile(cacheFile); err == nil {
		var labels []string
		if err := json.Unmarshal(raw, &labels); err != nil {
			return nil, nexuserrors.Newf(nexuserrors.Storage, "vector.Open", "decode embedding cache set: %w", err)
		}
		for _, label := range labels {
			s.fresh[label] = true
		}
	} else if !os.IsNotExist(err) {
		return nil, nexuserrors.Newf(nexuserrors.Storage, "vector.Open", "read embedding cache set: %w", err)
	}

	return s, nil
}

// Labels returns the known labels in ascending order.
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

// Edit applies the vector memory edit operation: same replace/append rules
// as core memory, except a missing label creates a new block with
// DefaultMaxChars rather than failing. Every successful edit invalidates the
// label's cache entry so the next search recomputes its embedding.
func (s *Store) Edit(label, newText, oldText string) error {
	lock := s.labelLock(label)
	lock.Lock()
	defer lock.Unlock()

	s.mu.RLock()
	existing, ok := s.blocks[label]
	s.mu.RUnlock()

	var updated Block
	if ok {
		updated = *existing
	} else {
		updated = Block{Label: label, MaxChars: DefaultMaxChars}
	}

	if oldText != "" && strings.Contains(updated.Content, oldText) {
		updated.Content = strings.ReplaceAll(updated.Content, oldText, newText)
	} else {
		updated.Content = appendWithSpace(updated.Content, newText)
	}

	if updated.CurrentChars() > updated.MaxChars {
		return nexuserrors.Newf(nexuserrors.Storage, "vector.Edit", "edit to %q would exceed max_chars (%d > %d)", label, updated.CurrentChars(), updated.MaxChars)
	}
	updated.LastUpdated = time.Now().UTC()

	if err := s.writeBlock(&updated); err != nil {
		return err
	}

	s.mu.Lock()
	s.blocks[label] = &updated
	s.mu.Unlock()

	return s.invalidate(label)
}

func appendWithSpace(content, addition string) string {
	if content == "" {
		return addition
	}
	return content + " " + addition
}

func (s *Store) writeBlock(b *Block) error {
	raw, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return nexuserrors.Newf(nexuserrors.Storage, "vector.writeBlock", "encode vector block %q: %w", b.Label, err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, b.Label+".json"), raw, 0o644); err != nil {
		return nexuserrors.Newf(nexuserrors.Storage, "vector.writeBlock", "write vector block %q: %w", b.Label, err)
	}
	return nil
}

func (s *Store) artifactPath(label string) string {
	return filepath.Join(s.dir, label+".embedding.json")
}

func (s *Store) invalidate(label string) error {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	delete(s.fresh, label)
	return s.persistCacheLocked()
}

func (s *Store) persistCacheLocked() error {
	labels := make([]string, 0, len(s.fresh))
	for label := range s.fresh {
		labels = append(labels, label)
	}
	sort.Strings(labels)
	raw, err := json.MarshalIndent(labels, "", "  ")
	if err != nil {
		return nexuserrors.Newf(nexuserrors.Storage, "vector.persistCache", "encode embedding cache set: %w", err)
	}
	if err := os.WriteFile(s.cacheFile, raw, 0o644); err != nil {
		return nexuserrors.Newf(nexuserrors.Storage, "vector.persistCache", "write embedding cache set: %w", err)
	}
	return nil
}

// EmbedAll recomputes the embedding for every vector block whose label is
// absent from the cache set, writes the sibling artifact, and marks the
// label fresh.
func (s *Store) EmbedAll(ctx context.Context) error {
	if s.embedder == nil {
		return nexuserrors.New(nexuserrors.Configuration, "vector.EmbedAll", errNoEmbedder)
	}

	s.mu.RLock()
	stale := make([]*Block, 0, len(s.blocks))
	for label, b := range s.blocks {
		s.cacheMu.Lock()
		isFresh := s.fresh[label]
		s.cacheMu.Unlock()
		if !isFresh {
			stale = append(stale, b)
		}
	}
	s.mu.RUnlock()

	if len(stale) == 0 {
		return nil
	}
	sort.Slice(stale, func(i, j int) bool { return stale[i].Label < stale[j].Label })

	for _, b := range stale {
		vec, err := s.embedder.Embed(ctx, b.Content)
		if err != nil {
			return nexuserrors.Newf(nexuserrors.Provider, "vector.EmbedAll", "embed block %q: %w", b.Label, err)
		}
		artifact := embeddingArtifact{Label: b.Label, Vector: vec, UpdatedAt: time.Now().UTC()}
		raw, err := json.MarshalIndent(artifact, "", "  ")
		if err != nil {
			return nexuserrors.Newf(nexuserrors.Storage, "vector.EmbedAll", "encode embedding artifact %q: %w", b.Label, err)
		}
		if err := os.WriteFile(s.artifactPath(b.Label), raw, 0o644); err != nil {
			return nexuserrors.Newf(nexuserrors.Storage, "vector.EmbedAll", "write embedding artifact %q: %w", b.Label, err)
		}

		s.cacheMu.Lock()
		s.fresh[b.Label] = true
		err = s.persistCacheLocked()
		s.cacheMu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Search embeds query, refreshes stale embeddings first, and returns the
// blocks scoring at or above threshold by cosine similarity, descending by
// score and then ascending by label, capped at topN. A negative topN means
// the caller omitted it and falls back to the default of 2; topN == 0 is a
// deliberate request for zero results and returns an empty slice.
func (s *Store) Search(ctx context.Context, query string, topN int, threshold float64) ([]Result, error) {
	if s.embedder == nil {
		return nil, nexuserrors.New(nexuserrors.Configuration, "vector.Search", errNoEmbedder)
	}
	if topN < 0 {
		topN = 2
	}

	if err := s.EmbedAll(ctx); err != nil {
		return nil, err
	}

	queryVec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, nexuserrors.Newf(nexuserrors.Provider, "vector.Search", "embed query: %w", err)
	}

	s.mu.RLock()
	labels := make([]string, 0, len(s.blocks))
	for label := range s.blocks {
		labels = append(labels, label)
	}
	s.mu.RUnlock()
	sort.Strings(labels)

	results := make([]Result, 0, len(labels))
	for _, label := range labels {
		raw, err := os.ReadFile(s.artifactPath(label))
		if err != nil {
			continue
		}
		var artifact embeddingArtifact
		if err := json.Unmarshal(raw, &artifact); err != nil {
			continue
		}
		score := round5(cosineSimilarity(queryVec, artifact.Vector))
		if score < threshold {
			continue
		}
		s.mu.RLock()
		b := s.blocks[label]
		s.mu.RUnlock()
		results = append(results, Result{Label: label, Content: b.Content, Score: score})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Label < results[j].Label
	})
	if len(results) > topN {
		results = results[:topN]
	}
	return results, nil
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

func round5(v float64) float64 {
	const factor = 1e5
	return math.Round(v*factor) / factor
}

var errNoEmbedder = stderrors.New("no embedding provider configured")
