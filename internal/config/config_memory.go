package config

// MemoryConfig configures the tiered memory store's persisted locations and
// embedding provider.
type MemoryConfig struct {
	// ContextDir is the root directory holding the session's memory state.
	ContextDir string `yaml:"context_dir"`

	// CoreDir holds one file per core memory block.
	CoreDir string `yaml:"core_dir"`

	// VectorDir holds one file (plus sibling .embedding.json) per vector block.
	VectorDir string `yaml:"vector_dir"`

	// CacheFile is the embedding-freshness cache set, a single JSON file.
	CacheFile string `yaml:"cache_file"`

	// RecallDir holds the recall log's SQLite database.
	RecallDir string `yaml:"recall_dir"`

	// EmbedModel is the embedding model identifier, "provider/model".
	EmbedModel string `yaml:"embed_model"`
}
