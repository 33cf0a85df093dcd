package config

// LoggingConfig controls the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// ObservabilityConfig toggles metrics export.
type ObservabilityConfig struct {
	MetricsEnabled bool `yaml:"metrics_enabled"`
}
