package config

import (
	"fmt"
	"strings"
)

// Config is the root configuration for nexusd, assembled from one nested
// struct per concern.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Memory        MemoryConfig        `yaml:"memory"`
	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Tools         ToolsConfig         `yaml:"tools"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads, expands $include directives and environment variables in,
// and validates a configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Server.MetricsPort == 0 {
		cfg.Server.MetricsPort = 9090
	}

	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = 4096
	}
	if cfg.LLM.SleepAgentContext == 0 {
		cfg.LLM.SleepAgentContext = 8192
	}
	if cfg.LLM.CompressorMaxTokens == 0 {
		cfg.LLM.CompressorMaxTokens = 1024
	}

	if cfg.Memory.ContextDir == "" {
		cfg.Memory.ContextDir = "./memory"
	}
	if cfg.Memory.CoreDir == "" {
		cfg.Memory.CoreDir = cfg.Memory.ContextDir + "/core"
	}
	if cfg.Memory.VectorDir == "" {
		cfg.Memory.VectorDir = cfg.Memory.ContextDir + "/vector"
	}
	if cfg.Memory.CacheFile == "" {
		cfg.Memory.CacheFile = cfg.Memory.ContextDir + "/embedding_cache.json"
	}
	if cfg.Memory.RecallDir == "" {
		cfg.Memory.RecallDir = cfg.Memory.ContextDir + "/recall"
	}

	if cfg.Scheduler.MinSleepInterval == 0 {
		cfg.Scheduler.MinSleepInterval = 5
	}
	if cfg.Scheduler.MaxSleepInterval == 0 {
		cfg.Scheduler.MaxSleepInterval = 60
	}
	if cfg.Scheduler.PauseDelayAfterMain == 0 {
		cfg.Scheduler.PauseDelayAfterMain = 5
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate returns a *ValidationError listing every invalid or missing
// required field. A nil return means cfg is safe to build the stack
// from.
func (cfg *Config) Validate() error {
	var issues []string

	if strings.TrimSpace(cfg.LLM.MainModel) == "" {
		issues = append(issues, "llm.main_model is required")
	} else if !strings.Contains(cfg.LLM.MainModel, "/") {
		issues = append(issues, `llm.main_model must be "provider/model"`)
	}
	if cfg.Scheduler.SleepAgentMessageTrigger > 0 {
		if strings.TrimSpace(cfg.LLM.SleepAgentModel) == "" {
			issues = append(issues, "llm.sleep_agent_model is required when the scheduler is enabled")
		} else if !strings.Contains(cfg.LLM.SleepAgentModel, "/") {
			issues = append(issues, `llm.sleep_agent_model must be "provider/model"`)
		}
	}
	if cfg.LLM.MaxTokens <= 0 {
		issues = append(issues, "llm.max_tokens must be > 0")
	}
	if cfg.Memory.EmbedModel != "" && !strings.Contains(cfg.Memory.EmbedModel, "/") {
		issues = append(issues, `memory.embed_model must be "provider/model"`)
	}
	if cfg.Scheduler.MinSleepInterval <= 0 {
		issues = append(issues, "scheduler.min_sleep_interval must be > 0")
	}
	if cfg.Scheduler.MaxSleepInterval < cfg.Scheduler.MinSleepInterval {
		issues = append(issues, "scheduler.max_sleep_interval must be >= min_sleep_interval")
	}
	if cfg.Scheduler.PauseDelayAfterMain < 0 {
		issues = append(issues, "scheduler.pause_delay_after_main must be >= 0")
	}
	if cfg.Scheduler.MaxConcurrentTasks < 0 {
		issues = append(issues, "scheduler.max_concurrent_tasks must be >= 0")
	}
	if cfg.Logging.Format != "" && cfg.Logging.Format != "text" && cfg.Logging.Format != "json" {
		issues = append(issues, `logging.format must be "text" or "json"`)
	}

	if len(issues) == 0 {
		return nil
	}
	return &ValidationError{Issues: issues}
}

// ValidationError reports every configuration issue found by Validate in a
// single pass, rather than stopping at the first one.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration:\n  - %s", strings.Join(e.Issues, "\n  - "))
}

