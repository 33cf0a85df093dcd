package config

// LLMConfig names the primary and sleep-time models and their token
// budgets. Identifiers are "provider/model", e.g. "anthropic/claude-sonnet-4".
type LLMConfig struct {
	// MainModel is the primary chat-loop model identifier.
	MainModel string `yaml:"main_model"`

	// SleepAgentModel is the sleep-time scheduler's model identifier.
	SleepAgentModel string `yaml:"sleep_agent_model"`

	// MaxTokens bounds a single chat-loop completion.
	MaxTokens int `yaml:"max_tokens"`

	// SleepAgentContext bounds a single sleep-time task's context window.
	SleepAgentContext int `yaml:"sleep_agent_context"`

	// CompressorMaxTokens bounds the context-compression pass, if enabled.
	CompressorMaxTokens int `yaml:"compressor_max_tokens"`

	Providers map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig holds per-provider credentials and endpoint overrides.
// Region/AccessKeyID/SecretAccessKey/SessionToken are only meaningful for
// the "bedrock" provider, which authenticates via AWS credentials rather
// than a bearer API key.
type LLMProviderConfig struct {
	APIKey          string `yaml:"api_key"`
	BaseURL         string `yaml:"base_url"`
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	SessionToken    string `yaml:"session_token"`
}
