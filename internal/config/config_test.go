package config

import "testing"

func TestValidateRequiresMainModel(t *testing.T) {
	cfg := &Config{}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected an error for a missing main_model")
	}
}

func TestValidateRejectsModelWithoutProviderPrefix(t *testing.T) {
	cfg := &Config{LLM: LLMConfig{MainModel: "claude-sonnet-4", MaxTokens: 100}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected an error for a model identifier without a provider prefix")
	}
}

func TestValidateRequiresSleepAgentModelOnlyWhenSchedulerEnabled(t *testing.T) {
	cfg := &Config{
		LLM:       LLMConfig{MainModel: "anthropic/claude-sonnet-4", MaxTokens: 100},
		Scheduler: SchedulerConfig{SleepAgentMessageTrigger: 0, MinSleepInterval: 5, MaxSleepInterval: 60},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected no error when the scheduler is disabled, got %v", err)
	}

	cfg.Scheduler.SleepAgentMessageTrigger = 10
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error for a missing sleep_agent_model once the scheduler is enabled")
	}
}

func TestValidateChecksSleepIntervalOrdering(t *testing.T) {
	cfg := &Config{
		LLM:       LLMConfig{MainModel: "anthropic/claude-sonnet-4", MaxTokens: 100},
		Scheduler: SchedulerConfig{MinSleepInterval: 60, MaxSleepInterval: 5},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected an error when max_sleep_interval < min_sleep_interval")
	}
}

func TestApplyDefaultsFillsStorageLocationsFromContextDir(t *testing.T) {
	cfg := &Config{Memory: MemoryConfig{ContextDir: "/data/nexus"}}
	applyDefaults(cfg)

	if cfg.Memory.CoreDir != "/data/nexus/core" {
		t.Errorf("core_dir = %q, want /data/nexus/core", cfg.Memory.CoreDir)
	}
	if cfg.Memory.VectorDir != "/data/nexus/vector" {
		t.Errorf("vector_dir = %q, want /data/nexus/vector", cfg.Memory.VectorDir)
	}
	if cfg.Memory.RecallDir != "/data/nexus/recall" {
		t.Errorf("recall_dir = %q, want /data/nexus/recall", cfg.Memory.RecallDir)
	}
}

func TestValidationErrorListsEveryIssue(t *testing.T) {
	cfg := &Config{Scheduler: SchedulerConfig{MinSleepInterval: -1, MaxSleepInterval: -2}}
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected an error")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(verr.Issues) < 2 {
		t.Fatalf("expected multiple issues reported together, got %d", len(verr.Issues))
	}
}
