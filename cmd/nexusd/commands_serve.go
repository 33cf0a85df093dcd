package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sleeptime/nexus/internal/chatloop"
	"github.com/sleeptime/nexus/internal/config"
	"github.com/sleeptime/nexus/internal/llm"
	"github.com/sleeptime/nexus/internal/llm/providers"
	"github.com/sleeptime/nexus/internal/memory"
	"github.com/sleeptime/nexus/internal/memory/core"
	"github.com/sleeptime/nexus/internal/memory/embeddings"
	"github.com/sleeptime/nexus/internal/memory/embeddings/ollama"
	"github.com/sleeptime/nexus/internal/memory/embeddings/openai"
	"github.com/sleeptime/nexus/internal/memory/recall"
	"github.com/sleeptime/nexus/internal/memory/vector"
	"github.com/sleeptime/nexus/internal/sleeptime"
	"github.com/sleeptime/nexus/internal/tools"
	"github.com/sleeptime/nexus/internal/tools/memorysearch"
	"github.com/sleeptime/nexus/internal/transport"
)

func buildServeCmd() *cobra.Command {
	var configPath string
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server and, if configured, the sleep-time scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "nexusd.yaml", "path to the configuration file")
	cmd.Flags().BoolVar(&debug, "debug", false, "force debug-level logging regardless of config")
	return cmd
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	configureLogging(cfg, debug)

	slog.Info("starting nexusd", "version", version, "commit", commit, "config", configPath)

	store, closeStore, err := buildMemoryStore(cfg)
	if err != nil {
		return fmt.Errorf("build memory store: %w", err)
	}
	defer closeStore()

	models := buildModelRegistry(cfg)

	primaryGateway, err := models.Build(cfg.LLM.MainModel, llm.Params{MaxTokens: cfg.LLM.MaxTokens})
	if err != nil {
		return fmt.Errorf("build primary gateway: %w", err)
	}

	foregroundTools := tools.NewRegistry()
	if err := memorysearch.Register(foregroundTools, store); err != nil {
		return fmt.Errorf("register memory_search tool: %w", err)
	}
	if cfg.Tools.UseWeb || cfg.Tools.UseFilesystem {
		slog.Warn("tools.use_web / tools.use_filesystem are configured but no sandbox tool bodies are wired into this build")
	}

	var scheduler transport.Scheduler
	var foregroundScheduler chatloop.Scheduler = noopScheduler{}
	var stopScheduler func(time.Duration)

	if cfg.Scheduler.SleepAgentMessageTrigger > 0 {
		secondaryGateway, err := models.Build(cfg.LLM.SleepAgentModel, llm.Params{MaxTokens: cfg.LLM.SleepAgentContext})
		if err != nil {
			return fmt.Errorf("build sleep-time gateway: %w", err)
		}

		sleepTools := tools.NewRegistry()
		if err := sleeptime.RegisterMemoryTools(sleepTools, store); err != nil {
			return fmt.Errorf("register sleep-time tools: %w", err)
		}

		schedCfg := sleeptime.Config{
			MinSleepInterval:    durationSeconds(cfg.Scheduler.MinSleepInterval),
			MaxSleepInterval:    durationSeconds(cfg.Scheduler.MaxSleepInterval),
			PauseDelayAfterMain: durationSeconds(cfg.Scheduler.PauseDelayAfterMain),
			SystemPrompt:        "You curate this assistant's long-term memory. Use the provided tools to keep core and vector memory accurate, then call finish_edits.",
			MaxContextTokens:    cfg.LLM.SleepAgentContext,
		}

		if cfg.Scheduler.MaxConcurrentTasks > 1 {
			concurrent, err := sleeptime.NewConcurrentScheduler(schedCfg, cfg.Scheduler.MaxConcurrentTasks, store, secondaryGateway, sleepTools)
			if err != nil {
				return fmt.Errorf("build concurrent scheduler: %w", err)
			}
			concurrent.Start()
			scheduler = concurrent
			foregroundScheduler = concurrent
			stopScheduler = concurrent.Stop
		} else {
			sched, err := sleeptime.NewScheduler(schedCfg, store, secondaryGateway, sleepTools)
			if err != nil {
				return fmt.Errorf("build scheduler: %w", err)
			}
			sched.Start()
			scheduler = sched
			foregroundScheduler = sched
			stopScheduler = sched.Stop
		}
	}

	loop := &chatloop.Loop{
		Gateway:      primaryGateway,
		Registry:     foregroundTools,
		Memory:       store,
		Scheduler:    foregroundScheduler,
		SystemPrompt: "You are a helpful, direct assistant with long-term memory.",
		MaxTokens:    cfg.LLM.MaxTokens,
		SleepTrigger: cfg.Scheduler.SleepAgentMessageTrigger,
	}
	if err := loop.Validate(); err != nil {
		return fmt.Errorf("invalid chat loop: %w", err)
	}

	srv := transport.New(transport.Deps{
		Loop:                 loop,
		Conversation:         chatloop.NewConversation(),
		Memory:               store,
		Scheduler:            scheduler,
		Models:               models,
		StreamingSupport:     true,
		AISystemInitialized:  true,
		SchedulerInitialized: scheduler != nil,
		PrimaryMaxTokens:     cfg.LLM.MaxTokens,
		SecondaryMaxTokens:   cfg.LLM.SleepAgentContext,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.HTTPPort)
	if err := srv.Start(addr); err != nil {
		return fmt.Errorf("start transport: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	slog.Info("shutdown signal received")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Stop(shutdownCtx); err != nil {
		slog.Warn("transport shutdown error", "error", err)
	}
	if stopScheduler != nil {
		stopScheduler(30 * time.Second)
	}

	slog.Info("nexusd stopped")
	return nil
}

// noopScheduler satisfies chatloop.Scheduler when the sleep-time scheduler
// is disabled (scheduler.sleep_agent_message_trigger <= 0).
type noopScheduler struct{}

func (noopScheduler) NotifyForegroundStart() {}
func (noopScheduler) NotifyForegroundEnd()   {}
func (noopScheduler) Submit(string)          {}

func durationSeconds(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func configureLogging(cfg *config.Config, debug bool) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func buildMemoryStore(cfg *config.Config) (*memory.Store, func(), error) {
	embedder, err := buildEmbedder(cfg.Memory.EmbedModel)
	if err != nil {
		return nil, nil, fmt.Errorf("build embedder: %w", err)
	}

	coreStore, err := core.Open(cfg.Memory.CoreDir)
	if err != nil {
		return nil, nil, fmt.Errorf("open core memory: %w", err)
	}
	vectorStore, err := vector.Open(cfg.Memory.VectorDir, cfg.Memory.CacheFile, embedder)
	if err != nil {
		return nil, nil, fmt.Errorf("open vector memory: %w", err)
	}
	recallLog, err := recall.Open(filepath.Join(cfg.Memory.RecallDir, "recall.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("open recall log: %w", err)
	}

	store := &memory.Store{Core: coreStore, Vector: vectorStore, Recall: recallLog}
	return store, func() { _ = recallLog.Close() }, nil
}

func buildEmbedder(identifier string) (embeddings.Provider, error) {
	if identifier == "" {
		return nil, fmt.Errorf("memory.embed_model is required")
	}
	scheme, model, err := llm.SplitIdentifier(identifier)
	if err != nil {
		return nil, err
	}
	switch scheme {
	case "openai":
		return openai.New(openai.Config{APIKey: os.Getenv("OPENAI_API_KEY"), Model: model})
	case "ollama":
		return ollama.New(ollama.Config{Model: model})
	default:
		return nil, fmt.Errorf("no embedding provider registered for scheme %q", scheme)
	}
}

func buildModelRegistry(cfg *config.Config) *llm.Registry {
	registry := llm.NewRegistry()

	if p, ok := cfg.LLM.Providers["anthropic"]; ok {
		registry.Register("anthropic", providers.NewAnthropicFactory(providers.AnthropicConfig{
			APIKey:  resolveAPIKey(p.APIKey, "ANTHROPIC_API_KEY"),
			BaseURL: p.BaseURL,
		}))
	}
	if p, ok := cfg.LLM.Providers["openai"]; ok {
		registry.Register("openai", providers.NewOpenAIFactory(providers.OpenAIConfig{
			APIKey:  resolveAPIKey(p.APIKey, "OPENAI_API_KEY"),
			BaseURL: p.BaseURL,
		}))
	}
	if p, ok := cfg.LLM.Providers["ollama"]; ok {
		registry.Register("ollama", providers.NewOllamaFactory(providers.OpenAIConfig{
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
		}))
	}
	if p, ok := cfg.LLM.Providers["bedrock"]; ok {
		factory, err := providers.NewBedrockFactory(providers.BedrockConfig{
			Region:          p.Region,
			AccessKeyID:     p.AccessKeyID,
			SecretAccessKey: p.SecretAccessKey,
			SessionToken:    p.SessionToken,
		})
		if err != nil {
			slog.Warn("bedrock provider not registered", "error", err)
		} else {
			registry.Register("bedrock", factory)
		}
	}
	if p, ok := cfg.LLM.Providers["google"]; ok {
		factory, err := providers.NewGoogleFactory(providers.GoogleConfig{
			APIKey: resolveAPIKey(p.APIKey, "GOOGLE_API_KEY"),
		})
		if err != nil {
			slog.Warn("google provider not registered", "error", err)
		} else {
			registry.Register("google", factory)
		}
	}

	return registry
}

func resolveAPIKey(configured, envVar string) string {
	if configured != "" {
		return configured
	}
	return os.Getenv(envVar)
}
