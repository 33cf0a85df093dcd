package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/sleeptime/nexus/internal/backoff"
	nexuserrors "github.com/sleeptime/nexus/internal/errors"
	"github.com/sleeptime/nexus/internal/llm"
)

// OpenAIConfig configures the OpenAI-compatible gateway family. BaseURL lets
// the same implementation serve Ollama's OpenAI-compatible /v1 surface.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
}

// NewOpenAIFactory returns a llm.Factory for OpenAI's chat completion API.
func NewOpenAIFactory(cfg OpenAIConfig) llm.Factory {
	return newOpenAICompatibleFactory("openai", cfg)
}

// NewOllamaFactory returns a llm.Factory for a local Ollama instance
// speaking the OpenAI-compatible /v1 surface. cfg.APIKey may be empty;
// cfg.BaseURL defaults to "http://localhost:11434/v1".
func NewOllamaFactory(cfg OpenAIConfig) llm.Factory {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.APIKey == "" {
		cfg.APIKey = "ollama"
	}
	return newOpenAICompatibleFactory("ollama", cfg)
}

func newOpenAICompatibleFactory(name string, cfg OpenAIConfig) llm.Factory {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	client := openai.NewClientWithConfig(clientConfig)

	return func(modelID string, params llm.Params) (llm.Gateway, error) {
		if cfg.APIKey == "" {
			return nil, nexuserrors.New(nexuserrors.Configuration, "llm.providers."+name, fmt.Errorf("API key is required"))
		}
		return &openAIGateway{
			name:       name,
			client:     client,
			model:      modelID,
			params:     params,
			maxRetries: cfg.MaxRetries,
			retryDelay: cfg.RetryDelay,
		}, nil
	}
}

type openAIGateway struct {
	name       string
	client     *openai.Client
	model      string
	params     llm.Params
	maxRetries int
	retryDelay time.Duration
}

func (g *openAIGateway) Name() string       { return g.name }
func (g *openAIGateway) SupportsTools() bool { return true }

func (g *openAIGateway) Query(ctx context.Context, messages []llm.Message) (<-chan llm.Chunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    g.model,
		Messages: convertMessages(messages),
		Stream:   true,
	}
	if g.params.MaxTokens > 0 {
		chatReq.MaxTokens = g.params.MaxTokens
	}
	if len(g.params.ToolSchemas) > 0 {
		chatReq.Tools = convertOpenAIToolSchemas(g.params.ToolSchemas)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	policy := backoff.BackoffPolicy{InitialMs: float64(g.retryDelay.Milliseconds()), MaxMs: float64(g.retryDelay.Milliseconds()) * 20, Factor: 2, Jitter: 0.1}
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.SleepWithBackoff(ctx, policy, attempt); err != nil {
				return nil, err
			}
		}
		stream, lastErr = g.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !isRetryableError(lastErr) {
			return nil, nexuserrors.New(nexuserrors.Provider, "llm.providers."+g.name, lastErr)
		}
	}
	if lastErr != nil {
		return nil, nexuserrors.New(nexuserrors.Provider, "llm.providers."+g.name, fmt.Errorf("max retries exceeded: %w", lastErr))
	}

	chunks := make(chan llm.Chunk)
	go g.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (g *openAIGateway) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- llm.Chunk) {
	defer close(chunks)
	defer stream.Close()

	toolCalls := make(map[int]*llm.ToolCall)

	for {
		select {
		case <-ctx.Done():
			chunks <- llm.Chunk{Kind: llm.ChunkError, Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				for _, tc := range toolCalls {
					if tc.ID != "" && tc.Name != "" {
						chunks <- llm.Chunk{Kind: llm.ChunkToolCall, ToolCall: tc}
					}
				}
				return
			}
			chunks <- llm.Chunk{Kind: llm.ChunkError, Err: g.wrapError(err)}
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		delta := response.Choices[0].Delta

		if delta.Content != "" {
			chunks <- llm.Chunk{Kind: llm.ChunkContent, Content: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			if toolCalls[index] == nil {
				toolCalls[index] = &llm.ToolCall{}
			}
			if tc.ID != "" {
				toolCalls[index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[index].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				var current string
				if toolCalls[index].Arguments != nil {
					current = string(toolCalls[index].Arguments)
				}
				toolCalls[index].Arguments = json.RawMessage(current + tc.Function.Arguments)
			}
		}

		if response.Choices[0].FinishReason == "tool_calls" {
			for _, tc := range toolCalls {
				if tc.ID != "" && tc.Name != "" {
					chunks <- llm.Chunk{Kind: llm.ChunkToolCall, ToolCall: tc}
				}
			}
			toolCalls = make(map[int]*llm.ToolCall)
		}
	}
}

func convertMessages(messages []llm.Message) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		oaiMsg := openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
		for _, tc := range m.ToolCalls {
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		for _, tr := range m.ToolResults {
			result = append(result, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    tr.Content,
				ToolCallID: tr.CallID,
			})
		}
		if oaiMsg.Content != "" || len(oaiMsg.ToolCalls) > 0 {
			result = append(result, oaiMsg)
		}
	}
	return result
}

func convertOpenAIToolSchemas(schemas []llm.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(schemas))
	for i, s := range schemas {
		var params map[string]any
		if err := json.Unmarshal(s.Parameters, &params); err != nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        s.Name,
				Description: s.Description,
				Parameters:  params,
			},
		}
	}
	return result
}

func (g *openAIGateway) wrapError(err error) error {
	return nexuserrors.New(nexuserrors.Provider, "llm.providers."+g.name, err)
}
