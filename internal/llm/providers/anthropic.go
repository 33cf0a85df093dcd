// Package providers implements llm.Gateway for each supported backend.
package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/sleeptime/nexus/internal/backoff"
	nexuserrors "github.com/sleeptime/nexus/internal/errors"
	"github.com/sleeptime/nexus/internal/llm"
)

// maxEmptyStreamEvents bounds how many consecutive events carry no
// observable output before the stream is declared malformed.
const maxEmptyStreamEvents = 50

// AnthropicConfig configures the Anthropic gateway family.
type AnthropicConfig struct {
	APIKey     string
	BaseURL    string
	MaxRetries int
	RetryDelay time.Duration
}

// NewAnthropicFactory returns a llm.Factory bound to cfg, suitable for
// llm.Registry.Register("anthropic", ...).
func NewAnthropicFactory(cfg AnthropicConfig) llm.Factory {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(options...)

	return func(modelID string, params llm.Params) (llm.Gateway, error) {
		if cfg.APIKey == "" {
			return nil, nexuserrors.New(nexuserrors.Configuration, "llm.providers.anthropic", fmt.Errorf("API key is required"))
		}
		return &anthropicGateway{
			client:     client,
			model:      modelID,
			params:     params,
			maxRetries: cfg.MaxRetries,
			retryDelay: cfg.RetryDelay,
		}, nil
	}
}

type anthropicGateway struct {
	client     anthropic.Client
	model      string
	params     llm.Params
	maxRetries int
	retryDelay time.Duration
}

func (g *anthropicGateway) Name() string       { return "anthropic" }
func (g *anthropicGateway) SupportsTools() bool { return true }

func (g *anthropicGateway) Query(ctx context.Context, messages []llm.Message) (<-chan llm.Chunk, error) {
	chunks := make(chan llm.Chunk)

	go func() {
		defer close(chunks)

		reqParams, err := g.buildParams(messages)
		if err != nil {
			chunks <- llm.Chunk{Kind: llm.ChunkError, Err: err}
			return
		}

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		policy := backoff.BackoffPolicy{InitialMs: float64(g.retryDelay.Milliseconds()), MaxMs: float64(g.retryDelay.Milliseconds()) * 20, Factor: 2, Jitter: 0.1}
		for attempt := 0; attempt <= g.maxRetries; attempt++ {
			stream = g.client.Messages.NewStreaming(ctx, reqParams)
			err = stream.Err()
			if err == nil {
				break
			}
			wrapped := g.wrapError(err)
			if !isRetryableError(wrapped) || attempt == g.maxRetries {
				chunks <- llm.Chunk{Kind: llm.ChunkError, Err: wrapped}
				return
			}
			if err := backoff.SleepWithBackoff(ctx, policy, attempt+1); err != nil {
				chunks <- llm.Chunk{Kind: llm.ChunkError, Err: err}
				return
			}
		}

		g.processStream(stream, chunks)
	}()

	return chunks, nil
}

func (g *anthropicGateway) buildParams(messages []llm.Message) (anthropic.MessageNewParams, error) {
	var system string
	var anthropicMessages []anthropic.MessageParam

	for _, m := range messages {
		if m.Role == "system" {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}
		for _, tr := range m.ToolResults {
			content = append(content, anthropic.NewToolResultBlock(tr.CallID, tr.Content, tr.IsError))
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal(tc.Arguments, &input); err != nil {
				return anthropic.MessageNewParams{}, nexuserrors.New(nexuserrors.Provider, "llm.providers.anthropic.buildParams", err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if m.Role == "assistant" {
			anthropicMessages = append(anthropicMessages, anthropic.NewAssistantMessage(content...))
		} else {
			anthropicMessages = append(anthropicMessages, anthropic.NewUserMessage(content...))
		}
	}

	maxTokens := g.params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	out := anthropic.MessageNewParams{
		Model:     anthropic.Model(g.model),
		Messages:  anthropicMessages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		out.System = []anthropic.TextBlockParam{{Type: "text", Text: system}}
	}
	if len(g.params.ToolSchemas) > 0 {
		tools, err := convertToolSchemas(g.params.ToolSchemas)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		out.Tools = tools
	}
	if g.params.ThinkLevel != "" {
		out.Thinking = anthropic.ThinkingConfigParamOfEnabled(10000)
	}

	return out, nil
}

func convertToolSchemas(schemas []llm.ToolSchema) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(s.Parameters, &schema); err != nil {
			return nil, nexuserrors.New(nexuserrors.Configuration, "llm.providers.anthropic.convertToolSchemas", fmt.Errorf("invalid schema for %s: %w", s.Name, err))
		}
		toolParam := anthropic.ToolUnionParamOfTool(schema, s.Name)
		if toolParam.OfTool != nil {
			toolParam.OfTool.Description = anthropic.String(s.Description)
		}
		out = append(out, toolParam)
	}
	return out, nil
}

func (g *anthropicGateway) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], chunks chan<- llm.Chunk) {
	var currentToolCall *llm.ToolCall
	var currentToolInput strings.Builder
	emptyEvents := 0
	inThinking := false
	var inputTokens, outputTokens int

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			if ms.Message.Usage.InputTokens > 0 {
				inputTokens = int(ms.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				chunks <- llm.Chunk{Kind: llm.ChunkThinking}
				processed = true
			case "tool_use":
				toolUse := block.AsToolUse()
				currentToolCall = &llm.ToolCall{ID: toolUse.ID, Name: toolUse.Name}
				currentToolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					chunks <- llm.Chunk{Kind: llm.ChunkContent, Content: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					chunks <- llm.Chunk{Kind: llm.ChunkThinking, Thinking: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if inThinking {
				inThinking = false
				processed = true
			} else if currentToolCall != nil {
				currentToolCall.Arguments = json.RawMessage(currentToolInput.String())
				chunks <- llm.Chunk{Kind: llm.ChunkToolCall, ToolCall: currentToolCall}
				currentToolCall = nil
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				outputTokens = int(md.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			chunks <- llm.Chunk{Kind: llm.ChunkContent, InputTokens: inputTokens, OutputTokens: outputTokens}
			return

		case "error":
			chunks <- llm.Chunk{Kind: llm.ChunkError, Err: g.wrapError(fmt.Errorf("anthropic stream error"))}
			return
		}

		if processed {
			emptyEvents = 0
		} else {
			emptyEvents++
			if emptyEvents >= maxEmptyStreamEvents {
				chunks <- llm.Chunk{Kind: llm.ChunkError, Err: g.wrapError(fmt.Errorf("stream appears malformed: %d consecutive empty events", emptyEvents))}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		chunks <- llm.Chunk{Kind: llm.ChunkError, Err: g.wrapError(err)}
	}
}

func (g *anthropicGateway) wrapError(err error) error {
	return nexuserrors.New(nexuserrors.Provider, "llm.providers.anthropic", err)
}

func isRetryableError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"rate limit", "429", "timeout", "connection reset", "503", "502", "500"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
