package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/sleeptime/nexus/internal/backoff"
	nexuserrors "github.com/sleeptime/nexus/internal/errors"
	"github.com/sleeptime/nexus/internal/llm"
)

// GoogleConfig configures the Gemini gateway family, spoken through the
// google.golang.org/genai client against the Gemini API backend.
type GoogleConfig struct {
	APIKey     string
	MaxRetries int
	RetryDelay time.Duration
}

// NewGoogleFactory returns a llm.Factory for Google's Gemini models.
func NewGoogleFactory(cfg GoogleConfig) (llm.Factory, error) {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.APIKey == "" {
		return nil, nexuserrors.New(nexuserrors.Configuration, "llm.providers.google", fmt.Errorf("API key is required"))
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, nexuserrors.New(nexuserrors.Configuration, "llm.providers.google", fmt.Errorf("create genai client: %w", err))
	}

	return func(modelID string, params llm.Params) (llm.Gateway, error) {
		if modelID == "" {
			return nil, nexuserrors.New(nexuserrors.Configuration, "llm.providers.google", fmt.Errorf("a model ID is required"))
		}
		return &googleGateway{
			client:     client,
			model:      modelID,
			params:     params,
			maxRetries: cfg.MaxRetries,
			retryDelay: cfg.RetryDelay,
		}, nil
	}, nil
}

type googleGateway struct {
	client     *genai.Client
	model      string
	params     llm.Params
	maxRetries int
	retryDelay time.Duration
}

func (g *googleGateway) Name() string        { return "google" }
func (g *googleGateway) SupportsTools() bool { return true }

func (g *googleGateway) Query(ctx context.Context, messages []llm.Message) (<-chan llm.Chunk, error) {
	contents := convertGoogleMessages(messages)
	config := g.buildConfig(messages)

	chunks := make(chan llm.Chunk)
	go g.run(ctx, contents, config, chunks)
	return chunks, nil
}

func (g *googleGateway) run(ctx context.Context, contents []*genai.Content, config *genai.GenerateContentConfig, chunks chan<- llm.Chunk) {
	defer close(chunks)

	var lastErr error
	policy := backoff.BackoffPolicy{InitialMs: float64(g.retryDelay.Milliseconds()), MaxMs: float64(g.retryDelay.Milliseconds()) * 20, Factor: 2, Jitter: 0.1}
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.SleepWithBackoff(ctx, policy, attempt); err != nil {
				chunks <- llm.Chunk{Kind: llm.ChunkError, Err: err}
				return
			}
		}

		lastErr = nil
		streamIter := g.client.Models.GenerateContentStream(ctx, g.model, contents, config)
		for resp, err := range streamIter {
			select {
			case <-ctx.Done():
				chunks <- llm.Chunk{Kind: llm.ChunkError, Err: ctx.Err()}
				return
			default:
			}
			if err != nil {
				lastErr = err
				break
			}
			if resp == nil {
				continue
			}
			for _, candidate := range resp.Candidates {
				if candidate == nil || candidate.Content == nil {
					continue
				}
				for _, part := range candidate.Content.Parts {
					if part == nil {
						continue
					}
					if part.Text != "" {
						chunks <- llm.Chunk{Kind: llm.ChunkContent, Content: part.Text}
					}
					if part.FunctionCall != nil {
						argsJSON, err := json.Marshal(part.FunctionCall.Args)
						if err != nil {
							argsJSON = []byte("{}")
						}
						chunks <- llm.Chunk{Kind: llm.ChunkToolCall, ToolCall: &llm.ToolCall{
							ID:        part.FunctionCall.Name,
							Name:      part.FunctionCall.Name,
							Arguments: argsJSON,
						}}
					}
				}
			}
		}
		if lastErr == nil {
			return
		}
	}
	chunks <- llm.Chunk{Kind: llm.ChunkError, Err: g.wrapError(fmt.Errorf("max retries exceeded: %w", lastErr))}
}

func (g *googleGateway) buildConfig(messages []llm.Message) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if system := extractSystemPrompt(messages); system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if g.params.MaxTokens > 0 {
		config.MaxOutputTokens = int32(g.params.MaxTokens)
	}
	if len(g.params.ToolSchemas) > 0 {
		config.Tools = convertGoogleToolSchemas(g.params.ToolSchemas)
	}
	return config
}

func convertGoogleMessages(messages []llm.Message) []*genai.Content {
	var result []*genai.Content
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		content := &genai.Content{}
		switch m.Role {
		case "assistant":
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if m.Content != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var args map[string]any
			_ = json.Unmarshal(tc.Arguments, &args)
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tc.Name, Args: args},
			})
		}
		for _, tr := range m.ToolResults {
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{
					Name:     tr.CallID,
					Response: map[string]any{"content": tr.Content, "is_error": tr.IsError},
				},
			})
		}
		if len(content.Parts) == 0 {
			continue
		}
		result = append(result, content)
	}
	return result
}

func convertGoogleToolSchemas(schemas []llm.ToolSchema) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(schemas))
	for i, s := range schemas {
		var params map[string]any
		if err := json.Unmarshal(s.Parameters, &params); err != nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		declarations[i] = &genai.FunctionDeclaration{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  toGeminiSchema(params),
		}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// toGeminiSchema translates a parsed JSON Schema object into Gemini's
// typed Schema representation, which genai.FunctionDeclaration requires in
// place of a raw map.
func toGeminiSchema(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = toGeminiSchema(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = toGeminiSchema(items)
	}
	return schema
}

func (g *googleGateway) wrapError(err error) error {
	return nexuserrors.New(nexuserrors.Provider, "llm.providers.google", err)
}
