package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/sleeptime/nexus/internal/backoff"
	nexuserrors "github.com/sleeptime/nexus/internal/errors"
	"github.com/sleeptime/nexus/internal/llm"
)

// BedrockConfig configures the AWS Bedrock gateway family, which speaks the
// Converse/ConverseStream API common to every model Bedrock hosts rather
// than any one vendor's native wire format.
type BedrockConfig struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	MaxRetries      int
	RetryDelay      time.Duration
}

// NewBedrockFactory returns a llm.Factory bound to cfg, suitable for
// llm.Registry.Register("bedrock", ...).
func NewBedrockFactory(cfg BedrockConfig) (llm.Factory, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), loadOpts...)
	if err != nil {
		return nil, nexuserrors.New(nexuserrors.Configuration, "llm.providers.bedrock", fmt.Errorf("load AWS config: %w", err))
	}
	client := bedrockruntime.NewFromConfig(awsCfg)

	return func(modelID string, params llm.Params) (llm.Gateway, error) {
		if modelID == "" {
			return nil, nexuserrors.New(nexuserrors.Configuration, "llm.providers.bedrock", fmt.Errorf("a model ID is required"))
		}
		return &bedrockGateway{
			client:     client,
			model:      modelID,
			params:     params,
			maxRetries: cfg.MaxRetries,
			retryDelay: cfg.RetryDelay,
		}, nil
	}, nil
}

type bedrockGateway struct {
	client     *bedrockruntime.Client
	model      string
	params     llm.Params
	maxRetries int
	retryDelay time.Duration
}

func (g *bedrockGateway) Name() string        { return "bedrock" }
func (g *bedrockGateway) SupportsTools() bool { return true }

func (g *bedrockGateway) Query(ctx context.Context, messages []llm.Message) (<-chan llm.Chunk, error) {
	converseReq := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(g.model),
		Messages: convertBedrockMessages(messages),
	}
	if system := extractSystemPrompt(messages); system != "" {
		converseReq.System = []types.SystemContentBlock{
			&types.SystemContentBlockMemberText{Value: system},
		}
	}
	if g.params.MaxTokens > 0 {
		converseReq.InferenceConfig = &types.InferenceConfiguration{
			MaxTokens: aws.Int32(int32(g.params.MaxTokens)),
		}
	}
	if len(g.params.ToolSchemas) > 0 {
		converseReq.ToolConfig = convertBedrockToolSchemas(g.params.ToolSchemas)
	}

	var stream *bedrockruntime.ConverseStreamOutput
	var lastErr error
	policy := backoff.BackoffPolicy{InitialMs: float64(g.retryDelay.Milliseconds()), MaxMs: float64(g.retryDelay.Milliseconds()) * 20, Factor: 2, Jitter: 0.1}
	for attempt := 0; attempt < g.maxRetries; attempt++ {
		if attempt > 0 {
			if err := backoff.SleepWithBackoff(ctx, policy, attempt); err != nil {
				return nil, err
			}
		}
		stream, lastErr = g.client.ConverseStream(ctx, converseReq)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		return nil, nexuserrors.New(nexuserrors.Provider, "llm.providers.bedrock", fmt.Errorf("max retries exceeded: %w", lastErr))
	}

	chunks := make(chan llm.Chunk)
	go g.processStream(ctx, stream, chunks)
	return chunks, nil
}

func (g *bedrockGateway) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, chunks chan<- llm.Chunk) {
	defer close(chunks)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var currentToolCall *llm.ToolCall
	var toolInput strings.Builder

	eventChan := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			chunks <- llm.Chunk{Kind: llm.ChunkError, Err: ctx.Err()}
			return
		case event, ok := <-eventChan:
			if !ok {
				if err := eventStream.Err(); err != nil {
					chunks <- llm.Chunk{Kind: llm.ChunkError, Err: g.wrapError(err)}
				}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					currentToolCall = &llm.ToolCall{
						ID:   aws.ToString(toolUse.Value.ToolUseId),
						Name: aws.ToString(toolUse.Value.Name),
					}
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						chunks <- llm.Chunk{Kind: llm.ChunkContent, Content: delta.Value}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input != nil {
						toolInput.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if currentToolCall != nil && currentToolCall.ID != "" {
					currentToolCall.Arguments = json.RawMessage(toolInput.String())
					chunks <- llm.Chunk{Kind: llm.ChunkToolCall, ToolCall: currentToolCall}
					currentToolCall = nil
					toolInput.Reset()
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				return
			}
		}
	}
}

func extractSystemPrompt(messages []llm.Message) string {
	for _, m := range messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

func convertBedrockMessages(messages []llm.Message) []types.Message {
	result := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		role := types.ConversationRoleUser
		if m.Role == "assistant" {
			role = types.ConversationRoleAssistant
		}

		var blocks []types.ContentBlock
		if m.Content != "" {
			blocks = append(blocks, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var input map[string]any
			_ = json.Unmarshal(tc.Arguments, &input)
			blocks = append(blocks, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     document.NewLazyDocument(input),
			}})
		}
		for _, tr := range m.ToolResults {
			status := types.ToolResultStatusSuccess
			if tr.IsError {
				status = types.ToolResultStatusError
			}
			blocks = append(blocks, &types.ContentBlockMemberToolResult{Value: types.ToolResultBlock{
				ToolUseId: aws.String(tr.CallID),
				Status:    status,
				Content:   []types.ToolResultContentBlock{&types.ToolResultContentBlockMemberText{Value: tr.Content}},
			}})
		}
		if len(blocks) == 0 {
			continue
		}
		result = append(result, types.Message{Role: role, Content: blocks})
	}
	return result
}

func convertBedrockToolSchemas(schemas []llm.ToolSchema) *types.ToolConfiguration {
	tools := make([]types.Tool, len(schemas))
	for i, s := range schemas {
		var params map[string]any
		if err := json.Unmarshal(s.Parameters, &params); err != nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		tools[i] = &types.ToolMemberToolSpec{Value: types.ToolSpecification{
			Name:        aws.String(s.Name),
			Description: aws.String(s.Description),
			InputSchema: &types.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(params)},
		}}
	}
	return &types.ToolConfiguration{Tools: tools}
}

func (g *bedrockGateway) wrapError(err error) error {
	return nexuserrors.New(nexuserrors.Provider, "llm.providers.bedrock", err)
}
