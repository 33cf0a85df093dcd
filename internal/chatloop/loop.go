// Package chatloop implements the foreground chat reasoning loop: stream a
// model turn, dispatch any tool calls it requests, feed results back, and
// repeat until the model stops calling tools or a loop cap is hit.
package chatloop

import (
	"context"
	"fmt"
	"sync"

	nexuscontext "github.com/sleeptime/nexus/internal/context"
	nexuserrors "github.com/sleeptime/nexus/internal/errors"
	"github.com/sleeptime/nexus/internal/llm"
	"github.com/sleeptime/nexus/internal/memory"
	"github.com/sleeptime/nexus/internal/memory/recall"
	"github.com/sleeptime/nexus/internal/tools"
)

// MaxLoops bounds the number of model-query/tool-dispatch iterations within
// a single turn.
const MaxLoops = 25

// Scheduler is the subset of the sleep-time scheduler's public surface the
// chat loop depends on. Defined here, rather than importing the scheduler
// package directly, so the two packages can evolve independently and
// neither imports the other.
type Scheduler interface {
	NotifyForegroundStart()
	NotifyForegroundEnd()
	Submit(payload string)
}

// TransportChunkKind discriminates the one populated field of a
// TransportChunk, the unit the chat loop emits to its caller (the transport
// layer, over HTTP/WebSocket).
type TransportChunkKind string

const (
	TransportContent    TransportChunkKind = "content"
	TransportThinking   TransportChunkKind = "thinking"
	TransportToolCall   TransportChunkKind = "tool_call"
	TransportToolResult TransportChunkKind = "tool_result"
	TransportError      TransportChunkKind = "error"
)

// TransportChunk is one record the loop sends to the transport layer.
type TransportChunk struct {
	Kind       TransportChunkKind
	Content    string
	Thinking   string
	ToolCall   *llm.ToolCall
	ToolResult *tools.Result
	Err        string
	IsComplete bool
}

// Conversation holds the evolving state of one chat session: its turn
// history and the running count of user messages since the last handoff to
// the sleep-time scheduler.
type Conversation struct {
	mu               sync.Mutex
	Context          []llm.Message
	userMessageCount int
	sinceLastSleep   []llm.Message
}

// NewConversation starts an empty conversation.
func NewConversation() *Conversation {
	return &Conversation{}
}

// appendTurn records msg in both the live context and the buffer of turns
// accumulated since the last scheduler handoff.
func (c *Conversation) appendTurn(msg llm.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Context = append(c.Context, msg)
	c.sinceLastSleep = append(c.sinceLastSleep, msg)
}

// History returns a snapshot of the conversation's live context, for the
// /history and /sleep_agent/trigger endpoints.
func (c *Conversation) History() []llm.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]llm.Message, len(c.Context))
	copy(out, c.Context)
	return out
}

// Clear empties the conversation's context and the pending-handoff buffer,
// for the /clear endpoint.
func (c *Conversation) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Context = nil
	c.userMessageCount = 0
	c.sinceLastSleep = nil
}

// Loop drives one turn at a time over a Conversation.
type Loop struct {
	Gateway      llm.Gateway
	Registry     *tools.Registry
	Memory       *memory.Store
	Scheduler    Scheduler
	SystemPrompt string
	MaxTokens    int
	SleepTrigger int // number of user messages that triggers a scheduler handoff; <= 0 disables the handoff

	gatewayMu sync.Mutex
}

// SetGateway swaps the primary model gateway, for the /set_model endpoint.
// Safe to call while RunTurn is in flight; the swap takes effect on the
// next model query.
func (l *Loop) SetGateway(gateway llm.Gateway) {
	l.gatewayMu.Lock()
	l.Gateway = gateway
	l.gatewayMu.Unlock()
}

func (l *Loop) currentGateway() llm.Gateway {
	l.gatewayMu.Lock()
	defer l.gatewayMu.Unlock()
	return l.Gateway
}

// RunTurn executes a single user turn: it streams model output, dispatches
// any requested tool calls, and repeats until the model stops requesting
// tools or MaxLoops is reached. The returned channel is closed once the
// turn completes.
func (l *Loop) RunTurn(ctx context.Context, conv *Conversation, userMessage string) <-chan TransportChunk {
	out := make(chan TransportChunk, 16)

	go func() {
		defer close(out)

		l.Scheduler.NotifyForegroundStart()
		defer l.Scheduler.NotifyForegroundEnd()

		conv.appendTurn(llm.Message{Role: "user", Content: userMessage})
		conv.mu.Lock()
		conv.userMessageCount++
		conv.mu.Unlock()

		k := 0
		for k < MaxLoops {
			systemMessages := []llm.Message{{
				Role:    "system",
				Content: l.SystemPrompt + l.Memory.Snapshot(),
			}}

			conv.mu.Lock()
			kept, trimmed := trimContext(conv.Context, l.MaxTokens, systemMessages)
			conv.Context = kept
			conv.mu.Unlock()

			if len(trimmed) > 0 {
				if err := l.Memory.Recall.Append(ctx, toRecallMessages(trimmed), ""); err != nil {
					out <- TransportChunk{Kind: TransportError, Err: err.Error(), IsComplete: true}
					return
				}
			}

			queryMessages := append(append([]llm.Message(nil), systemMessages...), conv.Context...)
			stream, err := l.currentGateway().Query(ctx, queryMessages)
			if err != nil {
				out <- TransportChunk{Kind: TransportError, Err: err.Error(), IsComplete: true}
				return
			}

			var assistantContent string
			var toolCalls []llm.ToolCall
			streamErr := ""

			for chunk := range stream {
				switch chunk.Kind {
				case llm.ChunkContent:
					assistantContent += chunk.Content
					out <- TransportChunk{Kind: TransportContent, Content: chunk.Content}
				case llm.ChunkThinking:
					out <- TransportChunk{Kind: TransportThinking, Thinking: chunk.Thinking}
				case llm.ChunkToolCall:
					if chunk.ToolCall != nil {
						toolCalls = append(toolCalls, *chunk.ToolCall)
						out <- TransportChunk{Kind: TransportToolCall, ToolCall: chunk.ToolCall}
					}
				case llm.ChunkError:
					streamErr = chunk.Err.Error()
				}
			}

			if streamErr != "" {
				conv.appendTurn(llm.Message{Role: "assistant", Content: assistantContent})
				out <- TransportChunk{Kind: TransportError, Err: streamErr, IsComplete: true}
				return
			}

			conv.appendTurn(llm.Message{Role: "assistant", Content: assistantContent, ToolCalls: toolCalls})

			if len(toolCalls) == 0 {
				break
			}

			calls := make([]tools.Call, len(toolCalls))
			for i, tc := range toolCalls {
				calls[i] = tools.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
			}
			results := l.Registry.ProcessBatch(ctx, calls)

			producedAny := false
			for _, r := range results {
				conv.appendTurn(llm.Message{Role: "tool", Content: resultToString(r)})
				producedAny = true
			}

			for i := range results {
				out <- TransportChunk{Kind: TransportToolResult, ToolResult: &results[i]}
			}

			if !producedAny {
				break
			}
			k++
		}

		if k == MaxLoops {
			out <- TransportChunk{
				Kind:    TransportContent,
				Content: fmt.Sprintf("\n\n[stopped after reaching the %d-iteration tool-call limit for this turn]", MaxLoops),
			}
		}

		out <- TransportChunk{IsComplete: true}

		l.maybeHandoffToScheduler(conv)
	}()

	return out
}

func (l *Loop) maybeHandoffToScheduler(conv *Conversation) {
	if l.SleepTrigger <= 0 {
		// SleepTrigger <= 0 disables the scheduler handoff entirely.
		return
	}

	conv.mu.Lock()
	defer conv.mu.Unlock()

	if conv.userMessageCount < l.SleepTrigger {
		return
	}

	payload := digestConversation(conv.sinceLastSleep)
	l.Scheduler.Submit(payload)
	conv.userMessageCount = 0
	conv.sinceLastSleep = nil
}

func trimContext(messages []llm.Message, maxTokens int, systemMessages []llm.Message) ([]llm.Message, []llm.Message) {
	toCtx := func(ms []llm.Message) []nexuscontext.Message {
		out := make([]nexuscontext.Message, len(ms))
		for i, m := range ms {
			out[i] = nexuscontext.Message{Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls}
		}
		return out
	}

	kept, trimmed := nexuscontext.Trim(toCtx(messages), maxTokens, toCtx(systemMessages))

	fromCtx := func(cs []nexuscontext.Message, originals []llm.Message) []llm.Message {
		// originals and cs are index-aligned for trimmed (oldest-first prefix
		// of messages); reconstruct full llm.Message (including tool calls)
		// by matching position rather than rebuilding from the trimmer's
		// minimal shape.
		out := make([]llm.Message, len(cs))
		for i := range cs {
			out[i] = originals[i]
		}
		return out
	}

	return fromCtx(kept, messages[len(trimmed):]), fromCtx(trimmed, messages[:len(trimmed)])
}

func toRecallMessages(messages []llm.Message) []recall.Message {
	out := make([]recall.Message, len(messages))
	for i, m := range messages {
		out[i] = recall.Message{Role: m.Role, Content: m.Content}
	}
	return out
}

func resultToString(r tools.Result) string {
	if !r.Success {
		return fmt.Sprintf("error: %s", r.Err)
	}
	if r.Value == nil {
		return "null"
	}
	return fmt.Sprintf("%v", r.Value)
}

func digestConversation(messages []llm.Message) string {
	var digest string
	for _, m := range messages {
		if m.Content == "" {
			continue
		}
		digest += m.Role + ": " + m.Content + "\n"
	}
	return digest
}

// errMemoryNotConfigured is returned by Validate when a Loop is
// constructed without a memory store — kept as a sentinel rather than a
// panic so startup wiring mistakes surface as a configuration error.
var errMemoryNotConfigured = nexuserrors.New(nexuserrors.Configuration, "chatloop.Loop", fmt.Errorf("memory store is required"))

// Validate checks that a Loop has every dependency RunTurn assumes is
// non-nil.
func (l *Loop) Validate() error {
	if l.currentGateway() == nil {
		return nexuserrors.New(nexuserrors.Configuration, "chatloop.Loop", fmt.Errorf("gateway is required"))
	}
	if l.Registry == nil {
		return nexuserrors.New(nexuserrors.Configuration, "chatloop.Loop", fmt.Errorf("tool registry is required"))
	}
	if l.Memory == nil {
		return errMemoryNotConfigured
	}
	if l.Scheduler == nil {
		return nexuserrors.New(nexuserrors.Configuration, "chatloop.Loop", fmt.Errorf("scheduler is required"))
	}
	if l.MaxTokens <= 0 {
		return nexuserrors.New(nexuserrors.Configuration, "chatloop.Loop", fmt.Errorf("max_tokens must be positive"))
	}
	// SleepTrigger <= 0 is a deliberate "scheduler disabled" configuration
	// (see config.SchedulerConfig.SleepAgentMessageTrigger) and is valid.
	return nil
}
