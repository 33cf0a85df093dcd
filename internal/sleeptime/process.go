package sleeptime

import (
	"context"
	"fmt"

	nexuscontext "github.com/sleeptime/nexus/internal/context"
	nexuserrors "github.com/sleeptime/nexus/internal/errors"
	"github.com/sleeptime/nexus/internal/llm"
	"github.com/sleeptime/nexus/internal/tools"
)

// maxProcessLoops bounds process's internal reasoning loop.
const maxProcessLoops = 10

// finishEditsTool is the sentinel tool name that ends a curation task early.
const finishEditsTool = "finish_edits"

const nudgeMessage = "[This is an automated system message hidden from the user] Please try again, no tools were called. If you are done making edits, call the finish_edits function."

// process runs task's bounded reasoning loop: rebuild the system prompt
// from the memory snapshot, trim the task's private context, stream the
// secondary model, dispatch any tool calls, and repeat until finish_edits
// is called, the iteration cap is hit, or the model errors.
func (s *Scheduler) process(ctx context.Context, task Task) error {
	taskContext := []llm.Message{{Role: "user", Content: task.Data}}
	finished := false

	for iteration := 0; iteration < maxProcessLoops && !finished; iteration++ {
		systemMessages := []llm.Message{{
			Role:    "system",
			Content: s.systemPrompt + "\n" + s.memory.Snapshot(),
		}}

		taskContext = trimTaskContext(taskContext, s.maxContextTokens, systemMessages)

		queryMessages := append(append([]llm.Message(nil), systemMessages...), taskContext...)
		stream, err := s.currentGateway().Query(ctx, queryMessages)
		if err != nil {
			return nexuserrors.New(nexuserrors.Scheduling, "sleeptime.process", fmt.Errorf("query secondary model: %w", err))
		}

		var assistantContent string
		var toolCalls []llm.ToolCall
		for chunk := range stream {
			switch chunk.Kind {
			case llm.ChunkContent:
				assistantContent += chunk.Content
			case llm.ChunkThinking:
				// discarded: no transport to forward thinking to in a
				// background task
			case llm.ChunkToolCall:
				if chunk.ToolCall != nil {
					toolCalls = append(toolCalls, *chunk.ToolCall)
				}
			case llm.ChunkError:
				return nexuserrors.New(nexuserrors.Scheduling, "sleeptime.process", fmt.Errorf("secondary model error: %w", chunk.Err))
			}
		}

		assistantMsg := llm.Message{Role: "assistant", Content: assistantContent}
		if len(toolCalls) > 0 {
			assistantMsg.ToolCalls = toolCalls
		}
		taskContext = append(taskContext, assistantMsg)

		if len(toolCalls) == 0 {
			taskContext = append(taskContext, llm.Message{Role: "user", Content: nudgeMessage})
			continue
		}

		calls := make([]tools.Call, len(toolCalls))
		for i, tc := range toolCalls {
			calls[i] = tools.Call{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		}
		results := s.registry.ProcessBatch(ctx, calls)
		for _, r := range results {
			if r.Name == finishEditsTool && r.Success {
				finished = true
			}
			taskContext = append(taskContext, llm.Message{Role: "tool", Content: resultToString(r)})
		}
	}

	return nil
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

// trimTaskContext mirrors chatloop's trimContext: the spilled-over prefix
// is simply dropped rather than archived, since a sleep-time task's
// private context has no recall log of its own to spill into.
func trimTaskContext(messages []llm.Message, maxTokens int, systemMessages []llm.Message) []llm.Message {
	toCtx := func(ms []llm.Message) []nexuscontext.Message {
		out := make([]nexuscontext.Message, len(ms))
		for i, m := range ms {
			out[i] = nexuscontext.Message{Role: m.Role, Content: m.Content, ToolCalls: m.ToolCalls}
		}
		return out
	}

	_, trimmed := nexuscontext.Trim(toCtx(messages), maxTokens, toCtx(systemMessages))
	return messages[len(trimmed):]
}
