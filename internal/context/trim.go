package context

import "encoding/json"

// Message is the minimal shape the trimmer needs to serialize and estimate
// a conversation turn. Callers (the chat loop, the sleep-time scheduler)
// adapt their own message types into this one.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content,omitempty"`
	ToolCalls any    `json:"tool_calls,omitempty"`
}

// serialize renders a message the same way it would be sent to the model,
// so the token estimate reflects what actually crosses the wire.
func serialize(m Message) string {
	b, err := json.Marshal(m)
	if err != nil {
		return m.Content
	}
	return string(b)
}

// Trim drops the oldest messages from kept until its serialized size fits
// within max_tokens minus the token cost of systemMessages. It returns the
// surviving messages and, in oldest-first order, the ones it removed.
//
// kept ++ trimmed always reconstructs the original input in order. On
// return, either kept fits the budget or kept is empty — trimming a single
// system-prompt-sized budget never gets stuck.
func Trim(messages []Message, maxTokens int, systemMessages []Message) (kept, trimmed []Message) {
	systemTokens := 0
	for _, s := range systemMessages {
		systemTokens += EstimateTokens(serialize(s))
	}
	available := maxTokens - systemTokens

	kept = append([]Message(nil), messages...)
	trimmed = []Message{}

	total := 0
	for _, m := range kept {
		total += EstimateTokens(serialize(m))
	}

	for total > available && len(kept) > 0 {
		oldest := kept[0]
		kept = kept[1:]
		trimmed = append(trimmed, oldest)
		total -= EstimateTokens(serialize(oldest))
	}

	return kept, trimmed
}
