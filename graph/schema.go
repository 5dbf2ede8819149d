package graph

import (
	"github.com/tmc/langchaingo/llms"
)

// StateSchema defines the initial state and the update logic for a typed graph.
type StateSchema[S any] interface {
	// Init returns the initial state.
	Init() S

	// Update merges a node's partial update into the current state.
	Update(current, update S) (S, error)
}

// AddMessages appends update to current without aliasing either slice.
func AddMessages(current, update []llms.MessageContent) []llms.MessageContent {
	if len(update) == 0 {
		return current
	}
	result := make([]llms.MessageContent, 0, len(current)+len(update))
	result = append(result, current...)
	return append(result, update...)
}

// LastMessage returns the newest message of the log.
func LastMessage(messages []llms.MessageContent) (llms.MessageContent, bool) {
	if len(messages) == 0 {
		return llms.MessageContent{}, false
	}
	return messages[len(messages)-1], true
}

// ToolCalls returns the tool calls carried by msg.
func ToolCalls(msg llms.MessageContent) []llms.ToolCall {
	var calls []llms.ToolCall
	for _, part := range msg.Parts {
		if tc, ok := part.(llms.ToolCall); ok {
			calls = append(calls, tc)
		}
	}
	return calls
}
