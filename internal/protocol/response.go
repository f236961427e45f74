package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// ConvertChatCompletion maps an upstream non-streamed completion to the
// downstream message shape. Content ordering is deterministic:
// text, then thinking, then one tool_use block per tool call.
func ConvertChatCompletion(completion *ChatCompletion, model string) (*MessagesResponse, error) {
	if completion == nil || len(completion.Choices) == 0 {
		return nil, NewRelayError(ErrParse, "upstream response has no choices")
	}

	choice := completion.Choices[0]
	msg := choice.Message

	var content []any
	if msg.Content != nil {
		content = append(content, TextResponseBlock{
			Type: BlockTypeText,
			Text: *msg.Content,
		})
	}
	if msg.ReasoningContent != "" {
		content = append(content, ThinkingResponseBlock{
			Type:     BlockTypeThinking,
			Thinking: msg.ReasoningContent,
		})
	}
	for _, call := range msg.ToolCalls {
		if call.Type != "" && call.Type != "function" {
			continue
		}
		content = append(content, ToolUseResponseBlock{
			Type:  BlockTypeToolUse,
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: parseToolArguments(call.Function.Arguments),
		})
	}

	id := completion.ID
	if id == "" {
		id = NewMessageID()
	}

	var usage Usage
	if completion.Usage != nil {
		usage = NewUsage(completion.Usage.PromptTokens, completion.Usage.CompletionTokens)
	} else {
		usage = NewUsage(0, 0)
	}

	return &MessagesResponse{
		ID:         id,
		Type:       "message",
		Role:       "assistant",
		Content:    content,
		Model:      model,
		StopReason: MapFinishReason(choice.FinishReason),
		Usage:      usage,
	}, nil
}

// parseToolArguments decodes the accumulated arguments JSON, falling back to
// the raw string when the upstream emitted something unparseable.
func parseToolArguments(arguments string) any {
	if arguments == "" {
		return map[string]any{}
	}
	var input any
	if err := json.Unmarshal([]byte(arguments), &input); err != nil {
		return arguments
	}
	return input
}

// NewMessageID generates a downstream message identifier.
func NewMessageID() string {
	return fmt.Sprintf("msg_%s", uuid.NewString())
}
