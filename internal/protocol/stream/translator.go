package stream

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/jianjunlu/claude-relay-service/internal/protocol"
)

// Anthropic event and delta type names.
const (
	EventMessageStart      = "message_start"
	EventContentBlockStart = "content_block_start"
	EventContentBlockDelta = "content_block_delta"
	EventContentBlockStop  = "content_block_stop"
	EventMessageDelta      = "message_delta"
	EventMessageStop       = "message_stop"

	deltaTypeText      = "text_delta"
	deltaTypeThinking  = "thinking_delta"
	deltaTypeInputJSON = "input_json_delta"
	deltaTypeSignature = "signature_delta"
)

// Event is one downstream SSE event: an event name plus its JSON payload.
type Event struct {
	Name string
	Data map[string]any
}

// ToolBlock records an open tool_use block keyed by its upstream index.
type ToolBlock struct {
	ID   string
	Name string
}

// State is the per-session translation state. At most one of the text and
// thinking blocks is open at any moment; tool blocks may overlap with each
// other but never with an open text or thinking block.
type State struct {
	MessageStarted       bool
	TextBlockStarted     bool
	ThinkingBlockStarted bool
	ToolBlocks           map[int]ToolBlock
	ContentBlockIndex    int
	InputTokens          int64
	OutputTokens         int64
}

// Translator rewrites upstream chat-completion chunks into the Anthropic
// event sequence for a single session. It is owned by exactly one request
// and must not be shared.
type Translator struct {
	sessionID string
	model     string
	state     State
	stopSent  bool
}

// NewTranslator creates a translator for one streamed session. sessionID is
// used as the downstream message id.
func NewTranslator(sessionID, model string) *Translator {
	return &Translator{
		sessionID: sessionID,
		model:     model,
		state: State{
			ToolBlocks: make(map[int]ToolBlock),
		},
	}
}

// MessageStarted reports whether message_start has been emitted.
func (t *Translator) MessageStarted() bool { return t.state.MessageStarted }

// StopSent reports whether message_stop has been emitted.
func (t *Translator) StopSent() bool { return t.stopSent }

// Usage returns the token totals observed so far.
func (t *Translator) Usage() (inputTokens, outputTokens int64) {
	return t.state.InputTokens, t.state.OutputTokens
}

// ObserveUsage folds a usage observation into the session totals. Zero
// values are ignored so a terminal usage block cannot erase earlier counts.
func (t *Translator) ObserveUsage(inputTokens, outputTokens int64) {
	if inputTokens > 0 {
		t.state.InputTokens = inputTokens
	}
	if outputTokens > 0 {
		t.state.OutputTokens = outputTokens
	}
}

// Translate consumes one upstream chunk and returns the downstream events it
// produces, in order. A session that has not yet seen a role emits nothing.
func (t *Translator) Translate(chunk *protocol.ChatCompletionChunk) []Event {
	var events []Event

	if chunk.Usage != nil {
		t.ObserveUsage(chunk.Usage.PromptTokens, chunk.Usage.CompletionTokens)
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.Role != "" && !t.state.MessageStarted {
		t.state.MessageStarted = true
		events = append(events, t.messageStartEvent())
	}
	if !t.state.MessageStarted {
		return events
	}

	if kinds := countDeltaKinds(delta); kinds > 1 {
		logrus.Warnf("session %s: upstream delta interleaves %d block kinds in one chunk", t.sessionID, kinds)
	}

	if delta.Content != "" {
		events = append(events, t.onTextDelta(delta.Content)...)
	}
	if delta.ReasoningContent != "" {
		events = append(events, t.onThinkingDelta(delta.ReasoningContent)...)
	}
	if len(delta.ToolCalls) > 0 {
		events = append(events, t.onToolCalls(delta.ToolCalls)...)
	}

	if choice.FinishReason != "" {
		events = append(events, t.onFinish(choice.FinishReason)...)
	}
	return events
}

// Finish handles the upstream [DONE] sentinel. It returns the terminal
// message_stop, or nothing for a session that never started.
func (t *Translator) Finish() []Event {
	if !t.state.MessageStarted || t.stopSent {
		return nil
	}
	t.stopSent = true
	return []Event{{
		Name: EventMessageStop,
		Data: map[string]any{"type": EventMessageStop},
	}}
}

func (t *Translator) onTextDelta(text string) []Event {
	var events []Event
	if t.state.ThinkingBlockStarted {
		events = append(events, t.closeThinkingBlock()...)
	}
	events = append(events, t.closeToolBlocks()...)
	if !t.state.TextBlockStarted {
		t.state.TextBlockStarted = true
		events = append(events, Event{
			Name: EventContentBlockStart,
			Data: map[string]any{
				"type":  EventContentBlockStart,
				"index": t.state.ContentBlockIndex,
				"content_block": map[string]any{
					"type":      "text",
					"text":      "",
					"citations": nil,
				},
			},
		})
	}
	events = append(events, Event{
		Name: EventContentBlockDelta,
		Data: map[string]any{
			"type":  EventContentBlockDelta,
			"index": t.state.ContentBlockIndex,
			"delta": map[string]any{"type": deltaTypeText, "text": text},
		},
	})
	return events
}

func (t *Translator) onThinkingDelta(thinking string) []Event {
	var events []Event
	if t.state.TextBlockStarted {
		events = append(events, t.closeTextBlock())
	}
	events = append(events, t.closeToolBlocks()...)
	if !t.state.ThinkingBlockStarted {
		t.state.ThinkingBlockStarted = true
		events = append(events, Event{
			Name: EventContentBlockStart,
			Data: map[string]any{
				"type":  EventContentBlockStart,
				"index": t.state.ContentBlockIndex,
				"content_block": map[string]any{
					"type":      "thinking",
					"thinking":  "",
					"signature": "",
				},
			},
		})
	}
	events = append(events, Event{
		Name: EventContentBlockDelta,
		Data: map[string]any{
			"type":  EventContentBlockDelta,
			"index": t.state.ContentBlockIndex,
			"delta": map[string]any{"type": deltaTypeThinking, "thinking": thinking},
		},
	})
	return events
}

func (t *Translator) onToolCalls(calls []protocol.ChatDeltaTool) []Event {
	var events []Event
	if t.state.TextBlockStarted {
		events = append(events, t.closeTextBlock())
	}
	if t.state.ThinkingBlockStarted {
		events = append(events, t.closeThinkingBlock()...)
	}
	for _, call := range calls {
		index := call.UpstreamIndex()
		if call.ID != "" {
			if _, open := t.state.ToolBlocks[index]; open {
				events = append(events, t.contentBlockStop(index))
			}
			t.state.ToolBlocks[index] = ToolBlock{ID: call.ID, Name: call.Function.Name}
			events = append(events, Event{
				Name: EventContentBlockStart,
				Data: map[string]any{
					"type":  EventContentBlockStart,
					"index": index,
					"content_block": map[string]any{
						"type":  "tool_use",
						"id":    call.ID,
						"name":  call.Function.Name,
						"input": map[string]any{},
					},
				},
			})
		}
		if call.Function.Arguments != "" {
			events = append(events, Event{
				Name: EventContentBlockDelta,
				Data: map[string]any{
					"type":  EventContentBlockDelta,
					"index": index,
					"delta": map[string]any{
						"type":         deltaTypeInputJSON,
						"partial_json": call.Function.Arguments,
					},
				},
			})
		}
	}
	return events
}

// onFinish closes whatever is still open and emits the terminal
// message_delta. message_stop is deliberately left to the [DONE] sentinel.
func (t *Translator) onFinish(finishReason string) []Event {
	var events []Event
	if t.state.TextBlockStarted {
		events = append(events, t.closeTextBlock())
	}
	if t.state.ThinkingBlockStarted {
		events = append(events, t.closeThinkingBlock()...)
	}
	events = append(events, t.closeToolBlocks()...)

	// The terminal output_tokens carries input+output combined; downstream
	// accounting already consumes this shape.
	events = append(events, Event{
		Name: EventMessageDelta,
		Data: map[string]any{
			"type": EventMessageDelta,
			"delta": map[string]any{
				"stop_reason":   protocol.MapFinishReason(finishReason),
				"stop_sequence": nil,
			},
			"usage": map[string]any{
				"output_tokens": t.state.InputTokens + t.state.OutputTokens,
				"input_tokens":  int64(0),
			},
		},
	})
	return events
}

func (t *Translator) closeTextBlock() Event {
	stop := t.contentBlockStop(t.state.ContentBlockIndex)
	t.state.TextBlockStarted = false
	t.state.ContentBlockIndex++
	return stop
}

// closeThinkingBlock flushes the empty signature before stopping the block;
// clients expect a signature_delta on every thinking block.
func (t *Translator) closeThinkingBlock() []Event {
	index := t.state.ContentBlockIndex
	events := []Event{
		{
			Name: EventContentBlockDelta,
			Data: map[string]any{
				"type":  EventContentBlockDelta,
				"index": index,
				"delta": map[string]any{"type": deltaTypeSignature, "signature": ""},
			},
		},
		t.contentBlockStop(index),
	}
	t.state.ThinkingBlockStarted = false
	t.state.ContentBlockIndex++
	return events
}

func (t *Translator) closeToolBlocks() []Event {
	if len(t.state.ToolBlocks) == 0 {
		return nil
	}
	indices := make([]int, 0, len(t.state.ToolBlocks))
	for index := range t.state.ToolBlocks {
		indices = append(indices, index)
	}
	sort.Ints(indices)

	events := make([]Event, 0, len(indices))
	for _, index := range indices {
		events = append(events, t.contentBlockStop(index))
	}
	t.state.ToolBlocks = make(map[int]ToolBlock)
	if next := indices[len(indices)-1] + 1; next > t.state.ContentBlockIndex {
		t.state.ContentBlockIndex = next
	}
	return events
}

func (t *Translator) contentBlockStop(index int) Event {
	return Event{
		Name: EventContentBlockStop,
		Data: map[string]any{
			"type":  EventContentBlockStop,
			"index": index,
		},
	}
}

func (t *Translator) messageStartEvent() Event {
	return Event{
		Name: EventMessageStart,
		Data: map[string]any{
			"type": EventMessageStart,
			"message": map[string]any{
				"id":            t.sessionID,
				"type":          "message",
				"role":          "assistant",
				"content":       []any{},
				"model":         t.model,
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage": map[string]any{
					"input_tokens":  0,
					"output_tokens": 0,
				},
			},
		},
	}
}

func countDeltaKinds(delta protocol.ChatDelta) int {
	kinds := 0
	if delta.Content != "" {
		kinds++
	}
	if delta.ReasoningContent != "" {
		kinds++
	}
	if len(delta.ToolCalls) > 0 {
		kinds++
	}
	return kinds
}
