package protocol

import "encoding/json"

// OpenAI chat-completions wire types, limited to the fields the relay reads
// and writes. Pointer fields distinguish absent from zero so upstream
// defaults are preserved.

// OpenAI finish reasons.
const (
	FinishReasonStop          = "stop"
	FinishReasonLength        = "length"
	FinishReasonToolCalls     = "tool_calls"
	FinishReasonFunctionCall  = "function_call"
	FinishReasonContentFilter = "content_filter"
)

// ChatRequest is the upstream request body.
type ChatRequest struct {
	Model               string            `json:"model"`
	Messages            []ChatMessage     `json:"messages"`
	Stream              bool              `json:"stream,omitempty"`
	MaxCompletionTokens *int64            `json:"max_completion_tokens,omitempty"`
	Temperature         *float64          `json:"temperature,omitempty"`
	TopP                *float64          `json:"top_p,omitempty"`
	Stop                []string          `json:"stop,omitempty"`
	Tools               []ChatTool        `json:"tools,omitempty"`
	ToolChoice          any               `json:"tool_choice,omitempty"`
	ParallelToolCalls   *bool             `json:"parallel_tool_calls,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// ChatMessage is a role-tagged upstream message. Content is a string, a list
// of ChatContentPart, or nil (assistant messages that only carry tool calls).
type ChatMessage struct {
	Role       string         `json:"role"`
	Content    any            `json:"content"`
	ToolCalls  []ChatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

// ChatContentPart is one element of a multimodal content array.
type ChatContentPart struct {
	Type     string        `json:"type"` // text, image_url, file
	Text     string        `json:"text,omitempty"`
	ImageURL *ChatImageURL `json:"image_url,omitempty"`
	File     *ChatFile     `json:"file,omitempty"`
}

type ChatImageURL struct {
	URL string `json:"url"`
}

type ChatFile struct {
	FileData string `json:"file_data"`
	Filename string `json:"filename,omitempty"`
}

// ChatTool wraps a function declaration.
type ChatTool struct {
	Type     string       `json:"type"`
	Function ChatFunction `json:"function"`
}

type ChatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ChatToolCall is a completed tool call on an assistant message.
type ChatToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function ChatToolFunction `json:"function"`
}

type ChatToolFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NamedToolChoice is the object form of tool_choice.
type NamedToolChoice struct {
	Type     string              `json:"type"`
	Function NamedToolChoiceName `json:"function"`
}

type NamedToolChoiceName struct {
	Name string `json:"name"`
}

// ChatCompletion is the non-streamed upstream response.
type ChatCompletion struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []ChatChoice `json:"choices"`
	Usage   *ChatUsage   `json:"usage,omitempty"`
}

type ChatChoice struct {
	Message      ChatChoiceMessage `json:"message"`
	FinishReason string            `json:"finish_reason"`
}

// ChatChoiceMessage is the assistant message of a completed choice. Content
// is a pointer so a JSON null stays distinguishable from an empty string.
type ChatChoiceMessage struct {
	Role             string         `json:"role"`
	Content          *string        `json:"content"`
	ReasoningContent string         `json:"reasoning_content,omitempty"`
	ToolCalls        []ChatToolCall `json:"tool_calls,omitempty"`
}

type ChatUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// ChatCompletionChunk is one streamed upstream SSE payload.
type ChatCompletionChunk struct {
	ID      string            `json:"id"`
	Model   string            `json:"model"`
	Choices []ChatChunkChoice `json:"choices"`
	Usage   *ChatUsage        `json:"usage,omitempty"`
}

type ChatChunkChoice struct {
	Delta        ChatDelta `json:"delta"`
	FinishReason string    `json:"finish_reason"`
}

// ChatDelta carries the incremental fields of a streamed choice.
// reasoning_content is the de-facto extension several upstreams use for
// chain-of-thought tokens.
type ChatDelta struct {
	Role             string          `json:"role,omitempty"`
	Content          string          `json:"content,omitempty"`
	ReasoningContent string          `json:"reasoning_content,omitempty"`
	ToolCalls        []ChatDeltaTool `json:"tool_calls,omitempty"`
}

// ChatDeltaTool is a streamed tool-call fragment. Index is a pointer because
// some upstreams omit it on single calls; it defaults to 0.
type ChatDeltaTool struct {
	Index    *int              `json:"index,omitempty"`
	ID       string            `json:"id,omitempty"`
	Type     string            `json:"type,omitempty"`
	Function ChatDeltaFunction `json:"function"`
}

type ChatDeltaFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// UpstreamIndex returns the tool-call index, defaulting to 0 when absent.
func (t ChatDeltaTool) UpstreamIndex() int {
	if t.Index == nil {
		return 0
	}
	return *t.Index
}

// MapFinishReason converts an upstream finish_reason to the downstream
// stop_reason vocabulary.
func MapFinishReason(finishReason string) string {
	switch finishReason {
	case FinishReasonStop:
		return StopReasonEndTurn
	case FinishReasonLength:
		return StopReasonMaxTokens
	case FinishReasonToolCalls, FinishReasonFunctionCall:
		return StopReasonToolUse
	case FinishReasonContentFilter:
		return StopReasonRefusal
	default:
		return StopReasonEndTurn
	}
}
