package protocol

import (
	"encoding/json"
	"fmt"
)

// Anthropic messages API wire types. These are hand-rolled rather than taken
// from an SDK because the relay must round-trip exactly what clients send,
// including the distinction between absent and zero-valued fields.

// Content block type tags.
const (
	BlockTypeText       = "text"
	BlockTypeImage      = "image"
	BlockTypeDocument   = "document"
	BlockTypeToolUse    = "tool_use"
	BlockTypeToolResult = "tool_result"
	BlockTypeThinking   = "thinking"
)

// Anthropic stop reasons.
const (
	StopReasonEndTurn   = "end_turn"
	StopReasonMaxTokens = "max_tokens"
	StopReasonToolUse   = "tool_use"
	StopReasonRefusal   = "refusal"
)

// MessagesRequest is the body of POST /v1/messages.
type MessagesRequest struct {
	Model         string         `json:"model"`
	Messages      []Message      `json:"messages"`
	System        *SystemPrompt  `json:"system,omitempty"`
	MaxTokens     *int64         `json:"max_tokens,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	StopSequences []string       `json:"stop_sequences,omitempty"`
	Stream        bool           `json:"stream,omitempty"`
	Tools         []ToolDef      `json:"tools,omitempty"`
	ToolChoice    *ToolChoice    `json:"tool_choice,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Message is a single conversation turn. Content is either a plain string or
// an ordered list of content blocks.
type Message struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
}

// MessageContent holds the string-or-blocks union of a message body.
type MessageContent struct {
	Text     string
	Blocks   []ContentBlock
	IsString bool
}

func (mc *MessageContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		mc.IsString = true
		return json.Unmarshal(data, &mc.Text)
	}
	mc.IsString = false
	return json.Unmarshal(data, &mc.Blocks)
}

func (mc MessageContent) MarshalJSON() ([]byte, error) {
	if mc.IsString {
		return json.Marshal(mc.Text)
	}
	return json.Marshal(mc.Blocks)
}

// ContentBlock is the tagged union over every request-side block variant.
// Only the fields matching Type are populated.
type ContentBlock struct {
	Type string `json:"type"`

	// text, also reused for thinking text on response blocks
	Text string `json:"text,omitempty"`

	// image / document
	Source *BlockSource `json:"source,omitempty"`
	Title  string       `json:"title,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result
	ToolUseID string             `json:"tool_use_id,omitempty"`
	Content   *ToolResultContent `json:"content,omitempty"`

	// thinking
	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`
}

// BlockSource is the source union of image and document blocks.
type BlockSource struct {
	Type      string `json:"type"` // base64, url, text, content
	MediaType string `json:"media_type,omitempty"`
	Data      string `json:"data,omitempty"`
	URL       string `json:"url,omitempty"`
	// document "content" sources carry nested text blocks
	Content []ContentBlock `json:"content,omitempty"`
}

// ToolResultContent is the string-or-text-blocks union carried by a
// tool_result block.
type ToolResultContent struct {
	Text     string
	Blocks   []ContentBlock
	IsString bool
}

func (tc *ToolResultContent) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		tc.IsString = true
		return json.Unmarshal(data, &tc.Text)
	}
	tc.IsString = false
	return json.Unmarshal(data, &tc.Blocks)
}

func (tc ToolResultContent) MarshalJSON() ([]byte, error) {
	if tc.IsString {
		return json.Marshal(tc.Text)
	}
	return json.Marshal(tc.Blocks)
}

// SystemPrompt is the string-or-text-blocks union of the system field.
type SystemPrompt struct {
	Text     string
	Blocks   []ContentBlock
	IsString bool
}

func (sp *SystemPrompt) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		sp.IsString = true
		return json.Unmarshal(data, &sp.Text)
	}
	sp.IsString = false
	return json.Unmarshal(data, &sp.Blocks)
}

func (sp SystemPrompt) MarshalJSON() ([]byte, error) {
	if sp.IsString {
		return json.Marshal(sp.Text)
	}
	return json.Marshal(sp.Blocks)
}

// Concat joins the text of all text blocks in declaration order. For string
// prompts it returns the string itself.
func (sp SystemPrompt) Concat() string {
	if sp.IsString {
		return sp.Text
	}
	var out string
	for _, b := range sp.Blocks {
		if b.Type == BlockTypeText {
			out += b.Text
		}
	}
	return out
}

// ToolDef declares a callable tool.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoice selects the tool invocation policy.
type ToolChoice struct {
	Type                   string `json:"type"` // auto, any, tool, none
	Name                   string `json:"name,omitempty"`
	DisableParallelToolUse bool   `json:"disable_parallel_tool_use,omitempty"`
}

// MessagesResponse is the non-streamed downstream response body.
type MessagesResponse struct {
	ID           string  `json:"id"`
	Type         string  `json:"type"`
	Role         string  `json:"role"`
	Content      []any   `json:"content"`
	Model        string  `json:"model"`
	StopReason   string  `json:"stop_reason"`
	StopSequence *string `json:"stop_sequence"`
	Usage        Usage   `json:"usage"`
}

// Usage is the downstream usage accounting block. The cache and server-tool
// fields are always emitted (as null when unknown) to match the messages API
// response shape.
type Usage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreation            any   `json:"cache_creation"`
	CacheCreationInputTokens any   `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     any   `json:"cache_read_input_tokens"`
	ServerToolUse            any   `json:"server_tool_use"`
	ServiceTier              string `json:"service_tier"`
}

// NewUsage builds a usage block with the standard service tier and null
// cache accounting.
func NewUsage(inputTokens, outputTokens int64) Usage {
	return Usage{
		InputTokens:  inputTokens,
		OutputTokens: outputTokens,
		ServiceTier:  "standard",
	}
}

// TextResponseBlock is a response-side text content block.
type TextResponseBlock struct {
	Type      string `json:"type"`
	Text      string `json:"text"`
	Citations any    `json:"citations"`
}

// ThinkingResponseBlock is a response-side thinking content block.
type ThinkingResponseBlock struct {
	Type      string `json:"type"`
	Thinking  string `json:"thinking"`
	Signature string `json:"signature"`
}

// ToolUseResponseBlock is a response-side tool_use content block.
type ToolUseResponseBlock struct {
	Type  string `json:"type"`
	ID    string `json:"id"`
	Name  string `json:"name"`
	Input any    `json:"input"`
}

// Validate performs the minimal structural checks the relay needs before
// transforming a request.
func (r *MessagesRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("model is required")
	}
	if len(r.Messages) == 0 {
		return fmt.Errorf("messages must not be empty")
	}
	for i, m := range r.Messages {
		if m.Role != "user" && m.Role != "assistant" {
			return fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
	}
	return nil
}
