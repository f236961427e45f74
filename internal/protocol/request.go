package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/sirupsen/logrus"
)

// ConvertMessagesRequest maps an Anthropic messages request to an OpenAI
// chat-completions request. Optional scalars are copied only when present so
// upstream defaults stay in effect.
func ConvertMessagesRequest(req *MessagesRequest) *ChatRequest {
	out := &ChatRequest{
		Model:  req.Model,
		Stream: req.Stream,
	}

	if req.MaxTokens != nil {
		v := *req.MaxTokens
		out.MaxCompletionTokens = &v
	}
	if req.Temperature != nil {
		v := *req.Temperature
		out.Temperature = &v
	}
	if req.TopP != nil {
		v := *req.TopP
		out.TopP = &v
	}
	if len(req.StopSequences) > 0 {
		out.Stop = append([]string(nil), req.StopSequences...)
	}

	if req.System != nil {
		if req.System.IsString {
			out.Messages = append(out.Messages, ChatMessage{Role: "system", Content: req.System.Text})
		} else if s := req.System.Concat(); s != "" {
			out.Messages = append(out.Messages, ChatMessage{Role: "system", Content: s})
		}
	}

	for _, msg := range req.Messages {
		out.Messages = append(out.Messages, convertMessage(msg)...)
	}

	for _, tool := range req.Tools {
		out.Tools = append(out.Tools, ChatTool{
			Type: "function",
			Function: ChatFunction{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.InputSchema,
			},
		})
	}

	if req.ToolChoice != nil {
		switch req.ToolChoice.Type {
		case "auto":
			out.ToolChoice = "auto"
		case "any":
			out.ToolChoice = "required"
		case "tool":
			out.ToolChoice = NamedToolChoice{
				Type:     "function",
				Function: NamedToolChoiceName{Name: req.ToolChoice.Name},
			}
		case "none":
			out.ToolChoice = "none"
		}
		if req.ToolChoice.DisableParallelToolUse {
			disabled := false
			out.ParallelToolCalls = &disabled
		}
	}

	if len(req.Metadata) > 0 {
		out.Metadata = coerceMetadata(req.Metadata)
	}

	return out
}

// convertMessage yields zero or more upstream messages for one downstream
// message. Tool results win over everything else: when present, the message
// becomes one tool-role message per result and all other blocks are dropped.
func convertMessage(msg Message) []ChatMessage {
	if msg.Content.IsString {
		return []ChatMessage{{Role: msg.Role, Content: msg.Content.Text}}
	}

	var (
		textParts    string
		contentParts []ChatContentPart
		toolCalls    []ChatToolCall
		toolResults  []ChatMessage
	)

	for _, block := range msg.Content.Blocks {
		switch block.Type {
		case BlockTypeText:
			textParts += block.Text
			contentParts = append(contentParts, ChatContentPart{Type: "text", Text: block.Text})

		case BlockTypeImage:
			if part, ok := convertImageBlock(block); ok {
				contentParts = append(contentParts, part)
			}

		case BlockTypeDocument:
			if part, ok := convertDocumentBlock(block); ok {
				contentParts = append(contentParts, part)
			}

		case BlockTypeToolUse:
			args := string(block.Input)
			if args == "" {
				args = "{}"
			}
			toolCalls = append(toolCalls, ChatToolCall{
				ID:   block.ID,
				Type: "function",
				Function: ChatToolFunction{
					Name:      block.Name,
					Arguments: args,
				},
			})

		case BlockTypeToolResult:
			toolResults = append(toolResults, ChatMessage{
				Role:       "tool",
				ToolCallID: block.ToolUseID,
				Content:    convertToolResultContent(block.Content),
			})

		case BlockTypeThinking:
			// No standard upstream encoding for prior thinking turns.
			logrus.Debugf("skipping thinking block on request side (signature=%q)", block.Signature)

		default:
			logrus.Debugf("skipping unrecognized content block type %q", block.Type)
		}
	}

	if len(toolResults) > 0 {
		return toolResults
	}

	if msg.Role == "assistant" {
		out := ChatMessage{Role: "assistant"}
		if textParts != "" {
			out.Content = textParts
		}
		if len(toolCalls) > 0 {
			out.ToolCalls = toolCalls
		}
		return []ChatMessage{out}
	}

	if len(contentParts) > 0 {
		return []ChatMessage{{Role: "user", Content: contentParts}}
	}
	return nil
}

func convertImageBlock(block ContentBlock) (ChatContentPart, bool) {
	if block.Source == nil {
		return ChatContentPart{}, false
	}
	switch block.Source.Type {
	case "base64":
		url := fmt.Sprintf("data:%s;base64,%s", block.Source.MediaType, block.Source.Data)
		return ChatContentPart{Type: "image_url", ImageURL: &ChatImageURL{URL: url}}, true
	case "url":
		return ChatContentPart{Type: "image_url", ImageURL: &ChatImageURL{URL: block.Source.URL}}, true
	}
	return ChatContentPart{}, false
}

func convertDocumentBlock(block ContentBlock) (ChatContentPart, bool) {
	if block.Source == nil {
		return ChatContentPart{}, false
	}
	var fileData string
	switch block.Source.Type {
	case "base64":
		fileData = block.Source.Data
	case "text":
		fileData = base64.StdEncoding.EncodeToString([]byte(block.Source.Data))
	case "content":
		var text string
		for _, b := range block.Source.Content {
			if b.Type == BlockTypeText {
				text += b.Text
			}
		}
		fileData = base64.StdEncoding.EncodeToString([]byte(text))
	default:
		return ChatContentPart{}, false
	}
	return ChatContentPart{
		Type: "file",
		File: &ChatFile{FileData: fileData, Filename: block.Title},
	}, true
}

// convertToolResultContent forwards a tool result body either as a plain
// string or as a list of text parts.
func convertToolResultContent(content *ToolResultContent) any {
	if content == nil {
		return ""
	}
	if content.IsString {
		return content.Text
	}
	parts := make([]ChatContentPart, 0, len(content.Blocks))
	for _, b := range content.Blocks {
		if b.Type == BlockTypeText {
			parts = append(parts, ChatContentPart{Type: "text", Text: b.Text})
		}
	}
	return parts
}

// coerceMetadata copies metadata entries, JSON-encoding anything that is not
// already a string. Null values are dropped.
func coerceMetadata(in map[string]any) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		encoded, err := json.Marshal(v)
		if err != nil {
			logrus.Debugf("dropping metadata key %q: %v", k, err)
			continue
		}
		out[k] = string(encoded)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
