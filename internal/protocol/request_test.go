package protocol

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParseRequest(t *testing.T, body string) *MessagesRequest {
	t.Helper()
	var req MessagesRequest
	require.NoError(t, json.Unmarshal([]byte(body), &req))
	return &req
}

func TestConvertMessagesRequestBasic(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"max_tokens": 1024,
		"temperature": 0.7,
		"stream": true,
		"messages": [
			{"role": "user", "content": "Hello"}
		]
	}`)

	out := ConvertMessagesRequest(req)

	assert.Equal(t, "gpt-4o", out.Model)
	assert.True(t, out.Stream)
	require.NotNil(t, out.MaxCompletionTokens)
	assert.Equal(t, int64(1024), *out.MaxCompletionTokens)
	require.NotNil(t, out.Temperature)
	assert.Equal(t, 0.7, *out.Temperature)
	assert.Nil(t, out.TopP)

	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
	assert.Equal(t, "Hello", out.Messages[0].Content)
}

func TestConvertMessagesRequestOmitsAbsentScalars(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	out := ConvertMessagesRequest(req)
	body, err := json.Marshal(out)
	require.NoError(t, err)

	assert.NotContains(t, string(body), "max_completion_tokens")
	assert.NotContains(t, string(body), "temperature")
	assert.NotContains(t, string(body), "top_p")
	assert.NotContains(t, string(body), "parallel_tool_calls")
}

func TestConvertMessagesRequestSystemString(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"system": "You are helpful.",
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	out := ConvertMessagesRequest(req)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "You are helpful.", out.Messages[0].Content)
}

func TestConvertMessagesRequestSystemBlocksConcat(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"system": [
			{"type": "text", "text": "A"},
			{"type": "text", "text": "B"}
		],
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	out := ConvertMessagesRequest(req)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "system", out.Messages[0].Role)
	assert.Equal(t, "AB", out.Messages[0].Content)
}

func TestConvertMessagesRequestEmptySystemBlocksDropped(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"system": [],
		"messages": [{"role": "user", "content": "hi"}]
	}`)

	out := ConvertMessagesRequest(req)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "user", out.Messages[0].Role)
}

func TestConvertMessagesRequestTools(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hi"}],
		"tools": [
			{"name": "get_weather", "description": "Weather lookup", "input_schema": {"type": "object"}}
		],
		"tool_choice": {"type": "any"}
	}`)

	out := ConvertMessagesRequest(req)
	require.Len(t, out.Tools, 1)
	assert.Equal(t, "function", out.Tools[0].Type)
	assert.Equal(t, "get_weather", out.Tools[0].Function.Name)
	assert.Equal(t, "required", out.ToolChoice)
	assert.Nil(t, out.ParallelToolCalls)
}

func TestConvertMessagesRequestNamedToolChoice(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hi"}],
		"tool_choice": {"type": "tool", "name": "get_weather", "disable_parallel_tool_use": true}
	}`)

	out := ConvertMessagesRequest(req)
	choice, ok := out.ToolChoice.(NamedToolChoice)
	require.True(t, ok)
	assert.Equal(t, "function", choice.Type)
	assert.Equal(t, "get_weather", choice.Function.Name)
	require.NotNil(t, out.ParallelToolCalls)
	assert.False(t, *out.ParallelToolCalls)
}

func TestConvertMessageAssistantToolCalls(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "text", "text": "Let me check."},
				{"type": "tool_use", "id": "toolu_1", "name": "get_weather", "input": {"city": "Paris"}}
			]}
		]
	}`)

	out := ConvertMessagesRequest(req)
	require.Len(t, out.Messages, 1)
	msg := out.Messages[0]
	assert.Equal(t, "assistant", msg.Role)
	assert.Equal(t, "Let me check.", msg.Content)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "toolu_1", msg.ToolCalls[0].ID)
	assert.Equal(t, "get_weather", msg.ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"city":"Paris"}`, msg.ToolCalls[0].Function.Arguments)
}

func TestConvertMessageToolResultsWin(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "ignored"},
				{"type": "tool_result", "tool_use_id": "toolu_1", "content": "sunny"},
				{"type": "tool_result", "tool_use_id": "toolu_2", "content": [{"type": "text", "text": "rainy"}]}
			]}
		]
	}`)

	out := ConvertMessagesRequest(req)
	require.Len(t, out.Messages, 2)
	assert.Equal(t, "tool", out.Messages[0].Role)
	assert.Equal(t, "toolu_1", out.Messages[0].ToolCallID)
	assert.Equal(t, "sunny", out.Messages[0].Content)
	assert.Equal(t, "tool", out.Messages[1].Role)
	assert.Equal(t, "toolu_2", out.Messages[1].ToolCallID)
}

func TestConvertMessageImageBase64(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "What is this?"},
				{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "iVBOR"}}
			]}
		]
	}`)

	out := ConvertMessagesRequest(req)
	require.Len(t, out.Messages, 1)
	parts, ok := out.Messages[0].Content.([]ChatContentPart)
	require.True(t, ok)
	require.Len(t, parts, 2)
	assert.Equal(t, "text", parts[0].Type)
	require.NotNil(t, parts[1].ImageURL)
	assert.Equal(t, "data:image/png;base64,iVBOR", parts[1].ImageURL.URL)
}

func TestConvertMessageImageURL(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": [
				{"type": "image", "source": {"type": "url", "url": "https://img.example/cat.png"}}
			]}
		]
	}`)

	out := ConvertMessagesRequest(req)
	require.Len(t, out.Messages, 1)
	parts, ok := out.Messages[0].Content.([]ChatContentPart)
	require.True(t, ok)
	require.Len(t, parts, 1)
	assert.Equal(t, "image_url", parts[0].Type)
	require.NotNil(t, parts[0].ImageURL)
	assert.Equal(t, "https://img.example/cat.png", parts[0].ImageURL.URL)
}

func TestConvertMessageDocument(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": [
				{"type": "document", "title": "report.pdf",
				 "source": {"type": "base64", "media_type": "application/pdf", "data": "JVBERi0="}},
				{"type": "document",
				 "source": {"type": "text", "data": "plain text body"}},
				{"type": "document", "title": "notes.txt",
				 "source": {"type": "content", "content": [
					{"type": "text", "text": "AB"},
					{"type": "text", "text": "CD"}
				 ]}}
			]}
		]
	}`)

	out := ConvertMessagesRequest(req)
	require.Len(t, out.Messages, 1)
	parts, ok := out.Messages[0].Content.([]ChatContentPart)
	require.True(t, ok)
	require.Len(t, parts, 3)

	// base64 sources pass the data through untouched.
	require.NotNil(t, parts[0].File)
	assert.Equal(t, "file", parts[0].Type)
	assert.Equal(t, "JVBERi0=", parts[0].File.FileData)
	assert.Equal(t, "report.pdf", parts[0].File.Filename)

	// text sources get base64-encoded; no title means no filename.
	require.NotNil(t, parts[1].File)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("plain text body")), parts[1].File.FileData)
	assert.Empty(t, parts[1].File.Filename)

	// content sources concatenate their text blocks before encoding.
	require.NotNil(t, parts[2].File)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("ABCD")), parts[2].File.FileData)
	assert.Equal(t, "notes.txt", parts[2].File.Filename)
}

func TestConvertMessageDocumentUnknownSourceDropped(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "user", "content": [
				{"type": "text", "text": "see attachment"},
				{"type": "document", "source": {"type": "ftp", "data": "x"}}
			]}
		]
	}`)

	out := ConvertMessagesRequest(req)
	require.Len(t, out.Messages, 1)
	parts, ok := out.Messages[0].Content.([]ChatContentPart)
	require.True(t, ok)
	require.Len(t, parts, 1)
	assert.Equal(t, "text", parts[0].Type)
}

func TestConvertMessageThinkingDropped(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"messages": [
			{"role": "assistant", "content": [
				{"type": "thinking", "thinking": "private", "signature": "sig"},
				{"type": "text", "text": "public"}
			]}
		]
	}`)

	out := ConvertMessagesRequest(req)
	require.Len(t, out.Messages, 1)
	assert.Equal(t, "public", out.Messages[0].Content)
}

func TestCoerceMetadata(t *testing.T) {
	req := mustParseRequest(t, `{
		"model": "gpt-4o",
		"messages": [{"role": "user", "content": "hi"}],
		"metadata": {"user_id": "u-1", "count": 3, "skip": null}
	}`)

	out := ConvertMessagesRequest(req)
	assert.Equal(t, "u-1", out.Metadata["user_id"])
	assert.Equal(t, "3", out.Metadata["count"])
	_, ok := out.Metadata["skip"]
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	assert.Error(t, (&MessagesRequest{}).Validate())

	req := mustParseRequest(t, `{"model": "m", "messages": [{"role": "user", "content": "x"}]}`)
	assert.NoError(t, req.Validate())

	bad := mustParseRequest(t, `{"model": "m", "messages": [{"role": "system", "content": "x"}]}`)
	assert.Error(t, bad.Validate())
}
