package relay

import (
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jianjunlu/claude-relay-service/internal/protocol/stream"
)

func sseResponse(frames ...string) *http.Response {
	var b strings.Builder
	for _, frame := range frames {
		b.WriteString("data: ")
		b.WriteString(frame)
		b.WriteString("\n\n")
	}
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(b.String())),
	}
}

func pumpAll(t *testing.T, resp *http.Response, tr *stream.Translator) []stream.Event {
	t.Helper()
	var events []stream.Event
	err := Pump(resp, tr, func(ev stream.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)
	return events
}

func TestPumpTextStream(t *testing.T) {
	resp := sseResponse(
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		`{"choices":[{"delta":{"content":"Hello"}}]}`,
		`{"choices":[{"delta":{"content":" world"}}]}`,
		`{"choices":[{"delta":{},"finish_reason":"stop"}]}`,
		`[DONE]`,
	)

	tr := stream.NewTranslator("msg_1", "gpt-4o")
	events := pumpAll(t, resp, tr)

	names := make([]string, 0, len(events))
	for _, ev := range events {
		names = append(names, ev.Name)
	}
	assert.Equal(t, []string{
		stream.EventMessageStart,
		stream.EventContentBlockStart,
		stream.EventContentBlockDelta,
		stream.EventContentBlockDelta,
		stream.EventContentBlockStop,
		stream.EventMessageDelta,
		stream.EventMessageStop,
	}, names)
	assert.True(t, tr.StopSent())
}

func TestPumpDropsUnparseableFrames(t *testing.T) {
	resp := sseResponse(
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		`{invalid json`,
		`{"choices":[{"delta":{"content":"ok"}}]}`,
		`[DONE]`,
	)

	tr := stream.NewTranslator("msg_1", "m")
	events := pumpAll(t, resp, tr)

	var text string
	for _, ev := range events {
		if ev.Name != stream.EventContentBlockDelta {
			continue
		}
		delta := ev.Data["delta"].(map[string]any)
		if delta["type"] == "text_delta" {
			text += delta["text"].(string)
		}
	}
	assert.Equal(t, "ok", text)
}

func TestPumpSniffsUsage(t *testing.T) {
	resp := sseResponse(
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		`{"choices":[],"usage":{"prompt_tokens":11,"completion_tokens":6}}`,
		`[DONE]`,
	)

	tr := stream.NewTranslator("msg_1", "m")
	pumpAll(t, resp, tr)

	in, out := tr.Usage()
	assert.Equal(t, int64(11), in)
	assert.Equal(t, int64(6), out)
}

func TestPumpEOFWithoutDone(t *testing.T) {
	resp := sseResponse(
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		`{"choices":[{"delta":{"content":"partial"}}]}`,
	)

	tr := stream.NewTranslator("msg_1", "m")
	events := pumpAll(t, resp, tr)

	for _, ev := range events {
		assert.NotEqual(t, stream.EventMessageStop, ev.Name,
			"message_stop is the caller's decision on clean EOF")
	}
	assert.True(t, tr.MessageStarted())
	assert.False(t, tr.StopSent())
}

func TestPumpEmitErrorAborts(t *testing.T) {
	resp := sseResponse(
		`{"choices":[{"delta":{"role":"assistant"}}]}`,
		`{"choices":[{"delta":{"content":"x"}}]}`,
		`[DONE]`,
	)

	tr := stream.NewTranslator("msg_1", "m")
	wantErr := io.ErrClosedPipe
	err := Pump(resp, tr, func(ev stream.Event) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
}
