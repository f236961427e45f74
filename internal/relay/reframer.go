package relay

import (
	"bytes"
	"encoding/json"
	"net/http"

	"github.com/openai/openai-go/v3/packages/ssestream"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/jianjunlu/claude-relay-service/internal/protocol"
	"github.com/jianjunlu/claude-relay-service/internal/protocol/stream"
)

// EmitFunc writes one translated event downstream. Returning an error aborts
// the pump, typically because the client disconnected.
type EmitFunc func(event stream.Event) error

// Pump drains an upstream SSE response through the translator, emitting the
// downstream event sequence. The response body is closed before returning.
//
// Frames that fail to parse as chunks are dropped and the stream continues.
// A clean EOF without [DONE] does not emit message_stop; the caller decides
// whether to synthesize it.
func Pump(resp *http.Response, tr *stream.Translator, emit EmitFunc) error {
	defer resp.Body.Close()

	decoder := ssestream.NewDecoder(resp)
	defer decoder.Close()

	for decoder.Next() {
		data := bytes.TrimSpace(decoder.Event().Data)
		if len(data) == 0 {
			continue
		}
		if string(data) == "[DONE]" {
			for _, ev := range tr.Finish() {
				if err := emit(ev); err != nil {
					return err
				}
			}
			return nil
		}

		sniffUsage(data, tr)

		var chunk protocol.ChatCompletionChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			logrus.Debugf("dropping unparseable upstream frame: %v", err)
			continue
		}
		for _, ev := range tr.Translate(&chunk) {
			if err := emit(ev); err != nil {
				return err
			}
		}
	}
	return decoder.Err()
}

// sniffUsage records token counts from any frame carrying a usage object,
// including ones that later fail full chunk parsing.
func sniffUsage(data []byte, tr *stream.Translator) {
	if !bytes.Contains(data, []byte(`"usage"`)) {
		return
	}
	usage := gjson.GetBytes(data, "usage")
	if !usage.IsObject() {
		return
	}
	tr.ObserveUsage(
		usage.Get("prompt_tokens").Int(),
		usage.Get("completion_tokens").Int(),
	)
}
