package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jianjunlu/claude-relay-service/internal/protocol"
	"github.com/jianjunlu/claude-relay-service/internal/protocol/stream"
)

// setSSEHeaders prepares the response for server-sent events.
func setSSEHeaders(c *gin.Context) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
}

// sseFlusher returns the response flusher, failing the request when the
// connection cannot stream.
func sseFlusher(c *gin.Context) (http.Flusher, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError,
			protocol.NewErrorResponse(protocol.ErrorTypeAPI, "streaming not supported by this connection"))
		return nil, false
	}
	return flusher, true
}

// writeEvent sends one translated event downstream and flushes immediately.
func writeEvent(c *gin.Context, flusher http.Flusher, event stream.Event) error {
	data, err := json.Marshal(event.Data)
	if err != nil {
		return err
	}
	c.SSEvent(event.Name, string(data))
	flusher.Flush()
	return nil
}
