package server

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/jianjunlu/claude-relay-service/internal/account"
	"github.com/jianjunlu/claude-relay-service/internal/obs"
	"github.com/jianjunlu/claude-relay-service/internal/protocol"
	"github.com/jianjunlu/claude-relay-service/internal/protocol/stream"
	"github.com/jianjunlu/claude-relay-service/internal/ratelimit"
	"github.com/jianjunlu/claude-relay-service/internal/relay"
	"github.com/jianjunlu/claude-relay-service/internal/server/middleware"
	"github.com/jianjunlu/claude-relay-service/internal/usage"
)

// AnthropicMessages handles POST /v1/messages: it translates the request to
// the chat-completions shape, dispatches it to an upstream account, and
// translates the reply back, streaming or buffered.
func (s *Server) AnthropicMessages(c *gin.Context) {
	apiKey, ok := middleware.GetAPIKey(c)
	if !ok {
		c.JSON(http.StatusUnauthorized,
			protocol.NewErrorResponse(protocol.ErrorTypeAuthentication, "missing API key"))
		return
	}

	if !apiKey.HasPermission("openai") {
		s.writeRelayError(c, protocol.NewRelayError(
			protocol.ErrPermissionDenied, "API key lacks permission for this endpoint"))
		return
	}

	var req protocol.MessagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.writeRelayError(c, protocol.WrapRelayError(
			protocol.ErrInvalidRequest, "invalid request body", err))
		return
	}
	if err := req.Validate(); err != nil {
		s.writeRelayError(c, protocol.WrapRelayError(
			protocol.ErrInvalidRequest, err.Error(), err))
		return
	}

	if !apiKey.AllowsModel(req.Model) {
		s.writeRelayError(c, protocol.NewRelayError(
			protocol.ErrModelRestricted, "API key is not allowed to use model "+req.Model))
		return
	}

	chatReq := protocol.ConvertMessagesRequest(&req)

	body, err := json.Marshal(chatReq)
	if err != nil {
		s.writeRelayError(c, protocol.WrapRelayError(
			protocol.ErrInvalidRequest, "failed to encode upstream request", err))
		return
	}
	if req.Stream {
		// Upstreams omit usage in streamed chunks unless asked.
		body, _ = sjson.SetBytes(body, "stream_options.include_usage", true)
	}

	sessionHash := hashSession(apiKey.ID)
	acct, err := s.selectAccount(c, apiKey.ID, sessionHash, req.Model)
	if err != nil {
		s.writeRelayError(c, err)
		return
	}

	sessionID := protocol.NewMessageID()
	logrus.Debugf("dispatching session %s (model %s) to account %s", sessionID, req.Model, acct.ID)

	if req.Stream {
		s.relayStream(c, apiKey, acct, sessionID, sessionHash, req.Model, body)
		return
	}
	s.relayBuffered(c, apiKey, acct, sessionID, sessionHash, req.Model, body)
}

// selectAccount picks an upstream account, refetching once when the selected
// credentials come back redacted.
func (s *Server) selectAccount(c *gin.Context, apiKeyID, sessionHash, model string) (*account.Account, error) {
	acct, err := s.selector.Select(c.Request.Context(), apiKeyID, sessionHash, model)
	if err != nil {
		return nil, err
	}
	if acct.Data.Redacted() || acct.Data.Endpoint() == "" {
		refetched, err := s.selector.GetByID(c.Request.Context(), acct.ID)
		if err == nil {
			acct = refetched
		}
		if acct.Data.Redacted() || acct.Data.Endpoint() == "" {
			return nil, protocol.NewRelayError(protocol.ErrMisconfiguredAccount,
				"account "+acct.ID+" has incomplete credentials")
		}
	}
	return acct, nil
}

func (s *Server) relayBuffered(c *gin.Context, apiKey middleware.APIKey, acct *account.Account, sessionID, sessionHash, model string, body []byte) {
	resp, err := s.upstream.Complete(c.Request.Context(), acct.Data, body)
	if err != nil {
		obs.CountRequest(c.Request.Context(), model, "error", false)
		s.writeRelayError(c, err)
		return
	}
	if resp.StatusCode >= http.StatusBadRequest {
		s.handleUpstreamStatus(c, acct, sessionHash, model, resp.StatusCode, resp.Body, false)
		return
	}

	var completion protocol.ChatCompletion
	if err := json.Unmarshal(resp.Body, &completion); err != nil {
		obs.CountRequest(c.Request.Context(), model, "error", false)
		s.writeRelayError(c, protocol.WrapRelayError(
			protocol.ErrParse, "failed to parse upstream response", err))
		return
	}

	result, err := protocol.ConvertChatCompletion(&completion, model)
	if err != nil {
		obs.CountRequest(c.Request.Context(), model, "error", false)
		s.writeRelayError(c, err)
		return
	}

	s.finishSuccess(c, apiKey, acct, sessionID, model,
		result.Usage.InputTokens, result.Usage.OutputTokens, false)
	c.JSON(http.StatusOK, result)
}

func (s *Server) relayStream(c *gin.Context, apiKey middleware.APIKey, acct *account.Account, sessionID, sessionHash, model string, body []byte) {
	resp, err := s.upstream.OpenStream(c.Request.Context(), acct.Data, body)
	if err != nil {
		obs.CountRequest(c.Request.Context(), model, "error", true)
		s.writeRelayError(c, err)
		return
	}
	if resp.StatusCode >= http.StatusBadRequest {
		errBody := relay.ReadErrorBody(resp)
		s.handleUpstreamStatus(c, acct, sessionHash, model, resp.StatusCode, errBody, true)
		return
	}

	setSSEHeaders(c)
	flusher, ok := sseFlusher(c)
	if !ok {
		resp.Body.Close()
		return
	}

	tr := stream.NewTranslator(sessionID, model)
	err = relay.Pump(resp, tr, func(event stream.Event) error {
		select {
		case <-c.Request.Context().Done():
			return c.Request.Context().Err()
		default:
		}
		return writeEvent(c, flusher, event)
	})
	if err != nil {
		// Mid-stream failure: the stream ends without message_stop so the
		// client can tell the message is incomplete.
		logrus.Warnf("session %s: stream ended with error: %v", sessionID, err)
		obs.CountRequest(c.Request.Context(), model, "error", true)
		return
	}

	// Clean EOF without [DONE]: close the message ourselves.
	if tr.MessageStarted() && !tr.StopSent() {
		for _, ev := range tr.Finish() {
			if werr := writeEvent(c, flusher, ev); werr != nil {
				return
			}
		}
	}

	in, out := tr.Usage()
	s.finishSuccess(c, apiKey, acct, sessionID, model, in, out, true)
}

// handleUpstreamStatus passes an upstream error body through, normalized to
// the downstream envelope. 429s additionally mark the account rate limited.
func (s *Server) handleUpstreamStatus(c *gin.Context, acct *account.Account, sessionHash, model string, status int, body []byte, streamed bool) {
	if status == http.StatusTooManyRequests {
		delay := ratelimit.ResetDelay(body, timeNow())
		s.limiter.MarkRateLimited(acct.ID, acct.Type, sessionHash, delay)
	}
	obs.CountRequest(c.Request.Context(), model, "upstream_error", streamed)

	if !gjson.ValidBytes(body) || !gjson.GetBytes(body, "error").IsObject() {
		c.JSON(status, protocol.NewErrorResponse(protocol.ErrorTypeAPI, string(body)))
		return
	}
	out, _ := sjson.SetBytes(body, "type", "error")
	if !gjson.GetBytes(out, "error.type").Exists() {
		out, _ = sjson.SetBytes(out, "error.type", protocol.ErrorTypeAPI)
	}
	c.Data(status, "application/json", out)
}

// finishSuccess records usage and clears any stale rate-limit flag after a
// completed exchange.
func (s *Server) finishSuccess(c *gin.Context, apiKey middleware.APIKey, acct *account.Account, sessionID, model string, inputTokens, outputTokens int64, streamed bool) {
	obs.CountRequest(c.Request.Context(), model, "success", streamed)
	if s.limiter.IsRateLimited(acct.ID) {
		s.limiter.RemoveRateLimit(acct.ID, acct.Type)
	}
	if s.recorder != nil {
		s.recorder.Record(usage.Record{
			RequestID:    sessionID,
			APIKeyID:     apiKey.ID,
			AccountID:    acct.ID,
			Model:        model,
			InputTokens:  inputTokens,
			OutputTokens: outputTokens,
			Stream:       streamed,
		})
	}
}

// writeRelayError maps a typed relay error to its downstream status and
// envelope.
func (s *Server) writeRelayError(c *gin.Context, err error) {
	var relayErr *protocol.RelayError
	if !errors.As(err, &relayErr) {
		c.JSON(http.StatusInternalServerError,
			protocol.NewErrorResponse(protocol.ErrorTypeAPI, err.Error()))
		return
	}

	status := http.StatusInternalServerError
	errorType := protocol.ErrorTypeAPI
	switch relayErr.Kind {
	case protocol.ErrPermissionDenied:
		status, errorType = http.StatusForbidden, protocol.ErrorTypePermission
	case protocol.ErrModelRestricted:
		status, errorType = http.StatusForbidden, protocol.ErrorTypeInvalidRequest
	case protocol.ErrInvalidRequest:
		status, errorType = http.StatusBadRequest, protocol.ErrorTypeInvalidRequest
	case protocol.ErrNoAccount:
		status, errorType = http.StatusServiceUnavailable, protocol.ErrorTypeOverloaded
	case protocol.ErrMisconfiguredAccount:
		status, errorType = http.StatusServiceUnavailable, protocol.ErrorTypeConfiguration
	case protocol.ErrParse:
		status = http.StatusBadGateway
	case protocol.ErrTransport:
		status = http.StatusInternalServerError
	}
	c.JSON(status, protocol.NewErrorResponse(errorType, relayErr.Message))
}

// timeNow is swapped in tests to pin rate-limit arithmetic.
var timeNow = time.Now

func hashSession(apiKeyID string) string {
	sum := sha256.Sum256([]byte(apiKeyID))
	return hex.EncodeToString(sum[:])[:16]
}
