package account

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/jianjunlu/claude-relay-service/internal/protocol"
	"github.com/jianjunlu/claude-relay-service/internal/ratelimit"
)

// Upstream account types the relay can dispatch to.
const (
	TypeOpenAI          = "openai"
	TypeOpenAIResponses = "openai-responses"
)

// Credentials are the connection details of one upstream account. BaseAPI
// and APIURL are synonyms; stores differ in which one they populate.
type Credentials struct {
	APIKey    string `json:"apiKey"`
	BaseAPI   string `json:"baseApi,omitempty"`
	APIURL    string `json:"apiUrl,omitempty"`
	UserAgent string `json:"userAgent,omitempty"`
	Proxy     string `json:"proxy,omitempty"`
}

// Endpoint returns the configured API base, preferring baseApi.
func (c Credentials) Endpoint() string {
	if c.BaseAPI != "" {
		return c.BaseAPI
	}
	return c.APIURL
}

// Redacted reports whether the credentials came back masked and need a
// by-id refetch before use.
func (c Credentials) Redacted() bool {
	return c.APIKey == "" || strings.Contains(c.APIKey, "***")
}

// Account is one schedulable upstream.
type Account struct {
	ID      string      `json:"id"`
	Name    string      `json:"name,omitempty"`
	Type    string      `json:"type"`
	Enabled bool        `json:"enabled"`
	Data    Credentials `json:"data"`
}

// Selector picks an upstream account for a request. Implementations must be
// safe for concurrent use.
type Selector interface {
	Select(ctx context.Context, apiKeyID, sessionHash, model string) (*Account, error)
	GetByID(ctx context.Context, id string) (*Account, error)
}

// RoundRobinSelector cycles through enabled, non-rate-limited accounts.
type RoundRobinSelector struct {
	mu       sync.Mutex
	accounts []Account
	cursor   int
	limiter  *ratelimit.Limiter
}

func NewRoundRobinSelector(accounts []Account, limiter *ratelimit.Limiter) *RoundRobinSelector {
	return &RoundRobinSelector{accounts: append([]Account(nil), accounts...), limiter: limiter}
}

// SetAccounts swaps the account list on config reload.
func (s *RoundRobinSelector) SetAccounts(accounts []Account) {
	s.mu.Lock()
	s.accounts = append([]Account(nil), accounts...)
	if s.cursor >= len(s.accounts) {
		s.cursor = 0
	}
	s.mu.Unlock()
}

// Select returns the next schedulable account. Rate-limited accounts are
// skipped; if every candidate is flagged the selection fails rather than
// queue behind a throttled upstream.
func (s *RoundRobinSelector) Select(ctx context.Context, apiKeyID, sessionHash, model string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.accounts)
	for i := 0; i < n; i++ {
		candidate := s.accounts[(s.cursor+i)%n]
		if !candidate.Enabled {
			continue
		}
		if candidate.Type != TypeOpenAI && candidate.Type != TypeOpenAIResponses {
			continue
		}
		if s.limiter != nil && s.limiter.IsRateLimited(candidate.ID) {
			logrus.Debugf("skipping rate-limited account %s", candidate.ID)
			continue
		}
		s.cursor = (s.cursor + i + 1) % n
		out := candidate
		return &out, nil
	}
	return nil, protocol.NewRelayError(protocol.ErrNoAccount, "no schedulable upstream account")
}

// GetByID refetches an account with unredacted credentials.
func (s *RoundRobinSelector) GetByID(ctx context.Context, id string) (*Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accounts {
		if a.ID == id {
			out := a
			return &out, nil
		}
	}
	return nil, protocol.NewRelayError(protocol.ErrNoAccount, "account not found: "+id)
}
