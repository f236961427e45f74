package account

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jianjunlu/claude-relay-service/internal/protocol"
	"github.com/jianjunlu/claude-relay-service/internal/ratelimit"
)

func testAccounts() []Account {
	return []Account{
		{ID: "a", Type: TypeOpenAI, Enabled: true, Data: Credentials{APIKey: "sk-a", BaseAPI: "https://a.example/v1"}},
		{ID: "b", Type: TypeOpenAI, Enabled: true, Data: Credentials{APIKey: "sk-b", BaseAPI: "https://b.example/v1"}},
		{ID: "c", Type: TypeOpenAI, Enabled: false, Data: Credentials{APIKey: "sk-c", BaseAPI: "https://c.example/v1"}},
	}
}

func TestRoundRobin(t *testing.T) {
	s := NewRoundRobinSelector(testAccounts(), ratelimit.NewLimiter())
	ctx := context.Background()

	first, err := s.Select(ctx, "key", "sess", "m")
	require.NoError(t, err)
	second, err := s.Select(ctx, "key", "sess", "m")
	require.NoError(t, err)
	third, err := s.Select(ctx, "key", "sess", "m")
	require.NoError(t, err)

	assert.Equal(t, "a", first.ID)
	assert.Equal(t, "b", second.ID)
	assert.Equal(t, "a", third.ID, "disabled accounts are skipped")
}

func TestSelectSkipsRateLimited(t *testing.T) {
	limiter := ratelimit.NewLimiter()
	s := NewRoundRobinSelector(testAccounts(), limiter)
	ctx := context.Background()

	limiter.MarkRateLimited("a", TypeOpenAI, "sess", time.Minute)

	acct, err := s.Select(ctx, "key", "sess", "m")
	require.NoError(t, err)
	assert.Equal(t, "b", acct.ID)
}

func TestSelectAllExhausted(t *testing.T) {
	limiter := ratelimit.NewLimiter()
	s := NewRoundRobinSelector(testAccounts(), limiter)
	ctx := context.Background()

	limiter.MarkRateLimited("a", TypeOpenAI, "sess", time.Minute)
	limiter.MarkRateLimited("b", TypeOpenAI, "sess", time.Minute)

	_, err := s.Select(ctx, "key", "sess", "m")
	require.Error(t, err)
	var relayErr *protocol.RelayError
	require.ErrorAs(t, err, &relayErr)
	assert.Equal(t, protocol.ErrNoAccount, relayErr.Kind)
}

func TestSelectSkipsWrongType(t *testing.T) {
	accounts := []Account{
		{ID: "x", Type: "anthropic", Enabled: true, Data: Credentials{APIKey: "sk-x"}},
	}
	s := NewRoundRobinSelector(accounts, ratelimit.NewLimiter())

	_, err := s.Select(context.Background(), "key", "sess", "m")
	assert.Error(t, err)
}

func TestGetByID(t *testing.T) {
	s := NewRoundRobinSelector(testAccounts(), ratelimit.NewLimiter())

	acct, err := s.GetByID(context.Background(), "b")
	require.NoError(t, err)
	assert.Equal(t, "sk-b", acct.Data.APIKey)

	_, err = s.GetByID(context.Background(), "missing")
	assert.Error(t, err)
}

func TestSetAccountsHotReload(t *testing.T) {
	s := NewRoundRobinSelector(testAccounts(), ratelimit.NewLimiter())
	s.SetAccounts([]Account{
		{ID: "z", Type: TypeOpenAI, Enabled: true, Data: Credentials{APIKey: "sk-z", BaseAPI: "https://z.example/v1"}},
	})

	acct, err := s.Select(context.Background(), "key", "sess", "m")
	require.NoError(t, err)
	assert.Equal(t, "z", acct.ID)
}

func TestCredentials(t *testing.T) {
	assert.Equal(t, "https://a.example/v1", Credentials{BaseAPI: "https://a.example/v1", APIURL: "ignored"}.Endpoint())
	assert.Equal(t, "https://b.example/v1", Credentials{APIURL: "https://b.example/v1"}.Endpoint())

	assert.True(t, Credentials{}.Redacted())
	assert.True(t, Credentials{APIKey: "sk-***-abc"}.Redacted())
	assert.False(t, Credentials{APIKey: "sk-full"}.Redacted())
}
