package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderRoundTrip(t *testing.T) {
	r, err := NewRecorder(filepath.Join(t.TempDir(), "usage.db"))
	require.NoError(t, err)

	r.Record(Record{
		RequestID:    "msg_1",
		APIKeyID:     "key-1",
		AccountID:    "acct-1",
		Model:        "gpt-4o",
		InputTokens:  10,
		OutputTokens: 4,
		Stream:       true,
	})
	r.Record(Record{
		RequestID:    "msg_2",
		APIKeyID:     "key-1",
		AccountID:    "acct-1",
		Model:        "gpt-4o",
		InputTokens:  5,
		OutputTokens: 2,
		CreatedAt:    time.Now().UTC(),
	})

	require.NoError(t, r.Close(), "Close drains the queue")
}

func TestRecorderTotals(t *testing.T) {
	path := filepath.Join(t.TempDir(), "usage.db")
	r, err := NewRecorder(path)
	require.NoError(t, err)

	r.Record(Record{RequestID: "msg_1", APIKeyID: "key-1", AccountID: "a", Model: "m", InputTokens: 7, OutputTokens: 3})
	r.Record(Record{RequestID: "msg_2", APIKeyID: "key-1", AccountID: "a", Model: "m", InputTokens: 1, OutputTokens: 1})
	r.Record(Record{RequestID: "msg_3", APIKeyID: "key-2", AccountID: "a", Model: "m", InputTokens: 100, OutputTokens: 100})

	// Close flushes the async queue before we query.
	require.NoError(t, r.Close())

	r2, err := NewRecorder(path)
	require.NoError(t, err)
	defer r2.Close()

	in, out, err := r2.Totals(context.Background(), "key-1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), in)
	assert.Equal(t, int64(4), out)
}
