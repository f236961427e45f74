package usage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/jianjunlu/claude-relay-service/internal/obs"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage_records (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	request_id    TEXT NOT NULL,
	api_key_id    TEXT NOT NULL,
	account_id    TEXT NOT NULL,
	model         TEXT NOT NULL,
	input_tokens  INTEGER NOT NULL,
	output_tokens INTEGER NOT NULL,
	stream        INTEGER NOT NULL,
	created_at    TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_api_key ON usage_records(api_key_id, created_at);
CREATE INDEX IF NOT EXISTS idx_usage_account ON usage_records(account_id, created_at);
`

// Record is one completed relay exchange's accounting row.
type Record struct {
	RequestID    string
	APIKeyID     string
	AccountID    string
	Model        string
	InputTokens  int64
	OutputTokens int64
	Stream       bool
	CreatedAt    time.Time
}

// Recorder persists usage rows to SQLite off the request path. Writes go
// through a bounded queue; when the queue is full the record is dropped
// rather than stalling a response.
type Recorder struct {
	db    *sql.DB
	queue chan Record
	done  chan struct{}
}

// NewRecorder opens (creating if needed) the usage database and starts the
// drain goroutine.
func NewRecorder(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, err
	}

	r := &Recorder{
		db:    db,
		queue: make(chan Record, 256),
		done:  make(chan struct{}),
	}
	go r.drain()
	return r, nil
}

// Record enqueues a usage row. Never blocks.
func (r *Recorder) Record(rec Record) {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	select {
	case r.queue <- rec:
	default:
		logrus.Warnf("usage queue full, dropping record for request %s", rec.RequestID)
	}
}

func (r *Recorder) drain() {
	defer close(r.done)
	for rec := range r.queue {
		if err := r.insert(rec); err != nil {
			logrus.Errorf("failed to persist usage record %s: %v", rec.RequestID, err)
			continue
		}
		obs.CountTokens(context.Background(), rec.Model, rec.InputTokens, rec.OutputTokens)
	}
}

func (r *Recorder) insert(rec Record) error {
	_, err := r.db.Exec(
		`INSERT INTO usage_records
		 (request_id, api_key_id, account_id, model, input_tokens, output_tokens, stream, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.APIKeyID, rec.AccountID, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.Stream, rec.CreatedAt,
	)
	return err
}

// Totals sums tokens recorded for one API key, for reporting.
func (r *Recorder) Totals(ctx context.Context, apiKeyID string) (inputTokens, outputTokens int64, err error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
		 FROM usage_records WHERE api_key_id = ?`, apiKeyID)
	err = row.Scan(&inputTokens, &outputTokens)
	return inputTokens, outputTokens, err
}

// Close flushes queued records and closes the database.
func (r *Recorder) Close() error {
	close(r.queue)
	<-r.done
	return r.db.Close()
}
