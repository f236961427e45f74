package ratelimit

import (
	"regexp"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// DefaultResetDelay is used when an upstream 429 carries no usable reset
// hint.
const DefaultResetDelay = 60 * time.Minute

// Limiter tracks which upstream accounts are currently rate limited. Safe
// for concurrent use by all request tasks.
type Limiter struct {
	mu      sync.RWMutex
	entries map[string]entry
}

type entry struct {
	accountType string
	sessionHash string
	resetAt     time.Time
}

func NewLimiter() *Limiter {
	return &Limiter{entries: make(map[string]entry)}
}

// MarkRateLimited flags an account until resetsIn has elapsed. Non-positive
// delays fall back to DefaultResetDelay.
func (l *Limiter) MarkRateLimited(accountID, accountType, sessionHash string, resetsIn time.Duration) {
	if resetsIn <= 0 {
		resetsIn = DefaultResetDelay
	}
	l.mu.Lock()
	l.entries[accountID] = entry{
		accountType: accountType,
		sessionHash: sessionHash,
		resetAt:     time.Now().Add(resetsIn),
	}
	l.mu.Unlock()
	logrus.Warnf("account %s rate limited for %s (session %s)", accountID, resetsIn, sessionHash)
}

// IsRateLimited reports whether the account still carries an unexpired flag.
// Expired flags are removed lazily.
func (l *Limiter) IsRateLimited(accountID string) bool {
	l.mu.RLock()
	e, ok := l.entries[accountID]
	l.mu.RUnlock()
	if !ok {
		return false
	}
	if time.Now().After(e.resetAt) {
		l.mu.Lock()
		if e2, ok := l.entries[accountID]; ok && time.Now().After(e2.resetAt) {
			delete(l.entries, accountID)
		}
		l.mu.Unlock()
		return false
	}
	return true
}

// RemoveRateLimit clears the flag after a successful completion.
func (l *Limiter) RemoveRateLimit(accountID, accountType string) {
	l.mu.Lock()
	_, ok := l.entries[accountID]
	delete(l.entries, accountID)
	l.mu.Unlock()
	if ok {
		logrus.Infof("rate limit cleared for %s account %s", accountType, accountID)
	}
}

var resetTimePattern = regexp.MustCompile(`(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) UTC([+-]\d+)`)

// ResetDelay extracts the reset delay from an upstream 429 body. It tries,
// in order: a human-readable "msg" timestamp of form
// "YYYY-MM-DD HH:MM:SS UTC+N", a numeric resets_in_seconds field, then
// DefaultResetDelay.
func ResetDelay(body []byte, now time.Time) time.Duration {
	for _, path := range []string{"msg", "error.message", "message"} {
		v := gjson.GetBytes(body, path)
		if !v.Exists() {
			continue
		}
		if d, ok := parseResetTimestamp(v.String(), now); ok {
			return d
		}
	}
	if v := gjson.GetBytes(body, "resets_in_seconds"); v.Exists() && v.Int() > 0 {
		return time.Duration(v.Int()) * time.Second
	}
	if v := gjson.GetBytes(body, "error.resets_in_seconds"); v.Exists() && v.Int() > 0 {
		return time.Duration(v.Int()) * time.Second
	}
	return DefaultResetDelay
}

func parseResetTimestamp(msg string, now time.Time) (time.Duration, bool) {
	m := resetTimePattern.FindStringSubmatch(msg)
	if m == nil {
		return 0, false
	}
	offsetHours := 0
	if _, err := time.Parse("2006-01-02 15:04:05", m[1]); err != nil {
		return 0, false
	}
	if n, err := time.ParseDuration(m[2] + "h"); err == nil {
		offsetHours = int(n.Hours())
	}
	zone := time.FixedZone("UTC_OFFSET", offsetHours*3600)
	resetAt, err := time.ParseInLocation("2006-01-02 15:04:05", m[1], zone)
	if err != nil {
		return 0, false
	}
	delay := resetAt.Sub(now)
	if delay <= 0 {
		return 0, false
	}
	return delay, true
}
