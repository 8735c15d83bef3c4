package policy

import (
	"sync"
	"time"
)

// rateTable implements fixed 60-second-window rate limiting per key. The
// first request in a window always succeeds (when the limit is ≥ 1) and
// resets the counter; waits are never blocking — over-limit requests are
// rejected with the window's reset time.
type rateTable struct {
	mu      sync.Mutex
	limit   int
	buckets map[string]*rateBucket

	// now is swappable for tests.
	now func() time.Time
}

type rateBucket struct {
	count   int
	resetAt time.Time
}

const rateWindow = 60 * time.Second

func newRateTable(limit int) *rateTable {
	return &rateTable{
		limit:   limit,
		buckets: make(map[string]*rateBucket),
		now:     time.Now,
	}
}

// take consumes one request from the key's bucket and reports the outcome.
// A zero limit disables the gate entirely.
func (t *rateTable) take(key string) RateLimitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()

	if t.limit <= 0 {
		return RateLimitStatus{Allowed: true, Remaining: -1, ResetAt: now.Add(rateWindow)}
	}

	b, ok := t.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		b = &rateBucket{count: 0, resetAt: now.Add(rateWindow)}
		t.buckets[key] = b
	}

	if b.count >= t.limit {
		return RateLimitStatus{Allowed: false, Remaining: 0, ResetAt: b.resetAt}
	}

	b.count++
	return RateLimitStatus{
		Allowed:   true,
		Remaining: t.limit - b.count,
		ResetAt:   b.resetAt,
	}
}

// peek reports bucket state without consuming.
func (t *rateTable) peek(key string) RateLimitStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now().UTC()
	if t.limit <= 0 {
		return RateLimitStatus{Allowed: true, Remaining: -1, ResetAt: now.Add(rateWindow)}
	}
	b, ok := t.buckets[key]
	if !ok || !now.Before(b.resetAt) {
		return RateLimitStatus{Allowed: true, Remaining: t.limit, ResetAt: now.Add(rateWindow)}
	}
	return RateLimitStatus{
		Allowed:   b.count < t.limit,
		Remaining: t.limit - b.count,
		ResetAt:   b.resetAt,
	}
}
