package realtime

import (
	"sync"
	"time"
)

// RateLimiter caps how many client events a connection may emit inside a
// sliding window. It keeps the timestamps of admitted events and admits a new
// one while fewer than limit remain inside the window. Safe for concurrent use.
type RateLimiter struct {
	mu     sync.Mutex
	recent []time.Time
	limit  int
	window time.Duration
}

// NewRateLimiter returns a limiter admitting limit events per window.
// Non-positive inputs fall back to the gateway defaults.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		recent: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow records an event at now and reports whether it fits under the cap.
// Timestamps arrive in order (one read loop per connection), so expired
// entries sit at the front.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	expired := 0
	for expired < len(r.recent) && !r.recent[expired].After(cut) {
		expired++
	}
	if expired > 0 {
		r.recent = append(r.recent[:0], r.recent[expired:]...)
	}

	if len(r.recent) >= r.limit {
		return false
	}
	r.recent = append(r.recent, now)
	return true
}
