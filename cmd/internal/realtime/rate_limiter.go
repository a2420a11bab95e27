package realtime

import (
	"sync"
	"time"
)

// RateLimiter bounds how many envelopes a single connection may submit per
// sliding window. It remembers the timestamps of the last `limit` permitted
// events in a fixed ring, so memory stays constant per connection.
type RateLimiter struct {
	mu     sync.Mutex
	stamps []time.Time
	head   int
	count  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter with safe defaults when inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		stamps: make([]time.Time, limit),
		window: window,
	}
}

// Allow reports whether an event at time "now" should be permitted.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cut := now.Add(-r.window)
	for r.count > 0 {
		oldest := (r.head - r.count + len(r.stamps)) % len(r.stamps)
		if r.stamps[oldest].After(cut) {
			break
		}
		r.count--
	}

	if r.count == len(r.stamps) {
		return false
	}
	r.stamps[r.head] = now
	r.head = (r.head + 1) % len(r.stamps)
	r.count++
	return true
}
