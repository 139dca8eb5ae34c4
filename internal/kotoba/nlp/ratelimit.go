package nlp

import (
	"sync"
	"time"
)

const (
	// DefaultRateLimit is the number of arbitrations allowed per sender per
	// window when no explicit limit is configured.
	DefaultRateLimit = 20

	defaultRateLimitWindow = time.Minute
)

// RateLimiter enforces a per-sender sliding-window limit on natural-language
// arbitration.
//
// It keeps the timestamps of each sender's calls within the window and
// prunes stale ones on every Allow, so memory stays bounded to O(limit)
// entries per active sender. It is safe for concurrent use.
type RateLimiter struct {
	mu       sync.Mutex
	limit    int
	window   time.Duration
	counters map[string][]time.Time
	now      func() time.Time
}

// NewRateLimiter allows at most limit calls per sender within window. A
// non-positive limit uses DefaultRateLimit and a non-positive window one
// minute.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = DefaultRateLimit
	}
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	return &RateLimiter{
		limit:    limit,
		window:   window,
		counters: make(map[string][]time.Time),
		now:      time.Now,
	}
}

// Allow records a call for sender and reports whether it is within quota.
func (r *RateLimiter) Allow(sender string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	valid := r.prune(sender, now)
	if len(valid) >= r.limit {
		r.counters[sender] = valid
		return false
	}
	r.counters[sender] = append(valid, now)
	return true
}

// Remaining returns how many calls sender can still make in the window.
func (r *RateLimiter) Remaining(sender string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	valid := r.prune(sender, r.now())
	if len(valid) == 0 {
		delete(r.counters, sender)
	} else {
		r.counters[sender] = valid
	}
	return max(r.limit-len(valid), 0)
}

// prune drops timestamps outside the window. Must be called with mu held.
func (r *RateLimiter) prune(sender string, now time.Time) []time.Time {
	cutoff := now.Add(-r.window)
	existing := r.counters[sender]
	valid := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	return valid
}
