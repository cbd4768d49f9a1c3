package router

import (
	"sync"
	"time"
)

// RateLimiter enforces a sliding-window cap on provider invocations per
// (user, capability) pair.
type RateLimiter struct {
	window time.Duration
	limit  int
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// NewRateLimiter creates a limiter allowing limit calls per window.
// A non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		window:  window,
		limit:   limit,
		now:     time.Now,
		buckets: make(map[string][]time.Time),
	}
}

// WithClock overrides the time source for tests.
func (r *RateLimiter) WithClock(now func() time.Time) *RateLimiter {
	r.now = now
	return r
}

// Allow records an attempt and reports whether it is within the cap.
// Denied attempts do not consume window slots.
func (r *RateLimiter) Allow(userID, capability string) bool {
	if r.limit <= 0 {
		return true
	}

	key := userID + "\x00" + capability
	now := r.now()
	cutoff := now.Add(-r.window)

	r.mu.Lock()
	defer r.mu.Unlock()

	stamps := r.buckets[key]
	kept := stamps[:0]
	for _, t := range stamps {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= r.limit {
		r.buckets[key] = kept
		return false
	}
	r.buckets[key] = append(kept, now)
	return true
}
