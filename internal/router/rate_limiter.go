package router

import (
	"sync"
	"time"
)

// RateLimiterOption customizes a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) RateLimiterOption {
	return func(rl *RateLimiter) { rl.now = now }
}

type limitKey struct {
	connID string
	kind   string
}

// window tracks one (connection, event kind) pair.
type window struct {
	count int
	start time.Time
}

// RateLimiter caps events per (connection, event kind) in a fixed window.
// Windows reset lazily on the first event after they elapse.
type RateLimiter struct {
	mu      sync.Mutex
	windows map[limitKey]*window
	length  time.Duration
	max     int
	now     func() time.Time
}

// NewRateLimiter allows max events of each kind per connection every length.
func NewRateLimiter(length time.Duration, max int, opts ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		windows: make(map[limitKey]*window),
		length:  length,
		max:     max,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(rl)
	}
	return rl
}

// Allow records an event and reports whether it is within the limit.
func (rl *RateLimiter) Allow(connID, kind string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	key := limitKey{connID: connID, kind: kind}

	w, exists := rl.windows[key]
	if !exists {
		rl.windows[key] = &window{count: 1, start: now}
		return rl.max > 0
	}

	if now.Sub(w.start) >= rl.length {
		w.count = 1
		w.start = now
		return rl.max > 0
	}

	if w.count >= rl.max {
		return false
	}
	w.count++
	return true
}

// Forget drops every window of a connection.
func (rl *RateLimiter) Forget(connID string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for key := range rl.windows {
		if key.connID == connID {
			delete(rl.windows, key)
		}
	}
}

// Cleanup removes windows that elapsed without a later event and returns
// how many were removed.
func (rl *RateLimiter) Cleanup() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	removed := 0
	for key, w := range rl.windows {
		if now.Sub(w.start) >= rl.length {
			delete(rl.windows, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked windows.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.windows)
}
