package engine

import (
	"sync"
	"time"
)

// RateLimiter enforces a sliding-window request cap per identity. An
// identity is usually a worker ID but callers may key on anything.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	hits   map[string][]time.Time
	now    func() time.Time
}

// NewRateLimiter allows up to limit requests per identity within window.
// A non-positive limit disables limiting.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:  limit,
		window: window,
		hits:   make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records a request for identity and reports whether it fits within
// the window. Rejected requests are not recorded.
func (rl *RateLimiter) Allow(identity string) bool {
	if rl.limit <= 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	cutoff := now.Add(-rl.window)
	kept := rl.hits[identity][:0]
	for _, t := range rl.hits[identity] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}

	if len(kept) >= rl.limit {
		rl.hits[identity] = kept
		return false
	}
	rl.hits[identity] = append(kept, now)
	return true
}

// Remaining reports how many requests identity has left in the current
// window.
func (rl *RateLimiter) Remaining(identity string) int {
	if rl.limit <= 0 {
		return int(^uint(0) >> 1)
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.window)
	live := 0
	for _, t := range rl.hits[identity] {
		if t.After(cutoff) {
			live++
		}
	}
	if live >= rl.limit {
		return 0
	}
	return rl.limit - live
}
