package engine

import (
	"testing"
	"time"
)

func TestRateLimiterCap(t *testing.T) {
	c := newClock()
	rl := NewRateLimiter(3, time.Minute)
	rl.now = c.now

	for i := 0; i < 3; i++ {
		if !rl.Allow("writer") {
			t.Fatalf("request %d rejected under the cap", i+1)
		}
	}
	if rl.Allow("writer") {
		t.Error("request over the cap admitted")
	}

	// Identities are independent.
	if !rl.Allow("researcher") {
		t.Error("unrelated identity throttled")
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	c := newClock()
	rl := NewRateLimiter(2, time.Minute)
	rl.now = c.now

	rl.Allow("w")
	c.advance(40 * time.Second)
	rl.Allow("w")
	if rl.Allow("w") {
		t.Fatal("third request inside window admitted")
	}

	// The first hit falls out of the window; one slot opens.
	c.advance(30 * time.Second)
	if !rl.Allow("w") {
		t.Error("request rejected after window slid")
	}
	if rl.Allow("w") {
		t.Error("window slide opened more than one slot")
	}
}

func TestRateLimiterRejectionsNotCounted(t *testing.T) {
	c := newClock()
	rl := NewRateLimiter(1, time.Minute)
	rl.now = c.now

	rl.Allow("w")
	for i := 0; i < 5; i++ {
		rl.Allow("w")
	}
	c.advance(61 * time.Second)
	if !rl.Allow("w") {
		t.Error("rejected requests extended the window")
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if !rl.Allow("w") {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestRateLimiterRemaining(t *testing.T) {
	c := newClock()
	rl := NewRateLimiter(3, time.Minute)
	rl.now = c.now

	if got := rl.Remaining("w"); got != 3 {
		t.Errorf("Remaining() = %d, want 3", got)
	}
	rl.Allow("w")
	rl.Allow("w")
	if got := rl.Remaining("w"); got != 1 {
		t.Errorf("Remaining() = %d, want 1", got)
	}
}
