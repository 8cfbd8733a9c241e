package engine

import (
	"testing"
	"time"
)

// clock is a manually advanced time source for lock and cache tests.
type clock struct{ t time.Time }

func newClock() *clock {
	return &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLockAcquireConflict(t *testing.T) {
	lm := NewLockManager()

	if !lm.Acquire("db:users", "run-1/s1", time.Minute) {
		t.Fatal("first acquire should succeed")
	}
	if lm.Acquire("db:users", "run-2/s1", time.Minute) {
		t.Error("second holder acquired a held lock")
	}
	if holder, ok := lm.Holder("db:users"); !ok || holder != "run-1/s1" {
		t.Errorf("Holder() = %q, %v", holder, ok)
	}

	// Unrelated resources are independent.
	if !lm.Acquire("db:orders", "run-2/s1", time.Minute) {
		t.Error("unrelated resource should be free")
	}
}

func TestLockReacquireExtendsTTL(t *testing.T) {
	c := newClock()
	lm := NewLockManager()
	lm.now = c.now

	lm.Acquire("api", "holder", time.Minute)
	c.advance(50 * time.Second)
	if !lm.Acquire("api", "holder", time.Minute) {
		t.Fatal("holder should re-acquire its own lock")
	}
	c.advance(50 * time.Second)
	if _, ok := lm.Holder("api"); !ok {
		t.Error("re-acquired lock expired early")
	}
}

func TestLockExpiryFreesResource(t *testing.T) {
	c := newClock()
	lm := NewLockManager()
	lm.now = c.now

	lm.Acquire("api", "crashed-holder", time.Minute)
	c.advance(61 * time.Second)

	if _, ok := lm.Holder("api"); ok {
		t.Error("expired lock still reports a holder")
	}
	if !lm.Acquire("api", "new-holder", time.Minute) {
		t.Error("expired lock blocked a new acquisition")
	}
}

func TestLockReleaseOwnerOnly(t *testing.T) {
	lm := NewLockManager()
	lm.Acquire("api", "owner", time.Minute)

	lm.Release("api", "intruder")
	if _, ok := lm.Holder("api"); !ok {
		t.Error("release by non-holder freed the lock")
	}

	lm.Release("api", "owner")
	if _, ok := lm.Holder("api"); ok {
		t.Error("release by holder did not free the lock")
	}
}

func TestLockSweep(t *testing.T) {
	c := newClock()
	lm := NewLockManager()
	lm.now = c.now

	lm.Acquire("a", "h", time.Minute)
	lm.Acquire("b", "h", time.Hour)
	c.advance(2 * time.Minute)

	if n := lm.Sweep(); n != 1 {
		t.Errorf("Sweep() = %d, want 1", n)
	}
	if _, ok := lm.Holder("b"); !ok {
		t.Error("sweep removed a live lock")
	}
}
