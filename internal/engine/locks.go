package engine

import (
	"context"
	"sync"
	"time"
)

// ResourceLock records a live exclusive claim on a named resource.
type ResourceLock struct {
	Resource   string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// LockManager grants TTL-bounded exclusive locks on resource names.
// Expired locks are treated as free on the next acquisition attempt, so a
// crashed holder can never wedge a resource past its TTL.
type LockManager struct {
	mu    sync.Mutex
	locks map[string]ResourceLock
	now   func() time.Time
}

// NewLockManager creates an empty lock table.
func NewLockManager() *LockManager {
	return &LockManager{
		locks: make(map[string]ResourceLock),
		now:   time.Now,
	}
}

// Acquire claims the resource for holder with the given TTL. It returns
// false if another holder has a live claim. Re-acquiring a resource the
// holder already owns extends the TTL.
func (lm *LockManager) Acquire(resource, holder string, ttl time.Duration) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	if existing, ok := lm.locks[resource]; ok && now.Before(existing.ExpiresAt) && existing.Holder != holder {
		return false
	}
	lm.locks[resource] = ResourceLock{
		Resource:   resource,
		Holder:     holder,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	return true
}

// Release frees the resource if holder owns the live claim. A release by a
// non-holder or after expiry is a no-op.
func (lm *LockManager) Release(resource, holder string) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	existing, ok := lm.locks[resource]
	if !ok || existing.Holder != holder {
		return
	}
	delete(lm.locks, resource)
}

// Holder reports the live holder of a resource, if any.
func (lm *LockManager) Holder(resource string) (string, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	existing, ok := lm.locks[resource]
	if !ok || !lm.now().Before(existing.ExpiresAt) {
		return "", false
	}
	return existing.Holder, true
}

// Sweep removes expired locks and returns the number removed.
func (lm *LockManager) Sweep() int {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	now := lm.now()
	removed := 0
	for resource, lock := range lm.locks {
		if !now.Before(lock.ExpiresAt) {
			delete(lm.locks, resource)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (lm *LockManager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := lm.Sweep(); n > 0 {
					debugLog("lock sweep removed %d expired locks", n)
				}
			}
		}
	}()
}
