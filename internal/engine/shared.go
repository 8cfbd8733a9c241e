package engine

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrKeyExists is returned by Set when the key already holds a value
	// and overwrite was not requested.
	ErrKeyExists = errors.New("context key already set")
	// ErrKeyLocked is returned when another owner holds the key's logical
	// lock.
	ErrKeyLocked = errors.New("context key locked by another owner")
)

type contextEntry struct {
	value     any
	creator   string
	createdAt time.Time
	expiresAt time.Time // zero means no expiry
}

// SharedContext is the per-run key/value store workers use to pass
// intermediate data between steps. Writes respect per-key logical locks
// and an explicit-overwrite rule so concurrent steps cannot silently
// clobber each other.
type SharedContext struct {
	mu      sync.Mutex
	runID   string
	entries map[string]*contextEntry
	locks   map[string]string // key -> owner
	now     func() time.Time
}

// NewSharedContext creates an empty store for a run.
func NewSharedContext(runID string) *SharedContext {
	return &SharedContext{
		runID:   runID,
		entries: make(map[string]*contextEntry),
		locks:   make(map[string]string),
		now:     time.Now,
	}
}

// RunID returns the run this store belongs to.
func (sc *SharedContext) RunID() string { return sc.runID }

// Set stores value under key. Setting an existing key requires overwrite;
// a key locked by another owner rejects the write.
func (sc *SharedContext) Set(key string, value any, owner string, overwrite bool) error {
	return sc.SetWithTTL(key, value, owner, overwrite, 0)
}

// SetWithTTL stores value under key with an expiry. A non-positive ttl
// means the entry never expires.
func (sc *SharedContext) SetWithTTL(key string, value any, owner string, overwrite bool, ttl time.Duration) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if holder, ok := sc.locks[key]; ok && holder != owner {
		return ErrKeyLocked
	}
	if existing, ok := sc.entries[key]; ok && sc.live(existing) && !overwrite {
		return ErrKeyExists
	}

	entry := &contextEntry{value: value, creator: owner, createdAt: sc.now()}
	if ttl > 0 {
		entry.expiresAt = entry.createdAt.Add(ttl)
	}
	sc.entries[key] = entry
	return nil
}

// Get returns the value for key if present and unexpired.
func (sc *SharedContext) Get(key string) (any, bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	entry, ok := sc.entries[key]
	if !ok {
		return nil, false
	}
	if !sc.live(entry) {
		delete(sc.entries, key)
		return nil, false
	}
	return entry.value, true
}

// Has reports whether key holds a live value.
func (sc *SharedContext) Has(key string) bool {
	_, ok := sc.Get(key)
	return ok
}

// Delete removes key. A key locked by another owner rejects the delete.
func (sc *SharedContext) Delete(key, owner string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if holder, ok := sc.locks[key]; ok && holder != owner {
		return ErrKeyLocked
	}
	delete(sc.entries, key)
	return nil
}

// AcquireLock claims the key's logical lock for owner. Re-acquiring an
// owned lock succeeds.
func (sc *SharedContext) AcquireLock(key, owner string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if holder, ok := sc.locks[key]; ok && holder != owner {
		return false
	}
	sc.locks[key] = owner
	return true
}

// ReleaseLock frees the key's logical lock if owner holds it.
func (sc *SharedContext) ReleaseLock(key, owner string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	if holder, ok := sc.locks[key]; ok && holder == owner {
		delete(sc.locks, key)
	}
}

// Snapshot returns a copy of all live entries, used for checkpoints.
func (sc *SharedContext) Snapshot() map[string]any {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	out := make(map[string]any, len(sc.entries))
	for key, entry := range sc.entries {
		if sc.live(entry) {
			out[key] = entry.value
		}
	}
	return out
}

// Restore loads entries from a checkpoint snapshot, overwriting any
// present values.
func (sc *SharedContext) Restore(values map[string]any, owner string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := sc.now()
	for key, value := range values {
		sc.entries[key] = &contextEntry{value: value, creator: owner, createdAt: now}
	}
}

// Len reports the number of live entries.
func (sc *SharedContext) Len() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	n := 0
	for _, entry := range sc.entries {
		if sc.live(entry) {
			n++
		}
	}
	return n
}

func (sc *SharedContext) live(entry *contextEntry) bool {
	return entry.expiresAt.IsZero() || sc.now().Before(entry.expiresAt)
}
