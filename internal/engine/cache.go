package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"sync"
	"time"
)

// CacheEntry holds one cached step result with its expiry and hit stats.
type CacheEntry struct {
	Value     string
	CreatedAt time.Time
	ExpiresAt time.Time
	Hits      int
	LastHit   time.Time
}

// ResultCache stores step outputs keyed by the work they answer, so a
// repeated step can settle without re-executing. Expired entries are
// dropped lazily on lookup and periodically by the sweeper.
type ResultCache struct {
	mu      sync.Mutex
	entries map[string]*CacheEntry
	now     func() time.Time
}

// NewResultCache creates an empty cache.
func NewResultCache() *ResultCache {
	return &ResultCache{
		entries: make(map[string]*CacheEntry),
		now:     time.Now,
	}
}

// CacheKey derives the cache key for a unit of work from the worker kind,
// the step description, and the step input. Description whitespace and
// case are normalized; input maps serialize with sorted keys, so
// logically identical inputs produce identical keys.
func CacheKey(kind, description string, input map[string]any) string {
	normalized := strings.Join(strings.Fields(strings.ToLower(description)), " ")

	h := sha256.New()
	h.Write([]byte(kind))
	h.Write([]byte{0})
	h.Write([]byte(normalized))
	h.Write([]byte{0})
	if len(input) > 0 {
		// encoding/json writes map keys in sorted order.
		if raw, err := json.Marshal(input); err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Get returns the cached value for key if present and unexpired, updating
// hit stats.
func (rc *ResultCache) Get(key string) (string, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	entry, ok := rc.entries[key]
	if !ok {
		return "", false
	}
	now := rc.now()
	if !now.Before(entry.ExpiresAt) {
		delete(rc.entries, key)
		return "", false
	}
	entry.Hits++
	entry.LastHit = now
	return entry.Value, true
}

// Set stores value under key for ttl. A non-positive ttl is a no-op.
func (rc *ResultCache) Set(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}

	rc.mu.Lock()
	defer rc.mu.Unlock()

	now := rc.now()
	rc.entries[key] = &CacheEntry{
		Value:     value,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// Stats reports the hit count for a live entry.
func (rc *ResultCache) Stats(key string) (int, bool) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	entry, ok := rc.entries[key]
	if !ok || !rc.now().Before(entry.ExpiresAt) {
		return 0, false
	}
	return entry.Hits, true
}

// Len reports the number of entries, counting any not yet swept.
func (rc *ResultCache) Len() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return len(rc.entries)
}

// Sweep removes expired entries and returns the number removed.
func (rc *ResultCache) Sweep() int {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	now := rc.now()
	removed := 0
	for key, entry := range rc.entries {
		if !now.Before(entry.ExpiresAt) {
			delete(rc.entries, key)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (rc *ResultCache) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := rc.Sweep(); n > 0 {
					debugLog("cache sweep removed %d expired entries", n)
				}
			}
		}
	}()
}
