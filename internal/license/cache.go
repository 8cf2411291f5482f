package license

import (
	"sync"
	"time"
)

// verifyEntry is a memoized signature check. Only the outcome of the pure
// cryptographic check is stored; expiry and quota are always re-evaluated.
type verifyEntry struct {
	reason   Reason
	cachedAt time.Time
	expires  time.Time
}

// VerifyCache memoizes signature verification results by token fingerprint.
// Expired entries are dropped lazily, so the cache runs no goroutine.
type VerifyCache struct {
	entries   map[string]verifyEntry
	mutex     sync.Mutex
	ttl       time.Duration
	maxSize   int
	now       func() time.Time
	hitCount  int64
	missCount int64
}

// NewVerifyCache creates a cache. A zero ttl or maxSize disables caching.
func NewVerifyCache(ttl time.Duration, maxSize int) *VerifyCache {
	return &VerifyCache{
		entries: make(map[string]verifyEntry),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Get returns the cached verification outcome for fingerprint.
func (c *VerifyCache) Get(fingerprint string) (Reason, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[fingerprint]
	if !exists {
		c.missCount++
		return ReasonNone, false
	}
	if c.now().After(entry.expires) {
		delete(c.entries, fingerprint)
		c.missCount++
		return ReasonNone, false
	}

	c.hitCount++
	return entry.reason, true
}

// Set stores the verification outcome for fingerprint.
func (c *VerifyCache) Set(fingerprint string, reason Reason) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.maxSize <= 0 || c.ttl <= 0 {
		return
	}

	now := c.now()
	if _, exists := c.entries[fingerprint]; !exists && len(c.entries) >= c.maxSize {
		c.sweep(now)
		if len(c.entries) >= c.maxSize {
			c.evictOldest()
		}
	}

	c.entries[fingerprint] = verifyEntry{
		reason:   reason,
		cachedAt: now,
		expires:  now.Add(c.ttl),
	}
}

// Invalidate drops every entry, e.g. after the verification key changed.
func (c *VerifyCache) Invalidate() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.entries = make(map[string]verifyEntry)
}

// GetStats returns cache statistics
func (c *VerifyCache) GetStats() map[string]interface{} {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	totalRequests := c.hitCount + c.missCount
	hitRatio := float64(0)
	if totalRequests > 0 {
		hitRatio = float64(c.hitCount) / float64(totalRequests)
	}

	return map[string]interface{}{
		"entries":     len(c.entries),
		"max_size":    c.maxSize,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   hitRatio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}

func (c *VerifyCache) sweep(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}

func (c *VerifyCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.cachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.cachedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
