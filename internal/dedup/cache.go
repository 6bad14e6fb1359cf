// Package dedup drops byte-identical repeat submissions within a short
// time-to-live, guarding the pipeline against flaky sources re-delivering the
// same capture verbatim. It is independent from the semantic transaction-level
// deduplication done by the merge engine.
package dedup

import (
	"sync"
	"time"
)

const (
	defaultTTL        = 3 * time.Minute
	defaultMaxEntries = 4096
)

type entry struct {
	expiry time.Time
	digest string
}

// Cache is a bounded, self-expiring set of recently seen content digests.
// Construct one per pipeline; it is not ambient global state.
type Cache struct {
	entries map[string]time.Time
	order   []entry
	stopCh  chan struct{}
	ttl     time.Duration
	max     int
	mu      sync.Mutex
}

// NewCache creates a cache with the given TTL and entry cap. Zero values fall
// back to defaults.
func NewCache(ttl time.Duration, maxEntries int) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}

	c := &Cache{
		entries: make(map[string]time.Time),
		ttl:     ttl,
		max:     maxEntries,
		stopCh:  make(chan struct{}),
	}

	// Start cleanup goroutine
	go c.cleanup()

	return c
}

// Submit records a digest and reports whether it was accepted. It returns
// false when the digest has been seen within the TTL: the submission is a
// duplicate and the pipeline stops here.
func (c *Cache) Submit(digest string) bool {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if expiry, seen := c.entries[digest]; seen && now.Before(expiry) {
		return false
	}

	// Evict oldest entries when full.
	for len(c.entries) >= c.max && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		if expiry, ok := c.entries[oldest.digest]; ok && expiry.Equal(oldest.expiry) {
			delete(c.entries, oldest.digest)
		}
	}

	expiry := now.Add(c.ttl)
	c.entries[digest] = expiry
	c.order = append(c.order, entry{digest: digest, expiry: expiry})
	return true
}

// Size returns the number of live entries.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cleanup periodically removes expired entries.
func (c *Cache) cleanup() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for digest, expiry := range c.entries {
				if now.After(expiry) {
					delete(c.entries, digest)
				}
			}
			// Drop expired heads of the eviction queue.
			for len(c.order) > 0 && now.After(c.order[0].expiry) {
				c.order = c.order[1:]
			}
			c.mu.Unlock()
		}
	}
}

// Close stops the cleanup goroutine.
func (c *Cache) Close() {
	close(c.stopCh)
}
