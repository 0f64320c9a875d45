// Package dedupe provides the bounded TTL cache backing idempotency-key
// deduplication on chat.send, agent, and send.
package dedupe

import (
	"strings"
	"sync"
	"time"
)

const (
	// DefaultMaxKeys bounds the cache size; the oldest insertion is evicted
	// when the bound is hit. Deliberately not an LRU: the point is a hard
	// upper bound, not fairness.
	DefaultMaxKeys = 1000

	// DefaultTTL is how long a key counts as a duplicate.
	DefaultTTL = 5 * time.Minute
)

type entry struct {
	key       string
	firstSeen time.Time
}

// Cache is a capacity-bounded set of recently seen idempotency keys.
// Safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	maxKeys int
	ttl     time.Duration
	byKey   map[string]time.Time
	order   []entry
	now     func() time.Time
}

// New creates a cache. Non-positive arguments fall back to the defaults.
func New(maxKeys int, ttl time.Duration) *Cache {
	if maxKeys <= 0 {
		maxKeys = DefaultMaxKeys
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{
		maxKeys: maxKeys,
		ttl:     ttl,
		byKey:   make(map[string]time.Time),
		now:     time.Now,
	}
}

// TTL returns the configured duplicate window.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// IsDuplicate reports whether key was recorded within the TTL. Expired
// entries are purged on probe. Empty keys are never duplicates.
func (c *Cache) IsDuplicate(key string) bool {
	key = strings.TrimSpace(key)
	if key == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	firstSeen, ok := c.byKey[key]
	if !ok {
		return false
	}
	if c.now().Sub(firstSeen) >= c.ttl {
		delete(c.byKey, key)
		return false
	}
	return true
}

// Record inserts key, evicting the oldest insertion when at capacity.
func (c *Cache) Record(key string) {
	key = strings.TrimSpace(key)
	if key == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.byKey[key]; ok {
		return
	}
	for len(c.byKey) >= c.maxKeys && len(c.order) > 0 {
		oldest := c.order[0]
		c.order = c.order[1:]
		// The slot may already be gone via probe-purge or sweep.
		if seen, ok := c.byKey[oldest.key]; ok && seen.Equal(oldest.firstSeen) {
			delete(c.byKey, oldest.key)
		}
	}
	now := c.now()
	c.byKey[key] = now
	c.order = append(c.order, entry{key: key, firstSeen: now})
}

// Sweep drops all expired entries and returns how many were removed.
// Called by the gateway's periodic sweeper on the TTL interval.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	kept := c.order[:0]
	for _, e := range c.order {
		seen, ok := c.byKey[e.key]
		if !ok || !seen.Equal(e.firstSeen) {
			continue
		}
		if now.Sub(e.firstSeen) >= c.ttl {
			delete(c.byKey, e.key)
			removed++
			continue
		}
		kept = append(kept, e)
	}
	c.order = kept
	return removed
}

// Len returns the number of live keys.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKey)
}
