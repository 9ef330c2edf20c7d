// ABOUTME: Thread-safe TTL cache mapping client message ids to the task they created
// ABOUTME: Lets the protocol server answer a retried message with the existing task instead of re-running it

package dedupe

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is a TTL-bounded, size-limited key to value map. The least recently
// stored entry is evicted when the cache is full.
type Cache struct {
	mu      sync.Mutex
	entries *expirable.LRU[string, string]
}

// New creates a cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Cache{entries: expirable.NewLRU[string, string](maxSize, nil, ttl)}
}

// Lookup returns the value stored for key if it has not expired.
func (c *Cache) Lookup(key string) (string, bool) {
	return c.entries.Peek(key)
}

// Claim atomically stores value for key unless a live entry exists. It
// returns the stored value and whether key was already present.
func (c *Cache) Claim(key, value string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries.Peek(key); ok {
		return existing, true
	}
	c.entries.Add(key, value)
	return value, false
}

// Store records value for key, refreshing its expiry.
func (c *Cache) Store(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(key, value)
}

// Forget removes key, typically after the work it guarded failed to start.
func (c *Cache) Forget(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Remove(key)
}

// Len returns the number of entries not yet swept, expired or not.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Close drops every entry.
func (c *Cache) Close() {
	c.entries.Purge()
}
