package relay

import (
	"context"
	"sync"
	"time"

	"charrelay/internal/logging"
)

type cacheEntry struct {
	value    interface{}
	lastUsed time.Time
}

// ExpiringCache is a small idle-TTL cache used for the webhook-client
// cache, the search-session cache, and the seen-channel cache. Lookups
// refresh the entry's last-used timestamp under the same lock, so a sweep
// never races an in-flight use.
type ExpiringCache struct {
	mu      sync.Mutex
	name    string
	entries map[string]*cacheEntry
	ttl     time.Duration
	onEvict func(key string, value interface{})
}

// NewExpiringCache creates a cache that drops entries idle past ttl.
// onEvict, if set, runs for every swept entry (not for Delete).
func NewExpiringCache(name string, ttl time.Duration, onEvict func(key string, value interface{})) *ExpiringCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ExpiringCache{
		name:    name,
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		onEvict: onEvict,
	}
}

// Get returns the cached value and refreshes its idle timer.
func (c *ExpiringCache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e.lastUsed = time.Now()
	return e.value, true
}

// Put stores a value, resetting the idle timer.
func (c *ExpiringCache) Put(key string, value interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = &cacheEntry{value: value, lastUsed: time.Now()}
}

// Delete removes an entry without invoking the evict callback.
func (c *ExpiringCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Len returns the current entry count.
func (c *ExpiringCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Sweep removes entries idle past the TTL and returns how many went.
func (c *ExpiringCache) Sweep() int {
	cutoff := time.Now().Add(-c.ttl)

	c.mu.Lock()
	var evicted []struct {
		key   string
		value interface{}
	}
	for k, e := range c.entries {
		if e.lastUsed.Before(cutoff) {
			evicted = append(evicted, struct {
				key   string
				value interface{}
			}{k, e.value})
			delete(c.entries, k)
		}
	}
	c.mu.Unlock()

	// Callbacks run outside the lock; an evict handler may take its own.
	for _, e := range evicted {
		if c.onEvict != nil {
			c.onEvict(e.key, e.value)
		}
	}
	if len(evicted) > 0 {
		logging.CacheDebug("%s cache: swept %d idle entries", c.name, len(evicted))
	}
	return len(evicted)
}

// Run sweeps on the given interval until the context is cancelled.
func (c *ExpiringCache) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}
