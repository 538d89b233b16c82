package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Item is a cached value with its expiry.
type Item[V any] struct {
	Value     V
	ExpiresAt time.Time
	CreatedAt time.Time
}

func (item *Item[V]) expired(now time.Time) bool {
	return !now.Before(item.ExpiresAt)
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now             func() time.Time
	cleanupInterval time.Duration
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithCleanupInterval sets how often expired items are swept. Zero or
// negative disables the background sweeper.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *options) { o.cleanupInterval = d }
}

// Cache is a thread-safe in-memory cache with TTL support.
type Cache[V any] struct {
	items      map[string]*Item[V]
	mu         sync.RWMutex
	defaultTTL time.Duration
	now        func() time.Time

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// New creates a cache. By default expired items are swept every
// defaultTTL/2.
func New[V any](defaultTTL time.Duration, opts ...Option) *Cache[V] {
	o := options{now: time.Now, cleanupInterval: defaultTTL / 2}
	for _, opt := range opts {
		opt(&o)
	}

	c := &Cache[V]{
		items:       make(map[string]*Item[V]),
		defaultTTL:  defaultTTL,
		now:         o.now,
		stopCleanup: make(chan struct{}),
	}

	if o.cleanupInterval > 0 {
		go c.cleanup(o.cleanupInterval)
	}

	return c
}

// Get retrieves a value. Expired items are reported as missing and left
// for the sweeper.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	item, exists := c.items[key]
	if !exists || item.expired(c.now()) {
		return zero, false
	}
	return item.Value, true
}

// Set stores a value with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores value with its own expiry.
func (c *Cache[V]) SetWithTTL(key string, value V, ttl time.Duration) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &Item[V]{
		Value:     value,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear removes all entries.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*Item[V])
}

// Invalidate removes every key starting with prefix. An empty prefix
// removes expired items only.
func (c *Cache[V]) Invalidate(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	if prefix == "" {
		now := c.now()
		for key, item := range c.items {
			if item.expired(now) {
				delete(c.items, key)
				removed++
			}
		}
		return removed
	}

	for key := range c.items {
		if strings.HasPrefix(key, prefix) {
			delete(c.items, key)
			removed++
		}
	}
	return removed
}

func (c *Cache[V]) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Invalidate("")
		case <-c.stopCleanup:
			return
		}
	}
}

// Stop halts the sweeper. Safe to call more than once.
func (c *Cache[V]) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}

// Size returns the number of stored items, expired ones included.
func (c *Cache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

type Stats struct {
	Size      int `json:"size"`
	Expired   int `json:"expired"`
	TotalKeys int `json:"total_keys"`
}

// GetStats returns hit, miss and eviction counters.
func (c *Cache[V]) GetStats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	now := c.now()
	stats := Stats{TotalKeys: len(c.items)}
	for _, item := range c.items {
		if item.expired(now) {
			stats.Expired++
		}
	}
	stats.Size = stats.TotalKeys - stats.Expired
	return stats
}

// GetOrSet returns the cached value for key or calls fallback and caches
// its result. Fallback errors are returned and nothing is cached. A ttl
// of zero uses the default.
func (c *Cache[V]) GetOrSet(ctx context.Context, key string, fallback func(context.Context) (V, error), ttl time.Duration) (V, error) {
	if value, found := c.Get(key); found {
		return value, nil
	}

	value, err := fallback(ctx)
	if err != nil {
		var zero V
		return zero, err
	}

	if ttl > 0 {
		c.SetWithTTL(key, value, ttl)
	} else {
		c.Set(key, value)
	}
	return value, nil
}
