// Package cache provides a bounded in-process cache with explicit TTL and
// invalidation, backed by ristretto. This is part of the platform layer and
// contains no business logic.
package cache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// Cache is a bounded TTL cache keyed by string.
type Cache[V any] struct {
	inner *ristretto.Cache[string, V]
	ttl   time.Duration
}

// New creates a cache holding up to maxItems entries, each expiring after ttl.
func New[V any](maxItems int64, ttl time.Duration) (*Cache[V], error) {
	inner, err := ristretto.NewCache(&ristretto.Config[string, V]{
		NumCounters: maxItems * 10,
		MaxCost:     maxItems,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache[V]{inner: inner, ttl: ttl}, nil
}

// Get returns the cached value for key, if present and not expired.
func (c *Cache[V]) Get(key string) (V, bool) {
	return c.inner.Get(key)
}

// Set stores value under key with the cache's TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.inner.SetWithTTL(key, value, 1, c.ttl)
}

// Invalidate removes key from the cache.
func (c *Cache[V]) Invalidate(key string) {
	c.inner.Del(key)
}

// Wait blocks until buffered writes are applied. Used by tests.
func (c *Cache[V]) Wait() {
	c.inner.Wait()
}

// Close releases the cache's resources.
func (c *Cache[V]) Close() {
	c.inner.Close()
}
