// Package querycache is a TTL cache for query results that is invalidated
// by change events from a Multiplexer.
package querycache

import (
	"context"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/haasonsaas/livewire/internal/multiplex"
	"github.com/haasonsaas/livewire/pkg/models"
)

// DefaultTTL is used when New is given a non-positive ttl.
const DefaultTTL = time.Minute

// Cache holds query results keyed by string. It is safe for concurrent use.
type Cache[V any] struct {
	items *ttlcache.Cache[string, V]
}

// New creates a cache. capacity <= 0 means unbounded. Call Start to run
// background expiry and Stop to end it.
func New[V any](ttl time.Duration, capacity uint64) *Cache[V] {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	opts := []ttlcache.Option[string, V]{
		ttlcache.WithTTL[string, V](ttl),
		ttlcache.WithDisableTouchOnHit[string, V](),
	}
	if capacity > 0 {
		opts = append(opts, ttlcache.WithCapacity[string, V](capacity))
	}
	return &Cache[V]{items: ttlcache.New[string, V](opts...)}
}

// Start runs expiry cleanup until Stop. It blocks; run it in a goroutine.
func (c *Cache[V]) Start() { c.items.Start() }

// Stop ends expiry cleanup.
func (c *Cache[V]) Stop() { c.items.Stop() }

// Get returns the cached value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	item := c.items.Get(key)
	if item == nil || item.IsExpired() {
		var zero V
		return zero, false
	}
	return item.Value(), true
}

// Set stores value under key with the default TTL.
func (c *Cache[V]) Set(key string, value V) {
	c.items.Set(key, value, ttlcache.DefaultTTL)
}

// GetOrLoad returns the cached value or calls load and caches its result.
// Errors are not cached.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load(ctx)
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

// Invalidate removes keys.
func (c *Cache[V]) Invalidate(keys ...string) {
	for _, key := range keys {
		c.items.Delete(key)
	}
}

// InvalidatePrefix removes every key starting with prefix.
func (c *Cache[V]) InvalidatePrefix(prefix string) int {
	n := 0
	for _, key := range c.items.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.items.Delete(key)
			n++
		}
	}
	return n
}

// Len returns the number of cached entries.
func (c *Cache[V]) Len() int { return c.items.Len() }

// InvalidateOn registers a multiplexer callback that invalidates keys
// whenever a matching change event arrives. Keys ending in "*" are treated
// as prefixes. It must be called on the multiplexer's loop.
func InvalidateOn[V any](mux *multiplex.Multiplexer, c *Cache[V], resourceClass string, filter *multiplex.Filter, keys ...string) (func(), error) {
	return mux.Subscribe(resourceClass, filter, func(models.ChangeEvent) {
		for _, key := range keys {
			if prefix, ok := strings.CutSuffix(key, "*"); ok {
				c.InvalidatePrefix(prefix)
				continue
			}
			c.Invalidate(key)
		}
	})
}
