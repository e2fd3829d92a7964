package enrich

import (
	"sync"
	"time"
)

// cache holds one fetched value with a TTL, so a fetcher ticking faster
// than its upstream's rate limit can reuse the last observation instead
// of hammering the API.
type cache[T any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	val      T
	storedAt time.Time
	expires  time.Time
}

func newCache[T any](ttl time.Duration) *cache[T] {
	return &cache[T]{ttl: ttl}
}

// get returns the cached value and when it was stored, if it has not
// expired. Consumers stamp emitted events with the store time, not the
// serve time.
func (c *cache[T]) get() (T, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.expires.IsZero() || time.Now().After(c.expires) {
		var zero T
		return zero, time.Time{}, false
	}
	return c.val, c.storedAt, true
}

// put stores a value, restarts the TTL, and returns the store time.
func (c *cache[T]) put(v T) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.val = v
	c.storedAt = time.Now()
	c.expires = c.storedAt.Add(c.ttl)
	return c.storedAt
}
