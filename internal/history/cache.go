package history

import (
	"sync"
	"time"

	"plcrpc/internal/model"
)

// ValueCache is a small in-memory TTL cache of the last recorded value per
// sensor. It is safe for concurrent use.
type ValueCache struct {
	mu   sync.Mutex
	ttl  time.Duration
	now  func() time.Time
	data map[string]cached
}

type cached struct {
	v  model.Value
	at time.Time
}

// NewValueCache creates a cache with the given TTL. If ttl <= 0, it defaults to 1h.
func NewValueCache(ttl time.Duration) *ValueCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ValueCache{ttl: ttl, now: time.Now, data: make(map[string]cached, 256)}
}

// GetValue returns the cached value if it exists and hasn't expired.
func (c *ValueCache) GetValue(key string) (model.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.data[key]
	if !ok {
		return model.Value{}, false
	}
	if c.now().Sub(e.at) > c.ttl {
		delete(c.data, key)
		return model.Value{}, false
	}
	return e.v, true
}

// SetValue stores the value with the current timestamp.
func (c *ValueCache) SetValue(key string, v model.Value) {
	c.mu.Lock()
	c.data[key] = cached{v: v, at: c.now()}
	c.mu.Unlock()
}

// Changed reports whether v differs from the cached value and records it
// when it does. Expired entries count as changed.
func (c *ValueCache) Changed(key string, v model.Value) bool {
	if old, ok := c.GetValue(key); ok && old.Equal(v) {
		return false
	}
	c.SetValue(key, v)
	return true
}
