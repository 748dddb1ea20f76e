// Package cache is a small in-process TTL cache.
package cache

import (
	"sync"
	"time"
)

type Options struct {
	TTL time.Duration
	// Sliding pushes an entry's expiry out by TTL on every hit.
	Sliding    bool
	MaxEntries int
}

type MetricsHooks struct {
	OnHit   func()
	OnMiss  func()
	OnEvict func()
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// Cache maps string keys to values of type V. Expired entries are dropped on access or by Sweep.
type Cache[V any] struct {
	mu      sync.Mutex
	items   map[string]*entry[V]
	order   []string
	opts    Options
	metrics MetricsHooks
	now     func() time.Time
}

func New[V any](opts Options, hooks MetricsHooks) *Cache[V] {
	return &Cache[V]{
		items:   make(map[string]*entry[V]),
		order:   make([]string, 0, 128),
		opts:    opts,
		metrics: hooks,
		now:     time.Now,
	}
}

// Get returns the live value for key.
func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	now := c.now()

	c.mu.Lock()
	e, ok := c.items[key]
	if ok && !now.Before(e.expiresAt) {
		c.deleteLocked(key)
		ok = false
	}
	if ok && c.opts.Sliding {
		e.expiresAt = now.Add(c.opts.TTL)
	}
	c.mu.Unlock()

	if !ok {
		if c.metrics.OnMiss != nil {
			c.metrics.OnMiss()
		}
		return zero, false
	}
	if c.metrics.OnHit != nil {
		c.metrics.OnHit()
	}
	return e.value, true
}

// Set stores val for the configured TTL.
func (c *Cache[V]) Set(key string, val V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.items[key]; !exists {
		c.order = append(c.order, key)
	}
	c.items[key] = &entry[V]{value: val, expiresAt: c.now().Add(c.opts.TTL)}
	c.evictIfNeeded()
}

func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	c.deleteLocked(key)
	c.mu.Unlock()
}

func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Sweep drops every expired entry and returns how many were removed.
func (c *Cache[V]) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for key, e := range c.items {
		if !now.Before(e.expiresAt) {
			c.deleteLocked(key)
			removed++
		}
	}
	return removed
}

func (c *Cache[V]) deleteLocked(key string) {
	if _, ok := c.items[key]; !ok {
		return
	}
	delete(c.items, key)
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// evictIfNeeded drops the oldest insertions beyond MaxEntries.
func (c *Cache[V]) evictIfNeeded() {
	if c.opts.MaxEntries <= 0 || len(c.items) <= c.opts.MaxEntries {
		return
	}
	excess := len(c.items) - c.opts.MaxEntries
	for excess > 0 && len(c.order) > 0 {
		victim := c.order[0]
		c.order = c.order[1:]
		delete(c.items, victim)
		excess--
		if c.metrics.OnEvict != nil {
			c.metrics.OnEvict()
		}
	}
}
