// Package cache provides a bounded LRU cache with optional per-entry
// TTL, used for derived secrets, NIP-44 conversation keys, DM relay
// lists, and DVM announcement metadata.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry[V any] struct {
	value   V
	expires time.Time // zero means no expiry
}

// TTLCache is a bounded, thread-safe cache with last-touched (LRU)
// eviction and an optional per-Set TTL. A zero TTL passed to Set means
// the entry never expires on its own (still subject to LRU eviction).
type TTLCache[K comparable, V any] struct {
	mu  sync.Mutex
	lru *lru.Cache[K, entry[V]]
}

// New builds a TTLCache bounded to size entries.
func New[K comparable, V any](size int) *TTLCache[K, V] {
	if size <= 0 {
		size = 1
	}
	l, _ := lru.New[K, entry[V]](size)
	return &TTLCache[K, V]{lru: l}
}

// Get returns the cached value and whether it was present and
// unexpired. An expired entry is evicted and reported as a miss.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	if !e.expires.IsZero() && time.Now().After(e.expires) {
		c.lru.Remove(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key. ttl <= 0 means no expiry.
func (c *TTLCache[K, V]) Set(key K, value V, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry[V]{value: value}
	if ttl > 0 {
		e.expires = time.Now().Add(ttl)
	}
	c.lru.Add(key, e)
}

// Remove evicts key if present.
func (c *TTLCache[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len returns the number of entries currently held (including any not
// yet lazily expired).
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}
