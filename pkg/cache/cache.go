package cache

import (
	"sync"
)

// Cache is an in-process cache keyed by a logical name plus an argument key.
// Entries are advisory: they must always be reconstructable from the store,
// so dropping one is always safe. Each store owns its caches explicitly and
// passes them by reference; there is no process-wide cache registry.
type Cache[K comparable, V any] struct {
	name    string
	mu      sync.RWMutex
	entries map[K]V

	onInvalidate func(keys []K) // optional shared-cache hook
}

// New creates an empty cache with the given logical name. The name is used
// in metrics and in replicated invalidations.
func New[K comparable, V any](name string) *Cache[K, V] {
	return &Cache[K, V]{
		name:    name,
		entries: make(map[K]V),
	}
}

// Name returns the cache's logical name.
func (c *Cache[K, V]) Name() string {
	return c.name
}

// Get returns the cached value for key, if present.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	v, ok := c.entries[key]
	c.mu.RUnlock()
	return v, ok
}

// Set stores a value for key, replacing any previous entry.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	c.entries[key] = value
	c.mu.Unlock()
}

// Invalidate drops the entry for key. Safe to call for absent keys.
func (c *Cache[K, V]) Invalidate(key K) {
	c.mu.Lock()
	delete(c.entries, key)
	hook := c.onInvalidate
	c.mu.Unlock()

	if hook != nil {
		hook([]K{key})
	}
}

// InvalidateAll drops every entry.
func (c *Cache[K, V]) InvalidateAll() {
	c.mu.Lock()
	c.entries = make(map[K]V)
	hook := c.onInvalidate
	c.mu.Unlock()

	if hook != nil {
		hook(nil)
	}
}

// Len returns the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// OnInvalidate registers a hook called after local invalidation, with the
// affected keys (nil for invalidate-all). Used to mirror invalidations into
// a shared cache; the hook must never block the caller on failure.
func (c *Cache[K, V]) OnInvalidate(fn func(keys []K)) {
	c.mu.Lock()
	c.onInvalidate = fn
	c.mu.Unlock()
}
