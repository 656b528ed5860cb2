// Package cache implements the two bounded, time-limited in-process caches
// the legacy v0/v1 frontend uses: reference advertisement bytes per
// repository, and an objid→refname map per repository. Entries are evicted
// by TTL expiry or LRU pressure once the cache is at capacity.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// Cache is a generic TTL+LRU-capacity cache keyed by string and holding a
// single value type V per key.
type Cache[V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	items    map[string]*list.Element
	order    *list.List // front = most recently used
}

type entry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

// New builds a cache with the given TTL and LRU capacity. capacity <= 0
// means unbounded (TTL-only eviction).
func New[V any](ttl time.Duration, capacity int) *Cache[V] {
	return &Cache[V]{
		ttl:      ttl,
		capacity: capacity,
		items:    make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Get returns the cached value for key, if present and not expired.
func (c *Cache[V]) Get(key string) (value V, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, found := c.items[key]
	if !found {
		return value, false
	}
	e := el.Value.(*entry[V])
	if time.Now().After(e.expiresAt) {
		c.removeLocked(el)
		return value, false
	}
	c.order.MoveToFront(el)
	return e.value, true
}

// Set stores value under key with the cache's configured TTL, evicting the
// least-recently-used entry if the cache is at capacity.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, found := c.items[key]; found {
		e := el.Value.(*entry[V])
		e.value = value
		e.expiresAt = time.Now().Add(c.ttl)
		c.order.MoveToFront(el)
		return
	}

	el := c.order.PushFront(&entry[V]{key: key, value: value, expiresAt: time.Now().Add(c.ttl)})
	c.items[key] = el

	if c.capacity > 0 {
		for len(c.items) > c.capacity {
			oldest := c.order.Back()
			if oldest == nil {
				break
			}
			c.removeLocked(oldest)
		}
	}
}

// Delete removes key from the cache, if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, found := c.items[key]; found {
		c.removeLocked(el)
	}
}

func (c *Cache[V]) removeLocked(el *list.Element) {
	e := el.Value.(*entry[V])
	delete(c.items, e.key)
	c.order.Remove(el)
}

// Len returns the number of live entries, including ones that are expired
// but not yet swept; used only by tests.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
