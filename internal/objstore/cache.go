package objstore

import (
	"sync"
	"time"
)

// Cache is an expiring map. Entries expire ttl after their last access and
// are dropped lazily on access or by Sweep, but only when canEvict agrees.
type Cache[K comparable, V any] struct {
	mu       sync.Mutex
	ttl      time.Duration
	items    map[K]*cacheItem[V]
	canEvict func(K, V) bool
	onEvict  func(K, V)
	now      func() time.Time
}

type cacheItem[V any] struct {
	value   V
	expires time.Time
}

// CacheOption customizes a Cache.
type CacheOption[K comparable, V any] func(*Cache[K, V])

// WithCanEvict sets the predicate consulted before an expired entry is
// dropped.
func WithCanEvict[K comparable, V any](fn func(K, V) bool) CacheOption[K, V] {
	return func(c *Cache[K, V]) { c.canEvict = fn }
}

// WithOnEvict registers a callback run after an entry expires. It is
// called with the cache lock held and must not call back into the cache.
func WithOnEvict[K comparable, V any](fn func(K, V)) CacheOption[K, V] {
	return func(c *Cache[K, V]) { c.onEvict = fn }
}

// WithClock replaces time.Now, for tests.
func WithClock[K comparable, V any](now func() time.Time) CacheOption[K, V] {
	return func(c *Cache[K, V]) { c.now = now }
}

// NewCache creates an expiring map.
func NewCache[K comparable, V any](ttl time.Duration, opts ...CacheOption[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		ttl:   ttl,
		items: make(map[K]*cacheItem[V]),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns a live entry and extends its lifetime.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	item, ok := c.items[key]
	if !ok {
		return zero, false
	}

	now := c.now()
	if now.After(item.expires) && c.evictable(key, item.value) {
		c.drop(key, item)
		return zero, false
	}

	item.expires = now.Add(c.ttl)
	return item.value, true
}

// Put stores or replaces an entry.
func (c *Cache[K, V]) Put(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = &cacheItem[V]{value: value, expires: c.now().Add(c.ttl)}
}

// GetOrCreate returns the live entry for key, creating it if absent.
func (c *Cache[K, V]) GetOrCreate(key K, create func() V) V {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if item, ok := c.items[key]; ok {
		if !now.After(item.expires) || !c.evictable(key, item.value) {
			item.expires = now.Add(c.ttl)
			return item.value
		}
		c.drop(key, item)
	}

	v := create()
	c.items[key] = &cacheItem[V]{value: v, expires: now.Add(c.ttl)}
	return v
}

// Delete removes an entry without running onEvict.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.items, key)
}

// Sweep drops every expired, evictable entry and returns how many went.
func (c *Cache[K, V]) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for key, item := range c.items {
		if now.After(item.expires) && c.evictable(key, item.value) {
			c.drop(key, item)
			n++
		}
	}
	return n
}

// Len counts entries, expired or not.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.items)
}

// Range calls fn for each entry until fn returns false.
func (c *Cache[K, V]) Range(fn func(K, V) bool) {
	c.mu.Lock()
	snapshot := make(map[K]V, len(c.items))
	for k, item := range c.items {
		snapshot[k] = item.value
	}
	c.mu.Unlock()

	for k, v := range snapshot {
		if !fn(k, v) {
			return
		}
	}
}

func (c *Cache[K, V]) evictable(key K, value V) bool {
	return c.canEvict == nil || c.canEvict(key, value)
}

func (c *Cache[K, V]) drop(key K, item *cacheItem[V]) {
	delete(c.items, key)
	if c.onEvict != nil {
		c.onEvict(key, item.value)
	}
}
