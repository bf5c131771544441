package cache

import (
	"container/list"
	"sync"
)

// lruEntry represents an entry in the LRU cache.
type lruEntry[K comparable, V any] struct {
	key   K
	value V
}

// lruCache is a thread-safe LRU (Least Recently Used) cache implementation.
// It evicts the least recently used items when the maximum size is exceeded.
type lruCache[K comparable, V any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[K]*list.Element // key -> list element
	order   *list.List          // doubly-linked list for LRU ordering
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[K, V]
}

// newLRUCache creates a new LRU cache with the specified maximum size.
// Returns an error if metrics registration fails when requested.
func newLRUCache[K comparable, V any](maxSize int, opts *cacheOptions[K, V]) (*lruCache[K, V], error) {
	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, err
		}
	}

	return &lruCache[K, V]{
		maxSize: maxSize,
		items:   make(map[K]*list.Element),
		order:   list.New(),
		stats:   NewStatistics(),
		metrics: metrics,
		evictFn: opts.evictCallback,
	}, nil
}

// Get retrieves a value by key and marks it as recently used.
func (c *lruCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, exists := c.items[key]
	if !exists {
		var zero V
		c.stats.Miss()
		if c.metrics != nil {
			c.metrics.recordMiss()
		}
		return zero, false
	}

	c.order.MoveToFront(element)

	entry := element.Value.(*lruEntry[K, V])
	c.stats.Hit()
	if c.metrics != nil {
		c.metrics.recordHit()
	}

	return entry.value, true
}

// Set stores a value with the given key and marks it as recently used.
func (c *lruCache[K, V]) Set(key K, value V) bool {
	c.mu.Lock()
	isNew, evictKey, evictValue, evicted := c.setLocked(key, value)
	c.mu.Unlock()

	// Eviction callback runs outside the lock to prevent deadlock.
	if evicted && c.evictFn != nil {
		c.evictFn(evictKey, evictValue)
	}
	return isNew
}

// GetOrCreate returns the cached value for key, constructing one on miss.
func (c *lruCache[K, V]) GetOrCreate(key K, construct func() (V, error)) (V, error) {
	c.mu.Lock()

	if element, exists := c.items[key]; exists {
		c.order.MoveToFront(element)
		entry := element.Value.(*lruEntry[K, V])
		c.stats.Hit()
		if c.metrics != nil {
			c.metrics.recordHit()
		}
		value := entry.value
		c.mu.Unlock()
		return value, nil
	}

	c.stats.Miss()
	if c.metrics != nil {
		c.metrics.recordMiss()
	}

	value, err := construct()
	if err != nil {
		var zero V
		c.mu.Unlock()
		return zero, err
	}

	_, evictKey, evictValue, evicted := c.setLocked(key, value)
	c.mu.Unlock()

	if evicted && c.evictFn != nil {
		c.evictFn(evictKey, evictValue)
	}

	return value, nil
}

// setLocked inserts or updates an entry. Must be called with the mutex held.
// Returns whether a new entry was created and the evicted entry, if any.
func (c *lruCache[K, V]) setLocked(key K, value V) (bool, K, V, bool) {
	var evictKey K
	var evictValue V
	evicted := false

	if element, exists := c.items[key]; exists {
		entry := element.Value.(*lruEntry[K, V])
		entry.value = value
		c.order.MoveToFront(element)
		c.stats.Set()
		if c.metrics != nil {
			c.metrics.recordSet()
		}
		return false, evictKey, evictValue, false
	}

	entry := &lruEntry[K, V]{key: key, value: value}
	c.items[key] = c.order.PushFront(entry)

	if len(c.items) > c.maxSize {
		if element := c.order.Back(); element != nil {
			back := element.Value.(*lruEntry[K, V])
			evictKey = back.key
			evictValue = back.value
			evicted = true
			c.removeElementLocked(element)
			c.stats.Eviction()
			if c.metrics != nil {
				c.metrics.recordEviction()
			}
		}
	}

	c.stats.Set()
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.recordSet()
		c.metrics.updateSize(len(c.items))
	}

	return true, evictKey, evictValue, evicted
}

// Delete removes an entry by key.
func (c *lruCache[K, V]) Delete(key K) bool {
	var evictKey K
	var evictValue V
	shouldEvict := false

	c.mu.Lock()
	element, exists := c.items[key]
	if !exists {
		c.mu.Unlock()
		return false
	}

	if c.evictFn != nil {
		entry := element.Value.(*lruEntry[K, V])
		evictKey = entry.key
		evictValue = entry.value
		shouldEvict = true
	}

	c.removeElementLocked(element)
	c.stats.Delete()
	c.stats.UpdateSize(int64(len(c.items)))
	if c.metrics != nil {
		c.metrics.recordDelete()
		c.metrics.updateSize(len(c.items))
	}
	c.mu.Unlock()

	if shouldEvict {
		c.evictFn(evictKey, evictValue)
	}

	return true
}

// Clear removes all entries from the cache.
func (c *lruCache[K, V]) Clear() {
	var evictItems []lruEntry[K, V]

	c.mu.Lock()
	if c.evictFn != nil {
		evictItems = make([]lruEntry[K, V], 0, len(c.items))
		for element := c.order.Back(); element != nil; element = element.Prev() {
			entry := element.Value.(*lruEntry[K, V])
			evictItems = append(evictItems, *entry)
		}
	}

	c.items = make(map[K]*list.Element)
	c.order.Init()
	c.stats.UpdateSize(0)
	if c.metrics != nil {
		c.metrics.updateSize(0)
	}
	c.mu.Unlock()

	for _, entry := range evictItems {
		c.evictFn(entry.key, entry.value)
	}
}

// Size returns the current number of entries in the cache.
func (c *lruCache[K, V]) Size() int {
	c.mu.Lock()
	size := len(c.items)
	c.mu.Unlock()
	return size
}

// Keys returns all keys in LRU order (most recently used first).
func (c *lruCache[K, V]) Keys() []K {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]K, 0, len(c.items))
	for element := c.order.Front(); element != nil; element = element.Next() {
		entry := element.Value.(*lruEntry[K, V])
		keys = append(keys, entry.key)
	}
	return keys
}

// Stats returns cache statistics.
func (c *lruCache[K, V]) Stats() *Statistics {
	return c.stats
}

// removeElementLocked removes an element from both the list and map.
// Must be called with mutex held. Does NOT call the eviction callback.
func (c *lruCache[K, V]) removeElementLocked(element *list.Element) {
	entry := element.Value.(*lruEntry[K, V])
	delete(c.items, entry.key)
	c.order.Remove(element)
}
