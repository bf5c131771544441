// Package cache provides a generic, thread-safe LRU cache with bounded size.
//
// Caches are parameterized by key type K and value type V. The pipeline keys
// derived resources (compiled expressions, decoder instances, time editors)
// by integer rule handle, and batch writers by destination-key string, so the
// key type is generic rather than fixed to string.
//
// All cache operations are thread-safe with built-in statistics (always
// enabled for observability) and optional Prometheus metrics integration via
// functional options.
package cache

import (
	"github.com/DendraScience/dendra-worker-tasks-dpe/errors"
)

// Cache represents a bounded cache interface.
type Cache[K comparable, V any] interface {
	// Get retrieves a value by key. Returns the value and true if found,
	// zero value and false otherwise.
	Get(key K) (V, bool)

	// Set stores a value with the given key. Returns true if a new entry was
	// created, false if an existing entry was updated.
	Set(key K, value V) bool

	// GetOrCreate returns the cached value for key, constructing and caching
	// one via construct on miss. The construct call happens under the cache
	// lock so concurrent callers for the same key observe one instance.
	GetOrCreate(key K, construct func() (V, error)) (V, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key K) bool

	// Clear removes all entries from the cache.
	Clear()

	// Size returns the current number of entries in the cache.
	Size() int

	// Keys returns all keys currently in the cache, most recently used first.
	Keys() []K

	// Stats returns cache statistics.
	Stats() *Statistics
}

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[K comparable, V any] func(key K, value V)

// NewLRU creates a bounded LRU cache. maxSize must be positive.
func NewLRU[K comparable, V any](maxSize int, options ...Option[K, V]) (Cache[K, V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU",
			"maxSize must be positive")
	}
	return newLRUCache[K, V](maxSize, applyOptions(options...))
}
