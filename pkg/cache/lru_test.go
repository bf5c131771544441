package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRUBasicOperations(t *testing.T) {
	c, err := NewLRU[string, string](10)
	require.NoError(t, err)

	_, exists := c.Get("key1")
	assert.False(t, exists)

	assert.True(t, c.Set("key1", "value1"))
	v, exists := c.Get("key1")
	assert.True(t, exists)
	assert.Equal(t, "value1", v)

	// Update is not a new entry.
	assert.False(t, c.Set("key1", "value2"))
	v, _ = c.Get("key1")
	assert.Equal(t, "value2", v)

	assert.True(t, c.Delete("key1"))
	assert.False(t, c.Delete("key1"))
	_, exists = c.Get("key1")
	assert.False(t, exists)
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := NewLRU[int, int](3)
	require.NoError(t, err)

	c.Set(1, 1)
	c.Set(2, 2)
	c.Set(3, 3)

	// Touch 1 so 2 becomes the LRU entry.
	c.Get(1)
	c.Set(4, 4)

	_, exists := c.Get(2)
	assert.False(t, exists)
	for _, k := range []int{1, 3, 4} {
		_, exists := c.Get(k)
		assert.True(t, exists, "key %d should survive", k)
	}
	assert.Equal(t, 3, c.Size())
	assert.Equal(t, int64(1), c.Stats().Evictions())
}

func TestLRUEvictionCallback(t *testing.T) {
	var evictedKeys []int
	c, err := NewLRU(2, WithEvictionCallback(func(key int, _ string) {
		evictedKeys = append(evictedKeys, key)
	}))
	require.NoError(t, err)

	c.Set(1, "a")
	c.Set(2, "b")
	c.Set(3, "c")

	assert.Equal(t, []int{1}, evictedKeys)
}

func TestGetOrCreateConstructsOnce(t *testing.T) {
	c, err := NewLRU[int, *struct{ n int }](10)
	require.NoError(t, err)

	constructed := 0
	construct := func() (*struct{ n int }, error) {
		constructed++
		return &struct{ n int }{n: constructed}, nil
	}

	first, err := c.GetOrCreate(7, construct)
	require.NoError(t, err)
	second, err := c.GetOrCreate(7, construct)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, constructed)

	// A different key constructs a new instance even for identical content.
	third, err := c.GetOrCreate(8, construct)
	require.NoError(t, err)
	assert.NotSame(t, first, third)
	assert.Equal(t, 2, constructed)
}

func TestGetOrCreateError(t *testing.T) {
	c, err := NewLRU[string, int](10)
	require.NoError(t, err)

	boom := assert.AnError
	_, err = c.GetOrCreate("k", func() (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Size())
}

func TestLRUConcurrentAccess(t *testing.T) {
	c, err := NewLRU[int, int](100)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := (g*200 + i) % 150
				c.Set(key, i)
				c.Get(key)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Size(), 100)
}

func TestNewLRUInvalidSize(t *testing.T) {
	_, err := NewLRU[string, string](0)
	assert.Error(t, err)
}

func TestKeysMostRecentFirst(t *testing.T) {
	c, err := NewLRU[string, int](5)
	require.NoError(t, err)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)
	c.Get("a")

	assert.Equal(t, []string{"a", "c", "b"}, c.Keys())

	c.Clear()
	assert.Equal(t, 0, c.Size())
}
