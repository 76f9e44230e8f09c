package cache

import (
	"sync"
)

// RowCache maps logical row ids of a sparse tensor to physical offsets in
// its value buffer.
type RowCache interface {
	// Get retrieves the physical offset of a logical row.
	Get(row int64) (int64, bool)
	// Put records the physical offset of a logical row.
	// The first offset stored for a row is kept.
	Put(row, offset int64) bool
	// Size returns the number of rows in the cache.
	Size() int
}

// MapCache is a simple in-memory implementation of RowCache.
type MapCache struct {
	data map[int64]int64
	mu   sync.RWMutex
}

func NewMapCache() *MapCache {
	return &MapCache{
		data: make(map[int64]int64),
	}
}

// NewMapCacheFromRows indexes rows in order, so each logical row resolves to
// its first physical position.
func NewMapCacheFromRows(rows []int64) *MapCache {
	c := &MapCache{
		data: make(map[int64]int64, len(rows)),
	}
	for i, r := range rows {
		if _, ok := c.data[r]; !ok {
			c.data[r] = int64(i)
		}
	}
	return c
}

func (c *MapCache) Get(row int64) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	v, ok := c.data[row]
	return v, ok
}

// Put returns false when the row was already present; the map stays injective.
func (c *MapCache) Put(row, offset int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.data[row]; ok {
		return false
	}
	c.data[row] = offset
	return true
}

func (c *MapCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}
