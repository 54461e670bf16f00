package cache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func insert(t *testing.T, c *LRU[uint64], key uint64) {
	h := c.Insert(key, key, 1)
	require.Equal(t, key, h.Value())
	h.Release()
}

func query(t *testing.T, c *LRU[uint64], key uint64, present bool) {
	h, ok := c.Lookup(key)
	if !present {
		assert.False(t, ok, "key %d should have been evicted", key)
		return
	}
	if assert.True(t, ok, "key %d should be cached", key) {
		assert.Equal(t, key, h.Value())
		h.Release()
	}
}

func TestLRUEviction(t *testing.T) {
	const capacity = 10
	c := NewLRU[uint64](capacity, nil)

	for i := uint64(0); i < capacity; i++ {
		insert(t, c, i)
	}
	for i := uint64(0); i < capacity; i++ {
		query(t, c, i, true)
	}

	insert(t, c, 10)
	query(t, c, 0, false)
	for i := uint64(0); i < capacity; i++ {
		query(t, c, i+1, true)
	}

	for i := uint64(0); i < 3; i++ {
		insert(t, c, i+11)
	}
	query(t, c, 1, false)
	query(t, c, 2, false)
	query(t, c, 3, false)
	query(t, c, 11, true)
	query(t, c, 12, true)
	query(t, c, 13, true)
	assert.EqualValues(t, capacity, c.TotalCharge())
}

func TestLRUPinnedEntriesSurvive(t *testing.T) {
	var deleted []uint64
	c := NewLRU[uint64](2, func(key uint64, _ uint64) {
		deleted = append(deleted, key)
	})

	pinned := c.Insert(1, 1, 1)
	insert(t, c, 2)
	insert(t, c, 3)
	insert(t, c, 4)

	// Key 1 is still referenced and must not be evicted.
	query(t, c, 1, true)
	assert.Equal(t, []uint64{2, 3}, deleted)

	pinned.Release()
	pinned.Release()
	query(t, c, 4, true)
	query(t, c, 1, true)
}

func TestLRUInsertExistingKey(t *testing.T) {
	var deleted []uint64
	c := NewLRU[uint64](10, func(_ uint64, value uint64) {
		deleted = append(deleted, value)
	})

	first := c.Insert(7, 100, 1)
	second := c.Insert(7, 200, 1)

	// The existing value stays cached and the rejected one is handed to the
	// deleter.
	assert.EqualValues(t, 100, second.Value())
	assert.Equal(t, []uint64{200}, deleted)
	assert.Equal(t, 1, c.Len())

	first.Release()
	require.NoError(t, second.Close())
	assert.EqualValues(t, 1, c.TotalCharge())
}

func TestLRUErase(t *testing.T) {
	var deleted []uint64
	c := NewLRU[uint64](10, func(key uint64, _ uint64) {
		deleted = append(deleted, key)
	})

	insert(t, c, 1)
	h := c.Insert(2, 2, 1)

	c.Erase(1)
	c.Erase(2)
	assert.Equal(t, []uint64{1}, deleted)
	query(t, c, 2, false)

	// The erased entry is freed once the last handle goes away.
	assert.EqualValues(t, 2, h.Value())
	h.Release()
	assert.Equal(t, []uint64{1, 2}, deleted)
	assert.Zero(t, c.TotalCharge())
	assert.Zero(t, c.Len())
}

func TestShardedCache(t *testing.T) {
	c := New[uint64](1600, nil)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := uint64(g*1000 + i)
				c.Insert(key, key, 1).Release()
				if h, ok := c.Lookup(key); ok {
					assert.Equal(t, key, h.Value())
					h.Release()
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.TotalCharge(), int64(1600))
	assert.Equal(t, int64(c.Len()), c.TotalCharge())
}
