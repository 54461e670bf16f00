package cache

const (
	numShardBits = 4
	numShards    = 1 << numShardBits
)

// Cache is a reference-counted LRU cache split into independently locked
// shards. Keys are spread across shards by hash so that concurrent readers of
// different keys rarely contend on the same lock.
type Cache[V any] struct {
	shards [numShards]*LRU[V]
}

// New returns a cache holding up to capacity charge units in total. Each shard
// receives an equal share of the capacity, rounded up.
func New[V any](capacity int64, deleter func(key uint64, value V)) *Cache[V] {
	per := (capacity + numShards - 1) / numShards
	c := &Cache[V]{}
	for i := range c.shards {
		c.shards[i] = NewLRU[V](per, deleter)
	}
	return c
}

func (c *Cache[V]) shard(key uint64) *LRU[V] {
	// splitmix64 finalizer
	h := key
	h ^= h >> 30
	h *= 0xbf58476d1ce4e5b9
	h ^= h >> 27
	h *= 0x94d049bb133111eb
	h ^= h >> 31
	return c.shards[h>>(64-numShardBits)]
}

// Insert adds value to the cache. See LRU.Insert for the behavior on an
// existing key.
func (c *Cache[V]) Insert(key uint64, value V, charge int64) *Handle[V] {
	return c.shard(key).Insert(key, value, charge)
}

// Lookup returns a pinned handle for key.
func (c *Cache[V]) Lookup(key uint64) (*Handle[V], bool) {
	return c.shard(key).Lookup(key)
}

// Erase removes key from the cache.
func (c *Cache[V]) Erase(key uint64) {
	c.shard(key).Erase(key)
}

// TotalCharge returns the charge held by all shards.
func (c *Cache[V]) TotalCharge() int64 {
	var total int64
	for _, s := range c.shards {
		total += s.TotalCharge()
	}
	return total
}

// Len returns the number of entries in all shards.
func (c *Cache[V]) Len() int {
	var n int
	for _, s := range c.shards {
		n += s.Len()
	}
	return n
}
