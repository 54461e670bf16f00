package cache

import (
	"io"
	"sync"
	"sync/atomic"
)

const nilIndex int32 = -1

// entry is a slot in a shard's slab. An entry that is in use sits either on
// the LRU list (refs == 0, evictable) or detached from it (refs > 0).
type entry[V any] struct {
	key    uint64
	value  V
	charge int64
	refs   int32

	// prev and next link the entry into the LRU list by slab index.
	prev, next int32
	inLRU      bool

	// erased entries are no longer reachable through the table and are freed
	// on their last release.
	erased bool
}

// LRU is a single cache shard. Entries live in a slab addressed by index and
// the recency list is a doubly linked list threaded through that slab, with
// head holding the least recently released entry.
type LRU[V any] struct {
	mu       sync.Mutex
	capacity int64
	usage    int64

	slots []entry[V]
	free  []int32
	table map[uint64]int32

	head, tail int32

	deleter func(key uint64, value V)
}

// NewLRU returns an LRU with the given capacity in charge units. The deleter,
// if not nil, is called outside the shard lock for every value that leaves
// the cache, as well as for values rejected by Insert.
func NewLRU[V any](capacity int64, deleter func(key uint64, value V)) *LRU[V] {
	return &LRU[V]{
		capacity: capacity,
		table:    make(map[uint64]int32),
		head:     nilIndex,
		tail:     nilIndex,
		deleter:  deleter,
	}
}

type evicted[V any] struct {
	key   uint64
	value V
}

// Insert adds value under key with the given charge and returns a handle
// holding a reference to the cached value.
//
// If key is already cached, the cache is left unchanged: the returned handle
// refers to the existing value and the new value is passed to the deleter.
func (c *LRU[V]) Insert(key uint64, value V, charge int64) *Handle[V] {
	c.mu.Lock()
	if idx, ok := c.table[key]; ok {
		h := c.ref(idx)
		c.mu.Unlock()
		c.delete([]evicted[V]{{key: key, value: value}})
		return h
	}

	idx := c.alloc()
	e := &c.slots[idx]
	e.key = key
	e.value = value
	e.charge = charge
	e.refs = 1
	e.prev, e.next = nilIndex, nilIndex
	c.table[key] = idx
	c.usage += charge

	h := &Handle[V]{lru: c, idx: idx, key: key, value: value}
	gone := c.evict(nil)
	c.mu.Unlock()

	c.delete(gone)
	return h
}

// Lookup returns a handle to the value cached under key. The entry cannot be
// evicted until the handle is released.
func (c *LRU[V]) Lookup(key uint64) (*Handle[V], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.table[key]
	if !ok {
		return nil, false
	}
	return c.ref(idx), true
}

// Erase removes key from the cache. A referenced entry stays alive until its
// last handle is released but can no longer be looked up.
func (c *LRU[V]) Erase(key uint64) {
	c.mu.Lock()
	idx, ok := c.table[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.table, key)

	e := &c.slots[idx]
	if e.refs > 0 {
		e.erased = true
		c.mu.Unlock()
		return
	}
	c.unlink(idx)
	gone := []evicted[V]{c.release(idx)}
	c.mu.Unlock()

	c.delete(gone)
}

// TotalCharge returns the sum of the charges of all cached entries, including
// the ones currently referenced.
func (c *LRU[V]) TotalCharge() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usage
}

// Len returns the number of cached entries.
func (c *LRU[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// ref takes a reference on the entry at idx, detaching it from the LRU list.
// c.mu must be held.
func (c *LRU[V]) ref(idx int32) *Handle[V] {
	e := &c.slots[idx]
	if e.inLRU {
		c.unlink(idx)
	}
	e.refs++
	return &Handle[V]{lru: c, idx: idx, key: e.key, value: e.value}
}

func (c *LRU[V]) unref(idx int32) {
	c.mu.Lock()
	e := &c.slots[idx]
	e.refs--
	if e.refs > 0 {
		c.mu.Unlock()
		return
	}

	var gone []evicted[V]
	if e.erased {
		gone = append(gone, c.release(idx))
	} else {
		c.append(idx)
		gone = c.evict(gone)
	}
	c.mu.Unlock()

	c.delete(gone)
}

// evict pops entries off the head of the LRU list until usage fits the
// capacity. c.mu must be held.
func (c *LRU[V]) evict(gone []evicted[V]) []evicted[V] {
	for c.usage > c.capacity && c.head != nilIndex {
		idx := c.head
		c.unlink(idx)
		delete(c.table, c.slots[idx].key)
		gone = append(gone, c.release(idx))
	}
	return gone
}

// release frees the slot at idx and returns its contents for the deleter.
func (c *LRU[V]) release(idx int32) evicted[V] {
	e := &c.slots[idx]
	out := evicted[V]{key: e.key, value: e.value}
	c.usage -= e.charge
	c.slots[idx] = entry[V]{prev: nilIndex, next: nilIndex}
	c.free = append(c.free, idx)
	return out
}

func (c *LRU[V]) alloc() int32 {
	if n := len(c.free); n > 0 {
		idx := c.free[n-1]
		c.free = c.free[:n-1]
		return idx
	}
	c.slots = append(c.slots, entry[V]{})
	return int32(len(c.slots) - 1)
}

func (c *LRU[V]) append(idx int32) {
	e := &c.slots[idx]
	e.prev = c.tail
	e.next = nilIndex
	e.inLRU = true
	if c.tail != nilIndex {
		c.slots[c.tail].next = idx
	} else {
		c.head = idx
	}
	c.tail = idx
}

func (c *LRU[V]) unlink(idx int32) {
	e := &c.slots[idx]
	if e.prev != nilIndex {
		c.slots[e.prev].next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nilIndex {
		c.slots[e.next].prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nilIndex, nilIndex
	e.inLRU = false
}

func (c *LRU[V]) delete(gone []evicted[V]) {
	if c.deleter == nil {
		return
	}
	for _, g := range gone {
		c.deleter(g.key, g.value)
	}
}

// Handle is a reference to a cached value. The value stays valid, and the
// entry stays pinned in the cache, until Release is called.
type Handle[V any] struct {
	lru      *LRU[V]
	idx      int32
	key      uint64
	value    V
	released atomic.Bool
}

// Value returns the cached value.
func (h *Handle[V]) Value() V {
	return h.value
}

// Key returns the key the value is cached under.
func (h *Handle[V]) Key() uint64 {
	return h.key
}

// Release drops the handle's reference. Calling Release more than once has no
// further effect.
func (h *Handle[V]) Release() {
	if h.released.CompareAndSwap(false, true) {
		h.lru.unref(h.idx)
	}
}

var _ io.Closer = (*Handle[int])(nil)

// Close releases the handle so it can be used as an iterator cleanup hook.
func (h *Handle[V]) Close() error {
	h.Release()
	return nil
}
