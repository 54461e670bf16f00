package memtable

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"strata/internal/base"
)

const degree = 32

func less(a, b base.InternalKV) bool {
	return a.K.Less(b.K)
}

// MemTable is an in-memory write buffer that keeps key-value pairs sorted by
// internal key in a B-tree.
//
// The memtable does not lock internally for Insert, Get and Ceil. Its owner
// takes Lock around a batch of inserts and RLock around point reads, which
// keeps the memtable stable for the whole batch without holding any wider
// lock. Iterators work on a copy-on-write clone and need no lock.
type MemTable struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[base.InternalKV]

	// size approximates the encoded bytes inserted. Overwrites add to it
	// without subtracting the replaced entry.
	size         atomic.Int64
	maxTimestamp int64

	// readOnly is set when the memtable is rotated out. No further writes are
	// accepted once it is set.
	readOnly atomic.Bool
}

func New() *MemTable {
	return &MemTable{
		tree:         btree.NewG[base.InternalKV](degree, less),
		maxTimestamp: math.MinInt64,
	}
}

func (m *MemTable) Lock()    { m.mu.Lock() }
func (m *MemTable) Unlock()  { m.mu.Unlock() }
func (m *MemTable) RLock()   { m.mu.RLock() }
func (m *MemTable) RUnlock() { m.mu.RUnlock() }

// Insert adds or replaces the value stored under key. The caller must hold
// Lock.
func (m *MemTable) Insert(key base.InternalKey, value []byte) error {
	if m.readOnly.Load() {
		return ErrMemTableImmutable
	}

	m.tree.ReplaceOrInsert(base.InternalKV{K: key, V: value})
	if key.Timestamp > m.maxTimestamp {
		m.maxTimestamp = key.Timestamp
	}
	m.size.Add(int64(base.KeySize + len(value)))
	return nil
}

// Get returns the value stored under key. The caller must hold RLock.
func (m *MemTable) Get(key base.InternalKey) ([]byte, bool) {
	kv, ok := m.tree.Get(base.InternalKV{K: key})
	return kv.V, ok
}

// Ceil returns the first pair whose key is greater than or equal to key. The
// caller must hold RLock.
func (m *MemTable) Ceil(key base.InternalKey) (kv base.InternalKV, ok bool) {
	m.tree.AscendGreaterOrEqual(base.InternalKV{K: key}, func(item base.InternalKV) bool {
		kv, ok = item, true
		return false
	})
	return kv, ok
}

// MarkReadOnly stops the memtable from accepting writes.
func (m *MemTable) MarkReadOnly() {
	m.readOnly.Store(true)
}

// ReadOnly reports whether the memtable was rotated out.
func (m *MemTable) ReadOnly() bool {
	return m.readOnly.Load()
}

// ApproximateSize returns the number of bytes inserted so far.
func (m *MemTable) ApproximateSize() int64 {
	return m.size.Load()
}

// Len returns the number of distinct keys.
func (m *MemTable) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tree.Len()
}

// Empty reports whether nothing was inserted.
func (m *MemTable) Empty() bool {
	return m.Len() == 0
}

// MaxTimestamp returns the largest timestamp inserted, or math.MinInt64 for an
// empty memtable.
func (m *MemTable) MaxTimestamp() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxTimestamp
}

// NewIterator returns an iterator over a snapshot of the memtable. Writes
// made after NewIterator returns are not visible to it. The caller must not
// hold the memtable lock.
func (m *MemTable) NewIterator() *Iterator {
	m.mu.RLock()
	snapshot := m.tree.Clone()
	m.mu.RUnlock()
	return newIterator(snapshot)
}
