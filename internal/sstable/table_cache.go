package sstable

import (
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"strata/internal/base"
	"strata/internal/cache"
	"strata/internal/iterator"
	"strata/internal/storage"
)

// TableCache keeps recently used SSTables open. Each open table is charged
// one unit against the capacity and keyed by file number. Evicted tables are
// closed once the last iterator using them is closed.
type TableCache struct {
	dm     *storage.DiskManager
	tables *cache.Cache[*SSTable]
	blocks *cache.Cache[*Block]
	opens  singleflight.Group
	logger *zap.Logger
}

func NewTableCache(dm *storage.DiskManager, entries int, blocks *cache.Cache[*Block], logger *zap.Logger) *TableCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	tc := &TableCache{
		dm:     dm,
		blocks: blocks,
		logger: logger,
	}
	tc.tables = cache.New[*SSTable](int64(entries), func(key uint64, t *SSTable) {
		if err := t.Close(); err != nil {
			tc.logger.Warn("closing sstable", zap.Uint64("file", key), zap.Error(err))
		}
	})
	return tc
}

// Find returns a handle to the open table fn, opening it on a miss.
// Concurrent misses for the same file share a single open.
func (tc *TableCache) Find(fn base.FileNum, size uint64) (*cache.Handle[*SSTable], error) {
	if h, ok := tc.tables.Lookup(uint64(fn)); ok {
		return h, nil
	}

	v, err, _ := tc.opens.Do(strconv.FormatUint(uint64(fn), 10), func() (interface{}, error) {
		if h, ok := tc.tables.Lookup(uint64(fn)); ok {
			return h, nil
		}
		t, err := Open(tc.dm, fn, size, tc.blocks)
		if err != nil {
			return nil, err
		}
		return tc.tables.Insert(uint64(fn), t, 1), nil
	})
	if err != nil {
		return nil, err
	}

	// Every caller needs its own reference; the one taken by the shared call
	// is handed back to the cache.
	shared := v.(*cache.Handle[*SSTable])
	h, ok := tc.tables.Lookup(uint64(fn))
	shared.Release()
	if !ok {
		// Evicted between the insert and the lookup; open again.
		return tc.Find(fn, size)
	}
	return h, nil
}

// NewIterator returns an iterator over table fn that keeps the table open
// until the iterator is closed. Errors are reported through the iterator.
func (tc *TableCache) NewIterator(fn base.FileNum, size uint64) iterator.Iterator {
	h, err := tc.Find(fn, size)
	if err != nil {
		return iterator.Empty(err)
	}
	return iterator.WithCleanup(h.Value().NewIterator(), h)
}

// Evict drops table fn from the cache. The file is closed after its last
// reader finishes.
func (tc *TableCache) Evict(fn base.FileNum) {
	tc.tables.Erase(uint64(fn))
}

// Len returns the number of cached tables.
func (tc *TableCache) Len() int {
	return tc.tables.Len()
}
