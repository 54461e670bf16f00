package table

import (
	"context"
	"sort"

	"github.com/RoaringBitmap/roaring/roaring64"

	"strata/internal/base"
	"strata/internal/iterator"
	"strata/internal/manifest"
	"strata/internal/memtable"
	"strata/internal/row"
	"strata/internal/sstable"
)

// readState is the set of sources a query reads from. It holds a reference on
// every file so none of them is deleted while the query runs.
type readState struct {
	// mems holds the active memtable followed by the immutable ones, newest
	// first.
	mems []*memtable.MemTable
	snap *manifest.Snapshot
}

func (t *Table) acquire() (*readState, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrShuttingDown
	}
	mems := make([]*memtable.MemTable, 0, 1+len(t.imms))
	mems = append(mems, t.mem)
	mems = append(mems, t.imms...)
	return &readState{mems: mems, snap: t.files.Snapshot()}, nil
}

func (t *Table) release(rs *readState) {
	if rs.snap.Release() {
		t.scheduleErase()
	}
}

// fileSource opens the SSTable described by an encoded FileMetaData.
type fileSource struct {
	tc *sstable.TableCache
}

func (s fileSource) Open(value []byte) (iterator.Iterator, error) {
	f, err := manifest.DecodeFileMetaData(value)
	if err != nil {
		return nil, err
	}
	return s.tc.NewIterator(f.FileNum, f.Size), nil
}

// newLevelIterator concatenates files, which must be sorted and disjoint.
func (t *Table) newLevelIterator(files []*manifest.FileMetaData) iterator.Iterator {
	return iterator.NewTwoLevelIterator(manifest.NewFileIterator(files), fileSource{t.tableCache})
}

// ExecuteLatestQuery returns the newest row of each vin. Vins without data
// are left out. Duplicate vins are answered once.
func (t *Table) ExecuteLatestQuery(ctx context.Context, vins []base.Vin, columns row.ColumnSet) ([]row.Row, error) {
	rs, err := t.acquire()
	if err != nil {
		return nil, err
	}
	defer t.release(rs)

	rows := make([]row.Row, 0, len(vins))
	done := make(map[base.Vin]struct{}, len(vins))
	for _, vin := range vins {
		if _, ok := done[vin]; ok {
			continue
		}
		done[vin] = struct{}{}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		kv, ok, err := t.latest(rs, vin)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		r, err := row.Decode(kv.K, kv.V, t.schema, columns)
		if err != nil {
			return nil, err
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func (t *Table) latest(rs *readState, vin base.Vin) (base.InternalKV, bool, error) {
	search := base.MakeSearchKey(vin)

	var (
		best      base.InternalKV
		found     bool
		reads     int
		firstFile *manifest.FileMetaData
		firstLvl  int
	)

	// Within a source the first key of a vin is its newest, but a later
	// write may carry an older timestamp, so every source is compared.
	for _, mem := range rs.mems {
		mem.RLock()
		kv, ok := mem.Ceil(search)
		mem.RUnlock()
		if ok && kv.K.Vin == vin && (!found || kv.K.Timestamp > best.K.Timestamp) {
			best, found = kv, true
		}
	}

	// Files whose newest timestamp cannot beat best are skipped.
	probe := func(level int, f *manifest.FileMetaData) error {
		if !f.ContainsVin(vin) {
			return nil
		}
		if found && f.MaxTimestamp <= best.K.Timestamp {
			return nil
		}
		reads++
		if reads == 1 {
			firstFile, firstLvl = f, level
		}
		kv, ok, err := t.seekFile(f, search)
		if err != nil {
			return err
		}
		if ok && kv.K.Vin == vin && (!found || kv.K.Timestamp > best.K.Timestamp) {
			best, found = kv, true
		}
		return nil
	}

	level0 := rs.snap.Levels[0]
	for i := len(level0) - 1; i >= 0; i-- {
		if err := probe(0, level0[i]); err != nil {
			return base.InternalKV{}, false, err
		}
	}
	for level := 1; level < base.NumLevels; level++ {
		files := rs.snap.Levels[level]
		i := sort.Search(len(files), func(i int) bool {
			return !files[i].Largest.Less(search)
		})
		if i == len(files) {
			continue
		}
		if err := probe(level, files[i]); err != nil {
			return base.InternalKV{}, false, err
		}
	}

	if reads > 1 && t.files.RecordSeek(firstLvl, firstFile) {
		t.logger.Debug("file nominated for seek compaction")
		t.maybeScheduleCompaction()
	}
	return best, found, nil
}

// seekFile returns the first entry of f at or after key. The value is copied
// out of the block.
func (t *Table) seekFile(f *manifest.FileMetaData, key base.InternalKey) (base.InternalKV, bool, error) {
	it := t.tableCache.NewIterator(f.FileNum, f.Size)
	defer it.Close()

	it.Seek(key)
	if !it.Valid() {
		return base.InternalKV{}, false, it.Error()
	}
	return base.InternalKV{K: it.Key(), V: append([]byte(nil), it.Value()...)}, true, nil
}

// ExecuteTimeRangeQuery returns the rows of vin with timestamps in
// [lower, upper), ordered by timestamp.
func (t *Table) ExecuteTimeRangeQuery(ctx context.Context, vin base.Vin, lower, upper int64, columns row.ColumnSet) ([]row.Row, error) {
	if lower >= upper {
		return nil, nil
	}
	rs, err := t.acquire()
	if err != nil {
		return nil, err
	}
	defer t.release(rs)

	// Keys of a vin are ordered by timestamp descending, so the scan starts
	// at the newest timestamp below upper.
	start := base.MakeInternalKey(vin, upper-1)
	end := base.MakeInternalKey(vin, lower)
	seen := roaring64.New()
	var rows []row.Row

	scan := func(it iterator.Iterator) error {
		defer it.Close()
		for it.Seek(start); it.Valid(); it.Next() {
			k := it.Key()
			if k.Vin != vin || k.Timestamp < lower {
				break
			}
			if seen.Contains(uint64(k.Timestamp)) {
				continue
			}
			seen.Add(uint64(k.Timestamp))
			r, err := row.Decode(k, it.Value(), t.schema, columns)
			if err != nil {
				return err
			}
			rows = append(rows, r)
		}
		return it.Error()
	}
	relevant := func(f *manifest.FileMetaData) bool {
		return f.Overlaps(start, end) && f.MaxTimestamp >= lower
	}

	for _, mem := range rs.mems {
		if err := scan(mem.NewIterator()); err != nil {
			return nil, err
		}
	}
	level0 := rs.snap.Levels[0]
	for i := len(level0) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		f := level0[i]
		if !relevant(f) {
			continue
		}
		if err := scan(t.tableCache.NewIterator(f.FileNum, f.Size)); err != nil {
			return nil, err
		}
	}
	for level := 1; level < base.NumLevels; level++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var files []*manifest.FileMetaData
		for _, f := range rs.snap.Levels[level] {
			if relevant(f) {
				files = append(files, f)
			}
		}
		if len(files) == 0 {
			continue
		}
		if err := scan(t.newLevelIterator(files)); err != nil {
			return nil, err
		}
	}

	sort.Slice(rows, func(i, j int) bool {
		return rows[i].Timestamp < rows[j].Timestamp
	})
	return rows, nil
}
