package table

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"strata/internal/background"
	"strata/internal/base"
	"strata/internal/row"
	"strata/internal/storage"
	"strata/internal/storage/compression"
)

var testSchema = row.MustSchema(map[string]row.ColumnType{
	"speed": row.Integer,
	"temp":  row.Double,
	"note":  row.String,
})

func vin(i int) base.Vin {
	return base.MakeVin(fmt.Sprintf("LSVNV2182E%07d", i))
}

func mkRow(v base.Vin, ts int64, speed int32) row.Row {
	return row.Row{
		Vin:       v,
		Timestamp: ts,
		Columns: map[string]row.ColumnValue{
			"speed": row.IntegerValue(speed),
			"temp":  row.DoubleValue(float64(speed) / 2),
			"note":  row.StringValue(fmt.Sprintf("n%d", ts)),
		},
	}
}

func speed(t *testing.T, r row.Row) int32 {
	t.Helper()
	v, err := r.Columns["speed"].Integer()
	require.NoError(t, err)
	return v
}

type testEnv struct {
	dm   *storage.DiskManager
	bg   *background.BackgroundTask
	opts Options
}

func newEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()
	bg := background.New(nil)
	t.Cleanup(bg.Shutdown)
	opts.Background = bg
	opts.Logger = zaptest.NewLogger(t)
	return &testEnv{dm: storage.NewDiskManager(t.TempDir()), bg: bg, opts: opts}
}

func (e *testEnv) create(t *testing.T) *Table {
	t.Helper()
	tbl, err := Create(e.dm, "metrics", testSchema, e.opts)
	require.NoError(t, err)
	return tbl
}

func (e *testEnv) open(t *testing.T) *Table {
	t.Helper()
	tbl, err := Open(e.dm, e.opts)
	require.NoError(t, err)
	return tbl
}

// waitIdle blocks until no flush or compaction of tbl is pending.
func waitIdle(tbl *Table) {
	for {
		tbl.mu.Lock()
		for tbl.pendingMinor > 0 {
			tbl.cond.Wait()
		}
		tbl.mu.Unlock()

		tbl.bg.WaitForEmptyQueue()

		tbl.mu.Lock()
		idle := tbl.pendingMinor == 0 && !tbl.compactionScheduled
		tbl.mu.Unlock()
		if idle {
			return
		}
	}
}

func upsert(t *testing.T, tbl *Table, rows ...row.Row) {
	t.Helper()
	require.NoError(t, tbl.Upsert(context.Background(), rows))
}

func latest(t *testing.T, tbl *Table, vins ...base.Vin) []row.Row {
	t.Helper()
	rows, err := tbl.ExecuteLatestQuery(context.Background(), vins, nil)
	require.NoError(t, err)
	return rows
}

func scan(t *testing.T, tbl *Table, v base.Vin, lower, upper int64) []row.Row {
	t.Helper()
	rows, err := tbl.ExecuteTimeRangeQuery(context.Background(), v, lower, upper, nil)
	require.NoError(t, err)
	return rows
}

func timestamps(rows []row.Row) []int64 {
	ts := make([]int64, len(rows))
	for i, r := range rows {
		ts[i] = r.Timestamp
	}
	return ts
}

func TestLatestAndRange(t *testing.T) {
	e := newEnv(t, Options{})
	tbl := e.create(t)
	defer tbl.Close()

	v1 := vin(1)
	upsert(t, tbl, mkRow(v1, 10, 1), mkRow(v1, 20, 2))

	rows := latest(t, tbl, v1)
	require.Len(t, rows, 1)
	assert.Equal(t, v1, rows[0].Vin)
	assert.EqualValues(t, 20, rows[0].Timestamp)
	assert.EqualValues(t, 2, speed(t, rows[0]))

	rows = scan(t, tbl, v1, 0, 30)
	assert.Equal(t, []int64{10, 20}, timestamps(rows))
	assert.EqualValues(t, 1, speed(t, rows[0]))
	assert.EqualValues(t, 2, speed(t, rows[1]))

	assert.Equal(t, []int64{10}, timestamps(scan(t, tbl, v1, 10, 20)))
	assert.Empty(t, scan(t, tbl, v1, 20, 20))
	assert.Empty(t, scan(t, tbl, v1, 30, 0))
	assert.Empty(t, scan(t, tbl, vin(2), 0, 30))

	// Unknown vins are left out, duplicates are answered once.
	rows = latest(t, tbl, vin(2), v1, v1)
	require.Len(t, rows, 1)
	assert.Equal(t, v1, rows[0].Vin)
}

func TestRequestedColumns(t *testing.T) {
	e := newEnv(t, Options{})
	tbl := e.create(t)
	defer tbl.Close()

	upsert(t, tbl, mkRow(vin(1), 10, 7))
	rows, err := tbl.ExecuteLatestQuery(context.Background(), []base.Vin{vin(1)}, row.NewColumnSet("speed"))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Len(t, rows[0].Columns, 1)
	assert.EqualValues(t, 7, speed(t, rows[0]))
}

func TestUpsertOverwrites(t *testing.T) {
	e := newEnv(t, Options{})
	tbl := e.create(t)
	defer tbl.Close()

	upsert(t, tbl, mkRow(vin(1), 10, 1))
	require.NoError(t, tbl.FlushMemTable())
	upsert(t, tbl, mkRow(vin(1), 10, 2))

	rows := scan(t, tbl, vin(1), 0, 100)
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, speed(t, rows[0]))

	require.NoError(t, tbl.FlushMemTable())
	rows = latest(t, tbl, vin(1))
	require.Len(t, rows, 1)
	assert.EqualValues(t, 2, speed(t, rows[0]))
}

func TestUpsertValidatesRows(t *testing.T) {
	e := newEnv(t, Options{})
	tbl := e.create(t)
	defer tbl.Close()

	bad := mkRow(vin(2), 10, 1)
	delete(bad.Columns, "temp")
	err := tbl.Upsert(context.Background(), []row.Row{mkRow(vin(1), 10, 1), bad})
	require.Error(t, err)
	assert.True(t, errors.Is(err, row.ErrMissingColumn))

	// Nothing of the rejected batch was written.
	assert.Empty(t, latest(t, tbl, vin(1), vin(2)))
}

func TestLatestAcrossFiles(t *testing.T) {
	e := newEnv(t, Options{Compression: compression.Snappy})
	tbl := e.create(t)
	defer tbl.Close()

	upsert(t, tbl, mkRow(vin(1), 30, 3), mkRow(vin(2), 5, 1))
	require.NoError(t, tbl.FlushMemTable())
	upsert(t, tbl, mkRow(vin(1), 10, 1), mkRow(vin(3), 7, 1))
	require.NoError(t, tbl.FlushMemTable())
	assert.Equal(t, 2, tbl.NumFiles(0))

	// The newest timestamp wins even when it sits in the older file.
	rows := latest(t, tbl, vin(1), vin(2), vin(3))
	require.Len(t, rows, 3)
	assert.EqualValues(t, 30, rows[0].Timestamp)
	assert.EqualValues(t, 5, rows[1].Timestamp)
	assert.EqualValues(t, 7, rows[2].Timestamp)

	upsert(t, tbl, mkRow(vin(1), 40, 4))
	rows = latest(t, tbl, vin(1))
	require.Len(t, rows, 1)
	assert.EqualValues(t, 40, rows[0].Timestamp)

	assert.Equal(t, []int64{10, 30, 40}, timestamps(scan(t, tbl, vin(1), 0, 100)))
}

func TestReopen(t *testing.T) {
	e := newEnv(t, Options{MemTableSize: 4 << 10})
	tbl := e.create(t)
	for ts := int64(1); ts <= 200; ts++ {
		upsert(t, tbl, mkRow(vin(int(ts%5)), ts, int32(ts)))
	}
	require.NoError(t, tbl.Close())
	require.ErrorIs(t, tbl.Upsert(context.Background(), []row.Row{mkRow(vin(1), 1, 1)}), ErrShuttingDown)
	_, err := tbl.ExecuteLatestQuery(context.Background(), []base.Vin{vin(1)}, nil)
	require.ErrorIs(t, err, ErrShuttingDown)

	_, err = Create(e.dm, "metrics", testSchema, e.opts)
	require.True(t, errors.Is(err, ErrTableExists))

	tbl = e.open(t)
	defer tbl.Close()
	assert.Equal(t, "metrics", tbl.Name())
	assert.True(t, testSchema.Equal(tbl.Schema()))

	for i := 0; i < 5; i++ {
		rows := scan(t, tbl, vin(i), 0, 1000)
		require.Len(t, rows, 40, "vin %d", i)
		for _, r := range rows {
			assert.EqualValues(t, r.Timestamp, speed(t, r))
		}
	}
	rows := latest(t, tbl, vin(0))
	require.Len(t, rows, 1)
	assert.EqualValues(t, 200, rows[0].Timestamp)
}

func TestOrphanedFilesRemovedOnOpen(t *testing.T) {
	e := newEnv(t, Options{})
	tbl := e.create(t)
	upsert(t, tbl, mkRow(vin(1), 1, 1))
	require.NoError(t, tbl.Close())

	require.NoError(t, e.dm.WriteFile("000999.sst", []byte("partial")))
	tbl = e.open(t)
	defer tbl.Close()
	assert.False(t, e.dm.Exists("000999.sst"))
	assert.Len(t, latest(t, tbl, vin(1)), 1)
}

func countSSTables(t *testing.T, dm *storage.DiskManager) int {
	t.Helper()
	names, err := dm.List()
	require.NoError(t, err)
	n := 0
	for _, name := range names {
		if strings.HasSuffix(name, ".sst") {
			n++
		}
	}
	return n
}

func TestCompaction(t *testing.T) {
	e := newEnv(t, Options{MemTableSize: 4 << 10, MaxFileSize: 8 << 10})
	tbl := e.create(t)
	defer tbl.Close()

	const vins, perVin = 10, 100
	for ts := int64(1); ts <= perVin; ts++ {
		var rows []row.Row
		for i := 0; i < vins; i++ {
			rows = append(rows, mkRow(vin(i), ts, int32(ts)*10+int32(i)))
		}
		upsert(t, tbl, rows...)
	}
	require.NoError(t, tbl.FlushMemTable())
	waitIdle(tbl)

	assert.Less(t, tbl.NumFiles(0), base.L0CompactionTrigger)
	assert.Greater(t, tbl.NumFiles(1), 1)

	live := 0
	for level := 0; level < base.NumLevels; level++ {
		live += tbl.NumFiles(level)
	}
	assert.Equal(t, live, countSSTables(t, e.dm))

	for i := 0; i < vins; i++ {
		rows := scan(t, tbl, vin(i), 0, perVin+1)
		require.Len(t, rows, perVin, "vin %d", i)
		for j, r := range rows {
			assert.EqualValues(t, j+1, r.Timestamp)
			assert.EqualValues(t, int32(j+1)*10+int32(i), speed(t, r))
		}
		rows = latest(t, tbl, vin(i))
		require.Len(t, rows, 1)
		assert.EqualValues(t, perVin, rows[0].Timestamp)
	}
}

func TestCompactionKeepsNewestValue(t *testing.T) {
	e := newEnv(t, Options{})
	tbl := e.create(t)
	defer tbl.Close()

	for i := 0; i < base.L0CompactionTrigger; i++ {
		upsert(t, tbl, mkRow(vin(1), 10, int32(i)), mkRow(vin(1), int64(20+i), int32(i)))
		require.NoError(t, tbl.FlushMemTable())
	}
	waitIdle(tbl)
	require.Zero(t, tbl.NumFiles(0))
	require.Equal(t, 1, tbl.NumFiles(1))

	rows := scan(t, tbl, vin(1), 10, 11)
	require.Len(t, rows, 1)
	assert.EqualValues(t, base.L0CompactionTrigger-1, speed(t, rows[0]))
	assert.Len(t, scan(t, tbl, vin(1), 0, 100), 1+base.L0CompactionTrigger)
}

func TestTrivialMoveKeepsFiles(t *testing.T) {
	e := newEnv(t, Options{})
	tbl := e.create(t)
	defer tbl.Close()

	for i := 0; i < base.L0CompactionTrigger-1; i++ {
		upsert(t, tbl, mkRow(vin(i), 10, int32(i)))
		require.NoError(t, tbl.FlushMemTable())
	}
	want := tbl.Files(0)
	require.Len(t, want, base.L0CompactionTrigger-1)
	want = append(want, want[len(want)-1]+1)

	upsert(t, tbl, mkRow(vin(base.L0CompactionTrigger), 10, 0))
	require.NoError(t, tbl.FlushMemTable())
	waitIdle(tbl)

	assert.Zero(t, tbl.NumFiles(0))
	assert.Equal(t, want, tbl.Files(1))
	assert.Equal(t, len(want), countSSTables(t, e.dm))
}

func TestObsoleteFilesOutliveReaders(t *testing.T) {
	e := newEnv(t, Options{})
	tbl := e.create(t)
	defer tbl.Close()

	// Every file spans both vins, so the compaction has to rewrite them.
	for i := 0; i < base.L0CompactionTrigger-1; i++ {
		upsert(t, tbl, mkRow(vin(1), int64(i), int32(i)), mkRow(vin(2), int64(i), int32(i)))
		require.NoError(t, tbl.FlushMemTable())
	}
	held := tbl.Files(0)
	rs, err := tbl.acquire()
	require.NoError(t, err)

	upsert(t, tbl, mkRow(vin(1), 100, 100), mkRow(vin(2), 100, 100))
	require.NoError(t, tbl.FlushMemTable())
	waitIdle(tbl)
	require.Zero(t, tbl.NumFiles(0))
	require.Equal(t, 1, tbl.NumFiles(1))

	for _, fn := range held {
		assert.True(t, e.dm.Exists(fn.String()), "%s", fn)
	}
	assert.False(t, e.dm.Exists((held[len(held)-1] + 1).String()))

	tbl.release(rs)
	waitIdle(tbl)
	for _, fn := range held {
		assert.False(t, e.dm.Exists(fn.String()), "%s", fn)
	}
	assert.Equal(t, 1, countSSTables(t, e.dm))
}

func TestSeekCompaction(t *testing.T) {
	e := newEnv(t, Options{})
	tbl := e.create(t)
	defer tbl.Close()

	// The older file spans the vin of the newer one with higher timestamps,
	// so every lookup of that vin has to read both.
	upsert(t, tbl, mkRow(vin(0), 1000, 1), mkRow(vin(9), 1000, 1))
	require.NoError(t, tbl.FlushMemTable())
	upsert(t, tbl, mkRow(vin(5), 10, 5))
	require.NoError(t, tbl.FlushMemTable())
	require.Equal(t, 2, tbl.NumFiles(0))

	for i := 0; i < base.MinAllowedSeeks; i++ {
		rows := latest(t, tbl, vin(5))
		require.Len(t, rows, 1)
	}
	waitIdle(tbl)

	assert.Zero(t, tbl.NumFiles(0))
	assert.Equal(t, 1, tbl.NumFiles(1))
	rows := latest(t, tbl, vin(0), vin(5), vin(9))
	assert.Len(t, rows, 3)
}

func TestConcurrentWriters(t *testing.T) {
	e := newEnv(t, Options{MemTableSize: 8 << 10})
	tbl := e.create(t)
	defer tbl.Close()

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for ts := int64(1); ts <= perWriter; ts++ {
				if err := tbl.Upsert(context.Background(), []row.Row{mkRow(vin(w), ts, int32(ts))}); err != nil {
					t.Error(err)
					return
				}
				if ts%50 == 0 {
					if _, err := tbl.ExecuteLatestQuery(context.Background(), []base.Vin{vin(w)}, nil); err != nil {
						t.Error(err)
						return
					}
				}
			}
		}(w)
	}
	wg.Wait()
	waitIdle(tbl)

	for w := 0; w < writers; w++ {
		rows := scan(t, tbl, vin(w), 0, perWriter+1)
		assert.Len(t, rows, perWriter, "writer %d", w)
	}
}

func TestLatestPrefersNewestTimestamp(t *testing.T) {
	t.Run("file newer than memtable", func(t *testing.T) {
		e := newEnv(t, Options{})
		tbl := e.create(t)
		defer tbl.Close()

		upsert(t, tbl, mkRow(vin(1), 20, 2))
		require.NoError(t, tbl.FlushMemTable())
		upsert(t, tbl, mkRow(vin(1), 10, 1))

		rows := latest(t, tbl, vin(1))
		require.Len(t, rows, 1)
		assert.EqualValues(t, 20, rows[0].Timestamp)
		assert.EqualValues(t, 2, speed(t, rows[0]))
	})

	t.Run("immutable newer than active", func(t *testing.T) {
		// Every write after the first rotates the memtable.
		e := newEnv(t, Options{MemTableSize: 1})
		tbl := e.create(t)
		defer tbl.Close()

		upsert(t, tbl, mkRow(vin(1), 20, 2))
		upsert(t, tbl, mkRow(vin(1), 10, 1))

		rows := latest(t, tbl, vin(1))
		require.Len(t, rows, 1)
		assert.EqualValues(t, 20, rows[0].Timestamp)
		assert.Equal(t, []int64{10, 20}, timestamps(scan(t, tbl, vin(1), 0, 100)))
	})
}

func TestFlushKeepsQueryResults(t *testing.T) {
	e := newEnv(t, Options{})
	tbl := e.create(t)
	defer tbl.Close()

	vins := make([]base.Vin, 8)
	for i := range vins {
		vins[i] = vin(i)
	}
	// Timestamps are written out of order on purpose.
	for _, ts := range []int64{50, 10, 70, 30, 90, 20} {
		for i, v := range vins {
			upsert(t, tbl, mkRow(v, ts+int64(i), int32(ts)))
		}
	}
	require.NoError(t, tbl.FlushMemTable())
	upsert(t, tbl, mkRow(vins[0], 5, 1), mkRow(vins[3], 200, 2))

	snapshot := func() ([]row.Row, [][]row.Row) {
		ranges := make([][]row.Row, len(vins))
		for i, v := range vins {
			ranges[i] = scan(t, tbl, v, 15, 80)
		}
		return latest(t, tbl, vins...), ranges
	}
	beforeLatest, beforeRanges := snapshot()
	require.Len(t, beforeLatest, len(vins))
	assert.EqualValues(t, 200, beforeLatest[3].Timestamp)

	require.NoError(t, tbl.FlushMemTable())
	waitIdle(tbl)
	afterLatest, afterRanges := snapshot()
	assert.Equal(t, beforeLatest, afterLatest)
	assert.Equal(t, beforeRanges, afterRanges)
}

func TestReopenWithDirectIO(t *testing.T) {
	dir := t.TempDir()
	w, err := storage.NewWriter(filepath.Join(dir, "check"), os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 1)
	if err != nil {
		// Some file systems (tmpfs) do not support O_DIRECT.
		t.Skipf("direct io unavailable: %v", err)
	}
	require.NoError(t, w.Close())

	e := newEnv(t, Options{Compression: compression.Snappy})
	e.dm = storage.NewDiskManager(filepath.Join(dir, "metrics"), storage.WithDirectIO(true))
	tbl := e.create(t)
	for ts := int64(1); ts <= 50; ts++ {
		upsert(t, tbl, mkRow(vin(int(ts%3)), ts, int32(ts)))
	}
	require.NoError(t, tbl.FlushMemTable())
	require.NoError(t, tbl.Close())

	tbl = e.open(t)
	defer tbl.Close()
	rows := latest(t, tbl, vin(0), vin(1), vin(2))
	assert.Equal(t, []int64{48, 49, 50}, timestamps(rows))
	assert.Len(t, scan(t, tbl, vin(1), 0, 100), 17)
}

func TestFailedFlushStallsWrites(t *testing.T) {
	e := newEnv(t, Options{MemTableSize: 1})
	tbl := e.create(t)

	// Without its directory no SSTable can be written.
	require.NoError(t, os.RemoveAll(e.dm.Dir()))

	upsert(t, tbl, mkRow(vin(1), 10, 1))
	err := tbl.FlushMemTable()
	require.True(t, errors.Is(err, ErrFlushFailed), "%v", err)

	// The active memtable still takes writes until it is full.
	upsert(t, tbl, mkRow(vin(1), 20, 2))
	err = tbl.Upsert(context.Background(), []row.Row{mkRow(vin(1), 30, 3)})
	require.True(t, errors.Is(err, ErrFlushFailed), "%v", err)
	err = tbl.FlushMemTable()
	require.True(t, errors.Is(err, ErrFlushFailed), "%v", err)

	tbl.mu.Lock()
	assert.Len(t, tbl.imms, 1)
	tbl.mu.Unlock()

	// Unflushed rows stay readable.
	assert.Equal(t, []int64{10, 20}, timestamps(scan(t, tbl, vin(1), 0, 100)))

	err = tbl.Close()
	require.True(t, errors.Is(err, ErrFlushFailed), "%v", err)
}
