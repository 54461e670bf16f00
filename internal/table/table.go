package table

import (
	"strconv"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"strata/internal/background"
	"strata/internal/base"
	"strata/internal/cache"
	"strata/internal/manifest"
	"strata/internal/memtable"
	"strata/internal/row"
	"strata/internal/sstable"
	"strata/internal/storage"
)

// Table is one LSM tree: an active memtable, the memtables waiting to be
// flushed and the leveled file catalog of its SSTables.
type Table struct {
	name   string
	schema row.Schema
	opts   Options

	dm         *storage.DiskManager
	files      *manifest.TableMetaData
	tableCache *sstable.TableCache
	blockCache *cache.Cache[*sstable.Block]
	bg         *background.BackgroundTask
	ownsBg     bool
	logger     *zap.Logger

	// manifestMu serializes manifest writes. manifestSynced is false while
	// the catalog holds changes the manifest on disk does not; obsolete files
	// are kept until it is true again.
	manifestMu     sync.Mutex
	manifestSynced bool

	// mu protects everything below. cond is signalled whenever the writer
	// queue, the immutable list or the background state changes.
	mu   sync.Mutex
	cond *sync.Cond

	mem *memtable.MemTable
	// imms holds rotated memtables, newest first.
	imms []*memtable.MemTable
	// failed records memtables whose flush failed. They stay in imms.
	failed map[*memtable.MemTable]error

	writers []*writer
	closing bool
	closed  bool

	pendingMinor        int
	compactionScheduled bool
}

type writer struct{}

// Create makes a new, empty table in the directory managed by dm.
func Create(dm *storage.DiskManager, name string, schema row.Schema, opts Options) (*Table, error) {
	if err := dm.MkdirAll(); err != nil {
		return nil, err
	}
	if dm.Exists(manifest.FileName) {
		return nil, errors.Wrapf(ErrTableExists, "%s", name)
	}
	t := newTable(dm, name, schema, manifest.NewTableMetaData(), opts)
	if err := t.saveManifest(); err != nil {
		return nil, err
	}
	t.logger.Info("created table", zap.Int("columns", schema.Len()))
	return t, nil
}

// Open loads the table stored in the directory managed by dm.
func Open(dm *storage.DiskManager, opts Options) (*Table, error) {
	m, err := manifest.Load(dm)
	if err != nil {
		return nil, errors.Wrapf(err, "strata: load manifest in %s", dm.Dir())
	}
	schema, err := row.DecodeSchema(m.Schema)
	if err != nil {
		return nil, errors.Wrapf(err, "strata: table %s", m.Name)
	}

	t := newTable(dm, m.Name, schema, m.Files, opts)
	t.manifestSynced = true
	if err := t.removeOrphans(); err != nil {
		return nil, err
	}

	var n int
	var size uint64
	for level := 0; level < base.NumLevels; level++ {
		n += t.files.NumFiles(level)
		size += t.files.TotalFileSize(level)
	}
	t.logger.Info("opened table",
		zap.Int("files", n),
		zap.String("size", humanize.IBytes(size)))

	t.maybeScheduleCompaction()
	return t, nil
}

func newTable(dm *storage.DiskManager, name string, schema row.Schema, files *manifest.TableMetaData, opts Options) *Table {
	opts = opts.withDefaults()
	logger := opts.Logger.Named("table").With(zap.String("table", name))

	t := &Table{
		name:   name,
		schema: schema,
		opts:   opts,
		dm:     dm,
		files:  files,
		bg:     opts.Background,
		logger: logger,
		mem:    memtable.New(),
		failed: make(map[*memtable.MemTable]error),
	}
	t.cond = sync.NewCond(&t.mu)
	files.SetMaxFileSize(opts.MaxFileSize)
	if opts.BlockCacheSize > 0 {
		t.blockCache = cache.New[*sstable.Block](opts.BlockCacheSize, nil)
	}
	t.tableCache = sstable.NewTableCache(dm, opts.TableCacheEntries, t.blockCache, logger)
	if t.bg == nil {
		t.bg = background.New(logger)
		t.ownsBg = true
	}
	return t
}

// removeOrphans deletes SSTables the catalog does not reference, such as the
// output of a compaction interrupted by a crash.
func (t *Table) removeOrphans() error {
	live := make(map[base.FileNum]bool)
	for level := 0; level < base.NumLevels; level++ {
		for _, f := range t.files.Files(level) {
			live[f.FileNum] = true
		}
	}
	names, err := t.dm.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		if name == manifest.FileName+".tmp" {
			_ = t.dm.Remove(name)
			continue
		}
		num, ok := strings.CutSuffix(name, ".sst")
		if !ok {
			continue
		}
		fn, err := strconv.ParseUint(num, 10, 64)
		if err != nil || live[base.FileNum(fn)] {
			continue
		}
		t.logger.Warn("removing orphaned sstable", zap.String("file", name))
		if err := t.dm.Remove(name); err != nil {
			return err
		}
	}
	return nil
}

func (t *Table) Name() string {
	return t.name
}

func (t *Table) Schema() row.Schema {
	return t.schema
}

// NumFiles returns the number of SSTables in level.
func (t *Table) NumFiles(level int) int {
	return t.files.NumFiles(level)
}

// LevelSize returns the number of bytes in level.
func (t *Table) LevelSize(level int) uint64 {
	return t.files.TotalFileSize(level)
}

// Files returns the file numbers in level, in catalog order.
func (t *Table) Files(level int) []base.FileNum {
	files := t.files.Files(level)
	fns := make([]base.FileNum, len(files))
	for i, f := range files {
		fns[i] = f.FileNum
	}
	return fns
}

func (t *Table) saveManifest() error {
	t.manifestMu.Lock()
	defer t.manifestMu.Unlock()
	return t.saveManifestLocked()
}

func (t *Table) saveManifestLocked() error {
	m := &manifest.Manifest{Name: t.name, Schema: t.schema.Encode(), Files: t.files}
	if err := manifest.Save(t.dm, m); err != nil {
		t.manifestSynced = false
		t.logger.Error("saving manifest", zap.Error(err))
		return err
	}
	t.manifestSynced = true
	t.logger.Debug("saved manifest", zap.Stringer("next", t.files.LastFileNumber()))
	return nil
}

// Close stops accepting writes, flushes the active memtable, waits for all
// background work of the table and persists the manifest. Readers that are
// still running keep their files until they finish.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		return nil
	}
	t.closing = true
	for len(t.writers) > 0 {
		t.cond.Wait()
	}
	if !t.mem.Empty() {
		t.rotateLocked()
	}
	for t.pendingMinor > 0 {
		t.cond.Wait()
	}
	unflushed := len(t.failed)
	t.mu.Unlock()

	t.bg.WaitForEmptyQueue()

	t.mu.Lock()
	for t.compactionScheduled {
		t.cond.Wait()
	}
	t.closed = true
	t.mu.Unlock()

	var result *multierror.Error
	if err := t.saveManifest(); err != nil {
		result = multierror.Append(result, err)
	}
	t.deleteObsoleteFiles()
	for level := 0; level < base.NumLevels; level++ {
		for _, f := range t.files.Files(level) {
			t.tableCache.Evict(f.FileNum)
		}
	}
	if t.ownsBg {
		t.bg.Shutdown()
	}
	if unflushed > 0 {
		result = multierror.Append(result,
			errors.Wrapf(ErrFlushFailed, "table %s: %d memtables were not flushed", t.name, unflushed))
	}
	t.logger.Info("closed table")
	return result.ErrorOrNil()
}
