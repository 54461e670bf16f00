package db

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strata/internal/background"
	"strata/internal/manifest"
	"strata/internal/row"
	"strata/internal/storage"
	"strata/internal/table"
)

const LockFileName = "LOCK"

// Engine is a set of named tables stored under one directory. All tables
// share a single background worker for compaction and file deletion.
type Engine struct {
	cfg      Config
	session  uuid.UUID
	openedAt time.Time

	dm       *storage.DiskManager
	lockFile *os.File
	bg       *background.BackgroundTask
	logger   *zap.Logger

	// mu protects tables and closed. It is never held while a table
	// operation runs.
	mu     sync.RWMutex
	tables map[string]*table.Table
	closed bool
}

// Open opens the engine stored in directory with the default configuration,
// creating the directory if it does not exist.
func Open(directory string, options ...Option) (*Engine, error) {
	cfg := DefaultConfig()
	cfg.Dir = directory
	return Connect(cfg, options...)
}

// Connect opens the engine described by cfg. The options are applied to a
// copy of cfg. An exclusive lock on the directory is held until Shutdown.
func Connect(cfg *Config, options ...Option) (*Engine, error) {
	c := *cfg
	for _, option := range options {
		option.apply(&c)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	logger, err := c.logger()
	if err != nil {
		return nil, err
	}

	session := uuid.New()
	logger = logger.Named("strata").With(zap.Stringer("session", session))
	dm := storage.NewDiskManager(c.Dir,
		storage.WithDirectIO(c.DirectIO),
		storage.WithLogger(logger.Named("storage")))
	if err := dm.MkdirAll(); err != nil {
		return nil, err
	}

	// Create lockfile for the directory
	lockFile, err := os.OpenFile(dm.Path(LockFileName), os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.Wrap(err, "strata: create lock file")
	}
	if err := syscall.Flock(int(lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		_ = lockFile.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			return nil, errors.Wrapf(ErrLocked, "%s", c.Dir)
		}
		return nil, errors.Wrap(err, "strata: lock directory")
	}

	e := &Engine{
		cfg:      c,
		session:  session,
		openedAt: time.Now(),
		dm:       dm,
		lockFile: lockFile,
		bg:       background.New(logger.Named("background")),
		logger:   logger,
		tables:   make(map[string]*table.Table),
	}
	if err := e.loadTables(); err != nil {
		_ = e.Shutdown()
		return nil, err
	}
	e.logger.Info("opened engine",
		zap.String("dir", c.Dir),
		zap.Int("tables", len(e.tables)),
		zap.String("compression", c.Compression),
		zap.Stringer("block_cache_size", c.BlockCacheSize))
	return e, nil
}

// loadTables opens every subdirectory that holds a manifest.
func (e *Engine) loadTables() error {
	names, err := e.dm.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		info, err := os.Stat(e.dm.Path(name))
		if err != nil || !info.IsDir() {
			continue
		}
		sub := e.dm.Sub(name)
		if !sub.Exists(manifest.FileName) {
			continue
		}
		t, err := table.Open(sub, e.cfg.tableOptions(e.bg, e.logger))
		if err != nil {
			return errors.Wrapf(err, "strata: open table %s", name)
		}
		e.tables[t.Name()] = t
	}
	return nil
}

// Session identifies this open of the engine in its log lines.
func (e *Engine) Session() uuid.UUID {
	return e.session
}

// Tables returns the sorted table names.
func (e *Engine) Tables() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tables))
	for name := range e.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// CreateTable creates an empty table. The name is used as a directory name.
func (e *Engine) CreateTable(name string, schema Schema) error {
	if err := validateTableName(name); err != nil {
		return err
	}
	if schema.Len() == 0 {
		return errors.Wrapf(ErrInvalidRequest, "table %s has no columns", name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.tables[name]; ok {
		return errors.Wrapf(ErrTableExists, "%s", name)
	}
	t, err := table.Create(e.dm.Sub(name), name, schema, e.cfg.tableOptions(e.bg, e.logger))
	if err != nil {
		if errors.Is(err, table.ErrTableExists) {
			return errors.Wrapf(ErrTableExists, "%s", name)
		}
		return err
	}
	e.tables[name] = t
	return nil
}

func validateTableName(name string) error {
	if name == "" || name == "." || name == ".." || name == LockFileName ||
		filepath.Base(name) != name || filepath.IsAbs(name) {
		return errors.Wrapf(ErrInvalidRequest, "table name %q", name)
	}
	return nil
}

func (e *Engine) table(name string) (*table.Table, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, ErrClosed
	}
	t, ok := e.tables[name]
	if !ok {
		return nil, errors.Wrapf(ErrTableNotFound, "%s", name)
	}
	return t, nil
}

// Upsert writes the rows of req. No row is written if any of them does not
// match the table schema.
func (e *Engine) Upsert(ctx context.Context, req WriteRequest) error {
	t, err := e.table(req.Table)
	if err != nil {
		return err
	}
	if err := t.Upsert(ctx, req.Rows); err != nil {
		return translate(err)
	}
	return nil
}

// ExecuteLatestQuery returns the newest row of each requested vin that has
// any data.
func (e *Engine) ExecuteLatestQuery(ctx context.Context, req LatestQueryRequest) ([]Row, error) {
	t, err := e.table(req.Table)
	if err != nil {
		return nil, err
	}
	columns, err := columnSet(t.Schema(), req.Columns)
	if err != nil {
		return nil, err
	}
	rows, err := t.ExecuteLatestQuery(ctx, req.Vins, columns)
	return rows, translate(err)
}

// ExecuteTimeRangeQuery returns the rows of one vin in [Lower, Upper) ordered
// by timestamp.
func (e *Engine) ExecuteTimeRangeQuery(ctx context.Context, req TimeRangeQueryRequest) ([]Row, error) {
	t, err := e.table(req.Table)
	if err != nil {
		return nil, err
	}
	columns, err := columnSet(t.Schema(), req.Columns)
	if err != nil {
		return nil, err
	}
	rows, err := t.ExecuteTimeRangeQuery(ctx, req.Vin, req.Lower, req.Upper, columns)
	return rows, translate(err)
}

func columnSet(schema Schema, names []string) (row.ColumnSet, error) {
	for _, name := range names {
		if _, ok := schema.Lookup(name); !ok {
			return nil, errors.Wrapf(ErrInvalidRequest, "unknown column %q", name)
		}
	}
	return row.NewColumnSet(names...), nil
}

// translate maps table errors raised by a concurrent Shutdown to ErrClosed.
func translate(err error) error {
	if errors.Is(err, table.ErrShuttingDown) {
		return ErrClosed
	}
	return err
}

// Shutdown closes every table, flushing their memtables, and releases the
// directory lock. Requests issued afterwards fail with ErrClosed.
func (e *Engine) Shutdown() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	tables := make([]*table.Table, 0, len(e.tables))
	for _, t := range e.tables {
		tables = append(tables, t)
	}
	e.mu.Unlock()

	var (
		resultMu sync.Mutex
		result   *multierror.Error
		g        errgroup.Group
	)
	for _, t := range tables {
		t := t
		g.Go(func() error {
			if err := t.Close(); err != nil {
				resultMu.Lock()
				result = multierror.Append(result, errors.Wrapf(err, "strata: close table %s", t.Name()))
				resultMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	e.bg.Shutdown()

	if err := syscall.Flock(int(e.lockFile.Fd()), syscall.LOCK_UN); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "strata: unlock directory"))
	}
	if err := e.lockFile.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "strata: close lock file"))
	}

	e.logger.Info("shut down engine",
		zap.Int("tables", len(tables)),
		zap.Duration("uptime", time.Since(e.openedAt)))
	_ = e.logger.Sync()
	return result.ErrorOrNil()
}
