package storage

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"strata/internal/base"
)

// DiskManager performs named file operations relative to a single base
// directory. It carries no policy: callers decide what to write and when to
// remove it.
type DiskManager struct {
	dir      string
	directIO bool
	logger   *zap.Logger
}

// Option configures a DiskManager.
type Option func(*DiskManager)

// WithDirectIO writes whole files through the aligned direct-IO Writer.
func WithDirectIO(enabled bool) Option {
	return func(dm *DiskManager) {
		dm.directIO = enabled
	}
}

// WithLogger sets the logger used for file lifecycle events.
func WithLogger(logger *zap.Logger) Option {
	return func(dm *DiskManager) {
		dm.logger = logger
	}
}

func NewDiskManager(dir string, options ...Option) *DiskManager {
	dm := &DiskManager{
		dir:    dir,
		logger: zap.NewNop(),
	}
	for _, option := range options {
		option(dm)
	}
	return dm
}

// Dir returns the base directory.
func (dm *DiskManager) Dir() string {
	return dm.dir
}

// Path joins name to the base directory.
func (dm *DiskManager) Path(name string) string {
	return filepath.Join(dm.dir, name)
}

// Sub returns a DiskManager rooted at a subdirectory that shares this
// manager's settings.
func (dm *DiskManager) Sub(name string) *DiskManager {
	return &DiskManager{
		dir:      dm.Path(name),
		directIO: dm.directIO,
		logger:   dm.logger,
	}
}

// MkdirAll creates the base directory if it does not exist.
func (dm *DiskManager) MkdirAll() error {
	return base.IOError(os.MkdirAll(dm.dir, 0755), "mkdir "+dm.dir)
}

// WriteFile creates (or truncates) name and writes data to it. The file is
// synced before WriteFile returns.
func (dm *DiskManager) WriteFile(name string, data []byte) error {
	path := dm.Path(name)
	if dm.directIO {
		return base.IOError(dm.writeDirect(path, data), "write "+path)
	}
	return base.IOError(writeBuffered(path, data), "write "+path)
}

func (dm *DiskManager) writeDirect(path string, data []byte) error {
	w, err := NewWriter(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 16)
	if err != nil {
		return err
	}
	if _, err = w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func writeBuffered(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// WriteFileAtomic replaces name with data so that a crash leaves either the
// old or the new contents in place. It never uses direct IO: readers of
// small metadata files expect the exact length written, not block padding.
func (dm *DiskManager) WriteFileAtomic(name string, data []byte) error {
	tmp := name + ".tmp"
	if err := writeBuffered(dm.Path(tmp), data); err != nil {
		return base.IOError(err, "write "+dm.Path(tmp))
	}
	if err := os.Rename(dm.Path(tmp), dm.Path(name)); err != nil {
		return base.IOError(err, "rename "+tmp)
	}
	return dm.syncDir()
}

func (dm *DiskManager) syncDir() error {
	d, err := os.Open(dm.dir)
	if err != nil {
		return base.IOError(err, "open "+dm.dir)
	}
	// Some file systems refuse to fsync a directory; the rename itself has
	// already happened.
	_ = d.Sync()
	return base.IOError(d.Close(), "close "+dm.dir)
}

// ReadFile reads the whole of name.
func (dm *DiskManager) ReadFile(name string) ([]byte, error) {
	data, err := os.ReadFile(dm.Path(name))
	if err != nil {
		return nil, base.IOError(err, "read "+name)
	}
	return data, nil
}

// File is a read-only handle to a file managed by a DiskManager.
type File interface {
	io.ReaderAt
	io.Closer
}

// Open opens name for random reads.
func (dm *DiskManager) Open(name string) (File, error) {
	f, err := os.Open(dm.Path(name))
	if err != nil {
		return nil, base.IOError(err, "open "+name)
	}
	return f, nil
}

// Remove deletes name. Removing a file that does not exist is not an error.
func (dm *DiskManager) Remove(name string) error {
	err := os.Remove(dm.Path(name))
	if err != nil && !os.IsNotExist(err) {
		return base.IOError(err, "remove "+name)
	}
	dm.logger.Debug("removed file", zap.String("file", dm.Path(name)))
	return nil
}

// Exists reports whether name exists.
func (dm *DiskManager) Exists(name string) bool {
	_, err := os.Stat(dm.Path(name))
	return err == nil
}

// Size returns the size of name on disk.
func (dm *DiskManager) Size(name string) (int64, error) {
	info, err := os.Stat(dm.Path(name))
	if err != nil {
		return 0, base.IOError(err, "stat "+name)
	}
	return info.Size(), nil
}

// List returns the sorted names of the entries in the base directory.
func (dm *DiskManager) List() ([]string, error) {
	entries, err := os.ReadDir(dm.dir)
	if err != nil {
		return nil, base.IOError(err, "list "+dm.dir)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
