package table

import (
	"go.uber.org/zap"

	"strata/internal/background"
	"strata/internal/base"
	"strata/internal/storage/compression"
)

// Options are the tunables of a single table.
type Options struct {
	// Compression is applied to SSTable data blocks.
	Compression compression.Type

	// BlockCacheSize is the byte capacity of the table's block cache. Zero
	// disables the cache and every block is read from disk.
	BlockCacheSize int64

	// TableCacheEntries is the number of SSTables kept open.
	TableCacheEntries int

	// MemTableSize is the approximate memtable size at which it is rotated.
	MemTableSize int64

	// MaxFileSize is the size at which compaction output is split.
	MaxFileSize uint64

	// Background runs compactions. It is shared by every table of an engine.
	Background *background.BackgroundTask

	Logger *zap.Logger
}

const (
	DefaultBlockCacheSize    = 8 << 20
	DefaultTableCacheEntries = 500
)

func (o Options) withDefaults() Options {
	if o.BlockCacheSize < 0 {
		o.BlockCacheSize = 0
	}
	if o.TableCacheEntries <= 0 {
		o.TableCacheEntries = DefaultTableCacheEntries
	}
	if o.MemTableSize <= 0 {
		o.MemTableSize = base.MemTableSizeThreshold
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = base.MaxFileSize
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return o
}
