package db

import (
	"go.uber.org/zap"

	"strata/internal/storage/compression"
)

// Option overrides a Config field. Options are applied after the config was
// loaded from YAML and the environment.
type Option interface {
	apply(*Config)
}

type OptionFunc func(*Config)

func (f OptionFunc) apply(c *Config) {
	f(c)
}

// Compression is the codec applied to SSTable data blocks.
type Compression = compression.Type

const (
	NoCompression     = compression.None
	SnappyCompression = compression.Snappy
)

func WithLogger(logger *zap.Logger) Option {
	return OptionFunc(func(c *Config) {
		c.Logger = logger
	})
}

// WithDirectIO writes SSTables and manifests with O_DIRECT.
func WithDirectIO(enabled bool) Option {
	return OptionFunc(func(c *Config) {
		c.DirectIO = enabled
	})
}

func WithCompression(t Compression) Option {
	return OptionFunc(func(c *Config) {
		c.Compression = t.String()
	})
}

// WithBlockCacheSize sets the block cache capacity of each table. Zero
// disables block caching.
func WithBlockCacheSize(n uint64) Option {
	return OptionFunc(func(c *Config) {
		c.BlockCacheSize = ByteSize(n)
	})
}

func WithTableCacheEntries(n int) Option {
	return OptionFunc(func(c *Config) {
		c.TableCacheEntries = n
	})
}

// WithMemTableSize sets the size at which a memtable is flushed.
func WithMemTableSize(n uint64) Option {
	return OptionFunc(func(c *Config) {
		c.MemTableSize = ByteSize(n)
	})
}

// WithMaxFileSize sets the size at which compaction output is split.
func WithMaxFileSize(n uint64) Option {
	return OptionFunc(func(c *Config) {
		c.MaxFileSize = ByteSize(n)
	})
}
