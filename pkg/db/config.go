package db

import (
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"strata/internal/background"
	"strata/internal/base"
	"strata/internal/storage/compression"
	"strata/internal/table"
)

// ByteSize is a byte count that reads and writes human strings such as
// "8 MiB" in YAML and the environment.
type ByteSize uint64

func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Newf("strata: line %d: byte size must be a scalar", value.Line)
	}
	n, err := humanize.ParseBytes(value.Value)
	if err != nil {
		return errors.Wrapf(err, "strata: line %d", value.Line)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) MarshalYAML() (interface{}, error) {
	return b.String(), nil
}

// Config holds the engine settings. It is read from YAML, overridden from the
// environment and finally by functional options.
type Config struct {
	Dir               string   `yaml:"dir"`
	DirectIO          bool     `yaml:"direct_io"`
	Compression       string   `yaml:"compression"`
	BlockCacheSize    ByteSize `yaml:"block_cache_size"`
	TableCacheEntries int      `yaml:"table_cache_entries"`
	MemTableSize      ByteSize `yaml:"memtable_size"`
	MaxFileSize       ByteSize `yaml:"max_file_size"`

	// LogLevel builds a production logger at that level. Empty means no
	// logging unless Logger is set.
	LogLevel string `yaml:"log_level"`

	Logger *zap.Logger `yaml:"-"`
}

const (
	EnvDir            = "STRATA_DIR"
	EnvDirectIO       = "STRATA_DIRECT_IO"
	EnvCompression    = "STRATA_COMPRESSION"
	EnvBlockCacheSize = "STRATA_BLOCK_CACHE_SIZE"
	EnvLogLevel       = "STRATA_LOG_LEVEL"
)

func DefaultConfig() *Config {
	return &Config{
		Dir:               "strata_data",
		Compression:       compression.None.String(),
		BlockCacheSize:    table.DefaultBlockCacheSize,
		TableCacheEntries: table.DefaultTableCacheEntries,
		MemTableSize:      base.MemTableSizeThreshold,
		MaxFileSize:       base.MaxFileSize,
	}
}

// LoadConfig reads a YAML file over the defaults. Fields the file leaves out
// or sets to zero keep their default.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrapf(err, "strata: read config %s", path)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return cfg, errors.Wrapf(err, "strata: parse config %s", path)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Dir == "" {
		c.Dir = d.Dir
	}
	if c.Compression == "" {
		c.Compression = d.Compression
	}
	if c.TableCacheEntries <= 0 {
		c.TableCacheEntries = d.TableCacheEntries
	}
	if c.MemTableSize == 0 {
		c.MemTableSize = d.MemTableSize
	}
	if c.MaxFileSize == 0 {
		c.MaxFileSize = d.MaxFileSize
	}
}

// LoadEnv loads the given dotenv files (".env" when none is given) and then
// overrides c from the STRATA_* variables. Missing dotenv files are ignored,
// and variables already set in the process win over the files.
func (c *Config) LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "strata: load %s", f)
		}
	}

	if v, ok := os.LookupEnv(EnvDir); ok && v != "" {
		c.Dir = v
	}
	if v, ok := os.LookupEnv(EnvDirectIO); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return errors.Wrapf(err, "strata: %s", EnvDirectIO)
		}
		c.DirectIO = b
	}
	if v, ok := os.LookupEnv(EnvCompression); ok && v != "" {
		c.Compression = v
	}
	if v, ok := os.LookupEnv(EnvBlockCacheSize); ok && v != "" {
		n, err := humanize.ParseBytes(v)
		if err != nil {
			return errors.Wrapf(err, "strata: %s", EnvBlockCacheSize)
		}
		c.BlockCacheSize = ByteSize(n)
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = v
	}
	return nil
}

// Validate reports settings that cannot be used to open an engine.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("strata: config: dir is empty")
	}
	if _, err := compression.ParseType(c.Compression); err != nil {
		return err
	}
	if c.LogLevel != "" {
		if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
			return errors.Wrap(err, "strata: config: log_level")
		}
	}
	return nil
}

// logger returns the configured logger, building one from LogLevel when no
// logger was given.
func (c *Config) logger() (*zap.Logger, error) {
	if c.Logger != nil {
		return c.Logger, nil
	}
	if c.LogLevel == "" {
		return zap.NewNop(), nil
	}
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, errors.Wrap(err, "strata: config: log_level")
	}
	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

func (c *Config) tableOptions(bg *background.BackgroundTask, logger *zap.Logger) table.Options {
	ct, _ := compression.ParseType(c.Compression)
	return table.Options{
		Compression:       ct,
		BlockCacheSize:    int64(c.BlockCacheSize),
		TableCacheEntries: c.TableCacheEntries,
		MemTableSize:      int64(c.MemTableSize),
		MaxFileSize:       uint64(c.MaxFileSize),
		Background:        bg,
		Logger:            logger,
	}
}
