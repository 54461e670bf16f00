package table

import "github.com/cockroachdb/errors"

var (
	// ErrShuttingDown is returned for writes issued after Close was called.
	ErrShuttingDown = errors.New("strata: table is shutting down")

	// ErrFlushFailed is returned when a memtable could not be written to a
	// level 0 file. Its rows stay readable in memory.
	ErrFlushFailed = errors.New("strata: memtable flush failed")

	// ErrTableExists is returned by Create when the directory already holds
	// a table.
	ErrTableExists = errors.New("strata: table already exists")
)
