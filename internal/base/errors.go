package base

import (
	"github.com/cockroachdb/errors"
)

var (
	// ErrCorruption marks errors caused by undecodable on-disk data such as a
	// bad magic number or a truncated record.
	ErrCorruption = errors.New("strata: corruption")

	// ErrIO marks errors returned by the file system.
	ErrIO = errors.New("strata: io error")
)

// CorruptionErrorf formats an error that is marked as ErrCorruption.
func CorruptionErrorf(format string, args ...interface{}) error {
	return errors.Mark(errors.Newf(format, args...), ErrCorruption)
}

// IOError wraps an error from the file system so that it is marked as ErrIO.
func IOError(err error, op string) error {
	if err == nil {
		return nil
	}
	return errors.Mark(errors.Wrap(err, op), ErrIO)
}
