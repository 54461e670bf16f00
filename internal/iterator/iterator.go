package iterator

import (
	"io"

	"strata/internal/base"
)

// Iterator is a forward cursor over internal keys in ascending order.
//
// A freshly constructed iterator is not positioned; callers must call
// SeekToFirst or Seek first. Key and Value may only be called while Valid
// returns true, and the returned value slice is only valid until the next
// positioning call. Close releases any cache references held by the iterator.
type Iterator interface {
	// SeekToFirst positions the iterator at the first key.
	SeekToFirst()
	// Seek positions the iterator at the first key that is greater than or
	// equal to key.
	Seek(key base.InternalKey)
	Valid() bool
	Key() base.InternalKey
	Value() []byte
	Next()
	// Error returns the first error encountered, if any. An iterator that hit
	// an error is no longer valid.
	Error() error
	io.Closer
}

// Close adapts a cleanup function to an io.Closer.
type Close func()

var _ io.Closer = (*Close)(nil)

func (c Close) Close() error {
	c()
	return nil
}

// WithCleanup returns an iterator that runs the closers after the wrapped
// iterator is closed. It is used to keep cache entries pinned for exactly the
// iterator's lifetime.
func WithCleanup(it Iterator, closers ...io.Closer) Iterator {
	return &cleanupIterator{Iterator: it, closers: closers}
}

type cleanupIterator struct {
	Iterator
	closers []io.Closer
	closed  bool
}

func (c *cleanupIterator) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.Iterator.Close()
	for _, closer := range c.closers {
		if cerr := closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Empty returns an iterator with no entries that reports err, which may be
// nil.
func Empty(err error) Iterator {
	return emptyIterator{err: err}
}

type emptyIterator struct {
	err error
}

func (emptyIterator) SeekToFirst() {}
func (emptyIterator) Seek(base.InternalKey) {}
func (emptyIterator) Valid() bool { return false }
func (emptyIterator) Key() base.InternalKey { return base.InternalKey{} }
func (emptyIterator) Value() []byte { return nil }
func (emptyIterator) Next() {}
func (e emptyIterator) Error() error { return e.err }
func (emptyIterator) Close() error { return nil }
