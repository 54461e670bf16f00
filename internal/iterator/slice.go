package iterator

import (
	"sort"

	"strata/internal/base"
)

// SliceIterator iterates over an in-memory slice of key-value pairs that is
// already sorted by key.
type SliceIterator struct {
	kvs []base.InternalKV
	pos int
}

var _ Iterator = (*SliceIterator)(nil)

// NewSliceIterator returns an iterator over kvs. The slice is not copied.
func NewSliceIterator(kvs []base.InternalKV) *SliceIterator {
	return &SliceIterator{kvs: kvs, pos: len(kvs)}
}

func (s *SliceIterator) SeekToFirst() {
	s.pos = 0
}

func (s *SliceIterator) Seek(key base.InternalKey) {
	s.pos = sort.Search(len(s.kvs), func(i int) bool {
		return s.kvs[i].K.Compare(key) >= 0
	})
}

func (s *SliceIterator) Valid() bool {
	return s.pos < len(s.kvs)
}

func (s *SliceIterator) Key() base.InternalKey {
	return s.kvs[s.pos].K
}

func (s *SliceIterator) Value() []byte {
	return s.kvs[s.pos].V
}

func (s *SliceIterator) Next() {
	s.pos++
}

func (s *SliceIterator) Error() error {
	return nil
}

func (s *SliceIterator) Close() error {
	return nil
}
