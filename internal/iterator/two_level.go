package iterator

import (
	"bytes"

	"strata/internal/base"
)

// BlockSource turns the value of an index entry into an iterator over the
// data it describes. Implementations include cache-backed and direct-read
// SSTable blocks, and the catalog's per-file table iterators.
type BlockSource interface {
	Open(handle []byte) (Iterator, error)
}

// TwoLevelIterator walks an index iterator whose values describe data
// iterators, materializing each data iterator only when the cursor reaches
// it. Index keys must be the largest key of the data they describe.
type TwoLevelIterator struct {
	index  Iterator
	source BlockSource

	data       Iterator
	dataHandle []byte
	err        error
}

var _ Iterator = (*TwoLevelIterator)(nil)

func NewTwoLevelIterator(index Iterator, source BlockSource) *TwoLevelIterator {
	return &TwoLevelIterator{index: index, source: source}
}

func (t *TwoLevelIterator) SeekToFirst() {
	t.err = nil
	t.index.SeekToFirst()
	t.initData()
	if t.data != nil {
		t.data.SeekToFirst()
	}
	t.skipEmpty()
}

func (t *TwoLevelIterator) Seek(key base.InternalKey) {
	t.err = nil
	t.index.Seek(key)
	t.initData()
	if t.data != nil {
		t.data.Seek(key)
	}
	t.skipEmpty()
}

func (t *TwoLevelIterator) Valid() bool {
	return t.err == nil && t.data != nil && t.data.Valid()
}

func (t *TwoLevelIterator) Key() base.InternalKey {
	return t.data.Key()
}

func (t *TwoLevelIterator) Value() []byte {
	return t.data.Value()
}

func (t *TwoLevelIterator) Next() {
	t.data.Next()
	t.skipEmpty()
}

func (t *TwoLevelIterator) Error() error {
	if t.err != nil {
		return t.err
	}
	return t.index.Error()
}

// skipEmpty moves forward past data iterators that are exhausted.
func (t *TwoLevelIterator) skipEmpty() {
	for t.err == nil && (t.data == nil || !t.data.Valid()) {
		if t.data != nil {
			if err := t.data.Error(); err != nil {
				t.err = err
				return
			}
		}
		if !t.index.Valid() {
			t.setData(nil, nil)
			return
		}
		t.index.Next()
		t.initData()
		if t.data != nil {
			t.data.SeekToFirst()
		}
	}
}

func (t *TwoLevelIterator) initData() {
	if !t.index.Valid() {
		t.setData(nil, nil)
		return
	}
	handle := t.index.Value()
	if t.data != nil && bytes.Equal(handle, t.dataHandle) {
		return
	}
	data, err := t.source.Open(handle)
	if err != nil {
		t.err = err
		t.setData(nil, nil)
		return
	}
	t.setData(data, append(t.dataHandle[:0], handle...))
}

func (t *TwoLevelIterator) setData(data Iterator, handle []byte) {
	if t.data != nil {
		if err := t.data.Close(); err != nil && t.err == nil {
			t.err = err
		}
	}
	t.data = data
	t.dataHandle = handle
}

// Close closes the current data iterator and the index iterator.
func (t *TwoLevelIterator) Close() error {
	t.setData(nil, nil)
	err := t.index.Close()
	if t.err != nil {
		return t.err
	}
	return err
}
