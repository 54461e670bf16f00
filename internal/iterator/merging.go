package iterator

import (
	"github.com/hashicorp/go-multierror"

	"strata/internal/base"
)

// MergingIterator yields the union of its children in key order. The number
// of children is small (one per source), so the smallest key is found by a
// linear scan.
//
// Children must be ordered newest source first. When several children are
// positioned at the same key, the one with the lowest index is returned
// first.
type MergingIterator struct {
	children []Iterator
	current  int
	err      error
}

var _ Iterator = (*MergingIterator)(nil)

// NewMergingIterator returns an iterator over the union of children. With a
// single child, that child is returned unchanged.
func NewMergingIterator(children ...Iterator) Iterator {
	switch len(children) {
	case 0:
		return Empty(nil)
	case 1:
		return children[0]
	}
	return &MergingIterator{children: children, current: -1}
}

func (m *MergingIterator) SeekToFirst() {
	for _, c := range m.children {
		c.SeekToFirst()
	}
	m.findSmallest()
}

func (m *MergingIterator) Seek(key base.InternalKey) {
	for _, c := range m.children {
		c.Seek(key)
	}
	m.findSmallest()
}

func (m *MergingIterator) Valid() bool {
	return m.current >= 0 && m.err == nil
}

func (m *MergingIterator) Key() base.InternalKey {
	return m.children[m.current].Key()
}

func (m *MergingIterator) Value() []byte {
	return m.children[m.current].Value()
}

// Next advances only the child the iterator is positioned on.
func (m *MergingIterator) Next() {
	m.children[m.current].Next()
	m.findSmallest()
}

func (m *MergingIterator) findSmallest() {
	m.current = -1
	for i, c := range m.children {
		if !c.Valid() {
			if err := c.Error(); err != nil && m.err == nil {
				m.err = err
			}
			continue
		}
		if m.current < 0 || c.Key().Less(m.children[m.current].Key()) {
			m.current = i
		}
	}
}

func (m *MergingIterator) Error() error {
	return m.err
}

// Close closes every child and reports all of their errors.
func (m *MergingIterator) Close() error {
	var result *multierror.Error
	for _, c := range m.children {
		if err := c.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}
