package memtable

import (
	"github.com/google/btree"

	"strata/internal/base"
	"strata/internal/iterator"
)

// batchSize bounds how many entries the iterator pulls from the tree per
// refill.
const batchSize = 64

// Iterator lazily walks a memtable snapshot in ascending key order.
type Iterator struct {
	tree *btree.BTreeG[base.InternalKV]
	buf  []base.InternalKV
	pos  int
	// done is set once the tree has no entries past buf.
	done bool
}

var _ iterator.Iterator = (*Iterator)(nil)

func newIterator(tree *btree.BTreeG[base.InternalKV]) *Iterator {
	return &Iterator{tree: tree, done: true}
}

func (it *Iterator) SeekToFirst() {
	it.buf = it.buf[:0]
	it.pos = 0
	it.done = false
	it.tree.Ascend(func(item base.InternalKV) bool {
		it.buf = append(it.buf, item)
		return len(it.buf) < batchSize
	})
	it.done = len(it.buf) < batchSize
}

func (it *Iterator) Seek(key base.InternalKey) {
	it.fill(key, false)
}

// fill loads the next batch starting at key. If skipFirst is set, an entry
// equal to key is excluded.
func (it *Iterator) fill(key base.InternalKey, skipFirst bool) {
	it.buf = it.buf[:0]
	it.pos = 0
	it.tree.AscendGreaterOrEqual(base.InternalKV{K: key}, func(item base.InternalKV) bool {
		if skipFirst && item.K == key {
			return true
		}
		it.buf = append(it.buf, item)
		return len(it.buf) < batchSize
	})
	it.done = len(it.buf) < batchSize
}

func (it *Iterator) Valid() bool {
	return it.pos < len(it.buf)
}

func (it *Iterator) Key() base.InternalKey {
	return it.buf[it.pos].K
}

func (it *Iterator) Value() []byte {
	return it.buf[it.pos].V
}

func (it *Iterator) Next() {
	it.pos++
	if it.pos < len(it.buf) || it.done {
		return
	}
	last := it.buf[len(it.buf)-1].K
	it.fill(last, true)
}

func (it *Iterator) Error() error {
	return nil
}

func (it *Iterator) Close() error {
	it.buf = nil
	return nil
}
