package sstable

import (
	"encoding/binary"
	"sort"

	"strata/internal/base"
	"strata/internal/iterator"
)

// Block is a decoded page of sorted entries.
//
//	entry:   [key: KeySize bytes][value length: u32][value]
//	trailer: [entry offsets: u32 each, last entry first][entry count: u32]
//
// All integers are little endian.
type Block struct {
	data []byte
	// restarts is the position of the offset array in data.
	restarts int
	count    int
}

// NewBlock validates the trailer of data and wraps it. The slice is retained.
func NewBlock(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, base.CorruptionErrorf("block: %d bytes is too short", len(data))
	}
	count := int(binary.LittleEndian.Uint32(data[len(data)-4:]))
	restarts := len(data) - 4 - 4*count
	if restarts < 0 {
		return nil, base.CorruptionErrorf("block: %d entries do not fit in %d bytes", count, len(data))
	}
	return &Block{data: data, restarts: restarts, count: count}, nil
}

// Len returns the number of entries.
func (b *Block) Len() int {
	return b.count
}

// Size returns the encoded size of the block.
func (b *Block) Size() int {
	return len(b.data)
}

func (b *Block) offset(i int) int {
	pos := b.restarts + 4*(b.count-1-i)
	return int(binary.LittleEndian.Uint32(b.data[pos:]))
}

// entry decodes the i'th entry.
func (b *Block) entry(i int) (base.InternalKey, []byte, error) {
	off := b.offset(i)
	if off+base.KeySize+4 > b.restarts {
		return base.InternalKey{}, nil, base.CorruptionErrorf("block: entry %d at %d overruns data", i, off)
	}
	key, err := base.DecodeInternalKey(b.data[off:])
	if err != nil {
		return base.InternalKey{}, nil, err
	}
	off += base.KeySize
	vlen := int(binary.LittleEndian.Uint32(b.data[off:]))
	off += 4
	if off+vlen > b.restarts {
		return base.InternalKey{}, nil, base.CorruptionErrorf("block: value of entry %d overruns data", i)
	}
	return key, b.data[off : off+vlen : off+vlen], nil
}

func (b *Block) NewIterator() *BlockIterator {
	return &BlockIterator{block: b, pos: b.count}
}

// BlockIterator iterates over the entries of a Block.
type BlockIterator struct {
	block *Block
	pos   int
	key   base.InternalKey
	value []byte
	err   error
}

var _ iterator.Iterator = (*BlockIterator)(nil)

func (it *BlockIterator) SeekToFirst() {
	it.seekTo(0)
}

// Seek binary searches the offset array for the first key greater than or
// equal to key.
func (it *BlockIterator) Seek(key base.InternalKey) {
	it.err = nil
	i := sort.Search(it.block.count, func(i int) bool {
		if it.err != nil {
			return true
		}
		k, _, err := it.block.entry(i)
		if err != nil {
			it.err = err
			return true
		}
		return k.Compare(key) >= 0
	})
	if it.err != nil {
		it.pos = it.block.count
		return
	}
	it.seekTo(i)
}

func (it *BlockIterator) seekTo(i int) {
	it.pos = i
	if i >= it.block.count {
		return
	}
	it.key, it.value, it.err = it.block.entry(i)
	if it.err != nil {
		it.pos = it.block.count
	}
}

func (it *BlockIterator) Valid() bool {
	return it.pos < it.block.count
}

func (it *BlockIterator) Key() base.InternalKey {
	return it.key
}

func (it *BlockIterator) Value() []byte {
	return it.value
}

func (it *BlockIterator) Next() {
	it.seekTo(it.pos + 1)
}

func (it *BlockIterator) Error() error {
	return it.err
}

func (it *BlockIterator) Close() error {
	return nil
}
