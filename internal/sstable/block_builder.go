package sstable

import (
	"encoding/binary"

	"strata/internal/base"
)

// BlockBuilder accumulates entries in non-decreasing key order and produces
// the encoding read by Block.
type BlockBuilder struct {
	capacity int
	buf      []byte
	offsets  []uint32
	last     base.InternalKey
}

// NewBlockBuilder returns a builder targeting blocks of capacity bytes. A
// capacity of zero means the block is never reported full.
func NewBlockBuilder(capacity int) *BlockBuilder {
	return &BlockBuilder{capacity: capacity}
}

// Add appends an entry. Keys must not decrease.
func (b *BlockBuilder) Add(key base.InternalKey, value []byte) error {
	if len(b.offsets) > 0 && key.Less(b.last) {
		return ErrKeyOrder
	}
	b.offsets = append(b.offsets, uint32(len(b.buf)))
	b.buf = key.Encode(b.buf)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(value)))
	b.buf = append(b.buf, value...)
	b.last = key
	return nil
}

// WouldOverflow reports whether adding an entry with a value of valueLen
// bytes would push a non-empty block past its capacity.
func (b *BlockBuilder) WouldOverflow(valueLen int) bool {
	if b.capacity <= 0 || b.Empty() {
		return false
	}
	return b.EstimatedSize()+base.KeySize+4+valueLen+4 > b.capacity
}

// EstimatedSize returns the size the block would have if finished now.
func (b *BlockBuilder) EstimatedSize() int {
	return len(b.buf) + 4*len(b.offsets) + 4
}

func (b *BlockBuilder) Empty() bool {
	return len(b.offsets) == 0
}

func (b *BlockBuilder) Len() int {
	return len(b.offsets)
}

// LastKey returns the most recently added key.
func (b *BlockBuilder) LastKey() base.InternalKey {
	return b.last
}

// Finish appends the offset trailer and returns the encoded block. The
// returned slice aliases the builder's buffer until Reset is called.
func (b *BlockBuilder) Finish() []byte {
	for i := len(b.offsets) - 1; i >= 0; i-- {
		b.buf = binary.LittleEndian.AppendUint32(b.buf, b.offsets[i])
	}
	b.buf = binary.LittleEndian.AppendUint32(b.buf, uint32(len(b.offsets)))
	return b.buf
}

// Reset clears the builder for reuse.
func (b *BlockBuilder) Reset() {
	b.buf = b.buf[:0]
	b.offsets = b.offsets[:0]
	b.last = base.InternalKey{}
}
