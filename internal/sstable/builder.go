package sstable

import (
	"encoding/binary"
	"math"

	"strata/internal/base"
	"strata/internal/cache"
	"strata/internal/storage"
	"strata/internal/storage/compression"
)

// WriterOptions controls how a Builder lays out a table.
type WriterOptions struct {
	BlockCapacity int
	Compression   compression.Type
	// BlockCache, if set, receives each data block as it is written so that
	// fresh tables are warm.
	BlockCache *cache.Cache[*Block]
}

// Properties describe a finished table.
type Properties struct {
	FileNum      base.FileNum
	Size         uint64
	Entries      int
	Smallest     base.InternalKey
	Largest      base.InternalKey
	MaxTimestamp int64
}

// Builder writes an SSTable. Entries are staged in memory and written to disk
// in a single call by Finish.
type Builder struct {
	dm      *storage.DiskManager
	fileNum base.FileNum
	opts    WriterOptions

	buf   []byte
	block *BlockBuilder
	index *BlockBuilder

	props    Properties
	finished bool
}

func NewBuilder(dm *storage.DiskManager, fn base.FileNum, opts WriterOptions) *Builder {
	if opts.BlockCapacity <= 0 {
		opts.BlockCapacity = base.BlockCapacity
	}
	return &Builder{
		dm:      dm,
		fileNum: fn,
		opts:    opts,
		block:   NewBlockBuilder(opts.BlockCapacity),
		index:   NewBlockBuilder(0),
		props: Properties{
			FileNum:      fn,
			MaxTimestamp: math.MinInt64,
		},
	}
}

// Add appends an entry. Keys must not decrease across calls. When the entry
// does not fit in the current block, the block is flushed first.
func (b *Builder) Add(key base.InternalKey, value []byte) error {
	if b.finished {
		return ErrFinished
	}
	if b.props.Entries > 0 && key.Less(b.props.Largest) {
		return ErrKeyOrder
	}
	if b.block.WouldOverflow(len(value)) {
		b.flushBlock()
	}
	if err := b.block.Add(key, value); err != nil {
		return err
	}

	if b.props.Entries == 0 {
		b.props.Smallest = key
	}
	b.props.Largest = key
	b.props.Entries++
	if key.Timestamp > b.props.MaxTimestamp {
		b.props.MaxTimestamp = key.Timestamp
	}
	return nil
}

func (b *Builder) flushBlock() {
	if b.block.Empty() {
		return
	}
	raw := b.block.Finish()
	encoded := compression.Encode(b.opts.Compression, raw)
	h := blockHandle{offset: uint64(len(b.buf)), size: uint64(len(encoded))}
	b.buf = append(b.buf, encoded...)

	// The index block has no capacity and keys are checked by Add above.
	_ = b.index.Add(b.block.LastKey(), h.encode(nil))

	if b.opts.BlockCache != nil {
		data := append([]byte(nil), raw...)
		if blk, err := NewBlock(data); err == nil {
			b.opts.BlockCache.Insert(BlockCacheKey(b.fileNum, h.offset), blk, int64(len(data))).Release()
		}
	}
	b.block.Reset()
}

// EstimatedSize returns the file size if the table were finished now,
// excluding the index block.
func (b *Builder) EstimatedSize() uint64 {
	return uint64(len(b.buf) + b.block.EstimatedSize())
}

// Entries returns the number of entries added.
func (b *Builder) Entries() int {
	return b.props.Entries
}

// Finish flushes the last block, appends the index block and footer and
// writes the file. It returns the table's Properties rather than an open
// table: readers open it through the TableCache, which keeps the index block
// resident for as long as the table stays cached. Data blocks written with a
// BlockCache are already cached by then.
func (b *Builder) Finish() (Properties, error) {
	if b.finished {
		return Properties{}, ErrFinished
	}
	if b.props.Entries == 0 {
		return Properties{}, ErrEmptyTable
	}
	b.finished = true
	b.flushBlock()

	indexOffset := uint32(len(b.buf))
	b.buf = append(b.buf, b.index.Finish()...)
	b.buf = binary.LittleEndian.AppendUint32(b.buf, indexOffset)

	if err := b.dm.WriteFile(b.fileNum.String(), b.buf); err != nil {
		return Properties{}, err
	}
	b.props.Size = uint64(len(b.buf))
	b.buf = nil
	return b.props, nil
}

// Abandon discards the builder and removes anything it may have written.
func (b *Builder) Abandon() error {
	b.finished = true
	b.buf = nil
	return b.dm.Remove(b.fileNum.String())
}
