package sstable

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"strata/internal/base"
	"strata/internal/cache"
	"strata/internal/iterator"
	"strata/internal/storage"
	"strata/internal/storage/compression"
)

const (
	footerSize      = 4
	blockHandleSize = 16
)

// blockHandle locates a data block within an SSTable file.
type blockHandle struct {
	offset uint64
	size   uint64
}

func (h blockHandle) encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, h.offset)
	return binary.LittleEndian.AppendUint64(dst, h.size)
}

func decodeBlockHandle(buf []byte) (blockHandle, error) {
	if len(buf) != blockHandleSize {
		return blockHandle{}, base.CorruptionErrorf("block handle: %d bytes", len(buf))
	}
	return blockHandle{
		offset: binary.LittleEndian.Uint64(buf),
		size:   binary.LittleEndian.Uint64(buf[8:]),
	}, nil
}

// BlockCacheKey is the block cache key of the block at offset in file fn.
func BlockCacheKey(fn base.FileNum, offset uint64) uint64 {
	return uint64(fn)<<32 | offset
}

// SSTable is an open, immutable sorted file.
//
//	[data block]...[index block][index offset: u32]
//
// Each data block is prefixed with its compression type. The index block is
// stored uncompressed and maps the last key of every data block to the
// block's offset and size. The index stays resident while data blocks are
// read on demand, through the block cache if there is one.
type SSTable struct {
	fileNum base.FileNum
	file    storage.File
	size    uint64
	index   *Block
	blocks  *cache.Cache[*Block]
}

// Open reads the footer and index of the SSTable fn. The size is the logical
// file size recorded when the table was built; bytes past it are padding.
func Open(dm *storage.DiskManager, fn base.FileNum, size uint64, blocks *cache.Cache[*Block]) (*SSTable, error) {
	if size < footerSize {
		return nil, base.CorruptionErrorf("sstable %s: size %d is too small", fn, size)
	}
	file, err := dm.Open(fn.String())
	if err != nil {
		return nil, err
	}

	var footer [footerSize]byte
	if _, err = file.ReadAt(footer[:], int64(size-footerSize)); err != nil {
		_ = file.Close()
		return nil, base.IOError(err, "read footer of "+fn.String())
	}
	indexOffset := uint64(binary.LittleEndian.Uint32(footer[:]))
	if indexOffset > size-footerSize {
		_ = file.Close()
		return nil, base.CorruptionErrorf("sstable %s: index offset %d past end", fn, indexOffset)
	}

	data := make([]byte, size-footerSize-indexOffset)
	if _, err = file.ReadAt(data, int64(indexOffset)); err != nil {
		_ = file.Close()
		return nil, base.IOError(err, "read index of "+fn.String())
	}
	index, err := NewBlock(data)
	if err != nil {
		_ = file.Close()
		return nil, errors.Wrapf(err, "sstable %s", fn)
	}

	return &SSTable{
		fileNum: fn,
		file:    file,
		size:    size,
		index:   index,
		blocks:  blocks,
	}, nil
}

func (t *SSTable) FileNum() base.FileNum {
	return t.fileNum
}

func (t *SSTable) Size() uint64 {
	return t.size
}

// NumBlocks returns the number of data blocks.
func (t *SSTable) NumBlocks() int {
	return t.index.Len()
}

// NewIterator returns an iterator over all entries of the table.
func (t *SSTable) NewIterator() iterator.Iterator {
	var source iterator.BlockSource = directSource{t}
	if t.blocks != nil {
		source = cachedSource{t}
	}
	return iterator.NewTwoLevelIterator(t.index.NewIterator(), source)
}

func (t *SSTable) readBlock(h blockHandle) (*Block, error) {
	if h.offset+h.size > t.size {
		return nil, base.CorruptionErrorf("sstable %s: block at %d overruns file", t.fileNum, h.offset)
	}
	raw := make([]byte, h.size)
	if _, err := t.file.ReadAt(raw, int64(h.offset)); err != nil {
		return nil, base.IOError(err, "read block of "+t.fileNum.String())
	}
	data, err := compression.Decode(raw)
	if err != nil {
		return nil, errors.Wrapf(err, "sstable %s block %d", t.fileNum, h.offset)
	}
	return NewBlock(data)
}

// Close closes the underlying file.
func (t *SSTable) Close() error {
	return t.file.Close()
}

// directSource reads every block from the file.
type directSource struct {
	t *SSTable
}

func (s directSource) Open(handle []byte) (iterator.Iterator, error) {
	h, err := decodeBlockHandle(handle)
	if err != nil {
		return nil, err
	}
	b, err := s.t.readBlock(h)
	if err != nil {
		return nil, err
	}
	return b.NewIterator(), nil
}

// cachedSource serves blocks from the block cache, reading and inserting them
// on a miss. The returned iterator pins the block until it is closed.
type cachedSource struct {
	t *SSTable
}

func (s cachedSource) Open(handle []byte) (iterator.Iterator, error) {
	h, err := decodeBlockHandle(handle)
	if err != nil {
		return nil, err
	}
	key := BlockCacheKey(s.t.fileNum, h.offset)
	ch, ok := s.t.blocks.Lookup(key)
	if !ok {
		b, err := s.t.readBlock(h)
		if err != nil {
			return nil, err
		}
		ch = s.t.blocks.Insert(key, b, int64(b.Size()))
	}
	return iterator.WithCleanup(ch.Value().NewIterator(), ch), nil
}
