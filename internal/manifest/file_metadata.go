package manifest

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"strata/internal/base"
	"strata/internal/iterator"
)

// FileMetaDataSize is the encoded size of a FileMetaData record.
const FileMetaDataSize = 8 + 8 + 2*base.KeySize + 8

// FileMetaData describes one SSTable in a table's catalog.
type FileMetaData struct {
	FileNum      base.FileNum
	Size         uint64
	Smallest     base.InternalKey
	Largest      base.InternalKey
	MaxTimestamp int64

	// allowedSeeks is the number of lookups that may touch this file without
	// finding data before it is nominated for compaction.
	allowedSeeks atomic.Int64

	// refs counts the catalog plus every reader snapshot holding the file.
	// Once the file is obsolete and refs drops to zero it may be deleted.
	refs     atomic.Int32
	obsolete atomic.Bool
}

// NewFileMetaData returns metadata with a seek budget derived from size.
func NewFileMetaData(fn base.FileNum, size uint64, smallest, largest base.InternalKey, maxTimestamp int64) *FileMetaData {
	f := &FileMetaData{
		FileNum:      fn,
		Size:         size,
		Smallest:     smallest,
		Largest:      largest,
		MaxTimestamp: maxTimestamp,
	}
	f.allowedSeeks.Store(base.AllowedSeeks(size))
	return f
}

func (f *FileMetaData) String() string {
	return fmt.Sprintf("%s[%s-%s]", f.FileNum, f.Smallest, f.Largest)
}

// Overlaps reports whether the file's key range intersects [smallest, largest].
func (f *FileMetaData) Overlaps(smallest, largest base.InternalKey) bool {
	return !(f.Largest.Less(smallest) || largest.Less(f.Smallest))
}

// ContainsVin reports whether keys of vin may be stored in the file.
func (f *FileMetaData) ContainsVin(vin base.Vin) bool {
	return f.Smallest.Vin.Compare(vin) <= 0 && vin.Compare(f.Largest.Vin) <= 0
}

// Ref takes a reference on the file.
func (f *FileMetaData) Ref() {
	f.refs.Add(1)
}

// Unref drops a reference and reports whether the file is obsolete and no
// longer referenced.
func (f *FileMetaData) Unref() bool {
	n := f.refs.Add(-1)
	if n < 0 {
		panic(fmt.Sprintf("strata: file %s unreferenced too many times", f.FileNum))
	}
	return n == 0 && f.obsolete.Load()
}

// Refs returns the current reference count.
func (f *FileMetaData) Refs() int32 {
	return f.refs.Load()
}

// Obsolete reports whether the file was removed from the catalog.
func (f *FileMetaData) Obsolete() bool {
	return f.obsolete.Load()
}

// chargeSeek consumes one allowed seek and reports whether the budget is
// exhausted.
func (f *FileMetaData) chargeSeek() bool {
	return f.allowedSeeks.Add(-1) <= 0
}

// AllowedSeeks returns the remaining seek budget.
func (f *FileMetaData) AllowedSeeks() int64 {
	return f.allowedSeeks.Load()
}

// Encode appends the fixed-size record of f to dst.
func (f *FileMetaData) Encode(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint64(dst, uint64(f.FileNum))
	dst = binary.LittleEndian.AppendUint64(dst, f.Size)
	dst = f.Smallest.Encode(dst)
	dst = f.Largest.Encode(dst)
	return binary.LittleEndian.AppendUint64(dst, uint64(f.MaxTimestamp))
}

// DecodeFileMetaData parses one record produced by Encode.
func DecodeFileMetaData(buf []byte) (*FileMetaData, error) {
	if len(buf) < FileMetaDataSize {
		return nil, base.CorruptionErrorf("file metadata: %d bytes, want %d", len(buf), FileMetaDataSize)
	}
	fn := base.FileNum(binary.LittleEndian.Uint64(buf))
	size := binary.LittleEndian.Uint64(buf[8:])
	smallest, err := base.DecodeInternalKey(buf[16:])
	if err != nil {
		return nil, err
	}
	largest, err := base.DecodeInternalKey(buf[16+base.KeySize:])
	if err != nil {
		return nil, err
	}
	maxTs := int64(binary.LittleEndian.Uint64(buf[16+2*base.KeySize:]))
	return NewFileMetaData(fn, size, smallest, largest, maxTs), nil
}

// NewFileIterator returns an iterator over files sorted by key range, keyed
// by each file's largest key. Values are encoded FileMetaData records, so the
// iterator can serve as the index of a TwoLevelIterator over the files.
func NewFileIterator(files []*FileMetaData) iterator.Iterator {
	kvs := make([]base.InternalKV, len(files))
	for i, f := range files {
		kvs[i] = base.InternalKV{K: f.Largest, V: f.Encode(nil)}
	}
	return iterator.NewSliceIterator(kvs)
}
