package base

import (
	"fmt"
	"sync/atomic"
)

// FileNum is an identifier for an SSTable file within a table directory. File
// numbers are allocated in increasing order and never reused.
type FileNum uint64

// String returns the on-disk name of the file.
func (fn FileNum) String() string {
	return fmt.Sprintf("%06d.sst", uint64(fn))
}

type AtomicFileNum struct {
	value atomic.Uint64
}

// Load atomically loads and returns the stored FileNum.
func (afn *AtomicFileNum) Load() FileNum {
	return FileNum(afn.value.Load())
}

// Store atomically stores fn.
func (afn *AtomicFileNum) Store(fn FileNum) {
	afn.value.Store(uint64(fn))
}

// Next allocates a new file number.
func (afn *AtomicFileNum) Next() FileNum {
	return FileNum(afn.value.Add(1))
}

// MarkUsed makes sure fn is never handed out again.
func (afn *AtomicFileNum) MarkUsed(fn FileNum) {
	for {
		cur := afn.value.Load()
		if uint64(fn) <= cur || afn.value.CompareAndSwap(cur, uint64(fn)) {
			return
		}
	}
}
