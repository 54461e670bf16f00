package storage

import (
	"io"
	"os"

	"github.com/ncw/directio"
)

// Writer is a wrapper around a `directio.File`. Data is staged in an aligned
// buffer and written to the file in multiples of the block size. Whatever is
// left over when the writer is closed is written as one final block with zero
// padding, so the file on disk may be longer than the bytes written. Readers
// must rely on the logical size recorded elsewhere (the manifest) rather than
// the file size.
type Writer struct {
	file    *os.File
	block   int
	buf     []byte
	n       int
	written int64
}

// NewWriter opens name with O_DIRECT. The staging buffer holds chunk blocks.
func NewWriter(name string, flag int, chunk int) (*Writer, error) {
	file, err := directio.OpenFile(name, flag, 0644)
	if err != nil {
		return nil, err
	}
	if chunk < 1 {
		chunk = 1
	}

	return &Writer{
		file:  file,
		block: directio.BlockSize,
		buf:   directio.AlignedBlock(directio.BlockSize * chunk),
	}, nil
}

var _ io.WriteCloser = (*Writer)(nil)

// Write copies p into the staging buffer and writes every full buffer to the
// file.
func (w *Writer) Write(p []byte) (n int, err error) {
	for len(p) > 0 {
		c := copy(w.buf[w.n:], p)
		w.n += c
		n += c
		p = p[c:]

		if w.n == len(w.buf) {
			if err = w.flush(len(w.buf)); err != nil {
				return n, err
			}
		}
	}
	w.written += int64(n)
	return n, nil
}

// Written returns the number of logical bytes accepted by Write.
func (w *Writer) Written() int64 {
	return w.written
}

func (w *Writer) flush(size int) error {
	if size == 0 {
		return nil
	}
	if _, err := w.file.Write(w.buf[:size]); err != nil {
		return err
	}
	w.n = 0
	return nil
}

// Close writes the remaining staged bytes padded to a block boundary, syncs
// the file and closes it.
func (w *Writer) Close() error {
	if w.n > 0 {
		size := w.n
		if rem := size % w.block; rem != 0 {
			// Zero the padding since the buffer is reused.
			clear(w.buf[size : size+w.block-rem])
			size += w.block - rem
		}
		if err := w.flush(size); err != nil {
			_ = w.file.Close()
			return err
		}
	}
	if err := w.file.Sync(); err != nil {
		_ = w.file.Close()
		return err
	}
	return w.file.Close()
}
