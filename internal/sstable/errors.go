package sstable

import "github.com/cockroachdb/errors"

var (
	ErrKeyOrder   = errors.New("sstable: keys added out of order")
	ErrEmptyTable = errors.New("sstable: no entries added")
	ErrFinished   = errors.New("sstable: builder already finished")
)
