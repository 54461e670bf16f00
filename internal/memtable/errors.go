package memtable

import "github.com/cockroachdb/errors"

var (
	ErrMemTableImmutable = errors.New("memtable is read only")
)
