package row

import "github.com/cockroachdb/errors"

var (
	ErrMissingColumn = errors.New("strata: row is missing a schema column")
	ErrColumnType    = errors.New("strata: column type mismatch")
)
