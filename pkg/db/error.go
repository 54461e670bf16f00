package db

import "github.com/cockroachdb/errors"

var (
	ErrTableNotFound = errors.New("strata: table not found")
	ErrTableExists   = errors.New("strata: table already exists")
	ErrClosed        = errors.New("strata: engine closed")
	ErrLocked        = errors.New("strata: directory is locked by another process")

	// ErrInvalidRequest is returned for malformed requests, such as an
	// invalid table name or an unknown requested column.
	ErrInvalidRequest = errors.New("strata: invalid request")
)
