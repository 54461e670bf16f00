package db

import "context"

type Reader interface {
	ExecuteLatestQuery(ctx context.Context, req LatestQueryRequest) ([]Row, error)
	ExecuteTimeRangeQuery(ctx context.Context, req TimeRangeQueryRequest) ([]Row, error)
}

type Writer interface {
	CreateTable(name string, schema Schema) error
	Upsert(ctx context.Context, req WriteRequest) error
}

type ReadWriter interface {
	Reader
	Writer
	Shutdown() error
}

var _ ReadWriter = (*Engine)(nil)
