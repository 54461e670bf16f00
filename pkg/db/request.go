package db

import (
	"strata/internal/base"
	"strata/internal/row"
)

type (
	Vin         = base.Vin
	Row         = row.Row
	Schema      = row.Schema
	ColumnType  = row.ColumnType
	ColumnValue = row.ColumnValue
)

const (
	Integer = row.Integer
	Double  = row.Double
	String  = row.String
)

var (
	MakeVin      = base.MakeVin
	NewSchema    = row.NewSchema
	IntegerValue = row.IntegerValue
	DoubleValue  = row.DoubleValue
	StringValue  = row.StringValue
)

// WriteRequest inserts rows into a table. A row replaces any row with the
// same vin and timestamp.
type WriteRequest struct {
	Table string
	Rows  []Row
}

// LatestQueryRequest asks for the newest row of each vin. Columns lists the
// columns to return; an empty list returns all of them.
type LatestQueryRequest struct {
	Table   string
	Vins    []Vin
	Columns []string
}

// TimeRangeQueryRequest asks for the rows of one vin with a timestamp in
// [Lower, Upper).
type TimeRangeQueryRequest struct {
	Table   string
	Vin     Vin
	Lower   int64
	Upper   int64
	Columns []string
}
