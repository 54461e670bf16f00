package row

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"

	"strata/internal/base"
)

// ColumnType is the declared type of a column.
type ColumnType uint8

const (
	Integer ColumnType = iota + 1
	Double
	String
)

func (t ColumnType) String() string {
	switch t {
	case Integer:
		return "INTEGER"
	case Double:
		return "DOUBLE"
	case String:
		return "STRING"
	}
	return fmt.Sprintf("ColumnType(%d)", uint8(t))
}

// Valid reports whether t is a known column type.
func (t ColumnType) Valid() bool {
	return t >= Integer && t <= String
}

// ColumnValue is a single typed cell.
type ColumnValue struct {
	typ ColumnType
	num uint64
	str string
}

func IntegerValue(v int32) ColumnValue {
	return ColumnValue{typ: Integer, num: uint64(uint32(v))}
}

func DoubleValue(v float64) ColumnValue {
	return ColumnValue{typ: Double, num: math.Float64bits(v)}
}

func StringValue(v string) ColumnValue {
	return ColumnValue{typ: String, str: v}
}

func (v ColumnValue) Type() ColumnType {
	return v.typ
}

// Integer returns the value of an Integer cell.
func (v ColumnValue) Integer() (int32, error) {
	if v.typ != Integer {
		return 0, errors.Wrapf(ErrColumnType, "%s is not %s", v.typ, Integer)
	}
	return int32(uint32(v.num)), nil
}

// Double returns the value of a Double cell.
func (v ColumnValue) Double() (float64, error) {
	if v.typ != Double {
		return 0, errors.Wrapf(ErrColumnType, "%s is not %s", v.typ, Double)
	}
	return math.Float64frombits(v.num), nil
}

// Str returns the value of a String cell.
func (v ColumnValue) Str() (string, error) {
	if v.typ != String {
		return "", errors.Wrapf(ErrColumnType, "%s is not %s", v.typ, String)
	}
	return v.str, nil
}

func (v ColumnValue) String() string {
	switch v.typ {
	case Integer:
		return fmt.Sprint(int32(uint32(v.num)))
	case Double:
		return fmt.Sprint(math.Float64frombits(v.num))
	case String:
		return fmt.Sprintf("%q", v.str)
	}
	return "<invalid>"
}

// Row is one record of a table.
type Row struct {
	Vin       base.Vin
	Timestamp int64
	Columns   map[string]ColumnValue
}

// Key returns the internal key the row is stored under.
func (r *Row) Key() base.InternalKey {
	return base.MakeInternalKey(r.Vin, r.Timestamp)
}
