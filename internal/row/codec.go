package row

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"

	"strata/internal/base"
)

// ColumnSet is the set of columns a query asks for. An empty set selects
// every column.
type ColumnSet map[string]struct{}

func NewColumnSet(names ...string) ColumnSet {
	set := make(ColumnSet, len(names))
	for _, n := range names {
		set[n] = struct{}{}
	}
	return set
}

func (s ColumnSet) contains(name string) bool {
	if len(s) == 0 {
		return true
	}
	_, ok := s[name]
	return ok
}

// Encode serializes the columns of r in schema order. Every schema column must
// be present with its declared type.
//
//	Integer: 4 bytes, Double: 8 bytes, String: u32 length + bytes
func Encode(schema Schema, r *Row) ([]byte, error) {
	buf := make([]byte, 0, EncodedSizeHint(schema))
	for _, c := range schema.columns {
		v, ok := r.Columns[c.Name]
		if !ok {
			return nil, errors.Wrapf(ErrMissingColumn, "column %q", c.Name)
		}
		if v.typ != c.Type {
			return nil, errors.Wrapf(ErrColumnType, "column %q is %s, got %s", c.Name, c.Type, v.typ)
		}
		switch c.Type {
		case Integer:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v.num))
		case Double:
			buf = binary.LittleEndian.AppendUint64(buf, v.num)
		case String:
			buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.str)))
			buf = append(buf, v.str...)
		}
	}
	return buf, nil
}

// EncodedSizeHint returns the encoded size of a row of schema, counting
// strings as empty.
func EncodedSizeHint(schema Schema) int {
	n := 0
	for _, c := range schema.columns {
		switch c.Type {
		case Integer, String:
			n += 4
		case Double:
			n += 8
		}
	}
	return n
}

// Decode parses an encoded row stored under key, keeping only the requested
// columns.
func Decode(key base.InternalKey, data []byte, schema Schema, requested ColumnSet) (Row, error) {
	r := Row{
		Vin:       key.Vin,
		Timestamp: key.Timestamp,
		Columns:   make(map[string]ColumnValue, len(requested)),
	}
	for _, c := range schema.columns {
		var v ColumnValue
		switch c.Type {
		case Integer:
			if len(data) < 4 {
				return Row{}, truncated(key, c.Name)
			}
			v = ColumnValue{typ: Integer, num: uint64(binary.LittleEndian.Uint32(data))}
			data = data[4:]
		case Double:
			if len(data) < 8 {
				return Row{}, truncated(key, c.Name)
			}
			v = DoubleValue(math.Float64frombits(binary.LittleEndian.Uint64(data)))
			data = data[8:]
		case String:
			if len(data) < 4 {
				return Row{}, truncated(key, c.Name)
			}
			n := int(binary.LittleEndian.Uint32(data))
			data = data[4:]
			if len(data) < n {
				return Row{}, truncated(key, c.Name)
			}
			if requested.contains(c.Name) {
				v = StringValue(string(data[:n]))
			}
			data = data[n:]
		}
		if requested.contains(c.Name) {
			r.Columns[c.Name] = v
		}
	}
	return r, nil
}

func truncated(key base.InternalKey, column string) error {
	return base.CorruptionErrorf("row %s: truncated at column %q", key, column)
}
