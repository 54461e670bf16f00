package row

import (
	"bytes"
	"sort"

	"github.com/cockroachdb/errors"

	"strata/internal/base"
)

// Column is a named, typed column of a schema.
type Column struct {
	Name string
	Type ColumnType
}

// Schema is the fixed set of columns of a table, kept sorted by name. Rows are
// encoded column by column in this order.
type Schema struct {
	columns []Column
}

// NewSchema builds a schema from a name to type map.
func NewSchema(columns map[string]ColumnType) (Schema, error) {
	s := Schema{columns: make([]Column, 0, len(columns))}
	for name, typ := range columns {
		if name == "" || bytes.IndexByte([]byte(name), 0) >= 0 {
			return Schema{}, errors.Newf("strata: invalid column name %q", name)
		}
		if !typ.Valid() {
			return Schema{}, errors.Newf("strata: column %q has invalid type %d", name, typ)
		}
		s.columns = append(s.columns, Column{Name: name, Type: typ})
	}
	sort.Slice(s.columns, func(i, j int) bool {
		return s.columns[i].Name < s.columns[j].Name
	})
	return s, nil
}

// MustSchema is like NewSchema but panics on error.
func MustSchema(columns map[string]ColumnType) Schema {
	s, err := NewSchema(columns)
	if err != nil {
		panic(err)
	}
	return s
}

// Columns returns the columns in encoding order.
func (s Schema) Columns() []Column {
	return s.columns
}

func (s Schema) Len() int {
	return len(s.columns)
}

// Lookup returns the type of the named column.
func (s Schema) Lookup(name string) (ColumnType, bool) {
	i := sort.Search(len(s.columns), func(i int) bool {
		return s.columns[i].Name >= name
	})
	if i < len(s.columns) && s.columns[i].Name == name {
		return s.columns[i].Type, true
	}
	return 0, false
}

// Encode serializes the schema as a sequence of name\0type pairs.
func (s Schema) Encode() []byte {
	var buf []byte
	for _, c := range s.columns {
		buf = append(buf, c.Name...)
		buf = append(buf, 0, byte(c.Type))
	}
	return buf
}

// DecodeSchema parses the output of Encode.
func DecodeSchema(buf []byte) (Schema, error) {
	columns := make(map[string]ColumnType)
	for len(buf) > 0 {
		end := bytes.IndexByte(buf, 0)
		if end <= 0 || end+1 >= len(buf) {
			return Schema{}, base.CorruptionErrorf("schema: truncated column")
		}
		name := string(buf[:end])
		typ := ColumnType(buf[end+1])
		if !typ.Valid() {
			return Schema{}, base.CorruptionErrorf("schema: column %q has invalid type %d", name, typ)
		}
		columns[name] = typ
		buf = buf[end+2:]
	}
	return NewSchema(columns)
}

// Equal reports whether both schemas have the same columns.
func (s Schema) Equal(o Schema) bool {
	if len(s.columns) != len(o.columns) {
		return false
	}
	for i := range s.columns {
		if s.columns[i] != o.columns[i] {
			return false
		}
	}
	return true
}
