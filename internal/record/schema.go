package record

import (
	"encoding/binary"
	"strings"

	"github.com/oda/juicydb/internal/dberr"
)

// Column describes one table column.
type Column struct {
	Name    string
	Type    Type
	NotNull bool
}

// Schema describes a table: its columns and which one is the primary key.
type Schema struct {
	Columns    []Column
	PrimaryKey int
}

// NewSchema builds a schema keyed by the named column.
func NewSchema(primaryKey string, cols ...Column) (Schema, error) {
	s := Schema{Columns: append([]Column(nil), cols...), PrimaryKey: -1}
	seen := make(map[string]bool, len(cols))
	for i, c := range cols {
		name := strings.ToLower(c.Name)
		if name == "" {
			return Schema{}, dberr.Wrapf(dberr.ErrSchema, "column %d has no name", i)
		}
		if seen[name] {
			return Schema{}, dberr.Wrapf(dberr.ErrSchema, "duplicate column %q", c.Name)
		}
		if c.Type == TypeNull {
			return Schema{}, dberr.Wrapf(dberr.ErrSchema, "column %q has no type", c.Name)
		}
		seen[name] = true
		if strings.EqualFold(c.Name, primaryKey) {
			s.PrimaryKey = i
		}
	}
	if s.PrimaryKey < 0 {
		return Schema{}, dberr.Wrapf(dberr.ErrSchema, "primary key column %q not found", primaryKey)
	}
	s.Columns[s.PrimaryKey].NotNull = true
	return s, nil
}

// ColumnIndex returns the position of the named column (case-insensitive).
func (s Schema) ColumnIndex(name string) (int, bool) {
	for i, c := range s.Columns {
		if strings.EqualFold(c.Name, name) {
			return i, true
		}
	}
	return -1, false
}

// PrimaryKeyColumn returns the primary key column.
func (s Schema) PrimaryKeyColumn() Column {
	return s.Columns[s.PrimaryKey]
}

// ColumnNames returns the column names in order.
func (s Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// Validate checks arity, types and nullability of a row.
func (s Schema) Validate(r Row) error {
	if len(r) != len(s.Columns) {
		return dberr.Wrapf(dberr.ErrSchema, "row has %d values, table has %d columns", len(r), len(s.Columns))
	}
	for i, c := range s.Columns {
		v := r[i]
		if v.IsNull() {
			if c.NotNull {
				return dberr.Wrapf(dberr.ErrSchema, "column %q cannot be null", c.Name)
			}
			continue
		}
		if v.Type() != c.Type {
			return dberr.Wrapf(dberr.ErrSchema, "column %q expects %s, got %s", c.Name, c.Type, v.Type())
		}
	}
	return nil
}

// IndexSchema describes a secondary index over one column of a table.
type IndexSchema struct {
	Table  string
	Column string
	Type   Type
}

// Schema blobs start with a kind byte so a table header is never read as an index one.
const (
	schemaTagTable byte = 'T'
	schemaTagIndex byte = 'I'
)

// EncodeSchema serializes a table schema.
func EncodeSchema(s Schema) []byte {
	buf := []byte{schemaTagTable}
	buf = binary.AppendUvarint(buf, uint64(len(s.Columns)))
	for _, c := range s.Columns {
		buf = appendString(buf, c.Name)
		flags := byte(0)
		if c.NotNull {
			flags = 1
		}
		buf = append(buf, byte(c.Type), flags)
	}
	return binary.AppendUvarint(buf, uint64(s.PrimaryKey))
}

// DecodeSchema parses a table schema.
func DecodeSchema(b []byte) (Schema, error) {
	if len(b) == 0 || b[0] != schemaTagTable {
		return Schema{}, dberr.Format("not a table schema")
	}
	r := reader{buf: b[1:]}
	n := r.readUvarint()
	if r.err == nil && n > uint64(len(r.buf)) {
		return Schema{}, dberr.Format("schema claims %d columns", n)
	}
	s := Schema{Columns: make([]Column, 0, n)}
	for i := uint64(0); i < n && r.err == nil; i++ {
		name := r.readString()
		typ := Type(r.readByte())
		flags := r.readByte()
		s.Columns = append(s.Columns, Column{Name: name, Type: typ, NotNull: flags&1 != 0})
	}
	s.PrimaryKey = int(r.readUvarint())
	if r.err != nil {
		return Schema{}, r.err
	}
	if s.PrimaryKey >= len(s.Columns) {
		return Schema{}, dberr.Format("primary key index %d out of range", s.PrimaryKey)
	}
	return s, nil
}

// EncodeIndexSchema serializes an index descriptor.
func EncodeIndexSchema(s IndexSchema) []byte {
	buf := []byte{schemaTagIndex}
	buf = appendString(buf, s.Table)
	buf = appendString(buf, s.Column)
	return append(buf, byte(s.Type))
}

// DecodeIndexSchema parses an index descriptor.
func DecodeIndexSchema(b []byte) (IndexSchema, error) {
	if len(b) == 0 || b[0] != schemaTagIndex {
		return IndexSchema{}, dberr.Format("not an index schema")
	}
	r := reader{buf: b[1:]}
	s := IndexSchema{Table: r.readString(), Column: r.readString(), Type: Type(r.readByte())}
	if r.err != nil {
		return IndexSchema{}, r.err
	}
	return s, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

// reader decodes sequential fields and remembers the first error.
type reader struct {
	buf []byte
	err error
}

func (r *reader) readUvarint() uint64 {
	if r.err != nil {
		return 0
	}
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		r.err = dberr.Format("schema varint malformed")
		return 0
	}
	r.buf = r.buf[n:]
	return v
}

func (r *reader) readByte() byte {
	if r.err != nil {
		return 0
	}
	if len(r.buf) == 0 {
		r.err = dberr.Format("schema truncated")
		return 0
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b
}

func (r *reader) readString() string {
	n := r.readUvarint()
	if r.err != nil {
		return ""
	}
	if n > uint64(len(r.buf)) {
		r.err = dberr.Format("schema string truncated")
		return ""
	}
	s := string(r.buf[:n])
	r.buf = r.buf[n:]
	return s
}
