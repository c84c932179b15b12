// Package record serializes column values, rows, keys and schemas.
//
// Rows use a compact self-describing encoding (type tag, varint or
// length-prefixed payload). Keys use an order-preserving encoding so that
// bytes.Compare on two encoded keys agrees with Compare on the decoded values,
// and an encoded key is a byte prefix of any longer key it is a prefix of.
package record

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/oda/juicydb/internal/dberr"
)

// Type is a column type.
type Type uint8

const (
	TypeNull    Type = 0
	TypeInteger Type = 1
	TypeText    Type = 2
	TypeBytes   Type = 3
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeInteger:
		return "integer"
	case TypeText:
		return "text"
	case TypeBytes:
		return "blob"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// ParseType maps a SQL type name to a Type.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "integer", "int", "bigint":
		return TypeInteger, nil
	case "text", "varchar", "string":
		return TypeText, nil
	case "blob", "bytes":
		return TypeBytes, nil
	default:
		return TypeNull, dberr.Wrapf(dberr.ErrSchema, "unknown type %q", name)
	}
}

// Value is a single column value: a tagged variant over the supported types.
type Value struct {
	typ Type
	i   int64
	s   string
}

// Null returns the null value.
func Null() Value { return Value{} }

// Int returns an integer value.
func Int(v int64) Value { return Value{typ: TypeInteger, i: v} }

// Text returns a text value.
func Text(s string) Value { return Value{typ: TypeText, s: s} }

// Bytes returns a byte-string value.
func Bytes(b []byte) Value { return Value{typ: TypeBytes, s: string(b)} }

// Type returns the value's type; TypeNull for null.
func (v Value) Type() Type { return v.typ }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.typ == TypeNull }

// Int returns the integer payload (0 for other types).
func (v Value) Int() int64 { return v.i }

// Str returns the text payload ("" for other types).
func (v Value) Str() string {
	if v.typ == TypeText {
		return v.s
	}
	return ""
}

// Raw returns the byte-string payload (nil for other types).
func (v Value) Raw() []byte {
	if v.typ == TypeBytes {
		return []byte(v.s)
	}
	return nil
}

// String renders the value for display.
func (v Value) String() string {
	switch v.typ {
	case TypeInteger:
		return strconv.FormatInt(v.i, 10)
	case TypeText:
		return v.s
	case TypeBytes:
		return fmt.Sprintf("x'%x'", v.s)
	default:
		return "NULL"
	}
}

// Equal reports whether two values are identical.
func (v Value) Equal(o Value) bool {
	return Compare(v, o) == 0
}

// Compare orders values: null < integer < text < bytes, then by payload.
func Compare(a, b Value) int {
	if a.typ != b.typ {
		if a.typ < b.typ {
			return -1
		}
		return 1
	}
	switch a.typ {
	case TypeInteger:
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		}
		return 0
	case TypeText, TypeBytes:
		return strings.Compare(a.s, b.s)
	default:
		return 0
	}
}

// Row is an ordered list of column values aligned to a schema.
type Row []Value

// Equal reports whether two rows hold identical values.
func (r Row) Equal(o Row) bool {
	if len(r) != len(o) {
		return false
	}
	for i := range r {
		if !r[i].Equal(o[i]) {
			return false
		}
	}
	return true
}

func (r Row) String() string {
	var b bytes.Buffer
	b.WriteByte('(')
	for i, v := range r {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(v.String())
	}
	b.WriteByte(')')
	return b.String()
}
