package record

import (
	"encoding/binary"

	"github.com/oda/juicydb/internal/dberr"
)

// EncodeRow serializes a row as a column count followed by type-tagged values.
// Integers are zig-zag varints; text and bytes are length-prefixed.
func EncodeRow(r Row) []byte {
	buf := binary.AppendUvarint(nil, uint64(len(r)))
	for _, v := range r {
		buf = append(buf, byte(v.typ))
		switch v.typ {
		case TypeInteger:
			buf = binary.AppendVarint(buf, v.i)
		case TypeText, TypeBytes:
			buf = binary.AppendUvarint(buf, uint64(len(v.s)))
			buf = append(buf, v.s...)
		}
	}
	return buf
}

// DecodeRow parses a row produced by EncodeRow.
func DecodeRow(b []byte) (Row, error) {
	n, k := binary.Uvarint(b)
	if k <= 0 {
		return nil, dberr.Format("row column count malformed")
	}
	b = b[k:]
	if n > uint64(len(b)) {
		return nil, dberr.Format("row claims %d columns in %d bytes", n, len(b))
	}

	row := make(Row, 0, n)
	for i := uint64(0); i < n; i++ {
		if len(b) == 0 {
			return nil, dberr.Format("row truncated at column %d", i)
		}
		typ := Type(b[0])
		b = b[1:]
		switch typ {
		case TypeNull:
			row = append(row, Null())
		case TypeInteger:
			v, k := binary.Varint(b)
			if k <= 0 {
				return nil, dberr.Format("row integer malformed at column %d", i)
			}
			row = append(row, Int(v))
			b = b[k:]
		case TypeText, TypeBytes:
			l, k := binary.Uvarint(b)
			if k <= 0 || l > uint64(len(b)-k) {
				return nil, dberr.Format("row string truncated at column %d", i)
			}
			s := string(b[k : k+int(l)])
			row = append(row, Value{typ: typ, s: s})
			b = b[k+int(l):]
		default:
			return nil, dberr.Format("unknown value type %d at column %d", typ, i)
		}
	}
	if len(b) != 0 {
		return nil, dberr.Format("%d trailing bytes after row", len(b))
	}
	return row, nil
}
