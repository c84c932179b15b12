package record

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/oda/juicydb/internal/dberr"
)

// Key tags. Their numeric order fixes the cross-type sort order.
const (
	keyTagNull    byte = 0x01
	keyTagInteger byte = 0x02
	keyTagText    byte = 0x03
	keyTagBytes   byte = 0x04
)

// Escaping for variable-length key payloads: 0x00 becomes 0x00 0xFF and the
// payload ends with 0x00 0x01, which keeps encodings prefix-free and ordered.
const (
	keyEscape     byte = 0x00
	keyEscapedNul byte = 0xFF
	keyTerminator byte = 0x01
)

// Key is a composite key: one value for a table, (value, primary key) for an index.
type Key []Value

// EncodeKey returns the order-preserving encoding of k.
func EncodeKey(k Key) []byte {
	return AppendKey(nil, k...)
}

// AppendKey appends the order-preserving encoding of vals to dst.
func AppendKey(dst []byte, vals ...Value) []byte {
	for _, v := range vals {
		switch v.typ {
		case TypeInteger:
			dst = append(dst, keyTagInteger)
			dst = binary.BigEndian.AppendUint64(dst, uint64(v.i)^(1<<63))
		case TypeText:
			dst = append(dst, keyTagText)
			dst = appendEscaped(dst, v.s)
		case TypeBytes:
			dst = append(dst, keyTagBytes)
			dst = appendEscaped(dst, v.s)
		default:
			dst = append(dst, keyTagNull)
		}
	}
	return dst
}

func appendEscaped(dst []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == keyEscape {
			dst = append(dst, keyEscape, keyEscapedNul)
		} else {
			dst = append(dst, s[i])
		}
	}
	return append(dst, keyEscape, keyTerminator)
}

// DecodeKey parses an encoded key.
func DecodeKey(b []byte) (Key, error) {
	var k Key
	for len(b) > 0 {
		v, rest, err := decodeKeyValue(b)
		if err != nil {
			return nil, err
		}
		k = append(k, v)
		b = rest
	}
	return k, nil
}

func decodeKeyValue(b []byte) (Value, []byte, error) {
	tag, b := b[0], b[1:]
	switch tag {
	case keyTagNull:
		return Null(), b, nil
	case keyTagInteger:
		if len(b) < 8 {
			return Value{}, nil, dberr.Format("key integer truncated: %d bytes", len(b))
		}
		return Int(int64(binary.BigEndian.Uint64(b[:8]) ^ (1 << 63))), b[8:], nil
	case keyTagText, keyTagBytes:
		s, rest, err := decodeEscaped(b)
		if err != nil {
			return Value{}, nil, err
		}
		if tag == keyTagText {
			return Text(s), rest, nil
		}
		return Bytes([]byte(s)), rest, nil
	default:
		return Value{}, nil, dberr.Format("unknown key tag %#x", tag)
	}
}

func decodeEscaped(b []byte) (string, []byte, error) {
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != keyEscape {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			return "", nil, dberr.Format("key string truncated")
		}
		switch b[i+1] {
		case keyEscapedNul:
			out = append(out, keyEscape)
			i++
		case keyTerminator:
			return string(out), b[i+2:], nil
		default:
			return "", nil, dberr.Format("invalid key escape %#x", b[i+1])
		}
	}
	return "", nil, dberr.Format("key string unterminated")
}

// CompareKeys orders decoded keys lexicographically; a proper prefix sorts first.
func CompareKeys(a, b Key) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if c := Compare(a[i], b[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// FormatKey renders an encoded key for display, falling back to hex.
func FormatKey(b []byte) string {
	k, err := DecodeKey(b)
	if err != nil {
		return fmt.Sprintf("%x", b)
	}
	parts := make([]string, len(k))
	for i, v := range k {
		parts[i] = v.String()
	}
	return strings.Join(parts, ",")
}
