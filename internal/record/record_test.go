package record

import (
	"bytes"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oda/juicydb/internal/dberr"
)

func TestKeyOrderMatchesValueOrder(t *testing.T) {
	vals := []Value{
		Null(),
		Int(-1 << 62), Int(-5), Int(-1), Int(0), Int(1), Int(42), Int(1 << 62),
		Text(""), Text("a"), Text("a\x00"), Text("a\x00b"), Text("ab"), Text("b"),
		Bytes(nil), Bytes([]byte{0}), Bytes([]byte{0, 0}), Bytes([]byte{1}),
	}

	for _, a := range vals {
		for _, b := range vals {
			want := Compare(a, b)
			got := bytes.Compare(EncodeKey(Key{a}), EncodeKey(Key{b}))
			assert.Equal(t, want, got, "compare %v vs %v", a, b)
		}
	}
}

func TestKeyRoundTrip(t *testing.T) {
	k := Key{Text("he\x00llo"), Int(-7), Null(), Bytes([]byte{0, 0xFF, 1})}
	got, err := DecodeKey(EncodeKey(k))
	require.NoError(t, err)
	assert.Equal(t, 0, CompareKeys(k, got))
	assert.Len(t, got, 4)
}

func TestKeyPrefixSortsFirst(t *testing.T) {
	prefix := EncodeKey(Key{Text("apple")})
	full := EncodeKey(Key{Text("apple"), Int(1)})
	next := EncodeKey(Key{Text("apples"), Int(0)})

	assert.True(t, bytes.HasPrefix(full, prefix))
	assert.Negative(t, bytes.Compare(prefix, full))
	assert.Negative(t, bytes.Compare(full, next))
	assert.False(t, bytes.HasPrefix(next, prefix))
}

func TestCompositeKeysSortByValueThenPK(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	keys := make([]Key, 200)
	for i := range keys {
		keys[i] = Key{Int(int64(rng.Intn(10) - 5)), Int(int64(rng.Intn(1000)))}
	}
	enc := make([][]byte, len(keys))
	for i, k := range keys {
		enc[i] = EncodeKey(k)
	}

	sort.Slice(keys, func(i, j int) bool { return CompareKeys(keys[i], keys[j]) < 0 })
	sort.Slice(enc, func(i, j int) bool { return bytes.Compare(enc[i], enc[j]) < 0 })

	for i := range keys {
		dec, err := DecodeKey(enc[i])
		require.NoError(t, err)
		assert.Equal(t, 0, CompareKeys(keys[i], dec), "position %d", i)
	}
}

func TestDecodeKeyRejectsGarbage(t *testing.T) {
	tests := [][]byte{
		{0x09},
		{keyTagInteger, 1, 2, 3},
		{keyTagText, 'a', 'b'},
		{keyTagText, 'a', 0x00, 0x07},
	}
	for _, b := range tests {
		_, err := DecodeKey(b)
		assert.ErrorIs(t, err, dberr.ErrFormat, "input %x", b)
	}
}

func TestRowRoundTrip(t *testing.T) {
	rows := []Row{
		{},
		{Int(1)},
		{Int(-300), Text("bob"), Null(), Bytes([]byte{0, 1, 2})},
		{Text(""), Bytes(nil), Int(1 << 40)},
	}
	for _, r := range rows {
		got, err := DecodeRow(EncodeRow(r))
		require.NoError(t, err)
		assert.True(t, r.Equal(got), "expected %v, got %v", r, got)
	}
}

func TestDecodeRowRejectsTruncation(t *testing.T) {
	enc := EncodeRow(Row{Int(12345), Text("hello world")})
	for n := 0; n < len(enc); n++ {
		_, err := DecodeRow(enc[:n])
		assert.ErrorIs(t, err, dberr.ErrFormat, "prefix of %d bytes", n)
	}

	_, err := DecodeRow(append(enc, 0))
	assert.ErrorIs(t, err, dberr.ErrFormat)

	_, err = DecodeRow([]byte{1, 9})
	assert.ErrorIs(t, err, dberr.ErrFormat)
}

func TestRowString(t *testing.T) {
	r := Row{Int(1), Text("x"), Null(), Bytes([]byte{0xAB})}
	assert.Equal(t, "(1, x, NULL, x'ab')", r.String())
}

func TestParseType(t *testing.T) {
	for name, want := range map[string]Type{"INTEGER": TypeInteger, "int": TypeInteger, "Text": TypeText, "varchar": TypeText, "blob": TypeBytes} {
		got, err := ParseType(name)
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
	}
	_, err := ParseType("float")
	assert.ErrorIs(t, err, dberr.ErrSchema)
}

func TestSchema(t *testing.T) {
	s, err := NewSchema("ID",
		Column{Name: "id", Type: TypeInteger},
		Column{Name: "name", Type: TypeText},
		Column{Name: "avatar", Type: TypeBytes},
	)
	require.NoError(t, err)
	assert.Equal(t, 0, s.PrimaryKey)
	assert.True(t, s.PrimaryKeyColumn().NotNull)
	assert.Equal(t, []string{"id", "name", "avatar"}, s.ColumnNames())

	i, ok := s.ColumnIndex("NAME")
	assert.True(t, ok)
	assert.Equal(t, 1, i)

	assert.NoError(t, s.Validate(Row{Int(1), Text("a"), Null()}))
	assert.ErrorIs(t, s.Validate(Row{Int(1)}), dberr.ErrSchema)
	assert.ErrorIs(t, s.Validate(Row{Null(), Text("a"), Null()}), dberr.ErrSchema)
	assert.ErrorIs(t, s.Validate(Row{Text("1"), Text("a"), Null()}), dberr.ErrSchema)

	got, err := DecodeSchema(EncodeSchema(s))
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = DecodeIndexSchema(EncodeSchema(s))
	assert.ErrorIs(t, err, dberr.ErrFormat)
}

func TestNewSchemaErrors(t *testing.T) {
	_, err := NewSchema("id", Column{Name: "id", Type: TypeInteger}, Column{Name: "ID", Type: TypeText})
	assert.ErrorIs(t, err, dberr.ErrSchema)

	_, err = NewSchema("missing", Column{Name: "id", Type: TypeInteger})
	assert.ErrorIs(t, err, dberr.ErrSchema)

	_, err = NewSchema("id", Column{Name: "id"})
	assert.ErrorIs(t, err, dberr.ErrSchema)
}

func TestIndexSchemaRoundTrip(t *testing.T) {
	s := IndexSchema{Table: "users", Column: "email", Type: TypeText}
	got, err := DecodeIndexSchema(EncodeIndexSchema(s))
	require.NoError(t, err)
	assert.Equal(t, s, got)

	_, err = DecodeIndexSchema(EncodeIndexSchema(s)[:4])
	assert.ErrorIs(t, err, dberr.ErrFormat)
}
