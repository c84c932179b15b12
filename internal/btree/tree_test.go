package btree

import (
	"bytes"
	"fmt"
	"math/rand"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oda/juicydb/internal/dberr"
	"github.com/oda/juicydb/internal/pager"
	"github.com/oda/juicydb/internal/record"
	"github.com/oda/juicydb/internal/slotted"
)

func intKey(i int) []byte {
	return record.EncodeKey(record.Key{record.Int(int64(i))})
}

var formatKey = record.FormatKey

func openTree(t *testing.T, path string, order int) *Tree {
	t.Helper()
	p, err := pager.Open(path, pager.Options{PageSize: 1024, Kind: pager.KindTable})
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	tree, err := Open(p, Options{Order: order, FormatKey: formatKey})
	require.NoError(t, err)
	return tree
}

func newTree(t *testing.T, order int) *Tree {
	return openTree(t, filepath.Join(t.TempDir(), "tree.tbl"), order)
}

func scanAll(t *testing.T, it *Iterator) []string {
	t.Helper()
	var keys []string
	for it.Next() {
		keys = append(keys, formatKey(it.Key()))
	}
	require.NoError(t, it.Err())
	return keys
}

func dump(t *testing.T, tree *Tree) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, tree.Dump(&buf))
	return buf.String()
}

func TestEmptyTree(t *testing.T) {
	tree := newTree(t, 4)

	n, err := tree.Len()
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h, err := tree.Height()
	require.NoError(t, err)
	assert.Equal(t, 1, h)

	_, err = tree.Get(intKey(1))
	assert.ErrorIs(t, err, dberr.ErrNotFound)
	assert.ErrorIs(t, tree.Delete(intKey(1)), dberr.ErrNotFound)
	assert.Empty(t, scanAll(t, tree.Scan(nil, nil)))
	assert.NoError(t, tree.Check())
}

func TestInsertGetRoundTrip(t *testing.T) {
	tree := newTree(t, 5)

	for i := 0; i < 300; i++ {
		require.NoError(t, tree.Insert(intKey(i), []byte(fmt.Sprintf("value-%d", i))))
	}
	require.NoError(t, tree.Check())

	for i := 0; i < 300; i++ {
		v, err := tree.Get(intKey(i))
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("value-%d", i), string(v))
	}
	_, err := tree.Get(intKey(300))
	assert.ErrorIs(t, err, dberr.ErrNotFound)

	n, err := tree.Len()
	require.NoError(t, err)
	assert.Equal(t, 300, n)
}

func TestSplitScenario(t *testing.T) {
	tree := newTree(t, 4)
	for i := 1; i <= 4; i++ {
		require.NoError(t, tree.Insert(intKey(i), nil))
	}
	h, err := tree.Height()
	require.NoError(t, err)
	assert.Equal(t, 1, h, "four keys fit one leaf")

	require.NoError(t, tree.Insert(intKey(5), nil))
	require.NoError(t, tree.Check())

	root, err := tree.load(tree.Root())
	require.NoError(t, err)
	require.Equal(t, slotted.KindInternal, root.Kind())
	b, err := readBranch(root)
	require.NoError(t, err)
	require.Len(t, b.children, 2)
	assert.Equal(t, intKey(3), b.keys[0])

	left, err := tree.load(b.children[0])
	require.NoError(t, err)
	right, err := tree.load(b.children[1])
	require.NoError(t, err)
	assert.Equal(t, 2, left.Count())
	assert.Equal(t, 3, right.Count())
	assert.Equal(t, b.children[1], left.Next())
	assert.Equal(t, pager.PageID(0), right.Next())
}

func TestSplitPartition(t *testing.T) {
	for m := MinOrder; m <= 9; m++ {
		t.Run(fmt.Sprintf("order=%d", m), func(t *testing.T) {
			tree := newTree(t, m)
			for i := 0; i <= m; i++ {
				require.NoError(t, tree.Insert(intKey(i), nil))
			}
			root, err := tree.load(tree.Root())
			require.NoError(t, err)
			b, err := readBranch(root)
			require.NoError(t, err)
			require.Len(t, b.children, 2)

			left, err := tree.load(b.children[0])
			require.NoError(t, err)
			right, err := tree.load(b.children[1])
			require.NoError(t, err)
			assert.Equal(t, (m+1)/2, left.Count())
			assert.Equal(t, (m+2)/2, right.Count())
			assert.NoError(t, tree.Check())
		})
	}
}

func TestDuplicateInsertLeavesTreeUnchanged(t *testing.T) {
	tree := newTree(t, 4)
	for i := 0; i < 50; i++ {
		require.NoError(t, tree.Insert(intKey(i), []byte("x")))
	}
	before := dump(t, tree)
	pages := tree.pager.PageCount()

	err := tree.Insert(intKey(17), []byte("y"))
	assert.ErrorIs(t, err, dberr.ErrDuplicateKey)

	assert.Equal(t, before, dump(t, tree))
	assert.Equal(t, pages, tree.pager.PageCount())
	v, err := tree.Get(intKey(17))
	require.NoError(t, err)
	assert.Equal(t, "x", string(v))
}

func TestDeleteMissingLeavesTreeUnchanged(t *testing.T) {
	tree := newTree(t, 4)
	for i := 0; i < 50; i += 2 {
		require.NoError(t, tree.Insert(intKey(i), nil))
	}
	before := dump(t, tree)

	assert.ErrorIs(t, tree.Delete(intKey(7)), dberr.ErrNotFound)
	assert.ErrorIs(t, tree.Delete(intKey(1000)), dberr.ErrNotFound)
	assert.Equal(t, before, dump(t, tree))
}

func TestInsertDeleteInsert(t *testing.T) {
	once := newTree(t, 4)
	twice := newTree(t, 4)
	for i := 0; i < 40; i++ {
		require.NoError(t, once.Insert(intKey(i), nil))
		require.NoError(t, twice.Insert(intKey(i), nil))
	}

	for i := 0; i < 40; i += 3 {
		require.NoError(t, twice.Delete(intKey(i)))
		require.NoError(t, twice.Check())
		require.NoError(t, twice.Insert(intKey(i), nil))
		require.NoError(t, twice.Check())
	}
	assert.Equal(t, scanAll(t, once.Scan(nil, nil)), scanAll(t, twice.Scan(nil, nil)))
}

func TestRandomInsertDelete(t *testing.T) {
	for _, m := range []int{3, 4, 5, 8} {
		t.Run(fmt.Sprintf("order=%d", m), func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(m)))
			tree := newTree(t, m)
			live := make(map[int]bool)

			for step := 0; step < 3000; step++ {
				k := rng.Intn(500)
				if live[k] {
					require.NoError(t, tree.Delete(intKey(k)), "step %d delete %d", step, k)
					delete(live, k)
				} else {
					payload := bytes.Repeat([]byte{byte(k)}, rng.Intn(40))
					require.NoError(t, tree.Insert(intKey(k), payload), "step %d insert %d", step, k)
					live[k] = true
				}
				if step%100 == 0 {
					require.NoError(t, tree.Check(), "step %d", step)
				}
			}
			require.NoError(t, tree.Check())

			want := make([]int, 0, len(live))
			for k := range live {
				want = append(want, k)
			}
			sort.Ints(want)
			wantKeys := make([]string, len(want))
			for i, k := range want {
				wantKeys[i] = fmt.Sprint(k)
			}
			assert.Equal(t, wantKeys, scanAll(t, tree.Scan(nil, nil)))

			// Drain completely: the root shrinks back to an empty leaf
			for _, k := range want {
				require.NoError(t, tree.Delete(intKey(k)))
			}
			require.NoError(t, tree.Check())
			h, err := tree.Height()
			require.NoError(t, err)
			assert.Equal(t, 1, h)

			stats, err := tree.Stats()
			require.NoError(t, err)
			assert.Equal(t, 0, stats.Entries)
			assert.Equal(t, stats.PageCount-2, stats.FreePages)
		})
	}
}

func TestScanBounds(t *testing.T) {
	tree := newTree(t, 4)
	for i := 0; i < 30; i += 2 {
		require.NoError(t, tree.Insert(intKey(i), nil))
	}

	tests := []struct {
		name      string
		low, high *Bound
		want      []string
	}{
		{"inclusive", Inclusive(intKey(4)), Inclusive(intKey(10)), []string{"4", "6", "8", "10"}},
		{"exclusive", Exclusive(intKey(4)), Exclusive(intKey(10)), []string{"6", "8"}},
		{"absent bounds", Inclusive(intKey(5)), Inclusive(intKey(11)), []string{"6", "8", "10"}},
		{"open low", nil, Exclusive(intKey(4)), []string{"0", "2"}},
		{"open high", Inclusive(intKey(25)), nil, []string{"26", "28"}},
		{"empty", Inclusive(intKey(11)), Inclusive(intKey(11)), nil},
		{"past end", Inclusive(intKey(100)), nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, scanAll(t, tree.Scan(tt.low, tt.high)))
		})
	}
}

func TestSeekPrefix(t *testing.T) {
	tree := newTree(t, 4)
	entry := func(v string, pk int) []byte {
		return record.EncodeKey(record.Key{record.Text(v), record.Int(int64(pk))})
	}
	for pk, v := range []string{"b", "a", "a", "c", "a", "ab"} {
		require.NoError(t, tree.Insert(entry(v, pk), nil))
	}

	prefix := record.EncodeKey(record.Key{record.Text("a")})
	assert.Equal(t, []string{"a,1", "a,2", "a,4"}, scanAll(t, tree.Seek(prefix)))

	prefix = record.EncodeKey(record.Key{record.Text("z")})
	assert.Empty(t, scanAll(t, tree.Seek(prefix)))
}

func TestRecordTooLarge(t *testing.T) {
	tree := newTree(t, 4)
	big := make([]byte, tree.MaxCell())
	err := tree.Insert(intKey(1), big)
	assert.ErrorIs(t, err, dberr.ErrRecordTooLarge)

	fits := make([]byte, tree.MaxCell()-len(intKey(1))-1)
	assert.NoError(t, tree.Insert(intKey(1), fits))
}

func TestLayout(t *testing.T) {
	m, maxCell, err := Layout(4096, 0)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, m, 4)
	assert.LessOrEqual(t, m*(maxCell+slotted.SlotSize), slotted.Capacity(4096))

	_, _, err = Layout(1024, 2)
	assert.ErrorIs(t, err, dberr.ErrConfig)
	_, _, err = Layout(1024, 200)
	assert.ErrorIs(t, err, dberr.ErrConfig)
}

func TestPersistence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.tbl")
	p, err := pager.Open(path, pager.Options{PageSize: 1024})
	require.NoError(t, err)
	tree, err := Open(p, Options{Order: 6})
	require.NoError(t, err)
	for i := 0; i < 200; i++ {
		require.NoError(t, tree.Insert(intKey(i), []byte{byte(i)}))
	}
	for i := 0; i < 200; i += 4 {
		require.NoError(t, tree.Delete(intKey(i)))
	}
	require.NoError(t, p.Close())

	// The stored order wins over the option on reopen
	reopened := openTree(t, path, 0)
	assert.Equal(t, 6, reopened.Order())
	require.NoError(t, reopened.Check())

	n, err := reopened.Len()
	require.NoError(t, err)
	assert.Equal(t, 150, n)
	v, err := reopened.Get(intKey(9))
	require.NoError(t, err)
	assert.Equal(t, []byte{9}, v)
}

func TestEntryTreeRejectsRowPages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tree.idx")
	p, err := pager.Open(path, pager.Options{PageSize: 1024})
	require.NoError(t, err)
	defer p.Close()

	_, err = Open(p, Options{CellKind: slotted.CellRow})
	require.NoError(t, err)
	_, err = Open(p, Options{CellKind: slotted.CellEntry})
	assert.ErrorIs(t, err, dberr.ErrFormat)
}

func TestDump(t *testing.T) {
	tree := newTree(t, 4)
	for i := 1; i <= 5; i++ {
		require.NoError(t, tree.Insert(intKey(i), nil))
	}
	out := dump(t, tree)
	assert.Contains(t, out, "internal")
	assert.Contains(t, out, "[1 2]")
	assert.Contains(t, out, "[3 4 5]")
}
