package btree

import (
	"bytes"
	"encoding/binary"
	"sort"

	"github.com/oda/juicydb/internal/dberr"
	"github.com/oda/juicydb/internal/pager"
	"github.com/oda/juicydb/internal/slotted"
)

// Leaf cell layout:
// uvarint key length, key bytes, payload bytes (the rest of the cell).
//
// Internal cell layout:
// Byte 0-3: child page (little endian), then the separator key.
// The right-most child is kept in the page's next pointer.
const childPtrSize = 4

func encodeLeafCell(key, payload []byte) []byte {
	cell := make([]byte, 0, binary.MaxVarintLen32+len(key)+len(payload))
	cell = binary.AppendUvarint(cell, uint64(len(key)))
	cell = append(cell, key...)
	return append(cell, payload...)
}

func decodeLeafCell(cell []byte) (key, payload []byte, err error) {
	n, k := binary.Uvarint(cell)
	if k <= 0 || n > uint64(len(cell)-k) {
		return nil, nil, dberr.Format("leaf cell of %d bytes has bad key length", len(cell))
	}
	end := k + int(n)
	return cell[k:end], cell[end:], nil
}

func leafCellKey(cell []byte) ([]byte, error) {
	key, _, err := decodeLeafCell(cell)
	return key, err
}

func encodeChildCell(child pager.PageID, key []byte) []byte {
	cell := make([]byte, childPtrSize, childPtrSize+len(key))
	binary.LittleEndian.PutUint32(cell, child)
	return append(cell, key...)
}

func decodeChildCell(cell []byte) (pager.PageID, []byte, error) {
	if len(cell) < childPtrSize {
		return 0, nil, dberr.Format("internal cell of %d bytes", len(cell))
	}
	return binary.LittleEndian.Uint32(cell), cell[childPtrSize:], nil
}

// searchLeaf returns the first slot whose key is >= key and whether it is equal.
func searchLeaf(p *slotted.Page, key []byte) (int, bool, error) {
	var err error
	i := sort.Search(p.Count(), func(i int) bool {
		k, e := leafCellKey(p.CellAt(i))
		if e != nil {
			if err == nil {
				err = e
			}
			return true
		}
		return bytes.Compare(k, key) >= 0
	})
	if err != nil {
		return 0, false, err
	}
	if i < p.Count() {
		k, _ := leafCellKey(p.CellAt(i))
		return i, bytes.Equal(k, key), nil
	}
	return i, false, nil
}

// branch is the decoded form of an internal node: len(children) == len(keys)+1.
type branch struct {
	keys     [][]byte
	children []pager.PageID
}

func readBranch(p *slotted.Page) (*branch, error) {
	n := p.Count()
	b := &branch{
		keys:     make([][]byte, 0, n),
		children: make([]pager.PageID, 0, n+1),
	}
	for i := 0; i < n; i++ {
		child, key, err := decodeChildCell(p.CellAt(i))
		if err != nil {
			return nil, err
		}
		b.keys = append(b.keys, append([]byte(nil), key...))
		b.children = append(b.children, child)
	}
	b.children = append(b.children, p.Next())
	return b, nil
}

// write lays the branch out on p, replacing its contents.
func (b *branch) write(p *slotted.Page) error {
	p.Reset(slotted.KindInternal, slotted.CellChild)
	for i, key := range b.keys {
		if err := p.Append(encodeChildCell(b.children[i], key)); err != nil {
			return err
		}
	}
	p.SetNext(b.children[len(b.children)-1])
	return nil
}

// childIndex returns the index of the child whose range holds key:
// the first separator strictly greater than key.
func (b *branch) childIndex(key []byte) int {
	return sort.Search(len(b.keys), func(i int) bool {
		return bytes.Compare(b.keys[i], key) > 0
	})
}

// insertChild records that the child at index i split, with sep the first key of right.
func (b *branch) insertChild(i int, sep []byte, right pager.PageID) {
	b.keys = append(b.keys, nil)
	copy(b.keys[i+1:], b.keys[i:])
	b.keys[i] = sep

	b.children = append(b.children, 0)
	copy(b.children[i+2:], b.children[i+1:])
	b.children[i+1] = right
}

// removeChild drops separator i and the child to its right.
func (b *branch) removeChild(i int) {
	b.keys = append(b.keys[:i], b.keys[i+1:]...)
	b.children = append(b.children[:i+1], b.children[i+2:]...)
}

// writeLeaf lays cells out on p as a leaf linked to next.
func writeLeaf(p *slotted.Page, cellKind slotted.CellKind, cells [][]byte, next pager.PageID) error {
	p.Reset(slotted.KindLeaf, cellKind)
	for _, c := range cells {
		if err := p.Append(c); err != nil {
			return err
		}
	}
	p.SetNext(next)
	return nil
}

func insertCell(cells [][]byte, i int, cell []byte) [][]byte {
	cells = append(cells, nil)
	copy(cells[i+1:], cells[i:])
	cells[i] = cell
	return cells
}
