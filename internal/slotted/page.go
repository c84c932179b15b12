// Package slotted encodes the byte layout of a single tree page: a fixed
// header, a slot array growing upward from the header, and a cell-data
// region growing downward from the end of the page.
//
// The codec only answers "does this fit" and "give me cell N"; it never
// decides tree structure.
package slotted

import (
	"encoding/binary"

	"github.com/oda/juicydb/internal/dberr"
)

// Header layout:
// Byte 0:     Kind
// Byte 1:     CellKind
// Byte 2-3:   Cell count
// Byte 4-7:   Cell start (lowest byte used by cell data)
// Byte 8-9:   Fragmented bytes (left behind by removed cells)
// Byte 10-11: Reserved
// Byte 12-15: Next pointer (next leaf, or right-most child of an internal node)
const (
	HeaderSize = 16
	SlotSize   = 4
)

// Kind is the node kind persisted in byte 0 of a tree page.
type Kind uint8

const (
	KindLeaf     Kind = 1
	KindInternal Kind = 2
)

func (k Kind) String() string {
	switch k {
	case KindLeaf:
		return "leaf"
	case KindInternal:
		return "internal"
	default:
		return "invalid"
	}
}

// CellKind tells how the cells of a page are interpreted.
type CellKind uint8

const (
	CellChild CellKind = 1 // {child page, separator key}
	CellRow   CellKind = 2 // {primary key, row}
	CellEntry CellKind = 3 // {indexed value, primary key}
)

func (k CellKind) String() string {
	switch k {
	case CellChild:
		return "child"
	case CellRow:
		return "row"
	case CellEntry:
		return "entry"
	default:
		return "invalid"
	}
}

// Page wraps a page buffer. It does not copy buf.
type Page struct {
	buf []byte
}

// Wrap interprets buf as a slotted page without checking it.
func Wrap(buf []byte) *Page {
	return &Page{buf: buf}
}

// Load wraps buf and validates its header and slot array.
func Load(buf []byte) (*Page, error) {
	p := &Page{buf: buf}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Init formats the page as an empty page of the given kinds.
func (p *Page) Init(kind Kind, cellKind CellKind) {
	clear(p.buf[:HeaderSize])
	p.buf[0] = byte(kind)
	p.buf[1] = byte(cellKind)
	p.setCellStart(len(p.buf))
}

// Bytes returns the underlying buffer.
func (p *Page) Bytes() []byte {
	return p.buf
}

// Kind returns the node kind.
func (p *Page) Kind() Kind {
	return Kind(p.buf[0])
}

// CellKind returns the cell kind.
func (p *Page) CellKind() CellKind {
	return CellKind(p.buf[1])
}

// Count returns the number of cells.
func (p *Page) Count() int {
	return int(binary.LittleEndian.Uint16(p.buf[2:4]))
}

func (p *Page) setCount(n int) {
	binary.LittleEndian.PutUint16(p.buf[2:4], uint16(n))
}

func (p *Page) cellStart() int {
	return int(binary.LittleEndian.Uint32(p.buf[4:8]))
}

func (p *Page) setCellStart(off int) {
	binary.LittleEndian.PutUint32(p.buf[4:8], uint32(off))
}

// Fragmented returns the bytes held by removed cells inside the data region.
func (p *Page) Fragmented() int {
	return int(binary.LittleEndian.Uint16(p.buf[8:10]))
}

func (p *Page) setFragmented(n int) {
	binary.LittleEndian.PutUint16(p.buf[8:10], uint16(n))
}

// Next returns the next-leaf pointer (leaf) or right-most child (internal).
func (p *Page) Next() uint32 {
	return binary.LittleEndian.Uint32(p.buf[12:16])
}

// SetNext sets the next pointer.
func (p *Page) SetNext(id uint32) {
	binary.LittleEndian.PutUint32(p.buf[12:16], id)
}

func (p *Page) slotOffset(i int) int {
	return HeaderSize + i*SlotSize
}

func (p *Page) slot(i int) (off, length int) {
	s := p.slotOffset(i)
	return int(binary.LittleEndian.Uint16(p.buf[s : s+2])), int(binary.LittleEndian.Uint16(p.buf[s+2 : s+4]))
}

func (p *Page) setSlot(i, off, length int) {
	s := p.slotOffset(i)
	binary.LittleEndian.PutUint16(p.buf[s:s+2], uint16(off))
	binary.LittleEndian.PutUint16(p.buf[s+2:s+4], uint16(length))
}

// gap is the unused space between the slot array and the cell data.
func (p *Page) gap() int {
	return p.cellStart() - p.slotOffset(p.Count())
}

// FreeSpace returns the bytes available for new cells and slots,
// counting fragmented space that Compact would reclaim.
func (p *Page) FreeSpace() int {
	return p.gap() + p.Fragmented()
}

// Capacity returns the free space of an empty page of this size.
func Capacity(pageSize int) int {
	return pageSize - HeaderSize
}

// Fits reports whether a cell of n bytes can be inserted, possibly after compaction.
func (p *Page) Fits(n int) bool {
	return n+SlotSize <= p.FreeSpace()
}

// CellAt returns cell i. The slice aliases the page buffer.
func (p *Page) CellAt(i int) []byte {
	off, length := p.slot(i)
	return p.buf[off : off+length]
}

// Cells returns copies of all cells in slot order.
func (p *Page) Cells() [][]byte {
	cells := make([][]byte, p.Count())
	for i := range cells {
		cells[i] = append([]byte(nil), p.CellAt(i)...)
	}
	return cells
}

// InsertCell inserts cell at slot index i, shifting later slots up.
// Returns ErrNoSpace if the cell does not fit even after compaction.
func (p *Page) InsertCell(i int, cell []byte) error {
	count := p.Count()
	if i < 0 || i > count {
		return dberr.Format("slot index %d out of range [0,%d]", i, count)
	}
	need := len(cell) + SlotSize
	if p.gap() < need {
		if p.FreeSpace() < need {
			return dberr.Wrapf(dberr.ErrNoSpace, "cell of %d bytes, %d free", len(cell), p.FreeSpace())
		}
		p.Compact()
	}

	off := p.cellStart() - len(cell)
	copy(p.buf[off:], cell)
	p.setCellStart(off)

	// Shift slots [i, count) up by one
	from := p.slotOffset(i)
	to := p.slotOffset(count)
	copy(p.buf[from+SlotSize:to+SlotSize], p.buf[from:to])
	p.setSlot(i, off, len(cell))
	p.setCount(count + 1)
	return nil
}

// RemoveCell removes cell i. Its bytes are reclaimed immediately when it is
// the lowest cell, otherwise they are counted as fragmented until Compact.
func (p *Page) RemoveCell(i int) {
	count := p.Count()
	off, length := p.slot(i)
	if off == p.cellStart() {
		p.setCellStart(off + length)
	} else {
		p.setFragmented(p.Fragmented() + length)
	}

	from := p.slotOffset(i + 1)
	to := p.slotOffset(count)
	copy(p.buf[from-SlotSize:to-SlotSize], p.buf[from:to])
	p.setCount(count - 1)
	if count == 1 {
		p.setCellStart(len(p.buf))
		p.setFragmented(0)
	}
}

// Compact repacks the cell data at the end of the page, removing fragmentation.
func (p *Page) Compact() {
	cells := p.Cells()
	end := len(p.buf)
	for i, c := range cells {
		end -= len(c)
		copy(p.buf[end:], c)
		p.setSlot(i, end, len(c))
	}
	clear(p.buf[p.slotOffset(len(cells)):end])
	p.setCellStart(end)
	p.setFragmented(0)
}

// Reset empties the page keeping its size, and sets new kinds.
func (p *Page) Reset(kind Kind, cellKind CellKind) {
	clear(p.buf)
	p.Init(kind, cellKind)
}

// Append adds a cell after the last slot.
func (p *Page) Append(cell []byte) error {
	return p.InsertCell(p.Count(), cell)
}

// Validate checks the header and every slot against the page bounds.
func (p *Page) Validate() error {
	if len(p.buf) < HeaderSize {
		return dberr.Format("page of %d bytes is smaller than its header", len(p.buf))
	}
	switch p.Kind() {
	case KindLeaf:
		if ck := p.CellKind(); ck != CellRow && ck != CellEntry {
			return dberr.Format("leaf page with cell kind %d", ck)
		}
	case KindInternal:
		if p.CellKind() != CellChild {
			return dberr.Format("internal page with cell kind %d", p.CellKind())
		}
	default:
		return dberr.Format("invalid page kind %#x", p.buf[0])
	}

	count := p.Count()
	start := p.cellStart()
	if p.slotOffset(count) > start || start > len(p.buf) {
		return dberr.Format("cell start %d inconsistent with %d slots", start, count)
	}
	used := 0
	for i := 0; i < count; i++ {
		off, length := p.slot(i)
		if off < start || off+length > len(p.buf) {
			return dberr.Format("slot %d (%d+%d) outside cell region", i, off, length)
		}
		used += length
	}
	if used+p.Fragmented() != len(p.buf)-start {
		return dberr.Format("cell region accounting mismatch: %d used, %d fragmented, %d region",
			used, p.Fragmented(), len(p.buf)-start)
	}
	return nil
}
