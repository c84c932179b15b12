// Package pager manages fixed-size page storage on top of a memory-mapped file.
package pager

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/oda/juicydb/internal/dberr"
)

const (
	// DefaultPageSize is the page size used for new files.
	DefaultPageSize = 4096

	// MinPageSize and MaxPageSize bound the configurable page size.
	MinPageSize = 1024
	MaxPageSize = 65536

	// HeaderPageID is the page reserved for the file header.
	HeaderPageID PageID = 0

	// Magic identifies juicydb files ("JUCY").
	Magic uint32 = 0x4A554359

	// Version of the file format.
	Version uint32 = 1

	// PageKindFree marks a page that is linked into the free list.
	PageKindFree byte = 0xF0
)

// PageID is a zero-based page number.
type PageID = uint32

// FileKind tells what kind of tree a file stores.
type FileKind uint8

const (
	KindUnknown FileKind = iota
	KindTable
	KindIndex
)

func (k FileKind) String() string {
	switch k {
	case KindTable:
		return "table"
	case KindIndex:
		return "index"
	default:
		return "unknown"
	}
}

// Header represents the file header stored at page 0.
type Header struct {
	Magic     uint32
	Version   uint32
	PageSize  uint32
	PageCount uint32 // including the header page
	FreeList  PageID // head of the free list, 0 if none
	RootPage  PageID // 0 if the tree has no root yet
	FreeCount uint32
	Kind      FileKind
	Order     uint16
	Schema    []byte // opaque to the pager
}

// Header layout:
// Byte 0-3:   Magic
// Byte 4-7:   Version
// Byte 8-11:  PageSize
// Byte 12-15: PageCount
// Byte 16-19: FreeList
// Byte 20-23: RootPage
// Byte 24-27: FreeCount
// Byte 28:    Kind
// Byte 29:    Reserved
// Byte 30-31: Order
// Byte 32-35: Schema length
// Byte 36-43: xxhash64 of bytes 0-35 and the schema
// Byte 44-:   Schema
const (
	headerFixedSize = 36
	checksumOffset  = 36
	schemaOffset    = 44
)

// MaxSchemaSize returns the largest schema blob a header page can hold.
func MaxSchemaSize(pageSize int) int {
	return pageSize - schemaOffset
}

// Serialize writes the header into a page buffer.
func (h *Header) Serialize(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.Version)
	binary.LittleEndian.PutUint32(buf[8:12], h.PageSize)
	binary.LittleEndian.PutUint32(buf[12:16], h.PageCount)
	binary.LittleEndian.PutUint32(buf[16:20], h.FreeList)
	binary.LittleEndian.PutUint32(buf[20:24], h.RootPage)
	binary.LittleEndian.PutUint32(buf[24:28], h.FreeCount)
	buf[28] = byte(h.Kind)
	buf[29] = 0
	binary.LittleEndian.PutUint16(buf[30:32], h.Order)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(len(h.Schema)))
	copy(buf[schemaOffset:], h.Schema)
	binary.LittleEndian.PutUint64(buf[checksumOffset:schemaOffset], checksum(buf, len(h.Schema)))
}

// Deserialize reads and verifies the header from a page buffer.
func (h *Header) Deserialize(buf []byte) error {
	if len(buf) < schemaOffset {
		return dberr.Format("header truncated: %d bytes", len(buf))
	}
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	if h.Magic != Magic {
		return dberr.Format("bad magic number %#x", h.Magic)
	}
	h.Version = binary.LittleEndian.Uint32(buf[4:8])
	if h.Version != Version {
		return dberr.Format("unsupported version %d (expected %d)", h.Version, Version)
	}
	h.PageSize = binary.LittleEndian.Uint32(buf[8:12])
	h.PageCount = binary.LittleEndian.Uint32(buf[12:16])
	h.FreeList = binary.LittleEndian.Uint32(buf[16:20])
	h.RootPage = binary.LittleEndian.Uint32(buf[20:24])
	h.FreeCount = binary.LittleEndian.Uint32(buf[24:28])
	h.Kind = FileKind(buf[28])
	h.Order = binary.LittleEndian.Uint16(buf[30:32])

	schemaLen := int(binary.LittleEndian.Uint32(buf[32:36]))
	if schemaLen > len(buf)-schemaOffset {
		return dberr.Format("schema length %d exceeds header page", schemaLen)
	}
	want := binary.LittleEndian.Uint64(buf[checksumOffset:schemaOffset])
	if got := checksum(buf, schemaLen); got != want {
		return dberr.Format("header checksum mismatch")
	}
	h.Schema = append([]byte(nil), buf[schemaOffset:schemaOffset+schemaLen]...)

	if !validPageSize(int(h.PageSize)) {
		return dberr.Format("invalid page size %d", h.PageSize)
	}
	if h.PageCount == 0 || h.RootPage >= h.PageCount || h.FreeList >= h.PageCount {
		return dberr.Format("header page numbers out of range")
	}
	return nil
}

func checksum(buf []byte, schemaLen int) uint64 {
	d := xxhash.New()
	_, _ = d.Write(buf[:headerFixedSize])
	_, _ = d.Write(buf[schemaOffset : schemaOffset+schemaLen])
	return d.Sum64()
}

func validPageSize(n int) bool {
	return n >= MinPageSize && n <= MaxPageSize && n&(n-1) == 0
}
