package pager

import (
	"encoding/binary"

	"github.com/golang/groupcache/lru"
	"go.uber.org/zap"

	"github.com/oda/juicydb/internal/dberr"
	"github.com/oda/juicydb/internal/mmap"
)

const (
	// InitialPages is the number of pages a new file is created with.
	InitialPages = 16

	// GrowthFactor determines how much to grow the file when expanding.
	GrowthFactor = 2
)

// Options configure a Pager. Zero values select defaults.
type Options struct {
	// PageSize is used when the file is created; existing files keep theirs.
	PageSize int
	// Kind and Order are recorded in the header of a new file.
	Kind  FileKind
	Order uint16
	// CacheSize is the number of page copies kept in an LRU cache (0 disables it).
	CacheSize int
	Logger    *zap.Logger
}

// Pager translates page numbers to file offsets, reads and writes whole pages,
// and recycles pages through a free list threaded through the freed pages.
//
// A Pager is not safe for concurrent use; the engine assumes one accessor.
type Pager struct {
	path   string
	mmap   *mmap.MMap
	header Header
	cache  *lru.Cache
	log    *zap.Logger
}

// Open opens or creates a page file.
func Open(path string, opts Options) (*Pager, error) {
	if opts.PageSize == 0 {
		opts.PageSize = DefaultPageSize
	}
	if !validPageSize(opts.PageSize) {
		return nil, dberr.Wrapf(dberr.ErrFormat, "invalid page size %d", opts.PageSize)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	m, err := mmap.Open(path, 0)
	if err != nil {
		return nil, dberr.IO(err, "open %s", path)
	}

	p := &Pager{
		path: path,
		mmap: m,
		log:  opts.Logger.With(zap.String("file", path)),
	}
	if opts.CacheSize > 0 {
		p.cache = lru.New(opts.CacheSize)
	}

	if err := p.loadOrInitHeader(opts); err != nil {
		m.Close()
		return nil, err
	}

	p.log.Debug("pager opened",
		zap.Uint32("pageSize", p.header.PageSize),
		zap.Uint32("pageCount", p.header.PageCount),
		zap.Stringer("kind", p.header.Kind))
	return p, nil
}

// loadOrInitHeader loads an existing header or initializes a new file.
func (p *Pager) loadOrInitHeader(opts Options) error {
	if p.mmap.Size() == 0 {
		if err := p.mmap.Grow(int64(InitialPages * opts.PageSize)); err != nil {
			return dberr.IO(err, "initialize %s", p.path)
		}
		p.header = Header{
			Magic:     Magic,
			Version:   Version,
			PageSize:  uint32(opts.PageSize),
			PageCount: 1,
			Kind:      opts.Kind,
			Order:     opts.Order,
		}
		p.writeHeader()
		return nil
	}

	prefix := p.mmap.Slice(0, 12)
	if prefix == nil {
		return dberr.Format("%s: file too small for a header", p.path)
	}
	pageSize := int64(binary.LittleEndian.Uint32(prefix[8:12]))
	if !validPageSize(int(pageSize)) {
		return dberr.Format("%s: invalid page size %d", p.path, pageSize)
	}
	buf := p.mmap.Slice(0, pageSize)
	if buf == nil {
		return dberr.Format("%s: file shorter than one page", p.path)
	}
	if err := p.header.Deserialize(buf); err != nil {
		return dberr.Wrapf(err, "%s", p.path)
	}
	if int64(p.header.PageCount)*pageSize > p.mmap.Size() {
		return dberr.Format("%s: page count %d exceeds file size", p.path, p.header.PageCount)
	}
	return nil
}

// writeHeader writes the header to page 0.
func (p *Pager) writeHeader() {
	buf := p.mmap.Slice(0, int64(p.header.PageSize))
	clear(buf[:schemaOffset])
	p.header.Serialize(buf)
}

func (p *Pager) pageSlice(id PageID) []byte {
	size := int64(p.header.PageSize)
	return p.mmap.Slice(int64(id)*size, size)
}

func (p *Pager) checkID(id PageID, op string) error {
	if p.mmap == nil {
		return dberr.Wrapf(dberr.ErrClosed, "%s page %d", op, id)
	}
	if id == HeaderPageID {
		return dberr.IO(nil, "%s page 0: reserved for the file header", op)
	}
	if id >= p.header.PageCount {
		return dberr.IO(nil, "%s page %d: out of bounds (page count %d)", op, id, p.header.PageCount)
	}
	return nil
}

// Close syncs and closes the underlying file.
func (p *Pager) Close() error {
	if p.mmap == nil {
		return nil
	}
	err := p.mmap.Sync()
	if cerr := p.mmap.Close(); err == nil {
		err = cerr
	}
	p.mmap = nil
	if err != nil {
		return dberr.IO(err, "close %s", p.path)
	}
	return nil
}

// Sync flushes all changes to disk.
func (p *Pager) Sync() error {
	if p.mmap == nil {
		return dberr.Wrapf(dberr.ErrClosed, "sync %s", p.path)
	}
	p.writeHeader()
	if err := p.mmap.Sync(); err != nil {
		return dberr.IO(err, "sync %s", p.path)
	}
	return nil
}

// PageSize returns the file's page size in bytes.
func (p *Pager) PageSize() int {
	return int(p.header.PageSize)
}

// ReadPage returns a private copy of the page.
func (p *Pager) ReadPage(id PageID) ([]byte, error) {
	if err := p.checkID(id, "read"); err != nil {
		return nil, err
	}
	if p.cache != nil {
		if v, ok := p.cache.Get(id); ok {
			return append([]byte(nil), v.([]byte)...), nil
		}
	}
	src := p.pageSlice(id)
	if src == nil {
		return nil, dberr.IO(nil, "read page %d: beyond mapped file", id)
	}
	buf := append([]byte(nil), src...)
	if p.cache != nil {
		p.cache.Add(id, append([]byte(nil), buf...))
	}
	return buf, nil
}

// WritePage replaces the page's contents with buf.
func (p *Pager) WritePage(id PageID, buf []byte) error {
	if err := p.checkID(id, "write"); err != nil {
		return err
	}
	if len(buf) != int(p.header.PageSize) {
		return dberr.IO(nil, "write page %d: buffer is %d bytes, page size is %d", id, len(buf), p.header.PageSize)
	}
	dst := p.pageSlice(id)
	if dst == nil {
		return dberr.IO(nil, "write page %d: beyond mapped file", id)
	}
	copy(dst, buf)
	if p.cache != nil {
		p.cache.Add(id, append([]byte(nil), buf...))
	}
	return nil
}

// AllocatePage returns a zeroed page, reusing the free-list head when there is one.
func (p *Pager) AllocatePage() (PageID, error) {
	if p.mmap == nil {
		return 0, dberr.Wrapf(dberr.ErrClosed, "allocate in %s", p.path)
	}

	if p.header.FreeList != 0 {
		pageID := p.header.FreeList
		data := p.pageSlice(pageID)
		if data == nil || data[0] != PageKindFree {
			return 0, dberr.Format("free list head %d is not a free page", pageID)
		}
		nextFree := binary.LittleEndian.Uint32(data[4:8])
		if nextFree >= p.header.PageCount {
			return 0, dberr.Format("free page %d links to out-of-range page %d", pageID, nextFree)
		}

		p.header.FreeList = nextFree
		p.header.FreeCount--
		p.writeHeader()

		clear(data)
		if p.cache != nil {
			p.cache.Remove(pageID)
		}
		return pageID, nil
	}

	newPageID := p.header.PageCount
	if newPageID == ^PageID(0) {
		return 0, dberr.IO(nil, "allocate in %s: page numbers exhausted", p.path)
	}
	size := int64(p.header.PageSize)
	requiredSize := int64(newPageID+1) * size

	if requiredSize > p.mmap.Size() {
		newSize := p.mmap.Size() * GrowthFactor
		for newSize < requiredSize {
			newSize *= GrowthFactor
		}
		if err := p.mmap.Grow(newSize); err != nil {
			return 0, dberr.IO(err, "grow %s", p.path)
		}
		p.log.Debug("file grown", zap.Int64("bytes", newSize))
	}

	p.header.PageCount++
	p.writeHeader()

	clear(p.pageSlice(newPageID))
	return newPageID, nil
}

// FreePage pushes a page onto the free list.
func (p *Pager) FreePage(id PageID) error {
	if err := p.checkID(id, "free"); err != nil {
		return err
	}
	data := p.pageSlice(id)
	if data[0] == PageKindFree {
		return dberr.Format("double free of page %d", id)
	}

	clear(data)
	data[0] = PageKindFree
	binary.LittleEndian.PutUint32(data[4:8], p.header.FreeList)

	p.header.FreeList = id
	p.header.FreeCount++
	p.writeHeader()

	if p.cache != nil {
		p.cache.Remove(id)
	}
	return nil
}

// FreePages walks the free list and returns its pages head first.
func (p *Pager) FreePages() ([]PageID, error) {
	var pages []PageID
	for id := p.header.FreeList; id != 0; {
		if len(pages) > int(p.header.FreeCount) {
			return nil, dberr.Format("free list cycle at page %d", id)
		}
		data := p.pageSlice(id)
		if data == nil || data[0] != PageKindFree {
			return nil, dberr.Format("free list entry %d is not a free page", id)
		}
		pages = append(pages, id)
		id = binary.LittleEndian.Uint32(data[4:8])
	}
	return pages, nil
}

// RootPage returns the tree's root page, 0 if none.
func (p *Pager) RootPage() PageID {
	return p.header.RootPage
}

// SetRootPage records the tree's root page.
func (p *Pager) SetRootPage(id PageID) {
	p.header.RootPage = id
	p.writeHeader()
}

// Schema returns the schema blob stored in the header.
func (p *Pager) Schema() []byte {
	return append([]byte(nil), p.header.Schema...)
}

// SetSchema stores an opaque schema blob in the header.
func (p *Pager) SetSchema(b []byte) error {
	if len(b) > MaxSchemaSize(int(p.header.PageSize)) {
		return dberr.Wrapf(dberr.ErrRecordTooLarge, "schema of %d bytes does not fit the header page", len(b))
	}
	p.header.Schema = append([]byte(nil), b...)
	p.writeHeader()
	return nil
}

// Kind returns the file kind recorded in the header.
func (p *Pager) Kind() FileKind {
	return p.header.Kind
}

// Order returns the tree order recorded in the header.
func (p *Pager) Order() uint16 {
	return p.header.Order
}

// SetOrder records the tree order in the header.
func (p *Pager) SetOrder(order uint16) {
	p.header.Order = order
	p.writeHeader()
}

// PageCount returns the total number of pages, including the header page.
func (p *Pager) PageCount() uint32 {
	return p.header.PageCount
}

// FreeCount returns the number of pages on the free list.
func (p *Pager) FreeCount() uint32 {
	return p.header.FreeCount
}

// Path returns the file path.
func (p *Pager) Path() string {
	return p.path
}
