package pager

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/oda/juicydb/internal/dberr"
)

func openTemp(t *testing.T, opts Options) (*Pager, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	p, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return p, path
}

func TestOpenClose(t *testing.T) {
	p, _ := openTemp(t, Options{Kind: KindTable, Order: 8})

	if p.PageCount() != 1 {
		t.Errorf("expected page count 1, got %d", p.PageCount())
	}
	if p.PageSize() != DefaultPageSize {
		t.Errorf("expected page size %d, got %d", DefaultPageSize, p.PageSize())
	}
	if p.Kind() != KindTable || p.Order() != 8 {
		t.Errorf("unexpected kind/order %v/%d", p.Kind(), p.Order())
	}

	if err := p.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}

func TestInvalidPageSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	for _, size := range []int{100, 3000, 1 << 17} {
		if _, err := Open(path, Options{PageSize: size}); !errors.Is(err, dberr.ErrFormat) {
			t.Errorf("page size %d: expected ErrFormat, got %v", size, err)
		}
	}
}

func TestAllocatePage(t *testing.T) {
	p, _ := openTemp(t, Options{})
	defer p.Close()

	// Page 0 is the header, so allocation starts at 1
	id1, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage failed: %v", err)
	}
	if id1 != 1 {
		t.Errorf("expected page ID 1, got %d", id1)
	}

	id2, err := p.AllocatePage()
	if err != nil {
		t.Fatalf("AllocatePage failed: %v", err)
	}
	if id2 != 2 {
		t.Errorf("expected page ID 2, got %d", id2)
	}

	if p.PageCount() != 3 {
		t.Errorf("expected page count 3, got %d", p.PageCount())
	}
}

func TestReadWritePage(t *testing.T) {
	for _, cacheSize := range []int{0, 4} {
		p, _ := openTemp(t, Options{PageSize: 1024, CacheSize: cacheSize})

		id, err := p.AllocatePage()
		if err != nil {
			t.Fatalf("AllocatePage failed: %v", err)
		}

		page, err := p.ReadPage(id)
		if err != nil {
			t.Fatalf("ReadPage failed: %v", err)
		}
		if len(page) != 1024 {
			t.Errorf("expected page size 1024, got %d", len(page))
		}

		copy(page[0:5], "hello")
		// ReadPage returns a copy, nothing is visible before WritePage
		again, _ := p.ReadPage(id)
		if string(again[0:5]) == "hello" {
			t.Error("mutating a read buffer must not change the page")
		}

		if err := p.WritePage(id, page); err != nil {
			t.Fatalf("WritePage failed: %v", err)
		}
		again, _ = p.ReadPage(id)
		if string(again[0:5]) != "hello" {
			t.Errorf("cache=%d: expected written data, got %q", cacheSize, again[0:5])
		}

		p.Close()
	}
}

func TestOutOfBounds(t *testing.T) {
	p, _ := openTemp(t, Options{})
	defer p.Close()

	if _, err := p.ReadPage(0); !errors.Is(err, dberr.ErrIO) {
		t.Errorf("reading header page: expected ErrIO, got %v", err)
	}
	if _, err := p.ReadPage(5); !errors.Is(err, dberr.ErrIO) {
		t.Errorf("reading unallocated page: expected ErrIO, got %v", err)
	}

	id, _ := p.AllocatePage()
	if err := p.WritePage(id, make([]byte, 10)); !errors.Is(err, dberr.ErrIO) {
		t.Errorf("short write: expected ErrIO, got %v", err)
	}
	if err := p.WritePage(id+1, make([]byte, p.PageSize())); !errors.Is(err, dberr.ErrIO) {
		t.Errorf("write past end: expected ErrIO, got %v", err)
	}
}

func TestFreeListReuse(t *testing.T) {
	p, _ := openTemp(t, Options{CacheSize: 8})
	defer p.Close()

	var ids []PageID
	for i := 0; i < 4; i++ {
		id, err := p.AllocatePage()
		if err != nil {
			t.Fatalf("AllocatePage failed: %v", err)
		}
		ids = append(ids, id)
	}

	buf := make([]byte, p.PageSize())
	buf[0] = 1
	if err := p.WritePage(ids[1], buf); err != nil {
		t.Fatalf("WritePage failed: %v", err)
	}

	if err := p.FreePage(ids[1]); err != nil {
		t.Fatalf("FreePage failed: %v", err)
	}
	if err := p.FreePage(ids[3]); err != nil {
		t.Fatalf("FreePage failed: %v", err)
	}
	if err := p.FreePage(ids[3]); !errors.Is(err, dberr.ErrFormat) {
		t.Errorf("double free: expected ErrFormat, got %v", err)
	}

	free, err := p.FreePages()
	if err != nil {
		t.Fatalf("FreePages failed: %v", err)
	}
	if len(free) != 2 || free[0] != ids[3] || free[1] != ids[1] {
		t.Errorf("unexpected free list %v", free)
	}

	// LIFO reuse, and reused pages come back zeroed
	id, _ := p.AllocatePage()
	if id != ids[3] {
		t.Errorf("expected reuse of %d, got %d", ids[3], id)
	}
	id, _ = p.AllocatePage()
	if id != ids[1] {
		t.Errorf("expected reuse of %d, got %d", ids[1], id)
	}
	page, _ := p.ReadPage(id)
	for i, b := range page {
		if b != 0 {
			t.Fatalf("reused page not zeroed at byte %d", i)
		}
	}

	if p.FreeCount() != 0 || p.PageCount() != 5 {
		t.Errorf("expected 0 free / 5 pages, got %d / %d", p.FreeCount(), p.PageCount())
	}
}

func TestPersistence(t *testing.T) {
	p1, path := openTemp(t, Options{PageSize: 2048, Kind: KindIndex, Order: 6})

	id, _ := p1.AllocatePage()
	page, _ := p1.ReadPage(id)
	copy(page[0:5], "hello")
	p1.WritePage(id, page)
	p1.SetRootPage(id)
	if err := p1.SetSchema([]byte("schema")); err != nil {
		t.Fatalf("SetSchema failed: %v", err)
	}
	free, _ := p1.AllocatePage()
	p1.FreePage(free)
	p1.Sync()
	p1.Close()

	// Page size of an existing file wins over options
	p2, err := Open(path, Options{PageSize: 4096})
	if err != nil {
		t.Fatalf("Reopen failed: %v", err)
	}
	defer p2.Close()

	if p2.PageSize() != 2048 {
		t.Errorf("expected page size 2048, got %d", p2.PageSize())
	}
	if p2.RootPage() != id {
		t.Errorf("root page should be %d, got %d", id, p2.RootPage())
	}
	if string(p2.Schema()) != "schema" {
		t.Errorf("schema should persist, got %q", p2.Schema())
	}
	if p2.Kind() != KindIndex || p2.Order() != 6 || p2.FreeCount() != 1 {
		t.Errorf("header fields lost: kind=%v order=%d free=%d", p2.Kind(), p2.Order(), p2.FreeCount())
	}

	page2, _ := p2.ReadPage(id)
	if string(page2[0:5]) != "hello" {
		t.Errorf("data should persist, got '%s'", string(page2[0:5]))
	}
}

func TestCorruptHeader(t *testing.T) {
	p, path := openTemp(t, Options{})
	p.Close()

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open raw file: %v", err)
	}
	// Flip a byte inside the checksummed region
	if _, err := f.WriteAt([]byte{0xFF}, 20); err != nil {
		t.Fatalf("corrupt: %v", err)
	}
	f.Close()

	if _, err := Open(path, Options{}); !errors.Is(err, dberr.ErrFormat) {
		t.Fatalf("expected ErrFormat for corrupt header, got %v", err)
	}
}

func TestSchemaTooLarge(t *testing.T) {
	p, _ := openTemp(t, Options{PageSize: 1024})
	defer p.Close()

	if err := p.SetSchema(make([]byte, 1024)); !errors.Is(err, dberr.ErrRecordTooLarge) {
		t.Errorf("expected ErrRecordTooLarge, got %v", err)
	}
}

func TestGrowth(t *testing.T) {
	p, _ := openTemp(t, Options{})
	defer p.Close()

	// The file starts with InitialPages pages
	for i := 0; i < 300; i++ {
		_, err := p.AllocatePage()
		if err != nil {
			t.Fatalf("AllocatePage failed at %d: %v", i, err)
		}
	}

	if p.PageCount() != 301 {
		t.Errorf("expected page count 301, got %d", p.PageCount())
	}
}
