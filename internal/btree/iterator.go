package btree

import (
	"bytes"

	"github.com/oda/juicydb/internal/pager"
	"github.com/oda/juicydb/internal/slotted"
)

// Bound is one end of a key range.
type Bound struct {
	Key       []byte
	Exclusive bool
}

// Inclusive returns a bound that includes key.
func Inclusive(key []byte) *Bound {
	return &Bound{Key: key}
}

// Exclusive returns a bound that excludes key.
func Exclusive(key []byte) *Bound {
	return &Bound{Key: key, Exclusive: true}
}

// Iterator walks leaf cells in key order, one page at a time.
// The tree must not be modified while an iterator is in use.
//
//	it := tree.Scan(nil, nil)
//	for it.Next() {
//	    use(it.Key(), it.Payload())
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	tree   *Tree
	low    *Bound
	high   *Bound
	prefix []byte

	page *slotted.Page
	next pager.PageID
	slot int

	key     []byte
	payload []byte
	started bool
	done    bool
	err     error
}

// Scan returns an iterator over keys between low and high. A nil bound is open.
func (t *Tree) Scan(low, high *Bound) *Iterator {
	return &Iterator{tree: t, low: low, high: high}
}

// Seek returns an iterator over every key that starts with prefix.
func (t *Tree) Seek(prefix []byte) *Iterator {
	return &Iterator{tree: t, low: Inclusive(prefix), prefix: prefix}
}

// Next advances to the next key in range and reports whether there is one.
func (it *Iterator) Next() bool {
	if it.done {
		return false
	}
	if !it.started {
		it.started = true
		if !it.position() {
			return false
		}
	}

	for {
		if it.slot >= it.page.Count() {
			if it.next == 0 {
				return it.finish(nil)
			}
			page, err := it.tree.load(it.next)
			if err != nil {
				return it.finish(err)
			}
			if page.Kind() != slotted.KindLeaf {
				return it.finish(errLeafChain(it.next))
			}
			it.page, it.next, it.slot = page, page.Next(), 0
			continue
		}

		key, payload, err := decodeLeafCell(it.page.CellAt(it.slot))
		if err != nil {
			return it.finish(err)
		}
		it.slot++

		if it.prefix != nil && !bytes.HasPrefix(key, it.prefix) {
			return it.finish(nil)
		}
		if it.high != nil {
			c := bytes.Compare(key, it.high.Key)
			if c > 0 || (c == 0 && it.high.Exclusive) {
				return it.finish(nil)
			}
		}
		it.key, it.payload = key, payload
		return true
	}
}

// position loads the leaf holding the low bound and skips keys before it.
func (it *Iterator) position() bool {
	var id pager.PageID
	var slot int
	if it.low == nil {
		leftmost, err := it.tree.leftmostLeaf()
		if err != nil {
			return it.finish(err)
		}
		id = leftmost
	} else {
		leaf, s, found, err := it.tree.Find(it.low.Key)
		if err != nil {
			return it.finish(err)
		}
		id, slot = leaf, s
		if found && it.low.Exclusive {
			slot++
		}
	}

	page, err := it.tree.load(id)
	if err != nil {
		return it.finish(err)
	}
	it.page, it.next, it.slot = page, page.Next(), slot
	return true
}

func (it *Iterator) finish(err error) bool {
	it.done = true
	it.err = err
	it.key, it.payload = nil, nil
	return false
}

// Key returns the current key. It is valid until the next call to Next.
func (it *Iterator) Key() []byte {
	return it.key
}

// Payload returns the current payload. It is valid until the next call to Next.
func (it *Iterator) Payload() []byte {
	return it.payload
}

// Err returns the error that stopped the iteration, if any.
func (it *Iterator) Err() error {
	return it.err
}

func (t *Tree) leftmostLeaf() (pager.PageID, error) {
	id := t.pager.RootPage()
	for {
		page, err := t.load(id)
		if err != nil {
			return 0, err
		}
		if page.Kind() == slotted.KindLeaf {
			return id, nil
		}
		b, err := readBranch(page)
		if err != nil {
			return 0, err
		}
		id = b.children[0]
	}
}
