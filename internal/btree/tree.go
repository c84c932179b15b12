// Package btree implements an on-disk B+tree over slotted pages.
//
// Keys are opaque byte strings ordered by bytes.Compare; callers encode them
// with an order-preserving codec. Leaves hold (key, payload) cells and are
// chained through their next pointer. Internal nodes hold (child, separator)
// cells, with the right-most child in the page header.
//
// Nodes never reference each other in memory: every hop is a page number
// resolved through the pager, and every page is read as a private copy.
//
// A Tree is not safe for concurrent use.
package btree

import (
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/oda/juicydb/internal/dberr"
	"github.com/oda/juicydb/internal/pager"
	"github.com/oda/juicydb/internal/slotted"
)

const (
	// MinOrder is the smallest supported fan-out.
	MinOrder = 3

	// DefaultMaxCell is the target maximum cell size used to derive the
	// order when none is configured.
	DefaultMaxCell = 512

	// minCellSize is the smallest maximum cell size an explicit order may leave.
	minCellSize = 32

	// keyOverhead bounds the bytes a cell adds around its key.
	keyOverhead = 8
)

// Options configure a Tree. Zero values select defaults.
type Options struct {
	// Order is the maximum number of entries per node. It is recorded in
	// the file on creation; an existing file keeps its own.
	Order int
	// CellKind is the leaf cell kind (slotted.CellRow or slotted.CellEntry).
	CellKind slotted.CellKind
	// FormatKey renders keys for Dump and error messages.
	FormatKey func([]byte) string
	Logger    *zap.Logger
}

// Tree is a B+tree rooted at the pager's root page.
type Tree struct {
	pager     *pager.Pager
	order     int
	minFill   int
	maxCell   int
	maxKey    int
	cellKind  slotted.CellKind
	formatKey func([]byte) string
	log       *zap.Logger
}

// Open binds a tree to p, creating an empty root leaf for a new file.
func Open(p *pager.Pager, opts Options) (*Tree, error) {
	if opts.CellKind == 0 {
		opts.CellKind = slotted.CellRow
	}
	if opts.CellKind != slotted.CellRow && opts.CellKind != slotted.CellEntry {
		return nil, dberr.Wrapf(dberr.ErrConfig, "leaf cell kind %v", opts.CellKind)
	}
	if opts.FormatKey == nil {
		opts.FormatKey = func(k []byte) string { return fmt.Sprintf("%x", k) }
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	order := int(p.Order())
	if order == 0 {
		order = opts.Order
	}
	order, maxCell, err := Layout(p.PageSize(), order)
	if err != nil {
		return nil, err
	}

	t := &Tree{
		pager:     p,
		order:     order,
		minFill:   (order + 1) / 2,
		maxCell:   maxCell,
		maxKey:    maxCell - keyOverhead,
		cellKind:  opts.CellKind,
		formatKey: opts.FormatKey,
		log:       opts.Logger.With(zap.String("tree", p.Path())),
	}
	if int(p.Order()) != order {
		p.SetOrder(uint16(order))
	}

	if p.RootPage() == 0 {
		id, err := t.newPage()
		if err != nil {
			return nil, err
		}
		page := slotted.Wrap(make([]byte, p.PageSize()))
		page.Init(slotted.KindLeaf, t.cellKind)
		if err := t.store(id, page); err != nil {
			return nil, err
		}
		p.SetRootPage(id)
		t.log.Debug("root created", zap.Uint32("page", id))
		return t, nil
	}

	root, err := t.load(p.RootPage())
	if err != nil {
		return nil, err
	}
	if root.Kind() == slotted.KindLeaf && root.CellKind() != t.cellKind {
		return nil, dberr.Format("root leaf holds %v cells, want %v", root.CellKind(), t.cellKind)
	}
	return t, nil
}

// Layout returns the order and maximum cell size for a page size. An order
// of 0 derives one from DefaultMaxCell. Every node of the returned order fits
// into a page when each of its cells is at most the returned size.
func Layout(pageSize, order int) (int, int, error) {
	usable := slotted.Capacity(pageSize)
	if order == 0 {
		order = max(4, usable/(DefaultMaxCell+slotted.SlotSize))
	}
	maxCell := usable/order - slotted.SlotSize
	if order < MinOrder || order > math.MaxUint16 || maxCell < minCellSize {
		return 0, 0, dberr.Wrapf(dberr.ErrConfig, "order %d does not fit page size %d", order, pageSize)
	}
	return order, maxCell, nil
}

// Order returns the maximum number of entries per node.
func (t *Tree) Order() int {
	return t.order
}

// MaxCell returns the largest leaf cell the tree accepts.
func (t *Tree) MaxCell() int {
	return t.maxCell
}

// Root returns the root page number.
func (t *Tree) Root() pager.PageID {
	return t.pager.RootPage()
}

func (t *Tree) load(id pager.PageID) (*slotted.Page, error) {
	buf, err := t.pager.ReadPage(id)
	if err != nil {
		return nil, err
	}
	page, err := slotted.Load(buf)
	if err != nil {
		return nil, dberr.Wrapf(err, "page %d", id)
	}
	if page.Kind() == slotted.KindLeaf && page.CellKind() != t.cellKind {
		return nil, dberr.Format("page %d: leaf holds %v cells, want %v", id, page.CellKind(), t.cellKind)
	}
	return page, nil
}

func (t *Tree) store(id pager.PageID, page *slotted.Page) error {
	return t.pager.WritePage(id, page.Bytes())
}

func (t *Tree) newPage() (pager.PageID, error) {
	return t.pager.AllocatePage()
}

func (t *Tree) blankPage() *slotted.Page {
	return slotted.Wrap(make([]byte, t.pager.PageSize()))
}

// Find descends to the leaf that holds or would hold key.
// It returns the leaf page, the slot of the first key >= key, and whether key is present.
func (t *Tree) Find(key []byte) (pager.PageID, int, bool, error) {
	id := t.pager.RootPage()
	for {
		page, err := t.load(id)
		if err != nil {
			return 0, 0, false, err
		}
		if page.Kind() == slotted.KindLeaf {
			slot, found, err := searchLeaf(page, key)
			if err != nil {
				return 0, 0, false, dberr.Wrapf(err, "page %d", id)
			}
			return id, slot, found, nil
		}
		b, err := readBranch(page)
		if err != nil {
			return 0, 0, false, dberr.Wrapf(err, "page %d", id)
		}
		id = b.children[b.childIndex(key)]
	}
}

// Get returns a copy of the payload stored under key.
func (t *Tree) Get(key []byte) ([]byte, error) {
	id, slot, found, err := t.Find(key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, dberr.Wrapf(dberr.ErrNotFound, "key %s", t.formatKey(key))
	}
	page, err := t.load(id)
	if err != nil {
		return nil, err
	}
	_, payload, err := decodeLeafCell(page.CellAt(slot))
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), payload...), nil
}

// Has reports whether key is present.
func (t *Tree) Has(key []byte) (bool, error) {
	_, _, found, err := t.Find(key)
	return found, err
}

// Insert adds key with payload. An existing key fails with ErrDuplicateKey
// and leaves the tree unchanged.
func (t *Tree) Insert(key, payload []byte) error {
	if len(key) > t.maxKey {
		return dberr.Wrapf(dberr.ErrRecordTooLarge, "key of %d bytes exceeds %d", len(key), t.maxKey)
	}
	cell := encodeLeafCell(key, payload)
	if len(cell) > t.maxCell {
		return dberr.Wrapf(dberr.ErrRecordTooLarge, "cell of %d bytes exceeds %d", len(cell), t.maxCell)
	}

	rootID := t.pager.RootPage()
	sep, rightID, err := t.insert(rootID, key, cell)
	if err != nil {
		return err
	}
	if rightID == 0 {
		return nil
	}

	// Root was split - grow a new root above both halves
	newRootID, err := t.newPage()
	if err != nil {
		return err
	}
	root := &branch{keys: [][]byte{sep}, children: []pager.PageID{rootID, rightID}}
	page := t.blankPage()
	if err := root.write(page); err != nil {
		return err
	}
	if err := t.store(newRootID, page); err != nil {
		return err
	}
	t.pager.SetRootPage(newRootID)
	t.log.Debug("root split",
		zap.Uint32("oldRoot", rootID),
		zap.Uint32("newRoot", newRootID),
		zap.String("separator", t.formatKey(sep)))
	return nil
}

// insert recursively inserts a cell below page id.
// Returns (separator, newPageID); a non-zero newPageID means the node split
// and the new right sibling must be linked into the parent.
func (t *Tree) insert(id pager.PageID, key, cell []byte) ([]byte, pager.PageID, error) {
	page, err := t.load(id)
	if err != nil {
		return nil, 0, err
	}
	if page.Kind() == slotted.KindLeaf {
		return t.insertLeaf(id, page, key, cell)
	}

	b, err := readBranch(page)
	if err != nil {
		return nil, 0, dberr.Wrapf(err, "page %d", id)
	}
	i := b.childIndex(key)
	sep, newChild, err := t.insert(b.children[i], key, cell)
	if err != nil || newChild == 0 {
		return nil, 0, err
	}

	b.insertChild(i, sep, newChild)
	if len(b.children) <= t.order {
		if err := b.write(page); err != nil {
			return nil, 0, err
		}
		return nil, 0, t.store(id, page)
	}
	return t.splitInternal(id, page, b)
}

func (t *Tree) insertLeaf(id pager.PageID, page *slotted.Page, key, cell []byte) ([]byte, pager.PageID, error) {
	slot, found, err := searchLeaf(page, key)
	if err != nil {
		return nil, 0, dberr.Wrapf(err, "page %d", id)
	}
	if found {
		return nil, 0, dberr.Wrapf(dberr.ErrDuplicateKey, "key %s", t.formatKey(key))
	}

	if page.Count() < t.order {
		err := page.InsertCell(slot, cell)
		if err == nil {
			return nil, 0, t.store(id, page)
		}
		if !dberr.Is(err, dberr.ErrNoSpace) {
			return nil, 0, err
		}
	}

	cells := insertCell(page.Cells(), slot, cell)
	return t.splitLeaf(id, page, cells)
}

// splitLeaf distributes cells over the leaf and a new right sibling.
// The left half keeps floor(n/2) cells; the separator is the right half's first key.
func (t *Tree) splitLeaf(id pager.PageID, page *slotted.Page, cells [][]byte) ([]byte, pager.PageID, error) {
	rightID, err := t.newPage()
	if err != nil {
		return nil, 0, err
	}
	mid := len(cells) / 2

	right := t.blankPage()
	if err := writeLeaf(right, t.cellKind, cells[mid:], page.Next()); err != nil {
		return nil, 0, err
	}
	if err := writeLeaf(page, t.cellKind, cells[:mid], rightID); err != nil {
		return nil, 0, err
	}
	if err := t.store(rightID, right); err != nil {
		return nil, 0, err
	}
	if err := t.store(id, page); err != nil {
		return nil, 0, err
	}

	sep, err := leafCellKey(cells[mid])
	if err != nil {
		return nil, 0, err
	}
	sep = append([]byte(nil), sep...)
	t.log.Debug("leaf split",
		zap.Uint32("page", id),
		zap.Uint32("right", rightID),
		zap.Int("left", mid),
		zap.Int("rightCells", len(cells)-mid))
	return sep, rightID, nil
}

// splitInternal splits an over-full branch, promoting its middle separator.
func (t *Tree) splitInternal(id pager.PageID, page *slotted.Page, b *branch) ([]byte, pager.PageID, error) {
	rightID, err := t.newPage()
	if err != nil {
		return nil, 0, err
	}
	mid := len(b.children) / 2
	promoted := b.keys[mid-1]

	left := &branch{keys: b.keys[:mid-1], children: b.children[:mid]}
	rightBranch := &branch{keys: b.keys[mid:], children: b.children[mid:]}

	right := t.blankPage()
	if err := rightBranch.write(right); err != nil {
		return nil, 0, err
	}
	if err := left.write(page); err != nil {
		return nil, 0, err
	}
	if err := t.store(rightID, right); err != nil {
		return nil, 0, err
	}
	if err := t.store(id, page); err != nil {
		return nil, 0, err
	}

	t.log.Debug("internal split",
		zap.Uint32("page", id),
		zap.Uint32("right", rightID),
		zap.String("promoted", t.formatKey(promoted)))
	return promoted, rightID, nil
}

// Delete removes key. A missing key fails with ErrNotFound and leaves the tree unchanged.
func (t *Tree) Delete(key []byte) error {
	rootID := t.pager.RootPage()
	if _, err := t.delete(rootID, key); err != nil {
		return err
	}

	// An internal root left with a single child is replaced by that child
	root, err := t.load(rootID)
	if err != nil {
		return err
	}
	if root.Kind() == slotted.KindInternal && root.Count() == 0 {
		t.pager.SetRootPage(root.Next())
		if err := t.pager.FreePage(rootID); err != nil {
			return err
		}
		t.log.Debug("root collapsed", zap.Uint32("oldRoot", rootID), zap.Uint32("newRoot", root.Next()))
	}
	return nil
}

// delete recursively removes key below page id.
// Returns whether the node fell below minimum occupancy.
func (t *Tree) delete(id pager.PageID, key []byte) (bool, error) {
	page, err := t.load(id)
	if err != nil {
		return false, err
	}

	if page.Kind() == slotted.KindLeaf {
		slot, found, err := searchLeaf(page, key)
		if err != nil {
			return false, dberr.Wrapf(err, "page %d", id)
		}
		if !found {
			return false, dberr.Wrapf(dberr.ErrNotFound, "key %s", t.formatKey(key))
		}
		page.RemoveCell(slot)
		if err := t.store(id, page); err != nil {
			return false, err
		}
		return page.Count() < t.minFill, nil
	}

	b, err := readBranch(page)
	if err != nil {
		return false, dberr.Wrapf(err, "page %d", id)
	}
	i := b.childIndex(key)
	underflow, err := t.delete(b.children[i], key)
	if err != nil || !underflow {
		return false, err
	}

	if err := t.rebalance(b, i); err != nil {
		return false, err
	}
	if err := b.write(page); err != nil {
		return false, err
	}
	if err := t.store(id, page); err != nil {
		return false, err
	}
	return len(b.children) < t.minFill, nil
}

// rebalance restores occupancy of child i of parent: borrow from the left
// sibling, else from the right sibling, else merge with a sibling.
// The caller writes parent back.
func (t *Tree) rebalance(parent *branch, i int) error {
	childID := parent.children[i]
	child, err := t.load(childID)
	if err != nil {
		return err
	}
	if child.Kind() == slotted.KindLeaf {
		return t.rebalanceLeaf(parent, i, childID, child)
	}
	return t.rebalanceInternal(parent, i, childID, child)
}

func (t *Tree) rebalanceLeaf(parent *branch, i int, childID pager.PageID, child *slotted.Page) error {
	if i > 0 {
		leftID := parent.children[i-1]
		left, err := t.load(leftID)
		if err != nil {
			return err
		}
		if left.Count() > t.minFill {
			last := left.Count() - 1
			moved := append([]byte(nil), left.CellAt(last)...)
			left.RemoveCell(last)
			if err := child.InsertCell(0, moved); err != nil {
				return err
			}
			sep, err := leafCellKey(moved)
			if err != nil {
				return err
			}
			parent.keys[i-1] = append([]byte(nil), sep...)
			t.log.Debug("leaf borrowed from left", zap.Uint32("page", childID), zap.Uint32("left", leftID))
			return t.storeBoth(leftID, left, childID, child)
		}
	}

	if i < len(parent.children)-1 {
		rightID := parent.children[i+1]
		right, err := t.load(rightID)
		if err != nil {
			return err
		}
		if right.Count() > t.minFill {
			moved := append([]byte(nil), right.CellAt(0)...)
			right.RemoveCell(0)
			if err := child.Append(moved); err != nil {
				return err
			}
			sep, err := leafCellKey(right.CellAt(0))
			if err != nil {
				return err
			}
			parent.keys[i] = append([]byte(nil), sep...)
			t.log.Debug("leaf borrowed from right", zap.Uint32("page", childID), zap.Uint32("right", rightID))
			return t.storeBoth(childID, child, rightID, right)
		}
	}

	// Merge right into left, then drop the right page
	li := i
	if i > 0 {
		li = i - 1
	}
	leftID, rightID := parent.children[li], parent.children[li+1]
	left, right := child, child
	var err error
	if li == i {
		right, err = t.load(rightID)
	} else {
		left, err = t.load(leftID)
	}
	if err != nil {
		return err
	}
	cells := append(left.Cells(), right.Cells()...)
	return t.mergeLeaves(parent, li, leftID, left, rightID, right, cells)
}

func (t *Tree) mergeLeaves(parent *branch, li int, leftID pager.PageID, left *slotted.Page,
	rightID pager.PageID, right *slotted.Page, cells [][]byte) error {
	if err := writeLeaf(left, t.cellKind, cells, right.Next()); err != nil {
		return err
	}
	if err := t.store(leftID, left); err != nil {
		return err
	}
	if err := t.pager.FreePage(rightID); err != nil {
		return err
	}
	parent.removeChild(li)
	t.log.Debug("leaves merged", zap.Uint32("page", leftID), zap.Uint32("freed", rightID), zap.Int("cells", len(cells)))
	return nil
}

func (t *Tree) rebalanceInternal(parent *branch, i int, childID pager.PageID, childPage *slotted.Page) error {
	child, err := readBranch(childPage)
	if err != nil {
		return dberr.Wrapf(err, "page %d", childID)
	}

	if i > 0 {
		leftID := parent.children[i-1]
		leftPage, err := t.load(leftID)
		if err != nil {
			return err
		}
		left, err := readBranch(leftPage)
		if err != nil {
			return dberr.Wrapf(err, "page %d", leftID)
		}
		if len(left.children) > t.minFill {
			// Rotate right: the parent separator moves down, the left's last key moves up
			last := len(left.keys) - 1
			child.keys = append([][]byte{parent.keys[i-1]}, child.keys...)
			child.children = append([]pager.PageID{left.children[last+1]}, child.children...)
			parent.keys[i-1] = left.keys[last]
			left.keys = left.keys[:last]
			left.children = left.children[:last+1]
			t.log.Debug("internal borrowed from left", zap.Uint32("page", childID), zap.Uint32("left", leftID))
			return t.storeBranches(leftID, leftPage, left, childID, childPage, child)
		}
	}

	if i < len(parent.children)-1 {
		rightID := parent.children[i+1]
		rightPage, err := t.load(rightID)
		if err != nil {
			return err
		}
		right, err := readBranch(rightPage)
		if err != nil {
			return dberr.Wrapf(err, "page %d", rightID)
		}
		if len(right.children) > t.minFill {
			// Rotate left: the parent separator moves down, the right's first key moves up
			child.keys = append(child.keys, parent.keys[i])
			child.children = append(child.children, right.children[0])
			parent.keys[i] = right.keys[0]
			right.keys = right.keys[1:]
			right.children = right.children[1:]
			t.log.Debug("internal borrowed from right", zap.Uint32("page", childID), zap.Uint32("right", rightID))
			return t.storeBranches(childID, childPage, child, rightID, rightPage, right)
		}
	}

	li := i
	if i > 0 {
		li = i - 1
	}
	leftID, rightID := parent.children[li], parent.children[li+1]
	var left, right *branch
	var leftPage *slotted.Page
	if li == i {
		left, leftPage = child, childPage
		rightPage, err := t.load(rightID)
		if err != nil {
			return err
		}
		if right, err = readBranch(rightPage); err != nil {
			return dberr.Wrapf(err, "page %d", rightID)
		}
	} else {
		right = child
		if leftPage, err = t.load(leftID); err != nil {
			return err
		}
		if left, err = readBranch(leftPage); err != nil {
			return dberr.Wrapf(err, "page %d", leftID)
		}
	}

	// The separator between the two comes down between their key ranges
	merged := &branch{
		keys:     append(append(append([][]byte(nil), left.keys...), parent.keys[li]), right.keys...),
		children: append(append([]pager.PageID(nil), left.children...), right.children...),
	}
	if err := merged.write(leftPage); err != nil {
		return err
	}
	if err := t.store(leftID, leftPage); err != nil {
		return err
	}
	if err := t.pager.FreePage(rightID); err != nil {
		return err
	}
	parent.removeChild(li)
	t.log.Debug("internal nodes merged", zap.Uint32("page", leftID), zap.Uint32("freed", rightID))
	return nil
}

func (t *Tree) storeBoth(aID pager.PageID, a *slotted.Page, bID pager.PageID, b *slotted.Page) error {
	if err := t.store(aID, a); err != nil {
		return err
	}
	return t.store(bID, b)
}

func (t *Tree) storeBranches(aID pager.PageID, aPage *slotted.Page, a *branch,
	bID pager.PageID, bPage *slotted.Page, b *branch) error {
	if err := a.write(aPage); err != nil {
		return err
	}
	if err := b.write(bPage); err != nil {
		return err
	}
	return t.storeBoth(aID, aPage, bID, bPage)
}
