package btree

import (
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/xlab/treeprint"

	"github.com/oda/juicydb/internal/dberr"
	"github.com/oda/juicydb/internal/pager"
	"github.com/oda/juicydb/internal/slotted"
)

func errLeafChain(id pager.PageID) error {
	return dberr.Format("leaf chain reaches non-leaf page %d", id)
}

// Stats summarizes the shape of a tree.
type Stats struct {
	Order     int
	MaxCell   int
	Height    int
	Entries   int
	Leaves    int
	Internals int
	FreePages int
	PageCount int
	// Fill is the mean ratio of entries to order over all nodes.
	Fill float64
}

// Len returns the number of keys. It walks every leaf.
func (t *Tree) Len() (int, error) {
	id, err := t.leftmostLeaf()
	if err != nil {
		return 0, err
	}
	n := 0
	for id != 0 {
		page, err := t.load(id)
		if err != nil {
			return 0, err
		}
		if page.Kind() != slotted.KindLeaf {
			return 0, errLeafChain(id)
		}
		n += page.Count()
		id = page.Next()
	}
	return n, nil
}

// Height returns the number of levels; a lone root leaf has height 1.
func (t *Tree) Height() (int, error) {
	h := 1
	id := t.pager.RootPage()
	for {
		page, err := t.load(id)
		if err != nil {
			return 0, err
		}
		if page.Kind() == slotted.KindLeaf {
			return h, nil
		}
		b, err := readBranch(page)
		if err != nil {
			return 0, err
		}
		id = b.children[0]
		h++
	}
}

// checker carries state across the recursive walk of Check.
type checker struct {
	t         *Tree
	leafDepth int
	leaves    []pager.PageID
	nexts     []pager.PageID
	reachable int
	stats     Stats
	entries   int
}

// Check verifies every structural invariant and returns the first violation:
// page format, key order within and across nodes, occupancy bounds, uniform
// leaf depth, the leaf chain, and that every page is either reachable or free.
func (t *Tree) Check() error {
	_, err := t.walk()
	return err
}

// Stats walks the tree and returns its shape.
func (t *Tree) Stats() (Stats, error) {
	return t.walk()
}

func (t *Tree) walk() (Stats, error) {
	c := &checker{t: t, leafDepth: -1}
	if err := c.node(t.pager.RootPage(), 1, nil, nil, true); err != nil {
		return Stats{}, err
	}

	for i, id := range c.leaves {
		want := pager.PageID(0)
		if i+1 < len(c.leaves) {
			want = c.leaves[i+1]
		}
		if c.nexts[i] != want {
			return Stats{}, dberr.Format("leaf %d links to %d, want %d", id, c.nexts[i], want)
		}
	}

	free, err := t.pager.FreePages()
	if err != nil {
		return Stats{}, err
	}
	if total := c.reachable + len(free) + 1; total != int(t.pager.PageCount()) {
		return Stats{}, dberr.Format("%d reachable and %d free pages, file has %d", c.reachable, len(free), t.pager.PageCount()-1)
	}

	s := c.stats
	s.Order = t.order
	s.MaxCell = t.maxCell
	s.Height = c.leafDepth
	s.FreePages = len(free)
	s.PageCount = int(t.pager.PageCount())
	if nodes := s.Leaves + s.Internals; nodes > 0 {
		s.Fill = float64(c.entries) / float64(nodes*t.order)
	}
	return s, nil
}

// node checks the subtree at id, whose keys must lie in [lo, hi).
func (c *checker) node(id pager.PageID, depth int, lo, hi []byte, root bool) error {
	t := c.t
	c.reachable++
	if c.reachable > int(t.pager.PageCount()) {
		return dberr.Format("cycle through page %d", id)
	}
	page, err := t.load(id)
	if err != nil {
		return err
	}

	inRange := func(key []byte) bool {
		return (lo == nil || bytes.Compare(key, lo) >= 0) && (hi == nil || bytes.Compare(key, hi) < 0)
	}

	if page.Kind() == slotted.KindLeaf {
		n := page.Count()
		if n > t.order || (!root && n < t.minFill) {
			return dberr.Format("leaf %d holds %d cells, want %d..%d", id, n, t.minFill, t.order)
		}
		if c.leafDepth == -1 {
			c.leafDepth = depth
		} else if depth != c.leafDepth {
			return dberr.Format("leaf %d at depth %d, others at %d", id, depth, c.leafDepth)
		}
		var prev []byte
		for i := 0; i < n; i++ {
			cell := page.CellAt(i)
			if len(cell) > t.maxCell {
				return dberr.Format("leaf %d slot %d: cell of %d bytes exceeds %d", id, i, len(cell), t.maxCell)
			}
			key, err := leafCellKey(cell)
			if err != nil {
				return dberr.Wrapf(err, "leaf %d slot %d", id, i)
			}
			if prev != nil && bytes.Compare(prev, key) >= 0 {
				return dberr.Format("leaf %d slot %d: key %s not above %s", id, i, t.formatKey(key), t.formatKey(prev))
			}
			if !inRange(key) {
				return dberr.Format("leaf %d slot %d: key %s outside parent range", id, i, t.formatKey(key))
			}
			prev = key
		}
		c.leaves = append(c.leaves, id)
		c.nexts = append(c.nexts, page.Next())
		c.stats.Leaves++
		c.stats.Entries += n
		c.entries += n
		return nil
	}

	b, err := readBranch(page)
	if err != nil {
		return dberr.Wrapf(err, "page %d", id)
	}
	n := len(b.children)
	minChildren := t.minFill
	if root {
		minChildren = 2
	}
	if n > t.order || n < minChildren {
		return dberr.Format("internal %d has %d children, want %d..%d", id, n, minChildren, t.order)
	}
	for i, key := range b.keys {
		if i > 0 && bytes.Compare(b.keys[i-1], key) >= 0 {
			return dberr.Format("internal %d: separator %d out of order", id, i)
		}
		if !inRange(key) {
			return dberr.Format("internal %d: separator %s outside parent range", id, t.formatKey(key))
		}
	}
	c.stats.Internals++
	c.entries += n

	for i, child := range b.children {
		childLo, childHi := lo, hi
		if i > 0 {
			childLo = b.keys[i-1]
		}
		if i < len(b.keys) {
			childHi = b.keys[i]
		}
		if err := c.node(child, depth+1, childLo, childHi, false); err != nil {
			return err
		}
	}
	return nil
}

// Dump writes a rendering of the tree, one node per line.
func (t *Tree) Dump(w io.Writer) error {
	root := treeprint.NewWithRoot(fmt.Sprintf("tree order=%d root=%d", t.order, t.pager.RootPage()))
	if err := t.dumpNode(root, t.pager.RootPage()); err != nil {
		return err
	}
	_, err := io.WriteString(w, root.String())
	return err
}

func (t *Tree) dumpNode(parent treeprint.Tree, id pager.PageID) error {
	page, err := t.load(id)
	if err != nil {
		return err
	}

	if page.Kind() == slotted.KindLeaf {
		keys := make([]string, 0, page.Count())
		for i := 0; i < page.Count(); i++ {
			key, err := leafCellKey(page.CellAt(i))
			if err != nil {
				return err
			}
			keys = append(keys, t.formatKey(key))
		}
		parent.AddMetaNode(fmt.Sprintf("leaf %d", id), fmt.Sprintf("[%s] next=%d", strings.Join(keys, " "), page.Next()))
		return nil
	}

	b, err := readBranch(page)
	if err != nil {
		return err
	}
	keys := make([]string, len(b.keys))
	for i, k := range b.keys {
		keys[i] = t.formatKey(k)
	}
	node := parent.AddMetaBranch(fmt.Sprintf("internal %d", id), fmt.Sprintf("[%s]", strings.Join(keys, " ")))
	for _, child := range b.children {
		if err := t.dumpNode(node, child); err != nil {
			return err
		}
	}
	return nil
}
