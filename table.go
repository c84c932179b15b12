package juicydb

import (
	"io"

	"go.uber.org/zap"

	"github.com/oda/juicydb/internal/btree"
	"github.com/oda/juicydb/internal/dberr"
	"github.com/oda/juicydb/internal/pager"
	"github.com/oda/juicydb/internal/record"
	"github.com/oda/juicydb/internal/slotted"
)

// Table binds a B+tree keyed by primary key to a schema.
// Writes keep every index of the table in step with its rows.
type Table struct {
	db      *DB
	name    string
	schema  record.Schema
	pager   *pager.Pager
	tree    *btree.Tree
	indexes []*Index
}

func (t *Table) init(schema *record.Schema) error {
	if schema != nil {
		if err := t.pager.SetSchema(record.EncodeSchema(*schema)); err != nil {
			return err
		}
		t.schema = *schema
	} else {
		if t.pager.Kind() != pager.KindTable {
			return dberr.Format("file holds a %v, not a table", t.pager.Kind())
		}
		s, err := record.DecodeSchema(t.pager.Schema())
		if err != nil {
			return err
		}
		t.schema = s
	}

	tree, err := btree.Open(t.pager, t.db.treeOptions(slotted.CellRow))
	if err != nil {
		return err
	}
	t.tree = tree
	return nil
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Schema returns the table schema.
func (t *Table) Schema() record.Schema {
	return t.schema
}

// Indexes returns the indexes over this table.
func (t *Table) Indexes() []*Index {
	return append([]*Index(nil), t.indexes...)
}

// IndexOn returns an index over the named column, if there is one.
func (t *Table) IndexOn(column string) (*Index, bool) {
	col, ok := t.schema.ColumnIndex(column)
	if !ok {
		return nil, false
	}
	for _, idx := range t.indexes {
		if idx.column == col {
			return idx, true
		}
	}
	return nil, false
}

func primaryKey(pk record.Value) []byte {
	return record.EncodeKey(record.Key{pk})
}

// Get returns the row with primary key pk.
func (t *Table) Get(pk record.Value) (record.Row, error) {
	if err := t.db.checkOpen(); err != nil {
		return nil, err
	}
	payload, err := t.tree.Get(primaryKey(pk))
	if err != nil {
		return nil, dberr.Wrapf(err, "table %s", t.name)
	}
	row, err := record.DecodeRow(payload)
	if err != nil {
		return nil, dberr.Wrapf(err, "table %s key %s", t.name, pk)
	}
	return row, nil
}

// Insert stores row under the primary key taken from its key column.
func (t *Table) Insert(row record.Row) error {
	if len(row) != len(t.schema.Columns) {
		return t.schema.Validate(row)
	}
	return t.Put(row[t.schema.PrimaryKey], row)
}

// Put stores row under pk. An existing pk fails with ErrDuplicateKey and
// changes nothing; so does a failed index insert.
func (t *Table) Put(pk record.Value, row record.Row) error {
	if err := t.db.checkOpen(); err != nil {
		return err
	}
	if err := t.schema.Validate(row); err != nil {
		return dberr.Wrapf(err, "table %s", t.name)
	}
	if !row[t.schema.PrimaryKey].Equal(pk) {
		return dberr.Wrapf(dberr.ErrSchema, "table %s: key %s does not match row key %s", t.name, pk, row[t.schema.PrimaryKey])
	}

	key := primaryKey(pk)
	if err := t.tree.Insert(key, record.EncodeRow(row)); err != nil {
		return dberr.Wrapf(err, "table %s", t.name)
	}

	for i, idx := range t.indexes {
		if err := idx.Insert(row[idx.column], pk); err != nil {
			// Undo what this put already did
			t.unindex(t.indexes[:i], row, pk)
			if undoErr := t.tree.Delete(key); undoErr != nil {
				t.db.log.Error("rollback left row behind",
					zap.String("table", t.name), zap.Stringer("key", pk), zap.Error(undoErr))
			}
			return err
		}
	}
	return t.synced()
}

// unindex removes the entries of row from indexes, logging any it could not remove.
func (t *Table) unindex(indexes []*Index, row record.Row, pk record.Value) {
	for _, idx := range indexes {
		if err := idx.Remove(row[idx.column], pk); err != nil {
			t.db.log.Error("rollback left index entry behind",
				zap.String("index", idx.name), zap.Stringer("key", pk), zap.Error(err))
		}
	}
}

// reindex restores the entries of row in indexes, logging any it could not restore.
func (t *Table) reindex(indexes []*Index, row record.Row, pk record.Value) {
	for _, idx := range indexes {
		if err := idx.Insert(row[idx.column], pk); err != nil {
			t.db.log.Error("rollback lost index entry",
				zap.String("index", idx.name), zap.Stringer("key", pk), zap.Error(err))
		}
	}
}

// Delete removes the row with primary key pk and its index entries.
// Index entries go first, so a failed Delete leaves the row and every index
// as they were. An index already missing the entry is logged and skipped.
func (t *Table) Delete(pk record.Value) error {
	row, err := t.Get(pk)
	if err != nil {
		return err
	}

	removed := make([]*Index, 0, len(t.indexes))
	for _, idx := range t.indexes {
		err := idx.Remove(row[idx.column], pk)
		switch {
		case err == nil:
			removed = append(removed, idx)
		case dberr.Is(err, dberr.ErrNotFound):
			t.db.log.Warn("index entry missing on delete",
				zap.String("index", idx.name), zap.Stringer("key", pk))
		default:
			t.reindex(removed, row, pk)
			return err
		}
	}

	if err := t.tree.Delete(primaryKey(pk)); err != nil {
		t.reindex(removed, row, pk)
		return dberr.Wrapf(err, "table %s", t.name)
	}
	return t.synced()
}

// Len returns the number of rows.
func (t *Table) Len() (int, error) {
	return t.tree.Len()
}

// Bound is one end of a primary-key range.
type Bound struct {
	Value     record.Value
	Exclusive bool
}

// Range selects primary keys between Low and High; a nil end is open.
type Range struct {
	Low  *Bound
	High *Bound
}

// All is the range over every key.
var All = Range{}

// Point returns the range holding exactly pk.
func Point(pk record.Value) Range {
	return Range{Low: &Bound{Value: pk}, High: &Bound{Value: pk}}
}

func (b *Bound) tree() *btree.Bound {
	if b == nil {
		return nil
	}
	return &btree.Bound{Key: primaryKey(b.Value), Exclusive: b.Exclusive}
}

// Scan returns the rows in r in primary-key order. Rows are decoded lazily.
func (t *Table) Scan(r Range) *Rows {
	if err := t.db.checkOpen(); err != nil {
		return &Rows{err: err}
	}
	return &Rows{table: t, it: t.tree.Scan(r.Low.tree(), r.High.tree())}
}

// Rows iterates over table rows.
type Rows struct {
	table *Table
	it    *btree.Iterator
	row   record.Row
	err   error
}

// Next decodes the next row and reports whether there is one.
func (r *Rows) Next() bool {
	if r.err != nil || r.it == nil {
		return false
	}
	if !r.it.Next() {
		r.err = r.it.Err()
		return false
	}
	row, err := record.DecodeRow(r.it.Payload())
	if err != nil {
		r.err = dberr.Wrapf(err, "table %s key %s", r.table.name, record.FormatKey(r.it.Key()))
		return false
	}
	r.row = row
	return true
}

// Row returns the current row.
func (r *Rows) Row() record.Row {
	return r.row
}

// Err returns the error that ended the iteration, if any.
func (r *Rows) Err() error {
	return r.err
}

// Collect drains the iterator.
func (r *Rows) Collect() ([]record.Row, error) {
	var rows []record.Row
	for r.Next() {
		rows = append(rows, r.row)
	}
	return rows, r.Err()
}

// Check verifies the table tree and that every index holds exactly one entry per row.
func (t *Table) Check() error {
	if err := t.tree.Check(); err != nil {
		return dberr.Wrapf(err, "table %s", t.name)
	}
	n, err := t.tree.Len()
	if err != nil {
		return err
	}
	for _, idx := range t.indexes {
		if err := idx.Check(); err != nil {
			return err
		}
		entries, err := idx.tree.Len()
		if err != nil {
			return err
		}
		if entries != n {
			return dberr.Format("index %s has %d entries for %d rows", idx.name, entries, n)
		}
	}
	return nil
}

// Stats returns the shape of the table tree.
func (t *Table) Stats() (btree.Stats, error) {
	return t.tree.Stats()
}

// Dump writes the table tree to w.
func (t *Table) Dump(w io.Writer) error {
	return t.tree.Dump(w)
}

func (t *Table) sync() error {
	if err := t.pager.Sync(); err != nil {
		return err
	}
	for _, idx := range t.indexes {
		if err := idx.pager.Sync(); err != nil {
			return err
		}
	}
	return nil
}

// synced flushes after a write when the DB syncs every write.
func (t *Table) synced() error {
	if !t.db.opts.syncWrites {
		return nil
	}
	return t.sync()
}
