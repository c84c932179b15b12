package juicydb

import (
	"io"

	"github.com/oda/juicydb/internal/btree"
	"github.com/oda/juicydb/internal/dberr"
	"github.com/oda/juicydb/internal/pager"
	"github.com/oda/juicydb/internal/record"
	"github.com/oda/juicydb/internal/slotted"
)

// Index is a secondary index over one column of a table.
//
// Entries are (value, primary key) pairs, so a value may appear many times;
// entries with equal values are ordered by primary key.
type Index struct {
	db     *DB
	name   string
	schema record.IndexSchema
	table  *Table
	column int
	pager  *pager.Pager
	tree   *btree.Tree
}

func (idx *Index) init(schema *record.IndexSchema) error {
	if schema != nil {
		if err := idx.pager.SetSchema(record.EncodeIndexSchema(*schema)); err != nil {
			return err
		}
		idx.schema = *schema
	} else {
		if idx.pager.Kind() != pager.KindIndex {
			return dberr.Format("file holds a %v, not an index", idx.pager.Kind())
		}
		s, err := record.DecodeIndexSchema(idx.pager.Schema())
		if err != nil {
			return err
		}
		idx.schema = s
	}

	t, ok := idx.db.tables[idx.schema.Table]
	if !ok {
		return dberr.Format("indexed table %s does not exist", idx.schema.Table)
	}
	col, ok := t.schema.ColumnIndex(idx.schema.Column)
	if !ok || t.schema.Columns[col].Type != idx.schema.Type {
		return dberr.Wrapf(dberr.ErrSchema, "table %s has no %s column %q", t.name, idx.schema.Type, idx.schema.Column)
	}
	idx.table, idx.column = t, col

	tree, err := btree.Open(idx.pager, idx.db.treeOptions(slotted.CellEntry))
	if err != nil {
		return err
	}
	idx.tree = tree
	return nil
}

// backfill adds an entry for every existing row of the table.
func (idx *Index) backfill() (int, error) {
	n := 0
	rows := idx.table.Scan(All)
	for rows.Next() {
		row := rows.Row()
		if err := idx.Insert(row[idx.column], row[idx.table.schema.PrimaryKey]); err != nil {
			return n, err
		}
		n++
	}
	return n, rows.Err()
}

// Name returns the index name.
func (idx *Index) Name() string {
	return idx.name
}

// Table returns the indexed table.
func (idx *Index) Table() *Table {
	return idx.table
}

// Column returns the indexed column name.
func (idx *Index) Column() string {
	return idx.schema.Column
}

func entryKey(value, pk record.Value) []byte {
	return record.AppendKey(nil, value, pk)
}

// Insert adds the entry (value, pk).
func (idx *Index) Insert(value, pk record.Value) error {
	if err := idx.db.checkOpen(); err != nil {
		return err
	}
	if err := idx.tree.Insert(entryKey(value, pk), nil); err != nil {
		return dberr.Wrapf(err, "index %s", idx.name)
	}
	return nil
}

// Remove deletes the entry (value, pk).
func (idx *Index) Remove(value, pk record.Value) error {
	if err := idx.db.checkOpen(); err != nil {
		return err
	}
	if err := idx.tree.Delete(entryKey(value, pk)); err != nil {
		return dberr.Wrapf(err, "index %s", idx.name)
	}
	return nil
}

// Lookup returns the primary keys of rows whose column equals value,
// in primary-key order.
func (idx *Index) Lookup(value record.Value) *Pointers {
	if err := idx.db.checkOpen(); err != nil {
		return &Pointers{err: err}
	}
	prefix := record.EncodeKey(record.Key{value})
	return &Pointers{index: idx, it: idx.tree.Seek(prefix)}
}

// Pointers iterates over the primary keys found by an index lookup.
type Pointers struct {
	index *Index
	it    *btree.Iterator
	pk    record.Value
	err   error
}

// Next advances to the next primary key.
func (p *Pointers) Next() bool {
	if p.err != nil || p.it == nil {
		return false
	}
	if !p.it.Next() {
		p.err = p.it.Err()
		return false
	}
	key, err := record.DecodeKey(p.it.Key())
	if err != nil || len(key) != 2 {
		p.err = dberr.Format("index %s: malformed entry %x", p.index.name, p.it.Key())
		return false
	}
	p.pk = key[1]
	return true
}

// PK returns the current primary key.
func (p *Pointers) PK() record.Value {
	return p.pk
}

// Err returns the error that ended the iteration, if any.
func (p *Pointers) Err() error {
	return p.err
}

// Collect drains the iterator.
func (p *Pointers) Collect() ([]record.Value, error) {
	var pks []record.Value
	for p.Next() {
		pks = append(pks, p.pk)
	}
	return pks, p.Err()
}

// Rows resolves each primary key against the table.
func (p *Pointers) Rows() ([]record.Row, error) {
	var rows []record.Row
	for p.Next() {
		row, err := p.index.table.Get(p.pk)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row)
	}
	return rows, p.Err()
}

// Check verifies the index tree.
func (idx *Index) Check() error {
	if err := idx.tree.Check(); err != nil {
		return dberr.Wrapf(err, "index %s", idx.name)
	}
	return nil
}

// Stats returns the shape of the index tree.
func (idx *Index) Stats() (btree.Stats, error) {
	return idx.tree.Stats()
}

// Dump writes the index tree to w.
func (idx *Index) Dump(w io.Writer) error {
	return idx.tree.Dump(w)
}
