// Package juicydb is a single-user relational storage engine.
//
// Every table is a B+tree keyed by its primary key and stored in its own
// file (<name>.tbl); every secondary index is a B+tree of (value, primary key)
// entries in <name>.idx. A DB owns a directory of such files.
//
// A DB and everything obtained from it must be used by one goroutine at a
// time; callers serialize access.
package juicydb

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/oda/juicydb/internal/btree"
	"github.com/oda/juicydb/internal/dberr"
	"github.com/oda/juicydb/internal/pager"
	"github.com/oda/juicydb/internal/record"
	"github.com/oda/juicydb/internal/slotted"
)

const (
	tableExt = ".tbl"
	indexExt = ".idx"
)

var namePattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// DB is a catalog of tables and indexes stored in one directory.
type DB struct {
	dir     string
	opts    options
	tables  map[string]*Table
	indexes map[string]*Index
	log     *zap.Logger
	closed  bool
}

// Open opens the database in dir, creating the directory if needed, and
// loads every table and index file found there.
func Open(dir string, opts ...Option) (*DB, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if _, _, err := btree.Layout(o.pageSize, o.order); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, dberr.IO(err, "create %s", dir)
	}

	db := &DB{
		dir:     dir,
		opts:    o,
		tables:  make(map[string]*Table),
		indexes: make(map[string]*Index),
		log:     o.logger.With(zap.String("dir", dir)),
	}
	if err := db.load(); err != nil {
		db.Close()
		return nil, err
	}
	db.log.Info("database opened", zap.Int("tables", len(db.tables)), zap.Int("indexes", len(db.indexes)))
	return db, nil
}

// load opens tables first so that indexes can attach to them.
func (db *DB) load() error {
	tableFiles, err := filepath.Glob(filepath.Join(db.dir, "*"+tableExt))
	if err != nil {
		return dberr.IO(err, "list %s", db.dir)
	}
	sort.Strings(tableFiles)
	for _, path := range tableFiles {
		name := strings.TrimSuffix(filepath.Base(path), tableExt)
		if _, err := db.openTable(name, nil); err != nil {
			return err
		}
	}

	indexFiles, err := filepath.Glob(filepath.Join(db.dir, "*"+indexExt))
	if err != nil {
		return dberr.IO(err, "list %s", db.dir)
	}
	sort.Strings(indexFiles)
	for _, path := range indexFiles {
		name := strings.TrimSuffix(filepath.Base(path), indexExt)
		if _, err := db.openIndex(name, nil); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) pagerOptions(kind pager.FileKind) pager.Options {
	return pager.Options{
		PageSize:  db.opts.pageSize,
		Kind:      kind,
		CacheSize: db.opts.cacheSize,
		Logger:    db.opts.logger,
	}
}

func (db *DB) treeOptions(cellKind slotted.CellKind) btree.Options {
	return btree.Options{
		Order:     db.opts.order,
		CellKind:  cellKind,
		FormatKey: record.FormatKey,
		Logger:    db.opts.logger,
	}
}

// openTable opens <name>.tbl. A non-nil schema creates the table.
func (db *DB) openTable(name string, schema *record.Schema) (*Table, error) {
	path := filepath.Join(db.dir, name+tableExt)
	p, err := pager.Open(path, db.pagerOptions(pager.KindTable))
	if err != nil {
		return nil, dberr.Wrapf(err, "table %s", name)
	}

	t := &Table{db: db, name: name, pager: p}
	if err := t.init(schema); err != nil {
		p.Close()
		return nil, dberr.Wrapf(err, "table %s", name)
	}
	db.tables[name] = t
	return t, nil
}

// openIndex opens <name>.idx. A non-nil schema creates the index.
func (db *DB) openIndex(name string, schema *record.IndexSchema) (*Index, error) {
	path := filepath.Join(db.dir, name+indexExt)
	p, err := pager.Open(path, db.pagerOptions(pager.KindIndex))
	if err != nil {
		return nil, dberr.Wrapf(err, "index %s", name)
	}

	idx := &Index{db: db, name: name, pager: p}
	if err := idx.init(schema); err != nil {
		p.Close()
		return nil, dberr.Wrapf(err, "index %s", name)
	}
	db.indexes[name] = idx
	idx.table.indexes = append(idx.table.indexes, idx)
	return idx, nil
}

func (db *DB) checkOpen() error {
	if db.closed {
		return dberr.Wrapf(dberr.ErrClosed, "database %s", db.dir)
	}
	return nil
}

// checkNewName validates name and reports ErrExists if a table or index already uses it.
func (db *DB) checkNewName(name string) error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	if !namePattern.MatchString(name) {
		return dberr.Wrapf(dberr.ErrSchema, "invalid name %q", name)
	}
	if _, ok := db.tables[name]; ok {
		return dberr.Wrapf(dberr.ErrExists, "table %s", name)
	}
	if _, ok := db.indexes[name]; ok {
		return dberr.Wrapf(dberr.ErrExists, "index %s", name)
	}
	for _, ext := range []string{tableExt, indexExt} {
		if _, err := os.Stat(filepath.Join(db.dir, name+ext)); err == nil {
			return dberr.Wrapf(dberr.ErrExists, "file %s%s", name, ext)
		}
	}
	return nil
}

// CreateTable creates an empty table.
func (db *DB) CreateTable(name string, schema record.Schema) (*Table, error) {
	name = strings.ToLower(name)
	if err := db.checkNewName(name); err != nil {
		return nil, err
	}
	if len(schema.Columns) == 0 || schema.PrimaryKey < 0 || schema.PrimaryKey >= len(schema.Columns) {
		return nil, dberr.Wrapf(dberr.ErrSchema, "table %s: schema has no primary key", name)
	}

	t, err := db.openTable(name, &schema)
	if err != nil {
		os.Remove(filepath.Join(db.dir, name+tableExt))
		return nil, err
	}
	db.log.Info("table created", zap.String("table", name), zap.Strings("columns", schema.ColumnNames()))
	return t, nil
}

// CreateIndex creates an index over one column of a table and fills it from
// the table's existing rows.
func (db *DB) CreateIndex(name, table, column string) (*Index, error) {
	name, table = strings.ToLower(name), strings.ToLower(table)
	if err := db.checkNewName(name); err != nil {
		return nil, err
	}
	t, err := db.OpenTable(table)
	if err != nil {
		return nil, err
	}
	col, ok := t.schema.ColumnIndex(column)
	if !ok {
		return nil, dberr.Wrapf(dberr.ErrSchema, "table %s has no column %q", table, column)
	}

	schema := record.IndexSchema{Table: table, Column: t.schema.Columns[col].Name, Type: t.schema.Columns[col].Type}
	idx, err := db.openIndex(name, &schema)
	if err != nil {
		os.Remove(filepath.Join(db.dir, name+indexExt))
		return nil, err
	}

	n, err := idx.backfill()
	if err != nil {
		db.dropIndex(idx)
		return nil, dberr.Wrapf(err, "build index %s", name)
	}
	db.log.Info("index created",
		zap.String("index", name),
		zap.String("table", table),
		zap.String("column", schema.Column),
		zap.Int("entries", n))
	return idx, nil
}

// OpenTable returns the named table.
func (db *DB) OpenTable(name string) (*Table, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	t, ok := db.tables[strings.ToLower(name)]
	if !ok {
		return nil, dberr.Wrapf(dberr.ErrNotFound, "table %s", name)
	}
	return t, nil
}

// OpenIndex returns the named index.
func (db *DB) OpenIndex(name string) (*Index, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	idx, ok := db.indexes[strings.ToLower(name)]
	if !ok {
		return nil, dberr.Wrapf(dberr.ErrNotFound, "index %s", name)
	}
	return idx, nil
}

// Tables returns the table names in sorted order.
func (db *DB) Tables() []string {
	names := make([]string, 0, len(db.tables))
	for name := range db.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Indexes returns the index names in sorted order.
func (db *DB) Indexes() []string {
	names := make([]string, 0, len(db.indexes))
	for name := range db.indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DropTable removes a table, its indexes and their files.
func (db *DB) DropTable(name string) error {
	t, err := db.OpenTable(name)
	if err != nil {
		return err
	}
	for len(t.indexes) > 0 {
		if err := db.dropIndex(t.indexes[0]); err != nil {
			return err
		}
	}
	delete(db.tables, t.name)
	if err := t.pager.Close(); err != nil {
		return err
	}
	if err := os.Remove(t.pager.Path()); err != nil {
		return dberr.IO(err, "remove table %s", t.name)
	}
	db.log.Info("table dropped", zap.String("table", t.name))
	return nil
}

// DropIndex removes an index and its file.
func (db *DB) DropIndex(name string) error {
	idx, err := db.OpenIndex(name)
	if err != nil {
		return err
	}
	return db.dropIndex(idx)
}

func (db *DB) dropIndex(idx *Index) error {
	delete(db.indexes, idx.name)
	t := idx.table
	for i, other := range t.indexes {
		if other == idx {
			t.indexes = append(t.indexes[:i], t.indexes[i+1:]...)
			break
		}
	}
	if err := idx.pager.Close(); err != nil {
		return err
	}
	if err := os.Remove(idx.pager.Path()); err != nil {
		return dberr.IO(err, "remove index %s", idx.name)
	}
	db.log.Info("index dropped", zap.String("index", idx.name))
	return nil
}

// Sync flushes every open file.
func (db *DB) Sync() error {
	if err := db.checkOpen(); err != nil {
		return err
	}
	for _, t := range db.tables {
		if err := t.sync(); err != nil {
			return err
		}
	}
	return nil
}

// Close flushes and closes every file. The DB cannot be used afterwards.
func (db *DB) Close() error {
	if db.closed {
		return nil
	}
	db.closed = true

	var firstErr error
	for _, idx := range db.indexes {
		if err := idx.pager.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, t := range db.tables {
		if err := t.pager.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	db.log.Info("database closed")
	return firstErr
}

// Dir returns the database directory.
func (db *DB) Dir() string {
	return db.dir
}
