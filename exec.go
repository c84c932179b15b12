package juicydb

import (
	"bytes"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/oda/juicydb/internal/dberr"
	"github.com/oda/juicydb/internal/record"
	"github.com/oda/juicydb/internal/sql"
)

// Result is the outcome of one statement.
type Result struct {
	// Columns and Rows are set by SELECT and listing commands.
	Columns []string
	Rows    []record.Row
	// Affected counts inserted or deleted rows.
	Affected int
	// Message is a human-readable summary or command output.
	Message string
	// Plan names the access path a SELECT or DELETE used.
	Plan string
}

// ExecString parses and runs semicolon-separated statements, stopping at the first error.
func (db *DB) ExecString(input string) ([]*Result, error) {
	var stmts []sql.Statement
	if strings.HasPrefix(strings.TrimSpace(input), ".") {
		stmt, err := sql.Parse(input)
		if err != nil {
			return nil, err
		}
		stmts = []sql.Statement{stmt}
	} else {
		var err error
		if stmts, err = sql.ParseScript(input); err != nil {
			return nil, err
		}
	}

	results := make([]*Result, 0, len(stmts))
	for _, stmt := range stmts {
		res, err := db.Exec(stmt)
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// Exec runs one parsed statement.
func (db *DB) Exec(stmt sql.Statement) (*Result, error) {
	if err := db.checkOpen(); err != nil {
		return nil, err
	}
	switch s := stmt.(type) {
	case *sql.CreateTable:
		schema, err := s.Schema()
		if err != nil {
			return nil, err
		}
		if _, err := db.CreateTable(s.Name, schema); err != nil {
			return nil, err
		}
		return &Result{Message: fmt.Sprintf("table %s created", strings.ToLower(s.Name))}, nil

	case *sql.CreateIndex:
		idx, err := db.CreateIndex(s.Name, s.Table, s.Column)
		if err != nil {
			return nil, err
		}
		return &Result{Message: fmt.Sprintf("index %s created on %s(%s)", idx.name, idx.table.name, idx.Column())}, nil

	case *sql.DropTable:
		if err := db.DropTable(s.Name); err != nil {
			return nil, err
		}
		return &Result{Message: fmt.Sprintf("table %s dropped", strings.ToLower(s.Name))}, nil

	case *sql.DropIndex:
		if err := db.DropIndex(s.Name); err != nil {
			return nil, err
		}
		return &Result{Message: fmt.Sprintf("index %s dropped", strings.ToLower(s.Name))}, nil

	case *sql.Insert:
		return db.execInsert(s)
	case *sql.Select:
		return db.execSelect(s)
	case *sql.Delete:
		return db.execDelete(s)
	case *sql.Meta:
		return db.execMeta(s)
	default:
		return nil, dberr.Wrapf(dberr.ErrSchema, "unsupported statement %T", stmt)
	}
}

func (db *DB) execInsert(s *sql.Insert) (*Result, error) {
	t, err := db.OpenTable(s.Table)
	if err != nil {
		return nil, err
	}
	res := &Result{}
	for _, row := range s.Rows {
		if err := t.Insert(row); err != nil {
			return nil, err
		}
		res.Affected++
	}
	res.Message = fmt.Sprintf("%d row(s) inserted", res.Affected)
	return res, nil
}

func (db *DB) execSelect(s *sql.Select) (*Result, error) {
	t, err := db.OpenTable(s.Table)
	if err != nil {
		return nil, err
	}
	proj, names, err := t.projection(s.Columns)
	if err != nil {
		return nil, err
	}

	res := &Result{Columns: names}
	plan, err := t.eachMatch(s.Where, func(row record.Row) error {
		out := make(record.Row, len(proj))
		for i, c := range proj {
			out[i] = row[c]
		}
		res.Rows = append(res.Rows, out)
		return nil
	})
	if err != nil {
		return nil, err
	}
	res.Plan = plan
	res.Message = fmt.Sprintf("%d row(s)", len(res.Rows))
	return res, nil
}

func (db *DB) execDelete(s *sql.Delete) (*Result, error) {
	t, err := db.OpenTable(s.Table)
	if err != nil {
		return nil, err
	}

	// Collect first: deleting while iterating would restructure the tree under the cursor
	var doomed []record.Value
	plan, err := t.eachMatch(s.Where, func(row record.Row) error {
		doomed = append(doomed, row[t.schema.PrimaryKey])
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, pk := range doomed {
		if err := t.Delete(pk); err != nil {
			return nil, err
		}
	}
	return &Result{
		Affected: len(doomed),
		Plan:     plan,
		Message:  fmt.Sprintf("%d row(s) deleted", len(doomed)),
	}, nil
}

func (t *Table) projection(cols []string) ([]int, []string, error) {
	if cols == nil {
		proj := make([]int, len(t.schema.Columns))
		for i := range proj {
			proj[i] = i
		}
		return proj, t.schema.ColumnNames(), nil
	}
	proj := make([]int, len(cols))
	names := make([]string, len(cols))
	for i, name := range cols {
		c, ok := t.schema.ColumnIndex(name)
		if !ok {
			return nil, nil, dberr.Wrapf(dberr.ErrSchema, "table %s has no column %q", t.name, name)
		}
		proj[i], names[i] = c, t.schema.Columns[c].Name
	}
	return proj, names, nil
}

// eachMatch calls fn for every row satisfying where, choosing the access path:
// a primary-key range when AND-ed comparisons bound the key, an index lookup
// for an equality on an indexed column, otherwise a full scan.
func (t *Table) eachMatch(where sql.Expr, fn func(record.Row) error) (string, error) {
	if err := t.checkColumns(where); err != nil {
		return "", err
	}
	conjuncts := flattenAnd(where, nil)

	filter := func(row record.Row) error {
		ok, err := t.eval(where, row)
		if err != nil || !ok {
			return err
		}
		return fn(row)
	}

	if r, ok := t.keyRange(conjuncts); ok {
		plan := "primary key range"
		if r.Low != nil && r.High != nil && !r.Low.Exclusive && !r.High.Exclusive && r.Low.Value.Equal(r.High.Value) {
			plan = "primary key lookup"
		}
		t.db.log.Debug("plan", zap.String("table", t.name), zap.String("path", plan))
		rows := t.Scan(r)
		for rows.Next() {
			if err := filter(rows.Row()); err != nil {
				return "", err
			}
		}
		return plan, rows.Err()
	}

	for _, c := range conjuncts {
		if c.Op != sql.OpEq {
			continue
		}
		idx, ok := t.IndexOn(c.Column)
		if !ok {
			continue
		}
		plan := "index " + idx.name
		t.db.log.Debug("plan", zap.String("table", t.name), zap.String("path", plan))
		ptrs := idx.Lookup(c.Value)
		for ptrs.Next() {
			row, err := t.Get(ptrs.PK())
			if err != nil {
				return "", err
			}
			if err := filter(row); err != nil {
				return "", err
			}
		}
		return plan, ptrs.Err()
	}

	t.db.log.Debug("plan", zap.String("table", t.name), zap.String("path", "full scan"))
	rows := t.Scan(All)
	for rows.Next() {
		if err := filter(rows.Row()); err != nil {
			return "", err
		}
	}
	return "full scan", rows.Err()
}

// flattenAnd collects the comparisons of a top-level AND chain.
// Anything else in the chain only takes part in filtering.
func flattenAnd(e sql.Expr, out []*sql.Comparison) []*sql.Comparison {
	switch e := e.(type) {
	case *sql.And:
		return flattenAnd(e.R, flattenAnd(e.L, out))
	case *sql.Comparison:
		return append(out, e)
	default:
		return out
	}
}

// keyRange narrows the primary-key range with every bound on the key column.
func (t *Table) keyRange(conjuncts []*sql.Comparison) (Range, bool) {
	var r Range
	found := false
	for _, c := range conjuncts {
		col, ok := t.schema.ColumnIndex(c.Column)
		if !ok || col != t.schema.PrimaryKey || c.Op == sql.OpNe || c.Value.IsNull() {
			continue
		}
		found = true
		switch c.Op {
		case sql.OpEq:
			r.Low = tighter(r.Low, &Bound{Value: c.Value}, 1)
			r.High = tighter(r.High, &Bound{Value: c.Value}, -1)
		case sql.OpGt:
			r.Low = tighter(r.Low, &Bound{Value: c.Value, Exclusive: true}, 1)
		case sql.OpGe:
			r.Low = tighter(r.Low, &Bound{Value: c.Value}, 1)
		case sql.OpLt:
			r.High = tighter(r.High, &Bound{Value: c.Value, Exclusive: true}, -1)
		case sql.OpLe:
			r.High = tighter(r.High, &Bound{Value: c.Value}, -1)
		}
	}
	return r, found
}

// tighter returns the more restrictive of two bounds; dir is 1 for a low
// bound (larger wins) and -1 for a high bound (smaller wins).
func tighter(cur, b *Bound, dir int) *Bound {
	if cur == nil {
		return b
	}
	c := record.Compare(b.Value, cur.Value) * dir
	if c > 0 || (c == 0 && b.Exclusive) {
		return b
	}
	return cur
}

func (t *Table) checkColumns(e sql.Expr) error {
	switch e := e.(type) {
	case nil:
		return nil
	case *sql.Comparison:
		if _, ok := t.schema.ColumnIndex(e.Column); !ok {
			return dberr.Wrapf(dberr.ErrSchema, "table %s has no column %q", t.name, e.Column)
		}
		return nil
	case *sql.And:
		if err := t.checkColumns(e.L); err != nil {
			return err
		}
		return t.checkColumns(e.R)
	case *sql.Or:
		if err := t.checkColumns(e.L); err != nil {
			return err
		}
		return t.checkColumns(e.R)
	case *sql.Not:
		return t.checkColumns(e.X)
	default:
		return dberr.Wrapf(dberr.ErrSchema, "unsupported condition %T", e)
	}
}

// eval evaluates a condition against a row. A comparison involving NULL is false.
func (t *Table) eval(e sql.Expr, row record.Row) (bool, error) {
	switch e := e.(type) {
	case nil:
		return true, nil
	case *sql.Comparison:
		col, _ := t.schema.ColumnIndex(e.Column)
		v := row[col]
		if v.IsNull() || e.Value.IsNull() {
			return false, nil
		}
		return e.Op.Holds(record.Compare(v, e.Value)), nil
	case *sql.And:
		l, err := t.eval(e.L, row)
		if err != nil || !l {
			return false, err
		}
		return t.eval(e.R, row)
	case *sql.Or:
		l, err := t.eval(e.L, row)
		if err != nil || l {
			return l, err
		}
		return t.eval(e.R, row)
	case *sql.Not:
		x, err := t.eval(e.X, row)
		return !x, err
	default:
		return false, dberr.Wrapf(dberr.ErrSchema, "unsupported condition %T", e)
	}
}

func (db *DB) execMeta(m *sql.Meta) (*Result, error) {
	arg := func() (string, error) {
		if len(m.Args) != 1 {
			return "", dberr.Wrapf(dberr.ErrSchema, "%s takes one name", m.Command)
		}
		return m.Args[0], nil
	}

	switch m.Command {
	case ".tables":
		return db.listTables()

	case ".print":
		res, err := db.listTables()
		if err != nil {
			return nil, err
		}
		var lines []string
		for _, name := range append(db.Tables(), db.Indexes()...) {
			st, err := db.inspect(".stats", name)
			if err != nil {
				return nil, err
			}
			lines = append(lines, name+": "+st.Message)
		}
		res.Message = strings.Join(lines, "\n")
		return res, nil

	case ".schema":
		name, err := arg()
		if err != nil {
			return nil, err
		}
		t, err := db.OpenTable(name)
		if err != nil {
			return nil, err
		}
		return &Result{Message: t.Describe()}, nil

	case ".btree", ".check", ".stats":
		name, err := arg()
		if err != nil {
			return nil, err
		}
		return db.inspect(m.Command, name)

	default:
		return nil, dberr.Wrapf(dberr.ErrSchema, "unknown command %s", m.Command)
	}
}

func (db *DB) listTables() (*Result, error) {
	res := &Result{Columns: []string{"name", "kind", "rows"}}
	for _, name := range db.Tables() {
		n, err := db.tables[name].Len()
		if err != nil {
			return nil, err
		}
		res.Rows = append(res.Rows, record.Row{record.Text(name), record.Text("table"), record.Int(int64(n))})
	}
	for _, name := range db.Indexes() {
		idx := db.indexes[name]
		res.Rows = append(res.Rows, record.Row{record.Text(name), record.Text("index on " + idx.table.name), record.Null()})
	}
	return res, nil
}

// inspect runs a tree command against a table or, failing that, an index.
func (db *DB) inspect(cmd, name string) (*Result, error) {
	var (
		dump  func(*bytes.Buffer) error
		check func() error
		stats func() (string, error)
	)
	if t, err := db.OpenTable(name); err == nil {
		dump = func(b *bytes.Buffer) error { return t.Dump(b) }
		check = t.Check
		stats = func() (string, error) {
			s, err := t.Stats()
			return fmt.Sprintf("%+v", s), err
		}
	} else if idx, err := db.OpenIndex(name); err == nil {
		dump = func(b *bytes.Buffer) error { return idx.Dump(b) }
		check = idx.Check
		stats = func() (string, error) {
			s, err := idx.Stats()
			return fmt.Sprintf("%+v", s), err
		}
	} else {
		return nil, dberr.Wrapf(dberr.ErrNotFound, "table or index %s", name)
	}

	switch cmd {
	case ".btree":
		var buf bytes.Buffer
		if err := dump(&buf); err != nil {
			return nil, err
		}
		return &Result{Message: strings.TrimRight(buf.String(), "\n")}, nil
	case ".check":
		if err := check(); err != nil {
			return nil, err
		}
		return &Result{Message: name + ": ok"}, nil
	default:
		msg, err := stats()
		if err != nil {
			return nil, err
		}
		return &Result{Message: msg}, nil
	}
}

// Describe renders the table as a CREATE TABLE statement, followed by its indexes.
func (t *Table) Describe() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE %s (", t.name)
	for i, c := range t.schema.Columns {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s %s", c.Name, c.Type)
		if i == t.schema.PrimaryKey {
			b.WriteString(" PRIMARY KEY")
		} else if c.NotNull {
			b.WriteString(" NOT NULL")
		}
	}
	b.WriteString(");")
	for _, idx := range t.indexes {
		fmt.Fprintf(&b, "\nCREATE INDEX %s ON %s (%s);", idx.name, t.name, idx.schema.Column)
	}
	return b.String()
}
