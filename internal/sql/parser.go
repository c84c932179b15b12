package sql

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/oda/juicydb/internal/record"
)

type parser struct {
	toks []token
	pos  int
}

// Parse parses a single statement, with an optional trailing semicolon,
// or a shell command starting with a dot.
func Parse(input string) (Statement, error) {
	trimmed := strings.TrimSpace(input)
	if strings.HasPrefix(trimmed, ".") {
		fields := strings.Fields(trimmed)
		return &Meta{Command: strings.ToLower(fields[0]), Args: fields[1:]}, nil
	}

	stmts, err := ParseScript(input)
	if err != nil {
		return nil, err
	}
	if len(stmts) != 1 {
		return nil, errors.Wrapf(ErrSyntax, "expected one statement, got %d", len(stmts))
	}
	return stmts[0], nil
}

// ParseScript parses semicolon-separated statements.
func ParseScript(input string) ([]Statement, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}

	var stmts []Statement
	for {
		for p.acceptSymbol(";") {
		}
		if p.peek().kind == tokEOF {
			return stmts, nil
		}
		stmt, err := p.statement()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, stmt)
		if p.peek().kind != tokEOF && !p.acceptSymbol(";") {
			return nil, p.errorf("expected ; or end of input, got %s", p.peek())
		}
	}
}

func (p *parser) mark() int {
	return p.pos
}

func (p *parser) reset(mark int) {
	p.pos = mark
}

func (p *parser) peek() token {
	return p.toks[p.pos]
}

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(format string, args ...any) error {
	return errors.Wrapf(ErrSyntax, "at %d: "+format, append([]any{p.peek().pos}, args...)...)
}

func (p *parser) acceptKeyword(kw string) bool {
	if t := p.peek(); t.kind == tokKeyword && t.text == kw {
		p.pos++
		return true
	}
	return false
}

func (p *parser) acceptSymbol(sym string) bool {
	if t := p.peek(); t.kind == tokSymbol && t.text == sym {
		p.pos++
		return true
	}
	return false
}

func (p *parser) expectKeyword(kw string) error {
	if !p.acceptKeyword(kw) {
		return p.errorf("expected %s, got %s", kw, p.peek())
	}
	return nil
}

func (p *parser) expectSymbol(sym string) error {
	if !p.acceptSymbol(sym) {
		return p.errorf("expected %s, got %s", sym, p.peek())
	}
	return nil
}

func (p *parser) ident() (string, error) {
	t := p.peek()
	if t.kind != tokIdent {
		return "", p.errorf("expected identifier, got %s", t)
	}
	p.pos++
	return t.text, nil
}

func (p *parser) statement() (Statement, error) {
	switch {
	case p.acceptKeyword("CREATE"):
		if p.acceptKeyword("TABLE") {
			return p.createTable()
		}
		if p.acceptKeyword("INDEX") {
			return p.createIndex()
		}
		return nil, p.errorf("expected TABLE or INDEX, got %s", p.peek())
	case p.acceptKeyword("DROP"):
		if p.acceptKeyword("TABLE") {
			name, err := p.ident()
			return &DropTable{Name: name}, err
		}
		if p.acceptKeyword("INDEX") {
			name, err := p.ident()
			return &DropIndex{Name: name}, err
		}
		return nil, p.errorf("expected TABLE or INDEX, got %s", p.peek())
	case p.acceptKeyword("INSERT"):
		return p.insert()
	case p.acceptKeyword("SELECT"):
		return p.selectStmt()
	case p.acceptKeyword("DELETE"):
		return p.deleteStmt()
	default:
		return nil, p.errorf("unexpected %s", p.peek())
	}
}

func (p *parser) createTable() (Statement, error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	stmt := &CreateTable{Name: name}
	for {
		col, err := p.columnDef()
		if err != nil {
			return nil, err
		}
		stmt.Columns = append(stmt.Columns, col)
		if !p.acceptSymbol(",") {
			break
		}
	}
	return stmt, p.expectSymbol(")")
}

func (p *parser) columnDef() (ColumnDef, error) {
	name, err := p.ident()
	if err != nil {
		return ColumnDef{}, err
	}
	typeName, err := p.ident()
	if err != nil {
		return ColumnDef{}, err
	}
	typ, err := record.ParseType(typeName)
	if err != nil {
		return ColumnDef{}, p.errorf("unknown type %q for column %s", typeName, name)
	}
	col := ColumnDef{Name: name, Type: typ}
	for {
		switch {
		case p.acceptKeyword("PRIMARY"):
			if err := p.expectKeyword("KEY"); err != nil {
				return ColumnDef{}, err
			}
			col.PrimaryKey = true
		case p.acceptKeyword("NOT"):
			if err := p.expectKeyword("NULL"); err != nil {
				return ColumnDef{}, err
			}
			col.NotNull = true
		default:
			return col, nil
		}
	}
}

func (p *parser) createIndex() (Statement, error) {
	name, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("ON"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectSymbol("("); err != nil {
		return nil, err
	}
	column, err := p.ident()
	if err != nil {
		return nil, err
	}
	return &CreateIndex{Name: name, Table: table, Column: column}, p.expectSymbol(")")
}

func (p *parser) insert() (Statement, error) {
	if err := p.expectKeyword("INTO"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	if err := p.expectKeyword("VALUES"); err != nil {
		return nil, err
	}
	stmt := &Insert{Table: table}
	for {
		if err := p.expectSymbol("("); err != nil {
			return nil, err
		}
		var row record.Row
		for {
			v, err := p.literal()
			if err != nil {
				return nil, err
			}
			row = append(row, v)
			if !p.acceptSymbol(",") {
				break
			}
		}
		if err := p.expectSymbol(")"); err != nil {
			return nil, err
		}
		stmt.Rows = append(stmt.Rows, row)
		if !p.acceptSymbol(",") {
			return stmt, nil
		}
	}
}

func (p *parser) selectStmt() (Statement, error) {
	stmt := &Select{}
	if !p.acceptSymbol("*") {
		for {
			col, err := p.ident()
			if err != nil {
				return nil, err
			}
			stmt.Columns = append(stmt.Columns, col)
			if !p.acceptSymbol(",") {
				break
			}
		}
	}
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt.Table = table
	stmt.Where, err = p.where()
	return stmt, err
}

func (p *parser) deleteStmt() (Statement, error) {
	if err := p.expectKeyword("FROM"); err != nil {
		return nil, err
	}
	table, err := p.ident()
	if err != nil {
		return nil, err
	}
	stmt := &Delete{Table: table}
	stmt.Where, err = p.where()
	return stmt, err
}

func (p *parser) where() (Expr, error) {
	if !p.acceptKeyword("WHERE") {
		return nil, nil
	}
	return p.or()
}

// or := and {OR and}
func (p *parser) or() (Expr, error) {
	l, err := p.and()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("OR") {
		r, err := p.and()
		if err != nil {
			return nil, err
		}
		l = &Or{L: l, R: r}
	}
	return l, nil
}

// and := unary {AND unary}
func (p *parser) and() (Expr, error) {
	l, err := p.unary()
	if err != nil {
		return nil, err
	}
	for p.acceptKeyword("AND") {
		r, err := p.unary()
		if err != nil {
			return nil, err
		}
		l = &And{L: l, R: r}
	}
	return l, nil
}

// unary := NOT unary | ( or ) | comparison
func (p *parser) unary() (Expr, error) {
	if p.acceptKeyword("NOT") {
		x, err := p.unary()
		if err != nil {
			return nil, err
		}
		return &Not{X: x}, nil
	}
	if p.acceptSymbol("(") {
		x, err := p.or()
		if err != nil {
			return nil, err
		}
		return x, p.expectSymbol(")")
	}
	return p.comparison()
}

// comparison := ident op literal | literal op ident
func (p *parser) comparison() (Expr, error) {
	m := p.mark()
	if col, err := p.ident(); err == nil {
		op, err := p.op()
		if err != nil {
			return nil, err
		}
		v, err := p.literal()
		if err != nil {
			return nil, err
		}
		return &Comparison{Column: col, Op: op, Value: v}, nil
	}

	p.reset(m)
	v, err := p.literal()
	if err != nil {
		return nil, p.errorf("expected condition, got %s", p.peek())
	}
	op, err := p.op()
	if err != nil {
		return nil, err
	}
	col, err := p.ident()
	if err != nil {
		return nil, err
	}
	return &Comparison{Column: col, Op: op.Flip(), Value: v}, nil
}

func (p *parser) op() (Op, error) {
	t := p.peek()
	if t.kind == tokSymbol {
		var op Op
		ok := true
		switch t.text {
		case "=":
			op = OpEq
		case "!=", "<>":
			op = OpNe
		case "<":
			op = OpLt
		case "<=":
			op = OpLe
		case ">":
			op = OpGt
		case ">=":
			op = OpGe
		default:
			ok = false
		}
		if ok {
			p.pos++
			return op, nil
		}
	}
	return 0, p.errorf("expected comparison operator, got %s", t)
}

// literal := [-] int | string | blob | NULL
func (p *parser) literal() (record.Value, error) {
	m := p.mark()
	neg := p.acceptSymbol("-")
	t := p.next()
	switch {
	case t.kind == tokInt:
		text := t.text
		if neg {
			text = "-" + text
		}
		n, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			p.reset(m)
			return record.Value{}, p.errorf("integer %s out of range", text)
		}
		return record.Int(n), nil
	case neg:
	case t.kind == tokString:
		return record.Text(t.text), nil
	case t.kind == tokBlob:
		return record.Bytes([]byte(t.text)), nil
	case t.kind == tokKeyword && t.text == "NULL":
		return record.Null(), nil
	}
	p.reset(m)
	return record.Value{}, p.errorf("expected value, got %s", p.peek())
}
