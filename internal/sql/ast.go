package sql

import (
	"strings"

	"github.com/oda/juicydb/internal/record"
)

// Statement is a parsed statement.
type Statement interface {
	statement()
}

// ColumnDef is one column of CREATE TABLE.
type ColumnDef struct {
	Name       string
	Type       record.Type
	PrimaryKey bool
	NotNull    bool
}

// CreateTable is CREATE TABLE name (columns).
type CreateTable struct {
	Name    string
	Columns []ColumnDef
}

// Schema builds the table schema. Without a PRIMARY KEY column the first column is the key.
func (s *CreateTable) Schema() (record.Schema, error) {
	cols := make([]record.Column, len(s.Columns))
	pk := ""
	for i, c := range s.Columns {
		cols[i] = record.Column{Name: c.Name, Type: c.Type, NotNull: c.NotNull}
		if c.PrimaryKey && pk == "" {
			pk = c.Name
		}
	}
	if pk == "" && len(cols) > 0 {
		pk = cols[0].Name
	}
	return record.NewSchema(pk, cols...)
}

// CreateIndex is CREATE INDEX name ON table (column).
type CreateIndex struct {
	Name   string
	Table  string
	Column string
}

// Insert is INSERT INTO table VALUES (...), (...).
type Insert struct {
	Table string
	Rows  []record.Row
}

// Select is SELECT columns FROM table [WHERE cond]. Nil Columns means *.
type Select struct {
	Columns []string
	Table   string
	Where   Expr
}

// Delete is DELETE FROM table [WHERE cond].
type Delete struct {
	Table string
	Where Expr
}

// DropTable is DROP TABLE name.
type DropTable struct {
	Name string
}

// DropIndex is DROP INDEX name.
type DropIndex struct {
	Name string
}

// Meta is a shell command such as .tables or .schema users.
type Meta struct {
	Command string
	Args    []string
}

func (*CreateTable) statement() {}
func (*CreateIndex) statement() {}
func (*Insert) statement()      {}
func (*Select) statement()      {}
func (*Delete) statement()      {}
func (*DropTable) statement()   {}
func (*DropIndex) statement()   {}
func (*Meta) statement()        {}

// Op is a comparison operator.
type Op int

const (
	OpEq Op = iota
	OpNe
	OpLt
	OpLe
	OpGt
	OpGe
)

var opText = [...]string{"=", "!=", "<", "<=", ">", ">="}

func (o Op) String() string {
	return opText[o]
}

// Flip returns the operator with its operands swapped: a < b is b > a.
func (o Op) Flip() Op {
	switch o {
	case OpLt:
		return OpGt
	case OpLe:
		return OpGe
	case OpGt:
		return OpLt
	case OpGe:
		return OpLe
	default:
		return o
	}
}

// Holds reports whether cmp (the sign of a comparison) satisfies the operator.
func (o Op) Holds(cmp int) bool {
	switch o {
	case OpEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	default:
		return cmp >= 0
	}
}

// Expr is a WHERE condition.
type Expr interface {
	String() string
}

// Comparison is column op value.
type Comparison struct {
	Column string
	Op     Op
	Value  record.Value
}

// And is L AND R.
type And struct {
	L, R Expr
}

// Or is L OR R.
type Or struct {
	L, R Expr
}

// Not is NOT X.
type Not struct {
	X Expr
}

func (c *Comparison) String() string {
	v := c.Value.String()
	if c.Value.Type() == record.TypeText {
		v = "'" + strings.ReplaceAll(v, "'", "''") + "'"
	}
	return c.Column + " " + c.Op.String() + " " + v
}

func (e *And) String() string { return "(" + e.L.String() + " AND " + e.R.String() + ")" }
func (e *Or) String() string  { return "(" + e.L.String() + " OR " + e.R.String() + ")" }
func (e *Not) String() string { return "NOT " + e.X.String() }
