package juicydb

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oda/juicydb/internal/record"
)

func execAll(t *testing.T, db *DB, input string) []*Result {
	t.Helper()
	res, err := db.ExecString(input)
	require.NoError(t, err, input)
	return res
}

func exec1(t *testing.T, db *DB, input string) *Result {
	t.Helper()
	res := execAll(t, db, input)
	require.Len(t, res, 1)
	return res[0]
}

func firstColumn(res *Result) []int64 {
	var out []int64
	for _, row := range res.Rows {
		out = append(out, row[0].Int())
	}
	return out
}

func seedUsers(t *testing.T, db *DB) {
	t.Helper()
	execAll(t, db, `
		CREATE TABLE users (id integer PRIMARY KEY, name text NOT NULL, team text);
		CREATE INDEX by_team ON users (team);
		INSERT INTO users VALUES
			(1, 'ann', 'red'), (2, 'bob', 'blue'), (3, 'cat', 'red'),
			(4, 'dan', NULL), (5, 'eve', 'blue'), (6, 'fay', 'red');
	`)
}

func TestExecSelectPlans(t *testing.T) {
	db := openDB(t, t.TempDir())
	seedUsers(t, db)

	tests := []struct {
		query string
		want  []int64
		plan  string
	}{
		{"SELECT * FROM users", []int64{1, 2, 3, 4, 5, 6}, "full scan"},
		{"SELECT id FROM users WHERE id = 3", []int64{3}, "primary key lookup"},
		{"SELECT id FROM users WHERE id > 2 AND id <= 5", []int64{3, 4, 5}, "primary key range"},
		{"SELECT id FROM users WHERE 4 > id AND id >= 2 AND name != 'bob'", []int64{3}, "primary key range"},
		{"SELECT id FROM users WHERE id > 4 AND id < 2", nil, "primary key range"},
		{"SELECT id FROM users WHERE team = 'red'", []int64{1, 3, 6}, "index by_team"},
		{"SELECT id FROM users WHERE team = 'red' AND name > 'b'", []int64{3, 6}, "index by_team"},
		{"SELECT id FROM users WHERE team = 'green'", nil, "index by_team"},
		{"SELECT id FROM users WHERE name = 'eve' OR id = 1", []int64{1, 5}, "full scan"},
		// a NULL comparison is false, so its negation holds
		{"SELECT id FROM users WHERE NOT team = 'red'", []int64{2, 4, 5}, "full scan"},
		{"SELECT id FROM users WHERE team = NULL", nil, "index by_team"},
	}
	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			res := exec1(t, db, tt.query)
			assert.Equal(t, tt.want, firstColumn(res))
			assert.Equal(t, tt.plan, res.Plan)
		})
	}
}

func TestExecProjection(t *testing.T) {
	db := openDB(t, t.TempDir())
	seedUsers(t, db)

	res := exec1(t, db, "SELECT name, ID FROM users WHERE id = 2")
	assert.Equal(t, []string{"name", "id"}, res.Columns)
	require.Len(t, res.Rows, 1)
	assert.True(t, res.Rows[0].Equal(record.Row{record.Text("bob"), record.Int(2)}))

	_, err := db.ExecString("SELECT nope FROM users")
	assert.ErrorIs(t, err, ErrSchema)
	_, err = db.ExecString("SELECT * FROM users WHERE nope = 1")
	assert.ErrorIs(t, err, ErrSchema)
}

func TestExecDelete(t *testing.T) {
	db := openDB(t, t.TempDir())
	seedUsers(t, db)

	res := exec1(t, db, "DELETE FROM users WHERE team = 'red'")
	assert.Equal(t, 3, res.Affected)
	assert.Equal(t, "index by_team", res.Plan)

	assert.Equal(t, []int64{2, 4, 5}, firstColumn(exec1(t, db, "SELECT id FROM users")))
	assert.Empty(t, exec1(t, db, "SELECT id FROM users WHERE team = 'red'").Rows)

	res = exec1(t, db, "DELETE FROM users")
	assert.Equal(t, 3, res.Affected)
	assert.Empty(t, exec1(t, db, "SELECT * FROM users").Rows)
	assert.Equal(t, "users: ok", exec1(t, db, ".check users").Message)
}

func TestExecInsertErrors(t *testing.T) {
	db := openDB(t, t.TempDir())
	seedUsers(t, db)

	_, err := db.ExecString("INSERT INTO users VALUES (1, 'dup', 'x')")
	assert.ErrorIs(t, err, ErrDuplicateKey)
	_, err = db.ExecString("INSERT INTO users VALUES (7, NULL, 'x')")
	assert.ErrorIs(t, err, ErrSchema)
	_, err = db.ExecString("INSERT INTO users VALUES ('7', 'a', 'x')")
	assert.ErrorIs(t, err, ErrSchema)
	_, err = db.ExecString("INSERT INTO missing VALUES (1)")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExecMeta(t *testing.T) {
	db := openDB(t, t.TempDir())
	seedUsers(t, db)

	res := exec1(t, db, ".tables")
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "users", res.Rows[0][0].Str())
	assert.Equal(t, int64(6), res.Rows[0][2].Int())
	assert.Equal(t, "by_team", res.Rows[1][0].Str())

	res = exec1(t, db, ".schema users")
	assert.Equal(t, "CREATE TABLE users (id integer PRIMARY KEY, name text NOT NULL, team text);\n"+
		"CREATE INDEX by_team ON users (team);", res.Message)

	res = exec1(t, db, ".btree users")
	assert.Contains(t, res.Message, "internal")

	assert.Equal(t, "by_team: ok", exec1(t, db, ".check by_team").Message)
	assert.Contains(t, exec1(t, db, ".stats users").Message, "Order:4")

	_, err := db.ExecString(".check nothing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = db.ExecString(".schema")
	assert.ErrorIs(t, err, ErrSchema)
	_, err = db.ExecString(".frobnicate")
	assert.ErrorIs(t, err, ErrSchema)
}

func TestExecPrint(t *testing.T) {
	db := openDB(t, t.TempDir())
	seedUsers(t, db)

	res := exec1(t, db, ".print")
	require.Len(t, res.Rows, 2)
	assert.Equal(t, "users", res.Rows[0][0].Str())
	assert.Equal(t, "by_team", res.Rows[1][0].Str())

	lines := strings.Split(res.Message, "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "users: "), lines[0])
	assert.Contains(t, lines[0], "Order:4")
	assert.True(t, strings.HasPrefix(lines[1], "by_team: "), lines[1])

	empty := exec1(t, openDB(t, t.TempDir()), ".print")
	assert.Empty(t, empty.Rows)
	assert.Empty(t, empty.Message)
}

func TestExecDrop(t *testing.T) {
	db := openDB(t, t.TempDir())
	seedUsers(t, db)

	exec1(t, db, "DROP INDEX by_team")
	assert.Equal(t, "full scan", exec1(t, db, "SELECT id FROM users WHERE team = 'red'").Plan)
	exec1(t, db, "DROP TABLE users")
	assert.Empty(t, db.Tables())

	_, err := db.ExecString("DROP TABLE users")
	assert.ErrorIs(t, err, ErrNotFound)
}
