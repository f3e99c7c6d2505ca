package sqlsource_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	exec "github.com/hanpama/stepplan/internal/exec"
	plan "github.com/hanpama/stepplan/internal/plan"
	sqlplan "github.com/hanpama/stepplan/internal/sqlplan"
	sqlsource "github.com/hanpama/stepplan/internal/sqlsource"
)

const schema = `CREATE TABLE users (
  id    INTEGER PRIMARY KEY,
  name  TEXT NOT NULL CHECK (length(name) > 0),
  email TEXT UNIQUE
);`

func openSeeded(t *testing.T) *sqlsource.Source {
	t.Helper()
	ctx := context.Background()
	src, err := sqlsource.Open(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	require.NoError(t, src.Exec(ctx,
		schema,
		`INSERT INTO users (id, name, email) VALUES (10, 'al', 'al@example.com'), (20, 'bo', 'bo@example.com'), (30, 'cy', 'cy@example.com');`,
	))
	return src
}

func users(ds sqlplan.DataSource) *sqlplan.Source {
	return &sqlplan.Source{
		Name:       "users",
		Table:      sqlplan.Table("users"),
		Columns:    map[string]*sqlplan.Codec{"id": sqlplan.Int8, "name": sqlplan.Text, "email": sqlplan.Text},
		Uniques:    [][]string{{"id"}, {"email"}},
		Dialect:    sqlplan.SQLite,
		DataSource: ds,
	}
}

func names(t *testing.T, src *sqlsource.Source) map[int64]string {
	t.Helper()
	rows, err := src.DB().Query(`SELECT id, name FROM users`)
	require.NoError(t, err)
	defer rows.Close()
	out := map[int64]string{}
	for rows.Next() {
		var id int64
		var name string
		require.NoError(t, rows.Scan(&id, &name))
		out[id] = name
	}
	require.NoError(t, rows.Err())
	return out
}

// updateNames builds a graph renaming users by id and returning the new name.
func updateNames(t *testing.T, ds sqlplan.DataSource, opts ...sqlplan.MutationOption) (*exec.Executor, plan.StepID) {
	t.Helper()
	g := plan.New()
	id, err := plan.Access(g.Root(), "id")
	require.NoError(t, err)
	name, err := plan.Access(g.Root(), "name")
	require.NoError(t, err)
	upd, err := sqlplan.Update(g, users(ds), map[string]plan.Step{"id": id}, map[string]plan.Step{"name": name}, opts...)
	require.NoError(t, err)
	out, err := upd.Get("name")
	require.NoError(t, err)
	require.NoError(t, g.Compile())
	e, err := exec.New(g)
	require.NoError(t, err)
	return e, out.ID()
}

// Pattern: Result comparison
func TestUpdate_SQLite(t *testing.T) {
	src := openSeeded(t)
	e, out := updateNames(t, src)

	got := e.Execute(context.Background(), []any{
		map[string]any{"id": 10, "name": "Alice"},
		map[string]any{"id": 20, "name": ""},
		map[string]any{"id": 30, "name": "Carol"},
		map[string]any{"id": 99, "name": "Nobody"},
	}, nil, out)

	require.Len(t, got, 4)
	require.NoError(t, got[0].Err)
	require.Equal(t, "Alice", got[0].Value)
	require.ErrorContains(t, got[1].Err, "CHECK constraint failed")
	require.NoError(t, got[2].Err)
	require.Equal(t, "Carol", got[2].Value)
	require.NoError(t, got[3].Err)
	require.Nil(t, got[3].Value)

	want := map[int64]string{10: "Alice", 20: "bo", 30: "Carol"}
	if diff := cmp.Diff(want, names(t, src)); diff != "" {
		t.Fatalf("table mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Result comparison
func TestUpdate_SQLiteInTransaction(t *testing.T) {
	src := openSeeded(t)
	e, out := updateNames(t, src, sqlplan.WithConcurrency(1))
	ctx := context.Background()

	tx, err := src.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	got := e.Execute(ctx, []any{map[string]any{"id": 10, "name": "Temp"}}, tx, out)
	require.NoError(t, got[0].Err)
	require.Equal(t, "Temp", got[0].Value)
	require.NoError(t, tx.Rollback())

	require.Equal(t, "al", names(t, src)[10])
}

// Pattern: Result comparison
func TestRunQuery(t *testing.T) {
	src := openSeeded(t)
	ctx := context.Background()

	t.Run("Without RETURNING reports affected rows", func(t *testing.T) {
		res, err := src.RunQuery(ctx, sqlplan.QueryRequest{
			Text:   `update "users" set "email" = ?1 where ("id" = ?2)`,
			Values: []any{"new@example.com", int64(10)},
		})
		require.NoError(t, err)
		require.Equal(t, sqlplan.QueryResult{RowCount: 1}, res)
	})

	t.Run("With RETURNING yields rows", func(t *testing.T) {
		res, err := src.RunQuery(ctx, sqlplan.QueryRequest{
			Text:   `delete from "users" where ("id" = ?1) returning "id" as "0", "name" as "1"`,
			Values: []any{int64(30)},
		})
		require.NoError(t, err)
		want := sqlplan.QueryResult{Rows: []map[string]any{{"0": int64(30), "1": "cy"}}, RowCount: 1}
		if diff := cmp.Diff(want, res); diff != "" {
			t.Fatalf("result mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Nil transaction falls back to the database", func(t *testing.T) {
		var tx *sql.Tx
		res, err := src.RunQuery(ctx, sqlplan.QueryRequest{
			Context: tx,
			Text:    `update "users" set "email" = ?1 where ("id" = ?2)`,
			Values:  []any{"nil@example.com", int64(20)},
		})
		require.NoError(t, err)
		require.Equal(t, sqlplan.QueryResult{RowCount: 1}, res)
	})

	t.Run("Errors are returned", func(t *testing.T) {
		_, err := src.RunQuery(ctx, sqlplan.QueryRequest{Text: `update "nope" set "x" = 1`})
		require.Error(t, err)
	})
}

func TestDialect(t *testing.T) {
	require.Equal(t, sqlplan.SQLite, openSeeded(t).Dialect())
}

func TestOpen_EmptyDSN(t *testing.T) {
	_, err := sqlsource.Open(context.Background(), "")
	require.Error(t, err)
}
