// Package sqlsource runs compiled statements against a database/sql
// database, by default SQLite through modernc.org/sqlite.
package sqlsource

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"reflect"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	log "github.com/hanpama/stepplan/internal/log"
	sqlplan "github.com/hanpama/stepplan/internal/sqlplan"
)

// Querier is what statements run on: a *sql.DB, *sql.Tx or *sql.Conn. A
// row whose context value is a Querier runs its statement there.
type Querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Source is a sqlplan.DataSource over a database/sql handle.
type Source struct {
	db  *sql.DB
	log *slog.Logger
}

var _ sqlplan.DataSource = (*Source)(nil)

// Open opens the SQLite database at dsn and applies the connection pragmas.
// In-memory databases are limited to one connection, since every
// connection would otherwise see its own empty database.
func Open(ctx context.Context, dsn string) (*Source, error) {
	if dsn == "" {
		return nil, fmt.Errorf("sqlite dsn is empty")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if isMemory(dsn) {
		db.SetMaxOpenConns(1)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := db.ExecContext(pctx, "PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign_keys: %w", err)
	}
	if _, err := db.ExecContext(pctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	return New(db), nil
}

// New wraps an open database.
func New(db *sql.DB) *Source {
	return &Source{db: db, log: log.WithComponent("sqlsource")}
}

func (s *Source) DB() *sql.DB { return s.db }

// Dialect reports the only dialect the driver understands.
func (s *Source) Dialect() sqlplan.Dialect { return sqlplan.SQLite }

func (s *Source) Close() error { return s.db.Close() }

// Exec runs each statement in order, for example schema bootstrap DDL.
func (s *Source) Exec(ctx context.Context, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

// RunQuery executes req. Statements with a RETURNING list yield their rows
// and count them; others report the affected row count.
func (s *Source) RunQuery(ctx context.Context, req sqlplan.QueryRequest) (sqlplan.QueryResult, error) {
	q := s.querier(req.Context)
	if !hasReturning(req.Text) {
		res, err := q.ExecContext(ctx, req.Text, req.Values...)
		if err != nil {
			return sqlplan.QueryResult{}, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return sqlplan.QueryResult{}, fmt.Errorf("rows affected: %w", err)
		}
		return sqlplan.QueryResult{RowCount: n}, nil
	}

	rows, err := q.QueryContext(ctx, req.Text, req.Values...)
	if err != nil {
		return sqlplan.QueryResult{}, err
	}
	defer rows.Close()
	out, err := scanRows(rows)
	if err != nil {
		return sqlplan.QueryResult{}, err
	}
	s.log.Debug("query returned rows", "rows", len(out))
	return sqlplan.QueryResult{Rows: out, RowCount: int64(len(out))}, nil
}

// querier picks the row's context value when it is a usable Querier. A typed
// nil such as (*sql.Tx)(nil) falls back to the database.
func (s *Source) querier(v any) Querier {
	q, ok := v.(Querier)
	if !ok || q == nil {
		return s.db
	}
	if rv := reflect.ValueOf(q); rv.Kind() == reflect.Pointer && rv.IsNil() {
		return s.db
	}
	return q
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	var out []map[string]any
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			row[c] = vals[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func hasReturning(text string) bool {
	return strings.Contains(strings.ToLower(text), " returning ")
}

func isMemory(dsn string) bool {
	return strings.Contains(dsn, ":memory:") || strings.Contains(dsn, "mode=memory")
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
