package sqlplan

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"time"

	eventbus "github.com/hanpama/stepplan/internal/eventbus"
	events "github.com/hanpama/stepplan/internal/events"
)

// QueryRequest is one fully substituted statement.
type QueryRequest struct {
	// Context is the batch's context value for the row, for example a
	// transaction the statement must run in.
	Context any
	Text    string
	Values  []any
}

// QueryResult holds the rows a statement returned and how many rows it
// affected.
type QueryResult struct {
	Rows     []map[string]any
	RowCount int64
}

// DataSource executes compiled statements.
type DataSource interface {
	RunQuery(ctx context.Context, req QueryRequest) (QueryResult, error)
}

// DataSourceFunc adapts a function to DataSource.
type DataSourceFunc func(ctx context.Context, req QueryRequest) (QueryResult, error)

func (f DataSourceFunc) RunQuery(ctx context.Context, req QueryRequest) (QueryResult, error) {
	return f(ctx, req)
}

// Source describes a table-like relation steps can read or mutate.
type Source struct {
	Name string
	// Table is the relation's SQL. A nil Table means the source is not
	// backed by SQL and cannot be mutated.
	Table *Fragment
	// Columns maps column names to their codecs.
	Columns map[string]*Codec
	// Uniques lists column sets identifying at most one row.
	Uniques    [][]string
	Dialect    Dialect
	DataSource DataSource
}

// Table returns the fragment for a quoted table name.
func Table(names ...string) *Fragment {
	f := Ident(names...)
	return &f
}

func (s *Source) String() string { return s.Name }

// Codec returns the codec of column name.
func (s *Source) Codec(name string) (*Codec, error) {
	c, ok := s.Columns[name]
	if !ok {
		return nil, fmt.Errorf("source %s does not define a column named %q", s.Name, name)
	}
	return c, nil
}

// ColumnNames lists the columns in sorted order.
func (s *Source) ColumnNames() []string {
	names := make([]string, 0, len(s.Columns))
	for n := range s.Columns {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// IsUnique reports whether cols cover every column of one of the uniques.
func (s *Source) IsUnique(cols []string) bool {
	for _, u := range s.Uniques {
		if len(u) == 0 {
			continue
		}
		covered := true
		for _, c := range u {
			if !slices.Contains(cols, c) {
				covered = false
				break
			}
		}
		if covered {
			return true
		}
	}
	return false
}

// run sends req to the source's data source, reporting it on the event bus.
func (s *Source) run(ctx context.Context, req QueryRequest) (QueryResult, error) {
	if s.DataSource == nil {
		return QueryResult{}, fmt.Errorf("source %s has no data source", s.Name)
	}
	start := time.Now()
	eventbus.Publish(ctx, events.QueryStart{Source: s.Name, Text: req.Text})
	res, err := s.DataSource.RunQuery(ctx, req)
	eventbus.Publish(ctx, events.QueryFinish{
		Source:   s.Name,
		Text:     req.Text,
		RowCount: res.RowCount,
		Err:      err,
		Duration: time.Since(start),
	})
	return res, err
}
