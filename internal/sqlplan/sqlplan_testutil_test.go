package sqlplan_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	exec "github.com/hanpama/stepplan/internal/exec"
	plan "github.com/hanpama/stepplan/internal/plan"
	sqlplan "github.com/hanpama/stepplan/internal/sqlplan"
)

// recordingDataSource logs every request and answers with respond.
type recordingDataSource struct {
	mu      sync.Mutex
	calls   []sqlplan.QueryRequest
	respond func(req sqlplan.QueryRequest) (sqlplan.QueryResult, error)
}

func newRecordingDataSource(respond func(req sqlplan.QueryRequest) (sqlplan.QueryResult, error)) *recordingDataSource {
	return &recordingDataSource{respond: respond}
}

func (d *recordingDataSource) RunQuery(ctx context.Context, req sqlplan.QueryRequest) (sqlplan.QueryResult, error) {
	d.mu.Lock()
	d.calls = append(d.calls, req)
	d.mu.Unlock()
	return d.respond(req)
}

func (d *recordingDataSource) Calls() []sqlplan.QueryRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sqlplan.QueryRequest(nil), d.calls...)
}

// echoFirstParam returns one row whose first selected column is the first
// parameter of the statement.
func echoFirstParam(req sqlplan.QueryRequest) (sqlplan.QueryResult, error) {
	return sqlplan.QueryResult{Rows: []map[string]any{{"0": req.Values[0]}}, RowCount: 1}, nil
}

func usersSource(ds sqlplan.DataSource) *sqlplan.Source {
	return &sqlplan.Source{
		Name:  "users",
		Table: sqlplan.Table("users"),
		Columns: map[string]*sqlplan.Codec{
			"id":    sqlplan.Int4,
			"name":  sqlplan.Text,
			"email": sqlplan.Text,
		},
		Uniques:    [][]string{{"id"}, {"email"}},
		Dialect:    sqlplan.Postgres,
		DataSource: ds,
	}
}

func access(t *testing.T, s plan.Step, path ...string) plan.Step {
	t.Helper()
	a, err := plan.Access(s, path...)
	require.NoError(t, err)
	return a
}

func compileAndRun(t *testing.T, g *plan.Graph, roots []any, contextValue any, output plan.StepID) []plan.Result {
	t.Helper()
	require.NoError(t, g.Compile())
	e, err := exec.New(g)
	require.NoError(t, err)
	return e.Execute(context.Background(), roots, contextValue, output)
}
