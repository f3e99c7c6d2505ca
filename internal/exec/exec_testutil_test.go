package exec_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	exec "github.com/hanpama/stepplan/internal/exec"
	plan "github.com/hanpama/stepplan/internal/plan"
)

// recordCall captures one invocation of a recordStep.
type recordCall struct {
	Count  int
	Values [][]any
}

// recordStep is a batched step backed by fn which records every call.
type recordStep struct {
	plan.BaseStep
	fn func(ctx context.Context, extra plan.Extra, values [][]any) []plan.Result

	mu    sync.Mutex
	calls []recordCall
}

func newRecord(t *testing.T, g *plan.Graph, fn func(ctx context.Context, extra plan.Extra, values [][]any) []plan.Result, deps ...plan.Step) *recordStep {
	t.Helper()
	s := &recordStep{fn: fn}
	_, err := g.Add(s)
	require.NoError(t, err)
	for _, d := range deps {
		_, err := s.AddDependency(d)
		require.NoError(t, err)
	}
	return s
}

func (s *recordStep) Execute(ctx context.Context, extra plan.Extra, values [][]any) []plan.Result {
	s.mu.Lock()
	s.calls = append(s.calls, recordCall{Count: extra.Count, Values: values})
	s.mu.Unlock()
	return s.fn(ctx, extra, values)
}

func (s *recordStep) Calls() []recordCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]recordCall(nil), s.calls...)
}

// mapRows applies fn to the first dependency of every row.
func mapRows(fn func(v any) (any, error)) func(ctx context.Context, extra plan.Extra, values [][]any) []plan.Result {
	return func(ctx context.Context, extra plan.Extra, values [][]any) []plan.Result {
		out := make([]plan.Result, len(values[0]))
		for i, v := range values[0] {
			r, err := fn(v)
			if err != nil {
				out[i] = plan.Fail(err)
				continue
			}
			out[i] = plan.Ok(r)
		}
		return out
	}
}

func identity(v any) (any, error) { return v, nil }

func mustExecutor(t *testing.T, g *plan.Graph, opts ...exec.Option) *exec.Executor {
	t.Helper()
	require.NoError(t, g.Compile())
	e, err := exec.New(g, opts...)
	require.NoError(t, err)
	return e
}

func values(rs []plan.Result) []any {
	out := make([]any, len(rs))
	for i, r := range rs {
		out[i] = r.Value
	}
	return out
}

func errs(rs []plan.Result) []string {
	out := make([]string, len(rs))
	for i, r := range rs {
		if r.Err != nil {
			out[i] = r.Err.Error()
		}
	}
	return out
}
