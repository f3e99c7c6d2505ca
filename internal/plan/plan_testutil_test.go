package plan

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// fetchStep is a batched step keyed by a table name; equal tables merge.
type fetchStep struct {
	BaseStep
	table         string
	finalizeCalls int
}

func newFetch(t *testing.T, g *Graph, table string, deps ...Step) *fetchStep {
	t.Helper()
	s := &fetchStep{table: table}
	require.NoError(t, addWithDeps(g, s, deps...))
	return s
}

func (s *fetchStep) Deduplicate(peers []Step) []Step {
	var out []Step
	for _, p := range peers {
		if p.(*fetchStep).table == s.table {
			out = append(out, p)
		}
	}
	return out
}

func (s *fetchStep) Finalize() error {
	s.finalizeCalls++
	return s.BaseStep.Finalize()
}

func (s *fetchStep) Execute(ctx context.Context, extra Extra, values [][]any) []Result {
	out := make([]Result, extra.Count)
	for i := range out {
		out[i] = Ok(s.table)
	}
	return out
}

// badStep fails to finalize.
type badStep struct {
	BaseStep
}

func (s *badStep) Finalize() error { return Invalid(s, "never valid") }

func (s *badStep) ExecuteOne(ctx context.Context, extra Extra, deps ...any) (any, error) {
	return nil, nil
}
