package exec_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	exec "github.com/hanpama/stepplan/internal/exec"
	plan "github.com/hanpama/stepplan/internal/plan"
)

// Pattern: Calls + Result comparison
func TestExecute_RowIsolation(t *testing.T) {
	g := plan.New()
	double := newRecord(t, g, mapRows(func(v any) (any, error) {
		n := v.(int)
		if n%2 == 1 {
			return nil, fmt.Errorf("odd %d", n)
		}
		return n * 2, nil
	}), g.Root())
	e := mustExecutor(t, g)

	got := e.Execute(context.Background(), []any{2, 3, 4}, nil, double.ID())

	require.Len(t, got, 3)
	if diff := cmp.Diff([]any{4, nil, 8}, values(got)); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"", "odd 3", ""}, errs(got)); diff != "" {
		t.Fatalf("errors mismatch (-want +got):\n%s", diff)
	}
	wantCalls := []recordCall{{Count: 3, Values: [][]any{{2, 3, 4}}}}
	if diff := cmp.Diff(wantCalls, double.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Calls + Result comparison
func TestExecute_DependencyErrorSkipsRow(t *testing.T) {
	g := plan.New()
	check := newRecord(t, g, mapRows(func(v any) (any, error) {
		if v == "bad" {
			return nil, errors.New("rejected")
		}
		return v, nil
	}), g.Root())
	upper := newRecord(t, g, mapRows(func(v any) (any, error) {
		return fmt.Sprintf("<%v>", v), nil
	}), check)
	e := mustExecutor(t, g)

	got := e.Execute(context.Background(), []any{"a", "bad", "c"}, nil, upper.ID())

	if diff := cmp.Diff([]any{"<a>", nil, "<c>"}, values(got)); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	require.EqualError(t, got[1].Err, "rejected")
	wantCalls := []recordCall{{Count: 2, Values: [][]any{{"a", "c"}}}}
	if diff := cmp.Diff(wantCalls, upper.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Calls comparison
func TestExecute_SharedDependencyRunsOnce(t *testing.T) {
	g := plan.New()
	slow := newRecord(t, g, func(ctx context.Context, extra plan.Extra, values [][]any) []plan.Result {
		time.Sleep(10 * time.Millisecond)
		return mapRows(identity)(ctx, extra, values)
	}, g.Root())
	left := newRecord(t, g, mapRows(func(v any) (any, error) { return fmt.Sprint("L", v), nil }), slow)
	right := newRecord(t, g, mapRows(func(v any) (any, error) { return fmt.Sprint("R", v), nil }), slow)
	both, err := plan.List(g, left, right)
	require.NoError(t, err)
	e := mustExecutor(t, g)

	got := e.Execute(context.Background(), []any{1, 2}, nil, both.ID())

	if diff := cmp.Diff([]any{[]any{"L1", "R1"}, []any{"L2", "R2"}}, values(got)); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, slow.Calls(), 1)
	require.Len(t, left.Calls(), 1)
	require.Len(t, right.Calls(), 1)
}

// Pattern: Calls comparison
func TestExecute_ConcurrentResolveShareExecution(t *testing.T) {
	g := plan.New()
	started := make(chan struct{})
	release := make(chan struct{})
	slow := newRecord(t, g, func(ctx context.Context, extra plan.Extra, values [][]any) []plan.Result {
		close(started)
		<-release
		return mapRows(identity)(ctx, extra, values)
	}, g.Root())
	e := mustExecutor(t, g)
	ctx := context.Background()
	b := e.NewBatch(ctx, []any{"x"}, nil)

	first := make(chan []plan.Result)
	go func() { first <- b.Resolve(ctx, b.Scopes(), slow.ID()) }()
	<-started
	second := make(chan []plan.Result)
	go func() { second <- b.Resolve(ctx, b.Scopes(), slow.ID()) }()
	time.Sleep(5 * time.Millisecond)
	close(release)

	require.Equal(t, []any{"x"}, values(<-first))
	require.Equal(t, []any{"x"}, values(<-second))
	require.Len(t, slow.Calls(), 1)
}

// Pattern: Calls + Result comparison
func TestItems_SharedAncestorBuckets(t *testing.T) {
	g := plan.New()
	users := newRecord(t, g, mapRows(func(v any) (any, error) {
		return v.(map[string]any)["users"], nil
	}), g.Root())
	user, err := plan.Item(users, "users")
	require.NoError(t, err)
	tenant := newRecord(t, g, mapRows(func(v any) (any, error) {
		return v.(map[string]any)["tenant"], nil
	}), g.Root())
	name, err := plan.Access(user, "name")
	require.NoError(t, err)
	label, err := plan.List(g, name, tenant)
	require.NoError(t, err)
	e := mustExecutor(t, g)
	ctx := context.Background()

	roots := []any{
		map[string]any{"tenant": "t1", "users": []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}}},
		map[string]any{"tenant": "t2", "users": []any{map[string]any{"name": "c"}}},
		map[string]any{"tenant": "t3", "users": nil},
	}
	b := e.NewBatch(ctx, roots, nil)
	children, itemErrs := b.Items(ctx, b.Scopes(), user.ID())
	require.Equal(t, []error{nil, nil, nil}, itemErrs)
	require.Len(t, children[0], 2)
	require.Len(t, children[1], 1)
	require.Empty(t, children[2])

	var flat []*exec.Scope
	for _, cs := range children {
		flat = append(flat, cs...)
	}
	got := b.Resolve(ctx, flat, label.ID())

	want := []any{[]any{"a", "t1"}, []any{"b", "t1"}, []any{"c", "t2"}}
	if diff := cmp.Diff(want, values(got)); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	// One row per root; siblings reuse their parent's bucket.
	wantCalls := []recordCall{{Count: 2, Values: [][]any{{roots[0], roots[1]}}}}
	if diff := cmp.Diff(wantCalls, tenant.Calls()); diff != "" {
		t.Fatalf("tenant calls mismatch (-want +got):\n%s", diff)
	}
	require.Equal(t, []int{0, 1}, flat[1].Indexes())
	require.Equal(t, user.PathIdentity(), flat[1].PathIdentity())
	require.Same(t, b.Scopes()[0], flat[1].Parent())
}

// Pattern: Result comparison
func TestItems_ListErrors(t *testing.T) {
	g := plan.New()
	list := newRecord(t, g, mapRows(func(v any) (any, error) {
		if v == nil {
			return nil, errors.New("no list")
		}
		return v, nil
	}), g.Root())
	item, err := plan.Item(list, "xs")
	require.NoError(t, err)
	e := mustExecutor(t, g)
	ctx := context.Background()

	b := e.NewBatch(ctx, []any{nil, 5, []int{1}}, nil)
	children, itemErrs := b.Items(ctx, b.Scopes(), item.ID())

	require.EqualError(t, itemErrs[0], "no list")
	require.Error(t, itemErrs[1])
	require.NoError(t, itemErrs[2])
	require.Len(t, children[2], 1)

	// Item-layer steps are not visible from root scopes.
	got := b.Resolve(ctx, b.Scopes(), item.ID())
	for _, r := range got {
		require.Error(t, r.Err)
	}
}

// Pattern: Calls + Result comparison
func TestEach(t *testing.T) {
	g := plan.New()
	users, err := plan.Access(g.Root(), "users")
	require.NoError(t, err)
	var upper *recordStep
	names, err := plan.Each(users, "users", func(item *plan.ItemStep) (plan.Step, error) {
		name, err := plan.Access(item, "name")
		if err != nil {
			return nil, err
		}
		upper = newRecord(t, g, mapRows(func(v any) (any, error) {
			if v == nil {
				return nil, errors.New("no name")
			}
			return strings.ToUpper(v.(string)), nil
		}), name)
		return upper, nil
	})
	require.NoError(t, err)
	reversed, err := plan.Reverse(names)
	require.NoError(t, err)
	e := mustExecutor(t, g)

	roots := []any{
		map[string]any{"users": []any{map[string]any{"name": "a"}, map[string]any{"name": "b"}}},
		map[string]any{"users": []any{}},
		map[string]any{"users": nil},
		map[string]any{"users": []any{map[string]any{"name": "c"}, map[string]any{}}},
		map[string]any{"users": 5},
	}
	got := e.Execute(context.Background(), roots, nil, reversed.ID())

	want := []any{[]any{"B", "A"}, []any{}, nil, nil, nil}
	if diff := cmp.Diff(want, values(got)); diff != "" {
		t.Fatalf("values mismatch (-want +got):\n%s", diff)
	}
	require.NoError(t, got[2].Err)
	require.EqualError(t, got[3].Err, "item 1: no name")
	require.Error(t, got[4].Err)
	// Every element of the batch goes through one call.
	wantCalls := []recordCall{{Count: 4, Values: [][]any{{"a", "b", "c", nil}}}}
	if diff := cmp.Diff(wantCalls, upper.Calls()); diff != "" {
		t.Fatalf("calls mismatch (-want +got):\n%s", diff)
	}
}

// Pattern: Calls comparison
func TestSideEffects_RunWithoutReaders(t *testing.T) {
	g := plan.New()
	audit := newRecord(t, g, mapRows(identity), g.Root())
	audit.HasSideEffects = true
	list, err := plan.Constant(g, []any{"p", "q"})
	require.NoError(t, err)
	item, err := plan.Item(list, "xs")
	require.NoError(t, err)
	perItem := newRecord(t, g, mapRows(identity), item)
	perItem.HasSideEffects = true
	e := mustExecutor(t, g)
	ctx := context.Background()

	b := e.NewBatch(ctx, []any{1, 2}, nil)
	require.Equal(t, []recordCall{{Count: 2, Values: [][]any{{1, 2}}}}, audit.Calls())
	require.Empty(t, perItem.Calls())

	_, _ = b.Items(ctx, b.Scopes()[:1], item.ID())
	require.Equal(t, []recordCall{{Count: 2, Values: [][]any{{"p", "q"}}}}, perItem.Calls())
}

// Pattern: Calls + Result comparison
func TestCancellation(t *testing.T) {
	t.Run("Unissued work is dropped", func(t *testing.T) {
		g := plan.New()
		s := newRecord(t, g, mapRows(identity), g.Root())
		e := mustExecutor(t, g)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		got := e.Execute(ctx, []any{1, 2}, nil, s.ID())
		for _, r := range got {
			require.ErrorIs(t, r.Err, context.Canceled)
		}
		require.Empty(t, s.Calls())
	})

	t.Run("Issued side effects keep running", func(t *testing.T) {
		g := plan.New()
		ctx, cancel := context.WithCancel(context.Background())
		var seen error
		write := newRecord(t, g, func(c context.Context, extra plan.Extra, values [][]any) []plan.Result {
			cancel()
			seen = c.Err()
			return mapRows(identity)(c, extra, values)
		}, g.Root())
		write.HasSideEffects = true
		e := mustExecutor(t, g)

		got := e.Execute(ctx, []any{1}, nil, write.ID())
		require.NoError(t, seen)
		require.Equal(t, []any{1}, values(got))
	})
}

// Pattern: Result comparison
func TestStepContractViolations(t *testing.T) {
	g := plan.New()
	short := newRecord(t, g, func(ctx context.Context, extra plan.Extra, values [][]any) []plan.Result {
		return nil
	}, g.Root())
	boom := newRecord(t, g, func(ctx context.Context, extra plan.Extra, values [][]any) []plan.Result {
		panic("boom")
	}, g.Root())
	lambda, err := plan.Lambda(g.Root(), func(v any) (any, error) {
		if v == 2 {
			panic("two")
		}
		return v, nil
	})
	require.NoError(t, err)
	e := mustExecutor(t, g)
	ctx := context.Background()

	for _, r := range e.Execute(ctx, []any{1, 2}, nil, short.ID()) {
		require.ErrorContains(t, r.Err, "returned 0 results for 2 rows")
	}
	for _, r := range e.Execute(ctx, []any{1, 2}, nil, boom.ID()) {
		require.ErrorContains(t, r.Err, "panicked: boom")
	}
	got := e.Execute(ctx, []any{1, 2, 3}, nil, lambda.ID())
	require.Equal(t, []any{1, nil, 3}, values(got))
	require.ErrorContains(t, got[1].Err, "panicked: two")
}

// Pattern: Result comparison
func TestExecute_ContextValue(t *testing.T) {
	g := plan.New()
	pair, err := plan.List(g, g.Root(), g.Context())
	require.NoError(t, err)
	e := mustExecutor(t, g, exec.WithMaxConcurrency(1))

	got := e.Execute(context.Background(), []any{"a", "b"}, "ctx", pair.ID())
	require.Equal(t, []any{[]any{"a", "ctx"}, []any{"b", "ctx"}}, values(got))
	require.Empty(t, e.Execute(context.Background(), nil, nil, pair.ID()))
}

func TestNew_RequiresCompiledGraph(t *testing.T) {
	_, err := exec.New(plan.New())
	require.Error(t, err)
}
