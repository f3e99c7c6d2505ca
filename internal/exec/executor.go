package exec

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	eventbus "github.com/hanpama/stepplan/internal/eventbus"
	events "github.com/hanpama/stepplan/internal/events"
	plan "github.com/hanpama/stepplan/internal/plan"
	reqid "github.com/hanpama/stepplan/internal/reqid"
)

const defaultMaxConcurrency = 16

// Executor runs a compiled graph against batches of root values.
type Executor struct {
	graph          *plan.Graph
	log            *slog.Logger
	maxConcurrency int
}

type Option func(*Executor)

func WithLogger(l *slog.Logger) Option { return func(e *Executor) { e.log = l } }

// WithMaxConcurrency bounds how many dependency branches of one batch run on
// their own goroutines at the same time. Branches over the bound run inline.
func WithMaxConcurrency(n int) Option { return func(e *Executor) { e.maxConcurrency = n } }

// New returns an Executor for g, which must be compiled.
func New(g *plan.Graph, opts ...Option) (*Executor, error) {
	if !g.Compiled() {
		return nil, fmt.Errorf("exec: graph must be compiled before execution")
	}
	e := &Executor{graph: g, log: slog.Default(), maxConcurrency: defaultMaxConcurrency}
	for _, o := range opts {
		o(e)
	}
	if e.maxConcurrency < 1 {
		e.maxConcurrency = 1
	}
	return e, nil
}

func (e *Executor) Graph() *plan.Graph { return e.graph }

// Execute resolves output for every root value and returns exactly one
// outcome per root, in root order. output must live on the root layer.
func (e *Executor) Execute(ctx context.Context, roots []any, contextValue any, output plan.StepID) []plan.Result {
	ctx, id := reqid.Ensure(ctx)
	start := time.Now()
	eventbus.Publish(ctx, events.BatchStart{Rows: len(roots)})

	b := e.NewBatch(ctx, roots, contextValue)
	results := b.Resolve(ctx, b.Scopes(), output)

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	e.log.Debug("batch executed", "batch", id, "rows", len(roots), "errors", failed, "duration", time.Since(start))
	eventbus.Publish(ctx, events.BatchFinish{Rows: len(roots), Errors: failed, Duration: time.Since(start)})
	return results
}

// NewBatch creates one root scope per root value and runs the side-effect
// steps of the root layer for them.
func (e *Executor) NewBatch(ctx context.Context, roots []any, contextValue any) *Batch {
	b := &Batch{
		exec:     e,
		graph:    e.graph,
		inflight: make(map[inflightKey]*pending),
		sem:      make(chan struct{}, e.maxConcurrency),
		scopes:   make([]*Scope, len(roots)),
	}
	rootID := e.graph.Root().ID()
	ctxID := e.graph.Context().ID()
	for i, v := range roots {
		s := newRootScope(i)
		s.results.bucket("").set(rootID, plan.Ok(v))
		s.results.bucket("").set(ctxID, plan.Ok(contextValue))
		b.scopes[i] = s
	}
	b.runSideEffects(ctx, b.scopes, "")
	return b
}
