package exec

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	eventbus "github.com/hanpama/stepplan/internal/eventbus"
	events "github.com/hanpama/stepplan/internal/events"
	plan "github.com/hanpama/stepplan/internal/plan"
)

// Batch is one execution pass over a set of root values.
//
// Buckets and the in-flight map are only touched while holding mu; steps
// themselves run outside of it.
type Batch struct {
	exec   *Executor
	graph  *plan.Graph
	scopes []*Scope

	mu       sync.Mutex
	inflight map[inflightKey]*pending
	sem      chan struct{}
}

type inflightKey struct {
	step   plan.StepID
	bucket *Bucket
}

// pending is the outcome of a step for one bucket while it executes.
type pending struct {
	done   chan struct{}
	result plan.Result
}

// Scopes returns the root scopes, one per root value.
func (b *Batch) Scopes() []*Scope { return append([]*Scope(nil), b.scopes...) }

// Resolve returns the outcome of step id for each scope, executing the step
// (and, first, its dependencies) for the scopes whose buckets do not hold a
// result yet. Concurrent callers asking for the same step and bucket share
// one execution.
func (b *Batch) Resolve(ctx context.Context, scopes []*Scope, id plan.StepID) []plan.Result {
	results := make([]plan.Result, len(scopes))
	id = b.graph.Canonical(id)
	step := b.graph.Step(id)
	if step == nil {
		for i := range results {
			results[i] = plan.Fail(fmt.Errorf("exec: unknown step %d", id))
		}
		return results
	}
	layer := step.Base().PathIdentity()

	type waiter struct {
		idx int
		p   *pending
	}
	var (
		waits   []waiter
		todo    []int
		owned   []*pending
		buckets []*Bucket
	)
	b.mu.Lock()
	for i, sc := range scopes {
		if !plan.IsAncestorIdentity(layer, sc.pathIdentity) {
			results[i] = plan.Fail(fmt.Errorf("exec: step %d lives on layer %q which is not visible from %q", id, layer, sc.pathIdentity))
			continue
		}
		bucket := sc.results.bucket(layer)
		if r, ok := bucket.get(id); ok {
			results[i] = r
			continue
		}
		key := inflightKey{step: id, bucket: bucket}
		if p, ok := b.inflight[key]; ok {
			waits = append(waits, waiter{idx: i, p: p})
			continue
		}
		if b.graph.IsSeeded(id) {
			results[i] = plan.Fail(fmt.Errorf("exec: no value was provided for step %d", id))
			continue
		}
		p := &pending{done: make(chan struct{})}
		b.inflight[key] = p
		todo = append(todo, i)
		owned = append(owned, p)
		buckets = append(buckets, bucket)
	}
	b.mu.Unlock()

	if len(todo) > 0 {
		sub := make([]*Scope, len(todo))
		for j, i := range todo {
			sub[j] = scopes[i]
		}
		out := b.execute(ctx, step, sub)

		b.mu.Lock()
		for j, i := range todo {
			buckets[j].set(id, out[j])
			delete(b.inflight, inflightKey{step: id, bucket: buckets[j]})
			results[i] = out[j]
			owned[j].result = out[j]
			close(owned[j].done)
		}
		b.mu.Unlock()
	}

	for _, w := range waits {
		select {
		case <-w.p.done:
			results[w.idx] = w.p.result
		case <-ctx.Done():
			results[w.idx] = plan.Fail(ctx.Err())
		}
	}
	return results
}

// execute runs step for scopes, none of which holds a result for it yet.
func (b *Batch) execute(ctx context.Context, step plan.Step, scopes []*Scope) []plan.Result {
	if each, ok := step.(*plan.EachStep); ok {
		return b.each(ctx, each, scopes)
	}
	base := step.Base()
	deps := base.Dependencies()
	depResults := b.resolveDependencies(ctx, scopes, deps)

	out := make([]plan.Result, len(scopes))
	live := make([]int, 0, len(scopes))
	for i := range scopes {
		if err := firstError(depResults, i); err != nil {
			out[i] = plan.Fail(err)
			continue
		}
		live = append(live, i)
	}
	if len(live) == 0 {
		return out
	}
	// Work not issued yet is dropped once the caller gave up.
	if err := ctx.Err(); err != nil {
		for _, i := range live {
			out[i] = plan.Fail(err)
		}
		return out
	}

	values := make([][]any, len(deps))
	for slot := range deps {
		values[slot] = make([]any, len(live))
		for j, i := range live {
			values[slot][j] = depResults[slot][i].Value
		}
	}
	callCtx := ctx
	if base.HasSideEffects {
		// Issued side effects are never retracted.
		callCtx = context.WithoutCancel(ctx)
	}
	res := b.call(callCtx, step, values, len(live))
	for j, i := range live {
		out[i] = res[j]
	}
	return out
}

// resolveDependencies resolves every dependency slot for scopes. Steps that
// are sync and safe run inline; others get their own goroutine while the
// batch's concurrency budget allows it.
func (b *Batch) resolveDependencies(ctx context.Context, scopes []*Scope, deps []plan.StepID) [][]plan.Result {
	results := make([][]plan.Result, len(deps))
	var wg sync.WaitGroup
	for slot, dep := range deps {
		ds := b.graph.Step(dep)
		if ds == nil || ds.Base().IsSyncAndSafe || b.graph.IsSeeded(dep) || len(deps) == 1 {
			results[slot] = b.Resolve(ctx, scopes, dep)
			continue
		}
		select {
		case b.sem <- struct{}{}:
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-b.sem }()
				results[slot] = b.Resolve(ctx, scopes, dep)
			}()
		default:
			results[slot] = b.Resolve(ctx, scopes, dep)
		}
	}
	wg.Wait()
	return results
}

func firstError(depResults [][]plan.Result, row int) error {
	for _, rs := range depResults {
		if err := rs[row].Err; err != nil {
			return err
		}
	}
	return nil
}

// call invokes the step once for count rows and enforces the result-count
// contract. Panics become row errors.
func (b *Batch) call(ctx context.Context, step plan.Step, values [][]any, count int) (results []plan.Result) {
	start := time.Now()
	id := step.Base().ID()
	extra := plan.Extra{Count: count}

	defer func() {
		if r := recover(); r != nil {
			results = failAll(count, fmt.Errorf("exec: step %d panicked: %v", id, r))
		}
		failed := 0
		for _, r := range results {
			if r.Err != nil {
				failed++
			}
		}
		typ := reflect.TypeOf(step).String()
		b.exec.log.Debug("step executed", "step", int(id), "type", typ, "rows", count, "errors", failed)
		eventbus.Publish(ctx, events.StepExecuted{
			Step:     int(id),
			Type:     typ,
			Rows:     count,
			Errors:   failed,
			Duration: time.Since(start),
		})
	}()

	switch s := step.(type) {
	case plan.Unbatched:
		results = make([]plan.Result, count)
		for row := 0; row < count; row++ {
			args := make([]any, len(values))
			for slot := range values {
				args[slot] = values[slot][row]
			}
			results[row] = executeOne(ctx, s, extra, args)
		}
	case plan.Executable:
		results = s.Execute(ctx, extra, values)
		if len(results) != count {
			results = failAll(count, fmt.Errorf("exec: step %d returned %d results for %d rows", id, len(results), count))
		}
	default:
		results = failAll(count, fmt.Errorf("exec: step %d (%T) is not executable", id, step))
	}
	return results
}

func executeOne(ctx context.Context, s plan.Unbatched, extra plan.Extra, args []any) (res plan.Result) {
	defer func() {
		if r := recover(); r != nil {
			res = plan.Fail(fmt.Errorf("exec: step %d panicked: %v", s.Base().ID(), r))
		}
	}()
	v, err := s.ExecuteOne(ctx, extra, args...)
	if err != nil {
		return plan.Fail(err)
	}
	return plan.Ok(v)
}

func failAll(n int, err error) []plan.Result {
	out := make([]plan.Result, n)
	for i := range out {
		out[i] = plan.Fail(err)
	}
	return out
}

// Items expands item (an Item step) for each parent scope: it resolves the
// list the item belongs to and opens one child scope per element. Parents
// whose list failed get an error and no children; a nil list yields none.
func (b *Batch) Items(ctx context.Context, scopes []*Scope, item plan.StepID) ([][]*Scope, []error) {
	children := make([][]*Scope, len(scopes))
	errs := make([]error, len(scopes))
	item = b.graph.Canonical(item)
	is, ok := b.graph.Step(item).(*plan.ItemStep)
	if !ok {
		for i := range errs {
			errs[i] = fmt.Errorf("exec: step %d is not an item step", item)
		}
		return children, errs
	}
	layer := is.PathIdentity()
	listID := is.Dependency(0)
	parentLayer := b.graph.Step(listID).Base().PathIdentity()
	lists := b.Resolve(ctx, scopes, listID)

	var created []*Scope
	b.mu.Lock()
	for i, sc := range scopes {
		if sc.pathIdentity != parentLayer {
			errs[i] = fmt.Errorf("exec: item layer %q is not directly below %q", layer, sc.pathIdentity)
			continue
		}
		if lists[i].Err != nil {
			errs[i] = lists[i].Err
			continue
		}
		values, err := plan.ListItems(lists[i].Value)
		if err != nil {
			errs[i] = err
			continue
		}
		children[i] = make([]*Scope, len(values))
		for j, v := range values {
			child := &Scope{
				pathIdentity: layer,
				indexes:      append(append([]int(nil), sc.indexes...), j),
				parent:       sc,
				results:      sc.results.child(layer),
			}
			child.results.bucket(layer).set(item, plan.Ok(v))
			children[i][j] = child
			created = append(created, child)
		}
	}
	b.mu.Unlock()

	b.runSideEffects(ctx, created, layer)
	return children, errs
}

// runSideEffects executes, in plan order, every side-effect step living on
// layer for scopes, whether or not anything reads its result.
func (b *Batch) runSideEffects(ctx context.Context, scopes []*Scope, layer string) {
	if len(scopes) == 0 {
		return
	}
	for _, id := range b.graph.Order() {
		s := b.graph.Step(id)
		if s.Base().HasSideEffects && s.Base().PathIdentity() == layer {
			b.Resolve(ctx, scopes, id)
		}
	}
}

// each evaluates an Each step: it opens the item scopes below the scope
// owning the step's layer and resolves the mapped step in every one of them.
func (b *Batch) each(ctx context.Context, s *plan.EachStep, scopes []*Scope) []plan.Result {
	start := time.Now()
	layer := s.PathIdentity()
	owners := make([]*Scope, len(scopes))
	for i, sc := range scopes {
		owners[i] = sc.ancestorAt(layer)
	}
	lists := b.Resolve(ctx, owners, s.Dependency(0))
	children, errs := b.Items(ctx, owners, s.Item())

	var flat []*Scope
	for _, cs := range children {
		flat = append(flat, cs...)
	}
	mapped := b.Resolve(ctx, flat, s.Mapped())

	out := make([]plan.Result, len(scopes))
	failed, k := 0, 0
	for i := range scopes {
		n := len(children[i])
		rows := mapped[k : k+n]
		k += n
		switch {
		case errs[i] != nil:
			out[i] = plan.Fail(errs[i])
		case lists[i].Value == nil:
			out[i] = plan.Ok(nil)
		default:
			out[i] = collect(rows)
		}
		if out[i].Err != nil {
			failed++
		}
	}
	b.exec.log.Debug("each collected", "step", int(s.ID()), "rows", len(scopes), "items", len(flat), "errors", failed)
	eventbus.Publish(ctx, events.StepExecuted{
		Step:     int(s.ID()),
		Type:     reflect.TypeOf(s).String(),
		Rows:     len(scopes),
		Errors:   failed,
		Duration: time.Since(start),
	})
	return out
}

func collect(rows []plan.Result) plan.Result {
	values := make([]any, len(rows))
	for j, r := range rows {
		if r.Err != nil {
			return plan.Fail(fmt.Errorf("item %d: %w", j, r.Err))
		}
		values[j] = r.Value
	}
	return plan.Ok(values)
}
