package plan

import (
	"context"
	"fmt"
)

// StepID is the index of a Step in its Graph's arena.
type StepID int

// Result is the outcome of one row of a Step execution.
type Result struct {
	// Value is the computed value, or nil on error.
	Value any
	// Err is a failure specific to this row; other rows are unaffected.
	Err error
}

func Ok(v any) Result { return Result{Value: v} }

func Fail(err error) Result { return Result{Err: err} }

// Extra carries per-call information handed to Step executions.
type Extra struct {
	// Count is the number of rows in this call.
	Count int
}

// Step is a node in a plan Graph. Concrete steps embed BaseStep and implement
// exactly one of Executable or Unbatched (or are seeded by the executor).
type Step interface {
	Base() *BaseStep
	// Deduplicate receives steps of the same type and dependency list and
	// returns those which are also equivalent by the step's own criteria.
	Deduplicate(peers []Step) []Step
	// Finalize prepares the step for repeated execution. It runs once, after
	// the graph is locked and after all dependencies are finalized.
	Finalize() error
}

// Executable is a Step that processes a whole batch in one call.
//
// values[slot][row] holds the value of dependency slot for row. The returned
// slice must have exactly extra.Count entries, results[i] belonging to row i;
// a failing row must not affect the others.
type Executable interface {
	Step
	Execute(ctx context.Context, extra Extra, values [][]any) []Result
}

// Unbatched is a Step which computes each row independently. The executor
// fans it out over the rows of a batch.
type Unbatched interface {
	Step
	ExecuteOne(ctx context.Context, extra Extra, deps ...any) (any, error)
}

// seeded steps are never executed; the executor writes their values.
type seeded interface {
	Step
	seed()
}

type kind uint8

const (
	kindUnknown kind = iota
	kindBatched
	kindUnbatched
	kindSeeded
	kindEach
)

// BaseStep holds the state shared by every Step. It is meant to be embedded.
type BaseStep struct {
	// IsSyncAndSafe marks steps without I/O and side effects; the executor
	// runs them inline.
	IsSyncAndSafe bool
	// HasSideEffects marks steps which must run even if nothing reads their
	// result. They are never deduplicated.
	HasSideEffects bool

	graph        *Graph
	id           StepID
	kind         kind
	deps         []StepID
	locked       bool
	finalized    bool
	pathIdentity string
}

func (b *BaseStep) Base() *BaseStep { return b }

func (b *BaseStep) ID() StepID { return b.id }

func (b *BaseStep) Graph() *Graph { return b.graph }

// Dependencies returns the dependency ids in slot order.
func (b *BaseStep) Dependencies() []StepID {
	return append([]StepID(nil), b.deps...)
}

// Dependency returns the step id held by the given slot.
func (b *BaseStep) Dependency(slot int) StepID { return b.deps[slot] }

func (b *BaseStep) Locked() bool { return b.locked }

func (b *BaseStep) IsFinalized() bool { return b.finalized }

// PathIdentity is the result-tree layer the step's values belong to. It is
// assigned during Compile.
func (b *BaseStep) PathIdentity() string { return b.pathIdentity }

// Deduplicate by default keeps every step distinct.
func (b *BaseStep) Deduplicate(peers []Step) []Step { return nil }

func (b *BaseStep) Finalize() error {
	b.finalized = true
	return nil
}

// AddDependency registers dep as an upstream of this step and returns the
// dependency slot, which stays stable for the step's lifetime.
func (b *BaseStep) AddDependency(dep Step) (int, error) {
	if b.graph == nil {
		return 0, fmt.Errorf("plan: step must be added to a graph before adding dependencies")
	}
	if b.locked {
		return 0, &LockedGraphError{Op: "add dependency", Step: b.id}
	}
	db := dep.Base()
	if db.graph != b.graph {
		return 0, fmt.Errorf("plan: step %d cannot depend on a step from another graph", b.id)
	}
	if db.id == b.id || b.graph.reaches(db.id, b.id) {
		return 0, fmt.Errorf("plan: dependency %d -> %d would create a cycle", b.id, db.id)
	}
	b.deps = append(b.deps, db.id)
	return len(b.deps) - 1, nil
}

func (b *BaseStep) String() string {
	return fmt.Sprintf("step#%d", b.id)
}
