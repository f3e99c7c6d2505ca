package plan

import (
	"fmt"
	"log/slog"
)

// Graph is the arena owning every Step of a plan. Steps reference each other
// by id, which keeps rewiring during deduplication a matter of rewriting ids.
type Graph struct {
	steps    []Step
	replaced map[StepID]StepID
	order    []StepID

	locked     bool
	compiled   bool
	compileErr error

	root    *ValueStep
	context *ValueStep

	log *slog.Logger
}

type Option func(*Graph)

// WithLogger sets the logger used while compiling.
func WithLogger(l *slog.Logger) Option { return func(g *Graph) { g.log = l } }

// New creates an empty graph holding the root-value and context-value steps.
func New(opts ...Option) *Graph {
	g := &Graph{replaced: make(map[StepID]StepID), log: slog.Default()}
	for _, o := range opts {
		o(g)
	}
	g.root = &ValueStep{name: "root"}
	g.context = &ValueStep{name: "context"}
	// Cannot fail on an unlocked graph.
	_, _ = g.Add(g.root)
	_, _ = g.Add(g.context)
	return g
}

// Root returns the step holding each row's root value.
func (g *Graph) Root() *ValueStep { return g.root }

// Context returns the step holding the batch's context value.
func (g *Graph) Context() *ValueStep { return g.context }

// Add registers s in the arena and assigns its id.
func (g *Graph) Add(s Step) (StepID, error) {
	if g.locked {
		return -1, &LockedGraphError{Op: "add step", Step: -1}
	}
	b := s.Base()
	if b.graph != nil {
		return -1, fmt.Errorf("plan: step %d already belongs to a graph", b.id)
	}
	var k kind
	switch s.(type) {
	case *EachStep:
		k = kindEach
	case seeded:
		k = kindSeeded
	case Unbatched:
		k = kindUnbatched
	case Executable:
		k = kindBatched
	default:
		return -1, fmt.Errorf("plan: %T implements neither Executable nor Unbatched", s)
	}
	b.graph = g
	b.id = StepID(len(g.steps))
	b.kind = k
	g.steps = append(g.steps, s)
	return b.id, nil
}

// Step returns the step for id, following deduplication replacements.
func (g *Graph) Step(id StepID) Step {
	id = g.Canonical(id)
	if id < 0 || int(id) >= len(g.steps) {
		return nil
	}
	return g.steps[id]
}

// Canonical returns the id of the step which survived deduplication in place
// of id (id itself if it was not merged).
func (g *Graph) Canonical(id StepID) StepID {
	for {
		next, ok := g.replaced[id]
		if !ok {
			return id
		}
		id = next
	}
}

// Len returns the arena size, including merged slots.
func (g *Graph) Len() int { return len(g.steps) }

// Order returns the surviving steps in dependency order. It is only
// populated after Compile.
func (g *Graph) Order() []StepID { return append([]StepID(nil), g.order...) }

func (g *Graph) Locked() bool { return g.locked }

func (g *Graph) Compiled() bool { return g.compiled }

// IsBatched reports whether the step processes whole batches.
func (g *Graph) IsBatched(id StepID) bool { return g.kindOf(id) == kindBatched }

// IsUnbatched reports whether the step is executed row by row.
func (g *Graph) IsUnbatched(id StepID) bool { return g.kindOf(id) == kindUnbatched }

// IsSeeded reports whether the step's values are provided by the executor.
func (g *Graph) IsSeeded(id StepID) bool { return g.kindOf(id) == kindSeeded }

// IsEach reports whether the step is an Each step, which the executor
// evaluates through item scopes.
func (g *Graph) IsEach(id StepID) bool { return g.kindOf(id) == kindEach }

func (g *Graph) kindOf(id StepID) kind {
	if s := g.Step(id); s != nil {
		return s.Base().kind
	}
	return kindUnknown
}

// reaches reports whether to is reachable from from by following
// dependency edges.
func (g *Graph) reaches(from, to StepID) bool {
	seen := make(map[StepID]bool)
	stack := []StepID{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		stack = append(stack, g.steps[id].Base().deps...)
	}
	return false
}
