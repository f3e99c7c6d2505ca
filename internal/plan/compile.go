package plan

import (
	"context"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	eventbus "github.com/hanpama/stepplan/internal/eventbus"
	events "github.com/hanpama/stepplan/internal/events"
)

// Compile locks the graph, merges equivalent steps and finalizes every
// surviving step in dependency order. It runs once; later calls return the
// first outcome.
func (g *Graph) Compile() error {
	if g.compiled || g.compileErr != nil {
		return g.compileErr
	}
	start := time.Now()
	g.lock()

	order := g.topoOrder()
	merged, order := g.deduplicate(order)
	g.order = order

	err := g.assignPathIdentities()
	if err == nil {
		err = g.finalize()
	}
	if err != nil {
		g.compileErr = err
	} else {
		g.compiled = true
	}

	g.log.Debug("plan compiled",
		"steps", len(order),
		"merged", merged,
		"duration", time.Since(start),
		"error", err,
	)
	eventbus.Publish(context.Background(), events.PlanCompiled{
		Steps:    len(order),
		Merged:   merged,
		Err:      err,
		Duration: time.Since(start),
	})
	return err
}

func (g *Graph) lock() {
	g.locked = true
	for _, s := range g.steps {
		if s != nil {
			s.Base().locked = true
		}
	}
}

// topoOrder lists every live step after all of its dependencies, visiting
// in id order so that the result is deterministic.
func (g *Graph) topoOrder() []StepID {
	order := make([]StepID, 0, len(g.steps))
	state := make([]uint8, len(g.steps)) // 0 new, 1 visiting, 2 done
	var visit func(id StepID)
	visit = func(id StepID) {
		if state[id] != 0 {
			return
		}
		state[id] = 1
		for _, d := range g.steps[id].Base().deps {
			visit(d)
		}
		state[id] = 2
		order = append(order, id)
	}
	for id, s := range g.steps {
		if s != nil {
			visit(StepID(id))
		}
	}
	return order
}

type dedupeKey struct {
	typ  reflect.Type
	deps string
}

// deduplicate repeatedly groups steps sharing a dynamic type and dependency
// list and lets each step pick equivalent peers. Merged steps are removed
// from the arena and their dependents rewired to the survivor.
func (g *Graph) deduplicate(order []StepID) (int, []StepID) {
	total := 0
	for {
		merged := 0
		groups := make(map[dedupeKey][]Step)
		for _, id := range order {
			s := g.steps[id]
			if s == nil {
				continue
			}
			b := s.Base()
			for i, d := range b.deps {
				b.deps[i] = g.Canonical(d)
			}
			if b.HasSideEffects || s == Step(g.root) || s == Step(g.context) {
				continue
			}
			key := dedupeKey{typ: reflect.TypeOf(s), deps: depsKey(b.deps)}
			peers := groups[key]
			if survivor := pickSurvivor(peers, s.Deduplicate(peers)); survivor != nil {
				g.steps[id] = nil
				g.replaced[id] = survivor.Base().id
				merged++
				continue
			}
			groups[key] = append(peers, s)
		}
		total += merged
		if merged == 0 {
			break
		}
		live := order[:0]
		for _, id := range order {
			if g.steps[id] != nil {
				live = append(live, id)
			}
		}
		order = live
	}
	return total, order
}

// pickSurvivor returns the lowest-id step of chosen that is one of peers.
func pickSurvivor(peers, chosen []Step) Step {
	var best Step
	for _, c := range chosen {
		for _, p := range peers {
			if p != c {
				continue
			}
			if best == nil || c.Base().id < best.Base().id {
				best = c
			}
		}
	}
	return best
}

func depsKey(deps []StepID) string {
	var sb strings.Builder
	for i, d := range deps {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.Itoa(int(d)))
	}
	return sb.String()
}

// assignPathIdentities places every step on a result-tree layer: item steps
// open a new layer below their list's, other steps live on the deepest layer
// among their dependencies.
func (g *Graph) assignPathIdentities() error {
	for _, id := range g.order {
		s := g.steps[id]
		b := s.Base()
		deepest := ""
		for _, d := range b.deps {
			p := g.steps[d].Base().pathIdentity
			switch {
			case IsAncestorIdentity(p, deepest):
			case IsAncestorIdentity(deepest, p):
				deepest = p
			default:
				return invalid(id, "dependencies live on diverging layers %q and %q", deepest, p)
			}
		}
		if item, ok := s.(*ItemStep); ok {
			deepest = fmt.Sprintf("%s>%s#%d", deepest, item.label, id)
		}
		b.pathIdentity = deepest
	}
	return nil
}

// IsAncestorIdentity reports whether the layer a encloses or equals b.
func IsAncestorIdentity(a, b string) bool {
	return a == "" || a == b || strings.HasPrefix(b, a+">")
}

func (g *Graph) finalize() error {
	for _, id := range g.order {
		s := g.steps[id]
		if s.Base().finalized {
			continue
		}
		if err := s.Finalize(); err != nil {
			return fmt.Errorf("finalize %T (step %d): %w", s, id, err)
		}
		// Steps overriding Finalize must call BaseStep.Finalize.
		s.Base().finalized = true
	}
	return nil
}
