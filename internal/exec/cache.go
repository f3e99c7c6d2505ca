package exec

import (
	"maps"

	plan "github.com/hanpama/stepplan/internal/plan"
)

// Bucket memoizes step results for one row on one result-tree layer.
type Bucket struct {
	results map[plan.StepID]plan.Result
}

func newBucket() *Bucket {
	return &Bucket{results: make(map[plan.StepID]plan.Result)}
}

func (b *Bucket) get(id plan.StepID) (plan.Result, bool) {
	r, ok := b.results[id]
	return r, ok
}

func (b *Bucket) set(id plan.StepID, r plan.Result) { b.results[id] = r }

// PlanResults maps path identities to buckets. A child scope copies the map,
// so buckets of shared ancestors are the same objects while buckets of new
// layers belong to the child alone.
type PlanResults struct {
	buckets map[string]*Bucket
}

func newPlanResults() *PlanResults {
	return &PlanResults{buckets: map[string]*Bucket{"": newBucket()}}
}

func (r *PlanResults) bucket(pathIdentity string) *Bucket {
	return r.buckets[pathIdentity]
}

// child returns the results visible from a new scope on pathIdentity.
func (r *PlanResults) child(pathIdentity string) *PlanResults {
	c := &PlanResults{buckets: maps.Clone(r.buckets)}
	c.buckets[pathIdentity] = newBucket()
	return c
}

// Scope is one row being resolved at one position of the result tree: a
// root value, or one element of a list below another scope.
type Scope struct {
	pathIdentity string
	indexes      []int
	parent       *Scope
	results      *PlanResults
}

func newRootScope(index int) *Scope {
	return &Scope{indexes: []int{index}, results: newPlanResults()}
}

func (s *Scope) PathIdentity() string { return s.pathIdentity }

// Indexes lists the root index followed by the list index at every layer.
func (s *Scope) Indexes() []int { return append([]int(nil), s.indexes...) }

func (s *Scope) Parent() *Scope { return s.parent }

// ancestorAt returns the scope on layer among s and its parents, or s when
// none is.
func (s *Scope) ancestorAt(layer string) *Scope {
	for sc := s; sc != nil; sc = sc.parent {
		if sc.pathIdentity == layer {
			return sc
		}
	}
	return s
}
