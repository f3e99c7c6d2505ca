package sqlplan

import (
	"fmt"
	"slices"

	plan "github.com/hanpama/stepplan/internal/plan"
)

// UpdateStep updates the single row of a source identified by its getBy
// columns, once per input row.
type UpdateStep struct {
	mutationStep
	columns []columnBinding
}

// Update adds a step updating the row of src whose getBy columns equal the
// given values, setting columns. More columns may be added with Set until
// the graph is compiled.
func Update(g *plan.Graph, src *Source, getBy, columns map[string]plan.Step, opts ...MutationOption) (*UpdateStep, error) {
	s := &UpdateStep{}
	if err := s.init(g, s, "update", src, getBy, opts); err != nil {
		return nil, err
	}
	for _, name := range sortedKeys(columns) {
		if err := s.Set(name, columns[name]); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Set adds column name with the value of step value to the update.
func (s *UpdateStep) Set(name string, value plan.Step) error {
	if s.Locked() {
		return &plan.LockedGraphError{Op: "set column " + name, Step: s.ID()}
	}
	if slices.ContainsFunc(s.columns, func(c columnBinding) bool { return c.name == name }) {
		return fmt.Errorf("sqlplan: column %q was set more than once on update step %d", name, s.ID())
	}
	b, err := s.bind(name, value)
	if err != nil {
		return err
	}
	s.columns = append(s.columns, b)
	return nil
}

// Columns lists the updated columns in the order they were set.
func (s *UpdateStep) Columns() []string { return bindingNames(s.columns) }

// Finalize renders the statement:
//
//	update "t" set "c" = $1::type where ("k" = $2::type) returning "c" as "0"
func (s *UpdateStep) Finalize() error {
	if s.IsFinalized() {
		return nil
	}
	if s.source.Table == nil {
		return s.check()
	}
	if len(s.columns) == 0 {
		return plan.Invalid(s, "no new values were specified for the update")
	}
	if err := s.check(); err != nil {
		return err
	}
	b := newBinder()
	sets := make([]Fragment, len(s.columns))
	for i, c := range s.columns {
		sets[i] = Concat(Ident(c.name), Raw(" = "), b.param(c))
	}
	s.compile(Concat(
		Raw("update "), *s.source.Table,
		Raw(" set "), Join(sets, ", "),
		s.where(b),
		s.returning(),
	), b)
	return s.BaseStep.Finalize()
}
