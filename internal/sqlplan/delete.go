package sqlplan

import plan "github.com/hanpama/stepplan/internal/plan"

// DeleteStep deletes the single row of a source identified by its getBy
// columns, once per input row.
type DeleteStep struct {
	mutationStep
}

func Delete(g *plan.Graph, src *Source, getBy map[string]plan.Step, opts ...MutationOption) (*DeleteStep, error) {
	s := &DeleteStep{}
	if err := s.init(g, s, "delete", src, getBy, opts); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DeleteStep) Finalize() error {
	if s.IsFinalized() {
		return nil
	}
	if err := s.check(); err != nil {
		return err
	}
	b := newBinder()
	s.compile(Concat(
		Raw("delete from "), *s.source.Table,
		s.where(b),
		s.returning(),
	), b)
	return s.BaseStep.Finalize()
}
