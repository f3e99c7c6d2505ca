package sqlplan

import (
	"context"
	"fmt"
	"slices"
	"strconv"

	plan "github.com/hanpama/stepplan/internal/plan"
)

// ColumnStep reads one selected column from the row a statement returned
// and decodes it with the column's codec.
type ColumnStep struct {
	plan.BaseStep
	name  string
	index int
	codec *Codec
}

func newColumn(from plan.Step, name string, index int, codec *Codec) (*ColumnStep, error) {
	s := &ColumnStep{name: name, index: index, codec: codec}
	s.IsSyncAndSafe = true
	if err := addStep(from.Base().Graph(), s, from); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ColumnStep) Name() string { return s.name }

func (s *ColumnStep) Deduplicate(peers []plan.Step) []plan.Step {
	var out []plan.Step
	for _, p := range peers {
		if p.(*ColumnStep).index == s.index {
			out = append(out, p)
		}
	}
	return out
}

func (s *ColumnStep) ExecuteOne(ctx context.Context, extra plan.Extra, deps ...any) (any, error) {
	row, err := asRow(deps[0])
	if row == nil || err != nil {
		return nil, err
	}
	return s.codec.Decode(row[strconv.Itoa(s.index)])
}

// RecordStep yields every column of a returned row as a map.
type RecordStep struct {
	plan.BaseStep
	names   []string
	indexes []int
	codecs  []*Codec
}

func newRecord(from plan.Step, names []string, indexes []int, codecs []*Codec) (*RecordStep, error) {
	s := &RecordStep{names: names, indexes: indexes, codecs: codecs}
	s.IsSyncAndSafe = true
	if err := addStep(from.Base().Graph(), s, from); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RecordStep) Deduplicate(peers []plan.Step) []plan.Step {
	var out []plan.Step
	for _, p := range peers {
		if slices.Equal(p.(*RecordStep).names, s.names) {
			out = append(out, p)
		}
	}
	return out
}

func (s *RecordStep) ExecuteOne(ctx context.Context, extra plan.Extra, deps ...any) (any, error) {
	row, err := asRow(deps[0])
	if row == nil || err != nil {
		return nil, err
	}
	out := make(map[string]any, len(s.names))
	for i, name := range s.names {
		v, err := s.codecs[i].Decode(row[strconv.Itoa(s.indexes[i])])
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

func asRow(v any) (map[string]any, error) {
	if v == nil {
		return nil, nil
	}
	row, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("sqlplan: expected a row, got %T", v)
	}
	return row, nil
}
