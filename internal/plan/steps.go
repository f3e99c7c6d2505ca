package plan

import (
	"context"
	"fmt"
	"maps"
	"reflect"
	"slices"
	"sort"
)

// ValueStep holds values written by the executor: the batch's root values
// and its context value.
type ValueStep struct {
	BaseStep
	name string
}

func (s *ValueStep) seed() {}

func (s *ValueStep) Name() string { return s.name }

// ConstantStep yields the same value for every row.
type ConstantStep struct {
	BaseStep
	value any
}

// Constant adds a step that always yields v.
func Constant(g *Graph, v any) (*ConstantStep, error) {
	s := &ConstantStep{value: v}
	s.IsSyncAndSafe = true
	if _, err := g.Add(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ConstantStep) Value() any { return s.value }

func (s *ConstantStep) Deduplicate(peers []Step) []Step {
	var out []Step
	for _, p := range peers {
		if reflect.DeepEqual(p.(*ConstantStep).value, s.value) {
			out = append(out, p)
		}
	}
	return out
}

func (s *ConstantStep) ExecuteOne(ctx context.Context, extra Extra, deps ...any) (any, error) {
	return s.value, nil
}

// AccessStep reads an attribute (for example a column of a row) from its
// parent's value, following a path of keys.
type AccessStep struct {
	BaseStep
	path []string
}

// Access adds a step reading path from parent's value. A nil value anywhere
// along the path yields nil.
func Access(parent Step, path ...string) (*AccessStep, error) {
	s := &AccessStep{path: append([]string(nil), path...)}
	s.IsSyncAndSafe = true
	if err := addWithDeps(parent.Base().graph, s, parent); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AccessStep) Path() []string { return append([]string(nil), s.path...) }

func (s *AccessStep) Deduplicate(peers []Step) []Step {
	var out []Step
	for _, p := range peers {
		if slices.Equal(p.(*AccessStep).path, s.path) {
			out = append(out, p)
		}
	}
	return out
}

func (s *AccessStep) ExecuteOne(ctx context.Context, extra Extra, deps ...any) (any, error) {
	cur := deps[0]
	for _, key := range s.path {
		if cur == nil {
			return nil, nil
		}
		next, err := attribute(cur, key)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	return cur, nil
}

func attribute(v any, key string) (any, error) {
	if m, ok := v.(map[string]any); ok {
		return m[key], nil
	}
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, nil
		}
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			break
		}
		mv := rv.MapIndex(reflect.ValueOf(key).Convert(rv.Type().Key()))
		if !mv.IsValid() {
			return nil, nil
		}
		return mv.Interface(), nil
	case reflect.Struct:
		f := rv.FieldByName(key)
		if !f.IsValid() || !f.CanInterface() {
			return nil, nil
		}
		return f.Interface(), nil
	}
	return nil, fmt.Errorf("cannot read attribute %q of %T", key, v)
}

// LambdaStep maps each row's dependency value through a function.
type LambdaStep struct {
	BaseStep
	fn func(any) (any, error)
}

// Lambda adds a step applying fn to dep's value. Lambdas are never merged
// since functions cannot be compared.
func Lambda(dep Step, fn func(any) (any, error)) (*LambdaStep, error) {
	s := &LambdaStep{fn: fn}
	s.IsSyncAndSafe = true
	if err := addWithDeps(dep.Base().graph, s, dep); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LambdaStep) ExecuteOne(ctx context.Context, extra Extra, deps ...any) (any, error) {
	return s.fn(deps[0])
}

// FirstStep yields the first item of a list, or nil for an empty list.
type FirstStep struct {
	BaseStep
}

func First(list Step) (*FirstStep, error) {
	s := &FirstStep{}
	s.IsSyncAndSafe = true
	if err := addWithDeps(list.Base().graph, s, list); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FirstStep) Deduplicate(peers []Step) []Step { return peers }

func (s *FirstStep) ExecuteOne(ctx context.Context, extra Extra, deps ...any) (any, error) {
	items, err := ListItems(deps[0])
	if err != nil || len(items) == 0 {
		return nil, err
	}
	return items[0], nil
}

// ItemStep stands for one element of a list. Each element is resolved in its
// own scope, on a new result-tree layer below the list's.
type ItemStep struct {
	BaseStep
	label string
}

// Item adds a step standing for each element of list. label names the
// position in the result tree (for example a field path).
func Item(list Step, label string) (*ItemStep, error) {
	s := &ItemStep{label: label}
	if err := addWithDeps(list.Base().graph, s, list); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ItemStep) seed() {}

func (s *ItemStep) Label() string { return s.label }

func (s *ItemStep) Deduplicate(peers []Step) []Step {
	var out []Step
	for _, p := range peers {
		if p.(*ItemStep).label == s.label {
			out = append(out, p)
		}
	}
	return out
}

// ListStep combines its dependencies into a list.
type ListStep struct {
	BaseStep
}

func List(g *Graph, items ...Step) (*ListStep, error) {
	s := &ListStep{}
	s.IsSyncAndSafe = true
	if err := addWithDeps(g, s, items...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ListStep) Deduplicate(peers []Step) []Step { return peers }

func (s *ListStep) ExecuteOne(ctx context.Context, extra Extra, deps ...any) (any, error) {
	return append([]any(nil), deps...), nil
}

// ObjectStep builds a map from named dependencies.
type ObjectStep struct {
	BaseStep
	keys []string
}

// Object adds a step yielding map[string]any{key: value of fields[key]}.
func Object(g *Graph, fields map[string]Step) (*ObjectStep, error) {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	deps := make([]Step, len(keys))
	for i, k := range keys {
		deps[i] = fields[k]
	}
	s := &ObjectStep{keys: keys}
	s.IsSyncAndSafe = true
	if err := addWithDeps(g, s, deps...); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ObjectStep) Keys() []string { return append([]string(nil), s.keys...) }

func (s *ObjectStep) Deduplicate(peers []Step) []Step {
	var out []Step
	for _, p := range peers {
		if slices.Equal(p.(*ObjectStep).keys, s.keys) {
			out = append(out, p)
		}
	}
	return out
}

func (s *ObjectStep) ExecuteOne(ctx context.Context, extra Extra, deps ...any) (any, error) {
	obj := make(map[string]any, len(s.keys))
	for i, k := range s.keys {
		obj[k] = deps[i]
	}
	return obj, nil
}

// ListItems returns the elements of a list value. nil yields no items.
func ListItems(v any) ([]any, error) {
	if v == nil {
		return nil, nil
	}
	if items, ok := v.([]any); ok {
		return items, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected list value, got %T", v)
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, nil
}

func addWithDeps(g *Graph, s Step, deps ...Step) error {
	if g == nil {
		return fmt.Errorf("plan: dependency is not part of a graph")
	}
	if _, err := g.Add(s); err != nil {
		return err
	}
	for _, d := range deps {
		if _, err := s.Base().AddDependency(d); err != nil {
			return err
		}
	}
	return nil
}

// MapStep builds a new object from another one by renaming keys.
type MapStep struct {
	BaseStep
	// mapping holds desired key -> key read from the input.
	mapping map[string]string
}

// Map adds a step yielding {desired: value[actual]} for every entry of
// mapping. A nil input yields nil.
func Map(dep Step, mapping map[string]string) (*MapStep, error) {
	s := &MapStep{mapping: maps.Clone(mapping)}
	s.IsSyncAndSafe = true
	if err := addWithDeps(dep.Base().graph, s, dep); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MapStep) Mapping() map[string]string { return maps.Clone(s.mapping) }

func (s *MapStep) Deduplicate(peers []Step) []Step {
	var out []Step
	for _, p := range peers {
		if maps.Equal(p.(*MapStep).mapping, s.mapping) {
			out = append(out, p)
		}
	}
	return out
}

func (s *MapStep) ExecuteOne(ctx context.Context, extra Extra, deps ...any) (any, error) {
	if deps[0] == nil {
		return nil, nil
	}
	obj := make(map[string]any, len(s.mapping))
	for desired, actual := range s.mapping {
		v, err := attribute(deps[0], actual)
		if err != nil {
			return nil, err
		}
		obj[desired] = v
	}
	return obj, nil
}

// ReverseStep yields a list in reverse order. nil stays nil.
type ReverseStep struct {
	BaseStep
}

func Reverse(list Step) (*ReverseStep, error) {
	s := &ReverseStep{}
	s.IsSyncAndSafe = true
	if err := addWithDeps(list.Base().graph, s, list); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ReverseStep) Deduplicate(peers []Step) []Step { return peers }

func (s *ReverseStep) ExecuteOne(ctx context.Context, extra Extra, deps ...any) (any, error) {
	if deps[0] == nil {
		return nil, nil
	}
	items, err := ListItems(deps[0])
	if err != nil {
		return nil, err
	}
	out := make([]any, len(items))
	for i, v := range items {
		out[len(items)-1-i] = v
	}
	return out, nil
}

// EachStep maps every element of a list through a step planned for a single
// element. Its only dependency is the list, so it lives on the list's layer;
// the executor opens the item scopes and collects the mapped values in list
// order.
type EachStep struct {
	BaseStep
	item   StepID
	mapped StepID
}

// Each adds an Item step over list, passes it to mapper and returns a step
// yielding the mapper's step's value for every element. A nil list yields
// nil, and an element that fails fails the whole list.
func Each(list Step, label string, mapper func(item *ItemStep) (Step, error)) (*EachStep, error) {
	item, err := Item(list, label)
	if err != nil {
		return nil, err
	}
	mapped, err := mapper(item)
	if err != nil {
		return nil, err
	}
	if mapped == nil || mapped.Base().graph != item.graph {
		return nil, fmt.Errorf("plan: each %q: mapper must return a step of the same graph", label)
	}
	s := &EachStep{item: item.id, mapped: mapped.Base().id}
	if err := addWithDeps(item.graph, s, list); err != nil {
		return nil, err
	}
	return s, nil
}

// Item returns the canonical id of the element step.
func (s *EachStep) Item() StepID { return s.graph.Canonical(s.item) }

// Mapped returns the canonical id of the per-element step.
func (s *EachStep) Mapped() StepID { return s.graph.Canonical(s.mapped) }

func (s *EachStep) Deduplicate(peers []Step) []Step {
	var out []Step
	for _, p := range peers {
		e := p.(*EachStep)
		if e.Item() == s.Item() && e.Mapped() == s.Mapped() {
			out = append(out, p)
		}
	}
	return out
}

// Finalize checks that the mapped step is resolvable from an element scope.
func (s *EachStep) Finalize() error {
	item := s.graph.Step(s.Item()).Base().PathIdentity()
	mapped := s.graph.Step(s.Mapped()).Base().PathIdentity()
	if !IsAncestorIdentity(mapped, item) {
		return Invalid(s, "mapped step %d lives on layer %q, not visible from items on %q", s.Mapped(), mapped, item)
	}
	return s.BaseStep.Finalize()
}
