package sqlplan

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strconv"

	"golang.org/x/sync/errgroup"

	log "github.com/hanpama/stepplan/internal/log"
	plan "github.com/hanpama/stepplan/internal/plan"
)

const defaultConcurrency = 8

// MutationOption configures Update and Delete steps.
type MutationOption func(*mutationStep)

// WithConcurrency bounds how many row statements of one call run at once.
func WithConcurrency(n int) MutationOption {
	return func(m *mutationStep) {
		if n > 0 {
			m.limit = n
		}
	}
}

func WithLogger(l *slog.Logger) MutationOption { return func(m *mutationStep) { m.log = l } }

type columnBinding struct {
	name  string
	slot  int
	codec *Codec
}

// mutationStep holds what row-identified statements share: the row lookup,
// the RETURNING list and per-row execution of the compiled query.
//
// A bulk statement is never issued: which returned row belongs to which
// input cannot be told once triggers may reorder or drop rows, so every row
// gets its own statement.
type mutationStep struct {
	plan.BaseStep
	verb        string
	source      *Source
	contextSlot int
	getBys      []columnBinding
	selects     []string
	query       *Query
	limit       int
	log         *slog.Logger
}

func (m *mutationStep) init(g *plan.Graph, self plan.Step, verb string, src *Source, getBy map[string]plan.Step, opts []MutationOption) error {
	if g == nil {
		return fmt.Errorf("sqlplan: %s needs a graph", verb)
	}
	if src == nil {
		return fmt.Errorf("sqlplan: %s needs a source", verb)
	}
	m.verb = verb
	m.source = src
	m.limit = defaultConcurrency
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = log.WithSource(src.Name)
	}
	m.HasSideEffects = true
	if _, err := g.Add(self); err != nil {
		return err
	}
	slot, err := m.AddDependency(g.Context())
	if err != nil {
		return err
	}
	m.contextSlot = slot
	for _, name := range sortedKeys(getBy) {
		b, err := m.bind(name, getBy[name])
		if err != nil {
			return err
		}
		m.getBys = append(m.getBys, b)
	}
	return nil
}

func (m *mutationStep) bind(name string, value plan.Step) (columnBinding, error) {
	if value == nil {
		return columnBinding{}, fmt.Errorf("sqlplan: no value for column %q", name)
	}
	codec, err := m.source.Codec(name)
	if err != nil {
		return columnBinding{}, err
	}
	slot, err := m.AddDependency(value)
	if err != nil {
		return columnBinding{}, err
	}
	return columnBinding{name: name, slot: slot, codec: codec}, nil
}

func (m *mutationStep) Source() *Source { return m.source }

// Query returns the compiled statement, or nil before finalize.
func (m *mutationStep) Query() *Query { return m.query }

// GetBy lists the columns identifying the row, sorted.
func (m *mutationStep) GetBy() []string { return bindingNames(m.getBys) }

// Get returns a step reading attr from the row the statement returns.
func (m *mutationStep) Get(attr string) (*ColumnStep, error) {
	if m.Locked() {
		return nil, &plan.LockedGraphError{Op: "select column", Step: m.ID()}
	}
	codec, err := m.source.Codec(attr)
	if err != nil {
		return nil, err
	}
	return newColumn(m, attr, m.selectIndex(attr), codec)
}

// Record returns a step yielding every column of the returned row.
func (m *mutationStep) Record() (*RecordStep, error) {
	if m.Locked() {
		return nil, &plan.LockedGraphError{Op: "select record", Step: m.ID()}
	}
	names := m.source.ColumnNames()
	indexes := make([]int, len(names))
	codecs := make([]*Codec, len(names))
	for i, n := range names {
		indexes[i] = m.selectIndex(n)
		codecs[i] = m.source.Columns[n]
	}
	return newRecord(m, names, indexes, codecs)
}

func (m *mutationStep) selectIndex(name string) int {
	if i := slices.Index(m.selects, name); i >= 0 {
		return i
	}
	m.selects = append(m.selects, name)
	return len(m.selects) - 1
}

// check reports lookups which can never identify a single row.
func (m *mutationStep) check() error {
	if m.source.Table == nil {
		return plan.Invalid(m, "can only %s sources defined as SQL, %s is not", m.verb, m.source.Name)
	}
	if len(m.getBys) == 0 {
		return plan.Invalid(m, "no columns identify the row to %s", m.verb)
	}
	if names := bindingNames(m.getBys); !m.source.IsUnique(names) {
		return plan.Invalid(m, "columns %v do not identify a unique row of %s (uniques %v)", names, m.source.Name, m.source.Uniques)
	}
	return nil
}

// binder hands out placeholder tokens while a statement is built.
type binder struct {
	bindings map[PlaceholderToken]Binding
}

func newBinder() *binder { return &binder{bindings: make(map[PlaceholderToken]Binding)} }

func (b *binder) param(c columnBinding) Fragment {
	tok := PlaceholderToken(len(b.bindings))
	b.bindings[tok] = Binding{Dep: c.slot, Encode: c.codec.Encode}
	return Cast(Param(tok), c.codec.SQLType)
}

func (m *mutationStep) where(b *binder) Fragment {
	clauses := make([]Fragment, len(m.getBys))
	for i, c := range m.getBys {
		clauses[i] = Parens(Concat(Ident(c.name), Raw(" = "), b.param(c)))
	}
	return Concat(Raw(" where "), Join(clauses, " and "))
}

func (m *mutationStep) returning() Fragment {
	if len(m.selects) == 0 {
		return Raw("")
	}
	cols := make([]Fragment, len(m.selects))
	for i, name := range m.selects {
		cols[i] = Concat(Ident(name), Raw(" as "), Ident(strconv.Itoa(i)))
	}
	return Concat(Raw(" returning "), Join(cols, ", "))
}

func (m *mutationStep) compile(stmt Fragment, b *binder) {
	text, values := Compile(stmt, m.source.Dialect)
	m.query = &Query{Text: text, Values: values, Bindings: b.bindings}
	m.log.Debug("statement compiled", "step", int(m.ID()), "verb", m.verb, "text", text)
}

// Execute runs one statement per row, concurrently. A row's result is the
// first returned row, nil when no row matched, or an empty row when rows
// were affected but nothing was selected.
func (m *mutationStep) Execute(ctx context.Context, extra plan.Extra, values [][]any) []plan.Result {
	results := make([]plan.Result, extra.Count)
	if m.query == nil {
		for i := range results {
			results[i] = plan.Fail(fmt.Errorf("sqlplan: %s step %d executed before finalize", m.verb, m.ID()))
		}
		return results
	}
	var g errgroup.Group
	g.SetLimit(m.limit)
	for row := 0; row < extra.Count; row++ {
		g.Go(func() error {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error("statement panicked", "step", int(m.ID()), "row", row, "panic", r)
					results[row] = plan.Fail(fmt.Errorf("%s %s: row %d panicked: %v", m.verb, m.source.Name, row, r))
				}
			}()
			results[row] = m.executeRow(ctx, values, row)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (m *mutationStep) executeRow(ctx context.Context, values [][]any, row int) plan.Result {
	params, err := m.query.Substitute(values, row)
	if err != nil {
		return plan.Fail(err)
	}
	res, err := m.source.run(ctx, QueryRequest{
		Context: values[m.contextSlot][row],
		Text:    m.query.Text,
		Values:  params,
	})
	if err != nil {
		m.log.Debug("statement failed", "step", int(m.ID()), "row", row, "error", err)
		return plan.Fail(fmt.Errorf("%s %s: %w", m.verb, m.source.Name, err))
	}
	switch {
	case len(res.Rows) > 0:
		return plan.Ok(res.Rows[0])
	case res.RowCount == 0:
		return plan.Ok(nil)
	default:
		return plan.Ok(map[string]any{})
	}
}

func bindingNames(bs []columnBinding) []string {
	names := make([]string, len(bs))
	for i, b := range bs {
		names[i] = b.name
	}
	return names
}

func sortedKeys(m map[string]plan.Step) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func addStep(g *plan.Graph, s plan.Step, deps ...plan.Step) error {
	if g == nil {
		return fmt.Errorf("sqlplan: dependency is not part of a graph")
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
