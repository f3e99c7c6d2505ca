// Package planfile turns a loaded plan file into a compiled graph and an
// executor for it.
package planfile

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strings"
	"text/tabwriter"

	config "github.com/hanpama/stepplan/internal/config"
	exec "github.com/hanpama/stepplan/internal/exec"
	log "github.com/hanpama/stepplan/internal/log"
	plan "github.com/hanpama/stepplan/internal/plan"
	sqlplan "github.com/hanpama/stepplan/internal/sqlplan"
)

// mutation is what Update and Delete steps have in common.
type mutation interface {
	plan.Step
	Query() *sqlplan.Query
	Get(attr string) (*sqlplan.ColumnStep, error)
	Record() (*sqlplan.RecordStep, error)
}

// Plan is a compiled plan file.
type Plan struct {
	Graph    *plan.Graph
	Sources  map[string]*sqlplan.Source
	Mutation mutation
	// Output is the step whose value is reported for each input row.
	Output plan.StepID

	executor *exec.Executor
}

// Build creates the sources, adds the mutation and its outputs to a new
// graph and compiles it. Every source sends its statements to ds.
func Build(cfg *config.Config, ds sqlplan.DataSource) (*Plan, error) {
	dialect, ok := sqlplan.ParseDialect(cfg.Database.Dialect)
	if !ok {
		return nil, fmt.Errorf("unknown dialect %q", cfg.Database.Dialect)
	}
	if d, ok := ds.(interface{ Dialect() sqlplan.Dialect }); ok && d.Dialect() != dialect {
		return nil, fmt.Errorf("database.dialect is %s but the database speaks %s; %s plans can only be explained", dialect, d.Dialect(), dialect)
	}
	sources := make(map[string]*sqlplan.Source, len(cfg.Sources))
	for name, sc := range cfg.Sources {
		src, err := buildSource(name, sc, dialect, ds)
		if err != nil {
			return nil, err
		}
		sources[name] = src
	}

	g := plan.New(plan.WithLogger(log.WithComponent("plan")))
	m, err := addMutation(g, cfg, sources[cfg.Mutation.Source])
	if err != nil {
		return nil, err
	}
	output, err := addOutput(g, cfg.Mutation, m)
	if err != nil {
		return nil, err
	}
	if err := g.Compile(); err != nil {
		return nil, fmt.Errorf("compile plan: %w", err)
	}
	e, err := exec.New(g,
		exec.WithLogger(log.WithComponent("exec")),
		exec.WithMaxConcurrency(cfg.Execution.MaxConcurrency),
	)
	if err != nil {
		return nil, err
	}
	return &Plan{
		Graph:    g,
		Sources:  sources,
		Mutation: m,
		Output:   g.Canonical(output),
		executor: e,
	}, nil
}

func buildSource(name string, sc config.SourceConfig, dialect sqlplan.Dialect, ds sqlplan.DataSource) (*sqlplan.Source, error) {
	cols := make(map[string]*sqlplan.Codec, len(sc.Columns))
	for col, codecName := range sc.Columns {
		c, ok := sqlplan.LookupCodec(codecName)
		if !ok {
			return nil, fmt.Errorf("sources.%s.columns.%s: unknown codec %q", name, col, codecName)
		}
		cols[col] = c
	}
	idents := []string{sc.Table}
	if sc.Schema != "" {
		idents = []string{sc.Schema, sc.Table}
	}
	return &sqlplan.Source{
		Name:       name,
		Table:      sqlplan.Table(idents...),
		Columns:    cols,
		Uniques:    sc.Uniques,
		Dialect:    dialect,
		DataSource: ds,
	}, nil
}

func addMutation(g *plan.Graph, cfg *config.Config, src *sqlplan.Source) (mutation, error) {
	mc := cfg.Mutation
	getBy, err := pathSteps(g, mc.GetBy)
	if err != nil {
		return nil, err
	}
	opts := []sqlplan.MutationOption{
		sqlplan.WithConcurrency(cfg.Execution.StatementConcurrency),
		sqlplan.WithLogger(log.WithSource(src.Name)),
	}
	switch mc.Kind {
	case config.KindUpdate:
		set, err := pathSteps(g, mc.Set)
		if err != nil {
			return nil, err
		}
		u, err := sqlplan.Update(g, src, getBy, set, opts...)
		if err != nil {
			return nil, err
		}
		return u, nil
	case config.KindDelete:
		d, err := sqlplan.Delete(g, src, getBy, opts...)
		if err != nil {
			return nil, err
		}
		return d, nil
	}
	return nil, fmt.Errorf("unknown mutation kind %q", mc.Kind)
}

// pathSteps reads each dot-separated path from the root value.
func pathSteps(g *plan.Graph, paths map[string]string) (map[string]plan.Step, error) {
	out := make(map[string]plan.Step, len(paths))
	for col, path := range paths {
		s, err := plan.Access(g.Root(), strings.Split(path, ".")...)
		if err != nil {
			return nil, err
		}
		out[col] = s
	}
	return out, nil
}

func addOutput(g *plan.Graph, mc config.MutationConfig, m mutation) (plan.StepID, error) {
	switch {
	case mc.Record:
		rec, err := m.Record()
		if err != nil {
			return 0, err
		}
		return rec.ID(), nil
	case len(mc.Returning) > 0:
		fields := make(map[string]plan.Step, len(mc.Returning))
		for _, col := range mc.Returning {
			c, err := m.Get(col)
			if err != nil {
				return 0, err
			}
			fields[col] = c
		}
		obj, err := plan.Object(g, fields)
		if err != nil {
			return 0, err
		}
		return obj.ID(), nil
	}
	return m.Base().ID(), nil
}

// Run executes the plan once per row and returns one outcome per row.
func (p *Plan) Run(ctx context.Context, rows []any, contextValue any) []plan.Result {
	return p.executor.Execute(ctx, rows, contextValue, p.Output)
}

// TxBeginner starts transactions, e.g. *sql.DB.
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// RunAtomic runs the batch inside one transaction, which every statement
// receives as its context value. The transaction commits only when every
// row succeeded and is rolled back otherwise.
func (p *Plan) RunAtomic(ctx context.Context, db TxBeginner, rows []any) (results []plan.Result, committed bool, err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin: %w", err)
	}
	results = p.Run(ctx, rows, tx)
	for _, r := range results {
		if r.Err != nil {
			// A cancelled ctx has already rolled the transaction back.
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				return nil, false, fmt.Errorf("rollback: %w", err)
			}
			return results, false, nil
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return results, true, nil
}

// Explain writes the compiled steps in execution order and the statement
// text.
func (p *Plan) Explain(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTEP\tDEPS\tLAYER\tFLAGS")
	for _, id := range p.Graph.Order() {
		s := p.Graph.Step(id)
		b := s.Base()
		var flags []string
		if b.IsSyncAndSafe {
			flags = append(flags, "sync")
		}
		if b.HasSideEffects {
			flags = append(flags, "side-effects")
		}
		if id == p.Output {
			flags = append(flags, "output")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n",
			id, stepName(s), joinIDs(b.Dependencies()), layerName(b.PathIdentity()), strings.Join(flags, ","))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if q := p.Mutation.Query(); q != nil {
		fmt.Fprintf(w, "\n%s\n", q.Text)
		fmt.Fprintf(w, "parameters: %s\n", describeValues(q))
	}
	return nil
}

func stepName(s plan.Step) string {
	switch x := s.(type) {
	case *plan.ValueStep:
		return "Value(" + x.Name() + ")"
	case *plan.AccessStep:
		return "Access(" + strings.Join(x.Path(), ".") + ")"
	case *plan.ObjectStep:
		return "Object(" + strings.Join(x.Keys(), ",") + ")"
	case *sqlplan.ColumnStep:
		return "Column(" + x.Name() + ")"
	case *sqlplan.UpdateStep:
		return "Update(" + x.Source().Name + ")"
	case *sqlplan.DeleteStep:
		return "Delete(" + x.Source().Name + ")"
	}
	t := reflect.TypeOf(s)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return strings.TrimSuffix(t.Name(), "Step")
}

func joinIDs(ids []plan.StepID) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(int(id))
	}
	return strings.Join(parts, ",")
}

func layerName(pathIdentity string) string {
	if pathIdentity == "" {
		return "root"
	}
	return pathIdentity
}

func describeValues(q *sqlplan.Query) string {
	parts := make([]string, len(q.Values))
	for i, v := range q.Values {
		if v.IsPlaceholder() {
			parts[i] = fmt.Sprintf("$%d=dep[%d]", i+1, q.Bindings[v.Token()].Dep)
			continue
		}
		parts[i] = fmt.Sprintf("$%d=%v", i+1, v.Literal())
	}
	sort.Strings(parts)
	return strings.Join(parts, " ")
}
