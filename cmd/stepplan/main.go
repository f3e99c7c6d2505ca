package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hanpama/stepplan/internal/config"
	"github.com/hanpama/stepplan/internal/eventbus"
	"github.com/hanpama/stepplan/internal/log"
	"github.com/hanpama/stepplan/internal/otel"
	"github.com/hanpama/stepplan/internal/plan"
	"github.com/hanpama/stepplan/internal/planfile"
	"github.com/hanpama/stepplan/internal/server"
	"github.com/hanpama/stepplan/internal/sqlsource"
)

const rootUsage = `stepplan: batched SQL mutations from a step plan

USAGE:
  stepplan <command> [flags]

COMMANDS:
  run              Run the plan file's mutation once per input row
  serve            Serve an HTTP endpoint running one batch per request
  explain          Print the compiled steps and statement of a plan file
  help             Show help for any command
`

const runUsage = `run FLAGS:
  -config <file>           Plan file (default: stepplan.yaml)
  -input <file>            JSON rows: one array, or one value per line. "-" reads stdin (default: -)
  -atomic                  Run the batch in one transaction, rolled back if any row fails
  -pretty                  Pretty-print JSON results
  -log.level <level>       debug, info, warn or error (default: the plan file's service.log_level)
  -otel.endpoint <addr>    OTLP collector endpoint
  -otel.service <name>     OpenTelemetry service name (default: the plan file's service.name)
`

const serveUsage = `serve FLAGS:
  -config <file>                Plan file (default: stepplan.yaml)
  -server.addr <addr>           HTTP listen address (default: :8080)
  -server.path <path>           Endpoint path (default: /batch)
  -server.pretty                Pretty-print JSON responses
  -server.max-body-bytes <n>    Request body limit (default: 1048576)
  -server.max-rows <n>          Rows per batch limit, 0 for none (default: 0)
  -server.cors-origin <origin>  Allow a CORS origin. Repeatable
  -atomic                       Run each batch in one transaction, rolled back if any row fails
  -log.level <level>            debug, info, warn or error (default: the plan file's service.log_level)
  -otel.endpoint <addr>         OTLP collector endpoint
  -otel.service <name>          OpenTelemetry service name (default: the plan file's service.name)
`

const explainUsage = `explain FLAGS:
  -config <file>           Plan file (default: stepplan.yaml)
`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, "stepplan:", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	global := flag.NewFlagSet("stepplan", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "run":
		return cmdRun(cmdArgs, stdin, stdout, stderr)
	case "serve":
		return cmdServe(cmdArgs, stderr)
	case "explain":
		return cmdExplain(cmdArgs, stdout, stderr)
	case "help":
		return cmdHelp(cmdArgs, stdout)
	default:
		fmt.Fprint(stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		fmt.Fprint(stdout, rootUsage)
		return nil
	}
	switch args[0] {
	case "run":
		fmt.Fprint(stdout, runUsage)
	case "serve":
		fmt.Fprint(stdout, serveUsage)
	case "explain":
		fmt.Fprint(stdout, explainUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

func cmdRun(args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	configPath := "stepplan.yaml"
	inputPath := "-"
	atomic := false
	pretty := false
	logLevel := ""
	otelEndpoint := ""
	otelService := ""

	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", configPath, "Plan file")
	fs.StringVar(&inputPath, "input", inputPath, "JSON rows")
	fs.BoolVar(&atomic, "atomic", atomic, "Run the batch in one transaction")
	fs.BoolVar(&pretty, "pretty", pretty, "Pretty-print JSON results")
	fs.StringVar(&logLevel, "log.level", logLevel, "Log level")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, runUsage)
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, cleanup, err := setup(cfg, logLevel, otelEndpoint, otelService, stderr)
	if err != nil {
		return err
	}
	defer cleanup()

	rows, err := readRows(inputPath, stdin)
	if err != nil {
		return fmt.Errorf("read input: %w", err)
	}

	ctx := context.Background()
	if cfg.Execution.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cfg.Execution.Timeout)
		defer cancel()
	}

	p, db, err := openPlan(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	var results []plan.Result
	committed := true
	if atomic {
		results, committed, err = p.RunAtomic(ctx, db.DB(), rows)
		if err != nil {
			return err
		}
	} else {
		results = p.Run(ctx, rows, nil)
	}

	failed := 0
	enc := json.NewEncoder(stdout)
	if pretty {
		enc.SetIndent("", "  ")
	}
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
		if err := enc.Encode(rowOutput(r)); err != nil {
			return fmt.Errorf("write result: %w", err)
		}
	}
	logger.Info("batch finished", "rows", len(rows), "errors", failed)
	if !committed {
		return fmt.Errorf("%d of %d rows failed, transaction rolled back", failed, len(rows))
	}
	return nil
}

// setup configures logging and tracing for one command. The returned
// function flushes spans and detaches the event bus.
func setup(cfg *config.Config, logLevel, otelEndpoint, otelService string, stderr io.Writer) (*slog.Logger, func(), error) {
	if logLevel == "" {
		logLevel = cfg.Service.LogLevel
	}
	logger := log.SetupWriter(stderr, logLevel)
	if otelService == "" {
		otelService = cfg.Service.Name
	}

	bus := eventbus.New()
	eventbus.Use(bus)
	shutdown, err := otel.Setup(otelEndpoint, otelService, bus)
	if err != nil {
		eventbus.Use(nil)
		return nil, nil, fmt.Errorf("otel setup: %w", err)
	}
	return logger, func() {
		_ = shutdown(context.Background())
		eventbus.Use(nil)
	}, nil
}

// openPlan opens the plan file's database, runs its bootstrap statements and
// builds the plan against it.
func openPlan(ctx context.Context, cfg *config.Config) (*planfile.Plan, *sqlsource.Source, error) {
	db, err := sqlsource.Open(ctx, cfg.Database.DSN)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Exec(ctx, cfg.Database.Bootstrap...); err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("bootstrap: %w", err)
	}
	p, err := planfile.Build(cfg, db)
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	return p, db, nil
}

type output struct {
	Data  any    `json:"data"`
	Error string `json:"error,omitempty"`
}

func rowOutput(r plan.Result) output {
	if r.Err != nil {
		return output{Error: r.Err.Error()}
	}
	return output{Data: r.Value}
}

// readRows reads a single JSON array of rows, or a stream of JSON values
// with one row each.
func readRows(path string, stdin io.Reader) ([]any, error) {
	in := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		in = f
	}
	dec := json.NewDecoder(in)
	dec.UseNumber()
	var values []any
	for {
		var v any
		err := dec.Decode(&v)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	if len(values) == 1 {
		if list, ok := values[0].([]any); ok {
			return list, nil
		}
	}
	return values, nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func cmdServe(args []string, stderr io.Writer) error {
	configPath := "stepplan.yaml"
	addr := ":8080"
	path := "/batch"
	pretty := false
	maxBody := int64(1 << 20)
	maxRows := 0
	atomic := false
	logLevel := ""
	otelEndpoint := ""
	otelService := ""
	var corsOrigins stringListFlag

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", configPath, "Plan file")
	fs.StringVar(&addr, "server.addr", addr, "HTTP listen address")
	fs.StringVar(&path, "server.path", path, "Endpoint path")
	fs.BoolVar(&pretty, "server.pretty", pretty, "Pretty-print JSON responses")
	fs.Int64Var(&maxBody, "server.max-body-bytes", maxBody, "Request body limit")
	fs.IntVar(&maxRows, "server.max-rows", maxRows, "Rows per batch limit")
	fs.Var(&corsOrigins, "server.cors-origin", "Allow a CORS origin")
	fs.BoolVar(&atomic, "atomic", atomic, "Run each batch in one transaction")
	fs.StringVar(&logLevel, "log.level", logLevel, "Log level")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, serveUsage)
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger, cleanup, err := setup(cfg, logLevel, otelEndpoint, otelService, stderr)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, db, err := openPlan(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	sopts := []server.Option{
		server.WithTimeout(cfg.Execution.Timeout),
		server.WithMaxBodyBytes(maxBody),
		server.WithMaxRows(maxRows),
	}
	if pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if len(corsOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(corsOrigins...))
	}
	h, err := server.New(batchRunner(p, db, atomic), sopts...)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle(path, h)
	srv := &http.Server{Addr: addr, Handler: mux}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Info("batch server listening", "addr", addr, "path", path)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// batchRunner adapts the plan to the server's run function.
func batchRunner(p *planfile.Plan, db *sqlsource.Source, atomic bool) server.RunFunc {
	if !atomic {
		return func(ctx context.Context, rows []any) ([]plan.Result, error) {
			return p.Run(ctx, rows, nil), nil
		}
	}
	return func(ctx context.Context, rows []any) ([]plan.Result, error) {
		results, _, err := p.RunAtomic(ctx, db.DB(), rows)
		return results, err
	}
}

func cmdExplain(args []string, stdout, stderr io.Writer) error {
	configPath := "stepplan.yaml"
	fs := flag.NewFlagSet("explain", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&configPath, "config", configPath, "Plan file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(stderr, explainUsage)
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log.SetupWriter(stderr, cfg.Service.LogLevel)
	// Statements are compiled but never sent.
	p, err := planfile.Build(cfg, nil)
	if err != nil {
		return err
	}
	return p.Explain(stdout)
}
