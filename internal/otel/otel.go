package otel

import (
	"context"
	"sync"
	"time"

	eventbus "github.com/hanpama/stepplan/internal/eventbus"
	events "github.com/hanpama/stepplan/internal/events"
	reqid "github.com/hanpama/stepplan/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Setup configures OpenTelemetry and attaches subscribers to bus.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string, bus *eventbus.Bus) (func(context.Context) error, error) {
	if endpoint == "" || bus == nil {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	sub := &subscriber{tracer: otel.Tracer("stepplan")}
	sub.register(bus)

	return tp.Shutdown, nil
}

// subscriber turns server and executor events into spans. Request and batch
// spans live from their start event to their finish event. Step and query
// spans are recorded when the call finished, backdated by its duration.
type subscriber struct {
	tracer     trace.Tracer
	httpSpans  sync.Map // rid -> trace.Span
	batchSpans sync.Map // rid -> trace.Span
}

func (s *subscriber) register(bus *eventbus.Bus) (unsubscribe func()) {
	offs := []func(){
		eventbus.On(bus, func(ctx context.Context, e events.PlanCompiled) {
			end := time.Now()
			_, span := s.tracer.Start(ctx, "stepplan.compile", trace.WithTimestamp(end.Add(-e.Duration)))
			span.SetAttributes(
				attribute.Int("stepplan.steps", e.Steps),
				attribute.Int("stepplan.merged", e.Merged),
			)
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End(trace.WithTimestamp(end))
		}),

		eventbus.On(bus, func(ctx context.Context, e events.HTTPStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request", trace.WithSpanKind(trace.SpanKindServer))
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
			)
			s.httpSpans.Store(rid, span)
		}),

		eventbus.On(bus, func(ctx context.Context, e events.HTTPFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.httpSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(semconv.HTTPStatusCodeKey.Int(e.Status))
			if e.Status >= 500 {
				span.SetStatus(codes.Error, "")
			}
			span.End()
		}),

		eventbus.On(bus, func(ctx context.Context, e events.BatchStart) {
			rid, _ := reqid.FromContext(ctx)
			parent := ctx
			if v, ok := s.httpSpans.Load(rid); ok {
				parent = trace.ContextWithSpan(ctx, v.(trace.Span))
			}
			_, span := s.tracer.Start(parent, "stepplan.batch")
			span.SetAttributes(
				attribute.String("stepplan.batch.id", rid),
				attribute.Int("stepplan.batch.rows", e.Rows),
			)
			s.batchSpans.Store(rid, span)
		}),

		eventbus.On(bus, func(ctx context.Context, e events.BatchFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.batchSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("stepplan.batch.errors", e.Errors))
			if e.Errors > 0 {
				span.SetStatus(codes.Error, "rows failed")
			}
			span.End()
		}),

		eventbus.On(bus, func(ctx context.Context, e events.StepExecuted) {
			end := time.Now()
			_, span := s.tracer.Start(s.parent(ctx), "stepplan.step", trace.WithTimestamp(end.Add(-e.Duration)))
			span.SetAttributes(
				attribute.Int("stepplan.step.id", e.Step),
				attribute.String("stepplan.step.type", e.Type),
				attribute.Int("stepplan.step.rows", e.Rows),
				attribute.Int("stepplan.step.errors", e.Errors),
			)
			span.End(trace.WithTimestamp(end))
		}),

		eventbus.On(bus, func(ctx context.Context, e events.QueryFinish) {
			end := time.Now()
			_, span := s.tracer.Start(s.parent(ctx), "db.query",
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithTimestamp(end.Add(-e.Duration)))
			span.SetAttributes(
				semconv.DBStatementKey.String(e.Text),
				semconv.DBSQLTableKey.String(e.Source),
				attribute.Int64("db.rows_affected", e.RowCount),
			)
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End(trace.WithTimestamp(end))
		}),
	}
	return func() {
		for _, off := range offs {
			off()
		}
	}
}

// parent returns ctx carrying the span of the batch ctx belongs to, if any.
func (s *subscriber) parent(ctx context.Context) context.Context {
	rid, ok := reqid.FromContext(ctx)
	if !ok {
		return ctx
	}
	if v, ok := s.batchSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}
