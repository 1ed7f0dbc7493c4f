// Package otel turns gateway events into OpenTelemetry spans.
package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
	reqid "github.com/hanpama/meshgate/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/hanpama/meshgate"

// Config selects the OTLP collector. An empty Endpoint disables tracing.
type Config struct {
	Endpoint    string
	ServiceName string
	Insecure    bool
}

// Setup configures an OTLP exporter and attaches span recording to bus.
// The returned function flushes and detaches.
func Setup(ctx context.Context, cfg Config, bus *eventbus.Bus) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
		)),
	)
	otel.SetTracerProvider(tp)

	detach := Attach(bus, tp.Tracer(tracerName))
	return func(ctx context.Context) error {
		detach()
		return tp.Shutdown(ctx)
	}, nil
}

// Attach records spans for HTTP requests, GraphQL operations, action calls
// and schema rebuilds emitted on bus.
func Attach(bus *eventbus.Bus, tracer trace.Tracer) (detach func()) {
	s := &subscriber{tracer: tracer, calls: map[callKey][]trace.Span{}}
	unsubs := s.register(bus)
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

type callKey struct{ rid, action, target string }

type subscriber struct {
	tracer    trace.Tracer
	httpSpans sync.Map // rid -> trace.Span
	gqlSpans  sync.Map // rid -> trace.Span

	mu      sync.Mutex
	calls   map[callKey][]trace.Span
	rebuild trace.Span
}

func (s *subscriber) parent(ctx context.Context, rid string) context.Context {
	if v, ok := s.gqlSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	if v, ok := s.httpSpans.Load(rid); ok {
		return trace.ContextWithSpan(ctx, v.(trace.Span))
	}
	return ctx
}

func endWithError(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func (s *subscriber) register(bus *eventbus.Bus) []func() {
	return []func(){
		eventbus.On(bus, func(ctx context.Context, e events.HTTPStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "http.request", trace.WithSpanKind(trace.SpanKindServer))
			span.SetAttributes(
				semconv.HTTPMethodKey.String(e.Request.Method),
				attribute.String("http.target", e.Request.URL.Path),
				attribute.String("request.id", rid),
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
			span.End()
		}),

		eventbus.On(bus, func(ctx context.Context, e events.GraphQLStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, rid), "graphql.operation")
			span.SetAttributes(
				attribute.String("graphql.operation.name", e.OperationName),
				attribute.String("graphql.operation.type", e.OperationType),
				attribute.Int64("meshgate.schema.generation", int64(e.Generation)),
			)
			s.gqlSpans.Store(rid, span)
		}),

		eventbus.On(bus, func(ctx context.Context, e events.GraphQLFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.gqlSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.Int("graphql.error_count", len(e.Errors)))
			if len(e.Errors) > 0 {
				span.SetStatus(codes.Error, e.Errors[0].Error())
			}
			span.End()
		}),

		eventbus.On(bus, func(ctx context.Context, e events.ActionCallStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(s.parent(ctx, rid), "action "+e.Action, trace.WithSpanKind(trace.SpanKindClient))
			span.SetAttributes(
				attribute.String("meshgate.action", e.Action),
				attribute.String("meshgate.transport", e.Transport),
				attribute.String("net.peer.name", e.Target),
			)
			k := callKey{rid, e.Action, e.Target}
			s.mu.Lock()
			s.calls[k] = append(s.calls[k], span)
			s.mu.Unlock()
		}),

		eventbus.On(bus, func(ctx context.Context, e events.ActionCallFinish) {
			rid, _ := reqid.FromContext(ctx)
			k := callKey{rid, e.Action, e.Target}
			s.mu.Lock()
			q := s.calls[k]
			if len(q) == 0 {
				s.mu.Unlock()
				return
			}
			span := q[0]
			if len(q) == 1 {
				delete(s.calls, k)
			} else {
				s.calls[k] = q[1:]
			}
			s.mu.Unlock()
			if e.Code != "" {
				span.SetAttributes(attribute.String("meshgate.status", e.Code))
			}
			endWithError(span, e.Err)
		}),

		eventbus.On(bus, func(ctx context.Context, e events.SchemaRebuildStart) {
			_, span := s.tracer.Start(ctx, "schema.rebuild")
			span.SetAttributes(attribute.Int("meshgate.services", e.Services))
			s.mu.Lock()
			s.rebuild = span
			s.mu.Unlock()
		}),

		eventbus.On(bus, func(_ context.Context, e events.SchemaUpdated) {
			if span := s.takeRebuild(); span != nil {
				span.SetAttributes(attribute.Int64("meshgate.schema.generation", int64(e.Generation)))
				span.End()
			}
		}),

		eventbus.On(bus, func(_ context.Context, e events.SchemaRebuildFailed) {
			if span := s.takeRebuild(); span != nil {
				endWithError(span, e.Err)
			}
		}),
	}
}

func (s *subscriber) takeRebuild() trace.Span {
	s.mu.Lock()
	defer s.mu.Unlock()
	span := s.rebuild
	s.rebuild = nil
	return span
}
