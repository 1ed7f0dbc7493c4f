package otel

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	eventbus "github.com/hanpama/meshgate/internal/eventbus"
	events "github.com/hanpama/meshgate/internal/events"
	reqid "github.com/hanpama/meshgate/internal/reqid"
)

func setup(t *testing.T) (*eventbus.Bus, *tracetest.SpanRecorder) {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	bus := eventbus.New()
	detach := Attach(bus, tp.Tracer("test"))
	t.Cleanup(detach)
	return bus, sr
}

func byName(spans []sdktrace.ReadOnlySpan) map[string]sdktrace.ReadOnlySpan {
	out := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range spans {
		out[s.Name()] = s
	}
	return out
}

func TestRequestSpans(t *testing.T) {
	bus, sr := setup(t)
	ctx, _ := reqid.NewContext(context.Background())
	req := httptest.NewRequest("POST", "/graphql", nil)

	eventbus.Emit(bus, ctx, events.HTTPStart{Request: req})
	eventbus.Emit(bus, ctx, events.GraphQLStart{OperationName: "Q", OperationType: "query", Generation: 2})
	eventbus.Emit(bus, ctx, events.ActionCallStart{Action: "greeter.hello", Transport: "grpc", Target: "a:1"})
	eventbus.Emit(bus, ctx, events.ActionCallStart{Action: "greeter.hello", Transport: "grpc", Target: "a:1"})
	eventbus.Emit(bus, ctx, events.ActionCallFinish{Action: "greeter.hello", Transport: "grpc", Target: "a:1"})
	eventbus.Emit(bus, ctx, events.ActionCallFinish{Action: "greeter.hello", Transport: "grpc", Target: "a:1", Code: "Unavailable", Err: errors.New("down")})
	eventbus.Emit(bus, ctx, events.GraphQLFinish{OperationType: "query"})
	eventbus.Emit(bus, ctx, events.HTTPFinish{Request: req, Status: 200})

	ended := sr.Ended()
	require.Len(t, ended, 4)
	spans := byName(ended)
	httpSpan := spans["http.request"]
	gqlSpan := spans["graphql.operation"]
	require.NotNil(t, httpSpan)
	require.NotNil(t, gqlSpan)
	require.Equal(t, httpSpan.SpanContext().SpanID(), gqlSpan.Parent().SpanID())

	var failed int
	for _, s := range ended {
		if s.Name() != "action greeter.hello" {
			continue
		}
		require.Equal(t, gqlSpan.SpanContext().SpanID(), s.Parent().SpanID())
		if s.Status().Code == codes.Error {
			failed++
		}
	}
	require.Equal(t, 1, failed)
}

func TestRebuildSpans(t *testing.T) {
	bus, sr := setup(t)
	ctx := context.Background()

	eventbus.Emit(bus, ctx, events.SchemaRebuildStart{Services: 2})
	eventbus.Emit(bus, ctx, events.SchemaUpdated{Generation: 1})
	eventbus.Emit(bus, ctx, events.SchemaRebuildStart{Services: 2})
	eventbus.Emit(bus, ctx, events.SchemaRebuildFailed{Err: errors.New("conflict")})
	eventbus.Emit(bus, ctx, events.SchemaUpdated{Generation: 9})

	ended := sr.Ended()
	require.Len(t, ended, 2)
	require.Equal(t, codes.Unset, ended[0].Status().Code)
	require.Equal(t, codes.Error, ended[1].Status().Code)
}

func TestSetupDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{}, eventbus.New())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
