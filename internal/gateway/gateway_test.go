package gateway

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/meshgate/internal/eventbus"
	"github.com/hanpama/meshgate/internal/events"
	executor "github.com/hanpama/meshgate/internal/executor"
	"github.com/hanpama/meshgate/internal/gwerrors"
	"github.com/hanpama/meshgate/internal/lifecycle"
	"github.com/hanpama/meshgate/internal/pubsub"
	"github.com/hanpama/meshgate/internal/service"
	"github.com/hanpama/meshgate/internal/transport"
)

func greeter(nullIfError bool) service.Descriptor {
	return service.Descriptor{
		Name: "greeter",
		Actions: []service.Action{{
			Name:    "hello",
			GraphQL: &service.ActionBinding{Query: []string{"hello(name: String): String"}, NullIfError: nullIfError},
		}},
	}
}

func clock() service.Descriptor {
	return service.Descriptor{
		Name: "clock",
		Actions: []service.Action{{
			Name:    "now",
			GraphQL: &service.ActionBinding{Query: []string{"now: String"}},
		}},
	}
}

func library() service.Descriptor {
	return service.Descriptor{
		Name: "library",
		Settings: service.Settings{GraphQL: &service.Bundle{
			Fragments: service.Fragments{Type: []string{
				"type Author { id: ID! name: String books: [Book] }",
				"type Book { title: String }",
			}},
			Resolvers: map[string]map[string]service.ResolverSpec{
				"Author": {"books": {
					Action:     "books.byAuthors",
					RootParams: map[string]string{"id": "authorIds"},
					DataLoader: true,
				}},
			},
		}},
		Actions: []service.Action{{
			Name:    "authors",
			GraphQL: &service.ActionBinding{Query: []string{"authors: [Author]"}},
		}},
	}
}

func newGateway(t *testing.T, caller transport.Caller, opts []Option, svcs ...service.Descriptor) (*Gateway, *lifecycle.Manager) {
	t.Helper()
	m := lifecycle.New(lifecycle.SourceFunc(func(context.Context) ([]service.Descriptor, error) {
		return svcs, nil
	}))
	t.Cleanup(m.Close)
	return New(m, caller, opts...), m
}

func requireData(t *testing.T, want any, got any) {
	t.Helper()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("data mismatch (-want +got):\n%s", diff)
	}
}

func TestExecuteSingleService(t *testing.T) {
	local := transport.NewLocal(nil).
		Handle("greeter.hello", func(_ context.Context, p map[string]any, _ map[string]any) (any, error) {
			if name, ok := p["name"].(string); ok {
				return "hi " + name, nil
			}
			return "hi", nil
		})
	gw, _ := newGateway(t, local, nil, greeter(false))

	res := gw.Execute(context.Background(), Request{Query: "{ hello }"})
	require.Empty(t, res.Errors)
	requireData(t, map[string]any{"hello": "hi"}, res.Data)

	res = gw.Execute(context.Background(), Request{
		Query:     "query Greet($n: String) { hello(name: $n) }",
		Variables: map[string]any{"n": "ann"},
	})
	require.Empty(t, res.Errors)
	requireData(t, map[string]any{"hello": "hi ann"}, res.Data)
	require.NoError(t, gw.Check(context.Background()))
}

func TestExecuteTwoServices(t *testing.T) {
	local := transport.NewLocal(nil).
		HandleValue("greeter.hello", "hi").
		HandleValue("clock.now", "noon")
	gw, _ := newGateway(t, local, nil, greeter(false), clock())

	res := gw.Execute(context.Background(), Request{Query: "{ hello now }"})
	require.Empty(t, res.Errors)
	requireData(t, map[string]any{"hello": "hi", "now": "noon"}, res.Data)
}

func TestExecuteBatchesNestedFields(t *testing.T) {
	local := transport.NewLocal(nil).
		HandleValue("library.authors", []any{
			map[string]any{"id": "1", "name": "Le Guin"},
			map[string]any{"id": "2", "name": "Lem"},
			map[string]any{"id": "1", "name": "Le Guin"},
		}).
		Handle("books.byAuthors", func(_ context.Context, p map[string]any, _ map[string]any) (any, error) {
			ids, _ := p["authorIds"].([]any)
			out := make([]any, len(ids))
			for i, id := range ids {
				out[i] = []any{map[string]any{"title": "book of " + id.(string)}}
			}
			return out, nil
		})
	bus := eventbus.New()
	var batches []events.BatchDispatched
	eventbus.On(bus, func(_ context.Context, e events.BatchDispatched) { batches = append(batches, e) })
	gw, _ := newGateway(t, local, []Option{WithBus(bus)}, library())

	res := gw.Execute(context.Background(), Request{Query: "{ authors { name books { title } } }"})
	require.Empty(t, res.Errors)
	requireData(t, map[string]any{"authors": []any{
		map[string]any{"name": "Le Guin", "books": []any{map[string]any{"title": "book of 1"}}},
		map[string]any{"name": "Lem", "books": []any{map[string]any{"title": "book of 2"}}},
		map[string]any{"name": "Le Guin", "books": []any{map[string]any{"title": "book of 1"}}},
	}}, res.Data)

	calls := local.Calls("books.byAuthors")
	require.Len(t, calls, 1)
	require.Equal(t, []any{"1", "2"}, calls[0].Params["authorIds"])
	require.Len(t, batches, 1)
	require.Equal(t, 2, batches[0].Keys)
}

func TestExecuteRemoteErrors(t *testing.T) {
	failing := func(context.Context, map[string]any, map[string]any) (any, error) {
		return nil, &transport.Error{Action: "greeter.hello", Code: 500, Type: "BOOM", Message: "boom"}
	}

	gw, _ := newGateway(t, transport.NewLocal(nil).Handle("greeter.hello", failing), nil, greeter(true))
	res := gw.Execute(context.Background(), Request{Query: "{ hello }"})
	require.Empty(t, res.Errors)
	requireData(t, map[string]any{"hello": nil}, res.Data)

	gw, _ = newGateway(t, transport.NewLocal(nil).Handle("greeter.hello", failing), nil, greeter(false))
	res = gw.Execute(context.Background(), Request{Query: "{ hello }"})
	require.Len(t, res.Errors, 1)
	require.Equal(t, gwerrors.CodeRemoteDispatch, res.Errors[0].Extensions["code"])
	require.Equal(t, executor.Path{"hello"}, res.Errors[0].Path)
	requireData(t, map[string]any{"hello": nil}, res.Data)
}

func TestExecuteValidationError(t *testing.T) {
	gw, _ := newGateway(t, transport.NewLocal(nil), nil, greeter(false))
	res := gw.Execute(context.Background(), Request{Query: "{\n  nope\n}"})
	require.Nil(t, res.Data)
	require.Len(t, res.Errors, 1)
	require.Equal(t, CodeValidation, res.Errors[0].Extensions["code"])
	require.NotEmpty(t, res.Errors[0].Locations)
	require.Equal(t, 2, res.Errors[0].Locations[0].Line)

	res = gw.Execute(context.Background(), Request{Query: "query A { hello } query B { hello }", OperationName: "C"})
	require.Len(t, res.Errors, 1)
}

func TestExecuteCompositionFailure(t *testing.T) {
	gw, m := newGateway(t, transport.NewLocal(nil), nil)
	res := gw.Execute(context.Background(), Request{Query: "{ hello }"})
	require.Nil(t, res.Data)
	require.Len(t, res.Errors, 1)
	require.Equal(t, gwerrors.CodeComposition, res.Errors[0].Extensions["code"])
	require.Equal(t, lifecycle.Stale, m.State())
	require.Error(t, gw.Check(context.Background()))
}

func TestExecuteIntrospection(t *testing.T) {
	gw, _ := newGateway(t, transport.NewLocal(nil), nil, greeter(false))
	res := gw.Execute(context.Background(), Request{Query: `{ __type(name: "Query") { fields { name } } }`})
	require.Empty(t, res.Errors)
	requireData(t, map[string]any{"__type": map[string]any{"fields": []any{
		map[string]any{"name": "hello"},
		map[string]any{"name": "__schema"},
		map[string]any{"name": "__type"},
	}}}, res.Data)
}

func subscriptionService() service.Descriptor {
	return service.Descriptor{
		Name: "greeter",
		Settings: service.Settings{GraphQL: &service.Bundle{
			Query:        []string{"ok: Boolean"},
			Subscription: []string{"greeted: String"},
			Resolvers: map[string]map[string]service.ResolverSpec{
				"Subscription": {"greeted": {Tags: []string{"greet"}}},
			},
		}},
	}
}

func TestSubscribe(t *testing.T) {
	ps := pubsub.New()
	defer ps.Close()
	gw, _ := newGateway(t, transport.NewLocal(nil), []Option{WithEvents(ps)}, subscriptionService())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	results, err := gw.Subscribe(ctx, Request{Query: "subscription { greeted }"})
	require.NoError(t, err)

	ps.Publish(context.Background(), "greet", "hello")
	ps.Publish(context.Background(), "other", "ignored")
	ps.Publish(context.Background(), "greet", "again")

	for _, want := range []string{"hello", "again"} {
		select {
		case res := <-results:
			require.Empty(t, res.Errors)
			requireData(t, map[string]any{"greeted": want}, res.Data)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for event")
		}
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-results:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribeEndsWithGeneration(t *testing.T) {
	ps := pubsub.New()
	defer ps.Close()
	gw, m := newGateway(t, transport.NewLocal(nil), []Option{WithEvents(ps)}, subscriptionService())

	results, err := gw.Subscribe(context.Background(), Request{Query: "subscription { greeted }"})
	require.NoError(t, err)

	m.Invalidate()
	_, err = m.Current(context.Background())
	require.NoError(t, err)

	select {
	case _, ok := <-results:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription outlived its schema generation")
	}
}

func TestSubscribeRejectsQueries(t *testing.T) {
	gw, _ := newGateway(t, transport.NewLocal(nil), []Option{WithEvents(pubsub.New())}, subscriptionService())

	_, err := gw.Subscribe(context.Background(), Request{Query: "{ ok }"})
	require.ErrorIs(t, err, ErrNotSubscription)

	_, err = gw.Subscribe(context.Background(), Request{Query: "subscription { nope }"})
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))

	res := gw.Execute(context.Background(), Request{Query: "subscription { greeted }"})
	require.Len(t, res.Errors, 1)
}
