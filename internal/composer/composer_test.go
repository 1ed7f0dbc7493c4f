package composer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/hanpama/meshgate/internal/fragment"
	"github.com/hanpama/meshgate/internal/gwerrors"
	"github.com/hanpama/meshgate/internal/resolver"
	"github.com/hanpama/meshgate/internal/service"
	"github.com/stretchr/testify/require"
)

func svc(name string, query string, extra ...string) service.Descriptor {
	return service.Descriptor{
		Name: name,
		Settings: service.Settings{GraphQL: &service.Bundle{
			Fragments: service.Fragments{Type: extra},
		}},
		Actions: []service.Action{{
			Name:    strings.SplitN(query, ":", 2)[0],
			GraphQL: &service.ActionBinding{Query: []string{query}},
		}},
	}
}

func TestDocument(t *testing.T) {
	f := &fragment.Fragments{
		Queries:   []string{"a: Int", "b: String"},
		Mutations: []string{"c: Int"},
		Types:     []string{"type T { x: Int }"},
		Enums:     []string{"enum E { A }"},
	}
	want := "type Query {\n  a: Int\n  b: String\n}\n\n" +
		"type Mutation {\n  c: Int\n}\n\n" +
		"type T { x: Int }\n\n" +
		"enum E { A }\n\n"
	require.Equal(t, want, Document(f))
}

func TestComposeTwoServices(t *testing.T) {
	f := fragment.Extract([]service.Descriptor{
		svc("greeter", "hello: String"),
		svc("clock", "now: String"),
	})
	c, err := Compose(f, WithGeneration(3))
	require.NoError(t, err)

	require.Equal(t, uint64(3), c.Generation)
	require.NotNil(t, c.Schema.Field("Query", "hello"))
	require.NotNil(t, c.Schema.Field("Query", "now"))
	require.True(t, c.Schema.Field("Query", "hello").Async)
	require.Equal(t, "greeter.hello", c.Resolvers.Lookup("Query", "hello").Binding.Direct.Action)
	require.Contains(t, c.SDL, "hello: String")
	require.Equal(t, []string{"greeter", "clock"}, c.Services)
}

func TestComposeEmpty(t *testing.T) {
	_, err := Compose(fragment.Extract(nil))
	require.True(t, gwerrors.IsComposition(err))
	require.True(t, errors.Is(err, ErrEmptySchema))
}

func TestComposeInvalidFragments(t *testing.T) {
	cases := map[string]*fragment.Fragments{
		"malformed": {Queries: []string{"hello String"}},
		"undefined type": {Queries: []string{"hello: Missing"}},
		"duplicate type": {
			Queries: []string{"a: T"},
			Types:   []string{"type T { x: Int }", "type T { y: Int }"},
		},
		"no query root": {Mutations: []string{"a: Int"}},
	}
	for name, f := range cases {
		t.Run(name, func(t *testing.T) {
			f.Resolvers = resolver.Map{}
			_, err := Compose(f)
			require.Error(t, err)
			require.True(t, gwerrors.IsComposition(err), err.Error())
		})
	}
}

func TestComposeRejectsDanglingResolvers(t *testing.T) {
	base := func() *fragment.Fragments {
		return &fragment.Fragments{
			Queries:   []string{"author: Author"},
			Types:     []string{"type Author { id: ID! books: [String] }"},
			Enums:     []string{"enum Genre { SCIFI }"},
			Resolvers: resolver.Map{},
		}
	}
	cases := map[string]func(m resolver.Map){
		"unknown type":  func(m resolver.Map) { m.Set("Nope", "x", resolver.Direct(resolver.DirectCall{Action: "a.b"})) },
		"unknown field": func(m resolver.Map) { m.Set("Author", "nope", resolver.Direct(resolver.DirectCall{Action: "a.b"})) },
		"unknown enum":  func(m resolver.Map) { m.Set("Genre", "DRAMA", resolver.Passthrough(2)) },
		"batched without root key": func(m resolver.Map) {
			m.Set("Author", "books", resolver.Batched(resolver.BatchedCall{Action: "books.byAuthor"}))
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			f := base()
			mutate(f.Resolvers)
			_, err := Compose(f)
			require.True(t, gwerrors.IsComposition(err))
		})
	}

	f := base()
	f.Resolvers.Set("Genre", "SCIFI", resolver.Passthrough(1))
	f.Resolvers.Set("Author", "books", resolver.Batched(resolver.BatchedCall{
		Action: "books.byAuthor", RootKey: "id", RootParams: map[string]string{"id": "authorIDs"},
	}))
	c, err := Compose(f)
	require.NoError(t, err)
	require.Equal(t, "authorIDs", c.BatchSpecs["books.byAuthor"].BatchParam)
	require.False(t, c.Schema.Field("Author", "id").Async)
	require.True(t, c.Schema.Field("Author", "books").Async)
}

func TestComposeDirective(t *testing.T) {
	f := &fragment.Fragments{
		Queries: []string{"name: String @upper", `greeting: String @upper(prefix: "hey ")`},
		Types:     []string{"directive @upper(prefix: String) on FIELD_DEFINITION"},
		Resolvers: resolver.Map{},
	}
	f.Resolvers.Set("Query", "greeting", resolver.Direct(resolver.DirectCall{Action: "greeter.hello"}))

	upper := func(_ resolver.Coordinate, args map[string]any, next resolver.Func) resolver.Func {
		prefix, _ := args["prefix"].(string)
		return func(ctx context.Context, req *resolver.Request, root any, a map[string]any) resolver.Pending {
			p := next(ctx, req, root, a)
			return func(ctx context.Context) (any, error) {
				v, err := p(ctx)
				if s, ok := v.(string); ok {
					return prefix + strings.ToUpper(s), err
				}
				return v, err
			}
		}
	}
	c, err := Compose(f, WithDirective("upper", upper))
	require.NoError(t, err)
	require.True(t, c.Schema.Field("Query", "name").Async)

	req := &resolver.Request{}
	v, err := c.Resolvers.Lookup("Query", "name").Resolve(context.Background(), req, map[string]any{"name": "ann"}, nil)(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ANN", v)

	_, err = Compose(f, WithDirective("missing", upper))
	require.True(t, gwerrors.IsComposition(err))
}
