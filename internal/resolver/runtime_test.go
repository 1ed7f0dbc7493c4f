package resolver

import (
	"context"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hanpama/meshgate/internal/executor"
	language "github.com/hanpama/meshgate/internal/language"
	"github.com/hanpama/meshgate/internal/loader"
	schema "github.com/hanpama/meshgate/internal/schema"
	"github.com/hanpama/meshgate/internal/transport"
	"github.com/stretchr/testify/require"
)

const runtimeSDL = `
type Query {
  authors(status: Status): [Author!]!
  node: Node
}
interface Node { id: ID! }
type Author implements Node {
  id: ID!
  name: String
  status: Status
  books: [Book]
}
type Book { title: String }
enum Status { ACTIVE RETIRED }
`

func newRuntimeFixture(t *testing.T, caller transport.Caller) (*schema.Schema, *Table) {
	t.Helper()
	s, err := schema.BuildFromSDL(runtimeSDL)
	require.NoError(t, err)
	m := Map{}
	m.Set("Query", "authors", Direct(DirectCall{Action: "authors.list"}))
	m.Set("Author", "books", Batched(BatchedCall{Action: "books.byAuthor", RootKey: "id", RootParams: map[string]string{"id": "authorIDs"}}))
	m.Set("Status", "ACTIVE", Passthrough(1))
	m.Set("Status", "RETIRED", Passthrough(0))
	table, err := NewTable(m, s)
	require.NoError(t, err)
	for _, c := range []Coordinate{{"Query", "authors"}, {"Author", "books"}} {
		s.Field(c.Type, c.Field).SetAsync(table.Async(c.Type, c.Field))
	}
	return s, table
}

func TestRuntimeExecutesOneBatchPerTick(t *testing.T) {
	caller := transport.NewLocal(nil).
		Handle("authors.list", func(_ context.Context, p map[string]any, _ map[string]any) (any, error) {
			if p["status"] != 1 {
				return nil, fmt.Errorf("status param = %v", p["status"])
			}
			return []any{
				map[string]any{"id": "a1", "name": "Ann", "status": 1},
				map[string]any{"id": "a1", "name": "Ann again", "status": 1},
				map[string]any{"id": "a1", "name": "Ann thrice", "status": 0},
			}, nil
		}).
		Handle("books.byAuthor", func(_ context.Context, p map[string]any, _ map[string]any) (any, error) {
			ids := p["authorIDs"].([]any)
			out := make([]any, len(ids))
			for i := range ids {
				out[i] = []any{map[string]any{"title": "Dune"}}
			}
			return out, nil
		})
	s, table := newRuntimeFixture(t, caller)
	req := &Request{Caller: caller, Loaders: loader.NewRegistry(table.BatchSpecs(), caller, nil)}
	ex := executor.NewExecutor(NewRuntime(s, table, req), s)

	doc, err := language.ParseQuery(`{ authors(status: ACTIVE) { name status books { title } } }`)
	require.NoError(t, err)
	res := ex.ExecuteRequest(context.Background(), doc, "", nil, nil)
	require.Empty(t, res.Errors)

	books := []any{map[string]any{"title": "Dune"}}
	want := map[string]any{"authors": []any{
		map[string]any{"name": "Ann", "status": "ACTIVE", "books": books},
		map[string]any{"name": "Ann again", "status": "ACTIVE", "books": books},
		map[string]any{"name": "Ann thrice", "status": "RETIRED", "books": books},
	}}
	if diff := cmp.Diff(want, res.Data); diff != "" {
		t.Errorf("result mismatch (-want +got):\n%s", diff)
	}
	require.Len(t, caller.Calls("books.byAuthor"), 1)
	require.Equal(t, []any{"a1"}, caller.Calls("books.byAuthor")[0].Params["authorIDs"])
}

func TestRuntimeResolveType(t *testing.T) {
	s, table := newRuntimeFixture(t, transport.NewLocal(nil))
	rt := NewRuntime(s, table, &Request{})

	name, err := rt.ResolveType(context.Background(), "Node", map[string]any{"__typename": "Author"})
	require.NoError(t, err)
	require.Equal(t, "Author", name)

	name, err = rt.ResolveType(context.Background(), "Node", map[string]any{"id": "x"})
	require.NoError(t, err)
	require.Equal(t, "Author", name)
}

func TestRuntimeSerializeLeafValue(t *testing.T) {
	s, table := newRuntimeFixture(t, transport.NewLocal(nil))
	rt := NewRuntime(s, table, &Request{})
	ctx := context.Background()

	cases := []struct {
		typ  string
		in   any
		want any
	}{
		{"Int", float64(3), int64(3)},
		{"Float", 2, float64(2)},
		{"String", 12, "12"},
		{"ID", int64(7), "7"},
		{"Boolean", true, true},
		{"Status", float64(0), "RETIRED"},
		{"Status", "ACTIVE", "ACTIVE"},
	}
	for _, c := range cases {
		got, err := rt.SerializeLeafValue(ctx, c.typ, c.in)
		require.NoError(t, err, c.typ)
		require.Equal(t, c.want, got, c.typ)
	}

	_, err := rt.SerializeLeafValue(ctx, "Int", 1.5)
	require.Error(t, err)
	_, err = rt.SerializeLeafValue(ctx, "Status", "UNKNOWN")
	require.Error(t, err)
}
