package fragment

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/hanpama/meshgate/internal/resolver"
	"github.com/hanpama/meshgate/internal/service"
	"github.com/stretchr/testify/require"
)

func TestFieldName(t *testing.T) {
	cases := map[string]string{
		`hello: String`:                            "hello",
		`"desc" field(arg: Int): String`:           "field",
		`"""block"""  posts(first: Int): [Post]`:    "posts",
		"\"\"\"\nmulti\nline\n\"\"\"\nme: User":     "me",
		"# leading comment\n  viewer: User":        "viewer",
		"\"quote \\\" inside\" thing(id: ID): Int": "thing",
		`  spaced   : Int`:                         "spaced",
	}
	for decl, want := range cases {
		require.Equal(t, want, FieldName(decl), decl)
	}
}

func greeter(version any, reply string) service.Descriptor {
	return service.Descriptor{
		Name:    "greeter",
		Version: version,
		Actions: []service.Action{{
			Name: "hello",
			GraphQL: &service.ActionBinding{
				Query: []string{`"Says ` + reply + `" hello: String`},
			},
		}},
	}
}

func TestExtractDeduplicatesByFullName(t *testing.T) {
	f := Extract([]service.Descriptor{greeter(nil, "hi"), greeter(nil, "ignored"), greeter(2, "v2")})

	require.Equal(t, []string{"greeter", "v2.greeter"}, f.Services)
	require.Equal(t, []string{`"Says hi" hello: String`, `"Says v2" hello: String`}, f.Queries)
	b, ok := f.Resolvers.Get("Query", "hello")
	require.True(t, ok)
	require.Equal(t, "v2.greeter.hello", b.Direct.Action)
}

func TestExtractServiceBundleAndActions(t *testing.T) {
	authors := service.Descriptor{
		Name: "authors",
		Settings: service.Settings{GraphQL: &service.Bundle{
			Fragments: service.Fragments{
				Type: []string{"type Author { id: ID! books: [Book] }"},
				Enum: []string{"enum Genre { SCIFI DRAMA }"},
			},
			Resolvers: map[string]map[string]service.ResolverSpec{
				"Author": {"books": {Action: "books.byAuthor", DataLoader: true, RootParams: map[string]string{"id": "authorIDs"}}},
				"Genre":  {"SCIFI": {Value: 1}},
			},
		}},
		Actions: []service.Action{
			{Name: "get", GraphQL: &service.ActionBinding{
				Query:       []string{"author(id: ID!): Author"},
				NullIfError: true,
				Fragments:   service.Fragments{Input: []string{"input AuthorFilter { name: String }"}},
			}},
			{Name: "rename", GraphQL: &service.ActionBinding{Mutation: []string{"renameAuthor(id: ID!, name: String!): Author"}}},
			{Name: "changed", GraphQL: &service.ActionBinding{
				Subscription: []string{"authorChanged(id: ID): Author"},
				Tags:         []string{"author.changed"},
				Filter:       "authors.sameID",
			}},
			{Name: "internal"},
		},
	}
	books := service.Descriptor{
		Name: "books",
		Settings: service.Settings{GraphQL: &service.Bundle{
			Fragments: service.Fragments{Type: []string{"type Book { title: String }"}},
			Resolvers: map[string]map[string]service.ResolverSpec{
				"Author": {"books": {Action: "books.byAuthorV2", DataLoader: true, RootParams: map[string]string{"id": "ids"}}},
			},
		}},
	}

	f := Extract([]service.Descriptor{authors, books})

	require.Equal(t, []string{"author(id: ID!): Author"}, f.Queries)
	require.Equal(t, []string{"renameAuthor(id: ID!, name: String!): Author"}, f.Mutations)
	require.Equal(t, []string{"authorChanged(id: ID): Author"}, f.Subscriptions)
	require.Equal(t, []string{"type Author { id: ID! books: [Book] }", "type Book { title: String }"}, f.Types)
	require.Equal(t, []string{"enum Genre { SCIFI DRAMA }"}, f.Enums)
	require.Equal(t, []string{"input AuthorFilter { name: String }"}, f.Inputs)
	require.False(t, f.Empty())

	want := resolver.Map{
		"Query": {"author": resolver.Direct(resolver.DirectCall{Action: "authors.get", NullIfError: true})},
		"Mutation": {"renameAuthor": resolver.Direct(resolver.DirectCall{Action: "authors.rename"})},
		"Subscription": {"authorChanged": resolver.Subscription(resolver.SubscriptionCall{
			Action: "authors.changed", Tags: []string{"author.changed"}, Filter: "authors.sameID",
		})},
		"Author": {"books": resolver.Batched(resolver.BatchedCall{
			Action: "books.byAuthorV2", RootKey: "id", RootParams: map[string]string{"id": "ids"},
		})},
		"Genre": {"SCIFI": resolver.Passthrough(1)},
	}
	if diff := cmp.Diff(want, f.Resolvers); diff != "" {
		t.Errorf("resolver map mismatch (-want +got):\n%s", diff)
	}
}

func TestExtractEmpty(t *testing.T) {
	f := Extract(nil)
	require.True(t, f.Empty())
	require.Empty(t, f.Resolvers)
}
