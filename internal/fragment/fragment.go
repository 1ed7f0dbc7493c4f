// Package fragment collects the GraphQL fragments and resolver bindings
// contributed by a snapshot of services.
package fragment

import (
	"strings"

	"github.com/hanpama/meshgate/internal/resolver"
	"github.com/hanpama/meshgate/internal/service"
)

// Fragments is the normalized output of one extraction pass.
type Fragments struct {
	Queries       []string
	Mutations     []string
	Subscriptions []string
	Types         []string
	Interfaces    []string
	Unions        []string
	Enums         []string
	Inputs        []string
	Resolvers     resolver.Map
	// Services lists the full names of the services that contributed, in
	// order.
	Services []string
}

// Empty reports whether no fragment was collected.
func (f *Fragments) Empty() bool {
	return len(f.Queries) == 0 && len(f.Mutations) == 0 && len(f.Subscriptions) == 0 &&
		len(f.Types) == 0 && len(f.Interfaces) == 0 && len(f.Unions) == 0 &&
		len(f.Enums) == 0 && len(f.Inputs) == 0
}

func (f *Fragments) addTypeFragments(tf service.Fragments) {
	f.Types = append(f.Types, tf.Type...)
	f.Interfaces = append(f.Interfaces, tf.Interface...)
	f.Unions = append(f.Unions, tf.Union...)
	f.Enums = append(f.Enums, tf.Enum...)
	f.Inputs = append(f.Inputs, tf.Input...)
}

// Extract walks services in order. A service whose full name was already
// seen is skipped entirely. Resolver entries of later services overwrite
// earlier entries for the same field. Extraction never fails; malformed
// declarations surface during composition.
func Extract(services []service.Descriptor) *Fragments {
	f := &Fragments{Resolvers: resolver.Map{}}
	seen := make(map[string]bool, len(services))
	for _, svc := range services {
		name := svc.FullName()
		if seen[name] {
			continue
		}
		seen[name] = true
		f.Services = append(f.Services, name)

		if b := svc.Settings.GraphQL; b != nil {
			f.Queries = append(f.Queries, b.Query...)
			f.Mutations = append(f.Mutations, b.Mutation...)
			f.Subscriptions = append(f.Subscriptions, b.Subscription...)
			f.addTypeFragments(b.Fragments)
			for typeName, fields := range b.Resolvers {
				for fieldName, spec := range fields {
					f.Resolvers.Set(typeName, fieldName, resolver.FromSpec(spec))
				}
			}
		}

		for _, action := range svc.Actions {
			def := action.GraphQL
			if def == nil {
				continue
			}
			fullName := action.FullName(svc)
			for _, decl := range def.Query {
				f.Queries = append(f.Queries, decl)
				f.Resolvers.Set("Query", FieldName(decl), resolver.Direct(resolver.DirectCall{
					Action:      fullName,
					NullIfError: def.NullIfError,
				}))
			}
			for _, decl := range def.Mutation {
				f.Mutations = append(f.Mutations, decl)
				f.Resolvers.Set("Mutation", FieldName(decl), resolver.Direct(resolver.DirectCall{
					Action:      fullName,
					NullIfError: def.NullIfError,
				}))
			}
			for _, decl := range def.Subscription {
				f.Subscriptions = append(f.Subscriptions, decl)
				f.Resolvers.Set("Subscription", FieldName(decl), resolver.Subscription(resolver.SubscriptionCall{
					Action: fullName,
					Tags:   def.Tags,
					Filter: def.Filter,
				}))
			}
			f.addTypeFragments(def.Fragments)
		}
	}
	return f
}

// FieldName derives the field name of a declaration such as
// `"Greets" hello(name: String): String`: quoted strings and # comments are
// dropped, then the text up to the first "(" or ":" is trimmed.
func FieldName(decl string) string {
	s := stripStringsAndComments(decl)
	if i := strings.IndexAny(s, "(:"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func stripStringsAndComments(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		switch {
		case strings.HasPrefix(s[i:], `"""`):
			end := strings.Index(s[i+3:], `"""`)
			if end < 0 {
				return b.String()
			}
			i += 3 + end + 3
		case s[i] == '"':
			j := i + 1
			for j < len(s) && s[j] != '"' && s[j] != '\n' {
				if s[j] == '\\' {
					j++
				}
				j++
			}
			i = j + 1
		case s[i] == '#':
			end := strings.IndexByte(s[i:], '\n')
			if end < 0 {
				return b.String()
			}
			i += end
		default:
			b.WriteByte(s[i])
			i++
		}
	}
	return b.String()
}
