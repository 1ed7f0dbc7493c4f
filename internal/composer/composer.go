// Package composer assembles collected fragments into one validated,
// executable schema with its resolver table.
package composer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hanpama/meshgate/internal/fragment"
	"github.com/hanpama/meshgate/internal/gwerrors"
	language "github.com/hanpama/meshgate/internal/language"
	"github.com/hanpama/meshgate/internal/loader"
	"github.com/hanpama/meshgate/internal/resolver"
	schema "github.com/hanpama/meshgate/internal/schema"
)

// ErrEmptySchema is the cause of the CompositionError returned when no
// service contributed any fragment.
var ErrEmptySchema = errors.New("no schema fragments")

// SchemaDirective wraps the resolver of every field annotated with the
// directive. args holds the directive arguments of that annotation.
type SchemaDirective func(field resolver.Coordinate, args map[string]any, next resolver.Func) resolver.Func

// Compiled is one immutable schema generation.
type Compiled struct {
	Generation uint64
	Schema     *schema.Schema
	AST        *language.Schema
	// SDL is the printed schema broadcast after a rebuild.
	SDL string
	// Source is the composed document before validation.
	Source     string
	Resolvers  *resolver.Table
	BatchSpecs map[string]loader.Spec
	Services   []string
}

type options struct {
	directives map[string]SchemaDirective
	generation uint64
}

// Option configures Compose.
type Option func(*options)

// WithDirective registers a custom schema directive implementation. The
// directive must be declared by one of the fragments.
func WithDirective(name string, d SchemaDirective) Option {
	return func(o *options) { o.directives[name] = d }
}

// WithGeneration stamps the result with a generation number.
func WithGeneration(g uint64) Option { return func(o *options) { o.generation = g } }

// Document renders the schema source: the root types wrapping the collected
// root field declarations, followed by every type system fragment verbatim.
func Document(f *fragment.Fragments) string {
	var b strings.Builder
	writeRoot := func(name string, decls []string) {
		if len(decls) == 0 {
			return
		}
		b.WriteString("type ")
		b.WriteString(name)
		b.WriteString(" {\n")
		for _, d := range decls {
			b.WriteString("  ")
			b.WriteString(d)
			b.WriteString("\n")
		}
		b.WriteString("}\n\n")
	}
	writeRoot("Query", f.Queries)
	writeRoot("Mutation", f.Mutations)
	writeRoot("Subscription", f.Subscriptions)
	for _, group := range [][]string{f.Types, f.Interfaces, f.Unions, f.Enums, f.Inputs} {
		for _, frag := range group {
			b.WriteString(frag)
			b.WriteString("\n\n")
		}
	}
	return b.String()
}

// Compose validates the fragments, synthesizes resolvers and returns the
// compiled schema. Every failure is a *gwerrors.CompositionError.
func Compose(f *fragment.Fragments, opts ...Option) (*Compiled, error) {
	o := &options{directives: map[string]SchemaDirective{}}
	for _, fn := range opts {
		fn(o)
	}
	if f == nil || f.Empty() {
		return nil, &gwerrors.CompositionError{Cause: ErrEmptySchema}
	}

	src := Document(f)
	ast, err := language.LoadSchema("composed.graphql", src)
	if err != nil {
		return nil, &gwerrors.CompositionError{Reason: "invalid schema", Cause: err}
	}
	if ast.Query == nil {
		return nil, gwerrors.Compositionf("schema has no query fields")
	}
	s := schema.BuildFromAST(ast)

	if err := checkResolvers(s, f.Resolvers); err != nil {
		return nil, err
	}
	table, err := resolver.NewTable(f.Resolvers, s)
	if err != nil {
		return nil, err
	}
	if err := applyDirectives(s, ast, table, o.directives); err != nil {
		return nil, err
	}
	for _, c := range f.Resolvers.Coordinates() {
		if fd := s.Field(c.Type, c.Field); fd != nil {
			fd.SetAsync(table.Async(c.Type, c.Field))
		}
	}

	return &Compiled{
		Generation: o.generation,
		Schema:     s,
		AST:        ast,
		SDL:        schema.Render(s),
		Source:     src,
		Resolvers:  table,
		BatchSpecs: table.BatchSpecs(),
		Services:   append([]string(nil), f.Services...),
	}, nil
}

// checkResolvers rejects entries pointing at undeclared fields. Passthrough
// entries may also name enum members.
func checkResolvers(s *schema.Schema, m resolver.Map) error {
	for _, c := range m.Coordinates() {
		b, _ := m.Get(c.Type, c.Field)
		t := s.Types[c.Type]
		if t == nil {
			return gwerrors.Compositionf("resolver for %s.%s: type %s is not declared", c.Type, c.Field, c.Type)
		}
		switch t.Kind {
		case schema.TypeKindObject:
			fd := t.Field(c.Field)
			if fd == nil {
				return gwerrors.Compositionf("resolver for %s.%s: field is not declared", c.Type, c.Field)
			}
			if b.Kind == resolver.KindSubscription && c.Type != s.SubscriptionType {
				return gwerrors.Compositionf("resolver for %s.%s: subscription binding outside the subscription type", c.Type, c.Field)
			}
		case schema.TypeKindEnum:
			if b.Kind != resolver.KindPassthrough {
				return gwerrors.Compositionf("resolver for %s.%s: enum members only take values", c.Type, c.Field)
			}
			found := false
			for _, ev := range t.EnumValues {
				found = found || ev.Name == c.Field
			}
			if !found {
				return gwerrors.Compositionf("resolver for %s.%s: enum value is not declared", c.Type, c.Field)
			}
		default:
			return gwerrors.Compositionf("resolver for %s.%s: %s types take no resolvers", c.Type, c.Field, strings.ToLower(string(t.Kind)))
		}
	}
	return nil
}

// applyDirectives wraps resolvers of fields annotated with a registered
// directive. Plain fields get a projecting resolver so the wrapper runs.
func applyDirectives(s *schema.Schema, ast *language.Schema, table *resolver.Table, directives map[string]SchemaDirective) error {
	if len(directives) == 0 {
		return nil
	}
	for name := range directives {
		if ast.Directives[name] == nil {
			return gwerrors.Compositionf("directive @%s has an implementation but no declaration", name)
		}
	}
	for _, def := range ast.Types {
		if def.Kind != language.Object || def.BuiltIn {
			continue
		}
		for _, fd := range def.Fields {
			for _, d := range fd.Directives {
				impl := directives[d.Name]
				if impl == nil {
					continue
				}
				args := d.ArgumentMap(nil)
				coord := resolver.Coordinate{Type: def.Name, Field: fd.Name}
				r := table.Lookup(def.Name, fd.Name)
				switch {
				case r == nil:
					r = &resolver.Resolver{Resolve: resolver.Project(fd.Name)}
				case r.Resolve == nil:
					return gwerrors.Compositionf("directive @%s on %s.%s: passthrough fields cannot be wrapped", d.Name, def.Name, fd.Name)
				default:
					cp := *r
					r = &cp
				}
				r.Resolve = impl(coord, args, r.Resolve)
				table.Set(def.Name, fd.Name, r)
				if sf := s.Field(def.Name, fd.Name); sf != nil {
					sf.SetAsync(true)
				}
			}
		}
	}
	return nil
}

// Describe summarizes a compiled schema for logs.
func (c *Compiled) Describe() string {
	return fmt.Sprintf("generation %d, %d types, %d services", c.Generation, len(c.Schema.Types), len(c.Services))
}
