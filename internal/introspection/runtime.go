// Package introspection answers __schema and __type queries from the
// compiled schema and delegates every other field to a base runtime.
package introspection

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	executor "github.com/hanpama/meshgate/internal/executor"
	schema "github.com/hanpama/meshgate/internal/schema"
)

// Runtime wraps a base runtime with introspection support.
type Runtime struct {
	base   executor.Runtime
	schema *schema.Schema
}

// Wrap returns a runtime resolving introspection fields over sch. Execute
// against Schema(), which carries the introspection types.
func Wrap(base executor.Runtime, sch *schema.Schema) *Runtime {
	return &Runtime{base: base, schema: extend(sch)}
}

// Schema is the extended schema.
func (r *Runtime) Schema() *schema.Schema { return r.schema }

// With returns a runtime sharing the extended schema of r around another
// base runtime.
func (r *Runtime) With(base executor.Runtime) *Runtime {
	return &Runtime{base: base, schema: r.schema}
}

func (r *Runtime) ResolveSync(ctx context.Context, objectType, field string, source any, args map[string]any) (any, error) {
	switch src := source.(type) {
	case *schema.Schema:
		return r.schemaField(src, field), nil
	case *schema.Type:
		return r.typeField(src, field, args), nil
	case *schema.TypeRef:
		return r.typeRefField(src, field, args), nil
	case *schema.Field:
		return r.fieldField(src, field, args), nil
	case *schema.InputValue:
		return r.inputValueField(src, field), nil
	case *schema.EnumValue:
		return enumValueField(src, field), nil
	case *schema.Directive:
		return directiveField(src, field, args), nil
	}
	if objectType == r.schema.QueryType {
		switch field {
		case "__schema":
			return r.schema, nil
		case "__type":
			name, _ := args["name"].(string)
			if t := r.schema.Types[name]; t != nil {
				return t, nil
			}
			return nil, nil
		}
	}
	return r.base.ResolveSync(ctx, objectType, field, source, args)
}

func (r *Runtime) BatchResolveAsync(ctx context.Context, tasks []executor.AsyncResolveTask) []executor.AsyncResolveResult {
	return r.base.BatchResolveAsync(ctx, tasks)
}

func (r *Runtime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	return r.base.ResolveType(ctx, abstractType, value)
}

func (r *Runtime) ResolveUnionConcreteValue(ctx context.Context, unionTypeName string, value any) (any, error) {
	return r.base.ResolveUnionConcreteValue(ctx, unionTypeName, value)
}

func (r *Runtime) ResolveInterfaceConcreteValue(ctx context.Context, interfaceTypeName string, value any) (any, error) {
	return r.base.ResolveInterfaceConcreteValue(ctx, interfaceTypeName, value)
}

func (r *Runtime) SerializeLeafValue(ctx context.Context, typ string, value any) (any, error) {
	if strings.HasPrefix(typ, "__") {
		return value, nil
	}
	return r.base.SerializeLeafValue(ctx, typ, value)
}

// Subscribe forwards to the base runtime when it supports subscriptions.
func (r *Runtime) Subscribe(ctx context.Context, objectType, field string, args map[string]any) (<-chan any, error) {
	sub, ok := r.base.(executor.Subscriber)
	if !ok {
		return nil, errors.New("runtime does not support subscriptions")
	}
	return sub.Subscribe(ctx, objectType, field, args)
}

func (r *Runtime) schemaField(s *schema.Schema, field string) any {
	switch field {
	case "description":
		return optional(s.Description)
	case "types":
		out := make([]*schema.Type, 0, len(s.Types))
		for _, t := range s.Types {
			out = append(out, t)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out
	case "queryType":
		return nilType(s.GetQueryType())
	case "mutationType":
		return nilType(s.GetMutationType())
	case "subscriptionType":
		return nilType(s.GetSubscriptionType())
	case "directives":
		out := make([]*schema.Directive, 0, len(s.Directives))
		for _, d := range s.Directives {
			out = append(out, d)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return out
	}
	return nil
}

func (r *Runtime) typeField(t *schema.Type, field string, args map[string]any) any {
	switch field {
	case "kind":
		return string(t.Kind)
	case "name":
		return t.Name
	case "description":
		return optional(t.Description)
	case "specifiedByURL":
		if t.SpecifiedByURL == nil {
			return nil
		}
		return *t.SpecifiedByURL
	case "fields":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil
		}
		out := []*schema.Field{}
		for _, f := range t.Fields {
			if f.IsDeprecated && !boolArg(args, "includeDeprecated") {
				continue
			}
			out = append(out, f)
		}
		return out
	case "interfaces":
		if t.Kind != schema.TypeKindObject && t.Kind != schema.TypeKindInterface {
			return nil
		}
		return r.lookupAll(t.Interfaces)
	case "possibleTypes":
		if t.Kind != schema.TypeKindInterface && t.Kind != schema.TypeKindUnion {
			return nil
		}
		return r.lookupAll(t.PossibleTypes)
	case "enumValues":
		if t.Kind != schema.TypeKindEnum {
			return nil
		}
		out := []*schema.EnumValue{}
		for _, ev := range t.EnumValues {
			if ev.IsDeprecated && !boolArg(args, "includeDeprecated") {
				continue
			}
			out = append(out, ev)
		}
		return out
	case "inputFields":
		if t.Kind != schema.TypeKindInputObject {
			return nil
		}
		return filterInputValues(t.InputFields, args)
	case "isOneOf":
		if t.Kind != schema.TypeKindInputObject {
			return nil
		}
		return t.OneOf
	}
	// ofType of a named type
	return nil
}

// typeRefField answers wrapper types itself and defers named references to
// their definition.
func (r *Runtime) typeRefField(tr *schema.TypeRef, field string, args map[string]any) any {
	if tr.Kind == schema.TypeRefKindNamed {
		if def := r.schema.Types[tr.Named]; def != nil {
			return r.typeField(def, field, args)
		}
		return nil
	}
	switch field {
	case "kind":
		return string(tr.Kind)
	case "ofType":
		return tr.OfType
	}
	return nil
}

func (r *Runtime) fieldField(f *schema.Field, field string, args map[string]any) any {
	switch field {
	case "name":
		return f.Name
	case "description":
		return optional(f.Description)
	case "args":
		return filterInputValues(f.Arguments, args)
	case "type":
		return f.Type
	case "isDeprecated":
		return f.IsDeprecated
	case "deprecationReason":
		return deprecationReason(f.IsDeprecated, f.DeprecationReason)
	}
	return nil
}

func (r *Runtime) inputValueField(v *schema.InputValue, field string) any {
	switch field {
	case "name":
		return v.Name
	case "description":
		return optional(v.Description)
	case "type":
		return v.Type
	case "defaultValue":
		if v.DefaultValue == nil {
			return nil
		}
		return r.literal(v.Type, v.DefaultValue)
	case "isDeprecated":
		return v.IsDeprecated
	case "deprecationReason":
		return deprecationReason(v.IsDeprecated, v.DeprecationReason)
	}
	return nil
}

func enumValueField(ev *schema.EnumValue, field string) any {
	switch field {
	case "name":
		return ev.Name
	case "description":
		return optional(ev.Description)
	case "isDeprecated":
		return ev.IsDeprecated
	case "deprecationReason":
		return deprecationReason(ev.IsDeprecated, ev.DeprecationReason)
	}
	return nil
}

func directiveField(d *schema.Directive, field string, args map[string]any) any {
	switch field {
	case "name":
		return d.Name
	case "description":
		return optional(d.Description)
	case "isRepeatable":
		return d.IsRepeatable
	case "locations":
		return append([]string(nil), d.Locations...)
	case "args":
		return filterInputValues(d.Arguments, args)
	}
	return nil
}

func (r *Runtime) lookupAll(names []string) []*schema.Type {
	out := make([]*schema.Type, 0, len(names))
	for _, name := range names {
		if def := r.schema.Types[name]; def != nil {
			out = append(out, def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// literal prints v as a GraphQL value of type typ.
func (r *Runtime) literal(typ *schema.TypeRef, v any) string {
	for typ != nil && typ.Kind == schema.TypeRefKindNonNull {
		typ = typ.OfType
	}
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		if typ != nil && typ.Kind == schema.TypeRefKindNamed {
			if def := r.schema.Types[typ.Named]; def != nil && def.Kind == schema.TypeKindEnum {
				return val
			}
		}
		return strconv.Quote(val)
	case bool:
		return strconv.FormatBool(val)
	case []any:
		var elem *schema.TypeRef
		if typ != nil && typ.Kind == schema.TypeRefKindList {
			elem = typ.OfType
		}
		parts := make([]string, len(val))
		for i, e := range val {
			parts[i] = r.literal(elem, e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		var def *schema.Type
		if typ != nil {
			def = r.schema.Types[typ.GetNamedType()]
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			var ft *schema.TypeRef
			if def != nil {
				for _, iv := range def.InputFields {
					if iv.Name == k {
						ft = iv.Type
					}
				}
			}
			parts[i] = k + ": " + r.literal(ft, val[k])
		}
		return "{" + strings.Join(parts, ", ") + "}"
	}
	return fmt.Sprint(v)
}

func filterInputValues(in []*schema.InputValue, args map[string]any) []*schema.InputValue {
	out := []*schema.InputValue{}
	for _, v := range in {
		if v.IsDeprecated && !boolArg(args, "includeDeprecated") {
			continue
		}
		out = append(out, v)
	}
	return out
}

func deprecationReason(deprecated bool, reason string) any {
	if !deprecated {
		return nil
	}
	return reason
}

func optional(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nilType(t *schema.Type) any {
	if t == nil {
		return nil
	}
	return t
}

func boolArg(args map[string]any, name string) bool {
	b, _ := args[name].(bool)
	return b
}
