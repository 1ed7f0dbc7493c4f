package resolver

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"

	"github.com/hanpama/meshgate/internal/executor"
	schema "github.com/hanpama/meshgate/internal/schema"
	"golang.org/x/sync/errgroup"
)

// Runtime executes synthesized resolvers for one operation. Every executor
// depth is one scheduling tick: all resolvers of the depth are invoked and
// register their loader keys, the loaders are dispatched, then the pending
// results are awaited concurrently.
type Runtime struct {
	schema *schema.Schema
	table  *Table
	req    *Request
}

var (
	_ executor.Runtime    = (*Runtime)(nil)
	_ executor.Subscriber = (*Runtime)(nil)
)

func NewRuntime(s *schema.Schema, t *Table, req *Request) *Runtime {
	return &Runtime{schema: s, table: t, req: req}
}

// ResolveSync reads plain fields from map parents. Passthrough bindings
// resolve to their value.
func (r *Runtime) ResolveSync(ctx context.Context, objectType string, field string, source any, args map[string]any) (any, error) {
	if res := r.table.Lookup(objectType, field); res != nil && res.Binding.Kind == KindPassthrough {
		return res.Binding.Value, nil
	}
	return projectField(source, field), nil
}

func (r *Runtime) BatchResolveAsync(ctx context.Context, tasks []executor.AsyncResolveTask) []executor.AsyncResolveResult {
	results := make([]executor.AsyncResolveResult, len(tasks))
	pendings := make([]Pending, len(tasks))
	for i, task := range tasks {
		fn := Project(task.Field)
		if res := r.table.Lookup(task.ObjectType, task.Field); res != nil && res.Resolve != nil {
			fn = res.Resolve
		}
		pendings[i] = fn(ctx, r.req, task.Source, r.internalArgs(task.ObjectType, task.Field, task.Args))
	}

	var g errgroup.Group
	g.Go(func() error {
		r.req.Loaders.Dispatch(ctx)
		return nil
	})
	for i, p := range pendings {
		g.Go(func() error {
			v, err := p(ctx)
			results[i] = executor.AsyncResolveResult{Value: v, Error: err}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Subscribe opens the event stream of a subscription root field.
func (r *Runtime) Subscribe(ctx context.Context, objectType string, field string, args map[string]any) (<-chan any, error) {
	res := r.table.Lookup(objectType, field)
	if res == nil || res.Subscribe == nil {
		return nil, fmt.Errorf("no subscription resolver for %s.%s", objectType, field)
	}
	return res.Subscribe(ctx, r.req, r.internalArgs(objectType, field, args))
}

// ResolveType reads the concrete type from a "__typename" entry. Abstract
// types with a single possible type need no hint.
func (r *Runtime) ResolveType(ctx context.Context, abstractType string, value any) (string, error) {
	if m, ok := value.(map[string]any); ok {
		if name, ok := m["__typename"].(string); ok && name != "" {
			return name, nil
		}
	}
	if t := r.schema.Types[abstractType]; t != nil && len(t.PossibleTypes) == 1 {
		return t.PossibleTypes[0], nil
	}
	return "", fmt.Errorf("cannot determine concrete type of %s: value has no __typename", abstractType)
}

func (r *Runtime) ResolveUnionConcreteValue(ctx context.Context, unionTypeName string, value any) (any, error) {
	return value, nil
}

func (r *Runtime) ResolveInterfaceConcreteValue(ctx context.Context, interfaceTypeName string, value any) (any, error) {
	return value, nil
}

// SerializeLeafValue coerces remote values into the GraphQL result shape.
// Enum values declared with a passthrough mapping are translated back to the
// member name.
func (r *Runtime) SerializeLeafValue(ctx context.Context, typeName string, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	if t := r.schema.Types[typeName]; t != nil && t.Kind == schema.TypeKindEnum {
		if name, ok := r.table.EnumOutput(typeName, value); ok {
			return name, nil
		}
		if s, ok := value.(string); ok {
			for _, ev := range t.EnumValues {
				if ev.Name == s {
					return s, nil
				}
			}
		}
		return nil, fmt.Errorf("Enum %q cannot represent value: %v", typeName, value)
	}
	switch typeName {
	case "Int":
		return serializeInt(value)
	case "Float":
		return serializeFloat(value)
	case "String":
		return serializeString(value)
	case "ID":
		return serializeString(value)
	case "Boolean":
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("Boolean cannot represent a non boolean value: %v", value)
	}
	if b, ok := value.([]byte); ok {
		return base64.StdEncoding.EncodeToString(b), nil
	}
	return value, nil
}

func serializeInt(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int32:
		return n, nil
	case int64:
		if n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("Int cannot represent non 32-bit signed integer value: %d", n)
		}
		return n, nil
	case float64:
		if n != math.Trunc(n) || n < math.MinInt32 || n > math.MaxInt32 {
			return nil, fmt.Errorf("Int cannot represent non-integer value: %v", n)
		}
		return int64(n), nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	}
	return nil, fmt.Errorf("Int cannot represent non-integer value: %v", v)
}

func serializeFloat(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	}
	return nil, fmt.Errorf("Float cannot represent non numeric value: %v", v)
}

func serializeString(v any) (any, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case bool:
		return strconv.FormatBool(s), nil
	case int:
		return strconv.Itoa(s), nil
	case int32:
		return strconv.FormatInt(int64(s), 10), nil
	case int64:
		return strconv.FormatInt(s, 10), nil
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), nil
	}
	return nil, fmt.Errorf("String cannot represent value: %v", v)
}

// internalArgs maps enum members in args to their passthrough values.
func (r *Runtime) internalArgs(objectType, field string, args map[string]any) map[string]any {
	if len(r.table.enumIn) == 0 || len(args) == 0 {
		return args
	}
	def := r.schema.Field(objectType, field)
	if def == nil {
		return args
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		if a := def.Argument(k); a != nil {
			out[k] = r.internalValue(a.Type, v)
			continue
		}
		out[k] = v
	}
	return out
}

func (r *Runtime) internalValue(ref *schema.TypeRef, v any) any {
	if v == nil || ref == nil {
		return v
	}
	if ref.Kind == schema.TypeRefKindNonNull {
		return r.internalValue(ref.OfType, v)
	}
	if ref.Kind == schema.TypeRefKindList {
		items, ok := v.([]any)
		if !ok {
			return r.internalValue(ref.OfType, v)
		}
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = r.internalValue(ref.OfType, item)
		}
		return out
	}
	t := r.schema.Types[ref.Named]
	if t == nil {
		return v
	}
	switch t.Kind {
	case schema.TypeKindEnum:
		if s, ok := v.(string); ok {
			if iv, ok := r.table.EnumInput(t.Name, s); ok {
				return iv
			}
		}
	case schema.TypeKindInputObject:
		obj, ok := v.(map[string]any)
		if !ok {
			return v
		}
		out := make(map[string]any, len(obj))
		for k, fv := range obj {
			out[k] = fv
			for _, f := range t.InputFields {
				if f.Name == k {
					out[k] = r.internalValue(f.Type, fv)
				}
			}
		}
		return out
	}
	return v
}
