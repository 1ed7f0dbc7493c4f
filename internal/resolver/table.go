package resolver

import (
	"encoding/json"
	"fmt"

	"github.com/hanpama/meshgate/internal/gwerrors"
	"github.com/hanpama/meshgate/internal/loader"
	schema "github.com/hanpama/meshgate/internal/schema"
)

// Table holds the synthesized resolvers of one compiled schema. It is
// immutable once composition finishes.
type Table struct {
	fields map[string]map[string]*Resolver
	// enum type -> member name -> internal value
	enumIn map[string]map[string]any
	// enum type -> canonical internal value -> member name
	enumOut map[string]map[string]string
	batch   map[string]loader.Spec
}

// NewTable synthesizes every binding of m. Passthrough entries on enum types
// of s become value mappings for enum members.
func NewTable(m Map, s *schema.Schema) (*Table, error) {
	t := &Table{
		fields:  make(map[string]map[string]*Resolver),
		enumIn:  make(map[string]map[string]any),
		enumOut: make(map[string]map[string]string),
		batch:   make(map[string]loader.Spec),
	}
	for _, c := range m.Coordinates() {
		b, _ := m.Get(c.Type, c.Field)
		if typ := s.Types[c.Type]; typ != nil && typ.Kind == schema.TypeKindEnum && b.Kind == KindPassthrough {
			t.addEnumValue(c.Type, c.Field, b.Value)
			continue
		}
		r, err := Synthesize(b)
		if err != nil {
			return nil, &gwerrors.CompositionError{Reason: fmt.Sprintf("resolver %s.%s", c.Type, c.Field), Cause: err}
		}
		t.Set(c.Type, c.Field, r)
		if b.Kind == KindBatched {
			if _, seen := t.batch[b.Batched.Action]; !seen {
				t.batch[b.Batched.Action] = loader.Spec{
					Action:     b.Batched.Action,
					BatchParam: b.Batched.BatchParam(),
					Params:     b.Batched.Params,
					MetaParams: b.Batched.MetaParams,
				}
			}
		}
	}
	return t, nil
}

func (t *Table) addEnumValue(enum, member string, v any) {
	if t.enumIn[enum] == nil {
		t.enumIn[enum] = make(map[string]any)
		t.enumOut[enum] = make(map[string]string)
	}
	t.enumIn[enum][member] = v
	t.enumOut[enum][canonical(v)] = member
}

// Set installs r for typeName.field. Only used while composing.
func (t *Table) Set(typeName, field string, r *Resolver) {
	fields := t.fields[typeName]
	if fields == nil {
		fields = make(map[string]*Resolver)
		t.fields[typeName] = fields
	}
	fields[field] = r
}

// Lookup returns the resolver of typeName.field, or nil.
func (t *Table) Lookup(typeName, field string) *Resolver {
	if t == nil {
		return nil
	}
	return t.fields[typeName][field]
}

// Async reports whether typeName.field must be resolved through
// BatchResolveAsync.
func (t *Table) Async(typeName, field string) bool {
	r := t.Lookup(typeName, field)
	return r != nil && r.Resolve != nil
}

// BatchSpecs returns the loader spec of every batched action. When several
// fields batch through the same action, the first field in type/field name
// order defines the spec.
func (t *Table) BatchSpecs() map[string]loader.Spec {
	out := make(map[string]loader.Spec, len(t.batch))
	for k, v := range t.batch {
		out[k] = v
	}
	return out
}

// EnumInput maps an enum member name to its internal value.
func (t *Table) EnumInput(enum, member string) (any, bool) {
	v, ok := t.enumIn[enum][member]
	return v, ok
}

// EnumOutput maps an internal value back to its enum member name.
func (t *Table) EnumOutput(enum string, v any) (string, bool) {
	name, ok := t.enumOut[enum][canonical(v)]
	return name, ok
}

func canonical(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%T:%v", v, v)
	}
	return string(b)
}
