// Package resolver turns declarative resolver bindings into executable field
// resolvers and runs them for one operation.
package resolver

import (
	"sort"

	"github.com/hanpama/meshgate/internal/service"
)

// Kind tags the variant held by a Binding.
type Kind int

const (
	KindDirect Kind = iota + 1
	KindBatched
	KindSubscription
	KindPassthrough
)

func (k Kind) String() string {
	switch k {
	case KindDirect:
		return "direct"
	case KindBatched:
		return "batched"
	case KindSubscription:
		return "subscription"
	case KindPassthrough:
		return "passthrough"
	}
	return "unknown"
}

// DirectCall dispatches one remote call per field resolution.
type DirectCall struct {
	Action string
	// Params are static defaults, merged deeply under everything else.
	Params map[string]any
	// ArgParams moves field arguments to parameter paths (arg -> param).
	ArgParams map[string]string
	// RootParams copies parent values to parameter paths (root path -> param).
	RootParams map[string]string
	// MetaParams copies call metadata to parameter paths (meta path -> param).
	MetaParams  map[string]string
	NullIfError bool
}

// BatchedCall loads the value found at RootKey through the per-operation
// loader of Action.
type BatchedCall struct {
	Action     string
	RootKey    string
	Params     map[string]any
	RootParams map[string]string
	MetaParams map[string]string
}

// BatchParam is the parameter receiving the batch keys.
func (b *BatchedCall) BatchParam() string {
	if p := b.RootParams[b.RootKey]; p != "" {
		return p
	}
	return b.RootKey
}

// SubscriptionCall streams events published on Tags. Filter, when set, is a
// predicate action; Action maps each delivered event to the field value.
type SubscriptionCall struct {
	Action string
	Tags   []string
	Filter string
}

// Binding is one field's resolver declaration. Exactly the member matching
// Kind is set.
type Binding struct {
	Kind         Kind
	Direct       *DirectCall
	Batched      *BatchedCall
	Subscription *SubscriptionCall
	// Value is the opaque passthrough value, e.g. the internal value of an
	// enum member.
	Value any
}

// Action returns the target action of non-passthrough bindings.
func (b Binding) Action() string {
	switch b.Kind {
	case KindDirect:
		return b.Direct.Action
	case KindBatched:
		return b.Batched.Action
	case KindSubscription:
		return b.Subscription.Action
	}
	return ""
}

func Direct(c DirectCall) Binding             { return Binding{Kind: KindDirect, Direct: &c} }
func Batched(c BatchedCall) Binding           { return Binding{Kind: KindBatched, Batched: &c} }
func Subscription(c SubscriptionCall) Binding { return Binding{Kind: KindSubscription, Subscription: &c} }
func Passthrough(v any) Binding               { return Binding{Kind: KindPassthrough, Value: v} }

// FromSpec classifies a declarative resolver entry. A batched entry takes
// its root key from the single RootParams mapping; with zero or several
// mappings the root key stays empty and synthesis rejects it.
func FromSpec(spec service.ResolverSpec) Binding {
	switch {
	case spec.Action == "" && spec.Value != nil:
		return Passthrough(spec.Value)
	case len(spec.Tags) > 0:
		return Subscription(SubscriptionCall{Action: spec.Action, Tags: spec.Tags, Filter: spec.Filter})
	case spec.DataLoader:
		var rootKey string
		if len(spec.RootParams) == 1 {
			for k := range spec.RootParams {
				rootKey = k
			}
		}
		return Batched(BatchedCall{
			Action:     spec.Action,
			RootKey:    rootKey,
			Params:     spec.Params,
			RootParams: spec.RootParams,
			MetaParams: spec.MetaParams,
		})
	case spec.Action == "":
		return Passthrough(spec.Value)
	default:
		return Direct(DirectCall{
			Action:      spec.Action,
			Params:      spec.Params,
			ArgParams:   spec.ArgParams,
			RootParams:  spec.RootParams,
			MetaParams:  spec.MetaParams,
			NullIfError: spec.NullIfError,
		})
	}
}

// Map is type name -> field name -> binding.
type Map map[string]map[string]Binding

// Set stores b under typeName.fieldName, replacing any previous entry.
func (m Map) Set(typeName, fieldName string, b Binding) {
	fields := m[typeName]
	if fields == nil {
		fields = make(map[string]Binding)
		m[typeName] = fields
	}
	fields[fieldName] = b
}

// Get returns the binding for typeName.fieldName.
func (m Map) Get(typeName, fieldName string) (Binding, bool) {
	b, ok := m[typeName][fieldName]
	return b, ok
}

// Fold merges other into m field by field; entries of other win.
func (m Map) Fold(other Map) {
	for typeName, fields := range other {
		for fieldName, b := range fields {
			m.Set(typeName, fieldName, b)
		}
	}
}

// Coordinate addresses one field.
type Coordinate struct {
	Type  string
	Field string
}

// Coordinates lists every entry in deterministic order.
func (m Map) Coordinates() []Coordinate {
	var out []Coordinate
	for typeName, fields := range m {
		for fieldName := range fields {
			out = append(out, Coordinate{Type: typeName, Field: fieldName})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Type != out[j].Type {
			return out[i].Type < out[j].Type
		}
		return out[i].Field < out[j].Field
	})
	return out
}
