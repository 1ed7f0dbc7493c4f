package introspection

import (
	schema "github.com/hanpama/meshgate/internal/schema"
)

func named(n string) *schema.TypeRef { return schema.NamedType(n) }
func nonNull(n string) *schema.TypeRef {
	return schema.NonNullType(schema.NamedType(n))
}
func nonNullList(n string) *schema.TypeRef {
	return schema.NonNullType(schema.ListType(nonNull(n)))
}
func list(n string) *schema.TypeRef { return schema.ListType(nonNull(n)) }

func includeDeprecated() *schema.InputValue {
	return schema.NewInputValue("includeDeprecated", "", named("Boolean")).SetDefault(false)
}

// extend returns a copy of sch carrying the introspection types and the
// __schema and __type root fields. sch itself is left untouched so that
// the compiled generation can be shared.
func extend(sch *schema.Schema) *schema.Schema {
	out := &schema.Schema{
		QueryType:        sch.QueryType,
		MutationType:     sch.MutationType,
		SubscriptionType: sch.SubscriptionType,
		Types:            make(map[string]*schema.Type, len(sch.Types)+8),
		Directives:       sch.Directives,
		Description:      sch.Description,
	}
	for name, t := range sch.Types {
		out.Types[name] = t
	}
	for _, t := range metaTypes() {
		t.BuiltIn = true
		out.Types[t.Name] = t
	}

	if q := sch.GetQueryType(); q != nil {
		cp := *q
		cp.Fields = append(append([]*schema.Field(nil), q.Fields...),
			schema.NewField("__schema", "Access the current type schema of this server.", nonNull("__Schema")),
			schema.NewField("__type", "Request the type information of a single type.", named("__Type")).
				AddArgument(schema.NewInputValue("name", "The name of the type to look up.", nonNull("String"))),
		)
		out.Types[q.Name] = &cp
	}
	return out
}

func metaTypes() []*schema.Type {
	schemaT := schema.NewType("__Schema", schema.TypeKindObject, "A GraphQL Schema defines the capabilities of a GraphQL server.").
		AddField(schema.NewField("description", "", named("String"))).
		AddField(schema.NewField("types", "A list of all types supported by this server.", nonNullList("__Type"))).
		AddField(schema.NewField("queryType", "The type that query operations will be rooted at.", nonNull("__Type"))).
		AddField(schema.NewField("mutationType", "If this server supports mutation, the type that mutation operations will be rooted at.", named("__Type"))).
		AddField(schema.NewField("subscriptionType", "If this server support subscription, the type that subscription operations will be rooted at.", named("__Type"))).
		AddField(schema.NewField("directives", "A list of all directives supported by this server.", nonNullList("__Directive")))

	typeT := schema.NewType("__Type", schema.TypeKindObject, "The fundamental unit of any GraphQL Schema is the type.").
		AddField(schema.NewField("kind", "", nonNull("__TypeKind"))).
		AddField(schema.NewField("name", "", named("String"))).
		AddField(schema.NewField("description", "", named("String"))).
		AddField(schema.NewField("specifiedByURL", "", named("String"))).
		AddField(schema.NewField("fields", "", list("__Field")).AddArgument(includeDeprecated())).
		AddField(schema.NewField("interfaces", "", list("__Type"))).
		AddField(schema.NewField("possibleTypes", "", list("__Type"))).
		AddField(schema.NewField("enumValues", "", list("__EnumValue")).AddArgument(includeDeprecated())).
		AddField(schema.NewField("inputFields", "", list("__InputValue")).AddArgument(includeDeprecated())).
		AddField(schema.NewField("ofType", "", named("__Type"))).
		AddField(schema.NewField("isOneOf", "", named("Boolean")))

	fieldT := schema.NewType("__Field", schema.TypeKindObject, "").
		AddField(schema.NewField("name", "", nonNull("String"))).
		AddField(schema.NewField("description", "", named("String"))).
		AddField(schema.NewField("args", "", nonNullList("__InputValue")).AddArgument(includeDeprecated())).
		AddField(schema.NewField("type", "", nonNull("__Type"))).
		AddField(schema.NewField("isDeprecated", "", nonNull("Boolean"))).
		AddField(schema.NewField("deprecationReason", "", named("String")))

	inputT := schema.NewType("__InputValue", schema.TypeKindObject, "").
		AddField(schema.NewField("name", "", nonNull("String"))).
		AddField(schema.NewField("description", "", named("String"))).
		AddField(schema.NewField("type", "", nonNull("__Type"))).
		AddField(schema.NewField("defaultValue", "A GraphQL-formatted string representing the default value for this input value.", named("String"))).
		AddField(schema.NewField("isDeprecated", "", nonNull("Boolean"))).
		AddField(schema.NewField("deprecationReason", "", named("String")))

	enumValueT := schema.NewType("__EnumValue", schema.TypeKindObject, "").
		AddField(schema.NewField("name", "", nonNull("String"))).
		AddField(schema.NewField("description", "", named("String"))).
		AddField(schema.NewField("isDeprecated", "", nonNull("Boolean"))).
		AddField(schema.NewField("deprecationReason", "", named("String")))

	directiveT := schema.NewType("__Directive", schema.TypeKindObject, "").
		AddField(schema.NewField("name", "", nonNull("String"))).
		AddField(schema.NewField("description", "", named("String"))).
		AddField(schema.NewField("isRepeatable", "", nonNull("Boolean"))).
		AddField(schema.NewField("locations", "", nonNullList("__DirectiveLocation"))).
		AddField(schema.NewField("args", "", nonNullList("__InputValue")).AddArgument(includeDeprecated()))

	return []*schema.Type{
		schemaT, typeT, fieldT, inputT, enumValueT, directiveT,
		enumType("__TypeKind", typeKinds),
		enumType("__DirectiveLocation", directiveLocations),
	}
}

var typeKinds = []string{"SCALAR", "OBJECT", "INTERFACE", "UNION", "ENUM", "INPUT_OBJECT", "LIST", "NON_NULL"}

var directiveLocations = []string{
	"QUERY", "MUTATION", "SUBSCRIPTION", "FIELD", "FRAGMENT_DEFINITION", "FRAGMENT_SPREAD",
	"INLINE_FRAGMENT", "VARIABLE_DEFINITION", "SCHEMA", "SCALAR", "OBJECT", "FIELD_DEFINITION",
	"ARGUMENT_DEFINITION", "INTERFACE", "UNION", "ENUM", "ENUM_VALUE", "INPUT_OBJECT",
	"INPUT_FIELD_DEFINITION",
}

func enumType(name string, members []string) *schema.Type {
	t := schema.NewType(name, schema.TypeKindEnum, "")
	for _, m := range members {
		t.AddEnumValue(schema.NewEnumValue(m, ""))
	}
	return t
}
