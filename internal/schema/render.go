package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Render produces SDL from the Schema.
// Root operation types come first in query, mutation, subscription order;
// the remaining types and directives are sorted by name. Built-in scalars and
// directives are omitted.
func Render(s *Schema) string {
	if s == nil {
		return ""
	}
	r := &renderer{s: s}

	roots := []string{s.QueryType, s.MutationType, s.SubscriptionType}
	seen := map[string]bool{}
	for _, name := range roots {
		if t := s.lookupRoot(name); t != nil {
			r.renderType(t)
			seen[name] = true
		}
	}

	typeNames := make([]string, 0, len(s.Types))
	for name, typ := range s.Types {
		if typ.BuiltIn || seen[name] || strings.HasPrefix(name, "__") {
			continue
		}
		typeNames = append(typeNames, name)
	}
	sort.Strings(typeNames)
	for _, name := range typeNames {
		r.renderType(s.Types[name])
	}

	directiveNames := make([]string, 0, len(s.Directives))
	for name, directive := range s.Directives {
		if directive.BuiltIn {
			continue
		}
		directiveNames = append(directiveNames, name)
	}
	sort.Strings(directiveNames)
	for _, name := range directiveNames {
		r.renderDirective(s.Directives[name])
	}

	return strings.TrimRight(r.b.String(), "\n") + "\n"
}

type renderer struct {
	s *Schema
	b strings.Builder
}

func (r *renderer) renderType(typ *Type) {
	switch typ.Kind {
	case TypeKindScalar:
		r.renderScalar(typ)
	case TypeKindEnum:
		r.renderEnum(typ)
	case TypeKindInputObject:
		r.renderInputObject(typ)
	case TypeKindObject:
		r.renderComposite("type", typ)
	case TypeKindInterface:
		r.renderComposite("interface", typ)
	case TypeKindUnion:
		r.renderUnion(typ)
	}
}

func (r *renderer) renderDescription(indent, desc string) {
	if desc == "" {
		return
	}
	if !strings.Contains(desc, "\n") {
		r.b.WriteString(indent)
		r.b.WriteString(strconv.Quote(desc))
		r.b.WriteString("\n")
		return
	}
	r.b.WriteString(indent)
	r.b.WriteString("\"\"\"\n")
	for _, line := range strings.Split(strings.ReplaceAll(desc, `"""`, `\"""`), "\n") {
		r.b.WriteString(indent)
		r.b.WriteString(line)
		r.b.WriteString("\n")
	}
	r.b.WriteString(indent)
	r.b.WriteString("\"\"\"\n")
}

func (r *renderer) renderDeprecated(deprecated bool, reason string) {
	if !deprecated {
		return
	}
	r.b.WriteString(" @deprecated")
	if reason != "" {
		r.b.WriteString("(reason: ")
		r.b.WriteString(strconv.Quote(reason))
		r.b.WriteString(")")
	}
}

func (r *renderer) renderScalar(typ *Type) {
	r.renderDescription("", typ.Description)
	r.b.WriteString("scalar ")
	r.b.WriteString(typ.Name)
	if typ.SpecifiedByURL != nil {
		r.b.WriteString(" @specifiedBy(url: ")
		r.b.WriteString(strconv.Quote(*typ.SpecifiedByURL))
		r.b.WriteString(")")
	}
	r.b.WriteString("\n\n")
}

func (r *renderer) renderEnum(typ *Type) {
	r.renderDescription("", typ.Description)
	r.b.WriteString("enum ")
	r.b.WriteString(typ.Name)
	r.b.WriteString(" {\n")
	for _, val := range typ.EnumValues {
		r.renderDescription("  ", val.Description)
		r.b.WriteString("  ")
		r.b.WriteString(val.Name)
		r.renderDeprecated(val.IsDeprecated, val.DeprecationReason)
		r.b.WriteString("\n")
	}
	r.b.WriteString("}\n\n")
}

func (r *renderer) renderInputObject(typ *Type) {
	r.renderDescription("", typ.Description)
	r.b.WriteString("input ")
	r.b.WriteString(typ.Name)
	if typ.OneOf {
		r.b.WriteString(" @oneOf")
	}
	r.b.WriteString(" {\n")
	for _, field := range typ.InputFields {
		r.renderDescription("  ", field.Description)
		r.b.WriteString("  ")
		r.renderInputValue(field)
		r.b.WriteString("\n")
	}
	r.b.WriteString("}\n\n")
}

func (r *renderer) renderComposite(keyword string, typ *Type) {
	r.renderDescription("", typ.Description)
	r.b.WriteString(keyword)
	r.b.WriteString(" ")
	r.b.WriteString(typ.Name)
	if len(typ.Interfaces) > 0 {
		r.b.WriteString(" implements ")
		r.b.WriteString(strings.Join(typ.Interfaces, " & "))
	}
	r.b.WriteString(" {\n")
	for _, field := range typ.Fields {
		r.renderField(field)
	}
	r.b.WriteString("}\n\n")
}

func (r *renderer) renderUnion(typ *Type) {
	r.renderDescription("", typ.Description)
	r.b.WriteString("union ")
	r.b.WriteString(typ.Name)
	r.b.WriteString(" = ")
	r.b.WriteString(strings.Join(typ.PossibleTypes, " | "))
	r.b.WriteString("\n\n")
}

func (r *renderer) renderField(field *Field) {
	r.renderDescription("  ", field.Description)
	r.b.WriteString("  ")
	r.b.WriteString(field.Name)
	r.renderArguments(field.Arguments)
	r.b.WriteString(": ")
	r.b.WriteString(renderTypeRef(field.Type))
	r.renderDeprecated(field.IsDeprecated, field.DeprecationReason)
	r.b.WriteString("\n")
}

func (r *renderer) renderArguments(args []*InputValue) {
	if len(args) == 0 {
		return
	}
	r.b.WriteString("(")
	for i, arg := range args {
		if i > 0 {
			r.b.WriteString(", ")
		}
		r.renderInputValue(arg)
	}
	r.b.WriteString(")")
}

func (r *renderer) renderInputValue(v *InputValue) {
	r.b.WriteString(v.Name)
	r.b.WriteString(": ")
	r.b.WriteString(renderTypeRef(v.Type))
	if v.DefaultValue != nil {
		r.b.WriteString(" = ")
		r.b.WriteString(r.renderValue(v.DefaultValue, v.Type))
	}
	r.renderDeprecated(v.IsDeprecated, v.DeprecationReason)
}

func (r *renderer) renderDirective(directive *Directive) {
	r.renderDescription("", directive.Description)
	r.b.WriteString("directive @")
	r.b.WriteString(directive.Name)
	r.renderArguments(directive.Arguments)
	if directive.IsRepeatable {
		r.b.WriteString(" repeatable")
	}
	r.b.WriteString(" on ")
	r.b.WriteString(strings.Join(directive.Locations, " | "))
	r.b.WriteString("\n\n")
}

func renderTypeRef(typeRef *TypeRef) string {
	if typeRef == nil {
		return ""
	}

	switch typeRef.Kind {
	case TypeRefKindNamed:
		return typeRef.Named
	case TypeRefKindList:
		return "[" + renderTypeRef(typeRef.OfType) + "]"
	case TypeRefKindNonNull:
		return renderTypeRef(typeRef.OfType) + "!"
	default:
		return ""
	}
}

// renderValue renders a default value as a GraphQL literal. Enum values are
// written bare; the input type decides how strings are printed.
func (r *renderer) renderValue(value any, typ *TypeRef) string {
	if value == nil {
		return "null"
	}
	named := r.s.Types[typ.GetNamedType()]

	switch v := value.(type) {
	case string:
		if named != nil && named.Kind == TypeKindEnum {
			return v
		}
		return strconv.Quote(v)
	case int:
		return strconv.Itoa(v)
	case int32:
		return strconv.FormatInt(int64(v), 10)
	case int64:
		return strconv.FormatInt(v, 10)
	case float32:
		return strconv.FormatFloat(float64(v), 'g', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case []any:
		elem := typ
		for elem != nil && elem.Kind != TypeRefKindList && elem.OfType != nil {
			elem = elem.OfType
		}
		if elem != nil && elem.Kind == TypeRefKindList {
			elem = elem.OfType
		}
		parts := make([]string, 0, len(v))
		for _, item := range v {
			parts = append(parts, r.renderValue(item, elem))
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(v))
		for _, k := range keys {
			fieldType := NamedType("")
			if named != nil {
				for _, f := range named.InputFields {
					if f.Name == k {
						fieldType = f.Type
					}
				}
			}
			parts = append(parts, k+": "+r.renderValue(v[k], fieldType))
		}
		return "{" + strings.Join(parts, ", ") + "}"
	default:
		return fmt.Sprint(v)
	}
}
