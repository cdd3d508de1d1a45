package multitenantengine

import (
	"sort"

	"github.com/liamcoop/rulesengine/expression"
)

// Schema represents a tenant's data schema
// Maps object names to field definitions
type Schema map[string]map[string]string

var schemaFieldTypes = map[string]expression.Type{
	"int":       expression.IntType,
	"int64":     expression.IntType,
	"float64":   expression.FloatType,
	"string":    expression.StringType,
	"bytes":     expression.StringType,
	"bool":      expression.BoolType,
	"timestamp": expression.TimestampType,
	"duration":  expression.DurationType,
}

// Types converts every object of the schema into a named record type.
// Inputs with exactly the shape of an object are checked strictly when rules
// are compiled, so a rule selecting an undeclared field fails to compile.
func (s Schema) Types() []expression.NamedType {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)

	types := make([]expression.NamedType, 0, len(names))
	for _, name := range names {
		fields := make([]expression.Field, 0, len(s[name]))
		for field, typeName := range s[name] {
			t, ok := schemaFieldTypes[typeName]
			if !ok {
				t = expression.DynType
			}
			fields = append(fields, expression.Field{Name: field, Type: t})
		}
		types = append(types, expression.NamedType{Name: name, Type: expression.RecordOf(fields...)})
	}
	return types
}
