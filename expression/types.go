package expression

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
	"time"
)

// Kind identifies the shape of a structural value
type Kind int

const (
	KindDyn Kind = iota
	KindNull
	KindBool
	KindInt
	KindFloat
	KindString
	KindTimestamp
	KindDuration
	KindList
	KindRecord
)

var kindNames = map[Kind]string{
	KindDyn:       "dyn",
	KindNull:      "null",
	KindBool:      "bool",
	KindInt:       "int",
	KindFloat:     "float",
	KindString:    "string",
	KindTimestamp: "timestamp",
	KindDuration:  "duration",
	KindList:      "list",
	KindRecord:    "record",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Field is a named member of a record type
type Field struct {
	Name string
	Type Type
}

// Type describes a structural value. Records keep their fields sorted by
// name so that two values with the same shape always produce equal types.
type Type struct {
	Kind   Kind
	Elem   *Type
	Fields []Field
}

var (
	DynType       = Type{Kind: KindDyn}
	NullType      = Type{Kind: KindNull}
	BoolType      = Type{Kind: KindBool}
	IntType       = Type{Kind: KindInt}
	FloatType     = Type{Kind: KindFloat}
	StringType    = Type{Kind: KindString}
	TimestampType = Type{Kind: KindTimestamp}
	DurationType  = Type{Kind: KindDuration}
)

// ListOf returns a list type with the given element type
func ListOf(elem Type) Type {
	return Type{Kind: KindList, Elem: &elem}
}

// RecordOf returns a record type; fields are sorted by name
func RecordOf(fields ...Field) Type {
	sorted := make([]Field, len(fields))
	copy(sorted, fields)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return Type{Kind: KindRecord, Fields: sorted}
}

// Field looks up a record field by name
func (t Type) Field(name string) (Type, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f.Type, true
		}
	}
	return Type{}, false
}

// String returns the structural fingerprint of the type
func (t Type) String() string {
	var sb strings.Builder
	t.writeTo(&sb)
	return sb.String()
}

func (t Type) writeTo(sb *strings.Builder) {
	switch t.Kind {
	case KindList:
		sb.WriteString("list<")
		if t.Elem != nil {
			t.Elem.writeTo(sb)
		} else {
			sb.WriteString(KindDyn.String())
		}
		sb.WriteString(">")
	case KindRecord:
		sb.WriteString("record{")
		for i, f := range t.Fields {
			if i > 0 {
				sb.WriteString(",")
			}
			sb.WriteString(f.Name)
			sb.WriteString(":")
			f.Type.writeTo(sb)
		}
		sb.WriteString("}")
	default:
		sb.WriteString(t.Kind.String())
	}
}

// Equal reports whether two types have the same structure
func (t Type) Equal(other Type) bool {
	return t.String() == other.String()
}

// TypeOf derives the type descriptor of a value. The value is normalized first.
func TypeOf(v any) Type {
	return typeOfNormalized(Normalize(v))
}

func typeOfNormalized(v any) Type {
	switch val := v.(type) {
	case nil:
		return NullType
	case bool:
		return BoolType
	case int64:
		return IntType
	case float64:
		return FloatType
	case string:
		return StringType
	case time.Time:
		return TimestampType
	case time.Duration:
		return DurationType
	case []any:
		if len(val) == 0 {
			return ListOf(DynType)
		}
		return ListOf(typeOfNormalized(val[0]))
	case map[string]any:
		fields := make([]Field, 0, len(val))
		for name, fv := range val {
			fields = append(fields, Field{Name: name, Type: typeOfNormalized(fv)})
		}
		return RecordOf(fields...)
	default:
		return DynType
	}
}

// Normalize converts an arbitrary Go value into the uniform representation used
// by the evaluators: map[string]any, []any, int64, float64, string, bool,
// time.Time, time.Duration or nil. Anything else is converted through its
// JSON encoding.
func Normalize(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case bool, int64, float64, string, time.Time, time.Duration:
		return val
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		return normalizeUint(uint64(val))
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case uint64:
		return normalizeUint(val)
	case float32:
		return float64(val)
	case json.Number:
		return normalizeNumber(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, fv := range val {
			out[k] = Normalize(fv)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Normalize(item)
		}
		return out
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return Normalize(rv.Elem().Interface())
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			return string(rv.Bytes())
		}
		out := make([]any, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out[i] = Normalize(rv.Index(i).Interface())
		}
		return out
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				out[iter.Key().String()] = Normalize(iter.Value().Interface())
			}
			return out
		}
	}

	return normalizeJSON(v)
}

func normalizeUint(u uint64) any {
	if u > math.MaxInt64 {
		return float64(u)
	}
	return int64(u)
}

func normalizeNumber(n json.Number) any {
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}

func normalizeJSON(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return DecodeJSON(data)
}

// DecodeJSON decodes a JSON document into the uniform representation,
// keeping integral numbers as int64.
func DecodeJSON(data []byte) any {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil
	}
	return Normalize(out)
}
