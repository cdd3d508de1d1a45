package expression

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypeOf(t *testing.T) {
	t.Run("Should derive scalar kinds", func(t *testing.T) {
		assert.Equal(t, "int", TypeOf(5).String())
		assert.Equal(t, "int", TypeOf(uint8(5)).String())
		assert.Equal(t, "float", TypeOf(float32(1.5)).String())
		assert.Equal(t, "string", TypeOf("x").String())
		assert.Equal(t, "bool", TypeOf(true).String())
		assert.Equal(t, "null", TypeOf(nil).String())
		assert.Equal(t, "timestamp", TypeOf(time.Now()).String())
		assert.Equal(t, "duration", TypeOf(time.Second).String())
	})
	t.Run("Should produce the same fingerprint regardless of field order", func(t *testing.T) {
		a := TypeOf(map[string]any{"b": 1, "a": "x"})
		b := TypeOf(map[string]any{"a": "y", "b": 2})
		assert.Equal(t, "record{a:string,b:int}", a.String())
		assert.True(t, a.Equal(b))
	})
	t.Run("Should type empty lists as list of dyn", func(t *testing.T) {
		assert.Equal(t, "list<dyn>", TypeOf([]any{}).String())
		assert.Equal(t, "list<int>", TypeOf([]int{1, 2}).String())
	})
	t.Run("Should convert structs through JSON", func(t *testing.T) {
		type order struct {
			Total float64 `json:"Total"`
			Count int     `json:"Count"`
		}
		v := Normalize(order{Total: 1.5, Count: 2})
		assert.Equal(t, map[string]any{"Total": 1.5, "Count": int64(2)}, v)
		assert.Equal(t, "record{Count:int,Total:float}", TypeOf(order{Total: 2.5}).String())
	})
	t.Run("Should keep integral JSON numbers as ints", func(t *testing.T) {
		v := DecodeJSON([]byte(`{"a": 3, "b": 2.5, "c": [1]}`))
		assert.Equal(t, map[string]any{"a": int64(3), "b": 2.5, "c": []any{int64(1)}}, v)
		assert.Equal(t, int64(7), Normalize(json.Number("7")))
	})
}

func TestCELEvaluator(t *testing.T) {
	ev, err := New(DialectCEL, Options{CaseSensitive: true})
	require.NoError(t, err)

	t.Run("Should evaluate a predicate over a record parameter", func(t *testing.T) {
		input := map[string]any{"Total": 1.5}
		prog, err := ev.Compile("input1.Total <= 1.5", []Param{{Name: "input1", Type: TypeOf(input)}}, ExpectBool())
		require.NoError(t, err)
		out, err := prog.Eval(map[string]any{"input1": input})
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})
	t.Run("Should compare ints with doubles", func(t *testing.T) {
		prog, err := ev.Compile("count > 2.5", []Param{{Name: "count", Type: IntType}}, ExpectBool())
		require.NoError(t, err)
		out, err := prog.Eval(map[string]any{"count": int64(3)})
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})
	t.Run("Should report unknown identifiers", func(t *testing.T) {
		_, err := ev.Compile("input2.Total > 1", []Param{{Name: "input1", Type: DynType}}, ExpectBool())
		require.Error(t, err)
		var perr *ParseError
		require.ErrorAs(t, err, &perr)
		assert.Contains(t, perr.Message, "Unknown identifier 'input2'")
	})
	t.Run("Should reject non-boolean rule expressions", func(t *testing.T) {
		_, err := ev.Compile(`"text"`, nil, ExpectBool())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "must return bool")
	})
	t.Run("Should expose the output type of value expressions", func(t *testing.T) {
		prog, err := ev.Compile("a + b", []Param{{Name: "a", Type: IntType}, {Name: "b", Type: IntType}})
		require.NoError(t, err)
		assert.Equal(t, IntType, prog.OutputType())
		out, err := prog.Eval(map[string]any{"a": int64(2), "b": int64(3)})
		require.NoError(t, err)
		assert.Equal(t, int64(5), out)
	})
	t.Run("Should surface runtime errors from Eval", func(t *testing.T) {
		prog, err := ev.Compile("input1.Missing == 1", []Param{{Name: "input1", Type: RecordOf()}}, ExpectBool())
		require.NoError(t, err)
		_, err = prog.Eval(map[string]any{"input1": map[string]any{}})
		assert.Error(t, err)
	})
	t.Run("Should convert maps and lists back to native values", func(t *testing.T) {
		prog, err := ev.Compile(`{"a": [1, 2]}`, nil)
		require.NoError(t, err)
		out, err := prog.Eval(map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"a": []any{int64(1), int64(2)}}, out)
	})
	t.Run("Should call built-in functions", func(t *testing.T) {
		prog, err := ev.Compile(`checkContains(country, "IN,US")`, []Param{{Name: "country", Type: StringType}}, ExpectBool())
		require.NoError(t, err)
		out, err := prog.Eval(map[string]any{"country": "US"})
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})
}

func TestCaseInsensitiveIdentifiers(t *testing.T) {
	for _, dialect := range []Dialect{DialectCEL, DialectExpr} {
		t.Run(string(dialect), func(t *testing.T) {
			ev, err := New(dialect, Options{})
			require.NoError(t, err)

			prog, err := ev.Compile("Count > 3", []Param{{Name: "count", Type: IntType}}, ExpectBool())
			require.NoError(t, err)
			out, err := prog.Eval(map[string]any{"count": int64(5)})
			require.NoError(t, err)
			assert.Equal(t, true, out)

			strict, err := New(dialect, Options{CaseSensitive: true})
			require.NoError(t, err)
			_, err = strict.Compile("Count > 3", []Param{{Name: "count", Type: IntType}}, ExpectBool())
			require.Error(t, err)
			assert.Contains(t, err.Error(), "Unknown identifier")
		})
	}
}

func TestRegisteredRecordTypes(t *testing.T) {
	order := RecordOf(Field{Name: "Total", Type: FloatType})
	registry := NewTypeRegistry(NamedType{Name: "Order", Type: order})

	ev, err := New(DialectCEL, Options{CaseSensitive: true, Types: registry})
	require.NoError(t, err)

	t.Run("Should accept known fields", func(t *testing.T) {
		_, err := ev.Compile("input1.Total > 1.0", []Param{{Name: "input1", Type: order}}, ExpectBool())
		require.NoError(t, err)
	})
	t.Run("Should reject unknown fields at compile time", func(t *testing.T) {
		_, err := ev.Compile("input1.Totl > 1.0", []Param{{Name: "input1", Type: order}}, ExpectBool())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "No property or field 'Totl' exists in type 'Order'")
	})
	t.Run("Should ignore fields inside string literals", func(t *testing.T) {
		_, err := ev.Compile(`input1.Total > 1.0 && "input1.Totl" != ""`, []Param{{Name: "input1", Type: order}}, ExpectBool())
		require.NoError(t, err)
	})
	t.Run("Should reject unknown fields behind parentheses", func(t *testing.T) {
		for _, dialect := range []Dialect{DialectCEL, DialectExpr} {
			strict, err := New(dialect, Options{CaseSensitive: true, Types: registry})
			require.NoError(t, err)
			_, err = strict.Compile("((input1)).Totl > 1.0", []Param{{Name: "input1", Type: order}}, ExpectBool())
			require.Error(t, err, dialect)
			assert.Contains(t, err.Error(), "No property or field 'Totl' exists in type 'Order'")
		}
	})
	t.Run("Should not check comprehension variables against parameters", func(t *testing.T) {
		params := []Param{
			{Name: "item", Type: order},
			{Name: "items", Type: ListOf(DynType)},
		}
		_, err := ev.Compile("items.all(item, item.Count > 0)", params, ExpectBool())
		require.NoError(t, err)
	})
	t.Run("Should not register the same shape twice", func(t *testing.T) {
		assert.False(t, registry.Register("Other", order))
		assert.False(t, registry.Register("Scalar", IntType))
		assert.Equal(t, 1, registry.Len())
	})
}

func TestExprEvaluator(t *testing.T) {
	ev, err := New(DialectExpr, Options{CaseSensitive: true})
	require.NoError(t, err)

	t.Run("Should evaluate predicates", func(t *testing.T) {
		input := map[string]any{"Total": 1.5}
		prog, err := ev.Compile("input1.Total <= 1.5", []Param{{Name: "input1", Type: TypeOf(input)}}, ExpectBool())
		require.NoError(t, err)
		out, err := prog.Eval(map[string]any{"input1": input})
		require.NoError(t, err)
		assert.Equal(t, true, out)
	})
	t.Run("Should report unknown identifiers", func(t *testing.T) {
		_, err := ev.Compile("missing > 1", []Param{{Name: "count", Type: IntType}}, ExpectBool())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Unknown identifier 'missing'")
	})
	t.Run("Should evaluate value expressions", func(t *testing.T) {
		out, err := Evaluate(ev, "a * 2", map[string]any{"a": 4})
		require.NoError(t, err)
		assert.Equal(t, int64(8), out)
	})
}

func TestNewUnsupportedDialect(t *testing.T) {
	_, err := New(Dialect("lua"), Options{})
	assert.Error(t, err)
}
