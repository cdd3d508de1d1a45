package expression

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
	"github.com/google/cel-go/common/types/traits"
)

type celEvaluator struct {
	env  *cel.Env
	opts Options
}

func newCELEvaluator(opts Options) (*celEvaluator, error) {
	envOpts := []cel.EnvOption{
		cel.CrossTypeNumericComparisons(true),
	}
	for _, fn := range opts.Functions {
		envOpts = append(envOpts, celFunction(fn))
	}

	env, err := cel.NewEnv(envOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &celEvaluator{env: env, opts: opts}, nil
}

func (e *celEvaluator) Dialect() Dialect {
	return DialectCEL
}

func (e *celEvaluator) Compile(expression string, params []Param, opts ...CompileOption) (Program, error) {
	var cfg compileConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	parsed, issues := e.env.Parse(expression)
	if issues != nil && issues.Err() != nil {
		return nil, newParseError(expression, issues.Err().Error())
	}

	params, aliases, err := prepare(expression, celReferences(parsed.NativeRep().Expr()), params, e.opts)
	if err != nil {
		return nil, err
	}

	vars := make([]cel.EnvOption, 0, len(params))
	for _, p := range params {
		vars = append(vars, cel.Variable(p.Name, celType(p.Type)))
	}
	env, err := e.env.Extend(vars...)
	if err != nil {
		return nil, newParseError(expression, err.Error())
	}

	checked, issues := env.Check(parsed)
	if issues != nil && issues.Err() != nil {
		return nil, newParseError(expression, issues.Err().Error())
	}

	output := fromCELType(checked.OutputType())
	if cfg.expectBool && output.Kind != KindBool && output.Kind != KindDyn {
		return nil, newParseError(expression, fmt.Sprintf("expression must return bool, got %s", output))
	}

	prog, err := env.Program(checked, cel.CostLimit(e.opts.CostLimit))
	if err != nil {
		return nil, newParseError(expression, fmt.Sprintf("program creation error: %v", err))
	}

	return &program{
		output:  output,
		aliases: aliases,
		eval: func(vars map[string]any) (any, error) {
			out, _, err := prog.Eval(vars)
			if err != nil {
				return nil, err
			}
			return celToNative(out), nil
		},
	}, nil
}

// celReferences collects the free identifiers of a parsed expression.
// Comprehension variables introduced by macros are bound and skipped.
func celReferences(root celast.Expr) []reference {
	var refs []reference
	var walk func(e celast.Expr, bound map[string]bool)
	walk = func(e celast.Expr, bound map[string]bool) {
		switch e.Kind() {
		case celast.IdentKind:
			if name := e.AsIdent(); !bound[name] {
				refs = append(refs, reference{name: name})
			}
		case celast.SelectKind:
			sel := e.AsSelect()
			operand := sel.Operand()
			if operand.Kind() == celast.IdentKind && !bound[operand.AsIdent()] {
				refs = append(refs, reference{name: operand.AsIdent(), field: sel.FieldName()})
				return
			}
			walk(operand, bound)
		case celast.CallKind:
			call := e.AsCall()
			if call.IsMemberFunction() {
				walk(call.Target(), bound)
			}
			for _, arg := range call.Args() {
				walk(arg, bound)
			}
		case celast.ListKind:
			for _, elem := range e.AsList().Elements() {
				walk(elem, bound)
			}
		case celast.MapKind:
			for _, entry := range e.AsMap().Entries() {
				walk(entry.AsMapEntry().Key(), bound)
				walk(entry.AsMapEntry().Value(), bound)
			}
		case celast.StructKind:
			for _, field := range e.AsStruct().Fields() {
				walk(field.AsStructField().Value(), bound)
			}
		case celast.ComprehensionKind:
			comp := e.AsComprehension()
			walk(comp.IterRange(), bound)
			walk(comp.AccuInit(), bound)

			inner := make(map[string]bool, len(bound)+3)
			for name := range bound {
				inner[name] = true
			}
			inner[comp.IterVar()] = true
			if comp.HasIterVar2() {
				inner[comp.IterVar2()] = true
			}
			inner[comp.AccuVar()] = true
			walk(comp.LoopCondition(), inner)
			walk(comp.LoopStep(), inner)
			walk(comp.Result(), inner)
		}
	}
	walk(root, nil)
	return refs
}

func celType(t Type) *cel.Type {
	switch t.Kind {
	case KindBool:
		return cel.BoolType
	case KindInt:
		return cel.IntType
	case KindFloat:
		return cel.DoubleType
	case KindString:
		return cel.StringType
	case KindTimestamp:
		return cel.TimestampType
	case KindDuration:
		return cel.DurationType
	case KindList:
		return cel.ListType(cel.DynType)
	case KindRecord:
		return cel.MapType(cel.StringType, cel.DynType)
	default:
		return cel.DynType
	}
}

func fromCELType(t *cel.Type) Type {
	if t == nil {
		return DynType
	}
	switch t.Kind() {
	case types.BoolKind:
		return BoolType
	case types.IntKind, types.UintKind:
		return IntType
	case types.DoubleKind:
		return FloatType
	case types.StringKind:
		return StringType
	case types.TimestampKind:
		return TimestampType
	case types.DurationKind:
		return DurationType
	case types.ListKind:
		return ListOf(DynType)
	case types.MapKind:
		return RecordOf()
	default:
		return DynType
	}
}

func celFunction(fn Function) cel.EnvOption {
	args := make([]*cel.Type, fn.Arity)
	for i := range args {
		args[i] = cel.DynType
	}
	overload := fmt.Sprintf("%s_%d_dyn", strings.ToLower(fn.Name), fn.Arity)

	return cel.Function(fn.Name,
		cel.Overload(overload, args, cel.DynType,
			cel.FunctionBinding(func(values ...ref.Val) ref.Val {
				native := make([]any, len(values))
				for i, v := range values {
					native[i] = celToNative(v)
				}
				out, err := fn.Fn(native...)
				if err != nil {
					return types.NewErr("%s: %v", fn.Name, err)
				}
				return types.DefaultTypeAdapter.NativeToValue(out)
			}),
		),
	)
}

func celToNative(v ref.Val) any {
	switch val := v.(type) {
	case types.Null:
		return nil
	case traits.Mapper:
		out := make(map[string]any)
		it := val.Iterator()
		for it.HasNext() == types.True {
			key := it.Next()
			out[fmt.Sprint(key.Value())] = celToNative(val.Get(key))
		}
		return out
	case traits.Lister:
		var out []any
		it := val.Iterator()
		for it.HasNext() == types.True {
			out = append(out, celToNative(it.Next()))
		}
		if out == nil {
			out = []any{}
		}
		return out
	}
	return Normalize(v.Value())
}
