package expression

import (
	"fmt"
	"reflect"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/ast"
	"github.com/expr-lang/expr/parser"
	"github.com/expr-lang/expr/vm"
)

var anyType = reflect.TypeOf((*any)(nil)).Elem()

type exprEvaluator struct {
	opts Options
}

func newExprEvaluator(opts Options) *exprEvaluator {
	return &exprEvaluator{opts: opts}
}

func (e *exprEvaluator) Dialect() Dialect {
	return DialectExpr
}

// Compile type-checks against a struct environment with one field per
// parameter, renamed with the expr tag. Dyn parameters become interface
// fields so the checker accepts any operation on them.
func (e *exprEvaluator) Compile(expression string, params []Param, opts ...CompileOption) (Program, error) {
	var cfg compileConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	tree, err := parser.Parse(expression)
	if err != nil {
		return nil, newParseError(expression, err.Error())
	}
	refs := &exprReferences{
		selected: make(map[*ast.IdentifierNode]string),
		callees:  make(map[*ast.IdentifierNode]bool),
		declared: make(map[string]bool),
	}
	ast.Walk(&tree.Node, refs)

	params, aliases, err := prepare(expression, refs.references(), params, e.opts)
	if err != nil {
		return nil, err
	}

	fields := make([]reflect.StructField, len(params))
	for i, p := range params {
		fields[i] = reflect.StructField{
			Name: fmt.Sprintf("P%d", i),
			Type: goType(p.Type),
			Tag:  reflect.StructTag(fmt.Sprintf(`expr:"%s"`, p.Name)),
		}
	}
	envType := reflect.StructOf(fields)

	options := []expr.Option{expr.Env(reflect.New(envType).Elem().Interface())}
	for _, fn := range e.opts.Functions {
		fn := fn
		options = append(options, expr.Function(fn.Name, func(args ...any) (any, error) {
			for i := range args {
				args[i] = Normalize(args[i])
			}
			return fn.Fn(args...)
		}))
	}

	output := DynType
	if cfg.expectBool {
		options = append(options, expr.AsBool())
		output = BoolType
	}

	prog, err := expr.Compile(expression, options...)
	if err != nil {
		return nil, newParseError(expression, err.Error())
	}

	return &program{
		output:  output,
		aliases: aliases,
		eval: func(vars map[string]any) (any, error) {
			env, err := bindEnv(envType, params, vars)
			if err != nil {
				return nil, err
			}
			out, err := vm.Run(prog, env)
			if err != nil {
				return nil, err
			}
			return Normalize(out), nil
		},
	}, nil
}

// exprReferences collects the free identifiers of a parsed expression.
// Function names and let-declared variables are not references.
type exprReferences struct {
	idents   []*ast.IdentifierNode
	selected map[*ast.IdentifierNode]string
	callees  map[*ast.IdentifierNode]bool
	declared map[string]bool
}

func (r *exprReferences) Visit(node *ast.Node) {
	switch n := (*node).(type) {
	case *ast.IdentifierNode:
		r.idents = append(r.idents, n)
	case *ast.MemberNode:
		ident, onIdent := n.Node.(*ast.IdentifierNode)
		prop, isField := n.Property.(*ast.StringNode)
		if onIdent && isField && !n.Method {
			r.selected[ident] = prop.Value
		}
	case *ast.CallNode:
		if ident, ok := n.Callee.(*ast.IdentifierNode); ok {
			r.callees[ident] = true
		}
	case *ast.VariableDeclaratorNode:
		r.declared[n.Name] = true
	}
}

func (r *exprReferences) references() []reference {
	refs := make([]reference, 0, len(r.idents))
	for _, ident := range r.idents {
		if r.callees[ident] || r.declared[ident.Value] {
			continue
		}
		refs = append(refs, reference{name: ident.Value, field: r.selected[ident]})
	}
	return refs
}

func bindEnv(envType reflect.Type, params []Param, vars map[string]any) (any, error) {
	env := reflect.New(envType).Elem()
	for i, p := range params {
		v, ok := vars[p.Name]
		if !ok || v == nil {
			continue
		}
		field := env.Field(i)
		rv := reflect.ValueOf(v)
		switch {
		case rv.Type().AssignableTo(field.Type()):
			field.Set(rv)
		case isNumeric(rv.Kind()) && isNumeric(field.Kind()):
			field.Set(rv.Convert(field.Type()))
		default:
			return nil, fmt.Errorf("parameter %s holds %T, compiled as %s", p.Name, v, p.Type)
		}
	}
	return env.Interface(), nil
}

// goType maps a kind to the Go type of its normalized representation
func goType(t Type) reflect.Type {
	switch t.Kind {
	case KindBool:
		return reflect.TypeOf(false)
	case KindInt:
		return reflect.TypeOf(int64(0))
	case KindFloat:
		return reflect.TypeOf(float64(0))
	case KindString:
		return reflect.TypeOf("")
	case KindTimestamp:
		return reflect.TypeOf(time.Time{})
	case KindDuration:
		return reflect.TypeOf(time.Duration(0))
	case KindList:
		return reflect.TypeOf([]any{})
	case KindRecord:
		return reflect.TypeOf(map[string]any{})
	default:
		return anyType
	}
}

func isNumeric(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}
