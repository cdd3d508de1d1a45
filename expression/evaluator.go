package expression

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Dialect selects the expression language a workflow's rules are written in
type Dialect string

const (
	DialectCEL  Dialect = "cel"
	DialectExpr Dialect = "expr"
)

// DefaultCostLimit bounds CEL evaluation cost to prevent runaway expressions
const DefaultCostLimit uint64 = 1000000

// Param is a named, typed identifier visible to an expression
type Param struct {
	Name string
	Type Type
}

// Program is a compiled expression
type Program interface {
	// Eval evaluates the program against concrete values keyed by parameter name
	Eval(vars map[string]any) (any, error)

	// OutputType is the statically known result type, DynType when unknown
	OutputType() Type
}

// Evaluator compiles expression text against a set of named typed parameters
type Evaluator interface {
	Dialect() Dialect
	Compile(expression string, params []Param, opts ...CompileOption) (Program, error)
}

// Function is a custom function callable from expressions
type Function struct {
	Name  string
	Arity int
	Fn    func(args ...any) (any, error)
}

// Options configures an Evaluator
type Options struct {
	// CaseSensitive disables case-insensitive resolution of parameter names
	CaseSensitive bool

	// CostLimit caps CEL evaluation cost; zero means DefaultCostLimit
	CostLimit uint64

	// Functions are made available in addition to the built-in functions
	Functions []Function

	// Types holds record types whose fields are checked at compile time
	Types *TypeRegistry
}

type compileConfig struct {
	expectBool bool
}

// CompileOption tunes a single compilation
type CompileOption func(*compileConfig)

// ExpectBool requires the expression to produce a boolean
func ExpectBool() CompileOption {
	return func(c *compileConfig) {
		c.expectBool = true
	}
}

// New creates an Evaluator for the dialect
func New(dialect Dialect, opts Options) (Evaluator, error) {
	if opts.CostLimit == 0 {
		opts.CostLimit = DefaultCostLimit
	}
	opts.Functions = append(builtinFunctions(), opts.Functions...)

	switch dialect {
	case DialectCEL, "":
		return newCELEvaluator(opts)
	case DialectExpr:
		return newExprEvaluator(opts), nil
	default:
		return nil, fmt.Errorf("unsupported expression dialect %q", dialect)
	}
}

// Evaluate compiles and evaluates an expression once, deriving parameter types from the values
func Evaluate(ev Evaluator, expression string, vars map[string]any) (any, error) {
	names := make([]string, 0, len(vars))
	for name := range vars {
		names = append(names, name)
	}
	sort.Strings(names)

	params := make([]Param, 0, len(names))
	normalized := make(map[string]any, len(vars))
	for _, name := range names {
		v := Normalize(vars[name])
		normalized[name] = v
		params = append(params, Param{Name: name, Type: TypeOf(v)})
	}

	prog, err := ev.Compile(expression, params)
	if err != nil {
		return nil, err
	}
	return prog.Eval(normalized)
}

// ParseError reports an expression that failed to parse or type-check
type ParseError struct {
	Expression string
	Message    string
}

func (e *ParseError) Error() string {
	return e.Message
}

var (
	celUndeclared = regexp.MustCompile(`undeclared reference to '([^']+)'(?: \(in container '[^']*'\))?`)
	exprUnknown   = regexp.MustCompile(`unknown name ([A-Za-z_][A-Za-z0-9_]*)`)
)

func newParseError(expression, message string) *ParseError {
	message = celUndeclared.ReplaceAllString(message, "Unknown identifier '$1'")
	message = exprUnknown.ReplaceAllString(message, "Unknown identifier '$1'")
	return &ParseError{Expression: expression, Message: message}
}

// NamedType is a record type registered under a name
type NamedType struct {
	Name string
	Type Type
}

// TypeRegistry is a concurrency-safe set of known record types keyed by fingerprint
type TypeRegistry struct {
	mu    sync.RWMutex
	types map[string]NamedType
}

// NewTypeRegistry creates a registry seeded with the given types
func NewTypeRegistry(types ...NamedType) *TypeRegistry {
	r := &TypeRegistry{types: make(map[string]NamedType)}
	for _, nt := range types {
		r.Register(nt.Name, nt.Type)
	}
	return r
}

// Register adds a record type. Non-record types and already known shapes are ignored.
func (r *TypeRegistry) Register(name string, t Type) bool {
	if t.Kind != KindRecord {
		return false
	}
	key := t.String()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.types[key]; exists {
		return false
	}
	r.types[key] = NamedType{Name: name, Type: t}
	return true
}

// Lookup finds the registered type with the same structure as t
func (r *TypeRegistry) Lookup(t Type) (NamedType, bool) {
	if r == nil || t.Kind != KindRecord {
		return NamedType{}, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	nt, ok := r.types[t.String()]
	return nt, ok
}

// Len returns the number of registered types
func (r *TypeRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.types)
}

// reference is a free identifier of a parsed expression. field is set when
// a field is selected directly on the identifier.
type reference struct {
	name  string
	field string
}

// prepare applies the dialect-independent compile steps to the references
// found in the parse tree: strict field checks for registered record types
// and case-insensitive identifier aliases.
func prepare(expression string, refs []reference, params []Param, opts Options) ([]Param, map[string]string, error) {
	if opts.Types != nil {
		if err := checkSelections(expression, refs, params, opts); err != nil {
			return nil, nil, err
		}
	}

	if opts.CaseSensitive {
		return params, nil, nil
	}

	declared := make(map[string]bool, len(params))
	folded := make(map[string]Param, len(params))
	for _, p := range params {
		declared[p.Name] = true
		if _, seen := folded[strings.ToLower(p.Name)]; !seen {
			folded[strings.ToLower(p.Name)] = p
		}
	}

	var aliases map[string]string
	extended := params
	for _, ref := range refs {
		if declared[ref.name] {
			continue
		}
		canonical, ok := folded[strings.ToLower(ref.name)]
		if !ok {
			continue
		}
		if aliases == nil {
			aliases = make(map[string]string)
			extended = append(make([]Param, 0, len(params)+1), params...)
		}
		aliases[ref.name] = canonical.Name
		declared[ref.name] = true
		extended = append(extended, Param{Name: ref.name, Type: canonical.Type})
	}
	return extended, aliases, nil
}

func checkSelections(expression string, refs []reference, params []Param, opts Options) error {
	byName := make(map[string]Param, len(params))
	for _, p := range params {
		byName[p.Name] = p
		if !opts.CaseSensitive {
			if _, exists := byName[strings.ToLower(p.Name)]; !exists {
				byName[strings.ToLower(p.Name)] = p
			}
		}
	}

	for _, ref := range refs {
		if ref.field == "" {
			continue
		}
		p, ok := byName[ref.name]
		if !ok && !opts.CaseSensitive {
			p, ok = byName[strings.ToLower(ref.name)]
		}
		if !ok {
			continue
		}
		named, registered := opts.Types.Lookup(p.Type)
		if !registered || hasField(p.Type, ref.field, opts.CaseSensitive) {
			continue
		}
		return &ParseError{
			Expression: expression,
			Message:    fmt.Sprintf("No property or field '%s' exists in type '%s'", ref.field, named.Name),
		}
	}
	return nil
}

func hasField(t Type, name string, caseSensitive bool) bool {
	for _, f := range t.Fields {
		if f.Name == name || (!caseSensitive && strings.EqualFold(f.Name, name)) {
			return true
		}
	}
	return false
}

// program adapts a dialect-specific evaluation function to Program
type program struct {
	eval    func(vars map[string]any) (any, error)
	output  Type
	aliases map[string]string
}

func (p *program) Eval(vars map[string]any) (any, error) {
	if len(p.aliases) > 0 {
		withAliases := make(map[string]any, len(vars)+len(p.aliases))
		for k, v := range vars {
			withAliases[k] = v
		}
		for alias, canonical := range p.aliases {
			if v, ok := vars[canonical]; ok {
				withAliases[alias] = v
			}
		}
		vars = withAliases
	}
	return p.eval(vars)
}

func (p *program) OutputType() Type {
	return p.output
}

func builtinFunctions() []Function {
	return []Function{
		{
			Name:  "checkContains",
			Arity: 2,
			Fn: func(args ...any) (any, error) {
				check, _ := args[0].(string)
				list, _ := args[1].(string)
				if check == "" || list == "" {
					return false, nil
				}
				for _, item := range strings.Split(list, ",") {
					if item == check {
						return true, nil
					}
				}
				return false, nil
			},
		},
	}
}
