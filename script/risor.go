package script

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/risor-io/risor"
	"github.com/risor-io/risor/compiler"
	"github.com/risor-io/risor/modules/all"
	"github.com/risor-io/risor/object"
	"github.com/risor-io/risor/parser"
)

var _ MutableScript = (*RisorScript)(nil)

type RisorScript struct {
	engine *RisorScriptingEngine
	code   *compiler.Code
}

func (s *RisorScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(s.engine.combine(globals)))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	if err := checkCallable(value); err != nil {
		return nil, err
	}
	return &RisorValue{obj: value}, nil
}

// checkCallable rejects results that are functions. Attribute access on a
// Risor map resolves methods before keys, so vars.items or inputs.keys yield
// the map method instead of the stored value; index those keys instead, as
// in inputs["items"].
func checkCallable(obj object.Object) error {
	switch o := obj.(type) {
	case *object.Builtin:
		return fmt.Errorf("expression evaluated to %s, not a value; use map[\"key\"] for keys named like map methods", o.Inspect())
	case *object.Function:
		return fmt.Errorf("expression evaluated to a function, not a value")
	}
	return nil
}

// EvaluateMutable exposes the named map global as a Risor map that the
// script may modify, and converts it back once the script has finished.
func (s *RisorScript) EvaluateMutable(ctx context.Context, globals map[string]any, name string) (Value, map[string]any, error) {
	combined := s.engine.combine(globals)
	source, _ := globals[name].(map[string]any)
	mutable, ok := object.FromGoType(source).(*object.Map)
	if !ok {
		return nil, nil, fmt.Errorf("global %q is not a map", name)
	}
	combined[name] = mutable
	value, err := risor.EvalCode(ctx, s.code, risor.WithGlobals(combined))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to evaluate risor script: %w", err)
	}
	modified, _ := risorToGo(mutable).(map[string]any)
	return &RisorValue{obj: value}, modified, nil
}

// RisorScriptingEngine compiles Risor code. The names of its globals are
// fixed at construction; values passed at evaluation override them.
type RisorScriptingEngine struct {
	globals map[string]any
}

func NewRisorScriptingEngine(globals map[string]any) *RisorScriptingEngine {
	return &RisorScriptingEngine{globals: globals}
}

func (e *RisorScriptingEngine) combine(globals map[string]any) map[string]any {
	combined := make(map[string]any, len(e.globals)+len(globals))
	for name, value := range e.globals {
		combined[name] = value
	}
	for name, value := range globals {
		combined[name] = value
	}
	return combined
}

func (e *RisorScriptingEngine) Compile(ctx context.Context, code string) (Script, error) {
	ast, err := parser.Parse(ctx, code)
	if err != nil {
		return nil, err
	}

	var globalNames []string
	for name := range e.globals {
		globalNames = append(globalNames, name)
	}
	sort.Strings(globalNames)

	compiledCode, err := compiler.Compile(ast, compiler.WithGlobalNames(globalNames))
	if err != nil {
		return nil, err
	}
	return &RisorScript{engine: e, code: compiledCode}, nil
}

type RisorValue struct {
	obj object.Object
}

func (value *RisorValue) Value() any {
	return risorToGo(value.obj)
}

func (value *RisorValue) IsTruthy() bool {
	switch obj := value.obj.(type) {
	case *object.Bool, *object.Int, *object.Float, *object.List, *object.Map, *object.String, *object.NilType:
		return Truthy(obj)
	default:
		return obj.IsTruthy()
	}
}

func (value *RisorValue) Items() ([]any, error) {
	if err := checkCallable(value.obj); err != nil {
		return nil, err
	}
	switch value.obj.(type) {
	case *object.String, *object.Int, *object.Float, *object.Bool, *object.Time,
		*object.List, *object.Set, *object.Map, *object.NilType:
		return Items(value.obj)
	default:
		return nil, fmt.Errorf("unsupported risor result type for iteration: %T", value.obj)
	}
}

func (value *RisorValue) String() string {
	switch v := value.obj.(type) {
	case *object.String:
		return v.Value()
	case *object.Int:
		return fmt.Sprintf("%d", v.Value())
	case *object.Float:
		return fmt.Sprintf("%g", v.Value())
	case *object.Bool:
		return fmt.Sprintf("%t", v.Value())
	case *object.Time:
		return v.Value().Format(time.RFC3339)
	case *object.NilType:
		return ""
	case *object.List:
		var items []string
		for _, item := range v.Value() {
			items = append(items, (&RisorValue{obj: item}).String())
		}
		return strings.Join(items, ", ")
	case *object.Map:
		keys := v.SortedKeys()
		items := make([]string, 0, len(keys))
		for _, k := range keys {
			items = append(items, fmt.Sprintf("%s: %s", k, (&RisorValue{obj: v.Get(k)}).String()))
		}
		return strings.Join(items, ", ")
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprintf("%v", value.obj)
	}
}

// DefaultRisorGlobals returns the safe Risor builtins plus placeholders for
// the variables bound by the runtime: vars, inputs and process. The three
// are Risor maps, so keys named like map methods (items, keys, values, get)
// must be indexed: inputs["items"], not inputs.items.
func DefaultRisorGlobals() map[string]any {
	globals := map[string]any{}
	for name, value := range all.Builtins() {
		if safeBuiltins[name] {
			globals[name] = value
		}
	}
	for _, name := range []string{"vars", "inputs", "process"} {
		globals[name] = object.NewMap(map[string]object.Object{})
	}
	return globals
}
