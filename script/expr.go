package script

import (
	"context"
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// ExprEngine compiles expressions written in the expr language. Expressions
// cannot modify variables, so ExprScript does not implement MutableScript.
type ExprEngine struct {
	globals map[string]any
}

// NewExprEngine returns an engine whose expressions see the given globals
// in addition to those passed at evaluation.
func NewExprEngine(globals map[string]any) *ExprEngine {
	return &ExprEngine{globals: globals}
}

func (e *ExprEngine) Compile(ctx context.Context, code string) (Script, error) {
	program, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, fmt.Errorf("invalid expression: %w", err)
	}
	return &ExprScript{engine: e, program: program}, nil
}

type ExprScript struct {
	engine  *ExprEngine
	program *vm.Program
}

func (s *ExprScript) Evaluate(ctx context.Context, globals map[string]any) (Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	env := make(map[string]any, len(s.engine.globals)+len(globals))
	for name, value := range s.engine.globals {
		env[name] = value
	}
	for name, value := range globals {
		env[name] = value
	}
	out, err := expr.Run(s.program, env)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate expression: %w", err)
	}
	return &ExprValue{value: out}, nil
}

type ExprValue struct {
	value any
}

func (v *ExprValue) Value() any {
	return v.value
}

func (v *ExprValue) Items() ([]any, error) {
	return Items(v.value)
}

func (v *ExprValue) String() string {
	if v.value == nil {
		return ""
	}
	return fmt.Sprintf("%v", v.value)
}

func (v *ExprValue) IsTruthy() bool {
	return Truthy(v.value)
}
