package script

import (
	"context"
)

// Value is the result of evaluating an expression or script step.
type Value interface {

	// Value returns the plain Go value: strings, int64, float64, bool,
	// time.Time, []any or map[string]any
	Value() any

	// Items returns what a loop over this value iterates, see Items
	Items() ([]any, error)

	// String renders the value for "${...}" templates
	String() string

	// IsTruthy reports whether the value selects the "then" arm of an if step
	IsTruthy() bool
}

// Script is compiled code, evaluated against the vars, inputs and process
// globals of the thread that runs it.
type Script interface {
	Evaluate(ctx context.Context, globals map[string]any) (Value, error)
}

// MutableScript is a Script that may assign into one map global. The
// contents of that global after the run are returned alongside the result,
// which is how script steps change variables.
type MutableScript interface {
	Script

	// EvaluateMutable runs the script with globals[name] writable
	EvaluateMutable(ctx context.Context, globals map[string]any, name string) (Value, map[string]any, error)
}

// Compiler turns expression source into a Script. The runtime caches the
// result per source string.
type Compiler interface {
	Compile(ctx context.Context, code string) (Script, error)
}
