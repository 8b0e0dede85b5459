package machine

import (
	"context"
	"errors"
	"fmt"

	"github.com/deepnoodle-ai/machine/script"
)

// execBody executes a step without its wrappers. It is called with the lock
// held.
func (m *vm) execBody(ctx context.Context, t *Thread, step *Step, arg int) error {
	var err error
	switch step.Kind {
	case KindTask:
		err = m.execTask(ctx, t, step)
	case KindExpr:
		err = m.execExpr(ctx, t, step)
	case KindScript:
		err = m.execScript(ctx, t, step)
	case KindCall:
		err = m.execCall(ctx, t, step)
	case KindIf:
		err = m.execIf(ctx, t, step)
	case KindSwitch:
		err = m.execSwitch(ctx, t, step)
	case KindParallel:
		err = m.fork(t, step)
	case KindGroup:
		f := newFrame(FrameGroup, step.ID, nil)
		f.Out = step.Out
		f.push(stepCommands(step.Steps)...)
		t.pushFrame(f)
	case KindCheckpoint:
		err = m.execCheckpoint(ctx, t, step)
	case KindSet:
		err = m.execSet(ctx, t, step)
	case KindSuspend:
		m.execSuspend(t, step, arg)
	case KindForm:
		m.execForm(t, step, arg)
	case KindExit:
		m.logger.Info("process exit requested", "thread", t.ID, "step", step.Name)
		m.exit()
	case KindReturn:
		err = m.execReturn(ctx, t, step)
	case KindThrow:
		err = m.execThrow(ctx, t, step)
	default:
		err = fmt.Errorf("unknown step kind %q", step.Kind)
	}
	if err != nil {
		return stepFailure(step, err)
	}
	return nil
}

// stepFailure attaches the location of step to err unless err already
// carries one.
func stepFailure(step *Step, err error) error {
	var fault *SerializationFault
	if errors.As(err, &fault) || isFatal(err) {
		return err
	}
	if join := joinOf(err); join != nil {
		if _, located := err.(*StepError); located {
			return err
		}
		return &StepError{Type: ErrorTypeJoin, Step: step.Name, Location: step.Location, Cause: join.Error(), Wrapped: join}
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		if !stepErr.Location.IsZero() {
			return err
		}
		located := *stepErr
		located.Step = step.Name
		located.Location = step.Location
		return &located
	}
	var policy *PolicyViolation
	if errors.As(err, &policy) {
		return &StepError{Type: ErrorTypePolicy, Step: step.Name, Location: step.Location, Cause: policy.Error(), Wrapped: policy}
	}
	return &StepError{Type: ClassifyError(err).Type, Step: step.Name, Location: step.Location, Cause: err.Error(), Wrapped: err}
}

// bind stores a step result in the innermost frame of the thread.
func (m *vm) bind(t *Thread, name string, value any) {
	if name == "" {
		return
	}
	t.top().Vars[name] = value
}

func (m *vm) execTask(ctx context.Context, t *Thread, step *Step) error {
	input, err := m.resolveMap(ctx, t, step.Input)
	if err != nil {
		return err
	}
	frame := t.top()
	call := &TaskCall{
		ProcessID:     m.st.ProcessID,
		Task:          step.Task,
		Step:          step.Name,
		Location:      step.Location,
		Thread:        t.ID,
		CorrelationID: frame.ID,
		Input:         input,
	}
	taskCtx := NewContext(ctx, ContextOptions{
		State:         m.reader(t),
		Logger:        m.logger.With("thread", int(t.ID), "step", step.Name, "task", step.Task),
		Compiler:      m.rt.compiler,
		ThreadID:      t.ID,
		StepName:      step.Name,
		Location:      step.Location,
		CorrelationID: frame.ID,
		Workspace:     m.workspace,
	})

	// Tasks may block for a long time; readers of the state are not held up.
	m.mu.Unlock()
	output, err := m.rt.interceptor.invoke(taskCtx, call, m.runCtx)
	m.mu.Lock()
	m.runCtx.save(m.st)

	if err != nil {
		return err
	}
	m.bind(t, step.Output, output)
	return nil
}

func (m *vm) execExpr(ctx context.Context, t *Thread, step *Step) error {
	value, err := m.evaluate(ctx, t, step.Expr)
	if err != nil {
		return err
	}
	m.bind(t, step.Output, value.Value())
	return nil
}

// execScript runs code that may modify the visible variables. Changes are
// applied to the innermost frame as patches.
func (m *vm) execScript(ctx context.Context, t *Thread, step *Step) error {
	code, err := m.rt.compile(ctx, unwrapExpression(step.Expr))
	if err != nil {
		return fmt.Errorf("failed to compile script: %w", err)
	}
	globals := m.globals(t)
	original := copyMap(globals["vars"].(map[string]any))
	mutable, ok := code.(script.MutableScript)
	if !ok {
		value, err := code.Evaluate(ctx, globals)
		if err != nil {
			return err
		}
		m.bind(t, step.Output, value.Value())
		return nil
	}
	value, modified, err := mutable.EvaluateMutable(ctx, globals, "vars")
	if err != nil {
		return err
	}
	patches := GeneratePatches(original, modified)
	ApplyPatches(frameVariables{frame: t.top()}, patches)
	m.bind(t, step.Output, value.Value())
	return nil
}

func (m *vm) execCall(ctx context.Context, t *Thread, step *Step) error {
	steps, ok := m.rt.graph.Flow(step.Flow)
	if !ok {
		return fmt.Errorf("unknown flow %q", step.Flow)
	}
	args, err := m.resolveMap(ctx, t, step.Input)
	if err != nil {
		return err
	}
	f := newFrame(FrameCall, step.ID, args)
	f.Out = step.Out
	f.push(stepCommands(steps)...)
	t.pushFrame(f)
	return nil
}

func (m *vm) execIf(ctx context.Context, t *Thread, step *Step) error {
	value, err := m.evaluate(ctx, t, step.Expr)
	if err != nil {
		return err
	}
	if value.IsTruthy() {
		t.top().push(stepCommands(step.Then)...)
	} else {
		t.top().push(stepCommands(step.Else)...)
	}
	return nil
}

func (m *vm) execSwitch(ctx context.Context, t *Thread, step *Step) error {
	for _, c := range step.Cases {
		value, err := m.evaluate(ctx, t, c.When)
		if err != nil {
			return err
		}
		if value.IsTruthy() {
			t.top().push(stepCommands(c.Steps)...)
			return nil
		}
	}
	t.top().push(stepCommands(step.Default)...)
	return nil
}

func (m *vm) execSet(ctx context.Context, t *Thread, step *Step) error {
	for _, name := range sortedKeys(step.Set) {
		value, err := m.resolve(ctx, t, step.Set[name])
		if err != nil {
			return fmt.Errorf("failed to resolve %q: %w", name, err)
		}
		if step.Global {
			GlobalVariables(m.st.Globals).SetVariable(name, value)
		} else {
			t.top().Vars[name] = value
		}
	}
	return nil
}

// execReturn unwinds to the nearest call frame, or to the bottom frame of
// the thread, recording the returned value.
func (m *vm) execReturn(ctx context.Context, t *Thread, step *Step) error {
	var value any
	hasValue := step.Expr != ""
	if hasValue {
		v, err := m.resolve(ctx, t, "$("+unwrapExpression(step.Expr)+")")
		if err != nil {
			return err
		}
		value = v
	}
	target := 0
	for i := len(t.Frames) - 1; i >= 0; i-- {
		if t.Frames[i].Kind == FrameCall {
			target = i
			break
		}
	}
	// Variables of discarded frames still reach the target frame.
	for len(t.Frames) > target+1 {
		f := t.popFrame()
		merge(t.top().Vars, f.outputs())
	}
	f := t.top()
	f.reset()
	f.Returned = value
	f.HasReturn = hasValue
	return nil
}

func (m *vm) execThrow(ctx context.Context, t *Thread, step *Step) error {
	message := "thrown"
	if step.Expr != "" {
		v, err := m.resolve(ctx, t, step.Expr)
		if err != nil {
			return err
		}
		message = fmt.Sprint(v)
	}
	return &StepError{Type: ErrorTypeThrown, Step: step.Name, Location: step.Location, Cause: message, Details: step.Meta}
}

// globals returns the script globals for a thread.
func (m *vm) globals(t *Thread) map[string]any {
	return map[string]any{
		"vars":   m.st.visible(t),
		"inputs": copyMap(m.st.Inputs),
		"process": map[string]any{
			"id":     m.st.ProcessID,
			"graph":  m.st.Graph,
			"thread": int(t.ID),
		},
	}
}

func (m *vm) reader(t *Thread) *threadReader {
	return &threadReader{st: m.st, vars: m.st.visible(t)}
}

// evaluate runs an expression and returns its value. A "$(...)" wrapper
// around the code is optional.
func (m *vm) evaluate(ctx context.Context, t *Thread, code string) (script.Value, error) {
	compiled, err := m.rt.compile(ctx, unwrapExpression(code))
	if err != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", err)
	}
	return compiled.Evaluate(ctx, m.globals(t))
}

// resolve evaluates the expressions embedded in a value. A string that is a
// single "$(...)" expression resolves to the raw result; strings containing
// "${...}" are rendered as templates; maps and lists are resolved
// recursively; other values are returned unchanged.
func (m *vm) resolve(ctx context.Context, t *Thread, v any) (any, error) {
	switch value := v.(type) {
	case string:
		if code, ok := script.ValueExpression(value); ok {
			result, err := m.evaluate(ctx, t, code)
			if err != nil {
				return nil, err
			}
			return result.Value(), nil
		}
		if script.IsTemplate(value) {
			tmpl, err := m.rt.template(value)
			if err != nil {
				return nil, err
			}
			return tmpl.Eval(ctx, m.globals(t))
		}
		return value, nil
	case map[string]any:
		return m.resolveMap(ctx, t, value)
	case []any:
		result := make([]any, len(value))
		for i, item := range value {
			resolved, err := m.resolve(ctx, t, item)
			if err != nil {
				return nil, err
			}
			result[i] = resolved
		}
		return result, nil
	default:
		return v, nil
	}
}

func (m *vm) resolveMap(ctx context.Context, t *Thread, input map[string]any) (map[string]any, error) {
	result := make(map[string]any, len(input))
	for _, key := range sortedKeys(input) {
		resolved, err := m.resolve(ctx, t, input[key])
		if err != nil {
			return nil, fmt.Errorf("failed to resolve %q: %w", key, err)
		}
		result[key] = resolved
	}
	return result, nil
}

func unwrapExpression(code string) string {
	if inner, ok := script.ValueExpression(code); ok {
		return inner
	}
	return code
}

// threadReader gives tasks a read-only view of a thread's variables.
type threadReader struct {
	st   *State
	vars map[string]any
}

func (r *threadReader) ProcessID() string {
	return r.st.ProcessID
}

func (r *threadReader) GetVariables() map[string]any {
	return copyMap(r.vars)
}

func (r *threadReader) GetVariable(name string) (any, bool) {
	v, ok := r.vars[name]
	return v, ok
}

func (r *threadReader) GetInputs() map[string]any {
	return copyMap(r.st.Inputs)
}
