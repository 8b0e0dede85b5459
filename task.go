package machine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
)

// Confirm the interfaces are implemented correctly.
var (
	_ Task = (*TaskFunction)(nil)
	_ Task = (*typedTask[any, any])(nil)
)

var validate = validator.New()

// TaskStatus reports whether a task call succeeded.
type TaskStatus string

const (
	TaskSuccess TaskStatus = "success"
	TaskFailure TaskStatus = "failure"
)

// TaskResult is returned by every task call.
type TaskResult struct {
	Status TaskStatus
	Output any

	// Error describes a business failure when Status is TaskFailure.
	Error string

	// Sensitive lists keys of a map Output whose values must be masked in
	// telemetry.
	Sensitive []string
}

// Success returns a successful result carrying output.
func Success(output any) *TaskResult {
	return &TaskResult{Status: TaskSuccess, Output: output}
}

// Failure returns a failed result with the given message.
func Failure(format string, args ...any) *TaskResult {
	return &TaskResult{Status: TaskFailure, Error: fmt.Sprintf(format, args...)}
}

// Task is an external action invoked by task steps. Execute returns an error
// for operational failures and a TaskFailure result for business failures;
// both are raised as step errors.
type Task interface {

	// Name returns the name of the Task
	Name() string

	// Execute the Task with the given input.
	Execute(ctx Context, input map[string]any) (*TaskResult, error)
}

// ExecuteTaskFunc is the signature of a task implemented as a function.
type ExecuteTaskFunc func(ctx Context, input map[string]any) (*TaskResult, error)

// TaskFunction wraps a function for use as a Task.
type TaskFunction struct {
	name string
	fn   ExecuteTaskFunc
}

// NewTaskFunction returns a Task for the given function.
func NewTaskFunction(name string, fn ExecuteTaskFunc) *TaskFunction {
	return &TaskFunction{name: name, fn: fn}
}

// Name of the Task.
func (t *TaskFunction) Name() string {
	return t.name
}

// Execute the Task.
func (t *TaskFunction) Execute(ctx Context, input map[string]any) (*TaskResult, error) {
	return t.fn(ctx, input)
}

// TypedTask is a Task with a structured input and output.
type TypedTask[TInput, TOutput any] interface {
	Name() string
	Execute(ctx Context, input TInput) (TOutput, error)
}

// NewTypedTask adapts a TypedTask to the Task interface. Input maps are
// decoded using json tags, defaults are applied from `default` tags and the
// result is checked against `validate` tags.
func NewTypedTask[TInput, TOutput any](task TypedTask[TInput, TOutput]) Task {
	return &typedTask[TInput, TOutput]{task: task}
}

// NewTypedTaskFunction returns a Task for a typed function.
func NewTypedTaskFunction[TInput, TOutput any](name string, fn func(ctx Context, input TInput) (TOutput, error)) Task {
	return NewTypedTask[TInput, TOutput](&typedTaskFunction[TInput, TOutput]{name: name, fn: fn})
}

type typedTask[TInput, TOutput any] struct {
	task TypedTask[TInput, TOutput]
}

func (t *typedTask[TInput, TOutput]) Name() string {
	return t.task.Name()
}

func (t *typedTask[TInput, TOutput]) Execute(ctx Context, input map[string]any) (*TaskResult, error) {
	var typed TInput
	if err := DecodeInput(input, &typed); err != nil {
		return Failure("invalid input for task %q: %v", t.task.Name(), err), nil
	}
	output, err := t.task.Execute(ctx, typed)
	if err != nil {
		return nil, err
	}
	value, err := structToValue(output)
	if err != nil {
		return nil, err
	}
	return Success(value), nil
}

type typedTaskFunction[TInput, TOutput any] struct {
	name string
	fn   func(ctx Context, input TInput) (TOutput, error)
}

func (t *typedTaskFunction[TInput, TOutput]) Name() string {
	return t.name
}

func (t *typedTaskFunction[TInput, TOutput]) Execute(ctx Context, input TInput) (TOutput, error) {
	return t.fn(ctx, input)
}

// DecodeInput converts a task input map into a struct.
func DecodeInput(input map[string]any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:  target,
		TagName: "json",
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	if err := decoder.Decode(input); err != nil {
		return fmt.Errorf("failed to decode input: %w", err)
	}
	if !isStruct(target) {
		return nil
	}
	if err := defaults.Set(target); err != nil {
		return fmt.Errorf("failed to apply defaults: %w", err)
	}
	if err := validate.Struct(target); err != nil {
		return err
	}
	return nil
}

// structToValue converts struct outputs into plain maps so that they can be
// stored in process variables. Other values are returned as they are.
func structToValue(v any) (any, error) {
	t := reflect.TypeOf(v)
	if t == nil {
		return nil, nil
	}
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task output: %w", err)
	}
	var result any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task output: %w", err)
	}
	return result, nil
}

func isStruct(target any) bool {
	t := reflect.TypeOf(target)
	return t != nil && t.Kind() == reflect.Pointer && t.Elem().Kind() == reflect.Struct
}
