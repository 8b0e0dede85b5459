package tasks

import (
	"github.com/deepnoodle-ai/machine"
)

// FailInput defines the input of the fail task
type FailInput struct {
	Message string `json:"message" default:"intentional failure"`

	// Type is the error type raised, which retry policies and handlers
	// may match on.
	Type string `json:"type" default:"task_failed"`
}

// Fail always raises an error. It is useful for exercising handlers and
// retries.
type Fail struct{}

func NewFail() machine.Task {
	return machine.NewTypedTask(&Fail{})
}

func (f *Fail) Name() string {
	return "fail"
}

func (f *Fail) Execute(ctx machine.Context, input FailInput) (map[string]any, error) {
	return nil, machine.NewStepError(input.Type, input.Message)
}
