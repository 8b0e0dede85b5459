package tasks

import (
	"fmt"
	"io"

	"github.com/deepnoodle-ai/machine"
)

// PrintInput defines the input of the print task
type PrintInput struct {
	Message any `json:"message" validate:"required"`
}

// PrintOutput defines the output of the print task
type PrintOutput struct {
	Success bool `json:"success"`
}

// Print writes a message followed by a newline
type Print struct {
	out io.Writer
}

func NewPrint(out io.Writer) machine.Task {
	return machine.NewTypedTask(&Print{out: out})
}

func (p *Print) Name() string {
	return "print"
}

func (p *Print) Execute(ctx machine.Context, input PrintInput) (PrintOutput, error) {
	if _, err := fmt.Fprintln(p.out, input.Message); err != nil {
		return PrintOutput{}, err
	}
	return PrintOutput{Success: true}, nil
}
