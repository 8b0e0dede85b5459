// Package tasks provides built-in tasks for common process steps.
package tasks

import (
	"io"
	"os"

	"github.com/deepnoodle-ai/machine"
)

// Options configures the built-in tasks.
type Options struct {
	// Output receives the messages of the print task. Defaults to stdout.
	Output io.Writer

	HTTP HTTPConfig
}

// All returns every built-in task.
func All(opts Options) []machine.Task {
	if opts.Output == nil {
		opts.Output = os.Stdout
	}
	return []machine.Task{
		NewPrint(opts.Output),
		NewFail(),
		NewHTTP(opts.HTTP),
		NewJSON(),
		NewFile(),
	}
}
