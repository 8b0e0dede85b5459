package machine

import (
	"context"
	"io"
	"log/slog"

	"github.com/deepnoodle-ai/machine/script"
	"github.com/deepnoodle-ai/machine/state"
)

// Context is passed to tasks. It carries the cancellation of the run, a
// read-only view of the calling thread's variables and the services a task
// may use.
type Context interface {
	context.Context
	state.Reader

	// Logger returns a logger annotated with the process, thread and step.
	Logger() *slog.Logger

	// Compiler returns the script compiler of the runtime.
	Compiler() script.Compiler

	// ThreadID returns the calling thread.
	ThreadID() ThreadID

	// StepName returns the name of the calling step.
	StepName() string

	// Location returns the declaration site of the calling step.
	Location() Location

	// CorrelationID identifies the frame the call was made from.
	CorrelationID() string

	// Workspace returns the directory persisted alongside the state.
	Workspace() string
}

// ContextOptions are used to create a Context.
type ContextOptions struct {
	State         state.Reader
	Logger        *slog.Logger
	Compiler      script.Compiler
	ThreadID      ThreadID
	StepName      string
	Location      Location
	CorrelationID string
	Workspace     string
}

type taskContext struct {
	context.Context
	state.Reader
	opts ContextOptions
}

// NewContext returns a Context for calling a task outside of a runtime,
// for example in tests.
func NewContext(ctx context.Context, opts ContextOptions) Context {
	if opts.State == nil {
		opts.State = &state.Snapshot{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorScriptingEngine(script.DefaultRisorGlobals())
	}
	return &taskContext{Context: ctx, Reader: opts.State, opts: opts}
}

func (c *taskContext) Logger() *slog.Logger {
	return c.opts.Logger
}

func (c *taskContext) Compiler() script.Compiler {
	return c.opts.Compiler
}

func (c *taskContext) ThreadID() ThreadID {
	return c.opts.ThreadID
}

func (c *taskContext) StepName() string {
	return c.opts.StepName
}

func (c *taskContext) Location() Location {
	return c.opts.Location
}

func (c *taskContext) CorrelationID() string {
	return c.opts.CorrelationID
}

func (c *taskContext) Workspace() string {
	return c.opts.Workspace
}
