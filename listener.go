package machine

import (
	"context"
	"time"
)

// Listener observes a run. Listeners are called synchronously on the loop
// goroutine, in registration order. Returning an error aborts the run, which
// lets a listener act as a safety check; listeners cannot otherwise alter
// the outcome.
type Listener interface {
	BeforeRun(ctx context.Context, view StateView) error
	AfterRun(ctx context.Context, view StateView, outcome *Outcome) error
	BeforeCommand(ctx context.Context, view StateView, event *CommandEvent) error
	AfterCommand(ctx context.Context, view StateView, event *CommandEvent) error
}

// CommandEvent describes one executed command.
type CommandEvent struct {
	ProcessID string
	Thread    ThreadID
	Depth     int
	Frame     string
	Command   Command

	// Step is nil for synthetic commands that do not belong to a step,
	// such as leaving the root frame.
	Step *Step

	// Name describes the step, suitable for span and metric names.
	Name string

	// Body is set when the command executes the step itself rather than
	// one of its loop, handler or retry wrappers.
	Body bool

	Start    time.Time
	Duration time.Duration

	// Err is the error raised by the command, whether or not a handler or
	// retry claimed it. Set only for AfterCommand.
	Err error
}

// StateView is a read-only view of a running process.
type StateView interface {
	ProcessID() string
	Status() ProcessStatus
	ThreadIDs() []ThreadID
	ThreadStatus(id ThreadID) (ThreadStatus, bool)
	// Depth returns the number of frames on a thread's stack.
	Depth(id ThreadID) int
	Lookup(id ThreadID, name string) (any, bool)
	Globals() map[string]any
	Commands() int
	Awaiting() []string
}

type stateView struct {
	st *State
}

func (v *stateView) ProcessID() string {
	return v.st.ProcessID
}

func (v *stateView) Status() ProcessStatus {
	return v.st.Status
}

func (v *stateView) ThreadIDs() []ThreadID {
	return v.st.ThreadIDs()
}

func (v *stateView) ThreadStatus(id ThreadID) (ThreadStatus, bool) {
	t, ok := v.st.Threads[id]
	if !ok {
		return "", false
	}
	return t.Status, true
}

func (v *stateView) Depth(id ThreadID) int {
	if t, ok := v.st.Threads[id]; ok {
		return len(t.Frames)
	}
	return 0
}

func (v *stateView) Lookup(id ThreadID, name string) (any, bool) {
	t, ok := v.st.Threads[id]
	if !ok {
		return nil, false
	}
	value, ok := v.st.lookup(t, name)
	return deepCopy(value), ok
}

func (v *stateView) Globals() map[string]any {
	return deepCopyMap(v.st.Globals)
}

func (v *stateView) Commands() int {
	return v.st.Commands
}

func (v *stateView) Awaiting() []string {
	return v.st.Awaiting()
}

// BaseListener provides a default implementation that does nothing. Embed
// it to implement only the methods you need.
type BaseListener struct{}

func (BaseListener) BeforeRun(ctx context.Context, view StateView) error {
	return nil
}

func (BaseListener) AfterRun(ctx context.Context, view StateView, outcome *Outcome) error {
	return nil
}

func (BaseListener) BeforeCommand(ctx context.Context, view StateView, event *CommandEvent) error {
	return nil
}

func (BaseListener) AfterCommand(ctx context.Context, view StateView, event *CommandEvent) error {
	return nil
}

// ListenerChain calls listeners in order, stopping at the first error.
type ListenerChain struct {
	listeners []Listener
}

// NewListenerChain creates a new listener chain
func NewListenerChain(listeners ...Listener) *ListenerChain {
	return &ListenerChain{listeners: listeners}
}

// Add adds a listener to the end of the chain
func (c *ListenerChain) Add(listener Listener) {
	c.listeners = append(c.listeners, listener)
}

func (c *ListenerChain) BeforeRun(ctx context.Context, view StateView) error {
	for _, l := range c.listeners {
		if err := l.BeforeRun(ctx, view); err != nil {
			return err
		}
	}
	return nil
}

func (c *ListenerChain) AfterRun(ctx context.Context, view StateView, outcome *Outcome) error {
	for _, l := range c.listeners {
		if err := l.AfterRun(ctx, view, outcome); err != nil {
			return err
		}
	}
	return nil
}

func (c *ListenerChain) BeforeCommand(ctx context.Context, view StateView, event *CommandEvent) error {
	for _, l := range c.listeners {
		if err := l.BeforeCommand(ctx, view, event); err != nil {
			return err
		}
	}
	return nil
}

func (c *ListenerChain) AfterCommand(ctx context.Context, view StateView, event *CommandEvent) error {
	for _, l := range c.listeners {
		if err := l.AfterCommand(ctx, view, event); err != nil {
			return err
		}
	}
	return nil
}
