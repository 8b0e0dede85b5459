package machine

import "github.com/google/uuid"

// FrameKind describes why a frame was pushed.
type FrameKind string

const (
	FrameRoot      FrameKind = "root"
	FrameCall      FrameKind = "call"
	FrameGroup     FrameKind = "group"
	FrameHandler   FrameKind = "handler"
	FrameRetry     FrameKind = "retry"
	FrameLoop      FrameKind = "loop"
	FrameIteration FrameKind = "iteration"
	FrameBranch    FrameKind = "branch"
)

// AllVariables may be listed in Out to propagate every frame variable.
const AllVariables = "*"

// RetryState tracks the attempts of a retry frame.
type RetryState struct {
	Attempt   int
	LastError *ErrorRecord
}

// Collect tracks the iterations of a serial loop frame.
type Collect struct {
	Items   []any
	Next    int
	Results []any
}

// Frame is an addressable execution context on a thread's stack. The frame
// at depth 0 is the bottom of the stack.
type Frame struct {
	ID            string
	Kind          FrameKind
	Step          int
	Vars          map[string]any
	Commands      []Command
	Out           []string
	Handler       bool
	HandlerActive bool
	Retry         *RetryState
	Collect       *Collect
	Returned      any
	HasReturn     bool
}

func newFrame(kind FrameKind, step int, vars map[string]any) *Frame {
	if vars == nil {
		vars = map[string]any{}
	}
	return &Frame{
		ID:       uuid.NewString(),
		Kind:     kind,
		Step:     step,
		Vars:     vars,
		Commands: []Command{{Op: OpLeave, Step: step}},
	}
}

// push adds commands to the top of the frame's stack.
func (f *Frame) push(commands ...Command) {
	f.Commands = append(f.Commands, commands...)
}

// pop removes and returns the command on top of the stack.
func (f *Frame) pop() (Command, bool) {
	if len(f.Commands) == 0 {
		return Command{}, false
	}
	cmd := f.Commands[len(f.Commands)-1]
	f.Commands = f.Commands[:len(f.Commands)-1]
	return cmd, true
}

// reset discards every pending command except the leave marker.
func (f *Frame) reset() {
	f.Commands = []Command{{Op: OpLeave, Step: f.Step}}
}

// transparent frames pass every variable to their parent on exit.
func (f *Frame) transparent() bool {
	return f.Kind == FrameRetry || f.Kind == FrameHandler
}

// outputs returns the variables this frame propagates when it exits.
func (f *Frame) outputs() map[string]any {
	result := map[string]any{}
	if f.transparent() {
		for k, v := range f.Vars {
			if k != lastErrorVariable {
				result[k] = v
			}
		}
		return result
	}
	for _, name := range f.Out {
		if name == AllVariables {
			for k, v := range f.Vars {
				if k != lastErrorVariable && k != eventVariable {
					result[k] = v
				}
			}
			continue
		}
		if v, ok := f.Vars[name]; ok {
			result[name] = v
		}
	}
	return result
}
