package machine

import "fmt"

// Op identifies what a Command does.
type Op uint8

const (
	// OpStep executes a step, honoring its loop, handler and retry wrappers.
	// Arg counts the wrappers already applied.
	OpStep Op = iota

	// OpBody executes a step ignoring its wrappers.
	OpBody

	// OpLeave exits the frame it sits at the bottom of.
	OpLeave

	// OpJoin merges the results of the threads forked by Step.
	OpJoin

	// OpRetry starts attempt Arg of Step within a retry frame.
	OpRetry
)

func (op Op) String() string {
	switch op {
	case OpStep:
		return "step"
	case OpBody:
		return "body"
	case OpLeave:
		return "leave"
	case OpJoin:
		return "join"
	case OpRetry:
		return "retry"
	default:
		return fmt.Sprintf("op(%d)", uint8(op))
	}
}

// Wrapper stages recorded in Command.Arg for OpStep.
const (
	stageLoop    = 1
	stageHandler = 2
)

// Command is the unit of execution. Commands are compiled from steps as they
// are scheduled and hold no state beyond the step they refer to.
type Command struct {
	Op   Op
	Step int
	Arg  int
}

func (c Command) String() string {
	return fmt.Sprintf("%s[%d:%d]", c.Op, c.Step, c.Arg)
}

// stepCommands returns the commands that execute steps in order, arranged
// for pushing onto a command stack.
func stepCommands(steps []*Step) []Command {
	commands := make([]Command, 0, len(steps))
	for i := len(steps) - 1; i >= 0; i-- {
		commands = append(commands, Command{Op: OpStep, Step: steps[i].ID})
	}
	return commands
}
