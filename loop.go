package machine

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/machine/script"
)

const defaultLoopVariable = "item"

func loopVariable(step *Step) string {
	if step.Loop.As != "" {
		return step.Loop.As
	}
	return defaultLoopVariable
}

// startLoop evaluates the loop items once and schedules the iterations.
// Serial loops run each iteration in a fresh frame on the current thread;
// parallel loops fork one thread per item.
func (m *vm) startLoop(ctx context.Context, t *Thread, step *Step) error {
	items, err := m.loopItems(ctx, t, step)
	if err != nil {
		return stepFailure(step, err)
	}
	m.logger.Debug("starting loop", "thread", t.ID, "step", step.Name,
		"mode", step.Loop.Mode, "items", len(items))

	if step.Loop.Mode == LoopParallel {
		m.forkLoop(t, step, items)
		return nil
	}
	f := newFrame(FrameLoop, step.ID, nil)
	f.Out = step.Out
	f.Collect = &Collect{Items: items, Results: []any{}}
	t.pushFrame(f)
	m.nextIteration(t, f, step)
	return nil
}

// nextIteration pushes the frame of the next item of a serial loop, if any
// remain.
func (m *vm) nextIteration(t *Thread, loop *Frame, step *Step) {
	c := loop.Collect
	if c == nil || c.Next >= len(c.Items) {
		return
	}
	f := newFrame(FrameIteration, step.ID, map[string]any{
		loopVariable(step): c.Items[c.Next],
		"index":            c.Next,
	})
	f.Out = step.Out
	f.push(Command{Op: OpStep, Step: step.ID, Arg: stageLoop})
	c.Next++
	t.pushFrame(f)
}

func (m *vm) loopItems(ctx context.Context, t *Thread, step *Step) ([]any, error) {
	value, err := m.resolve(ctx, t, step.Loop.Items)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate loop items: %w", err)
	}
	items, err := script.Items(value)
	if err != nil {
		return nil, fmt.Errorf("failed to iterate loop items: %w", err)
	}
	return deepCopy(items).([]any), nil
}
