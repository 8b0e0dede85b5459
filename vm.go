package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// vm executes the commands of one State. It lives for a single run of the
// loop; everything that must survive a restart lives in the State.
type vm struct {
	rt        *Runtime
	st        *State
	mu        sync.RWMutex
	runCtx    *runContext
	logger    *slog.Logger
	workspace string
	view      *stateView
}

func newVM(rt *Runtime, st *State, workspace string) *vm {
	return &vm{
		rt:        rt,
		st:        st,
		runCtx:    newRunContext(st),
		logger:    rt.logger.With("process_id", st.ProcessID),
		workspace: workspace,
		view:      &stateView{st: st},
	}
}

func (m *vm) run(ctx context.Context) (*Outcome, error) {
	m.mu.Lock()
	m.st.Status = ProcessRunning
	m.mu.Unlock()

	if err := m.rt.listeners.BeforeRun(ctx, m.view); err != nil {
		return nil, fmt.Errorf("listener aborted run: %w", err)
	}
	if m.rt.heartbeat != nil {
		stop := m.startHeartbeat(ctx)
		defer stop()
	}

	outcome, err := m.loop(ctx)
	if err != nil {
		aborted := &Outcome{Status: OutcomeAborted, Err: err}
		if lerr := m.rt.listeners.AfterRun(ctx, m.view, aborted); lerr != nil {
			m.logger.Warn("listener failed after aborted run", "error", lerr)
		}
		return nil, err
	}
	if err := m.rt.listeners.AfterRun(ctx, m.view, outcome); err != nil {
		return nil, fmt.Errorf("listener aborted run: %w", err)
	}
	return outcome, nil
}

func (m *vm) loop(ctx context.Context) (*Outcome, error) {
	cancelled := false
	for {
		if !cancelled && ctx.Err() != nil {
			cancelled = true
			m.cancel()
		}

		m.mu.Lock()
		if root := m.st.Root(); root.Status.Terminal() {
			outcome := m.finalize(root)
			m.mu.Unlock()
			return outcome, nil
		}
		m.deliverEvents()
		m.advanceJoins()
		t, wake := m.pick()
		m.mu.Unlock()

		if t != nil {
			if err := m.step(ctx, t); err != nil {
				return nil, err
			}
			continue
		}
		if !wake.IsZero() {
			m.sleep(ctx, wake)
			continue
		}
		if len(m.st.Awaiting()) == 0 {
			return nil, fmt.Errorf("process %s is deadlocked: no thread can make progress", m.st.ProcessID)
		}
		m.mu.Lock()
		m.st.Status = ProcessSuspended
		m.mu.Unlock()
		events := m.st.Awaiting()
		m.logger.Info("process suspended", "events", events)
		return &Outcome{Status: OutcomeSuspended, Events: events}, nil
	}
}

// pick returns the lowest-numbered runnable thread whose wake time has
// passed. When only sleeping threads remain it returns the earliest wake
// time instead.
func (m *vm) pick() (*Thread, time.Time) {
	now := m.rt.now()
	var wake time.Time
	for _, id := range m.st.ThreadIDs() {
		t := m.st.Threads[id]
		if t.Status != ThreadRunnable {
			continue
		}
		if t.WakeAt.IsZero() || !t.WakeAt.After(now) {
			t.WakeAt = time.Time{}
			return t, time.Time{}
		}
		if wake.IsZero() || t.WakeAt.Before(wake) {
			wake = t.WakeAt
		}
	}
	return nil, wake
}

func (m *vm) sleep(ctx context.Context, until time.Time) {
	delay := until.Sub(m.rt.now())
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// step pops and executes the next command of a thread.
func (m *vm) step(ctx context.Context, t *Thread) error {
	m.mu.Lock()
	frame := t.top()
	cmd, ok := frame.pop()
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("thread %s has an empty frame", t.ID)
	}
	event := &CommandEvent{
		ProcessID: m.st.ProcessID,
		Thread:    t.ID,
		Depth:     len(t.Frames) - 1,
		Frame:     frame.ID,
		Command:   cmd,
		Start:     m.rt.now(),
	}
	if step, ok := m.rt.graph.Step(cmd.Step); ok {
		event.Step = step
		event.Name = describeStep(step)
		event.Body = runsBody(step, cmd)
	}
	if err := m.rt.listeners.BeforeCommand(ctx, m.view, event); err != nil {
		m.mu.Lock()
		frame.push(cmd)
		m.mu.Unlock()
		return fmt.Errorf("listener aborted run: %w", err)
	}

	m.mu.Lock()
	err := m.execute(ctx, t, frame, cmd)
	var fault *SerializationFault
	if errors.As(err, &fault) {
		frame.push(cmd)
		m.mu.Unlock()
		return err
	}
	if err != nil {
		m.raise(ctx, t, err)
	}
	m.st.Commands++
	m.mu.Unlock()

	event.Err = err
	event.Duration = m.rt.now().Sub(event.Start)
	if err := m.rt.listeners.AfterCommand(ctx, m.view, event); err != nil {
		return fmt.Errorf("listener aborted run: %w", err)
	}
	return nil
}

// execute dispatches a command. It is called with the lock held.
func (m *vm) execute(ctx context.Context, t *Thread, frame *Frame, cmd Command) error {
	if cmd.Op == OpLeave {
		m.leave(t, frame)
		return nil
	}
	step, ok := m.rt.graph.Step(cmd.Step)
	if !ok {
		return fmt.Errorf("unknown step %d", cmd.Step)
	}
	switch cmd.Op {
	case OpStep:
		return m.execStep(ctx, t, step, cmd.Arg)
	case OpBody:
		return m.execBody(ctx, t, step, cmd.Arg)
	case OpJoin:
		if err := m.join(t, step); err != nil {
			return stepFailure(step, err)
		}
		return nil
	case OpRetry:
		return m.beginAttempt(t, step, cmd.Arg)
	default:
		return fmt.Errorf("unknown op %s", cmd.Op)
	}
}

// execStep applies the loop, handler and retry wrappers of a step, in that
// order, before executing its body.
func (m *vm) execStep(ctx context.Context, t *Thread, step *Step, stage int) error {
	if stage < stageLoop && step.Loop != nil {
		return m.startLoop(ctx, t, step)
	}
	if stage < stageHandler && len(step.Error) > 0 {
		f := newFrame(FrameHandler, step.ID, nil)
		f.Handler = true
		f.push(Command{Op: OpStep, Step: step.ID, Arg: stageHandler})
		t.pushFrame(f)
		return nil
	}
	if step.Retry != nil {
		f := newFrame(FrameRetry, step.ID, nil)
		f.Retry = &RetryState{Attempt: 1}
		f.push(Command{Op: OpBody, Step: step.ID})
		t.pushFrame(f)
		return nil
	}
	return m.execBody(ctx, t, step, 0)
}

// runsBody reports whether cmd executes the body of step once dispatched.
func runsBody(step *Step, cmd Command) bool {
	switch cmd.Op {
	case OpBody:
		return true
	case OpStep:
		if cmd.Arg < stageLoop && step.Loop != nil {
			return false
		}
		if cmd.Arg < stageHandler && len(step.Error) > 0 {
			return false
		}
		return step.Retry == nil
	default:
		return false
	}
}

// leave pops a frame whose commands are exhausted and propagates its
// declared outputs to the parent frame.
func (m *vm) leave(t *Thread, f *Frame) {
	t.popFrame()
	outs := f.outputs()
	parent := t.top()
	if parent == nil {
		m.finishThread(t, f, outs)
		return
	}
	step, _ := m.rt.graph.Step(f.Step)
	switch f.Kind {
	case FrameIteration:
		if step.Output != "" {
			parent.Collect.Results = append(parent.Collect.Results, f.Vars[step.Output])
		}
		merge(parent.Vars, outs)
		m.nextIteration(t, parent, step)
	case FrameLoop:
		merge(parent.Vars, outs)
		if step.Output != "" {
			parent.Vars[step.Output] = f.Collect.Results
		}
	case FrameCall:
		merge(parent.Vars, outs)
		if step.Output != "" {
			if f.HasReturn {
				parent.Vars[step.Output] = f.Returned
			} else {
				parent.Vars[step.Output] = outs
			}
		}
	default:
		merge(parent.Vars, outs)
	}
}

func (m *vm) finishThread(t *Thread, f *Frame, outs map[string]any) {
	if f.HasReturn && f.Kind == FrameRoot {
		outs["return"] = f.Returned
	}
	if t.ID == RootThread {
		m.logger.Debug("root thread finished")
	}
	t.finish(outs)
}

// raise propagates an error down the thread's frame stack. The first frame
// able to claim it, either a retry frame with attempts remaining or a frame
// with an idle handler, discards the frames above it and takes over.
// Otherwise the thread fails.
func (m *vm) raise(ctx context.Context, t *Thread, err error) {
	if isFatal(err) {
		m.logger.Warn("thread failed", "thread", t.ID, "error", m.runCtx.maskText(err.Error()))
		t.fail(err)
		return
	}
	for len(t.Frames) > 0 {
		f := t.top()
		step, _ := m.rt.graph.Step(f.Step)
		switch {
		case f.Kind == FrameRetry && m.retryable(f, step, err):
			m.scheduleRetry(ctx, t, f, step, err)
			return
		case f.Handler && !f.HandlerActive:
			f.reset()
			f.HandlerActive = true
			f.Vars[lastErrorVariable] = errorVariable(err)
			f.push(stepCommands(step.Error)...)
			m.logger.Info("error handled", "thread", t.ID, "step", step.Name, "error", m.runCtx.maskText(err.Error()))
			return
		case f.Kind == FrameCall:
			err = &StepError{
				Type:     errorType(err),
				Step:     step.Name,
				Location: step.Location,
				Cause:    fmt.Sprintf("flow %q failed", step.Flow),
				Wrapped:  err,
			}
		}
		t.popFrame()
	}
	m.logger.Warn("thread failed", "thread", t.ID, "error", m.runCtx.maskText(err.Error()))
	t.fail(err)
}

// cancel fails every live thread. Cancellation cannot be claimed by
// handlers or retries.
func (m *vm) cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.st.ThreadIDs() {
		t := m.st.Threads[id]
		if !t.Status.Terminal() {
			t.fail(ErrCancelled)
		}
	}
	m.logger.Warn("process cancelled")
}

// exit ends the process with the root thread's current variables.
func (m *vm) exit() {
	root := m.st.Root()
	result := map[string]any{}
	for _, f := range root.Frames {
		merge(result, f.Vars)
	}
	delete(result, lastErrorVariable)
	delete(result, eventVariable)
	for _, id := range m.st.ThreadIDs() {
		t := m.st.Threads[id]
		if t.Status.Terminal() {
			continue
		}
		if t.ID == RootThread {
			t.finish(result)
		} else {
			t.finish(nil)
		}
		t.Join = nil
	}
}

// finalize records the end of the process once the root thread is done.
func (m *vm) finalize(root *Thread) *Outcome {
	if root.Status == ThreadFailed {
		m.st.Status = ProcessFailed
		m.st.Err = root.Err
		err := root.Err.Err()
		m.logger.Error("process failed", "error", m.runCtx.maskText(err.Error()))
		return &Outcome{Status: OutcomeFailed, Err: err}
	}
	outputs := map[string]any{}
	names := m.rt.graph.Outputs()
	if len(names) == 0 {
		outputs = copyMap(root.Result)
	}
	for _, name := range names {
		if v, ok := root.Result[name]; ok {
			outputs[name] = v
		} else if v, ok := m.st.Globals[name]; ok {
			outputs[name] = v
		}
	}
	m.st.Outputs = outputs
	m.st.Status = ProcessCompleted
	m.logger.Info("process completed", "commands", m.st.Commands)
	return &Outcome{Status: OutcomeCompleted, Outputs: copyMap(outputs)}
}

func (m *vm) startHeartbeat(ctx context.Context) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.rt.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.mu.RLock()
				m.rt.heartbeat(ctx, m.view)
				m.mu.RUnlock()
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func merge(dst, src map[string]any) {
	for k, v := range src {
		dst[k] = v
	}
}
