package machine

import (
	"context"
	"fmt"
	"time"
)

// retryable reports whether a retry frame may claim err.
func (m *vm) retryable(f *Frame, step *Step, err error) bool {
	if f.Retry == nil || step == nil || step.Retry == nil {
		return false
	}
	kind := errorType(err)
	if kind == ErrorTypeFatal || kind == ErrorTypePolicy {
		return false
	}
	if f.Retry.Attempt >= step.Retry.Times {
		return false
	}
	if len(step.Retry.On) == 0 {
		return true
	}
	for _, pattern := range step.Retry.On {
		if MatchesErrorType(err, pattern) {
			return true
		}
	}
	return false
}

// scheduleRetry discards the failed attempt and re-arms the retry frame.
// The thread sleeps until the retry delay has elapsed.
func (m *vm) scheduleRetry(ctx context.Context, t *Thread, f *Frame, step *Step, err error) {
	delay := m.retryDelay(ctx, t, step)
	f.Retry.Attempt++
	f.Retry.LastError = newErrorRecord(err)
	f.Vars = map[string]any{lastErrorVariable: errorVariable(err)}
	f.reset()
	f.push(Command{Op: OpRetry, Step: step.ID, Arg: f.Retry.Attempt})
	if delay > 0 {
		t.WakeAt = m.rt.now().Add(delay)
	}
	m.logger.Info("retrying step",
		"thread", t.ID,
		"step", step.Name,
		"attempt", f.Retry.Attempt,
		"max_attempts", step.Retry.Times,
		"delay", delay,
		"error", m.runCtx.maskText(err.Error()))
}

// retryDelay returns the delay before the next attempt. A delay expression
// that fails to evaluate falls back to the fixed delay.
func (m *vm) retryDelay(ctx context.Context, t *Thread, step *Step) time.Duration {
	if step.Retry.DelayExpr == "" {
		return step.Retry.Delay
	}
	value, err := m.resolve(ctx, t, "$("+unwrapExpression(step.Retry.DelayExpr)+")")
	if err == nil {
		var delay time.Duration
		delay, err = toDuration(value)
		if err == nil {
			return delay
		}
	}
	m.logger.Warn("invalid retry delay expression",
		"step", step.Name, "expression", step.Retry.DelayExpr, "error", m.runCtx.maskText(err.Error()))
	return step.Retry.Delay
}

// beginAttempt starts a re-attempt of the step owning the retry frame.
func (m *vm) beginAttempt(t *Thread, step *Step, attempt int) error {
	f := t.top()
	if f == nil || f.Kind != FrameRetry {
		return fmt.Errorf("retry of step %q outside its retry frame", step.Name)
	}
	m.logger.Debug("starting attempt", "thread", t.ID, "step", step.Name, "attempt", attempt)
	f.push(Command{Op: OpBody, Step: step.ID})
	return nil
}

// toDuration converts a duration string or a number of seconds.
func toDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case string:
		return time.ParseDuration(v)
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	case float32:
		return time.Duration(float64(v) * float64(time.Second)), nil
	}
	if n, ok := asInt64(value); ok {
		return time.Duration(n) * time.Second, nil
	}
	return 0, fmt.Errorf("cannot convert %T to a duration", value)
}
