package machine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// TaskCall describes one task invocation, as seen by policies.
type TaskCall struct {
	ProcessID     string
	Task          string
	Step          string
	Location      Location
	Thread        ThreadID
	CorrelationID string
	Input         map[string]any
}

// Policy vetoes task calls before they execute. A Policy returning an error
// that is not a *PolicyViolation has it wrapped in one.
type Policy interface {
	Name() string
	Check(ctx context.Context, call *TaskCall) error
}

// PolicyFunc adapts a function to the Policy interface.
type PolicyFunc struct {
	name string
	fn   func(ctx context.Context, call *TaskCall) error
}

func NewPolicyFunc(name string, fn func(ctx context.Context, call *TaskCall) error) *PolicyFunc {
	return &PolicyFunc{name: name, fn: fn}
}

func (p *PolicyFunc) Name() string {
	return p.name
}

func (p *PolicyFunc) Check(ctx context.Context, call *TaskCall) error {
	return p.fn(ctx, call)
}

// interceptor wraps every task call with policy checks and telemetry.
type interceptor struct {
	tasks      map[string]Task
	policies   []Policy
	callLogger CallLogger
	logger     *slog.Logger
}

func newInterceptor(tasks map[string]Task, policies []Policy, callLogger CallLogger, logger *slog.Logger) *interceptor {
	return &interceptor{tasks: tasks, policies: policies, callLogger: callLogger, logger: logger}
}

// invoke runs a task call. The returned output has sensitive wrappers
// removed; telemetry only ever sees masked copies.
func (i *interceptor) invoke(ctx Context, call *TaskCall, run *runContext) (any, error) {
	start := time.Now()
	input := run.unwrap(call.Input).(map[string]any)
	call.Input = input

	output, policy, err := i.call(ctx, call, run)

	event := &TaskCallEvent{
		ID:            uuid.NewString(),
		ProcessID:     call.ProcessID,
		Task:          call.Task,
		Step:          call.Step,
		Location:      call.Location.String(),
		Thread:        int(call.Thread),
		CorrelationID: call.CorrelationID,
		Input:         run.mask(input).(map[string]any),
		Output:        run.mask(output),
		Policy:        policy,
		StartTime:     start,
		Duration:      time.Since(start).Seconds(),
	}
	if err != nil {
		event.Error = run.maskText(err.Error())
	}
	if logErr := i.callLogger.LogTaskCall(ctx, event); logErr != nil {
		i.logger.Warn("failed to log task call", "task", call.Task, "error", logErr)
	}
	attrs := []any{
		"process_id", call.ProcessID,
		"task", call.Task,
		"step", call.Step,
		"location", event.Location,
		"correlation_id", call.CorrelationID,
		"input", event.Input,
		"duration", time.Since(start),
	}
	if err != nil {
		i.logger.Warn("task call failed", append(attrs, "error", event.Error)...)
		return nil, err
	}
	i.logger.Info("task call", append(attrs, "output", event.Output)...)
	return output, nil
}

func (i *interceptor) call(ctx Context, call *TaskCall, run *runContext) (any, string, error) {
	for _, policy := range i.policies {
		if err := policy.Check(ctx, call); err != nil {
			var violation *PolicyViolation
			if !errors.As(err, &violation) {
				violation = &PolicyViolation{Policy: policy.Name(), Task: call.Task, Reason: err.Error()}
			}
			return nil, policy.Name(), violation
		}
	}
	task, ok := i.tasks[call.Task]
	if !ok {
		return nil, "", fmt.Errorf("unknown task %q", call.Task)
	}
	result, err := task.Execute(ctx, call.Input)
	if err != nil {
		return nil, "", err
	}
	if result == nil {
		return nil, "", fmt.Errorf("task %q returned no result", call.Task)
	}
	if fields, ok := result.Output.(map[string]any); ok {
		for _, key := range result.Sensitive {
			run.flag(fields[key])
		}
	}
	output := run.unwrap(result.Output)
	if result.Status == TaskFailure {
		return output, "", NewStepError(ErrorTypeTaskFailed, result.Error)
	}
	return output, "", nil
}
