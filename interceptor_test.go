package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryCallLogger struct {
	mu     sync.Mutex
	events []*TaskCallEvent
}

func (l *memoryCallLogger) LogTaskCall(ctx context.Context, event *TaskCallEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
	return nil
}

func (l *memoryCallLogger) GetCallHistory(ctx context.Context, processID string) ([]*TaskCallEvent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var result []*TaskCallEvent
	for _, event := range l.events {
		if event.ProcessID == processID {
			result = append(result, event)
		}
	}
	return result, nil
}

func TestSensitiveValuesAreMasked(t *testing.T) {
	calls := &memoryCallLogger{}
	login := NewTaskFunction("login", func(ctx Context, input map[string]any) (*TaskResult, error) {
		return &TaskResult{
			Status:    TaskSuccess,
			Output:    map[string]any{"user": input["user"], "token": "s3cret"},
			Sensitive: []string{"token"},
		}, nil
	})
	vault := NewTaskFunction("vault", func(ctx Context, input map[string]any) (*TaskResult, error) {
		return Success(Sensitive("hunter2")), nil
	})
	var seen map[string]any
	fetch := NewTaskFunction("fetch", func(ctx Context, input map[string]any) (*TaskResult, error) {
		seen = input
		return Success("ok"), nil
	})

	rt := newTestRuntime(t, `
steps:
  - kind: task
    task: login
    input:
      user: ana
    output: session
  - kind: task
    task: vault
    output: password
  - kind: task
    task: fetch
    input:
      auth: $(vars.session.token)
      secret: $(vars.password)
`, RuntimeOptions{Tasks: []Task{login, vault, fetch}, CallLogger: calls})

	st, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeCompleted, outcome.Status)

	// Tasks and variables see the real values.
	require.Equal(t, map[string]any{"auth": "s3cret", "secret": "hunter2"}, seen)
	require.Equal(t, "hunter2", outcome.Outputs["password"])

	history, err := calls.GetCallHistory(context.Background(), st.ProcessID)
	require.NoError(t, err)
	require.Len(t, history, 3)

	require.Equal(t, "login", history[0].Task)
	require.Equal(t, map[string]any{"user": "ana", "token": MaskToken}, history[0].Output)
	require.Equal(t, MaskToken, history[1].Output)
	require.Equal(t, map[string]any{"auth": MaskToken, "secret": MaskToken}, history[2].Input)
	require.Equal(t, "ok", history[2].Output)
	for _, event := range history {
		require.NotEmpty(t, event.ID)
		require.NotEmpty(t, event.CorrelationID)
		require.Empty(t, event.Error)
	}
}

func TestSensitiveValuesStayMaskedAfterResume(t *testing.T) {
	calls := &memoryCallLogger{}
	vault := NewTaskFunction("vault", func(ctx Context, input map[string]any) (*TaskResult, error) {
		return Success(Sensitive("hunter2")), nil
	})
	fetch := NewTaskFunction("fetch", func(ctx Context, input map[string]any) (*TaskResult, error) {
		return Success("ok"), nil
	})
	source := `
steps:
  - kind: task
    task: vault
    output: password
  - kind: suspend
    events: [go]
  - kind: task
    task: fetch
    input:
      secret: $(vars.password)
`
	rt := newTestRuntime(t, source, RuntimeOptions{Tasks: []Task{vault, fetch}, CallLogger: calls})
	st, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeSuspended, outcome.Status)
	require.Equal(t, []string{"hunter2"}, st.Sensitive)

	restored, err := CloneState(st)
	require.NoError(t, err)
	resumed := newTestRuntime(t, source, RuntimeOptions{Tasks: []Task{vault, fetch}, CallLogger: calls})
	outcome, err = resumed.Resume(context.Background(), restored, "go", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome.Status)

	history, err := calls.GetCallHistory(context.Background(), st.ProcessID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, map[string]any{"secret": MaskToken}, history[1].Input)
}

func TestTaskErrorsAreMasked(t *testing.T) {
	calls := &memoryCallLogger{}
	vault := NewTaskFunction("vault", func(ctx Context, input map[string]any) (*TaskResult, error) {
		return Success(Sensitive("hunter2")), nil
	})
	fetch := NewTaskFunction("fetch", func(ctx Context, input map[string]any) (*TaskResult, error) {
		return nil, fmt.Errorf("server rejected secret %v", input["secret"])
	})
	rt := newTestRuntime(t, `
steps:
  - kind: task
    task: vault
    output: password
  - kind: task
    task: fetch
    input:
      secret: $(vars.password)
`, RuntimeOptions{Tasks: []Task{vault, fetch}, CallLogger: calls})

	st, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeFailed, outcome.Status)

	history, err := calls.GetCallHistory(context.Background(), st.ProcessID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, "server rejected secret "+MaskToken, history[1].Error)
}

func TestSensitiveString(t *testing.T) {
	require.Equal(t, MaskToken, fmt.Sprint(Sensitive("pin")))

	set := newSensitiveSet(nil)
	unwrapped := set.unwrap(map[string]any{"list": []any{Sensitive(42), "plain"}})
	require.Equal(t, map[string]any{"list": []any{42, "plain"}}, unwrapped)
	require.Equal(t, map[string]any{"list": []any{MaskToken, "plain"}}, set.mask(unwrapped))

	known := newSensitiveSet([]string{"abc", "abcdef"})
	require.Equal(t, "x "+MaskToken+" y "+MaskToken, known.maskText("x abcdef y abc"))
	require.Equal(t, []string{"abc", "abcdef"}, known.list())
}

func TestPolicyVeto(t *testing.T) {
	calls := &memoryCallLogger{}
	charged := 0
	charge := NewTaskFunction("charge", func(ctx Context, input map[string]any) (*TaskResult, error) {
		charged++
		return Success(nil), nil
	})
	budget := NewPolicyFunc("budget", func(ctx context.Context, call *TaskCall) error {
		amount, _ := asInt64(call.Input["amount"])
		if call.Task == "charge" && amount > 100 {
			return errors.New("amount over limit")
		}
		return nil
	})

	rt := newTestRuntime(t, `
steps:
  - kind: task
    name: small
    task: charge
    input:
      amount: 50
  - kind: task
    name: large
    task: charge
    input:
      amount: 500
`, RuntimeOptions{Tasks: []Task{charge}, Policies: []Policy{budget}, CallLogger: calls})

	_, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeFailed, outcome.Status)
	require.Equal(t, 1, charged)

	var violation *PolicyViolation
	require.True(t, errors.As(outcome.Err, &violation))
	require.Equal(t, "budget", violation.Policy)
	require.Equal(t, "charge", violation.Task)
	require.Equal(t, "amount over limit", violation.Reason)
	require.Equal(t, ErrorTypePolicy, ClassifyError(outcome.Err).Type)

	require.Len(t, calls.events, 2)
	require.Empty(t, calls.events[0].Policy)
	require.Equal(t, "budget", calls.events[1].Policy)
	require.Equal(t, "large", calls.events[1].Step)
	require.Contains(t, calls.events[1].Error, "amount over limit")
}

func TestPolicyViolationPassesThrough(t *testing.T) {
	noop := NewTaskFunction("noop", func(ctx Context, input map[string]any) (*TaskResult, error) {
		return Success(nil), nil
	})
	deny := NewPolicyFunc("allowlist", func(ctx context.Context, call *TaskCall) error {
		return &PolicyViolation{Policy: "tenant-allowlist", Task: call.Task, Reason: "tenant blocked"}
	})
	rt := newTestRuntime(t, `
steps:
  - kind: task
    task: noop
`, RuntimeOptions{Tasks: []Task{noop}, Policies: []Policy{deny}})

	_, outcome := startProcess(t, rt, nil)
	var violation *PolicyViolation
	require.True(t, errors.As(outcome.Err, &violation))
	require.Equal(t, "tenant-allowlist", violation.Policy)
}

func TestTaskFailureResult(t *testing.T) {
	reject := NewTaskFunction("reject", func(ctx Context, input map[string]any) (*TaskResult, error) {
		return &TaskResult{Status: TaskFailure, Error: "card declined"}, nil
	})
	rt := newTestRuntime(t, `
steps:
  - kind: task
    name: pay
    task: reject
`, RuntimeOptions{Tasks: []Task{reject}})

	_, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeFailed, outcome.Status)
	require.Equal(t, ErrorTypeTaskFailed, ClassifyError(outcome.Err).Type)
	require.ErrorContains(t, outcome.Err, "card declined")
}

func TestFileCallLogger(t *testing.T) {
	logger := NewFileCallLogger(t.TempDir())
	ctx := context.Background()

	history, err := logger.GetCallHistory(ctx, "nobody")
	require.NoError(t, err)
	require.Empty(t, history)

	for i := range 3 {
		require.NoError(t, logger.LogTaskCall(ctx, &TaskCallEvent{
			ID:        fmt.Sprintf("call-%d", i),
			ProcessID: "p1",
			Task:      "fetch",
			Input:     map[string]any{"n": i},
		}))
	}
	require.NoError(t, logger.LogTaskCall(ctx, &TaskCallEvent{ID: "other", ProcessID: "p2", Task: "fetch"}))

	history, err = logger.GetCallHistory(ctx, "p1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, "call-2", history[2].ID)
	require.EqualValues(t, 2, history[2].Input["n"])
}
