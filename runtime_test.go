package machine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/machine/script"
)

func loadGraph(t *testing.T, source string) *Graph {
	t.Helper()
	g, err := LoadString(source)
	require.NoError(t, err)
	return g
}

func newTestRuntime(t *testing.T, source string, opts RuntimeOptions) *Runtime {
	t.Helper()
	opts.Graph = loadGraph(t, source)
	if opts.WorkspaceDir == "" {
		opts.WorkspaceDir = t.TempDir()
	}
	rt, err := NewRuntime(opts)
	require.NoError(t, err)
	return rt
}

func startProcess(t *testing.T, rt *Runtime, inputs map[string]any) (*State, *Outcome) {
	t.Helper()
	st := NewState("", inputs)
	outcome, err := rt.Start(context.Background(), st)
	require.NoError(t, err)
	return st, outcome
}

// counter is a task that counts its calls and returns the call number.
type counter struct {
	mu    sync.Mutex
	calls int
	fail  func(call int) error
}

func (c *counter) Name() string {
	return "count"
}

func (c *counter) Execute(ctx Context, input map[string]any) (*TaskResult, error) {
	c.mu.Lock()
	c.calls++
	call := c.calls
	c.mu.Unlock()
	if c.fail != nil {
		if err := c.fail(call); err != nil {
			return nil, err
		}
	}
	return Success(call), nil
}

func (c *counter) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func TestNewRuntimeValidation(t *testing.T) {
	_, err := NewRuntime(RuntimeOptions{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "graph is required")

	g := loadGraph(t, `
steps:
  - kind: task
    task: count
`)
	_, err = NewRuntime(RuntimeOptions{Graph: g, Tasks: []Task{&counter{}, &counter{}}})
	require.Error(t, err)
	require.Contains(t, err.Error(), `duplicate task "count"`)
}

func TestParallelScenario(t *testing.T) {
	rt := newTestRuntime(t, `
name: sums
steps:
  - kind: set
    set:
      x: 1
  - kind: parallel
    branches:
      - name: left
        steps:
          - kind: set
            set:
              y: $(vars.x + 1)
      - name: right
        steps:
          - kind: set
            set:
              z: $(vars.x + 2)
  - kind: set
    set:
      w: $(vars.y + vars.z)
`, RuntimeOptions{})

	st, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeCompleted, outcome.Status)
	require.Equal(t, ProcessCompleted, st.Status)

	want := map[string]any{"x": 1, "y": int64(2), "z": int64(3), "w": int64(5)}
	if diff := cmp.Diff(want, outcome.Outputs); diff != "" {
		t.Errorf("outputs mismatch (-want +got):\n%s", diff)
	}
	// Children are released once joined
	require.Equal(t, []ThreadID{RootThread}, st.ThreadIDs())
}

func TestDeterministicRuns(t *testing.T) {
	source := `
steps:
  - kind: parallel
    branches:
      - name: a
        steps:
          - kind: task
            task: count
            output: a
      - name: b
        steps:
          - kind: task
            task: count
            output: b
      - name: c
        steps:
          - kind: task
            task: count
            output: c
`
	var results []map[string]any
	for i := 0; i < 3; i++ {
		rt := newTestRuntime(t, source, RuntimeOptions{Tasks: []Task{&counter{}}})
		_, outcome := startProcess(t, rt, nil)
		require.Equal(t, OutcomeCompleted, outcome.Status)
		results = append(results, outcome.Outputs)
	}
	// Threads are scheduled lowest id first, so branches run in order.
	require.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, results[0])
	for _, result := range results[1:] {
		if diff := cmp.Diff(results[0], result); diff != "" {
			t.Errorf("runs differ (-first +later):\n%s", diff)
		}
	}
}

func TestBranchOutputs(t *testing.T) {
	rt := newTestRuntime(t, `
steps:
  - kind: parallel
    output: branches
    branches:
      - name: keep
        out: [kept]
        steps:
          - kind: set
            set:
              kept: 1
              scratch: 2
      - steps:
          - kind: set
            set:
              other: 3
`, RuntimeOptions{})

	_, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeCompleted, outcome.Status)
	require.Equal(t, 1, outcome.Outputs["kept"])
	require.Equal(t, 3, outcome.Outputs["other"])
	require.NotContains(t, outcome.Outputs, "scratch")
	branches := outcome.Outputs["branches"].(map[string]any)
	require.Contains(t, branches, "keep")
	require.Contains(t, branches, "branch-1")
}

func TestParallelFailure(t *testing.T) {
	rt := newTestRuntime(t, `
steps:
  - kind: parallel
    name: fanout
    branches:
      - name: ok
        steps:
          - kind: set
            set:
              fine: true
      - name: broken
        steps:
          - kind: throw
            name: boom
            expr: broken branch
`, RuntimeOptions{})

	st, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeFailed, outcome.Status)
	require.Equal(t, ProcessFailed, st.Status)

	var join *JoinFailure
	require.True(t, errors.As(outcome.Err, &join))
	require.Len(t, join.Failures, 1)
	require.Equal(t, "broken", join.Failures[0].Branch)
	require.Contains(t, join.Failures[0].Err.Error(), "broken branch")
	require.Equal(t, ErrorTypeJoin, ClassifyError(outcome.Err).Type)
}

func TestParallelFailureHandled(t *testing.T) {
	rt := newTestRuntime(t, `
steps:
  - kind: parallel
    branches:
      - steps:
          - kind: throw
            expr: first
      - steps:
          - kind: set
            set:
              second: true
    error:
      - kind: set
        set:
          recovered: $(vars.lastError.type)
`, RuntimeOptions{})

	_, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeCompleted, outcome.Status)
	require.Equal(t, ErrorTypeJoin, outcome.Outputs["recovered"])
	require.NotContains(t, outcome.Outputs, "lastError")
}

func TestLoops(t *testing.T) {
	t.Run("serial", func(t *testing.T) {
		rt := newTestRuntime(t, `
steps:
  - kind: expr
    name: double
    expr: $(vars.item * 2)
    output: doubled
    loop:
      items: [1, 2, 3]
`, RuntimeOptions{})
		_, outcome := startProcess(t, rt, nil)
		require.Equal(t, OutcomeCompleted, outcome.Status)
		require.Equal(t, []any{int64(2), int64(4), int64(6)}, outcome.Outputs["doubled"])
		require.NotContains(t, outcome.Outputs, "item")
	})

	t.Run("inputs named like map methods", func(t *testing.T) {
		rt := newTestRuntime(t, `
steps:
  - kind: expr
    expr: $(vars.item * 2)
    output: doubled
    loop:
      items: $(inputs.items)
`, RuntimeOptions{})
		_, outcome := startProcess(t, rt, map[string]any{"items": []any{1, 2, 3}})
		require.Equal(t, OutcomeFailed, outcome.Status)
		require.ErrorContains(t, outcome.Err, "builtin(map.items)")

		rt = newTestRuntime(t, `
steps:
  - kind: expr
    expr: $(vars.item * 2)
    output: doubled
    loop:
      items: $(inputs["items"])
`, RuntimeOptions{})
		_, outcome = startProcess(t, rt, map[string]any{"items": []any{1, 2, 3}})
		require.Equal(t, OutcomeCompleted, outcome.Status)
		require.Len(t, outcome.Outputs["doubled"], 3)
	})

	t.Run("parallel with bounded concurrency", func(t *testing.T) {
		var mu sync.Mutex
		live, peak := 0, 0
		rt := newTestRuntime(t, `
steps:
  - kind: expr
    name: square
    expr: $(vars.n * vars.n)
    output: squares
    loop:
      items: $(inputs.numbers)
      as: n
      mode: parallel
      parallelism: 2
`, RuntimeOptions{Listeners: []Listener{&liveThreads{mu: &mu, live: &live, peak: &peak}}})
		_, outcome := startProcess(t, rt, map[string]any{"numbers": []any{1, 2, 3, 4, 5}})
		require.Equal(t, OutcomeCompleted, outcome.Status)
		require.Equal(t, []any{int64(1), int64(4), int64(9), int64(16), int64(25)}, outcome.Outputs["squares"])
		require.LessOrEqual(t, peak, 3, "root plus at most two iterations")
	})

	t.Run("scalar items", func(t *testing.T) {
		rt := newTestRuntime(t, `
steps:
  - kind: expr
    name: each
    expr: $(vars.item + 1)
    output: results
    loop:
      items: $(42)
`, RuntimeOptions{})
		_, outcome := startProcess(t, rt, nil)
		require.Equal(t, OutcomeCompleted, outcome.Status)
		require.Equal(t, []any{int64(43)}, outcome.Outputs["results"])
	})
}

// liveThreads records the highest number of non-terminal threads seen.
type liveThreads struct {
	BaseListener
	mu         *sync.Mutex
	live, peak *int
}

func (l *liveThreads) BeforeCommand(ctx context.Context, view StateView, event *CommandEvent) error {
	count := 0
	for _, id := range view.ThreadIDs() {
		if status, ok := view.ThreadStatus(id); ok && !status.Terminal() {
			count++
		}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.live = count
	if count > *l.peak {
		*l.peak = count
	}
	return nil
}

func TestConditionals(t *testing.T) {
	source := `
steps:
  - kind: if
    expr: $(inputs.amount > 100)
    then:
      - kind: set
        set:
          tier: high
    else:
      - kind: set
        set:
          tier: low
  - kind: switch
    cases:
      - when: $(inputs.region == "eu")
        steps:
          - kind: set
            set:
              currency: EUR
      - when: $(inputs.region == "us")
        steps:
          - kind: set
            set:
              currency: USD
    default:
      - kind: set
        set:
          currency: unknown
`
	tests := []struct {
		amount   int
		region   string
		tier     string
		currency string
	}{
		{amount: 150, region: "eu", tier: "high", currency: "EUR"},
		{amount: 5, region: "us", tier: "low", currency: "USD"},
		{amount: 100, region: "jp", tier: "low", currency: "unknown"},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d-%s", tt.amount, tt.region), func(t *testing.T) {
			rt := newTestRuntime(t, source, RuntimeOptions{})
			_, outcome := startProcess(t, rt, map[string]any{"amount": tt.amount, "region": tt.region})
			require.Equal(t, OutcomeCompleted, outcome.Status)
			require.Equal(t, tt.tier, outcome.Outputs["tier"])
			require.Equal(t, tt.currency, outcome.Outputs["currency"])
		})
	}
}

func TestCallAndReturn(t *testing.T) {
	rt := newTestRuntime(t, `
steps:
  - kind: call
    flow: add
    input:
      a: 2
      b: $(inputs.b)
    output: sum
  - kind: call
    flow: describe
    out: [label]
flows:
  add:
    - kind: set
      set:
        unused: true
    - kind: return
      expr: vars.a + vars.b
    - kind: throw
      expr: unreachable
  describe:
    - kind: set
      set:
        label: sum is ${vars.sum}
        hidden: true
`, RuntimeOptions{})

	_, outcome := startProcess(t, rt, map[string]any{"b": 3})
	require.Equal(t, OutcomeCompleted, outcome.Status)
	require.EqualValues(t, 5, outcome.Outputs["sum"])
	require.Equal(t, "sum is 5", outcome.Outputs["label"])
	require.NotContains(t, outcome.Outputs, "hidden")
	require.NotContains(t, outcome.Outputs, "unused")
}

func TestCallErrorChain(t *testing.T) {
	rt := newTestRuntime(t, `
steps:
  - kind: call
    name: outer
    flow: inner
flows:
  inner:
    - kind: throw
      name: fail
      expr: deep failure
`, RuntimeOptions{})

	_, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeFailed, outcome.Status)
	var stepErr *StepError
	require.True(t, errors.As(outcome.Err, &stepErr))
	chain := stepErr.Chain()
	require.Len(t, chain, 2)
	require.Equal(t, "outer", chain[0].Step)
	require.Equal(t, "fail", chain[1].Step)
	require.Equal(t, ErrorTypeThrown, chain[1].Type)
	require.Greater(t, chain[1].Location.Line, chain[0].Location.Line)
}

func TestErrorHandler(t *testing.T) {
	rt := newTestRuntime(t, `
steps:
  - kind: throw
    name: boom
    expr: something broke
    error:
      - kind: set
        set:
          handled: $(vars.lastError.type)
          message: $(vars.lastError.message)
  - kind: set
    set:
      after: true
`, RuntimeOptions{})

	_, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeCompleted, outcome.Status)
	require.Equal(t, ErrorTypeThrown, outcome.Outputs["handled"])
	require.Contains(t, outcome.Outputs["message"], "something broke")
	require.Equal(t, true, outcome.Outputs["after"])
	require.NotContains(t, outcome.Outputs, "lastError")
}

func TestErrorInHandlerPropagates(t *testing.T) {
	rt := newTestRuntime(t, `
steps:
  - kind: group
    steps:
      - kind: throw
        expr: first
        error:
          - kind: throw
            expr: second
    error:
      - kind: set
        set:
          caught: $(vars.lastError.message)
`, RuntimeOptions{})

	_, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeCompleted, outcome.Status)
	require.Contains(t, outcome.Outputs["caught"], "second")
}

func TestExit(t *testing.T) {
	rt := newTestRuntime(t, `
steps:
  - kind: set
    set:
      before: 1
  - kind: parallel
    branches:
      - steps:
          - kind: suspend
            events: [never]
      - steps:
          - kind: exit
  - kind: set
    set:
      after: 2
`, RuntimeOptions{})

	st, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeCompleted, outcome.Status)
	require.Equal(t, map[string]any{"before": 1}, outcome.Outputs)
	for _, id := range st.ThreadIDs() {
		require.True(t, st.Threads[id].Status.Terminal())
	}
}

func TestScriptStep(t *testing.T) {
	rt := newTestRuntime(t, `
steps:
  - kind: set
    set:
      count: 1
  - kind: script
    expr: |
      vars["count"] = vars.count + 10
      vars["greeting"] = "hi"
`, RuntimeOptions{})

	_, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeCompleted, outcome.Status)
	require.EqualValues(t, 11, outcome.Outputs["count"])
	require.Equal(t, "hi", outcome.Outputs["greeting"])
}

func TestGlobalsAndOutputs(t *testing.T) {
	rt := newTestRuntime(t, `
outputs: [total, name]
steps:
  - kind: set
    global: true
    set:
      total: $(inputs.base * 2)
  - kind: set
    set:
      local: ignored
`, RuntimeOptions{})

	st, outcome := startProcess(t, rt, map[string]any{"base": 21, "name": "demo"})
	require.Equal(t, OutcomeCompleted, outcome.Status)
	require.EqualValues(t, 42, outcome.Outputs["total"])
	require.Equal(t, "demo", outcome.Outputs["name"])
	require.NotContains(t, outcome.Outputs, "local")
	require.EqualValues(t, 42, st.Globals["total"])
}

func TestExprEngine(t *testing.T) {
	rt := newTestRuntime(t, `
steps:
  - kind: set
    set:
      total: $(vars.price * inputs.quantity)
      label: "${inputs.quantity} items"
`, RuntimeOptions{Compiler: script.NewExprEngine(nil)})

	st := NewState("", map[string]any{"price": 3, "quantity": 4})
	outcome, err := rt.Start(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome.Status)
	require.EqualValues(t, 12, outcome.Outputs["total"])
	require.Equal(t, "4 items", outcome.Outputs["label"])
}

func TestCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	task := NewTaskFunction("cancel", func(tctx Context, input map[string]any) (*TaskResult, error) {
		cancel()
		return Success(nil), nil
	})
	rt := newTestRuntime(t, `
steps:
  - kind: task
    task: cancel
    retry:
      times: 3
    error:
      - kind: set
        set:
          handled: true
  - kind: set
    set:
      unreachable: true
`, RuntimeOptions{Tasks: []Task{task}})

	st := NewState("", nil)
	outcome, err := rt.Start(ctx, st)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome.Status)
	require.ErrorIs(t, outcome.Err, ErrCancelled)
	require.Equal(t, ErrorTypeFatal, ClassifyError(outcome.Err).Type)
}

func TestStartTerminalState(t *testing.T) {
	rt := newTestRuntime(t, `
steps:
  - kind: set
    set:
      done: true
`, RuntimeOptions{})
	st, outcome := startProcess(t, rt, nil)
	require.Equal(t, OutcomeCompleted, outcome.Status)
	commands := st.Commands

	again, err := rt.Start(context.Background(), st)
	require.NoError(t, err)
	require.Equal(t, outcome.Outputs, again.Outputs)
	require.Equal(t, commands, st.Commands)

	_, err = rt.Resume(context.Background(), st, "anything", nil)
	require.ErrorIs(t, err, ErrProcessEnded)
}

func TestStartForeignGraph(t *testing.T) {
	rt := newTestRuntime(t, `
name: one
steps:
  - kind: set
    set:
      a: 1
`, RuntimeOptions{})
	st := NewState("", nil)
	st.Graph = "two"
	_, err := rt.Start(context.Background(), st)
	require.Error(t, err)
	require.Contains(t, err.Error(), `state belongs to graph "two"`)
}
