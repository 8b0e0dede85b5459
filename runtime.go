package machine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/deepnoodle-ai/machine/script"
)

// OutcomeStatus is the result of one run of the loop.
type OutcomeStatus string

const (
	OutcomeCompleted OutcomeStatus = "completed"
	OutcomeSuspended OutcomeStatus = "suspended"
	OutcomeFailed    OutcomeStatus = "failed"

	// OutcomeAborted is only reported to listeners, when a run stops on an
	// operational error. The caller receives the error instead.
	OutcomeAborted OutcomeStatus = "aborted"
)

// Outcome describes how a run of the loop ended.
type Outcome struct {
	Status OutcomeStatus

	// Events lists the event names parked threads are waiting for when the
	// process is suspended.
	Events []string

	// Err is the process failure when Status is OutcomeFailed, or the
	// operational error when Status is OutcomeAborted.
	Err error

	// Outputs holds the process outputs when Status is OutcomeCompleted.
	Outputs map[string]any
}

// RuntimeOptions configures a Runtime.
type RuntimeOptions struct {
	Graph    *Graph
	Tasks    []Task
	Compiler script.Compiler
	Logger   *slog.Logger

	// Listeners are notified, in order, around every command.
	Listeners []Listener

	// Policies are checked before every task call.
	Policies []Policy

	// CallLogger receives masked telemetry for every task call.
	CallLogger CallLogger

	// Checkpointer persists checkpoint steps. Defaults to a no-op.
	Checkpointer Checkpointer

	// WorkspaceDir is the directory under which each process gets its own
	// workspace. Defaults to a directory in os.TempDir.
	WorkspaceDir string

	// Workspace overrides the workspace location of a process.
	Workspace func(processID string) string

	// Heartbeat is called every HeartbeatInterval while a run is active,
	// with a read-only view of the state.
	Heartbeat         func(ctx context.Context, view StateView)
	HeartbeatInterval time.Duration

	// Now returns the current time. Defaults to time.Now.
	Now func() time.Time
}

// Runtime executes process state against a graph. It holds only immutable
// configuration and may run any number of processes concurrently.
type Runtime struct {
	graph        *Graph
	tasks        map[string]Task
	compiler     script.Compiler
	logger       *slog.Logger
	listeners    *ListenerChain
	interceptor  *interceptor
	checkpointer Checkpointer
	workspace    func(processID string) string
	heartbeat    func(ctx context.Context, view StateView)
	interval     time.Duration
	now          func() time.Time

	scriptsMutex sync.Mutex
	scripts      map[string]script.Script
	templates    map[string]*script.Template
}

// NewRuntime creates a new Runtime.
func NewRuntime(opts RuntimeOptions) (*Runtime, error) {
	if opts.Graph == nil {
		return nil, fmt.Errorf("graph is required")
	}
	if opts.Compiler == nil {
		opts.Compiler = script.NewRisorScriptingEngine(script.DefaultRisorGlobals())
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.CallLogger == nil {
		opts.CallLogger = NewNullCallLogger()
	}
	if opts.Checkpointer == nil {
		opts.Checkpointer = NewNullCheckpointer()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Workspace == nil {
		base := opts.WorkspaceDir
		if base == "" {
			base = filepath.Join(os.TempDir(), "machine", "workspaces")
		}
		opts.Workspace = func(processID string) string {
			return filepath.Join(base, processID)
		}
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 10 * time.Second
	}
	tasks := make(map[string]Task, len(opts.Tasks))
	for _, task := range opts.Tasks {
		if _, exists := tasks[task.Name()]; exists {
			return nil, fmt.Errorf("duplicate task %q", task.Name())
		}
		tasks[task.Name()] = task
	}
	return &Runtime{
		graph:        opts.Graph,
		tasks:        tasks,
		compiler:     opts.Compiler,
		logger:       opts.Logger,
		listeners:    NewListenerChain(opts.Listeners...),
		interceptor:  newInterceptor(tasks, opts.Policies, opts.CallLogger, opts.Logger),
		checkpointer: opts.Checkpointer,
		workspace:    opts.Workspace,
		heartbeat:    opts.Heartbeat,
		interval:     opts.HeartbeatInterval,
		now:          opts.Now,
		scripts:      map[string]script.Script{},
		templates:    map[string]*script.Template{},
	}, nil
}

// Graph returns the graph executed by the runtime.
func (r *Runtime) Graph() *Graph {
	return r.graph
}

// WorkspaceDir returns the workspace directory of a process.
func (r *Runtime) WorkspaceDir(processID string) string {
	return r.workspace(processID)
}

// Start runs the process until it completes, fails or parks. A fresh state
// is initialized with the main flow on the root thread; a state that was
// suspended, checkpointed or restored continues where it left off.
//
// The returned error reports operational failures, such as a serialization
// fault or a listener aborting the run. Business failures are reported in
// the Outcome.
func (r *Runtime) Start(ctx context.Context, st *State) (*Outcome, error) {
	if st == nil {
		return nil, fmt.Errorf("state is required")
	}
	if st.Status.Terminal() {
		return outcomeOf(st), nil
	}
	if st.Graph != "" && r.graph.Name() != "" && st.Graph != r.graph.Name() {
		return nil, fmt.Errorf("state belongs to graph %q, not %q", st.Graph, r.graph.Name())
	}
	if len(st.Threads) == 0 {
		r.initialize(st)
	}
	workspace := r.workspace(st.ProcessID)
	if err := os.MkdirAll(workspace, 0755); err != nil {
		return nil, fmt.Errorf("failed to create workspace: %w", err)
	}
	m := newVM(r, st, workspace)
	return m.run(ctx)
}

// Resume enqueues an external event and continues the process. Events no
// thread is waiting for stay queued until a suspend step consumes them.
func (r *Runtime) Resume(ctx context.Context, st *State, event string, payload any) (*Outcome, error) {
	if st == nil {
		return nil, fmt.Errorf("state is required")
	}
	if st.Status.Terminal() {
		return nil, fmt.Errorf("process %s %s: %w", st.ProcessID, st.Status, ErrProcessEnded)
	}
	awaited := false
	for _, name := range st.Awaiting() {
		if name == event {
			awaited = true
		}
	}
	if !awaited {
		r.logger.Warn("queueing event no thread is waiting for",
			"process_id", st.ProcessID, "event", event)
	}
	st.Events = append(st.Events, &Event{Name: event, Payload: payload})
	return r.Start(ctx, st)
}

func (r *Runtime) initialize(st *State) {
	steps, _ := r.graph.Flow(MainFlow)
	root := newFrame(FrameRoot, -1, nil)
	root.Out = []string{AllVariables}
	root.push(stepCommands(steps)...)
	st.Graph = r.graph.Name()
	st.NextThreadID = RootThread
	st.newThread(RootThread, MainFlow, root)
}

// outcomeOf describes a state whose process has ended or parked.
func outcomeOf(st *State) *Outcome {
	switch st.Status {
	case ProcessCompleted:
		return &Outcome{Status: OutcomeCompleted, Outputs: copyMap(st.Outputs)}
	case ProcessFailed:
		return &Outcome{Status: OutcomeFailed, Err: st.Err.Err()}
	default:
		return &Outcome{Status: OutcomeSuspended, Events: st.Awaiting()}
	}
}

func (r *Runtime) compile(ctx context.Context, code string) (script.Script, error) {
	r.scriptsMutex.Lock()
	defer r.scriptsMutex.Unlock()
	if s, ok := r.scripts[code]; ok {
		return s, nil
	}
	s, err := r.compiler.Compile(ctx, code)
	if err != nil {
		return nil, err
	}
	r.scripts[code] = s
	return s, nil
}

func (r *Runtime) template(raw string) (*script.Template, error) {
	r.scriptsMutex.Lock()
	defer r.scriptsMutex.Unlock()
	if t, ok := r.templates[raw]; ok {
		return t, nil
	}
	t, err := script.NewTemplate(r.compiler, raw)
	if err != nil {
		return nil, err
	}
	r.templates[raw] = t
	return t, nil
}
