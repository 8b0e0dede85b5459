package machine

import (
	"sort"

	"go.jetify.com/typeid"
)

// NewProcessID returns a new identifier for a process.
func NewProcessID() string {
	id, err := typeid.WithPrefix("proc")
	if err != nil {
		panic(err)
	}
	return id.String()
}

// ProcessStatus represents the status of a process.
type ProcessStatus string

const (
	ProcessPending   ProcessStatus = "pending"
	ProcessRunning   ProcessStatus = "running"
	ProcessSuspended ProcessStatus = "suspended"
	ProcessCompleted ProcessStatus = "completed"
	ProcessFailed    ProcessStatus = "failed"
)

// Terminal reports whether the process has finished.
func (s ProcessStatus) Terminal() bool {
	return s == ProcessCompleted || s == ProcessFailed
}

// Event is an external signal delivered to suspended threads.
type Event struct {
	Name    string
	Payload any
}

// State holds every thread, frame and variable of a process. Together with
// the workspace directory it fully reconstructs a running machine.
type State struct {
	ProcessID    string
	Graph        string
	Status       ProcessStatus
	Threads      map[ThreadID]*Thread
	NextThreadID ThreadID
	Globals      map[string]any
	Events       []*Event
	Inputs       map[string]any
	Outputs      map[string]any
	Commands     int
	Err          *ErrorRecord
	// Sensitive holds the values tasks flagged as sensitive so that
	// telemetry keeps masking them after the process is resumed.
	Sensitive []string
}

// NewState returns the state of a process that has not started yet. The
// inputs seed the global variables.
func NewState(processID string, inputs map[string]any) *State {
	if processID == "" {
		processID = NewProcessID()
	}
	return &State{
		ProcessID: processID,
		Status:    ProcessPending,
		Threads:   map[ThreadID]*Thread{},
		Globals:   copyMap(inputs),
		Inputs:    copyMap(inputs),
		Outputs:   map[string]any{},
	}
}

// Root returns the root thread, or nil before the process has started.
func (s *State) Root() *Thread {
	return s.Threads[RootThread]
}

// ThreadIDs returns the ids of all threads in ascending order.
func (s *State) ThreadIDs() []ThreadID {
	ids := make([]ThreadID, 0, len(s.Threads))
	for id := range s.Threads {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Awaiting returns the distinct event names that parked threads wait for.
func (s *State) Awaiting() []string {
	seen := map[string]bool{}
	var names []string
	for _, id := range s.ThreadIDs() {
		t := s.Threads[id]
		if t.Status != ThreadSuspended {
			continue
		}
		for _, name := range t.Awaiting {
			if !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
		}
	}
	return names
}

// live returns the number of threads that are not terminal.
func (s *State) live() int {
	count := 0
	for _, t := range s.Threads {
		if !t.Status.Terminal() {
			count++
		}
	}
	return count
}

func (s *State) newThread(parent ThreadID, branch string, root *Frame) *Thread {
	t := &Thread{
		ID:     s.NextThreadID,
		Parent: parent,
		Branch: branch,
		Status: ThreadRunnable,
		Frames: []*Frame{root},
	}
	s.NextThreadID++
	s.Threads[t.ID] = t
	return t
}

// lookup resolves a variable for a thread: innermost frame first, then the
// global variables.
func (s *State) lookup(t *Thread, name string) (any, bool) {
	for i := len(t.Frames) - 1; i >= 0; i-- {
		if v, ok := t.Frames[i].Vars[name]; ok {
			return v, true
		}
	}
	v, ok := s.Globals[name]
	return v, ok
}

// visible returns every variable a thread can see, with inner frames
// shadowing outer ones and frames shadowing globals.
func (s *State) visible(t *Thread) map[string]any {
	result := copyMap(s.Globals)
	for _, f := range t.Frames {
		for k, v := range f.Vars {
			result[k] = v
		}
	}
	return result
}
