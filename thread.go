package machine

import (
	"fmt"
	"time"
)

// ThreadID identifies a logical thread within a process. The root thread
// is always 0.
type ThreadID int

// RootThread is the id of the thread that runs the main flow.
const RootThread ThreadID = 0

func (id ThreadID) String() string {
	return fmt.Sprintf("t%d", int(id))
}

// ThreadStatus represents the scheduling status of a thread.
type ThreadStatus string

const (
	ThreadRunnable  ThreadStatus = "runnable"
	ThreadSuspended ThreadStatus = "suspended"
	ThreadJoining   ThreadStatus = "joining"
	ThreadDone      ThreadStatus = "done"
	ThreadFailed    ThreadStatus = "failed"
)

// Terminal reports whether the status is final.
func (s ThreadStatus) Terminal() bool {
	return s == ThreadDone || s == ThreadFailed
}

// Join tracks the children forked by a parallel step or parallel loop.
type Join struct {
	Step int

	// Limit bounds the number of live children. Zero means unbounded.
	Limit int

	// Queued holds the root frames of children not yet admitted, with the
	// branch names in QueuedNames.
	Queued      []*Frame
	QueuedNames []string

	// Children lists admitted children in declaration order.
	Children []ThreadID

	// Collect is true when child results are gathered into a list.
	Collect bool

	// Failed stops further admissions once a child has failed.
	Failed bool
}

// Thread is a logical unit of concurrency owning a stack of frames.
type Thread struct {
	ID       ThreadID
	Parent   ThreadID
	Branch   string
	Status   ThreadStatus
	Frames   []*Frame
	Awaiting []string
	WakeAt   time.Time
	Join     *Join
	Result   map[string]any
	Err      *ErrorRecord
}

// top returns the innermost frame, or nil for a thread with no frames.
func (t *Thread) top() *Frame {
	if len(t.Frames) == 0 {
		return nil
	}
	return t.Frames[len(t.Frames)-1]
}

func (t *Thread) pushFrame(f *Frame) {
	t.Frames = append(t.Frames, f)
}

func (t *Thread) popFrame() *Frame {
	f := t.top()
	if f != nil {
		t.Frames = t.Frames[:len(t.Frames)-1]
	}
	return f
}

// awaits reports whether the thread is parked on the named event.
func (t *Thread) awaits(event string) bool {
	if t.Status != ThreadSuspended {
		return false
	}
	for _, name := range t.Awaiting {
		if name == event {
			return true
		}
	}
	return false
}

// finish marks the thread done and releases its frames.
func (t *Thread) finish(result map[string]any) {
	t.Status = ThreadDone
	t.Result = result
	t.Frames = nil
	t.Awaiting = nil
	t.WakeAt = time.Time{}
}

// fail marks the thread failed and releases its frames.
func (t *Thread) fail(err error) {
	t.Status = ThreadFailed
	t.Err = newErrorRecord(err)
	t.Frames = nil
	t.Awaiting = nil
	t.Join = nil
	t.WakeAt = time.Time{}
}
