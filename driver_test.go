package machine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/machine/lease"
	"github.com/deepnoodle-ai/machine/store"
)

// writeTask writes its "content" input to a file in the workspace and
// returns the number of times it has been called.
type writeTask struct {
	calls int
}

func (w *writeTask) Name() string {
	return "write"
}

func (w *writeTask) Execute(ctx Context, input map[string]any) (*TaskResult, error) {
	w.calls++
	content, _ := input["content"].(string)
	if err := os.WriteFile(filepath.Join(ctx.Workspace(), "progress.txt"), []byte(content), 0644); err != nil {
		return nil, err
	}
	return Success(w.calls), nil
}

const checkpointGraph = `
name: checkpointed
steps:
  - kind: task
    task: write
    input:
      content: one
    output: first
  - kind: checkpoint
    checkpoint: after-first
  - kind: task
    task: write
    input:
      content: two
    output: second
  - kind: suspend
    events: [finish]
`

func newTestDriver(t *testing.T, source string, tasks ...Task) (*Driver, *FilePersister, *store.MemoryStore) {
	t.Helper()
	persister, err := NewFilePersister(PersisterOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	s := store.NewMemoryStore()
	driver, err := NewDriver(DriverOptions{
		Runtime:   RuntimeOptions{Graph: loadGraph(t, source), Tasks: tasks},
		Persister: persister,
		Store:     s,
	})
	require.NoError(t, err)
	return driver, persister, s
}

func readProgress(t *testing.T, persister *FilePersister, processID string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(persister.WorkspaceDir(processID), "progress.txt"))
	require.NoError(t, err)
	return string(data)
}

func TestDriverCheckpointRestore(t *testing.T) {
	task := &writeTask{}
	driver, persister, s := newTestDriver(t, checkpointGraph, task)
	ctx := context.Background()

	id, outcome, err := driver.Start(ctx, "order-1", nil)
	require.NoError(t, err)
	require.Equal(t, "order-1", id)
	require.Equal(t, OutcomeSuspended, outcome.Status)
	require.Equal(t, 2, task.calls)
	require.Equal(t, "two", readProgress(t, persister, id))

	checkpoints, err := driver.Checkpoints(ctx, id)
	require.NoError(t, err)
	require.Len(t, checkpoints, 1)
	require.Equal(t, "after-first", checkpoints[0].Name)

	marker, err := s.GetMarker(ctx, id)
	require.NoError(t, err)
	require.Equal(t, []string{"finish"}, marker.Events)

	// Rewind: the workspace and variables return to the checkpoint.
	require.NoError(t, driver.Restore(ctx, id, "after-first"))
	require.Equal(t, "one", readProgress(t, persister, id))
	st, err := driver.Load(ctx, id)
	require.NoError(t, err)
	require.Equal(t, ProcessRunning, st.Status)
	require.Equal(t, 1, st.Root().Frames[0].Vars["first"])
	require.NotContains(t, st.Root().Frames[0].Vars, "second")
	_, err = s.GetMarker(ctx, id)
	require.ErrorIs(t, err, store.ErrNotFound)

	// Continue runs from the step after the checkpoint.
	outcome, err = driver.Continue(ctx, id)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuspended, outcome.Status)
	require.Equal(t, 3, task.calls)
	require.Equal(t, "two", readProgress(t, persister, id))

	outcome, err = driver.Resume(ctx, id, "finish", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeCompleted, outcome.Status)
	require.Equal(t, 1, outcome.Outputs["first"])
	require.Equal(t, 3, outcome.Outputs["second"])

	suspended, err := driver.Suspended(ctx)
	require.NoError(t, err)
	require.Empty(t, suspended)

	_, err = driver.Resume(ctx, id, "finish", nil)
	require.ErrorIs(t, err, ErrProcessEnded)
}

func TestDriverStartTwice(t *testing.T) {
	driver, _, _ := newTestDriver(t, checkpointGraph, &writeTask{})
	ctx := context.Background()

	_, _, err := driver.Start(ctx, "dup", nil)
	require.NoError(t, err)
	_, _, err = driver.Start(ctx, "dup", nil)
	require.Error(t, err)
	require.Contains(t, err.Error(), "already exists")
}

func TestDriverGeneratesProcessID(t *testing.T) {
	driver, _, _ := newTestDriver(t, `
steps:
  - kind: set
    set:
      ok: true
`)
	id, outcome, err := driver.Start(context.Background(), "", nil)
	require.NoError(t, err)
	require.Contains(t, id, "proc_")
	require.Equal(t, OutcomeCompleted, outcome.Status)
}

func TestDriverUnknownProcess(t *testing.T) {
	driver, _, _ := newTestDriver(t, checkpointGraph, &writeTask{})
	ctx := context.Background()

	_, err := driver.Resume(ctx, "missing", "finish", nil)
	require.ErrorIs(t, err, store.ErrNotFound)
	_, err = driver.Continue(ctx, "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	err = driver.Restore(ctx, "missing", "after-first")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestDriverDelete(t *testing.T) {
	driver, _, _ := newTestDriver(t, checkpointGraph, &writeTask{})
	ctx := context.Background()

	_, _, err := driver.Start(ctx, "gone", nil)
	require.NoError(t, err)
	require.NoError(t, driver.Delete(ctx, "gone"))
	_, err = driver.Load(ctx, "gone")
	require.ErrorIs(t, err, store.ErrNotFound)
	checkpoints, err := driver.Checkpoints(ctx, "gone")
	require.NoError(t, err)
	require.Empty(t, checkpoints)
}

func TestDriverLeaseHeld(t *testing.T) {
	persister, err := NewFilePersister(PersisterOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	l := lease.NewMemoryLease()
	driver, err := NewDriver(DriverOptions{
		Runtime:   RuntimeOptions{Graph: loadGraph(t, checkpointGraph), Tasks: []Task{&writeTask{}}},
		Persister: persister,
		Store:     store.NewMemoryStore(),
		Lease:     l,
	})
	require.NoError(t, err)

	ctx := context.Background()
	release, err := l.Acquire(ctx, "busy")
	require.NoError(t, err)

	_, _, err = driver.Start(ctx, "busy", nil)
	require.ErrorIs(t, err, lease.ErrHeld)

	release()
	_, outcome, err := driver.Start(ctx, "busy", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeSuspended, outcome.Status)
}

func TestDriverFailedProcessIsSaved(t *testing.T) {
	driver, _, s := newTestDriver(t, `
steps:
  - kind: throw
    expr: broken
`)
	ctx := context.Background()

	_, outcome, err := driver.Start(ctx, "bad", nil)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome.Status)

	st, err := driver.Load(ctx, "bad")
	require.NoError(t, err)
	require.Equal(t, ProcessFailed, st.Status)
	require.Contains(t, st.Err.Err().Error(), "broken")
	_, err = s.GetMarker(ctx, "bad")
	require.True(t, errors.Is(err, store.ErrNotFound))
}

func TestDriverRequiresDependencies(t *testing.T) {
	_, err := NewDriver(DriverOptions{Store: store.NewMemoryStore()})
	require.Error(t, err)
	persister, err := NewFilePersister(PersisterOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	_, err = NewDriver(DriverOptions{Persister: persister})
	require.Error(t, err)
}
