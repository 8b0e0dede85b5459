package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/machine/retry"
	"github.com/deepnoodle-ai/machine/store"
)

// Checkpointer stores named snapshots of a running process.
type Checkpointer interface {
	// SaveCheckpoint captures the state and workspace under a name. A
	// checkpoint with the same name is overwritten.
	SaveCheckpoint(ctx context.Context, st *State, name, workspaceDir string) error

	// RestoreCheckpoint discards the current saved state and workspace of a
	// process and replaces them with the named checkpoint. It returns the
	// restored state and its workspace directory.
	RestoreCheckpoint(ctx context.Context, processID, name string) (*State, string, error)

	// ListCheckpoints returns the checkpoints of a process, oldest first.
	ListCheckpoints(ctx context.Context, processID string) ([]store.CheckpointInfo, error)

	// DeleteCheckpoints removes everything saved for a process.
	DeleteCheckpoints(ctx context.Context, processID string) error
}

// NullCheckpointer is a no-op implementation
type NullCheckpointer struct{}

func NewNullCheckpointer() *NullCheckpointer {
	return &NullCheckpointer{}
}

func (c *NullCheckpointer) SaveCheckpoint(ctx context.Context, st *State, name, workspaceDir string) error {
	return nil
}

func (c *NullCheckpointer) RestoreCheckpoint(ctx context.Context, processID, name string) (*State, string, error) {
	return nil, "", fmt.Errorf("checkpoint %q of process %s: %w", name, processID, store.ErrNotFound)
}

func (c *NullCheckpointer) ListCheckpoints(ctx context.Context, processID string) ([]store.CheckpointInfo, error) {
	return []store.CheckpointInfo{}, nil
}

func (c *NullCheckpointer) DeleteCheckpoints(ctx context.Context, processID string) error {
	return nil
}

// ArchiveCheckpointer packs state and workspace into one archive with a
// Persister and uploads it to a Store. Uploads are retried on recoverable
// errors.
type ArchiveCheckpointer struct {
	persister Persister
	store     store.Store
	retries   int
	wait      time.Duration
}

// NewArchiveCheckpointer creates an ArchiveCheckpointer.
func NewArchiveCheckpointer(persister Persister, s store.Store) *ArchiveCheckpointer {
	return &ArchiveCheckpointer{persister: persister, store: s, retries: 3, wait: 100 * time.Millisecond}
}

func (c *ArchiveCheckpointer) SaveCheckpoint(ctx context.Context, st *State, name, workspaceDir string) error {
	token, err := c.persister.Save(ctx, st, workspaceDir)
	if err != nil {
		return checkpointFault(err)
	}
	var archive bytes.Buffer
	if err := c.persister.Archive(ctx, token, &archive); err != nil {
		return checkpointFault(err)
	}
	err = retry.Do(ctx, func() error {
		return c.store.PutCheckpoint(ctx, st.ProcessID, name, archive.Bytes())
	}, retry.WithMaxRetries(c.retries), retry.WithBaseWait(c.wait))
	if err != nil {
		return fmt.Errorf("failed to upload checkpoint %q: %w", name, err)
	}
	return nil
}

func (c *ArchiveCheckpointer) RestoreCheckpoint(ctx context.Context, processID, name string) (*State, string, error) {
	data, err := c.store.GetCheckpoint(ctx, processID, name)
	if err != nil {
		return nil, "", fmt.Errorf("checkpoint %q of process %s: %w", name, processID, err)
	}
	token, err := c.persister.Restore(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, "", err
	}
	st, workspace, err := c.persister.Load(ctx, token)
	if err != nil {
		return nil, "", err
	}
	if st.ProcessID != processID {
		return nil, "", fmt.Errorf("checkpoint %q belongs to process %s, not %s", name, st.ProcessID, processID)
	}
	return st, workspace, nil
}

func (c *ArchiveCheckpointer) ListCheckpoints(ctx context.Context, processID string) ([]store.CheckpointInfo, error) {
	return c.store.ListCheckpoints(ctx, processID)
}

func (c *ArchiveCheckpointer) DeleteCheckpoints(ctx context.Context, processID string) error {
	return c.store.Delete(ctx, processID)
}

// checkpointFault reports failures to capture state as serialization
// faults so the run aborts instead of continuing without its checkpoint.
func checkpointFault(err error) error {
	var fault *SerializationFault
	if errors.As(err, &fault) {
		return err
	}
	return &SerializationFault{Op: "checkpoint", Err: err}
}

// execCheckpoint saves a named checkpoint. The saved state resumes after
// this step.
func (m *vm) execCheckpoint(ctx context.Context, t *Thread, step *Step) error {
	if m.st.live() > 1 {
		return ErrCheckpointInParallel
	}
	name := step.Checkpoint
	if name == "" {
		name = step.Name
	}
	if err := m.rt.checkpointer.SaveCheckpoint(ctx, m.st, name, m.workspace); err != nil {
		return err
	}
	m.logger.Info("checkpoint saved", "thread", t.ID, "checkpoint", name)
	return nil
}
