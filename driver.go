package machine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/deepnoodle-ai/machine/lease"
	"github.com/deepnoodle-ai/machine/store"
)

// DriverOptions configures a Driver.
type DriverOptions struct {
	// Runtime configures the runtime the driver runs processes with. The
	// Checkpointer is replaced by one writing to the driver's Store. When
	// the Persister exposes WorkspaceDir, processes run directly in their
	// persisted workspace.
	Runtime RuntimeOptions

	Persister Persister
	Store     store.Store

	// Lease guarantees one live loop per process. Defaults to an in-memory
	// lease, which only protects against concurrent runs in this process.
	Lease  lease.Lease
	Logger *slog.Logger
}

// Driver hosts processes across restarts. Every run is bracketed by loading
// the process from the Store and saving it back, together with a suspend
// marker listing the events a parked process waits for.
type Driver struct {
	runtime      *Runtime
	persister    Persister
	store        store.Store
	lease        lease.Lease
	checkpointer Checkpointer
	logger       *slog.Logger
}

type workspaceLocator interface {
	WorkspaceDir(processID string) string
}

// NewDriver creates a Driver.
func NewDriver(opts DriverOptions) (*Driver, error) {
	if opts.Persister == nil {
		return nil, fmt.Errorf("persister is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if opts.Lease == nil {
		opts.Lease = lease.NewMemoryLease()
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	checkpointer := NewArchiveCheckpointer(opts.Persister, opts.Store)
	rtOpts := opts.Runtime
	rtOpts.Checkpointer = checkpointer
	if rtOpts.Logger == nil {
		rtOpts.Logger = opts.Logger
	}
	if locator, ok := opts.Persister.(workspaceLocator); ok && rtOpts.Workspace == nil {
		rtOpts.Workspace = locator.WorkspaceDir
	}
	runtime, err := NewRuntime(rtOpts)
	if err != nil {
		return nil, err
	}
	return &Driver{
		runtime:      runtime,
		persister:    opts.Persister,
		store:        opts.Store,
		lease:        opts.Lease,
		checkpointer: checkpointer,
		logger:       opts.Logger,
	}, nil
}

// Runtime returns the runtime used by the driver.
func (d *Driver) Runtime() *Runtime {
	return d.runtime
}

// Start begins a new process. An empty processID is generated.
func (d *Driver) Start(ctx context.Context, processID string, inputs map[string]any) (string, *Outcome, error) {
	if processID == "" {
		processID = NewProcessID()
	}
	var outcome *Outcome
	err := d.withLease(ctx, processID, func() error {
		if _, err := d.store.GetState(ctx, processID); err == nil {
			return fmt.Errorf("process %s already exists", processID)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		st := NewState(processID, inputs)
		var err error
		outcome, err = d.run(ctx, st, func() (*Outcome, error) {
			return d.runtime.Start(ctx, st)
		})
		return err
	})
	return processID, outcome, err
}

// Resume delivers an event to a suspended process and runs it until it
// completes, fails or parks again.
func (d *Driver) Resume(ctx context.Context, processID, event string, payload any) (*Outcome, error) {
	var outcome *Outcome
	err := d.withLease(ctx, processID, func() error {
		st, err := d.Load(ctx, processID)
		if err != nil {
			return err
		}
		outcome, err = d.run(ctx, st, func() (*Outcome, error) {
			return d.runtime.Resume(ctx, st, event, payload)
		})
		return err
	})
	return outcome, err
}

// Continue runs a saved process from where it stopped, for example after a
// Restore or after the host died mid-run.
func (d *Driver) Continue(ctx context.Context, processID string) (*Outcome, error) {
	var outcome *Outcome
	err := d.withLease(ctx, processID, func() error {
		st, err := d.Load(ctx, processID)
		if err != nil {
			return err
		}
		outcome, err = d.run(ctx, st, func() (*Outcome, error) {
			return d.runtime.Start(ctx, st)
		})
		return err
	})
	return outcome, err
}

// Restore rewinds a process to a named checkpoint. The current state and
// workspace are discarded; the next Continue resumes after the checkpoint
// step.
func (d *Driver) Restore(ctx context.Context, processID, name string) error {
	return d.withLease(ctx, processID, func() error {
		st, workspace, err := d.checkpointer.RestoreCheckpoint(ctx, processID, name)
		if err != nil {
			return err
		}
		d.logger.Info("process restored", "process_id", processID, "checkpoint", name)
		return d.save(ctx, st, workspace)
	})
}

// Checkpoints lists the checkpoints of a process, oldest first.
func (d *Driver) Checkpoints(ctx context.Context, processID string) ([]store.CheckpointInfo, error) {
	return d.checkpointer.ListCheckpoints(ctx, processID)
}

// Suspended lists the parked processes and the events they wait for.
func (d *Driver) Suspended(ctx context.Context) ([]store.Marker, error) {
	return d.store.ListMarkers(ctx)
}

// Load returns the saved state of a process.
func (d *Driver) Load(ctx context.Context, processID string) (*State, error) {
	data, err := d.store.GetState(ctx, processID)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", processID, err)
	}
	token, err := d.persister.Restore(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	st, _, err := d.persister.Load(ctx, token)
	if err != nil {
		return nil, err
	}
	if st.ProcessID != processID {
		return nil, fmt.Errorf("stored state belongs to process %s, not %s", st.ProcessID, processID)
	}
	return st, nil
}

// Delete removes a process and all of its checkpoints.
func (d *Driver) Delete(ctx context.Context, processID string) error {
	return d.withLease(ctx, processID, func() error {
		return d.store.Delete(ctx, processID)
	})
}

func (d *Driver) withLease(ctx context.Context, processID string, fn func() error) error {
	release, err := d.lease.Acquire(ctx, processID)
	if err != nil {
		return fmt.Errorf("process %s: %w", processID, err)
	}
	defer release()
	return fn()
}

// run executes a step of the process and saves the resulting state. State
// left behind by an aborted run is saved too, unless it could not be
// captured in the first place.
func (d *Driver) run(ctx context.Context, st *State, fn func() (*Outcome, error)) (*Outcome, error) {
	outcome, err := fn()
	var fault *SerializationFault
	if errors.As(err, &fault) {
		return nil, err
	}
	// The run context may be cancelled; saving must still succeed.
	saveCtx := context.WithoutCancel(ctx)
	if saveErr := d.save(saveCtx, st, d.runtime.WorkspaceDir(st.ProcessID)); saveErr != nil {
		return nil, errors.Join(err, saveErr)
	}
	return outcome, err
}

func (d *Driver) save(ctx context.Context, st *State, workspace string) error {
	token, err := d.persister.Save(ctx, st, workspace)
	if err != nil {
		return err
	}
	var archive bytes.Buffer
	if err := d.persister.Archive(ctx, token, &archive); err != nil {
		return err
	}
	if err := d.store.PutState(ctx, st.ProcessID, archive.Bytes()); err != nil {
		return err
	}
	if st.Status == ProcessSuspended {
		return d.store.PutMarker(ctx, store.Marker{
			ProcessID:   st.ProcessID,
			Events:      st.Awaiting(),
			SuspendedAt: d.runtime.now(),
		})
	}
	return d.store.DeleteMarker(ctx, st.ProcessID)
}
