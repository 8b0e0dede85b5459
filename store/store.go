// Package store persists process state blobs, checkpoint archives and
// suspend markers. Blobs are opaque to the store; encoding is the concern of
// the machine package.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested process, checkpoint or marker
// does not exist.
var ErrNotFound = errors.New("not found")

// CheckpointInfo describes a stored checkpoint archive.
type CheckpointInfo struct {
	ProcessID string    `json:"process_id"`
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Marker records that a process is parked and the events that resume it.
type Marker struct {
	ProcessID   string    `json:"process_id"`
	Events      []string  `json:"events"`
	SuspendedAt time.Time `json:"suspended_at"`
}

// Store provides persistence for process state.
//
// Implementations:
//   - MemoryStore for tests and single-process hosts
//   - FileStore for a local data directory
//   - SQLStore for SQLite, Postgres and MySQL
type Store interface {
	// PutState saves the latest state blob of a process, replacing any
	// previous one.
	PutState(ctx context.Context, processID string, data []byte) error

	// GetState returns the latest state blob of a process.
	GetState(ctx context.Context, processID string) ([]byte, error)

	// PutCheckpoint saves a checkpoint archive. A checkpoint with the same
	// name is overwritten.
	PutCheckpoint(ctx context.Context, processID, name string, data []byte) error

	// GetCheckpoint returns a checkpoint archive.
	GetCheckpoint(ctx context.Context, processID, name string) ([]byte, error)

	// ListCheckpoints returns the checkpoints of a process, oldest first.
	ListCheckpoints(ctx context.Context, processID string) ([]CheckpointInfo, error)

	// PutMarker records that a process is suspended.
	PutMarker(ctx context.Context, marker Marker) error

	// GetMarker returns the suspend marker of a process.
	GetMarker(ctx context.Context, processID string) (Marker, error)

	// DeleteMarker removes the suspend marker of a process. Removing a
	// missing marker is not an error.
	DeleteMarker(ctx context.Context, processID string) error

	// ListMarkers returns every suspended process, ordered by process id.
	ListMarkers(ctx context.Context) ([]Marker, error)

	// Delete removes everything stored for a process.
	Delete(ctx context.Context, processID string) error

	Close() error
}
