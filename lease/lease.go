// Package lease guarantees that a process state is owned by at most one
// live run loop at a time.
package lease

import (
	"context"
	"errors"
	"sync"
)

// ErrHeld is returned when another owner holds the lease.
var ErrHeld = errors.New("lease is held by another owner")

// Lease grants exclusive ownership of a key.
type Lease interface {
	// Acquire takes the lease on key without waiting. It returns ErrHeld if
	// the key is already owned. The returned function releases the lease.
	Acquire(ctx context.Context, key string) (release func(), err error)
}

// MemoryLease is a Lease local to the current process.
type MemoryLease struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewMemoryLease() *MemoryLease {
	return &MemoryLease{held: map[string]bool{}}
}

func (l *MemoryLease) Acquire(ctx context.Context, key string) (func(), error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, ErrHeld
	}
	l.held[key] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, key)
			l.mu.Unlock()
		})
	}, nil
}
