package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/deepnoodle-ai/machine"
	"github.com/deepnoodle-ai/machine/lease"
	"github.com/deepnoodle-ai/machine/store"
	"github.com/deepnoodle-ai/machine/tasks"
)

// config holds the global flags and the resources opened from them.
type config struct {
	Store       string
	DataDir     string
	LeaseDSN    string
	GraphFile   string
	Verbose     bool
	JSON        bool
	MaxCommands int

	logger  *slog.Logger
	closers []func()
}

func (c *config) log() *slog.Logger {
	if c.logger == nil {
		if c.Verbose {
			c.logger = machine.NewTextLogger(os.Stderr, slog.LevelDebug)
		} else {
			c.logger = machine.NewLoggerFromEnv(os.Stderr)
		}
	}
	return c.logger
}

func (c *config) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
	c.closers = nil
}

func (c *config) dataDir() (string, error) {
	if c.DataDir != "" {
		return c.DataDir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".machine"), nil
}

// openStore opens the store named by --store.
func (c *config) openStore(ctx context.Context) (store.Store, error) {
	dir, err := c.dataDir()
	if err != nil {
		return nil, err
	}
	var s store.Store
	switch {
	case c.Store == "" || c.Store == "file":
		s, err = store.NewFileStore(filepath.Join(dir, "processes"))
	case c.Store == "memory":
		s = store.NewMemoryStore()
	case strings.HasPrefix(c.Store, "sqlite:"):
		path := strings.TrimPrefix(strings.TrimPrefix(c.Store, "sqlite:"), "//")
		if path == "" {
			path = filepath.Join(dir, "machine.db")
		}
		s, err = store.OpenSQLStore(ctx, store.DialectSQLite, path)
	case strings.HasPrefix(c.Store, "postgres://"), strings.HasPrefix(c.Store, "postgresql://"):
		s, err = store.OpenSQLStore(ctx, store.DialectPostgres, c.Store)
	case strings.HasPrefix(c.Store, "mysql://"):
		s, err = store.OpenSQLStore(ctx, store.DialectMySQL, strings.TrimPrefix(c.Store, "mysql://"))
	default:
		return nil, fmt.Errorf("unsupported store %q", c.Store)
	}
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, func() { s.Close() })
	return s, nil
}

func (c *config) openPersister() (*machine.FilePersister, error) {
	dir, err := c.dataDir()
	if err != nil {
		return nil, err
	}
	return machine.NewFilePersister(machine.PersisterOptions{Dir: filepath.Join(dir, "workspaces")})
}

func (c *config) openLease(ctx context.Context) (lease.Lease, error) {
	if c.LeaseDSN == "" {
		return lease.NewMemoryLease(), nil
	}
	pool, err := lease.NewPostgresPool(ctx, c.LeaseDSN)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, pool.Close)
	return lease.NewPostgresLease(pool, c.log()), nil
}

func (c *config) callLogger() (*machine.FileCallLogger, error) {
	dir, err := c.dataDir()
	if err != nil {
		return nil, err
	}
	return machine.NewFileCallLogger(filepath.Join(dir, "calls")), nil
}

// driver builds a Driver for the graph given with --graph.
func (c *config) driver(ctx context.Context, listeners ...machine.Listener) (*machine.Driver, error) {
	if err := requireGraph(c); err != nil {
		return nil, err
	}
	graph, err := machine.LoadFile(c.GraphFile)
	if err != nil {
		return nil, err
	}
	s, err := c.openStore(ctx)
	if err != nil {
		return nil, err
	}
	persister, err := c.openPersister()
	if err != nil {
		return nil, err
	}
	l, err := c.openLease(ctx)
	if err != nil {
		return nil, err
	}
	callLogger, err := c.callLogger()
	if err != nil {
		return nil, err
	}
	listeners = append([]machine.Listener{machine.NewLoggingListener(c.log())}, listeners...)
	if c.MaxCommands > 0 {
		listeners = append(listeners, &machine.CommandLimit{Max: c.MaxCommands})
	}
	return machine.NewDriver(machine.DriverOptions{
		Runtime: machine.RuntimeOptions{
			Graph:      graph,
			Tasks:      tasks.All(tasks.Options{Output: os.Stdout}),
			Listeners:  listeners,
			CallLogger: callLogger,
		},
		Persister: persister,
		Store:     s,
		Lease:     l,
		Logger:    c.log(),
	})
}

// loadState reads the saved state of a process without a graph.
func (c *config) loadState(ctx context.Context, processID string) (*machine.State, error) {
	s, err := c.openStore(ctx)
	if err != nil {
		return nil, err
	}
	persister, err := c.openPersister()
	if err != nil {
		return nil, err
	}
	data, err := s.GetState(ctx, processID)
	if err != nil {
		return nil, fmt.Errorf("process %s: %w", processID, err)
	}
	token, err := persister.Restore(ctx, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	st, _, err := persister.Load(ctx, token)
	return st, err
}
