package lease

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresLease implements Lease with session-level advisory locks. Each
// held lease pins one pooled connection until it is released, so the lock
// is dropped automatically if the holder dies.
type PostgresLease struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresPool opens a connection pool suitable for leases.
func NewPostgresPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.MaxConns = 10
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("new pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return pool, nil
}

func NewPostgresLease(pool *pgxpool.Pool, logger *slog.Logger) *PostgresLease {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresLease{pool: pool, logger: logger}
}

func (l *PostgresLease) Acquire(ctx context.Context, key string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	var locked bool
	if err := conn.QueryRow(ctx, "SELECT pg_try_advisory_lock(hashtext($1))", key).Scan(&locked); err != nil {
		conn.Release()
		return nil, fmt.Errorf("try advisory lock: %w", err)
	}
	if !locked {
		conn.Release()
		return nil, ErrHeld
	}
	return func() {
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := conn.Exec(unlockCtx, "SELECT pg_advisory_unlock(hashtext($1))", key); err != nil {
			l.logger.Warn("failed to release advisory lock", "key", key, "error", err)
			// Closing the session drops any lock it still holds
			_ = conn.Conn().Close(unlockCtx)
		}
		conn.Release()
	}, nil
}
