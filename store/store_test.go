package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// testStore exercises the behaviour every Store implementation shares.
func testStore(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("state", func(t *testing.T) {
		_, err := s.GetState(ctx, "proc-missing")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.PutState(ctx, "proc-1", []byte("first")))
		require.NoError(t, s.PutState(ctx, "proc-1", []byte("second")))
		data, err := s.GetState(ctx, "proc-1")
		require.NoError(t, err)
		require.Equal(t, []byte("second"), data)
	})

	t.Run("checkpoints", func(t *testing.T) {
		_, err := s.GetCheckpoint(ctx, "proc-2", "before")
		require.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, s.PutCheckpoint(ctx, "proc-2", "before", []byte("aaa")))
		time.Sleep(5 * time.Millisecond)
		require.NoError(t, s.PutCheckpoint(ctx, "proc-2", "after/review", []byte("bbbb")))

		data, err := s.GetCheckpoint(ctx, "proc-2", "after/review")
		require.NoError(t, err)
		require.Equal(t, []byte("bbbb"), data)

		list, err := s.ListCheckpoints(ctx, "proc-2")
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, "before", list[0].Name)
		require.Equal(t, int64(3), list[0].Size)
		require.Equal(t, "after/review", list[1].Name)
		require.Equal(t, "proc-2", list[1].ProcessID)

		// Names are unique per process
		require.NoError(t, s.PutCheckpoint(ctx, "proc-2", "before", []byte("c")))
		data, err = s.GetCheckpoint(ctx, "proc-2", "before")
		require.NoError(t, err)
		require.Equal(t, []byte("c"), data)
		list, err = s.ListCheckpoints(ctx, "proc-2")
		require.NoError(t, err)
		require.Len(t, list, 2)

		empty, err := s.ListCheckpoints(ctx, "proc-none")
		require.NoError(t, err)
		require.Empty(t, empty)
	})

	t.Run("markers", func(t *testing.T) {
		_, err := s.GetMarker(ctx, "proc-3")
		require.ErrorIs(t, err, ErrNotFound)

		at := time.Unix(1700000000, 0)
		require.NoError(t, s.PutMarker(ctx, Marker{ProcessID: "proc-3", Events: []string{"approval", "form:review"}, SuspendedAt: at}))
		require.NoError(t, s.PutMarker(ctx, Marker{ProcessID: "proc-4", Events: []string{"webhook"}, SuspendedAt: at}))

		marker, err := s.GetMarker(ctx, "proc-3")
		require.NoError(t, err)
		require.Equal(t, []string{"approval", "form:review"}, marker.Events)
		require.True(t, at.Equal(marker.SuspendedAt))

		markers, err := s.ListMarkers(ctx)
		require.NoError(t, err)
		require.Len(t, markers, 2)
		require.Equal(t, "proc-3", markers[0].ProcessID)
		require.Equal(t, "proc-4", markers[1].ProcessID)

		require.NoError(t, s.DeleteMarker(ctx, "proc-3"))
		require.NoError(t, s.DeleteMarker(ctx, "proc-3"))
		_, err = s.GetMarker(ctx, "proc-3")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, s.PutState(ctx, "proc-5", []byte("state")))
		require.NoError(t, s.PutCheckpoint(ctx, "proc-5", "cp", []byte("archive")))
		require.NoError(t, s.PutMarker(ctx, Marker{ProcessID: "proc-5", Events: []string{"go"}}))

		require.NoError(t, s.Delete(ctx, "proc-5"))

		_, err := s.GetState(ctx, "proc-5")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetCheckpoint(ctx, "proc-5", "cp")
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetMarker(ctx, "proc-5")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func TestFileStore(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	testStore(t, s)
}

func TestSQLiteStore(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLStore(ctx, DialectSQLite, filepath.Join(t.TempDir(), "machine.db"))
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestSQLiteStoreReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "machine.db")

	s, err := OpenSQLStore(ctx, DialectSQLite, path)
	require.NoError(t, err)
	require.NoError(t, s.PutState(ctx, "proc-1", []byte("persisted")))
	require.NoError(t, s.Close())

	s, err = OpenSQLStore(ctx, DialectSQLite, path)
	require.NoError(t, err)
	defer s.Close()
	data, err := s.GetState(ctx, "proc-1")
	require.NoError(t, err)
	require.Equal(t, []byte("persisted"), data)
}

func TestPostgresStore(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}
	ctx := context.Background()
	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("machine"),
		postgres.WithUsername("machine"),
		postgres.WithPassword("machine"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := OpenSQLStore(ctx, DialectPostgres, dsn)
	require.NoError(t, err)
	defer s.Close()
	testStore(t, s)
}

func TestMySQLStore(t *testing.T) {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		t.Skip("set MYSQL_DSN to run the mysql store test")
	}
	ctx := context.Background()
	s, err := OpenSQLStore(ctx, DialectMySQL, dsn)
	require.NoError(t, err)
	defer s.Close()
	for _, id := range []string{"proc-1", "proc-2", "proc-3", "proc-4", "proc-5"} {
		require.NoError(t, s.Delete(ctx, id))
	}
	testStore(t, s)
}

func TestDialectRebind(t *testing.T) {
	query := "SELECT a FROM t WHERE b = ? AND c = ?"
	require.Equal(t, query, DialectSQLite.rebind(query))
	require.Equal(t, query, DialectMySQL.rebind(query))
	require.Equal(t, "SELECT a FROM t WHERE b = $1 AND c = $2", DialectPostgres.rebind(query))
}

func TestOpenSQLStoreRejectsUnknownDialect(t *testing.T) {
	_, err := OpenSQLStore(context.Background(), Dialect("oracle"), "")
	require.ErrorContains(t, err, "unsupported sql dialect")
}
