package machine

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeWorkspace(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func TestFilePersisterSaveLoad(t *testing.T) {
	persister, err := NewFilePersister(PersisterOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	workspace := t.TempDir()
	writeWorkspace(t, workspace, map[string]string{
		"report.txt":      "draft",
		"data/items.json": "[1,2]",
	})

	st := NewState("proc-a", map[string]any{"n": 1})
	token, err := persister.Save(ctx, st, workspace)
	require.NoError(t, err)
	require.Equal(t, Token("proc-a"), token)

	loaded, dir, err := persister.Load(ctx, token)
	require.NoError(t, err)
	require.Equal(t, "proc-a", loaded.ProcessID)
	require.Equal(t, 1, loaded.Inputs["n"])
	require.Equal(t, persister.WorkspaceDir("proc-a"), dir)

	data, err := os.ReadFile(filepath.Join(dir, "data", "items.json"))
	require.NoError(t, err)
	require.Equal(t, "[1,2]", string(data))

	// Saving from the persister's own workspace does not copy it.
	writeWorkspace(t, dir, map[string]string{"report.txt": "final"})
	_, err = persister.Save(ctx, loaded, dir)
	require.NoError(t, err)
	data, err = os.ReadFile(filepath.Join(dir, "report.txt"))
	require.NoError(t, err)
	require.Equal(t, "final", string(data))

	_, _, err = persister.Load(ctx, "unknown")
	require.Error(t, err)
}

func TestFilePersisterArchiveRestore(t *testing.T) {
	persister, err := NewFilePersister(PersisterOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	workspace := persister.WorkspaceDir("proc-b")
	writeWorkspace(t, workspace, map[string]string{"notes/a.txt": "first"})
	st := NewState("proc-b", nil)
	st.Globals["stage"] = "one"
	token, err := persister.Save(ctx, st, workspace)
	require.NoError(t, err)

	var archive bytes.Buffer
	require.NoError(t, persister.Archive(ctx, token, &archive))

	// Move on, then restore the archive.
	writeWorkspace(t, workspace, map[string]string{"notes/a.txt": "second", "extra.txt": "new"})
	st.Globals["stage"] = "two"
	_, err = persister.Save(ctx, st, workspace)
	require.NoError(t, err)

	restored, err := persister.Restore(ctx, bytes.NewReader(archive.Bytes()))
	require.NoError(t, err)
	require.Equal(t, token, restored)

	loaded, dir, err := persister.Load(ctx, restored)
	require.NoError(t, err)
	require.Equal(t, "one", loaded.Globals["stage"])
	data, err := os.ReadFile(filepath.Join(dir, "notes", "a.txt"))
	require.NoError(t, err)
	require.Equal(t, "first", string(data))
	_, err = os.Stat(filepath.Join(dir, "extra.txt"))
	require.True(t, os.IsNotExist(err))
}

func TestFilePersisterArchiveEmptyWorkspace(t *testing.T) {
	persister, err := NewFilePersister(PersisterOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	token, err := persister.Save(ctx, NewState("bare", nil), "")
	require.NoError(t, err)
	var archive bytes.Buffer
	require.NoError(t, persister.Archive(ctx, token, &archive))

	other, err := NewFilePersister(PersisterOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	restored, err := other.Restore(ctx, &archive)
	require.NoError(t, err)
	_, dir, err := other.Load(ctx, restored)
	require.NoError(t, err)
	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestRestoreRejectsIllegalPaths(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	content := []byte("owned")
	require.NoError(t, tw.WriteHeader(&tar.Header{Name: "../escape.txt", Mode: 0644, Size: int64(len(content)), Typeflag: tar.TypeReg}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	persister, err := NewFilePersister(PersisterOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	_, err = persister.Restore(context.Background(), &buf)
	require.Error(t, err)
	var fault *SerializationFault
	require.True(t, errors.As(err, &fault))
	require.Contains(t, err.Error(), "illegal path")
}

func TestRestoreRejectsGarbage(t *testing.T) {
	persister, err := NewFilePersister(PersisterOptions{Dir: t.TempDir()})
	require.NoError(t, err)
	_, err = persister.Restore(context.Background(), bytes.NewReader([]byte("plain text")))
	var fault *SerializationFault
	require.True(t, errors.As(err, &fault))
	require.Equal(t, "restore", fault.Op)
}
