package machine

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Token identifies a saved process within a Persister.
type Token string

// Persister saves a State together with its workspace directory and moves
// both in and out of a single archive.
type Persister interface {
	// Save stores the state and a copy of the workspace.
	Save(ctx context.Context, st *State, workspaceDir string) (Token, error)

	// Load returns the saved state and the directory holding its workspace.
	Load(ctx context.Context, token Token) (*State, string, error)

	// Archive writes the saved state and workspace as one archive.
	Archive(ctx context.Context, token Token, w io.Writer) error

	// Restore unpacks an archive written by Archive, replacing whatever was
	// saved for the same process.
	Restore(ctx context.Context, r io.Reader) (Token, error)
}

const (
	persistedStateFile = "state.bin"
	persistedWorkspace = "workspace"
)

// PersisterOptions configures a FilePersister.
type PersisterOptions struct {
	// Dir is the directory processes are saved under. Defaults to a
	// directory in os.TempDir.
	Dir string
}

// FilePersister saves processes to a local directory:
//
//	<dir>/<process id>/state.bin
//	<dir>/<process id>/workspace/...
type FilePersister struct {
	dir string
}

// NewFilePersister creates a FilePersister.
func NewFilePersister(opts PersisterOptions) (*FilePersister, error) {
	if opts.Dir == "" {
		opts.Dir = filepath.Join(os.TempDir(), "machine", "persisted")
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create persister directory %s: %w", opts.Dir, err)
	}
	return &FilePersister{dir: opts.Dir}, nil
}

// WorkspaceDir returns the workspace directory of a saved process. Running
// a process directly in this directory avoids copying it on every save.
func (p *FilePersister) WorkspaceDir(processID string) string {
	return filepath.Join(p.dir, processID, persistedWorkspace)
}

func (p *FilePersister) processDir(token Token) string {
	return filepath.Join(p.dir, string(token))
}

func (p *FilePersister) Save(ctx context.Context, st *State, workspaceDir string) (Token, error) {
	data, err := EncodeState(st)
	if err != nil {
		return "", err
	}
	token := Token(st.ProcessID)
	dir := p.processDir(token)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create process directory: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, persistedStateFile), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write state: %w", err)
	}
	target := p.WorkspaceDir(st.ProcessID)
	if workspaceDir == "" || samePath(workspaceDir, target) {
		return token, os.MkdirAll(target, 0755)
	}
	if err := os.RemoveAll(target); err != nil {
		return "", fmt.Errorf("failed to clear workspace copy: %w", err)
	}
	if err := copyDir(ctx, workspaceDir, target); err != nil {
		return "", fmt.Errorf("failed to copy workspace: %w", err)
	}
	return token, nil
}

func (p *FilePersister) Load(ctx context.Context, token Token) (*State, string, error) {
	data, err := os.ReadFile(filepath.Join(p.processDir(token), persistedStateFile))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read state: %w", err)
	}
	st, err := DecodeState(data)
	if err != nil {
		return nil, "", err
	}
	return st, p.WorkspaceDir(st.ProcessID), nil
}

// Archive writes a gzip-compressed tarball whose first entry is the state
// followed by the workspace files.
func (p *FilePersister) Archive(ctx context.Context, token Token, w io.Writer) error {
	dir := p.processDir(token)
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	state, err := os.ReadFile(filepath.Join(dir, persistedStateFile))
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	if err := tw.WriteHeader(&tar.Header{Name: persistedStateFile, Mode: 0644, Size: int64(len(state))}); err != nil {
		return err
	}
	if _, err := tw.Write(state); err != nil {
		return err
	}

	workspace := filepath.Join(dir, persistedWorkspace)
	err = filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == workspace {
				return fs.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !d.IsDir() && !info.Mode().IsRegular() {
			// Symlinks and devices are not part of a workspace
			return nil
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if d.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to archive workspace: %w", err)
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func (p *FilePersister) Restore(ctx context.Context, r io.Reader) (Token, error) {
	staging, err := os.MkdirTemp(p.dir, ".restore-*")
	if err != nil {
		return "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := extract(ctx, r, staging); err != nil {
		return "", err
	}
	data, err := os.ReadFile(filepath.Join(staging, persistedStateFile))
	if err != nil {
		return "", fmt.Errorf("archive has no state: %w", err)
	}
	st, err := DecodeState(data)
	if err != nil {
		return "", err
	}
	token := Token(st.ProcessID)
	dir := p.processDir(token)
	if err := os.RemoveAll(dir); err != nil {
		return "", fmt.Errorf("failed to discard current process: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(staging, persistedWorkspace), 0755); err != nil {
		return "", err
	}
	if err := os.Rename(staging, dir); err != nil {
		return "", fmt.Errorf("failed to install restored process: %w", err)
	}
	return token, nil
}

func extract(ctx context.Context, r io.Reader, dir string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return &SerializationFault{Op: "restore", Err: err}
	}
	defer gz.Close()
	tr := tar.NewReader(gz)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &SerializationFault{Op: "restore", Err: err}
		}
		target := filepath.Join(dir, filepath.FromSlash(header.Name))
		if !strings.HasPrefix(target, filepath.Clean(dir)+string(os.PathSeparator)) {
			return &SerializationFault{Op: "restore", Err: fmt.Errorf("illegal path %q in archive", header.Name)}
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fs.FileMode(header.Mode).Perm())
			if err != nil {
				return err
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
		}
	}
}

func copyDir(ctx context.Context, src, dst string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) && path == src {
				return os.MkdirAll(dst, 0755)
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		in, err := os.Open(path)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, in); err != nil {
			out.Close()
			return err
		}
		return out.Close()
	})
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}
