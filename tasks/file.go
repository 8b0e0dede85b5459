package tasks

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/machine"
)

// FileInput defines the input of the file task. Paths are relative to the
// process workspace, which is saved with every checkpoint.
type FileInput struct {
	Operation   string `json:"operation" default:"read" validate:"oneof=read write append delete exists mkdir list"`
	Path        string `json:"path" validate:"required"`
	Content     string `json:"content"`
	Permissions string `json:"permissions"`
}

// File reads and writes files in the process workspace
type File struct{}

func NewFile() machine.Task {
	return machine.NewTypedTask(&File{})
}

func (f *File) Name() string {
	return "file"
}

func (f *File) Execute(ctx machine.Context, input FileInput) (any, error) {
	path, err := workspacePath(ctx.Workspace(), input.Path)
	if err != nil {
		return nil, err
	}
	switch input.Operation {
	case "read":
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		return string(content), nil

	case "write":
		perm, err := parsePermissions(input.Permissions, 0644)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(input.Content), perm); err != nil {
			return nil, err
		}
		return true, nil

	case "append":
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, err
		}
		file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		defer file.Close()
		if _, err := file.WriteString(input.Content); err != nil {
			return nil, err
		}
		return true, nil

	case "delete":
		if err := os.RemoveAll(path); err != nil {
			return nil, err
		}
		return true, nil

	case "exists":
		_, err := os.Stat(path)
		return err == nil, nil

	case "mkdir":
		perm, err := parsePermissions(input.Permissions, 0755)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(path, perm); err != nil {
			return nil, err
		}
		return true, nil

	case "list":
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, err
		}
		files := make([]any, len(entries))
		for i, entry := range entries {
			if entry.IsDir() {
				files[i] = entry.Name() + "/"
			} else {
				files[i] = entry.Name()
			}
		}
		return files, nil

	default:
		return nil, fmt.Errorf("unsupported operation: %s", input.Operation)
	}
}

// workspacePath resolves a path inside the workspace, rejecting paths that
// escape it.
func workspacePath(workspace, path string) (string, error) {
	if workspace == "" {
		return "", fmt.Errorf("no workspace available")
	}
	full := filepath.Join(workspace, filepath.Clean("/"+path))
	rel, err := filepath.Rel(workspace, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q is outside the workspace", path)
	}
	return full, nil
}

// parsePermissions parses an octal permission string such as "0644"
func parsePermissions(perm string, fallback fs.FileMode) (fs.FileMode, error) {
	if perm == "" {
		return fallback, nil
	}
	mode, err := strconv.ParseUint(perm, 8, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid permissions %q: %w", perm, err)
	}
	return fs.FileMode(mode), nil
}
