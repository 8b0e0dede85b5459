package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	stateFile      = "state.bin"
	markerFile     = "marker.json"
	checkpointsDir = "checkpoints"
	archiveSuffix  = ".tar.gz"
)

// FileStore persists processes under a data directory:
//
//	<dir>/<process id>/state.bin
//	<dir>/<process id>/marker.json
//	<dir>/<process id>/checkpoints/<name>.tar.gz
type FileStore struct {
	dataDir string
}

// NewFileStore creates a file-based store. An empty dataDir defaults to
// ~/.machine/processes.
func NewFileStore(dataDir string) (*FileStore, error) {
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".machine", "processes")
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}
	return &FileStore{dataDir: dataDir}, nil
}

// Dir returns the data directory of the store.
func (s *FileStore) Dir() string {
	return s.dataDir
}

func (s *FileStore) processDir(processID string) string {
	return filepath.Join(s.dataDir, url.PathEscape(processID))
}

func (s *FileStore) checkpointPath(processID, name string) string {
	return filepath.Join(s.processDir(processID), checkpointsDir, url.PathEscape(name)+archiveSuffix)
}

func (s *FileStore) PutState(_ context.Context, processID string, data []byte) error {
	return writeFile(filepath.Join(s.processDir(processID), stateFile), data)
}

func (s *FileStore) GetState(_ context.Context, processID string) ([]byte, error) {
	return readFile(filepath.Join(s.processDir(processID), stateFile))
}

func (s *FileStore) PutCheckpoint(_ context.Context, processID, name string, data []byte) error {
	return writeFile(s.checkpointPath(processID, name), data)
}

func (s *FileStore) GetCheckpoint(_ context.Context, processID, name string) ([]byte, error) {
	return readFile(s.checkpointPath(processID, name))
}

func (s *FileStore) ListCheckpoints(_ context.Context, processID string) ([]CheckpointInfo, error) {
	entries, err := os.ReadDir(filepath.Join(s.processDir(processID), checkpointsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return []CheckpointInfo{}, nil
		}
		return nil, fmt.Errorf("failed to read checkpoints directory: %w", err)
	}
	result := make([]CheckpointInfo, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), archiveSuffix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			// Skip archives removed while listing
			continue
		}
		name, err := url.PathUnescape(strings.TrimSuffix(entry.Name(), archiveSuffix))
		if err != nil {
			continue
		}
		result = append(result, CheckpointInfo{
			ProcessID: processID,
			Name:      name,
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *FileStore) PutMarker(_ context.Context, marker Marker) error {
	data, err := json.MarshalIndent(marker, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal marker: %w", err)
	}
	return writeFile(filepath.Join(s.processDir(marker.ProcessID), markerFile), data)
}

func (s *FileStore) GetMarker(_ context.Context, processID string) (Marker, error) {
	data, err := readFile(filepath.Join(s.processDir(processID), markerFile))
	if err != nil {
		return Marker{}, err
	}
	var marker Marker
	if err := json.Unmarshal(data, &marker); err != nil {
		return Marker{}, fmt.Errorf("failed to unmarshal marker: %w", err)
	}
	return marker, nil
}

func (s *FileStore) DeleteMarker(_ context.Context, processID string) error {
	err := os.Remove(filepath.Join(s.processDir(processID), markerFile))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete marker: %w", err)
	}
	return nil
}

func (s *FileStore) ListMarkers(ctx context.Context) ([]Marker, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Marker{}, nil
		}
		return nil, fmt.Errorf("failed to read data directory: %w", err)
	}
	result := []Marker{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		processID, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		marker, err := s.GetMarker(ctx, processID)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, marker)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProcessID < result[j].ProcessID })
	return result, nil
}

func (s *FileStore) Delete(_ context.Context, processID string) error {
	if err := os.RemoveAll(s.processDir(processID)); err != nil {
		return fmt.Errorf("failed to delete process directory: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error {
	return nil
}

// writeFile replaces path atomically by renaming a temporary file over it.
func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

func readFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}
