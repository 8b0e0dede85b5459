package store

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryCheckpoint struct {
	info CheckpointInfo
	data []byte
}

// MemoryStore is an in-memory Store. It is safe for concurrent use. Data is
// lost when the process exits.
type MemoryStore struct {
	mu          sync.RWMutex
	states      map[string][]byte
	checkpoints map[string][]*memoryCheckpoint
	markers     map[string]Marker
	now         func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states:      map[string][]byte{},
		checkpoints: map[string][]*memoryCheckpoint{},
		markers:     map[string]Marker{},
		now:         time.Now,
	}
}

func (s *MemoryStore) PutState(_ context.Context, processID string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[processID] = clone(data)
	return nil
}

func (s *MemoryStore) GetState(_ context.Context, processID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.states[processID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(data), nil
}

func (s *MemoryStore) PutCheckpoint(_ context.Context, processID, name string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := &memoryCheckpoint{
		info: CheckpointInfo{ProcessID: processID, Name: name, Size: int64(len(data)), CreatedAt: s.now()},
		data: clone(data),
	}
	list := s.checkpoints[processID]
	for i, existing := range list {
		if existing.info.Name == name {
			// Overwriting moves the checkpoint to the end of the history
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	s.checkpoints[processID] = append(list, entry)
	return nil
}

func (s *MemoryStore) GetCheckpoint(_ context.Context, processID, name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, entry := range s.checkpoints[processID] {
		if entry.info.Name == name {
			return clone(entry.data), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListCheckpoints(_ context.Context, processID string) ([]CheckpointInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]CheckpointInfo, 0, len(s.checkpoints[processID]))
	for _, entry := range s.checkpoints[processID] {
		result = append(result, entry.info)
	}
	return result, nil
}

func (s *MemoryStore) PutMarker(_ context.Context, marker Marker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	marker.Events = append([]string{}, marker.Events...)
	s.markers[marker.ProcessID] = marker
	return nil
}

func (s *MemoryStore) GetMarker(_ context.Context, processID string) (Marker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	marker, ok := s.markers[processID]
	if !ok {
		return Marker{}, ErrNotFound
	}
	return marker, nil
}

func (s *MemoryStore) DeleteMarker(_ context.Context, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.markers, processID)
	return nil
}

func (s *MemoryStore) ListMarkers(_ context.Context) ([]Marker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]Marker, 0, len(s.markers))
	for _, marker := range s.markers {
		result = append(result, marker)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ProcessID < result[j].ProcessID })
	return result, nil
}

func (s *MemoryStore) Delete(_ context.Context, processID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, processID)
	delete(s.checkpoints, processID)
	delete(s.markers, processID)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func clone(data []byte) []byte {
	return append([]byte{}, data...)
}
