package machine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileCallLogger is an implementation of CallLogger that logs to a file.
// A file is created per process. The file is formatted as newline-delimited
// JSON.
type FileCallLogger struct {
	directory string
	mu        sync.Mutex
}

func NewFileCallLogger(directory string) *FileCallLogger {
	return &FileCallLogger{directory: directory}
}

func (l *FileCallLogger) processLogPath(processID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", processID))
}

func (l *FileCallLogger) GetCallHistory(ctx context.Context, processID string) ([]*TaskCallEvent, error) {
	f, err := os.Open(l.processLogPath(processID))
	if err != nil {
		if os.IsNotExist(err) {
			return []*TaskCallEvent{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []*TaskCallEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event TaskCallEvent
		if err := json.Unmarshal(line, &event); err != nil {
			return nil, err
		}
		events = append(events, &event)
	}
	return events, scanner.Err()
}

func (l *FileCallLogger) LogTaskCall(ctx context.Context, event *TaskCallEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	filePath := l.processLogPath(event.ProcessID)
	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return err
	}
	return f.Sync()
}
