package machine

import (
	"context"
	"time"
)

// TaskCallEvent records one task call. Input and Output are masked copies:
// values flagged sensitive are replaced by MaskToken.
type TaskCallEvent struct {
	ID            string         `json:"id"`
	ProcessID     string         `json:"process_id"`
	Task          string         `json:"task"`
	Step          string         `json:"step"`
	Location      string         `json:"location,omitempty"`
	Thread        int            `json:"thread"`
	CorrelationID string         `json:"correlation_id"`
	Input         map[string]any `json:"input"`
	Output        any            `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	Policy        string         `json:"policy,omitempty"`
	StartTime     time.Time      `json:"start_time"`
	Duration      float64        `json:"duration"`
}

// CallLogger records task call telemetry.
type CallLogger interface {
	// LogTaskCall records a completed task call
	LogTaskCall(ctx context.Context, event *TaskCallEvent) error

	// GetCallHistory retrieves the task calls of a process
	GetCallHistory(ctx context.Context, processID string) ([]*TaskCallEvent, error)
}

// NullCallLogger is a no-op implementation of CallLogger.
type NullCallLogger struct{}

func NewNullCallLogger() *NullCallLogger {
	return &NullCallLogger{}
}

func (l *NullCallLogger) LogTaskCall(ctx context.Context, event *TaskCallEvent) error {
	return nil
}

func (l *NullCallLogger) GetCallHistory(ctx context.Context, processID string) ([]*TaskCallEvent, error) {
	return nil, nil
}
