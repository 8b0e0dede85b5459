// Package events delivers resume events to suspended processes from a
// message queue.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Message asks for an event to be delivered to a process.
type Message struct {
	ID        string    `json:"id"`
	ProcessID string    `json:"process_id"`
	Event     string    `json:"event"`
	Payload   any       `json:"payload,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewMessage creates a message with a fresh id.
func NewMessage(processID, event string, payload any) *Message {
	return &Message{
		ID:        uuid.NewString(),
		ProcessID: processID,
		Event:     event,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Decode parses and validates a message body.
func Decode(body []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, Permanent(fmt.Errorf("invalid message: %w", err))
	}
	if msg.ProcessID == "" {
		return nil, Permanent(errors.New("invalid message: process_id is required"))
	}
	if msg.Event == "" {
		return nil, Permanent(errors.New("invalid message: event is required"))
	}
	return &msg, nil
}

// ParsePayload converts the message payload to the given type.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T
	data, err := json.Marshal(msg.Payload)
	if err != nil {
		return result, fmt.Errorf("marshal payload: %w", err)
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, fmt.Errorf("unmarshal payload: %w", err)
	}
	return result, nil
}

// permanentError marks a failure that redelivery cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps err so the message is rejected instead of requeued.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
