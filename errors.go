package machine

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeTaskFailed matches any task failure except timeouts
	ErrorTypeTaskFailed = "task_failed"

	// ErrorTypeTimeout matches a deadline exceeded error
	ErrorTypeTimeout = "timeout"

	// ErrorTypeThrown is used for errors raised by throw steps
	ErrorTypeThrown = "thrown"

	// ErrorTypePolicy is used when an interceptor policy vetoed a call.
	// Policy violations are never retried.
	ErrorTypePolicy = "policy_violation"

	// ErrorTypeJoin is used for aggregated parallel branch failures
	ErrorTypeJoin = "join_failed"

	// ErrorTypeFatal indicates a failure that no handler or retry may claim,
	// such as a serialization fault or process cancellation.
	ErrorTypeFatal = "fatal_error"
)

// ErrCancelled is injected into every live thread when the run context is
// cancelled.
var ErrCancelled = errors.New("process cancelled")

// ErrProcessEnded is returned when an event is sent to a process that has
// completed or failed.
var ErrProcessEnded = errors.New("process has ended")

// ErrCheckpointInParallel is returned when a checkpoint is attempted while
// forked threads are still outstanding.
var ErrCheckpointInParallel = errors.New("checkpoint is only valid outside parallel sections")

// StepError is a business failure raised while executing a step. Errors that
// propagate out of flow calls are wrapped by the call step, which produces a
// chain of location-tagged errors.
type StepError struct {
	Type     string   `json:"type"`
	Step     string   `json:"step,omitempty"`
	Location Location `json:"location"`
	Cause    string   `json:"cause"`
	Details  any      `json:"details,omitempty"`
	Wrapped  error    `json:"-"`
}

// NewStepError creates a new StepError with the specified type and cause.
// The type can be any user-defined string e.g. "network-error". It may be
// matched against the types listed in a retry policy.
func NewStepError(errorType, cause string) *StepError {
	return &StepError{Type: errorType, Cause: cause}
}

// Error implements the error interface
func (e *StepError) Error() string {
	var b strings.Builder
	if loc := e.Location.String(); loc != "" {
		b.WriteString(loc)
		b.WriteString(" ")
	}
	if e.Step != "" {
		b.WriteString(e.Step)
		b.WriteString(": ")
	}
	var inner *StepError
	var join *JoinFailure
	switch {
	case errors.As(e.Wrapped, &inner) && inner != e:
		b.WriteString(inner.Error())
	case errors.As(e.Wrapped, &join):
		b.WriteString(join.Error())
	default:
		b.WriteString(e.Type)
		b.WriteString(": ")
		b.WriteString(e.Cause)
	}
	return b.String()
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *StepError) Unwrap() error {
	return e.Wrapped
}

// Chain returns the location-tagged errors from outermost to innermost.
func (e *StepError) Chain() []*StepError {
	chain := []*StepError{e}
	current := e
	for {
		var next *StepError
		if current.Wrapped == nil || !errors.As(current.Wrapped, &next) || next == current {
			return chain
		}
		chain = append(chain, next)
		current = next
	}
}

// PolicyViolation is returned when an interceptor policy vetoes a task call
// before it executes. It is never retried.
type PolicyViolation struct {
	Policy string
	Task   string
	Reason string
}

func (e *PolicyViolation) Error() string {
	return fmt.Sprintf("policy %q rejected call to %q: %s", e.Policy, e.Task, e.Reason)
}

// IsRecoverable reports false so retry helpers never repeat a vetoed call.
func (e *PolicyViolation) IsRecoverable() bool {
	return false
}

// SerializationFault is an operational failure raised when the machine state
// cannot be captured or restored. It aborts the run rather than losing
// context.
type SerializationFault struct {
	Op  string
	Err error
}

func (e *SerializationFault) Error() string {
	return fmt.Sprintf("serialization fault during %s: %v", e.Op, e.Err)
}

func (e *SerializationFault) Unwrap() error {
	return e.Err
}

func (e *SerializationFault) IsRecoverable() bool {
	return false
}

// BranchFailure describes one failed child thread of a join.
type BranchFailure struct {
	Branch string
	Thread ThreadID
	Err    error
}

// JoinFailure aggregates every failed branch of a parallel section, in
// branch declaration order.
type JoinFailure struct {
	Step     string
	Location Location
	Failures []*BranchFailure
}

func (e *JoinFailure) Error() string {
	parts := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		parts = append(parts, fmt.Sprintf("[%s] %v", f.Branch, f.Err))
	}
	return fmt.Sprintf("%d parallel branch(es) failed: %s", len(e.Failures), strings.Join(parts, "; "))
}

// Unwrap returns every branch error so errors.Is and errors.As see all of them.
func (e *JoinFailure) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Err)
	}
	return errs
}

// joinOf returns the join failure err reports, either directly or through
// the StepError that locates it. Branch errors are not searched.
func joinOf(err error) *JoinFailure {
	switch e := err.(type) {
	case *JoinFailure:
		return e
	case *StepError:
		if e.Type == ErrorTypeJoin {
			return joinOf(e.Wrapped)
		}
	}
	return nil
}

// fatal reports whether a branch was cancelled or faulted, in which case the
// join may not be claimed either.
func (e *JoinFailure) fatal() bool {
	for _, f := range e.Failures {
		if isFatal(f.Err) {
			return true
		}
	}
	return false
}

// ClassifyError attempts to classify a regular error into a StepError
func ClassifyError(err error) *StepError {
	// A join is classified by itself, not by the branch errors it unwraps to.
	if join, ok := err.(*JoinFailure); ok {
		return &StepError{Type: ErrorTypeJoin, Step: join.Step, Cause: join.Error(), Location: join.Location, Wrapped: err}
	}
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr
	}
	var policy *PolicyViolation
	if errors.As(err, &policy) {
		return &StepError{Type: ErrorTypePolicy, Cause: policy.Error(), Wrapped: err}
	}
	var join *JoinFailure
	if errors.As(err, &join) {
		return &StepError{Type: ErrorTypeJoin, Cause: join.Error(), Location: join.Location, Wrapped: err}
	}
	var fault *SerializationFault
	if errors.As(err, &fault) || errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return &StepError{Type: ErrorTypeFatal, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &StepError{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	return &StepError{Type: ErrorTypeTaskFailed, Cause: err.Error(), Wrapped: err}
}

// errorType returns the classification of err without allocating a wrapper
// for errors that already carry one.
func errorType(err error) string {
	if join := joinOf(err); join != nil {
		if join.fatal() {
			return ErrorTypeFatal
		}
		return ErrorTypeJoin
	}
	var fault *SerializationFault
	if errors.As(err, &fault) || errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
		return ErrorTypeFatal
	}
	var policy *PolicyViolation
	if errors.As(err, &policy) {
		return ErrorTypePolicy
	}
	return ClassifyError(err).Type
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, pattern string) bool {
	kind := errorType(err)
	// Fatal errors are only matched by the ErrorTypeFatal pattern
	if kind == ErrorTypeFatal {
		return pattern == ErrorTypeFatal
	}
	switch pattern {
	case ErrorTypeAll:
		return true
	case ErrorTypeTaskFailed:
		return kind == ErrorTypeTaskFailed
	default:
		return kind == pattern
	}
}

// isFatal reports whether err may not be claimed by handlers or retries.
func isFatal(err error) bool {
	return errorType(err) == ErrorTypeFatal
}

// ErrorRecord is the serializable form of an error held by a failed thread.
type ErrorRecord struct {
	Type     string
	Step     string
	Location Location
	Message  string
	Policy   string
	Cause    *ErrorRecord
	Branches []*ErrorRecord
}

// newErrorRecord captures err in a form that survives State serialization.
func newErrorRecord(err error) *ErrorRecord {
	if err == nil {
		return nil
	}
	var join *JoinFailure
	if errors.As(err, &join) {
		var direct *StepError
		// A StepError wrapping the join keeps its own location as the outer link.
		if errors.As(err, &direct) && direct.Wrapped != nil && direct.Type == ErrorTypeJoin {
			return &ErrorRecord{
				Type: ErrorTypeJoin, Step: direct.Step, Location: direct.Location,
				Message: direct.Cause, Cause: newErrorRecord(direct.Wrapped),
			}
		}
		rec := &ErrorRecord{Type: ErrorTypeJoin, Step: join.Step, Location: join.Location, Message: join.Error()}
		for _, f := range join.Failures {
			branch := newErrorRecord(f.Err)
			branch.Policy = f.Branch
			rec.Branches = append(rec.Branches, branch)
		}
		return rec
	}
	var policy *PolicyViolation
	if errors.As(err, &policy) {
		var stepErr *StepError
		if errors.As(err, &stepErr) {
			return &ErrorRecord{Type: ErrorTypePolicy, Step: stepErr.Step, Location: stepErr.Location,
				Message: policy.Reason, Policy: policy.Policy + "\x00" + policy.Task}
		}
		return &ErrorRecord{Type: ErrorTypePolicy, Message: policy.Reason, Policy: policy.Policy + "\x00" + policy.Task}
	}
	stepErr := ClassifyError(err)
	rec := &ErrorRecord{
		Type:     stepErr.Type,
		Step:     stepErr.Step,
		Location: stepErr.Location,
		Message:  stepErr.Cause,
	}
	var inner *StepError
	if stepErr.Wrapped != nil && errors.As(stepErr.Wrapped, &inner) && inner != stepErr {
		rec.Cause = newErrorRecord(stepErr.Wrapped)
	} else if errors.As(stepErr.Wrapped, &join) {
		rec.Cause = newErrorRecord(join)
	}
	return rec
}

// Err converts the record back into a typed error.
func (r *ErrorRecord) Err() error {
	if r == nil {
		return nil
	}
	switch {
	case r.Type == ErrorTypeJoin && len(r.Branches) > 0:
		join := &JoinFailure{Step: r.Step, Location: r.Location}
		for i, b := range r.Branches {
			name := b.Policy
			if name == "" {
				name = fmt.Sprintf("%d", i)
			}
			copied := *b
			copied.Policy = ""
			join.Failures = append(join.Failures, &BranchFailure{Branch: name, Err: copied.Err()})
		}
		return join
	case r.Type == ErrorTypePolicy:
		policy, task, _ := strings.Cut(r.Policy, "\x00")
		violation := &PolicyViolation{Policy: policy, Task: task, Reason: r.Message}
		if r.Step == "" && r.Location.IsZero() {
			return violation
		}
		return &StepError{Type: ErrorTypePolicy, Step: r.Step, Location: r.Location, Cause: violation.Error(), Wrapped: violation}
	}
	stepErr := &StepError{Type: r.Type, Step: r.Step, Location: r.Location, Cause: r.Message}
	switch {
	case r.Cause != nil:
		stepErr.Wrapped = r.Cause.Err()
	case r.Type == ErrorTypeFatal && r.Message == ErrCancelled.Error():
		stepErr.Wrapped = ErrCancelled
	}
	return stepErr
}

// errorVariable is the value bound to lastError inside error handlers.
func errorVariable(err error) map[string]any {
	stepErr := ClassifyError(err)
	return map[string]any{
		"type":     stepErr.Type,
		"message":  err.Error(),
		"step":     stepErr.Step,
		"location": stepErr.Location.String(),
	}
}
