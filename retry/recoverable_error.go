package retry

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
)

// RecoverableError lets an error decide for itself whether Do repeats the
// call that produced it.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether err is worth another attempt. Errors that
// implement RecoverableError decide for themselves. Otherwise connection
// drops, timeouts and busy databases are recoverable and everything else
// is not.
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var rec RecoverableError
	if errors.As(err, &rec) {
		return rec.IsRecoverable()
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, transient := range transientMessages {
		if strings.Contains(msg, transient) {
			return true
		}
	}
	return false
}

// Messages of driver errors that have no sentinel.
var transientMessages = []string{
	"database is locked", // sqlite busy
	"too many connections",
	"connection reset",
	"broken pipe",
	"service unavailable",
}

type marked struct {
	err         error
	recoverable bool
}

func (e *marked) Error() string       { return e.err.Error() }
func (e *marked) Unwrap() error       { return e.err }
func (e *marked) IsRecoverable() bool { return e.recoverable }

// Transient marks err as recoverable.
func Transient(err error) error {
	return &marked{err: err, recoverable: true}
}

// Permanent marks err as not recoverable, overriding the heuristics.
func Permanent(err error) error {
	return &marked{err: err}
}
