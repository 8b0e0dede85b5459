package retry

import (
	"context"
	"time"
)

type options struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

// Option configures Do.
type Option func(*options)

// WithMaxRetries sets how many times a failed call is repeated. Zero means
// the call is made once.
func WithMaxRetries(n int) Option {
	return func(o *options) {
		o.maxRetries = n
	}
}

// WithBaseWait sets the wait before the first retry. The wait doubles after
// every attempt.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) {
		o.baseWait = d
	}
}

// WithMaxWait caps the wait between attempts.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) {
		o.maxWait = d
	}
}

// Do calls fn until it succeeds, returns an error that is not recoverable,
// or the retries are exhausted. The last error is returned.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{maxRetries: 3, baseWait: 250 * time.Millisecond, maxWait: 30 * time.Second}
	for _, opt := range opts {
		opt(&o)
	}
	wait := o.baseWait
	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= o.maxRetries || !IsRecoverable(err) {
			return err
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		wait = min(wait*2, o.maxWait)
	}
}
