// Package comm implements the synchronous request/response layer used to talk
// to the signal service and to make read-only calls to the venue.
package comm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// StatusError is a terminal failure: the transport succeeded but the remote
// side answered with a non-success status. Body keeps the raw response for
// diagnostics.
type StatusError struct {
	Op         string
	StatusCode int
	AppStatus  string
	Body       []byte
}

func (e *StatusError) Error() string {
	if e.AppStatus != "" {
		return fmt.Sprintf("%s: http %d, status %q: %s", e.Op, e.StatusCode, e.AppStatus, truncate(e.Body, 256))
	}
	return fmt.Sprintf("%s: http %d: %s", e.Op, e.StatusCode, truncate(e.Body, 256))
}

// ExhaustedError is returned when every attempt failed at the transport level.
type ExhaustedError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: gave up after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// IsTerminal reports whether err must not be retried.
func IsTerminal(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return true
	}
	return errors.Is(err, context.Canceled)
}

// Retrier runs an operation up to Attempts times, sleeping Backoff x attempt
// between attempts.
type Retrier struct {
	Attempts int
	Backoff  time.Duration
	Logger   *zap.Logger
}

// linearBackOff waits step, 2 x step, 3 x step...
type linearBackOff struct {
	step time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.step * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Do calls fn until it succeeds, returns a terminal error, or the attempts are
// used up. Cancelling ctx aborts the wait between attempts.
func (r Retrier) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := r.Attempts
	if attempts < 1 {
		attempts = 1
	}
	logger := r.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	calls := 0
	operation := func() error {
		calls++
		err := fn(ctx)
		if err != nil && IsTerminal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("Request failed, retrying",
			zap.String("op", op),
			zap.Int("attempt", calls),
			zap.Int("max_attempts", attempts),
			zap.Duration("backoff", wait),
			zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(&linearBackOff{step: r.Backoff}, uint64(attempts-1)), ctx)
	err := backoff.RetryNotify(operation, policy, notify)
	switch {
	case err == nil:
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return fmt.Errorf("%s: %w", op, err)
	case IsTerminal(err):
		return err
	}
	return &ExhaustedError{Op: op, Attempts: attempts, Err: err}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
