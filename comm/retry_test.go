package comm

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRetrierRetriesTransportFailures(t *testing.T) {
	r := Retrier{Attempts: 3, Backoff: time.Millisecond, Logger: zap.NewNop()}

	calls := 0
	err := r.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrierExhausted(t *testing.T) {
	r := Retrier{Attempts: 3, Backoff: time.Millisecond}
	transport := errors.New("no route to host")

	calls := 0
	err := r.Do(context.Background(), "fetch", func(ctx context.Context) error {
		calls++
		return transport
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, transport)
	assert.Equal(t, 3, calls)
}

func TestRetrierStatusErrorIsTerminal(t *testing.T) {
	r := Retrier{Attempts: 5, Backoff: time.Millisecond}

	calls := 0
	err := r.Do(context.Background(), "report", func(ctx context.Context) error {
		calls++
		return &StatusError{Op: "report", StatusCode: 422, Body: []byte(`{"error":"bad"}`)}
	})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 422, se.StatusCode)
	assert.Equal(t, `{"error":"bad"}`, string(se.Body))
	assert.Equal(t, 1, calls)
}

func TestRetrierStopsOnCancel(t *testing.T) {
	r := Retrier{Attempts: 3, Backoff: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	err := r.Do(ctx, "fetch", func(ctx context.Context) error {
		calls++
		cancel()
		return errors.New("timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestRetrierSingleAttemptMinimum(t *testing.T) {
	r := Retrier{}
	calls := 0
	err := r.Do(context.Background(), "once", func(ctx context.Context) error {
		calls++
		return errors.New("down")
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestLinearBackOff(t *testing.T) {
	b := &linearBackOff{step: 100 * time.Millisecond}
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 200*time.Millisecond, b.NextBackOff())
	assert.Equal(t, 300*time.Millisecond, b.NextBackOff())

	b.Reset()
	assert.Equal(t, 100*time.Millisecond, b.NextBackOff())
}

func TestRetrierWrappedStatusErrorIsTerminal(t *testing.T) {
	r := Retrier{Attempts: 3, Backoff: time.Millisecond}

	calls := 0
	err := r.Do(context.Background(), "report", func(ctx context.Context) error {
		calls++
		return fmt.Errorf("report: %w", &StatusError{Op: "report", StatusCode: 400})
	})

	var se *StatusError
	require.ErrorAs(t, err, &se)
	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
	assert.Equal(t, 1, calls)
}
