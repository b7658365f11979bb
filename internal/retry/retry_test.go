package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/knowgate/knowgate/internal/breaker"
)

var errTransient = errors.New("connection reset")

func fastPolicy() Policy {
	return Policy{
		MaxAttempts:    3,
		InitialBackoff: 5 * time.Millisecond,
		MaxBackoff:     20 * time.Millisecond,
		Multiplier:     2,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		attempts++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errTransient
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoExhaustion(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		attempts++
		return errTransient
	})

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, errTransient)
	assert.Equal(t, 3, attempts)
}

func TestDoPermanentShortCircuits(t *testing.T) {
	errBad := errors.New("bad request")
	attempts := 0
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		attempts++
		return Permanent(errBad)
	})

	require.ErrorIs(t, err, errBad)
	assert.Equal(t, 1, attempts)

	var exhausted *ExhaustedError
	assert.False(t, errors.As(err, &exhausted))
}

func TestDoOpenCircuitShortCircuits(t *testing.T) {
	openErr := &breaker.OpenError{Dependency: "search", RetryAfter: time.Second}
	attempts := 0
	err := Do(context.Background(), fastPolicy(), func(context.Context) error {
		attempts++
		return openErr
	})

	var got *breaker.OpenError
	require.ErrorAs(t, err, &got)
	assert.Equal(t, 1, attempts)
}

func TestDoRetryablePredicate(t *testing.T) {
	errClient := errors.New("status 404")
	attempts := 0
	p := fastPolicy()
	p.Retryable = func(err error) bool { return !errors.Is(err, errClient) }

	err := Do(context.Background(), p, func(context.Context) error {
		attempts++
		return errClient
	})

	require.ErrorIs(t, err, errClient)
	assert.Equal(t, 1, attempts)
}

func TestDoContextCancellationAborts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	err := Do(ctx, fastPolicy(), func(context.Context) error {
		attempts++
		cancel()
		return errTransient
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestDoBackoffSpacing(t *testing.T) {
	p := Policy{
		MaxAttempts:    3,
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     time.Second,
		Multiplier:     2,
	}

	start := time.Now()
	_ = Do(context.Background(), p, func(context.Context) error { return errTransient })
	elapsed := time.Since(start)

	// Two waits of roughly 50ms and 100ms; jitter makes them vary, but the
	// total must exceed half the nominal sum.
	assert.Greater(t, elapsed, 75*time.Millisecond)
}

func TestPolicyDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	assert.Equal(t, 3, p.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, p.InitialBackoff)
	assert.Equal(t, 2*time.Second, p.MaxBackoff)
	assert.Equal(t, 2.0, p.Multiplier)
}
