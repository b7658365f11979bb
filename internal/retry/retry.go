// Package retry executes downstream operations with bounded exponential
// backoff. It composes with the circuit breaker: each attempt passes
// through the breaker, and an open circuit stops the retry chain
// immediately instead of hammering a dependency that is already failing.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/knowgate/knowgate/internal/breaker"
)

// Policy describes a retry schedule. The zero value is usable: it falls
// back to 3 attempts, 100ms initial backoff, 2s cap, and doubling.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	// Retryable classifies errors worth another attempt. Nil retries
	// everything except permanent errors and open circuits.
	Retryable func(error) bool
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 3
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = 100 * time.Millisecond
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = 2 * time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	return p
}

// ExhaustedError reports that every attempt failed. It wraps the last
// attempt's error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// Permanent marks err as not retryable; Do stops immediately and returns
// it unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op under the policy. The first attempt is immediate; subsequent
// attempts wait min(initial·multiplier^(n-1), max) with jitter. Permanent
// errors, open circuits, and non-retryable errors (per Policy.Retryable)
// short-circuit. Context cancellation aborts the chain with the context
// error. When the attempt budget runs out, the last error is returned
// wrapped in *ExhaustedError.
func Do(ctx context.Context, p Policy, op func(context.Context) error) error {
	p = p.withDefaults()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.MaxInterval = p.MaxBackoff
	eb.Multiplier = p.Multiplier

	attempts := 0
	shortCircuited := false

	operation := func() (struct{}, error) {
		attempts++
		err := op(ctx)
		if err == nil {
			return struct{}{}, nil
		}

		var openErr *breaker.OpenError
		if errors.As(err, &openErr) {
			shortCircuited = true
			return struct{}{}, backoff.Permanent(err)
		}
		var permErr *backoff.PermanentError
		if errors.As(err, &permErr) {
			shortCircuited = true
			return struct{}{}, err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			shortCircuited = true
			return struct{}{}, backoff.Permanent(err)
		}

		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
	)
	if err == nil {
		return nil
	}

	// Context cancellation and short-circuits surface unwrapped so callers
	// can match the underlying error kind.
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if shortCircuited {
		return err
	}

	return &ExhaustedError{Attempts: attempts, Err: err}
}
