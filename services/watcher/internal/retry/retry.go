// Package retry runs a single device call with a small, fixed number of
// attempts and a bounded time budget.
package retry

import (
	"context"
	"fmt"
	"time"
)

const (
	DefaultMaxAttempts = 3
	DefaultTimeout     = 5 * time.Second
)

// Policy configures Do. Timeout bounds each attempt; the whole sequence is
// bounded by Timeout * MaxAttempts and attempts are spaced by
// Timeout / (MaxAttempts + 1).
type Policy struct {
	MaxAttempts int
	Timeout     time.Duration
	// Retryable decides which errors earn another attempt. Nil retries every error.
	Retryable func(error) bool
}

// Wait is the pause between two attempts.
func (p Policy) Wait() time.Duration {
	p = p.withDefaults()
	return p.Timeout / time.Duration(p.MaxAttempts+1)
}

// Deadline is the overall budget for all attempts and waits.
func (p Policy) Deadline() time.Duration {
	p = p.withDefaults()
	return p.Timeout * time.Duration(p.MaxAttempts)
}

func (p Policy) withDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Timeout <= 0 {
		p.Timeout = DefaultTimeout
	}
	return p
}

// PollFailedError is returned when every attempt failed or the overall
// deadline ran out. Cause is the last error seen.
type PollFailedError struct {
	Attempts int
	Cause    error
}

func (e *PollFailedError) Error() string {
	return fmt.Sprintf("poll failed after %d attempt(s): %v", e.Attempts, e.Cause)
}

func (e *PollFailedError) Unwrap() error { return e.Cause }

// sleep waits for d without blocking other goroutines; swapped in tests.
var sleep = func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do runs op until it succeeds, returns a non-retryable error, runs out of
// attempts, or exceeds the overall deadline.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	p = p.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, p.Deadline())
	defer cancel()

	var lastErr error
	attempts := 0
	for attempts < p.MaxAttempts {
		attempts++

		attemptCtx, attemptCancel := context.WithTimeout(ctx, p.Timeout)
		result, err := op(attemptCtx)
		attemptCancel()
		if err == nil {
			return result, nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return zero, err
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, &PollFailedError{Attempts: attempts, Cause: lastErr}
		}
		if attempts == p.MaxAttempts {
			break
		}
		if err := sleep(ctx, p.Wait()); err != nil {
			return zero, &PollFailedError{Attempts: attempts, Cause: lastErr}
		}
	}

	return zero, &PollFailedError{Attempts: attempts, Cause: lastErr}
}
