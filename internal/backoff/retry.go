package backoff

import (
	"context"
	"errors"
)

// ErrMaxAttemptsExhausted is returned when all retry attempts have failed.
var ErrMaxAttemptsExhausted = errors.New("max retry attempts exhausted")

// Retry executes fn with exponential backoff, up to maxAttempts times.
// Non-transient errors (per IsTransient) abort immediately; context
// cancellation is honored between attempts. The returned error wraps the last
// attempt's error.
func Retry[T any](ctx context.Context, policy Policy, maxAttempts int, fn func(attempt int) (T, error)) (T, error) {
	var zero T
	var lastErr error

	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		value, err := fn(attempt)
		if err == nil {
			return value, nil
		}
		lastErr = err

		if !IsTransient(err) {
			return zero, err
		}
		if attempt < maxAttempts {
			if err := policy.Sleep(ctx, attempt); err != nil {
				return zero, err
			}
		}
	}

	return zero, errors.Join(ErrMaxAttemptsExhausted, lastErr)
}

// RetrySimple is a convenience wrapper for operations without return values,
// using the default policy.
func RetrySimple(ctx context.Context, maxAttempts int, fn func() error) error {
	_, err := Retry(ctx, DefaultPolicy(), maxAttempts, func(int) (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}
