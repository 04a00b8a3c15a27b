// Package retry provides retry-with-backoff execution for external calls.
//
// Text generation, audio synthesis, and stream session creation all pass
// through this wrapper before their failures surface to the turn pipeline.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Default policy applied to collaborator calls made by the turn pipeline.
const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// Executor retries a function with exponential backoff. The zero value uses
// time.Sleep; tests inject a sleep function to avoid real delays.
type Executor struct {
	// Sleep is called between attempts. Nil means time.Sleep.
	Sleep func(time.Duration)
}

// PermanentError wraps a failure that will repeat identically on retry, such
// as a rejected request. Do stops immediately and returns the wrapped cause.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as not worth retrying. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Do attempts fn up to maxAttempts times. After a failed attempt it sleeps
// baseDelay * 2^attempt before retrying. On exhaustion the last error is
// returned unmodified so the original cause survives to the caller.
func (e Executor) Do(ctx context.Context, fn func(ctx context.Context) error, maxAttempts int, baseDelay time.Duration) error {
	if maxAttempts < 1 {
		return fmt.Errorf("retry: maxAttempts must be at least 1, got %d", maxAttempts)
	}
	sleep := e.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return lastErr
			}
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *PermanentError
		if errors.As(lastErr, &perm) {
			slog.Debug("retry.Do: permanent failure, not retrying", "attempt", attempt+1, "error", perm.Err)
			return perm.Err
		}
		if attempt < maxAttempts-1 {
			delay := baseDelay * (1 << attempt)
			slog.Debug("retry.Do: attempt failed, backing off", "attempt", attempt+1, "max_attempts", maxAttempts, "delay", delay, "error", lastErr)
			sleep(delay)
		}
	}
	slog.Warn("retry.Do: attempts exhausted", "max_attempts", maxAttempts, "error", lastErr)
	return lastErr
}

// DoValue runs fn through Do and carries its result out on success.
func DoValue[T any](ctx context.Context, e Executor, fn func(ctx context.Context) (T, error), maxAttempts int, baseDelay time.Duration) (T, error) {
	var result T
	err := e.Do(ctx, func(ctx context.Context) error {
		var innerErr error
		result, innerErr = fn(ctx)
		return innerErr
	}, maxAttempts, baseDelay)
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}
