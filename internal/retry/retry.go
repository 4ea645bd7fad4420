// Package retry runs an operation a bounded number of times with a fixed
// backoff between attempts.
package retry

import (
	"context"
	"errors"
	"time"

	"batchscale/internal/poll"
)

// ErrExhausted marks an error returned after every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy bounds an operation's attempts.
type Policy struct {
	// MaxAttempts is the total number of tries including the first. Values
	// below one are treated as one.
	MaxAttempts int
	Backoff     time.Duration
	Clock       poll.Clock
	// Retryable decides whether an error is worth another attempt. Nil
	// retries every error.
	Retryable func(error) bool
	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// Do calls op until it succeeds, the policy is exhausted, the error is not
// retryable, or ctx is canceled. It returns the number of attempts made. When
// every attempt fails, the returned error wraps both ErrExhausted and the last
// failure.
func Do(ctx context.Context, policy Policy, op func(attempt int) error) (int, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return attempt - 1, errors.Join(err, lastErr)
			}
			return attempt - 1, err
		}
		lastErr = op(attempt)
		if lastErr == nil {
			return attempt, nil
		}
		if policy.Retryable != nil && !policy.Retryable(lastErr) {
			return attempt, lastErr
		}
		if attempt == maxAttempts {
			break
		}
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, lastErr)
		}
		if !poll.Sleep(ctx, policy.Clock, policy.Backoff) {
			return attempt, errors.Join(ctx.Err(), lastErr)
		}
	}
	return maxAttempts, &exhaustedError{attempts: maxAttempts, err: lastErr}
}

type exhaustedError struct {
	attempts int
	err      error
}

func (e *exhaustedError) Error() string {
	return ErrExhausted.Error() + ": " + e.err.Error()
}

func (e *exhaustedError) Unwrap() []error {
	return []error{ErrExhausted, e.err}
}
