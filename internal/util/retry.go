package util

import (
	"context"
	"time"
)

// Retry calls fn up to maxAttempts times, sleeping delay between attempts.
// It returns nil on the first successful call, or the last error if all
// attempts fail. The function respects context cancellation between
// retries.
func Retry(ctx context.Context, maxAttempts int, delay time.Duration, fn func() error) error {
	return RetryIf(ctx, maxAttempts, delay, func(error) bool { return true }, fn)
}

// RetryIf is Retry with a classifier: an error for which retryable returns
// false is returned immediately without further attempts.
func RetryIf(ctx context.Context, maxAttempts int, delay time.Duration, retryable func(error) bool, fn func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var err error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}

		// Don't sleep after the last failed attempt.
		if attempt < maxAttempts-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return err
}
