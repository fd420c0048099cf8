// Package retry runs an operation a bounded number of times with a fixed
// delay between attempts. Used by drivers that can hit transient backend
// errors (connection drops, serialization failures).
package retry

import (
	"context"
	"time"
)

// Do calls fn up to attempts times, sleeping delay between failures.
// retryable decides whether an error is worth another attempt; a nil
// retryable retries everything. The last error is returned after the budget
// is exhausted. Context cancellation stops the loop immediately.
func Do(ctx context.Context, attempts int, delay time.Duration, retryable func(error) bool, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if retryable != nil && !retryable(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}
