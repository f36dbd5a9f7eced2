package memori

import (
	"context"
	"log/slog"
	"time"
)

// retryBackoff returns the deterministic exponential delay before the
// given zero-based retry attempt: base, 2*base, 4*base, ...
func retryBackoff(base time.Duration, attempt int) time.Duration {
	return base * (1 << attempt)
}

// retryCall invokes fn up to maxAttempts times. Between attempts it
// sleeps with exponential backoff, but only when retryable reports the
// error as transient; any other error returns immediately. onRetry, when
// non-nil, runs before each sleep (transaction rollback lives there).
func retryCall[T any](ctx context.Context, maxAttempts int, base time.Duration, name string, logger *slog.Logger, retryable func(error) bool, onRetry func(), fn func() (T, error)) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		if attempt >= maxAttempts-1 || !retryable(err) {
			return zero, err
		}
		if onRetry != nil {
			onRetry()
		}
		d := retryBackoff(base, attempt)
		logger.Debug("retrying "+name, "attempt", attempt+1, "backoff", d, "error", err)
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
