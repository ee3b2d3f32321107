package sandbox

import (
	"context"
	"time"
)

// CleanupOutcome is the typed result of a forced cleanup.
type CleanupOutcome string

const (
	CleanupSucceeded CleanupOutcome = "succeeded"
	CleanupExhausted CleanupOutcome = "exhausted"
	// CleanupAbandoned means the executor failed with a non-retryable error.
	CleanupAbandoned CleanupOutcome = "abandoned"
)

// RetryPolicy retries an operation a bounded number of times with a fixed delay.
type RetryPolicy struct {
	MaxAttempts int
	Delay       time.Duration
}

// Attempt is one try of a retried operation. retryable marks errors worth another attempt.
type Attempt func(ctx context.Context, attempt int) (retryable bool, err error)

// Do runs fn until it succeeds, fails permanently, or attempts are exhausted.
func (p RetryPolicy) Do(ctx context.Context, fn Attempt) (CleanupOutcome, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		retryable, err := fn(ctx, attempt)
		if err == nil {
			return CleanupSucceeded, nil
		}
		lastErr = err
		if !retryable {
			return CleanupAbandoned, err
		}
		if attempt == attempts {
			break
		}
		if p.Delay > 0 {
			timer := time.NewTimer(p.Delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return CleanupExhausted, ctx.Err()
			case <-timer.C:
			}
		}
	}
	return CleanupExhausted, lastErr
}
