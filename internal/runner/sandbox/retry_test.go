package sandbox_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Frohrer/codux/internal/runner/sandbox"
)

func TestRetryPolicySucceedsAfterRetries(t *testing.T) {
	policy := sandbox.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}
	calls := 0
	outcome, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (bool, error) {
		calls++
		if attempt < 3 {
			return true, errors.New("busy")
		}
		return false, nil
	})
	if err != nil || outcome != sandbox.CleanupSucceeded {
		t.Fatalf("expected success, got %s %v", outcome, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	policy := sandbox.RetryPolicy{MaxAttempts: 3, Delay: time.Millisecond}
	calls := 0
	outcome, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (bool, error) {
		calls++
		return true, errors.New("busy")
	})
	if outcome != sandbox.CleanupExhausted || err == nil {
		t.Fatalf("expected exhausted, got %s %v", outcome, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryPolicyNonRetryable(t *testing.T) {
	policy := sandbox.RetryPolicy{MaxAttempts: 5, Delay: time.Millisecond}
	calls := 0
	outcome, err := policy.Do(context.Background(), func(ctx context.Context, attempt int) (bool, error) {
		calls++
		return false, errors.New("no such box")
	})
	if outcome != sandbox.CleanupAbandoned || err == nil {
		t.Fatalf("expected abandoned, got %s %v", outcome, err)
	}
	if calls != 1 {
		t.Fatalf("expected a single call, got %d", calls)
	}
}

func TestRetryPolicyHonoursContext(t *testing.T) {
	policy := sandbox.RetryPolicy{MaxAttempts: 3, Delay: time.Hour}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	outcome, err := policy.Do(ctx, func(ctx context.Context, attempt int) (bool, error) {
		return true, errors.New("busy")
	})
	if outcome != sandbox.CleanupExhausted || !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancelled exhaustion, got %s %v", outcome, err)
	}
}
