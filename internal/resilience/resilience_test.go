package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsOnFirstAttempt(t *testing.T) {
	ctx := context.Background()
	calls := 0
	v, err := Retry(ctx, 3, time.Millisecond, func() (int, error) {
		calls++
		return 42, nil
	})
	if err != nil || v != 42 || calls != 1 {
		t.Fatalf("Retry = (%d,%v), calls=%d", v, err, calls)
	}
}

func TestRetryExhaustsAttemptsAndReturnsLastError(t *testing.T) {
	ctx := context.Background()
	calls := 0
	boom := errors.New("boom")
	_, err := Retry(ctx, 3, time.Millisecond, func() (int, error) {
		calls++
		return 0, boom
	})
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	ctx := context.Background()
	calls := 0
	v, err := Retry(ctx, 5, time.Millisecond, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil || v != "ok" || calls != 3 {
		t.Fatalf("Retry = (%q,%v), calls=%d", v, err, calls)
	}
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Minute, 4, 4, 0.5, time.Hour, 1)
	for i := 0; i < 4; i++ {
		if !cb.Allow() {
			t.Fatalf("breaker denied request %d before tripping", i)
		}
		cb.RecordResult(false)
	}
	if cb.Allow() {
		t.Fatalf("breaker should be open after all-failure window")
	}
}

func TestCircuitBreakerStaysClosedOnSuccess(t *testing.T) {
	cb := NewCircuitBreakerAdaptive(time.Minute, 4, 4, 0.5, time.Hour, 1)
	for i := 0; i < 10; i++ {
		if !cb.Allow() {
			t.Fatalf("breaker denied request %d, expected closed", i)
		}
		cb.RecordResult(true)
	}
}

func TestHybridRateLimiterAllowsWithinBurst(t *testing.T) {
	rl := NewHybridRateLimiter(2, 1, 1, 10*time.Millisecond)
	defer rl.Stop()
	ctx := context.Background()
	if !rl.Allow(ctx) {
		t.Fatalf("first token should be allowed")
	}
	if !rl.Allow(ctx) {
		t.Fatalf("second token (within burst) should be allowed")
	}
}
