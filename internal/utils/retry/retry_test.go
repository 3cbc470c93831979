package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsAfterRetries(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("not yet")
		}
		return nil
	}, WithMaxAttempts(5), WithInitialDelay(time.Millisecond), WithMaxDelay(5*time.Millisecond))

	if err != nil {
		t.Fatalf("Do returned error: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d; want 3", attempts)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errors.New("always fails")
	}, WithMaxAttempts(3), WithInitialDelay(time.Millisecond), WithMaxDelay(2*time.Millisecond))

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d; want 3", attempts)
	}
}

func TestDoRetryIfStopsEarly(t *testing.T) {
	unretryable := errors.New("unretryable")
	attempts := 0

	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return unretryable
	}, WithMaxAttempts(5), WithRetryIf(func(err error) bool {
		return !errors.Is(err, unretryable)
	}))

	if err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d; want 1 (should not retry unretryable error)", attempts)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, func(ctx context.Context) error {
		attempts++
		return nil
	}, WithMaxAttempts(3))

	if err == nil {
		t.Fatal("expected error from cancelled context")
	}
	if attempts != 0 {
		t.Fatalf("attempts = %d; want 0 (context already cancelled)", attempts)
	}
}

func TestDoCallsOnRetry(t *testing.T) {
	var retryCalls int
	attempts := 0

	err := Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("fail once")
		}
		return nil
	}, WithMaxAttempts(3), WithInitialDelay(time.Millisecond), WithOnRetry(func(attempt int, err error, next time.Duration) {
		retryCalls++
	}))

	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if retryCalls != 1 {
		t.Fatalf("OnRetry called %d times; want 1", retryCalls)
	}
}
