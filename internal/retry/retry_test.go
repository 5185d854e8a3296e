package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsWithoutRetrying(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), DefaultPolicy(), func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 42, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("got %d, want 42", got)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	policy := Policy{InitialInterval: time.Millisecond, Multiplier: 1.0, MaxAttempts: 5}
	calls := 0
	got, err := Do(context.Background(), policy, func(ctx context.Context, attempt int) (string, error) {
		calls++
		if attempt < 3 {
			return "", errors.New("transient")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "ok" {
		t.Errorf("got %q, want %q", got, "ok")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestDoStopsAtMaxAttempts covers the retry ceiling: Do must not retry past
// the policy's MaxAttempts.
func TestDoStopsAtMaxAttempts(t *testing.T) {
	policy := Policy{InitialInterval: time.Millisecond, Multiplier: 1.0, MaxAttempts: 3}
	calls := 0
	_, err := Do(context.Background(), policy, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, errors.New("always fails")
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoStopsImmediatelyOnPermanentError(t *testing.T) {
	policy := Policy{InitialInterval: time.Millisecond, Multiplier: 1.0, MaxAttempts: 5}
	calls := 0
	sentinel := errors.New("validation failed")
	_, err := Do(context.Background(), policy, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, Permanent(sentinel)
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (permanent error must not retry)", calls)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	policy := Policy{InitialInterval: 50 * time.Millisecond, Multiplier: 1.0, MaxAttempts: 10}
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	_, err := Do(ctx, policy, func(ctx context.Context, attempt int) (int, error) {
		calls++
		return 0, errors.New("still failing")
	})
	if err == nil {
		t.Fatal("expected error after context cancellation")
	}
}
