package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fastPolicy = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	v, attempts, err := Retry(context.Background(), fastPolicy, func() (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("unavailable")
		}
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if v != "ok" || attempts != 3 {
		t.Errorf("got %q after %d attempts", v, attempts)
	}
}

func TestRetryGivesUp(t *testing.T) {
	cause := errors.New("unavailable")
	_, attempts, err := Retry(context.Background(), fastPolicy, func() (int, error) {
		return 0, cause
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause, got %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryPermanent(t *testing.T) {
	cause := errors.New("bad request")
	_, attempts, err := Retry(context.Background(), fastPolicy, func() (int, error) {
		return 0, Permanent(cause)
	})
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}
