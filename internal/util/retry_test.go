package util

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetryStopsOnSuccess(t *testing.T) {
	p := Policy{Attempts: 5, Base: time.Millisecond, Cap: 2 * time.Millisecond}
	calls := 0
	err := Retry(context.Background(), p, func(int) error {
		calls++
		if calls < 3 {
			return Retryable(errors.New("503"), 0)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestRetryPermanentErrorNotRetried(t *testing.T) {
	p := Policy{Attempts: 5, Base: time.Millisecond}
	calls := 0
	boom := errors.New("400 bad request")
	err := Retry(context.Background(), p, func(int) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) || calls != 1 {
		t.Fatalf("expected single permanent failure, got %v after %d calls", err, calls)
	}
}

func TestRetryExhaustedReturnsUnderlying(t *testing.T) {
	p := Policy{Attempts: 3, Base: time.Millisecond}
	boom := errors.New("timeout")
	calls := 0
	err := Retry(context.Background(), p, func(int) error {
		calls++
		return Retryable(boom, 0)
	})
	if !errors.Is(err, boom) || calls != 3 {
		t.Fatalf("expected exhausted retries, got %v after %d calls", err, calls)
	}
	var re *RetryableError
	if errors.As(err, &re) {
		t.Fatalf("exhausted error should be unwrapped")
	}
}

func TestPolicyDelay(t *testing.T) {
	p := Policy{Base: time.Second, Cap: 30 * time.Second}
	if d := p.Delay(0, 0); d != time.Second {
		t.Fatalf("attempt 0: %v", d)
	}
	if d := p.Delay(3, 0); d != 8*time.Second {
		t.Fatalf("attempt 3: %v", d)
	}
	if d := p.Delay(10, 0); d != 30*time.Second {
		t.Fatalf("cap: %v", d)
	}
	if d := p.Delay(0, 90*time.Second); d != 30*time.Second {
		t.Fatalf("hint cap: %v", d)
	}
	if d := p.Delay(4, 200*time.Millisecond); d != time.Second {
		t.Fatalf("hint floor: %v", d)
	}
}
