package util

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

// Policy describes a bounded exponential backoff.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
	Jitter   time.Duration
}

// DefaultPolicy mirrors the upstream API etiquette: six attempts, 2^n seconds
// capped at 30s, up to half a second of jitter.
func DefaultPolicy() Policy {
	return Policy{Attempts: 6, Base: time.Second, Cap: 30 * time.Second, Jitter: 500 * time.Millisecond}
}

// Delay returns the wait before retry number attempt (0-based). A positive
// hint, typically from Retry-After, replaces the exponential term and is
// clamped to [Base, Cap].
func (p Policy) Delay(attempt int, hint time.Duration) time.Duration {
	var d time.Duration
	if hint > 0 {
		d = hint
		if d < p.Base {
			d = p.Base
		}
	} else {
		d = time.Duration(float64(p.Base) * math.Pow(2, float64(attempt)))
	}
	if p.Cap > 0 && d > p.Cap {
		d = p.Cap
	}
	if p.Jitter > 0 {
		d += rand.N(p.Jitter)
	}
	return d
}

// RetryableError marks an error as transient. After, when positive, overrides
// the computed delay.
type RetryableError struct {
	Err   error
	After time.Duration
}

func (e *RetryableError) Error() string { return e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err so Retry tries again.
func Retryable(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err, After: after}
}

// Retry executes fn until it succeeds, returns a non-retryable error, or the
// policy runs out of attempts. The last underlying error is returned.
func Retry(ctx context.Context, p Policy, fn func(attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn(i)
		if err == nil {
			return nil
		}
		var re *RetryableError
		if !errors.As(err, &re) {
			return err
		}
		if i == attempts-1 {
			return re.Err
		}
		timer := time.NewTimer(p.Delay(i, re.After))
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
	return err
}
