// Package retry runs provider calls with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	Base     time.Duration
	Max      time.Duration
	// Jitter adds up to Base of random delay to each wait.
	Jitter bool
}

// DefaultPolicy is 3 attempts, 200ms base, 2s cap.
func DefaultPolicy() Policy {
	return Policy{Attempts: 3, Base: 200 * time.Millisecond, Max: 2 * time.Second}
}

// permanentError marks an error as not eligible for retries.
type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Do returns it without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, returns a permanent error, ctx ends, or the
// attempts run out. The last error is returned unwrapped from Permanent.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	return DoNotify(ctx, p, fn, nil)
}

// DoNotify is Do with a hook called before each wait.
func DoNotify(ctx context.Context, p Policy, fn func(ctx context.Context) error, onRetry func(attempt int, err error, wait time.Duration)) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for i := 1; i <= attempts; i++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		var perm permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if i == attempts {
			break
		}

		wait := Backoff(p, i)
		if onRetry != nil {
			onRetry(i, err, wait)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

// Backoff returns the wait after the given 1-based attempt.
func Backoff(p Policy, attempt int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}

	wait := base
	for i := 1; i < attempt; i++ {
		wait *= 2
		if p.Max > 0 && wait >= p.Max {
			wait = p.Max
			break
		}
	}
	if p.Jitter {
		wait += time.Duration(rand.Int63n(int64(base)))
	}
	if p.Max > 0 && wait > p.Max {
		wait = p.Max
	}
	return wait
}
