package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrOpen matches any *CircuitOpenError via errors.Is.
var ErrOpen = errors.New("circuit breaker open")

// CircuitOpenError is returned when a call is rejected without being attempted.
type CircuitOpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.Remaining <= 0 {
		return fmt.Sprintf("circuit %q half-open: trial calls in flight", e.Name)
	}
	return fmt.Sprintf("circuit %q open: retry in %s", e.Name, e.Remaining.Round(time.Millisecond))
}

// Is reports ErrOpen as a match.
func (e *CircuitOpenError) Is(target error) bool {
	return target == ErrOpen
}

// TimeoutError is returned when a wrapped call exceeds its timeout.
// It unwraps to context.DeadlineExceeded.
type TimeoutError struct {
	Name    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: call timed out after %s", e.Name, e.Timeout)
}

func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// IsOpen reports whether err (or anything it wraps) is a rejection by an open breaker.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}

// IsTimeout reports whether err is a breaker timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
