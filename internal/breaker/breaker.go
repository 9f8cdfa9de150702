// Package breaker wraps calls to external dependencies with a circuit breaker
// and a timeout.
//
// A breaker starts closed. Consecutive failures at or above the failure
// threshold open it; while open, calls are rejected with *CircuitOpenError
// until the cooldown since the last failure has elapsed. The next attempt
// moves it to half-open, where a limited number of trial calls run at a
// time; enough consecutive successes close it again and any failure
// reopens it. A panic in the wrapped function is returned as an error and
// counts as a failure.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ShayCichocki/switchboard/internal/logging"
	"github.com/ShayCichocki/switchboard/pkg/models"
)

// Policy holds the tunables for one breaker.
type Policy struct {
	FailureThreshold  int
	HalfOpenSuccesses int
	// HalfOpenMaxCalls bounds concurrent trial calls while half-open.
	// Zero means HalfOpenSuccesses.
	HalfOpenMaxCalls  int
	Cooldown          time.Duration
	// Timeout bounds each call made through Call or Do.
	Timeout time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		FailureThreshold:  5,
		HalfOpenSuccesses: 2,
		Cooldown:          30 * time.Second,
		Timeout:           30 * time.Second,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.FailureThreshold <= 0 {
		p.FailureThreshold = d.FailureThreshold
	}
	if p.HalfOpenSuccesses <= 0 {
		p.HalfOpenSuccesses = d.HalfOpenSuccesses
	}
	if p.HalfOpenMaxCalls <= 0 {
		p.HalfOpenMaxCalls = p.HalfOpenSuccesses
	}
	if p.Cooldown <= 0 {
		p.Cooldown = d.Cooldown
	}
	if p.Timeout <= 0 {
		p.Timeout = d.Timeout
	}
	return p
}

// Observer receives breaker events. *metrics.Recorder satisfies it.
type Observer interface {
	ObserveBreakerState(name string, state models.CircuitState)
	ObserveBreakerRejected(name string)
	ObserveBreakerCall(name, outcome string)
}

type nopObserver struct{}

func (nopObserver) ObserveBreakerState(string, models.CircuitState) {}
func (nopObserver) ObserveBreakerRejected(string)                   {}
func (nopObserver) ObserveBreakerCall(string, string)               {}

// Stats is a point-in-time view of one breaker.
type Stats struct {
	State         models.CircuitState `json:"state"`
	FailureCount  int                 `json:"failure_count"`
	SuccessCount  int                 `json:"success_count"`
	LastFailureAt time.Time           `json:"last_failure_at,omitempty"`
	// Remaining is the cooldown left while open, zero otherwise.
	Remaining time.Duration `json:"remaining"`
}

// Breaker guards one named dependency.
type Breaker struct {
	name   string
	policy Policy
	now    func() time.Time
	log    zerolog.Logger
	obs    Observer

	mu            sync.Mutex
	state         models.CircuitState
	failures      int
	successes     int
	lastFailureAt time.Time
	// trials counts trial calls in flight during the current half-open
	// period, identified by epoch.
	trials int
	epoch  uint64
}

// ticket identifies an admitted half-open trial call.
type ticket struct {
	trial bool
	epoch uint64
}

// New creates a closed breaker.
func New(name string, policy Policy, opts ...Option) *Breaker {
	o := applyOptions(opts)
	b := &Breaker{
		name:   name,
		policy: policy.normalized(),
		now:    o.now,
		log:    o.log.With().Str(logging.DEPENDENCY, name).Logger(),
		obs:    o.obs,
		state:  models.CircuitClosed,
	}
	b.obs.ObserveBreakerState(name, models.CircuitClosed)
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// Policy returns the effective policy.
func (b *Breaker) Policy() Policy { return b.policy }

// State returns the current state without causing a transition.
func (b *Breaker) State() models.CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker's counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		State:         b.state,
		FailureCount:  b.failures,
		SuccessCount:  b.successes,
		LastFailureAt: b.lastFailureAt,
	}
	if b.state == models.CircuitOpen {
		if rem := b.policy.Cooldown - b.now().Sub(b.lastFailureAt); rem > 0 {
			s.Remaining = rem
		}
	}
	return s
}

// Call runs fn with the policy timeout.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	return b.CallTimeout(ctx, b.policy.Timeout, fn)
}

// CallTimeout runs fn through the breaker, bounded by timeout.
// A rejected call returns *CircuitOpenError without invoking fn. A call that
// outlives timeout returns *TimeoutError and counts as a failure. Cancellation
// of ctx by the caller is returned as is and not counted.
func (b *Breaker) CallTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	tk, err := b.allow()
	if err != nil {
		return err
	}
	defer b.release(tk)

	if timeout <= 0 {
		timeout = b.policy.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				b.log.Error().Interface("panic", r).Str(logging.EVENT, "panic").Msg("wrapped call panicked")
				done <- fmt.Errorf("%s: panic: %v", b.name, r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err = <-done:
	case <-callCtx.Done():
		if ctx.Err() == nil {
			err = &TimeoutError{Name: b.name, Timeout: timeout}
		} else {
			err = ctx.Err()
		}
	}

	switch {
	case err == nil:
		b.record(true)
		b.obs.ObserveBreakerCall(b.name, "success")
	case ctx.Err() != nil:
		// Caller gave up; the dependency is not to blame.
	case IsTimeout(err):
		b.record(false)
		b.obs.ObserveBreakerCall(b.name, "timeout")
	default:
		b.record(false)
		b.obs.ObserveBreakerCall(b.name, "failure")
	}
	return err
}

// Do is Call for functions that return a value.
func Do[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	return DoTimeout(ctx, b, 0, fn)
}

// DoTimeout is CallTimeout for functions that return a value. A timeout <= 0
// uses the policy timeout.
func DoTimeout[T any](ctx context.Context, b *Breaker, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := b.CallTimeout(ctx, timeout, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return out, nil
}

// allow admits or rejects a call, moving an open breaker to half-open once
// its cooldown has elapsed. While half-open at most HalfOpenMaxCalls trial
// calls are in flight; the rest are rejected.
func (b *Breaker) allow() (ticket, error) {
	b.mu.Lock()
	switch b.state {
	case models.CircuitClosed:
		b.mu.Unlock()
		return ticket{}, nil
	case models.CircuitHalfOpen:
		if b.trials >= b.policy.HalfOpenMaxCalls {
			b.mu.Unlock()
			b.obs.ObserveBreakerRejected(b.name)
			return ticket{}, &CircuitOpenError{Name: b.name}
		}
		b.trials++
		tk := ticket{trial: true, epoch: b.epoch}
		b.mu.Unlock()
		return tk, nil
	}

	elapsed := b.now().Sub(b.lastFailureAt)
	if elapsed < b.policy.Cooldown {
		remaining := b.policy.Cooldown - elapsed
		b.mu.Unlock()
		b.obs.ObserveBreakerRejected(b.name)
		return ticket{}, &CircuitOpenError{Name: b.name, Remaining: remaining}
	}

	b.state = models.CircuitHalfOpen
	b.successes = 0
	b.epoch++
	b.trials = 1
	tk := ticket{trial: true, epoch: b.epoch}
	b.mu.Unlock()

	b.transitioned(models.CircuitOpen, models.CircuitHalfOpen, 0)
	return tk, nil
}

// release frees a half-open trial slot. Slots from an earlier half-open
// period are ignored.
func (b *Breaker) release(tk ticket) {
	if !tk.trial {
		return
	}
	b.mu.Lock()
	if tk.epoch == b.epoch && b.trials > 0 {
		b.trials--
	}
	b.mu.Unlock()
}

// record applies one call outcome to the state machine.
func (b *Breaker) record(success bool) {
	b.mu.Lock()
	from := b.state
	now := b.now()

	switch b.state {
	case models.CircuitClosed:
		if success {
			b.failures = 0
			break
		}
		b.failures++
		if b.failures >= b.policy.FailureThreshold {
			b.state = models.CircuitOpen
			b.lastFailureAt = now
		}
	case models.CircuitHalfOpen:
		if !success {
			b.state = models.CircuitOpen
			b.successes = 0
			b.failures++
			b.lastFailureAt = now
			break
		}
		b.successes++
		if b.successes >= b.policy.HalfOpenSuccesses {
			b.state = models.CircuitClosed
			b.failures = 0
			b.successes = 0
		}
	case models.CircuitOpen:
		// A call admitted before the breaker reopened finished late.
		if !success {
			b.lastFailureAt = now
		}
	}

	to := b.state
	failures := b.failures
	b.mu.Unlock()

	if from != to {
		b.transitioned(from, to, failures)
	}
}

func (b *Breaker) transitioned(from, to models.CircuitState, failures int) {
	ev := b.log.Info()
	if to == models.CircuitOpen {
		ev = b.log.Warn()
	}
	ev.Str(logging.EVENT, "state_change").
		Str("from", string(from)).
		Str(logging.STATE, string(to)).
		Int("failures", failures).
		Msg("circuit breaker transition")
	b.obs.ObserveBreakerState(b.name, to)
}
