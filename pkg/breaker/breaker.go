// Package breaker guards a remote dependency with a circuit breaker: after a
// run of consecutive failures, calls are rejected outright until a cooldown
// elapses, then a single probe decides whether the dependency recovered.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pawbase/datasync/pkg/logger"
)

// ErrOpen is returned when the breaker rejects a call without invoking the
// wrapped operation. Callers should surface it as "service degraded" rather
// than a generic failure, and must not retry it.
var ErrOpen = errors.New("circuit breaker is open")

// State is the breaker phase.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "InvalidState"
	}
}

func (s State) validateTransitionTo(newState State) error {
	switch s {
	case Closed:
		if newState == Open {
			return nil
		}
	case Open:
		if newState == HalfOpen {
			return nil
		}
	case HalfOpen:
		switch newState {
		case Closed, Open:
			return nil
		}
	}
	return fmt.Errorf("invalid state transition from %v to %v", s, newState)
}

// Breaker wraps calls to a single remote dependency. The zero value is not
// usable; construct with New. Safe for concurrent use.
type Breaker struct {
	threshold    int
	resetTimeout time.Duration
	logger       logger.Logger

	mu           sync.Mutex
	state        State
	failureCount int
	openedAt     time.Time
	probing      bool

	now func() time.Time
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithThreshold sets the consecutive-failure count that opens the breaker.
func WithThreshold(n int) Option {
	return func(b *Breaker) { b.threshold = n }
}

// WithResetTimeout sets the cooldown before a half-open probe is allowed.
func WithResetTimeout(d time.Duration) Option {
	return func(b *Breaker) { b.resetTimeout = d }
}

// WithLogger sets the logger used for state-transition diagnostics.
func WithLogger(log logger.Logger) Option {
	return func(b *Breaker) { b.logger = log }
}

// WithClock injects the time source. Tests use it to step past the cooldown
// without sleeping.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

func New(opts ...Option) *Breaker {
	b := &Breaker{
		threshold:    5,
		resetTimeout: 30 * time.Second,
		logger:       logger.Nop,
		state:        Closed,
		now:          time.Now,
	}
	for _, apply := range opts {
		apply(b)
	}
	return b
}

// State returns the current phase.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transitionTo(newState State) {
	if err := b.state.validateTransitionTo(newState); err != nil {
		panic(fmt.Sprintf("BUG: breaker %v", err))
	}
	b.state = newState
	b.logger.Debug("breaker state transitioned", "new_state", newState)
}

// admit decides whether a call may proceed, updating state under the lock.
// It returns whether the admitted call is the half-open probe.
func (b *Breaker) admit() (probe bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false, nil
	case Open:
		if b.now().Sub(b.openedAt) < b.resetTimeout {
			return false, ErrOpen
		}
		b.transitionTo(HalfOpen)
		b.probing = true
		return true, nil
	case HalfOpen:
		// One probe at a time; concurrent callers are rejected rather than
		// queued.
		if b.probing {
			return false, ErrOpen
		}
		b.probing = true
		return true, nil
	}

	return false, ErrOpen
}

func (b *Breaker) recordResult(probe bool, callErr error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if probe {
		b.probing = false
		if callErr != nil {
			b.openedAt = b.now()
			b.transitionTo(Open)
			return
		}
		b.failureCount = 0
		b.transitionTo(Closed)
		return
	}

	// The breaker may have opened while this call was in flight; a stale
	// result must not disturb the open state.
	if b.state != Closed {
		return
	}

	if callErr == nil {
		b.failureCount = 0
		return
	}

	b.failureCount++
	if b.failureCount >= b.threshold {
		b.openedAt = b.now()
		b.transitionTo(Open)
	}
}

// Do runs op under the breaker. While open, calls fail fast with ErrOpen and
// the operation is never invoked.
func (b *Breaker) Do(ctx context.Context, op func(context.Context) (any, error)) (any, error) {
	probe, err := b.admit()
	if err != nil {
		return nil, err
	}

	result, callErr := op(ctx)
	b.recordResult(probe, callErr)

	if callErr != nil {
		return nil, callErr
	}
	return result, nil
}
