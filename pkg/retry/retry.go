// Package retry executes a remote operation under an exponential-backoff
// policy, retrying transient failures and propagating everything else
// unchanged.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/pawbase/datasync/pkg/gateway"
	"github.com/pawbase/datasync/pkg/logger"
)

// Policy controls how an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the exponential delay.
	MaxDelay time.Duration

	// Multiplier is the exponential backoff multiplier.
	Multiplier float64

	// Jitter adds randomness to the delay to avoid thundering herd.
	Jitter bool

	// JitterFactor is the maximum jitter as a fraction of the delay (0.0 to 1.0).
	JitterFactor float64

	// IsRetryable classifies errors. Only errors it accepts are retried.
	// Defaults to gateway.IsTransient.
	IsRetryable func(error) bool
}

// DefaultPolicy retries transient gateway failures up to three attempts with
// jittered exponential backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  3,
		BaseDelay:    100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		JitterFactor: 0.3,
		IsRetryable:  gateway.IsTransient,
	}
}

// Delay returns the backoff before retry number attempt (1-based):
// min(BaseDelay * Multiplier^(attempt-1), MaxDelay), with optional jitter.
func (p Policy) Delay(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))

	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}

	if p.Jitter && p.JitterFactor > 0 {
		//nolint:gosec // math/rand is fine for jitter, not security-critical
		jitter := d * p.JitterFactor * (2*rand.Float64() - 1)
		d += jitter
		if d < 0 {
			d = float64(p.BaseDelay)
		}
	}

	return time.Duration(d)
}

// ExhaustedError reports that every attempt permitted by the policy failed.
// It wraps the last underlying error.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// OnRetry is invoked after a retryable failure, before the backoff delay.
// attempt is the 1-based attempt that just failed.
type OnRetry func(attempt int, err error, delay time.Duration)

// Option configures a Do call.
type Option func(*options)

type options struct {
	onRetry OnRetry
	log     logger.Logger
}

// WithOnRetry registers a callback fired before each backoff wait. Errors or
// panics inside the callback are logged and never propagated.
func WithOnRetry(fn OnRetry) Option {
	return func(o *options) { o.onRetry = fn }
}

// WithLogger sets the logger used for retry diagnostics.
func WithLogger(log logger.Logger) Option {
	return func(o *options) { o.log = log }
}

// Do runs op under the policy. Retryable failures are absorbed and retried
// after a backoff; everything else is returned immediately. Cancellation of
// ctx during the call or the backoff wait returns ctx.Err().
func Do(ctx context.Context, policy Policy, op func(context.Context) (any, error), opts ...Option) (any, error) {
	o := options{log: logger.Nop}
	for _, apply := range opts {
		apply(&o)
	}

	retryable := policy.IsRetryable
	if retryable == nil {
		retryable = gateway.IsTransient
	}

	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		if !retryable(err) {
			return nil, err
		}

		lastErr = err

		if attempt == maxAttempts {
			break
		}

		delay := policy.Delay(attempt)

		if o.onRetry != nil {
			invokeOnRetry(o.onRetry, attempt, err, delay, o.log)
		}

		o.log.Debug("retrying after transient failure",
			"attempt", attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return nil, &ExhaustedError{Attempts: maxAttempts, Err: lastErr}
}

// DoTyped is Do with a typed result.
func DoTyped[T any](ctx context.Context, policy Policy, op func(context.Context) (T, error), opts ...Option) (T, error) {
	result, err := Do(ctx, policy, func(ctx context.Context) (any, error) {
		return op(ctx)
	}, opts...)
	if err != nil {
		var zero T
		return zero, err
	}
	v, _ := result.(T)
	return v, nil
}

// invokeOnRetry shields the retry loop from a misbehaving callback.
func invokeOnRetry(fn OnRetry, attempt int, err error, delay time.Duration, log logger.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn("onRetry callback panicked", "panic", r)
		}
	}()
	fn(attempt, err, delay)
}
