package breaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend unavailable")

// testClock is a manually stepped time source.
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func failingOp(calls *int) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		*calls++
		return nil, errBackend
	}
}

func succeedingOp(calls *int) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		*calls++
		return "ok", nil
	}
}

func TestBreakerClosed(t *testing.T) {
	t.Run("passes results through", func(t *testing.T) {
		b := New(WithThreshold(3))
		calls := 0

		result, err := b.Do(context.Background(), succeedingOp(&calls))
		require.NoError(t, err)
		assert.Equal(t, "ok", result)
		assert.Equal(t, Closed, b.State())
	})

	t.Run("success resets the failure count", func(t *testing.T) {
		b := New(WithThreshold(3))
		calls := 0

		for i := 0; i < 2; i++ {
			_, err := b.Do(context.Background(), failingOp(&calls))
			assert.ErrorIs(t, err, errBackend)
		}
		_, err := b.Do(context.Background(), succeedingOp(&calls))
		require.NoError(t, err)

		// Two more failures must not trip a threshold of three.
		for i := 0; i < 2; i++ {
			_, err := b.Do(context.Background(), failingOp(&calls))
			assert.ErrorIs(t, err, errBackend)
		}
		assert.Equal(t, Closed, b.State())
	})
}

func TestBreakerOpens(t *testing.T) {
	clock := newTestClock()
	b := New(WithThreshold(3), WithResetTimeout(time.Second), WithClock(clock.Now))
	calls := 0

	for i := 0; i < 3; i++ {
		_, err := b.Do(context.Background(), failingOp(&calls))
		assert.ErrorIs(t, err, errBackend)
	}
	require.Equal(t, Open, b.State())
	assert.Equal(t, 3, calls)

	// 10ms after opening, well before the reset timeout: rejected without a
	// network attempt.
	clock.Advance(10 * time.Millisecond)
	_, err := b.Do(context.Background(), failingOp(&calls))
	assert.ErrorIs(t, err, ErrOpen)
	assert.Equal(t, 3, calls, "wrapped operation must not be invoked while open")
}

func TestBreakerHalfOpen(t *testing.T) {
	t.Run("probe success closes and resets", func(t *testing.T) {
		clock := newTestClock()
		b := New(WithThreshold(2), WithResetTimeout(time.Second), WithClock(clock.Now))
		calls := 0

		for i := 0; i < 2; i++ {
			_, _ = b.Do(context.Background(), failingOp(&calls))
		}
		require.Equal(t, Open, b.State())

		clock.Advance(time.Second)
		result, err := b.Do(context.Background(), succeedingOp(&calls))
		require.NoError(t, err)
		assert.Equal(t, "ok", result)
		assert.Equal(t, Closed, b.State())

		// Failure count was reset: one failure must not re-open.
		_, _ = b.Do(context.Background(), failingOp(&calls))
		assert.Equal(t, Closed, b.State())
	})

	t.Run("probe failure re-opens and resets the timer", func(t *testing.T) {
		clock := newTestClock()
		b := New(WithThreshold(2), WithResetTimeout(time.Second), WithClock(clock.Now))
		calls := 0

		for i := 0; i < 2; i++ {
			_, _ = b.Do(context.Background(), failingOp(&calls))
		}

		clock.Advance(time.Second)
		_, err := b.Do(context.Background(), failingOp(&calls))
		assert.ErrorIs(t, err, errBackend)
		require.Equal(t, Open, b.State())

		// The cooldown restarted at the probe failure: half the timeout later
		// the breaker is still open.
		clock.Advance(500 * time.Millisecond)
		_, err = b.Do(context.Background(), failingOp(&calls))
		assert.ErrorIs(t, err, ErrOpen)

		clock.Advance(500 * time.Millisecond)
		_, err = b.Do(context.Background(), succeedingOp(&calls))
		require.NoError(t, err)
		assert.Equal(t, Closed, b.State())
	})

	t.Run("exactly one probe, concurrent caller rejected", func(t *testing.T) {
		clock := newTestClock()
		b := New(WithThreshold(1), WithResetTimeout(time.Second), WithClock(clock.Now))
		calls := 0

		_, _ = b.Do(context.Background(), failingOp(&calls))
		require.Equal(t, Open, b.State())
		clock.Advance(time.Second)

		probeStarted := make(chan struct{})
		release := make(chan struct{})
		probeDone := make(chan error, 1)

		go func() {
			_, err := b.Do(context.Background(), func(ctx context.Context) (any, error) {
				close(probeStarted)
				<-release
				return "ok", nil
			})
			probeDone <- err
		}()

		<-probeStarted
		// The probe is outstanding; a second caller is rejected, not queued.
		concurrent := 0
		_, err := b.Do(context.Background(), succeedingOp(&concurrent))
		assert.ErrorIs(t, err, ErrOpen)
		assert.Equal(t, 0, concurrent)

		close(release)
		require.NoError(t, <-probeDone)
		assert.Equal(t, Closed, b.State())
	})
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "Closed", Closed.String())
	assert.Equal(t, "Open", Open.String())
	assert.Equal(t, "HalfOpen", HalfOpen.String())
}
