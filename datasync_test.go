package datasync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pawbase/datasync/pkg/breaker"
	"github.com/pawbase/datasync/pkg/cache"
	"github.com/pawbase/datasync/pkg/gateway"
	"github.com/pawbase/datasync/pkg/models"
	"github.com/pawbase/datasync/pkg/retry"
)

// fakeGateway is a programmable in-memory gateway.
type fakeGateway struct {
	mu      sync.Mutex
	readFn  func(gateway.QueryDescriptor) (any, error)
	writeFn func(gateway.MutationDescriptor) (gateway.WriteResult, error)

	readCalls  atomic.Int32
	writeCalls atomic.Int32

	handler gateway.NotificationHandler
	states  chan gateway.State
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		readFn: func(gateway.QueryDescriptor) (any, error) {
			return "value", nil
		},
		writeFn: func(gateway.MutationDescriptor) (gateway.WriteResult, error) {
			return gateway.WriteResult{Accepted: true}, nil
		},
		states: make(chan gateway.State, 8),
	}
}

func (g *fakeGateway) Read(ctx context.Context, q gateway.QueryDescriptor) (any, error) {
	g.readCalls.Add(1)
	g.mu.Lock()
	fn := g.readFn
	g.mu.Unlock()
	return fn(q)
}

func (g *fakeGateway) Write(ctx context.Context, m gateway.MutationDescriptor) (gateway.WriteResult, error) {
	g.writeCalls.Add(1)
	g.mu.Lock()
	fn := g.writeFn
	g.mu.Unlock()
	return fn(m)
}

func (g *fakeGateway) Subscribe(ctx context.Context, scope string, fn gateway.NotificationHandler) (gateway.Handle, error) {
	g.mu.Lock()
	g.handler = fn
	g.mu.Unlock()
	return fakeHandle{}, nil
}

func (g *fakeGateway) ConnState() <-chan gateway.State {
	return g.states
}

func (g *fakeGateway) setRead(fn func(gateway.QueryDescriptor) (any, error)) {
	g.mu.Lock()
	g.readFn = fn
	g.mu.Unlock()
}

func (g *fakeGateway) setWrite(fn func(gateway.MutationDescriptor) (gateway.WriteResult, error)) {
	g.mu.Lock()
	g.writeFn = fn
	g.mu.Unlock()
}

type fakeHandle struct{}

func (fakeHandle) Unsubscribe(ctx context.Context) error { return nil }

func newTestClient(t *testing.T, gw *fakeGateway) *Client {
	t.Helper()
	c, err := New(Config{
		Gateway: gw,
		Scope:   "tenant:groomers-r-us",
		RetryPolicy: retry.Policy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
			Multiplier:  2.0,
		},
		BreakerThreshold:    3,
		BreakerResetTimeout: time.Minute,
		StaleTime:           time.Hour,
		AckTimeout:          time.Second,
	})
	require.NoError(t, err)
	return c
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

var petKey = cache.RecordKey(models.Pets, "pet:1")

func TestNewRequiresGateway(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestQuery(t *testing.T) {
	t.Run("fetches and caches", func(t *testing.T) {
		gw := newFakeGateway()
		gw.setRead(func(q gateway.QueryDescriptor) (any, error) {
			assert.Equal(t, models.Pets, q.Entity)
			assert.Equal(t, "pet:1", q.ID)
			return map[string]any{"name": "Max"}, nil
		})
		c := newTestClient(t, gw)

		res, err := c.Query(context.Background(), petKey)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "Max"}, res.Data)
		assert.False(t, res.IsOptimistic)
		assert.False(t, res.IsStale)

		_, err = c.Query(context.Background(), petKey)
		require.NoError(t, err)
		assert.Equal(t, int32(1), gw.readCalls.Load(), "fresh hit must not hit the network")
	})

	t.Run("retries transient read failures", func(t *testing.T) {
		gw := newFakeGateway()
		var attempts atomic.Int32
		gw.setRead(func(gateway.QueryDescriptor) (any, error) {
			if attempts.Add(1) < 3 {
				return nil, gateway.NewTransientError(503, errors.New("edge hiccup"))
			}
			return "recovered", nil
		})
		c := newTestClient(t, gw)

		res, err := c.Query(context.Background(), petKey)
		require.NoError(t, err)
		assert.Equal(t, "recovered", res.Data)
		assert.Equal(t, int32(3), gw.readCalls.Load())
	})

	t.Run("fatal read failure does not retry", func(t *testing.T) {
		gw := newFakeGateway()
		gw.setRead(func(gateway.QueryDescriptor) (any, error) {
			return nil, &gateway.FatalError{Status: 404, Reason: "no such pet"}
		})
		c := newTestClient(t, gw)

		_, err := c.Query(context.Background(), petKey)
		require.Error(t, err)
		assert.True(t, gateway.IsFatal(err))
		assert.Equal(t, int32(1), gw.readCalls.Load())
	})

	t.Run("open breaker short-circuits the backoff schedule", func(t *testing.T) {
		gw := newFakeGateway()
		gw.setRead(func(gateway.QueryDescriptor) (any, error) {
			return nil, gateway.NewTransientError(503, errors.New("down"))
		})
		c := newTestClient(t, gw)

		// Threshold is 3; the first Query burns all 3 attempts and opens the
		// breaker.
		_, err := c.Query(context.Background(), petKey)
		require.Error(t, err)
		require.Equal(t, breaker.Open, c.readBreaker.State())
		calls := gw.readCalls.Load()

		// The next Query is rejected immediately: no retries, no network.
		_, err = c.Query(context.Background(), cache.RecordKey(models.Pets, "pet:2"))
		assert.ErrorIs(t, err, breaker.ErrOpen)
		assert.Equal(t, calls, gw.readCalls.Load())
	})

	t.Run("open breaker is distinguishable on a stale entry's result", func(t *testing.T) {
		gw := newFakeGateway()
		c, err := New(Config{
			Gateway:             gw,
			RetryPolicy:         retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, Multiplier: 1.0},
			BreakerThreshold:    1,
			BreakerResetTimeout: time.Minute,
			StaleTime:           10 * time.Millisecond,
			AckTimeout:          time.Second,
		})
		require.NoError(t, err)

		res, err := c.Query(context.Background(), petKey)
		require.NoError(t, err)
		require.Equal(t, "value", res.Data)

		gw.setRead(func(gateway.QueryDescriptor) (any, error) {
			return nil, gateway.NewTransientError(503, errors.New("down"))
		})
		time.Sleep(20 * time.Millisecond)

		// Stale hit: the last good value is served while the background
		// refresh fails and trips the breaker.
		res, err = c.Query(context.Background(), petKey)
		require.NoError(t, err)
		assert.Equal(t, "value", res.Data)

		waitFor(t, func() bool {
			res, _ := c.Query(context.Background(), petKey)
			return errors.Is(res.Err, breaker.ErrOpen)
		})

		res, err = c.Query(context.Background(), petKey)
		require.NoError(t, err)
		assert.Equal(t, "value", res.Data, "degraded reads still serve the last good value")
		assert.True(t, res.IsStale)
		assert.ErrorIs(t, res.Err, breaker.ErrOpen, "callers can render 'service degraded', not a generic failure")
	})
}

func TestWatch(t *testing.T) {
	gw := newFakeGateway()
	c := newTestClient(t, gw)

	var mu sync.Mutex
	var seen []QueryResult
	stop := c.Watch(petKey, func(r QueryResult) {
		mu.Lock()
		seen = append(seen, r)
		mu.Unlock()
	})
	defer stop()

	_, err := c.Query(context.Background(), petKey)
	require.NoError(t, err)

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0].Data == "value"
	})
}

func TestMutate(t *testing.T) {
	renameRequest := func() MutationRequest {
		return MutationRequest{
			Write: gateway.MutationDescriptor{
				Entity: models.Pets,
				ID:     "pet:1",
				Action: models.UpdateAction,
				Data:   map[string]any{"name": "Rex"},
			},
			AffectedKeys: []cache.Key{petKey},
			Optimistic: func(key cache.Key, current any) any {
				return map[string]any{"name": "Rex"}
			},
		}
	}

	seed := func(t *testing.T, gw *fakeGateway) *Client {
		gw.setRead(func(gateway.QueryDescriptor) (any, error) {
			return map[string]any{"name": "Max"}, nil
		})
		c := newTestClient(t, gw)
		_, err := c.Query(context.Background(), petKey)
		require.NoError(t, err)
		return c
	}

	t.Run("optimistic value is visible before the write completes", func(t *testing.T) {
		gw := newFakeGateway()
		c := seed(t, gw)

		inWrite := make(chan struct{})
		release := make(chan struct{})
		gw.setWrite(func(gateway.MutationDescriptor) (gateway.WriteResult, error) {
			close(inWrite)
			<-release
			return gateway.WriteResult{Accepted: true}, nil
		})

		done := make(chan error, 1)
		go func() {
			_, err := c.Mutate(context.Background(), renameRequest())
			done <- err
		}()

		<-inWrite
		res, err := c.Query(context.Background(), petKey)
		require.NoError(t, err)
		assert.True(t, res.IsOptimistic)
		assert.Equal(t, map[string]any{"name": "Rex"}, res.Data)

		close(release)
		require.NoError(t, <-done)

		res, err = c.Query(context.Background(), petKey)
		require.NoError(t, err)
		assert.False(t, res.IsOptimistic)
		assert.Equal(t, map[string]any{"name": "Rex"}, res.Data)
	})

	t.Run("canonical value from the server wins on commit", func(t *testing.T) {
		gw := newFakeGateway()
		c := seed(t, gw)

		gw.setWrite(func(gateway.MutationDescriptor) (gateway.WriteResult, error) {
			return gateway.WriteResult{
				Accepted:       true,
				CanonicalValue: map[string]any{"name": "Rex", "version": int64(7)},
			}, nil
		})

		result, err := c.Mutate(context.Background(), renameRequest())
		require.NoError(t, err)
		assert.True(t, result.Accepted)

		res, err := c.Query(context.Background(), petKey)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "Rex", "version": int64(7)}, res.Data)
	})

	t.Run("terminal failure rolls back to the snapshot", func(t *testing.T) {
		gw := newFakeGateway()
		c := seed(t, gw)

		gw.setWrite(func(gateway.MutationDescriptor) (gateway.WriteResult, error) {
			return gateway.WriteResult{}, &gateway.FatalError{Status: 422, Reason: "name too long"}
		})

		_, err := c.Mutate(context.Background(), renameRequest())
		require.Error(t, err)
		assert.True(t, gateway.IsFatal(err))

		res, err := c.Query(context.Background(), petKey)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "Max"}, res.Data, "entry must restore to the pre-mutation value")
		assert.False(t, res.IsOptimistic)
		assert.Error(t, res.Err, "the failure is flagged on the entry")
	})

	t.Run("retry exhaustion rolls back", func(t *testing.T) {
		gw := newFakeGateway()
		c := seed(t, gw)

		gw.setWrite(func(gateway.MutationDescriptor) (gateway.WriteResult, error) {
			return gateway.WriteResult{}, gateway.NewTransientError(503, errors.New("still down"))
		})

		_, err := c.Mutate(context.Background(), renameRequest())
		require.Error(t, err)

		var ex *retry.ExhaustedError
		require.True(t, errors.As(err, &ex))
		assert.Equal(t, 3, ex.Attempts)
		assert.Equal(t, int32(3), gw.writeCalls.Load())

		res, qerr := c.Query(context.Background(), petKey)
		require.NoError(t, qerr)
		assert.Equal(t, map[string]any{"name": "Max"}, res.Data)
	})

	t.Run("multi-key failure rolls back all keys together", func(t *testing.T) {
		gw := newFakeGateway()
		listKey := cache.ListKey(models.Pets)
		gw.setRead(func(q gateway.QueryDescriptor) (any, error) {
			if q.ID == "" {
				return []any{"max"}, nil
			}
			return "max", nil
		})
		c := newTestClient(t, gw)
		_, err := c.Query(context.Background(), petKey)
		require.NoError(t, err)
		_, err = c.Query(context.Background(), listKey)
		require.NoError(t, err)

		gw.setWrite(func(gateway.MutationDescriptor) (gateway.WriteResult, error) {
			return gateway.WriteResult{}, &gateway.FatalError{Status: 400, Reason: "rejected"}
		})

		req := renameRequest()
		req.AffectedKeys = []cache.Key{petKey, listKey}
		req.Optimistic = func(key cache.Key, current any) any {
			if key == listKey {
				return []any{"rex"}
			}
			return "rex"
		}

		_, err = c.Mutate(context.Background(), req)
		require.Error(t, err)

		recordRes, err := c.Query(context.Background(), petKey)
		require.NoError(t, err)
		listRes, err := c.Query(context.Background(), listKey)
		require.NoError(t, err)
		assert.Equal(t, "max", recordRes.Data)
		assert.Equal(t, []any{"max"}, listRes.Data)
	})

	t.Run("conflict rolls back and refetches the affected keys", func(t *testing.T) {
		gw := newFakeGateway()
		c := seed(t, gw)

		gw.setWrite(func(m gateway.MutationDescriptor) (gateway.WriteResult, error) {
			return gateway.WriteResult{}, &gateway.ConflictError{Entity: m.Entity, ID: m.ID}
		})

		// After the conflict, the backend's truth is a newer Max record.
		gw.setRead(func(gateway.QueryDescriptor) (any, error) {
			return map[string]any{"name": "Max", "version": int64(2)}, nil
		})

		_, err := c.Mutate(context.Background(), renameRequest())
		require.Error(t, err)
		assert.True(t, gateway.IsConflict(err))

		// Rollback is immediate; the reconciling refetch lands shortly after.
		waitFor(t, func() bool {
			res, qerr := c.Query(context.Background(), petKey)
			if qerr != nil {
				return false
			}
			data, ok := res.Data.(map[string]any)
			return ok && data["name"] == "Max" && data["version"] == int64(2)
		})
	})

	t.Run("ack timeout forces rollback, late success is discarded", func(t *testing.T) {
		gw := newFakeGateway()
		gw.setRead(func(gateway.QueryDescriptor) (any, error) {
			return map[string]any{"name": "Max"}, nil
		})
		c, err := New(Config{
			Gateway:    gw,
			StaleTime:  time.Hour,
			AckTimeout: 30 * time.Millisecond,
			RetryPolicy: retry.Policy{
				MaxAttempts: 1,
				BaseDelay:   time.Millisecond,
				MaxDelay:    time.Millisecond,
				Multiplier:  1.0,
			},
		})
		require.NoError(t, err)
		_, err = c.Query(context.Background(), petKey)
		require.NoError(t, err)

		release := make(chan struct{})
		gw.setWrite(func(gateway.MutationDescriptor) (gateway.WriteResult, error) {
			<-release
			return gateway.WriteResult{Accepted: true}, nil
		})

		_, err = c.Mutate(context.Background(), MutationRequest{
			Write:        gateway.MutationDescriptor{Entity: models.Pets, ID: "pet:1", Action: models.UpdateAction},
			AffectedKeys: []cache.Key{petKey},
			Optimistic:   func(cache.Key, any) any { return map[string]any{"name": "Rex"} },
		})
		assert.ErrorIs(t, err, ErrMutationTimeout)

		res, qerr := c.Query(context.Background(), petKey)
		require.NoError(t, qerr)
		assert.Equal(t, map[string]any{"name": "Max"}, res.Data)

		// The write eventually succeeds on the backend, but the mutation
		// already terminated: the stale commit must not apply.
		close(release)
		time.Sleep(50 * time.Millisecond)
		res, qerr = c.Query(context.Background(), petKey)
		require.NoError(t, qerr)
		assert.Equal(t, map[string]any{"name": "Max"}, res.Data)
	})

	t.Run("cancellation forces immediate rollback", func(t *testing.T) {
		gw := newFakeGateway()
		c := seed(t, gw)

		inWrite := make(chan struct{})
		release := make(chan struct{})
		gw.setWrite(func(gateway.MutationDescriptor) (gateway.WriteResult, error) {
			close(inWrite)
			<-release
			return gateway.WriteResult{Accepted: true}, nil
		})
		defer close(release)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			_, err := c.Mutate(ctx, renameRequest())
			done <- err
		}()

		<-inWrite
		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)

		res, err := c.Query(context.Background(), petKey)
		require.NoError(t, err)
		assert.Equal(t, map[string]any{"name": "Max"}, res.Data)
		assert.False(t, res.IsOptimistic)
	})

	t.Run("validates the request", func(t *testing.T) {
		gw := newFakeGateway()
		c := newTestClient(t, gw)

		_, err := c.Mutate(context.Background(), MutationRequest{})
		assert.Error(t, err)

		_, err = c.Mutate(context.Background(), MutationRequest{AffectedKeys: []cache.Key{petKey}})
		assert.Error(t, err)
	})
}

func TestDescribeKey(t *testing.T) {
	assert.Equal(t,
		gateway.QueryDescriptor{Entity: models.Pets, ID: "pet:1"},
		DescribeKey(cache.RecordKey(models.Pets, "pet:1")))
	assert.Equal(t,
		gateway.QueryDescriptor{Entity: models.Pets},
		DescribeKey(cache.ListKey(models.Pets)))
}
