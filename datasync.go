package datasync

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/pawbase/datasync/pkg/breaker"
	"github.com/pawbase/datasync/pkg/cache"
	"github.com/pawbase/datasync/pkg/gateway"
	"github.com/pawbase/datasync/pkg/listener"
	"github.com/pawbase/datasync/pkg/logger"
	"github.com/pawbase/datasync/pkg/retry"
)

// Config assembles a Client. Gateway is required; everything else has a
// sensible default.
type Config struct {
	Gateway gateway.Gateway

	// Scope is the session/tenant scope for push notifications.
	Scope string

	// RetryPolicy governs retries of remote reads and writes.
	RetryPolicy retry.Policy

	// BreakerThreshold and BreakerResetTimeout configure the per-endpoint
	// circuit breakers.
	BreakerThreshold    int
	BreakerResetTimeout time.Duration

	// StaleTime is how long a fetched value counts as fresh.
	StaleTime time.Duration

	// AckTimeout bounds how long a mutation may stay pending before its
	// optimistic state is forcibly rolled back.
	AckTimeout time.Duration

	// PollInterval is the refetch interval used while the push channel is
	// down.
	PollInterval time.Duration

	// ReadDescriptor maps a cache key to the gateway read that loads it.
	// Defaults to the canonical list/record mapping of package cache.
	ReadDescriptor func(cache.Key) gateway.QueryDescriptor

	// KeyMapper overrides the listener's entity-to-key table.
	KeyMapper *listener.KeyMapper

	Logger logger.Logger
}

// Client is the application-facing entry point. Construct with New; safe for
// concurrent use.
type Client struct {
	gw           gateway.Gateway
	policy       retry.Policy
	readBreaker  *breaker.Breaker
	writeBreaker *breaker.Breaker
	cache        *cache.Cache
	listener     *listener.Listener
	ackTimeout   time.Duration
	staleTime    time.Duration
	logger       logger.Logger
	now          func() time.Time
}

func New(cfg Config) (*Client, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("datasync: Config.Gateway is required")
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Nop
	}

	policy := cfg.RetryPolicy
	if policy.MaxAttempts == 0 {
		policy = retry.DefaultPolicy()
	}

	threshold := cfg.BreakerThreshold
	if threshold == 0 {
		threshold = 5
	}
	resetTimeout := cfg.BreakerResetTimeout
	if resetTimeout == 0 {
		resetTimeout = 30 * time.Second
	}

	staleTime := cfg.StaleTime
	if staleTime == 0 {
		staleTime = 30 * time.Second
	}
	ackTimeout := cfg.AckTimeout
	if ackTimeout == 0 {
		ackTimeout = 30 * time.Second
	}
	pollInterval := cfg.PollInterval
	if pollInterval == 0 {
		pollInterval = 15 * time.Second
	}

	describe := cfg.ReadDescriptor
	if describe == nil {
		describe = DescribeKey
	}

	c := &Client{
		gw:         cfg.Gateway,
		policy:     policy,
		ackTimeout: ackTimeout,
		staleTime:  staleTime,
		logger:     log,
		now:        time.Now,
	}

	// One long-lived breaker per gateway endpoint: reads and writes trip
	// independently.
	c.readBreaker = breaker.New(
		breaker.WithThreshold(threshold),
		breaker.WithResetTimeout(resetTimeout),
		breaker.WithLogger(log),
	)
	c.writeBreaker = breaker.New(
		breaker.WithThreshold(threshold),
		breaker.WithResetTimeout(resetTimeout),
		breaker.WithLogger(log),
	)

	c.cache = cache.New(
		func(ctx context.Context, key cache.Key) (any, error) {
			return c.read(ctx, describe(key))
		},
		cache.WithStaleTime(staleTime),
		cache.WithLogger(log),
	)

	listenerOpts := []listener.Option{
		listener.WithPollInterval(pollInterval),
		listener.WithLogger(log),
	}
	if cfg.KeyMapper != nil {
		listenerOpts = append(listenerOpts, listener.WithKeyMapper(cfg.KeyMapper))
	}
	c.listener = listener.New(cfg.Gateway, c.cache, cfg.Scope, listenerOpts...)

	return c, nil
}

// DescribeKey is the default key-to-read mapping, the inverse of
// cache.ListKey and cache.RecordKey.
func DescribeKey(key cache.Key) gateway.QueryDescriptor {
	if id, ok := strings.CutPrefix(key.Filter, "id="); ok {
		return gateway.QueryDescriptor{Entity: key.Entity, ID: id}
	}
	return gateway.QueryDescriptor{Entity: key.Entity}
}

// read is the composed read path: retry wraps the breaker, which wraps the
// gateway call. An open breaker is not retryable, so it short-circuits the
// remaining backoff schedule.
func (c *Client) read(ctx context.Context, q gateway.QueryDescriptor) (any, error) {
	return retry.Do(ctx, c.policy, func(ctx context.Context) (any, error) {
		return c.readBreaker.Do(ctx, func(ctx context.Context) (any, error) {
			return c.gw.Read(ctx, q)
		})
	}, retry.WithLogger(c.logger))
}

// write is the composed write path, mirroring read on the write breaker.
func (c *Client) write(ctx context.Context, m gateway.MutationDescriptor) (gateway.WriteResult, error) {
	return retry.DoTyped(ctx, c.policy, func(ctx context.Context) (gateway.WriteResult, error) {
		result, err := c.writeBreaker.Do(ctx, func(ctx context.Context) (any, error) {
			return c.gw.Write(ctx, m)
		})
		if err != nil {
			return gateway.WriteResult{}, err
		}
		return result.(gateway.WriteResult), nil
	}, retry.WithLogger(c.logger))
}

// QueryResult is what a caller renders: the current data plus its
// trustworthiness flags.
type QueryResult struct {
	Data any

	// IsOptimistic reports that Data is a speculative overlay from a pending
	// mutation, not yet confirmed by the backend.
	IsOptimistic bool

	// IsStale reports that Data may be out of date and a refresh is due or
	// already running.
	IsStale bool

	// Err is the last fetch or mutation failure recorded on the entry. Data
	// still holds the last good value.
	Err error

	key    cache.Key
	client *Client
}

// Refetch forces a background refresh of the result's key.
func (r QueryResult) Refetch() {
	if r.client != nil {
		r.client.cache.Refetch(r.key)
	}
}

// Query returns the cached state for key, fetching it on a miss. Stale
// entries are returned immediately while a refresh runs in the background.
func (c *Client) Query(ctx context.Context, key cache.Key) (QueryResult, error) {
	ent, err := c.cache.Get(ctx, key)
	if err != nil {
		return QueryResult{Err: err, key: key, client: c}, err
	}
	return c.resultFromEntry(key, ent), nil
}

// Watch subscribes fn to every change of key's entry and returns the
// matching unsubscribe function.
func (c *Client) Watch(key cache.Key, fn func(QueryResult)) (unsubscribe func()) {
	return c.cache.Subscribe(key, func(ent cache.Entry) {
		fn(c.resultFromEntry(key, ent))
	})
}

func (c *Client) resultFromEntry(key cache.Key, ent cache.Entry) QueryResult {
	var resErr error
	if ent.Status == cache.Error {
		// Surface the recorded failure so callers can tell an open breaker
		// from an ordinary backend error.
		resErr = ent.LastErr
		if resErr == nil {
			resErr = errors.New("datasync: last refresh failed, data may be stale")
		}
	}

	stale := ent.Status == cache.Stale || ent.Status == cache.Error
	if ent.Status == cache.Fresh && c.now().Sub(ent.LastUpdated) >= c.staleTime {
		stale = true
	}

	return QueryResult{
		Data:         ent.Data(),
		IsOptimistic: ent.HasOptimistic,
		IsStale:      stale,
		Err:          resErr,
		key:          key,
		client:       c,
	}
}

// Invalidate marks a key untrustworthy, prompting a refetch.
func (c *Client) Invalidate(key cache.Key) {
	c.cache.Invalidate(key)
}

// Cache exposes the underlying query cache for advanced wiring, such as a
// custom listener mapping.
func (c *Client) Cache() *cache.Cache {
	return c.cache
}

// Run starts the change listener and blocks until ctx is cancelled. Call it
// in its own goroutine after New.
func (c *Client) Run(ctx context.Context) error {
	return c.listener.Run(ctx)
}
