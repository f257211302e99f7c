// Package cache is the keyed store of last-known-good and optimistic values
// that mediates every read between the application and the remote backend.
//
// Reads of a fresh entry are served locally. Reads of a stale entry return
// the cached value immediately while a background refetch runs
// (stale-while-revalidate). Concurrent reads for the same key share one
// remote call. Writes are timestamp-guarded so a slow in-flight fetch can
// never clobber a newer result.
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pawbase/datasync/pkg/logger"
	"github.com/pawbase/datasync/pkg/models"
)

// Key identifies one cached query: an entity plus its filter parameters.
// Only equality matters; Filter is a canonical encoding of the parameters.
type Key struct {
	Entity models.Entity
	Filter string
}

// ListKey is the canonical key for an entity's collection query.
func ListKey(entity models.Entity) Key {
	return Key{Entity: entity, Filter: "list"}
}

// RecordKey is the canonical key for a single record.
func RecordKey(entity models.Entity, id string) Key {
	return Key{Entity: entity, Filter: "id=" + id}
}

func (k Key) String() string {
	return fmt.Sprintf("%s?%s", k.Entity, k.Filter)
}

// Status is the lifecycle phase of a cache entry.
type Status int

const (
	Fresh Status = iota
	Stale
	Pending
	Error
)

func (s Status) String() string {
	switch s {
	case Fresh:
		return "Fresh"
	case Stale:
		return "Stale"
	case Pending:
		return "Pending"
	case Error:
		return "Error"
	default:
		return "InvalidStatus"
	}
}

// Entry is the cached state for one key. Value is the last-known-good value;
// Optimistic, when HasOptimistic is set, is a speculative overlay applied by
// a pending mutation. At most one live overlay exists per key.
type Entry struct {
	Value         any
	Optimistic    any
	HasOptimistic bool
	Status        Status
	LastUpdated   time.Time

	// LastErr is the failure recorded by the most recent fetch or mutation
	// while Status is Error, nil otherwise. Value still holds the last good
	// data; callers use LastErr to tell an open breaker from an ordinary
	// backend failure.
	LastErr error
}

// Data returns the value a reader should see: the optimistic overlay when
// present, otherwise the last-known-good value.
func (e Entry) Data() any {
	if e.HasOptimistic {
		return e.Optimistic
	}
	return e.Value
}

// FetchFunc loads a key's value from the backend. The client facade wires it
// through the retry executor and circuit breaker.
type FetchFunc func(ctx context.Context, key Key) (any, error)

// Subscriber is notified with a copy of the entry after every change.
type Subscriber func(Entry)

// Cache owns all cached entries and their subscribers. All state is held by
// the instance; there is no package-level registry. Safe for concurrent use.
type Cache struct {
	fetch     FetchFunc
	staleTime time.Duration
	logger    logger.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[Key]*Entry
	subs    map[Key]map[int]Subscriber
	nextSub int

	// flights coalesces concurrent refetches of the same key.
	flights singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

// WithStaleTime sets how long a fetched value counts as fresh.
func WithStaleTime(d time.Duration) Option {
	return func(c *Cache) { c.staleTime = d }
}

// WithLogger sets the cache logger.
func WithLogger(log logger.Logger) Option {
	return func(c *Cache) { c.logger = log }
}

// WithClock injects the time source used for staleness and the last-write-wins
// guard. Tests use it to control time.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

func New(fetch FetchFunc, opts ...Option) *Cache {
	c := &Cache{
		fetch:     fetch,
		staleTime: 30 * time.Second,
		logger:    logger.Nop,
		now:       time.Now,
		entries:   make(map[Key]*Entry),
		subs:      make(map[Key]map[int]Subscriber),
	}
	for _, apply := range opts {
		apply(c)
	}
	return c
}

// Get returns the entry for key, fetching it when missing. A stale entry is
// returned immediately while a background refetch runs. Cancelling ctx on a
// miss discards the caller's wait without touching the cache; the shared
// fetch keeps running for any other waiter.
func (c *Cache) Get(ctx context.Context, key Key) (Entry, error) {
	c.mu.Lock()
	ent, ok := c.entries[key]
	if ok {
		snapshot := *ent
		c.mu.Unlock()

		if c.fetch == nil || c.isServableWithoutRefetch(snapshot) {
			return snapshot, nil
		}

		// Stale-while-revalidate: serve what we have, refresh in background.
		go c.refetch(key)
		return snapshot, nil
	}
	c.mu.Unlock()

	if c.fetch == nil {
		return Entry{}, fmt.Errorf("no cached entry and no fetch configured for %s", key.String())
	}

	return c.fetchBlocking(ctx, key)
}

// isServableWithoutRefetch reports whether an entry can be returned with no
// network activity: it is fresh, or a mutation overlay is pending on it.
func (c *Cache) isServableWithoutRefetch(e Entry) bool {
	if e.Status == Pending {
		return true
	}
	return e.Status == Fresh && c.now().Sub(e.LastUpdated) < c.staleTime
}

// fetchBlocking performs a coalesced foreground fetch and waits for it,
// honoring the caller's ctx without cancelling the shared flight.
func (c *Cache) fetchBlocking(ctx context.Context, key Key) (Entry, error) {
	ch := c.flights.DoChan(key.String(), func() (any, error) {
		return c.doFetch(context.WithoutCancel(ctx), key)
	})

	select {
	case <-ctx.Done():
		return Entry{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Entry{}, res.Err
		}
		return res.Val.(Entry), nil
	}
}

// refetch performs a coalesced background refresh of key.
func (c *Cache) refetch(key Key) {
	if c.fetch == nil {
		return
	}
	//nolint:errcheck // the outcome is recorded on the entry itself
	c.flights.Do(key.String(), func() (any, error) {
		return c.doFetch(context.Background(), key)
	})
}

// doFetch runs the fetch and records its outcome on the entry. It returns
// the resulting entry for foreground waiters.
func (c *Cache) doFetch(ctx context.Context, key Key) (Entry, error) {
	started := c.now()
	value, err := c.fetch(ctx, key)
	completed := c.now()
	if completed.Equal(started) {
		// Injected clocks may not advance; keep the guard strict.
		completed = completed.Add(time.Nanosecond)
	}

	if err != nil {
		// Never clear the last good value on failure; flag it instead so the
		// UI can show stale data with a degradation indicator.
		c.markError(key, err)
		return Entry{}, err
	}

	return c.setFetched(key, value, completed), nil
}

// setFetched applies a fetch result under the last-write-wins guard: it only
// lands if its completion time is newer than the entry's LastUpdated.
func (c *Cache) setFetched(key Key, value any, completed time.Time) Entry {
	c.mu.Lock()

	ent, ok := c.entries[key]
	if !ok {
		ent = &Entry{}
		c.entries[key] = ent
	}

	if !completed.After(ent.LastUpdated) {
		c.logger.Debug("dropping stale fetch result", "key", key.String())
		snapshot := *ent
		c.mu.Unlock()
		return snapshot
	}

	ent.Value = value
	ent.LastUpdated = completed
	ent.LastErr = nil
	if ent.Status != Pending {
		ent.Status = Fresh
	}
	snapshot := *ent
	c.mu.Unlock()

	c.notify(key, snapshot)
	return snapshot
}

// markError flags a fetch failure without discarding the cached value.
func (c *Cache) markError(key Key, err error) {
	c.mu.Lock()
	ent, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	ent.Status = Error
	ent.LastErr = err
	snapshot := *ent
	c.mu.Unlock()

	c.notify(key, snapshot)
}

// Set stores a value directly, subject to the last-write-wins guard.
func (c *Cache) Set(key Key, value any) {
	c.setFetched(key, value, c.now())
}

// Invalidate marks the entry untrustworthy. Keys with subscribers are
// refetched in the background immediately; others refresh on next read.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	ent, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	if ent.Status == Fresh {
		ent.Status = Stale
	}
	watched := len(c.subs[key]) > 0
	snapshot := *ent
	c.mu.Unlock()

	c.notify(key, snapshot)

	if watched {
		go c.refetch(key)
	}
}

// InvalidateEntity invalidates every cached key of an entity.
func (c *Cache) InvalidateEntity(entity models.Entity) {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.entries))
	for key := range c.entries {
		if key.Entity == entity {
			keys = append(keys, key)
		}
	}
	c.mu.Unlock()

	for _, key := range keys {
		c.Invalidate(key)
	}
}

// Refetch forces a background refresh of key, coalesced with any in-flight
// fetch for it.
func (c *Cache) Refetch(key Key) {
	go c.refetch(key)
}

// Subscribe registers fn for entry changes on key and returns the matching
// unsubscribe function.
func (c *Cache) Subscribe(key Key, fn Subscriber) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	if c.subs[key] == nil {
		c.subs[key] = make(map[int]Subscriber)
	}
	c.subs[key][id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subs[key], id)
		if len(c.subs[key]) == 0 {
			delete(c.subs, key)
		}
	}
}

// SubscribedKeys returns the keys that currently have subscribers. The change
// listener polls these while the push channel is down.
func (c *Cache) SubscribedKeys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]Key, 0, len(c.subs))
	for key := range c.subs {
		keys = append(keys, key)
	}
	return keys
}

func (c *Cache) notify(key Key, snapshot Entry) {
	c.mu.Lock()
	fns := make([]Subscriber, 0, len(c.subs[key]))
	for _, fn := range c.subs[key] {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	for _, fn := range fns {
		c.safeNotify(fn, snapshot, key)
	}
}

func (c *Cache) safeNotify(fn Subscriber, snapshot Entry, key Key) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Warn("subscriber panicked", "key", key.String(), "panic", r)
		}
	}()
	fn(snapshot)
}
