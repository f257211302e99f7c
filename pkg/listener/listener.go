// Package listener consumes server-pushed change events and invalidates the
// affected cache keys. While the push channel is down it degrades to polling,
// and on reconnection it refetches every watched key once, because the push
// stream offers no resumption guarantee.
package listener

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pawbase/datasync/pkg/cache"
	"github.com/pawbase/datasync/pkg/gateway"
	"github.com/pawbase/datasync/pkg/logger"
	"github.com/pawbase/datasync/pkg/models"
)

// Invalidator is the slice of the cache the listener drives.
type Invalidator interface {
	Invalidate(key cache.Key)
	Refetch(key cache.Key)
	SubscribedKeys() []cache.Key
}

var _ Invalidator = (*cache.Cache)(nil)

// MapFunc resolves a change event to the cache keys it affects.
type MapFunc func(n gateway.Notification) []cache.Key

// KeyMapper is the registered entity-to-key table.
type KeyMapper struct {
	mu  sync.RWMutex
	fns map[models.Entity]MapFunc
}

// NewKeyMapper returns an empty mapper.
func NewKeyMapper() *KeyMapper {
	return &KeyMapper{fns: make(map[models.Entity]MapFunc)}
}

// DefaultKeyMapper maps every known entity to its record key plus its
// collection key, which covers the standard list-and-detail screens.
func DefaultKeyMapper() *KeyMapper {
	m := NewKeyMapper()
	for _, entity := range models.Entities() {
		entity := entity
		m.Register(entity, func(n gateway.Notification) []cache.Key {
			return []cache.Key{
				cache.RecordKey(entity, n.ID),
				cache.ListKey(entity),
			}
		})
	}
	return m
}

// Register installs or replaces the mapping for an entity.
func (m *KeyMapper) Register(entity models.Entity, fn MapFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fns[entity] = fn
}

// Map resolves a notification. Unknown entities map to nothing.
func (m *KeyMapper) Map(n gateway.Notification) []cache.Key {
	m.mu.RLock()
	fn, ok := m.fns[n.Entity]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return fn(n)
}

// Listener wires the gateway push channel to cache invalidation.
type Listener struct {
	gw           gateway.Gateway
	cache        Invalidator
	mapper       *KeyMapper
	scope        string
	pollInterval time.Duration
	logger       logger.Logger

	mu       sync.Mutex
	degraded bool
}

// Option configures a Listener.
type Option func(*Listener)

// WithPollInterval sets the refetch interval used while the push channel is
// down.
func WithPollInterval(d time.Duration) Option {
	return func(l *Listener) { l.pollInterval = d }
}

// WithKeyMapper replaces the default entity-to-key table.
func WithKeyMapper(m *KeyMapper) Option {
	return func(l *Listener) { l.mapper = m }
}

// WithLogger sets the listener logger.
func WithLogger(log logger.Logger) Option {
	return func(l *Listener) { l.logger = log }
}

// New builds a listener for the given session/tenant scope.
func New(gw gateway.Gateway, inv Invalidator, scope string, opts ...Option) *Listener {
	l := &Listener{
		gw:           gw,
		cache:        inv,
		mapper:       DefaultKeyMapper(),
		scope:        scope,
		pollInterval: 15 * time.Second,
		logger:       logger.Nop,
	}
	for _, apply := range opts {
		apply(l)
	}
	return l
}

// Run subscribes to the push channel and blocks, reacting to notifications
// and connection-state changes until ctx is cancelled. It returns ctx.Err()
// on cancellation and nil when the gateway closes its state channel.
func (l *Listener) Run(ctx context.Context) error {
	handle, err := l.gw.Subscribe(ctx, l.scope, l.onNotification)
	if err != nil {
		return fmt.Errorf("listener failed to subscribe to change events: %w", err)
	}
	defer func() {
		if err := handle.Unsubscribe(context.Background()); err != nil {
			l.logger.Warn("listener failed to unsubscribe", "error", err)
		}
	}()

	states := l.gw.ConnState()

	// pollCh is nil while the push channel is healthy, which disables the
	// polling arm of the select.
	var pollCh <-chan time.Time
	var ticker *time.Ticker
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker = nil
			pollCh = nil
		}
	}
	defer stopTicker()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case state, ok := <-states:
			if !ok {
				return nil
			}
			switch state {
			case gateway.Disconnected:
				if l.setDegraded(true) {
					l.logger.Warn("push channel lost, falling back to interval refetch",
						"interval", l.pollInterval)
					ticker = time.NewTicker(l.pollInterval)
					pollCh = ticker.C
				}
			case gateway.Connected:
				if l.setDegraded(false) {
					l.logger.Info("push channel restored, reconciling watched keys")
					stopTicker()
					// Events raised while disconnected are gone for good;
					// one unconditional refetch reconciles everything.
					l.refetchAll()
				}
			}

		case <-pollCh:
			l.refetchAll()
		}
	}
}

// setDegraded flips the degraded flag and reports whether it changed.
func (l *Listener) setDegraded(degraded bool) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.degraded == degraded {
		return false
	}
	l.degraded = degraded
	return true
}

// onNotification invalidates every key an event maps to. Push events are not
// trusted while degraded; the interval refetch covers that window.
func (l *Listener) onNotification(n gateway.Notification) {
	l.mu.Lock()
	degraded := l.degraded
	l.mu.Unlock()
	if degraded {
		return
	}

	keys := l.mapper.Map(n)
	if len(keys) == 0 {
		l.logger.Debug("change event for unmapped entity", "entity", string(n.Entity))
		return
	}

	l.logger.Debug("invalidating keys for change event",
		"entity", string(n.Entity), "id", n.ID, "action", string(n.Action))

	for _, key := range keys {
		l.cache.Invalidate(key)
	}
}

// refetchAll refreshes every key that currently has a watcher.
func (l *Listener) refetchAll() {
	for _, key := range l.cache.SubscribedKeys() {
		l.cache.Refetch(key)
	}
}
