// Package gateway defines the boundary to the remote Pawbase backend: the
// read/write calls, the push subscription, and the error taxonomy callers use
// to classify failures.
package gateway

import (
	"context"

	"github.com/pawbase/datasync/pkg/models"
)

// QueryDescriptor identifies a remote read. ID is empty for collection reads;
// Params carries filter parameters and is part of the cache key derivation.
type QueryDescriptor struct {
	Entity models.Entity
	ID     string
	Params map[string]any
}

// MutationDescriptor identifies a remote write. BaseVersion, when set, lets
// the backend reject stale writes with a conflict.
type MutationDescriptor struct {
	Entity      models.Entity
	ID          string
	Action      models.Action
	Data        any
	BaseVersion int64
}

// WriteResult is the backend's acknowledgment of a write. CanonicalValue is
// the server-side record after the write, when the backend chooses to return
// it; nil otherwise.
type WriteResult struct {
	Accepted       bool
	CanonicalValue any
}

// Notification is a server-pushed change event.
type Notification struct {
	Entity models.Entity
	ID     string
	Action models.Action
}

// NotificationHandler consumes push notifications. It must not block; slow
// consumers should hand off to their own channel.
type NotificationHandler func(Notification)

// State reports the health of the push channel.
type State int

const (
	Disconnected State = iota
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connected:
		return "Connected"
	default:
		return "InvalidState"
	}
}

// Handle identifies an active push subscription.
type Handle interface {
	// Unsubscribe stops delivery. It is safe to call more than once.
	Unsubscribe(ctx context.Context) error
}

// Gateway is the remote data gateway consumed by the cache, the mutation
// coordinator and the change listener. Implementations must be safe for
// concurrent use.
type Gateway interface {
	Read(ctx context.Context, q QueryDescriptor) (any, error)
	Write(ctx context.Context, m MutationDescriptor) (WriteResult, error)

	// Subscribe registers a handler for change events in the given
	// session/tenant scope. The push stream offers no resumption guarantee:
	// events raised while disconnected are lost.
	Subscribe(ctx context.Context, scope string, fn NotificationHandler) (Handle, error)

	// ConnState delivers connection-state transitions of the push channel.
	// The returned channel is owned by the gateway and closed on Close.
	ConnState() <-chan State
}
