package datasync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pawbase/datasync/pkg/cache"
	"github.com/pawbase/datasync/pkg/gateway"
)

// ErrMutationTimeout is returned when a write's acknowledgment does not
// arrive within the configured AckTimeout. The optimistic state has already
// been rolled back; a late success from the backend is discarded.
var ErrMutationTimeout = errors.New("mutation timed out awaiting acknowledgment")

// MutationRequest describes one optimistic mutation.
type MutationRequest struct {
	// Write is the remote write to perform.
	Write gateway.MutationDescriptor

	// AffectedKeys are the cache keys this mutation speculates on. They are
	// committed or rolled back together, never partially.
	AffectedKeys []cache.Key

	// Optimistic derives the speculative value for each affected key from
	// the value readers currently see for it.
	Optimistic cache.ComputeFunc
}

// pendingMutation is the in-flight bookkeeping for one mutation. It
// terminates in exactly one of committed or rolled-back; the once gate
// enforces that even when the ack-timeout guard and a late write result race.
type pendingMutation struct {
	id           uuid.UUID
	affectedKeys []cache.Key
	snapshots    map[cache.Key]cache.Entry
	submittedAt  time.Time
	once         sync.Once
}

type writeOutcome struct {
	result gateway.WriteResult
	err    error
}

// Mutate runs the optimistic write protocol: snapshot the affected entries,
// apply the speculative values so readers see them immediately, submit the
// write through retry and circuit breaking, then commit on success or restore
// every snapshot on any terminal failure. A conflict additionally refetches
// the affected keys, since the local base is evidently stale.
//
// Cancelling ctx rolls the speculation back immediately and returns ctx.Err().
func (c *Client) Mutate(ctx context.Context, req MutationRequest) (gateway.WriteResult, error) {
	if len(req.AffectedKeys) == 0 {
		return gateway.WriteResult{}, errors.New("datasync: MutationRequest.AffectedKeys is empty")
	}
	if req.Optimistic == nil {
		return gateway.WriteResult{}, errors.New("datasync: MutationRequest.Optimistic is required")
	}

	pm := &pendingMutation{
		id:           uuid.New(),
		affectedKeys: req.AffectedKeys,
		submittedAt:  c.now(),
	}
	pm.snapshots = c.cache.BeginOptimistic(req.AffectedKeys, req.Optimistic)

	c.logger.Debug("mutation pending",
		"mutation_id", pm.id.String(),
		"entity", string(req.Write.Entity),
		"keys", len(req.AffectedKeys))

	outcomeCh := make(chan writeOutcome, 1)
	go func() {
		result, err := c.write(ctx, req.Write)
		outcomeCh <- writeOutcome{result: result, err: err}
	}()

	guard := time.NewTimer(c.ackTimeout)
	defer guard.Stop()

	select {
	case out := <-outcomeCh:
		if out.err != nil {
			c.rollback(pm, out.err)
			return gateway.WriteResult{}, out.err
		}
		c.commit(pm, req, out.result)
		return out.result, nil

	case <-ctx.Done():
		c.rollback(pm, ctx.Err())
		return gateway.WriteResult{}, ctx.Err()

	case <-guard.C:
		c.rollback(pm, ErrMutationTimeout)
		return gateway.WriteResult{}, ErrMutationTimeout
	}
}

// commit finalizes the speculation. The server's canonical value, when
// returned, lands on the written record's key; every other affected key keeps
// its optimistic value as authoritative until the next refetch.
func (c *Client) commit(pm *pendingMutation, req MutationRequest, result gateway.WriteResult) {
	pm.once.Do(func() {
		canonical := make(map[cache.Key]any)
		if result.CanonicalValue != nil {
			recordKey := cache.RecordKey(req.Write.Entity, req.Write.ID)
			for _, key := range pm.affectedKeys {
				if key == recordKey {
					canonical[key] = result.CanonicalValue
				}
			}
		}

		c.cache.CommitOptimistic(pm.affectedKeys, canonical)

		c.logger.Debug("mutation committed",
			"mutation_id", pm.id.String(),
			"elapsed", c.now().Sub(pm.submittedAt))
	})
}

// rollback restores every affected entry to its pre-mutation snapshot,
// atomically across the mutation's keys, and refetches them on a conflict.
func (c *Client) rollback(pm *pendingMutation, cause error) {
	pm.once.Do(func() {
		c.cache.RollbackOptimistic(pm.snapshots, cause)

		c.logger.Warn("mutation rolled back",
			"mutation_id", pm.id.String(),
			"error", cause)

		if gateway.IsConflict(cause) {
			for _, key := range pm.affectedKeys {
				c.cache.Refetch(key)
			}
		}
	})
}
