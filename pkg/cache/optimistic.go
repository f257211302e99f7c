package cache

// Optimistic-overlay operations used by the mutation coordinator. They are
// grouped here because together they form the snapshot -> speculative apply
// -> commit-or-rollback protocol that makes a mutation atomic across its
// affected keys.

// ComputeFunc derives the speculative value for one affected key from the
// value readers currently see for it.
type ComputeFunc func(key Key, current any) any

// BeginOptimistic snapshots every affected entry and applies the speculative
// overlay to each in a single critical section, so readers never observe a
// partially applied mutation. It returns the snapshots needed for rollback.
//
// The snapshot captures the entry as-is. If an earlier mutation is still
// pending on a key, the new overlay is computed from, and the snapshot
// preserves, that mutation's optimistic value; rolling back the second
// mutation restores the first's speculation, not the true origin. This
// chained-speculation behavior is deliberate and load-bearing for callers
// that issue overlapping edits.
func (c *Cache) BeginOptimistic(keys []Key, compute ComputeFunc) map[Key]Entry {
	c.mu.Lock()

	snapshots := make(map[Key]Entry, len(keys))
	changed := make(map[Key]Entry, len(keys))

	for _, key := range keys {
		ent, ok := c.entries[key]
		if !ok {
			ent = &Entry{}
			c.entries[key] = ent
		}
		snapshots[key] = *ent

		ent.Optimistic = compute(key, ent.Data())
		ent.HasOptimistic = true
		ent.Status = Pending
		changed[key] = *ent
	}
	c.mu.Unlock()

	for key, snapshot := range changed {
		c.notify(key, snapshot)
	}

	return snapshots
}

// CommitOptimistic finalizes a successful mutation. For each key the server's
// canonical value is stored when provided; otherwise the optimistic value is
// promoted to authoritative pending the next refetch. The overlay is cleared
// and the entry marked fresh.
//
// The last-write-wins guard still applies: if a fetch completed after the
// write finished, its newer value is kept and only the overlay is cleared.
func (c *Cache) CommitOptimistic(keys []Key, canonical map[Key]any) {
	completed := c.now()

	c.mu.Lock()
	changed := make(map[Key]Entry, len(keys))
	for _, key := range keys {
		ent, ok := c.entries[key]
		if !ok {
			continue
		}

		if completed.After(ent.LastUpdated) {
			if value, ok := canonical[key]; ok {
				ent.Value = value
			} else if ent.HasOptimistic {
				ent.Value = ent.Optimistic
			}
			ent.LastUpdated = completed
		}

		ent.Optimistic = nil
		ent.HasOptimistic = false
		ent.Status = Fresh
		ent.LastErr = nil
		changed[key] = *ent
	}
	c.mu.Unlock()

	for key, snapshot := range changed {
		c.notify(key, snapshot)
	}
}

// RollbackOptimistic restores every affected entry from its pre-mutation
// snapshot in a single critical section and marks it errored with the
// mutation's failure, so the UI can re-render the restored state with a
// degradation indicator. All entries are restored together; a partial
// rollback is impossible.
func (c *Cache) RollbackOptimistic(snapshots map[Key]Entry, cause error) {
	c.mu.Lock()
	changed := make(map[Key]Entry, len(snapshots))
	for key, snapshot := range snapshots {
		ent, ok := c.entries[key]
		if !ok {
			continue
		}

		ent.Value = snapshot.Value
		ent.Optimistic = snapshot.Optimistic
		ent.HasOptimistic = snapshot.HasOptimistic
		ent.LastUpdated = snapshot.LastUpdated
		ent.Status = Error
		ent.LastErr = cause
		changed[key] = *ent
	}
	c.mu.Unlock()

	for key, snapshot := range changed {
		c.notify(key, snapshot)
	}
}
