// The [datasync] package is the client data layer of the Pawbase pet-care
// platform. It mediates every read and write between the application and the
// remote Pawbase backend through an optimistic-update query cache with retry,
// circuit breaking, and push-driven invalidation.
//
// # Reads
//
// [Client.Query] consults the query cache. A fresh entry is returned with no
// network activity. A stale entry is returned immediately while a background
// refetch runs (stale-while-revalidate); concurrent readers of the same key
// share a single remote call. Every remote read flows through the retry
// executor and the circuit breaker in [github.com/pawbase/datasync/pkg/retry]
// and [github.com/pawbase/datasync/pkg/breaker].
//
// # Writes
//
// [Client.Mutate] applies a speculative value to every affected cache key
// before the remote write is submitted, so the UI renders the result
// instantly. When the write succeeds the speculation is committed; on any
// terminal failure every affected key is restored to its pre-mutation
// snapshot, atomically across the mutation's keys. Cancelling the context or
// exceeding the acknowledgment timeout also forces a rollback.
//
// # Invalidation
//
// The change listener in [github.com/pawbase/datasync/pkg/listener] consumes
// server-pushed change events and invalidates the affected keys. While the
// push channel is down it falls back to interval refetching, and on
// reconnection it refetches every watched key once, because the push stream
// cannot replay missed events.
//
// # Failure semantics
//
// Transient network failures and 502/503/504 responses are retried with
// jittered exponential backoff. Circuit-open rejections, validation errors
// and write conflicts are surfaced immediately; a conflict additionally
// triggers a refetch of the affected keys. A failed refetch never discards
// the last good value: the entry is flagged errored so the UI can show stale
// data with a degradation indicator.
package datasync
