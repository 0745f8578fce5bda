// Package eventq implements the event ring used both inside the engine (the
// default queue) and across the shared-memory boundary (one queue per
// direction per frameserver).
//
// A [Queue] combines a [Storage] (heap slots or a shared-memory region) with
// a [Syncer] chosen at construction: [LocalSync] for same-process queues and
// [SharedSync] for queues mapped by two processes. A SharedSync may carry a
// [Killswitch], a (table, id) handle naming the session that owns the queue;
// when a lock wait on such a queue times out, the session is reported to its
// table as dead instead of stalling the engine.
//
// Unlike a plain ring, a full Queue refuses new events with [ErrOutOfSpace]
// rather than overwriting unread slots.
package eventq
