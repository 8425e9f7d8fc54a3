/*
Package storage provides the coordination store shared by every runfleet
control-plane component.

The store is a flat string key/value space with three capabilities the control
plane depends on:

  - Atomic compare-and-swap (PutSwap, Swap). A nil expected value means the key
    must be absent. A lost race returns false with a nil error; it is not an
    error condition.
  - Atomic prefix deletion (DeletePrefix). All metadata of a run lives under
    "run.<name>." so one call removes it.
  - Prefix watches (Watch, Unwatch). Watchers receive NEW, MODIFIED and DELETE
    notifications with the old and new values.

# Architecture

	┌──────────────────── BOLTDB STORAGE ────────────────────┐
	│                                                          │
	│   BoltStore  (<dataDir>/runfleet.db, bucket properties) │
	│      │                                                   │
	│      ├── db.View()    Get, GetPrefix, Snapshot           │
	│      │                                                   │
	│      └── db.Update()  Put, PutAll, PutSwap, Swap,        │
	│            │          Delete, DeletePrefix, Restore      │
	│            │                                             │
	│            ▼  (store mutex held across commit+publish)   │
	│      events.Broker.Publish ──► per-watch queues          │
	│                                                          │
	└──────────────────────────────────────────────────────────┘

Every write is one bbolt update transaction. The change events a transaction
produced are published only after it commits, and the store mutex is held
across commit and publish, so per-key delivery order equals write order. A put
that rewrites the current value is still delivered, as MODIFIED with equal old
and new values. Restore only reports keys whose value actually changed.

The replicated variant in package manager applies the same operations through
raft onto a BoltStore on every node.

# CAS idiom

Callers that derive a new value from the current one use Update:

	next, err := storage.Update(ctx, store, "run.U1.status", func(cur string, ok bool) (string, error) {
		return "finished", nil
	})

Update reads, computes and calls PutSwap; on a lost race it waits 50ms and
retries with a fresh read, up to MaxCASAttempts, stopping early when ctx ends.
The loop uses github.com/cenkalti/backoff/v4.

# Errors

Failures of the storage engine itself (closed database, raft follower, apply
timeout) wrap ErrUnavailable. Callers treat them as transient and retry on
their next scheduled cycle.
*/
package storage
