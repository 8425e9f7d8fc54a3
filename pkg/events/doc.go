/*
Package events delivers coordination-store change notifications to prefix
watchers.

The storage layer publishes one Event per committed key change. The Broker
matches the key against every subscription prefix and appends the event to
that subscription's queue:

	BoltStore.commit ──► Broker.Publish ──┬──► sub "run."        ──► goroutine ──► Watcher
	   (store mutex held)                 ├──► sub "run.U1."     ──► goroutine ──► Watcher
	                                      └──► sub "dss.engine." ──► goroutine ──► Watcher

Guarantees:

  - Publish never blocks: queues are unbounded, so a slow watcher cannot stall
    the store's write path or other watchers.
  - Events for one subscription are delivered one at a time in publish order.
    The store publishes in commit order, which gives per-key write ordering.
  - Nothing is promised about ordering between different subscriptions.
  - A watcher that panics is recovered and logged; its subscription stays
    active.

Watchers should return quickly. Anything slow (cluster mutations, store
writes with retries) belongs in a scheduled job that the watcher merely
triggers.
*/
package events
