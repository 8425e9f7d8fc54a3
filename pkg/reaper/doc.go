/*
Package reaper detects runs whose engine stopped heart-beating and applies the
expiry policy.

Each cycle resolves resource.management.dead.heartbeat.timeout (seconds,
default 300), lists every run through the run registry and compares
heartbeat + timeout with the current time. The boundary is inclusive: a run
whose expiry equals now is expired.

	ALIVE ──(heartbeat stale)──► EXPIRED ──(local)─────► DELETED
	                                 │
	                                 └──(automated)──► RESET ──► queued again

Local runs have no re-dispatch path and are removed with one prefix delete.
Automated runs are reset: heartbeat and status are cleared with a
compare-and-swap on the observed heartbeat, the rest of the run's metadata is
kept, and the engine controller picks the run up again.

Runs without a heartbeat are still queued and are never reaped. A malformed
heartbeat or a failed delete/reset is logged and the scan moves on. After a
complete scan the reaper reports success to the supervisor.
*/
package reaper
