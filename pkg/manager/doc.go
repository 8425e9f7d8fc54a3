/*
Package manager implements a replicated coordination store node with Raft
consensus.

A Manager satisfies storage.Store, so every control-plane component can run
against either a single local BoltStore or a Raft cluster without change.
Several runfleet processes sharing one replicated store run their supervisors
active/active; all contention is resolved by compare-and-swap.

# Architecture

	┌──────────────────────── MANAGER NODE ────────────────────────┐
	│                                                                │
	│  reaper / controller / registry  ──►  storage.Store            │
	│                                          │                     │
	│            reads, watches ◄──────────────┤                     │
	│            (local BoltStore)             │ writes              │
	│                                          ▼                     │
	│  ┌────────────────────────────────────────────────┐           │
	│  │           Raft Consensus Layer                  │           │
	│  │  - Command{Op, Data} as JSON log entries        │           │
	│  │  - Only the leader accepts writes               │           │
	│  │  - raft-boltdb log and stable stores            │           │
	│  └──────────────────────┬─────────────────────────┘           │
	│                         │ committed entries                    │
	│  ┌──────────────────────▼─────────────────────────┐           │
	│  │                 StoreFSM                         │           │
	│  │  - Apply(): put_all, swap, delete, delete_prefix │           │
	│  │  - Snapshot(): whole property map as JSON        │           │
	│  │  - Restore(): replace the property map           │           │
	│  └──────────────────────┬─────────────────────────┘           │
	│                         ▼                                      │
	│         BoltStore (publishes watch events locally)             │
	└────────────────────────────────────────────────────────────────┘

Compare-and-swap comparisons are evaluated inside the FSM at apply time. Each
member applies the same log in the same order, so every member reaches the
same outcome and the leader returns it to the caller.

# Bootstrap

The cluster is bootstrapped statically: each node is started with its own
bind address and the identical list of peers. On first start (no existing
Raft state) the node proposes that configuration; later restarts recover from
the log and snapshots on disk.

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "node-1",
		BindAddr: "10.0.0.1:7946",
		DataDir:  "/var/lib/runfleet/node-1",
		Peers: []manager.Peer{
			{ID: "node-2", Address: "10.0.0.2:7946"},
			{ID: "node-3", Address: "10.0.0.3:7946"},
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := mgr.Bootstrap(); err != nil {
		return err
	}

# Leadership

Writes issued on a follower, or while no leader is elected, fail with an
error wrapping storage.ErrUnavailable. Control-plane jobs treat that as
transient and retry on their next cycle, so only the processes co-located with
the leader make progress on writes; reads and watches work everywhere.

# Monitoring

MetricsCollector exports runfleet_raft_is_leader and runfleet_raft_applied_index
every 15 seconds.
*/
package manager
