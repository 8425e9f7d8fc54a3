/*
Package supervisor hosts runfleet's periodic maintenance jobs.

The job list is static: the binary constructs every job and hands them to New.
Start initialises each job with the supervisor as its Host; a job whose
initialisation fails is logged and left out, and the rest run normally.

# Scheduling

Each job runs with a fixed delay between the end of one cycle and the start of
the next. The first cycle waits a random offset in [0, MaxInitialDelay) so that
several control-plane processes sharing a store do not fire in lockstep.
Cycles of all jobs share a weighted semaphore of PoolSize slots.

	job ──► wait(offset | interval | Trigger) ──► acquire slot ──► Run ──► release
	  ▲                                                                     │
	  └─────────────────────────────────────────────────────────────────────┘

A cycle that returns an error or panics is logged and counted in
runfleet_job_cycles_total; the job stays scheduled. Cycles run on a context
that is not cancelled by Shutdown, which instead waits for them to finish.

# Run completion

Jobs that implement RunListener are registered with a RunWatch on the "run."
prefix. A run.<name>.status key that becomes terminal or is deleted is
forwarded as RunFinishedOrDeleted(name). Listeners must return quickly; the
engine controller only calls Host.Trigger from it.

# Health

Jobs call Host.ReportSuccess after a complete cycle, or Host.ReportStandby
when they skip a cycle on purpose (the reaper on a raft follower). Health
reports each job's last success and standby reason, and marks it unhealthy
after StaleFactor intervals without either report; the same state is mirrored
into the metrics health registry as "job/<name>".
*/
package supervisor
