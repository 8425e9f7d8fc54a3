/*
Package metrics defines the runfleet Prometheus metrics and the component
health registry behind the health endpoints.

All collectors are registered with the default Prometheus registry at package
init and exposed by Handler() on /metrics.

# Metrics

Runs:

	runfleet_runs_total{state,origin}              gauge, refreshed by the run-metrics job
	runfleet_runs_expired_total{action}            counter, deleted or reset by the reaper

Supervisor:

	runfleet_job_cycles_total{job,result}          counter, result is ok, error or panic
	runfleet_job_cycle_duration_seconds{job}       histogram
	runfleet_job_last_success_timestamp_seconds{job}

Engine controller:

	runfleet_engine_pods                           gauge
	runfleet_engine_pods_created_total             counter
	runfleet_engine_pods_deleted_total{reason}     counter
	runfleet_engine_pod_errors_total{op}           counter, op is list, create or delete
	runfleet_reconciliation_duration_seconds       histogram
	runfleet_reconciliation_cycles_total           counter

Coordination store:

	runfleet_store_cas_conflicts_total             counter
	runfleet_watch_events_delivered_total{result}  counter
	runfleet_raft_is_leader                        gauge, clustered mode only
	runfleet_raft_applied_index                    gauge, clustered mode only

# Timing

Timer measures an operation and records it into a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

# Health

Components report their state with UpdateComponent. The supervisor registers
itself as "supervisor" and each job as "job/<name>"; the serve command
registers "store". GetHealth is unhealthy when any registered component is;
GetReadiness requires every critical component (SetCriticalComponents) to be
registered and healthy. HealthHandler, ReadyHandler and LivenessHandler wrap
these for HTTP.
*/
package metrics
