package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Run metrics
	RunsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runfleet_runs_total",
			Help: "Total number of runs in the coordination store by state and origin",
		},
		[]string{"state", "origin"},
	)

	RunsExpiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runfleet_runs_expired_total",
			Help: "Runs found with an expired heartbeat, by action taken",
		},
		[]string{"action"},
	)

	// Supervisor metrics
	JobCyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runfleet_job_cycles_total",
			Help: "Total number of maintenance job cycles by job and result",
		},
		[]string{"job", "result"},
	)

	JobCycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "runfleet_job_cycle_duration_seconds",
			Help:    "Maintenance job cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"job"},
	)

	JobLastSuccess = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "runfleet_job_last_success_timestamp_seconds",
			Help: "Unix time of the last successful cycle reported by each job",
		},
		[]string{"job"},
	)

	// Engine controller metrics
	EnginePods = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runfleet_engine_pods",
			Help: "Managed engine pods seen in the last reconciliation",
		},
	)

	EnginePodsCreatedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runfleet_engine_pods_created_total",
			Help: "Total number of engine pods created",
		},
	)

	EnginePodsDeletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runfleet_engine_pods_deleted_total",
			Help: "Total number of engine pods deleted by reason",
		},
		[]string{"reason"},
	)

	EnginePodErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runfleet_engine_pod_errors_total",
			Help: "Failed engine pod operations by operation",
		},
		[]string{"op"},
	)

	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "runfleet_reconciliation_duration_seconds",
			Help:    "Engine reconciliation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runfleet_reconciliation_cycles_total",
			Help: "Total number of engine reconciliation cycles",
		},
	)

	// Store metrics
	CASConflictsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "runfleet_store_cas_conflicts_total",
			Help: "Compare-and-swap attempts that lost a race and were retried",
		},
	)

	WatchEventsDelivered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "runfleet_watch_events_delivered_total",
			Help: "Watch notifications delivered to watchers by result",
		},
		[]string{"result"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runfleet_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "runfleet_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RunsTotal)
	prometheus.MustRegister(RunsExpiredTotal)
	prometheus.MustRegister(JobCyclesTotal)
	prometheus.MustRegister(JobCycleDuration)
	prometheus.MustRegister(JobLastSuccess)
	prometheus.MustRegister(EnginePods)
	prometheus.MustRegister(EnginePodsCreatedTotal)
	prometheus.MustRegister(EnginePodsDeletedTotal)
	prometheus.MustRegister(EnginePodErrorsTotal)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
	prometheus.MustRegister(CASConflictsTotal)
	prometheus.MustRegister(WatchEventsDelivered)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftAppliedIndex)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
