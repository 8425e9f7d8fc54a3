package reaper

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/runfleet/pkg/log"
	"github.com/cuemby/runfleet/pkg/metrics"
	"github.com/cuemby/runfleet/pkg/supervisor"
	"github.com/cuemby/runfleet/pkg/types"
)

const (
	// JobName identifies the reaper in the supervisor
	JobName = "heartbeat-reaper"

	// TimeoutProperty holds the dead heartbeat window in seconds
	TimeoutProperty = "resource.management.dead.heartbeat.timeout"

	// DefaultTimeout applies until the property resolves to a valid value
	DefaultTimeout = 300 * time.Second

	// DefaultInterval is the delay between scans
	DefaultInterval = 20 * time.Second
)

// RunRegistry is the run access the reaper needs
type RunRegistry interface {
	List() ([]*types.Run, error)
	Delete(name string) error
	Reset(run *types.Run) (bool, error)
}

// PropertySource resolves configuration properties
type PropertySource interface {
	Property(key string) (string, bool)
}

// Leader reports whether this process may write to the store. Clustered
// stores only accept writes on the raft leader.
type Leader interface {
	IsLeader() bool
}

// Reaper finds runs whose heartbeat stopped and applies the expiry policy:
// local runs are deleted, automated runs are reset back to the queue.
type Reaper struct {
	registry   RunRegistry
	properties PropertySource
	logger     zerolog.Logger
	interval   time.Duration
	now        func() time.Time
	host       supervisor.Host
	leader     Leader

	mu      sync.Mutex
	timeout time.Duration
}

var _ supervisor.Job = (*Reaper)(nil)

// New creates a heartbeat reaper
func New(registry RunRegistry, properties PropertySource, logger zerolog.Logger, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reaper{
		registry:   registry,
		properties: properties,
		logger:     logger,
		interval:   interval,
		now:        time.Now,
		timeout:    DefaultTimeout,
	}
}

// SetLeader gates scans on l. Without one every cycle scans, which is what a
// standalone store needs.
func (r *Reaper) SetLeader(l Leader) {
	r.leader = l
}

// Name implements supervisor.Job
func (r *Reaper) Name() string { return JobName }

// Interval implements supervisor.Job
func (r *Reaper) Interval() time.Duration { return r.interval }

// Initialise implements supervisor.Job
func (r *Reaper) Initialise(ctx context.Context, host supervisor.Host) error {
	r.host = host
	r.logger.Info().Dur("timeout", r.resolveTimeout()).Msg("Heartbeat reaper initialised")
	return nil
}

// Run scans every run once. Failures on individual runs are logged and the
// scan continues; only a failure to enumerate runs fails the cycle.
func (r *Reaper) Run(ctx context.Context) error {
	timeout := r.resolveTimeout()

	if r.leader != nil && !r.leader.IsLeader() {
		r.logger.Debug().Msg("Not the store leader, skipping scan")
		r.host.ReportStandby(JobName, "not the store leader")
		return nil
	}

	runs, err := r.registry.List()
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	now := r.now()
	var expired int
	for _, run := range runs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if r.reap(run, now, timeout) {
			expired++
		}
	}

	if expired > 0 {
		r.logger.Info().Int("expired", expired).Int("scanned", len(runs)).Msg("Reaped runs with dead heartbeats")
	}
	r.host.ReportSuccess(JobName)
	return nil
}

// Timeout returns the heartbeat window currently in force
func (r *Reaper) Timeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timeout
}

// reap applies the expiry policy to one run and reports whether it had
// expired.
func (r *Reaper) reap(run *types.Run, now time.Time, timeout time.Duration) bool {
	logger := log.WithRun(r.logger, run.Name)

	if !run.HasHeartbeat() {
		return false
	}
	heartbeat, err := run.HeartbeatTime()
	if err != nil {
		logger.Warn().Err(err).Msg("Skipping run with malformed heartbeat")
		return false
	}

	expiry := heartbeat.Add(timeout)
	if expiry.After(now) {
		return false
	}

	if run.Local {
		if err := r.registry.Delete(run.Name); err != nil {
			logger.Error().Err(err).Msg("Failed to delete expired local run")
			return true
		}
		metrics.RunsExpiredTotal.WithLabelValues("deleted").Inc()
		logger.Info().Time("heartbeat", heartbeat).Msg("Deleted local run with dead heartbeat")
		return true
	}

	reset, err := r.registry.Reset(run)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to reset expired run")
		return true
	}
	if !reset {
		logger.Debug().Msg("Heartbeat changed during reset, leaving run alone")
		return true
	}
	metrics.RunsExpiredTotal.WithLabelValues("reset").Inc()
	logger.Info().Time("heartbeat", heartbeat).Msg("Requeued automated run with dead heartbeat")
	return true
}

// resolveTimeout reads the heartbeat window property. An unset property
// means the default; an unparsable one keeps the previous value.
func (r *Reaper) resolveTimeout() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	raw, ok := r.properties.Property(TimeoutProperty)
	if !ok || strings.TrimSpace(raw) == "" {
		r.timeout = DefaultTimeout
		return r.timeout
	}

	seconds, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || seconds <= 0 {
		r.logger.Warn().Str("property", TimeoutProperty).Str("value", raw).
			Dur("keeping", r.timeout).Msg("Invalid dead heartbeat timeout")
		return r.timeout
	}

	r.timeout = time.Duration(seconds) * time.Second
	return r.timeout
}
