package runs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/runfleet/pkg/metrics"
	"github.com/cuemby/runfleet/pkg/supervisor"
	"github.com/cuemby/runfleet/pkg/types"
)

// CollectorJobName identifies the run metrics job
const CollectorJobName = "run-metrics"

// Collector periodically exports run counts by state and origin
type Collector struct {
	registry *Registry
	logger   zerolog.Logger
	interval time.Duration
	host     supervisor.Host
}

var _ supervisor.Job = (*Collector)(nil)

// NewCollector creates a new run metrics collector
func NewCollector(registry *Registry, logger zerolog.Logger) *Collector {
	return &Collector{
		registry: registry,
		logger:   logger,
		interval: 15 * time.Second,
	}
}

// Name implements supervisor.Job
func (c *Collector) Name() string { return CollectorJobName }

// Interval implements supervisor.Job
func (c *Collector) Interval() time.Duration { return c.interval }

// Initialise implements supervisor.Job
func (c *Collector) Initialise(ctx context.Context, host supervisor.Host) error {
	c.host = host
	return nil
}

// Run implements supervisor.Job
func (c *Collector) Run(ctx context.Context) error {
	runs, err := c.registry.List()
	if err != nil {
		return fmt.Errorf("failed to collect run metrics: %w", err)
	}

	counts := make(map[[2]string]int)
	for _, run := range runs {
		counts[[2]string{runState(run), runOrigin(run)}]++
	}

	metrics.RunsTotal.Reset()
	for labels, n := range counts {
		metrics.RunsTotal.WithLabelValues(labels[0], labels[1]).Set(float64(n))
	}

	c.logger.Debug().Int("runs", len(runs)).Msg("Collected run metrics")
	c.host.ReportSuccess(c.Name())
	return nil
}

func runState(run *types.Run) string {
	if run.IsQueued() {
		return types.RunStatusQueued
	}
	return strings.ToLower(strings.TrimSpace(run.Status))
}

func runOrigin(run *types.Run) string {
	if run.Local {
		return "local"
	}
	return "automated"
}
