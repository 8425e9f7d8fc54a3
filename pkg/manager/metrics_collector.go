package manager

import (
	"time"

	"github.com/cuemby/runfleet/pkg/metrics"
)

// MetricsCollector periodically exports the node's Raft state
type MetricsCollector struct {
	manager  *Manager
	interval time.Duration
	stopCh   chan struct{}
	started  bool
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(mgr *Manager) *MetricsCollector {
	return &MetricsCollector{
		manager:  mgr,
		interval: 15 * time.Second,
		stopCh:   make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *MetricsCollector) Start() {
	if c.started {
		return
	}
	c.started = true

	ticker := time.NewTicker(c.interval)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *MetricsCollector) Stop() {
	if !c.started {
		return
	}
	c.started = false
	close(c.stopCh)
}

func (c *MetricsCollector) collect() {
	if c.manager.IsLeader() {
		metrics.RaftLeader.Set(1)
	} else {
		metrics.RaftLeader.Set(0)
	}

	if r := c.manager.raft; r != nil {
		metrics.RaftAppliedIndex.Set(float64(r.AppliedIndex()))
	}
}
