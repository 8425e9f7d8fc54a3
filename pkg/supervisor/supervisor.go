package supervisor

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/cuemby/runfleet/pkg/metrics"
	"github.com/cuemby/runfleet/pkg/storage"
)

// Job is a periodic maintenance task run by the supervisor
type Job interface {
	Name() string
	// Initialise prepares the job. An error excludes the job from
	// scheduling; the other jobs are unaffected.
	Initialise(ctx context.Context, host Host) error
	// Run executes one cycle. Errors and panics are logged and the job stays
	// scheduled.
	Run(ctx context.Context) error
	// Interval is the fixed delay between the end of one cycle and the
	// start of the next.
	Interval() time.Duration
}

// Host is the supervisor surface available to jobs
type Host interface {
	// ReportSuccess records that job completed a full cycle
	ReportSuccess(job string)
	// ReportStandby records that job deliberately skipped a cycle, for
	// instance because another process owns the work
	ReportStandby(job, reason string)
	// Watch subscribes w to a key prefix for the lifetime of the supervisor
	Watch(prefix string, w storage.Watcher) error
	// Trigger asks for an immediate cycle of job. Triggers while a cycle is
	// pending coalesce.
	Trigger(job string)
}

// RunListener is implemented by jobs that react to run completion
type RunListener interface {
	RunFinishedOrDeleted(runName string)
}

// Options tune scheduling
type Options struct {
	// PoolSize bounds how many job cycles execute at once
	PoolSize int64
	// MaxInitialDelay bounds the random offset before a job's first cycle
	MaxInitialDelay time.Duration
	// StaleFactor is the number of intervals without a reported success
	// after which a job is considered unhealthy
	StaleFactor int
}

// DefaultOptions returns the production scheduling options
func DefaultOptions() Options {
	return Options{
		PoolSize:        3,
		MaxInitialDelay: 20 * time.Second,
		StaleFactor:     3,
	}
}

// JobHealth describes a scheduled job's recent progress
type JobHealth struct {
	Name        string    `json:"name"`
	Interval    string    `json:"interval"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	Standby     string    `json:"standby,omitempty"`
	Healthy     bool      `json:"healthy"`
}

type jobState struct {
	job     Job
	trigger chan struct{}
	started time.Time

	mu          sync.Mutex
	lastSuccess time.Time
	lastReport  time.Time
	standby     string
}

// Supervisor hosts the control-plane maintenance jobs. Each initialised job
// is scheduled with a fixed delay after a random initial offset, and cycles
// of all jobs share a bounded execution pool.
type Supervisor struct {
	store  storage.Store
	logger zerolog.Logger
	opts   Options
	jobs   []Job
	sem    *semaphore.Weighted

	mu      sync.Mutex
	active  map[string]*jobState
	order   []string
	watches []string
	started bool
	stopped bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a supervisor for a static set of jobs
func New(store storage.Store, logger zerolog.Logger, opts Options, jobs ...Job) *Supervisor {
	defaults := DefaultOptions()
	if opts.PoolSize <= 0 {
		opts.PoolSize = defaults.PoolSize
	}
	if opts.MaxInitialDelay < 0 {
		opts.MaxInitialDelay = 0
	}
	if opts.StaleFactor <= 0 {
		opts.StaleFactor = defaults.StaleFactor
	}

	return &Supervisor{
		store:  store,
		logger: logger,
		opts:   opts,
		jobs:   jobs,
		sem:    semaphore.NewWeighted(opts.PoolSize),
		active: make(map[string]*jobState),
	}
}

// Start initialises every job, registers the run watch and starts the
// schedules. It returns once scheduling has begun.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	var listeners []RunListener
	for _, job := range s.jobs {
		name := job.Name()
		if err := job.Initialise(ctx, s); err != nil {
			s.logger.Error().Err(err).Str("job", name).Msg("Job failed to initialise, not scheduling it")
			metrics.JobCyclesTotal.WithLabelValues(name, "init_failed").Inc()
			metrics.UpdateComponent(componentName(name), false, err.Error())
			continue
		}

		s.mu.Lock()
		s.active[name] = &jobState{
			job:     job,
			trigger: make(chan struct{}, 1),
			started: time.Now(),
		}
		s.order = append(s.order, name)
		s.mu.Unlock()

		if l, ok := job.(RunListener); ok {
			listeners = append(listeners, l)
		}
		s.logger.Info().Str("job", name).Dur("interval", job.Interval()).Msg("Job initialised")
	}

	if len(listeners) > 0 {
		if err := s.Watch("run.", NewRunWatch(s.logger, listeners...)); err != nil {
			s.logger.Error().Err(err).Msg("Failed to register run watch")
		}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("supervisor stopped during start")
	}
	for _, name := range s.order {
		state := s.active[name]
		s.wg.Add(1)
		go s.schedule(runCtx, state)
	}
	s.wg.Add(1)
	go s.watchdog(runCtx)
	active := len(s.order)
	s.mu.Unlock()

	metrics.UpdateComponent("supervisor", true, fmt.Sprintf("%d/%d jobs scheduled", active, len(s.jobs)))
	s.logger.Info().Int("jobs", active).Int64("pool_size", s.opts.PoolSize).Msg("Supervisor started")
	return nil
}

// Shutdown stops scheduling, waits for in-flight cycles to complete and
// cancels every watch created through the supervisor.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	watches := s.watches
	s.watches = nil
	s.mu.Unlock()

	for _, id := range watches {
		if err := s.store.Unwatch(id); err != nil {
			s.logger.Warn().Err(err).Str("watch_id", id).Msg("Failed to cancel watch")
		}
	}

	metrics.UpdateComponent("supervisor", false, "stopped")
	s.logger.Info().Msg("Supervisor stopped")
}

// ReportSuccess records a completed cycle for job
func (s *Supervisor) ReportSuccess(job string) {
	s.mu.Lock()
	state, ok := s.active[job]
	s.mu.Unlock()
	if !ok {
		return
	}

	now := time.Now()
	state.mu.Lock()
	state.lastSuccess = now
	state.lastReport = now
	state.standby = ""
	state.mu.Unlock()

	metrics.JobLastSuccess.WithLabelValues(job).Set(float64(now.Unix()))
	metrics.UpdateComponent(componentName(job), true, "")
}

// ReportStandby records a skipped cycle for job. A job on standby stays
// healthy as long as it keeps reporting, but its last success is unchanged.
func (s *Supervisor) ReportStandby(job, reason string) {
	s.mu.Lock()
	state, ok := s.active[job]
	s.mu.Unlock()
	if !ok {
		return
	}

	state.mu.Lock()
	state.lastReport = time.Now()
	state.standby = reason
	state.mu.Unlock()

	metrics.UpdateComponent(componentName(job), true, "standby: "+reason)
}

// Watch subscribes w to prefix; the subscription is cancelled on Shutdown
func (s *Supervisor) Watch(prefix string, w storage.Watcher) error {
	id, err := s.store.Watch(prefix, w)
	if err != nil {
		return fmt.Errorf("failed to watch %q: %w", prefix, err)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return s.store.Unwatch(id)
	}
	s.watches = append(s.watches, id)
	s.mu.Unlock()
	return nil
}

// Trigger requests an immediate cycle of job
func (s *Supervisor) Trigger(job string) {
	s.mu.Lock()
	state, ok := s.active[job]
	s.mu.Unlock()
	if !ok {
		return
	}

	select {
	case state.trigger <- struct{}{}:
	default:
	}
}

// Health reports each scheduled job's progress. A job is unhealthy when it
// has gone StaleFactor intervals without reporting success.
func (s *Supervisor) Health() []JobHealth {
	s.mu.Lock()
	states := make([]*jobState, 0, len(s.order))
	for _, name := range s.order {
		states = append(states, s.active[name])
	}
	s.mu.Unlock()

	now := time.Now()
	report := make([]JobHealth, 0, len(states))
	for _, state := range states {
		state.mu.Lock()
		last := state.lastSuccess
		reported := state.lastReport
		standby := state.standby
		state.mu.Unlock()

		interval := state.job.Interval()
		reference := reported
		if reference.IsZero() {
			// Allow the first cycle its initial offset before judging
			reference = state.started.Add(s.opts.MaxInitialDelay)
		}

		report = append(report, JobHealth{
			Name:        state.job.Name(),
			Interval:    interval.String(),
			LastSuccess: last,
			Standby:     standby,
			Healthy:     now.Sub(reference) <= time.Duration(s.opts.StaleFactor)*interval,
		})
	}
	return report
}

func (s *Supervisor) schedule(ctx context.Context, state *jobState) {
	defer s.wg.Done()

	name := state.job.Name()
	delay := time.Duration(0)
	if s.opts.MaxInitialDelay > 0 {
		delay = time.Duration(rand.Int63n(int64(s.opts.MaxInitialDelay)))
	}
	s.logger.Debug().Str("job", name).Dur("initial_delay", delay).Msg("Scheduling job")

	for {
		if !s.wait(ctx, state, delay) {
			return
		}

		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		// Cycles are not interrupted by shutdown; Shutdown waits for them
		s.runCycle(context.WithoutCancel(ctx), state.job)
		s.sem.Release(1)

		delay = state.job.Interval()
	}
}

func (s *Supervisor) wait(ctx context.Context, state *jobState, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-state.trigger:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *Supervisor) runCycle(ctx context.Context, job Job) {
	name := job.Name()
	timer := metrics.NewTimer()
	result := "ok"

	defer func() {
		if r := recover(); r != nil {
			result = "panic"
			s.logger.Error().Interface("panic", r).Str("job", name).Msg("Job cycle panicked")
		}
		timer.ObserveDurationVec(metrics.JobCycleDuration, name)
		metrics.JobCyclesTotal.WithLabelValues(name, result).Inc()
	}()

	if err := job.Run(ctx); err != nil {
		result = "error"
		s.logger.Error().Err(err).Str("job", name).Msg("Job cycle failed")
	}
}

// watchdog marks jobs unhealthy in the health registry once they go stale
func (s *Supervisor) watchdog(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, h := range s.Health() {
				if !h.Healthy {
					metrics.UpdateComponent(componentName(h.Name), false,
						fmt.Sprintf("no successful cycle since %s", h.LastSuccess.Format(time.RFC3339)))
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func componentName(job string) string {
	return "job/" + job
}
