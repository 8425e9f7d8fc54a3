package supervisor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/runfleet/pkg/events"
	"github.com/cuemby/runfleet/pkg/storage"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func testOptions() Options {
	return Options{PoolSize: 3, MaxInitialDelay: 0}
}

// fakeJob counts cycles and runs an optional hook per cycle
type fakeJob struct {
	name     string
	interval time.Duration
	initErr  error
	onInit   func(host Host) error
	onRun    func(ctx context.Context, cycle int32) error
	standby  string

	host   Host
	cycles atomic.Int32
}

func (j *fakeJob) Name() string            { return j.name }
func (j *fakeJob) Interval() time.Duration { return j.interval }

func (j *fakeJob) Initialise(ctx context.Context, host Host) error {
	if j.initErr != nil {
		return j.initErr
	}
	j.host = host
	if j.onInit != nil {
		return j.onInit(host)
	}
	return nil
}

func (j *fakeJob) Run(ctx context.Context) error {
	cycle := j.cycles.Add(1)
	if j.onRun != nil {
		if err := j.onRun(ctx, cycle); err != nil {
			return err
		}
	}
	if j.standby != "" {
		j.host.ReportStandby(j.name, j.standby)
		return nil
	}
	j.host.ReportSuccess(j.name)
	return nil
}

// listenerJob records RunFinishedOrDeleted callbacks
type listenerJob struct {
	fakeJob
	finished chan string
}

func (j *listenerJob) RunFinishedOrDeleted(runName string) {
	j.finished <- runName
}

func TestInitialiseFailureExcludesOnlyThatJob(t *testing.T) {
	store := newTestStore(t)
	broken := &fakeJob{name: "broken", interval: 10 * time.Millisecond, initErr: errors.New("missing setting")}
	healthy := &fakeJob{name: "healthy", interval: 10 * time.Millisecond}

	s := New(store, zerolog.Nop(), testOptions(), broken, healthy)
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown()

	assert.Eventually(t, func() bool { return healthy.cycles.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), broken.cycles.Load())

	health := s.Health()
	require.Len(t, health, 1)
	assert.Equal(t, "healthy", health[0].Name)
}

func TestFailingCyclesKeepSchedule(t *testing.T) {
	store := newTestStore(t)
	job := &fakeJob{
		name:     "flaky",
		interval: 5 * time.Millisecond,
		onRun: func(_ context.Context, cycle int32) error {
			switch cycle {
			case 1:
				panic("boom")
			case 2:
				return errors.New("store unavailable")
			}
			return nil
		},
	}

	s := New(store, zerolog.Nop(), testOptions(), job)
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown()

	assert.Eventually(t, func() bool { return job.cycles.Load() >= 4 }, 2*time.Second, 5*time.Millisecond)
}

func TestTrigger(t *testing.T) {
	store := newTestStore(t)
	job := &fakeJob{name: "slow", interval: time.Hour}

	s := New(store, zerolog.Nop(), testOptions(), job)
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown()

	require.Eventually(t, func() bool { return job.cycles.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	s.Trigger("slow")
	assert.Eventually(t, func() bool { return job.cycles.Load() == 2 }, 2*time.Second, 5*time.Millisecond)

	// Unknown jobs are ignored
	s.Trigger("missing")
}

func TestPoolSizeBoundsConcurrency(t *testing.T) {
	store := newTestStore(t)

	var running, peak atomic.Int32
	hook := func(context.Context, int32) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		running.Add(-1)
		return nil
	}

	var jobs []Job
	var fakes []*fakeJob
	for _, name := range []string{"a", "b", "c", "d"} {
		j := &fakeJob{name: name, interval: time.Millisecond, onRun: hook}
		jobs = append(jobs, j)
		fakes = append(fakes, j)
	}

	s := New(store, zerolog.Nop(), Options{PoolSize: 2}, jobs...)
	require.NoError(t, s.Start(context.Background()))

	assert.Eventually(t, func() bool {
		for _, j := range fakes {
			if j.cycles.Load() < 2 {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	s.Shutdown()

	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestShutdownWaitsForInFlightCycle(t *testing.T) {
	store := newTestStore(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var ctxErr atomic.Value

	job := &fakeJob{
		name:     "blocking",
		interval: time.Hour,
		onRun: func(ctx context.Context, _ int32) error {
			close(entered)
			<-release
			if ctx.Err() != nil {
				ctxErr.Store(ctx.Err())
			}
			return nil
		},
	}

	s := New(store, zerolog.Nop(), testOptions(), job)
	require.NoError(t, s.Start(context.Background()))
	<-entered

	done := make(chan struct{})
	go func() {
		s.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Shutdown returned while a cycle was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}
	assert.Nil(t, ctxErr.Load())
}

func TestShutdownCancelsWatches(t *testing.T) {
	store := newTestStore(t)
	changes := make(chan string, 8)

	job := &fakeJob{
		name:     "watching",
		interval: time.Hour,
		onInit: func(host Host) error {
			return host.Watch("dss.", storage.WatcherFunc(func(key string, _ events.EventType, _, _ string) {
				changes <- key
			}))
		},
	}

	s := New(store, zerolog.Nop(), testOptions(), job)
	require.NoError(t, s.Start(context.Background()))

	require.NoError(t, store.Put("dss.a", "1"))
	select {
	case key := <-changes:
		assert.Equal(t, "dss.a", key)
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not fire")
	}

	s.Shutdown()

	require.NoError(t, store.Put("dss.b", "1"))
	select {
	case key := <-changes:
		t.Fatalf("watch fired after shutdown for %s", key)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRunListenerReceivesCompletions(t *testing.T) {
	store := newTestStore(t)
	job := &listenerJob{
		fakeJob:  fakeJob{name: "listener", interval: time.Hour},
		finished: make(chan string, 8),
	}

	s := New(store, zerolog.Nop(), testOptions(), job)
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown()

	require.NoError(t, store.Put("run.U1.status", "running"))
	require.NoError(t, store.Put("run.U1.status", "finished"))
	require.NoError(t, store.Put("run.U2.heartbeat", "2026-01-01T10:00:00Z"))
	require.NoError(t, store.Put("run.U2.status", "queued"))
	require.NoError(t, store.DeletePrefix("run.U2."))

	var got []string
	for i := 0; i < 2; i++ {
		select {
		case name := <-job.finished:
			got = append(got, name)
		case <-time.After(2 * time.Second):
			t.Fatal("listener not notified")
		}
	}
	assert.Equal(t, []string{"U1", "U2"}, got)

	select {
	case name := <-job.finished:
		t.Fatalf("unexpected notification for %s", name)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHealth(t *testing.T) {
	store := newTestStore(t)
	reporting := &fakeJob{name: "reporting", interval: 10 * time.Millisecond}
	silent := &fakeJob{
		name:     "silent",
		interval: 10 * time.Millisecond,
		onRun: func(context.Context, int32) error {
			return errors.New("never succeeds")
		},
	}

	s := New(store, zerolog.Nop(), testOptions(), reporting, silent)
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown()

	assert.Eventually(t, func() bool {
		byName := map[string]JobHealth{}
		for _, h := range s.Health() {
			byName[h.Name] = h
		}
		return byName["reporting"].Healthy && !byName["reporting"].LastSuccess.IsZero() &&
			!byName["silent"].Healthy && byName["silent"].LastSuccess.IsZero()
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStandbyIsHealthyWithoutSuccess(t *testing.T) {
	store := newTestStore(t)
	standby := &fakeJob{name: "standby", interval: 10 * time.Millisecond, standby: "not the store leader"}

	s := New(store, zerolog.Nop(), testOptions(), standby)
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown()

	assert.Eventually(t, func() bool { return standby.cycles.Load() >= 2 }, 2*time.Second, 5*time.Millisecond)
	health := s.Health()
	require.Len(t, health, 1)
	assert.True(t, health[0].Healthy)
	assert.Equal(t, "not the store leader", health[0].Standby)
	assert.True(t, health[0].LastSuccess.IsZero())
}

func TestConcurrentStartAndShutdown(t *testing.T) {
	for i := 0; i < 20; i++ {
		job := &fakeJob{name: "job", interval: time.Millisecond}
		s := New(newTestStore(t), zerolog.Nop(), testOptions(), job)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			s.Shutdown()
		}()
		wg.Wait()

		// Shutdown may have run before Start; the second call stops whatever
		// Start scheduled
		s.Shutdown()
		cycles := job.cycles.Load()
		time.Sleep(10 * time.Millisecond)
		assert.Equal(t, cycles, job.cycles.Load(), "iteration %d", i)
	}
}

func TestStartTwice(t *testing.T) {
	s := New(newTestStore(t), zerolog.Nop(), testOptions())
	require.NoError(t, s.Start(context.Background()))
	defer s.Shutdown()

	assert.Error(t, s.Start(context.Background()))
}

func TestShutdownWithoutStart(t *testing.T) {
	s := New(newTestStore(t), zerolog.Nop(), testOptions())
	s.Shutdown()
}
