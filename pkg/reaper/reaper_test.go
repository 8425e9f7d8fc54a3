package reaper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/runfleet/pkg/config"
	"github.com/cuemby/runfleet/pkg/runs"
	"github.com/cuemby/runfleet/pkg/storage"
	"github.com/cuemby/runfleet/pkg/types"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeHost struct {
	successes []string
	standby   []string
}

func (h *fakeHost) ReportSuccess(job string)                     { h.successes = append(h.successes, job) }
func (h *fakeHost) ReportStandby(job, reason string)             { h.standby = append(h.standby, reason) }
func (h *fakeHost) Watch(prefix string, w storage.Watcher) error { return nil }
func (h *fakeHost) Trigger(job string)                           {}

type fixture struct {
	store    *storage.BoltStore
	registry *runs.Registry
	props    *config.PropertyView
	host     *fakeHost
	reaper   *Reaper
}

func newFixture(t *testing.T, registry func(*runs.Registry) RunRegistry) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:    store,
		registry: runs.NewRegistry(store, zerolog.Nop()),
		props:    config.NewPropertyView(nil),
		host:     &fakeHost{},
	}

	var reg RunRegistry = f.registry
	if registry != nil {
		reg = registry(f.registry)
	}
	f.reaper = New(reg, f.props, zerolog.Nop(), time.Second)
	f.reaper.now = func() time.Time { return testNow }
	require.NoError(t, f.reaper.Initialise(context.Background(), f.host))
	return f
}

func (f *fixture) put(t *testing.T, values map[string]string) {
	t.Helper()
	require.NoError(t, f.store.PutAll(values))
}

func (f *fixture) prefix(t *testing.T, p string) map[string]string {
	t.Helper()
	got, err := f.store.GetPrefix(p)
	require.NoError(t, err)
	return got
}

func heartbeat(age time.Duration) string {
	return testNow.Add(-age).Format(time.RFC3339Nano)
}

func TestExpiredAutomatedRunIsReset(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, map[string]string{
		"run.R1.heartbeat": heartbeat(10 * time.Minute),
		"run.R1.status":    "running",
		"run.R1.local":     "false",
		"run.R1.group":     "nightly",
		"run.R1.testclass": "dev.galasa.Test",
	})

	require.NoError(t, f.reaper.Run(context.Background()))

	got := f.prefix(t, "run.R1.")
	assert.NotContains(t, got, "run.R1.heartbeat")
	assert.NotContains(t, got, "run.R1.status")
	assert.Equal(t, "nightly", got["run.R1.group"])
	assert.Equal(t, "dev.galasa.Test", got["run.R1.testclass"])
	assert.Equal(t, "false", got["run.R1.local"])
	assert.Contains(t, got, "run.R1.requeued")
	assert.Equal(t, []string{JobName}, f.host.successes)

	run, err := f.registry.Get("R1")
	require.NoError(t, err)
	assert.True(t, run.IsQueued())
}

func TestExpiredLocalRunIsDeleted(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, map[string]string{
		"run.R2.heartbeat": heartbeat(10 * time.Minute),
		"run.R2.status":    "running",
		"run.R2.local":     "true",
		"run.R2.group":     "desktop",
	})

	require.NoError(t, f.reaper.Run(context.Background()))

	assert.Empty(t, f.prefix(t, "run.R2."))
	assert.Equal(t, []string{JobName}, f.host.successes)
}

func TestHeartbeatBoundary(t *testing.T) {
	tests := []struct {
		name    string
		age     time.Duration
		expired bool
	}{
		{name: "expiry equals now", age: 300 * time.Second, expired: true},
		{name: "expiry one second ahead", age: 299 * time.Second, expired: false},
		{name: "long dead", age: time.Hour, expired: true},
		{name: "fresh", age: 0, expired: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.put(t, map[string]string{
				"run.R.heartbeat": heartbeat(tt.age),
				"run.R.status":    "running",
				"run.R.local":     "true",
			})

			require.NoError(t, f.reaper.Run(context.Background()))

			if tt.expired {
				assert.Empty(t, f.prefix(t, "run.R."))
			} else {
				assert.Len(t, f.prefix(t, "run.R."), 3)
			}
		})
	}
}

func TestRunsWithoutHeartbeatAreIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, map[string]string{
		"run.Q.status": "queued",
		"run.Q.local":  "true",
	})

	require.NoError(t, f.reaper.Run(context.Background()))

	assert.Len(t, f.prefix(t, "run.Q."), 2)
	assert.Equal(t, []string{JobName}, f.host.successes)
}

func TestMalformedHeartbeatIsSkipped(t *testing.T) {
	f := newFixture(t, nil)
	f.put(t, map[string]string{
		"run.BAD.heartbeat": "yesterday",
		"run.BAD.local":     "true",
		"run.OLD.heartbeat": heartbeat(time.Hour),
		"run.OLD.local":     "true",
	})

	require.NoError(t, f.reaper.Run(context.Background()))

	assert.Len(t, f.prefix(t, "run.BAD."), 2)
	assert.Empty(t, f.prefix(t, "run.OLD."))
	assert.Equal(t, []string{JobName}, f.host.successes)
}

func TestTimeoutProperty(t *testing.T) {
	f := newFixture(t, nil)
	assert.Equal(t, DefaultTimeout, f.reaper.Timeout())

	f.props.Replace(config.NewProperties(map[string]string{TimeoutProperty: "600"}))
	f.put(t, map[string]string{
		"run.R.heartbeat": heartbeat(10 * time.Minute),
		"run.R.local":     "true",
	})
	require.NoError(t, f.reaper.Run(context.Background()))
	assert.Equal(t, 600*time.Second, f.reaper.Timeout())
	assert.Empty(t, f.prefix(t, "run.R."))

	// An unparsable value keeps the previous timeout
	f.props.Replace(config.NewProperties(map[string]string{TimeoutProperty: "ten minutes"}))
	f.put(t, map[string]string{
		"run.S.heartbeat": heartbeat(9 * time.Minute),
		"run.S.local":     "true",
	})
	require.NoError(t, f.reaper.Run(context.Background()))
	assert.Equal(t, 600*time.Second, f.reaper.Timeout())
	assert.Len(t, f.prefix(t, "run.S."), 2)

	// Removing the property restores the default
	f.props.Replace(config.NewProperties(nil))
	require.NoError(t, f.reaper.Run(context.Background()))
	assert.Equal(t, DefaultTimeout, f.reaper.Timeout())
	assert.Empty(t, f.prefix(t, "run.S."))
}

// failingRegistry fails mutations for one run
type failingRegistry struct {
	*runs.Registry
	failOn string
}

func (r *failingRegistry) Delete(name string) error {
	if name == r.failOn {
		return storage.ErrUnavailable
	}
	return r.Registry.Delete(name)
}

func (r *failingRegistry) Reset(run *types.Run) (bool, error) {
	if run.Name == r.failOn {
		return false, storage.ErrUnavailable
	}
	return r.Registry.Reset(run)
}

func TestPerRunFailureDoesNotAbortScan(t *testing.T) {
	f := newFixture(t, func(r *runs.Registry) RunRegistry {
		return &failingRegistry{Registry: r, failOn: "A"}
	})
	f.put(t, map[string]string{
		"run.A.heartbeat": heartbeat(time.Hour),
		"run.A.local":     "true",
		"run.B.heartbeat": heartbeat(time.Hour),
		"run.B.local":     "true",
		"run.C.heartbeat": heartbeat(time.Hour),
		"run.C.status":    "running",
	})

	require.NoError(t, f.reaper.Run(context.Background()))

	assert.Len(t, f.prefix(t, "run.A."), 2)
	assert.Empty(t, f.prefix(t, "run.B."))
	assert.NotContains(t, f.prefix(t, "run.C."), "run.C.heartbeat")
	assert.Equal(t, []string{JobName}, f.host.successes)
}

type brokenRegistry struct{ RunRegistry }

func (brokenRegistry) List() ([]*types.Run, error) {
	return nil, errors.New("store unavailable")
}

func TestListFailureFailsCycle(t *testing.T) {
	f := newFixture(t, func(r *runs.Registry) RunRegistry {
		return brokenRegistry{RunRegistry: r}
	})

	assert.Error(t, f.reaper.Run(context.Background()))
	assert.Empty(t, f.host.successes)
}

type staticLeader bool

func (l staticLeader) IsLeader() bool { return bool(l) }

func TestFollowerSkipsScan(t *testing.T) {
	tests := []struct {
		name      string
		leader    bool
		reaped    bool
		successes []string
		standby   []string
	}{
		{name: "leader", leader: true, reaped: true, successes: []string{JobName}},
		{name: "follower", leader: false, standby: []string{"not the store leader"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil)
			f.reaper.SetLeader(staticLeader(tt.leader))
			f.put(t, map[string]string{
				"run.L.heartbeat": heartbeat(time.Hour),
				"run.L.local":     "true",
			})

			require.NoError(t, f.reaper.Run(context.Background()))
			assert.Equal(t, tt.reaped, len(f.prefix(t, "run.L.")) == 0)
			assert.Equal(t, tt.successes, f.host.successes)
			assert.Equal(t, tt.standby, f.host.standby)
		})
	}
}
