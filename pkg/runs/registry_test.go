package runs

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/runfleet/pkg/metrics"
	"github.com/cuemby/runfleet/pkg/storage"
	"github.com/cuemby/runfleet/pkg/supervisor"
	"github.com/cuemby/runfleet/pkg/types"
)

func newTestRegistry(t *testing.T) (*Registry, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return NewRegistry(store, zerolog.Nop()), store
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		key       string
		wantRun   string
		wantField string
		wantOK    bool
	}{
		{key: "run.U1.status", wantRun: "U1", wantField: "status", wantOK: true},
		{key: "run.U1.override.a.b", wantRun: "U1", wantField: "override.a.b", wantOK: true},
		{key: "run.U1", wantOK: false},
		{key: "run..status", wantOK: false},
		{key: "other.U1.status", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			run, field, ok := ParseKey(tt.key)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantRun, run)
			assert.Equal(t, tt.wantField, field)
		})
	}
}

func TestListGroupsProperties(t *testing.T) {
	r, store := newTestRegistry(t)

	require.NoError(t, store.PutAll(map[string]string{
		"run.U2.status":            "running",
		"run.U2.heartbeat":         "2026-01-01T10:00:00Z",
		"run.U2.local":             "true",
		"run.U1.group":             "nightly",
		"run.U1.testbundle":        "dev.galasa.example",
		"run.U1.testclass":         "dev.galasa.example.Test",
		"run.U1.stream":            "main",
		"run.U1.requestor":         "alice",
		"run.U1.trace":             "true",
		"run.U1.queued":            "2026-01-01T09:00:00Z",
		"run.U1.override.zos.lpar": "MV2C",
		"other.U3.status":          "running",
	}))

	runs, err := r.List()
	require.NoError(t, err)
	require.Len(t, runs, 2)

	u1, u2 := runs[0], runs[1]
	assert.Equal(t, "U1", u1.Name)
	assert.Equal(t, "nightly", u1.Group)
	assert.Equal(t, "dev.galasa.example", u1.Bundle)
	assert.Equal(t, "dev.galasa.example.Test", u1.TestClass)
	assert.Equal(t, "main", u1.Stream)
	assert.Equal(t, "alice", u1.Requestor)
	assert.True(t, u1.Trace)
	assert.False(t, u1.Local)
	assert.True(t, u1.IsQueued())
	assert.Equal(t, time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC), u1.Queued)
	assert.Equal(t, map[string]string{"zos.lpar": "MV2C"}, u1.Overrides)

	assert.Equal(t, "U2", u2.Name)
	assert.Equal(t, "running", u2.Status)
	assert.True(t, u2.Local)
	assert.True(t, u2.HasHeartbeat())
}

func TestGet(t *testing.T) {
	r, store := newTestRegistry(t)
	require.NoError(t, store.Put("run.U1.status", "running"))

	run, err := r.Get("U1")
	require.NoError(t, err)
	assert.Equal(t, "running", run.Status)

	_, err = r.Get("U9")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteRemovesAllMetadata(t *testing.T) {
	r, store := newTestRegistry(t)
	require.NoError(t, store.PutAll(map[string]string{
		"run.U1.status":    "running",
		"run.U1.heartbeat": "2026-01-01T10:00:00Z",
		"run.U1.group":     "g",
		"run.U10.status":   "queued",
	}))

	require.NoError(t, r.Delete("U1"))

	left, err := store.GetPrefix("run.")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"run.U10.status": "queued"}, left)
}

func TestReset(t *testing.T) {
	r, store := newTestRegistry(t)
	now := time.Date(2026, 1, 1, 10, 6, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	require.NoError(t, store.PutAll(map[string]string{
		"run.U2.status":    "running",
		"run.U2.heartbeat": "2026-01-01T10:00:00Z",
		"run.U2.group":     "g",
		"run.U2.testclass": "C",
	}))

	run, err := r.Get("U2")
	require.NoError(t, err)

	reset, err := r.Reset(run)
	require.NoError(t, err)
	assert.True(t, reset)

	got, err := store.GetPrefix("run.U2.")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"run.U2.group":     "g",
		"run.U2.testclass": "C",
		"run.U2.requeued":  "2026-01-01T10:06:00Z",
	}, got)

	after, err := r.Get("U2")
	require.NoError(t, err)
	assert.True(t, after.IsQueued())
	assert.Equal(t, now, after.Requeued)
}

func TestResetAbandonedWhenHeartbeatRefreshed(t *testing.T) {
	r, store := newTestRegistry(t)
	require.NoError(t, store.PutAll(map[string]string{
		"run.U2.status":    "running",
		"run.U2.heartbeat": "2026-01-01T10:00:00Z",
	}))

	run, err := r.Get("U2")
	require.NoError(t, err)

	require.NoError(t, r.Heartbeat("U2", time.Date(2026, 1, 1, 10, 5, 59, 0, time.UTC)))

	reset, err := r.Reset(run)
	require.NoError(t, err)
	assert.False(t, reset)

	status, _, err := store.Get("run.U2.status")
	require.NoError(t, err)
	assert.Equal(t, "running", status)
}

func TestSubmit(t *testing.T) {
	r, store := newTestRegistry(t)

	run := &types.Run{
		Name:      "U5",
		Group:     "g",
		Bundle:    "b",
		TestClass: "c",
		Trace:     true,
		Queued:    time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
		Overrides: map[string]string{"k": "v"},
	}
	require.NoError(t, r.Submit(run))

	got, err := store.GetPrefix("run.U5.")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"run.U5.status":     "queued",
		"run.U5.queued":     "2026-01-01T08:00:00Z",
		"run.U5.local":      "false",
		"run.U5.trace":      "true",
		"run.U5.group":      "g",
		"run.U5.testbundle": "b",
		"run.U5.testclass":  "c",
		"run.U5.override.k": "v",
	}, got)

	err = r.Submit(run)
	assert.ErrorIs(t, err, ErrRunExists)
}

func TestSetStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.SetStatus("U1", "finished"))

	run, err := r.Get("U1")
	require.NoError(t, err)
	assert.True(t, run.IsTerminal())
}

type fakeHost struct {
	successes []string
}

func (h *fakeHost) ReportSuccess(job string)                        { h.successes = append(h.successes, job) }
func (h *fakeHost) ReportStandby(job, reason string)                {}
func (h *fakeHost) Watch(prefix string, w storage.Watcher) error    { return nil }
func (h *fakeHost) Trigger(job string)                              {}

var _ supervisor.Host = (*fakeHost)(nil)

func TestCollector(t *testing.T) {
	r, store := newTestRegistry(t)
	require.NoError(t, store.PutAll(map[string]string{
		"run.U1.status": "queued",
		"run.U2.status": "running",
		"run.U3.status": "running",
		"run.U3.local":  "true",
		"run.U4.status": "Finished",
	}))

	host := &fakeHost{}
	c := NewCollector(r, zerolog.Nop())
	require.NoError(t, c.Initialise(context.Background(), host))
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, []string{CollectorJobName}, host.successes)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("queued", "automated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("running", "automated")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("running", "local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RunsTotal.WithLabelValues("finished", "automated")))
}
