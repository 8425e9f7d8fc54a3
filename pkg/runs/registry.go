package runs

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/runfleet/pkg/storage"
	"github.com/cuemby/runfleet/pkg/types"
)

// KeyPrefix is the namespace of every run property
const KeyPrefix = "run."

// Run property names under run.<name>.
const (
	FieldHeartbeat  = "heartbeat"
	FieldStatus     = "status"
	FieldLocal      = "local"
	FieldGroup      = "group"
	FieldTestBundle = "testbundle"
	FieldTestClass  = "testclass"
	FieldStream     = "stream"
	FieldTrace      = "trace"
	FieldQueued     = "queued"
	FieldRequeued   = "requeued"
	FieldRequestor  = "requestor"
	FieldOverride   = "override."
)

// ErrRunExists is returned by Submit when the run name is already taken
var ErrRunExists = errors.New("run already exists")

// Key returns the store key of a run property
func Key(runName, field string) string {
	return KeyPrefix + runName + "." + field
}

// Prefix returns the prefix holding every property of a run
func Prefix(runName string) string {
	return KeyPrefix + runName + "."
}

// ParseKey splits a run property key into run name and field. ok is false
// for keys outside the run namespace.
func ParseKey(key string) (runName, field string, ok bool) {
	rest, found := strings.CutPrefix(key, KeyPrefix)
	if !found {
		return "", "", false
	}
	runName, field, found = strings.Cut(rest, ".")
	if !found || runName == "" || field == "" {
		return "", "", false
	}
	return runName, field, true
}

// Registry reads and mutates runs in the coordination store
type Registry struct {
	store  storage.Store
	logger zerolog.Logger
	now    func() time.Time
}

// NewRegistry creates a run registry over store
func NewRegistry(store storage.Store, logger zerolog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// List returns every run in the store, ordered by name. It reads the whole
// run namespace with a single prefix query.
func (r *Registry) List() ([]*types.Run, error) {
	props, err := r.store.GetPrefix(KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	byName := make(map[string]*types.Run)
	for key, value := range props {
		name, field, ok := ParseKey(key)
		if !ok {
			continue
		}
		run, exists := byName[name]
		if !exists {
			run = &types.Run{Name: name}
			byName[name] = run
		}
		r.apply(run, field, value)
	}

	runs := make([]*types.Run, 0, len(byName))
	for _, run := range byName {
		runs = append(runs, run)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Name < runs[j].Name })
	return runs, nil
}

// Get returns one run. It returns an error wrapping storage.ErrNotFound when
// the run has no properties.
func (r *Registry) Get(name string) (*types.Run, error) {
	props, err := r.store.GetPrefix(Prefix(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read run %s: %w", name, err)
	}
	if len(props) == 0 {
		return nil, fmt.Errorf("run %s: %w", name, storage.ErrNotFound)
	}

	run := &types.Run{Name: name}
	for key, value := range props {
		if _, field, ok := ParseKey(key); ok {
			r.apply(run, field, value)
		}
	}
	return run, nil
}

// Delete removes every property of a run atomically
func (r *Registry) Delete(name string) error {
	if err := r.store.DeletePrefix(Prefix(name)); err != nil {
		return fmt.Errorf("failed to delete run %s: %w", name, err)
	}
	return nil
}

// Reset returns an automated run to the queue. The heartbeat the caller
// observed is the comparison value: if the engine refreshed it since, the
// reset is abandoned and Reset returns false. On success the heartbeat and
// status are cleared and the requeue time recorded; all other run metadata
// is kept.
func (r *Registry) Reset(run *types.Run) (bool, error) {
	var observed *string
	if run.Heartbeat != "" {
		observed = storage.Value(run.Heartbeat)
	}

	swapped, err := r.store.Swap(storage.SwapRequest{
		Key:      Key(run.Name, FieldHeartbeat),
		OldValue: observed,
		Delete:   []string{Key(run.Name, FieldStatus)},
		Put: map[string]string{
			Key(run.Name, FieldRequeued): formatTime(r.now()),
		},
	})
	if err != nil {
		return false, fmt.Errorf("failed to reset run %s: %w", run.Name, err)
	}
	return swapped, nil
}

// Submit writes a new queued run. The status key is created with an
// absent-value comparison, so a name can only be submitted once.
func (r *Registry) Submit(run *types.Run) error {
	queued := run.Queued
	if queued.IsZero() {
		queued = r.now()
	}

	props := map[string]string{
		Key(run.Name, FieldQueued): formatTime(queued),
		Key(run.Name, FieldLocal):  strconv.FormatBool(run.Local),
		Key(run.Name, FieldTrace):  strconv.FormatBool(run.Trace),
	}
	optional := map[string]string{
		FieldGroup:      run.Group,
		FieldTestBundle: run.Bundle,
		FieldTestClass:  run.TestClass,
		FieldStream:     run.Stream,
		FieldRequestor:  run.Requestor,
	}
	for field, value := range optional {
		if value != "" {
			props[Key(run.Name, field)] = value
		}
	}
	for k, v := range run.Overrides {
		props[Key(run.Name, FieldOverride+k)] = v
	}

	swapped, err := r.store.Swap(storage.SwapRequest{
		Key:      Key(run.Name, FieldStatus),
		NewValue: storage.Value(types.RunStatusQueued),
		Put:      props,
	})
	if err != nil {
		return fmt.Errorf("failed to submit run %s: %w", run.Name, err)
	}
	if !swapped {
		return fmt.Errorf("run %s: %w", run.Name, ErrRunExists)
	}
	return nil
}

// Heartbeat records a liveness refresh for a run
func (r *Registry) Heartbeat(name string, t time.Time) error {
	if err := r.store.Put(Key(name, FieldHeartbeat), formatTime(t)); err != nil {
		return fmt.Errorf("failed to refresh heartbeat of run %s: %w", name, err)
	}
	return nil
}

// SetStatus records a status reported by the engine
func (r *Registry) SetStatus(name, status string) error {
	if err := r.store.Put(Key(name, FieldStatus), status); err != nil {
		return fmt.Errorf("failed to set status of run %s: %w", name, err)
	}
	return nil
}

func (r *Registry) apply(run *types.Run, field, value string) {
	switch field {
	case FieldHeartbeat:
		run.Heartbeat = value
	case FieldStatus:
		run.Status = value
	case FieldLocal:
		run.Local = parseBool(value)
	case FieldGroup:
		run.Group = value
	case FieldTestBundle:
		run.Bundle = value
	case FieldTestClass:
		run.TestClass = value
	case FieldStream:
		run.Stream = value
	case FieldTrace:
		run.Trace = parseBool(value)
	case FieldRequestor:
		run.Requestor = value
	case FieldQueued:
		run.Queued = r.parseTime(run.Name, field, value)
	case FieldRequeued:
		run.Requeued = r.parseTime(run.Name, field, value)
	default:
		if name, ok := strings.CutPrefix(field, FieldOverride); ok && name != "" {
			if run.Overrides == nil {
				run.Overrides = make(map[string]string)
			}
			run.Overrides[name] = value
		}
	}
}

func (r *Registry) parseTime(runName, field, value string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		r.logger.Debug().Str("run", runName).Str("field", field).Str("value", value).Msg("Ignoring malformed timestamp")
		return time.Time{}
	}
	return t
}

func parseBool(s string) bool {
	b, _ := strconv.ParseBool(strings.TrimSpace(s))
	return b
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
