package types

import (
	"fmt"
	"strings"
	"time"
)

// Run status values recognised by the control plane. Any other value is an
// in-flight state reported by the engine.
const (
	RunStatusQueued    = "queued"
	RunStatusFinished  = "finished"
	RunStatusUp        = "up"
	RunStatusDiscarded = "discarded"
)

// Run is a single test execution tracked in the coordination store under
// the run.<name>. key prefix.
type Run struct {
	Name      string
	Heartbeat string // raw ISO-8601 timestamp, empty when the engine never reported
	Status    string
	Local     bool
	Group     string
	Bundle    string
	TestClass string
	Stream    string
	Requestor string
	Overrides map[string]string
	Trace     bool
	Queued    time.Time
	Requeued  time.Time
}

// HasHeartbeat reports whether an engine has ever refreshed this run
func (r *Run) HasHeartbeat() bool {
	return strings.TrimSpace(r.Heartbeat) != ""
}

// HeartbeatTime parses the heartbeat timestamp
func (r *Run) HeartbeatTime() (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(r.Heartbeat))
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid heartbeat %q for run %s: %w", r.Heartbeat, r.Name, err)
	}
	return t, nil
}

// IsTerminal reports whether the run has reached a state that no longer
// needs an engine.
func (r *Run) IsTerminal() bool {
	return IsTerminalStatus(r.Status)
}

// IsQueued reports whether the run is waiting for an engine
func (r *Run) IsQueued() bool {
	s := strings.TrimSpace(r.Status)
	return s == "" || strings.EqualFold(s, RunStatusQueued)
}

// IsTerminalStatus reports whether status is one of the terminal run states
func IsTerminalStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case RunStatusFinished, RunStatusUp, RunStatusDiscarded:
		return true
	default:
		return false
	}
}
