package supervisor

import (
	"strings"

	"github.com/rs/zerolog"

	"github.com/cuemby/runfleet/pkg/events"
	"github.com/cuemby/runfleet/pkg/types"
)

// RunWatch turns run status changes into RunFinishedOrDeleted callbacks.
// It only looks at run.<name>.status keys: a terminal status or the removal
// of the key is forwarded to every listener.
type RunWatch struct {
	listeners []RunListener
	logger    zerolog.Logger
}

// NewRunWatch creates a run watch forwarding to listeners
func NewRunWatch(logger zerolog.Logger, listeners ...RunListener) *RunWatch {
	return &RunWatch{
		listeners: listeners,
		logger:    logger,
	}
}

// PropertyModified implements storage.Watcher
func (w *RunWatch) PropertyModified(key string, event events.EventType, oldValue, newValue string) {
	runName, ok := statusKeyRun(key)
	if !ok {
		return
	}

	switch event {
	case events.EventDelete:
	case events.EventNew, events.EventModified:
		if !types.IsTerminalStatus(newValue) {
			return
		}
	default:
		return
	}

	w.logger.Debug().Str("run", runName).Str("event", string(event)).Msg("Run finished or deleted")
	for _, l := range w.listeners {
		l.RunFinishedOrDeleted(runName)
	}
}

// statusKeyRun extracts the run name from a run.<name>.status key
func statusKeyRun(key string) (string, bool) {
	rest, ok := strings.CutPrefix(key, "run.")
	if !ok {
		return "", false
	}
	name, ok := strings.CutSuffix(rest, ".status")
	if !ok || name == "" || strings.Contains(name, ".") {
		return "", false
	}
	return name, true
}
