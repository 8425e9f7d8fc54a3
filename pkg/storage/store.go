package storage

import (
	"errors"

	"github.com/cuemby/runfleet/pkg/events"
)

var (
	// ErrUnavailable marks a store failure that callers should treat as
	// transient and retry on their own schedule.
	ErrUnavailable = errors.New("coordination store unavailable")

	// ErrNotFound is returned when a watch subscription id is unknown
	ErrNotFound = errors.New("not found")
)

// Watcher receives change notifications for keys under a watched prefix.
// Every committed put or delete of a matching key is delivered, in write
// order; a put of the current value arrives as MODIFIED with equal old and
// new values.
type Watcher = events.Watcher

// WatcherFunc adapts a function into a Watcher
type WatcherFunc = events.WatcherFunc

// SwapRequest is a conditional multi-key write. The write is applied only
// if Key currently holds OldValue (nil means the key must be absent). When
// it applies, Key is set to NewValue (nil deletes it), every entry of Put is
// written and every key in Delete is removed, all in one transaction.
type SwapRequest struct {
	Key      string
	OldValue *string
	NewValue *string
	Put      map[string]string
	Delete   []string
}

// Store defines the coordination store contract shared by every control
// plane component. All mutation contention is resolved by the store's
// compare-and-swap; there are no external locks.
type Store interface {
	// Get returns the value of key and whether it exists
	Get(key string) (string, bool, error)
	// GetPrefix returns a snapshot of every key that starts with prefix
	GetPrefix(prefix string) (map[string]string, error)

	Put(key, value string) error
	PutAll(values map[string]string) error

	// PutSwap atomically sets key to newValue if it still holds oldValue.
	// A nil oldValue expects the key to be absent. A lost race returns
	// false with a nil error.
	PutSwap(key string, oldValue *string, newValue string) (bool, error)
	Swap(req SwapRequest) (bool, error)

	Delete(keys ...string) error
	// DeletePrefix atomically removes every key that starts with prefix
	DeletePrefix(prefix string) error

	// Watch registers w for changes to keys starting with prefix and
	// returns a subscription id for Unwatch.
	Watch(prefix string, w Watcher) (string, error)
	Unwatch(id string) error

	Close() error
}

// Value returns a pointer to s, for building SwapRequest and PutSwap
// expectations inline.
func Value(s string) *string {
	return &s
}
