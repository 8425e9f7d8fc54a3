package manager

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/hashicorp/raft"

	"github.com/cuemby/runfleet/pkg/storage"
)

// Command operations carried in the raft log
const (
	opPutAll       = "put_all"
	opSwap         = "swap"
	opDelete       = "delete"
	opDeletePrefix = "delete_prefix"
)

// Command represents a store mutation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

// applyResult is returned from FSM.Apply through the apply future
type applyResult struct {
	Swapped bool
	Err     error
}

// StoreFSM implements the Raft finite state machine by applying committed
// commands to the node's local BoltStore. The local store publishes watch
// events, so every node notifies its own watchers as entries commit.
type StoreFSM struct {
	store *storage.BoltStore
}

// NewStoreFSM creates a new FSM instance
func NewStoreFSM(store *storage.BoltStore) *StoreFSM {
	return &StoreFSM{store: store}
}

// Apply applies a Raft log entry to the FSM
func (f *StoreFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return applyResult{Err: fmt.Errorf("failed to unmarshal command: %w", err)}
	}

	switch cmd.Op {
	case opPutAll:
		var values map[string]string
		if err := json.Unmarshal(cmd.Data, &values); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.PutAll(values)}

	case opSwap:
		var req storage.SwapRequest
		if err := json.Unmarshal(cmd.Data, &req); err != nil {
			return applyResult{Err: err}
		}
		swapped, err := f.store.Swap(req)
		return applyResult{Swapped: swapped, Err: err}

	case opDelete:
		var keys []string
		if err := json.Unmarshal(cmd.Data, &keys); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.Delete(keys...)}

	case opDeletePrefix:
		var prefix string
		if err := json.Unmarshal(cmd.Data, &prefix); err != nil {
			return applyResult{Err: err}
		}
		return applyResult{Err: f.store.DeletePrefix(prefix)}

	default:
		return applyResult{Err: fmt.Errorf("unknown command: %s", cmd.Op)}
	}
}

// Snapshot captures the whole property map. Raft calls it from its own
// goroutine while applies are paused.
func (f *StoreFSM) Snapshot() (raft.FSMSnapshot, error) {
	properties, err := f.store.Snapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to read properties: %w", err)
	}
	return &storeSnapshot{Properties: properties}, nil
}

// Restore replaces the local store contents with a snapshot
func (f *StoreFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot storeSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}
	if snapshot.Properties == nil {
		snapshot.Properties = map[string]string{}
	}
	if err := f.store.Restore(snapshot.Properties); err != nil {
		return fmt.Errorf("failed to restore properties: %w", err)
	}
	return nil
}

// storeSnapshot represents a point-in-time snapshot of the store
type storeSnapshot struct {
	Properties map[string]string `json:"properties"`
}

// Persist writes the snapshot to the given SnapshotSink
func (s *storeSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *storeSnapshot) Release() {}
