package storage

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/runfleet/pkg/events"
)

var (
	// Bucket names
	bucketProperties = []byte("properties")
)

// BoltStore implements Store on a local BoltDB file. Every write is a single
// bbolt update transaction; change events are published to watchers after
// the commit, in commit order.
type BoltStore struct {
	db     *bolt.DB
	broker *events.Broker
	logger zerolog.Logger

	// mu serializes commit and publish so watchers see writes in the order
	// they were committed.
	mu sync.Mutex
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string, logger zerolog.Logger) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "runfleet.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketProperties); err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucketProperties, err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{
		db:     db,
		broker: events.NewBroker(logger),
		logger: logger,
	}, nil
}

// Close stops every watch and closes the database
func (s *BoltStore) Close() error {
	s.broker.Stop()
	return s.db.Close()
}

// Get returns the value stored under key
func (s *BoltStore) Get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucketProperties).Get([]byte(key)); v != nil {
			value, found = string(v), true
		}
		return nil
	})
	if err != nil {
		return "", false, unavailable(err)
	}
	return value, found, nil
}

// GetPrefix returns every key/value pair under prefix
func (s *BoltStore) GetPrefix(prefix string) (map[string]string, error) {
	values := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketProperties).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			values[string(k)] = string(v)
		}
		return nil
	})
	if err != nil {
		return nil, unavailable(err)
	}
	return values, nil
}

// Put sets key to value unconditionally
func (s *BoltStore) Put(key, value string) error {
	return s.PutAll(map[string]string{key: value})
}

// PutAll writes every entry of values in one transaction
func (s *BoltStore) PutAll(values map[string]string) error {
	_, err := s.update(func(txn *txn) (bool, error) {
		for k, v := range values {
			if err := txn.put(k, v); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	return err
}

// PutSwap sets key to newValue only if it still holds oldValue
func (s *BoltStore) PutSwap(key string, oldValue *string, newValue string) (bool, error) {
	return s.Swap(SwapRequest{Key: key, OldValue: oldValue, NewValue: &newValue})
}

// Swap applies req atomically if its comparison holds
func (s *BoltStore) Swap(req SwapRequest) (bool, error) {
	return s.update(func(txn *txn) (bool, error) {
		current := txn.bucket.Get([]byte(req.Key))
		switch {
		case req.OldValue == nil && current != nil:
			return false, nil
		case req.OldValue != nil && (current == nil || string(current) != *req.OldValue):
			return false, nil
		}

		if req.NewValue != nil {
			if err := txn.put(req.Key, *req.NewValue); err != nil {
				return false, err
			}
		} else if err := txn.delete(req.Key); err != nil {
			return false, err
		}

		for k, v := range req.Put {
			if err := txn.put(k, v); err != nil {
				return false, err
			}
		}
		for _, k := range req.Delete {
			if err := txn.delete(k); err != nil {
				return false, err
			}
		}
		return true, nil
	})
}

// Delete removes keys; missing keys are ignored
func (s *BoltStore) Delete(keys ...string) error {
	_, err := s.update(func(txn *txn) (bool, error) {
		for _, k := range keys {
			if err := txn.delete(k); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	return err
}

// DeletePrefix removes every key under prefix in one transaction
func (s *BoltStore) DeletePrefix(prefix string) error {
	_, err := s.update(func(txn *txn) (bool, error) {
		var stale []events.Event
		c := txn.bucket.Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			stale = append(stale, events.Event{Key: string(k), Type: events.EventDelete, OldValue: string(v)})
		}
		// Deleting under an open cursor skips keys, so delete after the scan
		for _, ev := range stale {
			if err := txn.bucket.Delete([]byte(ev.Key)); err != nil {
				return false, err
			}
			txn.changes = append(txn.changes, ev)
		}
		return true, nil
	})
	return err
}

// Watch registers w for every key under prefix
func (s *BoltStore) Watch(prefix string, w Watcher) (string, error) {
	if w == nil {
		return "", errors.New("watcher must not be nil")
	}
	return s.broker.Subscribe(prefix, w), nil
}

// Unwatch cancels a watch subscription
func (s *BoltStore) Unwatch(id string) error {
	if !s.broker.Unsubscribe(id) {
		return fmt.Errorf("watch %s: %w", id, ErrNotFound)
	}
	return nil
}

// Snapshot returns a copy of every stored property
func (s *BoltStore) Snapshot() (map[string]string, error) {
	return s.GetPrefix("")
}

// Restore replaces the whole property set with values. Watchers receive the
// difference between the old and new contents.
func (s *BoltStore) Restore(values map[string]string) error {
	_, err := s.update(func(txn *txn) (bool, error) {
		var stale []string
		if err := txn.bucket.ForEach(func(k, _ []byte) error {
			if _, keep := values[string(k)]; !keep {
				stale = append(stale, string(k))
			}
			return nil
		}); err != nil {
			return false, err
		}
		for _, k := range stale {
			if err := txn.delete(k); err != nil {
				return false, err
			}
		}
		for k, v := range values {
			if cur := txn.bucket.Get([]byte(k)); cur != nil && string(cur) == v {
				continue
			}
			if err := txn.put(k, v); err != nil {
				return false, err
			}
		}
		return true, nil
	})
	return err
}

// txn wraps a bbolt write transaction and records the change events it
// produces so they can be published once the commit succeeds. Every put
// produces an event, including one that rewrites the current value.
type txn struct {
	bucket  *bolt.Bucket
	changes []events.Event
}

func (t *txn) put(key, value string) error {
	old := t.bucket.Get([]byte(key))
	ev := events.Event{Key: key, Type: events.EventNew, NewValue: value}
	if old != nil {
		ev.Type = events.EventModified
		ev.OldValue = string(old)
	}
	if err := t.bucket.Put([]byte(key), []byte(value)); err != nil {
		return err
	}
	t.changes = append(t.changes, ev)
	return nil
}

func (t *txn) delete(key string) error {
	old := t.bucket.Get([]byte(key))
	if old == nil {
		return nil
	}
	ev := events.Event{Key: key, Type: events.EventDelete, OldValue: string(old)}
	if err := t.bucket.Delete([]byte(key)); err != nil {
		return err
	}
	t.changes = append(t.changes, ev)
	return nil
}

func (s *BoltStore) update(fn func(*txn) (bool, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		applied bool
		changes []events.Event
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		t := &txn{bucket: tx.Bucket(bucketProperties)}
		ok, err := fn(t)
		if err != nil {
			return err
		}
		applied, changes = ok, t.changes
		return nil
	})
	if err != nil {
		return false, unavailable(err)
	}

	for _, ev := range changes {
		s.broker.Publish(ev)
	}
	return applied, nil
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
