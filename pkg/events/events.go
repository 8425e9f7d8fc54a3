package events

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/runfleet/pkg/metrics"
)

// EventType represents the kind of change applied to a key
type EventType string

const (
	EventNew      EventType = "NEW"
	EventModified EventType = "MODIFIED"
	EventDelete   EventType = "DELETE"
)

// Event describes one committed change to a single key
type Event struct {
	Key      string
	Type     EventType
	OldValue string
	NewValue string
}

// Watcher receives change notifications for the keys it subscribed to
type Watcher interface {
	PropertyModified(key string, event EventType, oldValue, newValue string)
}

// WatcherFunc adapts a function into a Watcher
type WatcherFunc func(key string, event EventType, oldValue, newValue string)

// PropertyModified calls f
func (f WatcherFunc) PropertyModified(key string, event EventType, oldValue, newValue string) {
	f(key, event, oldValue, newValue)
}

// Broker fans committed store events out to prefix subscriptions. Each
// subscription owns an unbounded queue and a delivery goroutine, so Publish
// never blocks the write path and a slow watcher only delays itself.
type Broker struct {
	subscribers map[string]*subscription
	mu          sync.RWMutex
	logger      zerolog.Logger
	stopped     bool
}

type subscription struct {
	id      string
	prefix  string
	watcher Watcher
	logger  zerolog.Logger

	mu     sync.Mutex
	queue  []Event
	notify chan struct{}
	stopCh chan struct{}
	done   chan struct{}
}

// NewBroker creates a new event broker
func NewBroker(logger zerolog.Logger) *Broker {
	return &Broker{
		subscribers: make(map[string]*subscription),
		logger:      logger,
	}
}

// Subscribe registers w for every key starting with prefix and returns the
// subscription id used to cancel it.
func (b *Broker) Subscribe(prefix string, w Watcher) string {
	sub := &subscription{
		id:      uuid.New().String(),
		prefix:  prefix,
		watcher: w,
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	sub.logger = b.logger.With().Str("watch_id", sub.id).Str("prefix", prefix).Logger()

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.stopped {
		close(sub.done)
		return sub.id
	}

	b.subscribers[sub.id] = sub
	go sub.run()
	return sub.id
}

// Unsubscribe removes a subscription. Events already queued for it are
// discarded. It reports whether the id was known. It waits for an in-flight
// delivery to return, so it must not be called from inside a watcher.
func (b *Broker) Unsubscribe(id string) bool {
	b.mu.Lock()
	sub, ok := b.subscribers[id]
	delete(b.subscribers, id)
	b.mu.Unlock()

	if !ok {
		return false
	}
	close(sub.stopCh)
	<-sub.done
	return true
}

// Publish queues event for every matching subscription. Callers that need
// per-key ordering must serialize their calls to Publish in write order.
func (b *Broker) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subscribers {
		if strings.HasPrefix(event.Key, sub.prefix) {
			sub.enqueue(event)
		}
	}
}

// Stop cancels every subscription
func (b *Broker) Stop() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]*subscription)
	b.stopped = true
	b.mu.Unlock()

	for _, sub := range subs {
		close(sub.stopCh)
		<-sub.done
	}
}

// SubscriberCount returns the number of active subscribers
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

func (s *subscription) enqueue(event Event) {
	s.mu.Lock()
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	defer close(s.done)

	for {
		select {
		case <-s.notify:
			for {
				s.mu.Lock()
				if len(s.queue) == 0 {
					s.mu.Unlock()
					break
				}
				event := s.queue[0]
				s.queue[0] = Event{}
				s.queue = s.queue[1:]
				s.mu.Unlock()

				select {
				case <-s.stopCh:
					return
				default:
				}
				s.deliver(event)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *subscription) deliver(event Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.WatchEventsDelivered.WithLabelValues("panic").Inc()
			s.logger.Error().Interface("panic", r).Str("key", event.Key).Msg("Watcher panicked")
		}
	}()

	s.watcher.PropertyModified(event.Key, event.Type, event.OldValue, event.NewValue)
	metrics.WatchEventsDelivered.WithLabelValues("ok").Inc()
}
