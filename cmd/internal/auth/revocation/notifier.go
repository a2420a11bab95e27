package revocation

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventKind discriminates revocation events on the notification channel.
type EventKind string

const (
	// KindSessionRevoked targets every connection bound to one session.
	KindSessionRevoked EventKind = "session_revoked"
	// KindEpochBumped targets every connection regardless of session.
	KindEpochBumped EventKind = "epoch_bumped"
)

// Event is one revocation notification.
type Event struct {
	Kind      EventKind
	SessionID string    // set for KindSessionRevoked
	Epoch     time.Time // set for KindEpochBumped
	At        time.Time
}

// Notifier is the channel between revocation producers (logout, admin revoke,
// global revoke) and the connection layer.
//
// Contract: at-least-once delivery to live subscribers; duplicates and
// reordering are permitted, consumers must be idempotent. Single-process
// deployments use Broker; multi-process deployments substitute an
// implementation backed by a shared transport behind this same interface.
type Notifier interface {
	Publish(ctx context.Context, ev Event) error
	Subscribe() (<-chan Event, func())
}

const subscriberQueueSize = 32

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// Broker is the in-memory Notifier for single-process deployments.
//
// Fanout never blocks Publish: when a subscriber queue is full the event is
// handed off to a goroutine that waits for the queue or the subscriber's
// cancellation, preserving at-least-once for live subscribers.
type Broker struct {
	log *slog.Logger

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
}

// NewBroker constructs an in-memory revocation broker.
func NewBroker(log *slog.Logger) *Broker {
	if log == nil {
		log = slog.Default()
	}
	return &Broker{
		log:  log,
		subs: make(map[uint64]*subscriber),
	}
}

// Publish fans ev out to every current subscriber.
func (b *Broker) Publish(_ context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		targets = append(targets, s)
	}
	b.mu.RUnlock()

	for _, s := range targets {
		select {
		case <-s.done:
			continue
		case s.ch <- ev:
		default:
			// Slow subscriber: deliver asynchronously rather than drop.
			go func(s *subscriber) {
				select {
				case <-s.done:
				case s.ch <- ev:
				}
			}(s)
		}
	}

	b.log.Debug("revocation.publish", "kind", string(ev.Kind), "session_id", ev.SessionID)
	return nil
}

// Subscribe registers a new subscriber and returns its event channel plus a
// cancel func. Cancel is idempotent and releases the subscription.
func (b *Broker) Subscribe() (<-chan Event, func()) {
	s := &subscriber{
		ch:   make(chan Event, subscriberQueueSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.done)
		})
	}

	return s.ch, cancel
}

// SubscriberCount reports the number of live subscriptions (used by tests and
// the readiness probe).
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
