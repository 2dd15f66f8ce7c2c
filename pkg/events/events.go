package events

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of lifecycle notification.
type EventType string

const (
	EventProcessStarted       EventType = "process.started"
	EventProcessOnline        EventType = "process.online"
	EventProcessStopped       EventType = "process.stopped"
	EventProcessErrored       EventType = "process.errored"
	EventProcessRestarted     EventType = "process.restarted"
	EventProcessCrashed       EventType = "process.crashed"
	EventProcessHealthChanged EventType = "process.health_changed"
	EventProcessDeleted       EventType = "process.deleted"
)

// subscriberBuffer bounds how many unread events a slow subscriber may
// queue before broadcast starts dropping for it rather than blocking the
// publisher.
const subscriberBuffer = 50

// Event is one lifecycle notification.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time
	Message   string
	Metadata  map[string]string
}

// Subscription is a live feed of events, scoped to an optional set of
// types. Cancel stops delivery and releases the subscription; Events
// closes once that happens.
type Subscription struct {
	Events <-chan *Event

	broker *Broker
	ch     chan *Event
	types  map[EventType]bool
}

// Cancel unsubscribes and drains no further events.
func (s *Subscription) Cancel() {
	s.broker.unsubscribe(s)
}

func (s *Subscription) wants(t EventType) bool {
	if len(s.types) == 0 {
		return true
	}
	return s.types[t]
}

// Broker is the single publish point every descriptor's state change (via
// Registry.publish) funnels through, and every subscriber reads from.
// Delivery runs on its own goroutine so a Publish call from inside a
// descriptor's state-change path never blocks on a slow subscriber.
type Broker struct {
	mu          sync.RWMutex
	subscribers map[*Subscription]bool

	incoming chan *Event
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewBroker constructs a Broker; call Start before Publish is used.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[*Subscription]bool),
		incoming:    make(chan *Event, 100),
		done:        make(chan struct{}),
	}
}

// Start begins the broker's fan-out loop.
func (b *Broker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	b.cancel = cancel
	go b.run(ctx)
}

// Stop ends the fan-out loop and closes every live subscriber's channel.
func (b *Broker) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	<-b.done
}

// Subscribe returns a feed of every event. Equivalent to
// SubscribeTo with no filter.
func (b *Broker) Subscribe() *Subscription {
	return b.SubscribeTo()
}

// SubscribeTo returns a feed restricted to the given types; with none
// given, every event is delivered.
func (b *Broker) SubscribeTo(types ...EventType) *Subscription {
	ch := make(chan *Event, subscriberBuffer)
	want := make(map[EventType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	sub := &Subscription{Events: ch, broker: b, ch: ch, types: want}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()
	return sub
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribers[sub] {
		delete(b.subscribers, sub)
		close(sub.ch)
	}
}

// Publish assigns an ID and timestamp if unset, then hands the event to
// the fan-out loop. Never blocks the caller on a slow subscriber: the
// only backpressure point is the broker's own incoming queue.
func (b *Broker) Publish(event *Event) {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	select {
	case b.incoming <- event:
	default:
		// Incoming queue saturated: drop rather than stall the publisher,
		// the same posture broadcast takes per-subscriber below.
	}
}

func (b *Broker) run(ctx context.Context) {
	defer close(b.done)
	for {
		select {
		case event := <-b.incoming:
			b.broadcast(event)
		case <-ctx.Done():
			b.closeAll()
			return
		}
	}
}

func (b *Broker) broadcast(event *Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subscribers {
		if !sub.wants(event.Type) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			// Subscriber too far behind: skip this event for it.
		}
	}
}

func (b *Broker) closeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, sub)
	}
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
