// Package eventbus implements the topic-namespaced pub/sub fan-out that
// connects registries to observer streams.
//
// TopicUI carries every state-change notification for observers; the
// WebSocket hub bridges it onto client connections. Agent-originated
// frames do not pass through the bus — the websocket read path hands
// them straight to the inbound router, because drop-oldest delivery
// must never lose a run status report.
//
// Delivery is at-least-once and never blocks the publisher: each
// subscriber owns a bounded ring of undelivered events, and when the ring
// is full the oldest event is dropped and a counter incremented. A slow
// observer therefore loses history, never stalls the control plane.
package eventbus

import (
	"sync"

	"go.uber.org/zap"

	"github.com/botfleet-io/botfleet/internal/metrics"
)

// Topic is a pub/sub namespace.
type Topic string

// TopicUI is the observer-facing namespace. Every bot.*, agent.* and
// run.* notification is published here.
const TopicUI Topic = "ui"

// Observer event types published on TopicUI.
const (
	EvtBotCreated      = "bot.created"
	EvtBotUpdated      = "bot.updated"
	EvtBotDeleted      = "bot.deleted"
	EvtAgentUpdated    = "agent.updated"
	EvtAgentLogCreated = "agent.log_created"
	EvtRunCreated      = "run.created"
	EvtRunUpdated      = "run.updated"
	EvtRunEventCreated = "run.event_created"
	EvtRunLogCreated   = "run.log_created"
)

// Event is the unit of fan-out. Payload is the entity representation,
// the same shape API responses carry.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// Subscription is one subscriber's view of a topic. Receive from C; call
// Close when done. After Close the channel is drained and closed.
type Subscription struct {
	name   string
	topic  Topic
	ch     chan Event
	bus    *Bus
	closed bool
	mu     sync.Mutex
}

// C returns the receive channel. It is closed after Close.
func (s *Subscription) C() <-chan Event { return s.ch }

// Close detaches the subscription from the bus and closes its channel.
// Safe to call more than once.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s)
}

// Bus is the in-process event bus. Safe for concurrent use.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	logger *zap.Logger
	m      *metrics.Metrics
}

// New creates an event bus. metrics may be nil (tests).
func New(logger *zap.Logger, m *metrics.Metrics) *Bus {
	return &Bus{
		subs:   make(map[Topic][]*Subscription),
		logger: logger.Named("eventbus"),
		m:      m,
	}
}

// Subscribe registers a named subscriber on topic with the given buffer
// capacity. The name labels the drop counter so slow subscribers are
// identifiable in metrics.
func (b *Bus) Subscribe(topic Topic, name string, buffer int) *Subscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &Subscription{
		name:  name,
		topic: topic,
		ch:    make(chan Event, buffer),
		bus:   b,
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()

	return sub
}

// Publish delivers evt to every subscriber of topic without ever blocking.
// When a subscriber's buffer is full, the oldest undelivered event for
// that subscriber is discarded to make room.
func (b *Bus) Publish(topic Topic, evt Event) {
	b.mu.RLock()
	// Copy the slice header so delivery happens outside the lock.
	targets := b.subs[topic]
	b.mu.RUnlock()

	if b.m != nil {
		b.m.BusPublished.WithLabelValues(string(topic)).Inc()
	}

	for _, sub := range targets {
		sub.deliver(evt, b)
	}
}

// deliver enqueues evt on the subscription, dropping the oldest buffered
// event when full. The per-subscription mutex serializes the drop-retry
// sequence against concurrent publishers; receivers are unaffected.
func (s *Subscription) deliver(evt Event, b *Bus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	for {
		select {
		case s.ch <- evt:
			return
		default:
		}

		// Buffer full: drop the oldest and retry. The receiver may have
		// drained concurrently, in which case the select above succeeds on
		// the next iteration without dropping.
		select {
		case <-s.ch:
			if b.m != nil {
				b.m.BusDropped.WithLabelValues(string(s.topic), s.name).Inc()
			}
			b.logger.Warn("dropped event for slow subscriber",
				zap.String("topic", string(s.topic)),
				zap.String("subscriber", s.name),
				zap.String("event_type", evt.Type),
			)
		default:
		}
	}
}

// unsubscribe removes sub from the bus and closes its channel exactly once.
func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	list := b.subs[sub.topic]
	for i := range list {
		if list[i] == sub {
			b.subs[sub.topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
}

// SubscriberCount returns the number of subscribers on topic. Intended
// for health endpoints and tests.
func (b *Bus) SubscriberCount(topic Topic) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
