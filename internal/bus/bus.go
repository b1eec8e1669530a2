// Package bus is the in-process publish/subscribe fabric wiring the stream
// subscriber, the metrics engine and the status facade together. Publishing
// never blocks: each subscriber owns a bounded channel and loses the newest
// event when it falls behind.
package bus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/depthwatch/internal/orderbook"
)

// Topic names one event stream.
type Topic string

const (
	// TopicReplicaUpdated fires after every successfully applied diff.
	TopicReplicaUpdated Topic = "replica.updated"
	// TopicMetricsComputed fires after the metrics engine finishes a pair.
	TopicMetricsComputed Topic = "metrics.computed"
	// TopicError carries recoverable failures for observability.
	TopicError Topic = "error"
)

// Event is one published message.
type Event struct {
	ID        string            `json:"id"`
	Topic     Topic             `json:"topic"`
	Key       orderbook.PairKey `json:"key"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   any               `json:"payload,omitempty"`
}

// Subscription is one subscriber's receive side.
type Subscription struct {
	C <-chan Event

	topic   Topic
	ch      chan Event
	bus     *Bus
	dropped atomic.Uint64
	once    sync.Once
}

// Dropped reports how many events were discarded because the subscriber's
// channel was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Cancel detaches the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() { s.bus.remove(s) })
}

// Bus fans events out to per-topic subscribers.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	closed bool
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[Topic][]*Subscription)}
}

// Subscribe registers a subscriber with the given channel capacity.
func (b *Bus) Subscribe(topic Topic, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan Event, buffer)
	sub := &Subscription{C: ch, ch: ch, topic: topic, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.once.Do(func() {})
		close(ch)
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Publish delivers an event to every subscriber of topic without blocking.
// A full subscriber drops this event and keeps its backlog.
func (b *Bus) Publish(topic Topic, key orderbook.PairKey, payload any) {
	ev := Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Key:       key,
		Timestamp: time.Now(),
		Payload:   payload,
	}

	// The sends stay under the read lock: Cancel and Close close subscriber
	// channels under the write lock, so a send can never hit a closed channel.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	for _, sub := range b.subs[topic] {
		select {
		case sub.ch <- ev:
		default:
			if sub.dropped.Add(1)%1000 == 1 {
				log.Warn().
					Str("topic", string(topic)).
					Uint64("dropped", sub.dropped.Load()).
					Msg("slow bus subscriber dropping events")
			}
		}
	}
}

func (b *Bus) remove(target *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.topic]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.topic] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	close(target.ch)
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.once.Do(func() {})
			close(sub.ch)
		}
	}
	b.subs = make(map[Topic][]*Subscription)
}
