// Package bus is the in-process topic fan-out used by every component to
// announce state changes.
package bus

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"polymm/internal/model"
	"polymm/internal/obs"

	"github.com/google/uuid"
)

const defaultCapacity = 1024

// Config controls subscriber buffer sizing.
type Config struct {
	Capacity int
}

// Stats is a point-in-time view of bus counters.
type Stats struct {
	Published   uint64
	Dropped     uint64
	Topics      int
	Subscribers int
}

// Bus fans every published event out to each subscriber of its topic. A slow
// subscriber loses events instead of stalling the publisher.
type Bus struct {
	capacity int
	metrics  *obs.Metrics
	now      func() time.Time

	mu     sync.Mutex
	topics map[string]map[*Subscription]struct{}

	published atomic.Uint64
	dropped   atomic.Uint64
}

// New creates an empty bus.
func New(cfg Config, metrics *obs.Metrics) *Bus {
	if cfg.Capacity <= 0 {
		cfg.Capacity = defaultCapacity
	}
	return &Bus{
		capacity: cfg.Capacity,
		metrics:  metrics,
		now:      time.Now,
		topics:   make(map[string]map[*Subscription]struct{}),
	}
}

// Publish delivers an event to every current subscriber of topic. It never
// blocks and never fails; a full subscriber buffer drops the event.
func (b *Bus) Publish(topic string, payload map[string]any, correlationID string) model.Event {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	e := model.Event{
		Topic:         topic,
		Payload:       payload,
		CorrelationID: correlationID,
		Timestamp:     b.now().UTC(),
	}

	b.published.Add(1)
	b.metrics.BusPublished(topic)

	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.topics[topic] {
		if _, full := sub.box.offer(e); full {
			b.dropped.Add(1)
			sub.dropped.Add(1)
			b.metrics.BusDropped(topic)
		}
	}

	return e
}

// Subscribe registers a new subscriber on topic. Delivery lasts until ctx is done
// or the subscription is closed, whichever comes first.
func (b *Bus) Subscribe(ctx context.Context, topic string) *Subscription {
	sub := &Subscription{
		topic: topic,
		box:   newMailbox(b.capacity),
		bus:   b,
	}

	b.mu.Lock()
	subs, ok := b.topics[topic]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	sub.stop = context.AfterFunc(ctx, sub.Close)
	b.mu.Unlock()

	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if subs, ok := b.topics[sub.topic]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.topics, sub.topic)
		}
	}
	sub.box.seal()
}

// SubscriberCount returns the number of live subscribers on topic.
func (b *Bus) SubscriberCount(topic string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.topics[topic])
}

// Topics lists topics with at least one subscriber, sorted.
func (b *Bus) Topics() []string {
	b.mu.Lock()
	out := make([]string, 0, len(b.topics))
	for topic := range b.topics {
		out = append(out, topic)
	}
	b.mu.Unlock()

	sort.Strings(out)
	return out
}

// Stats returns cumulative counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	topics := len(b.topics)
	subscribers := 0
	for _, subs := range b.topics {
		subscribers += len(subs)
	}
	b.mu.Unlock()

	return Stats{
		Published:   b.published.Load(),
		Dropped:     b.dropped.Load(),
		Topics:      topics,
		Subscribers: subscribers,
	}
}
