package bus

import (
	"context"
	"sync"
	"sync/atomic"

	"polymm/internal/model"
)

// Subscription is one subscriber's handle on a topic.
type Subscription struct {
	topic   string
	box     *mailbox
	bus     *Bus
	stop    func() bool
	once    sync.Once
	dropped atomic.Uint64
}

// C delivers events in publish order. It is closed after unsubscribe.
func (s *Subscription) C() <-chan model.Event {
	return s.box.ch
}

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string {
	return s.topic
}

// Dropped returns how many events this subscriber missed.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close unregisters the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
		if s.stop != nil {
			s.stop()
		}
	})
}

// Run hands events to handler until ctx is done or the subscription closes,
// then unregisters and hands over whatever was still buffered.
func (s *Subscription) Run(ctx context.Context, handler func(model.Event)) {
	s.box.drain(ctx, handler)
	s.Close()
	s.box.flush(handler)
}
