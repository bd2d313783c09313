package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"polymm/internal/model"
	"polymm/internal/obs"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFanOutPreservesOrder(t *testing.T) {
	b := New(Config{Capacity: 64}, obs.NewMetrics())
	ctx := t.Context()

	const subscribers, events = 5, 50
	subs := make([]*Subscription, subscribers)
	for i := range subs {
		subs[i] = b.Subscribe(ctx, model.TopicKillSwitch)
	}
	require.Equal(t, subscribers, b.SubscriberCount(model.TopicKillSwitch))

	var wg sync.WaitGroup
	got := make([][]int, subscribers)
	for i, sub := range subs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for len(got[i]) < events {
				select {
				case e := <-sub.C():
					got[i] = append(got[i], e.Payload["seq"].(int))
				case <-time.After(time.Second):
					return
				}
			}
		}()
	}

	for i := range events {
		b.Publish(model.TopicKillSwitch, map[string]any{"seq": i}, "")
	}
	wg.Wait()

	for i := range subs {
		require.Len(t, got[i], events, "subscriber %d", i)
		for seq, v := range got[i] {
			assert.Equal(t, seq, v)
		}
	}
	assert.Equal(t, uint64(events), b.Stats().Published)
	assert.Zero(t, b.Stats().Dropped)
}

func TestFullBufferDropsForThatSubscriberOnly(t *testing.T) {
	b := New(Config{Capacity: 2}, nil)
	slow := b.Subscribe(t.Context(), "t")
	fast := b.Subscribe(t.Context(), "t")

	received := 0
	for i := range 5 {
		b.Publish("t", map[string]any{"seq": i}, "c")
		<-fast.C()
		received++
	}

	assert.Equal(t, 5, received)
	assert.Equal(t, 2, slow.box.pending())
	assert.Equal(t, uint64(3), slow.Dropped())
	assert.Zero(t, fast.Dropped())
	assert.Equal(t, uint64(3), b.Stats().Dropped)
}

func TestPublishWithoutSubscribers(t *testing.T) {
	b := New(Config{}, nil)
	e := b.Publish("nobody", map[string]any{"k": "v"}, "")
	assert.NotEmpty(t, e.CorrelationID)
	assert.Equal(t, "nobody", e.Topic)
	assert.False(t, e.Timestamp.IsZero())

	e = b.Publish("nobody", nil, "fixed")
	assert.Equal(t, "fixed", e.CorrelationID)
}

func TestCloseRemovesSubscriberAndTopic(t *testing.T) {
	b := New(Config{}, nil)
	a := b.Subscribe(t.Context(), "t")
	c := b.Subscribe(t.Context(), "t")
	assert.Equal(t, []string{"t"}, b.Topics())

	a.Close()
	a.Close()
	assert.Equal(t, 1, b.SubscriberCount("t"))
	_, ok := <-a.C()
	assert.False(t, ok, "closed subscription channel should be drained and closed")

	c.Close()
	assert.Zero(t, b.SubscriberCount("t"))
	assert.Empty(t, b.Topics())

	assert.NotPanics(t, func() {
		b.Publish("t", nil, "")
	})
}

func TestContextCancelUnsubscribes(t *testing.T) {
	b := New(Config{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sub := b.Subscribe(ctx, "t")
	require.Equal(t, 1, b.SubscriberCount("t"))

	cancel()
	require.Eventually(t, func() bool {
		return b.SubscriberCount("t") == 0
	}, time.Second, 5*time.Millisecond)

	_, ok := <-sub.C()
	assert.False(t, ok)
}

func TestSubscriptionRun(t *testing.T) {
	b := New(Config{}, nil)
	ctx, cancel := context.WithCancel(t.Context())
	sub := b.Subscribe(context.Background(), "t")

	seen := make(chan model.Event, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		sub.Run(ctx, func(e model.Event) {
			seen <- e
		})
	}()

	b.Publish("t", map[string]any{"action": "halt"}, "")
	e := <-seen
	assert.Equal(t, "halt", e.Payload["action"])

	cancel()
	<-done
	assert.Zero(t, b.SubscriberCount("t"))
}

func TestRunDeliversBufferedEventsAfterCancel(t *testing.T) {
	b := New(Config{}, nil)
	ctx, cancel := context.WithCancel(t.Context())
	sub := b.Subscribe(ctx, "t")

	for i := range 3 {
		b.Publish("t", map[string]any{"seq": i}, "")
	}
	cancel()

	var got []int
	sub.Run(ctx, func(e model.Event) {
		got = append(got, e.Payload["seq"].(int))
	})

	assert.Equal(t, []int{0, 1, 2}, got)
	assert.Zero(t, b.SubscriberCount("t"))
}

func TestConcurrentSubscribeAndPublish(t *testing.T) {
	b := New(Config{Capacity: 4}, nil)
	ctx := t.Context()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				sub := b.Subscribe(ctx, "t")
				sub.Close()
			}
		}()
		go func() {
			defer wg.Done()
			for i := range 50 {
				b.Publish("t", map[string]any{"i": i}, "")
			}
		}()
	}
	wg.Wait()
	assert.Zero(t, b.SubscriberCount("t"))
}
