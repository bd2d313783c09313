package bus

import (
	"context"

	"polymm/internal/model"
)

// mailbox is a subscriber's bounded buffer. offer and seal are called only
// under the Bus registry lock, so the sealed flag needs no synchronisation of
// its own.
type mailbox struct {
	ch     chan model.Event
	sealed bool
}

func newMailbox(capacity int) *mailbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &mailbox{ch: make(chan model.Event, capacity)}
}

// offer reports whether e was buffered. A sealed mailbox accepts nothing and
// that is not counted as a drop.
func (m *mailbox) offer(e model.Event) (accepted, full bool) {
	if m.sealed {
		return false, false
	}
	select {
	case m.ch <- e:
		return true, false
	default:
		return false, true
	}
}

func (m *mailbox) seal() {
	if m.sealed {
		return
	}
	m.sealed = true
	close(m.ch)
}

func (m *mailbox) pending() int {
	return len(m.ch)
}

func (m *mailbox) drain(ctx context.Context, handler func(model.Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-m.ch:
			if !ok {
				return
			}
			handler(e)
		}
	}
}

// flush hands over buffered events. The mailbox must be sealed.
func (m *mailbox) flush(handler func(model.Event)) {
	for e := range m.ch {
		handler(e)
	}
}
