// Package queue estimates where our resting orders sit in each price level's
// FIFO queue, using only aggregate depth changes from the book feed.
package queue

import (
	"sync"

	"polymm/internal/model"
	"polymm/internal/model/enum"

	"github.com/shopspring/decimal"
)

const defaultRepriceThreshold = 0.5

var one = decimal.NewFromInt(1)

// Config tunes repricing decisions.
type Config struct {
	// RepriceThreshold is the fraction of the queue that must be consumed
	// before our position is worth keeping.
	RepriceThreshold decimal.Decimal
}

// Entry is the tracked state of one resting order.
type Entry struct {
	Side  enum.Side
	Price decimal.Decimal
	Size  decimal.Decimal
	Ahead decimal.Decimal
}

// Delta is an aggregate depth change at one price level.
type Delta struct {
	Side     enum.Side
	Price    decimal.Decimal
	OldDepth decimal.Decimal
	NewDepth decimal.Decimal
}

// Tracker keeps a size-ahead estimate per tracked order.
type Tracker struct {
	threshold decimal.Decimal

	mu      sync.Mutex
	entries map[string]*Entry
}

// NewTracker creates an empty tracker.
func NewTracker(cfg Config) *Tracker {
	if !cfg.RepriceThreshold.IsPositive() {
		cfg.RepriceThreshold = decimal.NewFromFloat(defaultRepriceThreshold)
	}
	return &Tracker{
		threshold: cfg.RepriceThreshold,
		entries:   make(map[string]*Entry),
	}
}

// Register starts tracking order with ahead units queued in front of it.
func (t *Tracker) Register(order model.Order, ahead decimal.Decimal) {
	if ahead.IsNegative() {
		ahead = decimal.Zero
	}
	size := order.Remaining()
	if !size.IsPositive() {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[order.ID] = &Entry{
		Side:  order.Side,
		Price: order.Price,
		Size:  size,
		Ahead: ahead,
	}
}

// Unregister stops tracking id.
func (t *Tracker) Unregister(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
}

// Update applies a depth change. Under price-time priority only a decrease
// moves us forward; new size always joins behind us.
func (t *Tracker) Update(delta Delta) {
	if !delta.NewDepth.LessThan(delta.OldDepth) {
		return
	}
	removed := delta.OldDepth.Sub(delta.NewDepth)

	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.entries {
		if e.Side != delta.Side || !e.Price.Equal(delta.Price) {
			continue
		}
		e.Ahead = decimal.Max(decimal.Zero, e.Ahead.Sub(removed))
	}
}

// OnFill shrinks the tracked size and drops the entry once fully filled.
func (t *Tracker) OnFill(id string, qty decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return
	}
	e.Size = e.Size.Sub(qty)
	if !e.Size.IsPositive() {
		delete(t.entries, id)
	}
}

// EstimatedPosition is floor(ahead/size), or -1 for an untracked order.
func (t *Tracker) EstimatedPosition(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return -1
	}
	return int(e.Ahead.Div(e.Size).Floor().IntPart())
}

// ShouldReprice reports whether moving id to newPrice is cheap in terms of
// queue priority lost.
func (t *Tracker) ShouldReprice(id string, newPrice decimal.Decimal) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return true
	}
	if e.Price.Equal(newPrice) {
		return false
	}

	total := e.Ahead.Add(e.Size)
	consumed := one.Sub(e.Ahead.Div(total))
	return consumed.LessThan(t.threshold)
}

// Entry returns a copy of the tracked state for id.
func (t *Tracker) Entry(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Len returns the number of tracked orders.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
