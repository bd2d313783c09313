package main

import (
	"context"
	"time"

	"polymm/internal/execution"
	"polymm/internal/model"
	"polymm/internal/model/enum"
	"polymm/internal/ops"
	"polymm/internal/order"
	"polymm/internal/quant"
	"polymm/internal/queue"
	"polymm/internal/risk"
	"polymm/internal/state"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

const quoterTag = "paper-quoter"

// quoter joins the paper best bid on every market, never closer than one
// tick under mid. It also feeds the kill switch heartbeat and data
// freshness, since the paper venue is always reachable.
//
// Queue position is simulated from the paper book: depth leaving the bid at
// the quote's price moves the quote up the queue, and a bid that falls
// through the quote's price fills it.
type quoter struct {
	markets  []ops.Market
	orders   *order.Manager
	paper    *execution.Paper
	tracker  *queue.Tracker
	book     *state.Book
	ks       *risk.KillSwitch
	tick     decimal.Decimal
	unit     decimal.Decimal
	size     decimal.Decimal
	interval time.Duration

	live   map[string]string
	levels map[string]execution.Level
}

func (q *quoter) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			q.ks.RecordHeartbeat()
			for _, m := range q.markets {
				q.ks.RecordDataUpdate(m.ID)
				q.observe(ctx, m)
				q.quote(ctx, m)
			}
		}
	}
}

// observe compares the paper bid with the last one seen.
func (q *quoter) observe(ctx context.Context, m ops.Market) {
	level, ok := q.paper.Bid(m.TokenA)
	if !ok {
		return
	}
	prev, seen := q.levels[m.ID]
	q.levels[m.ID] = level
	if !seen {
		return
	}

	if prev.Price.Equal(level.Price) {
		if level.Depth.LessThan(prev.Depth) {
			q.tracker.Update(queue.Delta{
				Side:     enum.SideBuy,
				Price:    level.Price,
				OldDepth: prev.Depth,
				NewDepth: level.Depth,
			})
		}
		return
	}

	id, ok := q.live[m.ID]
	if !ok {
		return
	}
	entry, ok := q.tracker.Entry(id)
	if !ok {
		return
	}
	if level.Price.LessThan(entry.Price) && !prev.Price.LessThan(entry.Price) {
		q.fill(ctx, m, id, entry.Size)
	}
}

func (q *quoter) fill(ctx context.Context, m ops.Market, id string, qty decimal.Decimal) {
	if !q.paper.Fill(id, qty) {
		return
	}
	o, err := q.orders.ApplyFill(id, qty)
	if err != nil {
		logs.Warnf("apply paper fill %s failed, err: %+v", id, err)
		return
	}
	q.tracker.OnFill(id, qty)

	pnl, err := q.book.ApplyFill(m.TokenA, o.Side, o.Price, qty)
	if err != nil {
		logs.Warnf("book paper fill %s on %s failed, err: %+v", id, m.ID, err)
		return
	}
	q.ks.RecordPnL(ctx, pnl)
	logs.Infof("quote %s filled, id: %s, qty: %s, price: %s", m.ID, id, qty, o.Price)
}

func (q *quoter) quote(ctx context.Context, m ops.Market) {
	if !q.ks.CanTrade(m.ID) {
		return
	}
	mid, ok := q.paper.Mid(ctx, m.TokenA)
	if !ok {
		return
	}
	target := mid.Sub(q.tick)
	if level, ok := q.paper.Bid(m.TokenA); ok {
		target = decimal.Min(target, level.Price)
	}
	price, err := quant.Price(target, q.tick)
	if err != nil {
		logs.Warnf("quantize quote price for %s failed, err: %+v", m.ID, err)
		return
	}
	size, err := quant.Size(q.size, q.unit)
	if err != nil || size.IsZero() {
		return
	}

	if id, ok := q.live[m.ID]; ok {
		if o, tracked := q.orders.Order(id); tracked && o.IsActive() {
			if !q.tracker.ShouldReprice(id, price) {
				return
			}
			placed, err := q.orders.Reprice(ctx, id, uuid.NewString(), price, size)
			q.tracker.Unregister(id)
			delete(q.live, m.ID)
			if err != nil {
				logs.Warnf("reprice %s on %s failed, err: %+v", id, m.ID, err)
				return
			}
			q.rest(placed, m)
			return
		}
		q.tracker.Unregister(id)
		delete(q.live, m.ID)
	}

	placed, err := q.orders.Submit(ctx, model.Order{
		ID:          uuid.NewString(),
		MarketID:    m.ID,
		TokenID:     m.TokenA,
		Side:        enum.SideBuy,
		Price:       price,
		Size:        size,
		TimeInForce: enum.TimeInForceGTC,
		PostOnly:    true,
		Strategy:    quoterTag,
	})
	if err != nil {
		logs.Warnf("quote %s failed, err: %+v", m.ID, err)
		return
	}
	q.rest(placed, m)
}

// rest tracks a placed quote behind the depth already resting at its price.
func (q *quoter) rest(o model.Order, m ops.Market) {
	if !o.IsActive() {
		return
	}
	ahead := decimal.Zero
	if level, ok := q.paper.Bid(m.TokenA); ok && level.Price.Equal(o.Price) {
		ahead = level.Depth
	}
	q.live[m.ID] = o.ID
	q.tracker.Register(o, ahead)
	logs.Debugf("quote %s resting, id: %s, price: %s, queue: %d", m.ID, o.ID, o.Price, q.tracker.EstimatedPosition(o.ID))
}
