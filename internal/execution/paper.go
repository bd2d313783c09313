package execution

import (
	"context"
	"sort"
	"sync"
	"time"

	"polymm/internal/errors"
	"polymm/internal/model"
	"polymm/internal/model/enum"
	"polymm/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

var (
	_ Executor = (*Paper)(nil)

	two = decimal.NewFromInt(2)
)

// PaperConfig controls the simulated venue.
type PaperConfig struct {
	AmendSupported bool
	Latency        time.Duration
}

// Level is a top-of-book price with the size resting there.
type Level struct {
	Price decimal.Decimal
	Depth decimal.Decimal
}

type book struct {
	bid, ask *Level
}

// Paper is an in-memory venue. Resting orders never match on their own; FOK
// orders fill against the configured top of book or are killed.
type Paper struct {
	cfg PaperConfig
	now func() time.Time

	mu     sync.Mutex
	orders map[string]model.Order
	books  map[string]*book
	faults map[string]error
}

// NewPaper creates an empty paper venue.
func NewPaper(cfg PaperConfig) *Paper {
	return &Paper{
		cfg:    cfg,
		now:    time.Now,
		orders: make(map[string]model.Order),
		books:  make(map[string]*book),
		faults: make(map[string]error),
	}
}

// SetBid sets the best bid for a token.
func (p *Paper) SetBid(tokenID string, price, depth decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bookLocked(tokenID).bid = &Level{Price: price, Depth: depth}
}

// SetAsk sets the best ask for a token.
func (p *Paper) SetAsk(tokenID string, price, depth decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.bookLocked(tokenID).ask = &Level{Price: price, Depth: depth}
}

// Bid returns a copy of the token's best bid.
func (p *Paper) Bid(tokenID string) (Level, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.books[tokenID]
	if !ok || b.bid == nil {
		return Level{}, false
	}
	return *b.bid, true
}

// Mid returns the midpoint of the token's book, or the single side present.
func (p *Paper) Mid(_ context.Context, tokenID string) (decimal.Decimal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.books[tokenID]
	if !ok {
		return decimal.Zero, false
	}
	switch {
	case b.bid != nil && b.ask != nil:
		return b.bid.Price.Add(b.ask.Price).Div(two), true
	case b.bid != nil:
		return b.bid.Price, true
	case b.ask != nil:
		return b.ask.Price, true
	default:
		return decimal.Zero, false
	}
}

// FailNext makes the next call of op ("submit", "cancel", "amend", "open")
// return err.
func (p *Paper) FailNext(op string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.faults[op] = err
}

// Fill records a venue-side fill the local tracker has not seen yet.
func (p *Paper) Fill(id string, qty decimal.Decimal) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[id]
	if !ok || o.Status.IsTerminal() {
		return false
	}
	o.Filled = decimal.Min(o.Size, o.Filled.Add(qty))
	if o.Filled.Equal(o.Size) {
		o.Status = enum.OrderStatusFilled
	} else {
		o.Status = enum.OrderStatusPartiallyFilled
	}
	o.UpdatedAt = p.now()
	p.orders[id] = o
	return true
}

// Drop forgets an order, as if the venue lost it.
func (p *Paper) Drop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.orders, id)
}

// Inject places an order directly on the venue, bypassing Submit.
func (p *Paper) Inject(o model.Order) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o.Status == 0 {
		o.Status = enum.OrderStatusOpen
	}
	p.orders[o.ID] = o
}

func (p *Paper) Submit(ctx context.Context, order model.Order) (model.Order, error) {
	if err := p.wait(ctx); err != nil {
		return order, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.faultLocked("submit"); err != nil {
		return order, err
	}
	if existing, ok := p.orders[order.ID]; ok {
		return existing, nil
	}

	now := p.now()
	order.VenueID = uuid.NewString()
	order.CreatedAt = now
	order.UpdatedAt = now

	if order.TimeInForce == enum.TimeInForceFOK {
		order = p.matchFOKLocked(order)
		p.orders[order.ID] = order
		return order, nil
	}

	order.Status = enum.OrderStatusOpen
	p.orders[order.ID] = order
	logs.Debugf("paper: rest order %s %s %s@%s", order.ID, order.Side, order.Size, order.Price)
	return order, nil
}

func (p *Paper) matchFOKLocked(order model.Order) model.Order {
	b := p.bookLocked(order.TokenID)
	var level *Level
	crosses := false
	switch order.Side {
	case enum.SideSell:
		level = b.bid
		crosses = level != nil && order.Price.LessThanOrEqual(level.Price)
	case enum.SideBuy:
		level = b.ask
		crosses = level != nil && order.Price.GreaterThanOrEqual(level.Price)
	}

	if !crosses || level.Depth.LessThan(order.Size) {
		order.Status = enum.OrderStatusCancelled
		return order
	}

	level.Depth = level.Depth.Sub(order.Size)
	order.Filled = order.Size
	order.Status = enum.OrderStatusFilled
	return order
}

func (p *Paper) Cancel(ctx context.Context, id string) (bool, error) {
	if err := p.wait(ctx); err != nil {
		return false, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.faultLocked("cancel"); err != nil {
		return false, err
	}
	o, ok := p.orders[id]
	if !ok || o.Status.IsTerminal() {
		return false, nil
	}
	o.Status = enum.OrderStatusCancelled
	o.UpdatedAt = p.now()
	p.orders[id] = o
	return true, nil
}

func (p *Paper) Amend(ctx context.Context, id string, price, size decimal.Decimal) (model.Order, error) {
	if err := p.wait(ctx); err != nil {
		return model.Order{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.faultLocked("amend"); err != nil {
		return model.Order{}, err
	}
	if !p.cfg.AmendSupported {
		return model.Order{}, exception.ErrAmendNotSupported
	}
	o, ok := p.orders[id]
	if !ok || o.Status.IsTerminal() {
		return model.Order{}, errors.Wrapf(exception.ErrVenueOrderNotFound, "amend %s", id)
	}
	if size.LessThan(o.Filled) {
		return model.Order{}, errors.Wrapf(exception.ErrInvalidArgument, "amend %s: size below filled", id)
	}
	o.Price = price
	o.Size = size
	o.UpdatedAt = p.now()
	if o.Filled.Equal(o.Size) {
		o.Status = enum.OrderStatusFilled
	}
	p.orders[id] = o
	return o, nil
}

func (p *Paper) OpenOrders(ctx context.Context) ([]model.Order, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.faultLocked("open"); err != nil {
		return nil, err
	}
	out := make([]model.Order, 0, len(p.orders))
	for _, o := range p.orders {
		if !o.Status.IsTerminal() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (p *Paper) bookLocked(tokenID string) *book {
	b, ok := p.books[tokenID]
	if !ok {
		b = &book{}
		p.books[tokenID] = b
	}
	return b
}

func (p *Paper) faultLocked(op string) error {
	err, ok := p.faults[op]
	if !ok {
		return nil
	}
	delete(p.faults, op)
	return err
}

func (p *Paper) wait(ctx context.Context) error {
	if p.cfg.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.cfg.Latency)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
