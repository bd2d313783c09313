// Package order tracks every order the engine places and mediates all calls
// to the venue executor.
package order

import (
	"context"
	"sort"
	"sync"
	"time"

	"polymm/internal/errors"
	"polymm/internal/execution"
	"polymm/internal/model"
	"polymm/internal/model/enum"
	"polymm/internal/obs"
	"polymm/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

const defaultRetention = 5 * time.Minute

// Config controls order tracking.
type Config struct {
	// Retention is how long terminal orders stay queryable.
	Retention time.Duration
}

// Guard vets an order before it reaches the venue.
type Guard func(model.Order) error

// Stats is a point-in-time view of the tracker.
type Stats struct {
	Tracked  int
	Active   int
	Terminal int
}

// Manager wraps an executor with idempotent, id-keyed order tracking.
type Manager struct {
	cfg     Config
	exec    execution.Executor
	metrics *obs.Metrics
	now     func() time.Time

	mu         sync.Mutex
	guard      Guard
	orders     map[string]model.Order
	terminalAt map[string]time.Time
}

// NewManager creates a manager over exec.
func NewManager(cfg Config, exec execution.Executor, metrics *obs.Metrics) *Manager {
	if cfg.Retention <= 0 {
		cfg.Retention = defaultRetention
	}
	return &Manager{
		cfg:        cfg,
		exec:       exec,
		metrics:    metrics,
		now:        time.Now,
		orders:     make(map[string]model.Order),
		terminalAt: make(map[string]time.Time),
	}
}

// SetGuard installs a pre-submit check. Denied orders are not tracked, so the
// caller may retry the same id later.
func (m *Manager) SetGuard(g Guard) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.guard = g
}

// Submit places order unless an order with the same id is already tracked,
// in which case the tracked copy is returned and the venue is not called.
func (m *Manager) Submit(ctx context.Context, order model.Order) (model.Order, error) {
	if m.exec == nil {
		return order, exception.ErrOrderNilExecutor
	}

	m.mu.Lock()
	if existing, ok := m.orders[order.ID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	guard := m.guard
	m.mu.Unlock()

	if err := order.Validate(); err != nil {
		return order, err
	}
	if guard != nil {
		if err := guard(order); err != nil {
			return order, err
		}
	}

	now := m.now()
	order.Status = enum.OrderStatusPending
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now

	m.mu.Lock()
	if existing, ok := m.orders[order.ID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.orders[order.ID] = order
	m.mu.Unlock()

	res, err := m.exec.Submit(ctx, order)
	if err != nil {
		order.Status = enum.OrderStatusRejected
		order.UpdatedAt = m.now()
		m.store(order)
		m.metrics.OrderSubmitted(order.Status.String())
		logs.Warnf("submit order %s rejected, err: %+v", order.ID, err)
		return order, errors.Wrapf(err, "submit order %s", order.ID)
	}

	res.ID = order.ID
	m.store(res)
	m.metrics.OrderSubmitted(res.Status.String())
	return res, nil
}

// Amend changes price and size of a tracked, non-terminal order.
func (m *Manager) Amend(ctx context.Context, id string, price, size decimal.Decimal) (model.Order, error) {
	m.mu.Lock()
	o, ok := m.orders[id]
	m.mu.Unlock()

	if !ok {
		return model.Order{}, errors.Wrapf(exception.ErrOrderNotTracked, "amend %s", id)
	}
	if o.Status.IsTerminal() {
		return o, errors.Wrapf(exception.ErrOrderTerminal, "amend %s in %s", id, o.Status)
	}

	res, err := m.exec.Amend(ctx, id, price, size)
	if err != nil {
		return o, errors.Wrapf(err, "amend %s", id)
	}

	res.ID = id
	m.store(res)
	return res, nil
}

// Reprice moves a resting order to a new price and size. Venues without atomic
// amend get a cancel followed by a fresh submit under newID; nothing is
// submitted when the venue had nothing to cancel.
func (m *Manager) Reprice(ctx context.Context, id, newID string, price, size decimal.Decimal) (model.Order, error) {
	res, err := m.Amend(ctx, id, price, size)
	if err == nil || !errors.Is(err, exception.ErrAmendNotSupported) {
		return res, err
	}

	cancelled, err := m.Cancel(ctx, id)
	if err != nil {
		return res, err
	}
	if !cancelled {
		// the venue no longer holds it, most likely filled; never double up
		return res, errors.Wrapf(exception.ErrVenueOrderNotFound, "reprice %s", id)
	}
	next := res
	next.ID = newID
	next.VenueID = ""
	next.Price = price
	next.Size = size
	next.Filled = decimal.Zero
	next.CreatedAt = time.Time{}
	return m.Submit(ctx, next)
}

// Cancel cancels a tracked, non-terminal order. Unknown and terminal ids
// return false without calling the venue.
func (m *Manager) Cancel(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	o, ok := m.orders[id]
	m.mu.Unlock()

	if !ok || o.Status.IsTerminal() {
		return false, nil
	}

	cancelled, err := m.exec.Cancel(ctx, id)
	if err != nil {
		return false, errors.Wrapf(err, "cancel %s", id)
	}
	if !cancelled {
		return false, nil
	}

	m.mu.Lock()
	if cur, ok := m.orders[id]; ok {
		cur.Status = enum.OrderStatusCancelled
		cur.UpdatedAt = m.now()
		m.orders[id] = cur
		m.terminalAt[id] = cur.UpdatedAt
	}
	m.mu.Unlock()

	m.metrics.OrderCancelled()
	return true, nil
}

// CancelAll cancels every active order, continuing past failures, and returns
// how many were cancelled.
func (m *Manager) CancelAll(ctx context.Context) int {
	return m.cancelWhere(ctx, func(model.Order) bool { return true })
}

// CancelMarket cancels every active order in one market.
func (m *Manager) CancelMarket(ctx context.Context, marketID string) int {
	return m.cancelWhere(ctx, func(o model.Order) bool { return o.MarketID == marketID })
}

func (m *Manager) cancelWhere(ctx context.Context, match func(model.Order) bool) int {
	count := 0
	for _, o := range m.ActiveOrders() {
		if !match(o) {
			continue
		}
		if ctx.Err() != nil {
			logs.Warnf("cancel orders interrupted after %d, err: %+v", count, ctx.Err())
			break
		}
		ok, err := m.Cancel(ctx, o.ID)
		if err != nil {
			logs.Errorf("cancel order %s failed, err: %+v", o.ID, err)
			continue
		}
		if ok {
			count++
		}
	}
	return count
}

// ApplyFill books a fill report against a tracked order.
func (m *Manager) ApplyFill(id string, qty decimal.Decimal) (model.Order, error) {
	if !qty.IsPositive() {
		return model.Order{}, errors.Wrapf(exception.ErrOrderUnknownFill, "fill %s", id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[id]
	if !ok {
		return model.Order{}, errors.Wrapf(exception.ErrOrderNotTracked, "fill %s", id)
	}
	if o.Status.IsTerminal() {
		return o, errors.Wrapf(exception.ErrOrderTerminal, "fill %s in %s", id, o.Status)
	}

	o.Filled = decimal.Min(o.Size, o.Filled.Add(qty))
	if o.Filled.Equal(o.Size) {
		o.Status = enum.OrderStatusFilled
	} else {
		o.Status = enum.OrderStatusPartiallyFilled
	}
	o.UpdatedAt = m.now()
	m.storeLocked(o)
	return o, nil
}

// ActiveOrders returns non-terminal orders oldest first. Each call also drops
// terminal orders older than the retention window.
func (m *Manager) ActiveOrders() []model.Order {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.collectLocked()

	out := make([]model.Order, 0, len(m.orders))
	for _, o := range m.orders {
		if o.IsActive() {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Order returns the tracked copy of id.
func (m *Manager) Order(id string) (model.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	return o, ok
}

// Stats counts tracked orders.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{Tracked: len(m.orders), Terminal: len(m.terminalAt)}
	s.Active = s.Tracked - s.Terminal
	return s
}

func (m *Manager) collectLocked() {
	cutoff := m.now().Add(-m.cfg.Retention)
	for id, at := range m.terminalAt {
		if at.Before(cutoff) {
			delete(m.terminalAt, id)
			delete(m.orders, id)
		}
	}
	m.metrics.OrdersTracked(len(m.orders))
}

func (m *Manager) store(o model.Order) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.storeLocked(o)
}

func (m *Manager) storeLocked(o model.Order) {
	m.orders[o.ID] = o
	if o.Status.IsTerminal() {
		if _, ok := m.terminalAt[o.ID]; !ok {
			m.terminalAt[o.ID] = m.now()
		}
	}
}
