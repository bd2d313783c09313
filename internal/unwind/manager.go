// Package unwind flattens inventory at shutdown or on a kill switch halt:
// cancel everything, merge complementary pairs, sell what is left.
package unwind

import (
	"context"
	"sort"
	"time"

	"polymm/internal/execution"
	"polymm/internal/model"
	"polymm/internal/model/enum"
	"polymm/internal/obs"
	"polymm/internal/quant"
	"polymm/pkg/exception"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

const (
	defaultMaxTime       = time.Minute
	defaultAttemptPause  = 500 * time.Millisecond
	defaultCancelTimeout = 5 * time.Second

	strategyTag = "unwind"
)

var (
	hundred  = decimal.NewFromInt(100)
	one      = decimal.NewFromInt(1)
	minPrice = decimal.RequireFromString("0.01")
	maxPrice = decimal.RequireFromString("0.99")

	defaultDustThreshold = decimal.NewFromInt(1)
	defaultSweepOffset   = decimal.NewFromInt(50)
	defaultTick          = decimal.RequireFromString("0.01")
	defaultSizeUnit      = decimal.RequireFromString("0.01")
	defaultPriceOffsets  = []decimal.Decimal{
		decimal.Zero,
		decimal.NewFromInt(1),
		decimal.NewFromInt(2),
		decimal.NewFromInt(5),
		decimal.NewFromInt(10),
	}
)

// Config tunes an unwind. PriceOffsets and SweepOffset are percentages
// below mid.
type Config struct {
	MaxTime       time.Duration
	MergeEnabled  bool
	DustThreshold decimal.Decimal
	PriceOffsets  []decimal.Decimal
	SweepOffset   decimal.Decimal
	AttemptPause  time.Duration
	CancelTimeout time.Duration
	Tick          decimal.Decimal
	SizeUnit      decimal.Decimal
}

func (c Config) withDefaults() Config {
	if c.MaxTime <= 0 {
		c.MaxTime = defaultMaxTime
	}
	if !c.DustThreshold.IsPositive() {
		c.DustThreshold = defaultDustThreshold
	}
	if len(c.PriceOffsets) == 0 {
		c.PriceOffsets = defaultPriceOffsets
	}
	if !c.SweepOffset.IsPositive() {
		c.SweepOffset = defaultSweepOffset
	}
	if c.AttemptPause <= 0 {
		c.AttemptPause = defaultAttemptPause
	}
	if c.CancelTimeout <= 0 {
		c.CancelTimeout = defaultCancelTimeout
	}
	if !c.Tick.IsPositive() {
		c.Tick = defaultTick
	}
	if !c.SizeUnit.IsPositive() {
		c.SizeUnit = defaultSizeUnit
	}
	return c
}

// OrderCanceller is the order layer as seen by the unwind.
type OrderCanceller interface {
	CancelAll(ctx context.Context) int
}

// PriceSource gives the fair price of a token.
type PriceSource interface {
	Mid(ctx context.Context, tokenID string) (decimal.Decimal, bool)
}

// Publisher is the event bus as seen by the unwind.
type Publisher interface {
	Publish(topic string, payload map[string]any, correlationID string) model.Event
}

// Deps are the collaborators of a Manager. Orders, Merger, Publisher and
// Metrics may be nil.
type Deps struct {
	Orders    OrderCanceller
	Executor  execution.Executor
	Prices    PriceSource
	Merger    *Merger
	Publisher Publisher
	Metrics   *obs.Metrics
}

type Manager struct {
	cfg  Config
	deps Deps
	now  func() time.Time
}

func NewManager(cfg Config, deps Deps) *Manager {
	return &Manager{cfg: cfg.withDefaults(), deps: deps, now: time.Now}
}

// run carries the deadline bookkeeping of one unwind.
type run struct {
	deadline time.Time
	timedOut bool
}

func (m *Manager) expired(r *run) bool {
	if !m.now().Before(r.deadline) {
		r.timedOut = true
	}
	return r.timedOut
}

func (m *Manager) remaining(r *run) time.Duration {
	return r.deadline.Sub(m.now())
}

// Run unwinds positions in place and returns the finished report.
func (m *Manager) Run(ctx context.Context, reason string, strategy Strategy, positions map[string]*model.Position) *Report {
	report := newReport(reason, strategy, m.now())
	defer m.finish(report)

	if strategy == StrategyHold || !strategy.IsAvailable() {
		logs.Warnf("unwind %s holds inventory, strategy: %s, markets: %d", reason, strategy, len(positions))
		report.Strategy = StrategyHold
		report.Success = true
		return report
	}

	r := &run{deadline: report.StartedAt.Add(m.cfg.MaxTime)}
	ctx, cancel := context.WithDeadline(ctx, r.deadline)
	defer cancel()

	logs.Warnf("unwind started, reason: %s, strategy: %s, markets: %d, deadline: %s", reason, strategy, len(positions), m.cfg.MaxTime)

	markets := make([]string, 0, len(positions))
	for id, p := range positions {
		if p != nil {
			markets = append(markets, id)
		}
	}
	sort.Strings(markets)

	m.cancelAll(ctx, r, report)
	if m.cfg.MergeEnabled {
		m.mergeAll(ctx, r, report, markets, positions)
	}
	m.sellAll(ctx, r, strategy, report, markets, positions)
	m.collectOrphans(r, report, markets, positions)

	report.TimedOut = r.timedOut
	report.Success = len(report.Orphaned) == 0
	return report
}

func (m *Manager) cancelAll(ctx context.Context, r *run, report *Report) {
	if m.deps.Orders == nil || m.expired(r) {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, min(m.cfg.CancelTimeout, m.remaining(r)))
	defer cancel()
	report.OrdersCancelled = m.deps.Orders.CancelAll(cctx)
}

func (m *Manager) mergeAll(ctx context.Context, r *run, report *Report, markets []string, positions map[string]*model.Position) {
	for _, id := range markets {
		pos := positions[id]
		amount := pos.MergeableAmount()
		if !amount.IsPositive() {
			continue
		}
		if m.expired(r) {
			return
		}

		res := m.deps.Merger.Merge(ctx, id, amount)
		report.Merges = append(report.Merges, res)
		report.TotalGasCost = report.TotalGasCost.Add(res.GasCost)
		if !res.Success {
			continue
		}

		// each pair redeems one unit of collateral
		pnl := one.Sub(pos.AvgEntryA).Sub(pos.AvgEntryB).Mul(amount)
		pos.RealizedPnL = pos.RealizedPnL.Add(pnl)
		pos.QtyA = pos.QtyA.Sub(amount)
		pos.QtyB = pos.QtyB.Sub(amount)
		report.TotalMerged = report.TotalMerged.Add(amount)
	}
}

func (m *Manager) sellAll(ctx context.Context, r *run, strategy Strategy, report *Report, markets []string, positions map[string]*model.Position) {
	for _, id := range markets {
		pos := positions[id]
		for _, token := range []string{pos.TokenA, pos.TokenB} {
			qty := legQty(pos, token)
			if !qty.IsPositive() {
				continue
			}
			if qty.LessThan(m.cfg.DustThreshold) {
				logs.Infof("unwind skip dust %s on %s, qty: %s", token, id, qty)
				report.DustSkipped = append(report.DustSkipped, DustEntry{MarketID: id, TokenID: token, Qty: qty})
				continue
			}
			if m.expired(r) {
				continue
			}

			res := m.sell(ctx, r, strategy, pos, token, qty)
			report.Sells = append(report.Sells, res)
			report.TotalSold = report.TotalSold.Add(res.Filled)

			left := legQty(pos, token)
			if left.IsPositive() && left.LessThan(m.cfg.DustThreshold) {
				report.DustSkipped = append(report.DustSkipped, DustEntry{MarketID: id, TokenID: token, Qty: left})
			}
		}
	}
}

// sell walks the offset ladder with fill-or-kill orders until the token is
// gone, only dust is left, or time runs out.
func (m *Manager) sell(ctx context.Context, r *run, strategy Strategy, pos *model.Position, token string, qty decimal.Decimal) SellResult {
	res := SellResult{
		MarketID:  pos.MarketID,
		TokenID:   token,
		Requested: qty,
		Filled:    decimal.Zero,
		AvgPrice:  decimal.Zero,
	}

	offsets := m.cfg.PriceOffsets
	if strategy == StrategySweep {
		offsets = []decimal.Decimal{m.cfg.SweepOffset}
	}

	notional := decimal.Zero
	left := qty
	for i, off := range offsets {
		if m.expired(r) {
			break
		}

		mid, ok := m.deps.Prices.Mid(ctx, token)
		if !ok || !mid.IsPositive() {
			res.Error = exception.ErrUnwindNoMidPrice.Error()
			break
		}
		price := quant.Clamp(mid.Mul(one.Sub(off.Div(hundred))), minPrice, maxPrice)
		if q, err := quant.Price(price, m.cfg.Tick); err == nil {
			price = quant.Clamp(q, minPrice, maxPrice)
		}
		size, err := quant.Size(left, m.cfg.SizeUnit)
		if err != nil || size.IsZero() {
			break
		}

		res.Attempts++
		placed, err := m.deps.Executor.Submit(ctx, model.Order{
			ID:          uuid.NewString(),
			MarketID:    pos.MarketID,
			TokenID:     token,
			Side:        enum.SideSell,
			Price:       price,
			Size:        size,
			TimeInForce: enum.TimeInForceFOK,
			Strategy:    strategyTag,
		})
		if err != nil {
			logs.Warnf("unwind sell %s attempt %d failed, price: %s, err: %+v", token, res.Attempts, price, err)
			res.Error = err.Error()
			if ctx.Err() != nil {
				r.timedOut = true
				break
			}
		} else if placed.Filled.IsPositive() {
			res.Error = ""
			pos.ApplyFill(token, enum.SideSell, placed.Price, placed.Filled)
			left = left.Sub(placed.Filled)
			res.Filled = res.Filled.Add(placed.Filled)
			notional = notional.Add(placed.Filled.Mul(placed.Price))
			logs.Infof("unwind sold %s %s at %s, left: %s", placed.Filled, token, placed.Price, left)
		}

		if left.LessThan(m.cfg.DustThreshold) || i == len(offsets)-1 {
			break
		}
		if !m.pause(ctx, r) {
			break
		}
	}

	if res.Filled.IsPositive() {
		res.AvgPrice = notional.Div(res.Filled)
	}
	res.Success = left.LessThan(m.cfg.DustThreshold)
	return res
}

// pause waits between attempts without overrunning the deadline.
func (m *Manager) pause(ctx context.Context, r *run) bool {
	wait := min(m.cfg.AttemptPause, m.remaining(r))
	if wait <= 0 {
		r.timedOut = true
		return false
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		r.timedOut = true
		return false
	case <-t.C:
		return true
	}
}

func (m *Manager) collectOrphans(r *run, report *Report, markets []string, positions map[string]*model.Position) {
	noPrice := make(map[string]bool)
	for _, s := range report.Sells {
		if s.Error == exception.ErrUnwindNoMidPrice.Error() {
			noPrice[s.TokenID] = true
		}
	}

	for _, id := range markets {
		pos := positions[id]
		for _, token := range []string{pos.TokenA, pos.TokenB} {
			qty := legQty(pos, token)
			if qty.LessThan(m.cfg.DustThreshold) {
				continue
			}
			reason := OrphanUnfilled
			switch {
			case noPrice[token]:
				reason = OrphanNoPrice
			case r.timedOut:
				reason = OrphanTimeout
			}
			report.Orphaned = append(report.Orphaned, Orphan{MarketID: id, TokenID: token, Qty: qty, Reason: reason})
		}
	}
}

func (m *Manager) finish(report *Report) {
	report.FinishedAt = m.now()

	logs.Warnf("unwind finished, reason: %s, outcome: %s, merged: %s, sold: %s, orphaned: %d, took: %s",
		report.Reason, report.Outcome(), report.TotalMerged, report.TotalSold, len(report.Orphaned), report.Duration())

	m.deps.Metrics.UnwindRun(report.Outcome(), report.TotalMerged.InexactFloat64(), report.TotalSold.InexactFloat64(), len(report.Orphaned))
	if m.deps.Publisher != nil {
		m.deps.Publisher.Publish(model.TopicUnwind, map[string]any{
			"reason":           report.Reason,
			"strategy":         report.Strategy.String(),
			"success":          report.Success,
			"timed_out":        report.TimedOut,
			"orders_cancelled": report.OrdersCancelled,
			"total_merged":     report.TotalMerged.String(),
			"total_sold":       report.TotalSold.String(),
			"orphaned":         len(report.Orphaned),
			"duration_seconds": report.Duration().Seconds(),
		}, "")
	}
}

func legQty(pos *model.Position, token string) decimal.Decimal {
	switch token {
	case pos.TokenA:
		return pos.QtyA
	case pos.TokenB:
		return pos.QtyB
	default:
		return decimal.Zero
	}
}
