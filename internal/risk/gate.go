package risk

import (
	"sync"
	"time"

	"polymm/internal/errors"
	"polymm/internal/model"
	"polymm/pkg/exception"

	"github.com/shopspring/decimal"
)

// GateConfig defines static pre-trade limits. Zero values disable a check.
type GateConfig struct {
	MaxOrderSize     decimal.Decimal
	MaxOrderNotional decimal.Decimal
	OrderRateLimit   int
	OrderRateWindow  time.Duration
}

type Reason uint8

const (
	ReasonNone Reason = iota
	ReasonHalted
	ReasonPaused
	ReasonMarketPaused
	ReasonRateLimit
	ReasonMaxSize
	ReasonMaxNotional
)

var reasonNames = [...]string{
	ReasonNone:         "none",
	ReasonHalted:       "halted",
	ReasonPaused:       "paused",
	ReasonMarketPaused: "market_paused",
	ReasonRateLimit:    "rate_limit",
	ReasonMaxSize:      "max_size",
	ReasonMaxNotional:  "max_notional",
}

func (r Reason) String() string {
	if int(r) >= len(reasonNames) {
		return "unknown"
	}
	return reasonNames[r]
}

// Decision is the outcome of one pre-trade evaluation.
type Decision struct {
	OrderID  string
	Allow    bool
	Reason   Reason
	Notional decimal.Decimal
}

// Gate checks orders against the kill switch and static limits.
type Gate struct {
	cfg GateConfig
	ks  *KillSwitch
	now func() time.Time

	mu              sync.Mutex
	rateWindowStart time.Time
	rateCount       int
}

// NewGate creates a gate. ks may be nil.
func NewGate(cfg GateConfig, ks *KillSwitch) *Gate {
	return &Gate{cfg: cfg, ks: ks, now: time.Now}
}

// Evaluate applies every check in order and stops at the first denial.
func (g *Gate) Evaluate(order model.Order) Decision {
	decision := Decision{
		OrderID:  order.ID,
		Allow:    true,
		Reason:   ReasonNone,
		Notional: order.Price.Mul(order.Size),
	}

	if g.ks != nil {
		switch g.ks.State() {
		case StateHalted:
			return deny(decision, ReasonHalted)
		case StatePaused:
			return deny(decision, ReasonPaused)
		}
		if !g.ks.CanTrade(order.MarketID) {
			return deny(decision, ReasonMarketPaused)
		}
	}

	if g.cfg.MaxOrderSize.IsPositive() && order.Size.GreaterThan(g.cfg.MaxOrderSize) {
		return deny(decision, ReasonMaxSize)
	}

	if g.cfg.MaxOrderNotional.IsPositive() && decision.Notional.GreaterThan(g.cfg.MaxOrderNotional) {
		return deny(decision, ReasonMaxNotional)
	}

	// rate budget is only spent by orders that pass the static limits
	if g.cfg.OrderRateLimit > 0 && g.cfg.OrderRateWindow > 0 {
		g.mu.Lock()
		now := g.now()
		if g.rateWindowStart.IsZero() || now.Sub(g.rateWindowStart) >= g.cfg.OrderRateWindow {
			g.rateWindowStart = now
			g.rateCount = 0
		}
		g.rateCount++
		limited := g.rateCount > g.cfg.OrderRateLimit
		g.mu.Unlock()
		if limited {
			return deny(decision, ReasonRateLimit)
		}
	}

	return decision
}

// Check is Evaluate as an order guard.
func (g *Gate) Check(order model.Order) error {
	d := g.Evaluate(order)
	if d.Allow {
		return nil
	}
	return errors.Wrapf(exception.ErrOrderDenied, "order %s denied by %s", order.ID, d.Reason)
}

func deny(d Decision, reason Reason) Decision {
	d.Allow = false
	d.Reason = reason
	return d
}
