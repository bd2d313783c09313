package unwind

import (
	"time"

	"polymm/pkg/exception"

	"github.com/shopspring/decimal"
)

type Strategy uint8

const (
	_strategy_beg Strategy = iota
	StrategyAggressive
	StrategySweep
	StrategyHold
	_strategy_end
)

var strategyNames = [...]string{
	StrategyAggressive: "AGGRESSIVE",
	StrategySweep:      "SWEEP",
	StrategyHold:       "HOLD",
}

func (s Strategy) IsAvailable() bool {
	return s > _strategy_beg && s < _strategy_end
}

func (s Strategy) String() string {
	if !s.IsAvailable() {
		return "UNKNOWN"
	}
	return strategyNames[s]
}

func (s Strategy) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Strategy) UnmarshalText(b []byte) error {
	for k := _strategy_beg + 1; k < _strategy_end; k++ {
		if strategyNames[k] == string(b) {
			*s = k
			return nil
		}
	}
	return exception.ErrInvalidArgument
}

// SellResult summarizes the progressive sell of one token.
type SellResult struct {
	MarketID  string          `json:"market_id"`
	TokenID   string          `json:"token_id"`
	Requested decimal.Decimal `json:"requested"`
	Filled    decimal.Decimal `json:"filled"`
	AvgPrice  decimal.Decimal `json:"avg_price"`
	Attempts  int             `json:"attempts"`
	Success   bool            `json:"success"`
	Error     string          `json:"error,omitempty"`
}

// DustEntry is a holding too small to be worth selling.
type DustEntry struct {
	MarketID string          `json:"market_id"`
	TokenID  string          `json:"token_id"`
	Qty      decimal.Decimal `json:"qty"`
}

// Orphan is a holding the unwind could neither merge nor sell.
type Orphan struct {
	MarketID string          `json:"market_id"`
	TokenID  string          `json:"token_id"`
	Qty      decimal.Decimal `json:"qty"`
	Reason   string          `json:"reason"`
}

const (
	OrphanTimeout  = "timeout"
	OrphanUnfilled = "unfilled"
	OrphanNoPrice  = "no_mid_price"
)

// Report accumulates one unwind run. It is immutable once Run returns.
type Report struct {
	Reason          string          `json:"reason"`
	Strategy        Strategy        `json:"strategy"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	OrdersCancelled int             `json:"orders_cancelled"`
	Merges          []MergeResult   `json:"merges"`
	Sells           []SellResult    `json:"sells"`
	DustSkipped     []DustEntry     `json:"dust_skipped"`
	Orphaned        []Orphan        `json:"orphaned"`
	TotalMerged     decimal.Decimal `json:"total_merged"`
	TotalSold       decimal.Decimal `json:"total_sold"`
	TotalGasCost    decimal.Decimal `json:"total_gas_cost"`
	Success         bool            `json:"success"`
	TimedOut        bool            `json:"timed_out"`
}

func newReport(reason string, strategy Strategy, now time.Time) *Report {
	return &Report{
		Reason:       reason,
		Strategy:     strategy,
		StartedAt:    now,
		Merges:       []MergeResult{},
		Sells:        []SellResult{},
		DustSkipped:  []DustEntry{},
		Orphaned:     []Orphan{},
		TotalMerged:  decimal.Zero,
		TotalSold:    decimal.Zero,
		TotalGasCost: decimal.Zero,
	}
}

func (r *Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Outcome is a one-word label for logs and metrics.
func (r *Report) Outcome() string {
	switch {
	case r.Strategy == StrategyHold:
		return "held"
	case r.TimedOut:
		return "timed_out"
	case r.Success:
		return "success"
	default:
		return "failed"
	}
}

// OrphanedQty sums the orphaned quantity over every token.
func (r *Report) OrphanedQty() decimal.Decimal {
	total := decimal.Zero
	for _, o := range r.Orphaned {
		total = total.Add(o.Qty)
	}
	return total
}
