package unwind

import (
	"context"
	"encoding/json"
	"math/big"
	"sync"
	"testing"
	"time"

	"polymm/internal/execution"
	"polymm/internal/model"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type countingCanceller struct{ calls int }

func (c *countingCanceller) CancelAll(context.Context) int {
	c.calls++
	return 2
}

type hangingExecutor struct {
	*execution.Paper
}

func (h hangingExecutor) Submit(ctx context.Context, o model.Order) (model.Order, error) {
	<-ctx.Done()
	return o, ctx.Err()
}

type recordPublisher struct {
	mu     sync.Mutex
	events []model.Event
}

func (p *recordPublisher) Publish(topic string, payload map[string]any, _ string) model.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	e := model.Event{Topic: topic, Payload: payload}
	p.events = append(p.events, e)
	return e
}

func scenario() (*execution.Paper, map[string]*model.Position) {
	paper := execution.NewPaper(execution.PaperConfig{})
	paper.SetBid("yes", d("0.50"), d("1000"))
	paper.SetAsk("yes", d("0.52"), d("1000"))

	positions := map[string]*model.Position{
		"m-1": {
			MarketID:  "m-1",
			TokenA:    "yes",
			TokenB:    "no",
			QtyA:      d("100"),
			QtyB:      d("40"),
			AvgEntryA: d("0.4"),
			AvgEntryB: d("0.5"),
		},
	}
	return paper, positions
}

func fastConfig() Config {
	return Config{MaxTime: 5 * time.Second, MergeEnabled: true, AttemptPause: time.Millisecond}
}

func TestUnwindMergesThenSells(t *testing.T) {
	paper, positions := scenario()
	orders := &countingCanceller{}
	pub := &recordPublisher{}
	chain := &PaperChain{GasUsed: 100_000, GasPrice: big.NewInt(30_000_000_000)}

	m := NewManager(fastConfig(), Deps{
		Orders:    orders,
		Executor:  paper,
		Prices:    paper,
		Merger:    NewMerger(chain),
		Publisher: pub,
	})
	report := m.Run(context.Background(), "shutdown", StrategyAggressive, positions)

	assert.Equal(t, 1, orders.calls)
	assert.Equal(t, 2, report.OrdersCancelled)

	require.Len(t, report.Merges, 1)
	assert.True(t, report.Merges[0].Success)
	assert.True(t, report.Merges[0].Amount.Equal(d("40")))
	assert.True(t, report.TotalMerged.Equal(d("40")))
	assert.True(t, report.TotalGasCost.Equal(d("0.003")))
	assert.True(t, chain.Merged("m-1").Equal(d("40")))

	require.Len(t, report.Sells, 1)
	sell := report.Sells[0]
	assert.Equal(t, "yes", sell.TokenID)
	assert.True(t, sell.Filled.Equal(d("60")))
	assert.Equal(t, 2, sell.Attempts, "mid is above the bid, the second rung crosses")
	assert.True(t, sell.AvgPrice.Equal(d("0.5")))
	assert.True(t, sell.Success)

	assert.True(t, report.Success)
	assert.False(t, report.TimedOut)
	assert.Empty(t, report.Orphaned)
	assert.Equal(t, "success", report.Outcome())

	pos := positions["m-1"]
	assert.True(t, pos.IsFlat())
	assert.True(t, pos.RealizedPnL.Equal(d("10")), "merge 4 plus sell 6, got %s", pos.RealizedPnL)

	require.Len(t, pub.events, 1)
	assert.Equal(t, model.TopicUnwind, pub.events[0].Topic)
	assert.Equal(t, true, pub.events[0].Payload["success"])
}

func TestUnwindTimesOut(t *testing.T) {
	paper, positions := scenario()
	cfg := fastConfig()
	cfg.MaxTime = 50 * time.Millisecond

	m := NewManager(cfg, Deps{
		Executor: hangingExecutor{paper},
		Prices:   paper,
		Merger:   NewMerger(&PaperChain{}),
	})

	start := time.Now()
	report := m.Run(context.Background(), "halt", StrategyAggressive, positions)
	assert.Less(t, time.Since(start), time.Second)

	assert.True(t, report.TotalMerged.Equal(d("40")))
	assert.True(t, report.TimedOut)
	assert.False(t, report.Success)
	require.Len(t, report.Orphaned, 1)
	assert.Equal(t, "yes", report.Orphaned[0].TokenID)
	assert.True(t, report.Orphaned[0].Qty.Equal(d("60")))
	assert.Equal(t, OrphanTimeout, report.Orphaned[0].Reason)
	assert.True(t, report.OrphanedQty().Equal(d("60")))
}

func TestUnwindSweepSingleAttempt(t *testing.T) {
	paper, positions := scenario()
	m := NewManager(Config{AttemptPause: time.Millisecond}, Deps{Executor: paper, Prices: paper})

	report := m.Run(context.Background(), "halt", StrategySweep, positions)

	assert.Empty(t, report.Merges, "merging disabled")
	require.Len(t, report.Sells, 2)
	assert.Equal(t, 1, report.Sells[0].Attempts)
	assert.True(t, report.Sells[0].AvgPrice.Equal(d("0.26")))
	assert.Zero(t, report.Sells[1].Attempts, "no book for the second token")
	assert.False(t, report.Sells[1].Success)

	require.Len(t, report.Orphaned, 1)
	assert.Equal(t, "no", report.Orphaned[0].TokenID)
	assert.Equal(t, OrphanNoPrice, report.Orphaned[0].Reason)
	assert.False(t, report.Success)
	assert.False(t, report.TimedOut)
}

func TestUnwindUnfilledLadder(t *testing.T) {
	paper, positions := scenario()
	paper.SetBid("yes", d("0.50"), d("10"))
	positions["m-1"].QtyB = decimal.Zero

	m := NewManager(Config{AttemptPause: time.Millisecond}, Deps{Executor: paper, Prices: paper})
	report := m.Run(context.Background(), "shutdown", StrategyAggressive, positions)

	require.Len(t, report.Sells, 1)
	assert.Equal(t, len(defaultPriceOffsets), report.Sells[0].Attempts)
	assert.True(t, report.Sells[0].Filled.IsZero())
	require.Len(t, report.Orphaned, 1)
	assert.Equal(t, OrphanUnfilled, report.Orphaned[0].Reason)
	assert.Equal(t, "failed", report.Outcome())
}

func TestUnwindSkipsDust(t *testing.T) {
	paper, positions := scenario()
	positions["m-1"].QtyA = d("100.5")
	positions["m-1"].QtyB = d("100")

	m := NewManager(fastConfig(), Deps{Executor: paper, Prices: paper, Merger: NewMerger(&PaperChain{})})
	report := m.Run(context.Background(), "shutdown", StrategyAggressive, positions)

	assert.True(t, report.TotalMerged.Equal(d("100")))
	assert.Empty(t, report.Sells)
	require.Len(t, report.DustSkipped, 1)
	assert.True(t, report.DustSkipped[0].Qty.Equal(d("0.5")))
	assert.True(t, report.Success)
}

func TestUnwindFailedMergeSellsBothLegs(t *testing.T) {
	paper, positions := scenario()
	paper.SetBid("no", d("0.45"), d("1000"))

	m := NewManager(fastConfig(), Deps{Executor: paper, Prices: paper, Merger: NewMerger(nil)})
	report := m.Run(context.Background(), "shutdown", StrategyAggressive, positions)

	require.Len(t, report.Merges, 1)
	assert.False(t, report.Merges[0].Success)
	assert.True(t, report.TotalMerged.IsZero())
	assert.Len(t, report.Sells, 2)
	assert.True(t, report.TotalSold.Equal(d("140")))
	assert.True(t, report.Success)
}

func TestUnwindHold(t *testing.T) {
	paper, positions := scenario()
	orders := &countingCanceller{}

	m := NewManager(fastConfig(), Deps{Orders: orders, Executor: paper, Prices: paper})
	report := m.Run(context.Background(), "crash recovery", StrategyHold, positions)

	assert.Zero(t, orders.calls)
	assert.True(t, report.Success)
	assert.Equal(t, "held", report.Outcome())
	assert.True(t, positions["m-1"].QtyA.Equal(d("100")))
}

func TestReportJSON(t *testing.T) {
	r := newReport("shutdown", StrategySweep, time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC))
	r.Orphaned = append(r.Orphaned, Orphan{MarketID: "m-1", TokenID: "yes", Qty: d("60"), Reason: OrphanTimeout})
	r.TimedOut = true

	b, err := json.Marshal(r)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, "SWEEP", out["strategy"])
	assert.Equal(t, true, out["timed_out"])
	assert.Equal(t, false, out["success"])
	assert.Equal(t, []any{}, out["merges"])
	assert.Equal(t, "60", out["orphaned"].([]any)[0].(map[string]any)["qty"])

	var s Strategy
	require.NoError(t, s.UnmarshalText([]byte("HOLD")))
	assert.Equal(t, StrategyHold, s)
	assert.Error(t, s.UnmarshalText([]byte("PANIC")))
}
