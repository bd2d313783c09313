package risk

import (
	"context"
	"testing"
	"time"

	"polymm/internal/model"
	"polymm/internal/model/enum"
	"polymm/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func gateOrder(market, price, size string) model.Order {
	return model.Order{
		ID:       "o-1",
		MarketID: market,
		TokenID:  "yes",
		Side:     enum.SideBuy,
		Price:    decimal.RequireFromString(price),
		Size:     decimal.RequireFromString(size),
	}
}

func TestGateLimits(t *testing.T) {
	g := NewGate(GateConfig{
		MaxOrderSize:     decimal.NewFromInt(100),
		MaxOrderNotional: decimal.NewFromInt(30),
	}, nil)

	d := g.Evaluate(gateOrder("m-1", "0.25", "100"))
	assert.True(t, d.Allow)
	assert.True(t, d.Notional.Equal(decimal.NewFromInt(25)))

	d = g.Evaluate(gateOrder("m-1", "0.2", "101"))
	assert.False(t, d.Allow)
	assert.Equal(t, ReasonMaxSize, d.Reason)

	d = g.Evaluate(gateOrder("m-1", "0.5", "80"))
	assert.Equal(t, ReasonMaxNotional, d.Reason)
	assert.Equal(t, "max_notional", d.Reason.String())
}

func TestGateFollowsKillSwitch(t *testing.T) {
	f := newFixture(t, KillSwitchConfig{RestartBaseBackoff: time.Hour})
	g := NewGate(GateConfig{}, f.ks)
	ctx := context.Background()
	o := gateOrder("m-1", "0.5", "10")

	assert.NoError(t, g.Check(o))

	f.ks.TriggerDataGap(ctx, "m-1", time.Hour)
	assert.Equal(t, ReasonMarketPaused, g.Evaluate(o).Reason)
	assert.True(t, g.Evaluate(gateOrder("m-2", "0.5", "10")).Allow)

	f.ks.TriggerEngineRestart(ctx, nil)
	assert.Equal(t, ReasonPaused, g.Evaluate(o).Reason)

	f.ks.Halt(ctx, "drill")
	err := g.Check(o)
	assert.ErrorIs(t, err, exception.ErrOrderDenied)
	assert.Contains(t, err.Error(), "halted")
}

func TestGateRateLimit(t *testing.T) {
	g := NewGate(GateConfig{OrderRateLimit: 2, OrderRateWindow: time.Second}, nil)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }
	o := gateOrder("m-1", "0.5", "10")

	assert.True(t, g.Evaluate(o).Allow)
	assert.True(t, g.Evaluate(o).Allow)
	assert.Equal(t, ReasonRateLimit, g.Evaluate(o).Reason)

	now = now.Add(time.Second)
	assert.True(t, g.Evaluate(o).Allow, "new window")
}

func TestGateSizeDenialKeepsRateBudget(t *testing.T) {
	g := NewGate(GateConfig{
		MaxOrderSize:    decimal.NewFromInt(100),
		OrderRateLimit:  1,
		OrderRateWindow: time.Minute,
	}, nil)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	assert.Equal(t, ReasonMaxSize, g.Evaluate(gateOrder("m-1", "0.5", "500")).Reason)
	assert.Equal(t, ReasonMaxSize, g.Evaluate(gateOrder("m-1", "0.5", "500")).Reason)
	assert.True(t, g.Evaluate(gateOrder("m-1", "0.5", "10")).Allow)
	assert.Equal(t, ReasonRateLimit, g.Evaluate(gateOrder("m-1", "0.5", "10")).Reason)
}
