package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"polymm/internal/model"
	"polymm/internal/model/enum"
	"polymm/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func gtc(id string) model.Order {
	return model.Order{
		ID:          id,
		MarketID:    "m-1",
		TokenID:     "yes",
		Side:        enum.SideBuy,
		Price:       d("0.40"),
		Size:        d("10"),
		TimeInForce: enum.TimeInForceGTC,
	}
}

func TestPaperSubmitIsIdempotent(t *testing.T) {
	p := NewPaper(PaperConfig{})
	first, err := p.Submit(t.Context(), gtc("o-1"))
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusOpen, first.Status)
	assert.NotEmpty(t, first.VenueID)

	again, err := p.Submit(t.Context(), gtc("o-1"))
	require.NoError(t, err)
	assert.Equal(t, first.VenueID, again.VenueID)

	open, err := p.OpenOrders(t.Context())
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestPaperFOK(t *testing.T) {
	p := NewPaper(PaperConfig{})
	p.SetBid("yes", d("0.50"), d("30"))

	sell := gtc("s-1")
	sell.Side = enum.SideSell
	sell.TimeInForce = enum.TimeInForceFOK
	sell.Price = d("0.48")
	sell.Size = d("20")

	res, err := p.Submit(t.Context(), sell)
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusFilled, res.Status)
	assert.True(t, res.Filled.Equal(d("20")))

	sell.ID = "s-2"
	res, err = p.Submit(t.Context(), sell)
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusCancelled, res.Status, "only 10 left at the bid")
	assert.True(t, res.Filled.IsZero())

	sell.ID = "s-3"
	sell.Size = d("5")
	sell.Price = d("0.55")
	res, err = p.Submit(t.Context(), sell)
	require.NoError(t, err)
	assert.Equal(t, enum.OrderStatusCancelled, res.Status, "price above bid does not cross")

	open, err := p.OpenOrders(t.Context())
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestPaperMid(t *testing.T) {
	p := NewPaper(PaperConfig{})
	_, ok := p.Mid(t.Context(), "yes")
	assert.False(t, ok)

	p.SetBid("yes", d("0.40"), d("1"))
	mid, ok := p.Mid(t.Context(), "yes")
	require.True(t, ok)
	assert.True(t, mid.Equal(d("0.40")))

	p.SetAsk("yes", d("0.44"), d("1"))
	mid, _ = p.Mid(t.Context(), "yes")
	assert.True(t, mid.Equal(d("0.42")))
}

func TestPaperCancel(t *testing.T) {
	p := NewPaper(PaperConfig{})
	_, err := p.Submit(t.Context(), gtc("o-1"))
	require.NoError(t, err)

	ok, err := p.Cancel(t.Context(), "o-1")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.Cancel(t.Context(), "o-1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = p.Cancel(t.Context(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPaperAmend(t *testing.T) {
	p := NewPaper(PaperConfig{})
	_, err := p.Submit(t.Context(), gtc("o-1"))
	require.NoError(t, err)

	_, err = p.Amend(t.Context(), "o-1", d("0.41"), d("10"))
	assert.ErrorIs(t, err, exception.ErrAmendNotSupported)

	p = NewPaper(PaperConfig{AmendSupported: true})
	_, err = p.Submit(t.Context(), gtc("o-1"))
	require.NoError(t, err)
	res, err := p.Amend(t.Context(), "o-1", d("0.41"), d("12"))
	require.NoError(t, err)
	assert.True(t, res.Price.Equal(d("0.41")))
	assert.True(t, res.Size.Equal(d("12")))

	_, err = p.Amend(t.Context(), "missing", d("0.41"), d("12"))
	assert.ErrorIs(t, err, exception.ErrVenueOrderNotFound)
}

func TestPaperFaultsAndFills(t *testing.T) {
	p := NewPaper(PaperConfig{})
	boom := errors.New("boom")
	p.FailNext("open", boom)

	_, err := p.OpenOrders(t.Context())
	assert.ErrorIs(t, err, boom)
	_, err = p.OpenOrders(t.Context())
	assert.NoError(t, err)

	_, err = p.Submit(t.Context(), gtc("o-1"))
	require.NoError(t, err)
	assert.True(t, p.Fill("o-1", d("4")))

	open, err := p.OpenOrders(t.Context())
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, enum.OrderStatusPartiallyFilled, open[0].Status)
	assert.True(t, open[0].Filled.Equal(d("4")))

	p.Drop("o-1")
	open, _ = p.OpenOrders(t.Context())
	assert.Empty(t, open)

	p.Inject(gtc("orphan"))
	open, _ = p.OpenOrders(t.Context())
	require.Len(t, open, 1)
	assert.Equal(t, "orphan", open[0].ID)
}

func TestPaperLatencyRespectsContext(t *testing.T) {
	p := NewPaper(PaperConfig{Latency: time.Second})
	ctx, cancel := context.WithTimeout(t.Context(), 10*time.Millisecond)
	defer cancel()

	_, err := p.Submit(ctx, gtc("o-1"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
