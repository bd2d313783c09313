package model

import (
	"polymm/internal/model/enum"

	"github.com/shopspring/decimal"
)

// Position aggregates the two complementary tokens of one binary market.
type Position struct {
	MarketID      string          `json:"market_id"`
	TokenA        string          `json:"token_a"`
	TokenB        string          `json:"token_b"`
	QtyA          decimal.Decimal `json:"qty_a"`
	QtyB          decimal.Decimal `json:"qty_b"`
	AvgEntryA     decimal.Decimal `json:"avg_entry_a"`
	AvgEntryB     decimal.Decimal `json:"avg_entry_b"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// CanMerge holds when both legs are strictly positive.
func (p Position) CanMerge() bool {
	return p.QtyA.IsPositive() && p.QtyB.IsPositive()
}

// MergeableAmount is floor(min(QtyA, QtyB)), or zero when the legs cannot merge.
func (p Position) MergeableAmount() decimal.Decimal {
	if !p.CanMerge() {
		return decimal.Zero
	}
	return decimal.Min(p.QtyA, p.QtyB).Floor()
}

// IsFlat reports whether both legs are zero.
func (p Position) IsFlat() bool {
	return p.QtyA.IsZero() && p.QtyB.IsZero()
}

// ApplyFill books a fill on one leg. Buys move the average entry, sells realize
// PnL against it. A token that belongs to neither leg is ignored.
func (p *Position) ApplyFill(tokenID string, side enum.Side, price, qty decimal.Decimal) {
	if !qty.IsPositive() {
		return
	}

	var held, avg *decimal.Decimal
	switch tokenID {
	case p.TokenA:
		held, avg = &p.QtyA, &p.AvgEntryA
	case p.TokenB:
		held, avg = &p.QtyB, &p.AvgEntryB
	default:
		return
	}

	switch side {
	case enum.SideBuy:
		total := held.Add(qty)
		*avg = avg.Mul(*held).Add(price.Mul(qty)).Div(total)
		*held = total
	case enum.SideSell:
		sold := decimal.Min(qty, *held)
		p.RealizedPnL = p.RealizedPnL.Add(price.Sub(*avg).Mul(sold))
		*held = held.Sub(sold)
		if held.IsZero() {
			*avg = decimal.Zero
		}
	}
}

// MarkToMarket recomputes unrealized PnL from the given leg prices.
func (p *Position) MarkToMarket(priceA, priceB decimal.Decimal) {
	a := priceA.Sub(p.AvgEntryA).Mul(p.QtyA)
	b := priceB.Sub(p.AvgEntryB).Mul(p.QtyB)
	p.UnrealizedPnL = a.Add(b)
}

// Clone returns an independent copy.
func (p Position) Clone() *Position {
	return &p
}
