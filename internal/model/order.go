package model

import (
	"time"

	"polymm/internal/errors"
	"polymm/internal/model/enum"
	"polymm/pkg/exception"

	"github.com/shopspring/decimal"
)

// Order is the local view of a venue order. ID is generated locally and stays
// stable across resubmission attempts; VenueID is assigned by the venue.
type Order struct {
	ID          string           `json:"id"`
	VenueID     string           `json:"venue_id,omitempty"`
	MarketID    string           `json:"market_id"`
	TokenID     string           `json:"token_id"`
	Side        enum.Side        `json:"side"`
	Price       decimal.Decimal  `json:"price"`
	Size        decimal.Decimal  `json:"size"`
	Filled      decimal.Decimal  `json:"filled"`
	Status      enum.OrderStatus `json:"status"`
	TimeInForce enum.TimeInForce `json:"time_in_force"`
	PostOnly    bool             `json:"post_only"`
	TTL         time.Duration    `json:"ttl,omitempty"`
	Strategy    string           `json:"strategy,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// Validate checks the static order invariants.
func (o Order) Validate() error {
	switch {
	case o.ID == "":
		return errors.Wrap(exception.ErrOrderInvalid, "empty id")
	case !o.Side.IsAvailable():
		return errors.Wrapf(exception.ErrOrderInvalid, "order %s: unknown side", o.ID)
	case !o.Price.IsPositive():
		return errors.Wrapf(exception.ErrOrderInvalid, "order %s: price must be > 0", o.ID)
	case !o.Size.IsPositive():
		return errors.Wrapf(exception.ErrOrderInvalid, "order %s: size must be > 0", o.ID)
	case o.Filled.IsNegative():
		return errors.Wrapf(exception.ErrOrderInvalid, "order %s: filled must be >= 0", o.ID)
	case o.Filled.GreaterThan(o.Size):
		return errors.Wrapf(exception.ErrOrderInvalid, "order %s: filled exceeds size", o.ID)
	}
	return nil
}

// Remaining returns the unfilled size.
func (o Order) Remaining() decimal.Decimal {
	r := o.Size.Sub(o.Filled)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// IsActive reports whether the order can still trade.
func (o Order) IsActive() bool {
	return !o.Status.IsTerminal()
}

// Expired reports whether the order outlived its TTL.
func (o Order) Expired(now time.Time) bool {
	return o.TTL > 0 && !o.CreatedAt.IsZero() && now.Sub(o.CreatedAt) >= o.TTL
}
