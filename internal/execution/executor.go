// Package execution defines the venue execution interface consumed by the
// order manager, reconciler and unwind orchestrator.
package execution

import (
	"context"

	"polymm/internal/model"

	"github.com/shopspring/decimal"
)

// Executor places and manages orders on a venue. Implementations key orders
// by the caller-supplied Order.ID.
type Executor interface {
	// Submit places the order and returns it with the venue-reported status.
	Submit(ctx context.Context, order model.Order) (model.Order, error)
	// Cancel returns false when the venue had nothing to cancel.
	Cancel(ctx context.Context, id string) (bool, error)
	// Amend may return exception.ErrAmendNotSupported; callers then cancel
	// and resubmit.
	Amend(ctx context.Context, id string, price, size decimal.Decimal) (model.Order, error)
	// OpenOrders lists every non-terminal order the venue knows about.
	OpenOrders(ctx context.Context) ([]model.Order, error)
}
