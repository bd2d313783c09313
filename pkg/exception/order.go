package exception

import "github.com/yanun0323/errors"

var (
	ErrOrderInvalid       = errors.New("order: invalid order")
	ErrOrderNotTracked    = errors.New("order: not tracked")
	ErrOrderTerminal      = errors.New("order: already in terminal state")
	ErrOrderDenied        = errors.New("order: denied by risk gate")
	ErrOrderNilExecutor   = errors.New("order: nil executor")
	ErrOrderUnknownFill   = errors.New("order: invalid fill quantity")
	ErrAmendNotSupported  = errors.New("order: amend not supported by venue")
	ErrVenueOrderNotFound = errors.New("order: not found on venue")
)
