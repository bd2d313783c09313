package enum

import "polymm/pkg/exception"

type OrderStatus uint8

const (
	_orderStatus_beg OrderStatus = iota
	OrderStatusPending
	OrderStatusOpen
	OrderStatusPartiallyFilled
	OrderStatusFilled
	OrderStatusCancelled
	OrderStatusRejected
	OrderStatusExpired
	_orderStatus_end
)

var orderStatusNames = [...]string{
	OrderStatusPending:         "PENDING",
	OrderStatusOpen:            "OPEN",
	OrderStatusPartiallyFilled: "PARTIALLY_FILLED",
	OrderStatusFilled:          "FILLED",
	OrderStatusCancelled:       "CANCELLED",
	OrderStatusRejected:        "REJECTED",
	OrderStatusExpired:         "EXPIRED",
}

func (s OrderStatus) IsAvailable() bool {
	return s > _orderStatus_beg && s < _orderStatus_end
}

// IsTerminal reports whether no further transition is possible.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected, OrderStatusExpired:
		return true
	default:
		return false
	}
}

func (s OrderStatus) String() string {
	if !s.IsAvailable() {
		return "UNKNOWN"
	}
	return orderStatusNames[s]
}

func (s OrderStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *OrderStatus) UnmarshalText(text []byte) error {
	for i := _orderStatus_beg + 1; i < _orderStatus_end; i++ {
		if orderStatusNames[i] == string(text) {
			*s = i
			return nil
		}
	}
	return exception.ErrInvalidArgument
}
