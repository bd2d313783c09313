package enum

import "polymm/pkg/exception"

// TimeInForce is the order-lifetime policy.
type TimeInForce uint8

const (
	_timeInForce_beg TimeInForce = iota
	TimeInForceGTC
	TimeInForceGTD
	TimeInForceFOK
	_timeInForce_end
)

func (t TimeInForce) IsAvailable() bool {
	return t > _timeInForce_beg && t < _timeInForce_end
}

func (t TimeInForce) String() string {
	switch t {
	case TimeInForceGTC:
		return "GTC"
	case TimeInForceGTD:
		return "GTD"
	case TimeInForceFOK:
		return "FOK"
	default:
		return "UNKNOWN"
	}
}

func (t TimeInForce) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *TimeInForce) UnmarshalText(text []byte) error {
	switch string(text) {
	case "GTC":
		*t = TimeInForceGTC
	case "GTD":
		*t = TimeInForceGTD
	case "FOK":
		*t = TimeInForceFOK
	default:
		return exception.ErrInvalidArgument
	}
	return nil
}
