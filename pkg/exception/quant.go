package exception

import "github.com/yanun0323/errors"

var (
	ErrQuantNonPositiveStep = errors.New("quant: tick or unit must be positive")
	ErrQuantNegativeInput   = errors.New("quant: input must not be negative")
)
