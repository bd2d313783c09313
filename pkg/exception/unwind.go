package exception

import "github.com/yanun0323/errors"

var (
	ErrMergeNonPositiveAmount = errors.New("merge: amount must be positive")
	ErrMergeNoAdapter         = errors.New("merge: no on-chain adapter configured")
	ErrMergeReverted          = errors.New("merge: transaction reverted")
	ErrUnwindNoMidPrice       = errors.New("unwind: no mid price")
)
