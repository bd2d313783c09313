package unwind

import (
	"context"
	"crypto/sha256"
	"fmt"
	"math/big"
	"sync"

	"polymm/internal/errors"
	"polymm/pkg/exception"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/yanun0323/logs"
)

const receiptStatusSuccessful = uint64(1)

// TxOutcome is the mined result of a merge transaction.
type TxOutcome struct {
	TxHash   common.Hash
	GasUsed  uint64
	GasPrice *big.Int
	Status   uint64
}

// ChainAdapter burns complementary token pairs for collateral.
type ChainAdapter interface {
	MergePositions(ctx context.Context, marketID string, amount decimal.Decimal) (TxOutcome, error)
}

// MergeResult is the outcome of one merge, successful or not.
type MergeResult struct {
	MarketID string          `json:"market_id"`
	Success  bool            `json:"success"`
	Amount   decimal.Decimal `json:"amount"`
	GasCost  decimal.Decimal `json:"gas_cost"`
	TxHash   string          `json:"tx_hash,omitempty"`
	Error    string          `json:"error,omitempty"`

	Err error `json:"-"`
}

// Merger wraps a ChainAdapter. Merge never panics and never returns an
// error; failures are carried in the result.
type Merger struct {
	adapter ChainAdapter
}

// NewMerger accepts a nil adapter; every merge then fails cleanly.
func NewMerger(adapter ChainAdapter) *Merger {
	return &Merger{adapter: adapter}
}

func (m *Merger) Merge(ctx context.Context, marketID string, amount decimal.Decimal) (res MergeResult) {
	res = MergeResult{MarketID: marketID, Amount: amount, GasCost: decimal.Zero}
	fail := func(err error) MergeResult {
		res.Success = false
		res.Err = err
		res.Error = err.Error()
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			logs.Errorf("merge %s panicked, recovered: %v", marketID, p)
			res = fail(fmt.Errorf("merge panicked: %v", p))
		}
	}()

	if !amount.IsPositive() {
		return fail(exception.ErrMergeNonPositiveAmount)
	}
	if m == nil || m.adapter == nil {
		return fail(exception.ErrMergeNoAdapter)
	}

	out, err := m.adapter.MergePositions(ctx, marketID, amount)
	if err != nil {
		logs.Warnf("merge %s amount %s failed, err: %+v", marketID, amount, err)
		return fail(errors.Wrap(err, "merge positions"))
	}

	res.TxHash = out.TxHash.Hex()
	res.GasCost = gasCost(out)
	if out.Status != receiptStatusSuccessful {
		logs.Warnf("merge %s reverted, tx: %s", marketID, res.TxHash)
		return fail(exception.ErrMergeReverted)
	}

	res.Success = true
	logs.Infof("merged %s pairs on %s, tx: %s, gas: %s", amount, marketID, res.TxHash, res.GasCost)
	return res
}

// gasCost converts gas used times gas price from wei to native units.
func gasCost(out TxOutcome) decimal.Decimal {
	if out.GasPrice == nil || out.GasUsed == 0 {
		return decimal.Zero
	}
	wei := new(big.Int).Mul(new(big.Int).SetUint64(out.GasUsed), out.GasPrice)
	return decimal.NewFromBigInt(wei, -18)
}

// PaperChain is an in-memory ChainAdapter for paper trading.
type PaperChain struct {
	GasUsed  uint64
	GasPrice *big.Int

	mu     sync.Mutex
	nonce  uint64
	merged map[string]decimal.Decimal
}

func (c *PaperChain) MergePositions(ctx context.Context, marketID string, amount decimal.Decimal) (TxOutcome, error) {
	if err := ctx.Err(); err != nil {
		return TxOutcome{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.merged == nil {
		c.merged = make(map[string]decimal.Decimal)
	}
	c.nonce++
	c.merged[marketID] = c.merged[marketID].Add(amount)

	sum := sha256.Sum256(fmt.Appendf(nil, "%s/%s/%d", marketID, amount, c.nonce))
	return TxOutcome{
		TxHash:   common.BytesToHash(sum[:]),
		GasUsed:  c.GasUsed,
		GasPrice: c.GasPrice,
		Status:   receiptStatusSuccessful,
	}, nil
}

// Merged returns the total merged on marketID.
func (c *PaperChain) Merged(marketID string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.merged[marketID]
}
