// Package state keeps the inventory book and persists it across restarts.
package state

import (
	"sort"
	"sync"

	"polymm/internal/errors"
	"polymm/internal/model"
	"polymm/internal/model/enum"
	"polymm/pkg/exception"

	"github.com/shopspring/decimal"
)

// Book holds one position per market and routes fills to them by token.
type Book struct {
	mu        sync.Mutex
	positions map[string]*model.Position
	byToken   map[string]string
}

// NewBook creates an empty book.
func NewBook() *Book {
	return &Book{
		positions: make(map[string]*model.Position),
		byToken:   make(map[string]string),
	}
}

// Register adds a market with its two complementary tokens. An existing
// market keeps its quantities.
func (b *Book) Register(marketID, tokenA, tokenB string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.registerLocked(&model.Position{MarketID: marketID, TokenA: tokenA, TokenB: tokenB})
}

func (b *Book) registerLocked(p *model.Position) {
	if _, ok := b.positions[p.MarketID]; !ok {
		b.positions[p.MarketID] = p
	}
	b.byToken[p.TokenA] = p.MarketID
	b.byToken[p.TokenB] = p.MarketID
}

// ApplyFill books a fill and returns the realized PnL it produced.
func (b *Book) ApplyFill(tokenID string, side enum.Side, price, qty decimal.Decimal) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	marketID, ok := b.byToken[tokenID]
	if !ok {
		return decimal.Zero, errors.Wrapf(exception.ErrInvalidArgument, "unknown token %s", tokenID)
	}
	p := b.positions[marketID]
	before := p.RealizedPnL
	p.ApplyFill(tokenID, side, price, qty)
	return p.RealizedPnL.Sub(before), nil
}

// Position returns a copy of one market's position.
func (b *Book) Position(marketID string) (model.Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[marketID]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// Positions returns independent copies keyed by market, ready to be
// mutated by an unwind.
func (b *Book) Positions() map[string]*model.Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]*model.Position, len(b.positions))
	for id, p := range b.positions {
		out[id] = p.Clone()
	}
	return out
}

// Replace overwrites the given markets, registering new ones.
func (b *Book) Replace(positions map[string]*model.Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, p := range positions {
		if p == nil {
			continue
		}
		cp := p.Clone()
		cp.MarketID = id
		b.positions[id] = cp
		b.registerLocked(cp)
	}
}

// ApplySnapshot replaces the whole book with a snapshot.
func (b *Book) ApplySnapshot(snapshot Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions = make(map[string]*model.Position, len(snapshot.Positions))
	b.byToken = make(map[string]string, 2*len(snapshot.Positions))
	for _, p := range snapshot.Positions {
		b.registerLocked(p.Clone())
	}
}

// Open returns the markets still holding inventory, sorted.
func (b *Book) Open() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.positions))
	for id, p := range b.positions {
		if !p.IsFlat() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Count returns the number of markets.
func (b *Book) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.positions)
}
