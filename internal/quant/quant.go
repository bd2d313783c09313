// Package quant snaps prices and sizes onto venue grids with exact decimal math.
package quant

import (
	"polymm/pkg/exception"

	"github.com/shopspring/decimal"
)

var (
	one = decimal.NewFromInt(1)
	two = decimal.NewFromInt(2)
)

// Price rounds price half-up to the nearest multiple of tick and clamps it into
// the binary-outcome band [tick, 1-tick]. The upper bound is the largest tick
// multiple not above 1-tick, so the result always sits on the grid. A tick of
// 0.5 or more collapses the band to tick itself.
func Price(price, tick decimal.Decimal) (decimal.Decimal, error) {
	if !tick.IsPositive() {
		return decimal.Zero, exception.ErrQuantNonPositiveStep
	}
	if price.IsNegative() {
		return decimal.Zero, exception.ErrQuantNegativeInput
	}

	steps, rem := price.QuoRem(tick, 0)
	if rem.Mul(two).GreaterThanOrEqual(tick) {
		steps = steps.Add(one)
	}
	rounded := steps.Mul(tick)

	lo := tick
	hi, _ := one.Sub(tick).QuoRem(tick, 0)
	hi = hi.Mul(tick)
	if hi.LessThan(lo) {
		hi = lo
	}

	return Clamp(rounded, lo, hi), nil
}

// Size truncates size toward zero to a multiple of unit. Anything below one
// unit becomes zero: too small to place.
func Size(size, unit decimal.Decimal) (decimal.Decimal, error) {
	if !unit.IsPositive() {
		return decimal.Zero, exception.ErrQuantNonPositiveStep
	}
	if size.IsNegative() {
		return decimal.Zero, exception.ErrQuantNegativeInput
	}

	steps, _ := size.QuoRem(unit, 0)
	out := steps.Mul(unit)
	if out.LessThan(unit) {
		return decimal.Zero, nil
	}
	return out, nil
}

// Clamp bounds v into [lo, hi].
func Clamp(v, lo, hi decimal.Decimal) decimal.Decimal {
	if v.LessThan(lo) {
		return lo
	}
	if v.GreaterThan(hi) {
		return hi
	}
	return v
}
