package quant

import (
	"testing"

	"polymm/pkg/exception"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPrice(t *testing.T) {
	cases := []struct {
		price, tick, want string
	}{
		{"0.454", "0.01", "0.45"},
		{"0.455", "0.01", "0.46"},
		{"0.4549999", "0.01", "0.45"},
		{"0.001", "0.01", "0.01"},
		{"0", "0.01", "0.01"},
		{"0.999", "0.01", "0.99"},
		{"3.7", "0.01", "0.99"},
		{"0.5125", "0.001", "0.513"},
		{"0.3", "0.5", "0.5"},
		{"0.9", "0.5", "0.5"},
		{"0.95", "0.3", "0.6"},
		{"0.2", "0.7", "0.7"},
	}
	for _, c := range cases {
		got, err := Price(d(c.price), d(c.tick))
		require.NoError(t, err)
		assert.Truef(t, got.Equal(d(c.want)), "Price(%s, %s) = %s, want %s", c.price, c.tick, got, c.want)
	}
}

func TestPriceStaysOnGridAndInBand(t *testing.T) {
	ticks := []string{"0.01", "0.001", "0.05", "0.03", "0.3", "0.25"}
	for _, ts := range ticks {
		tick := d(ts)
		for p := d("0.0001"); p.LessThan(d("1.2")); p = p.Add(d("0.0137")) {
			got, err := Price(p, tick)
			require.NoError(t, err)
			assert.Truef(t, got.Mod(tick).IsZero(), "Price(%s, %s) = %s is off-grid", p, tick, got)
			assert.Truef(t, got.GreaterThanOrEqual(tick), "Price(%s, %s) = %s below tick", p, tick, got)
			assert.Truef(t, got.LessThanOrEqual(d("1").Sub(tick)), "Price(%s, %s) = %s above 1-tick", p, tick, got)
		}
	}
}

func TestSize(t *testing.T) {
	cases := []struct {
		size, unit, want string
	}{
		{"12.345", "0.01", "12.34"},
		{"12.345", "1", "12"},
		{"5", "5", "5"},
		{"4.99", "5", "0"},
		{"0", "0.01", "0"},
		{"0.009", "0.01", "0"},
		{"17", "5", "15"},
	}
	for _, c := range cases {
		got, err := Size(d(c.size), d(c.unit))
		require.NoError(t, err)
		assert.Truef(t, got.Equal(d(c.want)), "Size(%s, %s) = %s, want %s", c.size, c.unit, got, c.want)
	}
}

func TestSizeNeverExceedsInput(t *testing.T) {
	units := []string{"0.01", "1", "5", "0.3"}
	for _, us := range units {
		unit := d(us)
		for s := decimal.Zero; s.LessThan(d("40")); s = s.Add(d("0.77")) {
			got, err := Size(s, unit)
			require.NoError(t, err)
			assert.True(t, got.LessThanOrEqual(s))
			if !got.IsZero() {
				assert.True(t, got.Mod(unit).IsZero())
				assert.True(t, got.GreaterThanOrEqual(unit))
			}
		}
	}
}

func TestValidation(t *testing.T) {
	_, err := Price(d("0.5"), decimal.Zero)
	assert.ErrorIs(t, err, exception.ErrQuantNonPositiveStep)
	_, err = Price(d("0.5"), d("-0.01"))
	assert.ErrorIs(t, err, exception.ErrQuantNonPositiveStep)
	_, err = Price(d("-0.5"), d("0.01"))
	assert.ErrorIs(t, err, exception.ErrQuantNegativeInput)

	_, err = Size(d("1"), decimal.Zero)
	assert.ErrorIs(t, err, exception.ErrQuantNonPositiveStep)
	_, err = Size(d("-1"), d("0.01"))
	assert.ErrorIs(t, err, exception.ErrQuantNegativeInput)
}

func TestClamp(t *testing.T) {
	lo, hi := d("0.01"), d("0.99")
	assert.True(t, Clamp(d("0"), lo, hi).Equal(lo))
	assert.True(t, Clamp(d("2"), lo, hi).Equal(hi))
	assert.True(t, Clamp(d("0.5"), lo, hi).Equal(d("0.5")))
}
