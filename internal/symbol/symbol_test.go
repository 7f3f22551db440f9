package symbol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonical(t *testing.T) {
	cases := map[string]string{
		"BTCUSDT":     "BTC/USDT",
		"ETHUSDT:USDT": "ETH/USDT",
		"HFT-":        "HFT/USDT",
		"FRAG":        "FRAG/USDT",
		"btc/usdt":    "BTC/USDT",
	}
	for in, want := range cases {
		assert.Equal(t, want, Canonical(in), "input %q", in)
	}
}

func TestCanonical_RoundTrip(t *testing.T) {
	inputs := []string{"BTCUSDT", "ETHUSDT:USDT", "HFT-", "FRAG", "DOGE/USDT"}
	for _, in := range inputs {
		once := Canonical(in)
		twice := Canonical(once)
		assert.Equal(t, once, twice, "not idempotent for %q", in)
	}
}

type fakeReader struct {
	costMin, amountMin float64
	haveLimits         bool
	price              float64
	priceErr           error
	normalizeErr       error
}

func (f fakeReader) MarketLimits(symbol string) (float64, float64, bool) {
	return f.costMin, f.amountMin, f.haveLimits
}

func (f fakeReader) ReferencePrice(symbol string) (float64, error) {
	return f.price, f.priceErr
}

func (f fakeReader) NormalizeAmount(symbol string, amount float64) (float64, error) {
	if f.normalizeErr != nil {
		return 0, f.normalizeErr
	}
	return amount, nil
}

func TestAdjustForLimits_NoShrink(t *testing.T) {
	r := fakeReader{haveLimits: true, amountMin: 0.001, costMin: 5, price: 30000}
	got, ok := AdjustForLimits(r, "BTC/USDT", 0.1)
	assert.True(t, ok)
	assert.Equal(t, 0.1, got, "amount well above both minimums must pass through unchanged")
}

func TestAdjustForLimits_LiftsToAmountMin(t *testing.T) {
	r := fakeReader{haveLimits: true, amountMin: 0.01, costMin: 0, price: 30000}
	got, ok := AdjustForLimits(r, "BTC/USDT", 0.001)
	assert.True(t, ok)
	assert.Equal(t, 0.01, got)
}

func TestAdjustForLimits_LiftsToCostMinWithMargin(t *testing.T) {
	r := fakeReader{haveLimits: true, amountMin: 0, costMin: 5, price: 30000}
	got, ok := AdjustForLimits(r, "BTC/USDT", 0.00001)
	assert.True(t, ok)
	want := (5.0 / 30000.0) * 1.01
	assert.InDelta(t, want, got, 1e-12)
}

func TestAdjustForLimits_FailsWithoutLimits(t *testing.T) {
	r := fakeReader{haveLimits: false}
	_, ok := AdjustForLimits(r, "BTC/USDT", 1)
	assert.False(t, ok)
}

func TestAdjustForLimits_FailsOnPriceError(t *testing.T) {
	r := fakeReader{haveLimits: true, price: 0, priceErr: errors.New("no ticker")}
	_, ok := AdjustForLimits(r, "BTC/USDT", 1)
	assert.False(t, ok)
}

func TestAdjustForLimits_Idempotent(t *testing.T) {
	r := fakeReader{haveLimits: true, amountMin: 0.001, costMin: 5, price: 30000}
	once, ok := AdjustForLimits(r, "BTC/USDT", 0.0001)
	assert.True(t, ok)
	twice, ok := AdjustForLimits(r, "BTC/USDT", once)
	assert.True(t, ok)
	assert.Equal(t, once, twice, "second adjustment pass must be a no-op (P1)")
}
