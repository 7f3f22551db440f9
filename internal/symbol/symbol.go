// Package symbol canonicalizes exchange symbols and adjusts order amounts
// against an exchange's tradability limits. Ported from the quote-currency
// detection and lot/cost-minimum lift of the original Python copy trader
// (exchange/utils/helpers.py, exchange/utils/calculator.py), kept here as
// standalone functions since neither depends on an adapter.
package symbol

import (
	"strings"
)

// quoteCurrencies is tried in order; the enumerated order suffices because
// no supported pair collides against an earlier entry.
var quoteCurrencies = []string{"USDT", "USDC", "BUSD", "FDUSD", "TUSD", "DAI", "TRY", "BTC", "ETH"}

// defaultQuote is appended when only a base symbol is supplied.
const defaultQuote = "USDT"

// Canonical converts a raw exchange symbol into BASE/QUOTE upper case,
// stripping venue suffixes such as ":USDT" or a trailing "-".
//
// canonical(canonical(x)) == canonical(x) for all x (P6).
func Canonical(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if s == "" {
		return s
	}

	// Already in BASE/QUOTE form.
	if idx := strings.Index(s, "/"); idx >= 0 {
		base := s[:idx]
		rest := s[idx+1:]
		// Strip a venue suffix from the quote side, e.g. "USDT:USDT".
		if c := strings.IndexByte(rest, ':'); c >= 0 {
			rest = rest[:c]
		}
		return base + "/" + rest
	}

	// Strip a venue suffix like ":USDT" before quote detection.
	if c := strings.IndexByte(s, ':'); c >= 0 {
		s = s[:c]
	}
	// Strip a trailing dash, e.g. "HFT-".
	s = strings.TrimSuffix(s, "-")

	for _, q := range quoteCurrencies {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			base := s[:len(s)-len(q)]
			return base + "/" + q
		}
	}

	// Bare base symbol: default to /USDT.
	return s + "/" + defaultQuote
}

// AmountReader is the minimal capability the limit-adjustment algorithm
// needs from an adapter: a market's limits, a live reference price, and
// the exchange's own rounding/step normalization.
type AmountReader interface {
	MarketLimits(symbol string) (costMin, amountMin float64, ok bool)
	ReferencePrice(symbol string) (float64, error)
	NormalizeAmount(symbol string, amount float64) (float64, error)
}

// liftMargin is the multiplicative buffer applied when lifting an amount
// to satisfy a cost minimum. The open-position path (here) uses 1%; the
// proportional-sizing path (package calculator) uses 5%, since a
// proportionally-sized amount is further from the boundary to begin with
// and benefits from a larger cushion against price drift before the order
// lands.
const liftMargin = 1.01

// AdjustForLimits lifts amount up to satisfy an exchange's minimum lot size
// and minimum notional cost, then normalizes through the adapter. Returns
// ok=false if market limits or a reference price cannot be read, or if
// normalization fails or yields a non-positive amount.
func AdjustForLimits(r AmountReader, symbol string, amount float64) (float64, bool) {
	costMin, amountMin, ok := r.MarketLimits(symbol)
	if !ok {
		return 0, false
	}
	price, err := r.ReferencePrice(symbol)
	if err != nil || price <= 0 {
		return 0, false
	}

	effective := amount
	if amountMin > 0 && effective < amountMin {
		effective = amountMin
	}
	if costMin > 0 && effective*price < costMin {
		effective = (costMin / price) * liftMargin
	}

	normalized, err := r.NormalizeAmount(symbol, effective)
	if err != nil || normalized <= 0 {
		return 0, false
	}
	return normalized, true
}
