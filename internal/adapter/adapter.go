// Package adapter defines the uniform capability surface that abstracts a
// single authenticated exchange account (the "adapter contract"), plus the
// closed factory registry used to construct adapters by exchange id.
//
// Grounded on the abstract base class in
// _examples/original_source/interfaces/exchange_adapter_interface.py and
// on the narrower Gateway interface in
// _examples/monjeychiang-DES-V2/.../pkg/exchanges/common/gateway.go —
// generalized here to the full ten-operation contract the spec requires.
package adapter

import (
	"context"
	"errors"

	"copycore/internal/model"
)

// ErrNotConnected is returned by the account methods (GetPositions,
// PlaceOrder, CancelOrder, SetLeverage, GetTotalAccountValueUSDT) when
// invoked before Connect or after Close. The Binance adapters do not check
// the connection state in GetTicker, NormalizeAmount or GetMarketInfo.
var ErrNotConnected = errors.New("adapter: not connected")

// Adapter abstracts one authenticated exchange account.
type Adapter interface {
	Connect(ctx context.Context) error
	Close(ctx context.Context) error

	// GetPositions returns only positions with |Contracts| > Epsilon,
	// mapped into canonical Position values. symbols, if non-empty,
	// restricts the result to those symbols.
	GetPositions(ctx context.Context, symbols ...string) ([]model.Position, error)

	// PlaceOrder never returns an error for business failures (bad lot
	// size, insufficient margin, ...); those come back as
	// model.Order{Status: OrderStatusFailed}. It may return an error only
	// for connectivity failures.
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (model.Order, error)

	CancelOrder(ctx context.Context, symbol, orderID string) error

	// SetLeverage returns true on success and also on the exchange's
	// idempotent "already set" sentinel condition.
	SetLeverage(ctx context.Context, symbol string, leverage int, mode model.MarginMode) (bool, error)

	GetTotalAccountValueUSDT(ctx context.Context) (float64, error)

	GetTicker(ctx context.Context, symbol string) (Ticker, error)

	// NormalizeAmount rounds down (or applies the exchange step) to a
	// value guaranteed to be placeable.
	NormalizeAmount(symbol string, amount float64) (float64, error)

	GetMarketInfo(ctx context.Context, symbol string) (model.MarketInfo, error)
}

// Epsilon is the minimum absolute contract count treated as "has a
// position"; exactly 1e-9 per the adapter contract guarantee.
const Epsilon = 1e-9

// PlaceOrderRequest is the adapter-facing order placement request.
type PlaceOrderRequest struct {
	Symbol     string
	Type       model.OrderType
	Side       model.Side // buy/sell; long is placed as a buy, short as a sell
	Amount     float64
	Price      float64 // required when Type resolves to limit/post_only
	StopPrice  float64
	ReduceOnly bool
	Params     map[string]any
}

// Ticker is the minimal price view the calculator and limit-adjustment
// logic need.
type Ticker struct {
	Last      float64
	MarkPrice float64
}

// LastOrMark returns Last if positive, else MarkPrice. Mirrors "ticker
// last, falling back to markPrice" from the adjustment algorithm (§4.3).
func (t Ticker) LastOrMark() float64 {
	if t.Last > 0 {
		return t.Last
	}
	return t.MarkPrice
}

// AmountReaderFor adapts an Adapter, bound to a context, into the narrower
// symbol.AmountReader interface used by the limit-adjustment algorithm.
type AmountReaderFor struct {
	Ctx context.Context
	A   Adapter
}

func (r AmountReaderFor) MarketLimits(symbol string) (float64, float64, bool) {
	info, err := r.A.GetMarketInfo(r.Ctx, symbol)
	if err != nil {
		return 0, 0, false
	}
	return info.Limits.CostMin, info.Limits.AmountMin, true
}

func (r AmountReaderFor) ReferencePrice(symbol string) (float64, error) {
	t, err := r.A.GetTicker(r.Ctx, symbol)
	if err != nil {
		return 0, err
	}
	return t.LastOrMark(), nil
}

func (r AmountReaderFor) NormalizeAmount(symbol string, amount float64) (float64, error) {
	return r.A.NormalizeAmount(symbol, amount)
}
