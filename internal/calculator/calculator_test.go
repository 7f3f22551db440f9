package calculator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copycore/internal/adapter"
	"copycore/internal/model"
)

type fakeAdapter struct {
	costMin, amountMin float64
	price              float64
	normalizeIdentity  bool
}

func (f fakeAdapter) Connect(ctx context.Context) error { return nil }
func (f fakeAdapter) Close(ctx context.Context) error   { return nil }
func (f fakeAdapter) GetPositions(ctx context.Context, symbols ...string) ([]model.Position, error) {
	return nil, nil
}
func (f fakeAdapter) PlaceOrder(ctx context.Context, req adapter.PlaceOrderRequest) (model.Order, error) {
	return model.Order{}, nil
}
func (f fakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (f fakeAdapter) SetLeverage(ctx context.Context, symbol string, leverage int, mode model.MarginMode) (bool, error) {
	return true, nil
}
func (f fakeAdapter) GetTotalAccountValueUSDT(ctx context.Context) (float64, error) { return 0, nil }
func (f fakeAdapter) GetTicker(ctx context.Context, symbol string) (adapter.Ticker, error) {
	return adapter.Ticker{Last: f.price}, nil
}
func (f fakeAdapter) NormalizeAmount(symbol string, amount float64) (float64, error) {
	return amount, nil
}
func (f fakeAdapter) GetMarketInfo(ctx context.Context, symbol string) (model.MarketInfo, error) {
	return model.MarketInfo{Symbol: symbol, Limits: model.MarketInfoLimits{CostMin: f.costMin, AmountMin: f.amountMin}}, nil
}

// Scenario 1: proportional open, no lift, no elevation.
func TestCalculate_ProportionalOpen(t *testing.T) {
	fa := fakeAdapter{costMin: 5, amountMin: 0.001, price: 30000}
	leaderPos := model.Position{Symbol: "BTC/USDT", Contracts: 1, EntryPrice: 30000}
	res, ok := Calculate(context.Background(), fa, leaderPos, 1000, 10000, 5)
	require.True(t, ok)
	assert.InDelta(t, 0.1, res.Amount, 1e-9)
	assert.Equal(t, 5, res.Leverage)
}

// Scenario 2: min-cost lift, no elevation needed.
func TestCalculate_MinCostLiftNoElevation(t *testing.T) {
	fa := fakeAdapter{costMin: 5, amountMin: 0.0001, price: 30000}
	leaderPos := model.Position{Symbol: "BTC/USDT", Contracts: 0.01, EntryPrice: 30000}
	res, ok := Calculate(context.Background(), fa, leaderPos, 50, 100000, 3)
	require.True(t, ok)
	wantAmount := (5.0 / 30000.0) * 1.05
	assert.InDelta(t, wantAmount, res.Amount, 1e-9)
	assert.Equal(t, 3, res.Leverage)
}

// Scenario 3 (first variant): lift by cost.min=5, no elevation.
func TestCalculate_NotionalRatioNoElevation(t *testing.T) {
	fa := fakeAdapter{costMin: 5, amountMin: 0, price: 100}
	// Leader notional 200 at leverage 2 => ratio r = (200/2)/10000 = 0.01... use explicit numbers from spec narrative.
	leaderPos := model.Position{Symbol: "X/USDT", Contracts: 2, EntryPrice: 100} // notional 200
	res, ok := Calculate(context.Background(), fa, leaderPos, 20, 10000, 2)
	require.True(t, ok)
	assert.Equal(t, 2, res.Leverage)
	assert.InDelta(t, 0.0525, res.Amount, 1e-6) // lifted amount*price = 5.25 => amount = 0.0525
}

// Scenario 3 (second variant): lift by cost.min=50, requires elevation.
func TestCalculate_ElevationRequired(t *testing.T) {
	fa := fakeAdapter{costMin: 50, amountMin: 0, price: 100}
	leaderPos := model.Position{Symbol: "X/USDT", Contracts: 2, EntryPrice: 100}
	res, ok := Calculate(context.Background(), fa, leaderPos, 20, 10000, 2)
	require.True(t, ok)
	assert.Equal(t, 4, res.Leverage)
	finalMargin := res.Amount * 100 / float64(res.Leverage)
	assert.LessOrEqual(t, finalMargin, 18.0)
}

// P3/P4: every successful output respects the budget and leverage bound.
func TestCalculate_BudgetAndLeverageBoundsHold(t *testing.T) {
	fa := fakeAdapter{costMin: 5, amountMin: 0.0001, price: 30000}
	leaderPos := model.Position{Symbol: "BTC/USDT", Contracts: 0.01, EntryPrice: 30000}
	res, ok := Calculate(context.Background(), fa, leaderPos, 50, 100000, 3)
	require.True(t, ok)
	assert.GreaterOrEqual(t, res.Leverage, 1)
	assert.LessOrEqual(t, res.Leverage, FollowerMaxLeverage)
	assert.LessOrEqual(t, res.Amount*30000/float64(res.Leverage), 0.90*50)
}

func TestCalculate_RejectsOnLowEquity(t *testing.T) {
	fa := fakeAdapter{costMin: 5, amountMin: 0.001, price: 30000}
	leaderPos := model.Position{Symbol: "BTC/USDT", Contracts: 1, EntryPrice: 30000}
	_, ok := Calculate(context.Background(), fa, leaderPos, 0.5, 10000, 5)
	assert.False(t, ok)
}

func TestCalculate_RejectsWhenElevationExceedsMax(t *testing.T) {
	fa := fakeAdapter{costMin: 100000, amountMin: 0, price: 100}
	leaderPos := model.Position{Symbol: "X/USDT", Contracts: 2, EntryPrice: 100}
	_, ok := Calculate(context.Background(), fa, leaderPos, 2, 10000, 2)
	assert.False(t, ok)
}
