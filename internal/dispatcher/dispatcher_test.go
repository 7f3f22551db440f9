package dispatcher

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copycore/internal/adapter"
	"copycore/internal/connregistry"
	"copycore/internal/model"
)

// fakeAdapter is a fully scriptable adapter.Adapter used to drive the
// dispatcher's handler switch without touching a real exchange.
type fakeAdapter struct {
	positions      []model.Position
	placeOrderErr  error
	placedOrders   []adapter.PlaceOrderRequest
	setLeverageOK  bool
	setLeverageErr error
	cancelErr      error
	price          float64
	costMin        float64
	amountMin      float64
}

func (f *fakeAdapter) Connect(ctx context.Context) error { return nil }
func (f *fakeAdapter) Close(ctx context.Context) error   { return nil }
func (f *fakeAdapter) GetPositions(ctx context.Context, symbols ...string) ([]model.Position, error) {
	return f.positions, nil
}
func (f *fakeAdapter) PlaceOrder(ctx context.Context, req adapter.PlaceOrderRequest) (model.Order, error) {
	f.placedOrders = append(f.placedOrders, req)
	if f.placeOrderErr != nil {
		return model.Order{}, f.placeOrderErr
	}
	return model.Order{
		Symbol: req.Symbol,
		Side:   req.Side,
		Type:   req.Type,
		Amount: req.Amount,
		Filled: req.Amount,
		Status: model.OrderStatusClosed,
	}, nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	return f.cancelErr
}
func (f *fakeAdapter) SetLeverage(ctx context.Context, symbol string, leverage int, mode model.MarginMode) (bool, error) {
	return f.setLeverageOK, f.setLeverageErr
}
func (f *fakeAdapter) GetTotalAccountValueUSDT(ctx context.Context) (float64, error) {
	return 10000, nil
}
func (f *fakeAdapter) GetTicker(ctx context.Context, symbol string) (adapter.Ticker, error) {
	return adapter.Ticker{Last: f.price}, nil
}
func (f *fakeAdapter) NormalizeAmount(symbol string, amount float64) (float64, error) {
	return amount, nil
}
func (f *fakeAdapter) GetMarketInfo(ctx context.Context, symbol string) (model.MarketInfo, error) {
	return model.MarketInfo{Symbol: symbol, Limits: model.MarketInfoLimits{CostMin: f.costMin, AmountMin: f.amountMin}}, nil
}

type fakeReplicator struct {
	calls   int
	summary Summary
}

func (r *fakeReplicator) ReplicateAction(ctx context.Context, leader model.Account, leaderOrder model.Order) Summary {
	r.calls++
	return r.summary
}

func newDispatcherWithLeader(t *testing.T, a adapter.Adapter, replicator Replicator) *Dispatcher {
	t.Helper()
	factories := adapter.NewFactoryRegistry()
	factories.Register("binance", func(acct model.Account) (adapter.Adapter, error) { return a, nil })
	registry := connregistry.New(factories)
	registry.SetLeader(model.Account{UserID: "leader-acct", ExchangeID: "binance", APIKey: "k", APISecret: "s"})
	return New(registry, replicator)
}

func TestExecute_UnsupportedAction(t *testing.T) {
	fa := &fakeAdapter{price: 100}
	d := newDispatcherWithLeader(t, fa, nil)

	res := d.Execute(context.Background(), model.Command{Action: "frobnicate"})
	assert.Equal(t, "failed", res.Status)
	assert.Equal(t, unsupportedCommandMessage, res.Message)
}

func TestExecute_BuyOpensAndReplicates(t *testing.T) {
	fa := &fakeAdapter{price: 100, costMin: 5, amountMin: 0.001, setLeverageOK: true}
	rep := &fakeReplicator{summary: Summary{Total: 2, Successful: 2}}
	d := newDispatcherWithLeader(t, fa, rep)

	res := d.Execute(context.Background(), model.Command{Action: model.ActionBuy, Symbol: "btcusdt", Amount: 1, Leverage: 5})
	require.Equal(t, "success", res.Status)
	require.NotNil(t, res.LeaderOrder)
	assert.Equal(t, "BTC/USDT", res.LeaderOrder.Symbol)
	require.NotNil(t, res.Replication)
	assert.Equal(t, 2, res.Replication.Successful)
	assert.Equal(t, 1, rep.calls)
}

func TestExecute_BuyFailsWhenReferencePriceIsZero(t *testing.T) {
	fa := &fakeAdapter{price: 0, setLeverageOK: true} // zero ticker price -> AdjustForLimits fails
	d := newDispatcherWithLeader(t, fa, nil)

	res := d.Execute(context.Background(), model.Command{Action: model.ActionBuy, Symbol: "btcusdt", Amount: 1})
	assert.Equal(t, "failed", res.Status)
	require.NotNil(t, res.LeaderOrder)
	assert.Equal(t, model.OrderStatusFailed, res.LeaderOrder.Status)
}

func TestExecute_BuyFailsWhenLeverageCannotBeSet(t *testing.T) {
	fa := &fakeAdapter{price: 100, costMin: 5, amountMin: 0.001, setLeverageOK: false}
	d := newDispatcherWithLeader(t, fa, nil)

	res := d.Execute(context.Background(), model.Command{Action: model.ActionBuy, Symbol: "btcusdt", Amount: 1, Leverage: 5})
	assert.Equal(t, "failed", res.Status)
	require.NotNil(t, res.LeaderOrder)
	assert.Equal(t, model.OrderStatusFailed, res.LeaderOrder.Status)
	assert.Empty(t, fa.placedOrders, "no order should be placed when leverage cannot be set")
}

func TestExecute_BuyFailsWhenLeverageZero(t *testing.T) {
	// A zero/omitted leverage must not silently skip SetLeverage and open at
	// whatever leverage was last set on the exchange for this symbol.
	fa := &fakeAdapter{price: 100, costMin: 5, amountMin: 0.001, setLeverageOK: false}
	d := newDispatcherWithLeader(t, fa, nil)

	res := d.Execute(context.Background(), model.Command{Action: model.ActionBuy, Symbol: "btcusdt", Amount: 1})
	assert.Equal(t, "failed", res.Status)
	assert.Empty(t, fa.placedOrders)
}

func TestExecute_ClosePositionNoLivePosition(t *testing.T) {
	fa := &fakeAdapter{positions: nil}
	d := newDispatcherWithLeader(t, fa, nil)

	res := d.Execute(context.Background(), model.Command{Action: model.ActionClosePos, Symbol: "btcusdt"})
	assert.Equal(t, "failed", res.Status)
}

func TestExecute_ClosePositionPlacesReduceOnlyOrder(t *testing.T) {
	fa := &fakeAdapter{positions: []model.Position{{Symbol: "BTC/USDT", Side: model.SideLong, Contracts: 1}}}
	rep := &fakeReplicator{}
	d := newDispatcherWithLeader(t, fa, rep)

	res := d.Execute(context.Background(), model.Command{Action: model.ActionClosePos, Symbol: "btcusdt"})
	require.Equal(t, "success", res.Status)
	require.Len(t, fa.placedOrders, 1)
	assert.True(t, fa.placedOrders[0].ReduceOnly)
	assert.Equal(t, model.SideShort, fa.placedOrders[0].Side)
}

func TestExecute_ScaleOutByPercentage(t *testing.T) {
	fa := &fakeAdapter{
		positions: []model.Position{{Symbol: "BTC/USDT", Side: model.SideLong, Contracts: 2}},
		price:     100, costMin: 5, amountMin: 0.001,
	}
	d := newDispatcherWithLeader(t, fa, nil)

	res := d.Execute(context.Background(), model.Command{Action: model.ActionScaleOut, Symbol: "btcusdt", Percentage: 50})
	require.Equal(t, "success", res.Status)
	require.Len(t, fa.placedOrders, 1)
	assert.True(t, fa.placedOrders[0].ReduceOnly)
	assert.InDelta(t, 1.0, fa.placedOrders[0].Amount, 1e-9)
}

func TestExecute_ScaleOutRejectsAdjustmentExceedingPosition(t *testing.T) {
	// amountMin/costMin force the lift well past the live position size; the
	// dispatcher must fail rather than send the unadjusted, sub-minimum amount.
	fa := &fakeAdapter{
		positions: []model.Position{{Symbol: "BTC/USDT", Side: model.SideLong, Contracts: 0.01}},
		price:     100, costMin: 1000, amountMin: 0,
	}
	d := newDispatcherWithLeader(t, fa, nil)

	res := d.Execute(context.Background(), model.Command{Action: model.ActionScaleOut, Symbol: "btcusdt", Amount: 0.005})
	assert.Equal(t, "failed", res.Status)
	assert.Empty(t, fa.placedOrders)
}

func TestExecute_ScaleOutRejectsInvalidAmount(t *testing.T) {
	fa := &fakeAdapter{positions: []model.Position{{Symbol: "BTC/USDT", Side: model.SideLong, Contracts: 1}}}
	d := newDispatcherWithLeader(t, fa, nil)

	res := d.Execute(context.Background(), model.Command{Action: model.ActionScaleOut, Symbol: "btcusdt"})
	assert.Equal(t, "failed", res.Status)
}

func TestExecute_SetLeverage(t *testing.T) {
	fa := &fakeAdapter{setLeverageOK: true}
	d := newDispatcherWithLeader(t, fa, nil)

	res := d.Execute(context.Background(), model.Command{Action: model.ActionSetLeverage, Symbol: "btcusdt", Leverage: 10})
	assert.Equal(t, "success", res.Status)
}

func TestExecute_CancelRequiresOrderIDAndSymbol(t *testing.T) {
	fa := &fakeAdapter{}
	d := newDispatcherWithLeader(t, fa, nil)

	res := d.Execute(context.Background(), model.Command{Action: model.ActionCancel})
	assert.Equal(t, "failed", res.Status)
}

func TestExecute_CancelSucceeds(t *testing.T) {
	fa := &fakeAdapter{}
	d := newDispatcherWithLeader(t, fa, nil)

	res := d.Execute(context.Background(), model.Command{Action: model.ActionCancel, Symbol: "btcusdt", OrderID: "123"})
	assert.Equal(t, "success", res.Status)
}

func TestExecute_LimitOrderNotReplicated(t *testing.T) {
	fa := &fakeAdapter{price: 100, costMin: 5, amountMin: 0.001, setLeverageOK: true}
	rep := &fakeReplicator{summary: Summary{Total: 1, Successful: 1}}
	d := newDispatcherWithLeader(t, fa, rep)

	res := d.Execute(context.Background(), model.Command{Action: model.ActionBuy, Symbol: "btcusdt", Amount: 1, OrderType: model.OrderTypeLimit, Price: 100})
	require.Equal(t, "success", res.Status)
	assert.Nil(t, res.Replication)
	assert.Equal(t, 0, rep.calls)
}
