package connregistry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"copycore/internal/adapter"
	"copycore/internal/model"
)

// fakeAdapter counts Connect/Close calls so tests can assert the registry
// builds and closes at most once per cached descriptor.
type fakeAdapter struct {
	id         string
	connects   *int32
	closes     *int32
	connectErr error
}

func (f fakeAdapter) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	atomic.AddInt32(f.connects, 1)
	return nil
}
func (f fakeAdapter) Close(ctx context.Context) error {
	atomic.AddInt32(f.closes, 1)
	return nil
}
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
func (f fakeAdapter) GetTotalAccountValueUSDT(ctx context.Context) (float64, error) { return 1000, nil }
func (f fakeAdapter) GetTicker(ctx context.Context, symbol string) (adapter.Ticker, error) {
	return adapter.Ticker{}, nil
}
func (f fakeAdapter) NormalizeAmount(symbol string, amount float64) (float64, error) {
	return amount, nil
}
func (f fakeAdapter) GetMarketInfo(ctx context.Context, symbol string) (model.MarketInfo, error) {
	return model.MarketInfo{}, nil
}

func newFactories(connects, closes *int32, connectErr error) *adapter.FactoryRegistry {
	factories := adapter.NewFactoryRegistry()
	factories.Register("binance", func(acct model.Account) (adapter.Adapter, error) {
		return &fakeAdapter{id: acct.UserID, connects: connects, closes: closes, connectErr: connectErr}, nil
	})
	return factories
}

func TestGetAdapter_CachesByUserAndExchange(t *testing.T) {
	var connects, closes int32
	r := New(newFactories(&connects, &closes, nil))

	acct := model.Account{UserID: "u1", ExchangeID: "binance", APIKey: "k", APISecret: "s"}
	a1, err := r.GetAdapter(context.Background(), acct)
	require.NoError(t, err)
	a2, err := r.GetAdapter(context.Background(), acct)
	require.NoError(t, err)

	assert.Same(t, a1, a2, "second call should return the cached adapter")
	assert.EqualValues(t, 1, atomic.LoadInt32(&connects), "Connect should run once")
}

func TestGetAdapter_RejectsIncompleteFollowerDescriptor(t *testing.T) {
	var connects, closes int32
	r := New(newFactories(&connects, &closes, nil))

	_, err := r.GetAdapter(context.Background(), model.Account{UserID: "u1", ExchangeID: "binance"})
	assert.Error(t, err)
}

func TestGetAdapter_LeaderTokenResolvesStoredDescriptor(t *testing.T) {
	var connects, closes int32
	r := New(newFactories(&connects, &closes, nil))
	r.SetLeader(model.Account{UserID: "whatever", ExchangeID: "binance", APIKey: "k", APISecret: "s"})

	a, err := r.GetAdapter(context.Background(), model.Account{UserID: model.LeaderUserID})
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestGetAdapter_LeaderTokenErrorsWhenUnset(t *testing.T) {
	var connects, closes int32
	r := New(newFactories(&connects, &closes, nil))

	_, err := r.GetAdapter(context.Background(), model.Account{UserID: model.LeaderUserID})
	assert.Error(t, err)
}

func TestSetLeader_InvalidDescriptorClearsSlot(t *testing.T) {
	var connects, closes int32
	r := New(newFactories(&connects, &closes, nil))
	r.SetLeader(model.Account{UserID: "x", ExchangeID: "binance", APIKey: "k", APISecret: "s"})
	r.SetLeader(model.Account{UserID: "x", ExchangeID: "binance"}) // missing credentials

	_, err := r.GetAdapter(context.Background(), model.Account{UserID: model.LeaderUserID})
	assert.Error(t, err)
}

func TestGetAdapter_ConnectFailureNotCached(t *testing.T) {
	var connects, closes int32
	r := New(newFactories(&connects, &closes, errors.New("boom")))

	acct := model.Account{UserID: "u1", ExchangeID: "binance", APIKey: "k", APISecret: "s"}
	_, err := r.GetAdapter(context.Background(), acct)
	require.Error(t, err)

	r.mu.RLock()
	_, cached := r.entries[cacheKey("u1", "binance")]
	r.mu.RUnlock()
	assert.False(t, cached)
}

func TestGetAdapter_UnsupportedExchange(t *testing.T) {
	factories := adapter.NewFactoryRegistry()
	r := New(factories)

	_, err := r.GetAdapter(context.Background(), model.Account{UserID: "u1", ExchangeID: "kraken", APIKey: "k", APISecret: "s"})
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.ErrUnsupportedExchange)
}

func TestCloseAll_ClosesEveryEntryAndClearsRegistry(t *testing.T) {
	var connects, closes int32
	r := New(newFactories(&connects, &closes, nil))

	_, err := r.GetAdapter(context.Background(), model.Account{UserID: "u1", ExchangeID: "binance", APIKey: "k", APISecret: "s"})
	require.NoError(t, err)
	_, err = r.GetAdapter(context.Background(), model.Account{UserID: "u2", ExchangeID: "binance", APIKey: "k", APISecret: "s"})
	require.NoError(t, err)

	r.CloseAll(context.Background())

	assert.EqualValues(t, 2, atomic.LoadInt32(&closes))
	assert.Empty(t, r.entries)
}
