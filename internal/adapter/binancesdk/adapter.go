// Package binancesdk implements the adapter.Adapter contract on top of
// github.com/adshao/go-binance/v2/futures's service-builder API, the
// second concrete realization of the adapter contract (spec §4.1) — an
// SDK-backed alternative to package binancefutures's hand-rolled client.
//
// Grounded on the service-builder call pattern (NewCreateOrderService,
// NewChangeLeverageService, NewChangeMarginTypeService,
// NewGetPositionRiskService, NewListBookTickersService,
// NewGetAccountService, futures.UseTestnet) used throughout
// _examples/yohannesjx-sniperterminal/execution_service.go.
package binancesdk

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/adshao/go-binance/v2/futures"

	"copycore/internal/adapter"
	"copycore/internal/model"
)

// Adapter wraps a futures.Client for one account.
type Adapter struct {
	client *futures.Client

	mu        sync.RWMutex
	connected bool

	infoOnce   sync.Once
	infoErr    error
	limits     map[string]model.MarketInfoLimits
	stepSize   map[string]float64
}

// New constructs an Adapter for one account's credentials. testnet flips
// futures.UseTestnet globally, matching the example's one-process-one-mode
// usage.
func New(apiKey, apiSecret string, testnet bool) *Adapter {
	futures.UseTestnet = testnet
	return &Adapter{
		client:   futures.NewClient(apiKey, apiSecret),
		limits:   make(map[string]model.MarketInfoLimits),
		stepSize: make(map[string]float64),
	}
}

// Factory adapts New into an adapter.Factory for the connection registry.
func Factory(testnet bool) adapter.Factory {
	return func(acct model.Account) (adapter.Adapter, error) {
		return New(acct.APIKey, acct.APISecret, testnet), nil
	}
}

func wireSymbol(canonical string) string {
	return strings.ReplaceAll(canonical, "/", "")
}

func canonicalSymbol(wire string) string {
	for _, q := range []string{"USDT", "USDC", "BUSD", "FDUSD", "TUSD", "DAI", "BTC", "ETH"} {
		if strings.HasSuffix(wire, q) && len(wire) > len(q) {
			return wire[:len(wire)-len(q)] + "/" + q
		}
	}
	return wire + "/USDT"
}

func (a *Adapter) Connect(ctx context.Context) error {
	if _, err := a.client.NewGetAccountService().Do(ctx); err != nil {
		return fmt.Errorf("binancesdk connect: %w", err)
	}
	a.mu.Lock()
	a.connected = true
	a.mu.Unlock()
	return nil
}

func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	a.connected = false
	a.mu.Unlock()
	return nil
}

func (a *Adapter) checkConnected() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return adapter.ErrNotConnected
	}
	return nil
}

func (a *Adapter) GetPositions(ctx context.Context, symbols ...string) ([]model.Position, error) {
	if err := a.checkConnected(); err != nil {
		return nil, err
	}
	svc := a.client.NewGetPositionRiskService()
	if len(symbols) == 1 {
		svc = svc.Symbol(wireSymbol(symbols[0]))
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("get position risk: %w", err)
	}

	allowed := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		allowed[wireSymbol(s)] = true
	}

	out := make([]model.Position, 0, len(risks))
	for _, p := range risks {
		if len(symbols) > 0 && !allowed[p.Symbol] {
			continue
		}
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		absAmt := amt
		if absAmt < 0 {
			absAmt = -absAmt
		}
		if absAmt <= adapter.Epsilon {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		lev, _ := strconv.Atoi(p.Leverage)
		side := model.SideLong
		if amt < 0 {
			side = model.SideShort
		}
		out = append(out, model.Position{
			Symbol:        canonicalSymbol(p.Symbol),
			Side:          side,
			Contracts:     absAmt,
			EntryPrice:    entry,
			MarkPrice:     mark,
			Leverage:      lev,
			UnrealizedPnL: pnl,
			ExchangeID:    "binance",
			Raw:           map[string]any{"symbol": p.Symbol},
		})
	}
	return out, nil
}

func (a *Adapter) PlaceOrder(ctx context.Context, req adapter.PlaceOrderRequest) (model.Order, error) {
	if err := a.checkConnected(); err != nil {
		return model.Order{}, err
	}

	orderType := req.Type
	postOnly := false
	if orderType == model.OrderTypePostOnly {
		orderType = model.OrderTypeLimit
		postOnly = true
		if req.Price <= 0 {
			return model.Failed(req.Symbol, req.Side, "post_only order requires a price"), nil
		}
	}

	// A position side is accepted as an order side: long buys, short sells.
	side := futures.SideTypeBuy
	if req.Side == model.SideSell || req.Side == model.SideShort {
		side = futures.SideTypeSell
	}

	svc := a.client.NewCreateOrderService().
		Symbol(wireSymbol(req.Symbol)).
		Side(side).
		Quantity(formatFloat(req.Amount)).
		ReduceOnly(req.ReduceOnly)

	switch orderType {
	case model.OrderTypeLimit:
		tif := futures.TimeInForceTypeGTC
		if postOnly {
			tif = futures.TimeInForceTypeGTX
		}
		svc = svc.Type(futures.OrderTypeLimit).TimeInForce(tif).Price(formatFloat(req.Price))
	case model.OrderTypeStopLimit:
		svc = svc.Type(futures.OrderType("STOP")).TimeInForce(futures.TimeInForceTypeGTC).
			Price(formatFloat(req.Price)).StopPrice(formatFloat(req.StopPrice))
	default:
		svc = svc.Type(futures.OrderTypeMarket)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		// Contract guarantee: business failures never surface as errors.
		return model.Failed(req.Symbol, req.Side, err.Error()), nil
	}

	filled, _ := strconv.ParseFloat(resp.ExecutedQuantity, 64)
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	return model.Order{
		ID:           strconv.FormatInt(resp.OrderID, 10),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         orderType,
		PostOnly:     postOnly,
		Amount:       req.Amount,
		Price:        req.Price,
		Filled:       filled,
		AveragePrice: avg,
		Status:       mapOrderStatus(resp.Status),
		ExchangeID:   "binance",
		ReduceOnly:   req.ReduceOnly,
		Raw: map[string]any{
			"info":   map[string]any{"reduceOnly": req.ReduceOnly},
			"params": map[string]any{"reduceOnly": req.ReduceOnly},
		},
	}, nil
}

func (a *Adapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := a.checkConnected(); err != nil {
		return err
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binancesdk: invalid order id %q: %w", orderID, err)
	}
	_, err = a.client.NewCancelOrderService().Symbol(wireSymbol(symbol)).OrderID(id).Do(ctx)
	return err
}

// marginTypeNoChangeMsg mirrors the -4046 sentinel: the go-binance client
// surfaces exchange errors as plain error strings rather than a typed
// error, so the check is substring-based on the same documented message.
const marginTypeNoChangeMsg = "No need to change margin type"

func (a *Adapter) SetLeverage(ctx context.Context, symbol string, leverage int, mode model.MarginMode) (bool, error) {
	if err := a.checkConnected(); err != nil {
		return false, err
	}

	marginType := futures.MarginTypeIsolated
	if mode == model.MarginCross {
		marginType = futures.MarginTypeCrossed
	}
	err := a.client.NewChangeMarginTypeService().Symbol(wireSymbol(symbol)).MarginType(marginType).Do(ctx)
	if err != nil && !strings.Contains(err.Error(), marginTypeNoChangeMsg) {
		return false, fmt.Errorf("set margin type: %w", err)
	}

	if _, err := a.client.NewChangeLeverageService().Symbol(wireSymbol(symbol)).Leverage(leverage).Do(ctx); err != nil {
		return false, fmt.Errorf("set leverage: %w", err)
	}
	return true, nil
}

func (a *Adapter) GetTotalAccountValueUSDT(ctx context.Context) (float64, error) {
	if err := a.checkConnected(); err != nil {
		return 0, err
	}
	acct, err := a.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("get account: %w", err)
	}
	var total float64
	for _, asset := range acct.Assets {
		if asset.Asset != "USDT" {
			continue
		}
		wb, _ := strconv.ParseFloat(asset.WalletBalance, 64)
		up, _ := strconv.ParseFloat(asset.UnrealizedProfit, 64)
		total = wb + up
	}
	return total, nil
}

func (a *Adapter) GetTicker(ctx context.Context, symbol string) (adapter.Ticker, error) {
	tickers, err := a.client.NewListBookTickersService().Symbol(wireSymbol(symbol)).Do(ctx)
	if err != nil {
		return adapter.Ticker{}, err
	}
	if len(tickers) == 0 {
		return adapter.Ticker{}, errors.New("binancesdk: empty ticker response")
	}
	bid, _ := strconv.ParseFloat(tickers[0].BidPrice, 64)
	ask, _ := strconv.ParseFloat(tickers[0].AskPrice, 64)
	return adapter.Ticker{Last: (bid + ask) / 2}, nil
}

func (a *Adapter) NormalizeAmount(symbol string, amount float64) (float64, error) {
	if err := a.ensureExchangeInfo(context.Background()); err != nil {
		return 0, err
	}
	a.mu.RLock()
	step, ok := a.stepSize[wireSymbol(symbol)]
	a.mu.RUnlock()
	if !ok || step <= 0 {
		return amount, nil
	}
	steps := amount / step
	return float64(int64(steps)) * step, nil
}

func (a *Adapter) GetMarketInfo(ctx context.Context, symbol string) (model.MarketInfo, error) {
	if err := a.ensureExchangeInfo(ctx); err != nil {
		return model.MarketInfo{}, err
	}
	a.mu.RLock()
	limits, ok := a.limits[wireSymbol(symbol)]
	a.mu.RUnlock()
	if !ok {
		return model.MarketInfo{}, fmt.Errorf("binancesdk: unknown symbol %s", symbol)
	}
	return model.MarketInfo{Symbol: symbol, Limits: limits}, nil
}

func (a *Adapter) ensureExchangeInfo(ctx context.Context) error {
	a.infoOnce.Do(func() {
		a.infoErr = a.loadExchangeInfo(ctx)
	})
	return a.infoErr
}

func (a *Adapter) loadExchangeInfo(ctx context.Context) error {
	info, err := a.client.NewExchangeInfoService().Do(ctx)
	if err != nil {
		return fmt.Errorf("exchange info: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range info.Symbols {
		var limits model.MarketInfoLimits
		var step float64
		for _, f := range s.Filters {
			switch f["filterType"] {
			case "LOT_SIZE":
				limits.AmountMin, _ = strconv.ParseFloat(fmt.Sprint(f["minQty"]), 64)
				step, _ = strconv.ParseFloat(fmt.Sprint(f["stepSize"]), 64)
			case "MIN_NOTIONAL", "NOTIONAL":
				if v, ok := f["notional"]; ok {
					limits.CostMin, _ = strconv.ParseFloat(fmt.Sprint(v), 64)
				} else if v, ok := f["minNotional"]; ok {
					limits.CostMin, _ = strconv.ParseFloat(fmt.Sprint(v), 64)
				}
			}
		}
		a.limits[s.Symbol] = limits
		a.stepSize[s.Symbol] = step
	}
	return nil
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func mapOrderStatus(s futures.OrderStatusType) model.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew, futures.OrderStatusTypePartiallyFilled:
		return model.OrderStatusOpen
	case futures.OrderStatusTypeFilled:
		return model.OrderStatusClosed
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return model.OrderStatusCanceled
	case futures.OrderStatusTypeRejected:
		return model.OrderStatusFailed
	default:
		return model.OrderStatusUnknown
	}
}
