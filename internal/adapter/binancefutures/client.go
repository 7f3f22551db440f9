// Package binancefutures is a hand-rolled, HMAC-signed REST adapter for
// Binance USDT-M futures, implementing the adapter.Adapter contract.
//
// Grounded line-for-line on the signing, request and account/position
// plumbing of
// _examples/monjeychiang-DES-V2/.../pkg/exchanges/binance/futures_usdt/client.go
// (query-string HMAC-SHA256 signing, X-MBX-APIKEY header), and on the
// -4046 idempotent margin-type sentinel and post_only rewrite documented in
// _examples/original_source/adapters/binance_adapter.py. The client does
// not read Binance's request-weight headers and does not throttle requests.
package binancefutures

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"copycore/internal/adapter"
	"copycore/internal/model"
)

// Config holds the credentials and venue selection for one account.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64 // ms
}

// Client is a single Binance USDT-M futures account connection.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	connected bool

	exchangeInfoOnce sync.Once
	symbolLimits     map[string]model.MarketInfoLimits
	symbolStep       map[string]float64
	exchangeInfoErr  error
}

// New constructs a client for one account's credentials.
func New(cfg Config) *Client {
	base := "https://fapi.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binancefuture.com"
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	return &Client{
		cfg:          cfg,
		baseURL:      base,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		symbolLimits: make(map[string]model.MarketInfoLimits),
		symbolStep:   make(map[string]float64),
	}
}

// Factory adapts New into an adapter.Factory for the connection registry.
func Factory(testnet bool) adapter.Factory {
	return func(acct model.Account) (adapter.Adapter, error) {
		return New(Config{APIKey: acct.APIKey, APISecret: acct.APISecret, Testnet: testnet}), nil
	}
}

func (c *Client) Connect(ctx context.Context) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("binancefutures: API key/secret required")
	}
	if _, err := c.GetAccountInfo(ctx); err != nil {
		return fmt.Errorf("binancefutures connect: %w", err)
	}
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return nil
}

func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	return nil
}

func (c *Client) checkConnected() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.connected {
		return adapter.ErrNotConnected
	}
	return nil
}

// toBinanceSymbol strips the canonical "/" for wire format, e.g.
// "BTC/USDT" -> "BTCUSDT".
func toBinanceSymbol(canonical string) string {
	return strings.ReplaceAll(canonical, "/", "")
}

func (c *Client) GetPositions(ctx context.Context, symbols ...string) ([]model.Position, error) {
	if err := c.checkConnected(); err != nil {
		return nil, err
	}
	params := url.Values{}
	if len(symbols) == 1 {
		params.Set("symbol", toBinanceSymbol(symbols[0]))
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/positionRisk", params)
	if err != nil {
		return nil, err
	}
	var raw []positionRisk
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode positions: %w", err)
	}

	allowed := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		allowed[toBinanceSymbol(s)] = true
	}

	out := make([]model.Position, 0, len(raw))
	for _, p := range raw {
		if len(symbols) > 0 && !allowed[p.Symbol] {
			continue
		}
		amt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if amt < 0 {
			amt = -amt
		}
		if amt <= adapter.Epsilon {
			continue
		}
		entry, _ := strconv.ParseFloat(p.EntryPrice, 64)
		mark, _ := strconv.ParseFloat(p.MarkPrice, 64)
		pnl, _ := strconv.ParseFloat(p.UnRealizedProfit, 64)
		lev, _ := strconv.Atoi(p.Leverage)
		side := model.SideLong
		rawAmt, _ := strconv.ParseFloat(p.PositionAmt, 64)
		if rawAmt < 0 {
			side = model.SideShort
		}
		out = append(out, model.Position{
			Symbol:        canonicalFromBinance(p.Symbol),
			Side:          side,
			Contracts:     amt,
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

// canonicalFromBinance converts "BTCUSDT" -> "BTC/USDT" using the same
// quote-detection rule as package symbol, duplicated here in miniature to
// avoid this low-level client depending on the symbol package.
func canonicalFromBinance(s string) string {
	for _, q := range []string{"USDT", "USDC", "BUSD", "FDUSD", "TUSD", "DAI", "TRY", "BTC", "ETH"} {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)] + "/" + q
		}
	}
	return s + "/USDT"
}

func (c *Client) PlaceOrder(ctx context.Context, req adapter.PlaceOrderRequest) (model.Order, error) {
	if err := c.checkConnected(); err != nil {
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

	params := url.Values{}
	wireSymbol := toBinanceSymbol(req.Symbol)
	params.Set("symbol", wireSymbol)
	// A position side is accepted as an order side: long buys, short sells.
	wireSide := "BUY"
	if req.Side == model.SideSell || req.Side == model.SideShort {
		wireSide = "SELL"
	}
	params.Set("side", wireSide)
	params.Set("type", binanceOrderType(orderType))
	params.Set("quantity", formatFloat(req.Amount))
	if orderType == model.OrderTypeLimit || orderType == model.OrderTypeStopLimit {
		params.Set("price", formatFloat(req.Price))
		if postOnly {
			params.Set("timeInForce", "GTX")
		} else {
			params.Set("timeInForce", "GTC")
		}
	}
	if orderType == model.OrderTypeStopLimit {
		params.Set("stopPrice", formatFloat(req.StopPrice))
	}
	if req.ReduceOnly {
		params.Set("reduceOnly", "true")
	}

	body, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/order", params)
	if err != nil {
		// Business rejection surfaces as a failed order, never as an error
		// (contract guarantee); only a connectivity-layer error reaches here
		// unparsed, so still wrap it as a failed order rather than bubbling
		// a raw transport error through the dispatcher.
		return model.Failed(req.Symbol, req.Side, err.Error()), nil
	}

	var resp orderResp
	if err := json.Unmarshal(body, &resp); err != nil {
		return model.Failed(req.Symbol, req.Side, fmt.Sprintf("decode order response: %v", err)), nil
	}

	filled, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	avg, _ := strconv.ParseFloat(resp.AvgPrice, 64)
	return model.Order{
		ID:           fmt.Sprintf("%d", resp.OrderID),
		Symbol:       req.Symbol,
		Side:         req.Side,
		Type:         orderType,
		PostOnly:     postOnly,
		Amount:       req.Amount,
		Price:        req.Price,
		Filled:       filled,
		AveragePrice: avg,
		Status:       mapOrderStatus(resp.Status),
		TimestampMs:  time.Now().UnixMilli(),
		ExchangeID:   "binance",
		ReduceOnly:   req.ReduceOnly,
		Raw: map[string]any{
			"info":   map[string]any{"reduceOnly": req.ReduceOnly},
			"params": map[string]any{"reduceOnly": req.ReduceOnly},
		},
	}, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if err := c.checkConnected(); err != nil {
		return err
	}
	params := url.Values{}
	params.Set("symbol", toBinanceSymbol(symbol))
	params.Set("orderId", orderID)
	_, err := c.doSigned(ctx, http.MethodDelete, "/fapi/v1/order", params)
	return err
}

// marginTypeNoChangeCode is Binance's idempotent "already at requested
// margin mode" sentinel.
const marginTypeNoChangeCode = -4046

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage int, mode model.MarginMode) (bool, error) {
	if err := c.checkConnected(); err != nil {
		return false, err
	}

	marginParams := url.Values{}
	marginParams.Set("symbol", toBinanceSymbol(symbol))
	marginParams.Set("marginType", strings.ToUpper(string(mode)))
	if _, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/marginType", marginParams); err != nil {
		var apiErr *apiError
		if !errors.As(err, &apiErr) || apiErr.Code != marginTypeNoChangeCode {
			return false, fmt.Errorf("set margin type: %w", err)
		}
		// Idempotent no-op: fall through and still set leverage.
	}

	levParams := url.Values{}
	levParams.Set("symbol", toBinanceSymbol(symbol))
	levParams.Set("leverage", strconv.Itoa(leverage))
	if _, err := c.doSigned(ctx, http.MethodPost, "/fapi/v1/leverage", levParams); err != nil {
		return false, fmt.Errorf("set leverage: %w", err)
	}
	return true, nil
}

func (c *Client) GetTotalAccountValueUSDT(ctx context.Context) (float64, error) {
	if err := c.checkConnected(); err != nil {
		return 0, err
	}
	info, err := c.GetAccountInfo(ctx)
	if err != nil {
		return 0, err
	}
	var total float64
	for _, a := range info.Assets {
		if a.Asset != "USDT" {
			continue
		}
		wb, _ := strconv.ParseFloat(a.WalletBalance, 64)
		up, _ := strconv.ParseFloat(a.UnrealizedProfit, 64)
		total = wb + up
	}
	return total, nil
}

func (c *Client) GetTicker(ctx context.Context, symbol string) (adapter.Ticker, error) {
	wireSymbol := toBinanceSymbol(symbol)
	resp, err := c.httpClient.Get(c.baseURL + "/fapi/v1/ticker/price?symbol=" + wireSymbol)
	if err != nil {
		return adapter.Ticker{}, err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return adapter.Ticker{}, fmt.Errorf("ticker status %d: %s", resp.StatusCode, string(body))
	}
	var out struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return adapter.Ticker{}, err
	}
	last, _ := strconv.ParseFloat(out.Price, 64)
	return adapter.Ticker{Last: last}, nil
}

func (c *Client) NormalizeAmount(symbol string, amount float64) (float64, error) {
	if err := c.ensureExchangeInfo(context.Background()); err != nil {
		return 0, err
	}
	c.mu.RLock()
	step, ok := c.symbolStep[toBinanceSymbol(symbol)]
	c.mu.RUnlock()
	if !ok || step <= 0 {
		return amount, nil
	}
	steps := amount / step
	rounded := float64(int64(steps)) * step
	return rounded, nil
}

func (c *Client) GetMarketInfo(ctx context.Context, symbol string) (model.MarketInfo, error) {
	if err := c.ensureExchangeInfo(ctx); err != nil {
		return model.MarketInfo{}, err
	}
	c.mu.RLock()
	limits, ok := c.symbolLimits[toBinanceSymbol(symbol)]
	c.mu.RUnlock()
	if !ok {
		return model.MarketInfo{}, fmt.Errorf("binancefutures: unknown symbol %s", symbol)
	}
	return model.MarketInfo{Symbol: symbol, Limits: limits}, nil
}

func (c *Client) ensureExchangeInfo(ctx context.Context) error {
	c.exchangeInfoOnce.Do(func() {
		c.exchangeInfoErr = c.loadExchangeInfo(ctx)
	})
	return c.exchangeInfoErr
}

func (c *Client) loadExchangeInfo(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("exchangeInfo status %d: %s", resp.StatusCode, string(body))
	}

	var info exchangeInfoResp
	if err := json.Unmarshal(body, &info); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range info.Symbols {
		limits := model.MarketInfoLimits{}
		var step float64
		for _, f := range s.Filters {
			switch f.FilterType {
			case "LOT_SIZE":
				limits.AmountMin, _ = strconv.ParseFloat(f.MinQty, 64)
				step, _ = strconv.ParseFloat(f.StepSize, 64)
			case "MIN_NOTIONAL", "NOTIONAL":
				limits.CostMin, _ = strconv.ParseFloat(f.Notional, 64)
				if limits.CostMin == 0 {
					limits.CostMin, _ = strconv.ParseFloat(f.MinNotional, 64)
				}
			}
		}
		c.symbolLimits[s.Symbol] = limits
		c.symbolStep[s.Symbol] = step
	}
	return nil
}

// GetAccountInfo returns futures account balances and flags.
func (c *Client) GetAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/fapi/v2/account", url.Values{})
	if err != nil {
		return nil, err
	}
	var info FuturesAccountInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode account info: %w", err)
	}
	return &info, nil
}

func (c *Client) now() int64 {
	return time.Now().UnixMilli()
}

// doSigned handles HMAC-SHA256 query-string signing and dispatch.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return nil, errors.New("binancefutures: API key/secret required")
	}
	params.Set("timestamp", strconv.FormatInt(c.now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	endpoint := c.baseURL + path
	encoded := params.Encode()
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		var apiErr apiError
		if jsonErr := json.Unmarshal(body, &apiErr); jsonErr == nil && apiErr.Code != 0 {
			return nil, &apiErr
		}
		return nil, fmt.Errorf("binancefutures %s %s status %d: %s", method, path, res.StatusCode, string(body))
	}
	return body, nil
}

func sign(data, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func binanceOrderType(t model.OrderType) string {
	switch t {
	case model.OrderTypeLimit:
		return "LIMIT"
	case model.OrderTypeStopLimit:
		return "STOP"
	default:
		return "MARKET"
	}
}

func mapOrderStatus(s string) model.OrderStatus {
	switch s {
	case "NEW", "PARTIALLY_FILLED":
		return model.OrderStatusOpen
	case "FILLED":
		return model.OrderStatusClosed
	case "CANCELED", "EXPIRED":
		return model.OrderStatusCanceled
	case "REJECTED":
		return model.OrderStatusFailed
	default:
		return model.OrderStatusUnknown
	}
}

// apiError is a Binance error body: {"code": -4046, "msg": "No need to
// change margin type."}
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("binance error %d: %s", e.Code, e.Msg)
}

type positionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

type orderResp struct {
	OrderID     int64  `json:"orderId"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
}

type FuturesAccountInfo struct {
	Assets []struct {
		Asset            string `json:"asset"`
		WalletBalance    string `json:"walletBalance"`
		UnrealizedProfit string `json:"unrealizedProfit"`
	} `json:"assets"`
}

type exchangeInfoResp struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			MinQty      string `json:"minQty"`
			StepSize    string `json:"stepSize"`
			Notional    string `json:"notional"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}
