// Package spot is the Binance spot REST client behind common.ExchangeClient.
package spot

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

	"github.com/google/uuid"
	"go.uber.org/zap"

	"multi-trader/pkg/exchanges/common"
)

// Binance error code for "Order does not exist".
const codeUnknownOrder = -2013

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // overrides the production/testnet host (tests)
}

// Client is a Binance spot trading client.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	usage      *common.UsageTracker
	logger     *zap.Logger

	filtersMu sync.RWMutex
	filters   map[string]common.SymbolFilters
}

var _ common.ExchangeClient = (*Client)(nil)

// APIError is a non-2xx response from Binance.
type APIError struct {
	Status int
	Code   int    `json:"code"`
	Msg    string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance status %d code %d: %s", e.Status, e.Code, e.Msg)
}

func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		filters:    make(map[string]common.SymbolFilters),
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime, logger)
	// 6000 weight/min for spot request weight.
	c.usage = common.NewUsageTracker(6000, time.Minute, logger)
	return c
}

// Usage reports the last exchange-reported weight usage.
func (c *Client) Usage() (used, limit int) { return c.usage.Usage() }

func (c *Client) requireKeys() error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("binance: API key/secret required")
	}
	return nil
}

// doSigned adds timestamp/recvWindow, signs the query and performs the request.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	if err := c.requireKeys(); err != nil {
		return nil, err
	}
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(ctx), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		// For GET/DELETE Binance expects signed params in query string.
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		// For POST we can send as form body.
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req)
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values) ([]byte, error) {
	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	c.usage.Observe(res.Header.Get("X-MBX-USED-WEIGHT-1M"))

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		apiErr := &APIError{Status: res.StatusCode}
		if json.Unmarshal(body, apiErr) != nil || apiErr.Msg == "" {
			apiErr.Msg = string(body)
		}
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, apiErr)
	}
	return body, nil
}

// GetServerTime fetches server time (ms).
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

// GetPrice returns the last traded price.
func (c *Client) GetPrice(ctx context.Context, symbol string) (float64, error) {
	body, err := c.doPublic(ctx, "/api/v3/ticker/price", url.Values{"symbol": {symbol}})
	if err != nil {
		return 0, err
	}
	var res struct {
		Price string `json:"price"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode ticker: %w", err)
	}
	return parseFloat(res.Price), nil
}

// GetSymbolFilters returns LOT_SIZE / PRICE_FILTER / (MIN_)NOTIONAL rules,
// cached per symbol for the client lifetime.
func (c *Client) GetSymbolFilters(ctx context.Context, symbol string) (common.SymbolFilters, error) {
	c.filtersMu.RLock()
	f, ok := c.filters[symbol]
	c.filtersMu.RUnlock()
	if ok {
		return f, nil
	}

	body, err := c.doPublic(ctx, "/api/v3/exchangeInfo", url.Values{"symbol": {symbol}})
	if err != nil {
		return common.SymbolFilters{}, err
	}
	var info struct {
		Symbols []struct {
			Symbol  string `json:"symbol"`
			Filters []struct {
				FilterType  string `json:"filterType"`
				StepSize    string `json:"stepSize"`
				TickSize    string `json:"tickSize"`
				MinNotional string `json:"minNotional"`
			} `json:"filters"`
		} `json:"symbols"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return common.SymbolFilters{}, fmt.Errorf("decode exchange info: %w", err)
	}
	if len(info.Symbols) == 0 {
		return common.SymbolFilters{}, fmt.Errorf("symbol %s not listed", symbol)
	}
	for _, flt := range info.Symbols[0].Filters {
		switch flt.FilterType {
		case "LOT_SIZE":
			f.StepSize = parseFloat(flt.StepSize)
		case "PRICE_FILTER":
			f.TickSize = parseFloat(flt.TickSize)
		case "MIN_NOTIONAL", "NOTIONAL":
			f.MinNotional = parseFloat(flt.MinNotional)
		}
	}

	c.filtersMu.Lock()
	c.filters[symbol] = f
	c.filtersMu.Unlock()
	return f, nil
}

func (c *Client) AdjustQty(ctx context.Context, qty float64, symbol string) (float64, error) {
	f, err := c.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return f.AdjustQty(qty), nil
}

func (c *Client) AdjustPrice(ctx context.Context, price float64, symbol string) (float64, error) {
	f, err := c.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return 0, err
	}
	return f.AdjustPrice(price), nil
}

// rawOrder is the Binance order payload; numbers arrive as strings.
type rawOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Price         string `json:"price"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	CumQuoteQty   string `json:"cummulativeQuoteQty"`
	Status        string `json:"status"`
	Type          string `json:"type"`
	Side          string `json:"side"`
	Time          int64  `json:"time"`
	TransactTime  int64  `json:"transactTime"`
	UpdateTime    int64  `json:"updateTime"`
	Fills         []struct {
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
	} `json:"fills"`
}

func (r rawOrder) toOrder() common.Order {
	o := common.Order{
		OrderID:       r.OrderID,
		ClientOrderID: r.ClientOrderID,
		Symbol:        r.Symbol,
		Side:          common.Side(strings.ToUpper(r.Side)),
		Type:          common.OrderType(strings.ToUpper(r.Type)),
		Status:        common.ParseStatus(r.Status),
		Price:         parseFloat(r.Price),
		OrigQty:       parseFloat(r.OrigQty),
		ExecutedQty:   parseFloat(r.ExecutedQty),
		CumQuoteQty:   parseFloat(r.CumQuoteQty),
		TransactTime:  r.TransactTime,
		UpdateTime:    r.UpdateTime,
	}
	if o.UpdateTime == 0 {
		o.UpdateTime = max(r.TransactTime, r.Time)
	}
	for _, f := range r.Fills {
		o.Fills = append(o.Fills, common.OrderFill{
			Price:           parseFloat(f.Price),
			Qty:             parseFloat(f.Qty),
			Commission:      parseFloat(f.Commission),
			CommissionAsset: f.CommissionAsset,
		})
	}
	return o
}

func decodeOrder(body []byte) (common.Order, error) {
	var r rawOrder
	if err := json.Unmarshal(body, &r); err != nil {
		return common.Order{}, fmt.Errorf("decode order: %w", err)
	}
	return r.toOrder(), nil
}

// GetOpenOrders returns current open orders of a symbol.
func (c *Client) GetOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/openOrders", url.Values{"symbol": {symbol}})
	if err != nil {
		return nil, err
	}
	var raws []rawOrder
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("decode open orders: %w", err)
	}
	out := make([]common.Order, 0, len(raws))
	for _, r := range raws {
		out = append(out, r.toOrder())
	}
	return out, nil
}

// GetOrder fetches one order; an unknown id yields status NOT_FOUND.
func (c *Client) GetOrder(ctx context.Context, symbol string, orderID int64) (common.Order, error) {
	params := url.Values{"symbol": {symbol}, "orderId": {strconv.FormatInt(orderID, 10)}}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/order", params)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeUnknownOrder {
			return common.Order{OrderID: orderID, Symbol: symbol, Status: common.StatusNotFound}, nil
		}
		return common.Order{}, err
	}
	return decodeOrder(body)
}

func (c *Client) CancelOrder(ctx context.Context, symbol string, orderID int64) (common.Order, error) {
	params := url.Values{"symbol": {symbol}, "orderId": {strconv.FormatInt(orderID, 10)}}
	body, err := c.doSigned(ctx, http.MethodDelete, "/api/v3/order", params)
	if err != nil {
		return common.Order{}, err
	}
	return decodeOrder(body)
}

// GetMyTrades returns the most recent account trades of a symbol.
func (c *Client) GetMyTrades(ctx context.Context, symbol string, limit int) ([]common.Trade, error) {
	params := url.Values{"symbol": {symbol}}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/myTrades", params)
	if err != nil {
		return nil, err
	}
	var raws []struct {
		ID              int64  `json:"id"`
		Symbol          string `json:"symbol"`
		OrderID         int64  `json:"orderId"`
		Price           string `json:"price"`
		Qty             string `json:"qty"`
		QuoteQty        string `json:"quoteQty"`
		Commission      string `json:"commission"`
		CommissionAsset string `json:"commissionAsset"`
		Time            int64  `json:"time"`
		IsBuyer         bool   `json:"isBuyer"`
	}
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("decode my trades: %w", err)
	}
	out := make([]common.Trade, 0, len(raws))
	for _, r := range raws {
		out = append(out, common.Trade{
			ID:              r.ID,
			OrderID:         r.OrderID,
			Symbol:          r.Symbol,
			Price:           parseFloat(r.Price),
			Qty:             parseFloat(r.Qty),
			QuoteQty:        parseFloat(r.QuoteQty),
			Commission:      parseFloat(r.Commission),
			CommissionAsset: r.CommissionAsset,
			Time:            r.Time,
			IsBuyer:         r.IsBuyer,
		})
	}
	return out, nil
}

// PlaceLimitBuyByQuote places a GTC limit buy spending about quote at price.
func (c *Client) PlaceLimitBuyByQuote(ctx context.Context, symbol string, quote, price float64, clientOrderID string) (common.Order, error) {
	f, err := c.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return common.Order{}, err
	}
	px := f.AdjustPrice(price)
	if px <= 0 {
		return common.Order{}, fmt.Errorf("invalid buy price %v", price)
	}
	qty := f.AdjustQty(quote / px)
	return c.placeLimit(ctx, symbol, common.SideBuy, qty, px, clientOrderID)
}

// PlaceLimitSell places a GTC limit sell of qty at price.
func (c *Client) PlaceLimitSell(ctx context.Context, symbol string, qty, price float64, clientOrderID string) (common.Order, error) {
	f, err := c.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return common.Order{}, err
	}
	return c.placeLimit(ctx, symbol, common.SideSell, f.AdjustQty(qty), f.AdjustPrice(price), clientOrderID)
}

func (c *Client) placeLimit(ctx context.Context, symbol string, side common.Side, qty, price float64, clientOrderID string) (common.Order, error) {
	if qty <= 0 {
		return common.Order{}, fmt.Errorf("order qty rounds to zero")
	}
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("type", string(common.OrderTypeLimit))
	params.Set("timeInForce", string(common.TIFGTC))
	params.Set("quantity", formatFloat(qty))
	params.Set("price", formatFloat(price))
	params.Set("newOrderRespType", "FULL")
	if clientOrderID != "" {
		params.Set("newClientOrderId", uniqueClientID(clientOrderID))
	}
	body, err := c.doSigned(ctx, http.MethodPost, "/api/v3/order", params)
	if err != nil {
		return common.Order{}, err
	}
	return decodeOrder(body)
}

// GetBalance returns one asset balance; unknown assets are zero.
func (c *Client) GetBalance(ctx context.Context, asset string) (common.Balance, error) {
	body, err := c.doSigned(ctx, http.MethodGet, "/api/v3/account", url.Values{})
	if err != nil {
		return common.Balance{}, err
	}
	var info struct {
		Balances []struct {
			Asset  string `json:"asset"`
			Free   string `json:"free"`
			Locked string `json:"locked"`
		} `json:"balances"`
	}
	if err := json.Unmarshal(body, &info); err != nil {
		return common.Balance{}, fmt.Errorf("decode account info: %w", err)
	}
	for _, b := range info.Balances {
		if strings.EqualFold(b.Asset, asset) {
			return common.Balance{Asset: b.Asset, Free: parseFloat(b.Free), Locked: parseFloat(b.Locked)}, nil
		}
	}
	return common.Balance{Asset: asset}, nil
}

func (c *Client) GetFreeBalance(ctx context.Context, asset string) (float64, error) {
	b, err := c.GetBalance(ctx, asset)
	if err != nil {
		return 0, err
	}
	return b.Free, nil
}

// uniqueClientID appends a short unique suffix to a tag; Binance caps client
// order ids at 36 characters.
func uniqueClientID(tag string) string {
	id := tag + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	if len(id) > 36 {
		id = id[len(id)-36:]
	}
	return id
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
