// Package sim is an in-memory single-symbol exchange used for paper trading
// and tests. Limit orders that cross the market on placement fill at the market
// price (taker); resting orders fill at their limit when the price moves
// through them (maker).
package sim

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"multi-trader/pkg/exchanges/common"
)

var (
	ErrInsufficientBalance = errors.New("sim: insufficient balance")
	ErrUnknownSymbol       = errors.New("sim: unknown symbol")
	ErrUnknownOrder        = errors.New("sim: unknown order")
	ErrMinNotional         = errors.New("sim: order below min notional")
)

// Config seeds a simulated account.
type Config struct {
	Symbol       string
	BaseAsset    string
	QuoteAsset   string
	InitialQuote float64
	InitialBase  float64
	Price        float64
	Filters      common.SymbolFilters
	// FeeRate is charged in the received asset (base on buys, quote on sells).
	FeeRate float64
}

type balance struct {
	free   decimal.Decimal
	locked decimal.Decimal
}

type fault struct {
	after int
	calls int
	err   error
}

// Exchange implements common.ExchangeClient in memory.
type Exchange struct {
	mu          sync.Mutex
	cfg         Config
	price       float64
	balances    map[string]*balance
	orders      map[int64]*common.Order
	trades      []common.Trade
	nextOrderID int64
	nextTradeID int64
	faults      map[string]*fault
	now         func() time.Time
}

var _ common.ExchangeClient = (*Exchange)(nil)

// New creates a simulator with the configured balances.
func New(cfg Config) *Exchange {
	cfg.Symbol = strings.ToUpper(cfg.Symbol)
	cfg.BaseAsset = strings.ToUpper(cfg.BaseAsset)
	cfg.QuoteAsset = strings.ToUpper(cfg.QuoteAsset)
	return &Exchange{
		cfg:   cfg,
		price: cfg.Price,
		balances: map[string]*balance{
			cfg.BaseAsset:  {free: decimal.NewFromFloat(cfg.InitialBase)},
			cfg.QuoteAsset: {free: decimal.NewFromFloat(cfg.InitialQuote)},
		},
		orders:      make(map[int64]*common.Order),
		nextOrderID: 1,
		nextTradeID: 1,
		faults:      make(map[string]*fault),
		now:         time.Now,
	}
}

// FailOn makes method fail with err once it has succeeded after times.
// Method names match the ExchangeClient methods ("GetOrder", ...).
func (e *Exchange) FailOn(method string, after int, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults[method] = &fault{after: after, err: err}
}

// ClearFaults removes every injected fault.
func (e *Exchange) ClearFaults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.faults = make(map[string]*fault)
}

func (e *Exchange) checkFault(method string) error {
	f, ok := e.faults[method]
	if !ok {
		return nil
	}
	f.calls++
	if f.calls > f.after {
		return f.err
	}
	return nil
}

func (e *Exchange) checkSymbol(symbol string) error {
	if !strings.EqualFold(symbol, e.cfg.Symbol) {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}
	return nil
}

// SetPrice moves the market and fills resting orders crossed by it.
func (e *Exchange) SetPrice(p float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.price = p

	ids := make([]int64, 0, len(e.orders))
	for id, o := range e.orders {
		if o.Status.Open() {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		o := e.orders[id]
		if (o.Side == common.SideBuy && p <= o.Price) || (o.Side == common.SideSell && p >= o.Price) {
			e.fill(o, o.Price)
		}
	}
}

// Symbol is the only symbol the simulator trades.
func (e *Exchange) Symbol() string { return e.cfg.Symbol }

// Price returns the current market price.
func (e *Exchange) Price() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.price
}

func (e *Exchange) GetPrice(_ context.Context, symbol string) (float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFault("GetPrice"); err != nil {
		return 0, err
	}
	if err := e.checkSymbol(symbol); err != nil {
		return 0, err
	}
	return e.price, nil
}

func (e *Exchange) GetSymbolFilters(_ context.Context, symbol string) (common.SymbolFilters, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFault("GetSymbolFilters"); err != nil {
		return common.SymbolFilters{}, err
	}
	if err := e.checkSymbol(symbol); err != nil {
		return common.SymbolFilters{}, err
	}
	return e.cfg.Filters, nil
}

func (e *Exchange) AdjustQty(_ context.Context, qty float64, symbol string) (float64, error) {
	if err := e.checkSymbol(symbol); err != nil {
		return 0, err
	}
	return e.cfg.Filters.AdjustQty(qty), nil
}

func (e *Exchange) AdjustPrice(_ context.Context, price float64, symbol string) (float64, error) {
	if err := e.checkSymbol(symbol); err != nil {
		return 0, err
	}
	return e.cfg.Filters.AdjustPrice(price), nil
}

func (e *Exchange) GetOpenOrders(_ context.Context, symbol string) ([]common.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFault("GetOpenOrders"); err != nil {
		return nil, err
	}
	if err := e.checkSymbol(symbol); err != nil {
		return nil, err
	}
	var out []common.Order
	for _, o := range e.orders {
		if o.Status.Open() {
			out = append(out, copyOrder(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID < out[j].OrderID })
	return out, nil
}

// GetOrder returns the order; an unknown id reports status NOT_FOUND.
func (e *Exchange) GetOrder(_ context.Context, symbol string, orderID int64) (common.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFault("GetOrder"); err != nil {
		return common.Order{}, err
	}
	o, ok := e.orders[orderID]
	if !ok {
		return common.Order{OrderID: orderID, Symbol: symbol, Status: common.StatusNotFound}, nil
	}
	return copyOrder(o), nil
}

// CancelOrder cancels an open order and releases its locked funds.
func (e *Exchange) CancelOrder(_ context.Context, symbol string, orderID int64) (common.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFault("CancelOrder"); err != nil {
		return common.Order{}, err
	}
	o, ok := e.orders[orderID]
	if !ok {
		return common.Order{}, fmt.Errorf("%w: %d", ErrUnknownOrder, orderID)
	}
	if !o.Status.Open() {
		return copyOrder(o), fmt.Errorf("sim: order %d is %s", orderID, o.Status)
	}
	remaining := decimal.NewFromFloat(o.OrigQty).Sub(decimal.NewFromFloat(o.ExecutedQty))
	if o.Side == common.SideBuy {
		e.unlock(e.cfg.QuoteAsset, remaining.Mul(decimal.NewFromFloat(o.Price)))
	} else {
		e.unlock(e.cfg.BaseAsset, remaining)
	}
	o.Status = common.StatusCanceled
	o.UpdateTime = e.now().UnixMilli()
	return copyOrder(o), nil
}

// GetMyTrades returns the last limit trades, oldest first.
func (e *Exchange) GetMyTrades(_ context.Context, symbol string, limit int) ([]common.Trade, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFault("GetMyTrades"); err != nil {
		return nil, err
	}
	if err := e.checkSymbol(symbol); err != nil {
		return nil, err
	}
	trades := e.trades
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	return append([]common.Trade(nil), trades...), nil
}

func (e *Exchange) PlaceLimitBuyByQuote(_ context.Context, symbol string, quote, price float64, clientOrderID string) (common.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFault("PlaceLimitBuyByQuote"); err != nil {
		return common.Order{}, err
	}
	if err := e.checkSymbol(symbol); err != nil {
		return common.Order{}, err
	}
	px := e.cfg.Filters.AdjustPrice(price)
	if px <= 0 {
		return common.Order{}, fmt.Errorf("sim: invalid price %v", price)
	}
	qty := e.cfg.Filters.AdjustQty(quote / px)
	return e.place(common.SideBuy, qty, px, clientOrderID)
}

func (e *Exchange) PlaceLimitSell(_ context.Context, symbol string, qty, price float64, clientOrderID string) (common.Order, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFault("PlaceLimitSell"); err != nil {
		return common.Order{}, err
	}
	if err := e.checkSymbol(symbol); err != nil {
		return common.Order{}, err
	}
	return e.place(common.SideSell, e.cfg.Filters.AdjustQty(qty), e.cfg.Filters.AdjustPrice(price), clientOrderID)
}

func (e *Exchange) GetBalance(_ context.Context, asset string) (common.Balance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkFault("GetBalance"); err != nil {
		return common.Balance{}, err
	}
	asset = strings.ToUpper(asset)
	b, ok := e.balances[asset]
	if !ok {
		return common.Balance{Asset: asset}, nil
	}
	return common.Balance{Asset: asset, Free: b.free.InexactFloat64(), Locked: b.locked.InexactFloat64()}, nil
}

func (e *Exchange) GetFreeBalance(ctx context.Context, asset string) (float64, error) {
	b, err := e.GetBalance(ctx, asset)
	if err != nil {
		return 0, err
	}
	return b.Free, nil
}

func (e *Exchange) place(side common.Side, qty, px float64, clientOrderID string) (common.Order, error) {
	if qty <= 0 || px <= 0 {
		return common.Order{}, fmt.Errorf("sim: qty %v / price %v rounds to zero", qty, px)
	}
	dq, dp := decimal.NewFromFloat(qty), decimal.NewFromFloat(px)
	notional := dq.Mul(dp)
	if mn := e.cfg.Filters.MinNotional; mn > 0 && notional.LessThan(decimal.NewFromFloat(mn)) {
		return common.Order{}, ErrMinNotional
	}

	lockAsset, lockAmt := e.cfg.QuoteAsset, notional
	if side == common.SideSell {
		lockAsset, lockAmt = e.cfg.BaseAsset, dq
	}
	b := e.balances[lockAsset]
	if b.free.LessThan(lockAmt) {
		return common.Order{}, fmt.Errorf("%w: need %s %s, free %s", ErrInsufficientBalance, lockAmt, lockAsset, b.free)
	}
	b.free = b.free.Sub(lockAmt)
	b.locked = b.locked.Add(lockAmt)

	now := e.now().UnixMilli()
	o := &common.Order{
		OrderID:       e.nextOrderID,
		ClientOrderID: clientOrderID,
		Symbol:        e.cfg.Symbol,
		Side:          side,
		Type:          common.OrderTypeLimit,
		Status:        common.StatusNew,
		Price:         px,
		OrigQty:       qty,
		TransactTime:  now,
		UpdateTime:    now,
	}
	e.nextOrderID++
	e.orders[o.OrderID] = o

	if e.price > 0 && ((side == common.SideBuy && e.price <= px) || (side == common.SideSell && e.price >= px)) {
		e.fill(o, e.price)
	}
	return copyOrder(o), nil
}

// fill executes the remaining quantity of o at fillPrice.
func (e *Exchange) fill(o *common.Order, fillPrice float64) {
	qty := decimal.NewFromFloat(o.OrigQty).Sub(decimal.NewFromFloat(o.ExecutedQty))
	if !qty.IsPositive() {
		return
	}
	fp := decimal.NewFromFloat(fillPrice)
	quote := qty.Mul(fp)
	fee := decimal.NewFromFloat(e.cfg.FeeRate)

	base := e.balances[e.cfg.BaseAsset]
	quoteBal := e.balances[e.cfg.QuoteAsset]
	var commission decimal.Decimal
	var commissionAsset string

	if o.Side == common.SideBuy {
		locked := qty.Mul(decimal.NewFromFloat(o.Price))
		quoteBal.locked = quoteBal.locked.Sub(locked)
		quoteBal.free = quoteBal.free.Add(locked.Sub(quote))
		commission = qty.Mul(fee)
		commissionAsset = e.cfg.BaseAsset
		base.free = base.free.Add(qty.Sub(commission))
	} else {
		base.locked = base.locked.Sub(qty)
		commission = quote.Mul(fee)
		commissionAsset = e.cfg.QuoteAsset
		quoteBal.free = quoteBal.free.Add(quote.Sub(commission))
	}

	now := e.now().UnixMilli()
	o.ExecutedQty = decimal.NewFromFloat(o.ExecutedQty).Add(qty).InexactFloat64()
	o.CumQuoteQty = decimal.NewFromFloat(o.CumQuoteQty).Add(quote).InexactFloat64()
	o.Status = common.StatusFilled
	o.UpdateTime = now
	o.Fills = append(o.Fills, common.OrderFill{
		Price:           fillPrice,
		Qty:             qty.InexactFloat64(),
		Commission:      commission.InexactFloat64(),
		CommissionAsset: commissionAsset,
	})

	e.trades = append(e.trades, common.Trade{
		ID:              e.nextTradeID,
		OrderID:         o.OrderID,
		Symbol:          o.Symbol,
		Price:           fillPrice,
		Qty:             qty.InexactFloat64(),
		QuoteQty:        quote.InexactFloat64(),
		Commission:      commission.InexactFloat64(),
		CommissionAsset: commissionAsset,
		Time:            now,
		IsBuyer:         o.Side == common.SideBuy,
	})
	e.nextTradeID++
}

func (e *Exchange) unlock(asset string, amt decimal.Decimal) {
	b := e.balances[asset]
	b.locked = b.locked.Sub(amt)
	b.free = b.free.Add(amt)
}

func copyOrder(o *common.Order) common.Order {
	c := *o
	c.Fills = append([]common.OrderFill(nil), o.Fills...)
	return c
}
