package common

import "context"

// ExchangeClient is the capability boundary between the control plane and a
// trading venue. Live, simulated and fault-injecting implementations are
// interchangeable.
type ExchangeClient interface {
	GetPrice(ctx context.Context, symbol string) (float64, error)
	GetSymbolFilters(ctx context.Context, symbol string) (SymbolFilters, error)
	AdjustQty(ctx context.Context, qty float64, symbol string) (float64, error)
	AdjustPrice(ctx context.Context, price float64, symbol string) (float64, error)

	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	GetOrder(ctx context.Context, symbol string, orderID int64) (Order, error)
	CancelOrder(ctx context.Context, symbol string, orderID int64) (Order, error)
	GetMyTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)

	// PlaceLimitBuyByQuote spends roughly quote units of the quote asset at price.
	PlaceLimitBuyByQuote(ctx context.Context, symbol string, quote, price float64, clientOrderID string) (Order, error)
	PlaceLimitSell(ctx context.Context, symbol string, qty, price float64, clientOrderID string) (Order, error)

	GetBalance(ctx context.Context, asset string) (Balance, error)
	GetFreeBalance(ctx context.Context, asset string) (float64, error)
}
