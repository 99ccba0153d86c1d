package common

import "strings"

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes the order types the control plane places.
type OrderType string

const (
	OrderTypeLimit  OrderType = "LIMIT"
	OrderTypeMarket OrderType = "MARKET"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
)

// OrderStatus mirrors the exchange order status strings.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
	StatusNotFound        OrderStatus = "NOT_FOUND"
	StatusUnknown         OrderStatus = "UNKNOWN"
)

// ParseStatus normalizes a raw exchange status.
func ParseStatus(s string) OrderStatus {
	switch st := OrderStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusNew, StatusPartiallyFilled, StatusFilled, StatusCanceled,
		StatusRejected, StatusExpired, StatusNotFound:
		return st
	case "PENDING_CANCEL":
		return StatusNew
	case "EXPIRED_IN_MATCH":
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// Dead reports whether the order ended without (further) execution.
func (s OrderStatus) Dead() bool {
	return s == StatusCanceled || s == StatusRejected || s == StatusExpired
}

// Open reports whether the order may still execute.
func (s OrderStatus) Open() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// SymbolFilters are the exchange trading rules the strategies respect.
type SymbolFilters struct {
	StepSize    float64 `json:"step_size"`
	TickSize    float64 `json:"tick_size"`
	MinNotional float64 `json:"min_notional"`
}

// OrderFill is one execution reported inside an order response.
type OrderFill struct {
	Price           float64 `json:"price"`
	Qty             float64 `json:"qty"`
	Commission      float64 `json:"commission"`
	CommissionAsset string  `json:"commissionAsset"`
}

// Order is the normalized view of an exchange order.
type Order struct {
	OrderID       int64       `json:"orderId"`
	ClientOrderID string      `json:"clientOrderId,omitempty"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side,omitempty"`
	Type          OrderType   `json:"type,omitempty"`
	Status        OrderStatus `json:"status"`
	Price         float64     `json:"price"`
	OrigQty       float64     `json:"origQty"`
	ExecutedQty   float64     `json:"executedQty"`
	CumQuoteQty   float64     `json:"cummulativeQuoteQty"`
	TransactTime  int64       `json:"transactTime,omitempty"`
	UpdateTime    int64       `json:"updateTime,omitempty"`
	Fills         []OrderFill `json:"fills,omitempty"`
}

// CommissionIn sums the commission charged in asset across the order fills.
func (o Order) CommissionIn(asset string) float64 {
	var total float64
	for _, f := range o.Fills {
		if strings.EqualFold(f.CommissionAsset, asset) {
			total += f.Commission
		}
	}
	return total
}

// Trade is one account trade (fill) as reported by the trades endpoint.
type Trade struct {
	ID              int64   `json:"id"`
	OrderID         int64   `json:"orderId"`
	Symbol          string  `json:"symbol"`
	Price           float64 `json:"price"`
	Qty             float64 `json:"qty"`
	QuoteQty        float64 `json:"quoteQty"`
	Commission      float64 `json:"commission"`
	CommissionAsset string  `json:"commissionAsset"`
	Time            int64   `json:"time"`
	IsBuyer         bool    `json:"isBuyer"`
}

// Side derives the trade side from the buyer flag.
func (t Trade) Side() Side {
	if t.IsBuyer {
		return SideBuy
	}
	return SideSell
}

// Balance is one asset balance.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Total returns free plus locked.
func (b Balance) Total() float64 { return b.Free + b.Locked }
