package engine

import "time"

// AccountSummary is an account row joined with its live trader state.
type AccountSummary struct {
	ID                     string     `json:"id"`
	Name                   string     `json:"name"`
	Exchange               string     `json:"exchange"`
	Symbol                 string     `json:"symbol"`
	IsActive               bool       `json:"is_active"`
	Running                bool       `json:"running"`
	BuyPauseState          string     `json:"buy_pause_state"`
	CircuitBreakerFailures int        `json:"circuit_breaker_failures"`
	LastSuccessAt          *time.Time `json:"last_success_at,omitempty"`
	PendingEarningsUSDT    float64    `json:"pending_earnings_usdt"`
	PositionQty            float64    `json:"position_qty"`
	AvgEntry               float64    `json:"avg_entry"`
	OpenLots               int        `json:"open_lots"`
}

// Lot is the API view of an open lot.
type Lot struct {
	LotID       int64     `json:"lot_id"`
	ComboID     string    `json:"combo_id"`
	Strategy    string    `json:"strategy"`
	BuyPrice    float64   `json:"buy_price"`
	BuyQty      float64   `json:"buy_qty"`
	BuyTime     time.Time `json:"buy_time"`
	SellOrderID int64     `json:"sell_order_id,omitempty"`
}

// SystemStatus represents the system runtime status.
type SystemStatus struct {
	Version       string             `json:"version"`
	StartedAt     time.Time          `json:"started_at"`
	ServerTime    time.Time          `json:"server_time"`
	ActiveTraders int                `json:"active_traders"`
	Symbols       []string           `json:"symbols"`
	Prices        map[string]float64 `json:"prices"`
}
