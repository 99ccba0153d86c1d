package events

import "time"

// Event enumerates trading event types.
type Event string

const (
	EventCycleStart     Event = "CYCLE_START"
	EventCycleEnd       Event = "CYCLE_END"
	EventBuyPlaced      Event = "BUY_PLACED"
	EventSellPlaced     Event = "SELL_PLACED"
	EventLotOpened      Event = "LOT_OPENED"
	EventLotClosed      Event = "LOT_CLOSED"
	EventStateChange    Event = "STATE_CHANGE"
	EventBreakerTripped Event = "BREAKER_TRIPPED"
)

// TradeEvent is one published occurrence.
type TradeEvent struct {
	Type      Event          `json:"type"`
	AccountID string         `json:"account_id"`
	ComboID   string         `json:"combo_id,omitempty"`
	Time      time.Time      `json:"time"`
	Fields    map[string]any `json:"fields,omitempty"`
}
