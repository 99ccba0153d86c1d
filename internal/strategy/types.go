// Package strategy holds the buy and sell logics a combo pairs together and
// the pending-order machinery they share.
package strategy

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"multi-trader/internal/events"
	"multi-trader/internal/state"
	"multi-trader/pkg/db"
	"multi-trader/pkg/exchanges/common"
)

// Context is rebuilt by the trader for every combo on every cycle.
type Context struct {
	AccountID         string
	ComboID           string
	Symbol            string
	BaseAsset         string
	QuoteAsset        string
	Price             float64
	Params            json.RawMessage
	ClientOrderPrefix string
	// Reference is set only for combos configured with a reference combo.
	Reference *state.ReferenceHandle
	Events    *events.Bus
	Logger    *zap.Logger
	Now       func() time.Time
}

func (c *Context) now() time.Time {
	if c.Now == nil {
		return time.Now()
	}
	return c.Now()
}

func (c *Context) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// emit logs a trading event and publishes it on the bus.
func (c *Context) emit(ev events.Event, msg string, fields map[string]any) {
	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.String("event", string(ev)))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	c.logger().Info(msg, zf...)
	c.Events.Publish(events.TradeEvent{Type: ev, AccountID: c.AccountID, ComboID: c.ComboID, Fields: fields})
}

// LotRepo is the lot persistence strategies need. *db.Database satisfies it.
type LotRepo interface {
	InsertLot(ctx context.Context, l db.Lot) (int64, error)
	GetOpenLotsByCombo(ctx context.Context, accountID, comboID string) ([]db.Lot, error)
	SetSellOrder(ctx context.Context, accountID string, lotID, orderID, orderTimeMs int64) error
	ClearSellOrder(ctx context.Context, accountID string, lotID int64) error
	CloseLot(ctx context.Context, accountID string, lotID int64, sellPrice float64, sellTimeMs int64, feeUSDT, netProfit float64) error
}

// OrderRepo mirrors exchange order responses.
type OrderRepo interface {
	UpsertOrder(ctx context.Context, accountID string, o common.Order) error
}

// Repos bundles the repositories handed to every logic.
type Repos struct {
	Lots   LotRepo
	Orders OrderRepo
}

// NewRepos binds both repositories to one database.
func NewRepos(database *db.Database) Repos {
	return Repos{Lots: database, Orders: database}
}

// BuyLogic decides entries. PreTick runs before the combo's sell logic, Tick
// after it.
type BuyLogic interface {
	Name() string
	PreTick(ctx context.Context, sc *Context, st *state.Store, ex common.ExchangeClient, repos Repos) error
	Tick(ctx context.Context, sc *Context, st *state.Store, ex common.ExchangeClient, acct *state.AccountState, repos Repos) error
}

// SellLogic manages exits of the combo's open lots.
type SellLogic interface {
	Name() string
	Tick(ctx context.Context, sc *Context, st *state.Store, ex common.ExchangeClient, acct *state.AccountState, repos Repos, lots []db.Lot) error
}

// cooldown spaces order placements of one logic instance.
type cooldown struct {
	last time.Time
}

func (c *cooldown) ready(now time.Time, d time.Duration) bool {
	return c.last.IsZero() || now.Sub(c.last) >= d
}

func (c *cooldown) touch(now time.Time) { c.last = now }
