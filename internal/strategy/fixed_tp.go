package strategy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"multi-trader/internal/events"
	"multi-trader/internal/state"
	"multi-trader/pkg/db"
	"multi-trader/pkg/exchanges/common"
)

const FixedTPName = "fixed_tp"

// FixedTP sells each open lot at a fixed percentage above its buy price.
// Positive profit goes to pending earnings, never back into trading capital.
type FixedTP struct {
	cd cooldown
}

func NewFixedTP() *FixedTP { return &FixedTP{} }

func (f *FixedTP) Name() string { return FixedTPName }

func (f *FixedTP) Tick(ctx context.Context, sc *Context, st *state.Store, ex common.ExchangeClient, acct *state.AccountState, repos Repos, lots []db.Lot) error {
	if len(lots) == 0 {
		return nil
	}
	p := defaultFixedTPParams()
	if err := decodeParams(sc.Params, &p); err != nil {
		return fmt.Errorf("%s: %w", FixedTPName, err)
	}
	filters, err := ex.GetSymbolFilters(ctx, sc.Symbol)
	if err != nil {
		return err
	}

	for _, lot := range lots {
		target, err := ex.AdjustPrice(ctx, lot.BuyPrice*(1+p.TPPct), sc.Symbol)
		if err != nil {
			return err
		}
		qty, err := ex.AdjustQty(ctx, lot.BuyQty, sc.Symbol)
		if err != nil {
			return err
		}
		notional := qty * target
		if notional < filters.MinNotional || notional < p.MinTradeUSDT {
			sc.logger().Warn("lot notional below minimum, skipping take-profit",
				zap.Int64("lot_id", lot.LotID), zap.Float64("notional", notional))
			continue
		}

		if lot.SellOrderID != 0 {
			err = f.checkSell(ctx, sc, st, ex, acct, repos, p, lot, target)
		} else {
			err = f.placeSell(ctx, sc, ex, repos, lot, target, qty)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (f *FixedTP) checkSell(ctx context.Context, sc *Context, st *state.Store, ex common.ExchangeClient, acct *state.AccountState, repos Repos, p FixedTPParams, lot db.Lot, target float64) error {
	log := sc.logger().With(zap.Int64("lot_id", lot.LotID), zap.Int64("order_id", lot.SellOrderID))
	o, err := ex.GetOrder(ctx, sc.Symbol, lot.SellOrderID)
	if err != nil {
		log.Warn("fetch sell order failed", zap.Error(err))
		return nil
	}
	if o.Status != common.StatusNotFound {
		if err := repos.Orders.UpsertOrder(ctx, sc.AccountID, o); err != nil {
			return err
		}
	}

	switch {
	case o.Status == common.StatusFilled:
		revenue := o.CumQuoteQty
		sellPrice := target
		if o.ExecutedQty > 0 {
			sellPrice = revenue / o.ExecutedQty
		}
		fee := o.CommissionIn(sc.QuoteAsset)
		net := revenue - lot.BuyQty*lot.BuyPrice - fee
		if net > 0 {
			if err := acct.AddPendingEarnings(ctx, net); err != nil {
				return err
			}
		}
		if err := repos.Lots.CloseLot(ctx, sc.AccountID, lot.LotID, sellPrice, orderTimeMs(o.UpdateTime, sc.now()), fee, net); err != nil {
			return err
		}
		if err := f.updateBase(ctx, st, p.BasePriceUpdateMode, sellPrice); err != nil {
			return err
		}
		sc.emit(events.EventLotClosed, "lot closed", map[string]any{
			"lot_id": lot.LotID, "sell_price": sellPrice, "fee_usdt": fee, "net_profit_usdt": net,
		})
	case o.Status.Dead():
		log.Info("sell order ended, clearing linkage", zap.String("status", string(o.Status)))
		return repos.Lots.ClearSellOrder(ctx, sc.AccountID, lot.LotID)
	}
	return nil
}

func (f *FixedTP) updateBase(ctx context.Context, st *state.Store, mode string, sellPrice float64) error {
	if mode == BaseUpdateIfHigher && sellPrice <= st.GetFloat(ctx, state.KeyBasePrice, 0) {
		return nil
	}
	return st.Set(ctx, state.KeyBasePrice, sellPrice)
}

func (f *FixedTP) placeSell(ctx context.Context, sc *Context, ex common.ExchangeClient, repos Repos, lot db.Lot, target, qty float64) error {
	now := sc.now()
	if !f.cd.ready(now, OrderCooldown) {
		return nil
	}
	clientID := fmt.Sprintf("%s_TP_%d", sc.ClientOrderPrefix, lot.LotID)
	o, err := ex.PlaceLimitSell(ctx, sc.Symbol, qty, target, clientID)
	if err != nil {
		sc.logger().Error("place take-profit sell failed", zap.Int64("lot_id", lot.LotID), zap.Error(err))
		return nil
	}
	if err := repos.Orders.UpsertOrder(ctx, sc.AccountID, o); err != nil {
		return err
	}
	if err := repos.Lots.SetSellOrder(ctx, sc.AccountID, lot.LotID, o.OrderID, orderTimeMs(o.TransactTime, now)); err != nil {
		return err
	}
	f.cd.touch(now)
	sc.emit(events.EventSellPlaced, "take-profit sell placed", map[string]any{
		"lot_id": lot.LotID, "order_id": o.OrderID, "price": target, "qty": qty,
	})
	return nil
}
