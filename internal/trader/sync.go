package trader

import (
	"context"
	"time"

	"go.uber.org/zap"

	"multi-trader/pkg/db"
	"multi-trader/pkg/exchanges/common"
)

// Request weights of the calls a sync pass makes.
const (
	weightOpenOrders = 3
	weightOrder      = 1
	weightTrades     = 5

	maxTrackedOrders = 50
	tradesLimit      = 1000
)

// SyncReport summarizes one reconciliation pass of orders and fills.
type SyncReport struct {
	Timestamp     time.Time
	OpenOrders    int
	Refreshed     int
	Trades        int
	NewFills      int
	FetchedOrders int
	Failures      int
	Position      db.Position
}

// syncOrdersAndFills mirrors the account's open orders, tracked orders and
// recent trades into the database and rebuilds the position. Exchange errors
// are logged and counted in the report; only a cancelled context is returned.
func (t *Trader) syncOrdersAndFills(ctx context.Context, acc db.Account, ex common.ExchangeClient, log *zap.Logger) (SyncReport, error) {
	report := SyncReport{Timestamp: t.now()}

	ids, err := t.deps.DB.GetRecentOpenOrderIDs(ctx, acc.ID, acc.Symbol, maxTrackedOrders)
	if err != nil {
		log.Warn("tracked orders lookup failed", zap.Error(err))
		report.Failures++
	}
	tracked := make(map[int64]bool, len(ids))
	for _, id := range ids {
		tracked[id] = true
	}

	if err := t.deps.Limiter.Acquire(ctx, weightOpenOrders); err != nil {
		return report, err
	}
	open, err := ex.GetOpenOrders(ctx, acc.Symbol)
	if err != nil {
		log.Warn("open orders sync failed", zap.Error(err))
		report.Failures++
	}
	for _, o := range open {
		if err := t.deps.DB.UpsertOrder(ctx, acc.ID, o); err != nil {
			log.Warn("open order upsert failed", zap.Int64("order_id", o.OrderID), zap.Error(err))
			continue
		}
		report.OpenOrders++
		if !tracked[o.OrderID] {
			tracked[o.OrderID] = true
			ids = append(ids, o.OrderID)
		}
	}

	if len(ids) > maxTrackedOrders {
		ids = ids[:maxTrackedOrders]
	}
	for _, id := range ids {
		if err := t.deps.Limiter.Acquire(ctx, weightOrder); err != nil {
			return report, err
		}
		o, err := ex.GetOrder(ctx, acc.Symbol, id)
		if err == nil && o.Status != common.StatusNotFound {
			err = t.deps.DB.UpsertOrder(ctx, acc.ID, o)
		}
		if err != nil {
			log.Warn("order sync failed", zap.Int64("order_id", id), zap.Error(err))
			report.Failures++
			continue
		}
		report.Refreshed++
	}

	if err := t.deps.Limiter.Acquire(ctx, weightTrades); err != nil {
		return report, err
	}
	trades, err := ex.GetMyTrades(ctx, acc.Symbol, tradesLimit)
	if err != nil {
		log.Warn("fills sync failed", zap.Error(err))
		report.Failures++
	}
	report.Trades = len(trades)
	seen := make(map[int64]bool)
	for _, tr := range trades {
		if tr.OrderID > 0 && !seen[tr.OrderID] {
			seen[tr.OrderID] = true
			fetched, err := t.mirrorTradeOrder(ctx, acc, ex, tr.OrderID)
			switch {
			case err != nil && ctx.Err() != nil:
				return report, ctx.Err()
			case err != nil:
				log.Debug("trade order fetch failed", zap.Int64("order_id", tr.OrderID), zap.Error(err))
			case fetched:
				report.FetchedOrders++
			}
		}
		inserted, err := t.deps.DB.InsertFill(ctx, acc.ID, tr)
		if err != nil {
			log.Warn("fill insert failed", zap.Int64("trade_id", tr.ID), zap.Error(err))
			report.Failures++
			continue
		}
		if inserted {
			report.NewFills++
		}
	}

	pos, err := t.deps.DB.RecomputePosition(ctx, acc.ID, acc.Symbol)
	if err != nil {
		log.Warn("position recompute failed", zap.Error(err))
		report.Failures++
	}
	report.Position = pos

	if report.NewFills > 0 || report.Failures > 0 {
		log.Info("orders and fills synced",
			zap.Int("open_orders", report.OpenOrders),
			zap.Int("refreshed", report.Refreshed),
			zap.Int("new_fills", report.NewFills),
			zap.Int("failures", report.Failures),
			zap.Float64("position_qty", pos.Qty))
	}
	return report, nil
}

// mirrorTradeOrder fetches the order behind a trade unless it is already
// mirrored; mirrored open orders are refreshed through the tracked list.
func (t *Trader) mirrorTradeOrder(ctx context.Context, acc db.Account, ex common.ExchangeClient, orderID int64) (bool, error) {
	known, err := t.deps.DB.HasOrder(ctx, acc.ID, orderID)
	if err != nil || known {
		return false, err
	}
	if err := t.deps.Limiter.Acquire(ctx, weightOrder); err != nil {
		return false, err
	}
	o, err := ex.GetOrder(ctx, acc.Symbol, orderID)
	if err != nil {
		return false, err
	}
	if o.Status == common.StatusNotFound {
		return false, nil
	}
	return true, t.deps.DB.UpsertOrder(ctx, acc.ID, o)
}
