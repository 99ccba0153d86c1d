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

const (
	TrendBuyName = "trend_buy"

	KeyLastBuyPrice     = "last_buy_price"
	trendClientIDSuffix = "_TREND"
)

// TrendBuy buys pullbacks once price trades enable_pct above the referenced
// combo's base price. It keeps its own base, dragged up with the trend.
type TrendBuy struct {
	cd cooldown
}

func NewTrendBuy() *TrendBuy { return &TrendBuy{} }

func (t *TrendBuy) Name() string { return TrendBuyName }

func (t *TrendBuy) params(sc *Context) (TrendBuyParams, error) {
	p := defaultTrendBuyParams()
	if err := decodeParams(sc.Params, &p); err != nil {
		return p, fmt.Errorf("%s: %w", TrendBuyName, err)
	}
	return p, nil
}

func (t *TrendBuy) PreTick(context.Context, *Context, *state.Store, common.ExchangeClient, Repos) error {
	return nil
}

func (t *TrendBuy) Tick(ctx context.Context, sc *Context, st *state.Store, ex common.ExchangeClient, _ *state.AccountState, repos Repos) error {
	p, err := t.params(sc)
	if err != nil {
		return err
	}
	// trend entries chase momentum, so no rebound cancel
	pending, err := processPending(ctx, sc, st, ex, repos, 0, func(ctx context.Context, o common.Order, _ Pending) error {
		return t.applyFill(ctx, sc, st, repos, o)
	})
	if err != nil || pending {
		return err
	}
	return t.buyOnTrend(ctx, sc, st, ex, repos, p)
}

func (t *TrendBuy) applyFill(ctx context.Context, sc *Context, st *state.Store, repos Repos, o common.Order) error {
	qty, avg := netFill(o, sc.BaseAsset, sc.Price)
	lotID, err := repos.Lots.InsertLot(ctx, db.Lot{
		AccountID:    sc.AccountID,
		Symbol:       sc.Symbol,
		StrategyName: TrendBuyName,
		ComboID:      sc.ComboID,
		BuyOrderID:   o.OrderID,
		BuyPrice:     avg,
		BuyQty:       qty,
		BuyTimeMs:    orderTimeMs(o.UpdateTime, sc.now()),
	})
	if err != nil {
		return err
	}
	if avg > st.GetFloat(ctx, state.KeyBasePrice, 0) {
		if err := st.Set(ctx, state.KeyBasePrice, avg); err != nil {
			return err
		}
	}
	if err := st.Set(ctx, KeyLastBuyPrice, avg); err != nil {
		return err
	}
	sc.emit(events.EventLotOpened, "trend lot opened", map[string]any{
		"lot_id": lotID, "order_id": o.OrderID, "qty": qty, "price": avg,
	})
	return nil
}

func (t *TrendBuy) buyOnTrend(ctx context.Context, sc *Context, st *state.Store, ex common.ExchangeClient, repos Repos, p TrendBuyParams) error {
	now := sc.now()
	if !t.cd.ready(now, OrderCooldown) {
		return nil
	}
	log := sc.logger()
	if sc.Reference == nil {
		log.Warn("trend buy needs a reference combo, skipping")
		return nil
	}
	refBase := sc.Reference.BasePrice(ctx)
	if refBase <= 0 || sc.Price < refBase*(1+p.EnablePct) {
		return nil
	}

	base := st.GetFloat(ctx, state.KeyBasePrice, 0)
	if base <= 0 {
		base = sc.Price
		if err := st.Set(ctx, state.KeyBasePrice, base); err != nil {
			return err
		}
		log.Info("trend base initialised", zap.Float64("base_price", base))
	}
	if sc.Price >= base*(1+p.RecenterPct) {
		log.Info("trend base recentered", zap.Float64("from", base), zap.Float64("to", sc.Price))
		base = sc.Price
		if err := st.Set(ctx, state.KeyBasePrice, base); err != nil {
			return err
		}
	}

	target := base * (1 - p.DropPct)
	if sc.Price > target {
		return nil
	}
	if last := st.GetFloat(ctx, KeyLastBuyPrice, 0); last > 0 && sc.Price > last*(1-p.StepPct) {
		return nil
	}

	filters, err := ex.GetSymbolFilters(ctx, sc.Symbol)
	if err != nil {
		return err
	}
	free, err := ex.GetFreeBalance(ctx, sc.QuoteAsset)
	if err != nil {
		return err
	}
	buyUSDT := ResolveBuyUSDT(p.SizingParams, free, 1, 0)
	if buyUSDT < p.MinTradeUSDT {
		log.Warn("buy amount below minimum trade", zap.Float64("buy_usdt", buyUSDT))
		return nil
	}
	price, err := ex.AdjustPrice(ctx, target, sc.Symbol)
	if err != nil {
		return err
	}
	if price <= 0 || (buyUSDT/price)*price < filters.MinNotional {
		log.Warn("estimated notional below min notional", zap.Float64("buy_usdt", buyUSDT), zap.Float64("price", price))
		return nil
	}

	o, err := ex.PlaceLimitBuyByQuote(ctx, sc.Symbol, buyUSDT, price, sc.ClientOrderPrefix+trendClientIDSuffix)
	if err != nil {
		log.Error("place trend buy failed", zap.Error(err), zap.Float64("price", price))
		return nil
	}
	if err := repos.Orders.UpsertOrder(ctx, sc.AccountID, o); err != nil {
		return err
	}
	if err := SavePending(ctx, st, Pending{
		OrderID:      o.OrderID,
		TimeMs:       orderTimeMs(o.TransactTime, now),
		Kind:         KindTrend,
		TriggerPrice: price,
	}); err != nil {
		return err
	}
	t.cd.touch(now)
	sc.emit(events.EventBuyPlaced, "trend buy placed", map[string]any{
		"order_id": o.OrderID, "price": price, "buy_usdt": buyUSDT, "kind": KindTrend,
	})
	return nil
}
