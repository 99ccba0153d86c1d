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

const LotStackingName = "lot_stacking"

// lot_stacking scope keys.
const (
	KeyRecenterEMA    = "recenter_ema"
	KeySizingRound    = "sizing_round"
	KeyPlan5thAmount  = "plan_5th_amount"
	KeyCoreBTCInitial = "core_btc_initial"
	lotClientIDSuffix = "_LOT"
)

// LotStacking buys a new lot each time price drops drop_pct below the combo's
// base price, re-centering the base upward while the combo holds nothing.
type LotStacking struct {
	cd cooldown
}

func NewLotStacking() *LotStacking { return &LotStacking{} }

func (l *LotStacking) Name() string { return LotStackingName }

func (l *LotStacking) params(sc *Context) (LotStackingParams, error) {
	p := defaultLotStackingParams()
	if err := decodeParams(sc.Params, &p); err != nil {
		return p, fmt.Errorf("%s: %w", LotStackingName, err)
	}
	return p, nil
}

// PreTick re-centers base_price toward an EMA of price when the combo has no
// open lots.
func (l *LotStacking) PreTick(ctx context.Context, sc *Context, st *state.Store, _ common.ExchangeClient, repos Repos) error {
	p, err := l.params(sc)
	if err != nil {
		return err
	}
	if !p.RecenterEnabled {
		return nil
	}
	lots, err := repos.Lots.GetOpenLotsByCombo(ctx, sc.AccountID, sc.ComboID)
	if err != nil {
		return err
	}
	if len(lots) > 0 {
		return nil
	}

	_, pending, err := LoadPending(ctx, st)
	if err != nil {
		return err
	}
	if !pending && p.SizingMode == SizingScaledPlan {
		if err := st.Set(ctx, KeySizingRound, 1); err != nil {
			return err
		}
		if err := st.Set(ctx, KeyPlan5thAmount, ""); err != nil {
			return err
		}
	}

	base := st.GetFloat(ctx, state.KeyBasePrice, 0)
	if base <= 0 {
		return nil
	}
	n := p.RecenterEMAN
	if n < 1 {
		n = 1
	}
	alpha := 2.0 / float64(n+1)
	ema := st.GetFloat(ctx, KeyRecenterEMA, 0)
	if ema <= 0 {
		ema = sc.Price
	} else {
		ema = alpha*sc.Price + (1-alpha)*ema
	}
	if err := st.Set(ctx, KeyRecenterEMA, ema); err != nil {
		return err
	}
	if ema >= base*(1+p.RecenterPct) {
		sc.emit(events.EventStateChange, "recentering base price", map[string]any{
			"from": base, "to": ema, "key": state.KeyBasePrice,
		})
		return st.Set(ctx, state.KeyBasePrice, ema)
	}
	return nil
}

// Tick settles the pending buy or, with none outstanding, looks for a drop.
func (l *LotStacking) Tick(ctx context.Context, sc *Context, st *state.Store, ex common.ExchangeClient, acct *state.AccountState, repos Repos) error {
	p, err := l.params(sc)
	if err != nil {
		return err
	}
	pending, err := processPending(ctx, sc, st, ex, repos, p.CancelReboundPct, func(ctx context.Context, o common.Order, pd Pending) error {
		return l.applyFill(ctx, sc, st, acct, repos, p, o, pd)
	})
	if err != nil || pending {
		return err
	}
	return l.buyOnDrop(ctx, sc, st, ex, repos, p)
}

func (l *LotStacking) applyFill(ctx context.Context, sc *Context, st *state.Store, acct *state.AccountState, repos Repos, p LotStackingParams, o common.Order, pd Pending) error {
	qty, avg := netFill(o, sc.BaseAsset, sc.Price)
	now := sc.now()

	if pd.Kind == KindInit {
		if err := acct.SetReserveQty(ctx, qty); err != nil {
			return err
		}
		if err := acct.SetReserveCostUSDT(ctx, o.CumQuoteQty); err != nil {
			return err
		}
		if err := st.Set(ctx, KeyCoreBTCInitial, qty); err != nil {
			return err
		}
		sc.logger().Info("initial reserve buy filled",
			zap.Float64("qty", qty), zap.Float64("cost_usdt", o.CumQuoteQty), zap.Float64("avg", avg))
	} else {
		lotID, err := repos.Lots.InsertLot(ctx, db.Lot{
			AccountID:    sc.AccountID,
			Symbol:       sc.Symbol,
			StrategyName: LotStackingName,
			ComboID:      sc.ComboID,
			BuyOrderID:   o.OrderID,
			BuyPrice:     avg,
			BuyQty:       qty,
			BuyTimeMs:    orderTimeMs(o.UpdateTime, now),
		})
		if err != nil {
			return err
		}
		if p.SizingMode == SizingScaledPlan {
			round := st.GetInt(ctx, KeySizingRound, 1)
			if round == 5 {
				if err := st.Set(ctx, KeyPlan5thAmount, o.CumQuoteQty); err != nil {
					return err
				}
			}
			if err := st.Set(ctx, KeySizingRound, round+1); err != nil {
				return err
			}
		}
		sc.emit(events.EventLotOpened, "lot opened", map[string]any{
			"lot_id": lotID, "order_id": o.OrderID, "qty": qty, "price": avg,
		})
	}
	return st.Set(ctx, state.KeyBasePrice, avg)
}

func (l *LotStacking) buyOnDrop(ctx context.Context, sc *Context, st *state.Store, ex common.ExchangeClient, repos Repos, p LotStackingParams) error {
	now := sc.now()
	if !l.cd.ready(now, OrderCooldown) {
		return nil
	}
	log := sc.logger()

	base := st.GetFloat(ctx, state.KeyBasePrice, 0)
	if base <= 0 {
		base = sc.Price
		if err := st.Set(ctx, state.KeyBasePrice, base); err != nil {
			return err
		}
		log.Info("base price initialised", zap.Float64("base_price", base))
	}

	trigger := base * (1 - p.DropPct)
	prebuy := trigger * (1 + p.PrebuyPct)
	if sc.Price > prebuy {
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
	round := st.GetInt(ctx, KeySizingRound, 1)
	plan5 := st.GetFloat(ctx, KeyPlan5thAmount, 0)
	buyUSDT := ResolveBuyUSDT(p.SizingParams, free, round, plan5)
	if buyUSDT < p.MinTradeUSDT {
		log.Warn("buy amount below minimum trade", zap.Float64("buy_usdt", buyUSDT), zap.Float64("min_trade_usdt", p.MinTradeUSDT))
		return nil
	}

	price, err := ex.AdjustPrice(ctx, trigger, sc.Symbol)
	if err != nil {
		return err
	}
	if price <= 0 || (buyUSDT/price)*price < filters.MinNotional {
		log.Warn("estimated notional below min notional", zap.Float64("buy_usdt", buyUSDT), zap.Float64("price", price))
		return nil
	}

	o, err := ex.PlaceLimitBuyByQuote(ctx, sc.Symbol, buyUSDT, price, sc.ClientOrderPrefix+lotClientIDSuffix)
	if err != nil {
		log.Error("place lot buy failed", zap.Error(err), zap.Float64("price", price), zap.Float64("buy_usdt", buyUSDT))
		return nil
	}
	if err := repos.Orders.UpsertOrder(ctx, sc.AccountID, o); err != nil {
		return err
	}
	if err := SavePending(ctx, st, Pending{
		OrderID:      o.OrderID,
		TimeMs:       orderTimeMs(o.TransactTime, now),
		Kind:         KindLot,
		TriggerPrice: price,
	}); err != nil {
		return err
	}
	l.cd.touch(now)
	sc.emit(events.EventBuyPlaced, "lot buy placed", map[string]any{
		"order_id": o.OrderID, "price": price, "buy_usdt": buyUSDT, "kind": KindLot,
	})
	return nil
}
