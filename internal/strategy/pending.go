package strategy

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"multi-trader/internal/state"
	"multi-trader/pkg/exchanges/common"
)

const (
	// PendingTimeout is the age after which an unfilled buy is cancelled.
	PendingTimeout = 3 * time.Hour
	// OrderCooldown is the minimum gap between placements of one instance.
	OrderCooldown = 5 * time.Second
)

// Pending-order keys in a combo's scope.
const (
	KeyPendingOrderID      = "pending_order_id"
	KeyPendingTimeMs       = "pending_time_ms"
	KeyPendingBucketUSDT   = "pending_bucket_usdt"
	KeyPendingKind         = "pending_kind"
	KeyPendingTriggerPrice = "pending_trigger_price"
)

var pendingKeys = []string{
	KeyPendingOrderID, KeyPendingTimeMs, KeyPendingBucketUSDT, KeyPendingKind, KeyPendingTriggerPrice,
}

// Pending kinds.
const (
	KindLot   = "LOT"
	KindInit  = "INIT"
	KindTrend = "TREND"
)

// Pending is one outstanding buy order of a combo.
type Pending struct {
	OrderID      int64
	TimeMs       int64
	BucketUSDT   float64
	Kind         string
	TriggerPrice float64
}

// LoadPending reads the pending order of st. ok is false when none is set.
func LoadPending(ctx context.Context, st *state.Store) (Pending, bool, error) {
	raw, _, err := st.Get(ctx, KeyPendingOrderID)
	if err != nil {
		return Pending{}, false, fmt.Errorf("read pending order: %w", err)
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Pending{}, false, nil
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil {
			return Pending{}, false, fmt.Errorf("pending order id %q: %w", raw, err)
		}
		id = int64(f)
	}
	kind, _, err := st.Get(ctx, KeyPendingKind)
	if err != nil {
		return Pending{}, false, fmt.Errorf("read pending kind: %w", err)
	}
	if strings.TrimSpace(kind) == "" {
		kind = KindLot
	}
	return Pending{
		OrderID:      id,
		TimeMs:       int64(st.GetFloat(ctx, KeyPendingTimeMs, 0)),
		BucketUSDT:   st.GetFloat(ctx, KeyPendingBucketUSDT, 0),
		Kind:         kind,
		TriggerPrice: st.GetFloat(ctx, KeyPendingTriggerPrice, 0),
	}, true, nil
}

// SavePending stores p under the pending keys.
func SavePending(ctx context.Context, st *state.Store, p Pending) error {
	values := []struct {
		key string
		val any
	}{
		{KeyPendingOrderID, p.OrderID},
		{KeyPendingTimeMs, p.TimeMs},
		{KeyPendingBucketUSDT, p.BucketUSDT},
		{KeyPendingKind, p.Kind},
		{KeyPendingTriggerPrice, p.TriggerPrice},
	}
	for _, v := range values {
		if err := st.Set(ctx, v.key, v.val); err != nil {
			return fmt.Errorf("save %s: %w", v.key, err)
		}
	}
	return nil
}

// ClearPending blanks every pending key.
func ClearPending(ctx context.Context, st *state.Store) error {
	return st.ClearKeys(ctx, pendingKeys...)
}

type fillFunc func(ctx context.Context, o common.Order, p Pending) error

// processPending advances the pending machine one step. It reports true while
// a pending order existed this cycle, in which case no new entry is evaluated.
func processPending(ctx context.Context, sc *Context, st *state.Store, ex common.ExchangeClient, repos Repos, reboundPct float64, onFill fillFunc) (bool, error) {
	p, ok, err := LoadPending(ctx, st)
	if err != nil || !ok {
		return false, err
	}
	log := sc.logger().With(zap.Int64("order_id", p.OrderID), zap.String("kind", p.Kind))

	o, err := ex.GetOrder(ctx, sc.Symbol, p.OrderID)
	if err != nil {
		log.Warn("fetch pending order failed", zap.Error(err))
		return true, nil
	}
	if o.Status != common.StatusNotFound {
		if err := repos.Orders.UpsertOrder(ctx, sc.AccountID, o); err != nil {
			return true, err
		}
	}

	switch {
	case o.Status == common.StatusFilled:
		if err := onFill(ctx, o, p); err != nil {
			return true, err
		}
		return true, ClearPending(ctx, st)
	case o.Status.Dead():
		log.Info("pending order ended", zap.String("status", string(o.Status)))
		return true, ClearPending(ctx, st)
	}

	if p.TimeMs > 0 && sc.now().UnixMilli()-p.TimeMs > PendingTimeout.Milliseconds() {
		log.Warn("pending order timed out, cancelling")
		cancelBestEffort(ctx, sc, ex, repos, p.OrderID, log)
		return true, ClearPending(ctx, st)
	}

	if o.Status == common.StatusNew && p.Kind == KindLot && p.TriggerPrice > 0 {
		rebound := p.TriggerPrice * (1 + reboundPct)
		if sc.Price >= rebound {
			log.Info("price rebounded, cancelling pending buy",
				zap.Float64("price", sc.Price), zap.Float64("rebound", rebound))
			cancelBestEffort(ctx, sc, ex, repos, p.OrderID, log)
			return true, ClearPending(ctx, st)
		}
	}
	return true, nil
}

func cancelBestEffort(ctx context.Context, sc *Context, ex common.ExchangeClient, repos Repos, orderID int64, log *zap.Logger) {
	o, err := ex.CancelOrder(ctx, sc.Symbol, orderID)
	if err != nil {
		log.Warn("cancel failed", zap.Error(err))
		return
	}
	if err := repos.Orders.UpsertOrder(ctx, sc.AccountID, o); err != nil {
		log.Warn("mirror cancelled order failed", zap.Error(err))
	}
}

// netFill returns the received base quantity net of base-asset commission
// and the average price paid for it.
func netFill(o common.Order, baseAsset string, fallbackPrice float64) (qty, avg float64) {
	qty = o.ExecutedQty - o.CommissionIn(baseAsset)
	if qty <= 0 {
		qty = o.ExecutedQty
	}
	if qty <= 0 {
		return 0, fallbackPrice
	}
	return qty, o.CumQuoteQty / qty
}

func orderTimeMs(t int64, now time.Time) int64 {
	if t > 0 {
		return t
	}
	return now.UnixMilli()
}
