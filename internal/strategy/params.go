package strategy

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Sizing modes.
const (
	SizingFixed      = "fixed"
	SizingPctBalance = "pct_balance"
	SizingScaledPlan = "scaled_plan"
)

// SizingParams decide how much quote a buy spends.
type SizingParams struct {
	BuyUSDT       float64 `json:"buy_usdt"`
	SizingMode    string  `json:"sizing_mode"`
	BuyBalancePct float64 `json:"buy_balance_pct"`
	PlanXPct      float64 `json:"plan_x_pct"`
	MaxBuyUSDT    float64 `json:"max_buy_usdt"`
}

type LotStackingParams struct {
	SizingParams
	DropPct          float64 `json:"drop_pct"`
	PrebuyPct        float64 `json:"prebuy_pct"`
	CancelReboundPct float64 `json:"cancel_rebound_pct"`
	MinTradeUSDT     float64 `json:"min_trade_usdt"`
	RecenterEnabled  bool    `json:"recenter_enabled"`
	RecenterPct      float64 `json:"recenter_pct"`
	RecenterEMAN     int     `json:"recenter_ema_n"`
}

func defaultLotStackingParams() LotStackingParams {
	return LotStackingParams{
		SizingParams: SizingParams{
			BuyUSDT:       100,
			SizingMode:    SizingFixed,
			BuyBalancePct: 10,
			PlanXPct:      0.5,
			MaxBuyUSDT:    500,
		},
		DropPct:          0.006,
		PrebuyPct:        0.0015,
		CancelReboundPct: 0.004,
		MinTradeUSDT:     6,
		RecenterEnabled:  true,
		RecenterPct:      0.02,
		RecenterEMAN:     40,
	}
}

type TrendBuyParams struct {
	SizingParams
	EnablePct    float64 `json:"enable_pct"`
	RecenterPct  float64 `json:"recenter_pct"`
	DropPct      float64 `json:"drop_pct"`
	StepPct      float64 `json:"step_pct"`
	MinTradeUSDT float64 `json:"min_trade_usdt"`
}

func defaultTrendBuyParams() TrendBuyParams {
	return TrendBuyParams{
		SizingParams: SizingParams{
			BuyUSDT:       50,
			SizingMode:    SizingFixed,
			BuyBalancePct: 10,
			PlanXPct:      0.5,
			MaxBuyUSDT:    500,
		},
		EnablePct:    0.03,
		RecenterPct:  0.02,
		DropPct:      0.01,
		StepPct:      0.01,
		MinTradeUSDT: 6,
	}
}

// Base price update modes of fixed_tp.
const (
	BaseUpdateAlways   = "always"
	BaseUpdateIfHigher = "if_higher"
)

type FixedTPParams struct {
	TPPct               float64 `json:"tp_pct"`
	MinTradeUSDT        float64 `json:"min_trade_usdt"`
	BasePriceUpdateMode string  `json:"base_price_update_mode"`
}

func defaultFixedTPParams() FixedTPParams {
	return FixedTPParams{TPPct: 0.033, MinTradeUSDT: 6, BasePriceUpdateMode: BaseUpdateAlways}
}

// decodeParams overlays raw JSON onto dst, which already holds the defaults.
func decodeParams(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}
