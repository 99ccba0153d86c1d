package strategy

import "math"

// ResolveBuyUSDT returns the quote amount of the next buy.
//
//	fixed        buy_usdt
//	pct_balance  balance * buy_balance_pct%, capped
//	scaled_plan  balance * min(round,5) * plan_x_pct%, capped; from round 6
//	             on the amount spent in round 5 is reused when known
func ResolveBuyUSDT(p SizingParams, freeBalance float64, round int, plan5 float64) float64 {
	switch p.SizingMode {
	case SizingPctBalance:
		return math.Min(freeBalance*p.BuyBalancePct/100, p.MaxBuyUSDT)
	case SizingScaledPlan:
		var amount float64
		if plan5 > 0 && round > 5 {
			amount = plan5
		} else {
			amount = scaledPlanAmount(freeBalance, round, p.PlanXPct)
		}
		return math.Min(amount, p.MaxBuyUSDT)
	default:
		return p.BuyUSDT
	}
}

func scaledPlanAmount(balance float64, round int, xPct float64) float64 {
	if round <= 0 {
		round = 1
	}
	k := min(round, 5)
	return balance * float64(k) * xPct / 100
}
