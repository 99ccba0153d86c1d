package common

import "github.com/shopspring/decimal"

// FloorToStep rounds v down to a multiple of step. A non-positive step
// returns v unchanged. The quotient is rounded to 8 places before flooring so
// binary noise (101.86699999...) does not drop a whole step.
func FloorToStep(v, step float64) float64 {
	if step <= 0 {
		return v
	}
	d := decimal.NewFromFloat(v)
	s := decimal.NewFromFloat(step)
	units := d.Div(s).Round(8).Floor()
	return units.Mul(s).InexactFloat64()
}

// AdjustQty floors qty to the lot step size.
func (f SymbolFilters) AdjustQty(qty float64) float64 {
	return FloorToStep(qty, f.StepSize)
}

// AdjustPrice floors price to the tick size.
func (f SymbolFilters) AdjustPrice(price float64) float64 {
	return FloorToStep(price, f.TickSize)
}

// Notional returns qty*price computed in decimal.
func Notional(qty, price float64) float64 {
	return decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price)).InexactFloat64()
}
