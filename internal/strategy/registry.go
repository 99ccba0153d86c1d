package strategy

import (
	"fmt"
	"sort"
)

// UnknownLogicError reports a logic name missing from the registry.
type UnknownLogicError struct {
	Kind string // "buy" or "sell"
	Name string
}

func (e *UnknownLogicError) Error() string {
	return fmt.Sprintf("unknown %s logic %q", e.Kind, e.Name)
}

// Registry is the closed set of logics, fixed at construction.
type Registry struct {
	buys  map[string]func() BuyLogic
	sells map[string]func() SellLogic
}

// NewRegistry returns the built-in logics.
func NewRegistry() *Registry {
	return &Registry{
		buys: map[string]func() BuyLogic{
			LotStackingName: func() BuyLogic { return NewLotStacking() },
			TrendBuyName:    func() BuyLogic { return NewTrendBuy() },
		},
		sells: map[string]func() SellLogic{
			FixedTPName: func() SellLogic { return NewFixedTP() },
		},
	}
}

// NewBuy returns a fresh instance of the named buy logic.
func (r *Registry) NewBuy(name string) (BuyLogic, error) {
	f, ok := r.buys[name]
	if !ok {
		return nil, &UnknownLogicError{Kind: "buy", Name: name}
	}
	return f(), nil
}

// NewSell returns a fresh instance of the named sell logic.
func (r *Registry) NewSell(name string) (SellLogic, error) {
	f, ok := r.sells[name]
	if !ok {
		return nil, &UnknownLogicError{Kind: "sell", Name: name}
	}
	return f(), nil
}

// Validate checks both names without building instances.
func (r *Registry) Validate(buyName, sellName string) error {
	if _, ok := r.buys[buyName]; !ok {
		return &UnknownLogicError{Kind: "buy", Name: buyName}
	}
	if _, ok := r.sells[sellName]; !ok {
		return &UnknownLogicError{Kind: "sell", Name: sellName}
	}
	return nil
}

func (r *Registry) BuyNames() []string  { return sortedKeys(r.buys) }
func (r *Registry) SellNames() []string { return sortedKeys(r.sells) }

func sortedKeys[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
