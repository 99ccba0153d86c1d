package trader

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"multi-trader/pkg/crypto"
	"multi-trader/pkg/db"
	exspot "multi-trader/pkg/exchanges/binance/spot"
	"multi-trader/pkg/exchanges/common"
	"multi-trader/pkg/exchanges/sim"
)

// Exchange kinds stored in accounts.exchange.
const (
	ExchangeBinance = "binance"
	ExchangeSim     = "sim"
)

var ErrNoMasterKey = errors.New("credentials are encrypted but no master key is loaded")

// ClientFactory builds the exchange client an account trades through.
type ClientFactory interface {
	NewClient(ctx context.Context, acc db.Account) (common.ExchangeClient, error)
}

// FactoryFunc adapts a function to ClientFactory.
type FactoryFunc func(ctx context.Context, acc db.Account) (common.ExchangeClient, error)

func (f FactoryFunc) NewClient(ctx context.Context, acc db.Account) (common.ExchangeClient, error) {
	return f(ctx, acc)
}

// FactoryConfig configures DefaultFactory.
type FactoryConfig struct {
	// Box decrypts ENC[vN]: credentials. Plaintext credentials pass through.
	Box     *crypto.Box
	Testnet bool
	// SimInitialQuote funds new simulated accounts.
	SimInitialQuote float64
	// Market seeds simulated accounts with a live price and symbol filters.
	// Optional.
	Market common.ExchangeClient
}

var defaultSimFilters = common.SymbolFilters{StepSize: 0.00001, TickSize: 0.01, MinNotional: 5}

// DefaultFactory creates Binance spot clients for live accounts and keeps one
// simulator per paper account, so a reloaded trader finds its balances again.
//
// The price collector keeps one source per symbol. Without a Market client
// that source is the simulator of the first paper account started on the
// symbol, so later simulators on the same symbol are seeded from it and the
// scheduler's price refresh moves them all together.
type DefaultFactory struct {
	cfg    FactoryConfig
	logger *zap.Logger

	mu    sync.Mutex
	sims  map[string]*sim.Exchange
	order map[string]int
}

func NewDefaultFactory(cfg FactoryConfig, logger *zap.Logger) *DefaultFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SimInitialQuote <= 0 {
		cfg.SimInitialQuote = 10000
	}
	return &DefaultFactory{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "client_factory")),
		sims:   make(map[string]*sim.Exchange),
		order:  make(map[string]int),
	}
}

func (f *DefaultFactory) NewClient(ctx context.Context, acc db.Account) (common.ExchangeClient, error) {
	switch strings.ToLower(acc.Exchange) {
	case ExchangeBinance, "binance-spot":
		key, err := f.open(acc.APIKey)
		if err != nil {
			return nil, fmt.Errorf("api key: %w", err)
		}
		secret, err := f.open(acc.APISecret)
		if err != nil {
			return nil, fmt.Errorf("api secret: %w", err)
		}
		return exspot.New(exspot.Config{
			APIKey:    key,
			APISecret: secret,
			Testnet:   f.cfg.Testnet,
		}, f.logger), nil

	case ExchangeSim:
		return f.simFor(ctx, acc), nil

	default:
		return nil, fmt.Errorf("unsupported exchange type: %s", acc.Exchange)
	}
}

func (f *DefaultFactory) open(s string) (string, error) {
	if !crypto.IsEncrypted(s) {
		return s, nil
	}
	if f.cfg.Box == nil {
		return "", ErrNoMasterKey
	}
	return f.cfg.Box.Open(s)
}

func (f *DefaultFactory) simFor(ctx context.Context, acc db.Account) *sim.Exchange {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ex, ok := f.sims[acc.ID]; ok {
		return ex
	}

	filters := defaultSimFilters
	var px float64
	if f.cfg.Market != nil {
		if p, err := f.cfg.Market.GetPrice(ctx, acc.Symbol); err == nil {
			px = p
		} else {
			f.logger.Warn("sim seed price unavailable", zap.String("symbol", acc.Symbol), zap.Error(err))
		}
		if fl, err := f.cfg.Market.GetSymbolFilters(ctx, acc.Symbol); err == nil {
			filters = fl
		}
	}
	if px <= 0 {
		if sib := f.siblingLocked(acc.Symbol); sib != nil {
			px = sib.Price()
			if fl, err := sib.GetSymbolFilters(ctx, sib.Symbol()); err == nil {
				filters = fl
			}
		}
	}

	ex := sim.New(sim.Config{
		Symbol:       acc.Symbol,
		BaseAsset:    acc.BaseAsset,
		QuoteAsset:   acc.QuoteAsset,
		InitialQuote: f.cfg.SimInitialQuote,
		Price:        px,
		Filters:      filters,
		FeeRate:      0.001,
	})
	f.sims[acc.ID] = ex
	f.order[acc.ID] = len(f.order)
	f.logger.Info("simulated account created",
		zap.String("account_id", acc.ID),
		zap.String("symbol", acc.Symbol),
		zap.Float64("quote", f.cfg.SimInitialQuote))
	return ex
}

// siblingLocked returns the oldest simulator trading symbol. f.mu must be held.
func (f *DefaultFactory) siblingLocked(symbol string) *sim.Exchange {
	var (
		best   *sim.Exchange
		bestID string
	)
	for id, ex := range f.sims {
		if !strings.EqualFold(ex.Symbol(), symbol) {
			continue
		}
		if best == nil || f.order[id] < f.order[bestID] {
			best, bestID = ex, id
		}
	}
	return best
}

// Sims returns the simulators created so far, keyed by account id.
func (f *DefaultFactory) Sims() map[string]*sim.Exchange {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]*sim.Exchange, len(f.sims))
	for id, ex := range f.sims {
		out[id] = ex
	}
	return out
}
