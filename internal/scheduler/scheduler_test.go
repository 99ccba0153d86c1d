package scheduler

import (
	"context"
	"testing"

	"multi-trader/internal/price"
	"multi-trader/internal/trader"
	"multi-trader/pkg/db"
	"multi-trader/pkg/exchanges/sim"
)

type fixedQuoter float64

func (q fixedQuoter) GetPrice(context.Context, string) (float64, error) { return float64(q), nil }

type simMap map[string]*sim.Exchange

func (m simMap) Sims() map[string]*sim.Exchange { return m }

type healthMap map[string]trader.Health

func (m healthMap) AccountHealth() map[string]trader.Health { return m }

func TestRegisterAll(t *testing.T) {
	tests := []struct {
		name       string
		priceCron  string
		healthCron string
		wantErr    bool
	}{
		{"valid", "*/10 * * * * *", "0 * * * * *", false},
		{"bad price schedule", "every ten seconds", "0 * * * * *", true},
		{"bad health schedule", "*/10 * * * * *", "* * *", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScheduler(context.Background(), price.NewCollector(nil, nil), nil, nil, nil)
			err := s.RegisterAll(tt.priceCron, tt.healthCron)
			if (err != nil) != tt.wantErr {
				t.Fatalf("RegisterAll() err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(s.Cron.Entries()) != 2 {
				t.Errorf("entries = %d, want 2", len(s.Cron.Entries()))
			}
		})
	}
}

func TestRefreshPricesMovesSims(t *testing.T) {
	prices := price.NewCollector(nil, nil)
	prices.RegisterClient("BTCUSDT", fixedQuoter(105))

	btc := sim.New(sim.Config{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", InitialQuote: 100, Price: 100})
	eth := sim.New(sim.Config{Symbol: "ETHUSDT", BaseAsset: "ETH", QuoteAsset: "USDT", InitialQuote: 100, Price: 10})

	s := NewScheduler(context.Background(), prices, simMap{"acc-1": btc, "acc-2": eth}, nil, nil)
	got := s.RefreshPricesNow()

	if got["BTCUSDT"] != 105 {
		t.Errorf("refreshed BTCUSDT = %v, want 105", got["BTCUSDT"])
	}
	if p, ok := prices.Cache().Get("BTCUSDT"); !ok || p != 105 {
		t.Errorf("cache = %v %v", p, ok)
	}
	if btc.Price() != 105 {
		t.Errorf("btc sim price = %v, want 105", btc.Price())
	}
	if eth.Price() != 10 {
		t.Errorf("eth sim price moved to %v without a source", eth.Price())
	}
}

func TestPaperAccountsOnOneSymbolShareAPrice(t *testing.T) {
	ctx := context.Background()
	f := trader.NewDefaultFactory(trader.FactoryConfig{SimInitialQuote: 1000}, nil)
	prices := price.NewCollector(nil, nil)

	first, _ := f.NewClient(ctx, db.Account{ID: "paper-1", Exchange: "sim", Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"})
	if !prices.RegisterClient("BTCUSDT", first) {
		t.Fatalf("first paper account should become the symbol's source")
	}
	f.Sims()["paper-1"].SetPrice(250)

	second, _ := f.NewClient(ctx, db.Account{ID: "paper-2", Exchange: "sim", Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT"})
	if prices.RegisterClient("BTCUSDT", second) {
		t.Fatalf("second paper account replaced the symbol's source")
	}
	if p := f.Sims()["paper-2"].Price(); p != 250 {
		t.Fatalf("second sim seeded at %v, want 250", p)
	}

	f.Sims()["paper-1"].SetPrice(260)
	s := NewScheduler(ctx, prices, f, nil, nil)
	s.RefreshPricesNow()

	own, _ := second.GetPrice(ctx, "BTCUSDT")
	if collected := prices.Price(ctx, "BTCUSDT"); collected != own || own != 260 {
		t.Errorf("collector = %v, second sim = %v, want both 260", collected, own)
	}
}

func TestSnapshotHealth(t *testing.T) {
	health := healthMap{
		"acc-1": {AccountID: "acc-1", Running: true, BuyPauseState: "ACTIVE"},
		"acc-2": {AccountID: "acc-2", Running: true, ConsecutiveFailures: 2, BuyPauseState: "PAUSED"},
		"acc-3": {AccountID: "acc-3", Running: false, ConsecutiveFailures: 5, BuyPauseState: "ACTIVE"},
	}
	s := NewScheduler(context.Background(), nil, nil, health, nil)
	sum := s.SnapshotHealth()

	if sum.Traders != 3 || sum.Running != 2 {
		t.Errorf("traders/running = %d/%d, want 3/2", sum.Traders, sum.Running)
	}
	if len(sum.Failing) != 2 || sum.Failing[0] != "acc-2" || sum.Failing[1] != "acc-3" {
		t.Errorf("failing = %v", sum.Failing)
	}
	if len(sum.Paused) != 1 || sum.Paused[0] != "acc-2" {
		t.Errorf("paused = %v", sum.Paused)
	}
}

func TestNilSourcesAreSafe(t *testing.T) {
	s := NewScheduler(context.Background(), nil, nil, nil, nil)
	if got := s.RefreshPricesNow(); got != nil {
		t.Errorf("RefreshPricesNow() = %v, want nil", got)
	}
	if sum := s.SnapshotHealth(); sum.Traders != 0 {
		t.Errorf("SnapshotHealth() = %+v", sum)
	}
}
