package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"multi-trader/internal/price"
	"multi-trader/internal/ratelimit"
	"multi-trader/internal/trader"
	"multi-trader/pkg/db"
	"multi-trader/pkg/exchanges/common"
	"multi-trader/pkg/exchanges/sim"
)

func newTestDB(t *testing.T, accounts ...string) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	for _, id := range accounts {
		if err := database.CreateAccount(context.Background(), db.Account{
			ID: id, Name: id, Exchange: "sim", Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", IsActive: true,
		}); err != nil {
			t.Fatalf("create account %s: %v", id, err)
		}
	}
	return database
}

func newTestSim(acc db.Account) *sim.Exchange {
	return sim.New(sim.Config{
		Symbol: acc.Symbol, BaseAsset: acc.BaseAsset, QuoteAsset: acc.QuoteAsset,
		InitialQuote: 1000, Price: 100,
		Filters: common.SymbolFilters{StepSize: 0.00001, TickSize: 0.01, MinNotional: 5},
	})
}

func newTestEngine(database *db.Database, prices *price.Collector) *Engine {
	return newTestEngineWith(database, prices, trader.FactoryFunc(func(_ context.Context, acc db.Account) (common.ExchangeClient, error) {
		return newTestSim(acc), nil
	}))
}

func newTestEngineWith(database *db.Database, prices *price.Collector, factory trader.ClientFactory) *Engine {
	seq := []float64{0.5, 0.25, 0.75}
	i := 0
	return NewEngine(Config{
		Deps: trader.Deps{
			DB:      database,
			Limiter: ratelimit.New(1000, time.Minute),
			Prices:  prices,
			Factory: factory,
		},
		Trader:    trader.Config{TimeUnit: time.Millisecond},
		JitterMax: 4 * time.Millisecond,
		Stagger:   2 * time.Millisecond,
		Rand: func() float64 {
			v := seq[i%len(seq)]
			i++
			return v
		},
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestStartDelays(t *testing.T) {
	seq := []float64{0.5, 0.25, 0.75}
	i := 0
	rnd := func() float64 { v := seq[i]; i++; return v }
	got := StartDelays(3, 3*time.Second, 500*time.Millisecond, rnd)
	want := []time.Duration{1500 * time.Millisecond, 2750 * time.Millisecond, 6000 * time.Millisecond}
	for k := range want {
		if got[k] != want[k] {
			t.Errorf("delay[%d] = %v, want %v", k, got[k], want[k])
		}
	}

	t.Run("non-decreasing for any draw", func(t *testing.T) {
		for _, r := range []float64{0, 0.1, 0.999} {
			d := StartDelays(10, DefaultJitterMax, DefaultStagger, func() float64 { return r })
			for k := 1; k < len(d); k++ {
				if d[k] <= d[k-1] {
					t.Fatalf("r=%v: delay[%d]=%v not after delay[%d]=%v", r, k, d[k], k-1, d[k-1])
				}
			}
		}
	})
}

func TestFleetStartAndStop(t *testing.T) {
	database := newTestDB(t, "acc-1", "acc-2", "acc-3")
	e := newTestEngine(database, price.NewCollector(nil, nil))
	defer e.StopAll()

	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if n := e.ActiveCount(); n != 3 {
		t.Fatalf("ActiveCount = %d, want 3", n)
	}
	waitFor(t, "three running traders", func() bool {
		for _, h := range e.AccountHealth() {
			if !h.Running {
				return false
			}
		}
		return len(e.AccountHealth()) == 3
	})

	health := e.AccountHealth()
	var prev float64 = -1
	for _, id := range []string{"acc-1", "acc-2", "acc-3"} {
		d := health[id].StartDelay
		if d < prev {
			t.Errorf("%s start delay %v before previous %v", id, d, prev)
		}
		prev = d
	}

	e.StopAccount("acc-2")
	e.StopAccount("unknown") // no-op
	if n := e.ActiveCount(); n != 2 {
		t.Fatalf("ActiveCount after stop = %d, want 2", n)
	}
	if _, err := e.Health("acc-2"); !errors.Is(err, ErrAccountNotRunning) {
		t.Errorf("Health(acc-2) err = %v", err)
	}
	for _, id := range []string{"acc-1", "acc-3"} {
		h, err := e.Health(id)
		if err != nil || !h.Running {
			t.Errorf("%s health = %+v err=%v", id, h, err)
		}
	}

	e.StopAll()
	if n := e.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount after StopAll = %d", n)
	}
}

func TestStartAccountIdempotentAndBreakerAware(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t, "acc-1", "acc-2")
	e := newTestEngine(database, price.NewCollector(nil, nil))
	defer e.StopAll()

	for i := 0; i < 2; i++ {
		if err := e.StartAccount(ctx, "acc-1"); err != nil {
			t.Fatalf("StartAccount: %v", err)
		}
	}
	if n := e.ActiveCount(); n != 1 {
		t.Errorf("ActiveCount = %d, want 1", n)
	}

	now := time.Now()
	if err := database.UpdateCircuitBreaker(ctx, "acc-2", 5, &now); err != nil {
		t.Fatalf("trip: %v", err)
	}
	if err := e.StartAccount(ctx, "acc-2"); err != nil {
		t.Fatalf("StartAccount tripped: %v", err)
	}
	if _, err := e.Health("acc-2"); !errors.Is(err, ErrAccountNotRunning) {
		t.Errorf("tripped account should not start")
	}

	if err := e.ResetCircuitBreaker(ctx, "acc-2"); err != nil {
		t.Fatalf("ResetCircuitBreaker: %v", err)
	}
	if _, err := e.Health("acc-2"); err != nil {
		t.Errorf("account should run after reset: %v", err)
	}
	acc, _ := database.GetAccount(ctx, "acc-2")
	if acc.CircuitBreakerFailures != 0 || acc.CircuitBreakerDisabledAt != nil || !acc.IsActive {
		t.Errorf("breaker not cleared: %+v", acc)
	}

	if err := e.StartAccount(ctx, "missing"); !errors.Is(err, db.ErrNotFound) {
		t.Errorf("StartAccount(missing) = %v", err)
	}
}

func TestResumeBuying(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t, "acc-1")
	e := newTestEngine(database, price.NewCollector(nil, nil))
	since := time.Now()
	if err := database.UpdateBuyPause(ctx, "acc-1", db.BuyPauseUpdate{
		State: db.BuyPausePaused, ConsecutiveLow: 4, Reason: "LOW_BALANCE", Since: &since,
	}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := e.ResumeBuying(ctx, "acc-1"); err != nil {
		t.Fatalf("ResumeBuying: %v", err)
	}
	acc, _ := database.GetAccount(ctx, "acc-1")
	if acc.BuyPauseState != db.BuyPauseActive || acc.ConsecutiveLowBalance != 0 || acc.BuyPauseSince != nil {
		t.Errorf("account = %+v", acc)
	}
}

func TestApproveEarnings(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t, "acc-1")
	prices := price.NewCollector(nil, nil)
	prices.Cache().Set("BTCUSDT", 50)
	e := newTestEngine(database, prices)

	if err := database.AddPendingEarnings(ctx, "acc-1", 10); err != nil {
		t.Fatalf("add earnings: %v", err)
	}
	res, err := e.ApproveEarnings(ctx, "acc-1", 50)
	if err != nil {
		t.Fatalf("ApproveEarnings: %v", err)
	}
	if res.ToReserveUSDT != 5 || res.ToReserveQty != 0.1 || res.ToLiquidUSDT != 5 {
		t.Errorf("approval = %+v", res)
	}
	st, err := e.AccountState(ctx, "acc-1", db.SharedScope)
	if err != nil {
		t.Fatalf("AccountState: %v", err)
	}
	if st[db.KeyReserveQty] == "" || st[db.KeyReserveCostUSDT] == "" {
		t.Errorf("reserve not recorded: %v", st)
	}
	if _, err := e.ApproveEarnings(ctx, "acc-1", 50); !errors.Is(err, db.ErrNoEarnings) {
		t.Errorf("second approval = %v, want ErrNoEarnings", err)
	}
	if _, err := e.ApproveEarnings(ctx, "acc-1", 150); err == nil {
		t.Errorf("pct 150 accepted")
	}
}

func TestListAccounts(t *testing.T) {
	ctx := context.Background()
	database := newTestDB(t, "acc-1", "acc-2")
	e := newTestEngine(database, price.NewCollector(nil, nil))
	if _, err := database.InsertLot(ctx, db.Lot{
		AccountID: "acc-1", Symbol: "BTCUSDT", StrategyName: "lot_stacking", ComboID: "c1",
		BuyOrderID: 1, BuyPrice: 100, BuyQty: 0.5, BuyTimeMs: time.Now().UnixMilli(),
	}); err != nil {
		t.Fatalf("insert lot: %v", err)
	}
	list, err := e.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("accounts = %d", len(list))
	}
	got := fmt.Sprintf("%s:%d %s:%d", list[0].ID, list[0].OpenLots, list[1].ID, list[1].OpenLots)
	if got != "acc-1:1 acc-2:0" {
		t.Errorf("summary = %s", got)
	}
	lots, err := e.OpenLots(ctx, "acc-1")
	if err != nil || len(lots) != 1 || lots[0].BuyQty != 0.5 {
		t.Errorf("OpenLots = %+v err=%v", lots, err)
	}
}

// gatedClient holds GetOpenOrders until gate closes, like an HTTP call
// already on the wire: it ignores ctx and counts callers inside at once.
type gatedClient struct {
	*sim.Exchange
	gate   <-chan struct{}
	active *int32
	peak   *int32
	calls  *int32
}

func (c gatedClient) GetOpenOrders(ctx context.Context, symbol string) ([]common.Order, error) {
	n := atomic.AddInt32(c.active, 1)
	for {
		p := atomic.LoadInt32(c.peak)
		if n <= p || atomic.CompareAndSwapInt32(c.peak, p, n) {
			break
		}
	}
	atomic.AddInt32(c.calls, 1)
	<-c.gate
	atomic.AddInt32(c.active, -1)
	return c.Exchange.GetOpenOrders(ctx, symbol)
}

type gatedFleet struct {
	gate                chan struct{}
	active, peak, calls int32
}

func (g *gatedFleet) factory() trader.ClientFactory {
	return trader.FactoryFunc(func(_ context.Context, acc db.Account) (common.ExchangeClient, error) {
		return gatedClient{Exchange: newTestSim(acc), gate: g.gate, active: &g.active, peak: &g.peak, calls: &g.calls}, nil
	})
}

func TestStopAndStartNeverOverlap(t *testing.T) {
	ctx := context.Background()
	fleet := &gatedFleet{gate: make(chan struct{})}
	e := newTestEngineWith(newTestDB(t, "acc-1"), price.NewCollector(nil, nil), fleet.factory())
	defer e.StopAll()

	if err := e.StartAccount(ctx, "acc-1"); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	waitFor(t, "first trader inside an exchange call", func() bool { return atomic.LoadInt32(&fleet.active) == 1 })
	old := e.lookup("acc-1")

	stopped := make(chan struct{})
	go func() {
		e.StopAccount("acc-1")
		close(stopped)
	}()
	waitFor(t, "stop in progress", func() bool { return e.stoppingRun("acc-1") != nil })

	h, err := e.Health("acc-1")
	if err != nil || !h.Running {
		t.Errorf("health while stopping = %+v err=%v, want still running", h, err)
	}

	started := make(chan error, 1)
	go func() { started <- e.StartAccount(ctx, "acc-1") }()
	select {
	case err := <-started:
		t.Fatalf("StartAccount returned while the old trader was still running: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	if n := atomic.LoadInt32(&fleet.calls); n != 1 {
		t.Errorf("exchange calls while stopping = %d, want 1", n)
	}

	close(fleet.gate)
	if err := <-started; err != nil {
		t.Fatalf("StartAccount during stop: %v", err)
	}
	<-stopped
	select {
	case <-old.done:
	default:
		t.Fatalf("old trader still running after restart")
	}

	cur := e.lookup("acc-1")
	if cur == nil || cur == old {
		t.Fatalf("expected a fresh trader after restart, got %v", cur)
	}
	waitFor(t, "restarted trader stepping", func() bool { return atomic.LoadInt32(&fleet.calls) > 1 })
	if n := e.ActiveCount(); n != 1 {
		t.Errorf("ActiveCount = %d, want 1", n)
	}

	e.StopAll()
	if p := atomic.LoadInt32(&fleet.peak); p != 1 {
		t.Errorf("max concurrent exchange calls for acc-1 = %d, want 1", p)
	}
}

func TestConcurrentStopsWaitForExit(t *testing.T) {
	fleet := &gatedFleet{gate: make(chan struct{})}
	e := newTestEngineWith(newTestDB(t, "acc-1"), price.NewCollector(nil, nil), fleet.factory())
	if err := e.StartAccount(context.Background(), "acc-1"); err != nil {
		t.Fatalf("StartAccount: %v", err)
	}
	waitFor(t, "trader inside an exchange call", func() bool { return atomic.LoadInt32(&fleet.active) == 1 })

	var (
		wg       sync.WaitGroup
		returned int32
	)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.StopAccount("acc-1")
			atomic.AddInt32(&returned, 1)
		}()
	}
	waitFor(t, "stop in progress", func() bool { return e.stoppingRun("acc-1") != nil })
	time.Sleep(30 * time.Millisecond)
	if n := atomic.LoadInt32(&returned); n != 0 {
		t.Errorf("%d StopAccount calls returned before the trader exited", n)
	}

	close(fleet.gate)
	wg.Wait()
	if n := e.ActiveCount(); n != 0 {
		t.Errorf("ActiveCount = %d, want 0", n)
	}
	if _, err := e.Health("acc-1"); !errors.Is(err, ErrAccountNotRunning) {
		t.Errorf("Health after stop err = %v, want ErrAccountNotRunning", err)
	}
}
