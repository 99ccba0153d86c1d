package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"multi-trader/internal/buypause"
	"multi-trader/internal/state"
	"multi-trader/internal/trader"
	"multi-trader/pkg/db"
)

var ErrAccountNotRunning = errors.New("account trader not running")

// Start-spread defaults.
const (
	DefaultJitterMax = 3 * time.Second
	DefaultStagger   = 500 * time.Millisecond
)

// StreamSubscriber keeps live price streams open for the symbols traded.
// *price.StreamManager satisfies it.
type StreamSubscriber interface {
	Subscribe(ctx context.Context, symbol string)
	Release(symbol string)
}

// Config holds everything needed to build the engine.
type Config struct {
	Deps    trader.Deps
	Trader  trader.Config
	Streams StreamSubscriber // optional

	JitterMax time.Duration
	Stagger   time.Duration
	// Rand returns values in [0, 1); math/rand when nil.
	Rand      func() float64
	Version   string
}

type run struct {
	trader   *trader.Trader
	cancel   context.CancelFunc
	done     chan struct{}
	symbol   string
	// stopping is set under Engine.mu; the run stays registered until done.
	stopping bool
}

func (r *run) exited() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

// Engine runs one trader goroutine per active account.
type Engine struct {
	deps      trader.Deps
	traderCfg trader.Config
	streams   StreamSubscriber
	jitterMax time.Duration
	stagger   time.Duration
	rand      func() float64
	version   string
	startedAt time.Time
	logger    *zap.Logger

	mu   sync.Mutex
	root context.Context
	runs map[string]*run
}

var _ Service = (*Engine)(nil)

// NewEngine creates an engine. Nothing runs until Start or StartAccount.
func NewEngine(cfg Config) *Engine {
	if cfg.Deps.Logger == nil {
		cfg.Deps.Logger = zap.NewNop()
	}
	if cfg.JitterMax < 0 {
		cfg.JitterMax = 0
	}
	if cfg.Stagger < 0 {
		cfg.Stagger = 0
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	return &Engine{
		deps:      cfg.Deps,
		traderCfg: cfg.Trader,
		streams:   cfg.Streams,
		jitterMax: cfg.JitterMax,
		stagger:   cfg.Stagger,
		rand:      cfg.Rand,
		version:   cfg.Version,
		startedAt: time.Now(),
		logger:    cfg.Deps.Logger.With(zap.String("component", "engine")),
		root:      context.Background(),
		runs:      make(map[string]*run),
	}
}

// StartDelays returns the start delay of each of n accounts: account i waits
// the sum over j <= i of U[0, jitterMax) + j*stagger.
func StartDelays(n int, jitterMax, stagger time.Duration, rnd func() float64) []time.Duration {
	out := make([]time.Duration, n)
	var total time.Duration
	for i := 0; i < n; i++ {
		total += time.Duration(rnd()*float64(jitterMax)) + time.Duration(i)*stagger
		out[i] = total
	}
	return out
}

// Start launches a trader for every active account, spreading their first
// cycles over time. Traders live until ctx is done or they are stopped.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	e.root = ctx
	e.mu.Unlock()

	accounts, err := e.deps.DB.ListActiveAccounts(ctx)
	if err != nil {
		return fmt.Errorf("load active accounts: %w", err)
	}
	e.logger.Info("starting trading engine", zap.Int("accounts", len(accounts)))

	delays := StartDelays(len(accounts), e.jitterMax, e.stagger, e.rand)
	for i, acc := range accounts {
		if err := e.startAccount(ctx, acc.ID, delays[i]); err != nil {
			e.logger.Error("failed to start account", zap.String("account_id", acc.ID), zap.Error(err))
		}
	}
	return nil
}

// StartAccount starts the account's trader unless it already runs or its
// circuit breaker is open.
func (e *Engine) StartAccount(ctx context.Context, id string) error {
	return e.startAccount(ctx, id, 0)
}

func (e *Engine) startAccount(ctx context.Context, id string, delay time.Duration) error {
	for {
		// A trader being stopped keeps the slot until it has exited, so two
		// traders never step the same account.
		if r := e.stoppingRun(id); r != nil {
			select {
			case <-r.done:
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		acc, err := e.deps.DB.GetAccount(ctx, id)
		if err != nil {
			return fmt.Errorf("load account %s: %w", id, err)
		}

		e.mu.Lock()
		if r, ok := e.runs[id]; ok {
			if !r.stopping {
				e.mu.Unlock()
				return nil
			}
			if !r.exited() {
				e.mu.Unlock()
				continue
			}
		}
		e.launch(acc, delay)
		e.mu.Unlock()
		return nil
	}
}

func (e *Engine) stoppingRun(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	if r, ok := e.runs[id]; ok && r.stopping {
		return r
	}
	return nil
}

// launch starts the trader goroutine. e.mu must be held.
func (e *Engine) launch(acc db.Account, delay time.Duration) {
	maxFailures := e.traderCfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = trader.DefaultMaxFailures
	}
	if acc.CircuitBreakerFailures >= maxFailures {
		e.logger.Warn("circuit breaker open, skipping start",
			zap.String("account_id", acc.ID),
			zap.Int("failures", acc.CircuitBreakerFailures))
		return
	}

	cfg := e.traderCfg
	cfg.StartDelay = delay
	tr := trader.New(acc.ID, e.deps, cfg)
	runCtx, cancel := context.WithCancel(e.root)
	r := &run{trader: tr, cancel: cancel, done: make(chan struct{}), symbol: acc.Symbol}
	e.runs[acc.ID] = r

	if e.streams != nil {
		e.streams.Subscribe(e.root, acc.Symbol)
	}

	go func() {
		defer close(r.done)
		if err := tr.Run(runCtx); err != nil {
			e.logger.Error("trader exited", zap.String("account_id", acc.ID), zap.Error(err))
		}
	}()

	e.deps.Metrics.SetActiveTraders(len(e.runs))
	e.logger.Info("started trader",
		zap.String("account_id", acc.ID),
		zap.String("symbol", acc.Symbol),
		zap.Duration("start_delay", delay))
}

// StopAccount stops the trader, waits for it to exit and only then forgets
// it. Concurrent calls for one id all wait for the same exit. Unknown ids are
// ignored.
func (e *Engine) StopAccount(id string) {
	e.mu.Lock()
	r, ok := e.runs[id]
	first := ok && !r.stopping
	if first {
		r.stopping = true
	}
	e.mu.Unlock()
	if !ok {
		return
	}

	if first {
		r.trader.Stop()
		r.cancel()
	}
	<-r.done
	if !first {
		return
	}

	e.mu.Lock()
	if e.runs[id] == r {
		delete(e.runs, id)
	}
	n := len(e.runs)
	e.mu.Unlock()

	if e.streams != nil {
		e.streams.Release(r.symbol)
	}
	e.deps.Metrics.SetActiveTraders(n)
	e.logger.Info("stopped trader", zap.String("account_id", id))
}

// StopAll stops every trader concurrently.
func (e *Engine) StopAll() {
	e.mu.Lock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	e.logger.Info("stopping all traders", zap.Int("count", len(ids)))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			e.StopAccount(id)
		}(id)
	}
	wg.Wait()
}

func (e *Engine) ReloadAccount(ctx context.Context, id string) error {
	e.StopAccount(id)
	return e.StartAccount(ctx, id)
}

// ResumeBuying forces the account's buy-pause state back to ACTIVE and wakes
// its trader.
func (e *Engine) ResumeBuying(ctx context.Context, id string) error {
	mgr := buypause.NewManager(e.deps.DB, id, e.logger.With(zap.String("account_id", id)))
	if err := mgr.Resume(ctx); err != nil {
		return err
	}
	if r := e.lookup(id); r != nil {
		r.trader.Wake()
	}
	return nil
}

// ResetCircuitBreaker clears the breaker, re-activates the account and
// restarts its trader.
func (e *Engine) ResetCircuitBreaker(ctx context.Context, id string) error {
	if err := e.deps.DB.ResetCircuitBreaker(ctx, id); err != nil {
		return err
	}
	e.logger.Info("circuit breaker reset", zap.String("account_id", id))
	return e.ReloadAccount(ctx, id)
}

// ApproveEarnings moves pct percent of the pending earnings into the reserve
// at the current price.
func (e *Engine) ApproveEarnings(ctx context.Context, id string, pct float64) (db.EarningsApproval, error) {
	acc, err := e.deps.DB.GetAccount(ctx, id)
	if err != nil {
		return db.EarningsApproval{}, err
	}
	px := e.deps.Prices.Price(ctx, acc.Symbol)
	if px <= 0 {
		return db.EarningsApproval{}, fmt.Errorf("no price for %s", acc.Symbol)
	}
	res, err := state.NewAccountState(e.deps.DB, id, e.logger).ApproveEarningsToReserve(ctx, pct, px)
	if err != nil {
		return res, err
	}
	e.logger.Info("earnings approved",
		zap.String("account_id", id),
		zap.Float64("total", res.TotalEarnings),
		zap.Float64("to_reserve_usdt", res.ToReserveUSDT),
		zap.Float64("price", px))
	return res, nil
}

func (e *Engine) lookup(id string) *run {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.runs[id]
}

func (e *Engine) AccountHealth() map[string]trader.Health {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]trader.Health, len(e.runs))
	for id, r := range e.runs {
		out[id] = r.trader.Health()
	}
	return out
}

func (e *Engine) Health(id string) (trader.Health, error) {
	r := e.lookup(id)
	if r == nil {
		return trader.Health{}, ErrAccountNotRunning
	}
	return r.trader.Health(), nil
}

func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.runs)
}

// --- Queries ---

func (e *Engine) ListAccounts(ctx context.Context) ([]AccountSummary, error) {
	accounts, err := e.deps.DB.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	health := e.AccountHealth()
	out := make([]AccountSummary, 0, len(accounts))
	for _, a := range accounts {
		s := AccountSummary{
			ID:                     a.ID,
			Name:                   a.Name,
			Exchange:               a.Exchange,
			Symbol:                 a.Symbol,
			IsActive:               a.IsActive,
			BuyPauseState:          a.BuyPauseState,
			CircuitBreakerFailures: a.CircuitBreakerFailures,
			LastSuccessAt:          a.LastSuccessAt,
			PendingEarningsUSDT:    a.PendingEarningsUSDT,
		}
		if h, ok := health[a.ID]; ok {
			s.Running = h.Running
		}
		if pos, err := e.deps.DB.GetPosition(ctx, a.ID, a.Symbol); err == nil {
			s.PositionQty = pos.Qty
			s.AvgEntry = pos.AvgEntry
		} else if !errors.Is(err, db.ErrNotFound) {
			return nil, err
		}
		if s.OpenLots, err = e.deps.DB.CountOpenLots(ctx, a.ID); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (e *Engine) OpenLots(ctx context.Context, id string) ([]Lot, error) {
	if _, err := e.deps.DB.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	lots, err := e.deps.DB.GetOpenLots(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]Lot, 0, len(lots))
	for _, l := range lots {
		out = append(out, Lot{
			LotID:       l.LotID,
			ComboID:     l.ComboID,
			Strategy:    l.StrategyName,
			BuyPrice:    l.BuyPrice,
			BuyQty:      l.BuyQty,
			BuyTime:     time.UnixMilli(l.BuyTimeMs).UTC(),
			SellOrderID: l.SellOrderID,
		})
	}
	return out, nil
}

// AccountState returns every key of one scope; scope "shared" is the
// account-level reserve.
func (e *Engine) AccountState(ctx context.Context, id, scope string) (map[string]string, error) {
	if _, err := e.deps.DB.GetAccount(ctx, id); err != nil {
		return nil, err
	}
	return state.NewStore(e.deps.DB, id, scope, e.logger).GetAll(ctx)
}

// --- System ---

func (e *Engine) SystemStatus() SystemStatus {
	var symbols []string
	var prices map[string]float64
	if e.deps.Prices != nil {
		symbols = e.deps.Prices.Symbols()
		prices = e.deps.Prices.Cache().Snapshot()
	}
	return SystemStatus{
		Version:       e.version,
		StartedAt:     e.startedAt.UTC(),
		ServerTime:    time.Now().UTC(),
		ActiveTraders: e.ActiveCount(),
		Symbols:       symbols,
		Prices:        prices,
	}
}
