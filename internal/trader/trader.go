// Package trader runs the control loop of a single account: reconcile, price,
// run every enabled combo, update the buy-pause state, sleep, repeat.
package trader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"multi-trader/internal/buypause"
	"multi-trader/internal/events"
	"multi-trader/internal/monitor"
	"multi-trader/internal/price"
	"multi-trader/internal/ratelimit"
	"multi-trader/internal/state"
	"multi-trader/internal/strategy"
	"multi-trader/pkg/db"
	"multi-trader/pkg/exchanges/common"
)

// ErrBreakerTripped is returned by Run when the account's circuit breaker is
// (or becomes) open.
var ErrBreakerTripped = errors.New("circuit breaker tripped")

const (
	DefaultStepTimeout = 180 * time.Second
	DefaultMaxFailures = 5
	DefaultMaxBackoff  = 60.0 // seconds
	defaultLoopSec     = 60
)

// Config tunes one trader.
type Config struct {
	StepTimeout time.Duration
	MaxFailures int
	// MaxBackoffSec caps the failure backoff of 2^(failures-1) seconds.
	MaxBackoffSec float64
	// TimeUnit is the length of one loop "second"; tests shrink it.
	TimeUnit time.Duration
	// StartDelay is waited once before the first cycle.
	StartDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.StepTimeout <= 0 {
		c.StepTimeout = DefaultStepTimeout
	}
	if c.MaxFailures <= 0 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.MaxBackoffSec <= 0 {
		c.MaxBackoffSec = DefaultMaxBackoff
	}
	if c.TimeUnit <= 0 {
		c.TimeUnit = time.Second
	}
	return c
}

// Deps are shared across every trader of the fleet.
type Deps struct {
	DB       *db.Database
	Limiter  ratelimit.Limiter
	Prices   *price.Collector
	Factory  ClientFactory
	Registry *strategy.Registry
	Bus      *events.Bus
	Metrics  *monitor.Metrics
	Logger   *zap.Logger
}

// Health is the trader snapshot served by the ops API.
type Health struct {
	AccountID           string     `json:"account_id"`
	Running             bool       `json:"running"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSuccessAt       *time.Time `json:"last_success_at"`
	BuyPauseState       string     `json:"buy_pause_state"`
	StartDelay          float64    `json:"start_delay"`
}

type comboLogics struct {
	buyName  string
	sellName string
	buy      strategy.BuyLogic
	sell     strategy.SellLogic
}

// Trader owns one account. Steps never overlap.
type Trader struct {
	accountID string
	deps      Deps
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
	stepFn    func(ctx context.Context) error

	stopOnce sync.Once
	stopCh   chan struct{}
	wakeCh   chan struct{}

	mu            sync.RWMutex
	running       bool
	failures      int
	lastSuccess   *time.Time
	pauseState    buypause.State
	lowCount      int
	throttleCycle int
	hasOpen       bool
	loopSec       int

	// owned by the loop goroutine
	client common.ExchangeClient
	logics map[string]*comboLogics
}

// New builds a trader for accountID. Nothing runs until Run.
func New(accountID string, deps Deps, cfg Config) *Trader {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Registry == nil {
		deps.Registry = strategy.NewRegistry()
	}
	if deps.Limiter == nil {
		deps.Limiter = ratelimit.New(ratelimit.DefaultMax, ratelimit.DefaultPeriod)
	}
	if deps.Prices == nil {
		deps.Prices = price.NewCollector(nil, deps.Logger)
	}
	t := &Trader{
		accountID:  accountID,
		deps:       deps,
		cfg:        cfg.withDefaults(),
		logger:     deps.Logger.With(zap.String("account_id", accountID)),
		now:        time.Now,
		stopCh:     make(chan struct{}),
		wakeCh:     make(chan struct{}, 1),
		pauseState: buypause.Active,
		loopSec:    defaultLoopSec,
		logics:     make(map[string]*comboLogics),
	}
	t.stepFn = t.step
	return t
}

func (t *Trader) AccountID() string { return t.accountID }

// Stop ends the loop at its next sleep or step boundary.
func (t *Trader) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Wake cuts the current loop sleep short, e.g. after a manual resume.
func (t *Trader) Wake() {
	select {
	case t.wakeCh <- struct{}{}:
	default:
	}
}

func (t *Trader) Health() Health {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var last *time.Time
	if t.lastSuccess != nil {
		ts := *t.lastSuccess
		last = &ts
	}
	return Health{
		AccountID:           t.accountID,
		Running:             t.running,
		ConsecutiveFailures: t.failures,
		LastSuccessAt:       last,
		BuyPauseState:       string(t.pauseState),
		StartDelay:          t.cfg.StartDelay.Seconds(),
	}
}

func (t *Trader) stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

func (t *Trader) setRunning(v bool) {
	t.mu.Lock()
	t.running = v
	t.mu.Unlock()
}

// Run drives the account until ctx is done, Stop is called or the circuit
// breaker trips. A clean stop returns nil.
func (t *Trader) Run(ctx context.Context) error {
	t.setRunning(true)
	defer t.setRunning(false)

	if t.cfg.StartDelay > 0 {
		t.logger.Info("trader start delayed", zap.Duration("delay", t.cfg.StartDelay))
		if !t.sleep(ctx, t.cfg.StartDelay, false) {
			return nil
		}
	}

	if err := t.init(ctx); err != nil {
		return err
	}
	t.logger.Info("trading loop started")

	for {
		if ctx.Err() != nil || t.stopped() {
			t.logger.Info("trading loop stopped")
			return nil
		}

		err := t.runStep(ctx)
		if err != nil {
			if ctx.Err() != nil || t.stopped() {
				t.logger.Info("trading loop stopped")
				return nil
			}
			failures := t.recordFailure(err)
			if failures >= t.cfg.MaxFailures {
				t.trip(ctx, err)
				return fmt.Errorf("%w: %v", ErrBreakerTripped, err)
			}
			if !t.sleep(ctx, t.backoff(failures), false) {
				return nil
			}
			continue
		}

		if !t.sleep(ctx, t.interval(), true) {
			return nil
		}
	}
}

// init restores the breaker counter and builds the exchange client. Any
// failure after the account loads opens the breaker.
func (t *Trader) init(ctx context.Context) error {
	acc, err := t.deps.DB.GetAccount(ctx, t.accountID)
	if err != nil {
		return fmt.Errorf("load account %s: %w", t.accountID, err)
	}

	t.mu.Lock()
	t.failures = acc.CircuitBreakerFailures
	t.lastSuccess = acc.LastSuccessAt
	t.pauseState = buypause.ParseState(acc.BuyPauseState)
	t.lowCount = acc.ConsecutiveLowBalance
	if acc.LoopIntervalSec > 0 {
		t.loopSec = acc.LoopIntervalSec
	}
	t.mu.Unlock()

	if acc.CircuitBreakerFailures >= t.cfg.MaxFailures {
		t.logger.Warn("circuit breaker open, refusing to start",
			zap.Int("failures", acc.CircuitBreakerFailures))
		return ErrBreakerTripped
	}

	if t.deps.Factory == nil {
		err = errors.New("no client factory configured")
	} else {
		t.client, err = t.deps.Factory.NewClient(ctx, acc)
	}
	if err != nil {
		t.logger.Error("client init failed", zap.Error(err))
		t.mu.Lock()
		t.failures = t.cfg.MaxFailures
		t.mu.Unlock()
		t.trip(ctx, err)
		return fmt.Errorf("%w: init client: %v", ErrBreakerTripped, err)
	}
	t.client = instrument(t.client, t.deps.Metrics)
	t.deps.Prices.RegisterClient(acc.Symbol, t.client)
	return nil
}

// runStep runs one step under the step timeout. A panic counts as an error.
func (t *Trader) runStep(ctx context.Context) (err error) {
	stepCtx, cancel := context.WithTimeout(ctx, t.cfg.StepTimeout)
	defer cancel()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panic: %v", r)
		}
		t.deps.Metrics.ObserveCycle(t.accountID, time.Since(start))
	}()

	err = t.stepFn(stepCtx)
	if err != nil && ctx.Err() == nil && errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("step timed out after %s: %w", t.cfg.StepTimeout, err)
	}
	return err
}

func (t *Trader) recordFailure(err error) int {
	t.mu.Lock()
	t.failures++
	n := t.failures
	t.mu.Unlock()
	t.deps.Metrics.StepFailed(t.accountID)
	t.logger.Error("step failed", zap.Int("failures", n), zap.Error(err))
	return n
}

func (t *Trader) recordSuccess(at time.Time) {
	t.mu.Lock()
	t.failures = 0
	t.lastSuccess = &at
	t.mu.Unlock()
}

// trip persists the open breaker. It runs even when ctx is already done.
func (t *Trader) trip(ctx context.Context, cause error) {
	t.mu.RLock()
	failures := t.failures
	t.mu.RUnlock()

	now := t.now()
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := t.deps.DB.UpdateCircuitBreaker(pctx, t.accountID, failures, &now); err != nil {
		t.logger.Error("persist circuit breaker failed", zap.Error(err))
	}

	t.logger.Error("circuit breaker triggered",
		zap.String("event", string(events.EventBreakerTripped)),
		zap.Int("failures", failures),
		zap.Error(cause))
	t.deps.Metrics.BreakerTripped(t.accountID)
	t.deps.Bus.Publish(events.TradeEvent{
		Type:      events.EventBreakerTripped,
		AccountID: t.accountID,
		Fields:    map[string]any{"failures": failures, "error": cause.Error()},
	})
}

func (t *Trader) backoff(failures int) time.Duration {
	sec := math.Min(t.cfg.MaxBackoffSec, math.Pow(2, float64(failures-1)))
	return time.Duration(sec * float64(t.cfg.TimeUnit))
}

func (t *Trader) interval() time.Duration {
	t.mu.RLock()
	sec := buypause.ComputeInterval(t.loopSec, t.pauseState, t.hasOpen)
	t.mu.RUnlock()
	return time.Duration(sec * float64(t.cfg.TimeUnit))
}

// sleep waits d. It reports false when the trader should exit.
func (t *Trader) sleep(ctx context.Context, d time.Duration, wakeable bool) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	var wake <-chan struct{}
	if wakeable {
		wake = t.wakeCh
	}
	select {
	case <-ctx.Done():
		return false
	case <-t.stopCh:
		return false
	case <-wake:
		return true
	case <-timer.C:
		return true
	}
}

func newCycleID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// step is one trading cycle.
func (t *Trader) step(ctx context.Context) error {
	cycleID := newCycleID()
	log := t.logger.With(zap.String("cycle_id", cycleID))
	started := t.now()

	acc, err := t.deps.DB.GetAccount(ctx, t.accountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}
	if !acc.IsActive {
		log.Debug("account inactive, skipping cycle")
		return nil
	}

	t.mu.Lock()
	t.pauseState = buypause.ParseState(acc.BuyPauseState)
	t.lowCount = acc.ConsecutiveLowBalance
	if acc.LoopIntervalSec > 0 {
		t.loopSec = acc.LoopIntervalSec
	}
	pauseState, lowCount := t.pauseState, t.lowCount
	t.mu.Unlock()

	if err := t.deps.Limiter.Acquire(ctx, 1); err != nil {
		return err
	}
	t.publish(log, events.EventCycleStart, map[string]any{"cycle_id": cycleID})

	if _, err := t.syncOrdersAndFills(ctx, acc, t.client, log); err != nil {
		return err
	}

	px := t.deps.Prices.Price(ctx, acc.Symbol)
	if px <= 0 {
		px = t.deps.Prices.Refresh(ctx, acc.Symbol)
	}
	if px <= 0 {
		log.Warn("price unavailable, skipping cycle", zap.String("symbol", acc.Symbol))
		return nil
	}

	balanceOK := t.checkBalance(ctx, acc, log)

	combos, err := t.deps.DB.ListEnabledCombos(ctx, acc.ID)
	if err != nil {
		return fmt.Errorf("load combos: %w", err)
	}
	if len(combos) == 0 {
		log.Debug("no enabled combos, skipping cycle")
		return nil
	}

	before, err := t.deps.DB.CountOpenLots(ctx, acc.ID)
	if err != nil {
		return fmt.Errorf("count open lots: %w", err)
	}

	acctState := state.NewAccountState(t.deps.DB, acc.ID, log)
	repos := strategy.NewRepos(t.deps.DB)
	for _, combo := range combos {
		if err := t.runCombo(ctx, acc, combo, px, pauseState, balanceOK, acctState, repos, log); err != nil {
			return fmt.Errorf("combo %s (%s): %w", combo.Name, combo.ID, err)
		}
	}

	after, err := t.deps.DB.CountOpenLots(ctx, acc.ID)
	if err != nil {
		return fmt.Errorf("count open lots: %w", err)
	}
	sellOccurred := after < before

	if sellOccurred && pauseState == buypause.Paused {
		if free, err := t.client.GetFreeBalance(ctx, acc.QuoteAsset); err == nil {
			balanceOK = free >= buypause.MinTradeUSDT
			if balanceOK {
				log.Info("sell detected and balance recovered, resuming buys", zap.Float64("free", free))
			}
		}
	}

	pause := buypause.NewManager(t.deps.DB, acc.ID, log)
	next, nextCount, err := pause.UpdateState(ctx, pauseState, lowCount, balanceOK, sellOccurred)
	if err != nil {
		return err
	}

	now := t.now()
	if err := t.deps.DB.UpdateLastSuccess(ctx, acc.ID, now); err != nil {
		return err
	}

	t.mu.Lock()
	t.pauseState = next
	t.lowCount = nextCount
	t.hasOpen = after > 0
	t.mu.Unlock()
	t.recordSuccess(now)

	t.deps.Metrics.SetBuyPauseState(acc.ID, string(next))
	if next != pauseState {
		t.publish(log, events.EventStateChange, map[string]any{
			"buy_pause_from": string(pauseState),
			"buy_pause_to":   string(next),
		})
	}
	t.publish(log, events.EventCycleEnd, map[string]any{
		"cycle_id":    cycleID,
		"price":       px,
		"open_lots":   after,
		"duration_ms": now.Sub(started).Milliseconds(),
	})
	return nil
}

func (t *Trader) checkBalance(ctx context.Context, acc db.Account, log *zap.Logger) bool {
	free, err := t.client.GetFreeBalance(ctx, acc.QuoteAsset)
	if err != nil {
		log.Warn("balance check failed, skipping buys this cycle", zap.Error(err))
		return false
	}
	t.deps.Metrics.SetQuoteBalance(acc.ID, free)
	return free >= buypause.MinTradeUSDT
}

// runCombo runs the buy pre-tick, the sell tick and the guarded buy tick of
// one combo.
func (t *Trader) runCombo(ctx context.Context, acc db.Account, combo db.Combo, px float64,
	pauseState buypause.State, balanceOK bool, acctState *state.AccountState, repos strategy.Repos, log *zap.Logger) error {
	logics, err := t.logicsFor(combo)
	if err != nil {
		return err
	}
	clog := log.With(zap.String("combo_id", combo.ID))

	base := strategy.Context{
		AccountID:         acc.ID,
		ComboID:           combo.ID,
		Symbol:            acc.Symbol,
		BaseAsset:         acc.BaseAsset,
		QuoteAsset:        acc.QuoteAsset,
		Price:             px,
		ClientOrderPrefix: clientOrderPrefix(acc.ID, combo.ID),
		Events:            t.deps.Bus,
		Now:               t.now,
	}
	buyCtx := base
	buyCtx.Params = json.RawMessage(combo.BuyParams)
	buyCtx.Logger = clog.With(zap.String("logic", logics.buyName))
	if combo.ReferenceComboID != "" {
		ref := state.NewStore(t.deps.DB, acc.ID, combo.ReferenceComboID, clog)
		buyCtx.Reference = state.NewReferenceHandle(combo.ReferenceComboID, ref)
	}
	sellCtx := base
	sellCtx.Params = json.RawMessage(combo.SellParams)
	sellCtx.Logger = clog.With(zap.String("logic", logics.sellName))

	st := state.NewStore(t.deps.DB, acc.ID, combo.ID, clog)

	if err := logics.buy.PreTick(ctx, &buyCtx, st, t.client, repos); err != nil {
		return fmt.Errorf("%s pre-tick: %w", logics.buyName, err)
	}

	lots, err := t.deps.DB.GetOpenLotsByCombo(ctx, acc.ID, combo.ID)
	if err != nil {
		return err
	}
	if err := logics.sell.Tick(ctx, &sellCtx, st, t.client, acctState, repos, lots); err != nil {
		return fmt.Errorf("%s tick: %w", logics.sellName, err)
	}

	t.mu.Lock()
	shouldBuy, cycle := buypause.ShouldAttemptBuy(pauseState, balanceOK, t.throttleCycle)
	t.throttleCycle = cycle
	t.mu.Unlock()
	if !shouldBuy {
		return nil
	}
	if err := logics.buy.Tick(ctx, &buyCtx, st, t.client, acctState, repos); err != nil {
		return fmt.Errorf("%s tick: %w", logics.buyName, err)
	}
	return nil
}

// logicsFor returns the cached logic instances of a combo, rebuilding them
// when the combo switched logic.
func (t *Trader) logicsFor(combo db.Combo) (*comboLogics, error) {
	if l, ok := t.logics[combo.ID]; ok && l.buyName == combo.BuyLogicName && l.sellName == combo.SellLogicName {
		return l, nil
	}
	buy, err := t.deps.Registry.NewBuy(combo.BuyLogicName)
	if err != nil {
		return nil, err
	}
	sell, err := t.deps.Registry.NewSell(combo.SellLogicName)
	if err != nil {
		return nil, err
	}
	l := &comboLogics{buyName: combo.BuyLogicName, sellName: combo.SellLogicName, buy: buy, sell: sell}
	t.logics[combo.ID] = l
	return l, nil
}

func (t *Trader) publish(log *zap.Logger, ev events.Event, fields map[string]any) {
	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.String("event", string(ev)))
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}
	log.Info(strings.ToLower(strings.ReplaceAll(string(ev), "_", " ")), zf...)
	t.deps.Bus.Publish(events.TradeEvent{Type: ev, AccountID: t.accountID, Fields: fields})
}

// clientOrderPrefix tags orders with short account and combo ids.
func clientOrderPrefix(accountID, comboID string) string {
	return "CMT_" + short(accountID) + "_" + short(comboID)
}

func short(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
