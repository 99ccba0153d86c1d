// Package scheduler runs the periodic fleet-wide jobs: price refresh and the
// health snapshot.
package scheduler

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"multi-trader/internal/price"
	"multi-trader/internal/trader"
	"multi-trader/pkg/exchanges/sim"
)

// staleAfter drops cached prices nobody refreshed for this long.
const staleAfter = 10 * time.Minute

// SimSource lists the paper-trading simulators that follow live prices.
// *trader.DefaultFactory satisfies it.
type SimSource interface {
	Sims() map[string]*sim.Exchange
}

// HealthSource reports trader health. *engine.Engine satisfies it.
type HealthSource interface {
	AccountHealth() map[string]trader.Health
}

// HealthSummary is what one health snapshot found.
type HealthSummary struct {
	Traders int
	Running int
	Failing []string
	Paused  []string
	TakenAt time.Time
}

// Scheduler manages all cron tasks.
type Scheduler struct {
	Cron   *cron.Cron
	Prices *price.Collector
	Sims   SimSource
	Health HealthSource
	Logger *zap.Logger
	Ctx    context.Context
}

// NewScheduler creates a new Scheduler. sims and health may be nil.
func NewScheduler(ctx context.Context, prices *price.Collector, sims SimSource, health HealthSource, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		Cron:   cron.New(cron.WithSeconds()),
		Prices: prices,
		Sims:   sims,
		Health: health,
		Logger: logger.With(zap.String("component", "scheduler")),
		Ctx:    ctx,
	}
}

// RegisterAll registers the price refresh and health snapshot jobs.
func (s *Scheduler) RegisterAll(priceCron, healthCron string) error {
	if _, err := s.Cron.AddFunc(priceCron, func() { s.RefreshPricesNow() }); err != nil {
		return fmt.Errorf("register price refresh: %w", err)
	}
	if _, err := s.Cron.AddFunc(healthCron, func() { s.SnapshotHealth() }); err != nil {
		return fmt.Errorf("register health snapshot: %w", err)
	}
	return nil
}

func (s *Scheduler) Start() {
	s.Cron.Start()
	s.Logger.Info("scheduler started", zap.Int("jobs", len(s.Cron.Entries())))
}

// Stop stops the scheduler and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.Cron.Stop().Done()
	s.Logger.Info("scheduler stopped")
}

// RefreshPricesNow refreshes every registered symbol and moves the simulators
// to the fresh prices. It returns the refreshed prices.
func (s *Scheduler) RefreshPricesNow() map[string]float64 {
	if s.Prices == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.Ctx, 30*time.Second)
	defer cancel()

	if n := s.Prices.Cache().Cleanup(staleAfter); n > 0 {
		s.Logger.Debug("dropped stale prices", zap.Int("count", n))
	}
	prices := s.Prices.RefreshAll(ctx)

	if s.Sims != nil {
		for id, ex := range s.Sims.Sims() {
			p, ok := prices[strings.ToUpper(ex.Symbol())]
			if !ok || p <= 0 || p == ex.Price() {
				continue
			}
			ex.SetPrice(p)
			s.Logger.Debug("sim price moved",
				zap.String("account_id", id),
				zap.String("symbol", ex.Symbol()),
				zap.Float64("price", p))
		}
	}
	return prices
}

// SnapshotHealth logs the fleet health and returns what it found.
func (s *Scheduler) SnapshotHealth() HealthSummary {
	sum := HealthSummary{TakenAt: time.Now()}
	if s.Health == nil {
		return sum
	}
	health := s.Health.AccountHealth()
	ids := make([]string, 0, len(health))
	for id := range health {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	sum.Traders = len(ids)
	for _, id := range ids {
		h := health[id]
		if h.Running {
			sum.Running++
		}
		if h.ConsecutiveFailures > 0 {
			sum.Failing = append(sum.Failing, id)
		}
		if h.BuyPauseState == "PAUSED" {
			sum.Paused = append(sum.Paused, id)
		}
	}

	log := s.Logger.Info
	if len(sum.Failing) > 0 || sum.Running < sum.Traders {
		log = s.Logger.Warn
	}
	log("fleet health",
		zap.Int("traders", sum.Traders),
		zap.Int("running", sum.Running),
		zap.Strings("failing", sum.Failing),
		zap.Strings("paused", sum.Paused))
	return sum
}
