// Package buypause throttles and then pauses buying while an account's quote
// balance stays too low. Selling is never affected.
//
//	ACTIVE -(low once)-> THROTTLED -(3 in a row)-> PAUSED
//	THROTTLED/PAUSED -(balance back)-> ACTIVE
//	manual resume -> ACTIVE
package buypause

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"multi-trader/pkg/db"
)

// State is the account's buy-pause state.
type State string

const (
	Active    State = db.BuyPauseActive
	Throttled State = db.BuyPauseThrottled
	Paused    State = db.BuyPausePaused
)

const (
	// MinTradeUSDT is the free quote balance that counts as "enough".
	MinTradeUSDT = 6.0
	// ThrottleEveryN lets one cycle in N attempt a buy while THROTTLED.
	ThrottleEveryN = 5
	// DeepSleepSec is the loop interval while PAUSED with nothing to sell.
	DeepSleepSec = 7200
	// PauseThreshold is the consecutive low-balance count that pauses.
	PauseThreshold = 3

	ReasonLowBalance = "LOW_BALANCE"
)

// ParseState maps a stored value to a State, ACTIVE when unknown.
func ParseState(s string) State {
	switch State(s) {
	case Throttled:
		return Throttled
	case Paused:
		return Paused
	default:
		return Active
	}
}

// Store persists transitions. *db.Database satisfies it.
type Store interface {
	UpdateBuyPause(ctx context.Context, accountID string, u db.BuyPauseUpdate) error
	ResumeBuyPause(ctx context.Context, accountID string) error
}

// Manager applies transitions for one account.
type Manager struct {
	store     Store
	accountID string
	logger    *zap.Logger
	now       func() time.Time
}

func NewManager(store Store, accountID string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, accountID: accountID, logger: logger, now: time.Now}
}

// UpdateState computes the next state from this cycle's balance check and
// persists it when state or count changed.
func (m *Manager) UpdateState(ctx context.Context, current State, count int, balanceOK, sellOccurred bool) (State, int, error) {
	next, nextCount := current, count

	switch {
	case balanceOK:
		next, nextCount = Active, 0
	case sellOccurred && current == Paused:
		nextCount = count + 1
		m.logger.Info("sell occurred but balance still low, staying paused", zap.Int("consecutive_low", nextCount))
	default:
		nextCount = count + 1
		if nextCount >= PauseThreshold {
			next = Paused
		} else if nextCount >= 1 {
			next = Throttled
		}
	}

	if next == current && nextCount == count {
		return next, nextCount, nil
	}

	u := db.BuyPauseUpdate{State: string(next), ConsecutiveLow: nextCount}
	if next == Active {
		if current != Active {
			m.logger.Info("buy pause cleared", zap.String("from", string(current)))
		}
	} else {
		u.Reason = ReasonLowBalance
		if current == Active {
			now := m.now()
			u.Since = &now
		} else {
			u.KeepSince = true
		}
		if next != current {
			m.logger.Warn("buy pause state changed",
				zap.String("from", string(current)),
				zap.String("to", string(next)),
				zap.Int("consecutive_low", nextCount))
		}
	}

	if err := m.store.UpdateBuyPause(ctx, m.accountID, u); err != nil {
		return current, count, fmt.Errorf("persist buy pause: %w", err)
	}
	return next, nextCount, nil
}

// Resume forces ACTIVE and resets the counter.
func (m *Manager) Resume(ctx context.Context) error {
	if err := m.store.ResumeBuyPause(ctx, m.accountID); err != nil {
		return fmt.Errorf("resume buy pause: %w", err)
	}
	m.logger.Info("buy pause manually resumed")
	return nil
}

// ShouldAttemptBuy decides whether this cycle may buy and returns the updated
// throttle cycle counter (kept by the trader across cycles).
func ShouldAttemptBuy(state State, balanceOK bool, cycle int) (bool, int) {
	switch state {
	case Paused:
		return false, cycle
	case Throttled:
		cycle++
		return cycle%ThrottleEveryN == 0, cycle
	default:
		return balanceOK, 0
	}
}

// ComputeInterval returns the loop interval in seconds: a deep sleep when
// paused with nothing left to sell, the base interval otherwise.
func ComputeInterval(baseSec int, state State, hasOpenPositions bool) float64 {
	if state == Paused && !hasOpenPositions {
		return DeepSleepSec
	}
	return float64(baseSec)
}
