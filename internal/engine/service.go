// Package engine manages the fleet of account traders.
// The API layer only talks to the fleet through Service.
package engine

import (
	"context"

	"multi-trader/internal/trader"
	"multi-trader/pkg/db"
)

// Service defines the fleet operations exposed to the ops API.
type Service interface {
	// Trader lifecycle
	StartAccount(ctx context.Context, id string) error
	StopAccount(id string)
	ReloadAccount(ctx context.Context, id string) error

	// Operator actions
	ResumeBuying(ctx context.Context, id string) error
	ResetCircuitBreaker(ctx context.Context, id string) error
	ApproveEarnings(ctx context.Context, id string, pct float64) (db.EarningsApproval, error)

	// Queries
	AccountHealth() map[string]trader.Health
	Health(id string) (trader.Health, error)
	ListAccounts(ctx context.Context) ([]AccountSummary, error)
	OpenLots(ctx context.Context, id string) ([]Lot, error)
	AccountState(ctx context.Context, id, scope string) (map[string]string, error)
	ActiveCount() int

	// System
	SystemStatus() SystemStatus
}
