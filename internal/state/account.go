package state

import (
	"context"

	"go.uber.org/zap"

	"multi-trader/pkg/db"
)

// AccountState is the account-level state shared by every combo: the reserve
// pool (in the shared scope) and the pending earnings column.
type AccountState struct {
	db        *db.Database
	accountID string
	shared    *Store
}

// NewAccountState binds shared state to an account.
func NewAccountState(database *db.Database, accountID string, logger *zap.Logger) *AccountState {
	return &AccountState{
		db:        database,
		accountID: accountID,
		shared:    NewStore(database, accountID, db.SharedScope, logger),
	}
}

func (a *AccountState) ReserveQty(ctx context.Context) float64 {
	return a.shared.GetFloat(ctx, db.KeyReserveQty, 0)
}

func (a *AccountState) ReserveCostUSDT(ctx context.Context) float64 {
	return a.shared.GetFloat(ctx, db.KeyReserveCostUSDT, 0)
}

func (a *AccountState) SetReserveQty(ctx context.Context, qty float64) error {
	return a.shared.Set(ctx, db.KeyReserveQty, qty)
}

func (a *AccountState) SetReserveCostUSDT(ctx context.Context, cost float64) error {
	return a.shared.Set(ctx, db.KeyReserveCostUSDT, cost)
}

// AddReserve adds qty and cost to the pool.
func (a *AccountState) AddReserve(ctx context.Context, qty, cost float64) error {
	if err := a.SetReserveQty(ctx, a.ReserveQty(ctx)+qty); err != nil {
		return err
	}
	return a.SetReserveCostUSDT(ctx, a.ReserveCostUSDT(ctx)+cost)
}

// Shared exposes the shared-scope store.
func (a *AccountState) Shared() *Store { return a.shared }

// AddPendingEarnings atomically increments the pending earnings.
func (a *AccountState) AddPendingEarnings(ctx context.Context, delta float64) error {
	return a.db.AddPendingEarnings(ctx, a.accountID, delta)
}

func (a *AccountState) PendingEarnings(ctx context.Context) (float64, error) {
	return a.db.GetPendingEarnings(ctx, a.accountID)
}

func (a *AccountState) ResetPendingEarnings(ctx context.Context) error {
	return a.db.ResetPendingEarnings(ctx, a.accountID)
}

// ApproveEarningsToReserve moves pct% of pending earnings into the reserve
// pool at price and zeroes the rest, atomically.
func (a *AccountState) ApproveEarningsToReserve(ctx context.Context, pct, price float64) (db.EarningsApproval, error) {
	return a.db.ApproveEarnings(ctx, a.accountID, pct, price)
}
