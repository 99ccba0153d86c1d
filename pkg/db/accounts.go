package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Buy-pause states as stored in accounts.buy_pause_state.
const (
	BuyPauseActive    = "ACTIVE"
	BuyPauseThrottled = "THROTTLED"
	BuyPausePaused    = "PAUSED"
)

// Account-level shared state lives in this scope of strategy_state.
const (
	SharedScope        = "shared"
	KeyReserveQty      = "reserve_qty"
	KeyReserveCostUSDT = "reserve_cost_usdt"
)

// Account is one trading account row.
type Account struct {
	ID                       string
	Name                     string
	Exchange                 string
	Symbol                   string
	BaseAsset                string
	QuoteAsset               string
	APIKey                   string
	APISecret                string
	IsActive                 bool
	CircuitBreakerFailures   int
	CircuitBreakerDisabledAt *time.Time
	LastSuccessAt            *time.Time
	BuyPauseState            string
	BuyPauseReason           string
	BuyPauseSince            *time.Time
	ConsecutiveLowBalance    int
	PendingEarningsUSDT      float64
	LoopIntervalSec          int
	OrderCooldownSec         int
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// BuyPauseUpdate carries a buy-pause transition. An empty Reason is stored as
// NULL; KeepSince leaves buy_pause_since untouched.
type BuyPauseUpdate struct {
	State          string
	ConsecutiveLow int
	Reason         string
	Since          *time.Time
	KeepSince      bool
}

// EarningsApproval reports how pending earnings were split.
type EarningsApproval struct {
	TotalEarnings float64 `json:"total_earnings"`
	ToReserveUSDT float64 `json:"to_reserve_usdt"`
	ToReserveQty  float64 `json:"to_reserve_qty"`
	ToLiquidUSDT  float64 `json:"to_liquid_usdt"`
	ReservePct    float64 `json:"reserve_pct"`
}

const accountColumns = `id, name, exchange, symbol, base_asset, quote_asset, api_key, api_secret,
	is_active, circuit_breaker_failures, circuit_breaker_disabled_at, last_success_at,
	buy_pause_state, COALESCE(buy_pause_reason, ''), buy_pause_since, consecutive_low_balance,
	pending_earnings_usdt, loop_interval_sec, order_cooldown_sec, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var (
		a                                   Account
		active                              int
		disabledAt, lastSuccess, pauseSince sql.NullInt64
		created, updated                    int64
	)
	err := row.Scan(&a.ID, &a.Name, &a.Exchange, &a.Symbol, &a.BaseAsset, &a.QuoteAsset, &a.APIKey, &a.APISecret,
		&active, &a.CircuitBreakerFailures, &disabledAt, &lastSuccess,
		&a.BuyPauseState, &a.BuyPauseReason, &pauseSince, &a.ConsecutiveLowBalance,
		&a.PendingEarningsUSDT, &a.LoopIntervalSec, &a.OrderCooldownSec, &created, &updated)
	if err != nil {
		return Account{}, err
	}
	a.IsActive = active != 0
	a.CircuitBreakerDisabledAt = timeFromNull(disabledAt)
	a.LastSuccessAt = timeFromNull(lastSuccess)
	a.BuyPauseSince = timeFromNull(pauseSince)
	a.CreatedAt = time.UnixMilli(created)
	a.UpdatedAt = time.UnixMilli(updated)
	return a, nil
}

func normalizeAccount(a *Account) {
	if a.Exchange == "" {
		a.Exchange = "binance"
	}
	if a.BuyPauseState == "" {
		a.BuyPauseState = BuyPauseActive
	}
	if a.LoopIntervalSec <= 0 {
		a.LoopIntervalSec = 60
	}
	if a.OrderCooldownSec <= 0 {
		a.OrderCooldownSec = 7
	}
	a.Symbol = strings.ToUpper(a.Symbol)
	a.BaseAsset = strings.ToUpper(a.BaseAsset)
	a.QuoteAsset = strings.ToUpper(a.QuoteAsset)
}

// CreateAccount inserts a new account row.
func (d *Database) CreateAccount(ctx context.Context, a Account) error {
	if a.ID == "" {
		return errors.New("account id is required")
	}
	normalizeAccount(&a)
	now := nowMillis()
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO accounts (id, name, exchange, symbol, base_asset, quote_asset, api_key, api_secret,
			is_active, loop_interval_sec, order_cooldown_sec, buy_pause_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.Name, a.Exchange, a.Symbol, a.BaseAsset, a.QuoteAsset, a.APIKey, a.APISecret,
		boolInt(a.IsActive), a.LoopIntervalSec, a.OrderCooldownSec, a.BuyPauseState, now, now)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// UpsertAccount writes the configuration columns of an account inside tx,
// leaving runtime columns (breaker, pause, earnings) alone on update.
func (t *Tx) UpsertAccount(ctx context.Context, a Account) error {
	if a.ID == "" {
		return errors.New("account id is required")
	}
	normalizeAccount(&a)
	now := nowMillis()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO accounts (id, name, exchange, symbol, base_asset, quote_asset, api_key, api_secret,
			is_active, loop_interval_sec, order_cooldown_sec, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			exchange = excluded.exchange,
			symbol = excluded.symbol,
			base_asset = excluded.base_asset,
			quote_asset = excluded.quote_asset,
			api_key = excluded.api_key,
			api_secret = excluded.api_secret,
			is_active = excluded.is_active,
			loop_interval_sec = excluded.loop_interval_sec,
			order_cooldown_sec = excluded.order_cooldown_sec,
			updated_at = excluded.updated_at
	`, a.ID, a.Name, a.Exchange, a.Symbol, a.BaseAsset, a.QuoteAsset, a.APIKey, a.APISecret,
		boolInt(a.IsActive), a.LoopIntervalSec, a.OrderCooldownSec, now, now)
	if err != nil {
		return fmt.Errorf("upsert account %s: %w", a.ID, err)
	}
	return nil
}

// UpsertAccount is the non-transactional form of Tx.UpsertAccount.
func (d *Database) UpsertAccount(ctx context.Context, a Account) error {
	return d.WithTx(ctx, func(tx *Tx) error { return tx.UpsertAccount(ctx, a) })
}

// GetAccount loads one account or ErrNotFound.
func (d *Database) GetAccount(ctx context.Context, id string) (Account, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Account{}, ErrNotFound
	}
	if err != nil {
		return Account{}, fmt.Errorf("get account %s: %w", id, err)
	}
	return a, nil
}

// ListActiveAccounts returns accounts with is_active set, oldest first.
func (d *Database) ListActiveAccounts(ctx context.Context) ([]Account, error) {
	return d.listAccounts(ctx, `WHERE is_active = 1`)
}

// ListAccounts returns every account, oldest first.
func (d *Database) ListAccounts(ctx context.Context) ([]Account, error) {
	return d.listAccounts(ctx, "")
}

func (d *Database) listAccounts(ctx context.Context, where string) ([]Account, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts `+where+` ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("query accounts: %w", err)
	}
	defer rows.Close()

	var out []Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (d *Database) execAccount(ctx context.Context, what, id, query string, args ...any) error {
	res, err := d.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", what, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateCircuitBreaker persists the failure counter and the trip time.
func (d *Database) UpdateCircuitBreaker(ctx context.Context, id string, failures int, disabledAt *time.Time) error {
	return d.execAccount(ctx, "update circuit breaker", id, `
		UPDATE accounts SET circuit_breaker_failures = ?, circuit_breaker_disabled_at = ?, updated_at = ?
		WHERE id = ?
	`, failures, millisOrNil(disabledAt), nowMillis(), id)
}

// ResetCircuitBreaker clears the breaker and re-activates the account.
func (d *Database) ResetCircuitBreaker(ctx context.Context, id string) error {
	return d.execAccount(ctx, "reset circuit breaker", id, `
		UPDATE accounts SET circuit_breaker_failures = 0, circuit_breaker_disabled_at = NULL,
			is_active = 1, updated_at = ?
		WHERE id = ?
	`, nowMillis(), id)
}

// UpdateLastSuccess records a successful cycle and zeroes the failure counter.
func (d *Database) UpdateLastSuccess(ctx context.Context, id string, at time.Time) error {
	return d.execAccount(ctx, "update last success", id, `
		UPDATE accounts SET last_success_at = ?, circuit_breaker_failures = 0, updated_at = ?
		WHERE id = ?
	`, at.UnixMilli(), nowMillis(), id)
}

// SetAccountActive toggles is_active.
func (d *Database) SetAccountActive(ctx context.Context, id string, active bool) error {
	return d.execAccount(ctx, "set account active", id, `
		UPDATE accounts SET is_active = ?, updated_at = ? WHERE id = ?
	`, boolInt(active), nowMillis(), id)
}

// UpdateBuyPause persists a buy-pause transition.
func (d *Database) UpdateBuyPause(ctx context.Context, id string, u BuyPauseUpdate) error {
	var reason any
	if u.Reason != "" {
		reason = u.Reason
	}
	if u.KeepSince {
		return d.execAccount(ctx, "update buy pause", id, `
			UPDATE accounts SET buy_pause_state = ?, consecutive_low_balance = ?, buy_pause_reason = ?, updated_at = ?
			WHERE id = ?
		`, u.State, u.ConsecutiveLow, reason, nowMillis(), id)
	}
	return d.execAccount(ctx, "update buy pause", id, `
		UPDATE accounts SET buy_pause_state = ?, consecutive_low_balance = ?, buy_pause_reason = ?,
			buy_pause_since = ?, updated_at = ?
		WHERE id = ?
	`, u.State, u.ConsecutiveLow, reason, millisOrNil(u.Since), nowMillis(), id)
}

// ResumeBuyPause forces ACTIVE with reason/since cleared and the counter reset.
func (d *Database) ResumeBuyPause(ctx context.Context, id string) error {
	return d.UpdateBuyPause(ctx, id, BuyPauseUpdate{State: BuyPauseActive})
}

// AddPendingEarnings atomically increments pending_earnings_usdt.
func (d *Database) AddPendingEarnings(ctx context.Context, id string, delta float64) error {
	return d.execAccount(ctx, "add pending earnings", id, `
		UPDATE accounts SET pending_earnings_usdt = pending_earnings_usdt + ?, updated_at = ?
		WHERE id = ?
	`, delta, nowMillis(), id)
}

// GetPendingEarnings returns pending_earnings_usdt.
func (d *Database) GetPendingEarnings(ctx context.Context, id string) (float64, error) {
	var v float64
	err := d.DB.QueryRowContext(ctx, `SELECT pending_earnings_usdt FROM accounts WHERE id = ?`, id).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get pending earnings %s: %w", id, err)
	}
	return v, nil
}

// ResetPendingEarnings zeroes pending_earnings_usdt.
func (d *Database) ResetPendingEarnings(ctx context.Context, id string) error {
	return d.execAccount(ctx, "reset pending earnings", id, `
		UPDATE accounts SET pending_earnings_usdt = 0, updated_at = ? WHERE id = ?
	`, nowMillis(), id)
}

// ApproveEarnings moves pct% of the pending earnings into the reserve pool,
// valued at price, and zeroes the pending amount. The remainder stays liquid.
// Everything happens in one transaction.
func (d *Database) ApproveEarnings(ctx context.Context, id string, pct, price float64) (EarningsApproval, error) {
	if pct < 0 || pct > 100 {
		return EarningsApproval{}, fmt.Errorf("reserve pct %.2f out of range [0,100]", pct)
	}
	var res EarningsApproval
	err := d.withTx(ctx, func(tx *sql.Tx) error {
		var total float64
		err := tx.QueryRowContext(ctx, `SELECT pending_earnings_usdt FROM accounts WHERE id = ?`, id).Scan(&total)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read pending earnings: %w", err)
		}
		if total <= 0 {
			return ErrNoEarnings
		}

		res.TotalEarnings = total
		res.ReservePct = pct
		res.ToReserveUSDT = total * pct / 100
		res.ToLiquidUSDT = total - res.ToReserveUSDT
		if price > 0 {
			res.ToReserveQty = res.ToReserveUSDT / price
		}

		if res.ToReserveUSDT > 0 {
			if err := addStateFloat(ctx, tx, id, SharedScope, KeyReserveQty, res.ToReserveQty); err != nil {
				return err
			}
			if err := addStateFloat(ctx, tx, id, SharedScope, KeyReserveCostUSDT, res.ToReserveUSDT); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET pending_earnings_usdt = 0, updated_at = ? WHERE id = ?`,
			nowMillis(), id); err != nil {
			return fmt.Errorf("reset pending earnings: %w", err)
		}
		return nil
	})
	if err != nil {
		return EarningsApproval{}, err
	}
	return res, nil
}

// addStateFloat reads a float state value inside tx (blank or garbage counts
// as zero) and writes value+delta back.
func addStateFloat(ctx context.Context, tx *sql.Tx, accountID, scope, key string, delta float64) error {
	var raw string
	err := tx.QueryRowContext(ctx, `SELECT value FROM strategy_state WHERE account_id = ? AND scope = ? AND key = ?`,
		accountID, scope, key).Scan(&raw)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("read state %s/%s: %w", scope, key, err)
	}
	current, perr := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if perr != nil {
		current = 0
	}
	next := strconv.FormatFloat(current+delta, 'f', -1, 64)
	if _, err := tx.ExecContext(ctx, upsertStateSQL, accountID, scope, key, next, nowMillis()); err != nil {
		return fmt.Errorf("write state %s/%s: %w", scope, key, err)
	}
	return nil
}
