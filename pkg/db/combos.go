package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Combo pairs one buy logic with one sell logic under an account.
type Combo struct {
	ID               string
	AccountID        string
	Name             string
	BuyLogicName     string
	BuyParams        string
	SellLogicName    string
	SellParams       string
	ReferenceComboID string
	IsEnabled        bool
	SortOrder        int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const comboColumns = `id, account_id, name, buy_logic_name, buy_params, sell_logic_name, sell_params,
	COALESCE(reference_combo_id, ''), is_enabled, sort_order, created_at, updated_at`

func scanCombo(row rowScanner) (Combo, error) {
	var (
		c                Combo
		enabled          int
		created, updated int64
	)
	if err := row.Scan(&c.ID, &c.AccountID, &c.Name, &c.BuyLogicName, &c.BuyParams, &c.SellLogicName, &c.SellParams,
		&c.ReferenceComboID, &enabled, &c.SortOrder, &created, &updated); err != nil {
		return Combo{}, err
	}
	c.IsEnabled = enabled != 0
	c.CreatedAt = time.UnixMilli(created)
	c.UpdatedAt = time.UnixMilli(updated)
	return c, nil
}

func validateCombo(c *Combo) error {
	if c.ID == "" || c.AccountID == "" {
		return errors.New("combo id and account id are required")
	}
	if c.ReferenceComboID != "" && c.ReferenceComboID == c.ID {
		return ErrSelfReference
	}
	if c.BuyParams == "" {
		c.BuyParams = "{}"
	}
	if c.SellParams == "" {
		c.SellParams = "{}"
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// CreateCombo inserts a combo; self-reference is rejected.
func (d *Database) CreateCombo(ctx context.Context, c Combo) error {
	if err := validateCombo(&c); err != nil {
		return err
	}
	now := nowMillis()
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trading_combos (id, account_id, name, buy_logic_name, buy_params, sell_logic_name, sell_params,
			reference_combo_id, is_enabled, sort_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.AccountID, c.Name, c.BuyLogicName, c.BuyParams, c.SellLogicName, c.SellParams,
		nullString(c.ReferenceComboID), boolInt(c.IsEnabled), c.SortOrder, now, now)
	if err != nil {
		return fmt.Errorf("insert combo: %w", err)
	}
	return nil
}

// UpsertCombo writes a combo inside tx; self-reference is rejected.
func (t *Tx) UpsertCombo(ctx context.Context, c Combo) error {
	if err := validateCombo(&c); err != nil {
		return err
	}
	now := nowMillis()
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO trading_combos (id, account_id, name, buy_logic_name, buy_params, sell_logic_name, sell_params,
			reference_combo_id, is_enabled, sort_order, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			account_id = excluded.account_id,
			name = excluded.name,
			buy_logic_name = excluded.buy_logic_name,
			buy_params = excluded.buy_params,
			sell_logic_name = excluded.sell_logic_name,
			sell_params = excluded.sell_params,
			reference_combo_id = excluded.reference_combo_id,
			is_enabled = excluded.is_enabled,
			sort_order = excluded.sort_order,
			updated_at = excluded.updated_at
	`, c.ID, c.AccountID, c.Name, c.BuyLogicName, c.BuyParams, c.SellLogicName, c.SellParams,
		nullString(c.ReferenceComboID), boolInt(c.IsEnabled), c.SortOrder, now, now)
	if err != nil {
		return fmt.Errorf("upsert combo %s: %w", c.ID, err)
	}
	return nil
}

// UpsertCombo is the non-transactional form of Tx.UpsertCombo.
func (d *Database) UpsertCombo(ctx context.Context, c Combo) error {
	return d.WithTx(ctx, func(tx *Tx) error { return tx.UpsertCombo(ctx, c) })
}

// GetCombo loads one combo of an account or ErrNotFound.
func (d *Database) GetCombo(ctx context.Context, accountID, id string) (Combo, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+comboColumns+` FROM trading_combos WHERE account_id = ? AND id = ?`,
		accountID, id)
	c, err := scanCombo(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Combo{}, ErrNotFound
	}
	if err != nil {
		return Combo{}, fmt.Errorf("get combo %s: %w", id, err)
	}
	return c, nil
}

// ListEnabledCombos returns the enabled combos of an account in execution
// order (sort_order, then creation).
func (d *Database) ListEnabledCombos(ctx context.Context, accountID string) ([]Combo, error) {
	return d.listCombos(ctx, `WHERE account_id = ? AND is_enabled = 1`, accountID)
}

// ListCombos returns all combos of an account in execution order.
func (d *Database) ListCombos(ctx context.Context, accountID string) ([]Combo, error) {
	return d.listCombos(ctx, `WHERE account_id = ?`, accountID)
}

func (d *Database) listCombos(ctx context.Context, where string, args ...any) ([]Combo, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+comboColumns+` FROM trading_combos `+where+
		` ORDER BY sort_order, created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query combos: %w", err)
	}
	defer rows.Close()

	var out []Combo
	for rows.Next() {
		c, err := scanCombo(rows)
		if err != nil {
			return nil, fmt.Errorf("scan combo: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetComboEnabled toggles is_enabled.
func (d *Database) SetComboEnabled(ctx context.Context, accountID, id string, enabled bool) error {
	res, err := d.DB.ExecContext(ctx, `UPDATE trading_combos SET is_enabled = ?, updated_at = ? WHERE account_id = ? AND id = ?`,
		boolInt(enabled), nowMillis(), accountID, id)
	if err != nil {
		return fmt.Errorf("set combo enabled %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
