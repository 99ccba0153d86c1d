package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const upsertStateSQL = `
	INSERT INTO strategy_state (account_id, scope, key, value, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(account_id, scope, key) DO UPDATE SET
		value = excluded.value,
		updated_at = excluded.updated_at
`

// GetState reads one scoped value; ok is false when the row is absent.
func (d *Database) GetState(ctx context.Context, accountID, scope, key string) (value string, ok bool, err error) {
	err = d.DB.QueryRowContext(ctx, `SELECT value FROM strategy_state WHERE account_id = ? AND scope = ? AND key = ?`,
		accountID, scope, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s/%s: %w", scope, key, err)
	}
	return value, true, nil
}

// SetState upserts one scoped value.
func (d *Database) SetState(ctx context.Context, accountID, scope, key, value string) error {
	if _, err := d.DB.ExecContext(ctx, upsertStateSQL, accountID, scope, key, value, nowMillis()); err != nil {
		return fmt.Errorf("set state %s/%s: %w", scope, key, err)
	}
	return nil
}

// DeleteState removes one scoped row.
func (d *Database) DeleteState(ctx context.Context, accountID, scope, key string) error {
	if _, err := d.DB.ExecContext(ctx, `DELETE FROM strategy_state WHERE account_id = ? AND scope = ? AND key = ?`,
		accountID, scope, key); err != nil {
		return fmt.Errorf("delete state %s/%s: %w", scope, key, err)
	}
	return nil
}

// ListState returns every key/value pair of a scope.
func (d *Database) ListState(ctx context.Context, accountID, scope string) (map[string]string, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT key, value FROM strategy_state WHERE account_id = ? AND scope = ?`,
		accountID, scope)
	if err != nil {
		return nil, fmt.Errorf("list state %s: %w", scope, err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// InitState writes a scoped value inside tx only when the key is absent, so
// re-seeding never overwrites live strategy state.
func (t *Tx) InitState(ctx context.Context, accountID, scope, key, value string) error {
	if _, err := t.tx.ExecContext(ctx, `
		INSERT INTO strategy_state (account_id, scope, key, value, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(account_id, scope, key) DO NOTHING
	`, accountID, scope, key, value, nowMillis()); err != nil {
		return fmt.Errorf("init state %s/%s: %w", scope, key, err)
	}
	return nil
}
