package db

import (
	"database/sql"
	"fmt"
)

// Timestamps are unix milliseconds (INTEGER) throughout.
const schema = `
PRAGMA journal_mode=WAL;

CREATE TABLE IF NOT EXISTS accounts (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    exchange TEXT NOT NULL DEFAULT 'binance',
    symbol TEXT NOT NULL,
    base_asset TEXT NOT NULL,
    quote_asset TEXT NOT NULL,
    api_key TEXT NOT NULL DEFAULT '',
    api_secret TEXT NOT NULL DEFAULT '',
    is_active INTEGER NOT NULL DEFAULT 1,
    circuit_breaker_failures INTEGER NOT NULL DEFAULT 0,
    circuit_breaker_disabled_at INTEGER,
    last_success_at INTEGER,
    buy_pause_state TEXT NOT NULL DEFAULT 'ACTIVE',
    buy_pause_reason TEXT,
    buy_pause_since INTEGER,
    consecutive_low_balance INTEGER NOT NULL DEFAULT 0,
    pending_earnings_usdt REAL NOT NULL DEFAULT 0,
    loop_interval_sec INTEGER NOT NULL DEFAULT 60,
    order_cooldown_sec INTEGER NOT NULL DEFAULT 7,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trading_combos (
    id TEXT PRIMARY KEY,
    account_id TEXT NOT NULL,
    name TEXT NOT NULL,
    buy_logic_name TEXT NOT NULL,
    buy_params TEXT NOT NULL DEFAULT '{}',
    sell_logic_name TEXT NOT NULL,
    sell_params TEXT NOT NULL DEFAULT '{}',
    reference_combo_id TEXT,
    is_enabled INTEGER NOT NULL DEFAULT 1,
    sort_order INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL,
    FOREIGN KEY(account_id) REFERENCES accounts(id)
);
CREATE INDEX IF NOT EXISTS idx_combos_account ON trading_combos(account_id, is_enabled, sort_order);

CREATE TABLE IF NOT EXISTS strategy_state (
    account_id TEXT NOT NULL,
    scope TEXT NOT NULL,
    key TEXT NOT NULL,
    value TEXT NOT NULL,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (account_id, scope, key)
);

CREATE TABLE IF NOT EXISTS lots (
    lot_id INTEGER PRIMARY KEY AUTOINCREMENT,
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    strategy_name TEXT NOT NULL,
    combo_id TEXT NOT NULL,
    buy_order_id INTEGER NOT NULL DEFAULT 0,
    buy_price REAL NOT NULL,
    buy_qty REAL NOT NULL,
    buy_time_ms INTEGER NOT NULL,
    status TEXT NOT NULL DEFAULT 'OPEN',
    sell_order_id INTEGER,
    sell_order_time_ms INTEGER,
    sell_price REAL,
    sell_time_ms INTEGER,
    fee_usdt REAL NOT NULL DEFAULT 0,
    net_profit_usdt REAL
);
CREATE INDEX IF NOT EXISTS idx_lots_open ON lots(account_id, combo_id, status);

CREATE TABLE IF NOT EXISTS orders (
    order_id INTEGER NOT NULL,
    account_id TEXT NOT NULL,
    client_order_id TEXT,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL DEFAULT '',
    type TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    price REAL NOT NULL DEFAULT 0,
    orig_qty REAL NOT NULL DEFAULT 0,
    executed_qty REAL NOT NULL DEFAULT 0,
    cum_quote_qty REAL NOT NULL DEFAULT 0,
    update_time INTEGER NOT NULL DEFAULT 0,
    raw_json TEXT,
    PRIMARY KEY (order_id, account_id)
);

CREATE TABLE IF NOT EXISTS fills (
    trade_id INTEGER NOT NULL,
    account_id TEXT NOT NULL,
    order_id INTEGER NOT NULL,
    symbol TEXT NOT NULL,
    side TEXT NOT NULL,
    price REAL NOT NULL,
    qty REAL NOT NULL,
    quote_qty REAL NOT NULL,
    commission REAL NOT NULL DEFAULT 0,
    commission_asset TEXT NOT NULL DEFAULT '',
    time_ms INTEGER NOT NULL,
    PRIMARY KEY (trade_id, account_id)
);

CREATE TABLE IF NOT EXISTS positions (
    account_id TEXT NOT NULL,
    symbol TEXT NOT NULL,
    qty REAL NOT NULL DEFAULT 0,
    cost_usdt REAL NOT NULL DEFAULT 0,
    avg_entry REAL NOT NULL DEFAULT 0,
    updated_at INTEGER NOT NULL,
    PRIMARY KEY (account_id, symbol)
);
`

// ApplyMigrations bootstraps the schema; keep lightweight for fast startup.
func ApplyMigrations(d *Database) error {
	if d == nil || d.DB == nil {
		return fmt.Errorf("database is not initialized")
	}
	if _, err := d.DB.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	// Lightweight, idempotent migrations for older DB files.
	if err := ensureColumn(d.DB, "accounts", "order_cooldown_sec", "INTEGER NOT NULL DEFAULT 7"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "accounts", "pending_earnings_usdt", "REAL NOT NULL DEFAULT 0"); err != nil {
		return err
	}
	if err := ensureColumn(d.DB, "lots", "sell_order_time_ms", "INTEGER"); err != nil {
		return err
	}
	return nil
}

// ensureColumn adds a column if it does not already exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	alter := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition)
	if _, err := db.Exec(alter); err != nil {
		return fmt.Errorf("alter table %s add column %s: %w", table, column, err)
	}
	return nil
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		return false, fmt.Errorf("pragma table_info(%s): %w", table, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}
