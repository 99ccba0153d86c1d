package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"multi-trader/pkg/exchanges/common"
)

// Position is the per-symbol holding derived from the fill mirror.
type Position struct {
	AccountID string
	Symbol    string
	Qty       float64
	CostUSDT  float64
	AvgEntry  float64
	UpdatedAt time.Time
}

// UpsertOrder mirrors an exchange order response.
func (d *Database) UpsertOrder(ctx context.Context, accountID string, o common.Order) error {
	if o.OrderID == 0 {
		return errors.New("order id is required")
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	updateTime := o.UpdateTime
	if updateTime == 0 {
		updateTime = o.TransactTime
	}
	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO orders (order_id, account_id, client_order_id, symbol, side, type, status, price,
			orig_qty, executed_qty, cum_quote_qty, update_time, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(order_id, account_id) DO UPDATE SET
			client_order_id = COALESCE(excluded.client_order_id, orders.client_order_id),
			side = CASE WHEN excluded.side = '' THEN orders.side ELSE excluded.side END,
			type = CASE WHEN excluded.type = '' THEN orders.type ELSE excluded.type END,
			status = excluded.status,
			price = excluded.price,
			orig_qty = excluded.orig_qty,
			executed_qty = excluded.executed_qty,
			cum_quote_qty = excluded.cum_quote_qty,
			update_time = MAX(excluded.update_time, orders.update_time),
			raw_json = excluded.raw_json
	`, o.OrderID, accountID, nullString(o.ClientOrderID), o.Symbol, string(o.Side), string(o.Type), string(o.Status),
		o.Price, o.OrigQty, o.ExecutedQty, o.CumQuoteQty, updateTime, string(raw))
	if err != nil {
		return fmt.Errorf("upsert order %d: %w", o.OrderID, err)
	}
	return nil
}

// GetOrder returns the mirrored order or ErrNotFound.
func (d *Database) GetOrder(ctx context.Context, accountID string, orderID int64) (common.Order, error) {
	var (
		o                 common.Order
		clientID          sql.NullString
		side, typ, status string
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT order_id, client_order_id, symbol, side, type, status, price, orig_qty, executed_qty, cum_quote_qty, update_time
		FROM orders WHERE account_id = ? AND order_id = ?
	`, accountID, orderID).Scan(&o.OrderID, &clientID, &o.Symbol, &side, &typ, &status, &o.Price, &o.OrigQty,
		&o.ExecutedQty, &o.CumQuoteQty, &o.UpdateTime)
	if errors.Is(err, sql.ErrNoRows) {
		return common.Order{}, ErrNotFound
	}
	if err != nil {
		return common.Order{}, fmt.Errorf("get order %d: %w", orderID, err)
	}
	o.ClientOrderID = clientID.String
	o.Side = common.Side(side)
	o.Type = common.OrderType(typ)
	o.Status = common.OrderStatus(status)
	return o, nil
}

// HasOrder reports whether the order is already mirrored.
func (d *Database) HasOrder(ctx context.Context, accountID string, orderID int64) (bool, error) {
	var n int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM orders WHERE account_id = ? AND order_id = ?`,
		accountID, orderID).Scan(&n); err != nil {
		return false, fmt.Errorf("has order %d: %w", orderID, err)
	}
	return n > 0, nil
}

// GetRecentOpenOrderIDs lists up to limit tracked NEW/PARTIALLY_FILLED orders
// of a symbol, most recently updated first.
func (d *Database) GetRecentOpenOrderIDs(ctx context.Context, accountID, symbol string, limit int) ([]int64, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT order_id FROM orders
		WHERE account_id = ? AND symbol = ? AND status IN ('NEW', 'PARTIALLY_FILLED')
		ORDER BY update_time DESC, order_id DESC
		LIMIT ?
	`, accountID, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("query open order ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan order id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// InsertFill mirrors one trade; an already-known trade id is ignored.
// inserted reports whether a new row was written.
func (d *Database) InsertFill(ctx context.Context, accountID string, t common.Trade) (inserted bool, err error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO fills (trade_id, account_id, order_id, symbol, side, price, qty, quote_qty, commission, commission_asset, time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(trade_id, account_id) DO NOTHING
	`, t.ID, accountID, t.OrderID, t.Symbol, string(t.Side()), t.Price, t.Qty, t.QuoteQty, t.Commission, t.CommissionAsset, t.Time)
	if err != nil {
		return false, fmt.Errorf("insert fill %d: %w", t.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecomputePosition rebuilds the position of a symbol from the fill mirror:
// qty and cost are buys minus sells, each clamped at zero.
func (d *Database) RecomputePosition(ctx context.Context, accountID, symbol string) (Position, error) {
	var buyQty, buyQuote, sellQty, sellQuote float64
	err := d.DB.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN side = 'BUY' THEN qty ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'BUY' THEN quote_qty ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'SELL' THEN qty ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN side = 'SELL' THEN quote_qty ELSE 0 END), 0)
		FROM fills WHERE account_id = ? AND symbol = ?
	`, accountID, symbol).Scan(&buyQty, &buyQuote, &sellQty, &sellQuote)
	if err != nil {
		return Position{}, fmt.Errorf("sum fills: %w", err)
	}

	p := Position{
		AccountID: accountID,
		Symbol:    symbol,
		Qty:       math.Max(buyQty-sellQty, 0),
		CostUSDT:  math.Max(buyQuote-sellQuote, 0),
		UpdatedAt: time.Now(),
	}
	if p.Qty > 0 {
		p.AvgEntry = p.CostUSDT / p.Qty
	}

	_, err = d.DB.ExecContext(ctx, `
		INSERT INTO positions (account_id, symbol, qty, cost_usdt, avg_entry, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(account_id, symbol) DO UPDATE SET
			qty = excluded.qty,
			cost_usdt = excluded.cost_usdt,
			avg_entry = excluded.avg_entry,
			updated_at = excluded.updated_at
	`, accountID, symbol, p.Qty, p.CostUSDT, p.AvgEntry, p.UpdatedAt.UnixMilli())
	if err != nil {
		return Position{}, fmt.Errorf("upsert position: %w", err)
	}
	return p, nil
}

// GetPosition returns the stored position or ErrNotFound.
func (d *Database) GetPosition(ctx context.Context, accountID, symbol string) (Position, error) {
	var (
		p       Position
		updated int64
	)
	err := d.DB.QueryRowContext(ctx, `
		SELECT account_id, symbol, qty, cost_usdt, avg_entry, updated_at FROM positions
		WHERE account_id = ? AND symbol = ?
	`, accountID, symbol).Scan(&p.AccountID, &p.Symbol, &p.Qty, &p.CostUSDT, &p.AvgEntry, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Position{}, ErrNotFound
	}
	if err != nil {
		return Position{}, fmt.Errorf("get position: %w", err)
	}
	p.UpdatedAt = time.UnixMilli(updated)
	return p, nil
}
