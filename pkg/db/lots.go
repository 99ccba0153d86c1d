package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Lot statuses.
const (
	LotOpen   = "OPEN"
	LotClosed = "CLOSED"
)

// Lot is one filled buy tracked until its take-profit sell fills.
// SellOrderID is zero when no sell order is attached.
type Lot struct {
	LotID           int64
	AccountID       string
	Symbol          string
	StrategyName    string
	ComboID         string
	BuyOrderID      int64
	BuyPrice        float64
	BuyQty          float64
	BuyTimeMs       int64
	Status          string
	SellOrderID     int64
	SellOrderTimeMs int64
	SellPrice       float64
	SellTimeMs      int64
	FeeUSDT         float64
	NetProfitUSDT   float64
}

const lotColumns = `lot_id, account_id, symbol, strategy_name, combo_id, buy_order_id, buy_price, buy_qty,
	buy_time_ms, status, COALESCE(sell_order_id, 0), COALESCE(sell_order_time_ms, 0), COALESCE(sell_price, 0),
	COALESCE(sell_time_ms, 0), fee_usdt, COALESCE(net_profit_usdt, 0)`

func scanLot(row rowScanner) (Lot, error) {
	var l Lot
	err := row.Scan(&l.LotID, &l.AccountID, &l.Symbol, &l.StrategyName, &l.ComboID, &l.BuyOrderID, &l.BuyPrice, &l.BuyQty,
		&l.BuyTimeMs, &l.Status, &l.SellOrderID, &l.SellOrderTimeMs, &l.SellPrice,
		&l.SellTimeMs, &l.FeeUSDT, &l.NetProfitUSDT)
	return l, err
}

// InsertLot stores a new OPEN lot and returns its id.
func (d *Database) InsertLot(ctx context.Context, l Lot) (int64, error) {
	res, err := d.DB.ExecContext(ctx, `
		INSERT INTO lots (account_id, symbol, strategy_name, combo_id, buy_order_id, buy_price, buy_qty, buy_time_ms, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.AccountID, l.Symbol, l.StrategyName, l.ComboID, l.BuyOrderID, l.BuyPrice, l.BuyQty, l.BuyTimeMs, LotOpen)
	if err != nil {
		return 0, fmt.Errorf("insert lot: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("lot id: %w", err)
	}
	return id, nil
}

// GetLot loads one lot or ErrNotFound.
func (d *Database) GetLot(ctx context.Context, accountID string, lotID int64) (Lot, error) {
	row := d.DB.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE account_id = ? AND lot_id = ?`, accountID, lotID)
	l, err := scanLot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Lot{}, ErrNotFound
	}
	if err != nil {
		return Lot{}, fmt.Errorf("get lot %d: %w", lotID, err)
	}
	return l, nil
}

// GetOpenLots returns every OPEN lot of the account, oldest first.
func (d *Database) GetOpenLots(ctx context.Context, accountID string) ([]Lot, error) {
	return d.queryLots(ctx, `WHERE account_id = ? AND status = 'OPEN'`, accountID)
}

// GetOpenLotsByCombo returns the OPEN lots owned by one combo, oldest first.
func (d *Database) GetOpenLotsByCombo(ctx context.Context, accountID, comboID string) ([]Lot, error) {
	return d.queryLots(ctx, `WHERE account_id = ? AND combo_id = ? AND status = 'OPEN'`, accountID, comboID)
}

func (d *Database) queryLots(ctx context.Context, where string, args ...any) ([]Lot, error) {
	rows, err := d.DB.QueryContext(ctx, `SELECT `+lotColumns+` FROM lots `+where+` ORDER BY lot_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query lots: %w", err)
	}
	defer rows.Close()

	var out []Lot
	for rows.Next() {
		l, err := scanLot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lot: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// CountOpenLots counts OPEN lots across all combos of the account.
func (d *Database) CountOpenLots(ctx context.Context, accountID string) (int, error) {
	var n int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM lots WHERE account_id = ? AND status = 'OPEN'`,
		accountID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count open lots: %w", err)
	}
	return n, nil
}

// openLotUpdate runs an UPDATE guarded by status='OPEN' and tells apart a
// missing lot from a closed one when nothing changed.
func (d *Database) openLotUpdate(ctx context.Context, accountID string, lotID int64, query string, args ...any) error {
	res, err := d.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update lot %d: %w", lotID, err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	if _, err := d.GetLot(ctx, accountID, lotID); err != nil {
		return err
	}
	return ErrLotClosed
}

// SetSellOrder attaches a take-profit sell order to an OPEN lot.
func (d *Database) SetSellOrder(ctx context.Context, accountID string, lotID, orderID, orderTimeMs int64) error {
	return d.openLotUpdate(ctx, accountID, lotID, `
		UPDATE lots SET sell_order_id = ?, sell_order_time_ms = ?
		WHERE account_id = ? AND lot_id = ? AND status = 'OPEN'
	`, orderID, orderTimeMs, accountID, lotID)
}

// ClearSellOrder detaches the sell order of an OPEN lot.
func (d *Database) ClearSellOrder(ctx context.Context, accountID string, lotID int64) error {
	return d.openLotUpdate(ctx, accountID, lotID, `
		UPDATE lots SET sell_order_id = NULL, sell_order_time_ms = NULL
		WHERE account_id = ? AND lot_id = ? AND status = 'OPEN'
	`, accountID, lotID)
}

// CloseLot marks an OPEN lot CLOSED with its sell outcome. A closed lot is
// immutable: closing it again returns ErrLotClosed.
func (d *Database) CloseLot(ctx context.Context, accountID string, lotID int64, sellPrice float64, sellTimeMs int64, feeUSDT, netProfit float64) error {
	return d.openLotUpdate(ctx, accountID, lotID, `
		UPDATE lots SET status = 'CLOSED', sell_price = ?, sell_time_ms = ?, fee_usdt = ?, net_profit_usdt = ?
		WHERE account_id = ? AND lot_id = ? AND status = 'OPEN'
	`, sellPrice, sellTimeMs, feeUSDT, netProfit, accountID, lotID)
}
