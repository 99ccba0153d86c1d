package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrLotClosed     = errors.New("lot already closed")
	ErrSelfReference = errors.New("combo cannot reference itself")
	ErrNoEarnings    = errors.New("no pending earnings to approve")
)

// Database wraps the SQL handle for easier swapping/testing.
type Database struct {
	DB *sql.DB
}

// New opens (and creates if needed) the SQLite database at path.
func New(path string) (*Database, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite prefers single writer.
	if path != ":memory:" {
		db.SetConnMaxLifetime(time.Hour)
	}

	return &Database{DB: db}, nil
}

// Close releases the underlying DB handle.
func (d *Database) Close() error {
	if d == nil || d.DB == nil {
		return nil
	}
	return d.DB.Close()
}

// withTx runs fn inside a transaction. With a single pooled connection fn must
// only touch tx, never d.DB.
func (d *Database) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// WithTx exposes transactional writes to callers that batch several upserts
// (seed sync). The Tx handle offers the subset of writes they need.
func (d *Database) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	return d.withTx(ctx, func(t *sql.Tx) error {
		return fn(&Tx{tx: t})
	})
}

// Tx is a transaction-scoped writer.
type Tx struct {
	tx *sql.Tx
}

func nowMillis() int64 { return time.Now().UnixMilli() }

func millisOrNil(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func timeFromNull(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
