// Package state is the scoped key/value store strategies keep their memory in.
// A store is bound to one (account, scope); values are strings.
package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"multi-trader/pkg/db"
)

// Well-known keys.
const (
	KeyBasePrice = "base_price"
)

var ErrNoReference = errors.New("combo has no reference combo")

// Store reads and writes string values for a single (account, scope).
type Store struct {
	db        *db.Database
	accountID string
	scope     string
	logger    *zap.Logger
}

// NewStore binds a store to an account and scope.
func NewStore(database *db.Database, accountID, scope string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		db:        database,
		accountID: accountID,
		scope:     scope,
		logger:    logger.With(zap.String("scope", scope)),
	}
}

func (s *Store) AccountID() string { return s.accountID }
func (s *Store) Scope() string     { return s.scope }

// Get returns the stored value and whether the key exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	return s.db.GetState(ctx, s.accountID, s.scope, key)
}

// GetFloat returns the value parsed as float, or def when it is absent,
// blank, unparseable, or the read fails.
func (s *Store) GetFloat(ctx context.Context, key string, def float64) float64 {
	raw, ok := s.getTrimmed(ctx, key)
	if !ok {
		return def
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return v
}

// GetInt is GetFloat for integers; float text is truncated.
func (s *Store) GetInt(ctx context.Context, key string, def int) int {
	raw, ok := s.getTrimmed(ctx, key)
	if !ok {
		return def
	}
	if v, err := strconv.Atoi(raw); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return int(f)
	}
	return def
}

func (s *Store) getTrimmed(ctx context.Context, key string) (string, bool) {
	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		s.logger.Warn("state read failed", zap.String("key", key), zap.Error(err))
		return "", false
	}
	raw = strings.TrimSpace(raw)
	if !ok || raw == "" {
		return "", false
	}
	return raw, true
}

// Set stores the string form of value.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	return s.db.SetState(ctx, s.accountID, s.scope, key, format(value))
}

// ClearKeys writes "" to every key; rows are kept.
func (s *Store) ClearKeys(ctx context.Context, keys ...string) error {
	for _, k := range keys {
		if err := s.db.SetState(ctx, s.accountID, s.scope, k, ""); err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the row for key. Strategies clear keys instead; this is for
// administrative cleanup.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.db.DeleteState(ctx, s.accountID, s.scope, key)
}

// GetAll returns every pair of the scope.
func (s *Store) GetAll(ctx context.Context) (map[string]string, error) {
	return s.db.ListState(ctx, s.accountID, s.scope)
}

func format(value any) string {
	switch v := value.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case bool:
		return strconv.FormatBool(v)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}
