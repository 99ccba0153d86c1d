package strategy

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"multi-trader/internal/state"
	"multi-trader/pkg/db"
)

const seedYAML = `
accounts:
  - name: paper-1
    exchange: sim
    symbol: btcusdt
    base_asset: btc
    quote_asset: usdt
    loop_interval_sec: 30
    combos:
      - name: stack
        buy_logic: lot_stacking
        buy_params:
          drop_pct: 0.01
          buy_usdt: 99
        sell_logic: fixed_tp
        sell_params:
          tp_pct: 0.03
        state:
          base_price: "100"
      - name: trend
        buy_logic: trend_buy
        sell_logic: fixed_tp
        reference: stack
        enabled: false
`

func newSeedDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestLoadAndSyncSeed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	if err := os.WriteFile(path, []byte(seedYAML), 0o600); err != nil {
		t.Fatalf("write seed: %v", err)
	}
	seed, err := LoadSeedFile(path)
	if err != nil {
		t.Fatalf("load seed: %v", err)
	}
	if len(seed.Accounts) != 1 || len(seed.Accounts[0].Combos) != 2 {
		t.Fatalf("unexpected seed: %+v", seed)
	}

	database := newSeedDB(t)
	ctx := context.Background()
	reg := NewRegistry()
	if err := SyncSeedToDB(ctx, database, reg, seed); err != nil {
		t.Fatalf("sync: %v", err)
	}

	accounts, err := database.ListAccounts(ctx)
	if err != nil || len(accounts) != 1 {
		t.Fatalf("accounts = %v err=%v", accounts, err)
	}
	acc := accounts[0]
	if acc.Symbol != "BTCUSDT" || acc.LoopIntervalSec != 30 || !acc.IsActive {
		t.Errorf("account = %+v", acc)
	}

	combos, err := database.ListCombos(ctx, acc.ID)
	if err != nil || len(combos) != 2 {
		t.Fatalf("combos = %v err=%v", combos, err)
	}
	stack, trend := combos[0], combos[1]
	if stack.Name != "stack" || trend.ReferenceComboID != stack.ID || trend.IsEnabled {
		t.Errorf("combos = %+v", combos)
	}
	if stack.BuyParams != `{"buy_usdt":99,"drop_pct":0.01}` {
		t.Errorf("buy params = %s", stack.BuyParams)
	}

	st := state.NewStore(database, acc.ID, stack.ID, nil)
	if got := st.GetFloat(ctx, state.KeyBasePrice, 0); got != 100 {
		t.Fatalf("seeded base = %v", got)
	}

	// re-sync is idempotent and keeps live state
	_ = st.Set(ctx, state.KeyBasePrice, 98.9)
	if err := SyncSeedToDB(ctx, database, reg, seed); err != nil {
		t.Fatalf("re-sync: %v", err)
	}
	if all, _ := database.ListAccounts(ctx); len(all) != 1 {
		t.Errorf("re-sync duplicated accounts: %d", len(all))
	}
	if got := st.GetFloat(ctx, state.KeyBasePrice, 0); got != 98.9 {
		t.Errorf("re-sync overwrote state: %v", got)
	}
}

func TestSyncSeedRejects(t *testing.T) {
	cases := []struct {
		name  string
		yaml  string
		check func(error) bool
	}{
		{
			name: "unknown logic",
			yaml: `
accounts:
  - name: a
    symbol: BTCUSDT
    base_asset: BTC
    quote_asset: USDT
    combos:
      - name: c
        buy_logic: martingale
        sell_logic: fixed_tp
`,
			check: func(err error) bool {
				var ule *UnknownLogicError
				return errors.As(err, &ule) && ule.Name == "martingale"
			},
		},
		{
			name: "self reference",
			yaml: `
accounts:
  - name: a
    symbol: BTCUSDT
    base_asset: BTC
    quote_asset: USDT
    combos:
      - name: c
        buy_logic: lot_stacking
        sell_logic: fixed_tp
        reference: c
`,
			check: func(err error) bool { return errors.Is(err, db.ErrSelfReference) },
		},
		{
			name: "trend without reference",
			yaml: `
accounts:
  - name: a
    symbol: BTCUSDT
    base_asset: BTC
    quote_asset: USDT
    combos:
      - name: t
        buy_logic: trend_buy
        sell_logic: fixed_tp
`,
			check: func(err error) bool { return errors.Is(err, state.ErrNoReference) },
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seed, err := ParseSeed([]byte(tc.yaml))
			if err != nil {
				t.Fatalf("parse: %v", err)
			}
			database := newSeedDB(t)
			err = SyncSeedToDB(context.Background(), database, NewRegistry(), seed)
			if !tc.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			if accounts, _ := database.ListAccounts(context.Background()); len(accounts) != 0 {
				t.Errorf("failed sync must roll back, found %d accounts", len(accounts))
			}
		})
	}
}
