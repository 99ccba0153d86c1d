package state

import (
	"context"
	"math"
	"testing"

	"multi-trader/pkg/db"
)

func newTestDB(t *testing.T) *db.Database {
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

func TestStoreTypedAccessors(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	s := NewStore(database, "acc-1", "combo-1", nil)

	_ = s.Set(ctx, "f", 98.9)
	_ = s.Set(ctx, "i", 5)
	_ = s.Set(ctx, "ti", "3.9")
	_ = s.Set(ctx, "ws", "   ")
	_ = s.Set(ctx, "bad", "abc")
	_ = s.Set(ctx, "ms", int64(1700000000000))

	cases := []struct {
		name string
		got  float64
		want float64
	}{
		{"float", s.GetFloat(ctx, "f", 0), 98.9},
		{"int", float64(s.GetInt(ctx, "i", 0)), 5},
		{"int from float text truncates", float64(s.GetInt(ctx, "ti", 0)), 3},
		{"whitespace gives default", s.GetFloat(ctx, "ws", 7), 7},
		{"garbage gives default", s.GetFloat(ctx, "bad", 8), 8},
		{"absent gives default", s.GetFloat(ctx, "nope", 9), 9},
		{"int64 millis", float64(s.GetInt(ctx, "ms", 0)), 1700000000000},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if math.Abs(tc.got-tc.want) > 1e-9 {
				t.Errorf("got %v, want %v", tc.got, tc.want)
			}
		})
	}
}

func TestStoreClearKeys(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	s := NewStore(database, "acc-1", "combo-1", nil)

	_ = s.Set(ctx, "k", 12.5)
	if err := s.ClearKeys(ctx, "k"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	v, ok, err := s.Get(ctx, "k")
	if err != nil || !ok || v != "" {
		t.Fatalf("expected present empty value, got %q ok=%v err=%v", v, ok, err)
	}
	if got := s.GetFloat(ctx, "k", 9); got != 9 {
		t.Errorf("expected default 9 for cleared key, got %v", got)
	}

	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "k"); ok {
		t.Error("expected key removed")
	}
}

func TestStoreScopeIsolation(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	a := NewStore(database, "acc-1", "combo-a", nil)
	b := NewStore(database, "acc-1", "combo-b", nil)
	other := NewStore(database, "acc-2", "combo-a", nil)

	_ = a.Set(ctx, KeyBasePrice, 100)
	if _, ok, _ := b.Get(ctx, KeyBasePrice); ok {
		t.Error("scope leaked across combos")
	}
	if _, ok, _ := other.Get(ctx, KeyBasePrice); ok {
		t.Error("scope leaked across accounts")
	}

	ref := NewReferenceHandle("combo-a", a)
	if ref.BasePrice(ctx) != 100 || ref.ComboID() != "combo-a" {
		t.Errorf("reference view mismatch: %v", ref.BasePrice(ctx))
	}

	all, _ := a.GetAll(ctx)
	if len(all) != 1 || all[KeyBasePrice] != "100" {
		t.Errorf("unexpected scope contents: %v", all)
	}
}

func TestAccountStateReserveAndEarnings(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	err := database.CreateAccount(ctx, db.Account{ID: "acc-1", Name: "a", Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", IsActive: true})
	if err != nil {
		t.Fatalf("create account: %v", err)
	}
	as := NewAccountState(database, "acc-1", nil)

	if err := as.AddReserve(ctx, 0.25, 25); err != nil {
		t.Fatalf("add reserve: %v", err)
	}
	if as.ReserveQty(ctx) != 0.25 || as.ReserveCostUSDT(ctx) != 25 {
		t.Fatalf("reserve = %v / %v", as.ReserveQty(ctx), as.ReserveCostUSDT(ctx))
	}

	_ = as.AddPendingEarnings(ctx, 4)
	res, err := as.ApproveEarningsToReserve(ctx, 100, 200)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if res.ToReserveQty != 0.02 {
		t.Errorf("unexpected reserve qty %v", res.ToReserveQty)
	}
	if math.Abs(as.ReserveQty(ctx)-0.27) > 1e-12 || as.ReserveCostUSDT(ctx) != 29 {
		t.Errorf("reserve after approve = %v / %v", as.ReserveQty(ctx), as.ReserveCostUSDT(ctx))
	}
	if v, _ := as.PendingEarnings(ctx); v != 0 {
		t.Errorf("pending not reset: %v", v)
	}
}
