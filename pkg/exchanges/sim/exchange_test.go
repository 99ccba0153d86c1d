package sim

import (
	"context"
	"errors"
	"math"
	"testing"

	"multi-trader/pkg/exchanges/common"
)

func newTestExchange(price float64) *Exchange {
	return New(Config{
		Symbol:       "BTCUSDT",
		BaseAsset:    "BTC",
		QuoteAsset:   "USDT",
		InitialQuote: 1000,
		Price:        price,
		Filters:      common.SymbolFilters{StepSize: 0.00001, TickSize: 0.001, MinNotional: 5},
	})
}

func near(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestTakerBuyFillsAtMarket(t *testing.T) {
	ex := newTestExchange(98.9)
	ctx := context.Background()

	o, err := ex.PlaceLimitBuyByQuote(ctx, "BTCUSDT", 99, 99, "p_LOT")
	if err != nil {
		t.Fatalf("place: %v", err)
	}
	if o.Status != common.StatusFilled || !near(o.ExecutedQty, 1) || !near(o.CumQuoteQty, 98.9) {
		t.Fatalf("unexpected order %+v", o)
	}
	if o.Price != 99 || o.Fills[0].Price != 98.9 {
		t.Errorf("limit/fill price mismatch: %+v", o)
	}

	usdt, _ := ex.GetBalance(ctx, "USDT")
	if !near(usdt.Free, 901.1) || usdt.Locked != 0 {
		t.Errorf("quote balance = %+v", usdt)
	}
	btc, _ := ex.GetBalance(ctx, "BTC")
	if !near(btc.Free, 1) {
		t.Errorf("base balance = %+v", btc)
	}

	trades, _ := ex.GetMyTrades(ctx, "BTCUSDT", 10)
	if len(trades) != 1 || !trades[0].IsBuyer || trades[0].OrderID != o.OrderID {
		t.Errorf("unexpected trades %+v", trades)
	}
}

func TestRestingOrdersFillOnPriceMove(t *testing.T) {
	ex := newTestExchange(100)
	ctx := context.Background()

	buy, err := ex.PlaceLimitBuyByQuote(ctx, "BTCUSDT", 99, 99, "b")
	if err != nil || buy.Status != common.StatusNew {
		t.Fatalf("expected resting buy, got %+v %v", buy, err)
	}
	usdt, _ := ex.GetBalance(ctx, "USDT")
	if !near(usdt.Locked, 99) || !near(usdt.Free, 901) {
		t.Fatalf("quote not locked: %+v", usdt)
	}

	ex.SetPrice(98)
	got, _ := ex.GetOrder(ctx, "BTCUSDT", buy.OrderID)
	if got.Status != common.StatusFilled || !near(got.CumQuoteQty, 99) {
		t.Fatalf("resting buy should fill at limit: %+v", got)
	}

	sell, err := ex.PlaceLimitSell(ctx, "BTCUSDT", 1, 101.867, "s")
	if err != nil || sell.Status != common.StatusNew {
		t.Fatalf("expected resting sell, got %+v %v", sell, err)
	}
	ex.SetPrice(102)
	got, _ = ex.GetOrder(ctx, "BTCUSDT", sell.OrderID)
	if got.Status != common.StatusFilled || !near(got.CumQuoteQty, 101.867) {
		t.Fatalf("resting sell should fill at limit: %+v", got)
	}
	usdt, _ = ex.GetBalance(ctx, "USDT")
	if !near(usdt.Free, 1000-99+101.867) {
		t.Errorf("final quote = %+v", usdt)
	}
}

func TestCancelReleasesFunds(t *testing.T) {
	ex := newTestExchange(100)
	ctx := context.Background()
	o, _ := ex.PlaceLimitBuyByQuote(ctx, "BTCUSDT", 50, 90, "b")

	canceled, err := ex.CancelOrder(ctx, "BTCUSDT", o.OrderID)
	if err != nil || canceled.Status != common.StatusCanceled {
		t.Fatalf("cancel: %+v %v", canceled, err)
	}
	usdt, _ := ex.GetBalance(ctx, "USDT")
	if !near(usdt.Free, 1000) || usdt.Locked != 0 {
		t.Errorf("funds not released: %+v", usdt)
	}
	if open, _ := ex.GetOpenOrders(ctx, "BTCUSDT"); len(open) != 0 {
		t.Errorf("canceled order still open")
	}
	if _, err := ex.CancelOrder(ctx, "BTCUSDT", 999); !errors.Is(err, ErrUnknownOrder) {
		t.Errorf("expected ErrUnknownOrder, got %v", err)
	}
}

func TestRejections(t *testing.T) {
	ex := newTestExchange(100)
	ctx := context.Background()

	if _, err := ex.PlaceLimitBuyByQuote(ctx, "BTCUSDT", 4, 90, "b"); !errors.Is(err, ErrMinNotional) {
		t.Errorf("expected ErrMinNotional, got %v", err)
	}
	if _, err := ex.PlaceLimitBuyByQuote(ctx, "BTCUSDT", 5000, 90, "b"); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance, got %v", err)
	}
	if _, err := ex.PlaceLimitSell(ctx, "BTCUSDT", 1, 110, "s"); !errors.Is(err, ErrInsufficientBalance) {
		t.Errorf("expected ErrInsufficientBalance on sell, got %v", err)
	}
	if _, err := ex.GetPrice(ctx, "ETHUSDT"); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("expected ErrUnknownSymbol, got %v", err)
	}
	o, err := ex.GetOrder(ctx, "BTCUSDT", 12345)
	if err != nil || o.Status != common.StatusNotFound {
		t.Errorf("unknown order should report NOT_FOUND: %+v %v", o, err)
	}
}

func TestFeesChargedInReceivedAsset(t *testing.T) {
	ex := New(Config{Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", InitialQuote: 1000, Price: 100,
		Filters: common.SymbolFilters{StepSize: 0.00001, TickSize: 0.01}, FeeRate: 0.001})
	ctx := context.Background()

	buy, _ := ex.PlaceLimitBuyByQuote(ctx, "BTCUSDT", 100, 100, "b")
	if !near(buy.CommissionIn("BTC"), 0.001) {
		t.Errorf("buy commission = %v", buy.CommissionIn("BTC"))
	}
	btc, _ := ex.GetBalance(ctx, "BTC")
	if !near(btc.Free, 0.999) {
		t.Errorf("base after fee = %v", btc.Free)
	}

	sell, _ := ex.PlaceLimitSell(ctx, "BTCUSDT", 0.999, 100, "s")
	if !near(sell.CommissionIn("USDT"), 0.0999) {
		t.Errorf("sell commission = %v", sell.CommissionIn("USDT"))
	}
}

func TestFaultInjection(t *testing.T) {
	ex := newTestExchange(100)
	ctx := context.Background()
	boom := errors.New("boom")

	ex.FailOn("GetPrice", 1, boom)
	if _, err := ex.GetPrice(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("first call should pass: %v", err)
	}
	if _, err := ex.GetPrice(ctx, "BTCUSDT"); !errors.Is(err, boom) {
		t.Fatalf("second call should fail, got %v", err)
	}
	ex.ClearFaults()
	if _, err := ex.GetPrice(ctx, "BTCUSDT"); err != nil {
		t.Fatalf("faults not cleared: %v", err)
	}
}
