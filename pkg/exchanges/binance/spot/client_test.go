package spot

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/time", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"serverTime": 1700000000000}`))
	})
	mux.HandleFunc("/api/v3/ticker/price", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "12")
		w.Write([]byte(`{"symbol":"BTCUSDT","price":"98.90000000"}`))
	})
	mux.HandleFunc("/api/v3/exchangeInfo", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"symbols":[{"symbol":"BTCUSDT","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.01000000"},
			{"filterType":"LOT_SIZE","stepSize":"0.00001000"},
			{"filterType":"NOTIONAL","minNotional":"5.00000000"}]}]}`))
	})
	mux.HandleFunc("/api/v3/order", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != "key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.Method {
		case http.MethodGet:
			if r.URL.Query().Get("signature") == "" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			if r.URL.Query().Get("orderId") == "404" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"code":-2013,"msg":"Order does not exist."}`))
				return
			}
			w.Write([]byte(`{"symbol":"BTCUSDT","orderId":7,"status":"FILLED","side":"BUY","type":"LIMIT",
				"price":"99.00","origQty":"1.0","executedQty":"1.0","cummulativeQuoteQty":"98.9","updateTime":5}`))
		case http.MethodPost:
			_ = r.ParseForm()
			if r.PostForm.Get("timeInForce") != "GTC" || r.PostForm.Get("quantity") != "1.01112" {
				w.WriteHeader(http.StatusBadRequest)
				w.Write([]byte(`{"code":-1100,"msg":"bad params ` + r.PostForm.Encode() + `"}`))
				return
			}
			if !strings.HasPrefix(r.PostForm.Get("newClientOrderId"), "p_LOT_") {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.Write([]byte(`{"symbol":"BTCUSDT","orderId":8,"status":"NEW","side":"BUY","type":"LIMIT",
				"price":"98.90","origQty":"1.01112","executedQty":"0","cummulativeQuoteQty":"0","transactTime":9}`))
		}
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestClientPublicEndpoints(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL}, nil)
	ctx := context.Background()

	p, err := c.GetPrice(ctx, "BTCUSDT")
	if err != nil || p != 98.9 {
		t.Fatalf("price = %v, %v", p, err)
	}
	if used, _ := c.Usage(); used != 12 {
		t.Errorf("usage header not tracked: %d", used)
	}

	f, err := c.GetSymbolFilters(ctx, "BTCUSDT")
	if err != nil {
		t.Fatalf("filters: %v", err)
	}
	if f.TickSize != 0.01 || f.StepSize != 0.00001 || f.MinNotional != 5 {
		t.Errorf("unexpected filters %+v", f)
	}
	px, _ := c.AdjustPrice(ctx, 101.867, "BTCUSDT")
	if px != 101.86 {
		t.Errorf("adjusted price = %v", px)
	}
}

func TestClientSignedEndpoints(t *testing.T) {
	srv := newTestServer(t)
	c := New(Config{BaseURL: srv.URL, APIKey: "key", APISecret: "secret"}, nil)
	ctx := context.Background()

	o, err := c.GetOrder(ctx, "BTCUSDT", 7)
	if err != nil {
		t.Fatalf("get order: %v", err)
	}
	if o.Status != "FILLED" || o.CumQuoteQty != 98.9 || o.ExecutedQty != 1 {
		t.Errorf("unexpected order %+v", o)
	}

	missing, err := c.GetOrder(ctx, "BTCUSDT", 404)
	if err != nil || missing.Status != "NOT_FOUND" {
		t.Errorf("unknown order should map to NOT_FOUND, got %+v %v", missing, err)
	}

	placed, err := c.PlaceLimitBuyByQuote(ctx, "BTCUSDT", 100, 98.9, "p_LOT")
	if err != nil {
		t.Fatalf("place buy: %v", err)
	}
	if placed.OrderID != 8 || placed.Status != "NEW" || placed.UpdateTime != 9 {
		t.Errorf("unexpected placed order %+v", placed)
	}
}

func TestClientRequiresKeys(t *testing.T) {
	c := New(Config{BaseURL: "http://127.0.0.1:0"}, nil)
	if _, err := c.GetOpenOrders(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("expected missing key error")
	}
}

func TestParseMiniTicker(t *testing.T) {
	tick, err := parseMiniTicker([]byte(`{"e":"24hrMiniTicker","E":123,"s":"BTCUSDT","c":"101.5"}`))
	if err != nil || tick.Price != 101.5 || tick.Symbol != "BTCUSDT" || tick.Time != 123 {
		t.Fatalf("unexpected tick %+v %v", tick, err)
	}
	if _, err := parseMiniTicker([]byte(`{"s":"BTCUSDT","c":"0"}`)); err == nil {
		t.Error("expected error for zero price")
	}
}

func TestUniqueClientID(t *testing.T) {
	id := uniqueClientID(strings.Repeat("x", 40) + "_TP_1")
	if len(id) > 36 {
		t.Errorf("client id too long: %d", len(id))
	}
	if a, b := uniqueClientID("p_LOT"), uniqueClientID("p_LOT"); a == b {
		t.Error("client ids should be unique")
	}
}
