package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"multi-trader/internal/engine"
	"multi-trader/internal/events"
	"multi-trader/internal/monitor"
	"multi-trader/internal/trader"
	"multi-trader/pkg/db"
)

type fakeEngine struct {
	calls      []string
	approveErr error
	reloadErr  error
	state      map[string]string
}

func (f *fakeEngine) record(format string, args ...any) { f.calls = append(f.calls, fmt.Sprintf(format, args...)) }

func (f *fakeEngine) StartAccount(_ context.Context, id string) error {
	f.record("start %s", id)
	return nil
}
func (f *fakeEngine) StopAccount(id string) { f.record("stop %s", id) }
func (f *fakeEngine) ReloadAccount(_ context.Context, id string) error {
	f.record("reload %s", id)
	return f.reloadErr
}
func (f *fakeEngine) ResumeBuying(_ context.Context, id string) error {
	f.record("resume %s", id)
	return nil
}
func (f *fakeEngine) ResetCircuitBreaker(_ context.Context, id string) error {
	f.record("reset %s", id)
	return nil
}
func (f *fakeEngine) ApproveEarnings(_ context.Context, id string, pct float64) (db.EarningsApproval, error) {
	f.record("approve %s %.0f", id, pct)
	if f.approveErr != nil {
		return db.EarningsApproval{}, f.approveErr
	}
	return db.EarningsApproval{TotalEarnings: 10, ToReserveUSDT: 10 * pct / 100, ReservePct: pct}, nil
}
func (f *fakeEngine) AccountHealth() map[string]trader.Health {
	return map[string]trader.Health{"acc-1": {AccountID: "acc-1", Running: true, BuyPauseState: "ACTIVE"}}
}
func (f *fakeEngine) Health(id string) (trader.Health, error) {
	if id != "acc-1" {
		return trader.Health{}, engine.ErrAccountNotRunning
	}
	return trader.Health{AccountID: id, Running: true}, nil
}
func (f *fakeEngine) ListAccounts(context.Context) ([]engine.AccountSummary, error) {
	return []engine.AccountSummary{{ID: "acc-1", Running: true}}, nil
}
func (f *fakeEngine) OpenLots(context.Context, string) ([]engine.Lot, error) { return nil, nil }
func (f *fakeEngine) AccountState(_ context.Context, id, scope string) (map[string]string, error) {
	f.record("state %s %s", id, scope)
	return f.state, nil
}
func (f *fakeEngine) ActiveCount() int { return 1 }
func (f *fakeEngine) SystemStatus() engine.SystemStatus {
	return engine.SystemStatus{Version: "test"}
}

func newTestServer(t *testing.T, secret string) (*Server, *fakeEngine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	eng := &fakeEngine{state: map[string]string{"reserve_qty": "0.1"}}
	return NewServer(eng, events.NewBus(), monitor.NewMetrics(), secret, nil), eng
}

func doRequest(s *Server, method, path, body, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router.ServeHTTP(w, req)
	return w
}

func TestHealthAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	w := doRequest(s, http.MethodGet, "/health", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"ok"`) {
		t.Fatalf("health = %d %s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Errorf("missing X-Request-ID header")
	}

	w = doRequest(s, http.MethodGet, "/metrics", "", "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "go_goroutines") {
		t.Errorf("metrics = %d", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	valid, err := IssueToken("ops", "secret", time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	wrong, _ := IssueToken("ops", "other", time.Hour)
	expired, _ := IssueToken("ops", "secret", -time.Minute)

	tests := []struct {
		name   string
		secret string
		token  string
		want   int
	}{
		{"valid token", "secret", valid, http.StatusOK},
		{"missing token", "secret", "", http.StatusUnauthorized},
		{"wrong secret", "secret", wrong, http.StatusUnauthorized},
		{"expired", "secret", expired, http.StatusUnauthorized},
		{"auth disabled", "", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestServer(t, tt.secret)
			w := doRequest(s, http.MethodGet, "/api/accounts/health", "", tt.token)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}

	if _, err := IssueToken("ops", "", time.Hour); err == nil {
		t.Errorf("IssueToken with empty secret should fail")
	}
}

func TestAccountActions(t *testing.T) {
	s, eng := newTestServer(t, "")

	for _, path := range []string{
		"/api/accounts/acc-1/reload",
		"/api/accounts/acc-1/stop",
		"/api/accounts/acc-1/resume-buying",
		"/api/accounts/acc-1/reset-breaker",
	} {
		if w := doRequest(s, http.MethodPost, path, "", ""); w.Code != http.StatusOK {
			t.Errorf("POST %s = %d %s", path, w.Code, w.Body.String())
		}
	}
	want := "reload acc-1|stop acc-1|resume acc-1|reset acc-1"
	if got := strings.Join(eng.calls, "|"); got != want {
		t.Errorf("calls = %q, want %q", got, want)
	}

	eng.reloadErr = fmt.Errorf("load account: %w", db.ErrNotFound)
	if w := doRequest(s, http.MethodPost, "/api/accounts/ghost/reload", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("reload unknown = %d", w.Code)
	}
	if w := doRequest(s, http.MethodGet, "/api/accounts/ghost/health", "", ""); w.Code != http.StatusNotFound {
		t.Errorf("health of stopped account = %d", w.Code)
	}
}

func TestApproveEarnings(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		engErr  error
		want    int
		wantPct float64
	}{
		{"half", `{"pct": 50}`, nil, http.StatusOK, 50},
		{"zero is allowed", `{"pct": 0}`, nil, http.StatusOK, 0},
		{"above range", `{"pct": 150}`, nil, http.StatusBadRequest, 0},
		{"negative", `{"pct": -1}`, nil, http.StatusBadRequest, 0},
		{"missing pct", `{}`, nil, http.StatusBadRequest, 0},
		{"nothing pending", `{"pct": 50}`, db.ErrNoEarnings, http.StatusConflict, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, eng := newTestServer(t, "")
			eng.approveErr = tt.engErr
			w := doRequest(s, http.MethodPost, "/api/accounts/acc-1/approve-earnings", tt.body, "")
			if w.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
			if tt.want != http.StatusOK {
				return
			}
			var res db.EarningsApproval
			if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if res.ReservePct != tt.wantPct {
				t.Errorf("reserve_pct = %v, want %v", res.ReservePct, tt.wantPct)
			}
		})
	}
}

func TestGetAccountState(t *testing.T) {
	s, eng := newTestServer(t, "")
	w := doRequest(s, http.MethodGet, "/api/accounts/acc-1/state/shared", "", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var body struct {
		Scope string            `json:"scope"`
		State map[string]string `json:"state"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Scope != "shared" || body.State["reserve_qty"] != "0.1" {
		t.Errorf("body = %+v", body)
	}
	if len(eng.calls) != 1 || eng.calls[0] != "state acc-1 shared" {
		t.Errorf("calls = %v", eng.calls)
	}
}

func TestWebsocketStreamsEvents(t *testing.T) {
	s, _ := newTestServer(t, "")
	srv := httptest.NewServer(s.Router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?account_id=acc-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for s.Bus.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("websocket never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Bus.Publish(events.TradeEvent{Type: events.EventLotOpened, AccountID: "acc-2"})
	s.Bus.Publish(events.TradeEvent{Type: events.EventLotClosed, AccountID: "acc-1", ComboID: "c1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev events.TradeEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.AccountID != "acc-1" || ev.Type != events.EventLotClosed || ev.ComboID != "c1" {
		t.Errorf("event = %+v", ev)
	}
}
