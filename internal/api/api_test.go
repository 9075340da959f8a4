package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-broker/internal/account"
	"github.com/atmx/paper-broker/internal/api"
	"github.com/atmx/paper-broker/internal/market"
	"github.com/atmx/paper-broker/internal/model"
	"github.com/atmx/paper-broker/internal/orders"
	"github.com/atmx/paper-broker/internal/scheduler"
	"github.com/atmx/paper-broker/internal/store"
	"github.com/atmx/paper-broker/internal/trade"
	"github.com/atmx/paper-broker/internal/valuation"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type testEnv struct {
	store  *store.MemoryStore
	oracle *market.StaticOracle
	engine *orders.Engine
	router chi.Router
}

// newTestEnv wires every component over an in-memory store and an
// always-open market.
func newTestEnv(t *testing.T, gate market.Gate) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	oracle := market.NewStaticOracle(map[string]decimal.Decimal{"AAPL": d("100")})
	rates, err := market.NewRateTable(map[string]decimal.Decimal{"KRW": d("1350")})
	if err != nil {
		t.Fatalf("NewRateTable: %v", err)
	}
	engine := orders.NewEngine(ms, oracle, gate, nil, orders.Config{})

	h := api.New(api.Deps{
		Store:     ms,
		Accounts:  account.NewManager(ms, account.Config{}),
		Executor:  trade.NewExecutor(ms, oracle, gate, decimal.Zero),
		Orders:    engine,
		Valuation: valuation.NewService(ms, oracle, rates, "USD"),
		Gate:      gate,
		Scan: scheduler.New("order-scan", time.Hour, func(ctx context.Context) error {
			_, err := engine.Scan(ctx)
			return err
		}, nil).RunOnce,
	})
	return &testEnv{store: ms, oracle: oracle, engine: engine, router: h.Routes()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) register(t *testing.T, userID string) {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/accounts", api.RegisterRequest{UserID: userID})
	if w.Code != http.StatusCreated {
		t.Fatalf("register %s: expected 201, got %d: %s", userID, w.Code, w.Body.String())
	}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) api.ErrorResponse {
	t.Helper()
	var resp api.ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestRegisterAndGetAccount(t *testing.T) {
	env := newTestEnv(t, market.AlwaysOpen)
	env.register(t, "alice")

	w := env.do(t, "POST", "/api/v1/accounts", api.RegisterRequest{UserID: "alice"})
	if w.Code != http.StatusConflict || decodeError(t, w).Code != "already_registered" {
		t.Errorf("duplicate register: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/accounts/alice", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if !acct.CashBalance.Equal(d("1000")) {
		t.Errorf("expected starting balance 1000, got %s", acct.CashBalance)
	}

	w = env.do(t, "GET", "/api/v1/accounts/bob", nil)
	if w.Code != http.StatusNotFound || decodeError(t, w).Code != "not_registered" {
		t.Errorf("unknown account: %d %s", w.Code, w.Body.String())
	}
}

func TestRegister_BadBody(t *testing.T) {
	env := newTestEnv(t, market.AlwaysOpen)
	req := httptest.NewRequest("POST", "/api/v1/accounts", bytes.NewReader([]byte("{")))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/accounts", api.RegisterRequest{})
	if w.Code != http.StatusBadRequest || decodeError(t, w).Code != "invalid_user_id" {
		t.Errorf("empty user id: %d %s", w.Code, w.Body.String())
	}
}

func TestClaimBonus_Cooldown(t *testing.T) {
	env := newTestEnv(t, market.AlwaysOpen)
	env.register(t, "alice")

	if w := env.do(t, "POST", "/api/v1/accounts/alice/bonus", nil); w.Code != http.StatusOK {
		t.Fatalf("first claim: %d %s", w.Code, w.Body.String())
	}
	w := env.do(t, "POST", "/api/v1/accounts/alice/bonus", nil)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second claim: expected 429, got %d", w.Code)
	}
	if decodeError(t, w).Code != "bonus_on_cooldown" || w.Header().Get("Retry-After") == "" {
		t.Errorf("expected cooldown code and Retry-After, got %s %v", w.Body.String(), w.Header())
	}
}

func TestExecuteTrade_BuyThenSell(t *testing.T) {
	env := newTestEnv(t, market.AlwaysOpen)
	env.register(t, "alice")

	w := env.do(t, "POST", "/api/v1/trades", api.TradeRequest{UserID: "alice", Symbol: "aapl", Side: model.SideBuy, Shares: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("buy: %d %s", w.Code, w.Body.String())
	}
	var exec trade.Execution
	json.Unmarshal(w.Body.Bytes(), &exec)
	if !exec.Cash.Equal(d("500")) || exec.Position == nil || exec.Position.Shares != 5 {
		t.Errorf("unexpected buy execution: %+v", exec)
	}

	env.oracle.Set("AAPL", d("110"))
	w = env.do(t, "POST", "/api/v1/trades", api.TradeRequest{UserID: "alice", Symbol: "AAPL", Side: model.SideSell, Shares: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("sell: %d %s", w.Code, w.Body.String())
	}
	exec = trade.Execution{}
	json.Unmarshal(w.Body.Bytes(), &exec)
	// 500 + 550 - 0.55 fee
	if !exec.Cash.Equal(d("1049.45")) || exec.Position != nil {
		t.Errorf("unexpected sell execution: %+v", exec)
	}

	w = env.do(t, "GET", "/api/v1/accounts/alice/transactions", nil)
	var records []model.TransactionRecord
	json.Unmarshal(w.Body.Bytes(), &records)
	if len(records) != 2 {
		t.Errorf("expected 2 transaction records, got %d", len(records))
	}
}

func TestExecuteTrade_Errors(t *testing.T) {
	env := newTestEnv(t, market.AlwaysOpen)
	env.register(t, "alice")

	tests := []struct {
		name   string
		req    api.TradeRequest
		status int
		code   string
	}{
		{"no user", api.TradeRequest{Symbol: "AAPL", Side: model.SideBuy, Shares: 1}, http.StatusBadRequest, "invalid_user_id"},
		{"bad side", api.TradeRequest{UserID: "alice", Symbol: "AAPL", Side: "hold", Shares: 1}, http.StatusBadRequest, "invalid_order_parameters"},
		{"zero shares", api.TradeRequest{UserID: "alice", Symbol: "AAPL", Side: model.SideBuy, Shares: 0}, http.StatusBadRequest, "invalid_order_parameters"},
		{"too many", api.TradeRequest{UserID: "alice", Symbol: "AAPL", Side: model.SideBuy, Shares: 11}, http.StatusConflict, "insufficient_funds"},
		{"nothing held", api.TradeRequest{UserID: "alice", Symbol: "AAPL", Side: model.SideSell, Shares: 1}, http.StatusConflict, "insufficient_shares"},
		{"unpriced", api.TradeRequest{UserID: "alice", Symbol: "ZZZZ", Side: model.SideBuy, Shares: 1}, http.StatusServiceUnavailable, "price_unavailable"},
		{"unregistered", api.TradeRequest{UserID: "bob", Symbol: "AAPL", Side: model.SideBuy, Shares: 1}, http.StatusNotFound, "not_registered"},
	}
	for _, tt := range tests {
		w := env.do(t, "POST", "/api/v1/trades", tt.req)
		if w.Code != tt.status {
			t.Errorf("%s: expected %d, got %d: %s", tt.name, tt.status, w.Code, w.Body.String())
			continue
		}
		if got := decodeError(t, w).Code; got != tt.code {
			t.Errorf("%s: expected code %s, got %s", tt.name, tt.code, got)
		}
	}
}

func TestMarketClosed(t *testing.T) {
	closed := market.GateFunc(func(time.Time) bool { return false })
	env := newTestEnv(t, closed)
	env.register(t, "alice")

	w := env.do(t, "POST", "/api/v1/trades", api.TradeRequest{UserID: "alice", Symbol: "AAPL", Side: model.SideBuy, Shares: 1})
	if w.Code != http.StatusServiceUnavailable || decodeError(t, w).Code != "market_closed" {
		t.Errorf("trade while closed: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/market/status", nil)
	var status api.MarketStatus
	json.Unmarshal(w.Body.Bytes(), &status)
	if w.Code != http.StatusOK || status.Open {
		t.Errorf("expected closed market status, got %d %+v", w.Code, status)
	}
}

func TestOrderLifecycle(t *testing.T) {
	env := newTestEnv(t, market.AlwaysOpen)
	env.register(t, "alice")

	w := env.do(t, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", Symbol: "AAPL", Side: model.SideBuy, Shares: 5, LimitPrice: d("90"),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place: %d %s", w.Code, w.Body.String())
	}
	var placed model.Order
	json.Unmarshal(w.Body.Bytes(), &placed)
	if placed.ID == 0 || placed.State != model.OrderPending {
		t.Fatalf("unexpected order: %+v", placed)
	}

	w = env.do(t, "GET", "/api/v1/orders?user_id=alice", nil)
	var pending []orders.PendingOrder
	json.Unmarshal(w.Body.Bytes(), &pending)
	if len(pending) != 1 || pending[0].ID != placed.ID {
		t.Errorf("unexpected pending list: %s", w.Body.String())
	}

	path := fmt.Sprintf("/api/v1/orders/%d?user_id=alice", placed.ID)
	if w := env.do(t, "DELETE", path, nil); w.Code != http.StatusOK {
		t.Fatalf("cancel: %d %s", w.Code, w.Body.String())
	}
	w = env.do(t, "DELETE", path, nil)
	if w.Code != http.StatusNotFound || decodeError(t, w).Code != "order_not_found" {
		t.Errorf("second cancel: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/accounts/alice", nil)
	var acct model.Account
	json.Unmarshal(w.Body.Bytes(), &acct)
	if !acct.CashBalance.Equal(d("1000")) {
		t.Errorf("escrow not refunded: %s", acct.CashBalance)
	}

	w = env.do(t, "GET", "/api/v1/orders/history?user_id=alice", nil)
	var hist []model.Order
	json.Unmarshal(w.Body.Bytes(), &hist)
	if len(hist) != 1 || hist[0].State != model.OrderCancelled {
		t.Errorf("unexpected history: %s", w.Body.String())
	}
}

func TestOrder_FillViaScan(t *testing.T) {
	env := newTestEnv(t, market.AlwaysOpen)
	env.register(t, "alice")
	w := env.do(t, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", Symbol: "AAPL", Side: model.SideBuy, Shares: 5, LimitPrice: d("90"),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place: %d %s", w.Code, w.Body.String())
	}

	env.oracle.Set("AAPL", d("88"))
	if w := env.do(t, "POST", "/api/v1/admin/scan", nil); w.Code != http.StatusOK {
		t.Fatalf("scan: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/accounts/alice/portfolio", nil)
	var p model.Portfolio
	json.Unmarshal(w.Body.Bytes(), &p)
	if !p.Cash.Equal(d("560")) || len(p.Holdings) != 1 || !p.Holdings[0].AverageCost.Equal(d("88")) {
		t.Errorf("unexpected portfolio after fill: %s", w.Body.String())
	}
}

func TestAdminScan_CompletesWhenClientGone(t *testing.T) {
	env := newTestEnv(t, market.AlwaysOpen)
	env.register(t, "alice")
	w := env.do(t, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", Symbol: "AAPL", Side: model.SideBuy, Shares: 5, LimitPrice: d("90"),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("place: %d %s", w.Code, w.Body.String())
	}
	env.oracle.Set("AAPL", d("88"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	req := httptest.NewRequest("POST", "/api/v1/admin/scan", nil).WithContext(ctx)
	env.router.ServeHTTP(httptest.NewRecorder(), req)

	pending, err := env.engine.ListPending(context.Background(), "alice")
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("expected the order filled, %d still pending", len(pending))
	}
	a, _ := env.store.GetAccount(context.Background(), "alice")
	if !a.CashBalance.Equal(d("560")) {
		t.Errorf("expected 560, got %s", a.CashBalance)
	}
}

func TestOrder_Validation(t *testing.T) {
	env := newTestEnv(t, market.AlwaysOpen)
	env.register(t, "alice")

	w := env.do(t, "POST", "/api/v1/orders", api.OrderRequest{
		UserID: "alice", Symbol: "AAPL", Side: model.SideBuy, Shares: 1, LimitPrice: d("10.123"),
	})
	if w.Code != http.StatusBadRequest || decodeError(t, w).Code != "invalid_order_parameters" {
		t.Errorf("three decimals: %d %s", w.Code, w.Body.String())
	}

	if w := env.do(t, "GET", "/api/v1/orders", nil); w.Code != http.StatusBadRequest {
		t.Errorf("list without user: expected 400, got %d", w.Code)
	}
	if w := env.do(t, "DELETE", "/api/v1/orders/abc?user_id=alice", nil); w.Code != http.StatusNotFound {
		t.Errorf("non-numeric order id: expected 404, got %d", w.Code)
	}
}

func TestQuoteAndLeaderboard(t *testing.T) {
	env := newTestEnv(t, market.AlwaysOpen)
	env.register(t, "alice")
	env.register(t, "bob")

	w := env.do(t, "GET", "/api/v1/quotes/aapl?currency=KRW", nil)
	var q valuation.Quote
	json.Unmarshal(w.Body.Bytes(), &q)
	if w.Code != http.StatusOK || !q.DisplayPrice.Equal(d("135000")) {
		t.Errorf("quote: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/quotes/AAPL?currency=XYZ", nil)
	if w.Code != http.StatusBadRequest || decodeError(t, w).Code != "unsupported_currency" {
		t.Errorf("bad currency: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, "GET", "/api/v1/leaderboard?page=0&page_size=1", nil)
	var page model.LeaderboardPage
	json.Unmarshal(w.Body.Bytes(), &page)
	if w.Code != http.StatusOK || page.TotalPages != 2 || len(page.Entries) != 1 || page.Entries[0].UserID != "alice" {
		t.Errorf("leaderboard: %d %s", w.Code, w.Body.String())
	}

	if w := env.do(t, "GET", "/api/v1/leaderboard?page=x", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad page: expected 400, got %d", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t, market.AlwaysOpen)
	if w := env.do(t, "GET", "/health", nil); w.Code != http.StatusOK {
		t.Errorf("health: %d", w.Code)
	}
	if w := env.do(t, "GET", "/metrics", nil); w.Code != http.StatusOK {
		t.Errorf("metrics: %d", w.Code)
	}
}
