package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-broker/internal/model"
	"github.com/atmx/paper-broker/internal/orders"
	"github.com/atmx/paper-broker/internal/trade"
	"github.com/atmx/paper-broker/internal/valuation"
)

// RegisterRequest is the JSON body for POST /api/v1/accounts.
type RegisterRequest struct {
	UserID string `json:"user_id"`
}

// TradeRequest is the JSON body for POST /api/v1/trades.
type TradeRequest struct {
	UserID string     `json:"user_id"`
	Symbol string     `json:"symbol"`
	Side   model.Side `json:"side"`
	Shares int64      `json:"shares"`
}

// OrderRequest is the JSON body for POST /api/v1/orders.
type OrderRequest struct {
	UserID     string          `json:"user_id"`
	Symbol     string          `json:"symbol"`
	Side       model.Side      `json:"side"`
	Shares     int64           `json:"shares"`
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// MarketStatus is the response of GET /api/v1/market/status.
type MarketStatus struct {
	Open      bool      `json:"open"`
	CheckedAt time.Time `json:"checked_at"`
}

// MarketStatus handles GET /api/v1/market/status
func (h *Handler) MarketStatus(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	writeJSON(w, http.StatusOK, MarketStatus{Open: h.Gate.IsOpen(now), CheckedAt: now.UTC()})
}

// GetQuote handles GET /api/v1/quotes/{symbol}?currency=
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.Valuation.Quote(r.Context(), chi.URLParam(r, "symbol"), r.URL.Query().Get("currency"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// Register handles POST /api/v1/accounts
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "", http.StatusBadRequest)
		return
	}
	acct, err := h.Accounts.Register(r.Context(), req.UserID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{userID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Accounts.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// ClaimBonus handles POST /api/v1/accounts/{userID}/bonus
func (h *Handler) ClaimBonus(w http.ResponseWriter, r *http.Request) {
	acct, err := h.Accounts.ClaimBonus(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetPortfolio handles GET /api/v1/accounts/{userID}/portfolio?currency=
// total_assets counts cash, pending-buy escrow and holdings at market.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.Valuation.Portfolio(r.Context(), chi.URLParam(r, "userID"), r.URL.Query().Get("currency"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListTransactions handles GET /api/v1/accounts/{userID}/transactions
func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	records, err := h.Store.ListTransactions(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if records == nil {
		records = []model.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// ExecuteTrade handles POST /api/v1/trades
// Executes a market buy or sell at the current price.
func (h *Handler) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "", http.StatusBadRequest)
		return
	}
	if req.UserID == "" {
		writeError(w, "user_id is required", "invalid_user_id", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	var (
		exec *trade.Execution
		err  error
	)
	switch req.Side {
	case model.SideBuy:
		exec, err = h.Executor.MarketBuy(ctx, req.UserID, req.Symbol, req.Shares)
	case model.SideSell:
		exec, err = h.Executor.MarketSell(ctx, req.UserID, req.Symbol, req.Shares)
	default:
		writeError(w, "side must be buy or sell", "invalid_order_parameters", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// PlaceOrder handles POST /api/v1/orders
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", "", http.StatusBadRequest)
		return
	}
	o, err := h.Orders.Place(r.Context(), orders.PlaceRequest{
		UserID:     req.UserID,
		Symbol:     req.Symbol,
		Shares:     req.Shares,
		LimitPrice: req.LimitPrice,
		Side:       req.Side,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// ListPendingOrders handles GET /api/v1/orders?user_id=
func (h *Handler) ListPendingOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	pending, err := h.Orders.ListPending(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

// OrderHistory handles GET /api/v1/orders/history?user_id=
func (h *Handler) OrderHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	hist, err := h.Orders.History(r.Context(), userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if hist == nil {
		hist = []model.Order{}
	}
	writeJSON(w, http.StatusOK, hist)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}?user_id=
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "orderID"), 10, 64)
	if err != nil {
		writeError(w, "invalid order id", "order_not_found", http.StatusNotFound)
		return
	}
	o, err := h.Orders.Cancel(r.Context(), id, userID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// Leaderboard handles GET /api/v1/leaderboard?page=&page_size=&currency=
// Ranks by profit rate on total assets, which include pending-buy escrow.
func (h *Handler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var req valuation.PageRequest
	var err error
	if v := q.Get("page"); v != "" {
		if req.Page, err = strconv.Atoi(v); err != nil {
			writeError(w, "page must be an integer", "", http.StatusBadRequest)
			return
		}
	}
	if v := q.Get("page_size"); v != "" {
		if req.PageSize, err = strconv.Atoi(v); err != nil {
			writeError(w, "page_size must be an integer", "", http.StatusBadRequest)
			return
		}
	}

	page, err := h.Valuation.Leaderboard(r.Context(), req, q.Get("currency"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// TriggerScan handles POST /api/v1/admin/scan
// Runs an order scan now unless one is already in progress. The scan
// completes even if the client goes away.
func (h *Handler) TriggerScan(w http.ResponseWriter, r *http.Request) {
	if !h.Scan(context.WithoutCancel(r.Context())) {
		writeError(w, "scan already in progress", "scan_in_progress", http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ran": true})
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, "user_id is required", "invalid_user_id", http.StatusBadRequest)
		return "", false
	}
	return userID, true
}
