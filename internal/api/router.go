// Package api exposes the broker over HTTP: accounts, market trades, limit
// orders, portfolios, the leaderboard and a WebSocket notification feed.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/atmx/paper-broker/internal/account"
	"github.com/atmx/paper-broker/internal/market"
	"github.com/atmx/paper-broker/internal/metrics"
	"github.com/atmx/paper-broker/internal/orders"
	"github.com/atmx/paper-broker/internal/store"
	"github.com/atmx/paper-broker/internal/trade"
	"github.com/atmx/paper-broker/internal/valuation"
)

// Deps are the components the handlers call into. WebSocket and Scan are
// optional.
type Deps struct {
	Store     store.Reader
	Accounts  *account.Manager
	Executor  *trade.Executor
	Orders    *orders.Engine
	Valuation *valuation.Service
	Gate      market.Gate

	// WebSocket serves GET /api/v1/ws.
	WebSocket http.HandlerFunc
	// Scan triggers an order scan and reports whether it ran.
	Scan func(ctx context.Context) bool
}

// Handler serves the broker API.
type Handler struct {
	Deps
	now func() time.Time
}

func New(deps Deps) *Handler {
	return &Handler{Deps: deps, now: time.Now}
}

// Routes builds the router with the standard middleware stack.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "paper-broker"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived; kept out of the request timeout.
		if h.WebSocket != nil {
			r.Get("/ws", h.WebSocket)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/market/status", h.MarketStatus)
			r.Get("/quotes/{symbol}", h.GetQuote)

			r.Post("/accounts", h.Register)
			r.Get("/accounts/{userID}", h.GetAccount)
			r.Post("/accounts/{userID}/bonus", h.ClaimBonus)
			r.Get("/accounts/{userID}/portfolio", h.GetPortfolio)
			r.Get("/accounts/{userID}/transactions", h.ListTransactions)

			r.Post("/trades", h.ExecuteTrade)

			r.Post("/orders", h.PlaceOrder)
			r.Get("/orders", h.ListPendingOrders)
			r.Get("/orders/history", h.OrderHistory)
			r.Delete("/orders/{orderID}", h.CancelOrder)

			r.Get("/leaderboard", h.Leaderboard)

			if h.Scan != nil {
				r.Post("/admin/scan", h.TriggerScan)
			}
		})
	})
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
