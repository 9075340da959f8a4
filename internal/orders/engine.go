// Package orders implements the limit order lifecycle: placement with cash
// escrow for buys, cancellation, lazy and scheduled expiry, and matching
// against the current market price.
//
// An order moves from pending to exactly one of filled, expired or
// cancelled, and each transition commits together with its ledger
// mutation. The scan never holds a store transaction across a price
// lookup; it re-reads the order inside the fill transaction instead.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-broker/internal/account"
	"github.com/atmx/paper-broker/internal/market"
	"github.com/atmx/paper-broker/internal/metrics"
	"github.com/atmx/paper-broker/internal/model"
	"github.com/atmx/paper-broker/internal/position"
	"github.com/atmx/paper-broker/internal/store"
	"github.com/atmx/paper-broker/internal/trade"
)

// DefaultTTL is how long a limit order stays pending before it expires.
const DefaultTTL = 24 * time.Hour

// Notifier tells a user about fills and expiries. Implementations must
// not block.
type Notifier interface {
	Notify(ctx context.Context, userID, title, message string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, string, string, string) {}

// Config holds the order policy.
type Config struct {
	TTL     time.Duration
	FeeRate decimal.Decimal
}

// PlaceRequest describes a new limit order.
type PlaceRequest struct {
	UserID     string          `json:"user_id"`
	Symbol     string          `json:"symbol"`
	Shares     int64           `json:"shares"`
	LimitPrice decimal.Decimal `json:"limit_price"`
	Side       model.Side      `json:"side"`
}

// PendingOrder is a pending order annotated with its remaining lifetime.
type PendingOrder struct {
	model.Order
	ExpiresAt time.Time     `json:"expires_at"`
	TimeLeft  time.Duration `json:"time_left_ns"`
}

// ScanReport summarizes one pass over the pending orders.
type ScanReport struct {
	Examined      int `json:"examined"`
	Filled        int `json:"filled"`
	Expired       int `json:"expired"`
	Deferred      int `json:"deferred"` // matched sells lacking shares
	PriceFailures int `json:"price_failures"`
	Faults        int `json:"faults"`
}

// errDeferred aborts a fill transaction for a matched sell whose owner no
// longer holds enough shares. The order stays pending.
var errDeferred = errors.New("orders: sell deferred")

// Engine owns the limit order state machine.
type Engine struct {
	store    store.Store
	book     *position.Book
	oracle   market.PriceOracle
	gate     market.Gate
	notifier Notifier
	ttl      time.Duration
	feeRate  decimal.Decimal
	now      func() time.Time
}

// NewEngine creates an engine. A nil notifier discards notifications and
// zero config fields take defaults.
func NewEngine(st store.Store, oracle market.PriceOracle, gate market.Gate, notifier Notifier, cfg Config) *Engine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.FeeRate.IsZero() {
		cfg.FeeRate = trade.DefaultFeeRate
	}
	return &Engine{
		store:    st,
		book:     position.NewBook(st),
		oracle:   oracle,
		gate:     gate,
		notifier: notifier,
		ttl:      cfg.TTL,
		feeRate:  cfg.FeeRate,
		now:      time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// Place validates and records a pending limit order. A buy debits
// Shares*LimitPrice from the owner's cash as escrow in the same
// transaction; a sell only checks that enough shares are held.
func (e *Engine) Place(ctx context.Context, req PlaceRequest) (*model.Order, error) {
	o, err := e.place(context.WithoutCancel(ctx), req)
	if err != nil {
		if code := model.ErrorCode(err); code != "" {
			metrics.Rejections.WithLabelValues("place_order", code).Inc()
		} else {
			e.fault("place_order", req.UserID, 0, err)
		}
		return nil, err
	}

	metrics.OrderTransitions.WithLabelValues(string(model.OrderPending)).Inc()
	slog.Info("limit order placed",
		"order_id", o.ID,
		"user", o.UserID,
		"symbol", o.Symbol,
		"side", string(o.Side),
		"shares", o.Shares,
		"limit", o.LimitPrice.String(),
	)
	return o, nil
}

func (e *Engine) place(ctx context.Context, req PlaceRequest) (*model.Order, error) {
	now := e.now()
	if !e.gate.IsOpen(now) {
		return nil, model.ErrMarketClosed
	}
	if req.UserID == "" {
		return nil, model.ErrInvalidUserID
	}
	if err := validateOrder(req); err != nil {
		return nil, err
	}
	sym, err := market.ParseSymbol(req.Symbol)
	if err != nil {
		return nil, err
	}

	o := &model.Order{
		UserID:     req.UserID,
		Symbol:     sym,
		Shares:     req.Shares,
		LimitPrice: req.LimitPrice,
		Side:       req.Side,
		State:      model.OrderPending,
		PlacedAt:   now.UTC(),
	}

	err = e.store.Update(ctx, req.UserID, func(tx store.Tx) error {
		if o.Side == model.SideBuy {
			if _, err := account.Debit(ctx, tx, o.UserID, o.Escrow()); err != nil {
				return err
			}
		} else {
			if _, err := tx.GetAccount(ctx, o.UserID); errors.Is(err, store.ErrNotFound) {
				return model.ErrNotRegistered
			} else if err != nil {
				return err
			}
			held, err := e.book.Held(ctx, tx, o.UserID, sym)
			if err != nil {
				return err
			}
			if held < o.Shares {
				return model.ErrInsufficientShares
			}
		}
		return tx.InsertOrder(ctx, o)
	})
	if err != nil {
		return nil, err
	}
	return o, nil
}

func validateOrder(req PlaceRequest) error {
	switch {
	case req.Shares <= 0:
		return fmt.Errorf("%w: shares must be positive", model.ErrInvalidOrderParameters)
	case !req.LimitPrice.IsPositive():
		return fmt.Errorf("%w: limit price must be positive", model.ErrInvalidOrderParameters)
	case !req.LimitPrice.Equal(req.LimitPrice.Truncate(2)):
		return fmt.Errorf("%w: limit price has more than 2 decimal places", model.ErrInvalidOrderParameters)
	case !req.Side.Valid():
		return fmt.Errorf("%w: side must be buy or sell", model.ErrInvalidOrderParameters)
	}
	return nil
}

// Cancel cancels a pending order owned by userID and refunds buy escrow.
// Orders that do not exist, belong to someone else or are no longer
// pending are all reported as model.ErrOrderNotFound.
func (e *Engine) Cancel(ctx context.Context, orderID int64, userID string) (*model.Order, error) {
	ctx = context.WithoutCancel(ctx)
	var cancelled *model.Order
	err := e.store.Update(ctx, userID, func(tx store.Tx) error {
		o, err := tx.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return model.ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		if o.UserID != userID || o.State != model.OrderPending {
			return model.ErrOrderNotFound
		}

		if o.Side == model.SideBuy {
			if _, err := account.Credit(ctx, tx, userID, o.Escrow()); err != nil {
				return err
			}
		}
		at := e.now().UTC()
		if err := tx.UpdateOrderState(ctx, o.ID, model.OrderPending, model.OrderCancelled, at); err != nil {
			return err
		}
		o.State = model.OrderCancelled
		o.ClosedAt = &at
		cancelled = o
		return nil
	})
	if err != nil {
		if code := model.ErrorCode(err); code != "" {
			metrics.Rejections.WithLabelValues("cancel_order", code).Inc()
		} else {
			e.fault("cancel_order", userID, orderID, err)
		}
		return nil, err
	}

	metrics.OrderTransitions.WithLabelValues(string(model.OrderCancelled)).Inc()
	slog.Info("limit order cancelled", "order_id", orderID, "user", userID, "refund", cancelled.Escrow().String())
	return cancelled, nil
}

// ListPending returns the user's pending orders, oldest first. Orders past
// their TTL are expired (with refund) on the way and left out.
func (e *Engine) ListPending(ctx context.Context, userID string) ([]PendingOrder, error) {
	orders, err := e.store.ListOrders(ctx, store.OrderFilter{UserID: userID, State: model.OrderPending})
	if err != nil {
		return nil, err
	}

	now := e.now()
	pending := make([]PendingOrder, 0, len(orders))
	for _, o := range orders {
		if o.ExpiredAt(now, e.ttl) {
			if _, err := e.expire(ctx, o); err != nil {
				return nil, err
			}
			continue
		}
		expiresAt := o.PlacedAt.Add(e.ttl)
		pending = append(pending, PendingOrder{
			Order:     o,
			ExpiresAt: expiresAt,
			TimeLeft:  expiresAt.Sub(now),
		})
	}
	return pending, nil
}

// History returns every order the user has placed, oldest first.
func (e *Engine) History(ctx context.Context, userID string) ([]model.Order, error) {
	return e.store.ListOrders(ctx, store.OrderFilter{UserID: userID})
}

// expire moves o to expired and refunds buy escrow. It reports false when
// the order had already left pending, so concurrent callers refund once.
func (e *Engine) expire(ctx context.Context, o model.Order) (bool, error) {
	ctx = context.WithoutCancel(ctx)
	expired := false
	err := e.store.Update(ctx, o.UserID, func(tx store.Tx) error {
		cur, err := tx.GetOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if cur.State != model.OrderPending {
			return nil
		}
		if cur.Side == model.SideBuy {
			if _, err := account.Credit(ctx, tx, cur.UserID, cur.Escrow()); err != nil {
				return err
			}
		}
		if err := tx.UpdateOrderState(ctx, cur.ID, model.OrderPending, model.OrderExpired, e.now().UTC()); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		e.fault("expire_order", o.UserID, o.ID, err)
		return false, err
	}
	if expired {
		metrics.OrderTransitions.WithLabelValues(string(model.OrderExpired)).Inc()
		slog.Info("limit order expired", "order_id", o.ID, "user", o.UserID, "refund", o.Escrow().String())
	}
	return expired, nil
}

// Scan makes one pass over every pending order: expired orders are closed
// and refunded, the rest are matched against the current price and filled
// when the price crosses the limit. Failures on one order never stop the
// pass. The returned error is non-nil only if the pending orders could not
// be listed. A pass that has started runs to the end even if ctx is
// cancelled.
func (e *Engine) Scan(ctx context.Context) (ScanReport, error) {
	ctx = context.WithoutCancel(ctx)
	start := time.Now()
	defer func() { metrics.ScanDuration.Observe(time.Since(start).Seconds()) }()

	var report ScanReport
	orders, err := e.store.ListOrders(ctx, store.OrderFilter{State: model.OrderPending})
	if err != nil {
		return report, fmt.Errorf("orders: list pending: %w", err)
	}
	metrics.PendingOrders.Set(float64(len(orders)))

	prices := newPriceBook(e.oracle)
	for _, o := range orders {
		report.Examined++

		if o.ExpiredAt(e.now(), e.ttl) {
			expired, err := e.expire(ctx, o)
			switch {
			case err != nil:
				report.Faults++
			case expired:
				report.Expired++
				e.notifyExpired(ctx, o)
			}
			continue
		}

		price, err := prices.get(ctx, o.Symbol)
		if err != nil {
			report.PriceFailures++
			slog.Debug("price unavailable, order left pending", "order_id", o.ID, "symbol", o.Symbol, "err", err)
			continue
		}
		if !o.Matches(price) {
			continue
		}

		filled, err := e.fill(ctx, o, price)
		switch {
		case errors.Is(err, errDeferred):
			report.Deferred++
			slog.Info("limit sell deferred, shares no longer held", "order_id", o.ID, "user", o.UserID, "symbol", o.Symbol)
		case err != nil:
			report.Faults++
		case filled:
			report.Filled++
		}
	}

	slog.Info("order scan complete",
		"examined", report.Examined,
		"filled", report.Filled,
		"expired", report.Expired,
		"deferred", report.Deferred,
		"price_failures", report.PriceFailures,
		"faults", report.Faults,
		"duration", time.Since(start).String(),
	)
	return report, nil
}

// fill executes a matched order at price. It reports false without error
// when the order left pending between the scan listing and the fill.
func (e *Engine) fill(ctx context.Context, o model.Order, price decimal.Decimal) (bool, error) {
	shares := decimal.NewFromInt(o.Shares)
	rec := model.TransactionRecord{
		ID:        uuid.New().String(),
		UserID:    o.UserID,
		Symbol:    o.Symbol,
		Shares:    o.Shares,
		Price:     price,
		Side:      o.Side,
		Fee:       decimal.Zero,
		OrderID:   &o.ID,
		Timestamp: e.now().UTC(),
	}

	var refund, net decimal.Decimal
	filled := false
	err := e.store.Update(ctx, o.UserID, func(tx store.Tx) error {
		cur, err := tx.GetOrder(ctx, o.ID)
		if err != nil {
			return err
		}
		if cur.State != model.OrderPending {
			return nil
		}

		switch cur.Side {
		case model.SideBuy:
			refund = cur.LimitPrice.Sub(price).Mul(shares)
			if refund.IsPositive() {
				if _, err := account.Credit(ctx, tx, cur.UserID, refund); err != nil {
					return err
				}
			}
			if _, err := e.book.ApplyBuy(ctx, tx, cur.UserID, cur.Symbol, cur.Shares, price); err != nil {
				return err
			}
		case model.SideSell:
			held, err := e.book.Held(ctx, tx, cur.UserID, cur.Symbol)
			if err != nil {
				return err
			}
			if held < cur.Shares {
				return errDeferred
			}
			if _, _, err := e.book.ApplySell(ctx, tx, cur.UserID, cur.Symbol, cur.Shares); err != nil {
				return err
			}
			var fee decimal.Decimal
			_, fee, net = trade.SaleProceeds(price, cur.Shares, e.feeRate)
			rec.Fee = fee
			if _, err := account.Credit(ctx, tx, cur.UserID, net); err != nil {
				return err
			}
		}

		if err := tx.UpdateOrderState(ctx, cur.ID, model.OrderPending, model.OrderFilled, rec.Timestamp); err != nil {
			return err
		}
		if err := tx.AppendTransaction(ctx, &rec); err != nil {
			return err
		}
		filled = true
		return nil
	})
	if err != nil {
		if !errors.Is(err, errDeferred) {
			e.fault("fill_order", o.UserID, o.ID, err)
		}
		return false, err
	}
	if !filled {
		return false, nil
	}

	metrics.OrderTransitions.WithLabelValues(string(model.OrderFilled)).Inc()
	metrics.TradesTotal.WithLabelValues(string(o.Side), "limit").Inc()
	metrics.TradeVolume.WithLabelValues(o.Symbol, string(o.Side)).Add(float64(o.Shares))
	slog.Info("limit order filled",
		"order_id", o.ID,
		"trade_id", rec.ID,
		"user", o.UserID,
		"symbol", o.Symbol,
		"side", string(o.Side),
		"shares", o.Shares,
		"limit", o.LimitPrice.String(),
		"price", price.String(),
	)
	e.notifyFilled(ctx, o, price, refund, net, rec.Fee)
	return true, nil
}

func (e *Engine) notifyFilled(ctx context.Context, o model.Order, price, refund, net, fee decimal.Decimal) {
	var msg string
	if o.Side == model.SideBuy {
		msg = fmt.Sprintf("Order #%d: bought %d %s at %s (limit %s).",
			o.ID, o.Shares, o.Symbol, usd(price), usd(o.LimitPrice))
		if refund.IsPositive() {
			msg += fmt.Sprintf(" %s of escrow returned.", usd(refund))
		}
	} else {
		msg = fmt.Sprintf("Order #%d: sold %d %s at %s (limit %s). Received %s after a %s fee.",
			o.ID, o.Shares, o.Symbol, usd(price), usd(o.LimitPrice), usd(net), usd(fee))
	}
	e.notifier.Notify(ctx, o.UserID, "Limit order filled", msg)
}

func (e *Engine) notifyExpired(ctx context.Context, o model.Order) {
	msg := fmt.Sprintf("Order #%d to %s %d %s at %s expired after %s.",
		o.ID, o.Side, o.Shares, o.Symbol, usd(o.LimitPrice), e.ttl)
	if o.Side == model.SideBuy {
		msg += fmt.Sprintf(" %s of escrow returned.", usd(o.Escrow()))
	}
	e.notifier.Notify(ctx, o.UserID, "Limit order expired", msg)
}

// fault records a failure that is neither a domain rejection nor a
// deferral. A caller's context ending is logged as an abort.
func (e *Engine) fault(op, userID string, orderID int64, err error) {
	if store.Aborted(err) {
		slog.Warn("order operation aborted", "op", op, "user", userID, "order_id", orderID, "err", err)
		return
	}
	metrics.LedgerFaults.WithLabelValues(op).Inc()
	slog.Error("ledger fault", "op", op, "user", userID, "order_id", orderID, "err", err)
}

func usd(amount decimal.Decimal) string {
	return market.Format(amount, market.BaseCurrency)
}
