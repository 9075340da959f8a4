// Package model defines the core domain types shared across the broker.
// All monetary values use shopspring/decimal, never float64 for money.
// Amounts are held in the base currency (USD); conversion to a display
// currency happens at the edges.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of a trade or order.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known side.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// OrderState is the lifecycle state of a limit order. Every state other
// than OrderPending is terminal.
type OrderState string

const (
	OrderPending   OrderState = "pending"
	OrderFilled    OrderState = "filled"
	OrderExpired   OrderState = "expired"
	OrderCancelled OrderState = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s OrderState) Terminal() bool {
	return s != OrderPending
}

// Account is a registered user's cash ledger.
type Account struct {
	UserID             string          `json:"user_id" db:"user_id"`
	CashBalance        decimal.Decimal `json:"cash_balance" db:"cash_balance"`
	InitialDeposit     decimal.Decimal `json:"initial_deposit" db:"initial_deposit"`
	TotalBonusReceived decimal.Decimal `json:"total_bonus_received" db:"total_bonus"`
	LastBonusAt        *time.Time      `json:"last_bonus_at,omitempty" db:"last_bonus_at"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
}

// Credit adds a positive amount to the cash balance.
func (a *Account) Credit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	a.CashBalance = a.CashBalance.Add(amount)
	return nil
}

// Debit removes a positive amount from the cash balance. The balance is
// left untouched when it cannot cover the amount.
func (a *Account) Debit(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	if amount.GreaterThan(a.CashBalance) {
		return ErrInsufficientFunds
	}
	a.CashBalance = a.CashBalance.Sub(amount)
	return nil
}

// Position is a user's holding in one symbol. A position with zero shares
// is never stored.
type Position struct {
	UserID      string          `json:"user_id" db:"user_id"`
	Symbol      string          `json:"symbol" db:"symbol"`
	Shares      int64           `json:"shares" db:"shares"`
	AverageCost decimal.Decimal `json:"average_cost" db:"average_cost"`
}

// Buy blends a new lot into the position:
// avg = (oldShares*oldAvg + shares*price) / (oldShares + shares).
func (p *Position) Buy(shares int64, price decimal.Decimal) {
	if p.Shares == 0 {
		p.Shares = shares
		p.AverageCost = price
		return
	}
	held := decimal.NewFromInt(p.Shares)
	added := decimal.NewFromInt(shares)
	total := held.Add(added)
	p.AverageCost = held.Mul(p.AverageCost).Add(added.Mul(price)).Div(total)
	p.Shares += shares
}

// Sell removes shares from the position and returns the average cost in
// effect for the sold shares. The average cost of the remaining lot does
// not change.
func (p *Position) Sell(shares int64) (decimal.Decimal, error) {
	if shares <= 0 {
		return decimal.Zero, ErrInvalidOrderParameters
	}
	if shares > p.Shares {
		return decimal.Zero, ErrInsufficientShares
	}
	p.Shares -= shares
	return p.AverageCost, nil
}

// CostBasis is the total amount paid for the shares still held.
func (p *Position) CostBasis() decimal.Decimal {
	return p.AverageCost.Mul(decimal.NewFromInt(p.Shares))
}

// Order is a limit order. A pending buy has its maximum cost
// (Shares * LimitPrice) reserved out of the owner's cash balance.
type Order struct {
	ID         int64           `json:"id" db:"id"`
	UserID     string          `json:"user_id" db:"user_id"`
	Symbol     string          `json:"symbol" db:"symbol"`
	Shares     int64           `json:"shares" db:"shares"`
	LimitPrice decimal.Decimal `json:"limit_price" db:"limit_price"`
	Side       Side            `json:"side" db:"side"`
	State      OrderState      `json:"state" db:"state"`
	PlacedAt   time.Time       `json:"placed_at" db:"placed_at"`
	ClosedAt   *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Escrow is the cash held against the order while it is pending.
// Sell orders reserve nothing.
func (o *Order) Escrow() decimal.Decimal {
	if o.Side != SideBuy {
		return decimal.Zero
	}
	return o.LimitPrice.Mul(decimal.NewFromInt(o.Shares))
}

// ExpiredAt reports whether the order is older than ttl at now.
func (o *Order) ExpiredAt(now time.Time, ttl time.Duration) bool {
	return now.Sub(o.PlacedAt) > ttl
}

// Matches reports whether price crosses the limit: buys fill at or below
// the limit, sells at or above it.
func (o *Order) Matches(price decimal.Decimal) bool {
	if o.Side == SideBuy {
		return price.LessThanOrEqual(o.LimitPrice)
	}
	return price.GreaterThanOrEqual(o.LimitPrice)
}

// TransactionRecord is an immutable audit record of an executed trade.
// Once created, these are never modified or deleted.
type TransactionRecord struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Shares    int64           `json:"shares" db:"shares"`
	Price     decimal.Decimal `json:"price" db:"price"` // execution price per share
	Side      Side            `json:"side" db:"side"`
	Fee       decimal.Decimal `json:"fee" db:"fee"`
	OrderID   *int64          `json:"order_id,omitempty" db:"order_id"` // set for filled limit orders
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}
