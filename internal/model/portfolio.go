package model

import "github.com/shopspring/decimal"

// Holding is a position marked to the current market price.
type Holding struct {
	Symbol         string          `json:"symbol"`
	Shares         int64           `json:"shares"`
	AverageCost    decimal.Decimal `json:"average_cost"`
	PriceAvailable bool            `json:"price_available"`
	Price          decimal.Decimal `json:"price"`
	Value          decimal.Decimal `json:"value"`       // price * shares
	ProfitRate     decimal.Decimal `json:"profit_rate"` // (price - avg) / avg * 100
	DisplayPrice   decimal.Decimal `json:"display_price"`
	DisplayValue   decimal.Decimal `json:"display_value"`
}

// Portfolio aggregates a user's cash and holdings with profit metrics.
// Base-currency fields are authoritative; Display* fields are converted.
type Portfolio struct {
	UserID        string          `json:"user_id"`
	Currency      string          `json:"currency"` // display currency
	Cash          decimal.Decimal `json:"cash"`
	PendingEscrow decimal.Decimal `json:"pending_escrow"` // reserved by pending buys
	Holdings      []Holding       `json:"holdings"`
	TotalAssets   decimal.Decimal `json:"total_assets"`   // cash + escrow + Σ value
	NetInvestment decimal.Decimal `json:"net_investment"` // initial deposit + Σ cost basis
	TotalBonus    decimal.Decimal `json:"total_bonus"`
	NetProfit     decimal.Decimal `json:"net_profit"` // assets - investment - bonus
	ProfitRate    decimal.Decimal `json:"profit_rate"`
	DisplayCash   decimal.Decimal `json:"display_cash"`
	DisplayAssets decimal.Decimal `json:"display_total_assets"`
	DisplayEscrow decimal.Decimal `json:"display_pending_escrow"`
	DisplayProfit decimal.Decimal `json:"display_net_profit"`
}

// LeaderboardEntry is one ranked account.
type LeaderboardEntry struct {
	Rank          int             `json:"rank"`
	UserID        string          `json:"user_id"`
	TotalAssets   decimal.Decimal `json:"total_assets"`
	DisplayAssets decimal.Decimal `json:"display_total_assets"`
	ProfitRate    decimal.Decimal `json:"profit_rate"`
}

// LeaderboardPage is one page of the leaderboard, computed fresh per request.
type LeaderboardPage struct {
	Currency     string             `json:"currency"`
	Page         int                `json:"page"` // 0-based
	PageSize     int                `json:"page_size"`
	TotalPages   int                `json:"total_pages"`
	TotalEntries int                `json:"total_entries"`
	Entries      []LeaderboardEntry `json:"entries"`
}
