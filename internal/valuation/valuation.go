// Package valuation marks accounts to market: per-user portfolios, the
// profit-rate leaderboard and quotes converted to a display currency. It
// only reads from the store.
package valuation

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/paper-broker/internal/market"
	"github.com/atmx/paper-broker/internal/model"
	"github.com/atmx/paper-broker/internal/store"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100

	// priceFetchLimit bounds concurrent oracle calls while ranking.
	priceFetchLimit = 8
)

var hundred = decimal.NewFromInt(100)

// PageRequest selects one page of the leaderboard. Page is 0-based.
type PageRequest struct {
	Page     int
	PageSize int
}

// Quote is a price in the base and display currency.
type Quote struct {
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Currency     string          `json:"currency"`
	DisplayPrice decimal.Decimal `json:"display_price"`
	Formatted    string          `json:"formatted"`
}

// Service computes valuations on demand. Nothing is cached between calls.
type Service struct {
	store           store.Reader
	oracle          market.PriceOracle
	converter       market.CurrencyConverter
	defaultCurrency string
}

// NewService creates a valuation service. An empty defaultCurrency means
// the base currency.
func NewService(st store.Reader, oracle market.PriceOracle, converter market.CurrencyConverter, defaultCurrency string) *Service {
	if defaultCurrency == "" {
		defaultCurrency = market.BaseCurrency
	}
	return &Service{
		store:           st,
		oracle:          oracle,
		converter:       converter,
		defaultCurrency: defaultCurrency,
	}
}

// Quote returns the current price of symbol.
func (s *Service) Quote(ctx context.Context, symbol, currency string) (*Quote, error) {
	sym, err := market.ParseSymbol(symbol)
	if err != nil {
		return nil, err
	}
	currency = s.currency(currency)
	price, err := s.oracle.PriceOf(ctx, sym)
	if err != nil {
		return nil, err
	}
	display, err := s.converter.Convert(price, market.BaseCurrency, currency)
	if err != nil {
		return nil, err
	}
	return &Quote{
		Symbol:       sym,
		Price:        price,
		Currency:     currency,
		DisplayPrice: display,
		Formatted:    market.Format(display, currency),
	}, nil
}

// Portfolio values the user's account at current prices. Holdings whose
// price cannot be fetched are reported with PriceAvailable=false and add
// nothing to total assets.
func (s *Service) Portfolio(ctx context.Context, userID, currency string) (*model.Portfolio, error) {
	currency = s.currency(currency)
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, notRegistered(err)
	}
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	pending, err := s.store.ListOrders(ctx, store.OrderFilter{UserID: userID, State: model.OrderPending})
	if err != nil {
		return nil, err
	}

	conv := converterFor(s.converter, currency)
	p := &model.Portfolio{
		UserID:        userID,
		Currency:      currency,
		Cash:          acct.CashBalance,
		PendingEscrow: decimal.Zero,
		Holdings:      make([]model.Holding, 0, len(positions)),
		TotalBonus:    acct.TotalBonusReceived,
	}
	for _, o := range pending {
		p.PendingEscrow = p.PendingEscrow.Add(o.Escrow())
	}

	marketValue := decimal.Zero
	for _, pos := range positions {
		h := model.Holding{
			Symbol:      pos.Symbol,
			Shares:      pos.Shares,
			AverageCost: pos.AverageCost,
		}
		if price, err := s.oracle.PriceOf(ctx, pos.Symbol); err == nil {
			h.PriceAvailable = true
			h.Price = price
			h.Value = price.Mul(decimal.NewFromInt(pos.Shares))
			if pos.AverageCost.IsPositive() {
				h.ProfitRate = price.Sub(pos.AverageCost).Div(pos.AverageCost).Mul(hundred)
			}
			h.DisplayPrice = conv.convert(h.Price)
			h.DisplayValue = conv.convert(h.Value)
			marketValue = marketValue.Add(h.Value)
		}
		p.Holdings = append(p.Holdings, h)
	}

	fill(p, acct, positions, marketValue)
	p.DisplayCash = conv.convert(p.Cash)
	p.DisplayAssets = conv.convert(p.TotalAssets)
	p.DisplayEscrow = conv.convert(p.PendingEscrow)
	p.DisplayProfit = conv.convert(p.NetProfit)
	if conv.err != nil {
		return nil, conv.err
	}
	return p, nil
}

// Leaderboard ranks every account by profit rate, highest first, with
// ties broken by user id. The ranking is recomputed on every call; an
// out-of-range page has no entries but correct totals.
func (s *Service) Leaderboard(ctx context.Context, req PageRequest, currency string) (*model.LeaderboardPage, error) {
	currency = s.currency(currency)
	if req.PageSize <= 0 {
		req.PageSize = DefaultPageSize
	}
	req.PageSize = min(req.PageSize, MaxPageSize)

	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	holdings := make([][]model.Position, len(accounts))
	symbols := make(map[string]struct{})
	for i, a := range accounts {
		holdings[i], err = s.store.ListPositions(ctx, a.UserID)
		if err != nil {
			return nil, err
		}
		for _, pos := range holdings[i] {
			symbols[pos.Symbol] = struct{}{}
		}
	}
	prices := s.fetchPrices(ctx, symbols)

	pending, err := s.store.ListOrders(ctx, store.OrderFilter{State: model.OrderPending})
	if err != nil {
		return nil, err
	}
	escrow := make(map[string]decimal.Decimal)
	for _, o := range pending {
		escrow[o.UserID] = escrow[o.UserID].Add(o.Escrow())
	}

	entries := make([]model.LeaderboardEntry, 0, len(accounts))
	for i, a := range accounts {
		marketValue := decimal.Zero
		for _, pos := range holdings[i] {
			if price, ok := prices[pos.Symbol]; ok {
				marketValue = marketValue.Add(price.Mul(decimal.NewFromInt(pos.Shares)))
			}
		}
		p := model.Portfolio{PendingEscrow: escrow[a.UserID]}
		fill(&p, &a, holdings[i], marketValue)
		entries = append(entries, model.LeaderboardEntry{
			UserID:      a.UserID,
			TotalAssets: p.TotalAssets,
			ProfitRate:  p.ProfitRate,
		})
	}
	slices.SortFunc(entries, func(x, y model.LeaderboardEntry) int {
		if c := y.ProfitRate.Cmp(x.ProfitRate); c != 0 {
			return c
		}
		return cmp.Compare(x.UserID, y.UserID)
	})

	page := &model.LeaderboardPage{
		Currency:     currency,
		Page:         req.Page,
		PageSize:     req.PageSize,
		TotalEntries: len(entries),
		TotalPages:   (len(entries) + req.PageSize - 1) / req.PageSize,
		Entries:      []model.LeaderboardEntry{},
	}
	if req.Page < 0 || req.Page >= page.TotalPages {
		return page, nil
	}

	conv := converterFor(s.converter, currency)
	start := req.Page * req.PageSize
	end := min(start+req.PageSize, len(entries))
	for i := start; i < end; i++ {
		e := entries[i]
		e.Rank = i + 1
		e.DisplayAssets = conv.convert(e.TotalAssets)
		page.Entries = append(page.Entries, e)
	}
	if conv.err != nil {
		return nil, conv.err
	}
	return page, nil
}

// fetchPrices looks up each symbol once. Symbols whose price is
// unavailable are absent from the result.
func (s *Service) fetchPrices(ctx context.Context, symbols map[string]struct{}) map[string]decimal.Decimal {
	var mu sync.Mutex
	prices := make(map[string]decimal.Decimal, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(priceFetchLimit)
	for sym := range symbols {
		g.Go(func() error {
			price, err := s.oracle.PriceOf(gctx, sym)
			if err != nil {
				return nil
			}
			mu.Lock()
			prices[sym] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return prices
}

func (s *Service) currency(c string) string {
	if c == "" {
		return s.defaultCurrency
	}
	return c
}

// fill computes the aggregate fields of p from the account, its positions
// and their market value.
//
//	total assets   = cash + pending escrow + market value
//	net investment = initial deposit + cost basis
//	net profit     = total assets - net investment - bonuses
func fill(p *model.Portfolio, acct *model.Account, positions []model.Position, marketValue decimal.Decimal) {
	costBasis := decimal.Zero
	for i := range positions {
		costBasis = costBasis.Add(positions[i].CostBasis())
	}
	p.Cash = acct.CashBalance
	p.TotalBonus = acct.TotalBonusReceived
	p.TotalAssets = acct.CashBalance.Add(p.PendingEscrow).Add(marketValue)
	p.NetInvestment = acct.InitialDeposit.Add(costBasis)
	p.NetProfit = p.TotalAssets.Sub(p.NetInvestment).Sub(acct.TotalBonusReceived)
	p.ProfitRate = decimal.Zero
	if !p.NetInvestment.IsZero() {
		p.ProfitRate = p.NetProfit.Div(p.NetInvestment).Mul(hundred)
	}
}

// displayConverter converts a series of amounts, keeping the first error.
type displayConverter struct {
	c   market.CurrencyConverter
	to  string
	err error
}

func converterFor(c market.CurrencyConverter, to string) *displayConverter {
	return &displayConverter{c: c, to: to}
}

func (d *displayConverter) convert(amount decimal.Decimal) decimal.Decimal {
	if d.err != nil {
		return decimal.Zero
	}
	v, err := d.c.Convert(amount, market.BaseCurrency, d.to)
	if err != nil {
		d.err = fmt.Errorf("valuation: %w", err)
		return decimal.Zero
	}
	return v
}

func notRegistered(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return model.ErrNotRegistered
	}
	return err
}
