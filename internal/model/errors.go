package model

import (
	"errors"
	"fmt"
	"time"
)

// Domain errors. Every operation that returns one of these has left the
// ledger exactly as it was before the call.
var (
	ErrAlreadyRegistered      = errors.New("account already registered")
	ErrNotRegistered          = errors.New("account not registered")
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInsufficientShares     = errors.New("insufficient shares")
	ErrPriceUnavailable       = errors.New("price unavailable")
	ErrMarketClosed           = errors.New("market closed")
	ErrBonusOnCooldown        = errors.New("bonus on cooldown")
	ErrInvalidOrderParameters = errors.New("invalid order parameters")
	ErrOrderNotFound          = errors.New("order not found")
	ErrInvalidAmount          = errors.New("amount must be positive")
	ErrInvalidSymbol          = errors.New("invalid symbol")
	ErrInvalidUserID          = errors.New("invalid user id")
	ErrUnsupportedCurrency    = errors.New("unsupported currency")
)

// CooldownError is returned by bonus claims made before the cooldown has
// elapsed. It matches ErrBonusOnCooldown with errors.Is.
type CooldownError struct {
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: %s remaining", ErrBonusOnCooldown, e.Remaining.Round(time.Second))
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrBonusOnCooldown
}

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAlreadyRegistered, "already_registered"},
	{ErrNotRegistered, "not_registered"},
	{ErrInsufficientFunds, "insufficient_funds"},
	{ErrInsufficientShares, "insufficient_shares"},
	{ErrPriceUnavailable, "price_unavailable"},
	{ErrMarketClosed, "market_closed"},
	{ErrBonusOnCooldown, "bonus_on_cooldown"},
	{ErrInvalidOrderParameters, "invalid_order_parameters"},
	{ErrOrderNotFound, "order_not_found"},
	{ErrInvalidAmount, "invalid_amount"},
	{ErrInvalidSymbol, "invalid_symbol"},
	{ErrInvalidUserID, "invalid_user_id"},
	{ErrUnsupportedCurrency, "unsupported_currency"},
}

// ErrorCode returns a stable snake_case code for a domain error, or ""
// if err is not one.
func ErrorCode(err error) string {
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return ""
}

// IsDomainError reports whether err is a business-rule rejection rather
// than an infrastructure failure.
func IsDomainError(err error) bool {
	return ErrorCode(err) != ""
}
