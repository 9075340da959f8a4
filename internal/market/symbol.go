// Package market holds the broker's view of the outside market: ticker
// symbols, trading hours, the price oracle, and currency conversion.
package market

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/atmx/paper-broker/internal/model"
)

// symbolRegex matches exchange tickers with an optional class or venue
// suffix, e.g. AAPL, BRK.B, RDS-A, 005930.KS.
var symbolRegex = regexp.MustCompile(`^[A-Z0-9]{1,10}([.\-][A-Z0-9]{1,4})?$`)

// ParseSymbol normalizes a user-supplied ticker to upper case and
// validates its shape. It does not check that the symbol is listed; the
// price oracle decides that.
func ParseSymbol(raw string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(raw))
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q", model.ErrInvalidSymbol, raw)
	}
	return sym, nil
}
