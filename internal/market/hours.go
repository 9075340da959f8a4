package market

import (
	"fmt"
	"time"
	_ "time/tzdata" // America/New_York must resolve on minimal images
)

// Gate decides whether trading is permitted at a given instant.
type Gate interface {
	IsOpen(t time.Time) bool
}

// GateFunc adapts a function to the Gate interface.
type GateFunc func(t time.Time) bool

func (f GateFunc) IsOpen(t time.Time) bool { return f(t) }

// AlwaysOpen permits trading at any time. Used for development and tests.
var AlwaysOpen Gate = GateFunc(func(time.Time) bool { return true })

// Extended-hours session in exchange local time. The session runs from
// pre-market open through after-market close, both inclusive.
const (
	preMarketOpen    = 4 * time.Hour
	afterMarketClose = 20 * time.Hour
	saturdayCutoff   = 5 * time.Hour
	exchangeTimezone = "America/New_York"
)

// Hours is the US equity trading-hours predicate: weekdays within the
// extended session, excluding federal holidays.
//
// Saturday is only closed from 05:00 local; the early-Saturday slice
// between 04:00 and 05:00 falls through to the session window and is
// reported open.
type Hours struct {
	loc *time.Location
}

// NewHours loads the exchange timezone.
func NewHours() (*Hours, error) {
	loc, err := time.LoadLocation(exchangeTimezone)
	if err != nil {
		return nil, fmt.Errorf("market: load timezone %s: %w", exchangeTimezone, err)
	}
	return &Hours{loc: loc}, nil
}

// Location returns the exchange timezone.
func (h *Hours) Location() *time.Location {
	return h.loc
}

// IsOpen reports whether trading is permitted at t.
func (h *Hours) IsOpen(t time.Time) bool {
	local := t.In(h.loc)
	clock := timeOfDay(local)

	switch local.Weekday() {
	case time.Saturday:
		if clock >= saturdayCutoff {
			return false
		}
	case time.Sunday:
		return false
	}

	if clock < preMarketOpen || clock > afterMarketClose {
		return false
	}

	return !IsHoliday(local)
}

func timeOfDay(t time.Time) time.Duration {
	hh, mm, ss := t.Clock()
	return time.Duration(hh)*time.Hour +
		time.Duration(mm)*time.Minute +
		time.Duration(ss)*time.Second +
		time.Duration(t.Nanosecond())
}
