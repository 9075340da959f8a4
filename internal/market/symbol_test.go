package market

import (
	"errors"
	"testing"

	"github.com/atmx/paper-broker/internal/model"
)

func TestParseSymbol_Valid(t *testing.T) {
	tests := map[string]string{
		"aapl":      "AAPL",
		" msft ":    "MSFT",
		"brk.b":     "BRK.B",
		"RDS-A":     "RDS-A",
		"005930.ks": "005930.KS",
	}
	for in, want := range tests {
		got, err := ParseSymbol(in)
		if err != nil {
			t.Errorf("ParseSymbol(%q): unexpected error: %v", in, err)
			continue
		}
		if got != want {
			t.Errorf("ParseSymbol(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestParseSymbol_Invalid(t *testing.T) {
	tests := []string{
		"",
		"   ",
		"AAPL MSFT",
		"TOOLONGSYMBOL",
		"$AAPL",
		"AAPL.",
		"A..B",
	}
	for _, in := range tests {
		if _, err := ParseSymbol(in); !errors.Is(err, model.ErrInvalidSymbol) {
			t.Errorf("ParseSymbol(%q): expected ErrInvalidSymbol, got %v", in, err)
		}
	}
}
