package market

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-broker/internal/model"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestStaticOracle(t *testing.T) {
	o := NewStaticOracle(map[string]decimal.Decimal{"AAPL": d("189.5")})
	ctx := context.Background()

	p, err := o.PriceOf(ctx, "AAPL")
	if err != nil || !p.Equal(d("189.5")) {
		t.Fatalf("PriceOf(AAPL) = %s, %v", p, err)
	}

	o.Set("AAPL", d("190"))
	if p, _ := o.PriceOf(ctx, "AAPL"); !p.Equal(d("190")) {
		t.Errorf("expected updated price 190, got %s", p)
	}

	o.Remove("AAPL")
	if _, err := o.PriceOf(ctx, "AAPL"); !errors.Is(err, model.ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestHTTPOracle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/quotes/AAPL":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"symbol":"AAPL","price":"187.25"}`))
		case "/quotes/ZERO":
			_, _ = w.Write([]byte(`{"symbol":"ZERO","price":"0"}`))
		case "/quotes/JUNK":
			_, _ = w.Write([]byte(`not json`))
		default:
			http.Error(w, "unknown symbol", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL+"/quotes/", 2*time.Second)
	ctx := context.Background()

	p, err := o.PriceOf(ctx, "AAPL")
	if err != nil {
		t.Fatalf("PriceOf(AAPL): %v", err)
	}
	if !p.Equal(d("187.25")) {
		t.Errorf("expected 187.25, got %s", p)
	}

	for _, sym := range []string{"NOPE", "ZERO", "JUNK"} {
		if _, err := o.PriceOf(ctx, sym); !errors.Is(err, model.ErrPriceUnavailable) {
			t.Errorf("PriceOf(%s): expected ErrPriceUnavailable, got %v", sym, err)
		}
	}
}

func TestHTTPOracle_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"price":"1"}`))
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, 20*time.Millisecond)
	if _, err := o.PriceOf(context.Background(), "SLOW"); !errors.Is(err, model.ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable on timeout, got %v", err)
	}
}

func TestCachedOracle_FallsBackWhenRedisDown(t *testing.T) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer rdb.Close()

	primary := NewStaticOracle(map[string]decimal.Decimal{"MSFT": d("410.1")})
	o := NewCachedOracle(primary, rdb, time.Minute)

	p, err := o.PriceOf(context.Background(), "MSFT")
	if err != nil {
		t.Fatalf("PriceOf: %v", err)
	}
	if !p.Equal(d("410.1")) {
		t.Errorf("expected 410.1, got %s", p)
	}
	if _, err := o.PriceOf(context.Background(), "NONE"); !errors.Is(err, model.ErrPriceUnavailable) {
		t.Errorf("expected ErrPriceUnavailable, got %v", err)
	}
}
