// Package config loads the broker configuration: built-in defaults, then an
// optional TOML file, then environment variables (a .env file in the
// working directory is read first if present).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Redis    RedisConfig    `toml:"redis"`
	Market   MarketConfig   `toml:"market"`
	Ledger   LedgerConfig   `toml:"ledger"`
	Orders   OrdersConfig   `toml:"orders"`
	Currency CurrencyConfig `toml:"currency"`
	Notify   NotifyConfig   `toml:"notify"`
	LogLevel string         `toml:"log_level"`
}

type ServerConfig struct {
	Port            int      `toml:"port"`
	ShutdownTimeout duration `toml:"shutdown_timeout"`
}

// DatabaseConfig selects the ledger store. An empty URL uses the in-memory
// store.
type DatabaseConfig struct {
	URL           string `toml:"url"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig enables the read-through caches and the scan lock when URL
// is set.
type RedisConfig struct {
	URL      string   `toml:"url"`
	CacheTTL duration `toml:"cache_ttl"`
}

// MarketConfig configures the price oracle and trading hours. With no
// PriceFeedURL, quotes come from the static Prices table.
type MarketConfig struct {
	AlwaysOpen       bool                       `toml:"always_open"`
	PriceFeedURL     string                     `toml:"price_feed_url"`
	PriceFeedTimeout duration                   `toml:"price_feed_timeout"`
	PriceCacheTTL    duration                   `toml:"price_cache_ttl"`
	Prices           map[string]decimal.Decimal `toml:"prices"`
}

type LedgerConfig struct {
	StartingBalance decimal.Decimal `toml:"starting_balance"`
	BonusAmount     decimal.Decimal `toml:"bonus_amount"`
	BonusCooldown   duration        `toml:"bonus_cooldown"`
	FeeRate         decimal.Decimal `toml:"fee_rate"`
}

type OrdersConfig struct {
	TTL          duration `toml:"ttl"`
	ScanInterval duration `toml:"scan_interval"`
}

// CurrencyConfig holds the default display currency and units-per-USD
// conversion rates.
type CurrencyConfig struct {
	Display string                     `toml:"display"`
	Rates   map[string]decimal.Decimal `toml:"rates"`
}

type NotifyConfig struct {
	DiscordWebhookURL string `toml:"discord_webhook_url"`
	QueueSize         int    `toml:"queue_size"`
}

type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the configuration used when nothing else is set.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: duration{10 * time.Second},
		},
		Database: DatabaseConfig{RunMigrations: true},
		Redis:    RedisConfig{CacheTTL: duration{30 * time.Second}},
		Market: MarketConfig{
			PriceFeedTimeout: duration{5 * time.Second},
			PriceCacheTTL:    duration{15 * time.Second},
		},
		Ledger: LedgerConfig{
			StartingBalance: decimal.NewFromInt(1000),
			BonusAmount:     decimal.NewFromInt(100),
			BonusCooldown:   duration{24 * time.Hour},
			FeeRate:         decimal.RequireFromString("0.001"),
		},
		Orders: OrdersConfig{
			TTL:          duration{24 * time.Hour},
			ScanInterval: duration{time.Minute},
		},
		Currency: CurrencyConfig{
			Display: "USD",
			Rates:   map[string]decimal.Decimal{"KRW": decimal.NewFromInt(1350)},
		},
		Notify:   NotifyConfig{QueueSize: 256},
		LogLevel: "info",
	}
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Sprintf("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel))
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server: port %d out of range", c.Server.Port))
	}
	if c.Server.ShutdownTimeout.Duration <= 0 {
		errs = append(errs, "server: shutdown_timeout must be > 0")
	}
	if c.Redis.URL != "" && c.Redis.CacheTTL.Duration <= 0 {
		errs = append(errs, "redis: cache_ttl must be > 0")
	}
	if c.Market.PriceFeedURL != "" && c.Market.PriceFeedTimeout.Duration <= 0 {
		errs = append(errs, "market: price_feed_timeout must be > 0")
	}
	for sym, p := range c.Market.Prices {
		if !p.IsPositive() {
			errs = append(errs, fmt.Sprintf("market: price for %s must be > 0", sym))
		}
	}

	if !c.Ledger.StartingBalance.IsPositive() {
		errs = append(errs, "ledger: starting_balance must be > 0")
	}
	if !c.Ledger.BonusAmount.IsPositive() {
		errs = append(errs, "ledger: bonus_amount must be > 0")
	}
	if c.Ledger.BonusCooldown.Duration <= 0 {
		errs = append(errs, "ledger: bonus_cooldown must be > 0")
	}
	if c.Ledger.FeeRate.IsNegative() || c.Ledger.FeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		errs = append(errs, "ledger: fee_rate must be in [0, 1)")
	}

	if c.Orders.TTL.Duration <= 0 {
		errs = append(errs, "orders: ttl must be > 0")
	}
	if c.Orders.ScanInterval.Duration <= 0 {
		errs = append(errs, "orders: scan_interval must be > 0")
	}

	if money.GetCurrency(strings.ToUpper(c.Currency.Display)) == nil {
		errs = append(errs, fmt.Sprintf("currency: unknown display currency %q", c.Currency.Display))
	}
	for code, r := range c.Currency.Rates {
		if money.GetCurrency(strings.ToUpper(code)) == nil {
			errs = append(errs, fmt.Sprintf("currency: unknown currency %q in rates", code))
		} else if !r.IsPositive() {
			errs = append(errs, fmt.Sprintf("currency: rate for %s must be > 0", code))
		}
	}

	if c.Notify.QueueSize < 1 {
		errs = append(errs, "notify: queue_size must be >= 1")
	}

	if len(errs) > 0 {
		return errors.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}
