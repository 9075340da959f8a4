package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults and applies environment overrides. The result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setDuration(&cfg.Server.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
	setStr(&cfg.LogLevel, "LOG_LEVEL")

	setStr(&cfg.Database.URL, "DATABASE_URL")
	setBool(&cfg.Database.RunMigrations, "RUN_MIGRATIONS")

	setStr(&cfg.Redis.URL, "REDIS_URL")
	setDuration(&cfg.Redis.CacheTTL, "CACHE_TTL")

	setBool(&cfg.Market.AlwaysOpen, "MARKET_ALWAYS_OPEN")
	setStr(&cfg.Market.PriceFeedURL, "PRICE_FEED_URL")
	setDuration(&cfg.Market.PriceFeedTimeout, "PRICE_FEED_TIMEOUT")
	setDuration(&cfg.Market.PriceCacheTTL, "PRICE_CACHE_TTL")

	setDecimal(&cfg.Ledger.StartingBalance, "STARTING_BALANCE")
	setDecimal(&cfg.Ledger.BonusAmount, "BONUS_AMOUNT")
	setDuration(&cfg.Ledger.BonusCooldown, "BONUS_COOLDOWN")
	setDecimal(&cfg.Ledger.FeeRate, "FEE_RATE")

	setDuration(&cfg.Orders.TTL, "ORDER_TTL")
	setDuration(&cfg.Orders.ScanInterval, "SCAN_INTERVAL")

	setStr(&cfg.Currency.Display, "DISPLAY_CURRENCY")

	setStr(&cfg.Notify.DiscordWebhookURL, "DISCORD_WEBHOOK_URL")
	setInt(&cfg.Notify.QueueSize, "NOTIFY_QUEUE_SIZE")
}

// Each helper only touches the target when the variable is set and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
