package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/atmx/paper-broker/internal/account"
	"github.com/atmx/paper-broker/internal/api"
	"github.com/atmx/paper-broker/internal/config"
	"github.com/atmx/paper-broker/internal/market"
	"github.com/atmx/paper-broker/internal/notify"
	"github.com/atmx/paper-broker/internal/orders"
	"github.com/atmx/paper-broker/internal/scheduler"
	"github.com/atmx/paper-broker/internal/store"
	"github.com/atmx/paper-broker/internal/trade"
	"github.com/atmx/paper-broker/internal/valuation"
)

func main() {
	configPath := flag.String("config", os.Getenv("BROKER_CONFIG"), "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("paper-broker exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("paper-broker stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup []func()
	defer func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}()

	// --- Redis (optional) ---
	var rdb *redis.Client
	if cfg.Redis.URL != "" {
		opt, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb = redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		slog.Info("Redis enabled")
	}

	// --- Ledger store ---
	var st store.Store
	if cfg.Database.URL != "" {
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		pg := store.NewPostgresStore(pool)
		if cfg.Database.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				return err
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}
	if rdb != nil {
		st = store.NewCachedStore(st, rdb, cfg.Redis.CacheTTL.Duration)
	}

	// --- Market ---
	var oracle market.PriceOracle
	if cfg.Market.PriceFeedURL != "" {
		oracle = market.NewHTTPOracle(cfg.Market.PriceFeedURL, cfg.Market.PriceFeedTimeout.Duration)
		slog.Info("using HTTP price feed", "url", cfg.Market.PriceFeedURL)
	} else {
		oracle = market.NewStaticOracle(cfg.Market.Prices)
		slog.Warn("PRICE_FEED_URL not set, serving static prices", "symbols", len(cfg.Market.Prices))
	}
	if rdb != nil {
		oracle = market.NewCachedOracle(oracle, rdb, cfg.Market.PriceCacheTTL.Duration)
	}

	var gate market.Gate = market.AlwaysOpen
	if !cfg.Market.AlwaysOpen {
		hours, err := market.NewHours()
		if err != nil {
			return err
		}
		gate = hours
	} else {
		slog.Warn("market hours disabled, trading is always open")
	}

	rates, err := market.NewRateTable(cfg.Currency.Rates)
	if err != nil {
		return err
	}

	// --- Notifications ---
	hub := notify.NewWSHub()
	senders := []notify.Sender{hub}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	notifier := notify.NewNotifier(senders, cfg.Notify.QueueSize, logger)

	// --- Domain services ---
	accounts := account.NewManager(st, account.Config{
		StartingBalance: cfg.Ledger.StartingBalance,
		BonusAmount:     cfg.Ledger.BonusAmount,
		BonusCooldown:   cfg.Ledger.BonusCooldown.Duration,
	})
	executor := trade.NewExecutor(st, oracle, gate, cfg.Ledger.FeeRate)
	engine := orders.NewEngine(st, oracle, gate, notifier, orders.Config{
		TTL:     cfg.Orders.TTL.Duration,
		FeeRate: cfg.Ledger.FeeRate,
	})
	values := valuation.NewService(st, oracle, rates, cfg.Currency.Display)

	var locker scheduler.Locker
	if rdb != nil {
		locker = scheduler.NewRedisLocker(rdb)
	}
	scan := scheduler.New("order-scan", cfg.Orders.ScanInterval.Duration, func(ctx context.Context) error {
		_, err := engine.Scan(ctx)
		return err
	}, locker)

	// --- HTTP ---
	handler := api.New(api.Deps{
		Store:     st,
		Accounts:  accounts,
		Executor:  executor,
		Orders:    engine,
		Valuation: values,
		Gate:      gate,
		WebSocket: hub.HandleWS,
		Scan:      scan.RunOnce,
	})
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler.Routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// The notifier drains only after the scheduler and the HTTP server
	// have stopped producing.
	notifyCtx, stopNotify := context.WithCancel(context.WithoutCancel(ctx))
	defer stopNotify()
	var producers sync.WaitGroup
	producers.Add(2)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		notifier.Run(notifyCtx)
		return nil
	})
	g.Go(func() error {
		producers.Wait()
		stopNotify()
		return nil
	})
	g.Go(func() error {
		defer producers.Done()
		return scan.Start(gctx)
	})
	g.Go(func() error {
		slog.Info("paper-broker listening", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		defer producers.Done()
		<-gctx.Done()
		slog.Info("shutting down paper-broker...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "err", err)
		}
		return nil
	})
	return g.Wait()
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
