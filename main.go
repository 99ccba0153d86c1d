package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"multi-trader/internal/api"
	"multi-trader/internal/engine"
	"multi-trader/internal/events"
	"multi-trader/internal/monitor"
	"multi-trader/internal/price"
	"multi-trader/internal/ratelimit"
	"multi-trader/internal/scheduler"
	"multi-trader/internal/strategy"
	"multi-trader/internal/trader"
	"multi-trader/pkg/config"
	"multi-trader/pkg/crypto"
	"multi-trader/pkg/db"
	exspot "multi-trader/pkg/exchanges/binance/spot"
	"multi-trader/pkg/logger"
)

var version = "dev"

func main() {
	issueToken := flag.String("issue-token", "", "print an ops API token for the named operator and exit")
	tokenTTL := flag.Duration("token-ttl", 72*time.Hour, "lifetime of a token printed by -issue-token")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	if *issueToken != "" {
		token, err := api.IssueToken(*issueToken, cfg.OpsJWTSecret, *tokenTTL)
		if err != nil {
			fmt.Fprintf(os.Stderr, "issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(token)
		return
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("multi-trader stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	log.Info("starting multi-trader",
		zap.String("version", version),
		zap.String("port", cfg.Port),
		zap.String("db_path", cfg.DBPath),
		zap.Bool("testnet", cfg.BinanceTestnet))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	registry := strategy.NewRegistry()
	if cfg.SeedFile != "" {
		seed, err := strategy.LoadSeedFile(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("load seed: %w", err)
		}
		if err := strategy.SyncSeedToDB(ctx, database, registry, seed); err != nil {
			return fmt.Errorf("sync seed: %w", err)
		}
		log.Info("seed synced", zap.String("file", cfg.SeedFile), zap.Int("accounts", len(seed.Accounts)))
	}

	var box *crypto.Box
	if cfg.MasterEncryptionKey != "" {
		if box, err = crypto.NewBoxFromBase64(cfg.MasterEncryptionKey); err != nil {
			return fmt.Errorf("master key: %w", err)
		}
	}

	bus := events.NewBus()
	metrics := monitor.NewMetrics()
	(&monitor.Monitor{Bus: bus, Metrics: metrics, Logger: log}).Start(ctx)

	// Prices: optional websocket streams in front of the REST collector.
	var streams *price.StreamManager
	var latest price.LatestPricer
	if cfg.EnablePriceStream {
		streams = price.NewStreamManager(exspot.NewStreamClient(cfg.BinanceTestnet, log), log)
		defer streams.Close()
		latest = streams
	}
	prices := price.NewCollector(latest, log)

	market := exspot.New(exspot.Config{Testnet: cfg.BinanceTestnet}, log)
	factoryCfg := trader.FactoryConfig{
		Box:             box,
		Testnet:         cfg.BinanceTestnet,
		SimInitialQuote: cfg.SimInitialUSDT,
	}
	if cfg.SimFollowMarket {
		factoryCfg.Market = market
		if err := registerMarketSymbols(ctx, database, prices, market); err != nil {
			return err
		}
	}
	factory := trader.NewDefaultFactory(factoryCfg, log)

	engCfg := engine.Config{
		Deps: trader.Deps{
			DB:       database,
			Limiter:  ratelimit.New(cfg.RateLimitMax, cfg.RateLimitPeriod),
			Prices:   prices,
			Factory:  factory,
			Registry: registry,
			Bus:      bus,
			Metrics:  metrics,
			Logger:   log,
		},
		Trader:    trader.Config{StepTimeout: cfg.StepTimeout},
		JitterMax: cfg.StartJitterMax,
		Stagger:   cfg.StartStagger,
		Version:   version,
	}
	if streams != nil {
		engCfg.Streams = streams
	}
	eng := engine.NewEngine(engCfg)
	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer eng.StopAll()

	sched := scheduler.NewScheduler(ctx, prices, factory, eng, log)
	if err := sched.RegisterAll(cfg.PriceRefreshCron, cfg.HealthLogCron); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	if cfg.OpsJWTSecret == "" {
		log.Warn("OPS_JWT_SECRET not set; ops API is unauthenticated")
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(eng, bus, metrics, cfg.OpsJWTSecret, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("ops API listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

// registerMarketSymbols binds every account symbol to the public market
// client before any trader starts, so simulated accounts follow real prices.
func registerMarketSymbols(ctx context.Context, database *db.Database, prices *price.Collector, market price.Quoter) error {
	accounts, err := database.ListAccounts(ctx)
	if err != nil {
		return fmt.Errorf("list accounts: %w", err)
	}
	for _, acc := range accounts {
		prices.RegisterClient(acc.Symbol, market)
	}
	return nil
}
