package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/dinyk/coverage-engine/internal/api"
	"github.com/dinyk/coverage-engine/internal/config"
	"github.com/dinyk/coverage-engine/internal/intake"
	"github.com/dinyk/coverage-engine/internal/ledger"
	"github.com/dinyk/coverage-engine/internal/metrics"
	"github.com/dinyk/coverage-engine/internal/model"
	"github.com/dinyk/coverage-engine/internal/monitor"
	"github.com/dinyk/coverage-engine/internal/portfolio"
	"github.com/dinyk/coverage-engine/internal/pricefeed"
	"github.com/dinyk/coverage-engine/internal/retry"
	"github.com/dinyk/coverage-engine/internal/settlement"
	"github.com/dinyk/coverage-engine/internal/symbol"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration failed", "err", err)
		os.Exit(1)
	}

	// --- Ledger boundary ---
	var led ledger.Ledger
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		led = ledger.NewPostgresLedger(pool)
		slog.Info("connected to settlement database")
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory simulated ledger (data will not persist)")
		mem := ledger.NewMemoryLedger(cfg.LivenessWindow, nil)
		if cfg.SeedDemo {
			seedDemo(mem)
		}
		led = mem
	}

	// Wrap with the Redis replica cache if configured.
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "err", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		led = ledger.NewCachedLedger(led, rdb, cfg.ReplicaCacheTTL)
		slog.Info("replica cache enabled", "ttl", cfg.ReplicaCacheTTL)
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	policy := retry.NewPolicy(cfg.RetryMaxAttempts, cfg.RetryInitialBackoff)

	// --- Background work: price refresh, lifecycle sweeps, health ---
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	prices := pricefeed.NewSource(led, policy, cfg.PriceRefreshInterval, nil)
	go prices.Run(ctx)

	wsHub := api.NewWSHub()
	go wsHub.Run()

	engine := settlement.NewEngine(led, prices, policy, cfg.OracleStaleTolerance, logger)
	engine.OnSettled = wsHub.BroadcastSettled

	worker := settlement.NewWorker(engine, led, policy, logger)
	worker.OnTransition = wsHub.BroadcastTransition
	go worker.Run(ctx, cfg.SettlementSweepInterval)

	mon := monitor.NewMonitor(led, policy, logger)
	go mon.Run(ctx, cfg.HealthRefreshInterval)

	// --- Services ---
	intakeSvc := intake.NewService(led, policy, intake.Config{
		AllowOffWindowIntake: cfg.AllowOffWindowIntake,
		RateCeilingBps:       cfg.RateSanityCeilingBps,
	}, logger)
	folio := portfolio.NewService(led, policy, logger)
	apiSvc := api.NewService(led, intakeSvc, engine, folio, mon, prices, wsHub)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"coverage-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", apiSvc.Routes)

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("coverage-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down coverage-engine...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
	fmt.Println("coverage-engine stopped")
}

// seedDemo loads one demo tranche with an open round and a live price so
// the API is explorable out of the box.
func seedDemo(mem *ledger.MemoryLedger) {
	now := time.Now().UTC()
	maturity := now.Add(30 * 24 * time.Hour)
	sym, err := symbol.Build("BTCUSD", model.PriceBelow, decimal.NewFromInt(54000), maturity)
	if err != nil {
		slog.Error("seed symbol failed", "err", err)
		return
	}
	tranche := &model.Tranche{
		ID:            "demo-btc-below-54000",
		Symbol:        sym,
		Direction:     model.PriceBelow,
		Threshold:     decimal.NewFromInt(54000),
		PremiumBps:    500,
		Maturity:      maturity,
		PerAccountMin: decimal.NewFromInt(100),
		PerAccountMax: decimal.NewFromInt(1000000),
		Capacity:      decimal.NewFromInt(10000000),
		OracleRouteID: "btc-usd",
		Active:        true,
		CreatedAt:     now,
	}
	round := &model.Round{
		ID:         "demo-round-1",
		TrancheID:  tranche.ID,
		SalesStart: now,
		SalesEnd:   now.Add(7 * 24 * time.Hour),
	}

	if err := mem.CreateTranche(tranche); err != nil {
		slog.Error("seed tranche failed", "err", err)
		return
	}
	if err := mem.CreateRound(round); err != nil {
		slog.Error("seed round failed", "err", err)
		return
	}
	mem.SetPrice("btc-usd", decimal.NewFromInt(57250), true, now)
	mem.Credit("demo-buyer", decimal.NewFromInt(1000000))
	mem.Credit("demo-seller", decimal.NewFromInt(1000000))
	slog.Info("demo data seeded", "tranche", tranche.ID, "round", round.ID)
}
