package main

import (
	"context"
	"errors"
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
	"golang.org/x/sync/errgroup"

	"github.com/bitinvest/ledger-engine/internal/config"
	"github.com/bitinvest/ledger-engine/internal/identity"
	"github.com/bitinvest/ledger-engine/internal/ledger"
	"github.com/bitinvest/ledger-engine/internal/limits"
	"github.com/bitinvest/ledger-engine/internal/metrics"
	"github.com/bitinvest/ledger-engine/internal/oracle"
	"github.com/bitinvest/ledger-engine/internal/payment"
	"github.com/bitinvest/ledger-engine/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		if err := store.Migrate(ctx, pool); err != nil {
			slog.Error("database migration failed", "err", err)
			os.Exit(1)
		}
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if cfg.RedisURL != "" {
			opt, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
			slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL.String())
		}
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		st = store.NewMemoryStore()
	}

	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()

	// --- Price oracle ---
	var prices oracle.PriceSource
	switch cfg.PriceSource {
	case "static":
		src := oracle.NewStaticSource()
		src.Set(cfg.Asset, cfg.FiatCurrency, cfg.StaticPrice)
		prices = src
		slog.Warn("using static price source", "asset", cfg.Asset, "price", cfg.StaticPrice.String())
	default:
		var opts []oracle.BinanceOption
		if cfg.BinanceBaseURL != "" {
			opts = append(opts, oracle.WithBaseURL(cfg.BinanceBaseURL))
		}
		prices = oracle.NewBinanceSource(cfg.BinanceAPIKey, cfg.BinanceSecretKey,
			map[string]string{cfg.Asset + "/" + cfg.FiatCurrency: cfg.BinanceSymbol}, opts...)
		slog.Info("using binance price source", "symbol", cfg.BinanceSymbol)
	}
	prices = oracle.NewGuard(prices, cfg.PriceMaxAge)

	// --- Payment gateway ---
	var gateway payment.Gateway
	if cfg.RazorpayKeyID != "" && cfg.RazorpayKeySecret != "" {
		gateway = payment.NewRazorpayClient(cfg.RazorpayKeyID, cfg.RazorpayKeySecret, cfg.RazorpayBaseURL)
	} else {
		slog.Warn("Razorpay credentials not set, deposits via gateway disabled")
	}

	// --- WebSocket hub ---
	wsHub := ledger.NewWSHub()

	// --- Ledger service ---
	svc, err := ledger.NewService(ledger.Options{
		Store:           st,
		Prices:          prices,
		Gateway:         gateway,
		Limiter:         limits.NewDepositLimiter(cfg.MaxDeposit, cfg.MaxActivePerOwner),
		Hub:             wsHub,
		Asset:           cfg.Asset,
		FiatCurrency:    cfg.FiatCurrency,
		FeeRate:         cfg.FeeRate,
		FixedReturnRate: cfg.FixedReturnRate,
		MinDeposit:      cfg.MinDeposit,
		WebhookSecret:   cfg.RazorpayWebhookSecret,
	})
	if err != nil {
		slog.Error("ledger service init failed", "err", err)
		os.Exit(1)
	}
	sweeper := ledger.NewSweeper(svc, cfg.AccrualInterval, cfg.AccrualBatch)

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	// CORS middleware for frontend cross-origin requests.
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Owner-ID, X-Actor-Role")
			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","service":"ledger-engine","ws_clients":%d}`, wsHub.Clients())
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Gateway callback, authenticated by its HMAC signature.
		r.With(middleware.Timeout(30*time.Second)).Post("/webhooks/payments", svc.HandlePaymentWebhook)

		r.Group(func(r chi.Router) {
			r.Use(identity.Middleware(cfg.GatewayToken))

			// WebSocket endpoint for the caller's ledger events. Exempt
			// from the request timeout.
			r.Get("/ws", wsHub.HandleWS)

			r.Group(func(r chi.Router) {
				r.Use(middleware.Timeout(30 * time.Second))

				// Deposits and holdings.
				r.Post("/deposits", svc.HandleCreateDeposit)
				r.Get("/deposit-address", svc.HandleDepositAddress)
				r.Get("/terms", svc.HandleTerms)
				r.Get("/positions", svc.HandleListPositions)
				r.Get("/transactions", svc.HandleListTransactions)
				r.Get("/summary", svc.HandleSummary)
				r.Get("/balances", svc.HandleBalances)

				// Payout destination and requests.
				r.Get("/destination", svc.HandleGetDestination)
				r.Put("/destination", svc.HandleSetDestination)
				r.Post("/payouts", svc.HandleRequestPayout)
				r.Get("/payouts", svc.HandleListPayouts)

				// Admin.
				r.Route("/admin", func(r chi.Router) {
					r.Post("/positions", svc.HandleAdminOpenPosition)
					r.Get("/owners", svc.HandleAdminOwners)
					r.Get("/payouts", svc.HandleAdminListPayouts)
					r.Post("/payouts/{payoutID}/{decision}", svc.HandleAdminDisposePayout)
					r.Post("/accruals/run", svc.HandleAdminRunAccruals)
					r.Put("/settings/deposit-address", svc.HandleAdminSetDepositAddress)
					r.Get("/stats", svc.HandleAdminStats)
				})
			})
		})
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("ledger-engine listening", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return wsHub.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down ledger-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		slog.Error("ledger-engine stopped with error", "err", err)
		return
	}
	slog.Info("ledger-engine stopped")
}
