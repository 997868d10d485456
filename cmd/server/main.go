package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/payflow/escrow-engine/internal/calc"
	"github.com/payflow/escrow-engine/internal/custody"
	"github.com/payflow/escrow-engine/internal/events"
	"github.com/payflow/escrow-engine/internal/metrics"
	"github.com/payflow/escrow-engine/internal/release"
	"github.com/payflow/escrow-engine/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// --- Initialize store ---
	var st store.Store
	var cleanup []func()

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		pool, err := pgxpool.New(context.Background(), dbURL)
		if err != nil {
			slog.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		cleanup = append(cleanup, pool.Close)
		st = store.NewPostgresStore(pool)
		slog.Info("connected to PostgreSQL")

		// Wrap with Redis read-through cache if configured.
		if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
			opt, err := redis.ParseURL(redisURL)
			if err != nil {
				slog.Error("invalid REDIS_URL", "err", err)
				os.Exit(1)
			}
			rdb := redis.NewClient(opt)
			cleanup = append(cleanup, func() { rdb.Close() })
			st = store.NewCachedStore(st, rdb, 30*time.Second)
			slog.Info("Redis cache enabled")
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

	// --- Custody signer ---
	// Production deployments plug a real signing backend in here; the
	// in-memory signer backs local development.
	signer := custody.NewMemorySigner()
	slog.Warn("using in-memory custody signer (development only)")

	// --- Kafka event publisher ---
	var publisher *events.Publisher
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		publisher = events.NewPublisher(strings.Split(brokers, ","), os.Getenv("KAFKA_TOPIC"))
		cleanup = append(cleanup, func() { publisher.Close() })
		slog.Info("Kafka event publishing enabled", "brokers", brokers)
	}

	// --- Fee schedule ---
	feeRate := decimalEnv("FEE_RATE")
	gasFee := decimalEnv("GAS_FEE")
	calculator := calc.NewCalculator(feeRate, gasFee)

	// --- WebSocket hub ---
	hub := release.NewHub()
	go hub.Run()

	// --- Release coordinator and HTTP service ---
	transferTimeout := durationEnv("TRANSFER_TIMEOUT", 30*time.Second)
	coordinator := release.NewCoordinator(st, signer, transferTimeout, hub, publisher)
	svc := release.NewService(st, signer, coordinator, calculator)

	// --- Expiry sweep ---
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go func() {
		interval := durationEnv("EXPIRY_SWEEP_INTERVAL", time.Minute)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				svc.ExpireDue(sweepCtx)
			}
		}
	}()

	// --- HTTP router ---
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))
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
		w.Write([]byte(`{"status":"ok","service":"escrow-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// WebSocket endpoint for real-time escrow activity.
		r.Get("/ws", hub.HandleWS)

		// Escrow management.
		r.Get("/escrows", svc.ListEscrows)
		r.Post("/escrows", svc.CreateEscrow)
		r.Get("/escrows/quote", svc.Quote)
		r.Get("/escrows/{escrowID}", svc.GetEscrow)
		r.Get("/escrows/{escrowID}/activity", svc.GetActivity)
		r.Get("/escrows/{escrowID}/progress", svc.GetProgress)
		r.Post("/escrows/{escrowID}/fund", svc.FundEscrow)
		r.Post("/escrows/{escrowID}/milestones/{milestoneID}/complete", svc.CompleteMilestone)
		r.Post("/escrows/{escrowID}/dispute", svc.Dispute)
		r.Post("/escrows/{escrowID}/resolve", svc.Resolve)
		r.Post("/escrows/{escrowID}/cancel", svc.Cancel)

		// Fund release.
		r.Post("/release", svc.Release)

		// Payment distributions.
		r.Post("/distributions/calculate", svc.CalculateDistribution)
		r.Post("/distributions/validate", svc.ValidateDistribution)
		r.Post("/distributions/rebalance", svc.RebalanceDistribution)
		r.Post("/distributions/normalize", svc.NormalizeDistribution)
	})

	// --- Server ---
	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		slog.Info("escrow-engine listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	stopSweep()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	slog.Info("shutting down escrow-engine...")
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "err", err)
	}
}

// decimalEnv parses a decimal env var, returning zero (caller applies its
// default) when unset or malformed.
func decimalEnv(key string) decimal.Decimal {
	v := os.Getenv(key)
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		slog.Warn("invalid decimal env var, using default", "key", key, "value", v)
		return decimal.Zero
	}
	return d
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("invalid duration env var, using default", "key", key, "value", v)
		return def
	}
	return d
}
