package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	ce "github.com/aws/aws-sdk-go-v2/service/costexplorer"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/cost-dashboard/config"
	"github.com/vnmchuo/cost-dashboard/internal/cost"
	"github.com/vnmchuo/cost-dashboard/internal/costcache"
	"github.com/vnmchuo/cost-dashboard/internal/costexplorer"
	"github.com/vnmchuo/cost-dashboard/internal/dashboard"
	"github.com/vnmchuo/cost-dashboard/internal/identity"
	"github.com/vnmchuo/cost-dashboard/internal/telemetry"
	"github.com/vnmchuo/cost-dashboard/internal/worker"
	"github.com/vnmchuo/cost-dashboard/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("cost-dashboard", cfg.OTELExporterType, cfg.OTELExporterEndpoint)
	if err != nil {
		log.Fatalf("failed to init tracer: %v", err)
	}
	defer shutdownTracer()

	ctx := context.Background()

	var (
		svc      dashboard.CostService
		dir      dashboard.Directory
		queue    *worker.Queue
		throttle *ratelimit.Limiter
	)

	if cfg.DemoMode {
		log.Println("Demo mode: serving canned data")
		demo := cost.DemoService{}
		svc, dir = demo, demo
	} else {
		// 3. Connect the cost cache database
		costPool, err := pgxpool.New(ctx, cfg.CostPostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect cost postgres: %v", err)
		}
		defer costPool.Close()
		if err := costPool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping cost postgres: %v", err)
		}

		// 4. Connect the gateway database (read-only)
		gatewayPool, err := pgxpool.New(ctx, cfg.GatewayPostgresDSN)
		if err != nil {
			log.Fatalf("failed to connect gateway postgres: %v", err)
		}
		defer gatewayPool.Close()
		if err := gatewayPool.Ping(ctx); err != nil {
			log.Fatalf("failed to ping gateway postgres: %v", err)
		}
		log.Println("PostgreSQL connected")

		// 5. Connect Redis
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("failed to ping redis: %v", err)
		}
		log.Println("Redis connected")

		// 6. Init the cache store, creating the table if missing
		cache := costcache.NewPostgresStore(costPool)
		if err := cache.EnsureSchema(ctx); err != nil {
			log.Fatalf("failed to ensure cache schema: %v", err)
		}

		// 7. Init the Cost Explorer client. One shared SDK client for the
		// whole process; CE credentials come from the default AWS chain.
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWSRegion))
		if err != nil {
			log.Fatalf("failed to load aws config: %v", err)
		}
		var budget costexplorer.Budget
		if cfg.CECallBudgetPerMinute > 0 {
			budget = ratelimit.NewLimiter(rdb, cfg.CECallBudgetPerMinute)
		}
		billingAPI := costexplorer.New(ce.NewFromConfig(awsCfg), budget)
		if cfg.HTTPRateLimitPerMinute > 0 {
			throttle = ratelimit.NewLimiter(rdb, cfg.HTTPRateLimitPerMinute)
		}

		// 8. Init the identity resolver
		resolver := identity.NewResolver(identity.NewPostgresStore(gatewayPool), rdb)

		// 9. Start the write-back worker pool
		queue = worker.NewQueue(cfg.WritebackQueueSize)
		queue.Start(ctx, cfg.WritebackWorkers)

		// 10. Init the reconciling cost service
		tracer := otel.GetTracerProvider().Tracer("cost-dashboard")
		svc = cost.NewService(billingAPI, cache, resolver, queue, tracer)
		dir = resolver
	}

	// 11. Init Chi router
	handler := dashboard.NewHandler(svc, dir)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"cost-dashboard"}`))
	})

	r.Route("/v1", func(r chi.Router) {
		// healthz stays unthrottled; only the API surface is limited.
		if throttle != nil {
			r.Use(dashboard.Throttle(throttle))
		}
		r.Get("/costs/daily", handler.HandleDailyCosts)
		r.Get("/costs/monthly", handler.HandleMonthlyCosts)
		r.Get("/costs/by-user", handler.HandleCostByUser)
		r.Get("/costs/by-model", handler.HandleCostByModel)
		r.Get("/users", handler.HandleListUsers)
		r.Get("/models", handler.HandleListModels)
	})

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("Cost dashboard starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-quit
	log.Println("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("forced shutdown: %v", err)
	}

	// Let queued write-backs finish; they are cheap and finalized data
	// never goes stale.
	if queue != nil {
		queue.Stop()
	}
	log.Println("Server stopped")
}
