package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/wazeapp/llm-router/config"
	"github.com/wazeapp/llm-router/internal/auth"
	"github.com/wazeapp/llm-router/internal/billing"
	"github.com/wazeapp/llm-router/internal/health"
	"github.com/wazeapp/llm-router/internal/limiter"
	"github.com/wazeapp/llm-router/internal/logging"
	"github.com/wazeapp/llm-router/internal/provider"
	"github.com/wazeapp/llm-router/internal/provider/factory"
	"github.com/wazeapp/llm-router/internal/providerstore"
	"github.com/wazeapp/llm-router/internal/proxy"
	"github.com/wazeapp/llm-router/internal/seeder"
	"github.com/wazeapp/llm-router/internal/telemetry"
	"github.com/wazeapp/llm-router/pkg/ratelimit"
)

func main() {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	// 2. Init logging
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	// 3. Init telemetry
	ctx := context.Background()
	tracer, shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Exporter(cfg.OTELExporterType), cfg.OTELExporterEndpoint)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("failed to shutdown tracer provider", zap.Error(err))
		}
	}()

	// 4. Connect PostgreSQL
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("failed to connect postgres", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		logger.Fatal("failed to ping postgres", zap.Error(err))
	}
	logger.Info("postgres connected")

	// 5. Connect Redis
	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer rdb.Close()

	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Fatal("failed to ping redis", zap.Error(err))
	}
	logger.Info("redis connected")

	// 6. Build the provider registry
	registry, err := buildRegistry(ctx, cfg, providerstore.NewPostgresStore(pool), logger)
	if err != nil {
		logger.Fatal("failed to build provider registry", zap.Error(err))
	}

	// 7. Start health monitoring
	monitor := health.NewMonitor(registry, logger,
		health.WithInterval(cfg.HealthCheckInterval),
		health.WithProbeTimeout(cfg.HealthProbeTimeout),
	)
	monitor.Start(ctx)
	defer monitor.Stop()

	// 8. Init router
	billingStore := billing.NewPostgresStore(pool)
	providerLimiter := limiter.New(provider.Limits{
		RequestsPerMinute: cfg.ProviderRequestsPerMinute,
		TokensPerMinute:   cfg.ProviderTokensPerMinute,
	})
	router := proxy.NewRouter(registry, providerLimiter, monitor, billingStore,
		proxy.WithPriority(proxy.NewPriorityTable(cfg.ProviderPriority)),
		proxy.WithCeilingTimeout(cfg.RouterCeilingTimeout),
		proxy.WithTracer(tracer),
		proxy.WithLogger(logger.Named("router")),
	)

	// 9. Init auth and handler
	authStore := auth.NewPostgresStore(pool)
	authMiddleware := auth.NewMiddleware(authStore, rdb, logger.Named("auth"))
	admission := ratelimit.NewLimiter(rdb, cfg.DefaultRateLimitTPM)
	handler := proxy.NewHandler(router, billingStore, admission, tracer, logger.Named("http"))

	// 10. Seed test API key if RUN_SEED=true
	if os.Getenv("RUN_SEED") == "true" {
		seeder.SeedTestAPIKey(ctx, authStore, logger)
	}

	// 11. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Public routes
	r.Get("/healthz", handler.HandleHealthz)
	r.Get("/v1/providers/health", handler.HandleProvidersHealth)

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware)
		handler.Routes(r)
	})

	// 12. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: cfg.RouterCeilingTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("llm router starting",
			zap.String("port", cfg.Port),
			zap.Int("providers", registry.Len()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}

// buildRegistry loads active providers from the database, falling back to
// the ones configured through environment keys.
func buildRegistry(ctx context.Context, cfg *config.Config, store providerstore.Store, logger *zap.Logger) (*provider.Registry, error) {
	descs, err := store.ListActive(ctx)
	if err != nil {
		logger.Warn("failed to load providers from database, using environment", zap.Error(err))
		descs = nil
	}
	source := "database"
	if len(descs) == 0 {
		descs = cfg.EnvProviders()
		source = "environment"
	}
	if len(descs) == 0 {
		return nil, fmt.Errorf("%w: no providers configured", provider.ErrConfigurationInvalid)
	}

	registry, err := factory.BuildRegistry(descs)
	if err != nil {
		return nil, err
	}
	for _, p := range registry.List() {
		logger.Info("provider registered",
			zap.String("provider", p.Name()),
			zap.String("kind", string(p.Descriptor().Kind)),
			zap.String("source", source),
		)
	}
	return registry, nil
}
