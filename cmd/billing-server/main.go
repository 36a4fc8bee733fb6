package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/lyvio/billing-service/pkg/api"
	"github.com/lyvio/billing-service/pkg/billing"
	"github.com/lyvio/billing-service/pkg/config"
	"github.com/lyvio/billing-service/pkg/gateway"
	"github.com/lyvio/billing-service/pkg/middleware"
	"github.com/lyvio/billing-service/pkg/observability"
	"github.com/lyvio/billing-service/pkg/provisioning"
	"github.com/lyvio/billing-service/pkg/storage/postgres"
	"github.com/lyvio/billing-service/pkg/tenants"
	"github.com/lyvio/billing-service/pkg/webhooks"
)

func main() {
	migrate := flag.Bool("migrate", true, "Run database migrations on startup")
	sweepConcurrency := flag.Int("sweep-concurrency", 4, "Concurrent gateway charges per renewal sweep")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(observability.ParseLogLevel(cfg.LogLevel), os.Stdout)
	registry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(registry)

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL:  cfg.DatabaseURL,
		ReplicaURLs: postgres.ParseReplicaURLs(cfg.DatabaseReplicaURLs),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	db := cm.Primary()

	if *migrate {
		if err := postgres.Migrate(db); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		logger.Info("Database migrations applied")
	}

	// Redis backs the webhook rate limiter; an outage fails open.
	var redisClient *redis.Client
	if opts, err := redis.ParseURL(cfg.RedisURL); err != nil {
		logger.WithError(err).Warn("Invalid REDIS_URL, webhook rate limiting disabled")
	} else {
		redisClient = redis.NewClient(opts)
	}

	signer := gateway.NewSigner(cfg.Gateway.EventsSecret, cfg.Gateway.IntegritySecret)
	gw := gateway.NewHTTPClient(cfg.Gateway.BaseURL, cfg.Gateway.PublicKey, cfg.Gateway.PrivateKey, signer, logger)
	notifier := provisioning.NewHTTPNotifier(cfg.Provisioning.PlatformURL, cfg.Provisioning.PlatformToken, cfg.Provisioning.Timeout, logger)

	tenantService := tenants.NewPostgresService(db)
	reconciler := billing.NewReconciler(db, tenantService, notifier, logger, metrics)
	billingService := billing.NewPostgresService(db, gw, signer, notifier, tenantService, reconciler,
		billing.ServiceConfig{
			PollAttempts: cfg.Poll.Attempts,
			PollInterval: cfg.Poll.Interval,
		}, logger, metrics)
	runner := billing.NewChargeRunner(billingService, *sweepConcurrency, logger, metrics)

	ledger := webhooks.NewLedger(db)
	ingestor := webhooks.NewIngestor(ledger, signer, reconciler, logger, metrics)
	webhookHandler := webhooks.NewHandler(ingestor, signer, logger)

	var rateLimit func(http.Handler) http.Handler
	if redisClient != nil {
		limiter := middleware.NewDistributedRateLimiter(redisClient, middleware.RateLimitConfig{
			RequestsPerWindow: cfg.WebhookRateLimit,
			WindowDuration:    cfg.WebhookRateWindow,
		}, "webhook", logger)
		rateLimit = limiter.Handler
	}

	health := observability.NewHealthChecker(db, redisClient)

	server := api.NewServer(api.Config{
		Billing:   billingService,
		Tenants:   tenantService,
		Runner:    runner,
		Webhook:   webhookHandler,
		Gateway:   gw,
		APIKey:    middleware.NewAPIKeyMiddleware(cfg.OrchestrationAPIKey, logger),
		RateLimit: rateLimit,
		Health:    http.HandlerFunc(health.Readiness),
		Metrics:   observability.MetricsHandler(registry),
		Logger:    logger,
	})

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      observability.HTTPMetricsMiddleware(metrics)(server),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	shutdown := observability.NewShutdownManager(logger, httpServer, 30*time.Second)
	shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
		return cm.Close()
	})
	if redisClient != nil {
		shutdown.RegisterShutdownFunc(func(ctx context.Context) error {
			return redisClient.Close()
		})
	}

	go func() {
		logger.Infof("Billing service listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	if err := shutdown.WaitForShutdown(); err != nil {
		log.Fatalf("Shutdown failed: %v", err)
	}
}
