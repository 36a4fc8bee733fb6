package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/lyvio/billing-service/pkg/billing"
	"github.com/lyvio/billing-service/pkg/config"
	"github.com/lyvio/billing-service/pkg/gateway"
	"github.com/lyvio/billing-service/pkg/observability"
	"github.com/lyvio/billing-service/pkg/provisioning"
	"github.com/lyvio/billing-service/pkg/storage/postgres"
	"github.com/lyvio/billing-service/pkg/tenants"
)

func main() {
	runOnce := flag.Bool("run-once", false, "Run one sweep and exit instead of scheduling")
	dryRun := flag.Bool("dry-run", false, "Report what would be charged without charging")
	renewSchedule := flag.String("renew-schedule", "@hourly", "Cron schedule for the renewal sweep")
	trialSchedule := flag.String("trial-schedule", "@daily", "Cron schedule for expiring lapsed trials")
	sweepConcurrency := flag.Int("sweep-concurrency", 4, "Concurrent gateway charges per sweep")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := observability.NewLogger(observability.ParseLogLevel(cfg.LogLevel), os.Stdout)
	metrics := observability.NewMetrics(prometheus.NewRegistry())

	cm, err := postgres.NewConnectionManager(postgres.ConnectionConfig{
		PrimaryURL: cfg.DatabaseURL,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer cm.Close()
	db := cm.Primary()

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

	sweep := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		result, err := runner.Run(ctx, billing.RunRequest{DryRun: *dryRun})
		if err != nil {
			logger.WithError(err).Error("Renewal sweep failed")
			return
		}
		logger.WithFields(map[string]interface{}{
			"processed": result.Processed,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"pending":   result.Pending,
			"simulated": result.Simulated,
		}).Info("Renewal sweep done")
	}

	expireTrials := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		expired, err := tenantService.ExpireDueTrials(ctx, time.Now())
		if err != nil {
			logger.WithError(err).Error("Trial expiry failed")
			return
		}
		logger.WithFields(map[string]interface{}{"expired": expired}).Info("Trial expiry done")
	}

	if *runOnce {
		sweep()
		expireTrials()
		return
	}

	c := cron.New()
	if _, err := c.AddFunc(*renewSchedule, sweep); err != nil {
		log.Fatalf("Invalid renew schedule %q: %v", *renewSchedule, err)
	}
	if _, err := c.AddFunc(*trialSchedule, expireTrials); err != nil {
		log.Fatalf("Invalid trial schedule %q: %v", *trialSchedule, err)
	}
	c.Start()
	logger.Infof("Sweeper scheduled: renewals %s, trial expiry %s", *renewSchedule, *trialSchedule)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// Let an in-flight sweep finish before exiting.
	<-c.Stop().Done()
	logger.Info("Sweeper stopped")
}
