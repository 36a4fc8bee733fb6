package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Charge metrics
	ChargeAttemptsTotal *prometheus.CounterVec
	ChargeDuration      *prometheus.HistogramVec
	ChargeAmountCents   *prometheus.HistogramVec

	// Webhook metrics
	WebhookEventsTotal   *prometheus.CounterVec
	WebhookIngestLatency prometheus.Histogram

	// Reconciliation metrics
	ReconciliationTotal        *prometheus.CounterVec
	ReconciliationStrategyHits *prometheus.CounterVec

	// Scheduler metrics
	SweepBatchSize  prometheus.Histogram
	SweepDuration   prometheus.Histogram
	SweepItemsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge

	// Business metrics
	SubscriptionsByStatus *prometheus.GaugeVec
	TrialsActive          prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),

		ChargeAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_charge_attempts_total",
				Help: "Total number of charge attempts by flow and outcome",
			},
			[]string{"flow", "outcome"},
		),
		ChargeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_charge_duration_seconds",
				Help:    "Charge attempt duration including status polling",
				Buckets: []float64{.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"flow"},
		),
		ChargeAmountCents: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "billing_charge_amount_cents",
				Help:    "Charged amounts in cents",
				Buckets: prometheus.ExponentialBuckets(100000, 4, 8),
			},
			[]string{"cycle"},
		),

		WebhookEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_webhook_events_total",
				Help: "Total number of inbound webhook events by terminal ledger status",
			},
			[]string{"event_type", "status"},
		),
		WebhookIngestLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "billing_webhook_ingest_duration_seconds",
				Help:    "Webhook ingestion duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		ReconciliationTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_reconciliation_total",
				Help: "Total number of reconciliation runs by outcome",
			},
			[]string{"outcome"},
		),
		ReconciliationStrategyHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_reconciliation_strategy_hits_total",
				Help: "Subscription matches by strategy name",
			},
			[]string{"strategy"},
		),

		SweepBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "billing_sweep_batch_size",
				Help:    "Number of subscriptions selected per renewal sweep",
				Buckets: prometheus.ExponentialBuckets(1, 4, 8),
			},
		),
		SweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "billing_sweep_duration_seconds",
				Help:    "Renewal sweep duration in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 900},
			},
		),
		SweepItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "billing_sweep_items_total",
				Help: "Per-subscription sweep outcomes",
			},
			[]string{"outcome"},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "billing_db_connections_active",
				Help: "Number of active database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "billing_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),

		SubscriptionsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "billing_subscriptions_by_status",
				Help: "Current subscription count by lifecycle status",
			},
			[]string{"status"},
		),
		TrialsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "billing_trials_active",
				Help: "Number of currently active trials",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ChargeAttemptsTotal,
		m.ChargeDuration,
		m.ChargeAmountCents,
		m.WebhookEventsTotal,
		m.WebhookIngestLatency,
		m.ReconciliationTotal,
		m.ReconciliationStrategyHits,
		m.SweepBatchSize,
		m.SweepDuration,
		m.SweepItemsTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.SubscriptionsByStatus,
		m.TrialsActive,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
		})
	}
}

// MetricsHandler returns the /metrics handler for the given registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
