package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lyvio/billing-service/pkg/billing"
	"github.com/lyvio/billing-service/pkg/gateway"
	"github.com/lyvio/billing-service/pkg/middleware"
	"github.com/lyvio/billing-service/pkg/observability"
	"github.com/lyvio/billing-service/pkg/tenants"
	"github.com/lyvio/billing-service/pkg/webhooks"
)

// Config wires the server's dependencies.
type Config struct {
	Billing billing.Service
	Tenants tenants.Service
	Runner  *billing.ChargeRunner
	Webhook *webhooks.Handler
	Gateway gateway.Client

	// APIKey guards the scheduler trigger and the orchestration reads.
	APIKey *middleware.APIKeyMiddleware

	// RateLimit wraps the public webhook route. Optional.
	RateLimit func(http.Handler) http.Handler

	Health  http.Handler
	Metrics http.Handler
	Logger  *observability.Logger
}

// Server is the assembled HTTP API.
type Server struct {
	router *mux.Router
	logger *observability.Logger
}

func NewServer(cfg Config) *Server {
	s := &Server{
		router: mux.NewRouter(),
		logger: cfg.Logger,
	}
	s.setupRoutes(cfg)
	return s
}

func (s *Server) setupRoutes(cfg Config) {
	billingHandlers := NewBillingHandlers(cfg.Billing, cfg.Logger)
	tenantHandlers := NewTenantHandlers(cfg.Tenants, cfg.Logger)
	orchestration := NewOrchestrationHandlers(cfg.Billing, cfg.Tenants, cfg.Runner, cfg.Gateway, cfg.Logger)

	// Public webhook; the ledger deduplicates, the limiter throttles.
	if cfg.Webhook != nil {
		webhook := http.Handler(http.HandlerFunc(cfg.Webhook.HandleEvent))
		if cfg.RateLimit != nil {
			webhook = cfg.RateLimit(webhook)
		}
		s.router.Handle("/billing/webhook", webhook).Methods("POST")
	}

	// Orchestration routes behind the shared key.
	if cfg.APIKey != nil {
		guard := cfg.APIKey.Handler
		s.router.Handle("/billing/recurring-payments", guard(http.HandlerFunc(orchestration.runSweep))).Methods("POST")
		s.router.Handle("/billing/due", guard(http.HandlerFunc(orchestration.listDue))).Methods("GET")
		s.router.Handle("/billing/transactions/{id}", guard(http.HandlerFunc(orchestration.getTransaction))).Methods("GET")
		s.router.Handle("/tenants/by-account/{accountID}", guard(http.HandlerFunc(orchestration.getTenantByAccount))).Methods("GET")
	}

	tenantHandlers.RegisterRoutes(s.router)
	billingHandlers.RegisterRoutes(s.router)

	if cfg.Health != nil {
		s.router.Handle("/health", cfg.Health).Methods("GET")
	}
	if cfg.Metrics != nil {
		s.router.Handle("/metrics", cfg.Metrics).Methods("GET")
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
