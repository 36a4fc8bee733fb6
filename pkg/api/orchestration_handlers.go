package api

import (
	"net/http"
	"time"

	"github.com/lyvio/billing-service/pkg/billing"
	"github.com/lyvio/billing-service/pkg/gateway"
	"github.com/lyvio/billing-service/pkg/httputil"
	"github.com/lyvio/billing-service/pkg/observability"
	"github.com/lyvio/billing-service/pkg/tenants"
)

// OrchestrationHandlers serves the API-key-guarded routes used by the
// sweeper and external automation.
type OrchestrationHandlers struct {
	billing billing.Service
	tenants tenants.Service
	runner  *billing.ChargeRunner
	gateway gateway.Client
	logger  *observability.Logger
}

func NewOrchestrationHandlers(b billing.Service, t tenants.Service, runner *billing.ChargeRunner, gw gateway.Client, logger *observability.Logger) *OrchestrationHandlers {
	return &OrchestrationHandlers{
		billing: b,
		tenants: t,
		runner:  runner,
		gateway: gw,
		logger:  logger,
	}
}

// runSweep triggers one renewal sweep. The body is optional; an empty body
// sweeps everything due.
func (h *OrchestrationHandlers) runSweep(w http.ResponseWriter, r *http.Request) {
	var req billing.RunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if !httputil.ParseJSONOrError(w, r, &req) {
			return
		}
	}
	result, err := h.runner.Run(r.Context(), req)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, result)
}

// listDue returns gateway-ready charge payloads for subscriptions whose
// period has lapsed, so external tooling can inspect or submit them.
func (h *OrchestrationHandlers) listDue(w http.ResponseWriter, r *http.Request) {
	due, err := h.billing.DueForRenewal(r.Context(), time.Now())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"count":   len(due),
		"charges": due,
	})
}

// getTransaction proxies a processor-side transaction lookup for debugging
// stuck payments.
func (h *OrchestrationHandlers) getTransaction(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathStringOrError(w, r, "id")
	if !ok {
		return
	}
	txn, err := h.gateway.GetTransaction(r.Context(), id)
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, txn)
}

func (h *OrchestrationHandlers) getTenantByAccount(w http.ResponseWriter, r *http.Request) {
	accountID, ok := httputil.ParsePathStringOrError(w, r, "accountID")
	if !ok {
		return
	}
	tenant, err := h.tenants.GetTenantByPlatformAccountID(r.Context(), accountID)
	if err != nil {
		writeTenantError(w, err)
		return
	}
	httputil.WriteSuccess(w, tenant)
}
