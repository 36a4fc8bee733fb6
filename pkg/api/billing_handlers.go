package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lyvio/billing-service/pkg/billing"
	"github.com/lyvio/billing-service/pkg/gateway"
	"github.com/lyvio/billing-service/pkg/httputil"
	"github.com/lyvio/billing-service/pkg/observability"
	"github.com/lyvio/billing-service/pkg/tenants"
)

// BillingHandlers serves plan, subscription and invoice routes.
type BillingHandlers struct {
	billing billing.Service
	logger  *observability.Logger
}

func NewBillingHandlers(b billing.Service, logger *observability.Logger) *BillingHandlers {
	return &BillingHandlers{billing: b, logger: logger}
}

// RegisterRoutes registers the billing routes on the router.
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/plans", h.listPlans).Methods("GET")
	router.HandleFunc("/plans/{id}", h.getPlan).Methods("GET")

	router.HandleFunc("/tenants/{id}/subscription", h.checkout).Methods("POST")
	router.HandleFunc("/tenants/{id}/subscription", h.getSubscription).Methods("GET")
	router.HandleFunc("/tenants/{id}/subscription/cancel", h.cancel).Methods("POST")
	router.HandleFunc("/tenants/{id}/subscription/reactivate", h.reactivate).Methods("POST")
	router.HandleFunc("/tenants/{id}/subscription/renew", h.renew).Methods("POST")
	router.HandleFunc("/tenants/{id}/subscription/retry-payment", h.retryPayment).Methods("POST")
	router.HandleFunc("/tenants/{id}/subscription/plan", h.upgradePlan).Methods("PUT")
	router.HandleFunc("/tenants/{id}/payment-method", h.updatePaymentMethod).Methods("PUT")

	router.HandleFunc("/tenants/{id}/billing-state", h.billingState).Methods("GET")
	router.HandleFunc("/tenants/{id}/invoices", h.listInvoices).Methods("GET")
	router.HandleFunc("/tenants/{id}/payment-summary", h.paymentSummary).Methods("GET")
	router.HandleFunc("/invoices/{id}", h.getInvoice).Methods("GET")
}

// writeBillingError maps the billing sentinel errors onto HTTP statuses.
func writeBillingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, billing.ErrNotFound) || errors.Is(err, tenants.ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	case errors.Is(err, billing.ErrSubscriptionExists),
		errors.Is(err, billing.ErrGracePeriodOver),
		errors.Is(err, billing.ErrNotReactivatable):
		httputil.WriteConflict(w, err.Error())
	case errors.Is(err, billing.ErrChargeDeclined):
		httputil.WritePaymentRequired(w, err.Error())
	case errors.Is(err, billing.ErrNoPaymentSource):
		httputil.WriteBadRequest(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}

func (h *BillingHandlers) listPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.billing.ListPlans(r.Context())
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, plans)
}

func (h *BillingHandlers) getPlan(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	plan, err := h.billing.GetPlan(r.Context(), id)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, plan)
}

type checkoutBody struct {
	PlanID int64                `json:"plan_id"`
	Cycle  billing.BillingCycle `json:"billing_cycle"`
	Card   gateway.Card         `json:"card"`
}

func (h *BillingHandlers) checkout(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var body checkoutBody
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if !httputil.RequirePositive(w, body.PlanID, "plan_id") {
		return
	}
	if !body.Cycle.Valid() {
		httputil.WriteBadRequest(w, "billing_cycle must be monthly or yearly")
		return
	}

	result, err := h.billing.Checkout(r.Context(), &billing.CheckoutRequest{
		TenantID: tenantID,
		PlanID:   body.PlanID,
		Cycle:    body.Cycle,
		Card:     body.Card,
	})
	if err != nil {
		writeBillingError(w, err)
		return
	}
	if result.Pending {
		// The webhook finishes this one; tell the caller to wait.
		httputil.WriteJSON(w, http.StatusAccepted, result)
		return
	}
	httputil.WriteCreated(w, result)
}

func (h *BillingHandlers) getSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	sub, err := h.billing.GetSubscription(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (h *BillingHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	sub, err := h.billing.Cancel(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (h *BillingHandlers) reactivate(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	sub, err := h.billing.Reactivate(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (h *BillingHandlers) renew(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	outcome, err := h.billing.Renew(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, outcome)
}

func (h *BillingHandlers) retryPayment(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	outcome, err := h.billing.RetryPayment(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, outcome)
}

type upgradePlanBody struct {
	PlanID int64                `json:"plan_id"`
	Cycle  billing.BillingCycle `json:"billing_cycle"`
}

func (h *BillingHandlers) upgradePlan(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var body upgradePlanBody
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	if !httputil.RequirePositive(w, body.PlanID, "plan_id") {
		return
	}
	if !body.Cycle.Valid() {
		httputil.WriteBadRequest(w, "billing_cycle must be monthly or yearly")
		return
	}
	sub, err := h.billing.UpgradePlan(r.Context(), tenantID, body.PlanID, body.Cycle)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

type updatePaymentMethodBody struct {
	Card        gateway.Card `json:"card"`
	RetryCharge bool         `json:"retry_charge"`
}

func (h *BillingHandlers) updatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var body updatePaymentMethodBody
	if !httputil.ParseJSONOrError(w, r, &body) {
		return
	}
	sub, err := h.billing.UpdatePaymentMethod(r.Context(), &billing.UpdatePaymentMethodRequest{
		TenantID:    tenantID,
		Card:        body.Card,
		RetryCharge: body.RetryCharge,
	})
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, sub)
}

func (h *BillingHandlers) billingState(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	state, err := h.billing.BillingState(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, state)
}

// invoiceView adds the display tax surcharge to an invoice.
type invoiceView struct {
	*billing.Invoice
	TaxCents          int64 `json:"tax_cents"`
	TotalWithTaxCents int64 `json:"total_with_tax_cents"`
}

func invoiceViews(invoices []*billing.Invoice) []invoiceView {
	views := make([]invoiceView, 0, len(invoices))
	for _, inv := range invoices {
		views = append(views, invoiceView{
			Invoice:           inv,
			TaxCents:          inv.TaxCents(),
			TotalWithTaxCents: inv.TotalWithTaxCents(),
		})
	}
	return views
}

func (h *BillingHandlers) listInvoices(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	limit, err := httputil.ParseQueryInt(r, "limit", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	offset, err := httputil.ParseQueryInt(r, "offset", 0)
	if err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}
	invoices, err := h.billing.ListInvoices(r.Context(), tenantID, limit, offset)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, invoiceViews(invoices))
}

func (h *BillingHandlers) getInvoice(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	inv, err := h.billing.GetInvoice(r.Context(), id)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, invoiceView{
		Invoice:           inv,
		TaxCents:          inv.TaxCents(),
		TotalWithTaxCents: inv.TotalWithTaxCents(),
	})
}

func (h *BillingHandlers) paymentSummary(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	summary, err := h.billing.PaymentSummary(r.Context(), tenantID)
	if err != nil {
		writeBillingError(w, err)
		return
	}
	httputil.WriteSuccess(w, summary)
}
