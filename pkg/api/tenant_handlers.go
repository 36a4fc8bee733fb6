package api

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/lyvio/billing-service/pkg/httputil"
	"github.com/lyvio/billing-service/pkg/observability"
	"github.com/lyvio/billing-service/pkg/tenants"
)

// TenantHandlers serves tenant and trial routes.
type TenantHandlers struct {
	tenants tenants.Service
	logger  *observability.Logger
}

func NewTenantHandlers(t tenants.Service, logger *observability.Logger) *TenantHandlers {
	return &TenantHandlers{tenants: t, logger: logger}
}

// RegisterRoutes registers the tenant routes on the router.
func (h *TenantHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/tenants", h.createTenant).Methods("POST")
	router.HandleFunc("/tenants/{id}", h.getTenant).Methods("GET")
	router.HandleFunc("/tenants/{id}", h.updateTenant).Methods("PUT")

	router.HandleFunc("/tenants/{id}/trial", h.startTrial).Methods("POST")
	router.HandleFunc("/tenants/{id}/trial", h.getTrial).Methods("GET")
	router.HandleFunc("/tenants/{id}/trial/usage", h.recordUsage).Methods("POST")
}

func writeTenantError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tenants.ErrNotFound):
		httputil.WriteNotFoundError(w, err.Error())
	default:
		httputil.WriteInternalError(w, err)
	}
}

func (h *TenantHandlers) createTenant(w http.ResponseWriter, r *http.Request) {
	var req tenants.CreateTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Name, "name") {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}
	tenant, err := h.tenants.CreateTenant(r.Context(), &req)
	if err != nil {
		writeTenantError(w, err)
		return
	}
	httputil.WriteCreated(w, tenant)
}

func (h *TenantHandlers) getTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	tenant, err := h.tenants.GetTenant(r.Context(), id)
	if err != nil {
		writeTenantError(w, err)
		return
	}
	httputil.WriteSuccess(w, tenant)
}

func (h *TenantHandlers) updateTenant(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req tenants.UpdateTenantRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	tenant, err := h.tenants.UpdateTenant(r.Context(), id, &req)
	if err != nil {
		writeTenantError(w, err)
		return
	}
	httputil.WriteSuccess(w, tenant)
}

func (h *TenantHandlers) startTrial(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var req tenants.StartTrialRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	trial, err := h.tenants.StartTrial(r.Context(), id, &req)
	if err != nil {
		writeTenantError(w, err)
		return
	}
	httputil.WriteCreated(w, trial)
}

func (h *TenantHandlers) getTrial(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	trial, err := h.tenants.GetTrial(r.Context(), id)
	if err != nil {
		writeTenantError(w, err)
		return
	}
	httputil.WriteSuccess(w, trial)
}

func (h *TenantHandlers) recordUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := httputil.ParsePathInt64OrError(w, r, "id")
	if !ok {
		return
	}
	var delta tenants.UsageDelta
	if !httputil.ParseJSONOrError(w, r, &delta) {
		return
	}
	trial, err := h.tenants.RecordUsage(r.Context(), id, delta)
	if err != nil {
		writeTenantError(w, err)
		return
	}
	httputil.WriteSuccess(w, trial)
}
