package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/httputil"
	"github.com/platinummonkey/subledger/pkg/observability"
	"github.com/platinummonkey/subledger/pkg/usage"
)

// AdminHandlers exposes operator endpoints
type AdminHandlers struct {
	billingService BillingService
	counters       CounterReader
	usage          UsageRecorder
}

// NewAdminHandlers creates a new AdminHandlers. Any dependency may be nil,
// in which case its routes are not registered.
func NewAdminHandlers(billingService BillingService, counters CounterReader, recorder UsageRecorder) *AdminHandlers {
	return &AdminHandlers{
		billingService: billingService,
		counters:       counters,
		usage:          recorder,
	}
}

// RegisterRoutes registers admin routes
func (h *AdminHandlers) RegisterRoutes(router *mux.Router) {
	if h.counters != nil {
		router.HandleFunc("/admin/billing/counters", h.GetCounters).Methods("GET")
	}
	if h.usage != nil {
		router.HandleFunc("/admin/tenants/{tenant}/usage", h.RecordUsage).Methods("PUT")
	}
	if h.billingService != nil {
		router.HandleFunc("/admin/tenants/{tenant}/subscription/status", h.OverrideStatus).Methods("PUT")
	}
}

// OverrideStatus sets the subscription status in the ledger without calling
// the gateway
func (h *AdminHandlers) OverrideStatus(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenant(w, r)
	if !ok {
		return
	}

	var req StatusOverrideRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Status, "status") {
		return
	}

	status := billing.SubscriptionStatus(req.Status)
	subscription, err := h.billingService.UpdateSubscription(r.Context(), tenantID, billing.StatusOverride{Status: status})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	observability.FromContext(r.Context()).WithField("status", status).Warn("Subscription status overridden by operator")
	_ = httputil.WriteSuccess(w, subscription)
}

// GetCounters returns reconciliation counters, optionally filtered by the
// "prefix" query parameter
func (h *AdminHandlers) GetCounters(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.counters.Snapshot(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Failed to read counters")
		httputil.WriteInternalError(w)
		return
	}
	_ = httputil.WriteSuccess(w, CountersResponse{Counters: snapshot})
}

// RecordUsage replaces the tenant's usage snapshot
func (h *AdminHandlers) RecordUsage(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenant(w, r)
	if !ok {
		return
	}

	var req UsageRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if req.Members < 0 || req.Projects < 0 || req.StorageBytes < 0 {
		httputil.WriteBadRequest(w, "usage values must not be negative")
		return
	}

	snapshot := usage.Snapshot{Members: req.Members, Projects: req.Projects, StorageBytes: req.StorageBytes}
	if err := h.usage.RecordUsage(r.Context(), tenantID, snapshot); err != nil {
		observability.FromContext(r.Context()).WithError(err).Error("Failed to record usage")
		httputil.WriteInternalError(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
