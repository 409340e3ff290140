package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/contextkeys"
	"github.com/platinummonkey/subledger/pkg/httputil"
)

// BillingHandlers handles plan, account and subscription requests
type BillingHandlers struct {
	billingService BillingService
}

// NewBillingHandlers creates a new BillingHandlers
func NewBillingHandlers(billingService BillingService) *BillingHandlers {
	return &BillingHandlers{
		billingService: billingService,
	}
}

// RegisterRoutes registers billing routes
func (h *BillingHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/plans", h.ListPlans).Methods("GET")

	router.HandleFunc("/tenants/{tenant}/billing-account", h.InitializeBillingAccount).Methods("POST")

	// Subscriptions
	router.HandleFunc("/tenants/{tenant}/subscription", h.CreateSubscription).Methods("POST")
	router.HandleFunc("/tenants/{tenant}/subscription", h.GetSubscription).Methods("GET")
	router.HandleFunc("/tenants/{tenant}/subscription", h.UpdateSubscription).Methods("PUT")
	router.HandleFunc("/tenants/{tenant}/subscription/cancel", h.CancelSubscription).Methods("POST")
	router.HandleFunc("/tenants/{tenant}/subscription/reactivate", h.ReactivateSubscription).Methods("POST")
}

// tenant extracts the tenant path parameter and tags the request context
// with it. It writes a 400 and returns false when the parameter is missing.
func tenant(w http.ResponseWriter, r *http.Request) (string, *http.Request, bool) {
	tenantID, ok := httputil.ParsePathStringOrError(w, r, "tenant")
	if !ok {
		return "", r, false
	}
	return tenantID, r.WithContext(contextkeys.WithTenantID(r.Context(), tenantID)), true
}

// ListPlans returns the plan catalog
func (h *BillingHandlers) ListPlans(w http.ResponseWriter, r *http.Request) {
	plans, err := h.billingService.ListPlans(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, PlansResponse{Plans: plans})
}

// InitializeBillingAccount returns the tenant's billing account, creating it
// on first use
func (h *BillingHandlers) InitializeBillingAccount(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenant(w, r)
	if !ok {
		return
	}

	var req InitializeAccountRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Email, "email") {
		return
	}

	account, err := h.billingService.InitializeBillingAccount(r.Context(), tenantID, req.Email, req.Name)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, account)
}

// CreateSubscription purchases a plan
func (h *BillingHandlers) CreateSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenant(w, r)
	if !ok {
		return
	}

	var req CreateSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Plan, "plan") {
		return
	}

	subscription, err := h.billingService.CreateSubscription(r.Context(), tenantID, req.Plan, req.PaymentMethodID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteCreated(w, subscription)
}

// GetSubscription returns the tenant's current subscription
func (h *BillingHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenant(w, r)
	if !ok {
		return
	}

	subscription, err := h.billingService.GetSubscription(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, subscription)
}

// UpdateSubscription changes the plan
func (h *BillingHandlers) UpdateSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenant(w, r)
	if !ok {
		return
	}

	var req UpdateSubscriptionRequest
	if !httputil.ParseJSONOrError(w, r, &req) {
		return
	}
	if !httputil.RequireNonEmpty(w, req.Plan, "plan") {
		return
	}

	subscription, err := h.billingService.UpdateSubscription(r.Context(), tenantID, billing.PlanChange{PlanKey: req.Plan})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, subscription)
}

// CancelSubscription cancels at period end, or immediately when asked to
func (h *BillingHandlers) CancelSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenant(w, r)
	if !ok {
		return
	}

	var req CancelSubscriptionRequest
	if err := httputil.ParseOptionalJSON(r, &req); err != nil {
		httputil.WriteBadRequest(w, err.Error())
		return
	}

	subscription, err := h.billingService.CancelSubscription(r.Context(), tenantID, !req.Immediately)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, subscription)
}

// ReactivateSubscription undoes a scheduled cancellation
func (h *BillingHandlers) ReactivateSubscription(w http.ResponseWriter, r *http.Request) {
	tenantID, r, ok := tenant(w, r)
	if !ok {
		return
	}

	subscription, err := h.billingService.ReactivateSubscription(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = httputil.WriteSuccess(w, subscription)
}
