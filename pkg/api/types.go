package api

import (
	"context"

	"github.com/platinummonkey/subledger/pkg/billing"
	"github.com/platinummonkey/subledger/pkg/usage"
)

// BillingService is the subset of billing.Service the handlers call
type BillingService interface {
	InitializeBillingAccount(ctx context.Context, tenantID, ownerEmail, ownerName string) (*billing.BillingAccount, error)
	CreateSubscription(ctx context.Context, tenantID, planKey, paymentMethodRef string) (*billing.Subscription, error)
	GetSubscription(ctx context.Context, tenantID string) (*billing.Subscription, error)
	UpdateSubscription(ctx context.Context, tenantID string, commands ...billing.UpdateCommand) (*billing.Subscription, error)
	CancelSubscription(ctx context.Context, tenantID string, atPeriodEnd bool) (*billing.Subscription, error)
	ReactivateSubscription(ctx context.Context, tenantID string) (*billing.Subscription, error)
	ListPlans(ctx context.Context) ([]*billing.Plan, error)
}

// EventApplier applies decoded gateway events to the ledger
type EventApplier interface {
	Apply(ctx context.Context, event billing.Event) error
}

// CounterReader exposes the reconciliation counters
type CounterReader interface {
	Snapshot(ctx context.Context, match string) (map[string]int64, error)
}

// UsageRecorder stores reported tenant usage for the downgrade gate
type UsageRecorder interface {
	RecordUsage(ctx context.Context, tenantID string, snapshot usage.Snapshot) error
}

// InitializeAccountRequest is the body of POST /tenants/{tenant}/billing-account
type InitializeAccountRequest struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// CreateSubscriptionRequest is the body of POST /tenants/{tenant}/subscription
type CreateSubscriptionRequest struct {
	Plan            string `json:"plan"`
	PaymentMethodID string `json:"payment_method_id"`
}

// UpdateSubscriptionRequest is the body of PUT /tenants/{tenant}/subscription.
// Tenants can only change plans; status is owned by the gateway.
type UpdateSubscriptionRequest struct {
	Plan string `json:"plan"`
}

// StatusOverrideRequest is the body of
// PUT /admin/tenants/{tenant}/subscription/status, an operator escape hatch
// for correcting a ledger row without a gateway round trip.
type StatusOverrideRequest struct {
	Status string `json:"status"`
}

// CancelSubscriptionRequest is the optional body of
// POST /tenants/{tenant}/subscription/cancel. Cancellation defaults to the end
// of the current period.
type CancelSubscriptionRequest struct {
	Immediately bool `json:"immediately"`
}

// UsageRequest is the body of PUT /admin/tenants/{tenant}/usage
type UsageRequest struct {
	Members      int64 `json:"members"`
	Projects     int64 `json:"projects"`
	StorageBytes int64 `json:"storage_bytes"`
}

// PlansResponse lists the catalog
type PlansResponse struct {
	Plans []*billing.Plan `json:"plans"`
}

// CountersResponse lists reconciliation counters by key
type CountersResponse struct {
	Counters map[string]int64 `json:"counters"`
}
