package billing

import (
	"context"
	"time"
)

// Store persists billing accounts and subscriptions. Lookups that match
// nothing return ErrRecordNotFound.
type Store interface {
	GetAccountByTenant(ctx context.Context, tenantID string) (*BillingAccount, error)
	// CreateAccount inserts the account, or returns the existing one when the
	// tenant already has an account.
	CreateAccount(ctx context.Context, account *BillingAccount) (*BillingAccount, error)

	GetCurrentSubscription(ctx context.Context, accountID int64) (*Subscription, error)
	FindLiveSubscription(ctx context.Context, accountID int64) (*Subscription, error)
	GetSubscriptionByExternalID(ctx context.Context, externalID string) (*Subscription, error)
	// CreateSubscription fills in ID, Version and timestamps. It returns
	// ErrLiveSubscriptionExists when the account already holds a live one.
	CreateSubscription(ctx context.Context, sub *Subscription) error
	// UpdateSubscription writes sub if its Version still matches the stored
	// row and bumps Version. A mismatch returns ErrVersionConflict.
	UpdateSubscription(ctx context.Context, sub *Subscription) error
	// ListStaleSubscriptions returns non-terminal subscriptions last updated
	// before the cutoff, oldest first.
	ListStaleSubscriptions(ctx context.Context, cutoff time.Time, limit int) ([]*Subscription, error)
}

// Catalog resolves plans. Unknown plans return ErrRecordNotFound.
type Catalog interface {
	PlanByKey(ctx context.Context, key string) (*Plan, error)
	PlanByID(ctx context.Context, id int64) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)
}

// DowngradeGate decides whether a tenant's current usage fits a cheaper plan.
// A verdict with CanDowngrade false is an authoritative veto.
type DowngradeGate interface {
	ValidateDowngrade(ctx context.Context, tenantID string, target *Plan) (*DowngradeVerdict, error)
}

// Locker serializes work on a single key
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// Counters is a keyed counter store
type Counters interface {
	Incr(ctx context.Context, key string) (int64, error)
}

// GatewaySubscription is the subset of a gateway subscription the engine reads
type GatewaySubscription struct {
	ID                 string
	CustomerID         string
	Status             string
	ItemID             string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
}

// CustomerRequest describes the customer to create or reuse
type CustomerRequest struct {
	TenantID       string
	Email          string
	Name           string
	IdempotencyKey string
}

// CreateSubscriptionRequest describes a new gateway subscription
type CreateSubscriptionRequest struct {
	CustomerID      string
	PriceID         string
	PaymentMethodID string
	IdempotencyKey  string
}

// UpdateSubscriptionRequest describes a gateway subscription update. Nil
// fields are left untouched.
type UpdateSubscriptionRequest struct {
	ItemID            string
	NewPriceID        *string
	Proration         *ProrationPolicy
	CancelAtPeriodEnd *bool
	IdempotencyKey    string
}

// Gateway is the payment gateway adapter
type Gateway interface {
	CreateOrGetCustomer(ctx context.Context, req CustomerRequest) (string, error)
	CreateSubscription(ctx context.Context, req CreateSubscriptionRequest) (*GatewaySubscription, error)
	GetSubscription(ctx context.Context, externalID string) (*GatewaySubscription, error)
	UpdateSubscription(ctx context.Context, externalID string, req UpdateSubscriptionRequest) (*GatewaySubscription, error)
	CancelSubscription(ctx context.Context, externalID string, atPeriodEnd bool, idempotencyKey string) error
}
