package billing

import (
	"time"
)

// SubscriptionStatus represents the status of a subscription
type SubscriptionStatus string

const (
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionStatusPaused            SubscriptionStatus = "paused"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
)

// LiveStatuses are the statuses that count against the one-live-subscription
// rule for a billing account.
var LiveStatuses = []SubscriptionStatus{
	SubscriptionStatusActive,
	SubscriptionStatusTrialing,
	SubscriptionStatusPastDue,
}

// IsLive reports whether the status occupies the account's single live slot.
func (s SubscriptionStatus) IsLive() bool {
	for _, live := range LiveStatuses {
		if s == live {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further lifecycle transitions are expected.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionStatusCanceled || s == SubscriptionStatusIncompleteExpired
}

// Valid reports whether s is one of the known statuses.
func (s SubscriptionStatus) Valid() bool {
	_, ok := gatewayStatuses[string(s)]
	return ok
}

var gatewayStatuses = map[string]SubscriptionStatus{
	"active":             SubscriptionStatusActive,
	"canceled":           SubscriptionStatusCanceled,
	"incomplete":         SubscriptionStatusIncomplete,
	"incomplete_expired": SubscriptionStatusIncompleteExpired,
	"past_due":           SubscriptionStatusPastDue,
	"trialing":           SubscriptionStatusTrialing,
	"unpaid":             SubscriptionStatusUnpaid,
	"paused":             SubscriptionStatusPaused,
}

// MapGatewayStatus translates a gateway status string into a local status.
// Unknown values map to incomplete so that nothing unrecognized is ever
// treated as paid.
func MapGatewayStatus(raw string) SubscriptionStatus {
	if status, ok := gatewayStatuses[raw]; ok {
		return status
	}
	return SubscriptionStatusIncomplete
}

// PlanInterval is the billing cadence of a plan
type PlanInterval string

const (
	PlanIntervalMonth PlanInterval = "month"
	PlanIntervalYear  PlanInterval = "year"
)

// PlanLimits are the resource ceilings a plan grants. Zero means unlimited.
type PlanLimits struct {
	MaxMembers      int   `json:"max_members" yaml:"max_members"`
	MaxProjects     int   `json:"max_projects" yaml:"max_projects"`
	MaxStorageBytes int64 `json:"max_storage_bytes" yaml:"max_storage_bytes"`
}

// Plan is an entry of the plan catalog
type Plan struct {
	ID              int64        `json:"id" yaml:"id"`
	Key             string       `json:"key" yaml:"key"`
	Name            string       `json:"name" yaml:"name"`
	PriceMinorUnits int64        `json:"price_minor_units" yaml:"price_minor_units"`
	Currency        string       `json:"currency" yaml:"currency"`
	Interval        PlanInterval `json:"interval" yaml:"interval"`
	ExternalPriceID *string      `json:"external_price_id,omitempty" yaml:"external_price_id,omitempty"`
	Limits          PlanLimits   `json:"limits" yaml:"limits"`
}

// Purchasable reports whether the plan can be subscribed to through the gateway.
func (p *Plan) Purchasable() bool {
	return p.ExternalPriceID != nil && *p.ExternalPriceID != ""
}

// BillingAccount links a tenant to its gateway customer
type BillingAccount struct {
	ID                 int64     `json:"id"`
	TenantID           string    `json:"tenant_id"`
	ExternalCustomerID string    `json:"external_customer_id"`
	BillingEmail       string    `json:"billing_email"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Subscription is the local ledger record of a gateway subscription
type Subscription struct {
	ID                     int64              `json:"id"`
	BillingAccountID       int64              `json:"billing_account_id"`
	PlanID                 int64              `json:"plan_id"`
	ExternalSubscriptionID string             `json:"external_subscription_id"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	LastEventAt            *time.Time         `json:"last_event_at,omitempty"`
	Version                int64              `json:"version"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// applySnapshot copies gateway-owned fields onto the record. Period bounds are
// only replaced when the snapshot carries them.
func (s *Subscription) applySnapshot(gs *GatewaySubscription) {
	s.Status = MapGatewayStatus(gs.Status)
	s.CancelAtPeriodEnd = gs.CancelAtPeriodEnd
	if gs.CurrentPeriodStart != nil {
		s.CurrentPeriodStart = gs.CurrentPeriodStart
	}
	if gs.CurrentPeriodEnd != nil {
		s.CurrentPeriodEnd = gs.CurrentPeriodEnd
	}
}

// DowngradeVerdict is the answer of a DowngradeGate
type DowngradeVerdict struct {
	CanDowngrade bool     `json:"can_downgrade"`
	Blockers     []string `json:"blockers,omitempty"`
	Warnings     []string `json:"warnings,omitempty"`
}

// UpdateCommand is one requested mutation of a subscription. The set of
// implementations is closed: PlanChange and StatusOverride.
type UpdateCommand interface {
	updateCommand()
}

// PlanChange moves the subscription to another plan
type PlanChange struct {
	PlanKey string
}

// StatusOverride sets the local status without touching the gateway
type StatusOverride struct {
	Status SubscriptionStatus
}

func (PlanChange) updateCommand()     {}
func (StatusOverride) updateCommand() {}
