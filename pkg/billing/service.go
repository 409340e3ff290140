package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/subledger/pkg/contextkeys"
	"github.com/platinummonkey/subledger/pkg/observability"
)

// Service is the change orchestrator. It owns the synchronous write path:
// every user-initiated mutation calls the gateway first and only then
// persists the gateway-reported result.
type Service struct {
	store   Store
	catalog Catalog
	gateway Gateway
	gate    DowngradeGate
	locker  Locker
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewService creates a new Service
func NewService(store Store, catalog Catalog, gateway Gateway, gate DowngradeGate, locker Locker, logger *observability.Logger) *Service {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Service{
		store:   store,
		catalog: catalog,
		gateway: gateway,
		gate:    gate,
		locker:  locker,
		logger:  logger,
		now:     time.Now,
	}
}

// SetMetrics attaches Prometheus metrics
func (s *Service) SetMetrics(metrics *observability.Metrics) {
	s.metrics = metrics
}

// InitializeBillingAccount returns the tenant's billing account, creating it
// and its gateway customer on first use.
func (s *Service) InitializeBillingAccount(ctx context.Context, tenantID, ownerEmail, ownerName string) (*BillingAccount, error) {
	if tenantID == "" {
		return nil, BadRequest("tenant id is required")
	}

	account, err := s.store.GetAccountByTenant(ctx, tenantID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get billing account: %w", err)
	}

	unlock, err := s.locker.Lock(ctx, "tenant:"+tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to lock tenant: %w", err)
	}
	defer unlock()

	// Another request may have won the race while we waited.
	account, err = s.store.GetAccountByTenant(ctx, tenantID)
	if err == nil {
		return account, nil
	}
	if !errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to get billing account: %w", err)
	}

	customerID, err := s.gateway.CreateOrGetCustomer(ctx, CustomerRequest{
		TenantID:       tenantID,
		Email:          ownerEmail,
		Name:           ownerName,
		IdempotencyKey: customerIdempotencyKey(tenantID, ownerEmail, ownerName),
	})
	if err != nil {
		return nil, err
	}

	account, err = s.store.CreateAccount(ctx, &BillingAccount{
		TenantID:           tenantID,
		ExternalCustomerID: customerID,
		BillingEmail:       ownerEmail,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create billing account: %w", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"tenant_id":   tenantID,
		"customer_id": customerID,
	}).Info("Billing account initialized")

	return account, nil
}

// CreateSubscription purchases a plan for the tenant
func (s *Service) CreateSubscription(ctx context.Context, tenantID, planKey, paymentMethodRef string) (*Subscription, error) {
	account, err := s.account(ctx, tenantID)
	if err != nil {
		return nil, err
	}

	plan, err := s.planByKey(ctx, planKey)
	if err != nil {
		return nil, err
	}
	if !plan.Purchasable() {
		return nil, BadRequest("plan %q is not purchasable", planKey)
	}

	unlock, err := s.locker.Lock(ctx, fmt.Sprintf("account:%d", account.ID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock billing account: %w", err)
	}
	defer unlock()

	live, err := s.store.FindLiveSubscription(ctx, account.ID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to check live subscription: %w", err)
	}
	if live != nil {
		return nil, BadRequest("tenant %q already has a %s subscription", tenantID, live.Status)
	}

	created, err := s.gateway.CreateSubscription(ctx, CreateSubscriptionRequest{
		CustomerID:      account.ExternalCustomerID,
		PriceID:         *plan.ExternalPriceID,
		PaymentMethodID: paymentMethodRef,
		IdempotencyKey:  s.idempotencyKey(ctx, "create-subscription"),
	})
	if err != nil {
		return nil, err
	}

	sub := &Subscription{
		BillingAccountID:       account.ID,
		PlanID:                 plan.ID,
		ExternalSubscriptionID: created.ID,
	}
	sub.applySnapshot(created)
	s.healIncomplete(ctx, sub)

	if err := s.store.CreateSubscription(ctx, sub); err != nil {
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"tenant_id":       tenantID,
			"subscription_id": created.ID,
		}).Error("Gateway subscription created but ledger insert failed")
		if errors.Is(err, ErrLiveSubscriptionExists) {
			return nil, BadRequest("tenant %q already has a live subscription", tenantID)
		}
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}

	s.metrics.RecordSubscriptionChange("create")
	s.logger.WithFields(map[string]interface{}{
		"tenant_id":       tenantID,
		"subscription_id": sub.ExternalSubscriptionID,
		"plan":            plan.Key,
		"status":          sub.Status,
	}).Info("Subscription created")

	return sub, nil
}

// GetSubscription returns the tenant's most recent subscription
func (s *Service) GetSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	account, err := s.account(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.currentSubscription(ctx, tenantID, account)
}

// ListPlans returns the plan catalog
func (s *Service) ListPlans(ctx context.Context) ([]*Plan, error) {
	plans, err := s.catalog.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	return plans, nil
}

// UpdateSubscription applies the commands in order and persists the result
// once. An empty command list returns the subscription unchanged.
func (s *Service) UpdateSubscription(ctx context.Context, tenantID string, commands ...UpdateCommand) (*Subscription, error) {
	return s.mutate(ctx, tenantID, func(sub *Subscription) (*Subscription, string, error) {
		var kinds []string
		for _, cmd := range commands {
			switch c := cmd.(type) {
			case PlanChange:
				changed, err := s.changePlan(ctx, tenantID, sub, c.PlanKey)
				if err != nil {
					return nil, "", err
				}
				if changed != nil {
					sub = changed
					kinds = append(kinds, "plan_change")
				}
			case StatusOverride:
				if !c.Status.Valid() {
					return nil, "", BadRequest("unknown subscription status %q", c.Status)
				}
				if sub.Status != c.Status {
					next := *sub
					next.Status = c.Status
					sub = &next
					kinds = append(kinds, "status_override")
				}
			default:
				return nil, "", BadRequest("unsupported update command %T", cmd)
			}
		}
		if len(kinds) == 0 {
			return nil, "", nil
		}
		return sub, kinds[0], nil
	})
}

// CancelSubscription cancels at period end when atPeriodEnd is true,
// otherwise immediately.
func (s *Service) CancelSubscription(ctx context.Context, tenantID string, atPeriodEnd bool) (*Subscription, error) {
	return s.mutate(ctx, tenantID, func(sub *Subscription) (*Subscription, string, error) {
		if sub.Status == SubscriptionStatusCanceled {
			return nil, "", BadRequest("subscription is already canceled")
		}
		if atPeriodEnd && sub.CancelAtPeriodEnd {
			return nil, "", nil
		}

		err := s.gateway.CancelSubscription(ctx, sub.ExternalSubscriptionID, atPeriodEnd, s.idempotencyKey(ctx, "cancel-subscription"))
		if err != nil {
			return nil, "", err
		}

		next := *sub
		if atPeriodEnd {
			next.CancelAtPeriodEnd = true
			return &next, "cancel_scheduled", nil
		}
		next.Status = SubscriptionStatusCanceled
		next.CancelAtPeriodEnd = false
		return &next, "cancel", nil
	})
}

// ReactivateSubscription undoes a scheduled cancellation
func (s *Service) ReactivateSubscription(ctx context.Context, tenantID string) (*Subscription, error) {
	return s.mutate(ctx, tenantID, func(sub *Subscription) (*Subscription, string, error) {
		if !sub.CancelAtPeriodEnd {
			return nil, "", BadRequest("subscription is not scheduled for cancellation")
		}

		keep := false
		updated, err := s.gateway.UpdateSubscription(ctx, sub.ExternalSubscriptionID, UpdateSubscriptionRequest{
			CancelAtPeriodEnd: &keep,
			IdempotencyKey:    s.idempotencyKey(ctx, "reactivate-subscription"),
		})
		if err != nil {
			return nil, "", err
		}

		next := *sub
		if updated != nil {
			next.applySnapshot(updated)
		}
		next.CancelAtPeriodEnd = false
		next.Status = SubscriptionStatusActive
		return &next, "reactivate", nil
	})
}

// changePlan runs the plan-change algorithm against sub and returns the
// updated copy, or nil when the target is the current plan.
func (s *Service) changePlan(ctx context.Context, tenantID string, sub *Subscription, planKey string) (*Subscription, error) {
	current, err := s.catalog.PlanByID(ctx, sub.PlanID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, NotFound("current plan %d not found", sub.PlanID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get current plan: %w", err)
	}

	target, err := s.planByKey(ctx, planKey)
	if err != nil {
		return nil, err
	}
	if target.Key == current.Key {
		return nil, nil
	}

	if sub.Status == SubscriptionStatusCanceled {
		return nil, BadRequest("cannot change the plan of a canceled subscription")
	}
	if !target.Purchasable() {
		return nil, BadRequest("plan %q is not purchasable", planKey)
	}

	direction := ClassifyChange(current, target)
	logger := s.logger.WithFields(map[string]interface{}{
		"tenant_id":       tenantID,
		"subscription_id": sub.ExternalSubscriptionID,
		"from_plan":       current.Key,
		"to_plan":         target.Key,
		"direction":       direction.String(),
	})

	if direction == ChangeDowngrade {
		verdict, err := s.gate.ValidateDowngrade(ctx, tenantID, target)
		if err != nil {
			return nil, fmt.Errorf("failed to validate downgrade: %w", err)
		}
		if !verdict.CanDowngrade {
			s.metrics.RecordDowngradeBlocked()
			logger.WithField("blockers", verdict.Blockers).Info("Downgrade blocked")
			return nil, DowngradeBlocked(target.Key, verdict.Blockers)
		}
		if len(verdict.Warnings) > 0 {
			logger.WithField("warnings", verdict.Warnings).Info("Downgrade allowed with warnings")
		}
	}

	remote, err := s.gateway.GetSubscription(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}

	policy := ProrationFor(direction, s.now())
	req := UpdateSubscriptionRequest{
		ItemID:         remote.ItemID,
		NewPriceID:     target.ExternalPriceID,
		Proration:      &policy,
		IdempotencyKey: s.idempotencyKey(ctx, "change-plan"),
	}
	reactivate := direction == ChangeUpgrade && sub.CancelAtPeriodEnd
	if reactivate {
		keep := false
		req.CancelAtPeriodEnd = &keep
	}

	updated, err := s.gateway.UpdateSubscription(ctx, sub.ExternalSubscriptionID, req)
	if err != nil {
		return nil, err
	}

	next := *sub
	next.PlanID = target.ID
	next.applySnapshot(updated)
	if reactivate {
		next.CancelAtPeriodEnd = false
	}
	s.healIncomplete(ctx, &next)

	logger.WithField("status", next.Status).Info("Plan changed")
	return &next, nil
}

// mutateFunc computes the next state of a subscription. Returning a nil
// subscription means nothing changed.
type mutateFunc func(sub *Subscription) (next *Subscription, kind string, err error)

// mutate loads the tenant's current subscription under its lock, applies fn
// and persists the result with compare-and-set.
func (s *Service) mutate(ctx context.Context, tenantID string, fn mutateFunc) (*Subscription, error) {
	account, err := s.account(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	sub, err := s.currentSubscription(ctx, tenantID, account)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, SubscriptionLockKey(sub.ExternalSubscriptionID))
	if err != nil {
		return nil, fmt.Errorf("failed to lock subscription: %w", err)
	}
	defer unlock()

	// Re-read under the lock; a webhook may have landed in between.
	sub, err = s.store.GetSubscriptionByExternalID(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to reload subscription: %w", err)
	}

	next, kind, err := fn(sub)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return sub, nil
	}

	saved, err := saveWithRetry(ctx, s.store, next, func(fresh *Subscription) {
		fresh.PlanID = next.PlanID
		fresh.Status = next.Status
		fresh.CancelAtPeriodEnd = next.CancelAtPeriodEnd
		fresh.CurrentPeriodStart = next.CurrentPeriodStart
		fresh.CurrentPeriodEnd = next.CurrentPeriodEnd
	})
	if errors.Is(err, ErrLiveSubscriptionExists) {
		return nil, BadRequest("tenant %q already has a live subscription", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription: %w", err)
	}

	s.metrics.RecordSubscriptionChange(kind)
	return saved, nil
}

// healIncomplete covers the race where the gateway activates a subscription
// right after answering the mutating call with "incomplete".
func (s *Service) healIncomplete(ctx context.Context, sub *Subscription) {
	if sub.Status != SubscriptionStatusIncomplete {
		return
	}
	remote, err := s.gateway.GetSubscription(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		s.logger.WithError(err).WithField("subscription_id", sub.ExternalSubscriptionID).
			Warn("Could not re-read incomplete subscription; leaving it for the webhook")
		return
	}
	if MapGatewayStatus(remote.Status) == SubscriptionStatusActive {
		sub.applySnapshot(remote)
	}
}

func (s *Service) account(ctx context.Context, tenantID string) (*BillingAccount, error) {
	account, err := s.store.GetAccountByTenant(ctx, tenantID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, NotFound("billing account for tenant %q not found", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get billing account: %w", err)
	}
	return account, nil
}

func (s *Service) currentSubscription(ctx context.Context, tenantID string, account *BillingAccount) (*Subscription, error) {
	sub, err := s.store.GetCurrentSubscription(ctx, account.ID)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, NotFound("tenant %q has no subscription", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get subscription: %w", err)
	}
	return sub, nil
}

func (s *Service) planByKey(ctx context.Context, key string) (*Plan, error) {
	plan, err := s.catalog.PlanByKey(ctx, key)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, NotFound("plan %q not found", key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	return plan, nil
}

// idempotencyKey derives a per-operation gateway key from the caller's
// Idempotency-Key, so a retried request replays instead of repeating.
func (s *Service) idempotencyKey(ctx context.Context, op string) string {
	if key := contextkeys.GetIdempotencyKey(ctx); key != "" {
		return key + ":" + op
	}
	return op + ":" + uuid.NewString()
}

// customerIdempotencyKey is stable for a retried request but changes with the
// owner details, since the gateway rejects a reused key with new parameters.
func customerIdempotencyKey(tenantID, email, name string) string {
	sum := sha256.Sum256([]byte(email + "\x00" + name))
	return "customer-" + tenantID + "-" + hex.EncodeToString(sum[:8])
}

// SubscriptionLockKey is the lock key shared by every writer of one subscription
func SubscriptionLockKey(externalID string) string {
	return "subscription:" + externalID
}

// saveWithRetry writes sub with compare-and-set. On a version conflict it
// reloads the row, reapplies the caller's fields and tries once more.
func saveWithRetry(ctx context.Context, store Store, sub *Subscription, reapply func(fresh *Subscription)) (*Subscription, error) {
	err := store.UpdateSubscription(ctx, sub)
	if !errors.Is(err, ErrVersionConflict) {
		return sub, err
	}

	fresh, err := store.GetSubscriptionByExternalID(ctx, sub.ExternalSubscriptionID)
	if err != nil {
		return nil, err
	}
	reapply(fresh)
	if err := store.UpdateSubscription(ctx, fresh); err != nil {
		return nil, err
	}
	return fresh, nil
}
