package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/subledger/pkg/observability"
)

// Webhook outcomes, used as metric labels
const (
	OutcomeApplied  = "applied"
	OutcomeRecorded = "recorded"
	OutcomeIgnored  = "ignored"
	OutcomeUnknown  = "unknown_subscription"
	OutcomeStale    = "stale"
	OutcomeConflict = "live_conflict"
)

// Reconciler applies gateway notifications to the ledger. Apply returns an
// error only for infrastructure failures; anything the gateway should not
// redeliver is logged and absorbed.
type Reconciler struct {
	store    Store
	locker   Locker
	counters Counters
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewReconciler creates a new Reconciler. counters may be nil.
func NewReconciler(store Store, locker Locker, counters Counters, logger *observability.Logger) *Reconciler {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Reconciler{
		store:    store,
		locker:   locker,
		counters: counters,
		logger:   logger,
	}
}

// SetMetrics attaches Prometheus metrics
func (r *Reconciler) SetMetrics(metrics *observability.Metrics) {
	r.metrics = metrics
}

// Apply dispatches one event
func (r *Reconciler) Apply(ctx context.Context, event Event) error {
	meta := event.Meta()
	logger := r.logger.WithFields(map[string]interface{}{
		"event_id":   meta.ID,
		"event_type": meta.Type,
	})

	var (
		outcome string
		err     error
	)
	switch e := event.(type) {
	case SubscriptionUpdated:
		outcome, err = r.applySnapshot(ctx, logger, &e.Subscription, e.Created)
	case SubscriptionDeleted:
		outcome, err = r.applyDeleted(ctx, logger, e)
	case InvoicePaymentSucceeded:
		outcome = r.recordInvoice(ctx, logger, meta, e.Invoice)
	case InvoicePaymentFailed:
		outcome = r.recordInvoice(ctx, logger, meta, e.Invoice)
	case UnknownEvent:
		logger.Debug("Ignoring unhandled event type")
		outcome = OutcomeIgnored
	default:
		logger.Warnf("Ignoring unrecognized event value %T", event)
		outcome = OutcomeIgnored
	}

	if err != nil {
		r.metrics.RecordWebhookEvent(meta.Type, "error")
		return err
	}

	r.metrics.RecordWebhookEvent(meta.Type, outcome)
	r.count(ctx, "webhook:"+meta.Type+":"+outcome)
	return nil
}

// ApplySnapshot reconciles a subscription against a gateway snapshot fetched
// at observedAt, as the periodic syncer does. A snapshot fetched before the
// newest applied event is skipped. observedAt is not recorded as an event
// time: it comes from the local clock, and a webhook created later in the
// same second must still apply.
func (r *Reconciler) ApplySnapshot(ctx context.Context, snapshot *GatewaySubscription, observedAt time.Time) (string, error) {
	logger := r.logger.WithField("subscription_id", snapshot.ID)
	return r.withSubscription(ctx, logger, snapshot.ID, observedAt, false, func(sub *Subscription) {
		sub.applySnapshot(snapshot)
	})
}

func (r *Reconciler) applySnapshot(ctx context.Context, logger *observability.Logger, snapshot *GatewaySubscription, created time.Time) (string, error) {
	return r.withSubscription(ctx, logger, snapshot.ID, created, true, func(sub *Subscription) {
		sub.applySnapshot(snapshot)
	})
}

func (r *Reconciler) applyDeleted(ctx context.Context, logger *observability.Logger, e SubscriptionDeleted) (string, error) {
	return r.withSubscription(ctx, logger, e.ExternalSubscriptionID, e.Created, true, func(sub *Subscription) {
		sub.Status = SubscriptionStatusCanceled
		sub.CancelAtPeriodEnd = false
	})
}

// withSubscription runs apply on the locked, freshly loaded subscription and
// persists it. Changes older than the last applied event are skipped; events
// with an equal timestamp are re-applied so replays stay idempotent. Only
// gateway event times are recorded, when stamp is set.
func (r *Reconciler) withSubscription(ctx context.Context, logger *observability.Logger, externalID string, created time.Time, stamp bool, apply func(*Subscription)) (string, error) {
	logger = logger.WithField("subscription_id", externalID)

	unlock, err := r.locker.Lock(ctx, SubscriptionLockKey(externalID))
	if err != nil {
		return "", fmt.Errorf("failed to lock subscription: %w", err)
	}
	defer unlock()

	sub, err := r.store.GetSubscriptionByExternalID(ctx, externalID)
	if errors.Is(err, ErrRecordNotFound) {
		logger.Warn("Event references a subscription missing from the ledger")
		return OutcomeUnknown, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get subscription: %w", err)
	}

	if !created.IsZero() && sub.LastEventAt != nil && created.Before(*sub.LastEventAt) {
		logger.WithField("last_event_at", sub.LastEventAt).Info("Skipping stale event")
		return OutcomeStale, nil
	}

	mutate := func(s *Subscription) {
		apply(s)
		if stamp && !created.IsZero() {
			at := created
			s.LastEventAt = &at
		}
	}
	mutate(sub)

	_, err = saveWithRetry(ctx, r.store, sub, mutate)
	if errors.Is(err, ErrLiveSubscriptionExists) {
		logger.Warn("Event would leave the account with two live subscriptions; not applied")
		return OutcomeConflict, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to update subscription: %w", err)
	}

	logger.WithFields(map[string]interface{}{
		"status":               sub.Status,
		"cancel_at_period_end": sub.CancelAtPeriodEnd,
	}).Info("Subscription reconciled")
	return OutcomeApplied, nil
}

func (r *Reconciler) recordInvoice(ctx context.Context, logger *observability.Logger, meta EventMeta, invoice InvoicePayment) string {
	logger.WithFields(map[string]interface{}{
		"invoice_id":      invoice.InvoiceID,
		"customer_id":     invoice.ExternalCustomerID,
		"subscription_id": invoice.ExternalSubscriptionID,
		"amount":          invoice.AmountMinorUnits,
		"currency":        invoice.Currency,
		"attempt_count":   invoice.AttemptCount,
	}).Info("Invoice payment event")

	if invoice.ExternalCustomerID != "" {
		r.count(ctx, meta.Type+":customer:"+invoice.ExternalCustomerID)
	}
	return OutcomeRecorded
}

func (r *Reconciler) count(ctx context.Context, key string) {
	if r.counters == nil {
		return
	}
	if _, err := r.counters.Incr(ctx, key); err != nil {
		r.logger.WithError(err).WithField("counter", key).Warn("Failed to increment counter")
	}
}
