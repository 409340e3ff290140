package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/subledger/pkg/billing"
)

// Ledger is the Postgres implementation of billing.Store and billing.Catalog
type Ledger struct {
	conns *ConnectionManager
}

// NewLedger creates a ledger on top of a connection manager
func NewLedger(conns *ConnectionManager) *Ledger {
	return &Ledger{conns: conns}
}

const planColumns = `id, key, name, price_minor_units, currency, billing_interval,
	external_price_id, max_members, max_projects, max_storage_bytes`

const accountColumns = `id, tenant_id, external_customer_id, billing_email, created_at, updated_at`

const subscriptionColumns = `id, billing_account_id, plan_id, external_subscription_id, status,
	current_period_start, current_period_end, cancel_at_period_end, last_event_at,
	version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPlan(row rowScanner) (*billing.Plan, error) {
	var (
		plan     billing.Plan
		interval string
		priceID  sql.NullString
	)
	err := row.Scan(
		&plan.ID, &plan.Key, &plan.Name, &plan.PriceMinorUnits, &plan.Currency, &interval,
		&priceID, &plan.Limits.MaxMembers, &plan.Limits.MaxProjects, &plan.Limits.MaxStorageBytes,
	)
	if err != nil {
		return nil, err
	}
	plan.Interval = billing.PlanInterval(interval)
	if priceID.Valid {
		plan.ExternalPriceID = &priceID.String
	}
	return &plan, nil
}

func scanAccount(row rowScanner) (*billing.BillingAccount, error) {
	var account billing.BillingAccount
	err := row.Scan(
		&account.ID, &account.TenantID, &account.ExternalCustomerID, &account.BillingEmail,
		&account.CreatedAt, &account.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &account, nil
}

func scanSubscription(row rowScanner) (*billing.Subscription, error) {
	var (
		sub                                 billing.Subscription
		status                              string
		periodStart, periodEnd, lastEventAt sql.NullTime
	)
	err := row.Scan(
		&sub.ID, &sub.BillingAccountID, &sub.PlanID, &sub.ExternalSubscriptionID, &status,
		&periodStart, &periodEnd, &sub.CancelAtPeriodEnd, &lastEventAt,
		&sub.Version, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.Status = billing.SubscriptionStatus(status)
	sub.CurrentPeriodStart = nullTimePtr(periodStart)
	sub.CurrentPeriodEnd = nullTimePtr(periodEnd)
	sub.LastEventAt = nullTimePtr(lastEventAt)
	return &sub, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return billing.ErrRecordNotFound
	}
	return err
}

// isLiveConflict reports whether err is a violation of the one-live-per-account index
func isLiveConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == "23505" && pqErr.Constraint == liveSubscriptionIndex
}

// PlanByKey implements billing.Catalog
func (l *Ledger) PlanByKey(ctx context.Context, key string) (*billing.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE key = $1`
	plan, err := scanPlan(l.conns.Replica().QueryRowContext(ctx, query, key))
	if err != nil {
		return nil, notFound(err)
	}
	return plan, nil
}

// PlanByID implements billing.Catalog
func (l *Ledger) PlanByID(ctx context.Context, id int64) (*billing.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`
	plan, err := scanPlan(l.conns.Replica().QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err)
	}
	return plan, nil
}

// ListPlans implements billing.Catalog, cheapest first
func (l *Ledger) ListPlans(ctx context.Context) ([]*billing.Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans ORDER BY price_minor_units, id`
	rows, err := l.conns.Replica().QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*billing.Plan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// UpsertPlans writes catalog entries keyed by plan key and fills in their IDs
func (l *Ledger) UpsertPlans(ctx context.Context, plans []*billing.Plan) error {
	tx, err := l.conns.Primary().BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO plans (key, name, price_minor_units, currency, billing_interval,
			external_price_id, max_members, max_projects, max_storage_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (key) DO UPDATE SET
			name = EXCLUDED.name,
			price_minor_units = EXCLUDED.price_minor_units,
			currency = EXCLUDED.currency,
			billing_interval = EXCLUDED.billing_interval,
			external_price_id = EXCLUDED.external_price_id,
			max_members = EXCLUDED.max_members,
			max_projects = EXCLUDED.max_projects,
			max_storage_bytes = EXCLUDED.max_storage_bytes,
			updated_at = NOW()
		RETURNING id
	`
	for _, plan := range plans {
		err := tx.QueryRowContext(ctx, query,
			plan.Key, plan.Name, plan.PriceMinorUnits, plan.Currency, string(plan.Interval),
			plan.ExternalPriceID, plan.Limits.MaxMembers, plan.Limits.MaxProjects, plan.Limits.MaxStorageBytes,
		).Scan(&plan.ID)
		if err != nil {
			return fmt.Errorf("failed to upsert plan %s: %w", plan.Key, err)
		}
	}

	return tx.Commit()
}

// GetAccountByTenant implements billing.Store
func (l *Ledger) GetAccountByTenant(ctx context.Context, tenantID string) (*billing.BillingAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM billing_accounts WHERE tenant_id = $1`
	account, err := scanAccount(l.conns.Primary().QueryRowContext(ctx, query, tenantID))
	if err != nil {
		return nil, notFound(err)
	}
	return account, nil
}

// CreateAccount implements billing.Store. A concurrent insert for the same
// tenant loses quietly and the winner's row is returned.
func (l *Ledger) CreateAccount(ctx context.Context, account *billing.BillingAccount) (*billing.BillingAccount, error) {
	query := `
		INSERT INTO billing_accounts (tenant_id, external_customer_id, billing_email)
		VALUES ($1, $2, $3)
		ON CONFLICT (tenant_id) DO NOTHING
		RETURNING ` + accountColumns

	created, err := scanAccount(l.conns.Primary().QueryRowContext(ctx, query,
		account.TenantID, account.ExternalCustomerID, account.BillingEmail))
	if errors.Is(err, sql.ErrNoRows) {
		return l.GetAccountByTenant(ctx, account.TenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create billing account: %w", err)
	}
	return created, nil
}

// GetCurrentSubscription implements billing.Store, returning the newest
// subscription of the account
func (l *Ledger) GetCurrentSubscription(ctx context.Context, accountID int64) (*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE billing_account_id = $1 ORDER BY id DESC LIMIT 1`
	sub, err := scanSubscription(l.conns.Primary().QueryRowContext(ctx, query, accountID))
	if err != nil {
		return nil, notFound(err)
	}
	return sub, nil
}

// FindLiveSubscription implements billing.Store
func (l *Ledger) FindLiveSubscription(ctx context.Context, accountID int64) (*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE billing_account_id = $1 AND status = ANY($2) LIMIT 1`
	sub, err := scanSubscription(l.conns.Primary().QueryRowContext(ctx, query, accountID, pq.Array(liveStatuses())))
	if err != nil {
		return nil, notFound(err)
	}
	return sub, nil
}

func liveStatuses() []string {
	out := make([]string, 0, len(billing.LiveStatuses))
	for _, status := range billing.LiveStatuses {
		out = append(out, string(status))
	}
	return out
}

// GetSubscriptionByExternalID implements billing.Store
func (l *Ledger) GetSubscriptionByExternalID(ctx context.Context, externalID string) (*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE external_subscription_id = $1`
	sub, err := scanSubscription(l.conns.Primary().QueryRowContext(ctx, query, externalID))
	if err != nil {
		return nil, notFound(err)
	}
	return sub, nil
}

// CreateSubscription implements billing.Store
func (l *Ledger) CreateSubscription(ctx context.Context, sub *billing.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			billing_account_id, plan_id, external_subscription_id, status,
			current_period_start, current_period_end, cancel_at_period_end, last_event_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, version, created_at, updated_at
	`
	err := l.conns.Primary().QueryRowContext(ctx, query,
		sub.BillingAccountID, sub.PlanID, sub.ExternalSubscriptionID, string(sub.Status),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.LastEventAt,
	).Scan(&sub.ID, &sub.Version, &sub.CreatedAt, &sub.UpdatedAt)
	if isLiveConflict(err) {
		return billing.ErrLiveSubscriptionExists
	}
	if err != nil {
		return fmt.Errorf("failed to create subscription: %w", err)
	}
	return nil
}

// UpdateSubscription implements billing.Store with a compare-and-swap on version
func (l *Ledger) UpdateSubscription(ctx context.Context, sub *billing.Subscription) error {
	query := `
		UPDATE subscriptions SET
			plan_id = $3,
			status = $4,
			current_period_start = $5,
			current_period_end = $6,
			cancel_at_period_end = $7,
			last_event_at = $8,
			version = version + 1,
			updated_at = NOW()
		WHERE external_subscription_id = $1 AND version = $2
		RETURNING version, updated_at
	`
	err := l.conns.Primary().QueryRowContext(ctx, query,
		sub.ExternalSubscriptionID, sub.Version,
		sub.PlanID, string(sub.Status),
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.CancelAtPeriodEnd, sub.LastEventAt,
	).Scan(&sub.Version, &sub.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return billing.ErrVersionConflict
	case isLiveConflict(err):
		return billing.ErrLiveSubscriptionExists
	case err != nil:
		return fmt.Errorf("failed to update subscription: %w", err)
	}
	return nil
}

// ListStaleSubscriptions implements billing.Store
func (l *Ledger) ListStaleSubscriptions(ctx context.Context, cutoff time.Time, limit int) ([]*billing.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions
		WHERE updated_at < $1 AND status NOT IN ('canceled', 'incomplete_expired')
		ORDER BY updated_at ASC
		LIMIT $2`
	rows, err := l.conns.Replica().QueryContext(ctx, query, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*billing.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}
