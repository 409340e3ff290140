package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// schema is applied statement by statement so sqlmock expectations and
// Postgres error positions stay readable.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS plans (
		id BIGSERIAL PRIMARY KEY,
		key VARCHAR(100) NOT NULL UNIQUE,
		name VARCHAR(255) NOT NULL,
		price_minor_units BIGINT NOT NULL DEFAULT 0,
		currency VARCHAR(3) NOT NULL DEFAULT 'usd',
		billing_interval VARCHAR(10) NOT NULL DEFAULT 'month',
		external_price_id VARCHAR(255),
		max_members INTEGER NOT NULL DEFAULT 0,
		max_projects INTEGER NOT NULL DEFAULT 0,
		max_storage_bytes BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS billing_accounts (
		id BIGSERIAL PRIMARY KEY,
		tenant_id VARCHAR(255) NOT NULL UNIQUE,
		external_customer_id VARCHAR(255) NOT NULL,
		billing_email VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGSERIAL PRIMARY KEY,
		billing_account_id BIGINT NOT NULL REFERENCES billing_accounts(id),
		plan_id BIGINT NOT NULL REFERENCES plans(id),
		external_subscription_id VARCHAR(255) NOT NULL UNIQUE,
		status VARCHAR(32) NOT NULL,
		current_period_start TIMESTAMP WITH TIME ZONE,
		current_period_end TIMESTAMP WITH TIME ZONE,
		cancel_at_period_end BOOLEAN NOT NULL DEFAULT FALSE,
		last_event_at TIMESTAMP WITH TIME ZONE,
		version BIGINT NOT NULL DEFAULT 1,
		created_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS ` + liveSubscriptionIndex + `
		ON subscriptions(billing_account_id)
		WHERE status IN ('active', 'trialing', 'past_due')`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_account ON subscriptions(billing_account_id, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_updated_at ON subscriptions(updated_at)`,
	`CREATE TABLE IF NOT EXISTS tenant_usage (
		tenant_id VARCHAR(255) PRIMARY KEY,
		members INTEGER NOT NULL DEFAULT 0,
		projects INTEGER NOT NULL DEFAULT 0,
		storage_bytes BIGINT NOT NULL DEFAULT 0,
		updated_at TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
	)`,
}

// liveSubscriptionIndex enforces at most one live subscription per account
const liveSubscriptionIndex = "subscriptions_one_live_per_account"

// Migrate creates the ledger tables and indexes if they don't exist
func Migrate(ctx context.Context, db *sql.DB) error {
	for i, stmt := range schema {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d failed: %w", i+1, err)
		}
	}
	return nil
}
