package postgres

import (
	"database/sql"
	"fmt"
)

// migrations are applied in order; each statement is idempotent so repeated
// startup runs are safe.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS tenants (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL UNIQUE,
		platform_account_id TEXT NOT NULL DEFAULT '',
		platform_access_token TEXT NOT NULL DEFAULT '',
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS plans (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		plan_type TEXT NOT NULL DEFAULT 'standard',
		monthly_price_cents BIGINT NOT NULL,
		yearly_price_cents BIGINT NOT NULL,
		trial_days INT NOT NULL DEFAULT 14,
		max_inboxes INT NOT NULL DEFAULT 1,
		max_documents INT NOT NULL DEFAULT 10,
		max_users INT NOT NULL DEFAULT 3,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE TABLE IF NOT EXISTS trials (
		id BIGSERIAL PRIMARY KEY,
		tenant_id BIGINT NOT NULL UNIQUE REFERENCES tenants(id) ON DELETE CASCADE,
		plan_id BIGINT REFERENCES plans(id) ON DELETE SET NULL,
		status TEXT NOT NULL DEFAULT 'active',
		start_date TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		end_date TIMESTAMPTZ NOT NULL,
		max_messages INT NOT NULL DEFAULT 100,
		current_messages INT NOT NULL DEFAULT 0,
		max_conversations INT NOT NULL DEFAULT 50,
		current_conversations INT NOT NULL DEFAULT 0,
		max_documents INT NOT NULL DEFAULT 5,
		current_documents INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	// One subscription per tenant; the tenant_id uniqueness plus the
	// transaction_id uniqueness on invoices are the two locks the
	// reconciliation race relies on.
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id BIGSERIAL PRIMARY KEY,
		tenant_id BIGINT NOT NULL UNIQUE REFERENCES tenants(id) ON DELETE CASCADE,
		plan_id BIGINT NOT NULL REFERENCES plans(id),
		status TEXT NOT NULL DEFAULT 'pending',
		billing_cycle TEXT NOT NULL DEFAULT 'monthly',
		current_period_start TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		current_period_end TIMESTAMPTZ NOT NULL,
		cancelled_at TIMESTAMPTZ,
		payment_source_id BIGINT,
		customer_email TEXT NOT NULL DEFAULT '',
		card_brand TEXT NOT NULL DEFAULT '',
		card_last_four TEXT NOT NULL DEFAULT '',
		card_exp_month TEXT NOT NULL DEFAULT '',
		card_exp_year TEXT NOT NULL DEFAULT '',
		creating_transaction_id TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_subscriptions_status
		ON subscriptions(status)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_period_end
		ON subscriptions(current_period_end)`,
	`CREATE INDEX IF NOT EXISTS idx_subscriptions_customer_email
		ON subscriptions(customer_email, created_at)`,

	`CREATE TABLE IF NOT EXISTS invoices (
		id BIGSERIAL PRIMARY KEY,
		subscription_id BIGINT NOT NULL REFERENCES subscriptions(id) ON DELETE CASCADE,
		amount_cents BIGINT NOT NULL,
		currency TEXT NOT NULL DEFAULT 'COP',
		status TEXT NOT NULL DEFAULT 'pending',
		transaction_id TEXT UNIQUE,
		reference TEXT NOT NULL DEFAULT '',
		paid_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,

	`CREATE INDEX IF NOT EXISTS idx_invoices_subscription
		ON invoices(subscription_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS webhook_events (
		id BIGSERIAL PRIMARY KEY,
		event_id TEXT NOT NULL UNIQUE,
		event_type TEXT NOT NULL,
		transaction_id TEXT NOT NULL DEFAULT '',
		payload JSONB NOT NULL DEFAULT '{}',
		signature TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'received',
		subscription_id BIGINT REFERENCES subscriptions(id) ON DELETE SET NULL,
		invoice_id BIGINT REFERENCES invoices(id) ON DELETE SET NULL,
		error_message TEXT NOT NULL DEFAULT '',
		source_ip TEXT NOT NULL DEFAULT '',
		user_agent TEXT NOT NULL DEFAULT '',
		received_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		processed_at TIMESTAMPTZ
	)`,

	`CREATE INDEX IF NOT EXISTS idx_webhook_events_transaction
		ON webhook_events(transaction_id)`,
	`CREATE INDEX IF NOT EXISTS idx_webhook_events_status
		ON webhook_events(status)`,

	`CREATE TABLE IF NOT EXISTS discount_campaigns (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		discount_type TEXT NOT NULL,
		value BIGINT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		valid_from TIMESTAMPTZ NOT NULL,
		valid_until TIMESTAMPTZ NOT NULL,
		max_uses INT NOT NULL DEFAULT 0,
		current_uses INT NOT NULL DEFAULT 0,
		only_expired_trials BOOLEAN NOT NULL DEFAULT FALSE,
		only_new_tenants BOOLEAN NOT NULL DEFAULT FALSE,
		min_plan_price_cents BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// Migrate applies the billing schema to the given database.
func Migrate(db *sql.DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d failed: %w", i, err)
		}
	}
	return nil
}
