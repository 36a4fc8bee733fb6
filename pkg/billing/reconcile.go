package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lyvio/billing-service/pkg/gateway"
	"github.com/lyvio/billing-service/pkg/observability"
	"github.com/lyvio/billing-service/pkg/provisioning"
	"github.com/lyvio/billing-service/pkg/tenants"
)

// TransactionPayload is the shape both callers of the reconciliation engine
// produce: the webhook handler from the event body, and the charge flows
// from the gateway's synchronous response.
type TransactionPayload struct {
	TransactionID   string                    `json:"transaction_id"`
	Status          gateway.TransactionStatus `json:"status"`
	Reference       string                    `json:"reference"`
	AmountInCents   int64                     `json:"amount_in_cents"`
	PaymentSourceID int64                     `json:"payment_source_id,omitempty"`
	CustomerEmail   string                    `json:"customer_email,omitempty"`
}

// PayloadFromTransaction converts a gateway response into the reconciliation
// payload shape.
func PayloadFromTransaction(txn *gateway.Transaction) TransactionPayload {
	return TransactionPayload{
		TransactionID:   txn.ID,
		Status:          txn.Status,
		Reference:       txn.Reference,
		AmountInCents:   txn.AmountInCents,
		PaymentSourceID: txn.PaymentSourceID,
		CustomerEmail:   txn.CustomerEmail,
	}
}

// ReconcileOutcome describes what a reconciliation run did.
type ReconcileOutcome struct {
	SubscriptionID int64              `json:"subscription_id"`
	InvoiceID      *int64             `json:"invoice_id,omitempty"`
	Strategy       string             `json:"strategy"`
	FinalStatus    SubscriptionStatus `json:"final_status"`
	InvoicePaid    bool               `json:"invoice_paid"`
	PeriodExtended bool               `json:"period_extended"`
	Declined       bool               `json:"declined"`
	PendingNoOp    bool               `json:"pending_no_op"`
}

// ErrNoMatch is the sentinel for reconciliation misses. The concrete error
// is a *NoMatchError carrying every attempted key.
var ErrNoMatch = errors.New("no subscription matched transaction")

// NoMatchError records all keys tried against the payload, for manual
// investigation and replay tooling.
type NoMatchError struct {
	TransactionID   string
	Reference       string
	CustomerEmail   string
	PaymentSourceID int64
}

func (e *NoMatchError) Error() string {
	return fmt.Sprintf(
		"no subscription matched transaction %s (reference=%q payment_source_id=%d customer_email=%q)",
		e.TransactionID, e.Reference, e.PaymentSourceID, e.CustomerEmail)
}

func (e *NoMatchError) Is(target error) bool { return target == ErrNoMatch }

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// matcher is one strategy for locating the subscription a transaction
// belongs to. Strategies run in precedence order with short-circuit on the
// first hit.
type matcher struct {
	name string
	fn   func(ctx context.Context, q querier, p TransactionPayload) (int64, bool, error)
}

// emailMatchWindow bounds the recency fallback: only subscriptions created
// within this window are candidates for an email match.
const emailMatchWindow = 5 * time.Minute

func defaultMatchers(now func() time.Time) []matcher {
	return []matcher{
		{name: "creating_transaction_id", fn: matchByCreatingTransaction},
		{name: "payment_source_id", fn: matchByPaymentSource},
		{name: "reference", fn: matchByReference},
		{name: "customer_email", fn: func(ctx context.Context, q querier, p TransactionPayload) (int64, bool, error) {
			return matchByEmailRecency(ctx, q, p, now())
		}},
	}
}

func scanMatch(row *sql.Row) (int64, bool, error) {
	var id int64
	err := row.Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to scan match candidate: %w", err)
	}
	return id, true, nil
}

// matchByCreatingTransaction hits when the subscription stored the gateway
// transaction id that created it.
func matchByCreatingTransaction(ctx context.Context, q querier, p TransactionPayload) (int64, bool, error) {
	return scanMatch(q.QueryRowContext(ctx,
		`SELECT id FROM subscriptions WHERE creating_transaction_id = $1`, p.TransactionID))
}

// matchByPaymentSource hits on the reusable payment-method id, when the
// payload carries one.
func matchByPaymentSource(ctx context.Context, q querier, p TransactionPayload) (int64, bool, error) {
	if p.PaymentSourceID == 0 {
		return 0, false, nil
	}
	return scanMatch(q.QueryRowContext(ctx,
		`SELECT id FROM subscriptions WHERE payment_source_id = $1`, p.PaymentSourceID))
}

// matchByReference parses the structured business reference. A reference
// that does not parse is a miss for this strategy, not an error.
func matchByReference(ctx context.Context, q querier, p TransactionPayload) (int64, bool, error) {
	ref, err := ParseReference(p.Reference)
	if err != nil {
		return 0, false, nil
	}

	if ref.Kind == RefFirstPayment {
		return scanMatch(q.QueryRowContext(ctx,
			`SELECT id FROM subscriptions
			 WHERE tenant_id = $1 AND plan_id = $2
			 ORDER BY created_at DESC LIMIT 1`, ref.TenantID, ref.PlanID))
	}

	return scanMatch(q.QueryRowContext(ctx,
		`SELECT id FROM subscriptions WHERE id = $1`, ref.SubscriptionID))
}

// matchByEmailRecency is the last resort: the customer email among recently
// created subscriptions. A pending subscription in the window is preferred
// over the plain newest match, since the transaction id may have been
// assigned by the gateway after local creation.
func matchByEmailRecency(ctx context.Context, q querier, p TransactionPayload, now time.Time) (int64, bool, error) {
	if p.CustomerEmail == "" {
		return 0, false, nil
	}
	cutoff := now.Add(-emailMatchWindow)

	id, found, err := scanMatch(q.QueryRowContext(ctx,
		`SELECT id FROM subscriptions
		 WHERE customer_email = $1 AND created_at >= $2 AND status = $3
		 ORDER BY created_at DESC LIMIT 1`, p.CustomerEmail, cutoff, StatusPending))
	if err != nil || found {
		return id, found, err
	}

	return scanMatch(q.QueryRowContext(ctx,
		`SELECT id FROM subscriptions
		 WHERE customer_email = $1 AND created_at >= $2
		 ORDER BY created_at DESC LIMIT 1`, p.CustomerEmail, cutoff))
}

// Reconciler matches gateway transactions to subscriptions and applies the
// resulting state transition plus invoice write in one database transaction.
type Reconciler struct {
	db       *sql.DB
	tenants  tenants.Service
	notifier provisioning.Notifier
	logger   *observability.Logger
	metrics  *observability.Metrics
	matchers []matcher
	now      func() time.Time
}

// NewReconciler creates the reconciliation engine. metrics may be nil.
func NewReconciler(db *sql.DB, tenantSvc tenants.Service, notifier provisioning.Notifier,
	logger *observability.Logger, metrics *observability.Metrics) *Reconciler {
	r := &Reconciler{
		db:       db,
		tenants:  tenantSvc,
		notifier: notifier,
		logger:   logger,
		metrics:  metrics,
		now:      time.Now,
	}
	r.matchers = defaultMatchers(func() time.Time { return r.now() })
	return r
}

// Reconcile locates the subscription owning the transaction and applies the
// outcome. Safe under at-least-once delivery: repeats degrade to no-ops.
func (r *Reconciler) Reconcile(ctx context.Context, p TransactionPayload) (*ReconcileOutcome, error) {
	if p.TransactionID == "" {
		return nil, fmt.Errorf("transaction id is required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin reconciliation transaction: %w", err)
	}
	defer tx.Rollback()

	subID, strategy, err := r.matchSubscription(ctx, tx, p)
	if err != nil {
		r.countOutcome("no_match")
		return nil, err
	}
	r.strategyHit(strategy)

	sub, err := lockSubscription(ctx, tx, subID)
	if err != nil {
		return nil, err
	}

	outcome := &ReconcileOutcome{
		SubscriptionID: sub.ID,
		Strategy:       strategy,
		FinalStatus:    sub.Status,
	}

	switch p.Status {
	case gateway.StatusApproved:
		provisioningErr, err := r.applyApproved(ctx, tx, sub, p, outcome)
		if err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit reconciliation: %w", err)
		}
		if provisioningErr != nil {
			// The invoice committed (the money is real) but the status
			// did not flip; this must reach an operator.
			r.countOutcome("provisioning_failed")
			return outcome, provisioningErr
		}
		r.countOutcome("approved")
		return outcome, nil

	case gateway.StatusDeclined, gateway.StatusError, gateway.StatusVoided:
		if err := r.applyDeclined(ctx, tx, sub, p, outcome); err != nil {
			return nil, err
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit reconciliation: %w", err)
		}
		r.countOutcome("declined")
		return outcome, nil

	default:
		// PENDING: nothing to apply yet; a later webhook owns the outcome.
		outcome.PendingNoOp = true
		r.countOutcome("pending")
		return outcome, nil
	}
}

func (r *Reconciler) matchSubscription(ctx context.Context, tx *sql.Tx, p TransactionPayload) (int64, string, error) {
	for _, m := range r.matchers {
		id, found, err := m.fn(ctx, tx, p)
		if err != nil {
			return 0, "", fmt.Errorf("matcher %s failed: %w", m.name, err)
		}
		if found {
			return id, m.name, nil
		}
	}
	return 0, "", &NoMatchError{
		TransactionID:   p.TransactionID,
		Reference:       p.Reference,
		CustomerEmail:   p.CustomerEmail,
		PaymentSourceID: p.PaymentSourceID,
	}
}

const subscriptionColumns = `id, tenant_id, plan_id, status, billing_cycle,
		current_period_start, current_period_end, cancelled_at, payment_source_id,
		customer_email, card_brand, card_last_four, card_exp_month, card_exp_year,
		creating_transaction_id, created_at, updated_at`

func scanSubscription(row *sql.Row) (*Subscription, error) {
	s := &Subscription{}
	err := row.Scan(&s.ID, &s.TenantID, &s.PlanID, &s.Status, &s.BillingCycle,
		&s.CurrentPeriodStart, &s.CurrentPeriodEnd, &s.CancelledAt, &s.PaymentSourceID,
		&s.CustomerEmail, &s.CardBrand, &s.CardLastFour, &s.CardExpMonth, &s.CardExpYear,
		&s.CreatingTransactionID, &s.CreatedAt, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan subscription: %w", err)
	}
	return s, nil
}

// lockSubscription takes the row lock that serializes the webhook path and
// the synchronous polling path for the same subscription.
func lockSubscription(ctx context.Context, tx *sql.Tx, id int64) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`
	return scanSubscription(tx.QueryRowContext(ctx, query, id))
}

// ensureInvoicePaid creates or settles the invoice for the transaction.
// Returns becamePaid=true only the first time the transaction reaches paid,
// which is what gates the period extension.
func ensureInvoicePaid(ctx context.Context, tx *sql.Tx, sub *Subscription, p TransactionPayload, now time.Time) (int64, bool, error) {
	var (
		id     int64
		status InvoiceStatus
	)
	err := tx.QueryRowContext(ctx,
		`SELECT id, status FROM invoices WHERE transaction_id = $1`, p.TransactionID).
		Scan(&id, &status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = tx.QueryRowContext(ctx,
			`INSERT INTO invoices (subscription_id, amount_cents, currency, status, transaction_id, reference, paid_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING id`,
			sub.ID, p.AmountInCents, "COP", InvoicePaid, p.TransactionID, p.Reference, now).
			Scan(&id)
		if err != nil {
			return 0, false, fmt.Errorf("failed to create invoice for transaction %s: %w", p.TransactionID, err)
		}
		return id, true, nil

	case err != nil:
		return 0, false, fmt.Errorf("failed to look up invoice for transaction %s: %w", p.TransactionID, err)

	case status == InvoicePaid:
		return id, false, nil

	default:
		if _, err := tx.ExecContext(ctx,
			`UPDATE invoices SET status = $2, paid_at = $3 WHERE id = $1`,
			id, InvoicePaid, now); err != nil {
			return 0, false, fmt.Errorf("failed to settle invoice %d: %w", id, err)
		}
		return id, true, nil
	}
}

// applyApproved settles the invoice, restores downstream access when needed,
// and flips status / extends the period. Returns a non-nil provisioningErr
// when the restore failed: the caller commits the invoice anyway but the
// status stays untouched.
func (r *Reconciler) applyApproved(ctx context.Context, tx *sql.Tx, sub *Subscription, p TransactionPayload, outcome *ReconcileOutcome) (provisioningErr error, fatal error) {
	now := r.now()

	invoiceID, becamePaid, err := ensureInvoicePaid(ctx, tx, sub, p, now)
	if err != nil {
		return nil, err
	}
	outcome.InvoiceID = &invoiceID
	outcome.InvoicePaid = becamePaid

	ref, refErr := ParseReference(p.Reference)

	if becamePaid {
		r.checkAmount(ctx, tx, sub, p)
	}

	needsActivation := sub.Status != StatusActive
	if !needsActivation && !(becamePaid && ref.ExtendsPeriod()) {
		// Nothing left to change; duplicate delivery after a completed flip.
		outcome.FinalStatus = sub.Status
		return nil, nil
	}

	// A suspended tenant's downstream account must be restored and
	// acknowledged before the local status may flip.
	if sub.Status == StatusSuspended {
		tenant, err := r.tenants.GetTenant(ctx, sub.TenantID)
		if err != nil {
			return nil, fmt.Errorf("failed to load tenant %d for restore: %w", sub.TenantID, err)
		}
		if err := r.notifier.RestoreAccount(ctx, tenant); err != nil {
			r.logger.WithError(err).WithFields(map[string]interface{}{
				"tenant_id":       sub.TenantID,
				"subscription_id": sub.ID,
				"transaction_id":  p.TransactionID,
			}).Error("Account restore failed after captured charge; subscription left suspended")
			return fmt.Errorf("%w: %v", ErrProvisioningFailed, err), nil
		}
	}

	periodStart := sub.CurrentPeriodStart
	periodEnd := sub.CurrentPeriodEnd
	if becamePaid && ref.ExtendsPeriod() {
		periodStart = sub.CurrentPeriodEnd
		periodEnd = sub.CurrentPeriodEnd.Add(sub.BillingCycle.PeriodLength())
		outcome.PeriodExtended = true
	}

	creatingTxnID := sub.CreatingTransactionID
	if refErr == nil && ref.Kind == RefFirstPayment && creatingTxnID == nil {
		creatingTxnID = &p.TransactionID
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE subscriptions
		 SET status = $2, current_period_start = $3, current_period_end = $4,
		     cancelled_at = NULL, creating_transaction_id = $5, updated_at = NOW()
		 WHERE id = $1`,
		sub.ID, StatusActive, periodStart, periodEnd, creatingTxnID); err != nil {
		return nil, fmt.Errorf("failed to activate subscription %d: %w", sub.ID, err)
	}
	outcome.FinalStatus = StatusActive

	return nil, nil
}

// applyDeclined records the failed outcome. Only a renewal-flavored decline
// moves an active subscription to past_due; everything else is audit only.
func (r *Reconciler) applyDeclined(ctx context.Context, tx *sql.Tx, sub *Subscription, p TransactionPayload, outcome *ReconcileOutcome) error {
	outcome.Declined = true

	if _, err := tx.ExecContext(ctx,
		`UPDATE invoices SET status = $2 WHERE transaction_id = $1 AND status = $3`,
		p.TransactionID, InvoiceFailed, InvoicePending); err != nil {
		return fmt.Errorf("failed to mark invoice failed for transaction %s: %w", p.TransactionID, err)
	}

	ref, err := ParseReference(p.Reference)
	if err == nil && ref.ExtendsPeriod() && sub.Status == StatusActive {
		if _, err := tx.ExecContext(ctx,
			`UPDATE subscriptions SET status = $2, updated_at = NOW() WHERE id = $1`,
			sub.ID, StatusPastDue); err != nil {
			return fmt.Errorf("failed to mark subscription %d past due: %w", sub.ID, err)
		}
		outcome.FinalStatus = StatusPastDue
	}

	return nil
}

// checkAmount logs a warning when the gateway's amount disagrees with the
// plan price. The gateway's amount is authoritative for the invoice.
func (r *Reconciler) checkAmount(ctx context.Context, tx *sql.Tx, sub *Subscription, p TransactionPayload) {
	var monthly, yearly int64
	err := tx.QueryRowContext(ctx,
		`SELECT monthly_price_cents, yearly_price_cents FROM plans WHERE id = $1`, sub.PlanID).
		Scan(&monthly, &yearly)
	if err != nil {
		return
	}

	expected := monthly
	if sub.BillingCycle == CycleYearly {
		expected = yearly
	}
	if p.AmountInCents != expected {
		r.logger.WithFields(map[string]interface{}{
			"subscription_id": sub.ID,
			"transaction_id":  p.TransactionID,
			"expected_cents":  expected,
			"actual_cents":    p.AmountInCents,
		}).Warn("Transaction amount differs from plan price")
	}
}

func (r *Reconciler) strategyHit(name string) {
	if r.metrics != nil {
		r.metrics.ReconciliationStrategyHits.WithLabelValues(name).Inc()
	}
}

func (r *Reconciler) countOutcome(outcome string) {
	if r.metrics != nil {
		r.metrics.ReconciliationTotal.WithLabelValues(outcome).Inc()
	}
}
