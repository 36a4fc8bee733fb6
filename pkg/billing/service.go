package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/lyvio/billing-service/pkg/gateway"
	"github.com/lyvio/billing-service/pkg/observability"
	"github.com/lyvio/billing-service/pkg/provisioning"
	"github.com/lyvio/billing-service/pkg/tenants"
)

const defaultCurrency = "COP"

// ServiceConfig tunes the charge flows.
type ServiceConfig struct {
	// PollAttempts and PollInterval bound the synchronous wait for a
	// transaction to reach a terminal status.
	PollAttempts int
	PollInterval time.Duration
}

func (c ServiceConfig) withDefaults() ServiceConfig {
	if c.PollAttempts < 1 {
		c.PollAttempts = 15
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	return c
}

// PostgresService implements Service against PostgreSQL and the payment
// processor.
type PostgresService struct {
	db         *sql.DB
	gateway    gateway.Client
	signer     *gateway.Signer
	notifier   provisioning.Notifier
	tenants    tenants.Service
	reconciler *Reconciler
	cfg        ServiceConfig
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewPostgresService creates the billing service. metrics may be nil.
func NewPostgresService(db *sql.DB, gw gateway.Client, signer *gateway.Signer,
	notifier provisioning.Notifier, tenantSvc tenants.Service, reconciler *Reconciler,
	cfg ServiceConfig, logger *observability.Logger, metrics *observability.Metrics) *PostgresService {
	return &PostgresService{
		db:         db,
		gateway:    gw,
		signer:     signer,
		notifier:   notifier,
		tenants:    tenantSvc,
		reconciler: reconciler,
		cfg:        cfg.withDefaults(),
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

const planColumns = `id, name, slug, plan_type, monthly_price_cents, yearly_price_cents,
		trial_days, max_inboxes, max_documents, max_users, is_active, created_at`

func scanPlan(row *sql.Row) (*Plan, error) {
	p := &Plan{}
	err := row.Scan(&p.ID, &p.Name, &p.Slug, &p.PlanType, &p.MonthlyPriceCents, &p.YearlyPriceCents,
		&p.TrialDays, &p.MaxInboxes, &p.MaxDocuments, &p.MaxUsers, &p.IsActive, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan plan: %w", err)
	}
	return p, nil
}

func (s *PostgresService) GetPlan(ctx context.Context, id int64) (*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1`
	return scanPlan(s.db.QueryRowContext(ctx, query, id))
}

func (s *PostgresService) ListPlans(ctx context.Context) ([]*Plan, error) {
	query := `SELECT ` + planColumns + ` FROM plans WHERE is_active = TRUE ORDER BY monthly_price_cents`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list plans: %w", err)
	}
	defer rows.Close()

	var plans []*Plan
	for rows.Next() {
		p := &Plan{}
		if err := rows.Scan(&p.ID, &p.Name, &p.Slug, &p.PlanType, &p.MonthlyPriceCents, &p.YearlyPriceCents,
			&p.TrialDays, &p.MaxInboxes, &p.MaxDocuments, &p.MaxUsers, &p.IsActive, &p.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		plans = append(plans, p)
	}
	return plans, rows.Err()
}

func (s *PostgresService) GetSubscription(ctx context.Context, tenantID int64) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE tenant_id = $1`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, tenantID))
	if err != nil {
		return nil, err
	}
	// expired is derived at read time, never stored.
	sub.Status = sub.EffectiveStatus(s.now())
	return sub, nil
}

// BillingState resolves the tenant's subscription and trial in one answer.
// Either side may be absent.
func (s *PostgresService) BillingState(ctx context.Context, tenantID int64) (*BillingState, error) {
	state := &BillingState{}

	sub, err := s.GetSubscription(ctx, tenantID)
	switch {
	case err == nil:
		state.Subscription = sub
	case !errors.Is(err, ErrNotFound):
		return nil, err
	}

	trial, err := s.tenants.GetTrial(ctx, tenantID)
	switch {
	case err == nil:
		state.Trial = trial
	case !errors.Is(err, tenants.ErrNotFound):
		return nil, err
	}

	return state, nil
}

/// Checkout runs the interactive first-payment flow: tokenize the card,
// create a reusable payment source, charge it, and persist the outcome.
// Nothing is persisted for a declined charge.
func (s *PostgresService) Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	if req.Cycle == "" {
		req.Cycle = CycleMonthly
	}
	if !req.Cycle.Valid() {
		return nil, fmt.Errorf("invalid billing cycle %q", req.Cycle)
	}

	tenant, err := s.tenants.GetTenant(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %d: %w", req.TenantID, err)
	}

	state, err := s.BillingState(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}
	if state.HasLiveSubscription() {
		return nil, ErrSubscriptionExists
	}

	plan, err := s.GetPlan(ctx, req.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %d: %w", req.PlanID, err)
	}
	if !plan.IsActive {
		return nil, fmt.Errorf("plan %q is not available", plan.Slug)
	}

	now := s.now()
	price := plan.PriceFor(req.Cycle)
	campaign, discount, err := s.bestDiscount(ctx, price, tenant, state.Trial, now)
	if err != nil {
		return nil, err
	}
	amount := price - discount

	source, err := s.createPaymentSource(ctx, req.Card, tenant.Email)
	if err != nil {
		return nil, err
	}

	ref := NewFirstPaymentReference(plan.ID, tenant.ID, now)

	// A fully discounted first period needs no gateway charge; the payment
	// source is still stored for renewals.
	if amount == 0 {
		result, err := s.finishCheckout(ctx, tenant, plan, req, source, ref, nil, campaign, 0, discount)
		return result, err
	}

	start := s.now()
	txn, err := s.gateway.CreateTransaction(ctx, gateway.ChargeRequest{
		AmountInCents:   amount,
		Currency:        defaultCurrency,
		CustomerEmail:   tenant.Email,
		Reference:       ref.Encode(),
		PaymentSourceID: source.ID,
	})
	if err != nil {
		s.countCharge("checkout", "error")
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	txn = s.pollTransaction(ctx, txn)
	s.observeCharge("checkout", req.Cycle, amount, s.now().Sub(start))

	switch {
	case txn.Status == gateway.StatusApproved:
		s.countCharge("checkout", "approved")
		return s.finishCheckout(ctx, tenant, plan, req, source, ref, txn, campaign, amount, discount)

	case txn.Status == gateway.StatusPending:
		s.countCharge("checkout", "pending")
		return s.pendingCheckout(ctx, tenant, plan, req, source, ref, txn, amount, discount)

	default:
		// Declined, errored, voided, or a status this service does not
		// recognize. Persisting on an unknown status risks a subscription
		// nobody paid for.
		s.countCharge("checkout", "declined")
		s.logger.WithFields(map[string]interface{}{
			"tenant_id":      tenant.ID,
			"transaction_id": txn.ID,
			"status":         txn.Status,
		}).Info("Checkout charge declined")
		return nil, fmt.Errorf("%w: %s", ErrChargeDeclined, txn.StatusMessage)
	}
}

func (s *PostgresService) createPaymentSource(ctx context.Context, card gateway.Card, email string) (*gateway.PaymentSource, error) {
	tokens, err := s.gateway.AcceptanceTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch acceptance tokens: %w", err)
	}
	cardToken, err := s.gateway.TokenizeCard(ctx, card)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize card: %w", err)
	}
	source, err := s.gateway.CreatePaymentSource(ctx, cardToken, email, tokens.AcceptanceToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create payment source: %w", err)
	}
	return source, nil
}

// finishCheckout persists the approved outcome atomically: active
// subscription, paid invoice, trial conversion, campaign counter.
func (s *PostgresService) finishCheckout(ctx context.Context, tenant *tenants.Tenant, plan *Plan,
	req *CheckoutRequest, source *gateway.PaymentSource, ref Reference, txn *gateway.Transaction,
	campaign *Campaign, amount, discount int64) (*CheckoutResult, error) {

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin checkout transaction: %w", err)
	}
	defer tx.Rollback()

	var txnID *string
	if txn != nil {
		txnID = &txn.ID
	}

	sub, err := insertSubscription(ctx, tx, &Subscription{
		TenantID:              tenant.ID,
		PlanID:                plan.ID,
		Status:                StatusActive,
		BillingCycle:          req.Cycle,
		CurrentPeriodStart:    now,
		CurrentPeriodEnd:      now.Add(req.Cycle.PeriodLength()),
		PaymentSourceID:       &source.ID,
		CustomerEmail:         tenant.Email,
		CardBrand:             source.Brand,
		CardLastFour:          source.LastFour,
		CardExpMonth:          source.ExpMonth,
		CardExpYear:           source.ExpYear,
		CreatingTransactionID: txnID,
	})
	if err != nil {
		return nil, err
	}

	invoice := &Invoice{
		SubscriptionID: sub.ID,
		AmountCents:    amount,
		Currency:       defaultCurrency,
		Status:         InvoicePaid,
		TransactionID:  txnID,
		Reference:      ref.Encode(),
		PaidAt:         &now,
	}
	if err := insertInvoice(ctx, tx, invoice); err != nil {
		return nil, err
	}

	if campaign != nil {
		if err := incrementCampaignUse(ctx, tx, campaign.ID); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit checkout: %w", err)
	}

	// Conversion after commit: a stale trial row must not undo a captured
	// charge, and ConvertTrial tolerates a missing trial.
	if err := s.tenants.ConvertTrial(ctx, tenant.ID); err != nil {
		s.logger.WithError(err).WithField("tenant_id", tenant.ID).
			Warn("Failed to mark trial converted after checkout")
	}

	return &CheckoutResult{
		Subscription:  sub,
		Invoice:       invoice,
		Transaction:   txn,
		DiscountCents: discount,
	}, nil
}

// pendingCheckout persists the undecided outcome: pending subscription and
// invoice keyed by the transaction so the webhook path can finish the job.
func (s *PostgresService) pendingCheckout(ctx context.Context, tenant *tenants.Tenant, plan *Plan,
	req *CheckoutRequest, source *gateway.PaymentSource, ref Reference, txn *gateway.Transaction,
	amount, discount int64) (*CheckoutResult, error) {

	now := s.now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin checkout transaction: %w", err)
	}
	defer tx.Rollback()

	sub, err := insertSubscription(ctx, tx, &Subscription{
		TenantID:              tenant.ID,
		PlanID:                plan.ID,
		Status:                StatusPending,
		BillingCycle:          req.Cycle,
		CurrentPeriodStart:    now,
		CurrentPeriodEnd:      now.Add(req.Cycle.PeriodLength()),
		PaymentSourceID:       &source.ID,
		CustomerEmail:         tenant.Email,
		CardBrand:             source.Brand,
		CardLastFour:          source.LastFour,
		CardExpMonth:          source.ExpMonth,
		CardExpYear:           source.ExpYear,
		CreatingTransactionID: &txn.ID,
	})
	if err != nil {
		return nil, err
	}

	invoice := &Invoice{
		SubscriptionID: sub.ID,
		AmountCents:    amount,
		Currency:       defaultCurrency,
		Status:         InvoicePending,
		TransactionID:  &txn.ID,
		Reference:      ref.Encode(),
	}
	if err := insertInvoice(ctx, tx, invoice); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit checkout: %w", err)
	}

	return &CheckoutResult{
		Subscription:  sub,
		Invoice:       invoice,
		Transaction:   txn,
		Pending:       true,
		DiscountCents: discount,
	}, nil
}

// insertSubscription creates the tenant's subscription row, or reuses an
// existing row whose effective state is expired (cancelled or trial with a
// lapsed period end). A live row makes the conflict predicate false, which
// surfaces as ErrSubscriptionExists.
func insertSubscription(ctx context.Context, tx *sql.Tx, sub *Subscription) (*Subscription, error) {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO subscriptions (tenant_id, plan_id, status, billing_cycle,
			current_period_start, current_period_end, payment_source_id, customer_email,
			card_brand, card_last_four, card_exp_month, card_exp_year, creating_transaction_id)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (tenant_id) DO UPDATE SET
			plan_id = EXCLUDED.plan_id, status = EXCLUDED.status,
			billing_cycle = EXCLUDED.billing_cycle,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancelled_at = NULL,
			payment_source_id = EXCLUDED.payment_source_id,
			customer_email = EXCLUDED.customer_email,
			card_brand = EXCLUDED.card_brand, card_last_four = EXCLUDED.card_last_four,
			card_exp_month = EXCLUDED.card_exp_month, card_exp_year = EXCLUDED.card_exp_year,
			creating_transaction_id = EXCLUDED.creating_transaction_id,
			updated_at = NOW()
		 WHERE subscriptions.status IN ('cancelled', 'trial')
		   AND subscriptions.current_period_end < NOW()
		 RETURNING id, created_at, updated_at`,
		sub.TenantID, sub.PlanID, sub.Status, sub.BillingCycle,
		sub.CurrentPeriodStart, sub.CurrentPeriodEnd, sub.PaymentSourceID, sub.CustomerEmail,
		sub.CardBrand, sub.CardLastFour, sub.CardExpMonth, sub.CardExpYear, sub.CreatingTransactionID).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSubscriptionExists
		}
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return nil, ErrSubscriptionExists
		}
		return nil, fmt.Errorf("failed to create subscription: %w", err)
	}
	return sub, nil
}

func insertInvoice(ctx context.Context, tx *sql.Tx, inv *Invoice) error {
	err := tx.QueryRowContext(ctx,
		`INSERT INTO invoices (subscription_id, amount_cents, currency, status, transaction_id, reference, paid_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING id, created_at`,
		inv.SubscriptionID, inv.AmountCents, inv.Currency, inv.Status, inv.TransactionID, inv.Reference, inv.PaidAt).
		Scan(&inv.ID, &inv.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create invoice: %w", err)
	}
	return nil
}

// pollTransaction waits for a terminal status, bounded by the poll policy.
// Returns the freshest view of the transaction either way.
func (s *PostgresService) pollTransaction(ctx context.Context, txn *gateway.Transaction) *gateway.Transaction {
	if txn.Status.IsTerminal() {
		return txn
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for attempt := 0; attempt < s.cfg.PollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return txn
		case <-ticker.C:
		}

		fresh, err := s.gateway.GetTransaction(ctx, txn.ID)
		if err != nil {
			s.logger.WithError(err).WithField("transaction_id", txn.ID).
				Warn("Transaction status poll failed")
			continue
		}
		txn = fresh
		if txn.Status.IsTerminal() {
			return txn
		}
	}
	return txn
}

// Cancel stops auto-renewal. Access continues until the period end.
func (s *PostgresService) Cancel(ctx context.Context, tenantID int64) (*Subscription, error) {
	sub, err := s.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case StatusActive, StatusPastDue, StatusTrial:
	default:
		return nil, fmt.Errorf("cannot cancel a %s subscription", sub.Status)
	}

	query := `UPDATE subscriptions
		SET status = $2, cancelled_at = NOW(), updated_at = NOW()
		WHERE id = $1
		RETURNING ` + subscriptionColumns
	return scanSubscription(s.db.QueryRowContext(ctx, query, sub.ID, StatusCancelled))
}

// Reactivate undoes a cancellation inside the grace period without a new
// charge. Past the period end the caller must use Renew instead.
func (s *PostgresService) Reactivate(ctx context.Context, tenantID int64) (*Subscription, error) {
	sub, err := s.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case StatusCancelled:
	case StatusExpired:
		return nil, ErrGracePeriodOver
	default:
		return nil, ErrNotReactivatable
	}
	if !sub.InGracePeriod(s.now()) {
		return nil, ErrGracePeriodOver
	}

	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %d: %w", tenantID, err)
	}
	if err := s.notifier.RestoreAccount(ctx, tenant); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	query := `UPDATE subscriptions
		SET status = $2, cancelled_at = NULL, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + subscriptionColumns
	return scanSubscription(s.db.QueryRowContext(ctx, query, sub.ID, StatusActive))
}

// Renew charges the stored payment source for a full period and feeds the
// result through reconciliation, same as a webhook would.
func (s *PostgresService) Renew(ctx context.Context, tenantID int64) (*ReconcileOutcome, error) {
	sub, err := s.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return s.chargeStored(ctx, sub, NewRenewalReference(sub.ID, s.now()), "renew")
}

// RetryPayment re-attempts the charge for a past_due or suspended
// subscription at the user's request.
func (s *PostgresService) RetryPayment(ctx context.Context, tenantID int64) (*ReconcileOutcome, error) {
	sub, err := s.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	switch sub.Status {
	case StatusPastDue, StatusSuspended, StatusPending:
	default:
		return nil, fmt.Errorf("subscription is %s, nothing to retry", sub.Status)
	}
	return s.chargeStored(ctx, sub, NewManualRetryReference(sub.ID, s.now()), "retry")
}

// chargeStored runs one payment-source charge end to end and hands the
// terminal transaction to the reconciler. All state transitions happen
// there; this method only moves money.
func (s *PostgresService) chargeStored(ctx context.Context, sub *Subscription, ref Reference, flow string) (*ReconcileOutcome, error) {
	if sub.PaymentSourceID == nil {
		return nil, ErrNoPaymentSource
	}

	plan, err := s.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %d: %w", sub.PlanID, err)
	}
	amount := plan.PriceFor(sub.BillingCycle)

	start := s.now()
	txn, err := s.gateway.CreateTransaction(ctx, gateway.ChargeRequest{
		AmountInCents:   amount,
		Currency:        defaultCurrency,
		CustomerEmail:   sub.CustomerEmail,
		Reference:       ref.Encode(),
		PaymentSourceID: *sub.PaymentSourceID,
	})
	if err != nil {
		s.countCharge(flow, "error")
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	txn = s.pollTransaction(ctx, txn)
	s.observeCharge(flow, sub.BillingCycle, amount, s.now().Sub(start))

	outcome, err := s.reconciler.Reconcile(ctx, PayloadFromTransaction(txn))
	if err != nil {
		s.countCharge(flow, "error")
		return outcome, err
	}

	switch {
	case txn.Status == gateway.StatusApproved:
		s.countCharge(flow, "approved")
		return outcome, nil
	case txn.Status.IsTerminal():
		s.countCharge(flow, "declined")
		return outcome, fmt.Errorf("%w: %s", ErrChargeDeclined, txn.StatusMessage)
	default:
		s.countCharge(flow, "pending")
		return outcome, nil
	}
}

// UpgradePlan moves the subscription to a new plan. An active subscription
// is charged the price difference and keeps its period; any other state pays
// the full new price and gets a fresh period.
func (s *PostgresService) UpgradePlan(ctx context.Context, tenantID, newPlanID int64, cycle BillingCycle) (*Subscription, error) {
	sub, err := s.GetSubscription(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if cycle == "" {
		cycle = sub.BillingCycle
	}
	if !cycle.Valid() {
		return nil, fmt.Errorf("invalid billing cycle %q", cycle)
	}
	if sub.PaymentSourceID == nil {
		return nil, ErrNoPaymentSource
	}

	newPlan, err := s.GetPlan(ctx, newPlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %d: %w", newPlanID, err)
	}
	if !newPlan.IsActive {
		return nil, fmt.Errorf("plan %q is not available", newPlan.Slug)
	}
	if newPlan.ID == sub.PlanID && cycle == sub.BillingCycle {
		return nil, fmt.Errorf("subscription is already on plan %q (%s)", newPlan.Slug, cycle)
	}

	currentPlan, err := s.GetPlan(ctx, sub.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to load plan %d: %w", sub.PlanID, err)
	}

	wasActive := sub.Status == StatusActive
	amount := newPlan.PriceFor(cycle)
	if wasActive {
		// Prorate nothing fancier than the flat difference; a downgrade or
		// equal price moves the pointer without a charge.
		amount = newPlan.PriceFor(cycle) - currentPlan.PriceFor(sub.BillingCycle)
	}

	if amount > 0 {
		ref := NewUpgradeReference(sub.ID, s.now())

		start := s.now()
		txn, err := s.gateway.CreateTransaction(ctx, gateway.ChargeRequest{
			AmountInCents:   amount,
			Currency:        defaultCurrency,
			CustomerEmail:   sub.CustomerEmail,
			Reference:       ref.Encode(),
			PaymentSourceID: *sub.PaymentSourceID,
		})
		if err != nil {
			s.countCharge("upgrade", "error")
			return nil, fmt.Errorf("failed to create transaction: %w", err)
		}
		txn = s.pollTransaction(ctx, txn)
		s.observeCharge("upgrade", cycle, amount, s.now().Sub(start))

		if txn.Status != gateway.StatusApproved {
			s.countCharge("upgrade", "declined")
			return nil, fmt.Errorf("%w: upgrade charge ended %s", ErrChargeDeclined, txn.Status)
		}
		s.countCharge("upgrade", "approved")

		// Settles the invoice and reactivates a non-active subscription.
		if _, err := s.reconciler.Reconcile(ctx, PayloadFromTransaction(txn)); err != nil {
			return nil, err
		}
	}

	tenant, err := s.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to load tenant %d: %w", tenantID, err)
	}
	if err := s.notifier.SyncPlan(ctx, tenant, provisioning.PlanLimits{
		PlanName:     newPlan.Slug,
		BillingCycle: string(cycle),
		MaxInboxes:   newPlan.MaxInboxes,
		MaxDocuments: newPlan.MaxDocuments,
		MaxUsers:     newPlan.MaxUsers,
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProvisioningFailed, err)
	}

	if wasActive {
		query := `UPDATE subscriptions
			SET plan_id = $2, billing_cycle = $3, updated_at = NOW()
			WHERE id = $1
			RETURNING ` + subscriptionColumns
		return scanSubscription(s.db.QueryRowContext(ctx, query, sub.ID, newPlan.ID, cycle))
	}

	now := s.now()
	query := `UPDATE subscriptions
		SET plan_id = $2, billing_cycle = $3, current_period_start = $4,
		    current_period_end = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + subscriptionColumns
	return scanSubscription(s.db.QueryRowContext(ctx, query,
		sub.ID, newPlan.ID, cycle, now, now.Add(cycle.PeriodLength())))
}

// UpdatePaymentMethod swaps the stored card for future charges and
// optionally retries the outstanding one immediately.
func (s *PostgresService) UpdatePaymentMethod(ctx context.Context, req *UpdatePaymentMethodRequest) (*Subscription, error) {
	sub, err := s.GetSubscription(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	source, err := s.createPaymentSource(ctx, req.Card, sub.CustomerEmail)
	if err != nil {
		return nil, err
	}

	query := `UPDATE subscriptions
		SET payment_source_id = $2, card_brand = $3, card_last_four = $4,
		    card_exp_month = $5, card_exp_year = $6, updated_at = NOW()
		WHERE id = $1
		RETURNING ` + subscriptionColumns
	sub, err = scanSubscription(s.db.QueryRowContext(ctx, query,
		sub.ID, source.ID, source.Brand, source.LastFour, source.ExpMonth, source.ExpYear))
	if err != nil {
		return nil, err
	}

	if req.RetryCharge && (sub.Status == StatusPastDue || sub.Status == StatusSuspended) {
		if _, err := s.RetryPayment(ctx, req.TenantID); err != nil {
			return sub, err
		}
		return s.GetSubscription(ctx, req.TenantID)
	}

	return sub, nil
}

const invoiceColumns = `id, subscription_id, amount_cents, currency, status,
		transaction_id, reference, paid_at, created_at`

func (s *PostgresService) GetInvoice(ctx context.Context, id int64) (*Invoice, error) {
	inv := &Invoice{}
	err := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id).
		Scan(&inv.ID, &inv.SubscriptionID, &inv.AmountCents, &inv.Currency, &inv.Status,
			&inv.TransactionID, &inv.Reference, &inv.PaidAt, &inv.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan invoice: %w", err)
	}
	return inv, nil
}

func (s *PostgresService) ListInvoices(ctx context.Context, tenantID int64, limit, offset int) ([]*Invoice, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices
		 WHERE subscription_id IN (SELECT id FROM subscriptions WHERE tenant_id = $1)
		 ORDER BY created_at DESC
		 LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", err)
	}
	defer rows.Close()

	var invoices []*Invoice
	for rows.Next() {
		inv := &Invoice{}
		if err := rows.Scan(&inv.ID, &inv.SubscriptionID, &inv.AmountCents, &inv.Currency, &inv.Status,
			&inv.TransactionID, &inv.Reference, &inv.PaidAt, &inv.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan invoice: %w", err)
		}
		invoices = append(invoices, inv)
	}
	return invoices, rows.Err()
}

func (s *PostgresService) PaymentSummary(ctx context.Context, tenantID int64) (*PaymentSummary, error) {
	summary := &PaymentSummary{}
	var lastPaid sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(amount_cents), 0), COUNT(*), MAX(paid_at)
		 FROM invoices
		 WHERE status = $2
		   AND subscription_id IN (SELECT id FROM subscriptions WHERE tenant_id = $1)`,
		tenantID, InvoicePaid).
		Scan(&summary.TotalPaidCents, &summary.InvoiceCount, &lastPaid)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate payments: %w", err)
	}
	if lastPaid.Valid {
		summary.LastPaidAt = &lastPaid.Time
	}
	return summary, nil
}

const dueChargeColumns = `s.id, s.tenant_id, s.plan_id, s.billing_cycle, s.payment_source_id, s.customer_email,
		        p.monthly_price_cents, p.yearly_price_cents`

// DueForRenewal lists active subscriptions whose period has lapsed, each as
// a gateway-ready charge with the reference and integrity signature
// precomputed.
func (s *PostgresService) DueForRenewal(ctx context.Context, now time.Time) ([]*DueCharge, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+dueChargeColumns+`
		 FROM subscriptions s
		 JOIN plans p ON p.id = s.plan_id
		 WHERE s.status = $1 AND s.current_period_end <= $2 AND s.payment_source_id IS NOT NULL
		 ORDER BY s.current_period_end`, StatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	return s.scanDueCharges(rows, now)
}

// ChargesFor builds renewal charges for explicitly named subscriptions.
// No period-end cutoff: an operator who names a subscription has decided
// it gets charged now. Requires an active status and a stored payment
// source, same as the sweep selection.
func (s *PostgresService) ChargesFor(ctx context.Context, ids []int64, now time.Time) ([]*DueCharge, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+dueChargeColumns+`
		 FROM subscriptions s
		 JOIN plans p ON p.id = s.plan_id
		 WHERE s.id = ANY($1) AND s.status = $2 AND s.payment_source_id IS NOT NULL
		 ORDER BY s.id`, pq.Array(ids), StatusActive)
	if err != nil {
		return nil, fmt.Errorf("failed to list requested subscriptions: %w", err)
	}
	return s.scanDueCharges(rows, now)
}

func (s *PostgresService) scanDueCharges(rows *sql.Rows, now time.Time) ([]*DueCharge, error) {
	defer rows.Close()

	var due []*DueCharge
	for rows.Next() {
		var (
			d       DueCharge
			cycle   BillingCycle
			monthly int64
			yearly  int64
		)
		if err := rows.Scan(&d.SubscriptionID, &d.TenantID, &d.PlanID, &cycle,
			&d.PaymentSourceID, &d.CustomerEmail, &monthly, &yearly); err != nil {
			return nil, fmt.Errorf("failed to scan due subscription: %w", err)
		}

		d.AmountInCents = monthly
		if cycle == CycleYearly {
			d.AmountInCents = yearly
		}
		d.Currency = defaultCurrency
		d.Reference = NewRecurringReference(d.SubscriptionID, now).Encode()
		d.IntegritySignature = s.signer.IntegritySignature(d.Reference, d.AmountInCents, d.Currency)
		due = append(due, &d)
	}
	return due, rows.Err()
}

// ChargeDue executes one precomputed renewal charge and reconciles the
// result. Used by the sweeper; a decline is reported as ErrChargeDeclined
// after the past_due transition has already been applied.
func (s *PostgresService) ChargeDue(ctx context.Context, due *DueCharge) (*ReconcileOutcome, error) {
	start := s.now()
	txn, err := s.gateway.CreateTransaction(ctx, gateway.ChargeRequest{
		AmountInCents:   due.AmountInCents,
		Currency:        due.Currency,
		CustomerEmail:   due.CustomerEmail,
		Reference:       due.Reference,
		PaymentSourceID: due.PaymentSourceID,
	})
	if err != nil {
		s.countCharge("sweep", "error")
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}
	txn = s.pollTransaction(ctx, txn)
	s.observeCharge("sweep", "", due.AmountInCents, s.now().Sub(start))

	outcome, err := s.reconciler.Reconcile(ctx, PayloadFromTransaction(txn))
	if err != nil {
		s.countCharge("sweep", "error")
		return outcome, err
	}

	switch {
	case txn.Status == gateway.StatusApproved:
		s.countCharge("sweep", "approved")
		return outcome, nil
	case txn.Status.IsTerminal():
		s.countCharge("sweep", "declined")
		return outcome, fmt.Errorf("%w: %s", ErrChargeDeclined, txn.StatusMessage)
	default:
		s.countCharge("sweep", "pending")
		return outcome, nil
	}
}

func (s *PostgresService) countCharge(flow, outcome string) {
	if s.metrics != nil {
		s.metrics.ChargeAttemptsTotal.WithLabelValues(flow, outcome).Inc()
	}
}

func (s *PostgresService) observeCharge(flow string, cycle BillingCycle, amount int64, elapsed time.Duration) {
	if s.metrics == nil {
		return
	}
	s.metrics.ChargeDuration.WithLabelValues(flow).Observe(elapsed.Seconds())
	s.metrics.ChargeAmountCents.WithLabelValues(string(cycle)).Observe(float64(amount))
}
