package billing

import (
	"context"
	"database/sql"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyvio/billing-service/pkg/gateway"
	"github.com/lyvio/billing-service/pkg/observability"
	"github.com/lyvio/billing-service/pkg/tenants"
)

func (f *fakeTenants) GetTrial(ctx context.Context, tenantID int64) (*tenants.Trial, error) {
	if f.trial == nil {
		return nil, tenants.ErrNotFound
	}
	return f.trial, nil
}

func (f *fakeTenants) ConvertTrial(ctx context.Context, tenantID int64) error {
	f.converted++
	return nil
}

type fakeGateway struct {
	txn       *gateway.Transaction
	createErr error
	charges   []gateway.ChargeRequest
}

func (f *fakeGateway) AcceptanceTokens(ctx context.Context) (*gateway.AcceptanceTokens, error) {
	return &gateway.AcceptanceTokens{AcceptanceToken: "acc-tok"}, nil
}

func (f *fakeGateway) TokenizeCard(ctx context.Context, card gateway.Card) (string, error) {
	return "card-tok", nil
}

func (f *fakeGateway) CreatePaymentSource(ctx context.Context, cardToken, customerEmail, acceptanceToken string) (*gateway.PaymentSource, error) {
	return &gateway.PaymentSource{ID: 901, Brand: "VISA", LastFour: "4242", ExpMonth: "12", ExpYear: "29"}, nil
}

func (f *fakeGateway) CreateTransaction(ctx context.Context, req gateway.ChargeRequest) (*gateway.Transaction, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.charges = append(f.charges, req)
	txn := *f.txn
	txn.Reference = req.Reference
	txn.AmountInCents = req.AmountInCents
	txn.CustomerEmail = req.CustomerEmail
	txn.PaymentSourceID = req.PaymentSourceID
	return &txn, nil
}

func (f *fakeGateway) GetTransaction(ctx context.Context, transactionID string) (*gateway.Transaction, error) {
	return f.txn, nil
}

func newTestService(t *testing.T, gw *fakeGateway, notifier *fakeNotifier, ft *fakeTenants) (*PostgresService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	signer := gateway.NewSigner("events", "integrity")
	rec := NewReconciler(db, ft, notifier, logger, nil)
	rec.now = func() time.Time { return reconcileNow }

	svc := NewPostgresService(db, gw, signer, notifier, ft, rec,
		ServiceConfig{PollAttempts: 2, PollInterval: time.Millisecond}, logger, nil)
	svc.now = func() time.Time { return reconcileNow }
	return svc, mock
}

func planRows(id, monthly, yearly int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "slug", "plan_type", "monthly_price_cents", "yearly_price_cents",
		"trial_days", "max_inboxes", "max_documents", "max_users", "is_active", "created_at",
	}).AddRow(id, "Pro", "pro", "standard", monthly, yearly, 14, 3, 100, 5, true, reconcileNow)
}

func emptyCampaignRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "discount_type", "value", "is_active", "valid_from", "valid_until",
		"max_uses", "current_uses", "only_expired_trials", "only_new_tenants", "min_plan_price_cents", "created_at",
	})
}

func noSubscriptionRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{"id"})
}

func testTenant() *tenants.Tenant {
	return &tenants.Tenant{ID: 3, Name: "Acme", Email: "billing@acme.co", PlatformAccountID: "acct_1"}
}

func TestCheckoutApproved(t *testing.T) {
	ft := &fakeTenants{tenant: testTenant()}
	gw := &fakeGateway{txn: &gateway.Transaction{ID: "txn-10", Status: gateway.StatusApproved}}
	svc, mock := newTestService(t, gw, &fakeNotifier{}, ft)

	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
		WithArgs(int64(3)).
		WillReturnRows(noSubscriptionRows())
	mock.ExpectQuery(`FROM plans WHERE id`).
		WithArgs(int64(2)).
		WillReturnRows(planRows(2, 5000000, 50000000))
	mock.ExpectQuery(`FROM discount_campaigns`).
		WillReturnRows(emptyCampaignRows())

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(7, reconcileNow, reconcileNow))
	mock.ExpectQuery(`INSERT INTO invoices`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(55, reconcileNow))
	mock.ExpectCommit()

	result, err := svc.Checkout(context.Background(), &CheckoutRequest{
		TenantID: 3, PlanID: 2, Cycle: CycleMonthly,
		Card: gateway.Card{Number: "4242424242424242", CVC: "123", ExpMonth: "12", ExpYear: "29", Holder: "Acme"},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusActive, result.Subscription.Status)
	assert.Equal(t, InvoicePaid, result.Invoice.Status)
	assert.False(t, result.Pending)
	assert.Equal(t, 1, ft.converted)

	require.Len(t, gw.charges, 1)
	assert.Equal(t, int64(5000000), gw.charges[0].AmountInCents)
	ref, err := ParseReference(gw.charges[0].Reference)
	require.NoError(t, err)
	assert.Equal(t, RefFirstPayment, ref.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckoutAppliesCampaignDiscount(t *testing.T) {
	ft := &fakeTenants{tenant: testTenant()}
	gw := &fakeGateway{txn: &gateway.Transaction{ID: "txn-11", Status: gateway.StatusApproved}}
	svc, mock := newTestService(t, gw, &fakeNotifier{}, ft)

	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
		WillReturnRows(noSubscriptionRows())
	mock.ExpectQuery(`FROM plans WHERE id`).
		WillReturnRows(planRows(2, 5000000, 50000000))
	mock.ExpectQuery(`FROM discount_campaigns`).
		WillReturnRows(emptyCampaignRows().
			AddRow(4, "launch", DiscountPercentage, 20, true,
				reconcileNow.AddDate(0, 0, -1), reconcileNow.AddDate(0, 0, 30),
				0, 0, false, false, 0, reconcileNow))

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(7, reconcileNow, reconcileNow))
	mock.ExpectQuery(`INSERT INTO invoices`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(55, reconcileNow))
	mock.ExpectExec(`UPDATE discount_campaigns SET current_uses`).
		WithArgs(int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := svc.Checkout(context.Background(), &CheckoutRequest{
		TenantID: 3, PlanID: 2, Cycle: CycleMonthly,
		Card: gateway.Card{Number: "4242424242424242"},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(1000000), result.DiscountCents)
	require.Len(t, gw.charges, 1)
	assert.Equal(t, int64(4000000), gw.charges[0].AmountInCents)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckoutRejectsLiveSubscription(t *testing.T) {
	ft := &fakeTenants{tenant: testTenant()}
	gw := &fakeGateway{txn: &gateway.Transaction{ID: "txn-12", Status: gateway.StatusApproved}}
	svc, mock := newTestService(t, gw, &fakeNotifier{}, ft)

	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
		WillReturnRows(subscriptionRows(7, StatusActive, reconcileNow.AddDate(0, 0, 20)))

	_, err := svc.Checkout(context.Background(), &CheckoutRequest{TenantID: 3, PlanID: 2})
	assert.ErrorIs(t, err, ErrSubscriptionExists)
	assert.Empty(t, gw.charges, "no charge may be attempted with a live subscription")
}

func TestCheckoutDeclinedPersistsNothing(t *testing.T) {
	ft := &fakeTenants{tenant: testTenant()}
	gw := &fakeGateway{txn: &gateway.Transaction{
		ID: "txn-13", Status: gateway.StatusDeclined, StatusMessage: "insufficient funds",
	}}
	svc, mock := newTestService(t, gw, &fakeNotifier{}, ft)

	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
		WillReturnRows(noSubscriptionRows())
	mock.ExpectQuery(`FROM plans WHERE id`).
		WillReturnRows(planRows(2, 5000000, 50000000))
	mock.ExpectQuery(`FROM discount_campaigns`).
		WillReturnRows(emptyCampaignRows())

	_, err := svc.Checkout(context.Background(), &CheckoutRequest{
		TenantID: 3, PlanID: 2,
		Card: gateway.Card{Number: "4242424242424242"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChargeDeclined)
	assert.Equal(t, 0, ft.converted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckoutUnrecognizedStatusDeclines(t *testing.T) {
	ft := &fakeTenants{tenant: testTenant()}
	gw := &fakeGateway{txn: &gateway.Transaction{
		ID: "txn-18", Status: "IN_REVIEW", StatusMessage: "manual review",
	}}
	svc, mock := newTestService(t, gw, &fakeNotifier{}, ft)

	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
		WillReturnRows(noSubscriptionRows())
	mock.ExpectQuery(`FROM plans WHERE id`).
		WillReturnRows(planRows(2, 5000000, 50000000))
	mock.ExpectQuery(`FROM discount_campaigns`).
		WillReturnRows(emptyCampaignRows())

	_, err := svc.Checkout(context.Background(), &CheckoutRequest{
		TenantID: 3, PlanID: 2,
		Card: gateway.Card{Number: "4242424242424242"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrChargeDeclined, "a status this service does not recognize must not persist anything")
	assert.Equal(t, 0, ft.converted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckoutReplacesLapsedSubscription(t *testing.T) {
	ft := &fakeTenants{tenant: testTenant()}
	gw := &fakeGateway{txn: &gateway.Transaction{ID: "txn-19", Status: gateway.StatusApproved}}
	svc, mock := newTestService(t, gw, &fakeNotifier{}, ft)

	// Cancelled two months ago, grace long gone: the row reads as expired
	// and checkout reuses it instead of colliding with the tenant unique key.
	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
		WillReturnRows(subscriptionRows(7, StatusCancelled, reconcileNow.AddDate(0, -2, 0)))
	mock.ExpectQuery(`FROM plans WHERE id`).
		WillReturnRows(planRows(2, 5000000, 50000000))
	mock.ExpectQuery(`FROM discount_campaigns`).
		WillReturnRows(emptyCampaignRows())

	mock.ExpectBegin()
	mock.ExpectQuery(`ON CONFLICT \(tenant_id\) DO UPDATE`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(7, reconcileNow.AddDate(0, -5, 0), reconcileNow))
	mock.ExpectQuery(`INSERT INTO invoices`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(56, reconcileNow))
	mock.ExpectCommit()

	result, err := svc.Checkout(context.Background(), &CheckoutRequest{
		TenantID: 3, PlanID: 2, Cycle: CycleMonthly,
		Card: gateway.Card{Number: "4242424242424242"},
	})
	require.NoError(t, err)

	assert.Equal(t, int64(7), result.Subscription.ID, "the lapsed row is reused, keeping its invoices attached")
	assert.Equal(t, StatusActive, result.Subscription.Status)
	assert.Equal(t, InvoicePaid, result.Invoice.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckoutLosingInsertRaceReportsExists(t *testing.T) {
	ft := &fakeTenants{tenant: testTenant()}
	gw := &fakeGateway{txn: &gateway.Transaction{ID: "txn-20", Status: gateway.StatusApproved}}
	svc, mock := newTestService(t, gw, &fakeNotifier{}, ft)

	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
		WillReturnRows(noSubscriptionRows())
	mock.ExpectQuery(`FROM plans WHERE id`).
		WillReturnRows(planRows(2, 5000000, 50000000))
	mock.ExpectQuery(`FROM discount_campaigns`).
		WillReturnRows(emptyCampaignRows())

	// A concurrent checkout won the insert: the conflict predicate is false
	// against the freshly live row, so the upsert returns nothing.
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := svc.Checkout(context.Background(), &CheckoutRequest{
		TenantID: 3, PlanID: 2,
		Card: gateway.Card{Number: "4242424242424242"},
	})
	assert.ErrorIs(t, err, ErrSubscriptionExists)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCheckoutPendingPersistsPendingState(t *testing.T) {
	ft := &fakeTenants{tenant: testTenant()}
	gw := &fakeGateway{txn: &gateway.Transaction{ID: "txn-14", Status: gateway.StatusPending}}
	svc, mock := newTestService(t, gw, &fakeNotifier{}, ft)

	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
		WillReturnRows(noSubscriptionRows())
	mock.ExpectQuery(`FROM plans WHERE id`).
		WillReturnRows(planRows(2, 5000000, 50000000))
	mock.ExpectQuery(`FROM discount_campaigns`).
		WillReturnRows(emptyCampaignRows())

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO subscriptions`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).
			AddRow(7, reconcileNow, reconcileNow))
	mock.ExpectQuery(`INSERT INTO invoices`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(55, reconcileNow))
	mock.ExpectCommit()

	result, err := svc.Checkout(context.Background(), &CheckoutRequest{
		TenantID: 3, PlanID: 2,
		Card: gateway.Card{Number: "4242424242424242"},
	})
	require.NoError(t, err)

	assert.True(t, result.Pending)
	assert.Equal(t, StatusPending, result.Subscription.Status)
	assert.Equal(t, InvoicePending, result.Invoice.Status)
	assert.Equal(t, 0, ft.converted, "trial conversion must wait for the webhook")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCancel(t *testing.T) {
	periodEnd := reconcileNow.AddDate(0, 0, 20)

	t.Run("active subscription", func(t *testing.T) {
		svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{})

		mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
			WillReturnRows(subscriptionRows(7, StatusActive, periodEnd))
		mock.ExpectQuery(`UPDATE subscriptions`).
			WithArgs(int64(7), StatusCancelled).
			WillReturnRows(subscriptionRows(7, StatusCancelled, periodEnd))

		sub, err := svc.Cancel(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, StatusCancelled, sub.Status)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("suspended subscription cannot cancel", func(t *testing.T) {
		svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{})

		mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
			WillReturnRows(subscriptionRows(7, StatusSuspended, periodEnd))

		_, err := svc.Cancel(context.Background(), 3)
		assert.Error(t, err)
	})
}

func TestReactivate(t *testing.T) {
	t.Run("inside grace period", func(t *testing.T) {
		notifier := &fakeNotifier{}
		svc, mock := newTestService(t, &fakeGateway{}, notifier, &fakeTenants{tenant: testTenant()})
		periodEnd := reconcileNow.AddDate(0, 0, 5)

		mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
			WillReturnRows(subscriptionRows(7, StatusCancelled, periodEnd))
		mock.ExpectQuery(`UPDATE subscriptions`).
			WithArgs(int64(7), StatusActive).
			WillReturnRows(subscriptionRows(7, StatusActive, periodEnd))

		sub, err := svc.Reactivate(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, StatusActive, sub.Status)
		assert.Equal(t, 1, notifier.restored)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("grace period over", func(t *testing.T) {
		svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{tenant: testTenant()})

		mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
			WillReturnRows(subscriptionRows(7, StatusCancelled, reconcileNow.AddDate(0, 0, -1)))

		_, err := svc.Reactivate(context.Background(), 3)
		assert.ErrorIs(t, err, ErrGracePeriodOver)
	})

	t.Run("not cancelled", func(t *testing.T) {
		svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{tenant: testTenant()})

		mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
			WillReturnRows(subscriptionRows(7, StatusActive, reconcileNow.AddDate(0, 0, 5)))

		_, err := svc.Reactivate(context.Background(), 3)
		assert.ErrorIs(t, err, ErrNotReactivatable)
	})
}

func TestRenewChargesAndReconciles(t *testing.T) {
	ft := &fakeTenants{tenant: testTenant()}
	gw := &fakeGateway{txn: &gateway.Transaction{ID: "txn-20", Status: gateway.StatusApproved}}
	svc, mock := newTestService(t, gw, &fakeNotifier{}, ft)
	periodEnd := reconcileNow.AddDate(0, 0, -1)

	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
		WillReturnRows(subscriptionRows(7, StatusPastDue, periodEnd))
	mock.ExpectQuery(`FROM plans WHERE id`).
		WillReturnRows(planRows(2, 5000000, 50000000))

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM subscriptions WHERE creating_transaction_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT id FROM subscriptions WHERE payment_source_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(`FROM subscriptions WHERE id = (.+) FOR UPDATE`).
		WillReturnRows(subscriptionRows(7, StatusPastDue, periodEnd))
	mock.ExpectQuery(`SELECT id, status FROM invoices WHERE transaction_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
	mock.ExpectQuery(`INSERT INTO invoices`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(60))
	mock.ExpectQuery(`SELECT monthly_price_cents, yearly_price_cents FROM plans`).
		WillReturnRows(planPriceRows(5000000, 50000000))
	mock.ExpectExec(`UPDATE subscriptions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := svc.Renew(context.Background(), 3)
	require.NoError(t, err)

	assert.Equal(t, StatusActive, outcome.FinalStatus)
	assert.True(t, outcome.PeriodExtended)

	require.Len(t, gw.charges, 1)
	ref, err := ParseReference(gw.charges[0].Reference)
	require.NoError(t, err)
	assert.Equal(t, RefRenewal, ref.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRetryPaymentRequiresRetryableStatus(t *testing.T) {
	svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{})

	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
		WillReturnRows(subscriptionRows(7, StatusActive, reconcileNow.AddDate(0, 0, 20)))

	_, err := svc.RetryPayment(context.Background(), 3)
	assert.Error(t, err)
}

func TestRenewWithoutPaymentSource(t *testing.T) {
	svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{})
	created := reconcileNow.AddDate(0, -2, 0)

	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "plan_id", "status", "billing_cycle",
		"current_period_start", "current_period_end", "cancelled_at", "payment_source_id",
		"customer_email", "card_brand", "card_last_four", "card_exp_month", "card_exp_year",
		"creating_transaction_id", "created_at", "updated_at",
	}).AddRow(7, 3, 2, StatusPastDue, CycleMonthly,
		created, reconcileNow.AddDate(0, 0, -1), nil, nil,
		"billing@acme.co", "", "", "", "", nil, created, created)

	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).WillReturnRows(rows)

	_, err := svc.Renew(context.Background(), 3)
	assert.ErrorIs(t, err, ErrNoPaymentSource)
}

func TestUpgradePlanActiveChargesDifference(t *testing.T) {
	notifier := &fakeNotifier{}
	ft := &fakeTenants{tenant: testTenant()}
	gw := &fakeGateway{txn: &gateway.Transaction{ID: "txn-30", Status: gateway.StatusApproved}}
	svc, mock := newTestService(t, gw, notifier, ft)
	periodEnd := reconcileNow.AddDate(0, 0, 20)

	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
		WillReturnRows(subscriptionRows(7, StatusActive, periodEnd))
	mock.ExpectQuery(`FROM plans WHERE id`).
		WithArgs(int64(5)).
		WillReturnRows(planRows(5, 9000000, 90000000))
	mock.ExpectQuery(`FROM plans WHERE id`).
		WithArgs(int64(2)).
		WillReturnRows(planRows(2, 5000000, 50000000))

	// Difference charge reconciles like any other transaction.
	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM subscriptions WHERE creating_transaction_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`SELECT id FROM subscriptions WHERE payment_source_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(`FROM subscriptions WHERE id = (.+) FOR UPDATE`).
		WillReturnRows(subscriptionRows(7, StatusActive, periodEnd))
	mock.ExpectQuery(`SELECT id, status FROM invoices WHERE transaction_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
	mock.ExpectQuery(`INSERT INTO invoices`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(61))
	mock.ExpectQuery(`SELECT monthly_price_cents, yearly_price_cents FROM plans`).
		WillReturnRows(planPriceRows(5000000, 50000000))
	mock.ExpectCommit()

	mock.ExpectQuery(`UPDATE subscriptions`).
		WithArgs(int64(7), int64(5), CycleMonthly).
		WillReturnRows(subscriptionRows(7, StatusActive, periodEnd))

	sub, err := svc.UpgradePlan(context.Background(), 3, 5, CycleMonthly)
	require.NoError(t, err)
	require.NotNil(t, sub)

	require.Len(t, gw.charges, 1)
	assert.Equal(t, int64(4000000), gw.charges[0].AmountInCents, "active upgrade charges the price difference")
	ref, err := ParseReference(gw.charges[0].Reference)
	require.NoError(t, err)
	assert.Equal(t, RefUpgrade, ref.Kind)

	require.Len(t, notifier.synced, 1)
	assert.Equal(t, "pro", notifier.synced[0].PlanName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpgradePlanDowngradeSkipsCharge(t *testing.T) {
	notifier := &fakeNotifier{}
	ft := &fakeTenants{tenant: testTenant()}
	gw := &fakeGateway{}
	svc, mock := newTestService(t, gw, notifier, ft)
	periodEnd := reconcileNow.AddDate(0, 0, 20)

	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
		WillReturnRows(subscriptionRows(7, StatusActive, periodEnd))
	mock.ExpectQuery(`FROM plans WHERE id`).
		WithArgs(int64(5)).
		WillReturnRows(planRows(5, 3000000, 30000000))
	mock.ExpectQuery(`FROM plans WHERE id`).
		WithArgs(int64(2)).
		WillReturnRows(planRows(2, 5000000, 50000000))
	mock.ExpectQuery(`UPDATE subscriptions`).
		WillReturnRows(subscriptionRows(7, StatusActive, periodEnd))

	_, err := svc.UpgradePlan(context.Background(), 3, 5, CycleMonthly)
	require.NoError(t, err)

	assert.Empty(t, gw.charges)
	assert.Len(t, notifier.synced, 1)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdatePaymentMethod(t *testing.T) {
	svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{})
	periodEnd := reconcileNow.AddDate(0, 0, 20)

	mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
		WillReturnRows(subscriptionRows(7, StatusActive, periodEnd))
	mock.ExpectQuery(`UPDATE subscriptions`).
		WithArgs(int64(7), int64(901), "VISA", "4242", "12", "29").
		WillReturnRows(subscriptionRows(7, StatusActive, periodEnd))

	sub, err := svc.UpdatePaymentMethod(context.Background(), &UpdatePaymentMethodRequest{
		TenantID: 3,
		Card:     gateway.Card{Number: "4242424242424242"},
	})
	require.NoError(t, err)
	assert.Equal(t, "4242", sub.CardLastFour)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBillingState(t *testing.T) {
	trialEnd := reconcileNow.AddDate(0, 0, 7)

	t.Run("trial only", func(t *testing.T) {
		ft := &fakeTenants{trial: &tenants.Trial{ID: 1, TenantID: 3, Status: tenants.TrialStatusActive, EndDate: trialEnd}}
		svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, ft)

		mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
			WillReturnRows(noSubscriptionRows())

		state, err := svc.BillingState(context.Background(), 3)
		require.NoError(t, err)
		assert.Nil(t, state.Subscription)
		require.NotNil(t, state.Trial)
		assert.False(t, state.HasLiveSubscription())
	})

	t.Run("lapsed cancelled subscription reads expired and does not block", func(t *testing.T) {
		svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{})

		mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
			WillReturnRows(subscriptionRows(7, StatusCancelled, reconcileNow.AddDate(0, -1, 0)))

		state, err := svc.BillingState(context.Background(), 3)
		require.NoError(t, err)
		require.NotNil(t, state.Subscription)
		assert.Equal(t, StatusExpired, state.Subscription.Status, "expired is derived, never stored")
		assert.False(t, state.HasLiveSubscription())
	})

	t.Run("lapsed trial subscription reads expired", func(t *testing.T) {
		svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{})

		mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
			WillReturnRows(subscriptionRows(7, StatusTrial, reconcileNow.AddDate(0, 0, -1)))

		state, err := svc.BillingState(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, StatusExpired, state.Subscription.Status)
		assert.False(t, state.HasLiveSubscription())
	})

	t.Run("past_due keeps its stored status", func(t *testing.T) {
		svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{})

		mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
			WillReturnRows(subscriptionRows(7, StatusPastDue, reconcileNow.AddDate(0, 0, -10)))

		state, err := svc.BillingState(context.Background(), 3)
		require.NoError(t, err)
		assert.Equal(t, StatusPastDue, state.Subscription.Status, "retryable states are not derived away")
		assert.True(t, state.HasLiveSubscription())
	})

	t.Run("cancelled subscription still blocks", func(t *testing.T) {
		svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{})

		mock.ExpectQuery(`FROM subscriptions WHERE tenant_id`).
			WillReturnRows(subscriptionRows(7, StatusCancelled, reconcileNow.AddDate(0, 0, 5)))

		state, err := svc.BillingState(context.Background(), 3)
		require.NoError(t, err)
		assert.True(t, state.HasLiveSubscription())
	})
}

func TestDueForRenewal(t *testing.T) {
	svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{})

	mock.ExpectQuery(`JOIN plans p ON`).
		WithArgs(StatusActive, reconcileNow).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "plan_id", "billing_cycle", "payment_source_id", "customer_email",
			"monthly_price_cents", "yearly_price_cents",
		}).
			AddRow(7, 3, 2, CycleMonthly, 901, "billing@acme.co", 5000000, 50000000).
			AddRow(8, 4, 2, CycleYearly, 902, "other@acme.co", 5000000, 50000000))

	due, err := svc.DueForRenewal(context.Background(), reconcileNow)
	require.NoError(t, err)
	require.Len(t, due, 2)

	assert.Equal(t, int64(5000000), due[0].AmountInCents)
	assert.Equal(t, int64(50000000), due[1].AmountInCents, "yearly subscription uses the yearly price")

	ref, err := ParseReference(due[0].Reference)
	require.NoError(t, err)
	assert.Equal(t, RefRecurring, ref.Kind)
	assert.Equal(t, int64(7), ref.SubscriptionID)

	signer := gateway.NewSigner("events", "integrity")
	assert.Equal(t,
		signer.IntegritySignature(due[0].Reference, due[0].AmountInCents, "COP"),
		due[0].IntegritySignature)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChargesFor(t *testing.T) {
	svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{})

	// Selection is by id, not by period end: the only cutoff an operator
	// gets is active status plus a stored card.
	mock.ExpectQuery(`WHERE s\.id = ANY`).
		WithArgs(pq.Array([]int64{7, 9}), StatusActive).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "tenant_id", "plan_id", "billing_cycle", "payment_source_id", "customer_email",
			"monthly_price_cents", "yearly_price_cents",
		}).AddRow(7, 3, 2, CycleMonthly, 901, "billing@acme.co", 5000000, 50000000))

	due, err := svc.ChargesFor(context.Background(), []int64{7, 9}, reconcileNow)
	require.NoError(t, err)
	require.Len(t, due, 1, "ids without a chargeable row are dropped")

	assert.Equal(t, int64(7), due[0].SubscriptionID)
	assert.Equal(t, int64(5000000), due[0].AmountInCents)
	ref, err := ParseReference(due[0].Reference)
	require.NoError(t, err)
	assert.Equal(t, RefRecurring, ref.Kind)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestChargesForEmptyIDsQueriesNothing(t *testing.T) {
	svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{})

	due, err := svc.ChargesFor(context.Background(), nil, reconcileNow)
	require.NoError(t, err)
	assert.Empty(t, due)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPaymentSummary(t *testing.T) {
	svc, mock := newTestService(t, &fakeGateway{}, &fakeNotifier{}, &fakeTenants{})
	paidAt := reconcileNow.AddDate(0, 0, -3)

	mock.ExpectQuery(`SELECT COALESCE`).
		WithArgs(int64(3), InvoicePaid).
		WillReturnRows(sqlmock.NewRows([]string{"sum", "count", "max"}).
			AddRow(15000000, 3, paidAt))

	summary, err := svc.PaymentSummary(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, int64(15000000), summary.TotalPaidCents)
	assert.Equal(t, int64(3), summary.InvoiceCount)
	require.NotNil(t, summary.LastPaidAt)
	assert.True(t, paidAt.Equal(*summary.LastPaidAt))
}
