package billing

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lyvio/billing-service/pkg/gateway"
	"github.com/lyvio/billing-service/pkg/observability"
	"github.com/lyvio/billing-service/pkg/provisioning"
	"github.com/lyvio/billing-service/pkg/tenants"
)

type fakeTenants struct {
	tenants.Service
	tenant    *tenants.Tenant
	trial     *tenants.Trial
	converted int
	err       error
}

func (f *fakeTenants) GetTenant(ctx context.Context, id int64) (*tenants.Tenant, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.tenant, nil
}

type fakeNotifier struct {
	restoreErr error
	restored   int
	synced     []provisioning.PlanLimits
}

func (f *fakeNotifier) RestoreAccount(ctx context.Context, tenant *tenants.Tenant) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored++
	return nil
}

func (f *fakeNotifier) SyncPlan(ctx context.Context, tenant *tenants.Tenant, limits provisioning.PlanLimits) error {
	f.synced = append(f.synced, limits)
	return nil
}

var reconcileNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestReconciler(t *testing.T, notifier *fakeNotifier, tenantSvc *fakeTenants) (*Reconciler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	r := NewReconciler(db, tenantSvc, notifier, logger, nil)
	r.now = func() time.Time { return reconcileNow }
	return r, mock
}

func subscriptionRows(id int64, status SubscriptionStatus, periodEnd time.Time) *sqlmock.Rows {
	created := reconcileNow.AddDate(0, -2, 0)
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "plan_id", "status", "billing_cycle",
		"current_period_start", "current_period_end", "cancelled_at", "payment_source_id",
		"customer_email", "card_brand", "card_last_four", "card_exp_month", "card_exp_year",
		"creating_transaction_id", "created_at", "updated_at",
	}).AddRow(id, 3, 2, status, CycleMonthly,
		periodEnd.AddDate(0, 0, -30), periodEnd, nil, 901,
		"billing@acme.co", "VISA", "4242", "12", "29",
		nil, created, created)
}

func planPriceRows(monthly, yearly int64) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"monthly_price_cents", "yearly_price_cents"}).
		AddRow(monthly, yearly)
}

func TestReconcileApprovedFirstPayment(t *testing.T) {
	r, mock := newTestReconciler(t, &fakeNotifier{}, &fakeTenants{})
	periodEnd := reconcileNow.AddDate(0, 0, 25)
	ref := NewFirstPaymentReference(2, 3, reconcileNow)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM subscriptions WHERE creating_transaction_id`).
		WithArgs("txn-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(`FROM subscriptions WHERE id = (.+) FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(subscriptionRows(7, StatusPending, periodEnd))
	mock.ExpectQuery(`SELECT id, status FROM invoices WHERE transaction_id`).
		WithArgs("txn-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
	mock.ExpectQuery(`INSERT INTO invoices`).
		WithArgs(int64(7), int64(5000000), "COP", InvoicePaid, "txn-1", ref.Encode(), reconcileNow).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(55))
	mock.ExpectQuery(`SELECT monthly_price_cents, yearly_price_cents FROM plans`).
		WithArgs(int64(2)).
		WillReturnRows(planPriceRows(5000000, 50000000))
	mock.ExpectExec(`UPDATE subscriptions`).
		WithArgs(int64(7), StatusActive, periodEnd.AddDate(0, 0, -30), periodEnd, "txn-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	outcome, err := r.Reconcile(context.Background(), TransactionPayload{
		TransactionID: "txn-1",
		Status:        gateway.StatusApproved,
		Reference:     ref.Encode(),
		AmountInCents: 5000000,
	})
	require.NoError(t, err)

	assert.Equal(t, int64(7), outcome.SubscriptionID)
	assert.Equal(t, "creating_transaction_id", outcome.Strategy)
	assert.Equal(t, StatusActive, outcome.FinalStatus)
	assert.True(t, outcome.InvoicePaid)
	assert.False(t, outcome.PeriodExtended, "first payments must not extend the period")
	require.NotNil(t, outcome.InvoiceID)
	assert.Equal(t, int64(55), *outcome.InvoiceID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileApprovedRenewal(t *testing.T) {
	periodEnd := reconcileNow.AddDate(0, 0, 2)
	ref := NewRecurringReference(7, reconcileNow)

	t.Run("extends period anchored at previous end", func(t *testing.T) {
		r, mock := newTestReconciler(t, &fakeNotifier{}, &fakeTenants{})

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM subscriptions WHERE creating_transaction_id`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}))
		mock.ExpectQuery(`SELECT id FROM subscriptions WHERE payment_source_id`).
			WithArgs(int64(901)).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		mock.ExpectQuery(`FROM subscriptions WHERE id = (.+) FOR UPDATE`).
			WillReturnRows(subscriptionRows(7, StatusActive, periodEnd))
		mock.ExpectQuery(`SELECT id, status FROM invoices WHERE transaction_id`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
		mock.ExpectQuery(`INSERT INTO invoices`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(56))
		mock.ExpectQuery(`SELECT monthly_price_cents, yearly_price_cents FROM plans`).
			WillReturnRows(planPriceRows(5000000, 50000000))
		mock.ExpectExec(`UPDATE subscriptions`).
			WithArgs(int64(7), StatusActive, periodEnd, periodEnd.AddDate(0, 0, 30), nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		outcome, err := r.Reconcile(context.Background(), TransactionPayload{
			TransactionID:   "txn-2",
			Status:          gateway.StatusApproved,
			Reference:       ref.Encode(),
			AmountInCents:   5000000,
			PaymentSourceID: 901,
		})
		require.NoError(t, err)

		assert.Equal(t, "payment_source_id", outcome.Strategy)
		assert.True(t, outcome.PeriodExtended)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("duplicate delivery is a no-op", func(t *testing.T) {
		r, mock := newTestReconciler(t, &fakeNotifier{}, &fakeTenants{})

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM subscriptions WHERE creating_transaction_id`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		mock.ExpectQuery(`FROM subscriptions WHERE id = (.+) FOR UPDATE`).
			WillReturnRows(subscriptionRows(7, StatusActive, periodEnd))
		mock.ExpectQuery(`SELECT id, status FROM invoices WHERE transaction_id`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(56, InvoicePaid))
		mock.ExpectCommit()

		outcome, err := r.Reconcile(context.Background(), TransactionPayload{
			TransactionID: "txn-2",
			Status:        gateway.StatusApproved,
			Reference:     ref.Encode(),
			AmountInCents: 5000000,
		})
		require.NoError(t, err)

		assert.False(t, outcome.InvoicePaid)
		assert.False(t, outcome.PeriodExtended, "a replayed approval must not extend the period again")
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("settles a pending invoice exactly once", func(t *testing.T) {
		r, mock := newTestReconciler(t, &fakeNotifier{}, &fakeTenants{})

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM subscriptions WHERE creating_transaction_id`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		mock.ExpectQuery(`FROM subscriptions WHERE id = (.+) FOR UPDATE`).
			WillReturnRows(subscriptionRows(7, StatusActive, periodEnd))
		mock.ExpectQuery(`SELECT id, status FROM invoices WHERE transaction_id`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}).AddRow(56, InvoicePending))
		mock.ExpectExec(`UPDATE invoices SET status =`).
			WithArgs(int64(56), InvoicePaid, reconcileNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectQuery(`SELECT monthly_price_cents, yearly_price_cents FROM plans`).
			WillReturnRows(planPriceRows(5000000, 50000000))
		mock.ExpectExec(`UPDATE subscriptions`).
			WithArgs(int64(7), StatusActive, periodEnd, periodEnd.AddDate(0, 0, 30), nil).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		outcome, err := r.Reconcile(context.Background(), TransactionPayload{
			TransactionID: "txn-2",
			Status:        gateway.StatusApproved,
			Reference:     ref.Encode(),
			AmountInCents: 5000000,
		})
		require.NoError(t, err)

		assert.True(t, outcome.InvoicePaid)
		assert.True(t, outcome.PeriodExtended)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReconcileApprovedSuspended(t *testing.T) {
	periodEnd := reconcileNow.AddDate(0, 0, -10)
	ref := NewManualRetryReference(7, reconcileNow)

	t.Run("restores downstream account before activating", func(t *testing.T) {
		notifier := &fakeNotifier{}
		r, mock := newTestReconciler(t, notifier, &fakeTenants{tenant: &tenants.Tenant{ID: 3, PlatformAccountID: "acct_1"}})

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM subscriptions WHERE creating_transaction_id`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		mock.ExpectQuery(`FROM subscriptions WHERE id = (.+) FOR UPDATE`).
			WillReturnRows(subscriptionRows(7, StatusSuspended, periodEnd))
		mock.ExpectQuery(`SELECT id, status FROM invoices WHERE transaction_id`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
		mock.ExpectQuery(`INSERT INTO invoices`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(57))
		mock.ExpectQuery(`SELECT monthly_price_cents, yearly_price_cents FROM plans`).
			WillReturnRows(planPriceRows(5000000, 50000000))
		mock.ExpectExec(`UPDATE subscriptions`).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		outcome, err := r.Reconcile(context.Background(), TransactionPayload{
			TransactionID: "txn-3",
			Status:        gateway.StatusApproved,
			Reference:     ref.Encode(),
			AmountInCents: 5000000,
		})
		require.NoError(t, err)

		assert.Equal(t, 1, notifier.restored)
		assert.Equal(t, StatusActive, outcome.FinalStatus)
		assert.True(t, outcome.PeriodExtended)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("restore failure keeps invoice but not status", func(t *testing.T) {
		notifier := &fakeNotifier{restoreErr: errors.New("platform unreachable")}
		r, mock := newTestReconciler(t, notifier, &fakeTenants{tenant: &tenants.Tenant{ID: 3, PlatformAccountID: "acct_1"}})

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM subscriptions WHERE creating_transaction_id`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		mock.ExpectQuery(`FROM subscriptions WHERE id = (.+) FOR UPDATE`).
			WillReturnRows(subscriptionRows(7, StatusSuspended, periodEnd))
		mock.ExpectQuery(`SELECT id, status FROM invoices WHERE transaction_id`).
			WillReturnRows(sqlmock.NewRows([]string{"id", "status"}))
		mock.ExpectQuery(`INSERT INTO invoices`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(57))
		mock.ExpectQuery(`SELECT monthly_price_cents, yearly_price_cents FROM plans`).
			WillReturnRows(planPriceRows(5000000, 50000000))
		mock.ExpectCommit()

		outcome, err := r.Reconcile(context.Background(), TransactionPayload{
			TransactionID: "txn-3",
			Status:        gateway.StatusApproved,
			Reference:     ref.Encode(),
			AmountInCents: 5000000,
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrProvisioningFailed)

		require.NotNil(t, outcome, "the settled invoice must still be reported")
		require.NotNil(t, outcome.InvoiceID)
		assert.Equal(t, StatusSuspended, outcome.FinalStatus)
		assert.False(t, outcome.PeriodExtended)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReconcileDeclined(t *testing.T) {
	periodEnd := reconcileNow.AddDate(0, 0, 2)

	t.Run("renewal decline moves active to past_due", func(t *testing.T) {
		r, mock := newTestReconciler(t, &fakeNotifier{}, &fakeTenants{})
		ref := NewRecurringReference(7, reconcileNow)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM subscriptions WHERE creating_transaction_id`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		mock.ExpectQuery(`FROM subscriptions WHERE id = (.+) FOR UPDATE`).
			WillReturnRows(subscriptionRows(7, StatusActive, periodEnd))
		mock.ExpectExec(`UPDATE invoices SET status =`).
			WithArgs("txn-4", InvoiceFailed, InvoicePending).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(`UPDATE subscriptions SET status =`).
			WithArgs(int64(7), StatusPastDue).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		outcome, err := r.Reconcile(context.Background(), TransactionPayload{
			TransactionID: "txn-4",
			Status:        gateway.StatusDeclined,
			Reference:     ref.Encode(),
		})
		require.NoError(t, err)

		assert.True(t, outcome.Declined)
		assert.Equal(t, StatusPastDue, outcome.FinalStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first payment decline leaves status alone", func(t *testing.T) {
		r, mock := newTestReconciler(t, &fakeNotifier{}, &fakeTenants{})
		ref := NewFirstPaymentReference(2, 3, reconcileNow)

		mock.ExpectBegin()
		mock.ExpectQuery(`SELECT id FROM subscriptions WHERE creating_transaction_id`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		mock.ExpectQuery(`FROM subscriptions WHERE id = (.+) FOR UPDATE`).
			WillReturnRows(subscriptionRows(7, StatusPending, periodEnd))
		mock.ExpectExec(`UPDATE invoices SET status =`).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		outcome, err := r.Reconcile(context.Background(), TransactionPayload{
			TransactionID: "txn-5",
			Status:        gateway.StatusDeclined,
			Reference:     ref.Encode(),
		})
		require.NoError(t, err)

		assert.True(t, outcome.Declined)
		assert.Equal(t, StatusPending, outcome.FinalStatus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReconcilePendingIsNoOp(t *testing.T) {
	r, mock := newTestReconciler(t, &fakeNotifier{}, &fakeTenants{})
	periodEnd := reconcileNow.AddDate(0, 0, 2)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM subscriptions WHERE creating_transaction_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectQuery(`FROM subscriptions WHERE id = (.+) FOR UPDATE`).
		WillReturnRows(subscriptionRows(7, StatusPending, periodEnd))
	mock.ExpectRollback()

	outcome, err := r.Reconcile(context.Background(), TransactionPayload{
		TransactionID: "txn-6",
		Status:        gateway.StatusPending,
	})
	require.NoError(t, err)

	assert.True(t, outcome.PendingNoOp)
	assert.Equal(t, StatusPending, outcome.FinalStatus)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileEmailFallbackPrefersPending(t *testing.T) {
	r, mock := newTestReconciler(t, &fakeNotifier{}, &fakeTenants{})
	periodEnd := reconcileNow.AddDate(0, 0, 30)
	cutoff := reconcileNow.Add(-emailMatchWindow)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM subscriptions WHERE creating_transaction_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`WHERE customer_email = (.+) AND status =`).
		WithArgs("billing@acme.co", cutoff, StatusPending).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(9))
	mock.ExpectQuery(`FROM subscriptions WHERE id = (.+) FOR UPDATE`).
		WillReturnRows(subscriptionRows(9, StatusPending, periodEnd))
	mock.ExpectRollback()

	outcome, err := r.Reconcile(context.Background(), TransactionPayload{
		TransactionID: "txn-7",
		Status:        gateway.StatusPending,
		Reference:     "not-a-reference",
		CustomerEmail: "billing@acme.co",
	})
	require.NoError(t, err)

	assert.Equal(t, "customer_email", outcome.Strategy)
	assert.Equal(t, int64(9), outcome.SubscriptionID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileNoMatch(t *testing.T) {
	r, mock := newTestReconciler(t, &fakeNotifier{}, &fakeTenants{})

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM subscriptions WHERE creating_transaction_id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`WHERE customer_email = (.+) AND status =`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(`WHERE customer_email = (.+) AND created_at >=`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	_, err := r.Reconcile(context.Background(), TransactionPayload{
		TransactionID: "txn-8",
		Status:        gateway.StatusApproved,
		Reference:     "garbage",
		CustomerEmail: "nobody@acme.co",
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoMatch)

	var noMatch *NoMatchError
	require.ErrorAs(t, err, &noMatch)
	assert.Equal(t, "txn-8", noMatch.TransactionID)
	assert.Equal(t, "nobody@acme.co", noMatch.CustomerEmail)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestReconcileRejectsEmptyTransactionID(t *testing.T) {
	r, _ := newTestReconciler(t, &fakeNotifier{}, &fakeTenants{})
	_, err := r.Reconcile(context.Background(), TransactionPayload{Status: gateway.StatusApproved})
	assert.Error(t, err)
}
