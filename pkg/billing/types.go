package billing

import (
	"context"
	"errors"
	"time"

	"github.com/lyvio/billing-service/pkg/gateway"
	"github.com/lyvio/billing-service/pkg/tenants"
)

// Sentinel errors callers branch on.
var (
	ErrNotFound           = errors.New("not found")
	ErrSubscriptionExists = errors.New("tenant already has a subscription")
	ErrNoPaymentSource    = errors.New("subscription has no stored payment source")
	ErrChargeDeclined     = errors.New("charge declined by gateway")
	ErrGracePeriodOver    = errors.New("grace period has ended, renewal charge required")
	ErrNotReactivatable   = errors.New("subscription is not cancelled")
	ErrProvisioningFailed = errors.New("downstream account restore failed")
)

// SubscriptionStatus represents the lifecycle status of a subscription
type SubscriptionStatus string

const (
	StatusTrial     SubscriptionStatus = "trial"
	StatusPending   SubscriptionStatus = "pending"
	StatusActive    SubscriptionStatus = "active"
	StatusPastDue   SubscriptionStatus = "past_due"
	StatusSuspended SubscriptionStatus = "suspended"
	StatusCancelled SubscriptionStatus = "cancelled"
	StatusExpired   SubscriptionStatus = "expired"
)

// BillingCycle is the charge period of a subscription.
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleYearly  BillingCycle = "yearly"
)

// PeriodLength returns the fixed period extension for the cycle. Measured
// from the previous period end, not "now", so renewals do not drift.
func (c BillingCycle) PeriodLength() time.Duration {
	if c == CycleYearly {
		return 365 * 24 * time.Hour
	}
	return 30 * 24 * time.Hour
}

// Valid reports whether the cycle is a known value.
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleYearly
}

// Plan is a billing catalog entry. Immutable from a subscription's point of
// view; a plan change moves the subscription's plan pointer.
type Plan struct {
	ID                int64     `json:"id"`
	Name              string    `json:"name"`
	Slug              string    `json:"slug"`
	PlanType          string    `json:"plan_type"`
	MonthlyPriceCents int64     `json:"monthly_price_cents"`
	YearlyPriceCents  int64     `json:"yearly_price_cents"`
	TrialDays         int       `json:"trial_days"`
	MaxInboxes        int       `json:"max_inboxes"`
	MaxDocuments      int       `json:"max_documents"`
	MaxUsers          int       `json:"max_users"`
	IsActive          bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
}

// PriceFor returns the plan price in cents for the given cycle.
func (p *Plan) PriceFor(cycle BillingCycle) int64 {
	if cycle == CycleYearly {
		return p.YearlyPriceCents
	}
	return p.MonthlyPriceCents
}

// Subscription is the canonical record of a tenant's paid lifecycle.
// Exactly one per tenant.
type Subscription struct {
	ID                 int64              `json:"id"`
	TenantID           int64              `json:"tenant_id"`
	PlanID             int64              `json:"plan_id"`
	Status             SubscriptionStatus `json:"status"`
	BillingCycle       BillingCycle       `json:"billing_cycle"`
	CurrentPeriodStart time.Time          `json:"current_period_start"`
	CurrentPeriodEnd   time.Time          `json:"current_period_end"`
	CancelledAt        *time.Time         `json:"cancelled_at,omitempty"`
	PaymentSourceID    *int64             `json:"payment_source_id,omitempty"`
	CustomerEmail      string             `json:"customer_email"`

	// Display-only card metadata, never the full PAN.
	CardBrand    string `json:"card_brand,omitempty"`
	CardLastFour string `json:"card_last_four,omitempty"`
	CardExpMonth string `json:"card_exp_month,omitempty"`
	CardExpYear  string `json:"card_exp_year,omitempty"`

	CreatingTransactionID *string   `json:"creating_transaction_id,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// InGracePeriod reports whether a cancelled subscription can still be
// reactivated without a new charge.
func (s *Subscription) InGracePeriod(now time.Time) bool {
	return s.Status == StatusCancelled && !now.After(s.CurrentPeriodEnd)
}

// EffectiveStatus derives the read-side status at the given instant.
// expired is never written to the ledger: a cancelled subscription whose
// grace period has lapsed, or a trial subscription past its period end,
// reads as expired. past_due and suspended stay as stored because their
// renewal paths (sweep, manual retry) still own them.
func (s *Subscription) EffectiveStatus(now time.Time) SubscriptionStatus {
	switch s.Status {
	case StatusCancelled, StatusTrial:
		if now.After(s.CurrentPeriodEnd) {
			return StatusExpired
		}
	}
	return s.Status
}

// InvoiceStatus represents the status of an invoice
type InvoiceStatus string

const (
	InvoicePending InvoiceStatus = "pending"
	InvoicePaid    InvoiceStatus = "paid"
	InvoiceFailed  InvoiceStatus = "failed"
	InvoiceVoided  InvoiceStatus = "voided"
)

// TaxRatePercent is the fixed display surcharge applied to invoice amounts.
const TaxRatePercent = 19

// Invoice is an immutable record of a single billed amount. TransactionID
// uniqueness is the idempotency key that prevents double-billing under
// duplicate delivery.
type Invoice struct {
	ID             int64         `json:"id"`
	SubscriptionID int64         `json:"subscription_id"`
	AmountCents    int64         `json:"amount_cents"`
	Currency       string        `json:"currency"`
	Status         InvoiceStatus `json:"status"`
	TransactionID  *string       `json:"transaction_id,omitempty"`
	Reference      string        `json:"reference"`
	PaidAt         *time.Time    `json:"paid_at,omitempty"`
	CreatedAt      time.Time     `json:"created_at"`
}

// TaxCents returns the display tax surcharge for the invoice amount.
func (i *Invoice) TaxCents() int64 {
	return i.AmountCents * TaxRatePercent / 100
}

// TotalWithTaxCents returns the display total including the surcharge.
func (i *Invoice) TotalWithTaxCents() int64 {
	return i.AmountCents + i.TaxCents()
}

// BillingState is the explicit answer to "what is this tenant's billing
// situation": a subscription, a trial, both (converted trials stay around),
// or neither.
type BillingState struct {
	Subscription *Subscription  `json:"subscription,omitempty"`
	Trial        *tenants.Trial `json:"trial,omitempty"`
}

// HasLiveSubscription reports whether the tenant holds a non-terminal
// subscription that blocks a fresh checkout.
func (b *BillingState) HasLiveSubscription() bool {
	if b.Subscription == nil {
		return false
	}
	switch b.Subscription.Status {
	case StatusExpired:
		return false
	default:
		return true
	}
}

// CheckoutRequest starts a paid subscription from raw card data.
type CheckoutRequest struct {
	TenantID int64
	PlanID   int64
	Cycle    BillingCycle
	Card     gateway.Card
}

// CheckoutResult is the outcome of an interactive checkout.
type CheckoutResult struct {
	Subscription *Subscription        `json:"subscription"`
	Invoice      *Invoice             `json:"invoice"`
	Transaction  *gateway.Transaction `json:"transaction"`
	// Pending means the poll ceiling was reached with the gateway still
	// undecided; the webhook path owns the rest of the transition.
	Pending bool `json:"pending"`
	// DiscountCents is the campaign discount applied to the first charge.
	DiscountCents int64 `json:"discount_cents,omitempty"`
}

// UpdatePaymentMethodRequest swaps the stored card.
type UpdatePaymentMethodRequest struct {
	TenantID    int64
	Card        gateway.Card
	RetryCharge bool
}

// DueCharge is a gateway-ready charge payload for a subscription due for
// renewal, with reference and integrity signature precomputed so external
// orchestration tools can submit it directly.
type DueCharge struct {
	SubscriptionID     int64  `json:"subscription_id"`
	TenantID           int64  `json:"tenant_id"`
	PlanID             int64  `json:"plan_id"`
	AmountInCents      int64  `json:"amount_in_cents"`
	Currency           string `json:"currency"`
	Reference          string `json:"reference"`
	IntegritySignature string `json:"integrity_signature"`
	PaymentSourceID    int64  `json:"payment_source_id"`
	CustomerEmail      string `json:"customer_email"`
}

// PaymentSummary aggregates a tenant's paid invoices.
type PaymentSummary struct {
	TotalPaidCents int64      `json:"total_paid_cents"`
	InvoiceCount   int64      `json:"invoice_count"`
	LastPaidAt     *time.Time `json:"last_paid_at,omitempty"`
}

// Service defines the billing operations.
type Service interface {
	GetPlan(ctx context.Context, id int64) (*Plan, error)
	ListPlans(ctx context.Context) ([]*Plan, error)

	Checkout(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error)
	Cancel(ctx context.Context, tenantID int64) (*Subscription, error)
	Reactivate(ctx context.Context, tenantID int64) (*Subscription, error)
	Renew(ctx context.Context, tenantID int64) (*ReconcileOutcome, error)
	RetryPayment(ctx context.Context, tenantID int64) (*ReconcileOutcome, error)
	UpgradePlan(ctx context.Context, tenantID, newPlanID int64, cycle BillingCycle) (*Subscription, error)
	UpdatePaymentMethod(ctx context.Context, req *UpdatePaymentMethodRequest) (*Subscription, error)

	GetSubscription(ctx context.Context, tenantID int64) (*Subscription, error)
	BillingState(ctx context.Context, tenantID int64) (*BillingState, error)
	GetInvoice(ctx context.Context, id int64) (*Invoice, error)
	ListInvoices(ctx context.Context, tenantID int64, limit, offset int) ([]*Invoice, error)
	PaymentSummary(ctx context.Context, tenantID int64) (*PaymentSummary, error)

	DueForRenewal(ctx context.Context, now time.Time) ([]*DueCharge, error)
	ChargesFor(ctx context.Context, ids []int64, now time.Time) ([]*DueCharge, error)
	ChargeDue(ctx context.Context, due *DueCharge) (*ReconcileOutcome, error)
}
