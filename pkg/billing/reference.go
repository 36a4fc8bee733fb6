package billing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ReferenceKind tags the flow that created a charge reference.
type ReferenceKind string

const (
	RefFirstPayment ReferenceKind = "FIRST"
	RefRecurring    ReferenceKind = "REC"
	RefManualRetry  ReferenceKind = "RETRY"
	RefRenewal      ReferenceKind = "RENEW"
	RefUpgrade      ReferenceKind = "UPG"
)

const referencePrefix = "LYV"

// Reference is the machine-readable business reference attached to every
// gateway transaction. It identifies the flow and embeds the ids needed to
// find the owning subscription when the transaction comes back on a webhook.
type Reference struct {
	Kind ReferenceKind

	// SubscriptionID is set for every kind except FirstPayment, where the
	// subscription does not exist yet.
	SubscriptionID int64

	// PlanID and TenantID identify a first payment.
	PlanID   int64
	TenantID int64

	IssuedAt time.Time

	// Nonce disambiguates retries issued within the same second.
	Nonce string
}

// NewFirstPaymentReference builds the reference for an initial checkout charge.
func NewFirstPaymentReference(planID, tenantID int64, now time.Time) Reference {
	return Reference{Kind: RefFirstPayment, PlanID: planID, TenantID: tenantID, IssuedAt: now}
}

// NewRecurringReference builds the reference for a scheduler renewal charge.
func NewRecurringReference(subscriptionID int64, now time.Time) Reference {
	return Reference{Kind: RefRecurring, SubscriptionID: subscriptionID, IssuedAt: now}
}

// NewManualRetryReference builds the reference for a user-initiated retry.
func NewManualRetryReference(subscriptionID int64, now time.Time) Reference {
	return Reference{Kind: RefManualRetry, SubscriptionID: subscriptionID, IssuedAt: now, Nonce: newNonce()}
}

// NewRenewalReference builds the reference for a manual renewal charge.
func NewRenewalReference(subscriptionID int64, now time.Time) Reference {
	return Reference{Kind: RefRenewal, SubscriptionID: subscriptionID, IssuedAt: now}
}

// NewUpgradeReference builds the reference for a plan upgrade charge.
func NewUpgradeReference(subscriptionID int64, now time.Time) Reference {
	return Reference{Kind: RefUpgrade, SubscriptionID: subscriptionID, IssuedAt: now, Nonce: newNonce()}
}

func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// ExtendsPeriod reports whether an approved charge under this reference
// extends the current billing period. First payments set the initial period
// at creation and upgrades keep the running period.
func (r Reference) ExtendsPeriod() bool {
	switch r.Kind {
	case RefRecurring, RefManualRetry, RefRenewal:
		return true
	default:
		return false
	}
}

// Encode serializes the reference deterministically.
func (r Reference) Encode() string {
	ts := r.IssuedAt.Unix()
	switch r.Kind {
	case RefFirstPayment:
		return fmt.Sprintf("%s-%s-%d-%d-%d", referencePrefix, r.Kind, r.PlanID, r.TenantID, ts)
	default:
		if r.Nonce != "" {
			return fmt.Sprintf("%s-%s-%d-%d-%s", referencePrefix, r.Kind, r.SubscriptionID, ts, r.Nonce)
		}
		return fmt.Sprintf("%s-%s-%d-%d", referencePrefix, r.Kind, r.SubscriptionID, ts)
	}
}

// ParseReference parses an encoded reference back into its variant.
func ParseReference(s string) (Reference, error) {
	parts := strings.Split(s, "-")
	if len(parts) < 4 || parts[0] != referencePrefix {
		return Reference{}, fmt.Errorf("unrecognized reference format: %q", s)
	}

	kind := ReferenceKind(parts[1])
	switch kind {
	case RefFirstPayment:
		if len(parts) != 5 {
			return Reference{}, fmt.Errorf("malformed first-payment reference: %q", s)
		}
		planID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return Reference{}, fmt.Errorf("invalid plan id in reference %q: %w", s, err)
		}
		tenantID, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return Reference{}, fmt.Errorf("invalid tenant id in reference %q: %w", s, err)
		}
		ts, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil {
			return Reference{}, fmt.Errorf("invalid timestamp in reference %q: %w", s, err)
		}
		return Reference{Kind: kind, PlanID: planID, TenantID: tenantID, IssuedAt: time.Unix(ts, 0)}, nil

	case RefRecurring, RefManualRetry, RefRenewal, RefUpgrade:
		if len(parts) != 4 && len(parts) != 5 {
			return Reference{}, fmt.Errorf("malformed %s reference: %q", kind, s)
		}
		subID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil {
			return Reference{}, fmt.Errorf("invalid subscription id in reference %q: %w", s, err)
		}
		ts, err := strconv.ParseInt(parts[3], 10, 64)
		if err != nil {
			return Reference{}, fmt.Errorf("invalid timestamp in reference %q: %w", s, err)
		}
		ref := Reference{Kind: kind, SubscriptionID: subID, IssuedAt: time.Unix(ts, 0)}
		if len(parts) == 5 {
			ref.Nonce = parts[4]
		}
		return ref, nil

	default:
		return Reference{}, fmt.Errorf("unknown reference kind %q in %q", parts[1], s)
	}
}
