package billing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferenceRoundTrip(t *testing.T) {
	issued := time.Unix(1700000000, 0)

	tests := []struct {
		name string
		ref  Reference
	}{
		{"first payment", NewFirstPaymentReference(3, 42, issued)},
		{"recurring", NewRecurringReference(7, issued)},
		{"manual retry", NewManualRetryReference(7, issued)},
		{"renewal", NewRenewalReference(7, issued)},
		{"upgrade", NewUpgradeReference(7, issued)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			encoded := tt.ref.Encode()
			parsed, err := ParseReference(encoded)
			require.NoError(t, err)

			assert.Equal(t, tt.ref.Kind, parsed.Kind)
			assert.Equal(t, tt.ref.SubscriptionID, parsed.SubscriptionID)
			assert.Equal(t, tt.ref.PlanID, parsed.PlanID)
			assert.Equal(t, tt.ref.TenantID, parsed.TenantID)
			assert.Equal(t, tt.ref.Nonce, parsed.Nonce)
			assert.True(t, tt.ref.IssuedAt.Equal(parsed.IssuedAt))
		})
	}
}

func TestReferenceEncoding(t *testing.T) {
	issued := time.Unix(1700000000, 0)

	assert.Equal(t, "LYV-FIRST-3-42-1700000000",
		NewFirstPaymentReference(3, 42, issued).Encode())
	assert.Equal(t, "LYV-REC-7-1700000000",
		NewRecurringReference(7, issued).Encode())
	assert.Equal(t, "LYV-RENEW-7-1700000000",
		NewRenewalReference(7, issued).Encode())

	retry := NewManualRetryReference(7, issued)
	assert.Len(t, retry.Nonce, 8)
	assert.Equal(t, "LYV-RETRY-7-1700000000-"+retry.Nonce, retry.Encode())
}

func TestParseReferenceRejectsGarbage(t *testing.T) {
	for _, s := range []string{
		"",
		"hello",
		"LYV-FIRST-3-42",              // missing timestamp
		"LYV-WAT-7-1700000000",        // unknown kind
		"OTHER-REC-7-1700000000",      // wrong prefix
		"LYV-REC-seven-1700000000",    // non-numeric id
		"LYV-FIRST-3-42-17000-1-moar", // too many segments
	} {
		_, err := ParseReference(s)
		assert.Error(t, err, "expected %q to be rejected", s)
	}
}

func TestExtendsPeriod(t *testing.T) {
	now := time.Now()
	assert.False(t, NewFirstPaymentReference(1, 1, now).ExtendsPeriod())
	assert.False(t, NewUpgradeReference(1, now).ExtendsPeriod())
	assert.True(t, NewRecurringReference(1, now).ExtendsPeriod())
	assert.True(t, NewManualRetryReference(1, now).ExtendsPeriod())
	assert.True(t, NewRenewalReference(1, now).ExtendsPeriod())
}

func TestManualRetryNoncesDiffer(t *testing.T) {
	now := time.Now()
	a := NewManualRetryReference(1, now)
	b := NewManualRetryReference(1, now)
	assert.NotEqual(t, a.Encode(), b.Encode())
}
