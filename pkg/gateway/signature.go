package gateway

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// Signer implements the processor's three SHA-256 schemes: the integrity
// signature on outbound transactions, the webhook signature on inbound
// events, and the response checksum the sender verifies on our acknowledgment.
type Signer struct {
	eventsSecret    string
	integritySecret string
}

// NewSigner creates a Signer from the two shared secrets.
func NewSigner(eventsSecret, integritySecret string) *Signer {
	return &Signer{
		eventsSecret:    eventsSecret,
		integritySecret: integritySecret,
	}
}

// IntegritySignature signs an outbound transaction request:
// sha256(reference + amountInCents + currency + integritySecret).
func (s *Signer) IntegritySignature(reference string, amountInCents int64, currency string) string {
	payload := fmt.Sprintf("%s%d%s%s", reference, amountInCents, currency, s.integritySecret)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// VerifyWebhookSignature checks an inbound webhook:
// sha256(rawBody + eventsSecret) must equal the header value.
func (s *Signer) VerifyWebhookSignature(rawBody []byte, signature string) bool {
	sum := sha256.Sum256(append(append([]byte{}, rawBody...), []byte(s.eventsSecret)...))
	expected := hex.EncodeToString(sum[:])
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// ResponseChecksum computes the acknowledgment checksum returned to the
// webhook sender: sha256(receivedSignature + eventsSecret).
func (s *Signer) ResponseChecksum(receivedSignature string) string {
	sum := sha256.Sum256([]byte(receivedSignature + s.eventsSecret))
	return hex.EncodeToString(sum[:])
}
