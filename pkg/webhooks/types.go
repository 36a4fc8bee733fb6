package webhooks

import (
	"encoding/json"
	"errors"
	"time"
)

// EventStatus is the ledger status of one recorded delivery.
type EventStatus string

const (
	StatusReceived         EventStatus = "received"
	StatusProcessing       EventStatus = "processing"
	StatusProcessed        EventStatus = "processed"
	StatusFailed           EventStatus = "failed"
	StatusDuplicate        EventStatus = "duplicate"
	StatusInvalidSignature EventStatus = "invalid_signature"
)

// EventTransactionUpdated is the only event type that feeds the
// reconciliation engine. Everything else is stored for audit and
// acknowledged as a no-op.
const EventTransactionUpdated = "transaction.updated"

var (
	ErrInvalidSignature = errors.New("webhook signature mismatch")
	ErrMalformedEvent   = errors.New("malformed webhook event")
	ErrEventExists      = errors.New("event already recorded")
	ErrNotFound         = errors.New("event not found")
)

// Event is one ledger row.
type Event struct {
	ID             int64           `json:"id"`
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	TransactionID  string          `json:"transaction_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Signature      string          `json:"-"`
	Status         EventStatus     `json:"status"`
	SubscriptionID *int64          `json:"subscription_id,omitempty"`
	InvoiceID      *int64          `json:"invoice_id,omitempty"`
	ErrorMessage   string          `json:"error_message,omitempty"`
	SourceIP       string          `json:"source_ip,omitempty"`
	UserAgent      string          `json:"user_agent,omitempty"`
	ReceivedAt     time.Time       `json:"received_at"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
}

// eventEnvelope is the processor's wire format.
type eventEnvelope struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  struct {
		Transaction struct {
			ID              string `json:"id"`
			Status          string `json:"status"`
			Reference       string `json:"reference"`
			AmountInCents   int64  `json:"amount_in_cents"`
			PaymentSourceID int64  `json:"payment_source_id"`
			CustomerEmail   string `json:"customer_email"`
		} `json:"transaction"`
	} `json:"data"`
	Timestamp int64 `json:"timestamp"`
}
