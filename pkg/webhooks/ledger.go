package webhooks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// Ledger persists deliveries in the webhook_events table. event_id
// uniqueness is enforced by the database, which makes concurrent deliveries
// of the same event safe: exactly one insert wins.
type Ledger struct {
	db *sql.DB
}

func NewLedger(db *sql.DB) *Ledger {
	return &Ledger{db: db}
}

const eventColumns = `id, event_id, event_type, transaction_id, payload, signature, status,
		subscription_id, invoice_id, error_message, source_ip, user_agent, received_at, processed_at`

// Find returns the ledger row for a sender event id.
func (l *Ledger) Find(ctx context.Context, eventID string) (*Event, error) {
	e := &Event{}
	err := l.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events WHERE event_id = $1`, eventID).
		Scan(&e.ID, &e.EventID, &e.EventType, &e.TransactionID, &e.Payload, &e.Signature, &e.Status,
			&e.SubscriptionID, &e.InvoiceID, &e.ErrorMessage, &e.SourceIP, &e.UserAgent,
			&e.ReceivedAt, &e.ProcessedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find webhook event %s: %w", eventID, err)
	}
	return e, nil
}

// Insert records a new delivery. Returns ErrEventExists when another
// delivery of the same event id got there first.
func (l *Ledger) Insert(ctx context.Context, e *Event) error {
	payload := e.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	err := l.db.QueryRowContext(ctx,
		`INSERT INTO webhook_events (event_id, event_type, transaction_id, payload, signature, status, source_ip, user_agent)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, received_at`,
		e.EventID, e.EventType, e.TransactionID, []byte(payload), e.Signature, e.Status, e.SourceIP, e.UserAgent).
		Scan(&e.ID, &e.ReceivedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrEventExists
		}
		return fmt.Errorf("failed to record webhook event %s: %w", e.EventID, err)
	}
	return nil
}

// MarkProcessing flips a row back into processing for a retried delivery.
func (l *Ledger) MarkProcessing(ctx context.Context, id int64) error {
	return l.setStatus(ctx, id, StatusProcessing, "")
}

// MarkProcessed finishes a row with back-references to what reconciliation
// resolved. Either reference may be nil for audit-only event types.
func (l *Ledger) MarkProcessed(ctx context.Context, id int64, subscriptionID, invoiceID *int64) error {
	if _, err := l.db.ExecContext(ctx,
		`UPDATE webhook_events
		 SET status = $2, subscription_id = $3, invoice_id = $4, error_message = '', processed_at = NOW()
		 WHERE id = $1`,
		id, StatusProcessed, subscriptionID, invoiceID); err != nil {
		return fmt.Errorf("failed to mark webhook event %d processed: %w", id, err)
	}
	return nil
}

// MarkFailed records the processing error for operator follow-up or replay.
func (l *Ledger) MarkFailed(ctx context.Context, id int64, message string) error {
	return l.setStatus(ctx, id, StatusFailed, message)
}

func (l *Ledger) setStatus(ctx context.Context, id int64, status EventStatus, message string) error {
	if _, err := l.db.ExecContext(ctx,
		`UPDATE webhook_events SET status = $2, error_message = $3, processed_at = NOW() WHERE id = $1`,
		id, status, message); err != nil {
		return fmt.Errorf("failed to mark webhook event %d %s: %w", id, status, err)
	}
	return nil
}

// ListFailed returns failed events for manual replay, newest first.
func (l *Ledger) ListFailed(ctx context.Context, limit int) ([]*Event, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT `+eventColumns+` FROM webhook_events
		 WHERE status = $1 ORDER BY received_at DESC LIMIT $2`, StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list failed webhook events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.EventID, &e.EventType, &e.TransactionID, &e.Payload, &e.Signature, &e.Status,
			&e.SubscriptionID, &e.InvoiceID, &e.ErrorMessage, &e.SourceIP, &e.UserAgent,
			&e.ReceivedAt, &e.ProcessedAt); err != nil {
			return nil, fmt.Errorf("failed to scan webhook event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
