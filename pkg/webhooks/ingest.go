package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lyvio/billing-service/pkg/billing"
	"github.com/lyvio/billing-service/pkg/gateway"
	"github.com/lyvio/billing-service/pkg/observability"
)

// Reconciler is the slice of the billing service the ingestor needs.
type Reconciler interface {
	Reconcile(ctx context.Context, p billing.TransactionPayload) (*billing.ReconcileOutcome, error)
}

// Meta carries per-delivery audit fields from the HTTP layer.
type Meta struct {
	SourceIP  string
	UserAgent string
}

// Outcome reports what happened to one delivery.
type Outcome struct {
	// Status is the terminal ledger status for this delivery.
	Status EventStatus `json:"status"`

	// Event is the ledger row this delivery resolved to, when one exists.
	Event *Event `json:"event,omitempty"`

	// Reconciliation is set when the payload reached the engine.
	Reconciliation *billing.ReconcileOutcome `json:"reconciliation,omitempty"`
}

// Ingestor validates, deduplicates, and dispatches inbound events.
type Ingestor struct {
	ledger     *Ledger
	signer     *gateway.Signer
	reconciler Reconciler
	logger     *observability.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

// NewIngestor creates an ingestor. metrics may be nil.
func NewIngestor(ledger *Ledger, signer *gateway.Signer, reconciler Reconciler,
	logger *observability.Logger, metrics *observability.Metrics) *Ingestor {
	return &Ingestor{
		ledger:     ledger,
		signer:     signer,
		reconciler: reconciler,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// Ingest runs one delivery through the ledger state machine. The returned
// error classifies the delivery for the HTTP layer: ErrInvalidSignature,
// ErrMalformedEvent, or a processing fault the sender should retry.
func (i *Ingestor) Ingest(ctx context.Context, rawBody []byte, signature string, meta Meta) (*Outcome, error) {
	start := i.now()
	outcome, err := i.ingest(ctx, rawBody, signature, meta)

	if i.metrics != nil {
		i.metrics.WebhookIngestLatency.Observe(i.now().Sub(start).Seconds())
		eventType := "unknown"
		if outcome != nil && outcome.Event != nil {
			eventType = outcome.Event.EventType
		}
		status := "error"
		if outcome != nil {
			status = string(outcome.Status)
		}
		i.metrics.WebhookEventsTotal.WithLabelValues(eventType, status).Inc()
	}
	return outcome, err
}

func (i *Ingestor) ingest(ctx context.Context, rawBody []byte, signature string, meta Meta) (*Outcome, error) {
	var env eventEnvelope
	parseErr := json.Unmarshal(rawBody, &env)

	if !i.signer.VerifyWebhookSignature(rawBody, signature) {
		i.recordRejection(ctx, env, rawBody, signature, meta, StatusInvalidSignature)
		return &Outcome{Status: StatusInvalidSignature}, ErrInvalidSignature
	}
	if parseErr != nil {
		return &Outcome{Status: StatusFailed}, fmt.Errorf("%w: %v", ErrMalformedEvent, parseErr)
	}
	if env.ID == "" {
		return &Outcome{Status: StatusFailed}, fmt.Errorf("%w: missing event id", ErrMalformedEvent)
	}

	event, fresh, err := i.claimEvent(ctx, env, rawBody, signature, meta)
	if err != nil {
		return nil, err
	}
	if !fresh {
		// Processed, duplicate, or another delivery in flight. Either way
		// the sender must not retry.
		i.recordRejection(ctx, env, rawBody, signature, meta, StatusDuplicate)
		return &Outcome{Status: StatusDuplicate, Event: event}, nil
	}

	if env.Event != EventTransactionUpdated {
		if err := i.ledger.MarkProcessed(ctx, event.ID, nil, nil); err != nil {
			return nil, err
		}
		event.Status = StatusProcessed
		return &Outcome{Status: StatusProcessed, Event: event}, nil
	}

	result, err := i.reconciler.Reconcile(ctx, billing.TransactionPayload{
		TransactionID:   env.Data.Transaction.ID,
		Status:          gateway.TransactionStatus(env.Data.Transaction.Status),
		Reference:       env.Data.Transaction.Reference,
		AmountInCents:   env.Data.Transaction.AmountInCents,
		PaymentSourceID: env.Data.Transaction.PaymentSourceID,
		CustomerEmail:   env.Data.Transaction.CustomerEmail,
	})
	if err != nil {
		if markErr := i.ledger.MarkFailed(ctx, event.ID, err.Error()); markErr != nil {
			i.logger.WithError(markErr).WithField("event_id", env.ID).
				Error("Failed to record webhook failure in ledger")
		}
		event.Status = StatusFailed
		i.logger.WithError(err).WithFields(map[string]interface{}{
			"event_id":       env.ID,
			"transaction_id": env.Data.Transaction.ID,
		}).Error("Webhook reconciliation failed")
		return &Outcome{Status: StatusFailed, Event: event}, err
	}

	var subID, invID *int64
	if result != nil {
		subID = &result.SubscriptionID
		invID = result.InvoiceID
	}
	if err := i.ledger.MarkProcessed(ctx, event.ID, subID, invID); err != nil {
		return nil, err
	}
	event.Status = StatusProcessed
	event.SubscriptionID = subID
	event.InvoiceID = invID

	return &Outcome{Status: StatusProcessed, Event: event, Reconciliation: result}, nil
}

// claimEvent resolves the ledger row for this delivery. fresh=true means
// this delivery owns processing; fresh=false means it is a no-op replay.
func (i *Ingestor) claimEvent(ctx context.Context, env eventEnvelope, rawBody []byte, signature string, meta Meta) (*Event, bool, error) {
	existing, err := i.ledger.Find(ctx, env.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		event := &Event{
			EventID:       env.ID,
			EventType:     env.Event,
			TransactionID: env.Data.Transaction.ID,
			Payload:       json.RawMessage(rawBody),
			Signature:     signature,
			Status:        StatusProcessing,
			SourceIP:      meta.SourceIP,
			UserAgent:     meta.UserAgent,
		}
		if insertErr := i.ledger.Insert(ctx, event); insertErr != nil {
			if errors.Is(insertErr, ErrEventExists) {
				// Lost the race to a concurrent delivery of the same event.
				return nil, false, nil
			}
			return nil, false, insertErr
		}
		return event, true, nil

	case err != nil:
		return nil, false, err

	case existing.Status == StatusFailed:
		// A retry of a failed delivery re-enters processing.
		if err := i.ledger.MarkProcessing(ctx, existing.ID); err != nil {
			return nil, false, err
		}
		existing.Status = StatusProcessing
		return existing, true, nil

	default:
		return existing, false, nil
	}
}

// recordRejection writes an audit row for a delivery that will not be
// processed. The synthetic event id keeps the uniqueness constraint out of
// the way; failures here are logged, never surfaced.
func (i *Ingestor) recordRejection(ctx context.Context, env eventEnvelope, rawBody []byte, signature string, meta Meta, status EventStatus) {
	eventID := env.ID
	if eventID == "" {
		eventID = "unparsed"
	}
	event := &Event{
		EventID:       fmt.Sprintf("%s:%s:%s", eventID, status, uuid.NewString()[:8]),
		EventType:     env.Event,
		TransactionID: env.Data.Transaction.ID,
		Payload:       json.RawMessage(rawBody),
		Signature:     signature,
		Status:        status,
		SourceIP:      meta.SourceIP,
		UserAgent:     meta.UserAgent,
	}
	if err := i.ledger.Insert(ctx, event); err != nil {
		i.logger.WithError(err).WithField("event_id", eventID).
			Warn("Failed to record webhook audit row")
	}
}
