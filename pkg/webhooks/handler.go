package webhooks

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/lyvio/billing-service/pkg/gateway"
	"github.com/lyvio/billing-service/pkg/httputil"
	"github.com/lyvio/billing-service/pkg/observability"
)

// SignatureHeader carries the sender's sha256(body + secret) signature.
const SignatureHeader = "X-Event-Signature"

// maxBodyBytes caps inbound payloads; processor events are small.
const maxBodyBytes = 1 << 20

// Handler is the HTTP face of the ingestor. Every response carries the
// acknowledgment checksum so the sender can verify it is talking to the
// holder of the shared secret.
type Handler struct {
	ingestor *Ingestor
	signer   *gateway.Signer
	logger   *observability.Logger
}

func NewHandler(ingestor *Ingestor, signer *gateway.Signer, logger *observability.Logger) *Handler {
	return &Handler{ingestor: ingestor, signer: signer, logger: logger}
}

type ackResponse struct {
	Checksum string      `json:"checksum"`
	Status   EventStatus `json:"status"`
	Error    string      `json:"error,omitempty"`
}

// HandleEvent is the POST /billing/webhook endpoint.
func (h *Handler) HandleEvent(w http.ResponseWriter, r *http.Request) {
	rawBody, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		httputil.WriteBadRequest(w, "failed to read request body")
		return
	}
	signature := r.Header.Get(SignatureHeader)

	outcome, err := h.ingestor.Ingest(r.Context(), rawBody, signature, Meta{
		SourceIP:  clientIP(r),
		UserAgent: r.UserAgent(),
	})

	ack := ackResponse{Checksum: h.signer.ResponseChecksum(signature)}
	if outcome != nil {
		ack.Status = outcome.Status
	}

	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, ack)

	case errors.Is(err, ErrInvalidSignature):
		ack.Error = "invalid signature"
		httputil.WriteJSON(w, http.StatusUnauthorized, ack)

	case errors.Is(err, ErrMalformedEvent):
		ack.Error = "malformed event"
		httputil.WriteJSON(w, http.StatusBadRequest, ack)

	default:
		// Genuine processing fault; the ledger remembers it and the sender
		// should retry.
		h.logger.WithError(err).Error("Webhook processing fault")
		ack.Error = "processing failed"
		httputil.WriteJSON(w, http.StatusInternalServerError, ack)
	}
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx > 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	host := r.RemoteAddr
	if idx := strings.LastIndexByte(host, ':'); idx > 0 {
		host = host[:idx]
	}
	return host
}
