// Package webhook receives gateway callbacks, verifies their signatures,
// deduplicates re-deliveries, and hands approved payments to the
// distribution engine.
package webhook

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"parishpay/internal/common/api"
	"parishpay/internal/common/events"
	"parishpay/internal/common/middleware"
	"parishpay/internal/distribution"
	"parishpay/internal/gateway"
)

// maxBodyBytes bounds webhook payload size.
const maxBodyBytes = 1 << 20

// DedupeStore records webhook deliveries that never reach the distribution
// engine, so their re-deliveries are acknowledged without acting twice.
// Approved payments are not recorded here: the engine's insert-first
// uniqueness on (tenant, payment) already absorbs duplicates, and a failed
// distribution must stay retryable on the next delivery.
type DedupeStore interface {
	// MarkSeen records the delivery and reports whether it was already
	// recorded.
	MarkSeen(ctx context.Context, gatewayName, externalPaymentID string, status gateway.Status) (seen bool, err error)
}

// Distributor triggers fund distribution for approved payments.
type Distributor interface {
	Distribute(ctx context.Context, payment distribution.CompletedPayment) (*distribution.Distribution, error)
}

// Publisher publishes alert events. Best-effort.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *events.Envelope) error
}

// Handler processes gateway webhooks. Signature verification is fail-closed;
// everything after a valid signature is acknowledged with 200 so gateways
// stop retrying, with failures handled out of band.
type Handler struct {
	registry    *gateway.Registry
	dedupe      DedupeStore
	distributor Distributor
	publisher   Publisher
	logger      *slog.Logger
}

// NewHandler creates a webhook handler. publisher may be nil.
func NewHandler(registry *gateway.Registry, dedupe DedupeStore, distributor Distributor, publisher Publisher, logger *slog.Logger) *Handler {
	return &Handler{
		registry:    registry,
		dedupe:      dedupe,
		distributor: distributor,
		publisher:   publisher,
		logger:      logger,
	}
}

// Routes returns the webhook routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/{gateway}", h.handleWebhook)
	return r
}

func (h *Handler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	name := chi.URLParam(r, "gateway")

	gw, ok := h.registry.Get(name)
	if !ok {
		api.NotFound(w, "unknown gateway")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		api.BadRequest(w, "failed to read body")
		return
	}

	if !gw.VerifySignature(body, r.Header.Get(gw.SignatureHeader())) {
		h.logger.Warn("webhook signature verification failed",
			"gateway", name,
			"correlation_id", middleware.GetCorrelationID(ctx),
		)
		api.WriteError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed")
		return
	}

	event, err := gw.NormalizeWebhook(body)
	if err != nil {
		switch {
		case errors.Is(err, gateway.ErrUnknownEvent):
			h.logger.Info("ignoring unhandled webhook event", "gateway", name)
		case errors.Is(err, gateway.ErrMalformedWebhook):
			h.logger.Warn("malformed webhook payload", "gateway", name, "error", err)
		default:
			h.logger.Warn("webhook normalization failed", "gateway", name, "error", err)
		}
		h.ack(w)
		return
	}

	if event.Status == gateway.StatusApproved {
		h.handleApproved(ctx, event)
		h.ack(w)
		return
	}

	seen, err := h.dedupe.MarkSeen(ctx, event.Gateway, event.ExternalPaymentID, event.Status)
	if err != nil {
		// Dedupe store down: acknowledge nothing so the gateway retries.
		h.logger.Error("webhook dedupe check failed",
			"gateway", name,
			"payment_id", event.ExternalPaymentID,
			"error", err,
		)
		api.InternalError(w, "temporary failure")
		return
	}
	if seen {
		h.logger.Info("webhook re-delivery acknowledged",
			"gateway", name,
			"payment_id", event.ExternalPaymentID,
			"status", string(event.Status),
		)
		h.ack(w)
		return
	}

	switch event.Status {
	case gateway.StatusDeclined, gateway.StatusVoided:
		h.logger.Info("payment terminal state recorded",
			"gateway", event.Gateway,
			"payment_id", event.ExternalPaymentID,
			"status", string(event.Status),
			"tenant_id", event.TenantID,
		)
	default:
		h.logger.Info("non-terminal payment status received",
			"gateway", event.Gateway,
			"payment_id", event.ExternalPaymentID,
			"status", string(event.Status),
		)
	}

	h.ack(w)
}

// handleApproved triggers distribution. A distribution failure is logged and
// alerted but never bounced back to the gateway: the webhook was valid, and
// the delivery is not marked seen, so the gateway's next re-delivery retries
// the distribution.
func (h *Handler) handleApproved(ctx context.Context, event *gateway.PaymentEvent) {
	payment := distribution.CompletedPayment{
		PaymentID: event.ExternalPaymentID,
		Gateway:   event.Gateway,
		TenantID:  event.TenantID,
		Amount:    event.Amount,
		Metadata:  event.Metadata,
	}

	dist, err := h.distributor.Distribute(ctx, payment)
	if err != nil {
		h.logger.Error("distribution failed for approved payment",
			"gateway", event.Gateway,
			"payment_id", event.ExternalPaymentID,
			"tenant_id", event.TenantID,
			"error", err,
		)
		h.alert(ctx, event, err)
		return
	}

	h.logger.Info("payment distributed",
		"gateway", event.Gateway,
		"payment_id", event.ExternalPaymentID,
		"tenant_id", event.TenantID,
		"distribution_id", dist.ID,
		"status", string(dist.Status),
	)
}

func (h *Handler) alert(ctx context.Context, event *gateway.PaymentEvent, cause error) {
	if h.publisher == nil {
		return
	}
	env, err := events.NewEnvelope(events.EventDistributionFailed, event.TenantID, middleware.GetCorrelationID(ctx), events.DistributionUpdateData{
		PaymentID: event.ExternalPaymentID,
		Gateway:   event.Gateway,
		Status:    string(distribution.StatusFailed),
	})
	if err != nil {
		return
	}
	if err := h.publisher.Publish(ctx, events.SubjectDistributionAlert, env); err != nil {
		h.logger.Warn("failed to publish distribution alert",
			"payment_id", event.ExternalPaymentID,
			"error", err,
			"cause", cause,
		)
	}
}

func (h *Handler) ack(w http.ResponseWriter) {
	api.WriteData(w, http.StatusOK, map[string]string{"received": "true"})
}
