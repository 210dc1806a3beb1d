// Package orchestrator routes payment submissions across the configured
// gateways: primary selection by currency, a single cross-gateway fallback
// on submission failure, and an audit log entry for every external attempt.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"parishpay/internal/common/events"
	"parishpay/internal/common/money"
	"parishpay/internal/gateway"
)

// ErrInvalidRequest is the base error for request validation failures. No
// external call is made for an invalid request.
var ErrInvalidRequest = errors.New("invalid payment request")

// AllGatewaysFailedError is returned when the primary and the fallback
// gateway both failed to accept the submission.
type AllGatewaysFailedError struct {
	Attempts int
	LastErr  error
}

func (e *AllGatewaysFailedError) Error() string {
	return fmt.Sprintf("all gateways failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *AllGatewaysFailedError) Unwrap() error {
	return e.LastErr
}

// Attempt is one audit log entry per gateway submission, recorded whether
// the submission succeeded or not.
type Attempt struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	Gateway      string         `json:"gateway"`
	PaymentID    string         `json:"payment_id,omitempty"`
	Status       gateway.Status `json:"status,omitempty"`
	AmountMinor  int64          `json:"amount_minor"`
	Currency     money.Currency `json:"currency"`
	Method       gateway.Method `json:"method"`
	Succeeded    bool           `json:"succeeded"`
	UsedFallback bool           `json:"used_fallback"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AttemptStore persists payment attempt log entries. Appends are
// best-effort by contract: a logging failure must never fail the payment.
type AttemptStore interface {
	Append(ctx context.Context, attempt *Attempt) error
	List(ctx context.Context, tenantID string, limit int) ([]*Attempt, error)
}

// Publisher publishes lifecycle events. May be nil.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *events.Envelope) error
}

// Config holds orchestrator configuration.
type Config struct {
	// DefaultGateway handles currencies without a static routing rule.
	DefaultGateway string `envconfig:"PAYMENTS_DEFAULT_GATEWAY" default:"wompi"`
	// MinAmounts is the per-currency minimum, in minor units.
	MinAmounts map[string]int64 `envconfig:"PAYMENTS_MIN_AMOUNTS" default:"COP:1000,USD:50,EUR:50,GBP:30"`
}

// Result is the unified outcome of a payment submission. Callers never see
// intermediate fallback attempts.
type Result struct {
	Gateway      string         `json:"gateway"`
	PaymentID    string         `json:"payment_id"`
	Status       gateway.Status `json:"status"`
	RedirectURL  string         `json:"redirect_url,omitempty"`
	UsedFallback bool           `json:"used_fallback"`
	RawMetadata  map[string]any `json:"raw_metadata,omitempty"`
}

// Orchestrator submits payments with primary/fallback gateway selection.
type Orchestrator struct {
	registry  *gateway.Registry
	attempts  AttemptStore
	publisher Publisher
	config    Config
	logger    *slog.Logger
}

// New creates a new orchestrator.
func New(registry *gateway.Registry, attempts AttemptStore, publisher Publisher, cfg Config, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry:  registry,
		attempts:  attempts,
		publisher: publisher,
		config:    cfg,
		logger:    logger,
	}
}

// Process validates and submits a payment. Gateway submission failures
// trigger at most one cross-gateway fallback; the same gateway is never
// retried within one call.
func (o *Orchestrator) Process(ctx context.Context, req gateway.PaymentRequest, tenantID string) (*Result, error) {
	if err := o.validate(req, tenantID); err != nil {
		return nil, err
	}

	// Carry the tenant through gateway metadata so webhooks can be routed
	// back to it.
	if req.Metadata == nil {
		req.Metadata = map[string]string{}
	}
	req.Metadata["tenant_id"] = tenantID

	primaryName := o.selectPrimary(req.Amount.Currency)
	primary, ok := o.registry.Get(primaryName)
	if !ok {
		return nil, fmt.Errorf("primary gateway %q not registered", primaryName)
	}

	attempts := 0
	var lastErr error

	if primary.Supports(req.Amount.Currency, req.Method) {
		attempts++
		result, err := o.submit(ctx, primary, req, tenantID, false)
		if err == nil {
			return result, nil
		}
		lastErr = err
	} else {
		lastErr = fmt.Errorf("gateway %s does not support %s/%s", primaryName, req.Amount.Currency, req.Method)
		o.logger.Warn("primary gateway does not support request, going to fallback",
			"gateway", primaryName,
			"currency", req.Amount.Currency,
			"method", req.Method,
		)
	}

	for _, fb := range o.registry.Others(primaryName) {
		if !fb.Supports(req.Amount.Currency, req.Method) {
			continue
		}
		attempts++
		result, err := o.submit(ctx, fb, req, tenantID, true)
		if err == nil {
			result.UsedFallback = true
			return result, nil
		}
		lastErr = err
		break // one fallback attempt, never more
	}

	o.publishOutcome(ctx, tenantID, &events.PaymentOutcomeData{
		AmountMinor:  req.Amount.AmountMinor,
		Currency:     string(req.Amount.Currency),
		Status:       string(gateway.StatusUnknown),
		ErrorMessage: lastErr.Error(),
	}, events.EventPaymentFailed)

	return nil, &AllGatewaysFailedError{Attempts: attempts, LastErr: lastErr}
}

// submit performs one gateway submission and records the attempt before the
// orchestrator proceeds, so the audit trail reflects every external call.
func (o *Orchestrator) submit(ctx context.Context, gw gateway.Gateway, req gateway.PaymentRequest, tenantID string, fallback bool) (*Result, error) {
	result, err := gw.Submit(ctx, req)

	attempt := &Attempt{
		ID:           ulid.Make().String(),
		TenantID:     tenantID,
		Gateway:      gw.Name(),
		AmountMinor:  req.Amount.AmountMinor,
		Currency:     req.Amount.Currency,
		Method:       req.Method,
		UsedFallback: fallback,
		CreatedAt:    time.Now().UTC(),
	}
	if err != nil {
		attempt.ErrorMessage = err.Error()
	} else {
		attempt.Succeeded = true
		attempt.PaymentID = result.PaymentID
		attempt.Status = result.Status
	}
	o.recordAttempt(ctx, attempt)

	if err != nil {
		o.logger.Warn("gateway submission failed",
			"gateway", gw.Name(),
			"fallback", fallback,
			"error", err,
		)
		return nil, err
	}

	o.logger.Info("gateway submission accepted",
		"gateway", gw.Name(),
		"payment_id", result.PaymentID,
		"status", result.Status,
		"fallback", fallback,
	)

	o.publishOutcome(ctx, tenantID, &events.PaymentOutcomeData{
		Gateway:      gw.Name(),
		PaymentID:    result.PaymentID,
		Status:       string(result.Status),
		AmountMinor:  req.Amount.AmountMinor,
		Currency:     string(req.Amount.Currency),
		UsedFallback: fallback,
	}, events.EventPaymentSubmitted)

	return &Result{
		Gateway:     gw.Name(),
		PaymentID:   result.PaymentID,
		Status:      result.Status,
		RedirectURL: result.RedirectURL,
		RawMetadata: result.RawMetadata,
	}, nil
}

// QueryStatus fetches the current state of an external payment from its
// gateway.
func (o *Orchestrator) QueryStatus(ctx context.Context, gatewayName, externalPaymentID string) (*gateway.PaymentResult, error) {
	gw, ok := o.registry.Get(gatewayName)
	if !ok {
		return nil, fmt.Errorf("gateway %q not registered", gatewayName)
	}
	return gw.QueryStatus(ctx, externalPaymentID)
}

// Refund requests a refund on the gateway that captured the payment.
func (o *Orchestrator) Refund(ctx context.Context, gatewayName, externalPaymentID string, amount *money.Money, reason string) (*gateway.RefundResult, error) {
	gw, ok := o.registry.Get(gatewayName)
	if !ok {
		return nil, fmt.Errorf("gateway %q not registered", gatewayName)
	}
	return gw.Refund(ctx, externalPaymentID, amount, reason)
}

// ListAttempts returns the most recent attempt log entries for a tenant.
func (o *Orchestrator) ListAttempts(ctx context.Context, tenantID string, limit int) ([]*Attempt, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return o.attempts.List(ctx, tenantID, limit)
}

// validate fails fast, before any external call.
func (o *Orchestrator) validate(req gateway.PaymentRequest, tenantID string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	if !req.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	}
	if !money.IsRecognized(req.Amount.Currency) {
		return fmt.Errorf("%w: unrecognized currency %q", ErrInvalidRequest, req.Amount.Currency)
	}
	if !req.Method.Valid() {
		return fmt.Errorf("%w: unknown payment method %q", ErrInvalidRequest, req.Method)
	}
	if req.CustomerEmail == "" {
		return fmt.Errorf("%w: customer email is required", ErrInvalidRequest)
	}
	if min, ok := o.config.MinAmounts[string(req.Amount.Currency)]; ok && req.Amount.AmountMinor < min {
		return fmt.Errorf("%w: amount below %s minimum of %d minor units", ErrInvalidRequest, req.Amount.Currency, min)
	}
	return nil
}

// selectPrimary applies the static currency routing rule.
func (o *Orchestrator) selectPrimary(currency money.Currency) string {
	switch currency {
	case money.COP:
		return "wompi"
	case money.USD, money.EUR, money.GBP:
		return "stripe"
	default:
		return o.config.DefaultGateway
	}
}

// recordAttempt appends to the audit log, best-effort.
func (o *Orchestrator) recordAttempt(ctx context.Context, attempt *Attempt) {
	if err := o.attempts.Append(ctx, attempt); err != nil {
		o.logger.Error("failed to record payment attempt",
			"attempt_id", attempt.ID,
			"gateway", attempt.Gateway,
			"error", err,
		)
	}

	if o.publisher == nil {
		return
	}
	data := &events.PaymentAttemptData{
		AttemptID:    attempt.ID,
		Gateway:      attempt.Gateway,
		PaymentID:    attempt.PaymentID,
		Status:       string(attempt.Status),
		AmountMinor:  attempt.AmountMinor,
		Currency:     string(attempt.Currency),
		Succeeded:    attempt.Succeeded,
		UsedFallback: attempt.UsedFallback,
		ErrorMessage: attempt.ErrorMessage,
	}
	if env, err := events.NewEnvelope(events.EventPaymentAttemptRecorded, attempt.TenantID, attempt.ID, data); err == nil {
		if err := o.publisher.Publish(ctx, events.SubjectPaymentAttempt, env); err != nil {
			o.logger.Warn("failed to publish attempt event", "error", err)
		}
	}
}

func (o *Orchestrator) publishOutcome(ctx context.Context, tenantID string, data *events.PaymentOutcomeData, eventType events.EventType) {
	if o.publisher == nil {
		return
	}
	if env, err := events.NewEnvelope(eventType, tenantID, data.PaymentID, data); err == nil {
		if err := o.publisher.Publish(ctx, events.SubjectPaymentOutcome, env); err != nil {
			o.logger.Warn("failed to publish payment outcome event", "error", err)
		}
	}
}
