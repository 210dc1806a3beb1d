// Package gateway defines the normalized contract between payment gateway
// adapters and the rest of the platform. Gateway-specific payloads, amount
// units, and status strings never escape the adapters.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"parishpay/internal/common/money"
)

// Method is a payment method accepted at checkout.
type Method string

const (
	MethodCard         Method = "card"
	MethodPSE          Method = "pse"
	MethodNequi        Method = "nequi"
	MethodBankTransfer Method = "bank_transfer"
	MethodPayPal       Method = "paypal"
)

// Valid reports whether the method is one of the enumerated set.
func (m Method) Valid() bool {
	switch m {
	case MethodCard, MethodPSE, MethodNequi, MethodBankTransfer, MethodPayPal:
		return true
	}
	return false
}

// Status is the canonical payment status. Each adapter maps its gateway's
// status strings onto this set; no canonical-layer code branches on
// gateway-specific strings.
type Status string

const (
	StatusPending  Status = "PENDING"
	StatusApproved Status = "APPROVED"
	StatusDeclined Status = "DECLINED"
	StatusVoided   Status = "VOIDED"
	StatusUnknown  Status = "UNKNOWN"
)

// PaymentRequest is a normalized payment submission. Immutable once
// constructed; Amount is carried in minor units of its currency.
type PaymentRequest struct {
	Amount        money.Money       `json:"amount"`
	Method        Method            `json:"method"`
	CustomerEmail string            `json:"customer_email"`
	Reference     string            `json:"reference,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// PaymentResult is the normalized response to a synchronous submission or a
// status query. (Gateway, PaymentID) is the canonical external payment key.
type PaymentResult struct {
	PaymentID   string         `json:"payment_id"`
	Gateway     string         `json:"gateway"`
	Status      Status         `json:"status"`
	RedirectURL string         `json:"redirect_url,omitempty"`
	RawMetadata map[string]any `json:"raw_metadata,omitempty"`
}

// RefundResult is the normalized response to a refund request.
type RefundResult struct {
	RefundID  string      `json:"refund_id"`
	PaymentID string      `json:"payment_id"`
	Gateway   string      `json:"gateway"`
	Status    Status      `json:"status"`
	Amount    money.Money `json:"amount"`
}

// PaymentEvent is a normalized webhook payload. It is created by an
// adapter's webhook normalization and consumed exactly once by the webhook
// handler after signature verification succeeds.
type PaymentEvent struct {
	Gateway           string            `json:"gateway"`
	ExternalPaymentID string            `json:"external_payment_id"`
	Status            Status            `json:"status"`
	Amount            money.Money       `json:"amount"`
	TenantID          string            `json:"tenant_id"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// SubmissionError reports a network or validation failure from the remote
// gateway. Business-level declines are NOT submission errors; they come back
// as an ordinary PaymentResult with StatusDeclined.
type SubmissionError struct {
	Gateway string
	Cause   error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("gateway %s submission failed: %v", e.Gateway, e.Cause)
}

func (e *SubmissionError) Unwrap() error {
	return e.Cause
}

// RefundError reports a gateway rejecting a refund (already refunded, amount
// exceeds captured amount, and so on).
type RefundError struct {
	Gateway string
	Code    string
	Message string
}

func (e *RefundError) Error() string {
	return fmt.Sprintf("gateway %s refund rejected: %s %s", e.Gateway, e.Code, e.Message)
}

// Webhook normalization errors.
var (
	// ErrMalformedWebhook is returned when required fields are absent from
	// a webhook payload. Such a payload can never succeed and must not be
	// retried by the gateway.
	ErrMalformedWebhook = errors.New("malformed webhook payload")

	// ErrUnknownEvent is returned for event types the adapter does not
	// handle. The handler acknowledges and takes no action.
	ErrUnknownEvent = errors.New("unknown event type")
)

// Gateway is the fixed capability set every payment gateway adapter
// implements.
type Gateway interface {
	// Name returns the unique gateway identifier (e.g. "wompi", "stripe").
	Name() string

	// Supports reports whether the gateway accepts the currency/method pair.
	Supports(currency money.Currency, method Method) bool

	// Submit submits a payment. Declines are a normal result with
	// StatusDeclined; only remote failures return a *SubmissionError.
	Submit(ctx context.Context, req PaymentRequest) (*PaymentResult, error)

	// QueryStatus fetches the current state of an external payment.
	QueryStatus(ctx context.Context, externalPaymentID string) (*PaymentResult, error)

	// SignatureHeader returns the HTTP header carrying the webhook signature.
	SignatureHeader() string

	// VerifySignature checks the webhook signature in constant time. It
	// never fails with an error; any parsing problem yields false.
	VerifySignature(rawPayload []byte, signatureHeader string) bool

	// NormalizeWebhook parses a raw webhook payload into a PaymentEvent.
	// Fails with ErrMalformedWebhook when required fields are absent and
	// ErrUnknownEvent for event types outside the payment lifecycle.
	NormalizeWebhook(rawPayload []byte) (*PaymentEvent, error)

	// Refund reverses a captured payment, fully when amount is nil.
	Refund(ctx context.Context, externalPaymentID string, amount *money.Money, reason string) (*RefundResult, error)
}
