// Package stripe implements the international card gateway adapter. The API
// is form-encoded; amounts cross the boundary as minor-unit integers and the
// currency is lowercased.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"parishpay/internal/common/money"
	"parishpay/internal/gateway"
)

// Name is the registry key for this adapter.
const Name = "stripe"

// Config holds Stripe adapter configuration.
type Config struct {
	BaseURL       string        `envconfig:"STRIPE_BASE_URL" default:"https://api.stripe.com/v1"`
	SecretKey     string        `envconfig:"STRIPE_SECRET_KEY"`
	WebhookSecret string        `envconfig:"STRIPE_WEBHOOK_SECRET"`
	Timeout       time.Duration `envconfig:"STRIPE_TIMEOUT" default:"30s"`
}

// Adapter implements gateway.Gateway against the payment intents API.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a new Stripe adapter.
func New(cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		config: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: logger,
	}
}

// Name implements gateway.Gateway.
func (a *Adapter) Name() string { return Name }

// Supports reports the international currencies and methods.
func (a *Adapter) Supports(currency money.Currency, method gateway.Method) bool {
	switch currency {
	case money.USD, money.EUR, money.GBP:
	default:
		return false
	}
	switch method {
	case gateway.MethodCard, gateway.MethodPayPal, gateway.MethodBankTransfer:
		return true
	}
	return false
}

// paymentIntent is the API object shape shared by responses and webhooks.
type paymentIntent struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	Amount     int64             `json:"amount"`
	Currency   string            `json:"currency"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	NextAction *struct {
		RedirectToURL *struct {
			URL string `json:"url"`
		} `json:"redirect_to_url,omitempty"`
	} `json:"next_action,omitempty"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error,omitempty"`
}

// Submit implements gateway.Gateway.Submit.
func (a *Adapter) Submit(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount.AmountMinor, 10))
	form.Set("currency", strings.ToLower(string(req.Amount.Currency)))
	form.Set("receipt_email", req.CustomerEmail)
	form.Set("confirm", "true")
	form.Set("payment_method_types[]", methodType(req.Method))
	if req.Reference != "" {
		form.Set("metadata[reference]", req.Reference)
	}
	if token := req.Metadata["card_token"]; token != "" {
		form.Set("payment_method", token)
	}
	for k, v := range req.Metadata {
		if k == "card_token" {
			continue
		}
		form.Set("metadata["+k+"]", v)
	}

	var intent paymentIntent
	if err := a.call(ctx, http.MethodPost, "/payment_intents", form, &intent); err != nil {
		return nil, &gateway.SubmissionError{Gateway: Name, Cause: err}
	}

	result := a.toResult(intent)

	a.logger.Info("stripe payment intent created",
		"payment_intent", result.PaymentID,
		"status", result.Status,
		"amount", req.Amount.AmountMinor,
	)

	return result, nil
}

// QueryStatus implements gateway.Gateway.QueryStatus.
func (a *Adapter) QueryStatus(ctx context.Context, externalPaymentID string) (*gateway.PaymentResult, error) {
	var intent paymentIntent
	if err := a.call(ctx, http.MethodGet, "/payment_intents/"+externalPaymentID, nil, &intent); err != nil {
		return nil, &gateway.SubmissionError{Gateway: Name, Cause: err}
	}
	return a.toResult(intent), nil
}

// SignatureHeader implements gateway.Gateway.SignatureHeader.
func (a *Adapter) SignatureHeader() string { return "Stripe-Signature" }

// VerifySignature checks the `t=...,v1=...` signature scheme: the v1 value
// is hex HMAC-SHA256 of "<t>.<payload>" keyed with the webhook secret.
// Constant-time comparison; false on any parsing failure.
func (a *Adapter) VerifySignature(rawPayload []byte, signatureHeader string) bool {
	if signatureHeader == "" || a.config.WebhookSecret == "" {
		return false
	}

	var timestamp string
	var signatures [][]byte
	for _, part := range strings.Split(signatureHeader, ",") {
		k, v, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch k {
		case "t":
			timestamp = v
		case "v1":
			sig, err := hex.DecodeString(v)
			if err != nil {
				continue
			}
			signatures = append(signatures, sig)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(a.config.WebhookSecret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(rawPayload)
	expected := mac.Sum(nil)

	for _, sig := range signatures {
		if hmac.Equal(sig, expected) {
			return true
		}
	}
	return false
}

// webhookEvent is the event envelope posted to webhook endpoints.
type webhookEvent struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// NormalizeWebhook implements gateway.Gateway.NormalizeWebhook.
func (a *Adapter) NormalizeWebhook(rawPayload []byte) (*gateway.PaymentEvent, error) {
	var event webhookEvent
	if err := json.Unmarshal(rawPayload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedWebhook, err)
	}

	if !strings.HasPrefix(event.Type, "payment_intent.") {
		return nil, fmt.Errorf("%w: %q", gateway.ErrUnknownEvent, event.Type)
	}

	var intent paymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedWebhook, err)
	}
	if intent.ID == "" || intent.Currency == "" {
		return nil, fmt.Errorf("%w: missing payment intent fields", gateway.ErrMalformedWebhook)
	}

	status := statusFromEventType(event.Type)
	if status == gateway.StatusUnknown {
		status = statusFromIntent(intent.Status)
	}

	return &gateway.PaymentEvent{
		Gateway:           Name,
		ExternalPaymentID: intent.ID,
		Status:            status,
		Amount:            money.New(intent.Amount, money.Currency(strings.ToUpper(intent.Currency))),
		TenantID:          intent.Metadata["tenant_id"],
		Metadata:          intent.Metadata,
	}, nil
}

// Refund implements gateway.Gateway.Refund. A nil amount refunds the full
// captured amount.
func (a *Adapter) Refund(ctx context.Context, externalPaymentID string, amount *money.Money, reason string) (*gateway.RefundResult, error) {
	form := url.Values{}
	form.Set("payment_intent", externalPaymentID)
	if amount != nil {
		form.Set("amount", strconv.FormatInt(amount.AmountMinor, 10))
	}
	if reason != "" {
		form.Set("metadata[reason]", reason)
	}

	var refund struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := a.call(ctx, http.MethodPost, "/refunds", form, &refund); err != nil {
		return nil, &gateway.RefundError{Gateway: Name, Code: "REFUND_REJECTED", Message: err.Error()}
	}

	a.logger.Info("stripe refund accepted",
		"payment_intent", externalPaymentID,
		"refund_id", refund.ID,
	)

	status := gateway.StatusVoided
	if refund.Status == "failed" {
		status = gateway.StatusDeclined
	}

	return &gateway.RefundResult{
		RefundID:  refund.ID,
		PaymentID: externalPaymentID,
		Gateway:   Name,
		Status:    status,
		Amount:    money.New(refund.Amount, money.Currency(strings.ToUpper(refund.Currency))),
	}, nil
}

// call performs a form-encoded request against the API.
func (a *Adapter) call(ctx context.Context, method, path string, form url.Values, out any) error {
	var reader io.Reader
	if form != nil {
		reader = strings.NewReader(form.Encode())
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if form != nil {
		httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	httpReq.SetBasicAuth(a.config.SecretKey, "")

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, _ := io.ReadAll(httpResp.Body)

	if httpResp.StatusCode >= 400 {
		var errResp struct {
			Error struct {
				Type    string `json:"type"`
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error.Message != "" {
			return fmt.Errorf("stripe api error: status=%d code=%s message=%s",
				httpResp.StatusCode, errResp.Error.Code, errResp.Error.Message)
		}
		return fmt.Errorf("stripe api error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

func (a *Adapter) toResult(intent paymentIntent) *gateway.PaymentResult {
	raw := map[string]any{
		"status":   intent.Status,
		"amount":   intent.Amount,
		"currency": intent.Currency,
	}
	if intent.LastPaymentError != nil {
		raw["last_payment_error_code"] = intent.LastPaymentError.Code
		raw["last_payment_error_message"] = intent.LastPaymentError.Message
	}

	result := &gateway.PaymentResult{
		PaymentID:   intent.ID,
		Gateway:     Name,
		Status:      statusFromIntent(intent.Status),
		RawMetadata: raw,
	}
	if intent.NextAction != nil && intent.NextAction.RedirectToURL != nil {
		result.RedirectURL = intent.NextAction.RedirectToURL.URL
	}
	return result
}

func methodType(m gateway.Method) string {
	switch m {
	case gateway.MethodPayPal:
		return "paypal"
	case gateway.MethodBankTransfer:
		return "customer_balance"
	default:
		return "card"
	}
}

// statusFromIntent maps payment intent statuses onto the canonical set.
// requires_payment_method after a confirm attempt means the charge was
// declined.
func statusFromIntent(s string) gateway.Status {
	switch s {
	case "succeeded":
		return gateway.StatusApproved
	case "processing", "requires_action", "requires_confirmation", "requires_capture":
		return gateway.StatusPending
	case "requires_payment_method":
		return gateway.StatusDeclined
	case "canceled":
		return gateway.StatusVoided
	default:
		return gateway.StatusUnknown
	}
}

func statusFromEventType(t string) gateway.Status {
	switch t {
	case "payment_intent.succeeded":
		return gateway.StatusApproved
	case "payment_intent.payment_failed":
		return gateway.StatusDeclined
	case "payment_intent.canceled":
		return gateway.StatusVoided
	case "payment_intent.processing", "payment_intent.created":
		return gateway.StatusPending
	default:
		return gateway.StatusUnknown
	}
}
