// Package wompi implements the Colombian card/PSE gateway adapter. Amounts
// cross this boundary as minor-unit integers (amount_in_cents); status
// strings and payment-method sub-objects are mapped here and nowhere else.
package wompi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"parishpay/internal/common/money"
	"parishpay/internal/gateway"
)

// Name is the registry key for this adapter.
const Name = "wompi"

// Config holds Wompi adapter configuration.
type Config struct {
	BaseURL      string        `envconfig:"WOMPI_BASE_URL" default:"https://sandbox.wompi.co/v1"`
	PrivateKey   string        `envconfig:"WOMPI_PRIVATE_KEY"`
	EventsSecret string        `envconfig:"WOMPI_EVENTS_SECRET"`
	Timeout      time.Duration `envconfig:"WOMPI_TIMEOUT" default:"30s"`
}

// Adapter implements gateway.Gateway against the Wompi transactions API.
type Adapter struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a new Wompi adapter.
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

// Supports reports COP with the local payment methods.
func (a *Adapter) Supports(currency money.Currency, method gateway.Method) bool {
	if currency != money.COP {
		return false
	}
	switch method {
	case gateway.MethodCard, gateway.MethodPSE, gateway.MethodNequi, gateway.MethodBankTransfer:
		return true
	}
	return false
}

// transactionRequest is the wire format for transaction creation.
type transactionRequest struct {
	AmountInCents int64             `json:"amount_in_cents"`
	Currency      string            `json:"currency"`
	CustomerEmail string            `json:"customer_email"`
	Reference     string            `json:"reference"`
	PaymentMethod map[string]any    `json:"payment_method"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// transactionData is the transaction object in API responses and webhooks.
type transactionData struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	StatusMessage string            `json:"status_message,omitempty"`
	AmountInCents int64             `json:"amount_in_cents"`
	Currency      string            `json:"currency"`
	CustomerEmail string            `json:"customer_email,omitempty"`
	Reference     string            `json:"reference,omitempty"`
	RedirectURL   string            `json:"redirect_url,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Submit implements gateway.Gateway.Submit.
func (a *Adapter) Submit(ctx context.Context, req gateway.PaymentRequest) (*gateway.PaymentResult, error) {
	apiReq := transactionRequest{
		AmountInCents: req.Amount.AmountMinor,
		Currency:      string(req.Amount.Currency),
		CustomerEmail: req.CustomerEmail,
		Reference:     req.Reference,
		PaymentMethod: a.paymentMethodObject(req),
		Metadata:      req.Metadata,
	}

	var resp struct {
		Data transactionData `json:"data"`
	}
	if err := a.call(ctx, http.MethodPost, "/transactions", apiReq, &resp); err != nil {
		return nil, &gateway.SubmissionError{Gateway: Name, Cause: err}
	}

	result := a.toResult(resp.Data)

	a.logger.Info("wompi transaction submitted",
		"transaction_id", result.PaymentID,
		"status", result.Status,
		"amount_in_cents", req.Amount.AmountMinor,
	)

	return result, nil
}

// QueryStatus implements gateway.Gateway.QueryStatus.
func (a *Adapter) QueryStatus(ctx context.Context, externalPaymentID string) (*gateway.PaymentResult, error) {
	var resp struct {
		Data transactionData `json:"data"`
	}
	if err := a.call(ctx, http.MethodGet, "/transactions/"+externalPaymentID, nil, &resp); err != nil {
		return nil, &gateway.SubmissionError{Gateway: Name, Cause: err}
	}
	return a.toResult(resp.Data), nil
}

// SignatureHeader implements gateway.Gateway.SignatureHeader.
func (a *Adapter) SignatureHeader() string { return "X-Event-Checksum" }

// VerifySignature checks the event checksum: hex HMAC-SHA256 of the raw body
// keyed with the events secret. Constant-time comparison; false on any
// parsing failure.
func (a *Adapter) VerifySignature(rawPayload []byte, signatureHeader string) bool {
	if signatureHeader == "" || a.config.EventsSecret == "" {
		return false
	}
	provided, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.config.EventsSecret))
	mac.Write(rawPayload)
	return hmac.Equal(provided, mac.Sum(nil))
}

// webhookPayload is the event envelope Wompi posts.
type webhookPayload struct {
	Event string `json:"event"`
	Data  struct {
		Transaction *transactionData `json:"transaction"`
	} `json:"data"`
	SentAt string `json:"sent_at"`
}

// NormalizeWebhook implements gateway.Gateway.NormalizeWebhook.
func (a *Adapter) NormalizeWebhook(rawPayload []byte) (*gateway.PaymentEvent, error) {
	var payload webhookPayload
	if err := json.Unmarshal(rawPayload, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedWebhook, err)
	}

	switch payload.Event {
	case "transaction.updated", "transaction.created":
	default:
		return nil, fmt.Errorf("%w: %q", gateway.ErrUnknownEvent, payload.Event)
	}

	txn := payload.Data.Transaction
	if txn == nil || txn.ID == "" || txn.Status == "" || txn.Currency == "" {
		return nil, fmt.Errorf("%w: missing transaction fields", gateway.ErrMalformedWebhook)
	}

	return &gateway.PaymentEvent{
		Gateway:           Name,
		ExternalPaymentID: txn.ID,
		Status:            statusFromWompi(txn.Status),
		Amount:            money.New(txn.AmountInCents, money.Currency(txn.Currency)),
		TenantID:          txn.Metadata["tenant_id"],
		Metadata:          txn.Metadata,
	}, nil
}

// Refund implements gateway.Gateway.Refund. A nil amount refunds the full
// captured amount.
func (a *Adapter) Refund(ctx context.Context, externalPaymentID string, amount *money.Money, reason string) (*gateway.RefundResult, error) {
	apiReq := map[string]any{
		"reason": reason,
	}
	if amount != nil {
		apiReq["amount_in_cents"] = amount.AmountMinor
	}

	var resp struct {
		Data struct {
			ID            string `json:"id"`
			Status        string `json:"status"`
			AmountInCents int64  `json:"amount_in_cents"`
			Currency      string `json:"currency"`
		} `json:"data"`
		Error *apiError `json:"error,omitempty"`
	}
	if err := a.call(ctx, http.MethodPost, "/transactions/"+externalPaymentID+"/refunds", apiReq, &resp); err != nil {
		return nil, &gateway.RefundError{Gateway: Name, Code: "REFUND_REJECTED", Message: err.Error()}
	}

	a.logger.Info("wompi refund accepted",
		"transaction_id", externalPaymentID,
		"refund_id", resp.Data.ID,
	)

	return &gateway.RefundResult{
		RefundID:  resp.Data.ID,
		PaymentID: externalPaymentID,
		Gateway:   Name,
		Status:    statusFromWompi(resp.Data.Status),
		Amount:    money.New(resp.Data.AmountInCents, money.Currency(resp.Data.Currency)),
	}, nil
}

type apiError struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// call performs a JSON request against the Wompi API.
func (a *Adapter) call(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, a.config.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.PrivateKey)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, _ := io.ReadAll(httpResp.Body)

	if httpResp.StatusCode >= 400 {
		var errResp struct {
			Error *apiError `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != nil {
			return fmt.Errorf("wompi api error: status=%d type=%s reason=%s",
				httpResp.StatusCode, errResp.Error.Type, errResp.Error.Reason)
		}
		return fmt.Errorf("wompi api error: status=%d body=%s", httpResp.StatusCode, string(respBody))
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}

	return nil
}

// paymentMethodObject builds the method-specific sub-object from request
// metadata. PSE needs bank and document fields, nequi a phone number, cards
// a token.
func (a *Adapter) paymentMethodObject(req gateway.PaymentRequest) map[string]any {
	md := req.Metadata
	switch req.Method {
	case gateway.MethodPSE:
		userType := 0
		if v, err := strconv.Atoi(md["pse_user_type"]); err == nil {
			userType = v
		}
		return map[string]any{
			"type":                       "PSE",
			"user_type":                  userType,
			"user_legal_id_type":         md["pse_legal_id_type"],
			"user_legal_id":              md["pse_legal_id"],
			"financial_institution_code": md["pse_bank_code"],
			"payment_description":        md["description"],
		}
	case gateway.MethodNequi:
		return map[string]any{
			"type":         "NEQUI",
			"phone_number": md["nequi_phone"],
		}
	case gateway.MethodBankTransfer:
		return map[string]any{
			"type": "BANCOLOMBIA_TRANSFER",
		}
	default:
		installments := 1
		if v, err := strconv.Atoi(md["installments"]); err == nil && v > 0 {
			installments = v
		}
		return map[string]any{
			"type":         "CARD",
			"token":        md["card_token"],
			"installments": installments,
		}
	}
}

func (a *Adapter) toResult(txn transactionData) *gateway.PaymentResult {
	raw := map[string]any{
		"status":          txn.Status,
		"amount_in_cents": txn.AmountInCents,
		"currency":        txn.Currency,
	}
	if txn.StatusMessage != "" {
		raw["status_message"] = txn.StatusMessage
	}
	if txn.Reference != "" {
		raw["reference"] = txn.Reference
	}
	return &gateway.PaymentResult{
		PaymentID:   txn.ID,
		Gateway:     Name,
		Status:      statusFromWompi(txn.Status),
		RedirectURL: txn.RedirectURL,
		RawMetadata: raw,
	}
}

// statusFromWompi maps Wompi transaction statuses onto the canonical set.
// ERROR is a terminal gateway-side failure of the transaction, surfaced as a
// decline rather than a submission error.
func statusFromWompi(s string) gateway.Status {
	switch s {
	case "APPROVED":
		return gateway.StatusApproved
	case "DECLINED", "ERROR":
		return gateway.StatusDeclined
	case "VOIDED":
		return gateway.StatusVoided
	case "PENDING":
		return gateway.StatusPending
	default:
		return gateway.StatusUnknown
	}
}
