package wompi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parishpay/internal/common/money"
	"parishpay/internal/gateway"
)

func newTestAdapter(baseURL string) *Adapter {
	return New(Config{
		BaseURL:      baseURL,
		PrivateKey:   "prv_test_key",
		EventsSecret: "events_secret",
		Timeout:      5 * time.Second,
	}, slog.Default())
}

func TestSupports(t *testing.T) {
	a := newTestAdapter("")

	assert.True(t, a.Supports(money.COP, gateway.MethodCard))
	assert.True(t, a.Supports(money.COP, gateway.MethodPSE))
	assert.True(t, a.Supports(money.COP, gateway.MethodNequi))
	assert.True(t, a.Supports(money.COP, gateway.MethodBankTransfer))
	assert.False(t, a.Supports(money.COP, gateway.MethodPayPal))
	assert.False(t, a.Supports(money.USD, gateway.MethodCard))
}

func TestSubmit(t *testing.T) {
	var got transactionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/transactions", r.URL.Path)
		require.Equal(t, "Bearer prv_test_key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"id":              "txn-123",
				"status":          "PENDING",
				"amount_in_cents": got.AmountInCents,
				"currency":        "COP",
				"redirect_url":    "https://checkout.example/txn-123",
			},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	result, err := a.Submit(context.Background(), gateway.PaymentRequest{
		Amount:        money.NewFromMajor(100000, money.COP),
		Method:        gateway.MethodCard,
		CustomerEmail: "donor@example.com",
		Reference:     "don-1",
		Metadata:      map[string]string{"card_token": "tok_visa", "tenant_id": "parish-1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "txn-123", result.PaymentID)
	assert.Equal(t, Name, result.Gateway)
	assert.Equal(t, gateway.StatusPending, result.Status)
	assert.Equal(t, "https://checkout.example/txn-123", result.RedirectURL)

	assert.Equal(t, int64(10000000), got.AmountInCents)
	assert.Equal(t, "COP", got.Currency)
	assert.Equal(t, "CARD", got.PaymentMethod["type"])
	assert.Equal(t, "tok_visa", got.PaymentMethod["token"])
	assert.Equal(t, "parish-1", got.Metadata["tenant_id"])
}

func TestSubmitPSEMethodObject(t *testing.T) {
	var got transactionRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": "txn-1", "status": "PENDING", "currency": "COP"},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	_, err := a.Submit(context.Background(), gateway.PaymentRequest{
		Amount:        money.NewFromMajor(50000, money.COP),
		Method:        gateway.MethodPSE,
		CustomerEmail: "donor@example.com",
		Metadata: map[string]string{
			"pse_user_type":     "0",
			"pse_legal_id_type": "CC",
			"pse_legal_id":      "1099888777",
			"pse_bank_code":     "1007",
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "PSE", got.PaymentMethod["type"])
	assert.Equal(t, "1007", got.PaymentMethod["financial_institution_code"])
	assert.Equal(t, "CC", got.PaymentMethod["user_legal_id_type"])
}

func TestSubmitRemoteFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "INVALID_PARAM", "reason": "bad token"},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	_, err := a.Submit(context.Background(), gateway.PaymentRequest{
		Amount:        money.NewFromMajor(50000, money.COP),
		Method:        gateway.MethodCard,
		CustomerEmail: "donor@example.com",
	})
	require.Error(t, err)

	var submission *gateway.SubmissionError
	require.ErrorAs(t, err, &submission)
	assert.Equal(t, Name, submission.Gateway)
}

func TestQueryStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transactions/txn-9", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{"id": "txn-9", "status": "APPROVED", "currency": "COP"},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	result, err := a.QueryStatus(context.Background(), "txn-9")
	require.NoError(t, err)
	assert.Equal(t, gateway.StatusApproved, result.Status)
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		wompi string
		want  gateway.Status
	}{
		{"APPROVED", gateway.StatusApproved},
		{"DECLINED", gateway.StatusDeclined},
		{"ERROR", gateway.StatusDeclined},
		{"VOIDED", gateway.StatusVoided},
		{"PENDING", gateway.StatusPending},
		{"SOMETHING_NEW", gateway.StatusUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFromWompi(tt.wompi), tt.wompi)
	}
}

func sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestVerifySignature(t *testing.T) {
	a := newTestAdapter("")
	payload := []byte(`{"event":"transaction.updated"}`)

	assert.True(t, a.VerifySignature(payload, sign("events_secret", payload)))
	assert.False(t, a.VerifySignature(payload, sign("wrong_secret", payload)))
	assert.False(t, a.VerifySignature(payload, "not-hex!"))
	assert.False(t, a.VerifySignature(payload, ""))

	// No secret configured: fail closed.
	noSecret := New(Config{}, slog.Default())
	assert.False(t, noSecret.VerifySignature(payload, sign("", payload)))
}

func TestNormalizeWebhook(t *testing.T) {
	a := newTestAdapter("")

	payload := []byte(`{
		"event": "transaction.updated",
		"data": {
			"transaction": {
				"id": "txn-55",
				"status": "APPROVED",
				"amount_in_cents": 10000000,
				"currency": "COP",
				"metadata": {"tenant_id": "parish-1", "type": "donation"}
			}
		}
	}`)

	event, err := a.NormalizeWebhook(payload)
	require.NoError(t, err)
	assert.Equal(t, Name, event.Gateway)
	assert.Equal(t, "txn-55", event.ExternalPaymentID)
	assert.Equal(t, gateway.StatusApproved, event.Status)
	assert.Equal(t, int64(10000000), event.Amount.AmountMinor)
	assert.Equal(t, money.COP, event.Amount.Currency)
	assert.Equal(t, "parish-1", event.TenantID)
	assert.Equal(t, "donation", event.Metadata["type"])
}

func TestNormalizeWebhookErrors(t *testing.T) {
	a := newTestAdapter("")

	t.Run("unknown event type", func(t *testing.T) {
		_, err := a.NormalizeWebhook([]byte(`{"event":"nequi_token.updated"}`))
		assert.ErrorIs(t, err, gateway.ErrUnknownEvent)
	})

	t.Run("missing transaction fields", func(t *testing.T) {
		_, err := a.NormalizeWebhook([]byte(`{"event":"transaction.updated","data":{"transaction":{"id":"x"}}}`))
		assert.ErrorIs(t, err, gateway.ErrMalformedWebhook)
	})

	t.Run("invalid json", func(t *testing.T) {
		_, err := a.NormalizeWebhook([]byte(`{{`))
		assert.ErrorIs(t, err, gateway.ErrMalformedWebhook)
	})
}

func TestRefund(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/transactions/txn-7/refunds", r.URL.Path)
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		assert.Equal(t, float64(500000), body["amount_in_cents"])

		json.NewEncoder(w).Encode(map[string]any{
			"data": map[string]any{
				"id": "ref-1", "status": "APPROVED",
				"amount_in_cents": 500000, "currency": "COP",
			},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	amount := money.NewFromMajor(5000, money.COP)
	result, err := a.Refund(context.Background(), "txn-7", &amount, "duplicate donation")
	require.NoError(t, err)
	assert.Equal(t, "ref-1", result.RefundID)
	assert.Equal(t, gateway.StatusApproved, result.Status)
}

func TestRefundRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]string{"type": "REFUND_ERROR", "reason": "already refunded"},
		})
	}))
	defer srv.Close()

	a := newTestAdapter(srv.URL)
	_, err := a.Refund(context.Background(), "txn-7", nil, "")
	require.Error(t, err)

	var refundErr *gateway.RefundError
	require.ErrorAs(t, err, &refundErr)
	assert.Equal(t, Name, refundErr.Gateway)
}
