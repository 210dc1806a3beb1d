// Package api exposes the HTTP surface for payment submission, refunds,
// fund balances, and distribution reports.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"parishpay/internal/common/api"
	"parishpay/internal/common/middleware"
	"parishpay/internal/common/money"
	"parishpay/internal/distribution"
	"parishpay/internal/gateway"
	"parishpay/internal/orchestrator"
)

// Handler serves the payments and funds endpoints.
type Handler struct {
	orchestrator *orchestrator.Orchestrator
	engine       *distribution.Engine
	logger       *slog.Logger
}

// NewHandler creates the API handler.
func NewHandler(orch *orchestrator.Orchestrator, engine *distribution.Engine, logger *slog.Logger) *Handler {
	return &Handler{
		orchestrator: orch,
		engine:       engine,
		logger:       logger,
	}
}

// Routes returns the tenant-scoped API routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequireTenant)

	r.Post("/payments", h.createPayment)
	r.Get("/payments/{gateway}/{paymentID}", h.getPaymentStatus)
	r.Post("/payments/{gateway}/{paymentID}/refund", h.refundPayment)
	r.Get("/attempts", h.listAttempts)

	r.Get("/funds/balances", h.getBalances)
	r.Get("/funds/report", h.getReport)
	r.Post("/payables", h.createPayable)

	return r
}

// createPaymentRequest accepts the amount in major currency units; the
// platform converts to minor units at this boundary and never again.
type createPaymentRequest struct {
	Amount        float64           `json:"amount" validate:"required,gt=0"`
	Currency      string            `json:"currency" validate:"required,len=3"`
	Method        string            `json:"method" validate:"required"`
	CustomerEmail string            `json:"customer_email" validate:"required,email"`
	Reference     string            `json:"reference,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) createPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	var req createPaymentRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	result, err := h.orchestrator.Process(ctx, gateway.PaymentRequest{
		Amount:        money.NewFromMajor(req.Amount, money.Currency(req.Currency)),
		Method:        gateway.Method(req.Method),
		CustomerEmail: req.CustomerEmail,
		Reference:     req.Reference,
		Metadata:      req.Metadata,
	}, tenantID)
	if err != nil {
		var allFailed *orchestrator.AllGatewaysFailedError
		switch {
		case errors.Is(err, orchestrator.ErrInvalidRequest):
			api.BadRequest(w, err.Error())
		case errors.As(err, &allFailed):
			h.logger.Error("payment submission exhausted all gateways",
				"tenant_id", tenantID,
				"attempts", allFailed.Attempts,
				"error", allFailed.LastErr,
			)
			api.BadGateway(w, "no payment gateway available")
		default:
			h.logger.Error("payment submission failed", "tenant_id", tenantID, "error", err)
			api.InternalError(w, "payment submission failed")
		}
		return
	}

	api.WriteData(w, http.StatusCreated, result)
}

func (h *Handler) getPaymentStatus(w http.ResponseWriter, r *http.Request) {
	gatewayName := chi.URLParam(r, "gateway")
	paymentID := chi.URLParam(r, "paymentID")

	result, err := h.orchestrator.QueryStatus(r.Context(), gatewayName, paymentID)
	if err != nil {
		var submission *gateway.SubmissionError
		if errors.As(err, &submission) {
			api.BadGateway(w, "gateway unavailable")
			return
		}
		api.NotFound(w, err.Error())
		return
	}

	api.WriteData(w, http.StatusOK, result)
}

type refundRequest struct {
	// Amount in major units; zero or absent requests a full refund.
	Amount   float64 `json:"amount,omitempty"`
	Currency string  `json:"currency,omitempty"`
	Reason   string  `json:"reason,omitempty"`
}

func (h *Handler) refundPayment(w http.ResponseWriter, r *http.Request) {
	gatewayName := chi.URLParam(r, "gateway")
	paymentID := chi.URLParam(r, "paymentID")

	// An empty body requests a full refund.
	var req refundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		api.BadRequest(w, "invalid request body")
		return
	}
	if req.Amount < 0 {
		api.BadRequest(w, "amount must not be negative")
		return
	}

	var amount *money.Money
	if req.Amount > 0 {
		if req.Currency == "" {
			api.BadRequest(w, "currency is required for partial refunds")
			return
		}
		m := money.NewFromMajor(req.Amount, money.Currency(req.Currency))
		amount = &m
	}

	result, err := h.orchestrator.Refund(r.Context(), gatewayName, paymentID, amount, req.Reason)
	if err != nil {
		var refundErr *gateway.RefundError
		if errors.As(err, &refundErr) {
			api.Conflict(w, refundErr.Message)
			return
		}
		h.logger.Error("refund failed",
			"gateway", gatewayName,
			"payment_id", paymentID,
			"error", err,
		)
		api.BadGateway(w, "refund could not be processed")
		return
	}

	api.WriteData(w, http.StatusOK, result)
}

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	attempts, err := h.orchestrator.ListAttempts(ctx, tenantID, limit)
	if err != nil {
		h.logger.Error("failed to list attempts", "tenant_id", tenantID, "error", err)
		api.InternalError(w, "failed to list attempts")
		return
	}

	api.WriteData(w, http.StatusOK, attempts)
}

func (h *Handler) getBalances(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	balances, err := h.engine.FundBalances(ctx, tenantID)
	if err != nil {
		h.logger.Error("failed to load balances", "tenant_id", tenantID, "error", err)
		api.InternalError(w, "failed to load balances")
		return
	}

	api.WriteData(w, http.StatusOK, balances)
}

func (h *Handler) getReport(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	from, to, err := parsePeriod(r)
	if err != nil {
		api.BadRequest(w, err.Error())
		return
	}

	report, err := h.engine.GenerateReport(ctx, tenantID, from, to)
	if err != nil {
		h.logger.Error("failed to generate report", "tenant_id", tenantID, "error", err)
		api.InternalError(w, "failed to generate report")
		return
	}

	api.WriteData(w, http.StatusOK, report)
}

type createPayableRequest struct {
	SupplierID  string `json:"supplier_id" validate:"required"`
	Description string `json:"description,omitempty"`
	// AmountDue in whole accounting currency units.
	AmountDue int64 `json:"amount_due" validate:"required,gt=0"`
}

func (h *Handler) createPayable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := middleware.GetTenantID(ctx)

	var req createPayableRequest
	if err := api.DecodeAndValidate(r, &req); err != nil {
		api.ValidationError(w, err)
		return
	}

	payable, err := h.engine.RegisterPayable(ctx, tenantID, req.SupplierID, req.Description, req.AmountDue)
	if err != nil {
		h.logger.Error("failed to create payable", "tenant_id", tenantID, "error", err)
		api.InternalError(w, "failed to create payable")
		return
	}

	api.WriteData(w, http.StatusCreated, payable)
}

// parsePeriod reads the from/to query parameters (RFC 3339 or YYYY-MM-DD).
// Defaults to the last 30 days.
func parsePeriod(r *http.Request) (time.Time, time.Time, error) {
	now := time.Now().UTC()
	from := now.AddDate(0, 0, -30)
	to := now

	if v := r.URL.Query().Get("from"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid 'from' timestamp")
		}
		from = t
	}
	if v := r.URL.Query().Get("to"); v != "" {
		t, err := parseTime(v)
		if err != nil {
			return time.Time{}, time.Time{}, errors.New("invalid 'to' timestamp")
		}
		to = t
	}
	if !from.Before(to) {
		return time.Time{}, time.Time{}, errors.New("'from' must precede 'to'")
	}
	return from, to, nil
}

func parseTime(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", v)
}
