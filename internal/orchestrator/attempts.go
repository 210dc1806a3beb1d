package orchestrator

import (
	"context"
	"fmt"

	"parishpay/internal/common/database"
	"parishpay/internal/gateway"
)

// PostgresAttemptStore persists attempt log entries in Postgres.
type PostgresAttemptStore struct {
	db *database.DB
}

// NewPostgresAttemptStore creates a new attempt store.
func NewPostgresAttemptStore(db *database.DB) *PostgresAttemptStore {
	return &PostgresAttemptStore{db: db}
}

// Append inserts a new attempt log entry.
func (s *PostgresAttemptStore) Append(ctx context.Context, attempt *Attempt) error {
	query := `
		INSERT INTO payment_attempts (
			id, tenant_id, gateway_name, payment_id, attempt_status,
			amount_minor, currency, method, succeeded, used_fallback,
			error_message, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.db.Exec(ctx, query,
		attempt.ID, attempt.TenantID, attempt.Gateway,
		nullableString(attempt.PaymentID), nullableString(string(attempt.Status)),
		attempt.AmountMinor, attempt.Currency, attempt.Method,
		attempt.Succeeded, attempt.UsedFallback,
		nullableString(attempt.ErrorMessage), attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payment attempt: %w", err)
	}
	return nil
}

// List returns the most recent attempts for a tenant, newest first.
func (s *PostgresAttemptStore) List(ctx context.Context, tenantID string, limit int) ([]*Attempt, error) {
	query := `
		SELECT id, tenant_id, gateway_name, payment_id, attempt_status,
			   amount_minor, currency, method, succeeded, used_fallback,
			   error_message, created_at
		FROM payment_attempts
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := s.db.Query(ctx, query, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list payment attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*Attempt
	for rows.Next() {
		var a Attempt
		var paymentID, status, errorMsg *string

		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.Gateway, &paymentID, &status,
			&a.AmountMinor, &a.Currency, &a.Method, &a.Succeeded, &a.UsedFallback,
			&errorMsg, &a.CreatedAt,
		); err != nil {
			return nil, err
		}

		if paymentID != nil {
			a.PaymentID = *paymentID
		}
		if status != nil {
			a.Status = gateway.Status(*status)
		}
		if errorMsg != nil {
			a.ErrorMessage = *errorMsg
		}
		attempts = append(attempts, &a)
	}

	return attempts, rows.Err()
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
