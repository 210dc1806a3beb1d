package webhook

import (
	"context"
	"fmt"
	"time"

	"parishpay/internal/common/database"
	"parishpay/internal/gateway"
)

// PostgresDedupeStore records webhook deliveries in Postgres. The unique
// index on (gateway_name, external_payment_id, event_status) makes the
// insert the dedupe check.
type PostgresDedupeStore struct {
	db *database.DB
}

// NewPostgresDedupeStore creates a new dedupe store.
func NewPostgresDedupeStore(db *database.DB) *PostgresDedupeStore {
	return &PostgresDedupeStore{db: db}
}

// MarkSeen inserts the delivery record. A conflict means the delivery was
// already processed.
func (s *PostgresDedupeStore) MarkSeen(ctx context.Context, gatewayName, externalPaymentID string, status gateway.Status) (bool, error) {
	query := `
		INSERT INTO webhook_events (gateway_name, external_payment_id, event_status, received_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (gateway_name, external_payment_id, event_status) DO NOTHING
	`

	tag, err := s.db.Exec(ctx, query, gatewayName, externalPaymentID, string(status), time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}
