// Package events defines the envelope and payloads for payment lifecycle
// events published on NATS.
package events

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// NATS subjects for payment lifecycle events
const (
	SubjectPaymentAttempt     = "payments.attempt"
	SubjectPaymentOutcome     = "payments.outcome"
	SubjectDistributionUpdate = "distribution.update"
	SubjectDistributionAlert  = "distribution.alert"
)

// EventType identifies the type of event.
type EventType string

const (
	EventPaymentAttemptRecorded EventType = "payment.attempt.recorded"
	EventPaymentSubmitted       EventType = "payment.submitted"
	EventPaymentFailed          EventType = "payment.failed"
	EventDistributionCompleted  EventType = "distribution.completed"
	EventDistributionFailed     EventType = "distribution.failed"
)

// Envelope wraps all events with common metadata.
type Envelope struct {
	ID            string          `json:"id"`
	Type          EventType       `json:"type"`
	TenantID      string          `json:"tenant_id"`
	CorrelationID string          `json:"correlation_id"`
	Timestamp     time.Time       `json:"timestamp"`
	Data          json.RawMessage `json:"data"`
}

// NewEnvelope creates a new event envelope.
func NewEnvelope(eventType EventType, tenantID, correlationID string, data any) (*Envelope, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}

	return &Envelope{
		ID:            ulid.Make().String(),
		Type:          eventType,
		TenantID:      tenantID,
		CorrelationID: correlationID,
		Timestamp:     time.Now().UTC(),
		Data:          jsonData,
	}, nil
}

// DecodeData decodes the event data into a struct.
func (e *Envelope) DecodeData(v any) error {
	return json.Unmarshal(e.Data, v)
}

// PaymentAttemptData is published for every gateway submission attempt.
type PaymentAttemptData struct {
	AttemptID    string `json:"attempt_id"`
	Gateway      string `json:"gateway"`
	PaymentID    string `json:"payment_id,omitempty"`
	Status       string `json:"status"`
	AmountMinor  int64  `json:"amount_minor"`
	Currency     string `json:"currency"`
	Succeeded    bool   `json:"succeeded"`
	UsedFallback bool   `json:"used_fallback"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// PaymentOutcomeData is published when a payment submission concludes.
type PaymentOutcomeData struct {
	Gateway      string `json:"gateway"`
	PaymentID    string `json:"payment_id,omitempty"`
	Status       string `json:"status"`
	AmountMinor  int64  `json:"amount_minor"`
	Currency     string `json:"currency"`
	UsedFallback bool   `json:"used_fallback"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// DistributionUpdateData is published when a distribution completes or fails.
type DistributionUpdateData struct {
	DistributionID string           `json:"distribution_id"`
	PaymentID      string           `json:"payment_id"`
	Gateway        string           `json:"gateway"`
	Status         string           `json:"status"`
	TotalAmount    int64            `json:"total_amount"`
	Currency       string           `json:"currency"`
	BucketAmounts  map[string]int64 `json:"bucket_amounts"`
	FailedBuckets  []string         `json:"failed_buckets,omitempty"`
}
