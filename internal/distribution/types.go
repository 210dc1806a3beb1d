// Package distribution splits completed payments across the parish fund
// buckets according to per-tenant percentage rules, exactly once per
// payment, with per-bucket failure isolation.
package distribution

import (
	"errors"
	"fmt"
	"math"
	"time"

	"parishpay/internal/common/money"
)

// Bucket identifies one of the internal fund accounts.
type Bucket string

const (
	BucketSuppliers      Bucket = "suppliers"
	BucketSustainability Bucket = "sustainability"
	BucketReserve        Bucket = "reserve"
	BucketPlatform       Bucket = "platform"
)

// AllBuckets lists the buckets in application order.
var AllBuckets = []Bucket{BucketSuppliers, BucketSustainability, BucketReserve, BucketPlatform}

// Classification determines which rule set applies to a payment.
type Classification string

const (
	ClassDonation Classification = "donation"
	ClassPurchase Classification = "purchase"
	ClassMixed    Classification = "mixed"
)

// ruleSumEpsilon is the tolerance on the sum-to-1.0 invariant.
const ruleSumEpsilon = 0.01

// Rules maps each bucket to its fraction of the payment, in [0,1]. The four
// fractions must sum to 1.0 within ruleSumEpsilon.
type Rules map[Bucket]float64

// Validate checks the sum-to-1.0 invariant and fraction bounds.
func (r Rules) Validate() error {
	sum := 0.0
	for _, b := range AllBuckets {
		f, ok := r[b]
		if !ok {
			return fmt.Errorf("missing fraction for bucket %s", b)
		}
		if f < 0 || f > 1 {
			return fmt.Errorf("fraction for bucket %s out of range: %v", b, f)
		}
		sum += f
	}
	if math.Abs(sum-1.0) > ruleSumEpsilon {
		return fmt.Errorf("fractions sum to %v, want 1.0 ±%v", sum, ruleSumEpsilon)
	}
	return nil
}

// Status represents the state of a distribution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// BucketState represents the application state of one bucket.
type BucketState string

const (
	BucketPending BucketState = "pending"
	BucketApplied BucketState = "applied"
	BucketFailed  BucketState = "failed"
)

// BucketResult records the outcome of applying one bucket. Deferred means
// the amount was below the bucket's payout threshold: credited to the
// standing balance but not matched against payables.
type BucketResult struct {
	Bucket   Bucket      `json:"bucket"`
	Amount   int64       `json:"amount"`
	State    BucketState `json:"state"`
	Deferred bool        `json:"deferred,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Component is the per-classification portion of a distribution breakdown.
// Mixed payments carry one donation and one purchase component; everything
// else carries a single component.
type Component struct {
	Classification Classification   `json:"classification"`
	Amount         int64            `json:"amount"`
	BucketAmounts  map[Bucket]int64 `json:"bucket_amounts"`
}

// Distribution is the record of one completed split. Created exactly once
// per (tenantID, paymentID); amounts are whole units of the accounting
// currency.
type Distribution struct {
	ID            string           `json:"id"`
	TenantID      string           `json:"tenant_id"`
	PaymentID     string           `json:"payment_id"`
	Gateway       string           `json:"gateway"`
	TotalAmount   int64            `json:"total_amount"`
	Currency      money.Currency   `json:"currency"`
	BucketAmounts map[Bucket]int64 `json:"bucket_amounts"`
	Breakdown     []Component      `json:"breakdown"`
	Buckets       []BucketResult   `json:"buckets"`
	Status        Status           `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
}

// CompletedPayment is the input to Distribute: a payment a gateway has
// confirmed as approved.
type CompletedPayment struct {
	PaymentID string            `json:"payment_id"`
	Gateway   string            `json:"gateway"`
	TenantID  string            `json:"tenant_id"`
	Amount    money.Money       `json:"amount"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Validate checks the minimum fields Distribute needs.
func (p CompletedPayment) Validate() error {
	if p.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if p.PaymentID == "" {
		return errors.New("payment_id is required")
	}
	if p.Gateway == "" {
		return errors.New("gateway is required")
	}
	if !p.Amount.IsPositive() {
		return errors.New("amount must be positive")
	}
	return nil
}

// PayableStatus represents the lifecycle of a supplier payable.
type PayableStatus string

const (
	PayableOpen    PayableStatus = "open"
	PayableSettled PayableStatus = "settled"
)

// SupplierPayable is an outstanding obligation the supplier bucket settles,
// oldest first.
type SupplierPayable struct {
	ID          string        `json:"id"`
	TenantID    string        `json:"tenant_id"`
	SupplierID  string        `json:"supplier_id"`
	Description string        `json:"description,omitempty"`
	AmountDue   int64         `json:"amount_due"`
	AmountPaid  int64         `json:"amount_paid"`
	Status      PayableStatus `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
	SettledAt   *time.Time    `json:"settled_at,omitempty"`
}

// Outstanding returns the unpaid remainder.
func (p *SupplierPayable) Outstanding() int64 {
	return p.AmountDue - p.AmountPaid
}

// Report aggregates distributions over a period. Pure read.
type Report struct {
	TenantID               string           `json:"tenant_id"`
	From                   time.Time        `json:"from"`
	To                     time.Time        `json:"to"`
	DistributionCount      int              `json:"distribution_count"`
	TotalAmount            int64            `json:"total_amount"`
	BucketTotals           map[Bucket]int64 `json:"bucket_totals"`
	AveragePerDistribution int64            `json:"average_per_distribution"`
}
