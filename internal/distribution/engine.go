package distribution

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/oklog/ulid/v2"

	"parishpay/internal/common/database"
	"parishpay/internal/common/events"
	"parishpay/internal/common/middleware"
	"parishpay/internal/common/money"
)

// Store persists distributions, fund balances, and supplier payables.
type Store interface {
	// CreateDistribution inserts a new distribution. Returns
	// database.ErrAlreadyExists when a distribution for the same
	// (tenantID, paymentID) already exists.
	CreateDistribution(ctx context.Context, d *Distribution) error
	GetDistribution(ctx context.Context, tenantID, paymentID string) (*Distribution, error)
	UpdateDistribution(ctx context.Context, d *Distribution) error

	// IncrementBalance atomically adds amount to the tenant's bucket balance,
	// creating the balance row if needed.
	IncrementBalance(ctx context.Context, tenantID string, bucket Bucket, amount int64) error
	Balances(ctx context.Context, tenantID string) (map[Bucket]int64, error)

	// OpenPayables returns the tenant's open payables, oldest first.
	OpenPayables(ctx context.Context, tenantID string) ([]*SupplierPayable, error)
	ApplyToPayable(ctx context.Context, payableID string, amount int64) error
	CreatePayable(ctx context.Context, p *SupplierPayable) error

	ListDistributions(ctx context.Context, tenantID string, from, to time.Time) ([]*Distribution, error)
}

// Publisher publishes distribution lifecycle events. Publishing is
// best-effort: failures are logged, never surfaced to callers.
type Publisher interface {
	Publish(ctx context.Context, subject string, env *events.Envelope) error
}

// Config holds distribution engine configuration.
type Config struct {
	// Thresholds are per-bucket minimum amounts, in whole accounting units,
	// below which payout matching is deferred. Balances are credited
	// regardless.
	Thresholds map[string]int64 `envconfig:"DIST_THRESHOLDS" default:"suppliers:5000,sustainability:1000,reserve:1000,platform:0"`
}

// metadata keys recognized on completed payments
const (
	metaType           = "type"
	metaDonationsTotal = "donationsTotal"
	metaPurchasesTotal = "purchasesTotal"
)

// Engine splits completed payments across fund buckets. Each payment is
// distributed exactly once per tenant; bucket failures are isolated so one
// failing bucket never rolls back the others.
type Engine struct {
	store     Store
	resolver  *Resolver
	converter *money.Converter
	publisher Publisher
	config    Config
	logger    *slog.Logger
}

// NewEngine creates a distribution engine. publisher may be nil.
func NewEngine(store Store, resolver *Resolver, converter *money.Converter, publisher Publisher, config Config, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		resolver:  resolver,
		converter: converter,
		publisher: publisher,
		config:    config,
		logger:    logger,
	}
}

// Distribute splits a completed payment across the fund buckets. Calling it
// again with the same (tenant, payment) returns the existing distribution
// without re-applying anything. Bucket application failures do not produce
// an error: they are recorded on the returned Distribution, whose Status is
// then StatusFailed.
func (e *Engine) Distribute(ctx context.Context, payment CompletedPayment) (*Distribution, error) {
	if err := payment.Validate(); err != nil {
		return nil, fmt.Errorf("invalid payment: %w", err)
	}

	accounting, err := e.converter.ToAccounting(payment.Amount)
	if err != nil {
		return nil, fmt.Errorf("convert to accounting currency: %w", err)
	}
	totalUnits := money.RoundToUnit(accounting)

	dist := e.plan(ctx, payment, totalUnits)

	if err := e.store.CreateDistribution(ctx, dist); err != nil {
		if database.IsUniqueViolation(err) {
			existing, getErr := e.store.GetDistribution(ctx, payment.TenantID, payment.PaymentID)
			if getErr != nil {
				return nil, fmt.Errorf("load existing distribution: %w", getErr)
			}
			e.logger.Info("distribution already exists, skipping",
				"tenant_id", payment.TenantID,
				"payment_id", payment.PaymentID,
				"distribution_id", existing.ID,
			)
			return existing, nil
		}
		return nil, fmt.Errorf("create distribution: %w", err)
	}

	e.apply(ctx, dist)

	now := time.Now().UTC()
	dist.CompletedAt = &now
	dist.Status = StatusCompleted
	for _, br := range dist.Buckets {
		if br.State == BucketFailed {
			dist.Status = StatusFailed
			break
		}
	}

	if err := e.store.UpdateDistribution(ctx, dist); err != nil {
		e.logger.Error("failed to persist distribution outcome",
			"tenant_id", dist.TenantID,
			"distribution_id", dist.ID,
			"error", err,
		)
	}

	e.publishOutcome(ctx, dist)

	return dist, nil
}

// plan builds the pending distribution record: classification, rule
// resolution, and per-component per-bucket amounts.
func (e *Engine) plan(ctx context.Context, payment CompletedPayment, totalUnits int64) *Distribution {
	components := e.classify(ctx, payment, totalUnits)

	bucketAmounts := make(map[Bucket]int64, len(AllBuckets))
	for i := range components {
		rules := e.resolver.Resolve(ctx, payment.TenantID, components[i].Classification)
		components[i].BucketAmounts = splitUnits(components[i].Amount, rules)
		for b, amt := range components[i].BucketAmounts {
			bucketAmounts[b] += amt
		}
	}

	return &Distribution{
		ID:            ulid.Make().String(),
		TenantID:      payment.TenantID,
		PaymentID:     payment.PaymentID,
		Gateway:       payment.Gateway,
		TotalAmount:   totalUnits,
		Currency:      e.converter.AccountingCurrency(),
		BucketAmounts: bucketAmounts,
		Breakdown:     components,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}
}

// classify derives the distribution components from the payment metadata.
// Unknown or inconsistent metadata degrades to a single donation component.
func (e *Engine) classify(ctx context.Context, payment CompletedPayment, totalUnits int64) []Component {
	class := Classification(payment.Metadata[metaType])
	_, hasDon := payment.Metadata[metaDonationsTotal]
	_, hasPur := payment.Metadata[metaPurchasesTotal]
	if class == "" && hasDon && hasPur {
		class = ClassMixed
	}

	switch class {
	case ClassPurchase:
		return []Component{{Classification: ClassPurchase, Amount: totalUnits}}

	case ClassMixed:
		donUnits, ok := e.mixedDonationUnits(payment, totalUnits)
		if !ok {
			e.logger.Warn("mixed payment metadata unusable, treating as donation",
				"tenant_id", payment.TenantID,
				"payment_id", payment.PaymentID,
			)
			return []Component{{Classification: ClassDonation, Amount: totalUnits}}
		}
		return []Component{
			{Classification: ClassDonation, Amount: donUnits},
			{Classification: ClassPurchase, Amount: totalUnits - donUnits},
		}

	case ClassDonation, "":
		return []Component{{Classification: ClassDonation, Amount: totalUnits}}

	default:
		e.logger.Warn("unrecognized classification, treating as donation",
			"tenant_id", payment.TenantID,
			"payment_id", payment.PaymentID,
			"classification", string(class),
		)
		return []Component{{Classification: ClassDonation, Amount: totalUnits}}
	}
}

// mixedDonationUnits returns the donation portion of a mixed payment in
// whole accounting units. The purchase portion is the remainder, so the two
// components always sum to the total. Returns false when the metadata is
// missing, unparseable, or inconsistent with the payment amount.
func (e *Engine) mixedDonationUnits(payment CompletedPayment, totalUnits int64) (int64, bool) {
	donMajor, err := strconv.ParseFloat(payment.Metadata[metaDonationsTotal], 64)
	if err != nil || donMajor < 0 {
		return 0, false
	}
	purMajor, err := strconv.ParseFloat(payment.Metadata[metaPurchasesTotal], 64)
	if err != nil || purMajor < 0 {
		return 0, false
	}
	if math.Abs((donMajor+purMajor)-payment.Amount.ToMajor()) > 1 {
		return 0, false
	}

	don, convErr := e.converter.ToAccounting(money.NewFromMajor(donMajor, payment.Amount.Currency))
	if convErr != nil {
		return 0, false
	}
	donUnits := money.RoundToUnit(don)
	if donUnits < 0 || donUnits > totalUnits {
		return 0, false
	}
	return donUnits, true
}

// splitUnits rounds each bucket's share independently, half up. The sum of
// the shares can differ from units by at most len(AllBuckets)/2 units; the
// remainder is never redistributed.
func splitUnits(units int64, rules Rules) map[Bucket]int64 {
	amounts := make(map[Bucket]int64, len(AllBuckets))
	for _, b := range AllBuckets {
		amounts[b] = money.RoundHalfUp(float64(units) * rules[b])
	}
	return amounts
}

// apply credits each bucket independently and records per-bucket outcomes
// on the distribution.
func (e *Engine) apply(ctx context.Context, dist *Distribution) {
	dist.Buckets = make([]BucketResult, 0, len(AllBuckets))

	for _, bucket := range AllBuckets {
		amount := dist.BucketAmounts[bucket]
		result := BucketResult{Bucket: bucket, Amount: amount, State: BucketApplied}

		if amount == 0 {
			dist.Buckets = append(dist.Buckets, result)
			continue
		}

		threshold := e.config.Thresholds[string(bucket)]
		result.Deferred = amount < threshold

		remaining := amount
		if bucket == BucketSuppliers && !result.Deferred {
			remaining = e.settlePayables(ctx, dist.TenantID, amount)
		}

		if remaining > 0 {
			if err := e.store.IncrementBalance(ctx, dist.TenantID, bucket, remaining); err != nil {
				e.logger.Error("failed to credit bucket",
					"tenant_id", dist.TenantID,
					"distribution_id", dist.ID,
					"bucket", string(bucket),
					"amount", remaining,
					"error", err,
				)
				result.State = BucketFailed
				result.Error = err.Error()
			}
		}

		dist.Buckets = append(dist.Buckets, result)
	}
}

// settlePayables applies amount to the tenant's open payables, oldest first,
// and returns the unapplied remainder. Store failures stop the matching and
// leave the remainder to be credited to the standing balance.
func (e *Engine) settlePayables(ctx context.Context, tenantID string, amount int64) int64 {
	payables, err := e.store.OpenPayables(ctx, tenantID)
	if err != nil {
		e.logger.Warn("failed to load open payables, crediting balance instead",
			"tenant_id", tenantID,
			"error", err,
		)
		return amount
	}

	remaining := amount
	for _, p := range payables {
		if remaining <= 0 {
			break
		}
		due := p.Outstanding()
		if due <= 0 {
			continue
		}
		pay := remaining
		if due < pay {
			pay = due
		}
		if err := e.store.ApplyToPayable(ctx, p.ID, pay); err != nil {
			e.logger.Warn("failed to apply to payable",
				"tenant_id", tenantID,
				"payable_id", p.ID,
				"amount", pay,
				"error", err,
			)
			break
		}
		remaining -= pay
	}
	return remaining
}

// publishOutcome emits a distribution.completed or distribution.failed
// event. Best-effort.
func (e *Engine) publishOutcome(ctx context.Context, dist *Distribution) {
	if e.publisher == nil {
		return
	}

	eventType := events.EventDistributionCompleted
	subject := events.SubjectDistributionUpdate
	var failed []string
	if dist.Status == StatusFailed {
		eventType = events.EventDistributionFailed
		subject = events.SubjectDistributionAlert
		for _, br := range dist.Buckets {
			if br.State == BucketFailed {
				failed = append(failed, string(br.Bucket))
			}
		}
	}

	amounts := make(map[string]int64, len(dist.BucketAmounts))
	for b, amt := range dist.BucketAmounts {
		amounts[string(b)] = amt
	}

	env, err := events.NewEnvelope(eventType, dist.TenantID, middleware.GetCorrelationID(ctx), events.DistributionUpdateData{
		DistributionID: dist.ID,
		PaymentID:      dist.PaymentID,
		Gateway:        dist.Gateway,
		Status:         string(dist.Status),
		TotalAmount:    dist.TotalAmount,
		Currency:       string(dist.Currency),
		BucketAmounts:  amounts,
		FailedBuckets:  failed,
	})
	if err != nil {
		e.logger.Error("failed to build distribution event", "error", err)
		return
	}
	if err := e.publisher.Publish(ctx, subject, env); err != nil {
		e.logger.Warn("failed to publish distribution event",
			"distribution_id", dist.ID,
			"type", string(eventType),
			"error", err,
		)
	}
}

// FundBalances returns the tenant's current standing balance per bucket.
// Buckets with no credits yet report zero.
func (e *Engine) FundBalances(ctx context.Context, tenantID string) (map[Bucket]int64, error) {
	balances, err := e.store.Balances(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("load balances: %w", err)
	}
	for _, b := range AllBuckets {
		if _, ok := balances[b]; !ok {
			balances[b] = 0
		}
	}
	return balances, nil
}

// RegisterPayable records a new open supplier payable.
func (e *Engine) RegisterPayable(ctx context.Context, tenantID, supplierID, description string, amountDue int64) (*SupplierPayable, error) {
	if tenantID == "" || supplierID == "" {
		return nil, fmt.Errorf("tenant_id and supplier_id are required")
	}
	if amountDue <= 0 {
		return nil, fmt.Errorf("amount_due must be positive")
	}

	payable := &SupplierPayable{
		ID:          ulid.Make().String(),
		TenantID:    tenantID,
		SupplierID:  supplierID,
		Description: description,
		AmountDue:   amountDue,
		Status:      PayableOpen,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreatePayable(ctx, payable); err != nil {
		return nil, fmt.Errorf("create payable: %w", err)
	}
	return payable, nil
}

// GenerateReport aggregates the tenant's distributions between from and to.
func (e *Engine) GenerateReport(ctx context.Context, tenantID string, from, to time.Time) (*Report, error) {
	dists, err := e.store.ListDistributions(ctx, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("list distributions: %w", err)
	}

	report := &Report{
		TenantID:     tenantID,
		From:         from,
		To:           to,
		BucketTotals: make(map[Bucket]int64, len(AllBuckets)),
	}
	for _, b := range AllBuckets {
		report.BucketTotals[b] = 0
	}
	for _, d := range dists {
		report.DistributionCount++
		report.TotalAmount += d.TotalAmount
		for b, amt := range d.BucketAmounts {
			report.BucketTotals[b] += amt
		}
	}
	if report.DistributionCount > 0 {
		report.AveragePerDistribution = report.TotalAmount / int64(report.DistributionCount)
	}
	return report, nil
}
