package distribution

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"parishpay/internal/common/database"
	"parishpay/internal/common/money"
)

// PostgresStore persists distributions, fund balances, supplier payables,
// and tenant rules in Postgres. It implements Store and RuleStore.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore creates a new distribution store.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// CreateDistribution inserts a new distribution. The unique constraint on
// (tenant_id, payment_id) makes distribution idempotent per payment.
func (s *PostgresStore) CreateDistribution(ctx context.Context, d *Distribution) error {
	bucketAmounts, err := json.Marshal(d.BucketAmounts)
	if err != nil {
		return fmt.Errorf("marshal bucket amounts: %w", err)
	}
	breakdown, err := json.Marshal(d.Breakdown)
	if err != nil {
		return fmt.Errorf("marshal breakdown: %w", err)
	}
	buckets, err := json.Marshal(d.Buckets)
	if err != nil {
		return fmt.Errorf("marshal bucket results: %w", err)
	}

	query := `
		INSERT INTO distributions (
			id, tenant_id, payment_id, gateway_name, total_amount, currency,
			bucket_amounts, breakdown, bucket_results, dist_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err = s.db.Exec(ctx, query,
		d.ID, d.TenantID, d.PaymentID, d.Gateway, d.TotalAmount, string(d.Currency),
		bucketAmounts, breakdown, buckets, string(d.Status), d.CreatedAt,
	)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return database.ErrAlreadyExists
		}
		return fmt.Errorf("insert distribution: %w", err)
	}
	return nil
}

// GetDistribution loads a distribution by tenant and payment.
func (s *PostgresStore) GetDistribution(ctx context.Context, tenantID, paymentID string) (*Distribution, error) {
	query := `
		SELECT id, tenant_id, payment_id, gateway_name, total_amount, currency,
		       bucket_amounts, breakdown, bucket_results, dist_status,
		       created_at, completed_at
		FROM distributions
		WHERE tenant_id = $1 AND payment_id = $2
	`

	return scanDistribution(s.db.QueryRow(ctx, query, tenantID, paymentID))
}

// UpdateDistribution persists the outcome of a distribution run.
func (s *PostgresStore) UpdateDistribution(ctx context.Context, d *Distribution) error {
	buckets, err := json.Marshal(d.Buckets)
	if err != nil {
		return fmt.Errorf("marshal bucket results: %w", err)
	}

	query := `
		UPDATE distributions
		SET bucket_results = $1, dist_status = $2, completed_at = $3
		WHERE id = $4
	`

	tag, err := s.db.Exec(ctx, query, buckets, string(d.Status), d.CompletedAt, d.ID)
	if err != nil {
		return fmt.Errorf("update distribution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// IncrementBalance atomically adds amount to the tenant's bucket balance.
func (s *PostgresStore) IncrementBalance(ctx context.Context, tenantID string, bucket Bucket, amount int64) error {
	query := `
		INSERT INTO fund_balances (tenant_id, bucket, balance, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, bucket)
		DO UPDATE SET balance = fund_balances.balance + EXCLUDED.balance,
		              updated_at = EXCLUDED.updated_at
	`

	_, err := s.db.Exec(ctx, query, tenantID, string(bucket), amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("increment balance for bucket %s: %w", bucket, err)
	}
	return nil
}

// Balances returns the tenant's standing balance per bucket.
func (s *PostgresStore) Balances(ctx context.Context, tenantID string) (map[Bucket]int64, error) {
	query := `SELECT bucket, balance FROM fund_balances WHERE tenant_id = $1`

	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query balances: %w", err)
	}
	defer rows.Close()

	balances := make(map[Bucket]int64)
	for rows.Next() {
		var bucket string
		var balance int64
		if err := rows.Scan(&bucket, &balance); err != nil {
			return nil, fmt.Errorf("scan balance: %w", err)
		}
		balances[Bucket(bucket)] = balance
	}
	return balances, rows.Err()
}

// OpenPayables returns the tenant's open payables, oldest first.
func (s *PostgresStore) OpenPayables(ctx context.Context, tenantID string) ([]*SupplierPayable, error) {
	query := `
		SELECT id, tenant_id, supplier_id, description, amount_due, amount_paid,
		       payable_status, created_at, settled_at
		FROM supplier_payables
		WHERE tenant_id = $1 AND payable_status = 'open'
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("query open payables: %w", err)
	}
	defer rows.Close()

	var payables []*SupplierPayable
	for rows.Next() {
		p, err := scanPayable(rows)
		if err != nil {
			return nil, err
		}
		payables = append(payables, p)
	}
	return payables, rows.Err()
}

// ApplyToPayable adds amount to a payable's paid total and marks it settled
// when fully paid.
func (s *PostgresStore) ApplyToPayable(ctx context.Context, payableID string, amount int64) error {
	query := `
		UPDATE supplier_payables
		SET amount_paid = amount_paid + $1,
		    payable_status = CASE WHEN amount_paid + $1 >= amount_due THEN 'settled' ELSE 'open' END,
		    settled_at = CASE WHEN amount_paid + $1 >= amount_due THEN $2 ELSE settled_at END
		WHERE id = $3 AND payable_status = 'open'
	`

	tag, err := s.db.Exec(ctx, query, amount, time.Now().UTC(), payableID)
	if err != nil {
		return fmt.Errorf("apply to payable: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return database.ErrNotFound
	}
	return nil
}

// CreatePayable inserts a new open payable.
func (s *PostgresStore) CreatePayable(ctx context.Context, p *SupplierPayable) error {
	query := `
		INSERT INTO supplier_payables (
			id, tenant_id, supplier_id, description, amount_due, amount_paid,
			payable_status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := s.db.Exec(ctx, query,
		p.ID, p.TenantID, p.SupplierID, p.Description,
		p.AmountDue, p.AmountPaid, string(p.Status), p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert payable: %w", err)
	}
	return nil
}

// ListDistributions returns the tenant's distributions created in [from, to).
func (s *PostgresStore) ListDistributions(ctx context.Context, tenantID string, from, to time.Time) ([]*Distribution, error) {
	query := `
		SELECT id, tenant_id, payment_id, gateway_name, total_amount, currency,
		       bucket_amounts, breakdown, bucket_results, dist_status,
		       created_at, completed_at
		FROM distributions
		WHERE tenant_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(ctx, query, tenantID, from, to)
	if err != nil {
		return nil, fmt.Errorf("query distributions: %w", err)
	}
	defer rows.Close()

	var dists []*Distribution
	for rows.Next() {
		d, err := scanDistribution(rows)
		if err != nil {
			return nil, err
		}
		dists = append(dists, d)
	}
	return dists, rows.Err()
}

// GetRules loads a tenant's configured rule set for a classification.
func (s *PostgresStore) GetRules(ctx context.Context, tenantID string, class Classification) (Rules, error) {
	query := `
		SELECT fractions FROM distribution_rules
		WHERE tenant_id = $1 AND classification = $2
	`

	var raw []byte
	err := s.db.QueryRow(ctx, query, tenantID, string(class)).Scan(&raw)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("query rules: %w", err)
	}

	var rules Rules
	if err := json.Unmarshal(raw, &rules); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return rules, nil
}

func scanDistribution(row pgx.Row) (*Distribution, error) {
	var (
		d             Distribution
		currency      string
		status        string
		bucketAmounts []byte
		breakdown     []byte
		buckets       []byte
	)
	err := row.Scan(
		&d.ID, &d.TenantID, &d.PaymentID, &d.Gateway, &d.TotalAmount, &currency,
		&bucketAmounts, &breakdown, &buckets, &status,
		&d.CreatedAt, &d.CompletedAt,
	)
	if err != nil {
		if database.IsNotFound(err) {
			return nil, database.ErrNotFound
		}
		return nil, fmt.Errorf("scan distribution: %w", err)
	}

	d.Currency = money.Currency(currency)
	d.Status = Status(status)
	if err := json.Unmarshal(bucketAmounts, &d.BucketAmounts); err != nil {
		return nil, fmt.Errorf("decode bucket amounts: %w", err)
	}
	if err := json.Unmarshal(breakdown, &d.Breakdown); err != nil {
		return nil, fmt.Errorf("decode breakdown: %w", err)
	}
	if len(buckets) > 0 {
		if err := json.Unmarshal(buckets, &d.Buckets); err != nil {
			return nil, fmt.Errorf("decode bucket results: %w", err)
		}
	}
	return &d, nil
}

func scanPayable(rows pgx.Rows) (*SupplierPayable, error) {
	var (
		p           SupplierPayable
		status      string
		description *string
	)
	err := rows.Scan(
		&p.ID, &p.TenantID, &p.SupplierID, &description,
		&p.AmountDue, &p.AmountPaid, &status, &p.CreatedAt, &p.SettledAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scan payable: %w", err)
	}
	if description != nil {
		p.Description = *description
	}
	p.Status = PayableStatus(status)
	return &p, nil
}
