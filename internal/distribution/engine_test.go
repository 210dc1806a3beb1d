package distribution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"parishpay/internal/common/database"
	"parishpay/internal/common/money"
)

// fakeStore is an in-memory Store for engine tests.
type fakeStore struct {
	mu            sync.Mutex
	distributions map[string]*Distribution
	balances      map[string]int64
	payables      []*SupplierPayable
	failBuckets   map[Bucket]bool
	failPayables  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		distributions: make(map[string]*Distribution),
		balances:      make(map[string]int64),
		failBuckets:   make(map[Bucket]bool),
	}
}

func distKey(tenantID, paymentID string) string {
	return tenantID + "/" + paymentID
}

func (s *fakeStore) CreateDistribution(_ context.Context, d *Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := distKey(d.TenantID, d.PaymentID)
	if _, ok := s.distributions[key]; ok {
		return database.ErrAlreadyExists
	}
	copied := *d
	s.distributions[key] = &copied
	return nil
}

func (s *fakeStore) GetDistribution(_ context.Context, tenantID, paymentID string) (*Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.distributions[distKey(tenantID, paymentID)]
	if !ok {
		return nil, database.ErrNotFound
	}
	return d, nil
}

func (s *fakeStore) UpdateDistribution(_ context.Context, d *Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *d
	s.distributions[distKey(d.TenantID, d.PaymentID)] = &copied
	return nil
}

func (s *fakeStore) IncrementBalance(_ context.Context, tenantID string, bucket Bucket, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failBuckets[bucket] {
		return errors.New("balance write failed")
	}
	s.balances[tenantID+"/"+string(bucket)] += amount
	return nil
}

func (s *fakeStore) Balances(_ context.Context, tenantID string) (map[Bucket]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Bucket]int64)
	for _, b := range AllBuckets {
		if v, ok := s.balances[tenantID+"/"+string(b)]; ok {
			out[b] = v
		}
	}
	return out, nil
}

func (s *fakeStore) OpenPayables(_ context.Context, tenantID string) ([]*SupplierPayable, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPayables {
		return nil, errors.New("payables unavailable")
	}
	var open []*SupplierPayable
	for _, p := range s.payables {
		if p.TenantID == tenantID && p.Status == PayableOpen {
			open = append(open, p)
		}
	}
	return open, nil
}

func (s *fakeStore) ApplyToPayable(_ context.Context, payableID string, amount int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.payables {
		if p.ID == payableID {
			p.AmountPaid += amount
			if p.AmountPaid >= p.AmountDue {
				p.Status = PayableSettled
			}
			return nil
		}
	}
	return database.ErrNotFound
}

func (s *fakeStore) CreatePayable(_ context.Context, p *SupplierPayable) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payables = append(s.payables, p)
	return nil
}

func (s *fakeStore) ListDistributions(_ context.Context, tenantID string, from, to time.Time) ([]*Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Distribution
	for _, d := range s.distributions {
		if d.TenantID == tenantID && !d.CreatedAt.Before(from) && d.CreatedAt.Before(to) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *fakeStore) balance(tenantID string, bucket Bucket) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[tenantID+"/"+string(bucket)]
}

func newTestEngine(store *fakeStore, cfg Config) *Engine {
	logger := slog.Default()
	converter := money.NewConverter(money.COP, money.RateTable{
		money.USD: {money.COP: 4000},
	})
	return NewEngine(store, NewResolver(nil, logger), converter, nil, cfg, logger)
}

func copPayment(paymentID string, majorUnits float64, metadata map[string]string) CompletedPayment {
	return CompletedPayment{
		PaymentID: paymentID,
		Gateway:   "wompi",
		TenantID:  "parish-1",
		Amount:    money.NewFromMajor(majorUnits, money.COP),
		Metadata:  metadata,
	}
}

func TestDistributeDonationSplit(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, Config{})

	dist, err := engine.Distribute(context.Background(), copPayment("pay-1", 100000, nil))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, dist.Status)
	assert.Equal(t, int64(100000), dist.TotalAmount)
	assert.Equal(t, int64(75000), dist.BucketAmounts[BucketSuppliers])
	assert.Equal(t, int64(15000), dist.BucketAmounts[BucketSustainability])
	assert.Equal(t, int64(7000), dist.BucketAmounts[BucketReserve])
	assert.Equal(t, int64(3000), dist.BucketAmounts[BucketPlatform])

	assert.Equal(t, int64(75000), store.balance("parish-1", BucketSuppliers))
	assert.Equal(t, int64(3000), store.balance("parish-1", BucketPlatform))
	require.NotNil(t, dist.CompletedAt)
}

func TestDistributeIdempotent(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, Config{})
	ctx := context.Background()

	first, err := engine.Distribute(ctx, copPayment("pay-1", 100000, nil))
	require.NoError(t, err)

	second, err := engine.Distribute(ctx, copPayment("pay-1", 100000, nil))
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	// Balances credited exactly once.
	assert.Equal(t, int64(75000), store.balance("parish-1", BucketSuppliers))
}

func TestDistributePurchaseSplit(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, Config{})

	dist, err := engine.Distribute(context.Background(), copPayment("pay-1", 100000, map[string]string{
		"type": "purchase",
	}))
	require.NoError(t, err)

	assert.Equal(t, int64(50000), dist.BucketAmounts[BucketSuppliers])
	assert.Equal(t, int64(30000), dist.BucketAmounts[BucketSustainability])
	assert.Equal(t, int64(12000), dist.BucketAmounts[BucketReserve])
	assert.Equal(t, int64(8000), dist.BucketAmounts[BucketPlatform])
}

func TestDistributeMixedComponents(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, Config{})

	dist, err := engine.Distribute(context.Background(), copPayment("pay-1", 100000, map[string]string{
		"type":           "mixed",
		"donationsTotal": "60000",
		"purchasesTotal": "40000",
	}))
	require.NoError(t, err)

	require.Len(t, dist.Breakdown, 2)
	assert.Equal(t, ClassDonation, dist.Breakdown[0].Classification)
	assert.Equal(t, int64(60000), dist.Breakdown[0].Amount)
	assert.Equal(t, ClassPurchase, dist.Breakdown[1].Classification)
	assert.Equal(t, int64(40000), dist.Breakdown[1].Amount)

	// Each component split by its own rule set, summed per bucket.
	assert.Equal(t, int64(45000+20000), dist.BucketAmounts[BucketSuppliers])
	assert.Equal(t, int64(9000+12000), dist.BucketAmounts[BucketSustainability])
	assert.Equal(t, int64(4200+4800), dist.BucketAmounts[BucketReserve])
	assert.Equal(t, int64(1800+3200), dist.BucketAmounts[BucketPlatform])
}

func TestDistributeImplicitMixedFromTotals(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, Config{})

	// Both totals present without an explicit type imply a mixed payment.
	dist, err := engine.Distribute(context.Background(), copPayment("pay-1", 100000, map[string]string{
		"donationsTotal": "60000",
		"purchasesTotal": "40000",
	}))
	require.NoError(t, err)

	require.Len(t, dist.Breakdown, 2)
	assert.Equal(t, ClassDonation, dist.Breakdown[0].Classification)
	assert.Equal(t, ClassPurchase, dist.Breakdown[1].Classification)
}

func TestDistributeMixedBadMetadataFallsBackToDonation(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, Config{})

	tests := []map[string]string{
		{"type": "mixed"},
		{"type": "mixed", "donationsTotal": "abc", "purchasesTotal": "40000"},
		{"type": "mixed", "donationsTotal": "90000", "purchasesTotal": "90000"},
	}

	for i, md := range tests {
		dist, err := engine.Distribute(context.Background(), copPayment(fmt.Sprintf("pay-%d", i), 100000, md))
		require.NoError(t, err)
		require.Len(t, dist.Breakdown, 1)
		assert.Equal(t, ClassDonation, dist.Breakdown[0].Classification)
	}
}

func TestDistributeRoundingBound(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, Config{})

	dist, err := engine.Distribute(context.Background(), copPayment("pay-1", 33333, nil))
	require.NoError(t, err)

	// Each bucket is rounded half up on its own: 24999.75, 4999.95,
	// 2333.31 and 999.99 respectively.
	assert.Equal(t, int64(25000), dist.BucketAmounts[BucketSuppliers])
	assert.Equal(t, int64(5000), dist.BucketAmounts[BucketSustainability])
	assert.Equal(t, int64(2333), dist.BucketAmounts[BucketReserve])
	assert.Equal(t, int64(1000), dist.BucketAmounts[BucketPlatform])

	var sum int64
	for _, b := range AllBuckets {
		sum += dist.BucketAmounts[b]
	}
	// Independent half-up rounding: the bucket sum may differ from the
	// total by at most half a unit per bucket.
	diff := sum - dist.TotalAmount
	if diff < 0 {
		diff = -diff
	}
	assert.LessOrEqual(t, diff, int64(len(AllBuckets)/2))
}

func TestDistributeConvertsToAccountingCurrency(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, Config{})

	dist, err := engine.Distribute(context.Background(), CompletedPayment{
		PaymentID: "pay-usd",
		Gateway:   "stripe",
		TenantID:  "parish-1",
		Amount:    money.NewFromMajor(25, money.USD),
	})
	require.NoError(t, err)

	assert.Equal(t, money.COP, dist.Currency)
	assert.Equal(t, int64(100000), dist.TotalAmount)
	assert.Equal(t, int64(75000), dist.BucketAmounts[BucketSuppliers])
}

func TestDistributeUnknownCurrencyFails(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, Config{})

	_, err := engine.Distribute(context.Background(), CompletedPayment{
		PaymentID: "pay-gbp",
		Gateway:   "stripe",
		TenantID:  "parish-1",
		Amount:    money.NewFromMajor(10, money.GBP),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, money.ErrUnsupportedCurrency)
	assert.Empty(t, store.distributions)
}

func TestDistributeBucketFailureIsolated(t *testing.T) {
	store := newFakeStore()
	store.failBuckets[BucketReserve] = true
	engine := newTestEngine(store, Config{})

	dist, err := engine.Distribute(context.Background(), copPayment("pay-1", 100000, nil))
	require.NoError(t, err)

	assert.Equal(t, StatusFailed, dist.Status)

	states := make(map[Bucket]BucketState)
	for _, br := range dist.Buckets {
		states[br.Bucket] = br.State
	}
	assert.Equal(t, BucketFailed, states[BucketReserve])
	assert.Equal(t, BucketApplied, states[BucketSuppliers])
	assert.Equal(t, BucketApplied, states[BucketSustainability])
	assert.Equal(t, BucketApplied, states[BucketPlatform])

	// The other buckets keep their credits.
	assert.Equal(t, int64(75000), store.balance("parish-1", BucketSuppliers))
	assert.Equal(t, int64(0), store.balance("parish-1", BucketReserve))
}

func TestDistributeSettlesPayablesOldestFirst(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	store.payables = []*SupplierPayable{
		{ID: "p-old", TenantID: "parish-1", SupplierID: "s1", AmountDue: 50000, Status: PayableOpen, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "p-new", TenantID: "parish-1", SupplierID: "s2", AmountDue: 40000, Status: PayableOpen, CreatedAt: now.Add(-time.Hour)},
	}
	engine := newTestEngine(store, Config{})

	_, err := engine.Distribute(context.Background(), copPayment("pay-1", 100000, nil))
	require.NoError(t, err)

	// 75000 to suppliers: 50000 settles the oldest, 25000 partially pays
	// the next, nothing left for the balance.
	assert.Equal(t, PayableSettled, store.payables[0].Status)
	assert.Equal(t, int64(50000), store.payables[0].AmountPaid)
	assert.Equal(t, PayableOpen, store.payables[1].Status)
	assert.Equal(t, int64(25000), store.payables[1].AmountPaid)
	assert.Equal(t, int64(0), store.balance("parish-1", BucketSuppliers))
}

func TestDistributeLeftoverCreditsBalance(t *testing.T) {
	store := newFakeStore()
	store.payables = []*SupplierPayable{
		{ID: "p1", TenantID: "parish-1", SupplierID: "s1", AmountDue: 10000, Status: PayableOpen, CreatedAt: time.Now()},
	}
	engine := newTestEngine(store, Config{})

	_, err := engine.Distribute(context.Background(), copPayment("pay-1", 100000, nil))
	require.NoError(t, err)

	assert.Equal(t, PayableSettled, store.payables[0].Status)
	assert.Equal(t, int64(65000), store.balance("parish-1", BucketSuppliers))
}

func TestDistributeThresholdDefersPayoutMatching(t *testing.T) {
	store := newFakeStore()
	store.payables = []*SupplierPayable{
		{ID: "p1", TenantID: "parish-1", SupplierID: "s1", AmountDue: 10000, Status: PayableOpen, CreatedAt: time.Now()},
	}
	engine := newTestEngine(store, Config{
		Thresholds: map[string]int64{"suppliers": 5000},
	})

	// 5000 COP donation -> 3750 to suppliers, below the 5000 threshold.
	dist, err := engine.Distribute(context.Background(), copPayment("pay-1", 5000, nil))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, dist.Status)
	var suppliers BucketResult
	for _, br := range dist.Buckets {
		if br.Bucket == BucketSuppliers {
			suppliers = br
		}
	}
	assert.True(t, suppliers.Deferred)
	// Balance still credited; payable untouched.
	assert.Equal(t, int64(3750), store.balance("parish-1", BucketSuppliers))
	assert.Equal(t, PayableOpen, store.payables[0].Status)
	assert.Equal(t, int64(0), store.payables[0].AmountPaid)
}

func TestDistributePayableLookupFailureCreditsBalance(t *testing.T) {
	store := newFakeStore()
	store.failPayables = true
	engine := newTestEngine(store, Config{})

	dist, err := engine.Distribute(context.Background(), copPayment("pay-1", 100000, nil))
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, dist.Status)
	assert.Equal(t, int64(75000), store.balance("parish-1", BucketSuppliers))
}

func TestDistributeValidation(t *testing.T) {
	engine := newTestEngine(newFakeStore(), Config{})
	ctx := context.Background()

	_, err := engine.Distribute(ctx, CompletedPayment{Gateway: "wompi", TenantID: "t", Amount: money.New(100, money.COP)})
	assert.Error(t, err)

	_, err = engine.Distribute(ctx, CompletedPayment{PaymentID: "p", Gateway: "wompi", TenantID: "t", Amount: money.Zero(money.COP)})
	assert.Error(t, err)
}

func TestFundBalancesIncludesZeroBuckets(t *testing.T) {
	engine := newTestEngine(newFakeStore(), Config{})

	balances, err := engine.FundBalances(context.Background(), "parish-1")
	require.NoError(t, err)
	require.Len(t, balances, len(AllBuckets))
	for _, b := range AllBuckets {
		assert.Equal(t, int64(0), balances[b])
	}
}

func TestGenerateReport(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := engine.Distribute(ctx, copPayment(fmt.Sprintf("pay-%d", i), 100000, nil))
		require.NoError(t, err)
	}

	report, err := engine.GenerateReport(ctx, "parish-1",
		time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, 3, report.DistributionCount)
	assert.Equal(t, int64(300000), report.TotalAmount)
	assert.Equal(t, int64(225000), report.BucketTotals[BucketSuppliers])
	assert.Equal(t, int64(100000), report.AveragePerDistribution)
}

func TestRegisterPayable(t *testing.T) {
	store := newFakeStore()
	engine := newTestEngine(store, Config{})
	ctx := context.Background()

	p, err := engine.RegisterPayable(ctx, "parish-1", "supplier-9", "hosts and wine", 25000)
	require.NoError(t, err)
	assert.NotEmpty(t, p.ID)
	assert.Equal(t, PayableOpen, p.Status)
	assert.Equal(t, int64(25000), p.Outstanding())

	_, err = engine.RegisterPayable(ctx, "parish-1", "", "", 100)
	assert.Error(t, err)
	_, err = engine.RegisterPayable(ctx, "parish-1", "s", "", 0)
	assert.Error(t, err)
}
