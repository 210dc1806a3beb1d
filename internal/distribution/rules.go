package distribution

import (
	"context"
	"log/slog"

	"parishpay/internal/common/database"
)

// RuleStore loads per-tenant distribution rules. GetRules returns
// database.ErrNotFound when the tenant has not configured the given
// classification.
type RuleStore interface {
	GetRules(ctx context.Context, tenantID string, class Classification) (Rules, error)
}

// DefaultRules returns the platform defaults for a classification. Mixed has
// no rule set of its own; its components use the donation and purchase sets.
func DefaultRules(class Classification) Rules {
	switch class {
	case ClassPurchase:
		return Rules{
			BucketSuppliers:      0.50,
			BucketSustainability: 0.30,
			BucketReserve:        0.12,
			BucketPlatform:       0.08,
		}
	default:
		return Rules{
			BucketSuppliers:      0.75,
			BucketSustainability: 0.15,
			BucketReserve:        0.07,
			BucketPlatform:       0.03,
		}
	}
}

// Resolver returns the rule set to apply for a tenant and classification.
// Resolution never fails: missing or invalid tenant rules fall back to the
// platform defaults.
type Resolver struct {
	store  RuleStore
	logger *slog.Logger
}

// NewResolver creates a rule resolver. store may be nil, in which case
// defaults always apply.
func NewResolver(store RuleStore, logger *slog.Logger) *Resolver {
	return &Resolver{store: store, logger: logger}
}

// Resolve returns the tenant's configured rules for class, or the defaults
// when none are configured or the configured set is invalid.
func (r *Resolver) Resolve(ctx context.Context, tenantID string, class Classification) Rules {
	if r.store == nil {
		return DefaultRules(class)
	}

	rules, err := r.store.GetRules(ctx, tenantID, class)
	if err != nil {
		if !database.IsNotFound(err) {
			r.logger.Warn("failed to load tenant rules, using defaults",
				"tenant_id", tenantID,
				"classification", class,
				"error", err,
			)
		}
		return DefaultRules(class)
	}

	if err := rules.Validate(); err != nil {
		r.logger.Warn("tenant rules invalid, using defaults",
			"tenant_id", tenantID,
			"classification", class,
			"error", err,
		)
		return DefaultRules(class)
	}

	return rules
}
