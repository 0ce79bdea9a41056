package entity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/merchantflow/internal/common"
	"github.com/Veraticus/merchantflow/internal/model"
)

// PromotionPolicy sets when a provisional entity becomes canonical.
type PromotionPolicy struct {
	MinTransactions int
	MinConfidence   float64
	Window          time.Duration
}

// DefaultPromotionPolicy returns the built-in thresholds.
func DefaultPromotionPolicy() PromotionPolicy {
	return PromotionPolicy{MinTransactions: 3, MinConfidence: 0.7, Window: 90 * 24 * time.Hour}
}

// Eligible reports whether e clears the thresholds as of asOf. Only sightings
// inside the window count.
func (p PromotionPolicy) Eligible(e *model.Entity, asOf time.Time) bool {
	if e.State != model.StateProvisional {
		return false
	}
	since := time.Time{}
	if p.Window > 0 {
		since = asOf.Add(-p.Window)
	}
	return e.SightingsSince(since) >= p.MinTransactions && e.Confidence >= p.MinConfidence
}

// Promoter applies the promotion policy across the store. It runs outside the
// pipeline, typically after a batch.
type Promoter struct {
	store  Store
	retry  common.RetryOptions
	policy PromotionPolicy
}

// NewPromoter creates a promoter.
func NewPromoter(store Store, policy PromotionPolicy, retry common.RetryOptions) *Promoter {
	return &Promoter{store: store, policy: policy, retry: retry}
}

// Run promotes every eligible provisional entity and returns the promoted
// versions.
func (p *Promoter) Run(ctx context.Context, asOf time.Time) ([]*model.Entity, error) {
	candidates, err := p.store.List(ctx, Filter{State: model.StateProvisional})
	if err != nil {
		return nil, fmt.Errorf("listing provisional entities: %w", err)
	}

	var promoted []*model.Entity
	for _, c := range candidates {
		if !p.policy.Eligible(c, asOf) {
			continue
		}
		e, err := p.promote(ctx, c, asOf)
		if err != nil {
			return promoted, err
		}
		if e != nil {
			slog.Info("entity promoted to canonical",
				"entity_id", e.ID, "merchant_id", e.MerchantID,
				"transactions", e.TransactionCount, "confidence", e.Confidence)
			promoted = append(promoted, e)
		}
	}
	return promoted, nil
}

// promote re-reads the entity after a conflict and re-checks eligibility.
// It returns nil when the entity no longer qualifies.
func (p *Promoter) promote(ctx context.Context, e *model.Entity, asOf time.Time) (*model.Entity, error) {
	var result *model.Entity
	err := common.WithRetry(ctx, func() error {
		updated, err := p.store.Update(ctx, e.ID, e.Version, model.EntityChanges{State: model.StateCanonical})
		if err == nil {
			result = updated
			return nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return common.Permanent(err)
		}
		fresh, getErr := p.store.Get(ctx, e.ID)
		if getErr != nil {
			return common.Permanent(getErr)
		}
		if !p.policy.Eligible(fresh, asOf) {
			return nil
		}
		e = fresh
		return err
	}, p.retry)
	if err != nil {
		return nil, fmt.Errorf("promoting %s: %w", e.MerchantID, err)
	}
	return result, nil
}
