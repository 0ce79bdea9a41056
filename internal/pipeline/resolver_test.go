package pipeline

import (
	"context"
	"testing"

	"github.com/Veraticus/merchantflow/internal/entity"
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// disambiguated builds a transaction as stage 4 would leave it.
func disambiguated(clean, taxID string, d model.Disambiguation) *model.Transaction {
	txn := model.NewTransaction(expense("COMPRA "+clean, "100"))
	txn.Extraction = &model.Extraction{CleanMerchant: clean, TaxID: taxID}
	txn.Disambiguation = &d
	return txn
}

func derived(clean string, conf float64) model.Disambiguation {
	return model.Disambiguation{
		MerchantID:   Slugify(clean),
		MerchantName: DisplayName(clean),
		Category:     model.CategoryUncategorized,
		EntityType:   model.EntityMerchant,
		Method:       model.MethodFallback,
		Confidence:   conf,
		DerivedID:    true,
	}
}

func seed(t *testing.T, store entity.Store, e *model.Entity) *model.Entity {
	t.Helper()
	created, err := store.Create(context.Background(), e)
	require.NoError(t, err)
	return created
}

func TestResolveEntity_LookupOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("entity id", func(t *testing.T) {
		resolver, store := newTestResolver()
		netflix := seed(t, store, &model.Entity{MerchantID: "netflix", CanonicalName: "Netflix", Category: "subscriptions", State: model.StateCanonical})

		res, err := resolver.ResolveEntity(ctx, disambiguated("NETFLIX COM", "", model.Disambiguation{
			MerchantID: "netflix", MerchantName: "Netflix", Category: "subscriptions",
			Method: model.MethodExact, Confidence: 0.98,
		}))
		require.NoError(t, err)
		assert.Equal(t, netflix.ID, res.Entity.ID)
		assert.Equal(t, model.MatchID, res.Match)
		assert.Equal(t, model.StateCanonical, res.EntityState)
		assert.False(t, res.NeedsVerification)

		e, err := store.Get(ctx, netflix.ID)
		require.NoError(t, err)
		assert.True(t, e.HasVariation("NETFLIX COM"), "new surface text is learned")
		assert.Equal(t, 1, e.TransactionCount)
		assert.Equal(t, 2, e.Version)
	})

	t.Run("tax id", func(t *testing.T) {
		resolver, store := newTestResolver()
		hanaichi := seed(t, store, &model.Entity{MerchantID: "hanaichi", CanonicalName: "Hanaichi", Category: "restaurants", TaxID: "BLI120726UF6"})

		res, err := resolver.ResolveEntity(ctx, disambiguated("REST HANAICHI", "BLI 120726UF6", derived("REST HANAICHI", 0.8)))
		require.NoError(t, err)
		assert.Equal(t, hanaichi.ID, res.Entity.ID)
		assert.Equal(t, model.MatchTaxID, res.Match)
		assert.InDelta(t, TaxIDConfidence, res.Confidence, 1e-9)
	})

	t.Run("alias", func(t *testing.T) {
		resolver, store := newTestResolver()
		hanaichi := seed(t, store, &model.Entity{
			MerchantID: "hanaichi", CanonicalName: "Hanaichi",
			Variations: []model.Variation{{Text: "REST HANAICHI", Source: model.SourceManual}},
		})

		res, err := resolver.ResolveEntity(ctx, disambiguated("REST HANAICHI", "", derived("REST HANAICHI", 0.8)))
		require.NoError(t, err)
		assert.Equal(t, hanaichi.ID, res.Entity.ID)
		assert.Equal(t, model.MatchAlias, res.Match)
	})

	t.Run("merged entities resolve to their target", func(t *testing.T) {
		resolver, store := newTestResolver()
		target := seed(t, store, &model.Entity{MerchantID: "starbucks", CanonicalName: "Starbucks"})
		typo := seed(t, store, &model.Entity{MerchantID: "starbuks", CanonicalName: "Starbuks"})
		_, err := store.MarkMerged(ctx, typo.ID, target.ID, "typo")
		require.NoError(t, err)

		res, err := resolver.ResolveEntity(ctx, disambiguated("STARBUKS", "", derived("STARBUKS", 0.3)))
		require.NoError(t, err)
		assert.Equal(t, target.ID, res.Entity.ID)
	})

	t.Run("nothing to resolve", func(t *testing.T) {
		resolver, _ := newTestResolver()
		_, err := resolver.ResolveEntity(ctx, disambiguated("", "", Disambiguate("", nil)))
		assert.ErrorIs(t, err, ErrNothingToResolve)
	})
}

func TestResolveEntity_DuplicatePolicies(t *testing.T) {
	ctx := context.Background()
	setup := func(policy entity.DuplicatePolicy) (*StoreResolver, *entity.MemoryStore, *model.Entity) {
		store := entity.NewMemoryStore()
		cfg := DefaultResolverConfig()
		cfg.DuplicatePolicy = policy
		starbucks := seed(t, store, &model.Entity{MerchantID: "starbucks", CanonicalName: "Starbucks", State: model.StateCanonical})
		return NewResolver(store, cfg), store, starbucks
	}
	typo := func() *model.Transaction { return disambiguated("STARBUKS", "", derived("STARBUKS", 0.8)) }

	t.Run("flag", func(t *testing.T) {
		resolver, store, starbucks := setup(entity.PolicyFlag)

		res, err := resolver.ResolveEntity(ctx, typo())
		require.NoError(t, err)
		assert.Equal(t, "starbuks", res.Entity.MerchantID)
		assert.Equal(t, model.StateProvisional, res.EntityState)
		assert.Equal(t, model.MatchCreated, res.Match)
		require.NotNil(t, res.SuspectedDuplicateOf)
		assert.Equal(t, starbucks.ID, *res.SuspectedDuplicateOf)
		assert.True(t, res.NeedsVerification)
		assert.InDelta(t, 0.72, res.Confidence, 1e-9)

		again, err := resolver.ResolveEntity(ctx, typo())
		require.NoError(t, err)
		assert.Equal(t, res, again, "the flag survives re-runs")

		unchanged, err := store.Get(ctx, starbucks.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, unchanged.Version, "nothing is merged")
	})

	t.Run("attach", func(t *testing.T) {
		resolver, store, starbucks := setup(entity.PolicyAttach)

		res, err := resolver.ResolveEntity(ctx, typo())
		require.NoError(t, err)
		assert.Equal(t, starbucks.ID, res.Entity.ID)
		assert.Equal(t, model.MatchFuzzy, res.Match)
		assert.True(t, res.NeedsVerification)
		assert.InDelta(t, 0.72, res.Confidence, 1e-9)

		e, err := store.Get(ctx, starbucks.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, e.TransactionCount)
		assert.False(t, e.HasVariation("STARBUKS"), "unconfirmed text is not learned")

		again, err := resolver.ResolveEntity(ctx, typo())
		require.NoError(t, err)
		assert.Equal(t, res, again)
	})

	t.Run("merge", func(t *testing.T) {
		resolver, store, starbucks := setup(entity.PolicyMerge)

		res, err := resolver.ResolveEntity(ctx, typo())
		require.NoError(t, err)
		assert.Equal(t, starbucks.ID, res.Entity.ID)
		assert.Equal(t, model.StateMerged, res.EntityState)
		assert.True(t, res.NeedsVerification)

		source, err := store.Get(ctx, model.EntityIDFor("starbuks"))
		require.NoError(t, err)
		assert.Equal(t, model.StateMerged, source.State)
		assert.Contains(t, source.MergeReason, "fuzzy match")

		target, err := store.Get(ctx, starbucks.ID)
		require.NoError(t, err)
		assert.True(t, target.HasVariation("Starbuks"))
		assert.Equal(t, 1, target.TransactionCount)
	})
}

// conflictingStore reports a version conflict on the first update.
type conflictingStore struct {
	*entity.MemoryStore
	conflicts int
}

func (s *conflictingStore) Update(ctx context.Context, id uuid.UUID, expected int, changes model.EntityChanges) (*model.Entity, error) {
	if s.conflicts > 0 {
		s.conflicts--
		return nil, entity.ErrVersionConflict
	}
	return s.MemoryStore.Update(ctx, id, expected, changes)
}

func TestResolveEntity_RetriesVersionConflicts(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{MemoryStore: entity.NewMemoryStore(), conflicts: 2}
	seed(t, store, &model.Entity{MerchantID: "oxxo", CanonicalName: "OXXO"})

	cfg := DefaultResolverConfig()
	resolver := NewResolver(store, cfg)
	res, err := resolver.ResolveEntity(ctx, disambiguated("OXXO", "", model.Disambiguation{
		MerchantID: "oxxo", MerchantName: "OXXO", Category: "convenience", Confidence: 0.9, Method: model.MethodPattern,
	}))
	require.NoError(t, err)
	assert.Equal(t, model.MatchID, res.Match)
	assert.Zero(t, store.conflicts)

	store.conflicts = cfg.Retry.MaxAttempts
	_, err = resolver.ResolveEntity(ctx, disambiguated("OXXO SUC 2", "", model.Disambiguation{
		MerchantID: "oxxo", MerchantName: "OXXO", Category: "convenience", Confidence: 0.9, Method: model.MethodPattern,
	}))
	assert.ErrorIs(t, err, entity.ErrVersionConflict)
}
