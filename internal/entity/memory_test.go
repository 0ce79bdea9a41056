package entity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	t  time.Time
	mu sync.Mutex
}

func (c *stepClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Minute)
	return c.t
}

func newTestStore() (*MemoryStore, *stepClock) {
	clock := &stepClock{t: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMemoryStore(WithClock(clock.now)), clock
}

func sighting(day int, fp string) *model.Sighting {
	return &model.Sighting{Date: time.Date(2025, 1, day, 0, 0, 0, 0, time.UTC), Fingerprint: fp}
}

func TestMemoryStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	created, err := store.Create(ctx, &model.Entity{MerchantID: "netflix", CanonicalName: "Netflix", Category: "streaming"})
	require.NoError(t, err)
	assert.Equal(t, model.EntityIDFor("netflix"), created.ID)
	assert.Equal(t, 1, created.Version)
	assert.Equal(t, model.StateProvisional, created.State)
	assert.Equal(t, model.EntityMerchant, created.EntityType)

	got, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	_, err = store.Create(ctx, &model.Entity{MerchantID: "NETFLIX"})
	assert.ErrorIs(t, err, ErrDuplicateEntry, "ids are derived case-insensitively")

	_, err = store.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = store.Create(ctx, &model.Entity{})
	assert.ErrorIs(t, err, ErrInvalidChange)
}

func TestMemoryStore_UpdateVersionsAndHistory(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	e, err := store.Create(ctx, &model.Entity{MerchantID: "hanaichi", CanonicalName: "Rest Hanaichi", Category: "restaurants"})
	require.NoError(t, err)

	v2, err := store.Update(ctx, e.ID, 1, model.EntityChanges{
		Sighting:   sighting(5, "a"),
		Variation:  &model.Variation{Text: "REST HANAICHI", Source: model.SourcePipeline},
		Confidence: 0.9,
	})
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)
	assert.Equal(t, 1, v2.TransactionCount)
	assert.Empty(t, v2.Variations, "canonical name already covers the alias")

	v3, err := store.Update(ctx, e.ID, 2, model.EntityChanges{Category: "food"})
	require.NoError(t, err)
	assert.Equal(t, 3, v3.Version)

	same, err := store.Update(ctx, e.ID, 3, model.EntityChanges{Sighting: sighting(5, "a"), Confidence: 0.9})
	require.NoError(t, err)
	assert.Equal(t, 3, same.Version, "re-counting a sighting is not a mutation")

	_, err = store.Update(ctx, e.ID, 2, model.EntityChanges{Category: "bars"})
	assert.ErrorIs(t, err, ErrVersionConflict)

	old, err := store.GetVersion(ctx, e.ID, 2)
	require.NoError(t, err)
	assert.Equal(t, "restaurants", old.Category)

	history, err := store.History(ctx, e.ID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	for i, h := range history {
		assert.Equal(t, i+1, h.Version)
	}

	asOf, err := AsOf(ctx, store, e.ID, history[1].RecordedAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, asOf.Version)

	_, err = AsOf(ctx, store, e.ID, history[0].RecordedAt.Add(-time.Hour))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_RejectsInvalidChanges(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	e, err := store.Create(ctx, &model.Entity{MerchantID: "oxxo"})
	require.NoError(t, err)

	_, err = store.Update(ctx, e.ID, 1, model.EntityChanges{State: model.StateMerged})
	assert.ErrorIs(t, err, ErrInvalidChange)

	_, err = store.Update(ctx, e.ID, 1, model.EntityChanges{EntityType: "robot"})
	assert.ErrorIs(t, err, ErrInvalidChange)
}

func TestMemoryStore_ConcurrentUpdatesConflict(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()
	e, err := store.Create(ctx, &model.Entity{MerchantID: "starbucks"})
	require.NoError(t, err)

	const writers = 16
	var (
		wg        sync.WaitGroup
		wins      atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Update(ctx, e.ID, 1, model.EntityChanges{
				Sighting:   sighting(1+i%28, uuid.NewString()),
				Confidence: 1,
			})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrVersionConflict):
				conflicts.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one writer may win version 2")
	assert.Equal(t, int32(writers-1), conflicts.Load())

	latest, err := store.Get(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, latest.Version)
	assert.Equal(t, 1, latest.TransactionCount)
}

func TestMemoryStore_FindAndList(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	sat, err := store.Create(ctx, &model.Entity{
		MerchantID: "sat", CanonicalName: "SAT", Category: "taxes",
		EntityType: model.EntityTaxAuthority, TaxID: "SAT970701NN3",
	})
	require.NoError(t, err)
	uber, err := store.Create(ctx, &model.Entity{MerchantID: "uber-eats", CanonicalName: "Uber Eats", Category: "food-delivery"})
	require.NoError(t, err)
	_, err = store.Update(ctx, uber.ID, 1, model.EntityChanges{
		Variation: &model.Variation{Text: "UBER   EATS MX", Source: model.SourcePipeline},
	})
	require.NoError(t, err)

	byTax, err := store.FindByTaxID(ctx, "sat 970701 nn3")
	require.NoError(t, err)
	require.Len(t, byTax, 1)
	assert.Equal(t, sat.ID, byTax[0].ID)

	byAlias, err := store.FindByAlias(ctx, "uber eats mx")
	require.NoError(t, err)
	require.Len(t, byAlias, 1)
	assert.Equal(t, uber.ID, byAlias[0].ID)

	none, err := store.FindByAlias(ctx, "  ")
	require.NoError(t, err)
	assert.Empty(t, none)

	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{name: "all", filter: Filter{}, want: []string{"sat", "uber-eats"}},
		{name: "by category", filter: Filter{Category: "taxes"}, want: []string{"sat"}},
		{name: "by type", filter: Filter{EntityType: model.EntityMerchant}, want: []string{"uber-eats"}},
		{name: "query hits variation", filter: Filter{Query: "eats mx"}, want: []string{"uber-eats"}},
		{name: "limit", filter: Filter{Limit: 1}, want: []string{"sat"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.List(ctx, tt.filter)
			require.NoError(t, err)
			var ids []string
			for _, e := range got {
				ids = append(ids, e.MerchantID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestMemoryStore_MarkMerged(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	target, err := store.Create(ctx, &model.Entity{MerchantID: "starbucks", CanonicalName: "Starbucks", State: model.StateCanonical})
	require.NoError(t, err)
	typo, err := store.Create(ctx, &model.Entity{MerchantID: "starbuks", CanonicalName: "Starbuks", TaxID: "CSI020226MV4"})
	require.NoError(t, err)

	_, err = store.MarkMerged(ctx, typo.ID, target.ID, "")
	assert.ErrorIs(t, err, ErrInvalidChange, "merges are audited")

	merged, err := store.MarkMerged(ctx, typo.ID, target.ID, "typo of starbucks")
	require.NoError(t, err)
	assert.Equal(t, model.StateMerged, merged.State)
	assert.Equal(t, "merged-into:"+target.ID.String(), merged.StateLabel())
	assert.Equal(t, 2, merged.Version)

	grown, err := store.Get(ctx, target.ID)
	require.NoError(t, err)
	assert.True(t, grown.HasVariation("STARBUKS"))
	assert.Equal(t, "CSI020226MV4", grown.TaxID)
	assert.Equal(t, model.SourceMerge, grown.Variations[0].Source)

	// History is kept, nothing is deleted.
	history, err := store.History(ctx, typo.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	followed, err := Follow(ctx, store, merged)
	require.NoError(t, err)
	assert.Equal(t, target.ID, followed.ID)

	_, err = store.Update(ctx, typo.ID, 2, model.EntityChanges{Category: "coffee"})
	assert.ErrorIs(t, err, ErrInvalidChange)

	_, err = store.MarkMerged(ctx, target.ID, target.ID, "self")
	assert.ErrorIs(t, err, ErrInvalidChange)

	_, err = store.MarkMerged(ctx, target.ID, typo.ID, "into a merged entity")
	assert.ErrorIs(t, err, ErrInvalidChange)
}

func TestMemoryStore_MarkMergedUnderContention(t *testing.T) {
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		store, _ := newTestStore()
		target, err := store.Create(ctx, &model.Entity{MerchantID: "starbucks", CanonicalName: "Starbucks"})
		require.NoError(t, err)
		typo, err := store.Create(ctx, &model.Entity{MerchantID: "starbuks", CanonicalName: "Starbuks"})
		require.NoError(t, err)
		other, err := store.Create(ctx, &model.Entity{MerchantID: "starbucks-coffee", CanonicalName: "Starbucks Coffee"})
		require.NoError(t, err)

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					cur, err := store.Get(ctx, target.ID)
					if err != nil || cur.State == model.StateMerged {
						return
					}
					_, _ = store.Update(ctx, target.ID, cur.Version, model.EntityChanges{
						Sighting:   sighting(1+i%28, uuid.NewString()),
						Confidence: 1,
					})
				}
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = store.MarkMerged(ctx, target.ID, other.ID, "same chain")
		}()

		_, mergeErr := store.MarkMerged(ctx, typo.ID, target.ID, "typo of starbucks")
		wg.Wait()

		source, err := store.Get(ctx, typo.ID)
		require.NoError(t, err)
		if mergeErr != nil {
			assert.True(t, errors.Is(mergeErr, ErrVersionConflict) || errors.Is(mergeErr, ErrInvalidChange), mergeErr)
			assert.Equal(t, model.StateProvisional, source.State, "a failed merge leaves the source untouched")
			history, err := store.History(ctx, typo.ID)
			require.NoError(t, err)
			assert.Len(t, history, 1)
			continue
		}

		assert.Equal(t, model.StateMerged, source.State)
		survivor, err := Follow(ctx, store, source)
		require.NoError(t, err)
		assert.True(t, survivor.HasVariation("STARBUKS"), "the surviving entity must carry the merged variation")
	}
}

func TestParseDuplicatePolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    DuplicatePolicy
		wantErr bool
	}{
		{in: "", want: PolicyFlag},
		{in: "FLAG", want: PolicyFlag},
		{in: " attach ", want: PolicyAttach},
		{in: "merge", want: PolicyMerge},
		{in: "auto", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseDuplicatePolicy(tt.in)
		if tt.wantErr {
			assert.Error(t, err)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}
