package entity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Veraticus/merchantflow/internal/common"
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPromotionPolicy_Eligible(t *testing.T) {
	asOf := time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	policy := PromotionPolicy{MinTransactions: 3, MinConfidence: 0.7, Window: 30 * 24 * time.Hour}

	withSightings := func(state model.EntityState, conf float64, days ...int) *model.Entity {
		e := &model.Entity{State: state, Confidence: conf}
		for i, d := range days {
			e.Sightings = append(e.Sightings, model.Sighting{
				Date:        asOf.AddDate(0, 0, -d),
				Fingerprint: fmt.Sprint(i),
			})
		}
		return e
	}

	tests := []struct {
		name   string
		entity *model.Entity
		want   bool
	}{
		{name: "clears thresholds", entity: withSightings(model.StateProvisional, 0.8, 1, 5, 10), want: true},
		{name: "low confidence", entity: withSightings(model.StateProvisional, 0.5, 1, 5, 10)},
		{name: "sightings outside window", entity: withSightings(model.StateProvisional, 0.9, 1, 40, 60)},
		{name: "already canonical", entity: withSightings(model.StateCanonical, 0.9, 1, 2, 3)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, policy.Eligible(tt.entity, asOf))
		})
	}
}

func TestPromoter_Run(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore()

	busy, err := store.Create(ctx, &model.Entity{MerchantID: "taqueria-orinoco"})
	require.NoError(t, err)
	quiet, err := store.Create(ctx, &model.Entity{MerchantID: "one-off-shop"})
	require.NoError(t, err)

	version := busy.Version
	for day := 1; day <= 3; day++ {
		e, err := store.Update(ctx, busy.ID, version, model.EntityChanges{
			Sighting:   sighting(day, uuid.NewString()),
			Confidence: 0.9,
		})
		require.NoError(t, err)
		version = e.Version
	}
	_, err = store.Update(ctx, quiet.ID, 1, model.EntityChanges{Sighting: sighting(2, "q"), Confidence: 0.9})
	require.NoError(t, err)

	promoter := NewPromoter(store, PromotionPolicy{MinTransactions: 3, MinConfidence: 0.7, Window: 30 * 24 * time.Hour},
		common.RetryOptions{MaxAttempts: 3, InitialDelay: time.Millisecond})

	promoted, err := promoter.Run(ctx, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, "taqueria-orinoco", promoted[0].MerchantID)
	assert.Equal(t, model.StateCanonical, promoted[0].State)

	again, err := promoter.Run(ctx, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Empty(t, again)
}

// conflictOnceStore fails the first update with a version conflict.
type conflictOnceStore struct {
	*MemoryStore
	failed bool
}

func (s *conflictOnceStore) Update(ctx context.Context, id uuid.UUID, expected int, changes model.EntityChanges) (*model.Entity, error) {
	if !s.failed {
		s.failed = true
		return nil, ErrVersionConflict
	}
	return s.MemoryStore.Update(ctx, id, expected, changes)
}

func TestPromoter_RetriesConflicts(t *testing.T) {
	ctx := context.Background()
	mem, _ := newTestStore()
	e, err := mem.Create(ctx, &model.Entity{MerchantID: "farmacia-guadalajara"})
	require.NoError(t, err)
	_, err = mem.Update(ctx, e.ID, 1, model.EntityChanges{Sighting: sighting(3, "x"), Confidence: 1})
	require.NoError(t, err)

	store := &conflictOnceStore{MemoryStore: mem}
	promoter := NewPromoter(store, PromotionPolicy{MinTransactions: 1, MinConfidence: 0.5},
		common.RetryOptions{MaxAttempts: 3, InitialDelay: time.Millisecond})

	promoted, err := promoter.Run(ctx, time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, promoted, 1)
	assert.Equal(t, 3, promoted[0].Version)
}
