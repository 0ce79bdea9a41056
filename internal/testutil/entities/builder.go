// Package entities provides a fluent builder for entity fixtures.
//
// Example usage:
//
//	store := entity.NewMemoryStore()
//	ents := entities.NewBuilder(t).
//		WithBasicMerchants().
//		WithMerchant("rest-hanaichi", "Rest Hanaichi", "restaurants").
//		MustBuild(ctx, store)
package entities

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/Veraticus/merchantflow/internal/entity"
	"github.com/Veraticus/merchantflow/internal/model"
)

// Builder accumulates entity fixtures before they are created in a store.
type Builder struct {
	t        *testing.T
	entities map[string]*model.Entity
}

// Entities is a collection of created fixtures ordered by merchant id.
type Entities []*model.Entity

// Find returns the entity with the given merchant id, or nil.
func (e Entities) Find(merchantID string) *model.Entity {
	for _, ent := range e {
		if ent.MerchantID == merchantID {
			return ent
		}
	}
	return nil
}

// MustFind returns the entity with the given merchant id or fails the test.
func (e Entities) MustFind(t *testing.T, merchantID string) *model.Entity {
	t.Helper()
	ent := e.Find(merchantID)
	if ent == nil {
		t.Fatalf("entity %q not found in test data", merchantID)
	}
	return ent
}

// MerchantIDs returns the merchant ids in order.
func (e Entities) MerchantIDs() []string {
	ids := make([]string, len(e))
	for i, ent := range e {
		ids[i] = ent.MerchantID
	}
	return ids
}

// NewBuilder creates an empty builder for the given test.
func NewBuilder(t *testing.T) *Builder {
	t.Helper()
	return &Builder{t: t, entities: make(map[string]*model.Entity)}
}

// WithMerchant adds a provisional merchant entity.
func (b *Builder) WithMerchant(merchantID, name, category string) *Builder {
	return b.WithEntity(&model.Entity{
		MerchantID:    merchantID,
		CanonicalName: name,
		Category:      category,
		EntityType:    model.EntityMerchant,
		Confidence:    0.9,
	})
}

// WithEntity adds a fully specified entity. A later fixture with the same
// merchant id replaces an earlier one.
func (b *Builder) WithEntity(e *model.Entity) *Builder {
	b.t.Helper()
	if e.MerchantID == "" {
		b.t.Fatalf("entity fixture without merchant id")
	}
	b.entities[e.MerchantID] = e.Clone()
	return b
}

// WithBasicMerchants adds the merchants most tests need.
func (b *Builder) WithBasicMerchants() *Builder {
	for _, f := range BasicMerchants {
		b.WithMerchant(f.MerchantID, f.Name, f.Category)
	}
	return b
}

// WithFixture adds every entity of a predefined fixture.
func (b *Builder) WithFixture(f Fixture) *Builder {
	for _, e := range f.Entities {
		b.WithEntity(e)
	}
	return b
}

// Entities returns the accumulated fixtures without storing them.
func (b *Builder) Entities() []*model.Entity {
	out := make([]*model.Entity, 0, len(b.entities))
	for _, e := range b.entities {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MerchantID < out[j].MerchantID })
	return out
}

// Build creates the fixtures in store.
func (b *Builder) Build(ctx context.Context, store entity.Store) (Entities, error) {
	return Seed(ctx, store, b.Entities())
}

// MustBuild creates the fixtures or fails the test.
func (b *Builder) MustBuild(ctx context.Context, store entity.Store) Entities {
	b.t.Helper()
	ents, err := b.Build(ctx, store)
	if err != nil {
		b.t.Fatalf("failed to build entities: %v", err)
	}
	return ents
}

// Seed creates ents in store in order and returns the stored versions.
func Seed(ctx context.Context, store entity.Store, ents []*model.Entity) (Entities, error) {
	out := make(Entities, 0, len(ents))
	for _, e := range ents {
		created, err := store.Create(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("seeding %q: %w", e.MerchantID, err)
		}
		out = append(out, created)
	}
	return out, nil
}
