// Package entity holds resolved merchant entities. Entities are keyed by a
// stable id and every mutation appends a new version, so the state of an
// entity on any past date can be read back.
package entity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when no entity or version exists for an id.
	ErrNotFound = errors.New("entity not found")
	// ErrVersionConflict is returned when an update was based on a stale version.
	ErrVersionConflict = errors.New("entity version conflict")
	// ErrDuplicateEntry is returned when creating an entity whose id already exists.
	ErrDuplicateEntry = errors.New("entity already exists")
	// ErrInvalidChange is returned for changes the store refuses to apply.
	ErrInvalidChange = errors.New("invalid entity change")
)

// Store is a versioned entity store. Implementations must apply updates with
// compare-and-set on the version number and must never block readers on
// writers.
type Store interface {
	// Get returns the latest version of an entity.
	Get(ctx context.Context, id uuid.UUID) (*model.Entity, error)
	// GetVersion returns one historical version of an entity.
	GetVersion(ctx context.Context, id uuid.UUID, version int) (*model.Entity, error)
	// History returns every version of an entity, oldest first.
	History(ctx context.Context, id uuid.UUID) ([]*model.Entity, error)
	// FindByAlias returns entities whose canonical name or a variation equals text.
	FindByAlias(ctx context.Context, text string) ([]*model.Entity, error)
	// FindByTaxID returns entities carrying the tax id.
	FindByTaxID(ctx context.Context, taxID string) ([]*model.Entity, error)
	// List returns the latest version of every entity matching the filter.
	List(ctx context.Context, filter Filter) ([]*model.Entity, error)
	// Create stores version 1 of a new entity.
	Create(ctx context.Context, e *model.Entity) (*model.Entity, error)
	// Update applies changes on top of expectedVersion. It returns
	// ErrVersionConflict when the entity has moved on since.
	Update(ctx context.Context, id uuid.UUID, expectedVersion int, changes model.EntityChanges) (*model.Entity, error)
	// MarkMerged points source at target. Source's names become variations of
	// target; neither entity is deleted.
	MarkMerged(ctx context.Context, source, target uuid.UUID, reason string) (*model.Entity, error)
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	State      model.EntityState
	Category   string
	EntityType model.EntityType
	Query      string
	Limit      int
}

// Matches reports whether e passes the filter.
func (f Filter) Matches(e *model.Entity) bool {
	if f.State != "" && e.State != f.State {
		return false
	}
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.EntityType != "" && e.EntityType != f.EntityType {
		return false
	}
	if f.Query != "" {
		q := model.NormalizeAlias(f.Query)
		if strings.Contains(model.NormalizeAlias(e.CanonicalName), q) ||
			strings.Contains(strings.ToUpper(e.MerchantID), q) {
			return true
		}
		for _, v := range e.Variations {
			if strings.Contains(model.NormalizeAlias(v.Text), q) {
				return true
			}
		}
		return false
	}
	return true
}

// AsOf returns the version of an entity that was current at t.
func AsOf(ctx context.Context, s Store, id uuid.UUID, t time.Time) (*model.Entity, error) {
	history, err := s.History(ctx, id)
	if err != nil {
		return nil, err
	}
	var found *model.Entity
	for _, e := range history {
		if e.RecordedAt.After(t) {
			break
		}
		found = e
	}
	if found == nil {
		return nil, fmt.Errorf("%s as of %s: %w", id, t.Format(time.RFC3339), ErrNotFound)
	}
	return found, nil
}

// Follow walks merge pointers from e to the surviving entity.
func Follow(ctx context.Context, s Store, e *model.Entity) (*model.Entity, error) {
	const maxHops = 8
	seen := map[uuid.UUID]bool{e.ID: true}
	for hops := 0; e.State == model.StateMerged && e.MergedInto != nil; hops++ {
		if hops == maxHops || seen[*e.MergedInto] {
			return nil, fmt.Errorf("merge chain from %s does not terminate: %w", e.ID, ErrInvalidChange)
		}
		next, err := s.Get(ctx, *e.MergedInto)
		if err != nil {
			return nil, fmt.Errorf("following merge of %s: %w", e.ID, err)
		}
		seen[next.ID] = true
		e = next
	}
	return e, nil
}

// PrepareCreate fills defaults on a new entity and checks it can be stored
// as version 1.
func PrepareCreate(e *model.Entity, now time.Time) (*model.Entity, error) {
	if e.MerchantID == "" {
		return nil, fmt.Errorf("merchant id is required: %w", ErrInvalidChange)
	}
	c := e.Clone()
	if c.ID == uuid.Nil {
		c.ID = model.EntityIDFor(c.MerchantID)
	}
	if c.State == "" {
		c.State = model.StateProvisional
	}
	if c.State == model.StateMerged {
		return nil, fmt.Errorf("entity cannot be created merged: %w", ErrInvalidChange)
	}
	if c.EntityType == "" {
		c.EntityType = model.EntityMerchant
	}
	if !validEntityType(c.EntityType) {
		return nil, fmt.Errorf("entity type %q: %w", c.EntityType, ErrInvalidChange)
	}
	if c.CanonicalName == "" {
		c.CanonicalName = c.MerchantID
	}
	c.Version = 1
	c.RecordedAt = now
	return c, nil
}

// NextVersion computes the version that Update would store. It reports false
// when the changes would not alter the entity.
func NextVersion(current *model.Entity, expectedVersion int, changes model.EntityChanges, now time.Time) (*model.Entity, bool, error) {
	if current.Version != expectedVersion {
		return nil, false, fmt.Errorf("%s at version %d, expected %d: %w",
			current.ID, current.Version, expectedVersion, ErrVersionConflict)
	}
	if current.State == model.StateMerged {
		return nil, false, fmt.Errorf("%s is merged into another entity: %w", current.ID, ErrInvalidChange)
	}
	if changes.State == model.StateMerged {
		return nil, false, fmt.Errorf("use MarkMerged to merge entities: %w", ErrInvalidChange)
	}
	if changes.EntityType != "" && !validEntityType(changes.EntityType) {
		return nil, false, fmt.Errorf("entity type %q: %w", changes.EntityType, ErrInvalidChange)
	}
	next, changed := changes.Apply(current, now)
	return next, changed, nil
}

// PrepareMerge builds the new versions of source and target for a merge.
func PrepareMerge(source, target *model.Entity, reason string, now time.Time) (*model.Entity, *model.Entity, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, nil, fmt.Errorf("merge reason is required: %w", ErrInvalidChange)
	}
	if source.ID == target.ID {
		return nil, nil, fmt.Errorf("cannot merge %s into itself: %w", source.ID, ErrInvalidChange)
	}
	if source.State == model.StateMerged {
		return nil, nil, fmt.Errorf("%s is already merged: %w", source.ID, ErrInvalidChange)
	}
	if target.State == model.StateMerged {
		return nil, nil, fmt.Errorf("target %s is itself merged: %w", target.ID, ErrInvalidChange)
	}

	mergedSource := source.Clone()
	into := target.ID
	mergedSource.State = model.StateMerged
	mergedSource.MergedInto = &into
	mergedSource.MergeReason = reason
	mergedSource.Version = source.Version + 1
	mergedSource.RecordedAt = now

	grown := target.Clone()
	texts := []string{source.CanonicalName}
	for _, v := range source.Variations {
		texts = append(texts, v.Text)
	}
	for _, text := range texts {
		if text == "" || grown.HasVariation(text) {
			continue
		}
		grown.Variations = append(grown.Variations, model.Variation{
			Text:       text,
			Source:     model.SourceMerge,
			Confidence: source.Confidence,
			AddedAt:    now,
		})
	}
	if grown.TaxID == "" && source.TaxID != "" {
		grown.TaxID = source.TaxID
	}
	grown.Version = target.Version + 1
	grown.RecordedAt = now
	return mergedSource, grown, nil
}

func validEntityType(t model.EntityType) bool {
	switch t {
	case model.EntityMerchant, model.EntityTaxAuthority, model.EntityPerson, model.EntityBusiness:
		return true
	}
	return false
}
