package entity

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/google/uuid"
)

// record holds the immutable version history of one entity. Writers swap in
// a new slice with compare-and-set; readers load the pointer and never wait.
type record struct {
	history atomic.Pointer[[]*model.Entity]
}

func (r *record) latest() *model.Entity {
	h := *r.history.Load()
	return h[len(h)-1]
}

// append stores next if the history still ends at expected.
func (r *record) append(expected *model.Entity, next *model.Entity) bool {
	old := r.history.Load()
	h := *old
	if h[len(h)-1] != expected {
		return false
	}
	grown := make([]*model.Entity, len(h), len(h)+1)
	copy(grown, h)
	grown = append(grown, next)
	return r.history.CompareAndSwap(old, &grown)
}

// withdraw removes last from the end of the history if nothing followed it.
func (r *record) withdraw(last *model.Entity) bool {
	old := r.history.Load()
	h := *old
	if len(h) < 2 || h[len(h)-1] != last {
		return false
	}
	shrunk := h[: len(h)-1 : len(h)-1]
	return r.history.CompareAndSwap(old, &shrunk)
}

// mergeAttempts bounds how often MarkMerged retries a contended pair.
const mergeAttempts = 16

// MemoryStore is an in-process Store.
type MemoryStore struct {
	now     func() time.Time
	records sync.Map // uuid.UUID -> *record
}

// Option configures a MemoryStore.
type Option func(*MemoryStore)

// WithClock sets the clock used to stamp versions.
func WithClock(now func() time.Time) Option {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	s := &MemoryStore{now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStore) record(id uuid.UUID) (*record, error) {
	v, ok := s.records.Load(id)
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return v.(*record), nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (*model.Entity, error) {
	r, err := s.record(id)
	if err != nil {
		return nil, err
	}
	return r.latest().Clone(), nil
}

// GetVersion implements Store.
func (s *MemoryStore) GetVersion(_ context.Context, id uuid.UUID, version int) (*model.Entity, error) {
	r, err := s.record(id)
	if err != nil {
		return nil, err
	}
	h := *r.history.Load()
	if version < 1 || version > len(h) {
		return nil, fmt.Errorf("%s version %d: %w", id, version, ErrNotFound)
	}
	return h[version-1].Clone(), nil
}

// History implements Store.
func (s *MemoryStore) History(_ context.Context, id uuid.UUID) ([]*model.Entity, error) {
	r, err := s.record(id)
	if err != nil {
		return nil, err
	}
	h := *r.history.Load()
	out := make([]*model.Entity, len(h))
	for i, e := range h {
		out[i] = e.Clone()
	}
	return out, nil
}

// FindByAlias implements Store.
func (s *MemoryStore) FindByAlias(_ context.Context, text string) ([]*model.Entity, error) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	return s.scan(func(e *model.Entity) bool { return e.HasVariation(text) }), nil
}

// FindByTaxID implements Store.
func (s *MemoryStore) FindByTaxID(_ context.Context, taxID string) ([]*model.Entity, error) {
	taxID = NormalizeTaxID(taxID)
	if taxID == "" {
		return nil, nil
	}
	return s.scan(func(e *model.Entity) bool { return NormalizeTaxID(e.TaxID) == taxID }), nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*model.Entity, error) {
	out := s.scan(filter.Matches)
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// scan returns matching latest versions ordered by merchant id.
func (s *MemoryStore) scan(match func(*model.Entity) bool) []*model.Entity {
	var out []*model.Entity
	s.records.Range(func(_, v any) bool {
		e := v.(*record).latest()
		if match(e) {
			out = append(out, e.Clone())
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].MerchantID != out[j].MerchantID {
			return out[i].MerchantID < out[j].MerchantID
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, e *model.Entity) (*model.Entity, error) {
	first, err := PrepareCreate(e, s.now())
	if err != nil {
		return nil, err
	}
	r := &record{}
	h := []*model.Entity{first}
	r.history.Store(&h)
	if _, loaded := s.records.LoadOrStore(first.ID, r); loaded {
		return nil, fmt.Errorf("%s (%s): %w", first.ID, first.MerchantID, ErrDuplicateEntry)
	}
	return first.Clone(), nil
}

// Update implements Store.
func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, expectedVersion int, changes model.EntityChanges) (*model.Entity, error) {
	r, err := s.record(id)
	if err != nil {
		return nil, err
	}
	current := r.latest()
	next, changed, err := NextVersion(current, expectedVersion, changes, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return current.Clone(), nil
	}
	if !r.append(current, next) {
		return nil, fmt.Errorf("%s changed during update: %w", id, ErrVersionConflict)
	}
	return next.Clone(), nil
}

// MarkMerged implements Store. Both new versions are built from one snapshot
// of the pair. The source is claimed first; a merged entity takes no further
// writes, so when the target then moves on the claim can be withdrawn and the
// pair retried.
func (s *MemoryStore) MarkMerged(ctx context.Context, source, target uuid.UUID, reason string) (*model.Entity, error) {
	src, err := s.record(source)
	if err != nil {
		return nil, err
	}
	dst, err := s.record(target)
	if err != nil {
		return nil, err
	}

	for i := 0; i < mergeAttempts; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		before, into := src.latest(), dst.latest()
		merged, grown, err := PrepareMerge(before, into, reason, s.now())
		if err != nil {
			return nil, err
		}
		if !src.append(before, merged) {
			continue
		}
		if dst.append(into, grown) {
			return merged.Clone(), nil
		}
		if !src.withdraw(merged) {
			return nil, fmt.Errorf("merge source %s changed while merged: %w", source, ErrVersionConflict)
		}
	}
	return nil, fmt.Errorf("merge of %s into %s kept conflicting: %w", source, target, ErrVersionConflict)
}

// NormalizeTaxID removes spacing and case differences from a tax id.
func NormalizeTaxID(taxID string) string {
	return strings.ToUpper(strings.Join(strings.Fields(taxID), ""))
}
