package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Veraticus/merchantflow/internal/common"
	"github.com/Veraticus/merchantflow/internal/entity"
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/google/uuid"
)

// ErrNothingToResolve is returned when stage 4 produced no merchant to bind.
var ErrNothingToResolve = errors.New("no merchant to resolve")

// TaxIDConfidence is the floor applied when an entity is found by tax id.
const TaxIDConfidence = 0.95

// ResolverConfig tunes stage 5.
type ResolverConfig struct {
	DuplicatePolicy entity.DuplicatePolicy
	DefaultCountry  string
	Retry           common.RetryOptions
	Amounts         entity.AmountCheck
	FuzzyThreshold  int
	FuzzyPenalty    float64
	VerifyBelow     float64
}

// DefaultResolverConfig returns the built-in resolver settings.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		DuplicatePolicy: entity.PolicyFlag,
		DefaultCountry:  "MX",
		FuzzyThreshold:  entity.DefaultFuzzyThreshold,
		FuzzyPenalty:    0.1,
		VerifyBelow:     0.6,
		Amounts:         entity.DefaultAmountCheck(),
		Retry: common.RetryOptions{
			MaxAttempts:  5,
			InitialDelay: 5 * time.Millisecond,
			MaxDelay:     200 * time.Millisecond,
			Multiplier:   2,
		},
	}
}

// StoreResolver is the Entity Store backed EntityResolver.
type StoreResolver struct {
	store entity.Store
	fuzzy *entity.FuzzyMatcher
	cfg   ResolverConfig
}

// NewResolver creates a resolver over store.
func NewResolver(store entity.Store, cfg ResolverConfig) *StoreResolver {
	if cfg.DuplicatePolicy == "" {
		cfg.DuplicatePolicy = entity.PolicyFlag
	}
	return &StoreResolver{store: store, fuzzy: entity.NewFuzzyMatcher(cfg.FuzzyThreshold), cfg: cfg}
}

// resolveInput is what stage 5 reads from the earlier stages.
type resolveInput struct {
	disambiguation *model.Disambiguation
	sighting       model.Sighting
	surface        string
	taxID          string
}

func inputFor(txn *model.Transaction) (resolveInput, error) {
	d := txn.Disambiguation
	if d == nil || d.MerchantID == "" || d.MerchantID == UnknownMerchantID {
		return resolveInput{}, ErrNothingToResolve
	}
	in := resolveInput{
		disambiguation: d,
		sighting: model.Sighting{
			Date:        txn.Raw.Date,
			Amount:      txn.Raw.Magnitude(),
			Fingerprint: txn.Raw.Fingerprint(),
		},
		surface: d.MerchantName,
	}
	if txn.Extraction != nil {
		if txn.Extraction.CleanMerchant != "" {
			in.surface = txn.Extraction.CleanMerchant
		}
		in.taxID = entity.NormalizeTaxID(txn.Extraction.TaxID)
	}
	return in, nil
}

// ResolveEntity implements EntityResolver. Lookups run in order: entity id,
// tax id, alias, then fuzzy name match for merchant ids derived from text.
// A sighting is counted at most once per statement line, so re-running a
// batch leaves the store unchanged.
func (r *StoreResolver) ResolveEntity(ctx context.Context, txn *model.Transaction) (model.Resolution, error) {
	in, err := inputFor(txn)
	if err != nil {
		return model.Resolution{}, err
	}
	d := in.disambiguation

	found, match, err := r.lookup(ctx, in)
	if err != nil {
		return model.Resolution{}, err
	}
	if found != nil {
		return r.attach(ctx, in, found, match, d.Confidence)
	}

	if d.DerivedID {
		candidates, err := r.store.List(ctx, entity.Filter{})
		if err != nil {
			return model.Resolution{}, fmt.Errorf("listing fuzzy candidates: %w", err)
		}
		if fm, ok := r.fuzzy.Best(d.MerchantName, candidates); ok {
			return r.fuzzyMatched(ctx, in, fm)
		}
	}

	created, err := r.create(ctx, in, d.Confidence, nil)
	if err != nil {
		return model.Resolution{}, err
	}
	return r.resolution(in, created, model.MatchCreated, d.Confidence, false), nil
}

// lookup runs the exact lookups. Merged entities are followed to the entity
// they were merged into.
func (r *StoreResolver) lookup(ctx context.Context, in resolveInput) (*model.Entity, model.MatchKind, error) {
	e, err := r.store.Get(ctx, model.EntityIDFor(in.disambiguation.MerchantID))
	switch {
	case err == nil:
		return r.follow(ctx, e, model.MatchID)
	case !errors.Is(err, entity.ErrNotFound):
		return nil, "", fmt.Errorf("looking up %s: %w", in.disambiguation.MerchantID, err)
	}

	if in.taxID != "" {
		matches, err := r.store.FindByTaxID(ctx, in.taxID)
		if err != nil {
			return nil, "", fmt.Errorf("looking up tax id: %w", err)
		}
		if len(matches) > 0 {
			return r.follow(ctx, matches[0], model.MatchTaxID)
		}
	}

	matches, err := r.store.FindByAlias(ctx, in.surface)
	if err != nil {
		return nil, "", fmt.Errorf("looking up alias: %w", err)
	}
	if len(matches) > 0 {
		return r.follow(ctx, matches[0], model.MatchAlias)
	}
	return nil, "", nil
}

func (r *StoreResolver) follow(ctx context.Context, e *model.Entity, match model.MatchKind) (*model.Entity, model.MatchKind, error) {
	target, err := entity.Follow(ctx, r.store, e)
	if err != nil {
		return nil, "", err
	}
	return target, match, nil
}

// attach counts the sighting against an existing entity.
func (r *StoreResolver) attach(ctx context.Context, in resolveInput, e *model.Entity, match model.MatchKind, conf float64) (model.Resolution, error) {
	if match == model.MatchTaxID {
		conf = max(conf, TaxIDConfidence)
	}
	changes := r.changesFor(in, e, conf, true)
	updated, err := r.update(ctx, e, changes)
	if err != nil {
		return model.Resolution{}, err
	}

	if match == model.MatchID && r.createdBy(ctx, updated, in.sighting.Fingerprint) {
		match = model.MatchCreated
	}
	res := r.resolution(in, updated, match, conf, false)

	if updated.SuspectedDupOf != nil && updated.State == model.StateProvisional {
		r.flagDuplicate(ctx, &res, updated)
	}
	return res, nil
}

// fuzzyMatched applies the configured duplicate policy.
func (r *StoreResolver) fuzzyMatched(ctx context.Context, in resolveInput, fm entity.FuzzyMatch) (model.Resolution, error) {
	conf := r.penalize(in.disambiguation.Confidence, fm.Distance)
	target := fm.Entity
	slog.Debug("fuzzy entity match",
		"merchant_id", in.disambiguation.MerchantID,
		"matched", target.MerchantID,
		"distance", fm.Distance,
		"policy", r.cfg.DuplicatePolicy)

	switch r.cfg.DuplicatePolicy {
	case entity.PolicyAttach:
		// The surface text is not learned as an alias until someone confirms
		// the match.
		updated, err := r.update(ctx, target, r.changesFor(in, target, conf, false))
		if err != nil {
			return model.Resolution{}, err
		}
		return r.resolution(in, updated, model.MatchFuzzy, conf, true), nil

	case entity.PolicyMerge:
		created, err := r.create(ctx, in, conf, nil)
		if err != nil {
			return model.Resolution{}, err
		}
		reason := fmt.Sprintf("fuzzy match of %q to %q (distance %d)",
			created.CanonicalName, target.CanonicalName, fm.Distance)
		if _, err := r.store.MarkMerged(ctx, created.ID, target.ID, reason); err != nil {
			return model.Resolution{}, fmt.Errorf("merging %s: %w", created.MerchantID, err)
		}
		grown, err := r.store.Get(ctx, target.ID)
		if err != nil {
			return model.Resolution{}, err
		}
		updated, err := r.update(ctx, grown, r.changesFor(in, grown, conf, false))
		if err != nil {
			return model.Resolution{}, err
		}
		res := r.resolution(in, updated, model.MatchFuzzy, conf, true)
		res.EntityState = model.StateMerged
		return res, nil

	default:
		created, err := r.create(ctx, in, conf, &target.ID)
		if err != nil {
			return model.Resolution{}, err
		}
		res := r.resolution(in, created, model.MatchCreated, conf, true)
		res.SuspectedDuplicateOf = &target.ID
		return res, nil
	}
}

// flagDuplicate marks a resolution against an entity that was created as a
// suspected duplicate, with the same penalty it was given at creation.
func (r *StoreResolver) flagDuplicate(ctx context.Context, res *model.Resolution, e *model.Entity) {
	res.SuspectedDuplicateOf = e.SuspectedDupOf
	res.NeedsVerification = true
	target, err := r.store.Get(ctx, *e.SuspectedDupOf)
	if err != nil {
		slog.Warn("suspected duplicate target missing", "entity_id", e.ID, "error", err)
		return
	}
	if fm, ok := r.fuzzy.Best(e.CanonicalName, []*model.Entity{target}); ok {
		res.Confidence = r.penalize(res.Confidence, fm.Distance)
	}
}

// changesFor builds the update for a sighting of e.
func (r *StoreResolver) changesFor(in resolveInput, e *model.Entity, conf float64, learnAlias bool) model.EntityChanges {
	s := in.sighting
	changes := model.EntityChanges{Sighting: &s, Confidence: conf}
	if learnAlias && in.surface != "" && !e.HasVariation(in.surface) {
		changes.Variation = &model.Variation{
			Text:       in.surface,
			Source:     model.SourcePipeline,
			Confidence: conf,
			AddedAt:    in.sighting.Date,
		}
	}
	if e.TaxID == "" && in.taxID != "" {
		changes.TaxID = in.taxID
	}
	return changes
}

// update applies changes with optimistic concurrency, re-reading the entity
// after each conflict.
func (r *StoreResolver) update(ctx context.Context, e *model.Entity, changes model.EntityChanges) (*model.Entity, error) {
	var out *model.Entity
	err := common.WithRetry(ctx, func() error {
		updated, err := r.store.Update(ctx, e.ID, e.Version, changes)
		if err == nil {
			out = updated
			return nil
		}
		if !errors.Is(err, entity.ErrVersionConflict) {
			return common.Permanent(err)
		}
		fresh, getErr := r.store.Get(ctx, e.ID)
		if getErr != nil {
			return common.Permanent(getErr)
		}
		e = fresh
		return err
	}, r.cfg.Retry)
	if err != nil {
		return nil, fmt.Errorf("updating entity %s: %w", e.MerchantID, err)
	}
	return out, nil
}

// create stores a provisional entity for the sighting. If another writer
// created it first, the sighting is counted against theirs.
func (r *StoreResolver) create(ctx context.Context, in resolveInput, conf float64, dupOf *uuid.UUID) (*model.Entity, error) {
	d := in.disambiguation
	s := in.sighting
	e := &model.Entity{
		ID:               model.EntityIDFor(d.MerchantID),
		MerchantID:       d.MerchantID,
		CanonicalName:    d.MerchantName,
		Category:         d.Category,
		TaxID:            in.taxID,
		Country:          r.cfg.DefaultCountry,
		EntityType:       d.EntityType,
		State:            model.StateProvisional,
		Sightings:        []model.Sighting{s},
		TransactionCount: 1,
		Confidence:       conf,
		SuspectedDupOf:   dupOf,
		FirstSeen:        s.Date,
		LastSeen:         s.Date,
	}
	if in.surface != "" && !e.HasVariation(in.surface) {
		e.Variations = []model.Variation{{
			Text:       in.surface,
			Source:     model.SourcePipeline,
			Confidence: conf,
			AddedAt:    s.Date,
		}}
	}

	created, err := r.store.Create(ctx, e)
	if errors.Is(err, entity.ErrDuplicateEntry) {
		existing, getErr := r.store.Get(ctx, e.ID)
		if getErr != nil {
			return nil, getErr
		}
		return r.update(ctx, existing, r.changesFor(in, existing, conf, true))
	}
	if err != nil {
		return nil, fmt.Errorf("creating entity %s: %w", d.MerchantID, err)
	}
	slog.Debug("provisional entity created", "entity_id", created.ID, "merchant_id", created.MerchantID)
	return created, nil
}

// createdBy reports whether the entity's first version was created from the
// statement line with this fingerprint.
func (r *StoreResolver) createdBy(ctx context.Context, e *model.Entity, fingerprint string) bool {
	if len(e.Sightings) == 0 || e.Sightings[0].Fingerprint != fingerprint {
		return false
	}
	first, err := r.store.GetVersion(ctx, e.ID, 1)
	if err != nil {
		return false
	}
	return first.HasSighting(fingerprint)
}

func (r *StoreResolver) penalize(conf float64, distance int) float64 {
	return max(0, conf*(1-float64(distance)*r.cfg.FuzzyPenalty))
}

// resolution also compares the sighting's amount with the entity's history.
func (r *StoreResolver) resolution(in resolveInput, e *model.Entity, match model.MatchKind, conf float64, fuzzy bool) model.Resolution {
	return model.Resolution{
		Entity:            e.Ref(),
		EntityState:       e.State,
		Match:             match,
		Confidence:        conf,
		NeedsVerification: fuzzy || conf < r.cfg.VerifyBelow,
		Anomaly:           r.cfg.Amounts.Check(e, in.sighting),
	}
}

var _ EntityResolver = (*StoreResolver)(nil)
