package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntityNamespace seeds the name-based UUIDs given to entities.
var EntityNamespace = uuid.MustParse("6f1c3b52-9d0e-5a7f-8c41-2e7b9a0d4f15")

// EntityIDFor returns the stable identity for a merchant id. The same
// merchant id always yields the same entity id.
func EntityIDFor(merchantID string) uuid.UUID {
	return uuid.NewSHA1(EntityNamespace, []byte(strings.ToLower(merchantID)))
}

// EntityType classifies what kind of party an entity is.
type EntityType string

// Entity types.
const (
	EntityMerchant     EntityType = "merchant"
	EntityTaxAuthority EntityType = "tax-authority"
	EntityPerson       EntityType = "person"
	EntityBusiness     EntityType = "business"
)

// EntityState is an entity's lifecycle state.
type EntityState string

// Entity states.
const (
	StateProvisional EntityState = "provisional"
	StateCanonical   EntityState = "canonical"
	StateMerged      EntityState = "merged"
)

// VariationSource indicates how a variation was learned.
type VariationSource string

const (
	// SourcePipeline indicates the variation was observed by the resolver.
	SourcePipeline VariationSource = "PIPELINE"
	// SourceManual indicates the variation was added by a person.
	SourceManual VariationSource = "MANUAL"
	// SourceMerge indicates the variation came from a merged entity.
	SourceMerge VariationSource = "MERGE"
)

// Variation is an alternative surface string that identifies an entity.
type Variation struct {
	AddedAt    time.Time       `json:"added_at"`
	Text       string          `json:"text"`
	Source     VariationSource `json:"source"`
	Confidence float64         `json:"confidence"`
}

// Sighting records a statement line counted towards an entity's stats.
type Sighting struct {
	Date        time.Time       `json:"date"`
	Amount      decimal.Decimal `json:"amount"`
	Fingerprint string          `json:"fingerprint"`
}

// Entity is one version of a canonical merchant or counterparty record.
type Entity struct {
	FirstSeen        time.Time   `json:"first_seen"`
	LastSeen         time.Time   `json:"last_seen"`
	RecordedAt       time.Time   `json:"recorded_at"`
	MergedInto       *uuid.UUID  `json:"merged_into,omitempty"`
	SuspectedDupOf   *uuid.UUID  `json:"suspected_duplicate_of,omitempty"`
	MerchantID       string      `json:"merchant_id"`
	CanonicalName    string      `json:"canonical_name"`
	Category         string      `json:"category"`
	TaxID            string      `json:"tax_id,omitempty"`
	Country          string      `json:"country,omitempty"`
	EntityType       EntityType  `json:"entity_type"`
	State            EntityState `json:"state"`
	MergeReason      string      `json:"merge_reason,omitempty"`
	Variations       []Variation `json:"variations"`
	Sightings        []Sighting  `json:"sightings"`
	TransactionCount int         `json:"transaction_count"`
	Version          int         `json:"version"`
	Confidence       float64     `json:"confidence"`
	ID               uuid.UUID   `json:"id"`
}

// StateLabel renders the state the way reviewers read it, e.g.
// "merged-into:<id>".
func (e *Entity) StateLabel() string {
	if e.State == StateMerged && e.MergedInto != nil {
		return "merged-into:" + e.MergedInto.String()
	}
	return string(e.State)
}

// Ref returns the reference carried on resolved transactions.
func (e *Entity) Ref() EntityRef {
	return EntityRef{
		ID:            e.ID,
		MerchantID:    e.MerchantID,
		CanonicalName: e.CanonicalName,
		Category:      e.Category,
		EntityType:    e.EntityType,
	}
}

// HasVariation reports whether text is already a known surface string.
func (e *Entity) HasVariation(text string) bool {
	norm := NormalizeAlias(text)
	if NormalizeAlias(e.CanonicalName) == norm {
		return true
	}
	for _, v := range e.Variations {
		if NormalizeAlias(v.Text) == norm {
			return true
		}
	}
	return false
}

// HasSighting reports whether the statement line was already counted.
func (e *Entity) HasSighting(fingerprint string) bool {
	for _, s := range e.Sightings {
		if s.Fingerprint == fingerprint {
			return true
		}
	}
	return false
}

// SightingsSince counts sightings dated on or after since.
func (e *Entity) SightingsSince(since time.Time) int {
	n := 0
	for _, s := range e.Sightings {
		if !s.Date.Before(since) {
			n++
		}
	}
	return n
}

// Clone returns a deep copy so a new version can be built without touching
// the stored one.
func (e *Entity) Clone() *Entity {
	c := *e
	c.Variations = append([]Variation(nil), e.Variations...)
	c.Sightings = append([]Sighting(nil), e.Sightings...)
	if e.MergedInto != nil {
		id := *e.MergedInto
		c.MergedInto = &id
	}
	if e.SuspectedDupOf != nil {
		id := *e.SuspectedDupOf
		c.SuspectedDupOf = &id
	}
	return &c
}

// NormalizeAlias folds a surface string for alias comparison.
func NormalizeAlias(text string) string {
	return strings.Join(strings.Fields(strings.ToUpper(text)), " ")
}

// EntityChanges describes one mutation applied by the resolver or a reviewer.
// Zero-valued fields are left unchanged.
type EntityChanges struct {
	Sighting      *Sighting
	Variation     *Variation
	CanonicalName string
	Category      string
	TaxID         string
	Country       string
	EntityType    EntityType
	State         EntityState
	Confidence    float64
}

// IsEmpty reports whether applying the changes would be a no-op.
func (c EntityChanges) IsEmpty() bool {
	return c.Sighting == nil && c.Variation == nil && c.CanonicalName == "" &&
		c.Category == "" && c.TaxID == "" && c.Country == "" && c.EntityType == "" &&
		c.State == ""
}

// Apply builds the next version of e. It reports false when nothing changed,
// for example when the sighting was already counted and the variation is known.
func (c EntityChanges) Apply(e *Entity, now time.Time) (*Entity, bool) {
	next := e.Clone()
	changed := false

	if c.Sighting != nil && !next.HasSighting(c.Sighting.Fingerprint) {
		next.Sightings = append(next.Sightings, *c.Sighting)
		n := float64(next.TransactionCount)
		next.Confidence = (next.Confidence*n + c.Confidence) / (n + 1)
		next.TransactionCount++
		if next.FirstSeen.IsZero() || c.Sighting.Date.Before(next.FirstSeen) {
			next.FirstSeen = c.Sighting.Date
		}
		if c.Sighting.Date.After(next.LastSeen) {
			next.LastSeen = c.Sighting.Date
		}
		changed = true
	}
	if c.Variation != nil && !next.HasVariation(c.Variation.Text) {
		next.Variations = append(next.Variations, *c.Variation)
		changed = true
	}
	if c.CanonicalName != "" && c.CanonicalName != next.CanonicalName {
		next.CanonicalName = c.CanonicalName
		changed = true
	}
	if c.Category != "" && c.Category != next.Category {
		next.Category = c.Category
		changed = true
	}
	if c.TaxID != "" && c.TaxID != next.TaxID {
		next.TaxID = c.TaxID
		changed = true
	}
	if c.Country != "" && c.Country != next.Country {
		next.Country = c.Country
		changed = true
	}
	if c.EntityType != "" && c.EntityType != next.EntityType {
		next.EntityType = c.EntityType
		changed = true
	}
	if c.State != "" && c.State != next.State {
		next.State = c.State
		changed = true
	}

	if !changed {
		return e, false
	}
	next.Version = e.Version + 1
	next.RecordedAt = now
	return next, true
}
