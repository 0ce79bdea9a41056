// Package pipeline turns raw statement lines into resolved merchant entities
// through five ordered stages. Each stage only adds its own result to the
// transaction; stage 1 can end processing early when no merchant is expected.
package pipeline

import (
	"context"

	"github.com/Veraticus/merchantflow/internal/model"
)

// TypeDetector classifies a raw transaction's type and direction (stage 1).
type TypeDetector interface {
	DetectType(raw model.RawTransaction) model.TypeClassification
}

// CounterpartyDetector finds a payment aggregator standing in front of the
// real merchant (stage 2).
type CounterpartyDetector interface {
	DetectCounterparty(txn *model.Transaction) model.CounterpartyResult
}

// MerchantExtractor strips noise tokens to produce a clean merchant string
// (stage 3).
type MerchantExtractor interface {
	ExtractMerchant(txn *model.Transaction) model.Extraction
}

// Disambiguator maps a clean merchant string to a specific merchant (stage 4).
type Disambiguator interface {
	Disambiguate(ctx context.Context, txn *model.Transaction) model.Disambiguation
}

// EntityResolver binds a disambiguated merchant to a stable entity (stage 5).
type EntityResolver interface {
	ResolveEntity(ctx context.Context, txn *model.Transaction) (model.Resolution, error)
}
