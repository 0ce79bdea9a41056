package model

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TransactionType tags what kind of statement line a transaction is.
type TransactionType string

// Well-known transaction types. Rule files may introduce others.
const (
	TypeCardPurchase    TransactionType = "card-purchase"
	TypeSPEITransferIn  TransactionType = "spei-transfer-in"
	TypeSPEITransferOut TransactionType = "spei-transfer-out"
	TypeDomiciliacion   TransactionType = "domiciliacion"
	TypeReversal        TransactionType = "reversal"
	TypeUnknown         TransactionType = "unknown"
)

// Direction indicates which way money moved.
type Direction string

// Direction constants.
const (
	DirectionExpense  Direction = "expense"
	DirectionIncome   Direction = "income"
	DirectionTransfer Direction = "transfer"
	DirectionUnknown  Direction = "unknown"
)

// TypeClassification is the Stage 1 result.
type TypeClassification struct {
	Type             TransactionType `json:"type"`
	Direction        Direction       `json:"direction"`
	RuleID           string          `json:"rule_id,omitempty"`
	Confidence       float64         `json:"confidence"`
	MerchantExpected bool            `json:"merchant_expected"`
}

// CounterpartyResult is the Stage 2 result. Found is false for direct
// merchants with no intermediary.
type CounterpartyResult struct {
	ID           string  `json:"id,omitempty"`
	Type         string  `json:"type,omitempty"`
	ExtractAfter string  `json:"extract_after,omitempty"`
	RuleID       string  `json:"rule_id,omitempty"`
	Confidence   float64 `json:"confidence,omitempty"`
	// SignatureEnd is the byte offset in the description just past the last
	// matched signature.
	SignatureEnd int  `json:"signature_end,omitempty"`
	Found        bool `json:"found"`
}

// RemovedNoise records a substring stripped from the merchant text.
type RemovedNoise struct {
	RuleID string `json:"rule_id"`
	Kind   string `json:"kind"`
	Text   string `json:"text"`
}

// FXInfo carries the foreign-currency details found on a multi-currency line.
type FXInfo struct {
	OriginalCurrency string          `json:"original_currency"`
	OriginalAmount   decimal.Decimal `json:"original_amount"`
	ExchangeRate     decimal.Decimal `json:"exchange_rate"`
}

// Extraction is the Stage 3 result.
type Extraction struct {
	FX            *FXInfo        `json:"fx,omitempty"`
	CleanMerchant string         `json:"clean_merchant"`
	TaxID         string         `json:"tax_id,omitempty"`
	RemovedNoise  []RemovedNoise `json:"removed_noise"`
	KeptContext   []string       `json:"kept_context"`
}

// DisambiguationMethod names the resolution step that produced a merchant id.
type DisambiguationMethod string

// Disambiguation methods, in the order they are tried.
const (
	MethodExact    DisambiguationMethod = "exact"
	MethodPattern  DisambiguationMethod = "pattern"
	MethodExternal DisambiguationMethod = "external"
	MethodFallback DisambiguationMethod = "fallback"
)

// CategoryUncategorized is assigned by the generic fallback.
const CategoryUncategorized = "uncategorized"

// Disambiguation is the Stage 4 result.
type Disambiguation struct {
	MerchantID   string               `json:"merchant_id"`
	MerchantName string               `json:"merchant_name"`
	Category     string               `json:"category"`
	EntityType   EntityType           `json:"entity_type"`
	Reason       string               `json:"reason"`
	Method       DisambiguationMethod `json:"method"`
	RuleID       string               `json:"rule_id,omitempty"`
	Confidence   float64              `json:"confidence"`
	DerivedID    bool                 `json:"derived_id,omitempty"`
}

// MatchKind names the Entity Store lookup that resolved an entity.
type MatchKind string

// Match kinds, in lookup order.
const (
	MatchID      MatchKind = "id"
	MatchTaxID   MatchKind = "tax-id"
	MatchAlias   MatchKind = "alias"
	MatchFuzzy   MatchKind = "fuzzy"
	MatchCreated MatchKind = "created"
)

// EntityRef is the slice of an entity that travels with a transaction.
type EntityRef struct {
	MerchantID    string     `json:"merchant_id"`
	CanonicalName string     `json:"canonical_name"`
	Category      string     `json:"category"`
	EntityType    EntityType `json:"entity_type"`
	ID            uuid.UUID  `json:"id"`
}

// Resolution is the Stage 5 result.
type Resolution struct {
	SuspectedDuplicateOf *uuid.UUID     `json:"suspected_duplicate_of,omitempty"`
	Entity               EntityRef      `json:"entity"`
	EntityState          EntityState    `json:"entity_state"`
	Match                MatchKind      `json:"match"`
	Anomaly              *AmountAnomaly `json:"anomaly,omitempty"`
	Confidence           float64        `json:"confidence"`
	NeedsVerification    bool           `json:"needs_verification"`
}

// AmountAnomaly is the result of comparing a transaction amount with the
// amounts previously seen for the same entity.
type AmountAnomaly struct {
	Mean       decimal.Decimal `json:"mean"`
	Reasons    []string        `json:"reasons"`
	Score      float64         `json:"score"`
	Confidence float64         `json:"confidence"`
	History    int             `json:"history"`
	IsAnomaly  bool            `json:"is_anomaly"`
}
