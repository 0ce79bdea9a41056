package model

import "time"

// RuleType selects which pipeline stage a rule drives.
type RuleType string

// Rule types, one collection per stage.
const (
	RuleTypeDetection  RuleType = "type-detection"
	RuleCounterparty   RuleType = "counterparty"
	RuleNoisePattern   RuleType = "noise-pattern"
	RuleDisambiguation RuleType = "disambiguation"
)

// RuleTypes lists every rule type in pipeline order.
var RuleTypes = []RuleType{RuleTypeDetection, RuleCounterparty, RuleNoisePattern, RuleDisambiguation}

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	for _, known := range RuleTypes {
		if t == known {
			return true
		}
	}
	return false
}

// MatchMode controls how a disambiguation rule compares against clean text.
type MatchMode string

// Match modes. Exact rules are tried before all others.
const (
	MatchExact    MatchMode = "exact"
	MatchPrefix   MatchMode = "prefix"
	MatchContains MatchMode = "contains"
	MatchRegex    MatchMode = "regex"
)

// Noise kinds recognised by the extractor.
const (
	NoiseTransactionID = "transaction-id"
	NoiseAuthCode      = "auth-code"
	NoiseTaxID         = "tax-id"
	NoiseReference     = "reference"
	NoiseExchangeRate  = "exchange-rate"
	NoiseLocation      = "location"
	NoiseOther         = "other"
)

// Rule is a declarative classification instruction. It is plain data; the
// fields used depend on Type.
type Rule struct {
	ID          string   `json:"id" yaml:"id"`
	Type        RuleType `json:"type" yaml:"type"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string   `json:"version,omitempty" yaml:"version,omitempty"`
	Patterns    []string `json:"patterns" yaml:"patterns"`
	Regex       bool     `json:"regex,omitempty" yaml:"regex,omitempty"`
	Priority    int      `json:"priority" yaml:"priority"`
	Confidence  float64  `json:"confidence" yaml:"confidence"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`

	// type-detection
	TxType           TransactionType `json:"tx_type,omitempty" yaml:"tx_type,omitempty"`
	Direction        Direction       `json:"direction,omitempty" yaml:"direction,omitempty"`
	MerchantExpected bool            `json:"merchant_expected,omitempty" yaml:"merchant_expected,omitempty"`
	Requires         []string        `json:"requires,omitempty" yaml:"requires,omitempty"`
	SearchContext    bool            `json:"search_context,omitempty" yaml:"search_context,omitempty"`

	// counterparty
	CounterpartyID   string `json:"counterparty_id,omitempty" yaml:"counterparty_id,omitempty"`
	CounterpartyType string `json:"counterparty_type,omitempty" yaml:"counterparty_type,omitempty"`
	ExtractAfter     string `json:"extract_after,omitempty" yaml:"extract_after,omitempty"`

	// noise-pattern
	Kind string `json:"kind,omitempty" yaml:"kind,omitempty"`

	// disambiguation
	Match        MatchMode  `json:"match,omitempty" yaml:"match,omitempty"`
	MerchantID   string     `json:"merchant_id,omitempty" yaml:"merchant_id,omitempty"`
	MerchantName string     `json:"merchant_name,omitempty" yaml:"merchant_name,omitempty"`
	Category     string     `json:"category,omitempty" yaml:"category,omitempty"`
	EntityType   EntityType `json:"entity_type,omitempty" yaml:"entity_type,omitempty"`
}

// Field presence requirements for type-detection rules.
const (
	RequireDeposit    = "deposit"
	RequireWithdrawal = "withdrawal"
)

// RuleVersion is the audit metadata of one rule-set snapshot.
type RuleVersion struct {
	Timestamp  time.Time  `json:"timestamp" yaml:"timestamp"`
	RollbackOf *time.Time `json:"rollback_of,omitempty" yaml:"rollback_of,omitempty"`
	RuleType   RuleType   `json:"rule_type" yaml:"rule_type"`
	Author     string     `json:"author" yaml:"author"`
	Reason     string     `json:"reason" yaml:"reason"`
	Notes      string     `json:"notes,omitempty" yaml:"notes,omitempty"`
	Sequence   int        `json:"sequence" yaml:"sequence"`
	RuleCount  int        `json:"rule_count" yaml:"rule_count"`
}

// RuleSnapshot is an immutable rule collection plus its version metadata.
type RuleSnapshot struct {
	Rules []Rule `json:"rules" yaml:"rules"`
	RuleVersion
}
