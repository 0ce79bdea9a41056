package pipeline

import (
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/rules"
)

// RuleTypeDetector is the rule-driven TypeDetector.
type RuleTypeDetector struct {
	rules []*rules.Compiled
}

// NewTypeDetector creates a detector over the set's type-detection rules.
func NewTypeDetector(set *rules.Set) *RuleTypeDetector {
	return &RuleTypeDetector{rules: set.TypeDetection()}
}

// DetectType implements TypeDetector.
func (d *RuleTypeDetector) DetectType(raw model.RawTransaction) model.TypeClassification {
	return DetectType(raw, d.rules)
}

// DetectType returns the outcome of the first rule, in priority order, whose
// pattern occurs in the transaction text and whose field requirements hold.
// No match is an unknown type that stops the pipeline.
func DetectType(raw model.RawTransaction, list []*rules.Compiled) model.TypeClassification {
	for _, rule := range list {
		if !typeTextMatches(rule, raw) || !requirementsHold(rule, raw) {
			continue
		}
		return model.TypeClassification{
			Type:             rule.TxType,
			Direction:        rule.Direction,
			MerchantExpected: rule.MerchantExpected,
			Confidence:       rule.Confidence,
			RuleID:           rule.ID,
		}
	}

	return model.TypeClassification{
		Type:       model.TypeUnknown,
		Direction:  model.DirectionUnknown,
		Confidence: 0,
	}
}

func typeTextMatches(rule *rules.Compiled, raw model.RawTransaction) bool {
	if rule.Matches(raw.Description) {
		return true
	}
	if !rule.SearchContext {
		return false
	}
	for _, line := range raw.ContextLines {
		if rule.Matches(line) {
			return true
		}
	}
	return false
}

func requirementsHold(rule *rules.Compiled, raw model.RawTransaction) bool {
	for _, req := range rule.Requires {
		switch req {
		case model.RequireDeposit:
			if !raw.HasDeposit() {
				return false
			}
		case model.RequireWithdrawal:
			if !raw.HasWithdrawal() {
				return false
			}
		}
	}
	return true
}
