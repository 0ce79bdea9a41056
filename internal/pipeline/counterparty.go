package pipeline

import (
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/rules"
)

// RuleCounterpartyDetector is the rule-driven CounterpartyDetector.
type RuleCounterpartyDetector struct {
	rules []*rules.Compiled
}

// NewCounterpartyDetector creates a detector over the set's counterparty rules.
func NewCounterpartyDetector(set *rules.Set) *RuleCounterpartyDetector {
	return &RuleCounterpartyDetector{rules: set.Counterparties()}
}

// DetectCounterparty implements CounterpartyDetector.
func (d *RuleCounterpartyDetector) DetectCounterparty(txn *model.Transaction) model.CounterpartyResult {
	return DetectCounterparty(txn, d.rules)
}

// DetectCounterparty reports the first aggregator whose signature appears in
// the description. Not finding one is the common case of a direct merchant.
func DetectCounterparty(txn *model.Transaction, list []*rules.Compiled) model.CounterpartyResult {
	for _, rule := range list {
		end := signatureEnd(txn.Raw.Description, rule)
		if end < 0 {
			continue
		}
		return model.CounterpartyResult{
			SignatureEnd: end,
			Found:        true,
			ID:           rule.CounterpartyID,
			Type:         rule.CounterpartyType,
			ExtractAfter: rule.ExtractAfter,
			RuleID:       rule.ID,
			Confidence:   rule.Confidence,
		}
	}
	return model.CounterpartyResult{Found: false}
}

// signatureEnd returns the offset just past the last occurrence of any of
// the rule's patterns, or -1 when none occurs.
func signatureEnd(text string, rule *rules.Compiled) int {
	end := -1
	for _, re := range rule.Matchers() {
		for _, loc := range re.FindAllStringIndex(text, -1) {
			if loc[1] > end {
				end = loc[1]
			}
		}
	}
	return end
}
