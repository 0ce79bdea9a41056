package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/rules"
)

// Confidence assigned by the generic fallback.
const (
	FallbackConfidence      = 0.3
	EmptyMerchantConfidence = 0.1
	UnknownMerchantID       = "unknown-merchant"
)

// RuleDisambiguator is the rule-driven Disambiguator.
type RuleDisambiguator struct {
	rules []*rules.Compiled
}

// NewDisambiguator creates a disambiguator over the set's disambiguation rules.
func NewDisambiguator(set *rules.Set) *RuleDisambiguator {
	return &RuleDisambiguator{rules: set.Disambiguation()}
}

// Disambiguate implements Disambiguator.
func (d *RuleDisambiguator) Disambiguate(_ context.Context, txn *model.Transaction) model.Disambiguation {
	clean := ""
	if txn.Extraction != nil {
		clean = txn.Extraction.CleanMerchant
	}
	return Disambiguate(clean, d.rules)
}

// Disambiguate resolves clean merchant text in three steps, each tried only
// when the previous one fails: exact rules, then prefix/contains/regex rules,
// then a slug of the text itself. Rules that share a root brand but name a
// different product line carry their own merchant id and category, and the
// more specific pattern wins through priority and pattern length.
func Disambiguate(clean string, list []*rules.Compiled) model.Disambiguation {
	key := MatchKey(clean)
	if key == "" {
		return model.Disambiguation{
			MerchantID:   UnknownMerchantID,
			MerchantName: "Unknown Merchant",
			Category:     model.CategoryUncategorized,
			EntityType:   model.EntityMerchant,
			Method:       model.MethodFallback,
			Reason:       "no merchant text left after noise removal",
			Confidence:   EmptyMerchantConfidence,
		}
	}

	for _, rule := range list {
		if rule.Mode() != model.MatchExact {
			continue
		}
		for _, p := range rule.Patterns {
			if MatchKey(p) == key {
				return fromRule(rule, clean, model.MethodExact,
					fmt.Sprintf("exact match %q (rule %s)", p, rule.ID))
			}
		}
	}

	for _, rule := range list {
		if rule.Mode() == model.MatchExact {
			continue
		}
		if p, ok := patternMatch(rule, clean, key); ok {
			return fromRule(rule, clean, model.MethodPattern,
				fmt.Sprintf("%s match %q (rule %s)", rule.Mode(), p, rule.ID))
		}
	}

	return model.Disambiguation{
		MerchantID:   Slugify(clean),
		MerchantName: DisplayName(clean),
		Category:     model.CategoryUncategorized,
		EntityType:   model.EntityMerchant,
		Method:       model.MethodFallback,
		Reason:       "no disambiguation rule matched; merchant id derived from text",
		Confidence:   FallbackConfidence,
		DerivedID:    true,
	}
}

// patternMatch compares on word boundaries so "REST" does not claim
// "RESTORATION HARDWARE".
func patternMatch(rule *rules.Compiled, clean, key string) (string, bool) {
	switch rule.Mode() {
	case model.MatchPrefix:
		for _, p := range rule.Patterns {
			pk := MatchKey(p)
			if pk != "" && (key == pk || strings.HasPrefix(key, pk+" ")) {
				return p, true
			}
		}
	case model.MatchContains:
		padded := " " + key + " "
		for _, p := range rule.Patterns {
			pk := MatchKey(p)
			if pk != "" && strings.Contains(padded, " "+pk+" ") {
				return p, true
			}
		}
	case model.MatchRegex:
		// Regex rules see the clean text first so punctuation in a pattern
		// can match, then the folded key so accents need not be spelled out.
		for _, text := range []string{clean, key} {
			if _, i, ok := rule.Find(text); ok {
				return rule.Patterns[i], true
			}
		}
	}
	return "", false
}

func fromRule(rule *rules.Compiled, clean string, method model.DisambiguationMethod, reason string) model.Disambiguation {
	d := model.Disambiguation{
		MerchantID:   rule.MerchantID,
		MerchantName: rule.MerchantName,
		Category:     rule.Category,
		EntityType:   rule.EntityType,
		Method:       method,
		Reason:       reason,
		RuleID:       rule.ID,
		Confidence:   rule.Confidence,
	}
	if d.MerchantID == "" {
		d.MerchantID = Slugify(clean)
		d.DerivedID = true
	}
	if d.MerchantName == "" {
		d.MerchantName = DisplayName(clean)
	}
	if d.EntityType == "" {
		d.EntityType = model.EntityMerchant
	}
	return d
}
