package rules

import (
	"fmt"
	"strings"

	"github.com/Veraticus/merchantflow/internal/common"
	"github.com/Veraticus/merchantflow/internal/model"
)

type validator func(model.Rule) error

// validators is the dispatch table from rule type to its field checks.
var validators = map[model.RuleType]validator{
	model.RuleTypeDetection:  validateTypeRule,
	model.RuleCounterparty:   validateCounterpartyRule,
	model.RuleNoisePattern:   validateNoiseRule,
	model.RuleDisambiguation: validateDisambiguationRule,
}

// Validate checks a single rule's required fields and patterns.
func Validate(rule model.Rule) error {
	if strings.TrimSpace(rule.ID) == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidRule)
	}
	check, ok := validators[rule.Type]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownType, rule.Type)
	}
	if len(rule.Patterns) == 0 {
		return fmt.Errorf("%w: at least one pattern is required", ErrInvalidRule)
	}
	for _, p := range rule.Patterns {
		if strings.TrimSpace(p) == "" {
			return fmt.Errorf("%w: empty pattern", ErrInvalidRule)
		}
		if usesRegex(rule) {
			if _, err := common.CompileInsensitive(p); err != nil {
				return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
			}
		}
	}
	if rule.Confidence < 0 || rule.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be between 0 and 1", ErrInvalidRule)
	}
	return check(rule)
}

func validateTypeRule(rule model.Rule) error {
	if rule.TxType == "" {
		return fmt.Errorf("%w: missing tx_type", ErrInvalidRule)
	}
	switch rule.Direction {
	case model.DirectionExpense, model.DirectionIncome, model.DirectionTransfer, model.DirectionUnknown:
	default:
		return fmt.Errorf("%w: invalid direction %q", ErrInvalidRule, rule.Direction)
	}
	for _, req := range rule.Requires {
		if req != model.RequireDeposit && req != model.RequireWithdrawal {
			return fmt.Errorf("%w: unknown requirement %q", ErrInvalidRule, req)
		}
	}
	return nil
}

func validateCounterpartyRule(rule model.Rule) error {
	if rule.CounterpartyID == "" {
		return fmt.Errorf("%w: missing counterparty_id", ErrInvalidRule)
	}
	if rule.CounterpartyType == "" {
		return fmt.Errorf("%w: missing counterparty_type", ErrInvalidRule)
	}
	return nil
}

func validateNoiseRule(rule model.Rule) error {
	switch rule.Kind {
	case model.NoiseTransactionID, model.NoiseAuthCode, model.NoiseTaxID, model.NoiseReference,
		model.NoiseExchangeRate, model.NoiseLocation, model.NoiseOther:
	default:
		return fmt.Errorf("%w: unknown noise kind %q", ErrInvalidRule, rule.Kind)
	}
	if !rule.Regex {
		return nil
	}
	switch rule.Kind {
	case model.NoiseTaxID:
		return requireGroups(rule, "value")
	case model.NoiseExchangeRate:
		return requireGroups(rule, "amount", "currency", "rate")
	}
	return nil
}

func validateDisambiguationRule(rule model.Rule) error {
	switch matchMode(rule) {
	case model.MatchExact, model.MatchPrefix, model.MatchContains, model.MatchRegex:
	default:
		return fmt.Errorf("%w: invalid match mode %q", ErrInvalidRule, rule.Match)
	}
	if rule.Category == "" {
		return fmt.Errorf("%w: missing category", ErrInvalidRule)
	}
	switch rule.EntityType {
	case "", model.EntityMerchant, model.EntityTaxAuthority, model.EntityPerson, model.EntityBusiness:
	default:
		return fmt.Errorf("%w: invalid entity_type %q", ErrInvalidRule, rule.EntityType)
	}
	return nil
}

// requireGroups checks that every pattern declares the named capture groups.
func requireGroups(rule model.Rule, names ...string) error {
	for _, p := range rule.Patterns {
		re, err := common.CompileInsensitive(p)
		if err != nil {
			return fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		for _, name := range names {
			if re.SubexpIndex(name) < 0 {
				return fmt.Errorf("%w: pattern %q lacks group %q", ErrInvalidRule, p, name)
			}
		}
	}
	return nil
}

func usesRegex(rule model.Rule) bool {
	return rule.Regex || rule.Match == model.MatchRegex
}

func matchMode(rule model.Rule) model.MatchMode {
	if rule.Match != "" {
		return rule.Match
	}
	if rule.Regex {
		return model.MatchRegex
	}
	return model.MatchExact
}
