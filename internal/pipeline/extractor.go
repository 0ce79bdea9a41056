package pipeline

import (
	"regexp"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/Veraticus/merchantflow/internal/common"
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/rules"
)

// separators are trimmed from both ends of the clean merchant string.
const separators = " \t-*#.,:;/|_"

// RuleMerchantExtractor is the rule-driven MerchantExtractor.
type RuleMerchantExtractor struct {
	rules []*rules.Compiled
}

// NewMerchantExtractor creates an extractor over the set's noise rules.
func NewMerchantExtractor(set *rules.Set) *RuleMerchantExtractor {
	return &RuleMerchantExtractor{rules: set.Noise()}
}

// ExtractMerchant implements MerchantExtractor.
func (e *RuleMerchantExtractor) ExtractMerchant(txn *model.Transaction) model.Extraction {
	return ExtractMerchant(txn, e.rules)
}

// ExtractMerchant strips noise from the merchant portion of the description.
// With a counterparty anchor only the text after the anchor is considered.
// Every stripped substring is recorded; tax ids and foreign-exchange
// annotations are surfaced as side extractions.
func ExtractMerchant(txn *model.Transaction, noise []*rules.Compiled) model.Extraction {
	ext := model.Extraction{
		RemovedNoise: []model.RemovedNoise{},
		KeptContext:  []string{},
	}

	text := txn.Raw.Description
	if cp := txn.Counterparty; cp != nil && cp.Found {
		text = merchantPortion(text, cp)
	}

	ext.CleanMerchant = cleanText(stripNoise(text, noise, &ext))

	for _, line := range txn.Raw.ContextLines {
		if kept := cleanText(stripNoise(line, noise, &ext)); kept != "" {
			ext.KeptContext = append(ext.KeptContext, kept)
		}
	}

	return ext
}

// merchantPortion returns the text following the last occurrence of the
// counterparty anchor. Statements often spell the aggregator differently from
// the anchor, so without it the text after the matched signature is used.
func merchantPortion(text string, cp *model.CounterpartyResult) string {
	if cp.ExtractAfter != "" {
		locs := common.LiteralInsensitive(cp.ExtractAfter).FindAllStringIndex(text, -1)
		if len(locs) > 0 {
			return trimLeadingMarks(text[locs[len(locs)-1][1]:])
		}
	}
	if cp.SignatureEnd > 0 && cp.SignatureEnd <= len(text) {
		return trimLeadingMarks(text[cp.SignatureEnd:])
	}
	return text
}

// trimLeadingMarks drops the "*" and spaces aggregators put before the
// merchant name.
func trimLeadingMarks(text string) string {
	return strings.TrimLeft(text, " \t*")
}

// stripNoise applies every noise rule in order, removing each match and
// recording it on ext.
func stripNoise(text string, noise []*rules.Compiled, ext *model.Extraction) string {
	for _, rule := range noise {
		for _, re := range rule.Matchers() {
			text = removeMatches(text, re, rule, ext)
		}
	}
	return text
}

func removeMatches(text string, re *regexp.Regexp, rule *rules.Compiled, ext *model.Extraction) string {
	matches := re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text
	}

	var b strings.Builder
	last := 0
	for _, m := range matches {
		if m[0] == m[1] {
			continue
		}
		ext.RemovedNoise = append(ext.RemovedNoise, model.RemovedNoise{
			RuleID: rule.ID,
			Kind:   rule.Kind,
			Text:   strings.TrimSpace(text[m[0]:m[1]]),
		})
		captureSideFields(text, re, m, rule.Kind, ext)

		b.WriteString(text[last:m[0]])
		b.WriteByte(' ')
		last = m[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// captureSideFields keeps the first tax id and exchange-rate annotation seen.
func captureSideFields(text string, re *regexp.Regexp, m []int, kind string, ext *model.Extraction) {
	group := func(name string) string {
		i := re.SubexpIndex(name)
		if i < 0 || m[2*i] < 0 {
			return ""
		}
		return text[m[2*i]:m[2*i+1]]
	}

	switch kind {
	case model.NoiseTaxID:
		if ext.TaxID == "" {
			ext.TaxID = strings.ToUpper(strings.Join(strings.Fields(group("value")), ""))
		}
	case model.NoiseExchangeRate:
		if ext.FX != nil {
			return
		}
		amount, err := decimal.NewFromString(strings.ReplaceAll(group("amount"), ",", ""))
		if err != nil {
			return
		}
		rate, err := decimal.NewFromString(group("rate"))
		if err != nil {
			return
		}
		ext.FX = &model.FXInfo{
			OriginalCurrency: strings.ToUpper(group("currency")),
			OriginalAmount:   amount,
			ExchangeRate:     rate,
		}
	}
}

// cleanText collapses whitespace and trims separator characters.
func cleanText(text string) string {
	text = strings.Join(strings.Fields(text), " ")
	return strings.Trim(text, separators)
}
