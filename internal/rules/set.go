package rules

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Veraticus/merchantflow/internal/common"
	"github.com/Veraticus/merchantflow/internal/model"
)

// Compiled is an enabled rule with its patterns ready to match.
type Compiled struct {
	matchers []*regexp.Regexp
	model.Rule
}

// Mode returns the disambiguation match mode, defaulting from Regex.
func (c *Compiled) Mode() model.MatchMode {
	return matchMode(c.Rule)
}

// Find returns the location of the first pattern that occurs in text.
func (c *Compiled) Find(text string) (loc []int, pattern int, ok bool) {
	for i, re := range c.matchers {
		if loc := re.FindStringIndex(text); loc != nil {
			return loc, i, true
		}
	}
	return nil, -1, false
}

// Matches reports whether any pattern occurs in text.
func (c *Compiled) Matches(text string) bool {
	_, _, ok := c.Find(text)
	return ok
}

// Matchers exposes the compiled expressions, one per pattern.
func (c *Compiled) Matchers() []*regexp.Regexp {
	return c.matchers
}

// longestPattern is used to prefer more specific rules on priority ties.
func (c *Compiled) longestPattern() int {
	n := 0
	for _, p := range c.Patterns {
		if len(p) > n {
			n = len(p)
		}
	}
	return n
}

// Set is an immutable collection of compiled rules, one ordered slice per
// pipeline stage. It is built once and passed explicitly to every stage.
type Set struct {
	versions map[model.RuleType]string
	source   map[model.RuleType][]model.Rule
	compiled map[model.RuleType][]*Compiled
}

// Compile validates and compiles rules grouped by type. Disabled rules are
// kept in the source collection but never matched.
func Compile(byType map[model.RuleType][]model.Rule, versions map[model.RuleType]string) (*Set, error) {
	set := &Set{
		versions: make(map[model.RuleType]string, len(model.RuleTypes)),
		source:   make(map[model.RuleType][]model.Rule, len(model.RuleTypes)),
		compiled: make(map[model.RuleType][]*Compiled, len(model.RuleTypes)),
	}

	for ruleType, list := range byType {
		if !ruleType.Valid() {
			return nil, &Error{Err: fmt.Errorf("%w: %q", ErrUnknownType, ruleType)}
		}
		seen := make(map[string]bool, len(list))
		compiled := make([]*Compiled, 0, len(list))
		for _, rule := range list {
			if rule.Type == "" {
				rule.Type = ruleType
			}
			if rule.Type != ruleType {
				return nil, &Error{RuleID: rule.ID, Err: fmt.Errorf("%w: %q in %q collection", ErrInvalidRule, rule.Type, ruleType)}
			}
			if err := Validate(rule); err != nil {
				return nil, &Error{RuleID: rule.ID, Err: err}
			}
			if seen[rule.ID] {
				return nil, &Error{RuleID: rule.ID, Err: ErrDuplicateRule}
			}
			seen[rule.ID] = true

			if !rule.Enabled {
				continue
			}
			c, err := compile(rule)
			if err != nil {
				return nil, &Error{RuleID: rule.ID, Err: err}
			}
			compiled = append(compiled, c)
		}
		sortCompiled(compiled)

		set.source[ruleType] = append([]model.Rule(nil), list...)
		set.compiled[ruleType] = compiled
		set.versions[ruleType] = versions[ruleType]
	}

	return set, nil
}

func compile(rule model.Rule) (*Compiled, error) {
	c := &Compiled{Rule: rule, matchers: make([]*regexp.Regexp, 0, len(rule.Patterns))}
	for _, p := range rule.Patterns {
		if usesRegex(rule) {
			re, err := common.CompileInsensitive(p)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
			}
			c.matchers = append(c.matchers, re)
			continue
		}
		c.matchers = append(c.matchers, common.LiteralInsensitive(p))
	}
	return c, nil
}

// sortCompiled orders rules by priority, then by the most specific pattern,
// then by id so that iteration order never depends on file layout.
func sortCompiled(list []*Compiled) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority > list[j].Priority
		}
		if li, lj := list[i].longestPattern(), list[j].longestPattern(); li != lj {
			return li > lj
		}
		return list[i].ID < list[j].ID
	})
}

// TypeDetection returns the enabled type-detection rules in match order.
func (s *Set) TypeDetection() []*Compiled { return s.compiled[model.RuleTypeDetection] }

// Counterparties returns the enabled counterparty rules in match order.
func (s *Set) Counterparties() []*Compiled { return s.compiled[model.RuleCounterparty] }

// Noise returns the enabled noise-pattern rules in application order.
func (s *Set) Noise() []*Compiled { return s.compiled[model.RuleNoisePattern] }

// Disambiguation returns the enabled disambiguation rules in match order.
func (s *Set) Disambiguation() []*Compiled { return s.compiled[model.RuleDisambiguation] }

// Rules returns a copy of the declared rules of one type, enabled or not.
func (s *Set) Rules(ruleType model.RuleType) []model.Rule {
	return append([]model.Rule(nil), s.source[ruleType]...)
}

// Version returns the declared version of one rule collection.
func (s *Set) Version(ruleType model.RuleType) string {
	return s.versions[ruleType]
}

// Fingerprint summarises the collection versions, e.g. for log lines.
func (s *Set) Fingerprint() string {
	parts := make([]string, 0, len(model.RuleTypes))
	for _, t := range model.RuleTypes {
		parts = append(parts, fmt.Sprintf("%s@%s(%d)", t, s.versions[t], len(s.compiled[t])))
	}
	return strings.Join(parts, " ")
}
