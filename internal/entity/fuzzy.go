package entity

import (
	"strings"
	"unicode"

	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/texttheater/golang-levenshtein/levenshtein"
)

// DefaultFuzzyThreshold is the largest edit distance accepted as a typo.
const DefaultFuzzyThreshold = 2

// FuzzyMatch is the closest existing entity to a candidate name.
type FuzzyMatch struct {
	Entity   *model.Entity
	Distance int
}

// FuzzyMatcher finds existing entities whose canonical name is within a
// small edit distance of a new name.
type FuzzyMatcher struct {
	Threshold int
}

// NewFuzzyMatcher creates a matcher. A non-positive threshold selects the
// default.
func NewFuzzyMatcher(threshold int) *FuzzyMatcher {
	if threshold <= 0 {
		threshold = DefaultFuzzyThreshold
	}
	return &FuzzyMatcher{Threshold: threshold}
}

// Best returns the nearest non-merged candidate within the threshold.
// Distance counts an insertion or deletion as 1 and a substitution as 2.
// Names of at most twice the threshold are never matched, since short names
// are all within a few edits of each other. Ties prefer canonical entities,
// then the busier entity, then the lower merchant id.
func (m *FuzzyMatcher) Best(name string, candidates []*model.Entity) (FuzzyMatch, bool) {
	key := []rune(fuzzyKey(name))
	if len(key) <= 2*m.Threshold {
		return FuzzyMatch{}, false
	}

	var best FuzzyMatch
	found := false
	for _, c := range candidates {
		if c.State == model.StateMerged {
			continue
		}
		ckey := []rune(fuzzyKey(c.CanonicalName))
		if len(ckey) <= 2*m.Threshold || abs(len(ckey)-len(key)) > m.Threshold {
			continue
		}
		d := levenshtein.DistanceForStrings(key, ckey, levenshtein.DefaultOptions)
		if d > m.Threshold {
			continue
		}
		if !found || better(FuzzyMatch{Entity: c, Distance: d}, best) {
			best = FuzzyMatch{Entity: c, Distance: d}
			found = true
		}
	}
	return best, found
}

func better(a, b FuzzyMatch) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	ac, bc := a.Entity.State == model.StateCanonical, b.Entity.State == model.StateCanonical
	if ac != bc {
		return ac
	}
	if a.Entity.TransactionCount != b.Entity.TransactionCount {
		return a.Entity.TransactionCount > b.Entity.TransactionCount
	}
	return a.Entity.MerchantID < b.Entity.MerchantID
}

// fuzzyKey compares names on letters and digits only.
func fuzzyKey(s string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
