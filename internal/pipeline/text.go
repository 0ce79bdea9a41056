package pipeline

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// foldAccents removes combining marks so "CAFÉ" and "CAFE" compare equal.
func foldAccents(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// MatchKey normalises merchant text for rule comparison: accents folded,
// upper case, punctuation turned into single spaces.
func MatchKey(s string) string {
	s = strings.ToUpper(foldAccents(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '&'
	})
	return strings.Join(fields, " ")
}

// Slugify turns merchant text into a lower-case, dash separated keyword.
func Slugify(s string) string {
	key := MatchKey(s)
	key = strings.ReplaceAll(key, "&", " AND ")
	return strings.ToLower(strings.Join(strings.Fields(key), "-"))
}

// DisplayName formats raw merchant text for people: title case, with very
// short tokens such as country codes left upper case.
func DisplayName(s string) string {
	caser := cases.Title(language.Und)
	words := strings.Fields(s)
	for i, word := range words {
		if len([]rune(word)) > 2 {
			words[i] = caser.String(strings.ToLower(word))
		} else {
			words[i] = strings.ToUpper(word)
		}
	}
	return strings.Join(words, " ")
}
