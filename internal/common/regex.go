package common

import (
	"regexp"
	"strings"
)

// CompileInsensitive compiles pattern as a case-insensitive regular expression.
func CompileInsensitive(pattern string) (*regexp.Regexp, error) {
	if !strings.HasPrefix(pattern, "(?i)") {
		pattern = "(?i)" + pattern
	}
	return regexp.Compile(pattern)
}

// LiteralInsensitive compiles a literal substring into a case-insensitive
// regular expression.
func LiteralInsensitive(literal string) *regexp.Regexp {
	return regexp.MustCompile("(?i)" + regexp.QuoteMeta(literal))
}
