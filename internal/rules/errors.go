// Package rules loads declarative classification rules from YAML into
// immutable, compiled rule sets.
package rules

import (
	"errors"
	"fmt"
)

// Rule definition errors.
var (
	ErrInvalidRule   = errors.New("invalid rule")
	ErrInvalidRegex  = errors.New("invalid pattern")
	ErrDuplicateRule = errors.New("duplicate rule id")
	ErrUnknownType   = errors.New("unknown rule type")
)

// Error reports a rule that could not be loaded, with the file and rule id
// that caused it.
type Error struct {
	Err    error
	File   string
	RuleID string
}

func (e *Error) Error() string {
	switch {
	case e.File != "" && e.RuleID != "":
		return fmt.Sprintf("%s: rule %q: %v", e.File, e.RuleID, e.Err)
	case e.File != "":
		return fmt.Sprintf("%s: %v", e.File, e.Err)
	case e.RuleID != "":
		return fmt.Sprintf("rule %q: %v", e.RuleID, e.Err)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}
