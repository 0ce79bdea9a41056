// Package versioning keeps an append-only history of rule sets. Every save
// and rollback appends an immutable snapshot with audit metadata; nothing is
// ever rewritten or deleted.
package versioning

import (
	"errors"
	"fmt"
)

var (
	// ErrReasonRequired is returned when a save or rollback has no reason.
	ErrReasonRequired = errors.New("reason is required")
	// ErrInvalidRules is returned when a snapshot's rules fail validation.
	ErrInvalidRules = errors.New("invalid rules")
	// ErrVersionNotFound is returned when no snapshot exists at a timestamp.
	ErrVersionNotFound = errors.New("rule version not found")
	// ErrOutOfOrder is returned by a Log when an append would break ordering.
	ErrOutOfOrder = errors.New("rule version out of order")
	// ErrDiffMismatch is returned when a diff does not fit the rules it is applied to.
	ErrDiffMismatch = errors.New("diff does not apply")
)

// ValidationError rejects a request at the boundary, before anything is written.
type ValidationError struct {
	Err    error
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %v: %s", e.Field, e.Err, e.Detail)
	}
	return fmt.Sprintf("%s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
