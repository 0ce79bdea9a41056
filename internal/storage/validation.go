package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/Veraticus/merchantflow/internal/model"
)

// Validation errors.
var (
	ErrNilContext     = errors.New("context cannot be nil")
	ErrEmptyString    = errors.New("string parameter cannot be empty")
	ErrNilParameter   = errors.New("parameter cannot be nil")
	ErrInvalidID      = errors.New("invalid entity id")
	ErrInvalidVersion = errors.New("invalid rule version")
)

// validateContext ensures the context is not nil.
func validateContext(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	return nil
}

// validateString ensures a string parameter is not empty.
func validateString(s string, paramName string) error {
	if strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: %s", ErrEmptyString, paramName)
	}
	return nil
}

func validateID(id uuid.UUID) error {
	if id == uuid.Nil {
		return ErrInvalidID
	}
	return nil
}

func validateEntity(e *model.Entity) error {
	if e == nil {
		return fmt.Errorf("%w: entity", ErrNilParameter)
	}
	return nil
}

// validateSnapshot checks the fields a stored rule version cannot do without.
func validateSnapshot(snap model.RuleSnapshot) error {
	if !snap.RuleType.Valid() {
		return fmt.Errorf("%w: rule type %q", ErrInvalidVersion, snap.RuleType)
	}
	if snap.Sequence < 1 {
		return fmt.Errorf("%w: sequence %d", ErrInvalidVersion, snap.Sequence)
	}
	if snap.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidVersion)
	}
	if strings.TrimSpace(snap.Reason) == "" {
		return fmt.Errorf("%w: missing reason", ErrInvalidVersion)
	}
	return nil
}
