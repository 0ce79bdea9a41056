// Package model defines the core data structures for the merchant pipeline.
package model

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// RawTransaction is a statement line as produced by an upstream parser.
// It is never modified once built.
type RawTransaction struct {
	Date         time.Time           `json:"date"`
	Deposit      decimal.NullDecimal `json:"deposit"`
	Withdrawal   decimal.NullDecimal `json:"withdrawal"`
	Description  string              `json:"description"`
	ContextLines []string            `json:"context_lines,omitempty"`
	Amount       decimal.Decimal     `json:"amount"`
}

// UnmarshalJSON accepts the date either as an RFC 3339 timestamp or as a
// plain YYYY-MM-DD date, which is what most statement parsers emit.
func (r *RawTransaction) UnmarshalJSON(data []byte) error {
	type plain RawTransaction
	aux := struct {
		*plain
		Date string `json:"date"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	date, err := ParseDate(aux.Date)
	if err != nil {
		return err
	}
	r.Date = date
	return nil
}

// ParseDate parses an RFC 3339 timestamp or a YYYY-MM-DD date. Empty input is
// the zero time.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: want YYYY-MM-DD or RFC 3339", s)
	}
	return t, nil
}

// HasDeposit reports whether money came into the account.
// An explicit non-zero deposit wins; without deposit/withdrawal columns the
// sign of the amount decides.
func (r RawTransaction) HasDeposit() bool {
	if r.Deposit.Valid || r.Withdrawal.Valid {
		return r.Deposit.Valid && !r.Deposit.Decimal.IsZero()
	}
	return r.Amount.IsPositive()
}

// HasWithdrawal reports whether money left the account.
func (r RawTransaction) HasWithdrawal() bool {
	if r.Deposit.Valid || r.Withdrawal.Valid {
		return r.Withdrawal.Valid && !r.Withdrawal.Decimal.IsZero()
	}
	return r.Amount.IsNegative()
}

// Magnitude is the unsigned amount moved, taken from the amount or, when
// that is zero, from whichever of the deposit/withdrawal columns is set.
func (r RawTransaction) Magnitude() decimal.Decimal {
	switch {
	case !r.Amount.IsZero():
		return r.Amount.Abs()
	case r.Withdrawal.Valid && !r.Withdrawal.Decimal.IsZero():
		return r.Withdrawal.Decimal.Abs()
	case r.Deposit.Valid:
		return r.Deposit.Decimal.Abs()
	}
	return decimal.Zero
}

// Fingerprint creates a stable hash identifying the statement line.
func (r RawTransaction) Fingerprint() string {
	data := fmt.Sprintf("%s:%s:%s",
		r.Date.Format("2006-01-02"),
		r.Amount.StringFixed(2),
		r.Description)
	hash := sha256.Sum256([]byte(data))
	return fmt.Sprintf("%x", hash)
}

// Transaction is built up stage by stage. Each stage sets exactly one of the
// result pointers and never touches the others; a nil pointer means the stage
// did not run.
type Transaction struct {
	Classification  *TypeClassification `json:"classification,omitempty"`
	Counterparty    *CounterpartyResult `json:"counterparty,omitempty"`
	Extraction      *Extraction         `json:"extraction,omitempty"`
	Disambiguation  *Disambiguation     `json:"disambiguation,omitempty"`
	Resolution      *Resolution         `json:"resolution,omitempty"`
	Error           string              `json:"error,omitempty"`
	FollowUpReasons []string            `json:"follow_up_reasons,omitempty"`
	Raw             RawTransaction      `json:"raw"`
	FollowUp        bool                `json:"follow_up"`
}

// NewTransaction wraps a raw statement line for processing.
func NewTransaction(raw RawTransaction) *Transaction {
	return &Transaction{Raw: raw}
}

// MerchantExpected reports whether Stage 1 ran and asked for merchant extraction.
func (t *Transaction) MerchantExpected() bool {
	return t.Classification != nil && t.Classification.MerchantExpected
}

// MarkFollowUp flags the transaction for human follow-up.
func (t *Transaction) MarkFollowUp(reason string) {
	t.FollowUp = true
	for _, r := range t.FollowUpReasons {
		if r == reason {
			return
		}
	}
	t.FollowUpReasons = append(t.FollowUpReasons, reason)
}

// Confidence returns the confidence of the last stage that ran.
func (t *Transaction) Confidence() float64 {
	switch {
	case t.Resolution != nil:
		return t.Resolution.Confidence
	case t.Disambiguation != nil:
		return t.Disambiguation.Confidence
	case t.Classification != nil:
		return t.Classification.Confidence
	}
	return 0
}

// NeedsVerification reports whether a reviewer should look at this transaction.
func (t *Transaction) NeedsVerification() bool {
	if t.Resolution != nil && t.Resolution.NeedsVerification {
		return true
	}
	return t.FollowUp
}
