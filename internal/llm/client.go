package llm

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// UnknownMerchant is the slug a model returns when it cannot name the merchant.
const UnknownMerchant = "unknown_merchant"

var (
	// ErrNoSuggestion is returned when the model answers without a usable merchant.
	ErrNoSuggestion = errors.New("no merchant suggestion in response")
	// ErrMissingAPIKey is returned by NewClient when no key is configured.
	ErrMissingAPIKey = errors.New("API key is required")
)

// Client defines the interface for external merchant classifiers.
type Client interface {
	SuggestMerchant(ctx context.Context, req MerchantRequest) (MerchantSuggestion, error)
}

// MerchantRequest carries what the model sees about one transaction.
type MerchantRequest struct {
	Date          time.Time
	Description   string
	CleanMerchant string
	Amount        decimal.Decimal
}

// MerchantSuggestion is the model's answer for one transaction.
type MerchantSuggestion struct {
	Merchant   string  `json:"merchant"`
	Category   string  `json:"category,omitempty"`
	Reasoning  string  `json:"reasoning,omitempty"`
	Confidence float64 `json:"confidence"`
}

// IsUnknown reports whether the model declined to name a merchant.
func (s MerchantSuggestion) IsUnknown() bool {
	return s.Merchant == "" || s.Merchant == UnknownMerchant
}

// Config holds the settings shared by all providers.
type Config struct {
	Provider          string
	APIKey            string
	Model             string
	BaseURL           string
	Temperature       float64
	MaxTokens         int
	RequestsPerMinute int
	CacheTTL          time.Duration
	Timeout           time.Duration
}
