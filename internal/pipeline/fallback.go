package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/Veraticus/merchantflow/internal/common"
	"github.com/Veraticus/merchantflow/internal/llm"
	"github.com/Veraticus/merchantflow/internal/model"
)

// Defaults for ExternalFallback.
const (
	DefaultExternalTimeout       = 3 * time.Second
	DefaultExternalMinConfidence = 0.5
	// ExternalMaxConfidence caps what an external suggestion may claim, so
	// a rule match always outranks it.
	ExternalMaxConfidence = 0.7
)

// ExternalFallback consults an external classifier when the wrapped
// disambiguator had to fall back to a slug of the text. Any failure, timeout
// or low-confidence answer keeps the generic fallback.
type ExternalFallback struct {
	next          Disambiguator
	client        llm.Client
	retry         common.RetryOptions
	timeout       time.Duration
	minConfidence float64
}

// NewExternalFallback wraps next. A zero timeout or minConfidence selects the
// package default.
func NewExternalFallback(next Disambiguator, client llm.Client, timeout time.Duration, minConfidence float64) *ExternalFallback {
	if timeout <= 0 {
		timeout = DefaultExternalTimeout
	}
	if minConfidence <= 0 {
		minConfidence = DefaultExternalMinConfidence
	}
	return &ExternalFallback{
		next:          next,
		client:        client,
		timeout:       timeout,
		minConfidence: minConfidence,
		// Rate limits are retried once inside the timeout budget.
		retry: common.RetryOptions{MaxAttempts: 2, InitialDelay: 250 * time.Millisecond, MaxDelay: time.Second},
	}
}

type suggestionResult struct {
	err        error
	suggestion llm.MerchantSuggestion
}

// Disambiguate implements Disambiguator.
func (f *ExternalFallback) Disambiguate(ctx context.Context, txn *model.Transaction) model.Disambiguation {
	d := f.next.Disambiguate(ctx, txn)
	if d.Method != model.MethodFallback || f.client == nil {
		return d
	}

	req := llm.MerchantRequest{
		Description: txn.Raw.Description,
		Amount:      txn.Raw.Amount,
		Date:        txn.Raw.Date,
	}
	if txn.Extraction != nil {
		req.CleanMerchant = txn.Extraction.CleanMerchant
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	done := make(chan suggestionResult, 1)
	go func() {
		var s llm.MerchantSuggestion
		err := common.WithRetry(ctx, func() error {
			var err error
			s, err = f.client.SuggestMerchant(ctx, req)
			if err != nil && !common.IsRetryable(err) {
				return common.Permanent(err)
			}
			return err
		}, f.retry)
		done <- suggestionResult{suggestion: s, err: err}
	}()

	var res suggestionResult
	select {
	case <-ctx.Done():
		slog.Warn("external classifier timed out", "description", req.Description, "timeout", f.timeout)
		return d
	case res = <-done:
	}

	if res.err != nil {
		slog.Warn("external classifier failed", "description", req.Description, "error", res.err)
		return d
	}
	s := res.suggestion
	if s.IsUnknown() || s.Confidence < f.minConfidence {
		slog.Debug("external suggestion ignored", "merchant", s.Merchant, "confidence", s.Confidence)
		return d
	}

	name := strings.ReplaceAll(s.Merchant, "_", " ")
	category := s.Category
	if category == "" {
		category = model.CategoryUncategorized
	}
	reason := "external classifier suggestion"
	if s.Reasoning != "" {
		reason = fmt.Sprintf("%s: %s", reason, s.Reasoning)
	}
	return model.Disambiguation{
		MerchantID:   Slugify(name),
		MerchantName: DisplayName(name),
		Category:     category,
		EntityType:   model.EntityMerchant,
		Method:       model.MethodExternal,
		Reason:       reason,
		Confidence:   min(s.Confidence, ExternalMaxConfidence),
		DerivedID:    true,
	}
}
