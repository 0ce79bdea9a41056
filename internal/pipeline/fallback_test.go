package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Veraticus/merchantflow/internal/common"
	"github.com/Veraticus/merchantflow/internal/llm"
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSuggester struct {
	block      chan struct{}
	err        error
	suggestion llm.MerchantSuggestion
	calls      atomic.Int32
}

func (f *fakeSuggester) SuggestMerchant(_ context.Context, req llm.MerchantRequest) (llm.MerchantSuggestion, error) {
	f.calls.Add(1)
	if f.block != nil {
		<-f.block
	}
	return f.suggestion, f.err
}

func TestExternalFallback(t *testing.T) {
	set := defaultRules(t)
	ctx := context.Background()

	tests := []struct {
		name        string
		description string
		client      *fakeSuggester
		wantMethod  model.DisambiguationMethod
		wantID      string
		wantCalls   int32
	}{
		{
			name:        "rule match never calls out",
			description: "COMPRA STARBUCKS POLANCO",
			client:      &fakeSuggester{suggestion: llm.MerchantSuggestion{Merchant: "other", Confidence: 0.9}},
			wantMethod:  model.MethodPattern,
			wantID:      "starbucks",
		},
		{
			name:        "suggestion replaces fallback",
			description: "COMPRA TQ EL GUERO",
			client:      &fakeSuggester{suggestion: llm.MerchantSuggestion{Merchant: "taqueria_el_guero", Category: "restaurants", Confidence: 0.9}},
			wantMethod:  model.MethodExternal,
			wantID:      "taqueria-el-guero",
			wantCalls:   1,
		},
		{
			name:        "unknown keeps fallback",
			description: "COMPRA TQ EL GUERO",
			client:      &fakeSuggester{suggestion: llm.MerchantSuggestion{Merchant: llm.UnknownMerchant, Confidence: 0.3}},
			wantMethod:  model.MethodFallback,
			wantID:      "tq-el-guero",
			wantCalls:   1,
		},
		{
			name:        "low confidence keeps fallback",
			description: "COMPRA TQ EL GUERO",
			client:      &fakeSuggester{suggestion: llm.MerchantSuggestion{Merchant: "tq", Confidence: 0.2}},
			wantMethod:  model.MethodFallback,
			wantID:      "tq-el-guero",
			wantCalls:   1,
		},
		{
			name:        "error keeps fallback",
			description: "COMPRA TQ EL GUERO",
			client:      &fakeSuggester{err: errors.New("503")},
			wantMethod:  model.MethodFallback,
			wantID:      "tq-el-guero",
			wantCalls:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(set, nil, WithExternalFallback(tt.client, time.Second, 0.5))
			txn := p.Classify(ctx, expense(tt.description, "120"))

			require.NotNil(t, txn.Disambiguation)
			assert.Equal(t, tt.wantMethod, txn.Disambiguation.Method)
			assert.Equal(t, tt.wantID, txn.Disambiguation.MerchantID)
			assert.Equal(t, tt.wantCalls, tt.client.calls.Load())
			if tt.wantMethod == model.MethodExternal {
				assert.Equal(t, "restaurants", txn.Disambiguation.Category)
				assert.InDelta(t, ExternalMaxConfidence, txn.Disambiguation.Confidence, 1e-9)
				assert.True(t, txn.Disambiguation.DerivedID)
			}
		})
	}
}

func TestExternalFallback_Timeout(t *testing.T) {
	client := &fakeSuggester{
		block:      make(chan struct{}),
		suggestion: llm.MerchantSuggestion{Merchant: "late", Confidence: 0.9},
	}
	defer close(client.block)

	d := NewExternalFallback(NewDisambiguator(defaultRules(t)), client, 20*time.Millisecond, 0.5)
	txn := model.NewTransaction(expense("COMPRA TQ EL GUERO", "10"))
	txn.Extraction = &model.Extraction{CleanMerchant: "TQ EL GUERO"}

	start := time.Now()
	got := d.Disambiguate(context.Background(), txn)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, model.MethodFallback, got.Method)
	assert.Equal(t, "tq-el-guero", got.MerchantID)
}

type rateLimitedOnce struct {
	calls atomic.Int32
}

func (r *rateLimitedOnce) SuggestMerchant(_ context.Context, _ llm.MerchantRequest) (llm.MerchantSuggestion, error) {
	if r.calls.Add(1) == 1 {
		return llm.MerchantSuggestion{}, fmt.Errorf("openai: %w", common.ErrRateLimit)
	}
	return llm.MerchantSuggestion{Merchant: "tacos_el_guero", Category: "restaurants", Confidence: 0.8}, nil
}

func TestExternalFallback_RetriesRateLimit(t *testing.T) {
	client := &rateLimitedOnce{}
	d := NewExternalFallback(NewDisambiguator(defaultRules(t)), client, time.Second, 0.5)
	d.retry = common.RetryOptions{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	txn := model.NewTransaction(expense("COMPRA TQ EL GUERO", "10"))
	txn.Extraction = &model.Extraction{CleanMerchant: "TQ EL GUERO"}

	got := d.Disambiguate(context.Background(), txn)
	assert.Equal(t, int32(2), client.calls.Load())
	assert.Equal(t, model.MethodExternal, got.Method)
	assert.Equal(t, "tacos-el-guero", got.MerchantID)
}

func TestExternalFallback_DoesNotRetryOtherErrors(t *testing.T) {
	client := &fakeSuggester{err: errors.New("bad request")}
	d := NewExternalFallback(NewDisambiguator(defaultRules(t)), client, time.Second, 0.5)
	d.retry = common.RetryOptions{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}

	txn := model.NewTransaction(expense("COMPRA TQ EL GUERO", "10"))
	txn.Extraction = &model.Extraction{CleanMerchant: "TQ EL GUERO"}

	got := d.Disambiguate(context.Background(), txn)
	assert.Equal(t, int32(1), client.calls.Load())
	assert.Equal(t, model.MethodFallback, got.Method)
}
