package llm

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingClient struct {
	err   error
	reply MerchantSuggestion
	calls int
	mu    sync.Mutex
}

func (c *countingClient) SuggestMerchant(_ context.Context, _ MerchantRequest) (MerchantSuggestion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return c.reply, c.err
}

func TestSuggestionCache_Expiry(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := newSuggestionCache(time.Minute)
	cache.now = func() time.Time { return now }

	cache.set("A", MerchantSuggestion{Merchant: "a"})
	got, ok := cache.get("A")
	require.True(t, ok)
	assert.Equal(t, "a", got.Merchant)

	now = now.Add(2 * time.Minute)
	_, ok = cache.get("A")
	assert.False(t, ok)

	cache.set("B", MerchantSuggestion{Merchant: "b"})
	assert.Equal(t, 1, cache.size(), "expired entries are dropped on set")
}

func TestCachedClient(t *testing.T) {
	inner := &countingClient{reply: MerchantSuggestion{Merchant: "starbucks", Confidence: 0.9}}
	client := NewCachedClient(inner, time.Hour)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := client.SuggestMerchant(ctx, MerchantRequest{Description: "STARBUCKS 1", CleanMerchant: "starbucks"})
		require.NoError(t, err)
		assert.Equal(t, "starbucks", got.Merchant)
	}
	assert.Equal(t, 1, inner.calls)

	_, err := client.SuggestMerchant(ctx, MerchantRequest{Description: "STARBUCKS 2", CleanMerchant: " STARBUCKS "})
	require.NoError(t, err)
	assert.Equal(t, 1, inner.calls, "key is the normalized clean text")
}

func TestCachedClient_DoesNotCacheErrors(t *testing.T) {
	inner := &countingClient{err: errors.New("unavailable")}
	client := NewCachedClient(inner, time.Hour)

	for i := 0; i < 2; i++ {
		_, err := client.SuggestMerchant(context.Background(), MerchantRequest{Description: "X"})
		require.Error(t, err)
	}
	assert.Equal(t, 2, inner.calls)
}
