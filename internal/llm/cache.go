package llm

import (
	"context"
	"strings"
	"sync"
	"time"
)

// cacheEntry represents a cached merchant suggestion.
type cacheEntry struct {
	expiry     time.Time
	suggestion MerchantSuggestion
}

// suggestionCache provides thread-safe caching for merchant suggestions.
// Expired entries are dropped lazily on access and on set.
type suggestionCache struct {
	entries map[string]cacheEntry
	now     func() time.Time
	ttl     time.Duration
	mu      sync.RWMutex
}

// newSuggestionCache creates a new cache with the specified TTL.
func newSuggestionCache(ttl time.Duration) *suggestionCache {
	if ttl == 0 {
		ttl = 15 * time.Minute
	}
	return &suggestionCache{
		entries: make(map[string]cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// get retrieves a suggestion from the cache if it exists and hasn't expired.
func (c *suggestionCache) get(key string) (MerchantSuggestion, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.entries[key]
	if !exists || c.now().After(entry.expiry) {
		return MerchantSuggestion{}, false
	}
	return entry.suggestion, true
}

// set stores a suggestion in the cache.
func (c *suggestionCache) set(key string, suggestion MerchantSuggestion) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for k, entry := range c.entries {
		if now.After(entry.expiry) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = cacheEntry{suggestion: suggestion, expiry: now.Add(c.ttl)}
}

// size returns the number of entries in the cache.
func (c *suggestionCache) size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// CachedClient memoizes suggestions by cleaned merchant text. Errors are
// never cached.
type CachedClient struct {
	next  Client
	cache *suggestionCache
}

// NewCachedClient wraps next with a TTL cache.
func NewCachedClient(next Client, ttl time.Duration) *CachedClient {
	return &CachedClient{next: next, cache: newSuggestionCache(ttl)}
}

// SuggestMerchant returns a cached suggestion or asks the wrapped client.
func (c *CachedClient) SuggestMerchant(ctx context.Context, req MerchantRequest) (MerchantSuggestion, error) {
	key := cacheKey(req)
	if s, ok := c.cache.get(key); ok {
		return s, nil
	}
	s, err := c.next.SuggestMerchant(ctx, req)
	if err != nil {
		return MerchantSuggestion{}, err
	}
	c.cache.set(key, s)
	return s, nil
}

func cacheKey(req MerchantRequest) string {
	if req.CleanMerchant != "" {
		return strings.ToUpper(strings.TrimSpace(req.CleanMerchant))
	}
	return strings.ToUpper(strings.TrimSpace(req.Description))
}
