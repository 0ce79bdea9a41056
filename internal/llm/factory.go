package llm

import (
	"fmt"
	"strings"
)

// NewClient creates a merchant classifier for the configured provider.
// The returned client caches suggestions and, when RequestsPerMinute is set,
// is rate limited.
func NewClient(cfg Config) (Client, error) {
	var (
		base Client
		err  error
	)
	switch strings.ToLower(cfg.Provider) {
	case "openai":
		base, err = newOpenAIClient(cfg)
	case "anthropic":
		base, err = newAnthropicClient(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.Provider)
	}
	if err != nil {
		return nil, err
	}

	if cfg.RequestsPerMinute > 0 {
		base = &rateLimitedClient{next: base, limiter: newRateLimiter(cfg.RequestsPerMinute)}
	}
	return NewCachedClient(base, cfg.CacheTTL), nil
}
