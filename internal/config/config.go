// Package config loads merchantflow settings from flags, environment and config files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Veraticus/merchantflow/internal/common"
	"github.com/Veraticus/merchantflow/internal/entity"
	"github.com/Veraticus/merchantflow/internal/llm"
	"github.com/Veraticus/merchantflow/internal/pipeline"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the decoded application configuration.
type Config struct {
	Fallback  FallbackConfig
	Database  DatabaseConfig
	Rules     RulesConfig
	Logging   LoggingConfig
	Resolver  pipeline.ResolverConfig
	Promotion entity.PromotionPolicy
	Workers   int
}

// DatabaseConfig locates the SQLite file.
type DatabaseConfig struct {
	Path string
}

// RulesConfig selects where rule sets come from. An empty Dir uses the
// versioned rules in the database, falling back to the built-in defaults.
type RulesConfig struct {
	Dir   string
	Watch bool
}

// LoggingConfig mirrors the --log-level and --log-format flags.
type LoggingConfig struct {
	Level  string
	Format string
}

// FallbackConfig configures the optional external merchant classifier.
type FallbackConfig struct {
	LLM           llm.Config
	Enabled       bool
	MinConfidence float64
}

// SetDefaults registers the default for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.path", "~/.local/share/merchantflow/merchantflow.db")
	v.SetDefault("rules.dir", "")
	v.SetDefault("rules.watch", false)
	v.SetDefault("pipeline.workers", runtime.GOMAXPROCS(0))

	resolver := pipeline.DefaultResolverConfig()
	v.SetDefault("resolver.duplicate_policy", string(resolver.DuplicatePolicy))
	v.SetDefault("resolver.fuzzy_threshold", resolver.FuzzyThreshold)
	v.SetDefault("resolver.fuzzy_penalty", resolver.FuzzyPenalty)
	v.SetDefault("resolver.verify_below", resolver.VerifyBelow)
	v.SetDefault("resolver.max_retries", resolver.Retry.MaxAttempts)
	v.SetDefault("entity.default_country", resolver.DefaultCountry)
	v.SetDefault("anomaly.threshold", resolver.Amounts.Threshold)
	v.SetDefault("anomaly.min_history", resolver.Amounts.MinHistory)

	promotion := entity.DefaultPromotionPolicy()
	v.SetDefault("promotion.min_transactions", promotion.MinTransactions)
	v.SetDefault("promotion.min_confidence", promotion.MinConfidence)
	v.SetDefault("promotion.window", promotion.Window)

	v.SetDefault("fallback.enabled", false)
	v.SetDefault("fallback.provider", "openai")
	v.SetDefault("fallback.model", "")
	v.SetDefault("fallback.base_url", "")
	v.SetDefault("fallback.timeout", pipeline.DefaultExternalTimeout)
	v.SetDefault("fallback.min_confidence", pipeline.DefaultExternalMinConfidence)
	v.SetDefault("fallback.requests_per_minute", 60)
	v.SetDefault("fallback.cache_ttl", time.Hour)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Load decodes and validates the configuration held by v. Values come from
// v first (config file or MERCHANTFLOW_ env vars), then from the provider's
// usual API key variable, then from defaults.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	policy, err := entity.ParseDuplicatePolicy(v.GetString("resolver.duplicate_policy"))
	if err != nil {
		return nil, fmt.Errorf("%w: resolver.duplicate_policy: %w", ErrInvalidConfig, err)
	}

	resolver := pipeline.DefaultResolverConfig()
	resolver.DuplicatePolicy = policy
	resolver.FuzzyThreshold = v.GetInt("resolver.fuzzy_threshold")
	resolver.FuzzyPenalty = v.GetFloat64("resolver.fuzzy_penalty")
	resolver.VerifyBelow = v.GetFloat64("resolver.verify_below")
	resolver.Retry.MaxAttempts = v.GetInt("resolver.max_retries")
	resolver.DefaultCountry = strings.ToUpper(v.GetString("entity.default_country"))
	resolver.Amounts = entity.AmountCheck{
		Threshold:  v.GetFloat64("anomaly.threshold"),
		MinHistory: v.GetInt("anomaly.min_history"),
	}

	provider := strings.ToLower(v.GetString("fallback.provider"))
	apiKey := v.GetString("fallback.api_key")
	if apiKey == "" {
		apiKey = providerKeyFromEnv(provider)
	}

	cfg := &Config{
		Database: DatabaseConfig{Path: pathSetting(v, "database.path")},
		Rules: RulesConfig{
			Dir:   pathSetting(v, "rules.dir"),
			Watch: v.GetBool("rules.watch"),
		},
		Workers:  v.GetInt("pipeline.workers"),
		Resolver: resolver,
		Promotion: entity.PromotionPolicy{
			MinTransactions: v.GetInt("promotion.min_transactions"),
			MinConfidence:   v.GetFloat64("promotion.min_confidence"),
			Window:          v.GetDuration("promotion.window"),
		},
		Fallback: FallbackConfig{
			Enabled:       v.GetBool("fallback.enabled"),
			MinConfidence: v.GetFloat64("fallback.min_confidence"),
			LLM: llm.Config{
				Provider:          provider,
				APIKey:            apiKey,
				Model:             v.GetString("fallback.model"),
				BaseURL:           v.GetString("fallback.base_url"),
				Timeout:           v.GetDuration("fallback.timeout"),
				RequestsPerMinute: v.GetInt("fallback.requests_per_minute"),
				CacheTTL:          v.GetDuration("fallback.cache_ttl"),
			},
		},
		Logging: LoggingConfig{
			Level:  v.GetString("logging.level"),
			Format: v.GetString("logging.format"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// pathSetting reads a path setting, expanding a leading ~ and $VARS.
func pathSetting(v *viper.Viper, key string) string {
	path := v.GetString(key)
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return os.ExpandEnv(path)
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.Database.Path) == "" {
		problems = append(problems, "database.path is required")
	}
	if c.Workers < 1 {
		problems = append(problems, "pipeline.workers must be at least 1")
	}
	if c.Resolver.FuzzyThreshold < 0 {
		problems = append(problems, "resolver.fuzzy_threshold must not be negative")
	}
	if !unit(c.Resolver.FuzzyPenalty) {
		problems = append(problems, "resolver.fuzzy_penalty must be between 0 and 1")
	}
	if !unit(c.Resolver.VerifyBelow) {
		problems = append(problems, "resolver.verify_below must be between 0 and 1")
	}
	if c.Resolver.Retry.MaxAttempts < 1 {
		problems = append(problems, "resolver.max_retries must be at least 1")
	}
	if c.Resolver.Amounts.Threshold < 0 {
		problems = append(problems, "anomaly.threshold must not be negative")
	}
	if c.Resolver.Amounts.MinHistory < 1 {
		problems = append(problems, "anomaly.min_history must be at least 1")
	}
	if c.Promotion.MinTransactions < 1 {
		problems = append(problems, "promotion.min_transactions must be at least 1")
	}
	if !unit(c.Promotion.MinConfidence) {
		problems = append(problems, "promotion.min_confidence must be between 0 and 1")
	}
	if c.Promotion.Window < 0 {
		problems = append(problems, "promotion.window must not be negative")
	}
	if !unit(c.Fallback.MinConfidence) {
		problems = append(problems, "fallback.min_confidence must be between 0 and 1")
	}
	if c.Fallback.Enabled {
		switch c.Fallback.LLM.Provider {
		case "openai", "anthropic":
		default:
			problems = append(problems, fmt.Sprintf("fallback.provider %q is not supported", c.Fallback.LLM.Provider))
		}
		if c.Fallback.LLM.Timeout <= 0 {
			problems = append(problems, "fallback.timeout must be positive")
		}
	}
	if _, err := common.ParseLevel(c.Logging.Level); err != nil {
		problems = append(problems, fmt.Sprintf("logging.level: %v", err))
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not supported", c.Logging.Format))
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func unit(f float64) bool {
	return f >= 0 && f <= 1
}

func providerKeyFromEnv(provider string) string {
	switch provider {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	}
	return ""
}
