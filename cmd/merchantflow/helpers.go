package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/Veraticus/merchantflow/internal/common"
	"github.com/Veraticus/merchantflow/internal/config"
	"github.com/Veraticus/merchantflow/internal/entity"
	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/rules"
	"github.com/Veraticus/merchantflow/internal/storage"
	"github.com/Veraticus/merchantflow/internal/versioning"
)

// loadConfig decodes the global viper state.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, common.NewUserError("Configuration is invalid", err)
	}
	return cfg, nil
}

// initStorage opens the database and brings its schema up to date.
func initStorage(ctx context.Context, cfg *config.Config) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return store, nil
}

// currentRuleSet picks the rules a run uses: the configured directory when
// set, otherwise the latest stored versions over the built-in defaults.
func currentRuleSet(ctx context.Context, cfg *config.Config, engine *versioning.Engine) (*rules.Set, error) {
	if cfg.Rules.Dir != "" {
		set, err := rules.LoadDir(cfg.Rules.Dir)
		if err != nil {
			return nil, common.NewUserError("Rule directory failed to load", err)
		}
		return set, nil
	}

	defaults, err := rules.LoadDefaults()
	if err != nil {
		return nil, fmt.Errorf("failed to load default rules: %w", err)
	}
	return engine.RuleSet(ctx, defaults)
}

// parseRuleType accepts a rule type name.
func parseRuleType(s string) (model.RuleType, error) {
	t := model.RuleType(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		names := make([]string, len(model.RuleTypes))
		for i, rt := range model.RuleTypes {
			names[i] = string(rt)
		}
		return "", common.NewUserError(
			fmt.Sprintf("Unknown rule type %q (expected one of: %s)", s, strings.Join(names, ", ")), nil)
	}
	return t, nil
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds. An
// empty string is the zero time.
func parseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, common.NewUserError(fmt.Sprintf("Invalid timestamp %q (use RFC 3339, e.g. 2024-05-01T12:00:00Z)", s), err)
	}
	return t.UTC(), nil
}

// lookupEntity resolves a merchant id or entity UUID.
func lookupEntity(ctx context.Context, store entity.Store, ref string) (*model.Entity, error) {
	id, err := uuid.Parse(ref)
	if err != nil {
		id = model.EntityIDFor(strings.ToLower(strings.TrimSpace(ref)))
	}
	e, err := store.Get(ctx, id)
	if errors.Is(err, entity.ErrNotFound) {
		return nil, common.NewUserError(fmt.Sprintf("No entity %q", ref), err)
	}
	return e, err
}

// closeStore logs close failures; there is nothing else to do with them.
func closeStore(store *storage.SQLiteStorage) {
	if err := store.Close(); err != nil {
		common.LogError(err, "Failed to close database", common.Fields{"path": store.Path()})
	}
}
