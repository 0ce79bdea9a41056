package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
)

// ExpectedSchemaVersion is the latest schema version that the application expects.
// If the database cannot be migrated to this version, it's a fatal error.
const ExpectedSchemaVersion = 3

// Migration represents a database schema migration.
type Migration struct {
	Up          func(*sql.Tx) error
	Description string
	Version     int
}

var migrations = []Migration{
	{
		Version:     1,
		Description: "Versioned entity store",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS entities (
					id TEXT PRIMARY KEY,
					merchant_id TEXT NOT NULL,
					canonical_name TEXT NOT NULL,
					category TEXT NOT NULL DEFAULT '',
					entity_type TEXT NOT NULL,
					state TEXT NOT NULL,
					tax_id TEXT NOT NULL DEFAULT '',
					current_version INTEGER NOT NULL,
					updated_at TEXT NOT NULL
				)`,
				`CREATE INDEX idx_entities_merchant ON entities(merchant_id)`,
				`CREATE INDEX idx_entities_tax_id ON entities(tax_id)`,
				`CREATE INDEX idx_entities_state ON entities(state)`,

				`CREATE TABLE IF NOT EXISTS entity_versions (
					entity_id TEXT NOT NULL,
					version INTEGER NOT NULL,
					recorded_at TEXT NOT NULL,
					data TEXT NOT NULL,
					PRIMARY KEY (entity_id, version),
					FOREIGN KEY (entity_id) REFERENCES entities(id)
				)`,

				`CREATE TABLE IF NOT EXISTS entity_aliases (
					entity_id TEXT NOT NULL,
					alias TEXT NOT NULL,
					PRIMARY KEY (entity_id, alias),
					FOREIGN KEY (entity_id) REFERENCES entities(id)
				)`,
				`CREATE INDEX idx_entity_aliases_alias ON entity_aliases(alias)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query '%s': %w", query, err)
				}
			}
			return nil
		},
	},
	{
		Version:     2,
		Description: "Append-only rule version log",
		Up: func(tx *sql.Tx) error {
			queries := []string{
				`CREATE TABLE IF NOT EXISTS rule_versions (
					rule_type TEXT NOT NULL,
					sequence INTEGER NOT NULL,
					timestamp TEXT NOT NULL,
					author TEXT NOT NULL DEFAULT '',
					reason TEXT NOT NULL,
					notes TEXT NOT NULL DEFAULT '',
					rollback_of TEXT,
					rule_count INTEGER NOT NULL,
					rules TEXT NOT NULL,
					PRIMARY KEY (rule_type, sequence),
					UNIQUE (rule_type, timestamp)
				)`,
			}

			for _, query := range queries {
				if _, err := tx.Exec(query); err != nil {
					return fmt.Errorf("failed to execute query '%s': %w", query, err)
				}
			}
			return nil
		},
	},
	{
		Version:     3,
		Description: "Classification run history",
		Up: func(tx *sql.Tx) error {
			_, err := tx.Exec(`
				CREATE TABLE IF NOT EXISTS classification_runs (
					id TEXT PRIMARY KEY,
					started_at TEXT NOT NULL,
					finished_at TEXT NOT NULL,
					input TEXT NOT NULL DEFAULT '',
					rules TEXT NOT NULL DEFAULT '',
					total INTEGER NOT NULL,
					resolved INTEGER NOT NULL,
					needs_verification INTEGER NOT NULL,
					errors INTEGER NOT NULL,
					summary TEXT NOT NULL
				)
			`)
			return err
		},
	},
}

// Migrate applies all pending database migrations.
func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	if err := validateContext(ctx); err != nil {
		return err
	}

	currentVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, migration := range migrations {
		if migration.Version <= currentVersion {
			continue
		}

		tx, txErr := s.db.BeginTx(ctx, nil)
		if txErr != nil {
			return fmt.Errorf("failed to begin transaction: %w", txErr)
		}

		if upErr := migration.Up(tx); upErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d failed: %w", migration.Version, upErr)
		}

		if _, execErr := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", migration.Version)); execErr != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to update schema version: %w", execErr)
		}

		if commitErr := tx.Commit(); commitErr != nil {
			return fmt.Errorf("failed to commit migration %d: %w", migration.Version, commitErr)
		}

		slog.Info("Applied migration",
			"version", migration.Version,
			"description", migration.Description)
	}

	finalVersion, err := s.SchemaVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify final schema version: %w", err)
	}
	if finalVersion != ExpectedSchemaVersion {
		return fmt.Errorf("database schema version mismatch: expected %d, got %d", ExpectedSchemaVersion, finalVersion)
	}

	return nil
}
