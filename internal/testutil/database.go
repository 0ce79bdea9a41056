// Package testutil provides test databases and fixtures for merchantflow
// packages.
package testutil

import (
	"context"
	"testing"

	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/storage"
	"github.com/Veraticus/merchantflow/internal/testutil/entities"
	"github.com/Veraticus/merchantflow/internal/versioning"
)

// TestDB is a migrated in-memory database plus a rule-version engine over it.
type TestDB struct {
	Storage  *storage.SQLiteStorage
	Engine   *versioning.Engine
	Entities entities.Entities
	t        *testing.T
}

// SetupTestDB creates a new in-memory test database seeded with ents.
// It automatically handles migrations and cleanup.
//
// Example:
//
//	db := testutil.SetupTestDB(t,
//		entities.NewBuilder(t).WithBasicMerchants().Entities(),
//	)
func SetupTestDB(t *testing.T, ents []*model.Entity) *TestDB {
	t.Helper()
	return SetupTestDBWithOptions(t, TestDBOptions{Entities: ents})
}

// TestDBOptions provides configuration options for test database setup.
type TestDBOptions struct {
	CustomSetup    func(context.Context, *storage.SQLiteStorage) error
	Entities       []*model.Entity
	SkipMigrations bool
}

// SetupTestDBWithOptions creates a test database with custom options.
func SetupTestDBWithOptions(t *testing.T, opts TestDBOptions) *TestDB {
	t.Helper()

	store, err := storage.NewSQLiteStorage(":memory:")
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	ctx := context.Background()

	if !opts.SkipMigrations {
		if err := store.Migrate(ctx); err != nil {
			t.Fatalf("failed to run migrations: %v", err)
		}
	}

	seeded, err := entities.Seed(ctx, store, opts.Entities)
	if err != nil {
		t.Fatalf("failed to seed entities: %v", err)
	}

	if opts.CustomSetup != nil {
		if err := opts.CustomSetup(ctx, store); err != nil {
			t.Fatalf("custom setup failed: %v", err)
		}
	}

	return &TestDB{
		Storage:  store,
		Engine:   versioning.NewEngine(store),
		Entities: seeded,
		t:        t,
	}
}

// MustGetEntity returns the seeded entity with the given merchant id or fails
// the test.
func (db *TestDB) MustGetEntity(merchantID string) *model.Entity {
	db.t.Helper()
	return db.Entities.MustFind(db.t, merchantID)
}
