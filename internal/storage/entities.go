package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/Veraticus/merchantflow/internal/entity"
	"github.com/Veraticus/merchantflow/internal/model"
)

var _ entity.Store = (*SQLiteStorage)(nil)

const latestEntitySelect = `
	SELECT v.data
	FROM entities e
	JOIN entity_versions v ON v.entity_id = e.id AND v.version = e.current_version
`

// Get implements entity.Store.
func (s *SQLiteStorage) Get(ctx context.Context, id uuid.UUID) (*model.Entity, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	return getEntityTx(ctx, s.db, id)
}

func getEntityTx(ctx context.Context, q queryable, id uuid.UUID) (*model.Entity, error) {
	var data string
	err := q.QueryRowContext(ctx, latestEntitySelect+` WHERE e.id = ?`, id.String()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, entity.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity: %w", err)
	}
	return decodeEntity(data)
}

// GetVersion implements entity.Store.
func (s *SQLiteStorage) GetVersion(ctx context.Context, id uuid.UUID, version int) (*model.Entity, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	var data string
	err := s.db.QueryRowContext(ctx, `
		SELECT data FROM entity_versions WHERE entity_id = ? AND version = ?
	`, id.String(), version).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s version %d: %w", id, version, entity.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entity version: %w", err)
	}
	return decodeEntity(data)
}

// History implements entity.Store.
func (s *SQLiteStorage) History(ctx context.Context, id uuid.UUID) ([]*model.Entity, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	history, err := queryEntities(ctx, s.db, `
		SELECT data FROM entity_versions WHERE entity_id = ? ORDER BY version
	`, id.String())
	if err != nil {
		return nil, err
	}
	if len(history) == 0 {
		return nil, fmt.Errorf("%s: %w", id, entity.ErrNotFound)
	}
	return history, nil
}

// FindByAlias implements entity.Store.
func (s *SQLiteStorage) FindByAlias(ctx context.Context, text string) ([]*model.Entity, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	alias := model.NormalizeAlias(text)
	if alias == "" {
		return nil, nil
	}
	found, err := queryEntities(ctx, s.db, latestEntitySelect+`
		JOIN entity_aliases a ON a.entity_id = e.id
		WHERE a.alias = ?
		ORDER BY e.merchant_id, e.id
	`, alias)
	if err != nil {
		return nil, err
	}
	// The alias index keeps names an entity has since been renamed away from.
	out := found[:0]
	for _, e := range found {
		if e.HasVariation(text) {
			out = append(out, e)
		}
	}
	return out, nil
}

// FindByTaxID implements entity.Store.
func (s *SQLiteStorage) FindByTaxID(ctx context.Context, taxID string) ([]*model.Entity, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	taxID = entity.NormalizeTaxID(taxID)
	if taxID == "" {
		return nil, nil
	}
	return queryEntities(ctx, s.db, latestEntitySelect+`
		WHERE e.tax_id = ?
		ORDER BY e.merchant_id, e.id
	`, taxID)
}

// List implements entity.Store.
func (s *SQLiteStorage) List(ctx context.Context, filter entity.Filter) ([]*model.Entity, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var where []string
	var args []any
	if filter.State != "" {
		where = append(where, "e.state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Category != "" {
		where = append(where, "e.category = ?")
		args = append(args, filter.Category)
	}
	if filter.EntityType != "" {
		where = append(where, "e.entity_type = ?")
		args = append(args, string(filter.EntityType))
	}

	query := latestEntitySelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.merchant_id, e.id"

	all, err := queryEntities(ctx, s.db, query, args...)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, e := range all {
		if filter.Matches(e) {
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// Create implements entity.Store.
func (s *SQLiteStorage) Create(ctx context.Context, e *model.Entity) (*model.Entity, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateEntity(e); err != nil {
		return nil, err
	}
	first, err := entity.PrepareCreate(e, s.now().UTC())
	if err != nil {
		return nil, err
	}
	first.TaxID = entity.NormalizeTaxID(first.TaxID)

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, merchant_id, canonical_name, category, entity_type, state, tax_id, current_version, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, first.ID.String(), first.MerchantID, first.CanonicalName, first.Category,
			string(first.EntityType), string(first.State), first.TaxID, first.Version, formatTime(first.RecordedAt))
		if isConstraintViolation(err) {
			return fmt.Errorf("%s (%s): %w", first.ID, first.MerchantID, entity.ErrDuplicateEntry)
		}
		if err != nil {
			return fmt.Errorf("failed to create entity: %w", err)
		}
		return insertVersionTx(ctx, tx, first)
	})
	if err != nil {
		return nil, err
	}
	return first, nil
}

// Update implements entity.Store.
func (s *SQLiteStorage) Update(ctx context.Context, id uuid.UUID, expectedVersion int, changes model.EntityChanges) (*model.Entity, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	if err := validateID(id); err != nil {
		return nil, err
	}

	var result *model.Entity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := getEntityTx(ctx, tx, id)
		if err != nil {
			return err
		}
		next, changed, err := entity.NextVersion(current, expectedVersion, changes, s.now().UTC())
		if err != nil {
			return err
		}
		if !changed {
			result = current
			return nil
		}
		next.TaxID = entity.NormalizeTaxID(next.TaxID)
		if err := writeNextTx(ctx, tx, next, current.Version); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// MarkMerged implements entity.Store.
func (s *SQLiteStorage) MarkMerged(ctx context.Context, source, target uuid.UUID, reason string) (*model.Entity, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}

	var merged *model.Entity
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		src, err := getEntityTx(ctx, tx, source)
		if err != nil {
			return err
		}
		dst, err := getEntityTx(ctx, tx, target)
		if err != nil {
			return err
		}
		m, grown, err := entity.PrepareMerge(src, dst, reason, s.now().UTC())
		if err != nil {
			return err
		}
		if err := writeNextTx(ctx, tx, m, src.Version); err != nil {
			return err
		}
		if err := writeNextTx(ctx, tx, grown, dst.Version); err != nil {
			return err
		}
		merged = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// writeNextTx moves the entity head from expectedVersion to next.Version.
// It fails with a version conflict when another writer got there first.
func writeNextTx(ctx context.Context, tx *sql.Tx, next *model.Entity, expectedVersion int) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE entities SET
			merchant_id = ?,
			canonical_name = ?,
			category = ?,
			entity_type = ?,
			state = ?,
			tax_id = ?,
			current_version = ?,
			updated_at = ?
		WHERE id = ? AND current_version = ?
	`, next.MerchantID, next.CanonicalName, next.Category, string(next.EntityType), string(next.State),
		next.TaxID, next.Version, formatTime(next.RecordedAt), next.ID.String(), expectedVersion)
	if err != nil {
		return fmt.Errorf("failed to update entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s moved past version %d: %w", next.ID, expectedVersion, entity.ErrVersionConflict)
	}
	return insertVersionTx(ctx, tx, next)
}

func insertVersionTx(ctx context.Context, tx *sql.Tx, e *model.Entity) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode entity: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO entity_versions (entity_id, version, recorded_at, data)
		VALUES (?, ?, ?, ?)
	`, e.ID.String(), e.Version, formatTime(e.RecordedAt), string(data))
	if isConstraintViolation(err) {
		return fmt.Errorf("%s version %d already stored: %w", e.ID, e.Version, entity.ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to insert entity version: %w", err)
	}

	aliases := []string{e.CanonicalName}
	for _, v := range e.Variations {
		aliases = append(aliases, v.Text)
	}
	for _, a := range aliases {
		alias := model.NormalizeAlias(a)
		if alias == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO entity_aliases (entity_id, alias) VALUES (?, ?)
		`, e.ID.String(), alias); err != nil {
			return fmt.Errorf("failed to index alias: %w", err)
		}
	}
	return nil
}

func queryEntities(ctx context.Context, q queryable, query string, args ...any) ([]*model.Entity, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Entity
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan entity: %w", err)
		}
		e, err := decodeEntity(data)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func decodeEntity(data string) (*model.Entity, error) {
	var e model.Entity
	if err := json.Unmarshal([]byte(data), &e); err != nil {
		return nil, fmt.Errorf("failed to decode entity: %w", err)
	}
	return &e, nil
}

func isConstraintViolation(err error) bool {
	var sqErr sqlite3.Error
	return errors.As(err, &sqErr) && sqErr.Code == sqlite3.ErrConstraint
}
