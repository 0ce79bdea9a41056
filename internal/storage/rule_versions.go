package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Veraticus/merchantflow/internal/model"
	"github.com/Veraticus/merchantflow/internal/versioning"
)

var _ versioning.Log = (*SQLiteStorage)(nil)

// Append implements versioning.Log. Rows are only ever inserted.
func (s *SQLiteStorage) Append(ctx context.Context, snap model.RuleSnapshot) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if err := validateSnapshot(snap); err != nil {
		return err
	}

	rules, err := json.Marshal(snap.Rules)
	if err != nil {
		return fmt.Errorf("failed to encode rules: %w", err)
	}
	var rollbackOf sql.NullString
	if snap.RollbackOf != nil {
		rollbackOf = sql.NullString{String: formatTime(*snap.RollbackOf), Valid: true}
	}

	return s.inTx(ctx, func(tx *sql.Tx) error {
		last, ok, err := lastRuleVersionTx(ctx, tx, snap.RuleType)
		if err != nil {
			return err
		}
		if ok {
			if err := versioning.CheckOrder(last, snap); err != nil {
				return err
			}
		} else if snap.Sequence != 1 {
			return fmt.Errorf("%s sequence %d, want 1: %w", snap.RuleType, snap.Sequence, versioning.ErrOutOfOrder)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO rule_versions (rule_type, sequence, timestamp, author, reason, notes, rollback_of, rule_count, rules)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, string(snap.RuleType), snap.Sequence, formatTime(snap.Timestamp), snap.Author, snap.Reason,
			snap.Notes, rollbackOf, snap.RuleCount, string(rules))
		if isConstraintViolation(err) {
			return fmt.Errorf("%s sequence %d already stored: %w", snap.RuleType, snap.Sequence, versioning.ErrOutOfOrder)
		}
		if err != nil {
			return fmt.Errorf("failed to append rule version: %w", err)
		}
		return nil
	})
}

// Snapshots implements versioning.Log.
func (s *SQLiteStorage) Snapshots(ctx context.Context, ruleType model.RuleType) ([]model.RuleSnapshot, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT rule_type, sequence, timestamp, author, reason, notes, rollback_of, rule_count, rules
		FROM rule_versions
		WHERE rule_type = ?
		ORDER BY sequence
	`, string(ruleType))
	if err != nil {
		return nil, fmt.Errorf("failed to query rule versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.RuleSnapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

func lastRuleVersionTx(ctx context.Context, q queryable, ruleType model.RuleType) (model.RuleSnapshot, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT rule_type, sequence, timestamp, author, reason, notes, rollback_of, rule_count, rules
		FROM rule_versions
		WHERE rule_type = ?
		ORDER BY sequence DESC
		LIMIT 1
	`, string(ruleType))
	snap, err := scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.RuleSnapshot{}, false, nil
	}
	if err != nil {
		return model.RuleSnapshot{}, false, err
	}
	return snap, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row scanner) (model.RuleSnapshot, error) {
	var (
		snap       model.RuleSnapshot
		ruleType   string
		timestamp  string
		rollbackOf sql.NullString
		rules      string
	)
	if err := row.Scan(&ruleType, &snap.Sequence, &timestamp, &snap.Author, &snap.Reason,
		&snap.Notes, &rollbackOf, &snap.RuleCount, &rules); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return snap, err
		}
		return snap, fmt.Errorf("failed to scan rule version: %w", err)
	}
	snap.RuleType = model.RuleType(ruleType)

	ts, err := parseTime(timestamp)
	if err != nil {
		return snap, err
	}
	snap.Timestamp = ts
	if rollbackOf.Valid {
		t, err := parseTime(rollbackOf.String)
		if err != nil {
			return snap, err
		}
		snap.RollbackOf = &t
	}
	if err := json.Unmarshal([]byte(rules), &snap.Rules); err != nil {
		return snap, fmt.Errorf("failed to decode rules: %w", err)
	}
	if snap.Rules == nil {
		snap.Rules = []model.Rule{}
	}
	return snap, nil
}
