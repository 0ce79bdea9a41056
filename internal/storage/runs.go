package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Veraticus/merchantflow/internal/pipeline"
)

// Run records one batch classification for later review.
type Run struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Input      string           `json:"input"`
	Rules      string           `json:"rules"`
	Summary    pipeline.Summary `json:"summary"`
	ID         uuid.UUID        `json:"id"`
}

// SaveRun stores a finished run. A nil id is replaced with a random one.
func (s *SQLiteStorage) SaveRun(ctx context.Context, run *Run) error {
	if err := validateContext(ctx); err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("%w: run", ErrNilParameter)
	}
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	summary, err := json.Marshal(run.Summary)
	if err != nil {
		return fmt.Errorf("failed to encode run summary: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO classification_runs (id, started_at, finished_at, input, rules, total, resolved, needs_verification, errors, summary)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID.String(), formatTime(run.StartedAt), formatTime(run.FinishedAt), run.Input, run.Rules,
		run.Summary.Total, run.Summary.Resolved, run.Summary.NeedsVerification, run.Summary.Errors, string(summary))
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first. A limit of zero returns all.
func (s *SQLiteStorage) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if err := validateContext(ctx); err != nil {
		return nil, err
	}
	query := `
		SELECT id, started_at, finished_at, input, rules, summary
		FROM classification_runs
		ORDER BY started_at DESC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Run
	for rows.Next() {
		var (
			run                Run
			id, started, ended string
			summary            string
		)
		if err := rows.Scan(&id, &started, &ended, &run.Input, &run.Rules, &summary); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if run.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("invalid run id %q: %w", id, err)
		}
		if run.StartedAt, err = parseTime(started); err != nil {
			return nil, err
		}
		if run.FinishedAt, err = parseTime(ended); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(summary), &run.Summary); err != nil {
			return nil, fmt.Errorf("failed to decode run summary: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}
