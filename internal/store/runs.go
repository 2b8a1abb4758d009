package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/marcus-qen/driftwatch/internal/model"
)

const runColumns = `id, target_id, trigger, status, error, max_hosts, max_http_targets,
	created_at, started_at, completed_at`

func scanRun(s scanner) (*model.Run, error) {
	var r model.Run
	var errMsg sql.NullString
	var started, completed sql.NullTime
	if err := s.Scan(&r.ID, &r.TargetID, &r.Trigger, &r.Status, &errMsg,
		&r.MaxHosts, &r.MaxHTTPTargets, &r.CreatedAt, &started, &completed); err != nil {
		return nil, err
	}
	r.Error = strVal(errMsg)
	r.StartedAt = timePtr(started)
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

// CreateRun records a new queued run. The partial unique index on runs
// rejects a second live non-verification run for the same target.
func (s *Store) CreateRun(ctx context.Context, targetID, trigger string, maxHosts, maxHTTPTargets int) (*model.Run, error) {
	r := &model.Run{
		ID:             uuid.NewString(),
		TargetID:       targetID,
		Trigger:        trigger,
		Status:         model.RunStatusQueued,
		MaxHosts:       maxHosts,
		MaxHTTPTargets: maxHTTPTargets,
		CreatedAt:      s.now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, target_id, trigger, status, max_hosts, max_http_targets, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.TargetID, r.Trigger, r.Status, r.MaxHosts, r.MaxHTTPTargets, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "runs_one_active_per_target") {
			return nil, fmt.Errorf("target %s: %w", targetID, ErrActiveRun)
		}
		return nil, fmt.Errorf("create run: %w", err)
	}
	return r, nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRunsForTarget returns the target's runs, newest first.
func (s *Store) ListRunsForTarget(ctx context.Context, targetID string, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE target_id = $1
		 ORDER BY created_at DESC LIMIT $2`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	return collectRuns(rows)
}

func collectRuns(rows *sql.Rows) ([]*model.Run, error) {
	var out []*model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ActiveRun returns the target's live non-verification run, or ErrNotFound.
func (s *Store) ActiveRun(ctx context.Context, targetID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE target_id = $1 AND status IN ('queued', 'running') AND trigger <> 'verification'
		 LIMIT 1`, targetID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("active run for %s: %w", targetID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("active run: %w", err)
	}
	return r, nil
}

// LatestCompletedRun returns the most recent completed non-verification run.
func (s *Store) LatestCompletedRun(ctx context.Context, targetID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE target_id = $1 AND status = 'completed' AND trigger <> 'verification'
		 ORDER BY completed_at DESC LIMIT 1`, targetID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("completed run for %s: %w", targetID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("latest completed run: %w", err)
	}
	return r, nil
}

// StartRun moves a queued run to running. Returns ErrNotFound when the run
// is gone or no longer queued.
func (s *Store) StartRun(ctx context.Context, id string) error {
	return s.transitionRun(ctx, id, model.RunStatusRunning,
		`UPDATE runs SET status = $2, started_at = $3 WHERE id = $1 AND status = 'queued'`)
}

// CompleteRun moves a running run to completed.
func (s *Store) CompleteRun(ctx context.Context, id string) error {
	return s.transitionRun(ctx, id, model.RunStatusCompleted,
		`UPDATE runs SET status = $2, completed_at = $3 WHERE id = $1 AND status = 'running'`)
}

// FailRun moves a live run to failed with the given error message.
func (s *Store) FailRun(ctx context.Context, id, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = $2, error = $3, completed_at = $4
		 WHERE id = $1 AND status IN ('queued', 'running')`,
		id, model.RunStatusFailed, nullStr(errMsg), s.now())
	if err != nil {
		return fmt.Errorf("fail run: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s not live: %w", id, ErrNotFound)
	}
	return nil
}

// DiscardRun moves a live run to discarded. The caller cancels the run's
// jobs separately.
func (s *Store) DiscardRun(ctx context.Context, id string) error {
	return s.transitionRun(ctx, id, model.RunStatusDiscarded,
		`UPDATE runs SET status = $2, completed_at = $3 WHERE id = $1 AND status IN ('queued', 'running')`)
}

func (s *Store) transitionRun(ctx context.Context, id, status, query string) error {
	res, err := s.db.ExecContext(ctx, query, id, status, s.now())
	if err != nil {
		return fmt.Errorf("run %s -> %s: %w", id, status, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("run %s -> %s: %w", id, status, ErrNotFound)
	}
	return nil
}
