package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/driftwatch/internal/model"
)

const scheduleColumns = `id, target_id, interval_seconds, cron, enabled,
	max_hosts, max_http_targets, next_run_at, last_run_at`

func scanSchedule(s scanner) (*model.Schedule, error) {
	var sc model.Schedule
	var cron sql.NullString
	var lastRun sql.NullTime
	err := s.Scan(&sc.ID, &sc.TargetID, &sc.IntervalSeconds, &cron, &sc.Enabled,
		&sc.MaxHosts, &sc.MaxHTTPTargets, &sc.NextRunAt, &lastRun)
	if err != nil {
		return nil, err
	}
	sc.Cron = strVal(cron)
	sc.LastRunAt = timePtr(lastRun)
	return &sc, nil
}

// CreateSchedule persists a schedule. The caller validates cadence and fills
// NextRunAt; a zero NextRunAt means due immediately.
func (s *Store) CreateSchedule(ctx context.Context, sc *model.Schedule) (*model.Schedule, error) {
	if sc.ID == "" {
		sc.ID = uuid.NewString()
	}
	if sc.NextRunAt.IsZero() {
		sc.NextRunAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (id, target_id, interval_seconds, cron, enabled,
		                        max_hosts, max_http_targets, next_run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sc.ID, sc.TargetID, sc.IntervalSeconds, nullStr(sc.Cron), sc.Enabled,
		sc.MaxHosts, sc.MaxHTTPTargets, sc.NextRunAt)
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	return sc, nil
}

// GetSchedule fetches one schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*model.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

// ListSchedulesForTarget returns a target's schedules.
func (s *Store) ListSchedulesForTarget(ctx context.Context, targetID string) ([]*model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE target_id = $1
		 ORDER BY next_run_at ASC`, targetID)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*model.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// UpdateSchedule replaces cadence, maxima, enablement and next fire time.
func (s *Store) UpdateSchedule(ctx context.Context, sc *model.Schedule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET interval_seconds = $2, cron = $3, enabled = $4,
		        max_hosts = $5, max_http_targets = $6, next_run_at = $7
		 WHERE id = $1`,
		sc.ID, sc.IntervalSeconds, nullStr(sc.Cron), sc.Enabled,
		sc.MaxHosts, sc.MaxHTTPTargets, sc.NextRunAt)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", sc.ID, ErrNotFound)
	}
	return nil
}

// DeleteSchedule removes a schedule.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	return nil
}

// NextFunc computes a schedule's next activation strictly after now.
type NextFunc func(sc *model.Schedule, now time.Time) time.Time

// FiredSchedule reports one claimed schedule occurrence.
type FiredSchedule struct {
	Schedule *model.Schedule
	DueAt    time.Time  // next_run_at the occurrence was claimed at
	Run      *model.Run // nil when the occurrence was skipped
	Job      *model.Job // nil when the occurrence was skipped
	Skipped  bool       // target still had an active pipeline run
}

// FireDueSchedule claims the most overdue enabled schedule and fires it in
// one transaction: advance next_run_at (via next, so interval drift
// correction and cron both live with the caller), stamp last_run_at, and
// create the queued run and its pipeline job. A target that still has an
// active pipeline run gets the occurrence skipped rather than queued
// behind it. FOR UPDATE SKIP LOCKED keeps concurrent schedulers off the
// same row. Returns ErrNoDueSchedule when nothing is due.
func (s *Store) FireDueSchedule(ctx context.Context, next NextFunc) (*FiredSchedule, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin schedule fire: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := s.now()
	row := tx.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled AND next_run_at <= $1
		 ORDER BY next_run_at ASC
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`, now)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoDueSchedule
	}
	if err != nil {
		return nil, fmt.Errorf("claim schedule: %w", err)
	}

	dueAt := sc.NextRunAt
	nextAt := next(sc, now)
	if _, err := tx.ExecContext(ctx,
		`UPDATE schedules SET next_run_at = $2, last_run_at = $3 WHERE id = $1`,
		sc.ID, nextAt, now); err != nil {
		return nil, fmt.Errorf("advance schedule: %w", err)
	}
	sc.NextRunAt = nextAt
	sc.LastRunAt = &now

	var active bool
	err = tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM runs
		 WHERE target_id = $1 AND status IN ('queued', 'running') AND trigger <> 'verification')`,
		sc.TargetID).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("check active run: %w", err)
	}
	if active {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("commit schedule skip: %w", err)
		}
		return &FiredSchedule{Schedule: sc, DueAt: dueAt, Skipped: true}, nil
	}

	run := &model.Run{
		ID:             uuid.NewString(),
		TargetID:       sc.TargetID,
		Trigger:        model.RunTriggerScheduled,
		Status:         model.RunStatusQueued,
		MaxHosts:       sc.MaxHosts,
		MaxHTTPTargets: sc.MaxHTTPTargets,
		CreatedAt:      now,
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, target_id, trigger, status, max_hosts, max_http_targets, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.TargetID, run.Trigger, run.Status, run.MaxHosts, run.MaxHTTPTargets, run.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("create scheduled run: %w", err)
	}

	job, err := s.enqueue(ctx, tx, NewJob{
		Type:     model.JobTypePipeline,
		TargetID: sc.TargetID,
		RunID:    run.ID,
		Priority: model.PriorityPipeline,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit schedule fire: %w", err)
	}
	return &FiredSchedule{Schedule: sc, DueAt: dueAt, Run: run, Job: job}, nil
}
