package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/marcus-qen/driftwatch/internal/model"
)

const scanColumns = `id, target_id, run_id, scanner, target, status, config,
	raw_output, error, started_at, completed_at`

func scanScan(s scanner) (*model.Scan, error) {
	var sc model.Scan
	var config []byte
	var rawOutput, errMsg sql.NullString
	var started, completed sql.NullTime
	err := s.Scan(&sc.ID, &sc.TargetID, &sc.RunID, &sc.Scanner, &sc.Target,
		&sc.Status, &config, &rawOutput, &errMsg, &started, &completed)
	if err != nil {
		return nil, err
	}
	sc.Config = json.RawMessage(config)
	sc.RawOutput = strVal(rawOutput)
	sc.Error = strVal(errMsg)
	sc.StartedAt = timePtr(started)
	sc.CompletedAt = timePtr(completed)
	return &sc, nil
}

// CreateScan records the start of one scanner execution.
func (s *Store) CreateScan(ctx context.Context, targetID, runID, scannerName, scanTarget string, config any) (*model.Scan, error) {
	now := s.now()
	sc := &model.Scan{
		ID:        uuid.NewString(),
		TargetID:  targetID,
		RunID:     runID,
		Scanner:   scannerName,
		Target:    scanTarget,
		Status:    model.ScanStatusRunning,
		StartedAt: &now,
	}
	var cfg any
	if config != nil {
		raw, err := json.Marshal(config)
		if err != nil {
			return nil, fmt.Errorf("marshal scan config: %w", err)
		}
		sc.Config = raw
		cfg = raw
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO scans (id, target_id, run_id, scanner, target, status, config, started_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		sc.ID, sc.TargetID, sc.RunID, sc.Scanner, sc.Target, sc.Status, cfg, now)
	if err != nil {
		return nil, fmt.Errorf("create scan: %w", err)
	}
	return sc, nil
}

// FinishScan records a scan's terminal status, redacted output and error.
// A scan already terminal is left untouched.
func (s *Store) FinishScan(ctx context.Context, scanID, status, rawOutput, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET status = $2, raw_output = $3, error = $4, completed_at = $5
		 WHERE id = $1 AND status = 'running'`,
		scanID, status, nullStr(rawOutput), nullStr(errMsg), s.now())
	if err != nil {
		return fmt.Errorf("finish scan %s: %w", scanID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("scan %s not running: %w", scanID, ErrNotFound)
	}
	return nil
}

// GetScan fetches one scan, including its redacted raw output.
func (s *Store) GetScan(ctx context.Context, id string) (*model.Scan, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scanColumns+` FROM scans WHERE id = $1`, id)
	sc, err := scanScan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("scan %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get scan: %w", err)
	}
	return sc, nil
}

// ListScansForTarget returns recent scans without raw output, newest first.
func (s *Store) ListScansForTarget(ctx context.Context, targetID string, limit int) ([]*model.Scan, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_id, run_id, scanner, target, status, config,
		        NULL, error, started_at, completed_at
		 FROM scans WHERE target_id = $1
		 ORDER BY started_at DESC LIMIT $2`, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list scans: %w", err)
	}
	defer rows.Close()
	return collectScans(rows)
}

// ListScansForRun returns a run's scans without raw output, oldest first.
func (s *Store) ListScansForRun(ctx context.Context, runID string) ([]*model.Scan, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_id, run_id, scanner, target, status, config,
		        NULL, error, started_at, completed_at
		 FROM scans WHERE run_id = $1 ORDER BY started_at ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run scans: %w", err)
	}
	defer rows.Close()
	return collectScans(rows)
}

func collectScans(rows *sql.Rows) ([]*model.Scan, error) {
	var out []*model.Scan
	for rows.Next() {
		sc, err := scanScan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scan row: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// CompletedScanners returns the set of scanner names with at least one
// completed scan in the run. Change detection uses it to know which
// artifact types the run actually probed.
func (s *Store) CompletedScanners(ctx context.Context, runID string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT scanner FROM scans WHERE run_id = $1 AND status = 'completed'`, runID)
	if err != nil {
		return nil, fmt.Errorf("completed scanners: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan scanner name: %w", err)
		}
		out[name] = true
	}
	return out, rows.Err()
}
