package store

import (
	"context"
	"fmt"
	"time"
)

// PurgeRawOutput nulls the raw output of scans that finished before cutoff.
// The scan rows themselves stay until their run is purged.
func (s *Store) PurgeRawOutput(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scans SET raw_output = NULL
		 WHERE raw_output IS NOT NULL AND completed_at IS NOT NULL AND completed_at < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge raw output: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PurgeTerminalRuns deletes terminal runs older than cutoff. Their scans,
// jobs and run_events go with them via foreign keys; findings survive with
// their run and scan references nulled. Inventory is never purged.
func (s *Store) PurgeTerminalRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs
		 WHERE status IN ('completed', 'failed', 'cancelled', 'discarded')
		   AND COALESCE(completed_at, created_at) < $1`,
		cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge runs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
