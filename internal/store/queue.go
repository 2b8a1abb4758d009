package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/marcus-qen/driftwatch/internal/model"
)

// Retry backoff: base doubled per prior attempt, capped, plus jitter so
// requeued siblings do not thunder back in lockstep.
const (
	retryBase   = 10 * time.Second
	retryCap    = 15 * time.Minute
	retryJitter = time.Second
)

// RetryDelay returns the wait before a failed job becomes available again:
// base·2^(attempts-1) capped at retryCap, plus up to one second of jitter.
func RetryDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := retryBase
	for i := 1; i < attempts && d < retryCap; i++ {
		d *= 2
	}
	if d > retryCap {
		d = retryCap
	}
	return d + rand.N(retryJitter)
}

// NewJob describes a job to enqueue.
type NewJob struct {
	Type        string
	TargetID    string
	RunID       string
	Payload     any // marshaled to jsonb; nil stores NULL
	Priority    int
	MaxAttempts int       // default 3
	AvailableAt time.Time // zero means now
}

const jobColumns = `id, type, status, target_id, run_id, payload, priority,
	attempts, max_attempts, available_at, lease_owner, lease_expires_at,
	cancel_requested, last_error, created_at, started_at, completed_at`

func scanJob(s scanner) (*model.Job, error) {
	var j model.Job
	var runID, leaseOwner, lastError sql.NullString
	var payload []byte
	var leaseExpires, started, completed sql.NullTime
	err := s.Scan(&j.ID, &j.Type, &j.Status, &j.TargetID, &runID, &payload,
		&j.Priority, &j.Attempts, &j.MaxAttempts, &j.AvailableAt,
		&leaseOwner, &leaseExpires, &j.CancelRequested, &lastError,
		&j.CreatedAt, &started, &completed)
	if err != nil {
		return nil, err
	}
	j.RunID = strVal(runID)
	j.Payload = json.RawMessage(payload)
	j.LeaseOwner = strVal(leaseOwner)
	j.LeaseExpiresAt = timePtr(leaseExpires)
	j.LastError = strVal(lastError)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	return &j, nil
}

// Enqueue inserts a queued job.
func (s *Store) Enqueue(ctx context.Context, nj NewJob) (*model.Job, error) {
	return s.enqueue(ctx, s.db, nj)
}

// EnqueueBatch inserts several queued jobs in one transaction. Fan-out
// siblings must appear together: a join that counts live peers while the
// batch is half-inserted would advance early.
func (s *Store) EnqueueBatch(ctx context.Context, njs []NewJob) ([]*model.Job, error) {
	if len(njs) == 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin enqueue batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]*model.Job, 0, len(njs))
	for _, nj := range njs {
		j, err := s.enqueue(ctx, tx, nj)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit enqueue batch: %w", err)
	}
	return out, nil
}

func (s *Store) enqueue(ctx context.Context, q querier, nj NewJob) (*model.Job, error) {
	if nj.Type == "" || nj.TargetID == "" {
		return nil, errors.New("enqueue: type and target_id are required")
	}
	now := s.now()
	j := &model.Job{
		ID:          uuid.NewString(),
		Type:        nj.Type,
		Status:      model.JobStatusQueued,
		TargetID:    nj.TargetID,
		RunID:       nj.RunID,
		Priority:    nj.Priority,
		MaxAttempts: nj.MaxAttempts,
		AvailableAt: nj.AvailableAt,
		CreatedAt:   now,
	}
	if j.MaxAttempts <= 0 {
		j.MaxAttempts = 3
	}
	if j.AvailableAt.IsZero() {
		j.AvailableAt = now
	}
	var payload any
	if nj.Payload != nil {
		raw, err := json.Marshal(nj.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		j.Payload = raw
		payload = raw
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO jobs (id, type, status, target_id, run_id, payload, priority,
		                   max_attempts, available_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		j.ID, j.Type, j.Status, j.TargetID, nullStr(j.RunID), payload,
		j.Priority, j.MaxAttempts, j.AvailableAt, j.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", nj.Type, err)
	}
	return j, nil
}

// dequeueSQL claims the best eligible job in one statement: oldest available
// among the highest priority, skipping rows locked by other workers, and only
// while the global and per-target running counts are under their caps. A
// target's scope may lower its cap via max_concurrent_jobs but never raise it.
const dequeueSQL = `
WITH candidate AS (
	SELECT j.id
	FROM jobs j
	WHERE j.status = 'queued'
	  AND j.available_at <= $1
	  AND (SELECT count(*) FROM jobs g WHERE g.status = 'running') < $2
	  AND (SELECT count(*) FROM jobs t WHERE t.status = 'running' AND t.target_id = j.target_id)
	      < LEAST($3, COALESCE(NULLIF((SELECT (tg.scope ->> 'max_concurrent_jobs')::int
	                                   FROM targets tg WHERE tg.id = j.target_id), 0), $3))
	ORDER BY j.priority DESC, j.available_at ASC, j.id ASC
	LIMIT 1
	FOR UPDATE OF j SKIP LOCKED
)
UPDATE jobs SET
	status = 'running',
	lease_owner = $4,
	lease_expires_at = $1::timestamptz + make_interval(secs =>
		CASE WHEN jobs.type = 'pipeline' OR jobs.type LIKE 'stage:%' THEN $5 ELSE $6 END),
	attempts = jobs.attempts + 1,
	started_at = COALESCE(jobs.started_at, $1)
FROM candidate
WHERE jobs.id = candidate.id
RETURNING jobs.id, jobs.type, jobs.status, jobs.target_id, jobs.run_id, jobs.payload,
	jobs.priority, jobs.attempts, jobs.max_attempts, jobs.available_at,
	jobs.lease_owner, jobs.lease_expires_at, jobs.cancel_requested, jobs.last_error,
	jobs.created_at, jobs.started_at, jobs.completed_at`

// Dequeue leases the next eligible job for workerID, or returns ErrNoJob.
// Concurrent claims of one row are resolved by SKIP LOCKED; the cap
// predicates are made exact by serializing dequeues on a transaction-scoped
// advisory lock, so racing workers can never overshoot the caps.
func (s *Store) Dequeue(ctx context.Context, workerID string) (*model.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtext('driftwatch.jobs.dequeue'))`); err != nil {
		return nil, fmt.Errorf("dequeue lock: %w", err)
	}

	row := tx.QueryRowContext(ctx, dequeueSQL, s.now(),
		s.opts.GlobalCap, s.opts.PerTargetCap, workerID,
		s.opts.StageLeaseDuration.Seconds(), s.opts.LeaseDuration.Seconds())
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoJob
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	return j, nil
}

// Heartbeat extends the lease of a running job and reports whether
// cancellation has been requested. Returns ErrLeaseLost when the job is no
// longer owned by workerID.
func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) (bool, error) {
	var cancelRequested bool
	err := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET lease_expires_at = $3::timestamptz + make_interval(secs =>
			CASE WHEN type = 'pipeline' OR type LIKE 'stage:%' THEN $4 ELSE $5 END)
		 WHERE id = $1 AND lease_owner = $2 AND status = 'running'
		 RETURNING cancel_requested`,
		jobID, workerID, s.now(),
		s.opts.StageLeaseDuration.Seconds(), s.opts.LeaseDuration.Seconds()).
		Scan(&cancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrLeaseLost
	}
	if err != nil {
		return false, fmt.Errorf("heartbeat %s: %w", jobID, err)
	}
	return cancelRequested, nil
}

// Complete moves a running job to completed, guarded by lease ownership.
func (s *Store) Complete(ctx context.Context, jobID, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', completed_at = $3,
		        lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = $1 AND lease_owner = $2 AND status = 'running'`,
		jobID, workerID, s.now())
	if err != nil {
		return fmt.Errorf("complete %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Fail records a failed attempt. Retryable failures below max_attempts go
// back to queued with exponential backoff; everything else is terminal.
// Returns whether the job was requeued.
func (s *Store) Fail(ctx context.Context, jobID, workerID, reason string, retryable bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin fail: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var attempts, maxAttempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts, max_attempts FROM jobs
		 WHERE id = $1 AND lease_owner = $2 AND status = 'running'
		 FOR UPDATE`, jobID, workerID).Scan(&attempts, &maxAttempts)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrLeaseLost
	}
	if err != nil {
		return false, fmt.Errorf("fail %s: %w", jobID, err)
	}

	now := s.now()
	requeued := retryable && attempts < maxAttempts
	if requeued {
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'queued', last_error = $2, available_at = $3,
			        lease_owner = NULL, lease_expires_at = NULL
			 WHERE id = $1`,
			jobID, nullStr(reason), now.Add(RetryDelay(attempts)))
	} else {
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'failed', last_error = $2, completed_at = $3,
			        lease_owner = NULL, lease_expires_at = NULL
			 WHERE id = $1`,
			jobID, nullStr(reason), now)
	}
	if err != nil {
		return false, fmt.Errorf("fail %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit fail: %w", err)
	}
	return requeued, nil
}

// Cancel cancels a job: queued jobs flip to cancelled immediately, running
// jobs get the cancel_requested flag for the owning worker to observe.
// Terminal jobs are left alone. Returns the job's status after the call.
func (s *Store) Cancel(ctx context.Context, jobID, reason string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin cancel: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, jobID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("cancel %s: %w", jobID, err)
	}

	switch status {
	case model.JobStatusQueued:
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = 'cancelled', last_error = $2, completed_at = $3
			 WHERE id = $1`, jobID, nullStr(reason), s.now())
		status = model.JobStatusCancelled
	case model.JobStatusRunning:
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET cancel_requested = TRUE, last_error = $2
			 WHERE id = $1`, jobID, nullStr(reason))
	}
	if err != nil {
		return "", fmt.Errorf("cancel %s: %w", jobID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit cancel: %w", err)
	}
	return status, nil
}

// CancelJobsForRun cancels every live job of a run: queued jobs immediately,
// running jobs cooperatively. Returns how many of each were touched.
func (s *Store) CancelJobsForRun(ctx context.Context, runID, reason string) (cancelled, flagged int64, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, fmt.Errorf("begin cancel run jobs: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', last_error = $2, completed_at = $3,
		        lease_owner = NULL, lease_expires_at = NULL
		 WHERE run_id = $1 AND status = 'queued'`, runID, nullStr(reason), s.now())
	if err != nil {
		return 0, 0, fmt.Errorf("cancel queued jobs: %w", err)
	}
	cancelled, _ = res.RowsAffected()

	res, err = tx.ExecContext(ctx,
		`UPDATE jobs SET cancel_requested = TRUE, last_error = $2
		 WHERE run_id = $1 AND status = 'running'`, runID, nullStr(reason))
	if err != nil {
		return 0, 0, fmt.Errorf("flag running jobs: %w", err)
	}
	flagged, _ = res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, 0, fmt.Errorf("commit cancel run jobs: %w", err)
	}
	return cancelled, flagged, nil
}

// CancelRequested reports the job's cancel flag. Handlers poll it at
// suspension points.
func (s *Store) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	var flagged bool
	err := s.db.QueryRowContext(ctx,
		`SELECT cancel_requested FROM jobs WHERE id = $1`, jobID).Scan(&flagged)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return false, fmt.Errorf("cancel flag %s: %w", jobID, err)
	}
	return flagged, nil
}

// AckCancel moves a running job whose cancel flag was observed to cancelled.
func (s *Store) AckCancel(ctx context.Context, jobID, workerID, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'cancelled', last_error = $3, completed_at = $4,
		        lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = $1 AND lease_owner = $2 AND status = 'running'`,
		jobID, workerID, nullStr(reason), s.now())
	if err != nil {
		return fmt.Errorf("ack cancel %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Release puts a running job back to queued without burning an attempt,
// used on graceful shutdown so another worker picks it up immediately.
func (s *Store) Release(ctx context.Context, jobID, workerID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'queued', available_at = $3,
		        lease_owner = NULL, lease_expires_at = NULL,
		        attempts = GREATEST(attempts - 1, 0)
		 WHERE id = $1 AND lease_owner = $2 AND status = 'running'`,
		jobID, workerID, s.now())
	if err != nil {
		return fmt.Errorf("release %s: %w", jobID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// ReapedJob describes one job the janitor recovered from an expired lease.
type ReapedJob struct {
	ID        string
	Type      string
	TargetID  string
	RunID     string
	Cancelled bool
}

// ReapExpiredLeases requeues running jobs whose lease expired, without
// incrementing attempts (the dead worker's dequeue already counted one).
// Jobs with a pending cancel request go straight to cancelled.
func (s *Store) ReapExpiredLeases(ctx context.Context) ([]ReapedJob, error) {
	now := s.now()
	rows, err := s.db.QueryContext(ctx,
		`UPDATE jobs SET
			status = CASE WHEN cancel_requested THEN 'cancelled' ELSE 'queued' END,
			completed_at = CASE WHEN cancel_requested THEN $1 ELSE completed_at END,
			last_error = CASE WHEN cancel_requested THEN 'cancelled' ELSE 'lease_expired' END,
			available_at = $1,
			lease_owner = NULL,
			lease_expires_at = NULL
		 WHERE status = 'running' AND lease_expires_at < $1
		 RETURNING id, type, target_id, run_id, cancel_requested`, now)
	if err != nil {
		return nil, fmt.Errorf("reap leases: %w", err)
	}
	defer rows.Close()

	var out []ReapedJob
	for rows.Next() {
		var r ReapedJob
		var runID sql.NullString
		if err := rows.Scan(&r.ID, &r.Type, &r.TargetID, &runID, &r.Cancelled); err != nil {
			return nil, fmt.Errorf("scan reaped job: %w", err)
		}
		r.RunID = strVal(runID)
		out = append(out, r)
	}
	return out, rows.Err()
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// ListJobsForRun returns a run's jobs in creation order.
func (s *Store) ListJobsForRun(ctx context.Context, runID string) ([]*model.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE run_id = $1
		 ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("list run jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountRunningJobs returns the number of running jobs, optionally for one
// target only.
func (s *Store) CountRunningJobs(ctx context.Context, targetID string) (int, error) {
	var n int
	var err error
	if targetID == "" {
		err = s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM jobs WHERE status = 'running'`).Scan(&n)
	} else {
		err = s.db.QueryRowContext(ctx,
			`SELECT count(*) FROM jobs WHERE status = 'running' AND target_id = $1`,
			targetID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count running jobs: %w", err)
	}
	return n, nil
}

// Finalize describes how to finish a job that belongs to a run and what to
// do once it was the last live peer of its kind.
type Finalize struct {
	RunID  string
	Status string // completed | failed | cancelled
	Reason string // recorded as last_error unless completing

	// PeerType is the job type joined on, LIKE-matched ("verify_%" covers
	// both verify kinds). Empty joins on every job of the run.
	PeerType string

	// Next is enqueued when this was the last live peer and the run is
	// still running.
	Next *NewJob

	// CompleteRun marks the run completed when this was the last live peer
	// and the run is still running.
	CompleteRun bool
}

// FinalizeOutcome reports what FinalizeJobInRun observed and did.
type FinalizeOutcome struct {
	Remaining    int    // live peers left after this job finished
	RunStatus    string // run status observed under the row lock
	NextJobID    string // follow-up job id, when one was enqueued
	RunCompleted bool
}

// FinalizeJobInRun finishes a job and advances its run in one transaction.
// The runs row is locked first so concurrent finalizers for the same run
// serialize, which guarantees exactly one of them observes Remaining == 0
// and performs the advance (fan-in for scanner children, chain advance for
// stages, completion for verification runs).
func (s *Store) FinalizeJobInRun(ctx context.Context, jobID, workerID string, fin Finalize) (FinalizeOutcome, error) {
	var out FinalizeOutcome
	if fin.RunID == "" {
		return out, errors.New("finalize: run id required")
	}
	switch fin.Status {
	case model.JobStatusCompleted, model.JobStatusFailed, model.JobStatusCancelled:
	default:
		return out, fmt.Errorf("finalize: bad status %q", fin.Status)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return out, fmt.Errorf("begin finalize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	err = tx.QueryRowContext(ctx,
		`SELECT status FROM runs WHERE id = $1 FOR UPDATE`, fin.RunID).Scan(&out.RunStatus)
	if errors.Is(err, sql.ErrNoRows) {
		return out, fmt.Errorf("run %s: %w", fin.RunID, ErrNotFound)
	}
	if err != nil {
		return out, fmt.Errorf("lock run: %w", err)
	}

	reason := fin.Reason
	if fin.Status == model.JobStatusCompleted {
		reason = ""
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = $3, last_error = $4, completed_at = $5,
		        lease_owner = NULL, lease_expires_at = NULL
		 WHERE id = $1 AND lease_owner = $2 AND status = 'running'`,
		jobID, workerID, fin.Status, nullStr(reason), s.now())
	if err != nil {
		return out, fmt.Errorf("finalize %s: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return out, ErrLeaseLost
	}

	peer := fin.PeerType
	if peer == "" {
		peer = "%"
	}
	err = tx.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs
		 WHERE run_id = $1 AND type LIKE $2 AND status IN ('queued', 'running')`,
		fin.RunID, peer).Scan(&out.Remaining)
	if err != nil {
		return out, fmt.Errorf("count peers: %w", err)
	}

	if out.Remaining == 0 && out.RunStatus == model.RunStatusRunning {
		if fin.Next != nil {
			next, err := s.enqueue(ctx, tx, *fin.Next)
			if err != nil {
				return out, err
			}
			out.NextJobID = next.ID
		}
		if fin.CompleteRun {
			if _, err := tx.ExecContext(ctx,
				`UPDATE runs SET status = 'completed', completed_at = $2
				 WHERE id = $1 AND status = 'running'`, fin.RunID, s.now()); err != nil {
				return out, fmt.Errorf("complete run: %w", err)
			}
			out.RunCompleted = true
		}
	}

	if err := tx.Commit(); err != nil {
		return out, fmt.Errorf("commit finalize: %w", err)
	}
	return out, nil
}

// IsStageJob reports whether a job type holds a queue slot for a pipeline
// stage (long lease).
func IsStageJob(jobType string) bool {
	return jobType == model.JobTypePipeline || strings.HasPrefix(jobType, model.JobTypeStagePrefix)
}
