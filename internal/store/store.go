// Package store persists driftwatch state in PostgreSQL: targets, runs,
// the durable job queue, scans, the asset/service/edge inventory, findings,
// schedules and the append-only run_events audit trail. All coordination
// between workers happens through these tables; the queue leans on
// SELECT ... FOR UPDATE SKIP LOCKED so any number of workers can poll the
// same database without a broker.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyExists is returned on unique-constraint conflicts at create.
	ErrAlreadyExists = errors.New("already exists")
	// ErrNoJob is returned by Dequeue when nothing is eligible.
	ErrNoJob = errors.New("no job available")
	// ErrLeaseLost is returned when a worker acts on a job it no longer owns.
	ErrLeaseLost = errors.New("job lease lost")
	// ErrActiveRun is returned when a target already has a live pipeline run.
	ErrActiveRun = errors.New("target has an active run")
	// ErrNoDueSchedule is returned when no schedule is ready to fire.
	ErrNoDueSchedule = errors.New("no schedule due")
)

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Options tune queue admission and leasing. Zero values fall back to the
// documented defaults.
type Options struct {
	// GlobalCap is the maximum number of running jobs across all targets.
	GlobalCap int
	// PerTargetCap is the default per-target running-job limit. A target's
	// scope may lower it via max_concurrent_jobs; it can never raise it.
	PerTargetCap int
	// LeaseDuration is how long a dequeued job stays owned without a
	// heartbeat. Pipeline and stage jobs use StageLeaseDuration instead
	// because they legitimately wait on children.
	LeaseDuration      time.Duration
	StageLeaseDuration time.Duration
	// Now overrides the clock, for tests.
	Now func() time.Time
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.GlobalCap <= 0 {
		out.GlobalCap = 5
	}
	if out.PerTargetCap <= 0 {
		out.PerTargetCap = 2
	}
	if out.LeaseDuration <= 0 {
		out.LeaseDuration = 5 * time.Minute
	}
	if out.StageLeaseDuration <= 0 {
		out.StageLeaseDuration = 2 * time.Hour
	}
	if out.Now == nil {
		out.Now = func() time.Time { return time.Now().UTC() }
	}
	return out
}

// Store wraps the database handle. Safe for concurrent use.
type Store struct {
	db   *sql.DB
	opts Options
	now  func() time.Time
}

// Open connects to PostgreSQL via the pgx stdlib driver and ensures the
// schema exists.
func Open(ctx context.Context, databaseURL string, opts Options) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s, err := New(ctx, db, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing database handle and ensures the schema exists.
func New(ctx context.Context, db *sql.DB, opts Options) (*Store, error) {
	o := opts.withDefaults()
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, opts: o, now: o.Now}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS targets (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	root_domain TEXT NOT NULL UNIQUE,
	scope       JSONB NOT NULL DEFAULT '{}'::jsonb,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	id               TEXT PRIMARY KEY,
	target_id        TEXT NOT NULL REFERENCES targets(id) ON DELETE RESTRICT,
	trigger          TEXT NOT NULL,
	status           TEXT NOT NULL,
	error            TEXT,
	max_hosts        INTEGER NOT NULL DEFAULT 0,
	max_http_targets INTEGER NOT NULL DEFAULT 0,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ
);

CREATE UNIQUE INDEX IF NOT EXISTS runs_one_active_per_target ON runs (target_id)
	WHERE status IN ('queued', 'running') AND trigger <> 'verification';
CREATE INDEX IF NOT EXISTS runs_target_created ON runs (target_id, created_at DESC);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	type             TEXT NOT NULL,
	status           TEXT NOT NULL,
	target_id        TEXT NOT NULL REFERENCES targets(id) ON DELETE RESTRICT,
	run_id           TEXT REFERENCES runs(id) ON DELETE CASCADE,
	payload          JSONB,
	priority         INTEGER NOT NULL DEFAULT 0,
	attempts         INTEGER NOT NULL DEFAULT 0,
	max_attempts     INTEGER NOT NULL DEFAULT 3,
	available_at     TIMESTAMPTZ NOT NULL,
	lease_owner      TEXT,
	lease_expires_at TIMESTAMPTZ,
	cancel_requested BOOLEAN NOT NULL DEFAULT FALSE,
	last_error       TEXT,
	created_at       TIMESTAMPTZ NOT NULL,
	started_at       TIMESTAMPTZ,
	completed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS jobs_dequeue ON jobs (status, available_at, priority);
CREATE INDEX IF NOT EXISTS jobs_run ON jobs (run_id);

CREATE TABLE IF NOT EXISTS scans (
	id           TEXT PRIMARY KEY,
	target_id    TEXT NOT NULL REFERENCES targets(id) ON DELETE RESTRICT,
	run_id       TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
	scanner      TEXT NOT NULL,
	target       TEXT NOT NULL,
	status       TEXT NOT NULL,
	config       JSONB,
	raw_output   TEXT,
	error        TEXT,
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS scans_run ON scans (run_id);
CREATE INDEX IF NOT EXISTS scans_target_started ON scans (target_id, started_at DESC);

CREATE TABLE IF NOT EXISTS assets (
	id                TEXT PRIMARY KEY,
	target_id         TEXT NOT NULL REFERENCES targets(id) ON DELETE RESTRICT,
	type              TEXT NOT NULL,
	value             TEXT NOT NULL,
	normalized        TEXT NOT NULL,
	status            TEXT NOT NULL,
	status_reason     TEXT,
	first_seen_run_id TEXT NOT NULL,
	last_seen_run_id  TEXT NOT NULL,
	first_seen_at     TIMESTAMPTZ NOT NULL,
	last_seen_at      TIMESTAMPTZ NOT NULL,
	verified_at       TIMESTAMPTZ,
	verified_run_id   TEXT,
	UNIQUE (target_id, type, normalized)
);

CREATE INDEX IF NOT EXISTS assets_last_seen ON assets (target_id, last_seen_run_id);

CREATE TABLE IF NOT EXISTS services (
	id                TEXT PRIMARY KEY,
	target_id         TEXT NOT NULL REFERENCES targets(id) ON DELETE RESTRICT,
	asset_id          TEXT NOT NULL REFERENCES assets(id) ON DELETE RESTRICT,
	port              INTEGER NOT NULL CHECK (port BETWEEN 1 AND 65535),
	proto             TEXT NOT NULL,
	name              TEXT,
	product           TEXT,
	version           TEXT,
	status            TEXT NOT NULL,
	status_reason     TEXT,
	first_seen_run_id TEXT NOT NULL,
	last_seen_run_id  TEXT NOT NULL,
	first_seen_at     TIMESTAMPTZ NOT NULL,
	last_seen_at      TIMESTAMPTZ NOT NULL,
	verified_at       TIMESTAMPTZ,
	verified_run_id   TEXT,
	UNIQUE (target_id, asset_id, port, proto)
);

CREATE INDEX IF NOT EXISTS services_last_seen ON services (target_id, last_seen_run_id);

CREATE TABLE IF NOT EXISTS edges (
	id                TEXT PRIMARY KEY,
	target_id         TEXT NOT NULL REFERENCES targets(id) ON DELETE RESTRICT,
	from_asset_id     TEXT NOT NULL REFERENCES assets(id) ON DELETE RESTRICT,
	to_asset_id       TEXT NOT NULL REFERENCES assets(id) ON DELETE RESTRICT,
	rel_type          TEXT NOT NULL,
	first_seen_run_id TEXT NOT NULL,
	last_seen_run_id  TEXT NOT NULL,
	first_seen_at     TIMESTAMPTZ NOT NULL,
	last_seen_at      TIMESTAMPTZ NOT NULL,
	UNIQUE (from_asset_id, to_asset_id, rel_type)
);

CREATE INDEX IF NOT EXISTS edges_target_seen ON edges (target_id, last_seen_run_id);

CREATE TABLE IF NOT EXISTS findings (
	id                  TEXT PRIMARY KEY,
	target_id           TEXT NOT NULL REFERENCES targets(id) ON DELETE RESTRICT,
	run_id              TEXT REFERENCES runs(id) ON DELETE SET NULL,
	scan_id             TEXT REFERENCES scans(id) ON DELETE SET NULL,
	asset_id            TEXT REFERENCES assets(id) ON DELETE SET NULL,
	severity            TEXT NOT NULL,
	title               TEXT NOT NULL,
	description         TEXT,
	impact              TEXT,
	evidence            TEXT,
	remediation         TEXT,
	remediation_example TEXT,
	url                 TEXT,
	cve                 TEXT,
	cvss_score          DOUBLE PRECISION,
	created_at          TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS findings_target_created ON findings (target_id, created_at DESC);

CREATE TABLE IF NOT EXISTS run_events (
	id        TEXT PRIMARY KEY,
	target_id TEXT NOT NULL,
	run_id    TEXT REFERENCES runs(id) ON DELETE CASCADE,
	ts        TIMESTAMPTZ NOT NULL,
	kind      TEXT NOT NULL,
	actor     TEXT NOT NULL,
	payload   JSONB
);

CREATE INDEX IF NOT EXISTS run_events_target_ts ON run_events (target_id, ts DESC);

CREATE TABLE IF NOT EXISTS schedules (
	id               TEXT PRIMARY KEY,
	target_id        TEXT NOT NULL REFERENCES targets(id) ON DELETE RESTRICT,
	interval_seconds INTEGER NOT NULL,
	cron             TEXT,
	enabled          BOOLEAN NOT NULL DEFAULT TRUE,
	max_hosts        INTEGER NOT NULL DEFAULT 0,
	max_http_targets INTEGER NOT NULL DEFAULT 0,
	next_run_at      TIMESTAMPTZ NOT NULL,
	last_run_at      TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS schedules_due ON schedules (enabled, next_run_at);
`

// querier is satisfied by *sql.DB and *sql.Tx so row helpers work in and
// out of transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// scanner is the subset of sql.Row / sql.Rows used by the row helpers.
type scanner interface {
	Scan(dest ...any) error
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func strVal(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func timePtr(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time
	return &t
}

// isUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation, optionally on a specific constraint.
func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// isRetryableConflict reports whether a transaction failed for a reason
// worth one retry: unique violation from a concurrent ingester, a
// serialization failure, or a deadlock.
func isRetryableConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "23505", "40001", "40P01":
		return true
	}
	return false
}
