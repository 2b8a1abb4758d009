// Package model defines the domain records shared across the engine:
// targets, runs, jobs, scans, the recon inventory (assets, services,
// edges), findings, schedules, and the audit trail.
package model

import (
	"encoding/json"
	"time"
)

const (
	RunTriggerManual       = "manual"
	RunTriggerScheduled    = "scheduled"
	RunTriggerVerification = "verification"

	RunStatusQueued    = "queued"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
	RunStatusDiscarded = "discarded"

	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"

	ScanStatusRunning   = "running"
	ScanStatusCompleted = "completed"
	ScanStatusFailed    = "failed"
	ScanStatusCancelled = "cancelled"

	// Job types. Stage and scanner jobs carry the stage or scanner name
	// after the prefix, e.g. "stage:nmap", "scanner:httpx".
	JobTypePipeline      = "pipeline"
	JobTypeStagePrefix   = "stage:"
	JobTypeScannerPrefix = "scanner:"
	JobTypeVerifyAsset   = "verify_asset"
	JobTypeVerifyService = "verify_service"

	// Queue priorities. Higher dequeues sooner; verification re-probes
	// jump ahead of freshly queued pipelines.
	PriorityPipeline = 0
	PriorityStage    = 5
	PriorityVerify   = 10

	AssetTypeSubdomain = "subdomain"
	AssetTypeHost      = "host"
	AssetTypeIP        = "ip"
	AssetTypeURL       = "url"

	ArtifactStatusActive     = "active"
	ArtifactStatusStale      = "stale"
	ArtifactStatusClosed     = "closed"
	ArtifactStatusUnresolved = "unresolved"

	ProtoTCP = "tcp"
	ProtoUDP = "udp"

	EdgeResolvesTo  = "resolves_to"
	EdgeServes      = "serves"
	EdgeRedirectsTo = "redirects_to"
	EdgeCNAME       = "cname"
	EdgeAlias       = "alias"

	SeverityCritical = "critical"
	SeverityHigh     = "high"
	SeverityMedium   = "medium"
	SeverityLow      = "low"
	SeverityInfo     = "info"
)

// Failure reasons recorded on jobs and audit events.
const (
	ReasonScopeDenied              = "scope_denied"
	ReasonNormalizationFailed      = "normalization_failed"
	ReasonScannerTimeout           = "scanner_timeout"
	ReasonScannerError             = "scanner_error"
	ReasonDependencyUnreachable    = "dependency_unreachable"
	ReasonVerificationInconclusive = "verification_inconclusive"
	ReasonLeaseExpired             = "lease_expired"
	ReasonCancelled                = "cancelled"
)

// Target is the root of scope and provenance. Every run, job, scan and
// inventory row belongs to exactly one target.
type Target struct {
	ID         string          `json:"id"`
	Name       string          `json:"name"`
	RootDomain string          `json:"root_domain"`
	Scope      json.RawMessage `json:"scope"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Run is one end-to-end pipeline or verification sweep for a target.
type Run struct {
	ID             string     `json:"id"`
	TargetID       string     `json:"target_id"`
	Trigger        string     `json:"trigger"`
	Status         string     `json:"status"`
	Error          string     `json:"error,omitempty"`
	MaxHosts       int        `json:"max_hosts"`
	MaxHTTPTargets int        `json:"max_http_targets"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled, RunStatusDiscarded:
		return true
	}
	return false
}

// Job is one unit of leased work in the durable queue.
type Job struct {
	ID              string          `json:"id"`
	Type            string          `json:"type"`
	Status          string          `json:"status"`
	TargetID        string          `json:"target_id"`
	RunID           string          `json:"run_id,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Priority        int             `json:"priority"`
	Attempts        int             `json:"attempts"`
	MaxAttempts     int             `json:"max_attempts"`
	AvailableAt     time.Time       `json:"available_at"`
	LeaseOwner      string          `json:"lease_owner,omitempty"`
	LeaseExpiresAt  *time.Time      `json:"lease_expires_at,omitempty"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	LastError       string          `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
}

// Scan records one scanner execution. Immutable once terminal.
type Scan struct {
	ID          string          `json:"id"`
	TargetID    string          `json:"target_id"`
	RunID       string          `json:"run_id"`
	Scanner     string          `json:"scanner"`
	Target      string          `json:"target"`
	Status      string          `json:"status"`
	Config      json.RawMessage `json:"config,omitempty"`
	RawOutput   string          `json:"raw_output,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Asset is one inventoried artifact: subdomain, host, ip or url.
// (target_id, type, normalized) is unique.
type Asset struct {
	ID             string     `json:"id"`
	TargetID       string     `json:"target_id"`
	Type           string     `json:"type"`
	Value          string     `json:"value"`
	Normalized     string     `json:"normalized"`
	Status         string     `json:"status"`
	StatusReason   string     `json:"status_reason,omitempty"`
	FirstSeenRunID string     `json:"first_seen_run_id"`
	LastSeenRunID  string     `json:"last_seen_run_id"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	VerifiedRunID  string     `json:"verified_run_id,omitempty"`
}

// Service is an open port on an asset. (target_id, asset_id, port, proto)
// is unique.
type Service struct {
	ID             string     `json:"id"`
	TargetID       string     `json:"target_id"`
	AssetID        string     `json:"asset_id"`
	Port           int        `json:"port"`
	Proto          string     `json:"proto"`
	Name           string     `json:"name,omitempty"`
	Product        string     `json:"product,omitempty"`
	Version        string     `json:"version,omitempty"`
	Status         string     `json:"status"`
	StatusReason   string     `json:"status_reason,omitempty"`
	FirstSeenRunID string     `json:"first_seen_run_id"`
	LastSeenRunID  string     `json:"last_seen_run_id"`
	FirstSeenAt    time.Time  `json:"first_seen_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
	VerifiedRunID  string     `json:"verified_run_id,omitempty"`
}

// Edge is a directed relationship between two assets.
// (from_asset_id, to_asset_id, rel_type) is unique.
type Edge struct {
	ID             string    `json:"id"`
	TargetID       string    `json:"target_id"`
	FromAssetID    string    `json:"from_asset_id"`
	ToAssetID      string    `json:"to_asset_id"`
	RelType        string    `json:"rel_type"`
	FirstSeenRunID string    `json:"first_seen_run_id"`
	LastSeenRunID  string    `json:"last_seen_run_id"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
}

// Finding is a vulnerability or misconfiguration reported by a scanner.
type Finding struct {
	ID                 string    `json:"id"`
	TargetID           string    `json:"target_id"`
	RunID              string    `json:"run_id,omitempty"`
	ScanID             string    `json:"scan_id,omitempty"`
	AssetID            string    `json:"asset_id,omitempty"`
	Severity           string    `json:"severity"`
	Title              string    `json:"title"`
	Description        string    `json:"description,omitempty"`
	Impact             string    `json:"impact,omitempty"`
	Evidence           string    `json:"evidence,omitempty"`
	Remediation        string    `json:"remediation,omitempty"`
	RemediationExample string    `json:"remediation_example,omitempty"`
	URL                string    `json:"url,omitempty"`
	CVE                string    `json:"cve,omitempty"`
	CVSSScore          float64   `json:"cvss_score,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

// RunEvent is one append-only audit record.
type RunEvent struct {
	ID       string          `json:"id"`
	TargetID string          `json:"target_id"`
	RunID    string          `json:"run_id,omitempty"`
	TS       time.Time       `json:"ts"`
	Kind     string          `json:"kind"`
	Actor    string          `json:"actor"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Schedule drives periodic pipeline runs for one target. Cadence is either
// a fixed interval or a cron expression; cron wins when both are set.
type Schedule struct {
	ID              string     `json:"id"`
	TargetID        string     `json:"target_id"`
	IntervalSeconds int        `json:"interval_seconds"`
	Cron            string     `json:"cron,omitempty"`
	Enabled         bool       `json:"enabled"`
	MaxHosts        int        `json:"max_hosts"`
	MaxHTTPTargets  int        `json:"max_http_targets"`
	NextRunAt       time.Time  `json:"next_run_at"`
	LastRunAt       *time.Time `json:"last_run_at,omitempty"`
}

// StaleReason is the status_reason stamped on artifacts the change detector
// marked as candidate-stale after the given run.
func StaleReason(runID string) string {
	return "not_seen_in_run:" + runID
}
