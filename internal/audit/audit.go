// Package audit records the append-only run_events trail. Every externally
// visible engine action (run transitions, scan executions, scope denials,
// verification verdicts, schedule fires, retention sweeps) lands here, and
// optionally fans out on the event bus for live subscribers.
package audit

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/marcus-qen/driftwatch/internal/events"
	"github.com/marcus-qen/driftwatch/internal/model"
)

// Kinds persisted to run_events.
const (
	KindTargetCreated = "target_created"
	KindScopeUpdated  = "scope_updated"

	KindRunQueued    = "run_queued"
	KindRunStarted   = "run_started"
	KindRunCompleted = "run_completed"
	KindRunFailed    = "run_failed"
	KindRunDiscarded = "run_discarded"

	KindStageStarted   = "stage_started"
	KindStageCompleted = "stage_completed"
	KindScanStarted    = "scan_started"
	KindScanCompleted  = "scan_completed"
	KindScanFailed     = "scan_failed"
	KindScopeDenied    = "scope_denied"
	KindIngestSkipped  = "ingest_skipped"

	KindAssetsStaled    = "assets_staled"
	KindVerifyCompleted = "verify_completed"

	KindJobRetried   = "job_retried"
	KindJobCancelled = "job_cancelled"
	KindLeaseReaped  = "lease_reaped"

	KindScheduleCreated = "schedule_created"
	KindScheduleUpdated = "schedule_updated"
	KindScheduleDeleted = "schedule_deleted"
	KindScheduleFired   = "schedule_fired"
	KindScheduleSkipped = "schedule_skipped"
	KindRetentionSwept  = "retention_swept"
)

// Store is the persistence the recorder needs.
type Store interface {
	AppendRunEvent(ctx context.Context, ev *model.RunEvent) error
}

// Recorder persists audit entries and mirrors them onto the event bus.
type Recorder struct {
	store  Store
	bus    *events.Bus
	logger *zap.Logger
}

// NewRecorder wires a recorder. bus may be nil for store-only recording.
func NewRecorder(store Store, bus *events.Bus, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{store: store, bus: bus, logger: logger}
}

// Entry is one audit record. Event, when set, additionally publishes the
// entry on the bus with Summary and Payload as the detail.
type Entry struct {
	TargetID string
	RunID    string
	Kind     string
	Actor    string // defaults to "engine"
	Summary  string
	Payload  any
	Event    events.EventType
}

// Record persists the entry and fans it out. Audit failures are logged, not
// propagated: a lost trail entry must never abort the operation it
// describes.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	var payload json.RawMessage
	if e.Payload != nil {
		data, err := json.Marshal(e.Payload)
		if err != nil {
			r.logger.Error("audit payload marshal",
				zap.String("kind", e.Kind), zap.Error(err))
		} else {
			payload = data
		}
	}

	err := r.store.AppendRunEvent(ctx, &model.RunEvent{
		TargetID: e.TargetID,
		RunID:    e.RunID,
		Kind:     e.Kind,
		Actor:    e.Actor,
		Payload:  payload,
	})
	if err != nil {
		r.logger.Error("audit append",
			zap.String("kind", e.Kind),
			zap.String("target_id", e.TargetID),
			zap.String("run_id", e.RunID),
			zap.Error(err))
	}

	if r.bus != nil && e.Event != "" {
		r.bus.Publish(events.Event{
			Type:     e.Event,
			TargetID: e.TargetID,
			RunID:    e.RunID,
			Summary:  e.Summary,
			Detail:   e.Payload,
		})
	}
}

// Emit records a minimal entry.
func (r *Recorder) Emit(ctx context.Context, targetID, runID, kind, summary string) {
	r.Record(ctx, Entry{TargetID: targetID, RunID: runID, Kind: kind, Summary: summary})
}
