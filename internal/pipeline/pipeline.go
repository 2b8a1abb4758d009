// Package pipeline orchestrates the recon DAG for one run:
// subfinder → dns_resolve → nmap → httpx → nuclei, expressed as
// enqueue-next-on-completion jobs over the durable queue. The stages run
// their scans inline except nmap, which fans out one scanner job per
// address and joins under the run row lock. The final stage runs change
// detection, enqueues verification re-probes and completes the run.
//
// Failure policy: a stage failure with retry budget left goes back to the
// queue; on the last attempt the chain still advances and discovery stays
// best-effort. The exception is dns_resolve, whose loss makes every later
// stage pointless and fails the run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/driftwatch/internal/audit"
	"github.com/marcus-qen/driftwatch/internal/dnsprobe"
	"github.com/marcus-qen/driftwatch/internal/events"
	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/scanner"
	"github.com/marcus-qen/driftwatch/internal/scope"
	"github.com/marcus-qen/driftwatch/internal/store"
	"github.com/marcus-qen/driftwatch/internal/telemetry"
	"github.com/marcus-qen/driftwatch/internal/worker"
)

// Stage names, in chain order.
const (
	StageSubfinder  = "subfinder"
	StageDNSResolve = "dns_resolve"
	StageNmap       = "nmap"
	StageHTTPX      = "httpx"
	StageNuclei     = "nuclei"
)

const (
	// DefaultRunDeadline bounds one run end to end, checked at stage
	// boundaries.
	DefaultRunDeadline = 4 * time.Hour
	// DefaultResolveLimit bounds in-flight lookups during dns_resolve.
	DefaultResolveLimit = 50
	// Fan-out caps applied when neither the run nor the target scope set
	// one.
	DefaultMaxHosts       = 50
	DefaultMaxHTTPTargets = 200

	// evidenceTimeout bounds terminal evidence writes after cancellation.
	evidenceTimeout = 10 * time.Second
)

// nextStage maps each stage to its successor; nuclei ends the chain.
var nextStage = map[string]string{
	StageSubfinder:  StageDNSResolve,
	StageDNSResolve: StageNmap,
	StageNmap:       StageHTTPX,
	StageHTTPX:      StageNuclei,
}

// ScanPayload rides on scanner:* jobs. Pipeline fan-out children carry
// Stage; ad-hoc scans enqueued through the API do not.
type ScanPayload struct {
	RunID  string `json:"run_id"`
	Stage  string `json:"stage,omitempty"`
	Target string `json:"target"`
}

// PipelineJob builds the job that boots a run. The run id travels on the
// job row itself, same shape FireDueSchedule enqueues.
func PipelineJob(targetID, runID string) store.NewJob {
	return store.NewJob{
		Type:     model.JobTypePipeline,
		TargetID: targetID,
		RunID:    runID,
		Priority: model.PriorityPipeline,
	}
}

// StageJob builds one stage job for a run. The stage is encoded in the
// job type.
func StageJob(targetID, runID, stage string) store.NewJob {
	return store.NewJob{
		Type:     model.JobTypeStagePrefix + stage,
		TargetID: targetID,
		RunID:    runID,
		Priority: model.PriorityStage,
	}
}

// ScanJob builds one scanner job. Stage is empty for ad-hoc scans.
func ScanJob(targetID, runID, scannerName, stage, scanTarget string) store.NewJob {
	return store.NewJob{
		Type:     model.JobTypeScannerPrefix + scannerName,
		TargetID: targetID,
		RunID:    runID,
		Payload:  ScanPayload{RunID: runID, Stage: stage, Target: scanTarget},
		Priority: model.PriorityStage,
	}
}

// Store is the persistence surface the pipeline drives.
type Store interface {
	GetRun(ctx context.Context, id string) (*model.Run, error)
	StartRun(ctx context.Context, id string) error
	FailRun(ctx context.Context, id, errMsg string) error
	GetTarget(ctx context.Context, id string) (*model.Target, error)

	EnqueueBatch(ctx context.Context, njs []store.NewJob) ([]*model.Job, error)
	FinalizeJobInRun(ctx context.Context, jobID, workerID string, fin store.Finalize) (store.FinalizeOutcome, error)
	CancelJobsForRun(ctx context.Context, runID, reason string) (cancelled, flagged int64, err error)
	ListJobsForRun(ctx context.Context, runID string) ([]*model.Job, error)

	CreateScan(ctx context.Context, targetID, runID, scannerName, scanTarget string, config any) (*model.Scan, error)
	FinishScan(ctx context.Context, scanID, status, rawOutput, errMsg string) error
	CompletedScanners(ctx context.Context, runID string) (map[string]bool, error)
	IngestScanResult(ctx context.Context, targetID, runID string, out *model.ScanOutput, opts store.IngestOptions) (*store.IngestSummary, error)

	ListAssetsSeenInRun(ctx context.Context, targetID, runID, typ string) ([]*model.Asset, error)
	RunPortScanIPs(ctx context.Context, targetID, runID string, limit int) ([]*model.Asset, error)
	RunServiceRows(ctx context.Context, targetID, runID string) ([]*store.ServiceRow, error)
	DetectChanges(ctx context.Context, targetID, runID string, urlsProbed, portsScanned bool) (*store.ChangeDetection, error)
}

// Runner executes scanner subprocesses.
type Runner interface {
	Run(ctx context.Context, name string, req scanner.Request) (*scanner.Execution, error)
}

// Resolver turns names into addresses against the configured resolver set.
type Resolver interface {
	LookupAll(ctx context.Context, names []string, limit int) map[string]dnsprobe.Resolution
}

// Config tunes the engine. Zero values use the defaults above.
type Config struct {
	RunDeadline    time.Duration
	ResolveLimit   int
	MaxHosts       int
	MaxHTTPTargets int
}

func (c Config) withDefaults() Config {
	if c.RunDeadline <= 0 {
		c.RunDeadline = DefaultRunDeadline
	}
	if c.ResolveLimit <= 0 {
		c.ResolveLimit = DefaultResolveLimit
	}
	if c.MaxHosts <= 0 {
		c.MaxHosts = DefaultMaxHosts
	}
	if c.MaxHTTPTargets <= 0 {
		c.MaxHTTPTargets = DefaultMaxHTTPTargets
	}
	return c
}

// Engine owns the pipeline job handlers. Register them on a worker pool
// with RegisterHandlers.
type Engine struct {
	store    Store
	runner   Runner
	resolver Resolver
	registry *scanner.Registry
	recorder *audit.Recorder
	bus      *events.Bus
	logger   *zap.Logger
	cfg      Config
}

// New wires an engine. bus may be nil.
func New(st Store, runner Runner, resolver Resolver, registry *scanner.Registry,
	recorder *audit.Recorder, bus *events.Bus, logger *zap.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    st,
		runner:   runner,
		resolver: resolver,
		registry: registry,
		recorder: recorder,
		bus:      bus,
		logger:   logger,
		cfg:      cfg.withDefaults(),
	}
}

// RegisterHandlers installs the pipeline job types on the pool.
func (e *Engine) RegisterHandlers(p *worker.Pool) {
	p.Register(model.JobTypePipeline, e.HandlePipeline)
	p.Register(model.JobTypeStagePrefix, e.HandleStage)
	p.Register(model.JobTypeScannerPrefix, e.HandleScan)
}

// HandlePipeline boots one run: it revalidates the run, moves it to
// running, and hands off to the first stage.
func (e *Engine) HandlePipeline(ctx context.Context, job *model.Job) error {
	run, err := e.loadRun(ctx, job)
	if err != nil {
		return err
	}
	if run.Terminal() {
		return e.finalizeMoot(ctx, job, run)
	}

	ctx, span := telemetry.StartRunSpan(ctx, run.TargetID, run.ID, run.Trigger)
	defer span.End()

	if run.Status == model.RunStatusQueued {
		switch err := e.store.StartRun(ctx, run.ID); {
		case err == nil:
			e.recorder.Record(ctx, audit.Entry{
				TargetID: run.TargetID,
				RunID:    run.ID,
				Kind:     audit.KindRunStarted,
				Summary:  fmt.Sprintf("run started (%s trigger)", run.Trigger),
				Payload: map[string]any{
					"trigger":          run.Trigger,
					"max_hosts":        e.maxHosts(run, nil),
					"max_http_targets": e.maxHTTPTargets(run, nil),
				},
				Event: events.RunStarted,
			})
		case store.IsNotFound(err):
			// Raced with a discard or a duplicate boot; re-judge.
			if run, err = e.loadRun(ctx, job); err != nil {
				return err
			}
			if run.Terminal() {
				return e.finalizeMoot(ctx, job, run)
			}
		default:
			return fmt.Errorf("start run: %w", err)
		}
	}

	first := StageJob(job.TargetID, run.ID, StageSubfinder)
	out, err := e.store.FinalizeJobInRun(ctx, job.ID, job.LeaseOwner, store.Finalize{
		RunID:    run.ID,
		Status:   model.JobStatusCompleted,
		PeerType: model.JobTypePipeline,
		Next:     &first,
	})
	if err != nil {
		return fmt.Errorf("enqueue first stage: %w", err)
	}
	if out.NextJobID == "" {
		e.logger.Warn("pipeline boot did not advance",
			zap.String("run_id", run.ID),
			zap.String("run_status", out.RunStatus),
			zap.Int("peers", out.Remaining))
	}
	return &worker.Finalized{Status: model.JobStatusCompleted}
}

// HandleStage runs one stage job.
func (e *Engine) HandleStage(ctx context.Context, job *model.Job) error {
	stage := strings.TrimPrefix(job.Type, model.JobTypeStagePrefix)

	env, err := e.stageEnv(ctx, job, stage)
	if err != nil {
		return err
	}

	ctx, span := telemetry.StartStageSpan(ctx, env.run.ID, stage)
	defer span.End()

	e.recorder.Record(ctx, audit.Entry{
		TargetID: env.target.ID,
		RunID:    env.run.ID,
		Kind:     audit.KindStageStarted,
		Summary:  "stage " + stage + " started",
		Payload:  map[string]any{"stage": stage, "attempt": job.Attempts},
		Event:    events.RunStageStarted,
	})

	switch stage {
	case StageSubfinder:
		return e.stageSubfinder(ctx, env)
	case StageDNSResolve:
		return e.stageDNSResolve(ctx, env)
	case StageNmap:
		return e.stageNmap(ctx, env)
	case StageHTTPX:
		return e.stageHTTPX(ctx, env)
	case StageNuclei:
		return e.stageNuclei(ctx, env)
	default:
		return &worker.Failure{Reason: "unknown stage " + stage, Fatal: true}
	}
}

// stageEnv is everything a stage needs about its run.
type stageEnv struct {
	job    *model.Job
	run    *model.Run
	target *model.Target
	policy *scope.Policy
	stage  string
}

// stageEnv revalidates the run at the stage boundary: terminal runs void
// the job, an expired run deadline fails the run.
func (e *Engine) stageEnv(ctx context.Context, job *model.Job, stage string) (*stageEnv, error) {
	run, err := e.loadRun(ctx, job)
	if err != nil {
		return nil, err
	}
	if run.Terminal() {
		return nil, e.finalizeMoot(ctx, job, run)
	}
	if run.StartedAt != nil {
		if age := time.Since(*run.StartedAt); age > e.cfg.RunDeadline {
			return nil, e.failRun(ctx, job, run,
				fmt.Sprintf("run deadline exceeded after %s", age.Round(time.Second)))
		}
	}

	target, err := e.store.GetTarget(ctx, run.TargetID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, &worker.Failure{Reason: "target " + run.TargetID + " missing", Fatal: true}
		}
		return nil, fmt.Errorf("load target: %w", err)
	}
	policy, err := scope.Parse(target.Scope, target.RootDomain)
	if err != nil {
		return nil, &worker.Failure{Reason: "scope policy: " + err.Error(), Fatal: true}
	}
	return &stageEnv{job: job, run: run, target: target, policy: policy, stage: stage}, nil
}

func (e *Engine) loadRun(ctx context.Context, job *model.Job) (*model.Run, error) {
	run, err := e.store.GetRun(ctx, job.RunID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, &worker.Failure{Reason: "run " + job.RunID + " missing", Fatal: true}
		}
		return nil, fmt.Errorf("load run: %w", err)
	}
	return run, nil
}

// finalizeMoot cancels a job whose run reached a terminal state before the
// job got to do its work.
func (e *Engine) finalizeMoot(ctx context.Context, job *model.Job, run *model.Run) error {
	reason := "run " + run.Status
	if _, err := e.store.FinalizeJobInRun(ctx, job.ID, job.LeaseOwner, store.Finalize{
		RunID:  run.ID,
		Status: model.JobStatusCancelled,
		Reason: reason,
	}); err != nil {
		return fmt.Errorf("finalize moot job: %w", err)
	}
	return &worker.Finalized{Status: model.JobStatusCancelled, Reason: reason}
}

// failRun finalizes the current job as failed, fails the run and cancels
// whatever else the run still has queued or running.
func (e *Engine) failRun(ctx context.Context, job *model.Job, run *model.Run, reason string) error {
	// The job goes first so the run-wide cancel below cannot flag it.
	if _, err := e.store.FinalizeJobInRun(ctx, job.ID, job.LeaseOwner, store.Finalize{
		RunID:  run.ID,
		Status: model.JobStatusFailed,
		Reason: reason,
	}); err != nil {
		return fmt.Errorf("finalize failed job: %w", err)
	}
	if err := e.store.FailRun(ctx, run.ID, reason); err != nil && !store.IsNotFound(err) {
		e.logger.Error("fail run", zap.String("run_id", run.ID), zap.Error(err))
	}
	cancelled, flagged, err := e.store.CancelJobsForRun(ctx, run.ID, model.ReasonCancelled)
	if err != nil {
		e.logger.Error("cancel run jobs", zap.String("run_id", run.ID), zap.Error(err))
	}
	e.recorder.Record(ctx, audit.Entry{
		TargetID: run.TargetID,
		RunID:    run.ID,
		Kind:     audit.KindRunFailed,
		Summary:  "run failed: " + reason,
		Payload: map[string]any{
			"reason":         reason,
			"cancelled_jobs": cancelled,
			"flagged_jobs":   flagged,
		},
		Event: events.RunFailed,
	})
	return &worker.Finalized{Status: model.JobStatusFailed, Reason: reason}
}

// advance finishes a stage job and, while the run is still live, enqueues
// the next stage, or completes the run after the final one. A non-nil
// execErr marks the job failed but still moves the chain along.
func (e *Engine) advance(ctx context.Context, env *stageEnv, execErr error, detail map[string]any) error {
	fin := store.Finalize{
		RunID:    env.run.ID,
		Status:   model.JobStatusCompleted,
		PeerType: env.job.Type,
	}
	if execErr != nil {
		fin.Status = model.JobStatusFailed
		fin.Reason = reasonOf(execErr)
	}
	if next, ok := nextStage[env.stage]; ok {
		nj := StageJob(env.target.ID, env.run.ID, next)
		fin.Next = &nj
	} else {
		fin.CompleteRun = true
	}

	out, err := e.store.FinalizeJobInRun(ctx, env.job.ID, env.job.LeaseOwner, fin)
	if err != nil {
		return fmt.Errorf("advance from %s: %w", env.stage, err)
	}

	if detail == nil {
		detail = map[string]any{}
	}
	detail["stage"] = env.stage
	detail["status"] = fin.Status
	if fin.Reason != "" {
		detail["reason"] = fin.Reason
	}
	e.recorder.Record(ctx, audit.Entry{
		TargetID: env.target.ID,
		RunID:    env.run.ID,
		Kind:     audit.KindStageCompleted,
		Summary:  "stage " + env.stage + " " + fin.Status,
		Payload:  detail,
		Event:    events.RunStageCompleted,
	})
	if out.RunCompleted {
		e.recorder.Record(ctx, audit.Entry{
			TargetID: env.target.ID,
			RunID:    env.run.ID,
			Kind:     audit.KindRunCompleted,
			Summary:  "run completed",
			Event:    events.RunCompleted,
		})
	} else if out.RunStatus != model.RunStatusRunning {
		e.logger.Info("stage finished against a settled run",
			zap.String("run_id", env.run.ID),
			zap.String("stage", env.stage),
			zap.String("run_status", out.RunStatus))
	}
	return &worker.Finalized{Status: fin.Status, Reason: fin.Reason}
}

// advanceOrRetry is the best-effort epilogue: a retryable error with budget
// left goes back to the queue; anything else finishes the job and moves the
// chain along.
func (e *Engine) advanceOrRetry(ctx context.Context, env *stageEnv, execErr error, detail map[string]any) error {
	if execErr != nil && (ctx.Err() != nil || !terminalAttempt(env.job, execErr)) {
		return execErr
	}
	return e.advance(ctx, env, execErr, detail)
}

// maxHosts resolves the port-scan fan-out cap: run snapshot, then scope,
// then the engine default.
func (e *Engine) maxHosts(run *model.Run, policy *scope.Policy) int {
	if run != nil && run.MaxHosts > 0 {
		return run.MaxHosts
	}
	if policy != nil && policy.MaxHosts > 0 {
		return policy.MaxHosts
	}
	return e.cfg.MaxHosts
}

// maxHTTPTargets resolves the probe cap the same way.
func (e *Engine) maxHTTPTargets(run *model.Run, policy *scope.Policy) int {
	if run != nil && run.MaxHTTPTargets > 0 {
		return run.MaxHTTPTargets
	}
	if policy != nil && policy.MaxHTTPTargets > 0 {
		return policy.MaxHTTPTargets
	}
	return e.cfg.MaxHTTPTargets
}

// terminalAttempt reports whether err ends the job here: fatal failures
// and the last allowed attempt do.
func terminalAttempt(job *model.Job, err error) bool {
	var f *worker.Failure
	if errors.As(err, &f) && f.Fatal {
		return true
	}
	return job.Attempts >= job.MaxAttempts
}

// reasonOf extracts the classified reason, falling back to the error text.
func reasonOf(err error) string {
	var f *worker.Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return err.Error()
}

// evidenceCtx detaches from cancellation so terminal evidence still lands
// while the job is being torn down.
func evidenceCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), evidenceTimeout)
}
