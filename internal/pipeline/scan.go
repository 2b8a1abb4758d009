package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/driftwatch/internal/audit"
	"github.com/marcus-qen/driftwatch/internal/events"
	"github.com/marcus-qen/driftwatch/internal/metrics"
	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/scanner"
	"github.com/marcus-qen/driftwatch/internal/scope"
	"github.com/marcus-qen/driftwatch/internal/store"
	"github.com/marcus-qen/driftwatch/internal/telemetry"
	"github.com/marcus-qen/driftwatch/internal/worker"
)

// scanParams describes one scanner execution inside a run.
type scanParams struct {
	env     *stageEnv
	scanner string
	// display labels the scan row; batch scans summarize their input.
	display string
	req     scanner.Request
	config  any
	ingest  store.IngestOptions
}

// runScan executes one scanner, persists the scan row as evidence and
// ingests whatever the parser extracted. The scan row is finished even when
// the job context is already cancelled. A non-nil error is either a
// classified *worker.Failure or a raw context error.
func (e *Engine) runScan(ctx context.Context, p scanParams) (*store.IngestSummary, *scanner.Execution, error) {
	env := p.env
	scan, err := e.store.CreateScan(ctx, env.target.ID, env.run.ID, p.scanner, p.display, p.config)
	if err != nil {
		return nil, nil, fmt.Errorf("create scan: %w", err)
	}
	p.req.ScanID = scan.ID
	p.req.TargetID = env.target.ID
	p.req.RunID = env.run.ID
	p.ingest.ScanID = scan.ID

	e.recorder.Record(ctx, audit.Entry{
		TargetID: env.target.ID,
		RunID:    env.run.ID,
		Kind:     audit.KindScanStarted,
		Summary:  p.scanner + " started against " + p.display,
		Payload:  map[string]any{"scan_id": scan.ID, "scanner": p.scanner, "target": p.display},
		Event:    events.ScanStarted,
	})

	ctx, span := telemetry.StartScanSpan(ctx, p.scanner, p.display)
	started := time.Now()
	ex, runErr := e.runner.Run(ctx, p.scanner, p.req)
	duration := time.Since(started)

	status, errMsg := classifyScan(runErr, ex)
	raw, truncated, exitCode := "", false, 0
	if ex != nil {
		raw, truncated, exitCode = ex.RawOutput, ex.Truncated, ex.ExitCode
	}

	ectx, cancel := evidenceCtx(ctx)
	if err := e.store.FinishScan(ectx, scan.ID, status, raw, errMsg); err != nil {
		e.logger.Error("finish scan",
			zap.String("scan_id", scan.ID), zap.String("scanner", p.scanner), zap.Error(err))
	}
	cancel()
	telemetry.EndScanSpan(span, status, exitCode, truncated)
	metrics.RecordScan(p.scanner, status)

	if runErr != nil {
		e.auditScanFailure(ctx, p, scan.ID, runErr, errMsg, exitCode)
		return nil, ex, classifyScanError(p.scanner, runErr)
	}

	sum, err := e.ingestOutput(ctx, env, scan.ID, p.scanner, ex.Output, p.ingest)
	if err != nil {
		return nil, ex, err
	}

	e.recorder.Record(ctx, audit.Entry{
		TargetID: env.target.ID,
		RunID:    env.run.ID,
		Kind:     audit.KindScanCompleted,
		Summary: fmt.Sprintf("%s completed: %d new assets, %d new services, %d findings",
			p.scanner, len(sum.NewAssets), len(sum.NewServices), sum.Findings),
		Payload: map[string]any{
			"scan_id":      scan.ID,
			"scanner":      p.scanner,
			"duration_ms":  duration.Milliseconds(),
			"exit_code":    exitCode,
			"truncated":    truncated,
			"new_assets":   len(sum.NewAssets),
			"new_services": len(sum.NewServices),
			"findings":     sum.Findings,
			"warnings":     ex.Output.Warnings,
		},
		Event: events.ScanCompleted,
	})
	return sum, ex, nil
}

// ingestOutput scope-filters one scan's parsed output and persists it. The
// runner gates candidates going in, but output roams: subfinder returns
// every name under the root, httpx follows redirects anywhere.
func (e *Engine) ingestOutput(ctx context.Context, env *stageEnv, scanID, scannerName string, out *model.ScanOutput, opts store.IngestOptions) (*store.IngestSummary, error) {
	kept, denied := filterOutput(env.policy, out)
	if len(denied) > 0 {
		for _, d := range denied {
			metrics.RecordScopeDenial(d.Value, d.Kind)
		}
		e.recorder.Record(ctx, audit.Entry{
			TargetID: env.target.ID,
			RunID:    env.run.ID,
			Kind:     audit.KindScopeDenied,
			Summary:  fmt.Sprintf("%s reported %d out-of-scope observations", scannerName, len(denied)),
			Payload:  map[string]any{"scan_id": scanID, "denied": denied},
			Event:    events.ScopeDenied,
		})
	}

	opts.ScanID = scanID
	sum, err := e.store.IngestScanResult(ctx, env.target.ID, env.run.ID, kept, opts)
	if err != nil {
		return nil, fmt.Errorf("ingest %s output: %w", scannerName, err)
	}
	if len(sum.Skipped) > 0 {
		e.recorder.Record(ctx, audit.Entry{
			TargetID: env.target.ID,
			RunID:    env.run.ID,
			Kind:     audit.KindIngestSkipped,
			Summary:  fmt.Sprintf("%d observations skipped during ingest", len(sum.Skipped)),
			Payload:  map[string]any{"scan_id": scanID, "skipped": sum.Skipped},
		})
	}
	e.publishDiscoveries(env, kept, sum)
	return sum, nil
}

func (e *Engine) auditScanFailure(ctx context.Context, p scanParams, scanID string, runErr error, errMsg string, exitCode int) {
	env := p.env
	if errors.Is(runErr, scanner.ErrScopeDenied) {
		metrics.RecordScopeDenial(p.display, "candidate")
		e.recorder.Record(ctx, audit.Entry{
			TargetID: env.target.ID,
			RunID:    env.run.ID,
			Kind:     audit.KindScopeDenied,
			Summary:  p.scanner + " refused: " + errMsg,
			Payload:  map[string]any{"scan_id": scanID, "scanner": p.scanner, "target": p.display},
			Event:    events.ScopeDenied,
		})
		return
	}
	e.recorder.Record(ctx, audit.Entry{
		TargetID: env.target.ID,
		RunID:    env.run.ID,
		Kind:     audit.KindScanFailed,
		Summary:  p.scanner + " failed: " + errMsg,
		Payload:  map[string]any{"scan_id": scanID, "scanner": p.scanner, "exit_code": exitCode},
		Event:    events.ScanFailed,
	})
}

// publishDiscoveries fans inventory deltas out to the bus and the metrics,
// one event per record so dashboard subscribers can render them live.
func (e *Engine) publishDiscoveries(env *stageEnv, out *model.ScanOutput, sum *store.IngestSummary) {
	if e.bus == nil {
		e.recordTransitions(out, sum)
		return
	}
	for _, ref := range sum.NewAssets {
		e.bus.Publish(events.Event{
			Type: events.AssetDiscovered, TargetID: env.target.ID, RunID: env.run.ID,
			Summary: "new " + ref.Type + " " + ref.Value,
			Detail:  map[string]string{"asset_id": ref.ID, "type": ref.Type, "value": ref.Value},
		})
	}
	for _, ref := range sum.RevivedAssets {
		e.bus.Publish(events.Event{
			Type: events.AssetRevived, TargetID: env.target.ID, RunID: env.run.ID,
			Summary: ref.Type + " " + ref.Value + " is back",
			Detail:  map[string]string{"asset_id": ref.ID, "type": ref.Type, "value": ref.Value},
		})
	}
	for _, ref := range sum.NewServices {
		e.bus.Publish(events.Event{
			Type: events.ServiceDiscovered, TargetID: env.target.ID, RunID: env.run.ID,
			Summary: "new service " + ref.Value,
			Detail:  map[string]string{"service_id": ref.ID, "value": ref.Value},
		})
	}
	for _, f := range out.Findings {
		e.bus.Publish(events.Event{
			Type: events.FindingDiscovered, TargetID: env.target.ID, RunID: env.run.ID,
			Summary: "[" + f.Severity + "] " + f.Title,
			Detail:  map[string]string{"severity": f.Severity, "title": f.Title, "url": f.URL},
		})
	}
	e.recordTransitions(out, sum)
}

func (e *Engine) recordTransitions(out *model.ScanOutput, sum *store.IngestSummary) {
	for _, ref := range sum.NewAssets {
		metrics.RecordAssetTransition(ref.Type, "new")
	}
	for _, ref := range sum.RevivedAssets {
		metrics.RecordAssetTransition(ref.Type, "revived")
	}
	for range sum.NewServices {
		metrics.RecordAssetTransition("service", "new")
	}
	for range sum.RevivedServices {
		metrics.RecordAssetTransition("service", "revived")
	}
	for _, f := range out.Findings {
		metrics.RecordFinding(f.Severity)
	}
}

// classifyScan maps an execution outcome to the scan row status and error
// message.
func classifyScan(runErr error, ex *scanner.Execution) (status, errMsg string) {
	switch {
	case runErr == nil:
		return model.ScanStatusCompleted, ""
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		return model.ScanStatusCancelled, "cancelled"
	case errors.Is(runErr, scanner.ErrTimeout):
		if ex != nil {
			return model.ScanStatusFailed, fmt.Sprintf("timed out after %s", ex.Duration.Round(time.Second))
		}
		return model.ScanStatusFailed, "timed out"
	default:
		return model.ScanStatusFailed, firstLine(runErr.Error())
	}
}

// classifyScanError maps runner errors onto the retry policy. Context
// errors pass through raw so the pool can release or ack-cancel the job.
func classifyScanError(name string, runErr error) error {
	switch {
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		return runErr
	case errors.Is(runErr, scanner.ErrScopeDenied):
		return &worker.Failure{Reason: model.ReasonScopeDenied, Fatal: true, Err: runErr}
	case errors.Is(runErr, scanner.ErrTimeout):
		return &worker.Failure{Reason: model.ReasonScannerTimeout, Err: runErr}
	case errors.Is(runErr, scanner.ErrSpawn):
		return &worker.Failure{Reason: model.ReasonDependencyUnreachable, Err: runErr}
	default:
		return &worker.Failure{Reason: model.ReasonScannerError, Err: fmt.Errorf("%s: %w", name, runErr)}
	}
}

// deniedObservation is one scanner observation the scope policy rejected.
type deniedObservation struct {
	Kind   string `json:"kind"`
	Value  string `json:"value"`
	Reason string `json:"reason"`
}

// filterOutput drops out-of-scope observations. Edges survive only when
// both endpoints do.
func filterOutput(policy *scope.Policy, out *model.ScanOutput) (*model.ScanOutput, []deniedObservation) {
	if out == nil {
		return &model.ScanOutput{}, nil
	}
	kept := &model.ScanOutput{Warnings: out.Warnings, Findings: out.Findings}
	var denied []deniedObservation

	allowAsset := func(obs model.AssetObservation) bool {
		d := policy.Check(assetKind(obs.Type), obs.Value)
		if !d.Allowed {
			denied = append(denied, deniedObservation{Kind: obs.Type, Value: obs.Value, Reason: d.Reason})
		}
		return d.Allowed
	}

	for _, a := range out.Assets {
		if allowAsset(a) {
			kept.Assets = append(kept.Assets, a)
		}
	}
	for _, s := range out.Services {
		if allowAsset(s.Host) {
			kept.Services = append(kept.Services, s)
		}
	}
	for _, e := range out.Edges {
		if allowAsset(e.From) && allowAsset(e.To) {
			kept.Edges = append(kept.Edges, e)
		}
	}
	return kept, denied
}

func assetKind(assetType string) string {
	switch assetType {
	case model.AssetTypeIP:
		return scope.KindIP
	case model.AssetTypeURL:
		return scope.KindURL
	default:
		return scope.KindDomain
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// HandleScan runs one scanner:* job. Pipeline fan-out children carry a
// stage in their payload and join back into the chain; ad-hoc scans
// complete their manual run directly.
func (e *Engine) HandleScan(ctx context.Context, job *model.Job) error {
	var payload ScanPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return &worker.Failure{Reason: "scan payload: " + err.Error(), Fatal: true}
	}
	name := strings.TrimPrefix(job.Type, model.JobTypeScannerPrefix)
	if _, ok := e.registry.Get(name); !ok {
		return &worker.Failure{Reason: "unknown scanner " + name, Fatal: true}
	}

	env, err := e.stageEnv(ctx, job, payload.Stage)
	if err != nil {
		return err
	}

	_, _, scanErr := e.runScan(ctx, scanParams{
		env:     env,
		scanner: name,
		display: payload.Target,
		req:     scanner.Request{Target: payload.Target, Scope: env.policy},
		config:  map[string]any{"scanner": name, "target": payload.Target, "stage": payload.Stage},
		ingest: store.IngestOptions{
			AllowPrivateIPs: env.policy.AllowsPrivateIPs(),
			LinkFindingURLs: name == "nuclei",
		},
	})
	if scanErr != nil && (ctx.Err() != nil || !terminalAttempt(job, scanErr)) {
		return scanErr
	}

	if payload.Stage != "" {
		return e.joinFanOut(ctx, env, payload.Stage, scanErr)
	}

	// Ad-hoc scan: the manual run holds only scanner jobs, the last one
	// to finish closes it.
	fin := store.Finalize{
		RunID:       env.run.ID,
		Status:      model.JobStatusCompleted,
		PeerType:    "",
		CompleteRun: true,
	}
	if scanErr != nil {
		fin.Status = model.JobStatusFailed
		fin.Reason = reasonOf(scanErr)
	}
	out, err := e.store.FinalizeJobInRun(ctx, job.ID, job.LeaseOwner, fin)
	if err != nil {
		return fmt.Errorf("finalize ad-hoc scan: %w", err)
	}
	if out.RunCompleted {
		e.recorder.Record(ctx, audit.Entry{
			TargetID: env.target.ID,
			RunID:    env.run.ID,
			Kind:     audit.KindRunCompleted,
			Summary:  "run completed",
			Event:    events.RunCompleted,
		})
	}
	return &worker.Finalized{Status: fin.Status, Reason: fin.Reason}
}

// joinFanOut finalizes one fan-out child under the run row lock. The child
// whose finalize leaves no live siblings enqueues the next stage.
func (e *Engine) joinFanOut(ctx context.Context, env *stageEnv, stage string, scanErr error) error {
	fin := store.Finalize{
		RunID:    env.run.ID,
		Status:   model.JobStatusCompleted,
		PeerType: env.job.Type,
	}
	if scanErr != nil {
		fin.Status = model.JobStatusFailed
		fin.Reason = reasonOf(scanErr)
	}
	if next, ok := nextStage[stage]; ok {
		nj := StageJob(env.target.ID, env.run.ID, next)
		fin.Next = &nj
	} else {
		fin.CompleteRun = true
	}

	out, err := e.store.FinalizeJobInRun(ctx, env.job.ID, env.job.LeaseOwner, fin)
	if err != nil {
		return fmt.Errorf("join %s fan-out: %w", stage, err)
	}
	if out.NextJobID != "" || out.RunCompleted {
		e.recorder.Record(ctx, audit.Entry{
			TargetID: env.target.ID,
			RunID:    env.run.ID,
			Kind:     audit.KindStageCompleted,
			Summary:  "stage " + stage + " fan-out drained",
			Payload:  map[string]any{"stage": stage, "fan_in": true},
			Event:    events.RunStageCompleted,
		})
	}
	if out.RunCompleted {
		e.recorder.Record(ctx, audit.Entry{
			TargetID: env.target.ID,
			RunID:    env.run.ID,
			Kind:     audit.KindRunCompleted,
			Summary:  "run completed",
			Event:    events.RunCompleted,
		})
	}
	return &worker.Finalized{Status: fin.Status, Reason: fin.Reason}
}
