// Package verify re-probes stale artifacts and settles them: a stale
// subdomain either answers DNS again (revived), is gone from every resolver
// (unresolved), or stays stale when the probes disagree; a stale service
// either accepts a connection (revived) or is closed. Verification never
// runs against a target with an active pipeline run, re-probes would race
// the run's own observations.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/driftwatch/internal/audit"
	"github.com/marcus-qen/driftwatch/internal/dnsprobe"
	"github.com/marcus-qen/driftwatch/internal/events"
	"github.com/marcus-qen/driftwatch/internal/metrics"
	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/normalize"
	"github.com/marcus-qen/driftwatch/internal/scope"
	"github.com/marcus-qen/driftwatch/internal/store"
	"github.com/marcus-qen/driftwatch/internal/telemetry"
	"github.com/marcus-qen/driftwatch/internal/worker"
)

// Verification outcomes recorded on audit entries and spans.
const (
	OutcomeRevived      = "revived"
	OutcomeUnresolved   = "unresolved"
	OutcomeClosed       = "closed"
	OutcomeInconclusive = "inconclusive"
	OutcomeSkipped      = "skipped"
)

// DefaultDialTimeout bounds one service connect probe.
const DefaultDialTimeout = 3 * time.Second

const udpReadTimeout = 1500 * time.Millisecond

// Store is the persistence surface verification drives.
type Store interface {
	GetRun(ctx context.Context, id string) (*model.Run, error)
	StartRun(ctx context.Context, id string) error
	GetTarget(ctx context.Context, id string) (*model.Target, error)
	ActiveRun(ctx context.Context, targetID string) (*model.Run, error)

	GetAsset(ctx context.Context, id string) (*model.Asset, error)
	GetServiceRow(ctx context.Context, id string) (*store.ServiceRow, error)
	SetAssetVerified(ctx context.Context, assetID, runID, status string) error
	SetServiceVerified(ctx context.Context, serviceID, runID, status string) error
	IngestScanResult(ctx context.Context, targetID, runID string, out *model.ScanOutput, opts store.IngestOptions) (*store.IngestSummary, error)

	CreateScan(ctx context.Context, targetID, runID, scannerName, scanTarget string, config any) (*model.Scan, error)
	FinishScan(ctx context.Context, scanID, status, rawOutput, errMsg string) error
	FinalizeJobInRun(ctx context.Context, jobID, workerID string, fin store.Finalize) (store.FinalizeOutcome, error)
}

// Resolver answers consensus lookups.
type Resolver interface {
	Lookup(ctx context.Context, name string) dnsprobe.Resolution
}

// Dialer opens probe connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Verifier owns the verify_asset and verify_service handlers.
type Verifier struct {
	store       Store
	resolver    Resolver
	dialer      Dialer
	recorder    *audit.Recorder
	bus         *events.Bus
	logger      *zap.Logger
	dialTimeout time.Duration
}

// New wires a verifier. dialer nil uses net.Dialer, bus may be nil.
func New(st Store, resolver Resolver, dialer Dialer, recorder *audit.Recorder,
	bus *events.Bus, logger *zap.Logger, dialTimeout time.Duration) *Verifier {
	if dialer == nil {
		dialer = &net.Dialer{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if dialTimeout <= 0 {
		dialTimeout = DefaultDialTimeout
	}
	return &Verifier{
		store:       st,
		resolver:    resolver,
		dialer:      dialer,
		recorder:    recorder,
		bus:         bus,
		logger:      logger,
		dialTimeout: dialTimeout,
	}
}

// RegisterHandlers installs the verification job types on the pool.
func (v *Verifier) RegisterHandlers(p *worker.Pool) {
	p.Register(model.JobTypeVerifyAsset, v.HandleVerifyAsset)
	p.Register(model.JobTypeVerifyService, v.HandleVerifyService)
}

// verifyEnv is the revalidated context of one verification job.
type verifyEnv struct {
	job    *model.Job
	run    *model.Run
	target *model.Target
	policy *scope.Policy
}

// env revalidates the job's run and defers while the target has an active
// pipeline run: verification must not mutate inventory under a run that is
// still observing.
func (v *Verifier) env(ctx context.Context, job *model.Job) (*verifyEnv, error) {
	run, err := v.store.GetRun(ctx, job.RunID)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, &worker.Failure{Reason: "run " + job.RunID + " missing", Fatal: true}
		}
		return nil, fmt.Errorf("load run: %w", err)
	}

	// The first job of a verification run moves it to running; it has no
	// boot job of its own.
	if run.Trigger == model.RunTriggerVerification && run.Status == model.RunStatusQueued {
		switch err := v.store.StartRun(ctx, run.ID); {
		case err == nil:
			run.Status = model.RunStatusRunning
			v.recorder.Record(ctx, audit.Entry{
				TargetID: run.TargetID,
				RunID:    run.ID,
				Kind:     audit.KindRunStarted,
				Summary:  "verification run started",
				Event:    events.RunStarted,
			})
		case store.IsNotFound(err):
			// A sibling won the start, or the run was discarded; re-judge.
			if run, err = v.store.GetRun(ctx, run.ID); err != nil {
				return nil, fmt.Errorf("reload run: %w", err)
			}
		default:
			return nil, fmt.Errorf("start run: %w", err)
		}
	}

	// Pipeline runs complete before their verification jobs drain; only an
	// aborted run voids them. Verification runs stay live until the last
	// job, so any terminal state voids.
	moot := run.Trigger == model.RunTriggerVerification && run.Terminal() ||
		run.Status == model.RunStatusFailed ||
		run.Status == model.RunStatusCancelled ||
		run.Status == model.RunStatusDiscarded
	if moot {
		reason := "run " + run.Status
		if _, err := v.store.FinalizeJobInRun(ctx, job.ID, job.LeaseOwner, store.Finalize{
			RunID:  run.ID,
			Status: model.JobStatusCancelled,
			Reason: reason,
		}); err != nil {
			return nil, fmt.Errorf("finalize moot job: %w", err)
		}
		return nil, &worker.Finalized{Status: model.JobStatusCancelled, Reason: reason}
	}

	if active, err := v.store.ActiveRun(ctx, run.TargetID); err == nil {
		return nil, &worker.Failure{
			Reason: "deferred: pipeline run " + active.ID + " active",
		}
	} else if !store.IsNotFound(err) {
		return nil, fmt.Errorf("check active run: %w", err)
	}

	target, err := v.store.GetTarget(ctx, run.TargetID)
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
	return &verifyEnv{job: job, run: run, target: target, policy: policy}, nil
}

// HandleVerifyAsset settles one stale asset by resolver consensus.
func (v *Verifier) HandleVerifyAsset(ctx context.Context, job *model.Job) error {
	var payload struct {
		AssetID string `json:"asset_id"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.AssetID == "" {
		return &worker.Failure{Reason: "verify payload: missing asset_id", Fatal: true}
	}

	env, err := v.env(ctx, job)
	if err != nil {
		return err
	}
	asset, err := v.store.GetAsset(ctx, payload.AssetID)
	if err != nil {
		if store.IsNotFound(err) {
			return &worker.Failure{Reason: "asset " + payload.AssetID + " missing", Fatal: true}
		}
		return fmt.Errorf("load asset: %w", err)
	}
	if asset.Status != model.ArtifactStatusStale {
		// Revived or settled by a later run while this job waited.
		return v.finish(ctx, env, verifyResult{
			kind: "asset", id: asset.ID, value: asset.Normalized,
			outcome: OutcomeSkipped, detail: "status " + asset.Status,
		})
	}

	name := asset.Normalized
	if asset.Type == model.AssetTypeURL {
		u, err := url.Parse(asset.Normalized)
		if err != nil || u.Hostname() == "" {
			return &worker.Failure{Reason: "unverifiable url asset " + asset.ID, Fatal: true}
		}
		name = u.Hostname()
	}
	if d := env.policy.Check(checkKind(asset.Type), asset.Normalized); !d.Allowed {
		return v.denyScope(ctx, env, "asset", asset.Normalized, d.Reason)
	}

	scan, err := v.store.CreateScan(ctx, env.target.ID, env.run.ID, model.JobTypeVerifyAsset,
		name, map[string]any{"asset_id": asset.ID, "type": asset.Type})
	if err != nil {
		return fmt.Errorf("create scan: %w", err)
	}

	ctx, span := telemetry.StartVerifySpan(ctx, "asset", name)
	res := v.resolver.Lookup(ctx, name)
	if cerr := ctx.Err(); cerr != nil {
		v.finishScan(ctx, scan.ID, model.ScanStatusCancelled, "", "cancelled")
		telemetry.EndVerifySpan(span, "cancelled")
		return cerr
	}

	switch res.Verdict() {
	case dnsprobe.VerdictResolved:
		raw := name + " -> " + strings.Join(res.Addrs, ", ")
		v.finishScan(ctx, scan.ID, model.ScanStatusCompleted, raw, "")
		metrics.RecordScan(model.JobTypeVerifyAsset, model.ScanStatusCompleted)
		if err := v.store.SetAssetVerified(ctx, asset.ID, env.run.ID, model.ArtifactStatusActive); err != nil {
			telemetry.EndVerifySpan(span, "error")
			return fmt.Errorf("revive asset: %w", err)
		}
		if err := v.reingestAsset(ctx, env, scan.ID, asset, name, res.Addrs); err != nil {
			telemetry.EndVerifySpan(span, "error")
			return err
		}
		telemetry.EndVerifySpan(span, OutcomeRevived)
		metrics.RecordAssetTransition(asset.Type, OutcomeRevived)
		return v.finish(ctx, env, verifyResult{
			kind: "asset", id: asset.ID, value: asset.Normalized,
			outcome: OutcomeRevived, scanID: scan.ID, event: events.AssetRevived,
		})

	case dnsprobe.VerdictNXDomain:
		raw := name + " -> unresolved (NXDOMAIN)"
		v.finishScan(ctx, scan.ID, model.ScanStatusCompleted, raw, "")
		metrics.RecordScan(model.JobTypeVerifyAsset, model.ScanStatusCompleted)
		if err := v.store.SetAssetVerified(ctx, asset.ID, env.run.ID, model.ArtifactStatusUnresolved); err != nil {
			telemetry.EndVerifySpan(span, "error")
			return fmt.Errorf("settle asset: %w", err)
		}
		telemetry.EndVerifySpan(span, OutcomeUnresolved)
		metrics.RecordAssetTransition(asset.Type, OutcomeUnresolved)
		return v.finish(ctx, env, verifyResult{
			kind: "asset", id: asset.ID, value: asset.Normalized,
			outcome: OutcomeUnresolved, scanID: scan.ID, event: events.AssetChanged,
		})

	default:
		detail := fmt.Sprintf("%d/%d resolvers answered", res.Answered, res.Queried)
		v.finishScan(ctx, scan.ID, model.ScanStatusFailed, "", "inconclusive: "+detail)
		metrics.RecordScan(model.JobTypeVerifyAsset, model.ScanStatusFailed)
		telemetry.EndVerifySpan(span, OutcomeInconclusive)
		return v.inconclusive(ctx, env, verifyResult{
			kind: "asset", id: asset.ID, value: asset.Normalized,
			outcome: OutcomeInconclusive, scanID: scan.ID, detail: detail,
		})
	}
}

// HandleVerifyService settles one stale service with a connect probe.
func (v *Verifier) HandleVerifyService(ctx context.Context, job *model.Job) error {
	var payload struct {
		ServiceID string `json:"service_id"`
	}
	if err := json.Unmarshal(job.Payload, &payload); err != nil || payload.ServiceID == "" {
		return &worker.Failure{Reason: "verify payload: missing service_id", Fatal: true}
	}

	env, err := v.env(ctx, job)
	if err != nil {
		return err
	}
	row, err := v.store.GetServiceRow(ctx, payload.ServiceID)
	if err != nil {
		if store.IsNotFound(err) {
			return &worker.Failure{Reason: "service " + payload.ServiceID + " missing", Fatal: true}
		}
		return fmt.Errorf("load service: %w", err)
	}
	label := fmt.Sprintf("%s:%d/%s", row.Host, row.Port, row.Proto)
	if row.Status != model.ArtifactStatusStale {
		return v.finish(ctx, env, verifyResult{
			kind: "service", id: row.ID, value: label,
			outcome: OutcomeSkipped, detail: "status " + row.Status,
		})
	}

	hostKind := scope.KindDomain
	if normalize.IsIP(row.Host) {
		hostKind = scope.KindIP
	}
	if d := env.policy.Check(hostKind, row.Host); !d.Allowed {
		return v.denyScope(ctx, env, "service", label, d.Reason)
	}

	scan, err := v.store.CreateScan(ctx, env.target.ID, env.run.ID, model.JobTypeVerifyService,
		label, map[string]any{"service_id": row.ID, "timeout_ms": v.dialTimeout.Milliseconds()})
	if err != nil {
		return fmt.Errorf("create scan: %w", err)
	}

	ctx, span := telemetry.StartVerifySpan(ctx, "service", label)
	open, probeErr := v.probe(ctx, row.Proto, net.JoinHostPort(row.Host, strconv.Itoa(row.Port)))
	if cerr := ctx.Err(); cerr != nil {
		v.finishScan(ctx, scan.ID, model.ScanStatusCancelled, "", "cancelled")
		telemetry.EndVerifySpan(span, "cancelled")
		return cerr
	}

	if open {
		v.finishScan(ctx, scan.ID, model.ScanStatusCompleted, label+" -> open", "")
		metrics.RecordScan(model.JobTypeVerifyService, model.ScanStatusCompleted)
		if err := v.store.SetServiceVerified(ctx, row.ID, env.run.ID, model.ArtifactStatusActive); err != nil {
			telemetry.EndVerifySpan(span, "error")
			return fmt.Errorf("revive service: %w", err)
		}
		if err := v.reingestService(ctx, env, scan.ID, row); err != nil {
			telemetry.EndVerifySpan(span, "error")
			return err
		}
		telemetry.EndVerifySpan(span, OutcomeRevived)
		metrics.RecordAssetTransition("service", OutcomeRevived)
		return v.finish(ctx, env, verifyResult{
			kind: "service", id: row.ID, value: label,
			outcome: OutcomeRevived, scanID: scan.ID, event: events.AssetRevived,
		})
	}

	reason := "no response"
	if probeErr != nil {
		reason = firstLine(probeErr.Error())
	}
	v.finishScan(ctx, scan.ID, model.ScanStatusCompleted, label+" -> closed ("+reason+")", "")
	metrics.RecordScan(model.JobTypeVerifyService, model.ScanStatusCompleted)
	if err := v.store.SetServiceVerified(ctx, row.ID, env.run.ID, model.ArtifactStatusClosed); err != nil {
		telemetry.EndVerifySpan(span, "error")
		return fmt.Errorf("settle service: %w", err)
	}
	telemetry.EndVerifySpan(span, OutcomeClosed)
	metrics.RecordAssetTransition("service", OutcomeClosed)
	return v.finish(ctx, env, verifyResult{
		kind: "service", id: row.ID, value: label,
		outcome: OutcomeClosed, scanID: scan.ID, detail: reason, event: events.AssetChanged,
	})
}

// probe reports whether the endpoint accepted. tcp: a completed handshake.
// udp: one datagram and a short read wait; silence is indistinguishable
// from filtered and counts as closed.
func (v *Verifier) probe(ctx context.Context, proto, addr string) (bool, error) {
	dctx, cancel := context.WithTimeout(ctx, v.dialTimeout)
	defer cancel()

	switch proto {
	case model.ProtoUDP:
		conn, err := v.dialer.DialContext(dctx, "udp", addr)
		if err != nil {
			return false, err
		}
		defer conn.Close()
		if _, err := conn.Write([]byte{0}); err != nil {
			return false, err
		}
		_ = conn.SetReadDeadline(time.Now().Add(udpReadTimeout))
		buf := make([]byte, 1)
		if _, err := conn.Read(buf); err != nil {
			return false, err
		}
		return true, nil
	default:
		conn, err := v.dialer.DialContext(dctx, "tcp", addr)
		if err != nil {
			return false, err
		}
		_ = conn.Close()
		return true, nil
	}
}

// reingestAsset stamps the revived asset (and its fresh resolution edges)
// as seen by the verification run.
func (v *Verifier) reingestAsset(ctx context.Context, env *verifyEnv, scanID string, asset *model.Asset, name string, addrs []string) error {
	out := &model.ScanOutput{
		Assets: []model.AssetObservation{{Type: asset.Type, Value: asset.Normalized}},
	}
	if asset.Type != model.AssetTypeURL {
		from := model.AssetObservation{Type: asset.Type, Value: name}
		for _, addr := range addrs {
			out.Edges = append(out.Edges, model.EdgeObservation{
				From:    from,
				To:      model.AssetObservation{Type: model.AssetTypeIP, Value: addr},
				RelType: model.EdgeResolvesTo,
			})
		}
	}
	if _, err := v.store.IngestScanResult(ctx, env.target.ID, env.run.ID, out, store.IngestOptions{
		ScanID:          scanID,
		AllowPrivateIPs: env.policy.AllowsPrivateIPs(),
	}); err != nil {
		return fmt.Errorf("reingest asset: %w", err)
	}
	return nil
}

// reingestService stamps the revived service as seen by the verification
// run.
func (v *Verifier) reingestService(ctx context.Context, env *verifyEnv, scanID string, row *store.ServiceRow) error {
	hostType := model.AssetTypeSubdomain
	if normalize.IsIP(row.Host) {
		hostType = model.AssetTypeIP
	}
	out := &model.ScanOutput{
		Services: []model.ServiceObservation{{
			Host:    model.AssetObservation{Type: hostType, Value: row.Host},
			Port:    row.Port,
			Proto:   row.Proto,
			Name:    row.Name,
			Product: row.Product,
			Version: row.Version,
		}},
	}
	if _, err := v.store.IngestScanResult(ctx, env.target.ID, env.run.ID, out, store.IngestOptions{
		ScanID:          scanID,
		AllowPrivateIPs: env.policy.AllowsPrivateIPs(),
	}); err != nil {
		return fmt.Errorf("reingest service: %w", err)
	}
	return nil
}

// verifyResult is one settled (or skipped) verification.
type verifyResult struct {
	kind    string // asset | service
	id      string
	value   string
	outcome string
	detail  string
	scanID  string
	event   events.EventType
}

// finish completes the job; on a verification run the last finisher also
// completes the run.
func (v *Verifier) finish(ctx context.Context, env *verifyEnv, res verifyResult) error {
	out, err := v.store.FinalizeJobInRun(ctx, env.job.ID, env.job.LeaseOwner, store.Finalize{
		RunID:       env.run.ID,
		Status:      model.JobStatusCompleted,
		PeerType:    "verify_%",
		CompleteRun: env.run.Trigger == model.RunTriggerVerification,
	})
	if err != nil {
		return fmt.Errorf("finalize verify job: %w", err)
	}
	v.audit(ctx, env, res)
	if out.RunCompleted {
		v.recorder.Record(ctx, audit.Entry{
			TargetID: env.target.ID,
			RunID:    env.run.ID,
			Kind:     audit.KindRunCompleted,
			Summary:  "verification run completed",
			Event:    events.RunCompleted,
		})
	}
	return &worker.Finalized{Status: model.JobStatusCompleted}
}

// inconclusive retries while attempts remain; exhaustion fails the job and
// leaves the artifact stale.
func (v *Verifier) inconclusive(ctx context.Context, env *verifyEnv, res verifyResult) error {
	fail := &worker.Failure{
		Reason: model.ReasonVerificationInconclusive,
		Err:    errors.New(res.detail),
	}
	if env.job.Attempts < env.job.MaxAttempts {
		return fail
	}
	_, err := v.store.FinalizeJobInRun(ctx, env.job.ID, env.job.LeaseOwner, store.Finalize{
		RunID:       env.run.ID,
		Status:      model.JobStatusFailed,
		Reason:      model.ReasonVerificationInconclusive,
		PeerType:    "verify_%",
		CompleteRun: env.run.Trigger == model.RunTriggerVerification,
	})
	if err != nil {
		return fmt.Errorf("finalize verify job: %w", err)
	}
	v.audit(ctx, env, res)
	return &worker.Finalized{Status: model.JobStatusFailed, Reason: model.ReasonVerificationInconclusive}
}

// denyScope fails the job fatally; the artifact left scope since it was
// ingested and must not be probed.
func (v *Verifier) denyScope(ctx context.Context, env *verifyEnv, kind, value, reason string) error {
	metrics.RecordScopeDenial(value, kind)
	v.recorder.Record(ctx, audit.Entry{
		TargetID: env.target.ID,
		RunID:    env.run.ID,
		Kind:     audit.KindScopeDenied,
		Summary:  "verification refused for " + value + ": " + reason,
		Payload:  map[string]any{"kind": kind, "value": value, "reason": reason},
		Event:    events.ScopeDenied,
	})
	_, err := v.store.FinalizeJobInRun(ctx, env.job.ID, env.job.LeaseOwner, store.Finalize{
		RunID:       env.run.ID,
		Status:      model.JobStatusFailed,
		Reason:      model.ReasonScopeDenied,
		PeerType:    "verify_%",
		CompleteRun: env.run.Trigger == model.RunTriggerVerification,
	})
	if err != nil {
		return fmt.Errorf("finalize verify job: %w", err)
	}
	return &worker.Finalized{Status: model.JobStatusFailed, Reason: model.ReasonScopeDenied}
}

func (v *Verifier) audit(ctx context.Context, env *verifyEnv, res verifyResult) {
	summary := res.kind + " " + res.value + " verified: " + res.outcome
	if res.detail != "" {
		summary += " (" + res.detail + ")"
	}
	v.recorder.Record(ctx, audit.Entry{
		TargetID: env.target.ID,
		RunID:    env.run.ID,
		Kind:     audit.KindVerifyCompleted,
		Summary:  summary,
		Payload: map[string]any{
			"kind":    res.kind,
			"id":      res.id,
			"value":   res.value,
			"outcome": res.outcome,
			"detail":  res.detail,
			"scan_id": res.scanID,
		},
		Event: events.VerifyCompleted,
	})
	if v.bus != nil && res.event != "" {
		v.bus.Publish(events.Event{
			Type:     res.event,
			TargetID: env.target.ID,
			RunID:    env.run.ID,
			Summary:  summary,
			Detail:   map[string]string{"kind": res.kind, "id": res.id, "value": res.value, "outcome": res.outcome},
		})
	}
}

func (v *Verifier) finishScan(ctx context.Context, scanID, status, raw, errMsg string) {
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := v.store.FinishScan(ectx, scanID, status, raw, errMsg); err != nil {
		v.logger.Error("finish scan", zap.String("scan_id", scanID), zap.Error(err))
	}
}

func checkKind(assetType string) string {
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
