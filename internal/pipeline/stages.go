package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/marcus-qen/driftwatch/internal/audit"
	"github.com/marcus-qen/driftwatch/internal/dnsprobe"
	"github.com/marcus-qen/driftwatch/internal/events"
	"github.com/marcus-qen/driftwatch/internal/metrics"
	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/normalize"
	"github.com/marcus-qen/driftwatch/internal/scanner"
	"github.com/marcus-qen/driftwatch/internal/scope"
	"github.com/marcus-qen/driftwatch/internal/store"
	"github.com/marcus-qen/driftwatch/internal/worker"
)

// stageSubfinder enumerates subdomains under the root.
func (e *Engine) stageSubfinder(ctx context.Context, env *stageEnv) error {
	sum, _, scanErr := e.runScan(ctx, scanParams{
		env:     env,
		scanner: StageSubfinder,
		display: env.target.RootDomain,
		req:     scanner.Request{Target: env.target.RootDomain, Scope: env.policy},
		config:  map[string]any{"domain": env.target.RootDomain},
		ingest:  store.IngestOptions{AllowPrivateIPs: env.policy.AllowsPrivateIPs()},
	})
	detail := map[string]any{}
	if sum != nil {
		detail["new_assets"] = len(sum.NewAssets)
		detail["seen_assets"] = sum.SeenAssets
	}
	return e.advanceOrRetry(ctx, env, scanErr, detail)
}

// stageDNSResolve resolves every name the run has seen so far against the
// resolver set. Names that answer produce ip assets and resolves_to edges;
// NXDOMAIN is conclusive absence and leaves the name for change detection;
// inconclusive answers claim nothing. Unlike the scanners this stage is
// load-bearing: when no name gets any verdict the whole run fails, since
// everything downstream keys off the addresses discovered here.
func (e *Engine) stageDNSResolve(ctx context.Context, env *stageEnv) error {
	names, err := e.resolveCandidates(ctx, env)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return e.advance(ctx, env, nil, map[string]any{"names": 0})
	}

	scan, err := e.store.CreateScan(ctx, env.target.ID, env.run.ID, StageDNSResolve,
		fmt.Sprintf("%d names", len(names)),
		map[string]any{"names": len(names), "limit": e.cfg.ResolveLimit})
	if err != nil {
		return fmt.Errorf("create scan: %w", err)
	}
	e.recorder.Record(ctx, audit.Entry{
		TargetID: env.target.ID,
		RunID:    env.run.ID,
		Kind:     audit.KindScanStarted,
		Summary:  fmt.Sprintf("dns_resolve started against %d names", len(names)),
		Payload:  map[string]any{"scan_id": scan.ID, "scanner": StageDNSResolve, "names": len(names)},
		Event:    events.ScanStarted,
	})

	results := e.resolver.LookupAll(ctx, names, e.cfg.ResolveLimit)
	if err := ctx.Err(); err != nil {
		ectx, cancel := evidenceCtx(ctx)
		_ = e.store.FinishScan(ectx, scan.ID, model.ScanStatusCancelled, "", "cancelled")
		cancel()
		metrics.RecordScan(StageDNSResolve, model.ScanStatusCancelled)
		return err
	}

	lines := make([]string, 0, len(names))
	out := &model.ScanOutput{}
	var resolved, nxdomain, inconclusive int
	for _, name := range names {
		res := results[name]
		switch res.Verdict() {
		case dnsprobe.VerdictResolved:
			resolved++
			lines = append(lines, name+" -> "+strings.Join(res.Addrs, ", "))
			sub := model.AssetObservation{Type: model.AssetTypeSubdomain, Value: name}
			out.Assets = append(out.Assets, sub)
			for _, addr := range res.Addrs {
				ip := model.AssetObservation{Type: model.AssetTypeIP, Value: addr}
				out.Assets = append(out.Assets, ip)
				out.Edges = append(out.Edges, model.EdgeObservation{From: sub, To: ip, RelType: model.EdgeResolvesTo})
			}
			for _, cname := range res.CNames {
				out.Edges = append(out.Edges, model.EdgeObservation{
					From:    sub,
					To:      model.AssetObservation{Type: model.AssetTypeSubdomain, Value: cname},
					RelType: model.EdgeCNAME,
				})
			}
		case dnsprobe.VerdictNXDomain:
			nxdomain++
			lines = append(lines, name+" -> unresolved (NXDOMAIN)")
		default:
			inconclusive++
			lines = append(lines, name+" -> unresolved (ERR)")
		}
	}

	status, errMsg := model.ScanStatusCompleted, ""
	if inconclusive == len(names) {
		status = model.ScanStatusFailed
		errMsg = fmt.Sprintf("no resolver answered for any of %d names", len(names))
	}
	ectx, cancel := evidenceCtx(ctx)
	if err := e.store.FinishScan(ectx, scan.ID, status, strings.Join(lines, "\n"), errMsg); err != nil {
		e.logger.Error("finish scan", zap.String("scan_id", scan.ID), zap.Error(err))
	}
	cancel()
	metrics.RecordScan(StageDNSResolve, status)

	if status == model.ScanStatusFailed {
		e.recorder.Record(ctx, audit.Entry{
			TargetID: env.target.ID,
			RunID:    env.run.ID,
			Kind:     audit.KindScanFailed,
			Summary:  "dns_resolve failed: " + errMsg,
			Payload:  map[string]any{"scan_id": scan.ID, "scanner": StageDNSResolve},
			Event:    events.ScanFailed,
		})
		resErr := &worker.Failure{Reason: model.ReasonDependencyUnreachable, Err: errors.New(errMsg)}
		if !terminalAttempt(env.job, resErr) {
			return resErr
		}
		return e.failRun(ctx, env.job, env.run, "dns resolution failed: "+errMsg)
	}

	sum, err := e.ingestOutput(ctx, env, scan.ID, StageDNSResolve, out, store.IngestOptions{
		AllowPrivateIPs: env.policy.AllowsPrivateIPs(),
	})
	if err != nil {
		return err
	}
	detail := map[string]any{
		"names":        len(names),
		"resolved":     resolved,
		"nxdomain":     nxdomain,
		"inconclusive": inconclusive,
		"new_assets":   len(sum.NewAssets),
	}
	e.recorder.Record(ctx, audit.Entry{
		TargetID: env.target.ID,
		RunID:    env.run.ID,
		Kind:     audit.KindScanCompleted,
		Summary: fmt.Sprintf("dns_resolve completed: %d/%d resolved, %d new assets",
			resolved, len(names), len(sum.NewAssets)),
		Payload: map[string]any{
			"scan_id":      scan.ID,
			"scanner":      StageDNSResolve,
			"resolved":     resolved,
			"nxdomain":     nxdomain,
			"inconclusive": inconclusive,
		},
		Event: events.ScanCompleted,
	})
	return e.advance(ctx, env, nil, detail)
}

// resolveCandidates collects the root plus every subdomain the run has
// observed, scope-checked and deduplicated.
func (e *Engine) resolveCandidates(ctx context.Context, env *stageEnv) ([]string, error) {
	assets, err := e.store.ListAssetsSeenInRun(ctx, env.target.ID, env.run.ID, model.AssetTypeSubdomain)
	if err != nil {
		return nil, fmt.Errorf("list run subdomains: %w", err)
	}

	seen := make(map[string]bool, len(assets)+1)
	names := make([]string, 0, len(assets)+1)
	var denied []deniedObservation
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		if d := env.policy.Check(scope.KindDomain, name); !d.Allowed {
			denied = append(denied, deniedObservation{Kind: model.AssetTypeSubdomain, Value: name, Reason: d.Reason})
			metrics.RecordScopeDenial(name, scope.KindDomain)
			return
		}
		names = append(names, name)
	}
	add(env.target.RootDomain)
	for _, a := range assets {
		add(a.Normalized)
	}

	if len(denied) > 0 {
		e.recorder.Record(ctx, audit.Entry{
			TargetID: env.target.ID,
			RunID:    env.run.ID,
			Kind:     audit.KindScopeDenied,
			Summary:  fmt.Sprintf("%d names excluded from resolution", len(denied)),
			Payload:  map[string]any{"stage": StageDNSResolve, "denied": denied},
			Event:    events.ScopeDenied,
		})
	}
	return names, nil
}

// stageNmap fans one port-scan job out per address seen this run, newest
// addresses first up to the host cap. The children join back into the chain
// themselves; this job only plants them.
func (e *Engine) stageNmap(ctx context.Context, env *stageEnv) error {
	limit := e.maxHosts(env.run, env.policy)
	ips, err := e.store.RunPortScanIPs(ctx, env.target.ID, env.run.ID, limit)
	if err != nil {
		return fmt.Errorf("list run ips: %w", err)
	}
	if len(ips) == 0 {
		return e.advance(ctx, env, nil, map[string]any{"hosts": 0})
	}

	// A crashed attempt may already have planted the children; counting
	// them again would double the fan-out and wreck the join.
	existing, err := e.store.ListJobsForRun(ctx, env.run.ID)
	if err != nil {
		return fmt.Errorf("list run jobs: %w", err)
	}
	childType := model.JobTypeScannerPrefix + StageNmap
	planted := 0
	for _, j := range existing {
		if j.Type == childType {
			planted++
		}
	}
	if planted == 0 {
		njs := make([]store.NewJob, 0, len(ips))
		for _, ip := range ips {
			njs = append(njs, ScanJob(env.target.ID, env.run.ID, StageNmap, StageNmap, ip.Normalized))
		}
		if _, err := e.store.EnqueueBatch(ctx, njs); err != nil {
			return fmt.Errorf("enqueue port scans: %w", err)
		}
		planted = len(njs)
	}

	e.logger.Info("port scan fan-out",
		zap.String("run_id", env.run.ID),
		zap.Int("hosts", planted),
		zap.Int("cap", limit))
	return nil
}

// HTTP-facing ports probed even without a recognized service banner.
var (
	httpPorts  = map[int]bool{80: true, 443: true, 8080: true, 8443: true}
	httpsPorts = map[int]bool{443: true, 8443: true}
)

// stageHTTPX probes the web-looking services found this run in one batch.
func (e *Engine) stageHTTPX(ctx context.Context, env *stageEnv) error {
	limit := e.maxHTTPTargets(env.run, env.policy)
	rows, err := e.store.RunServiceRows(ctx, env.target.ID, env.run.ID)
	if err != nil {
		return fmt.Errorf("list run services: %w", err)
	}
	urls := httpTargets(rows, limit)
	if len(urls) == 0 {
		return e.advance(ctx, env, nil, map[string]any{"http_targets": 0})
	}

	sum, _, scanErr := e.runScan(ctx, scanParams{
		env:     env,
		scanner: StageHTTPX,
		display: fmt.Sprintf("%d http targets", len(urls)),
		req:     scanner.Request{Targets: urls, Scope: env.policy},
		config:  map[string]any{"targets": urls, "cap": limit},
		ingest:  store.IngestOptions{AllowPrivateIPs: env.policy.AllowsPrivateIPs()},
	})
	detail := map[string]any{"http_targets": len(urls)}
	if sum != nil {
		detail["new_assets"] = len(sum.NewAssets)
		detail["seen_assets"] = sum.SeenAssets
	}
	return e.advanceOrRetry(ctx, env, scanErr, detail)
}

// httpTargets builds probe URLs from the run's open tcp services: the
// conventional web ports always qualify, anything else only with an
// http-ish banner. TLS ports get an https scheme; normalization elides
// default ports and deduplicates.
func httpTargets(rows []*store.ServiceRow, limit int) []string {
	seen := make(map[string]bool)
	var urls []string
	for _, r := range rows {
		if len(urls) >= limit {
			break
		}
		if r.Proto != model.ProtoTCP {
			continue
		}
		if !httpPorts[r.Port] && !strings.HasPrefix(strings.ToLower(r.Name), "http") {
			continue
		}
		scheme := "http"
		if httpsPorts[r.Port] {
			scheme = "https"
		}
		u, err := normalize.URL(fmt.Sprintf("%s://%s:%d", scheme, r.Host, r.Port))
		if err != nil || seen[u] {
			continue
		}
		seen[u] = true
		urls = append(urls, u)
	}
	return urls
}

// stageNuclei closes the run: template scan over the live URLs, then change
// detection, then completion. Change detection must run even when the scan
// burns its last attempt, absence claims only depend on which probes
// completed earlier.
func (e *Engine) stageNuclei(ctx context.Context, env *stageEnv) error {
	limit := e.maxHTTPTargets(env.run, env.policy)
	assets, err := e.store.ListAssetsSeenInRun(ctx, env.target.ID, env.run.ID, model.AssetTypeURL)
	if err != nil {
		return fmt.Errorf("list run urls: %w", err)
	}
	urls := make([]string, 0, len(assets))
	for _, a := range assets {
		if len(urls) >= limit {
			break
		}
		urls = append(urls, a.Normalized)
	}

	var (
		scanErr error
		sum     *store.IngestSummary
	)
	if len(urls) > 0 {
		sum, _, scanErr = e.runScan(ctx, scanParams{
			env:     env,
			scanner: StageNuclei,
			display: fmt.Sprintf("%d urls", len(urls)),
			req:     scanner.Request{Targets: urls, Scope: env.policy},
			config:  map[string]any{"targets": urls, "cap": limit},
			ingest: store.IngestOptions{
				AllowPrivateIPs: env.policy.AllowsPrivateIPs(),
				LinkFindingURLs: true,
			},
		})
		if scanErr != nil && (ctx.Err() != nil || !terminalAttempt(env.job, scanErr)) {
			return scanErr
		}
	}

	completed, err := e.store.CompletedScanners(ctx, env.run.ID)
	if err != nil {
		return fmt.Errorf("list completed scanners: %w", err)
	}
	det, err := e.store.DetectChanges(ctx, env.target.ID, env.run.ID,
		completed[StageHTTPX], completed[StageNmap])
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		if !terminalAttempt(env.job, err) {
			return fmt.Errorf("detect changes: %w", err)
		}
		// Inventories must not silently drift; a run that cannot claim
		// absence is a failed run.
		return e.failRun(ctx, env.job, env.run, "change detection failed: "+firstLine(err.Error()))
	}
	e.publishStales(ctx, env, det)

	detail := map[string]any{
		"urls":           len(urls),
		"stale_assets":   len(det.StaleAssets),
		"stale_services": len(det.StaleServices),
	}
	if sum != nil {
		detail["findings"] = sum.Findings
	}
	return e.advance(ctx, env, scanErr, detail)
}

func (e *Engine) publishStales(ctx context.Context, env *stageEnv, det *store.ChangeDetection) {
	if len(det.StaleAssets) == 0 && len(det.StaleServices) == 0 {
		return
	}
	for _, c := range det.StaleAssets {
		metrics.RecordAssetTransition(c.Type, "stale")
		if e.bus != nil {
			e.bus.Publish(events.Event{
				Type:     events.AssetStale,
				TargetID: env.target.ID,
				RunID:    env.run.ID,
				Summary:  c.Type + " " + c.Value + " not seen this run",
				Detail:   map[string]string{"asset_id": c.ID, "value": c.Value, "verify_job_id": c.JobID},
			})
		}
	}
	for _, c := range det.StaleServices {
		metrics.RecordAssetTransition("service", "stale")
		if e.bus != nil {
			e.bus.Publish(events.Event{
				Type:     events.ServiceStale,
				TargetID: env.target.ID,
				RunID:    env.run.ID,
				Summary:  "service " + c.Value + " not seen this run",
				Detail:   map[string]string{"service_id": c.ID, "value": c.Value, "verify_job_id": c.JobID},
			})
		}
	}
	e.recorder.Record(ctx, audit.Entry{
		TargetID: env.target.ID,
		RunID:    env.run.ID,
		Kind:     audit.KindAssetsStaled,
		Summary: fmt.Sprintf("%d assets and %d services went stale, verification queued",
			len(det.StaleAssets), len(det.StaleServices)),
		Payload: map[string]any{
			"stale_assets":   det.StaleAssets,
			"stale_services": det.StaleServices,
		},
	})
}
