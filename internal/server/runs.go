package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/marcus-qen/driftwatch/internal/audit"
	"github.com/marcus-qen/driftwatch/internal/events"
	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/pipeline"
	"github.com/marcus-qen/driftwatch/internal/scope"
	"github.com/marcus-qen/driftwatch/internal/store"
)

func (s *Server) handleStartPipeline(w http.ResponseWriter, r *http.Request) {
	var req struct {
		MaxHosts       int `json:"max_hosts"`
		MaxHTTPTargets int `json:"max_http_targets"`
	}
	// An empty body means engine defaults.
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	target, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	run, err := s.store.CreateRun(r.Context(), target.ID, model.RunTriggerManual, req.MaxHosts, req.MaxHTTPTargets)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	job, err := s.store.Enqueue(r.Context(), pipeline.PipelineJob(target.ID, run.ID))
	if err != nil {
		// An orphaned queued run would block the target until discarded.
		_ = s.store.DiscardRun(r.Context(), run.ID)
		writeError(w, http.StatusInternalServerError, "enqueue pipeline: "+err.Error())
		return
	}

	s.recorder.Record(r.Context(), audit.Entry{
		TargetID: target.ID,
		RunID:    run.ID,
		Kind:     audit.KindRunQueued,
		Actor:    actorAPI,
		Summary:  "manual pipeline run queued",
		Payload:  map[string]string{"job_id": job.ID},
		Event:    events.RunQueued,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": run.ID,
		"job_id": job.ID,
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	runs, err := s.store.ListRunsForTarget(r.Context(), target.ID, queryInt(r, "limit"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  orEmpty(runs),
		"total": len(runs),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	jobs, err := s.store.ListJobsForRun(r.Context(), run.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	pairs, err := s.store.RunResolvedPairs(r.Context(), run.TargetID, run.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	type jobSummary struct {
		ID          string     `json:"id"`
		Type        string     `json:"type"`
		Status      string     `json:"status"`
		Attempts    int        `json:"attempts"`
		LastError   string     `json:"last_error,omitempty"`
		CreatedAt   time.Time  `json:"created_at"`
		CompletedAt *time.Time `json:"completed_at,omitempty"`
	}
	summaries := make([]jobSummary, 0, len(jobs))
	for _, j := range jobs {
		summaries = append(summaries, jobSummary{
			ID:          j.ID,
			Type:        j.Type,
			Status:      j.Status,
			Attempts:    j.Attempts,
			LastError:   j.LastError,
			CreatedAt:   j.CreatedAt,
			CompletedAt: j.CompletedAt,
		})
	}

	type resolution struct {
		Name string `json:"name"`
		IP   string `json:"ip"`
	}
	resolutions := make([]resolution, 0, len(pairs))
	for _, p := range pairs {
		resolutions = append(resolutions, resolution{Name: p.Name, IP: p.IP})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run":         run,
		"jobs":        summaries,
		"resolutions": resolutions,
	})
}

func (s *Server) handleListRunJobs(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	jobs, err := s.store.ListJobsForRun(r.Context(), run.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  orEmpty(jobs),
		"total": len(jobs),
	})
}

func (s *Server) handleDiscardRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.DiscardRun(r.Context(), run.ID); err != nil {
		if store.IsNotFound(err) {
			writeError(w, http.StatusConflict, "run "+run.ID+" is already terminal")
			return
		}
		writeStoreError(w, err)
		return
	}
	cancelled, flagged, err := s.store.CancelJobsForRun(r.Context(), run.ID, model.ReasonCancelled)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.recorder.Record(r.Context(), audit.Entry{
		TargetID: run.TargetID,
		RunID:    run.ID,
		Kind:     audit.KindRunDiscarded,
		Actor:    actorAPI,
		Summary:  fmt.Sprintf("run discarded, %d jobs cancelled", cancelled),
		Payload:  map[string]int64{"jobs_cancelled": cancelled, "jobs_flagged": flagged},
		Event:    events.RunCancelled,
	})
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":         run.ID,
		"status":         model.RunStatusDiscarded,
		"jobs_cancelled": cancelled,
		"jobs_flagged":   flagged,
	})
}

// handleVerifyStale queues a verification run covering every artifact the
// identified run left stale. Verification runs sit outside the
// one-active-run rule, so this works while the next pipeline is live.
func (s *Server) handleVerifyStale(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	refID := r.PathValue("run_id")
	ref, err := s.store.GetRun(r.Context(), refID)
	if err != nil || ref.TargetID != target.ID {
		writeError(w, http.StatusNotFound, "run "+refID+" not found for target "+target.ID)
		return
	}

	assets, err := s.store.ListStaleAssets(r.Context(), target.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	services, err := s.store.ListStaleServices(r.Context(), target.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if len(assets)+len(services) == 0 {
		writeJSON(w, http.StatusOK, map[string]int{"queued": 0})
		return
	}

	run, err := s.store.CreateRun(r.Context(), target.ID, model.RunTriggerVerification, 0, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	njs := make([]store.NewJob, 0, len(assets)+len(services))
	for _, a := range assets {
		njs = append(njs, store.NewJob{
			Type:     model.JobTypeVerifyAsset,
			TargetID: target.ID,
			RunID:    run.ID,
			Payload:  map[string]string{"asset_id": a.ID},
			Priority: model.PriorityVerify,
		})
	}
	for _, svc := range services {
		njs = append(njs, store.NewJob{
			Type:     model.JobTypeVerifyService,
			TargetID: target.ID,
			RunID:    run.ID,
			Payload:  map[string]string{"service_id": svc.ID},
			Priority: model.PriorityVerify,
		})
	}
	jobs, err := s.store.EnqueueBatch(r.Context(), njs)
	if err != nil {
		_ = s.store.DiscardRun(r.Context(), run.ID)
		writeError(w, http.StatusInternalServerError, "enqueue verification: "+err.Error())
		return
	}

	s.recorder.Record(r.Context(), audit.Entry{
		TargetID: target.ID,
		RunID:    run.ID,
		Kind:     audit.KindRunQueued,
		Actor:    actorAPI,
		Summary:  fmt.Sprintf("verification run queued for %d stale artifacts", len(jobs)),
		Payload: map[string]any{
			"after_run": ref.ID,
			"assets":    len(assets),
			"services":  len(services),
		},
		Event: events.RunQueued,
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":   run.ID,
		"queued":   len(jobs),
		"assets":   len(assets),
		"services": len(services),
	})
}

// handleAdHocScan queues a single scanner against one candidate under a
// manual run. The scan handler closes the run when the job finishes.
func (s *Server) handleAdHocScan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scanner string `json:"scanner"`
		Target  string `json:"target"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Scanner == "" || req.Target == "" {
		writeError(w, http.StatusBadRequest, "scanner and target are required")
		return
	}
	desc, ok := s.registry.Get(req.Scanner)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown scanner "+req.Scanner)
		return
	}

	target, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	// Same gate the runner applies at dispatch, surfaced here so the
	// caller learns about the refusal instead of a failed job.
	policy, err := scope.Parse(target.Scope, target.RootDomain)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "scope policy: "+err.Error())
		return
	}
	allowed := false
	reason := ""
	for _, kind := range desc.Kinds {
		d := policy.Check(kind, req.Target)
		if d.Allowed {
			allowed = true
			break
		}
		reason = d.Reason
	}
	if !allowed {
		writeError(w, http.StatusForbidden, req.Target+" is out of scope: "+reason)
		return
	}

	run, err := s.store.CreateRun(r.Context(), target.ID, model.RunTriggerManual, 0, 0)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	job, err := s.store.Enqueue(r.Context(), pipeline.ScanJob(target.ID, run.ID, req.Scanner, "", req.Target))
	if err != nil {
		_ = s.store.DiscardRun(r.Context(), run.ID)
		writeError(w, http.StatusInternalServerError, "enqueue scan: "+err.Error())
		return
	}

	s.recorder.Record(r.Context(), audit.Entry{
		TargetID: target.ID,
		RunID:    run.ID,
		Kind:     audit.KindRunQueued,
		Actor:    actorAPI,
		Summary:  "ad-hoc " + req.Scanner + " scan queued against " + req.Target,
		Payload:  map[string]string{"scanner": req.Scanner, "target": req.Target, "job_id": job.ID},
		Event:    events.RunQueued,
	})
	writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": run.ID,
		"job_id": job.ID,
	})
}

func (s *Server) handleGetScan(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetScan(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}
