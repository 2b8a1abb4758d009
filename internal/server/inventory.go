package server

import (
	"net/http"

	"github.com/marcus-qen/driftwatch/internal/store"
)

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	assets, err := s.store.ListAssets(r.Context(), target.ID, store.AssetFilter{
		Type:   r.URL.Query().Get("type"),
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit"),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assets": orEmpty(assets),
		"total":  len(assets),
	})
}

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	services, err := s.store.ListServices(r.Context(), target.ID, store.ServiceFilter{
		Status: r.URL.Query().Get("status"),
		Limit:  queryInt(r, "limit"),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"services": orEmpty(services),
		"total":    len(services),
	})
}

func (s *Server) handleListEdges(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	edges, err := s.store.ListEdges(r.Context(), target.ID, queryInt(r, "limit"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"edges": orEmpty(edges),
		"total": len(edges),
	})
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	findings, err := s.store.ListFindings(r.Context(), target.ID, store.FindingFilter{
		Severity: r.URL.Query().Get("severity"),
		RunID:    r.URL.Query().Get("run_id"),
		Limit:    queryInt(r, "limit"),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"findings": orEmpty(findings),
		"total":    len(findings),
	})
}

// handleListScans lists scan invocations for a target, or for one of its
// runs when run_id is given. Raw output is elided either way; fetch a
// single scan for the evidence.
func (s *Server) handleListScans(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	if runID := r.URL.Query().Get("run_id"); runID != "" {
		run, err := s.store.GetRun(r.Context(), runID)
		if err != nil || run.TargetID != target.ID {
			writeError(w, http.StatusNotFound, "run "+runID+" not found for target "+target.ID)
			return
		}
		scans, err := s.store.ListScansForRun(r.Context(), run.ID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"scans": orEmpty(scans),
			"total": len(scans),
		})
		return
	}

	scans, err := s.store.ListScansForTarget(r.Context(), target.ID, queryInt(r, "limit"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"scans": orEmpty(scans),
		"total": len(scans),
	})
}

// handleChanges reports what a run changed, bucketed by disposition. With
// no run_id it reports on the latest completed pipeline run.
func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		latest, err := s.store.LatestCompletedRun(r.Context(), target.ID)
		if err != nil {
			writeStoreError(w, err)
			return
		}
		runID = latest.ID
	} else {
		run, err := s.store.GetRun(r.Context(), runID)
		if err != nil || run.TargetID != target.ID {
			writeError(w, http.StatusNotFound, "run "+runID+" not found for target "+target.ID)
			return
		}
	}

	report, err := s.store.ChangesForRun(r.Context(), target.ID, runID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	evs, err := s.store.ListRunEvents(r.Context(), target.ID, store.RunEventFilter{
		RunID: r.URL.Query().Get("run_id"),
		Kind:  r.URL.Query().Get("kind"),
		Limit: queryInt(r, "limit"),
	})
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": orEmpty(evs),
		"total":  len(evs),
	})
}
