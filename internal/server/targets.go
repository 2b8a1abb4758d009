package server

import (
	"encoding/json"
	"net/http"

	"github.com/marcus-qen/driftwatch/internal/audit"
	"github.com/marcus-qen/driftwatch/internal/scope"
)

func (s *Server) handleCreateTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string          `json:"name"`
		RootDomain string          `json:"root_domain"`
		Scope      json.RawMessage `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" || req.RootDomain == "" {
		writeError(w, http.StatusBadRequest, "name and root_domain are required")
		return
	}
	// Reject scope documents the engine could not enforce later.
	if _, err := scope.Parse(req.Scope, req.RootDomain); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := s.store.CreateTarget(r.Context(), req.Name, req.RootDomain, req.Scope)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.recorder.Record(r.Context(), audit.Entry{
		TargetID: t.ID,
		Kind:     audit.KindTargetCreated,
		Actor:    actorAPI,
		Summary:  "target " + t.Name + " created for " + t.RootDomain,
		Payload:  map[string]string{"name": t.Name, "root_domain": t.RootDomain},
	})
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.ListTargets(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"targets": orEmpty(targets),
		"total":   len(targets),
	})
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	t, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleUpdateScope(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scope json.RawMessage `json:"scope"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Scope) == 0 {
		writeError(w, http.StatusBadRequest, "scope document is required")
		return
	}

	t, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if _, err := scope.Parse(req.Scope, t.RootDomain); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpdateTargetScope(r.Context(), t.ID, req.Scope); err != nil {
		writeStoreError(w, err)
		return
	}
	t.Scope = req.Scope

	s.recorder.Record(r.Context(), audit.Entry{
		TargetID: t.ID,
		Kind:     audit.KindScopeUpdated,
		Actor:    actorAPI,
		Summary:  "scope updated for " + t.Name,
		Payload:  map[string]any{"scope": req.Scope},
	})
	writeJSON(w, http.StatusOK, t)
}
