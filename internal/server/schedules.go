package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/marcus-qen/driftwatch/internal/audit"
	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/scheduler"
)

// validCadence checks that a schedule has a usable cadence: a parseable
// cron expression, a positive interval, or both. Cron wins at fire time.
func validCadence(intervalSeconds int, cronExpr string) error {
	if cronExpr != "" {
		if _, err := cron.ParseStandard(cronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
		}
		return nil
	}
	if intervalSeconds <= 0 {
		return errors.New("schedule needs a positive interval_seconds or a cron expression")
	}
	return nil
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntervalSeconds  int    `json:"interval_seconds"`
		Cron             string `json:"cron"`
		Enabled          *bool  `json:"enabled"`
		MaxHosts         int    `json:"max_hosts"`
		MaxHTTPTargets   int    `json:"max_http_targets"`
		StartImmediately bool   `json:"start_immediately"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := validCadence(req.IntervalSeconds, req.Cron); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	target, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	sc := &model.Schedule{
		TargetID:        target.ID,
		IntervalSeconds: req.IntervalSeconds,
		Cron:            req.Cron,
		Enabled:         req.Enabled == nil || *req.Enabled,
		MaxHosts:        req.MaxHosts,
		MaxHTTPTargets:  req.MaxHTTPTargets,
	}
	// A zero NextRunAt is due on the next scheduler tick; otherwise the
	// first firing waits one full cadence.
	if !req.StartImmediately {
		sc.NextRunAt = scheduler.Next(sc, time.Now().UTC())
	}

	created, err := s.store.CreateSchedule(r.Context(), sc)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	s.recorder.Record(r.Context(), audit.Entry{
		TargetID: target.ID,
		Kind:     audit.KindScheduleCreated,
		Actor:    actorAPI,
		Summary:  "schedule created for " + target.Name,
		Payload: map[string]any{
			"schedule_id":      created.ID,
			"interval_seconds": created.IntervalSeconds,
			"cron":             created.Cron,
			"enabled":          created.Enabled,
			"next_run_at":      created.NextRunAt,
		},
	})
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	target, err := s.store.GetTarget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	schedules, err := s.store.ListSchedulesForTarget(r.Context(), target.ID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules": orEmpty(schedules),
		"total":     len(schedules),
	})
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		IntervalSeconds *int    `json:"interval_seconds"`
		Cron            *string `json:"cron"`
		Enabled         *bool   `json:"enabled"`
		MaxHosts        *int    `json:"max_hosts"`
		MaxHTTPTargets  *int    `json:"max_http_targets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	sc, err := s.store.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}

	cadenceChanged := false
	if req.IntervalSeconds != nil {
		sc.IntervalSeconds = *req.IntervalSeconds
		cadenceChanged = true
	}
	if req.Cron != nil {
		sc.Cron = *req.Cron
		cadenceChanged = true
	}
	if req.Enabled != nil {
		sc.Enabled = *req.Enabled
	}
	if req.MaxHosts != nil {
		sc.MaxHosts = *req.MaxHosts
	}
	if req.MaxHTTPTargets != nil {
		sc.MaxHTTPTargets = *req.MaxHTTPTargets
	}
	if err := validCadence(sc.IntervalSeconds, sc.Cron); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if cadenceChanged {
		// Next firing follows the new cadence from now, not the old anchor.
		sc.NextRunAt = time.Time{}
		sc.NextRunAt = scheduler.Next(sc, time.Now().UTC())
	}

	if err := s.store.UpdateSchedule(r.Context(), sc); err != nil {
		writeStoreError(w, err)
		return
	}

	s.recorder.Record(r.Context(), audit.Entry{
		TargetID: sc.TargetID,
		Kind:     audit.KindScheduleUpdated,
		Actor:    actorAPI,
		Summary:  "schedule " + sc.ID + " updated",
		Payload: map[string]any{
			"schedule_id":      sc.ID,
			"interval_seconds": sc.IntervalSeconds,
			"cron":             sc.Cron,
			"enabled":          sc.Enabled,
			"next_run_at":      sc.NextRunAt,
		},
	})
	writeJSON(w, http.StatusOK, sc)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	sc, err := s.store.GetSchedule(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.DeleteSchedule(r.Context(), sc.ID); err != nil {
		writeStoreError(w, err)
		return
	}

	s.recorder.Record(r.Context(), audit.Entry{
		TargetID: sc.TargetID,
		Kind:     audit.KindScheduleDeleted,
		Actor:    actorAPI,
		Summary:  "schedule " + sc.ID + " deleted",
		Payload:  map[string]string{"schedule_id": sc.ID},
	})
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": sc.ID})
}
