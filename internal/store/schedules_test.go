package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/marcus-qen/driftwatch/internal/model"
)

func TestScheduleCRUD(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")

	sc, err := st.CreateSchedule(ctx, &model.Schedule{
		TargetID:        tgt.ID,
		IntervalSeconds: 3600,
		Enabled:         true,
		MaxHosts:        50,
		MaxHTTPTargets:  25,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if sc.ID == "" || sc.NextRunAt.IsZero() {
		t.Fatalf("expected defaults filled, got %+v", sc)
	}

	sc.Enabled = false
	sc.IntervalSeconds = 7200
	if err := st.UpdateSchedule(ctx, sc); err != nil {
		t.Fatalf("update schedule: %v", err)
	}

	got, err := st.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.Enabled || got.IntervalSeconds != 7200 {
		t.Fatalf("update not persisted: %+v", got)
	}

	list, err := st.ListSchedulesForTarget(ctx, tgt.ID)
	if err != nil {
		t.Fatalf("list schedules: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(list))
	}

	if err := st.DeleteSchedule(ctx, sc.ID); err != nil {
		t.Fatalf("delete schedule: %v", err)
	}
	if _, err := st.GetSchedule(ctx, sc.ID); !IsNotFound(err) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestFireDueScheduleCreatesRunAndJob(t *testing.T) {
	clk := newClock()
	st := newTestStore(t, Options{Now: clk.Now})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")

	interval := time.Hour
	next := func(sc *model.Schedule, now time.Time) time.Time {
		return now.Add(interval)
	}

	if _, err := st.FireDueSchedule(ctx, next); !errors.Is(err, ErrNoDueSchedule) {
		t.Fatalf("expected ErrNoDueSchedule on empty table, got %v", err)
	}

	sc, err := st.CreateSchedule(ctx, &model.Schedule{
		TargetID:        tgt.ID,
		IntervalSeconds: int(interval.Seconds()),
		Enabled:         true,
		MaxHosts:        50,
		MaxHTTPTargets:  25,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	fired, err := st.FireDueSchedule(ctx, next)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if fired.Skipped || fired.Run == nil || fired.Job == nil {
		t.Fatalf("expected run and job, got %+v", fired)
	}
	if fired.Run.Trigger != model.RunTriggerScheduled || fired.Run.MaxHosts != 50 {
		t.Fatalf("unexpected run %+v", fired.Run)
	}
	if fired.Job.Type != model.JobTypePipeline || fired.Job.RunID != fired.Run.ID {
		t.Fatalf("unexpected job %+v", fired.Job)
	}
	if !fired.DueAt.Equal(sc.NextRunAt) {
		t.Fatalf("due at %v, schedule was due %v", fired.DueAt, sc.NextRunAt)
	}

	got, err := st.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if !got.NextRunAt.After(clk.Now()) {
		t.Fatalf("next_run_at not advanced: %+v", got)
	}
	if got.LastRunAt == nil {
		t.Fatal("last_run_at not stamped")
	}

	// Nothing due until the interval elapses.
	if _, err := st.FireDueSchedule(ctx, next); !errors.Is(err, ErrNoDueSchedule) {
		t.Fatalf("expected ErrNoDueSchedule after advance, got %v", err)
	}
}

func TestFireDueScheduleSkipsBusyTarget(t *testing.T) {
	clk := newClock()
	st := newTestStore(t, Options{Now: clk.Now})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")

	// The previous pipeline run is still going.
	if _, err := st.CreateRun(ctx, tgt.ID, model.RunTriggerManual, 10, 10); err != nil {
		t.Fatalf("create active run: %v", err)
	}

	sc, err := st.CreateSchedule(ctx, &model.Schedule{
		TargetID:        tgt.ID,
		IntervalSeconds: 3600,
		Enabled:         true,
	})
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	next := func(sc *model.Schedule, now time.Time) time.Time {
		return now.Add(time.Hour)
	}
	fired, err := st.FireDueSchedule(ctx, next)
	if err != nil {
		t.Fatalf("fire: %v", err)
	}
	if !fired.Skipped || fired.Run != nil || fired.Job != nil {
		t.Fatalf("expected skipped occurrence, got %+v", fired)
	}

	// The occurrence is skipped, not queued behind: next_run_at advances
	// past the busy window instead of retrying immediately.
	got, err := st.GetSchedule(ctx, sc.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if !got.NextRunAt.After(clk.Now()) {
		t.Fatalf("skipped occurrence must still advance, got %+v", got)
	}

	if _, err := st.FireDueSchedule(ctx, next); !errors.Is(err, ErrNoDueSchedule) {
		t.Fatalf("expected ErrNoDueSchedule, got %v", err)
	}
}

func TestFireDueScheduleIgnoresDisabled(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")

	if _, err := st.CreateSchedule(ctx, &model.Schedule{
		TargetID:        tgt.ID,
		IntervalSeconds: 3600,
		Enabled:         false,
	}); err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	next := func(sc *model.Schedule, now time.Time) time.Time {
		return now.Add(time.Hour)
	}
	if _, err := st.FireDueSchedule(ctx, next); !errors.Is(err, ErrNoDueSchedule) {
		t.Fatalf("expected disabled schedule ignored, got %v", err)
	}
}
