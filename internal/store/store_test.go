package store

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/driftwatch/internal/model"
)

// Store tests run against a disposable PostgreSQL database; set
// DRIFTWATCH_TEST_DATABASE_URL to enable them. Every test starts from
// truncated tables.
func newTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	dsn := os.Getenv("DRIFTWATCH_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("DRIFTWATCH_TEST_DATABASE_URL not set")
	}
	st, err := Open(context.Background(), dsn, opts)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	_, err = st.db.ExecContext(context.Background(),
		`TRUNCATE targets, runs, jobs, scans, assets, services, edges,
		 findings, run_events, schedules CASCADE`)
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return st
}

// clock is a hand-advanced time source for lease and retention tests.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock {
	return &clock{t: time.Now().UTC().Truncate(time.Millisecond)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func createTestTarget(t *testing.T, st *Store, domain string) *model.Target {
	t.Helper()
	tgt, err := st.CreateTarget(context.Background(), domain, domain,
		json.RawMessage(`{"dns_suffixes":["`+domain+`"]}`))
	if err != nil {
		t.Fatalf("create target: %v", err)
	}
	return tgt
}

// createFinishedRun makes a run usable as sighting provenance without
// tripping the one-active-run-per-target index.
func createFinishedRun(t *testing.T, st *Store, targetID string) *model.Run {
	t.Helper()
	ctx := context.Background()
	r, err := st.CreateRun(ctx, targetID, model.RunTriggerManual, 10, 10)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := st.StartRun(ctx, r.ID); err != nil {
		t.Fatalf("start run: %v", err)
	}
	if err := st.CompleteRun(ctx, r.ID); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	return r
}

func TestTargetCreateGetList(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()

	tgt := createTestTarget(t, st, "example.com")
	if tgt.ID == "" {
		t.Fatal("expected generated id")
	}

	fetched, err := st.GetTarget(ctx, tgt.ID)
	if err != nil {
		t.Fatalf("get target: %v", err)
	}
	if fetched.RootDomain != "example.com" {
		t.Fatalf("unexpected root domain %q", fetched.RootDomain)
	}

	if _, err := st.CreateTarget(ctx, "dupe", "example.com", nil); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}

	if _, err := st.GetTarget(ctx, "missing"); !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}

	all, err := st.ListTargets(ctx)
	if err != nil {
		t.Fatalf("list targets: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 target, got %d", len(all))
	}
}

func TestRunLifecycleAndActiveGuard(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")

	run, err := st.CreateRun(ctx, tgt.ID, model.RunTriggerManual, 50, 25)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if run.Status != model.RunStatusQueued {
		t.Fatalf("expected queued, got %s", run.Status)
	}

	// Second live pipeline run for the same target must be rejected.
	if _, err := st.CreateRun(ctx, tgt.ID, model.RunTriggerScheduled, 50, 25); !errors.Is(err, ErrActiveRun) {
		t.Fatalf("expected ErrActiveRun, got %v", err)
	}

	// Verification runs are exempt from the guard.
	ver, err := st.CreateRun(ctx, tgt.ID, model.RunTriggerVerification, 0, 0)
	if err != nil {
		t.Fatalf("create verification run: %v", err)
	}
	if ver.Trigger != model.RunTriggerVerification {
		t.Fatalf("unexpected trigger %s", ver.Trigger)
	}

	if err := st.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("start run: %v", err)
	}
	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != model.RunStatusRunning || got.StartedAt == nil {
		t.Fatalf("expected running with started_at, got %+v", got)
	}

	active, err := st.ActiveRun(ctx, tgt.ID)
	if err != nil {
		t.Fatalf("active run: %v", err)
	}
	if active.ID != run.ID {
		t.Fatalf("expected active run %s, got %s", run.ID, active.ID)
	}

	if err := st.CompleteRun(ctx, run.ID); err != nil {
		t.Fatalf("complete run: %v", err)
	}
	if _, err := st.ActiveRun(ctx, tgt.ID); !IsNotFound(err) {
		t.Fatalf("expected no active run, got %v", err)
	}

	latest, err := st.LatestCompletedRun(ctx, tgt.ID)
	if err != nil {
		t.Fatalf("latest completed: %v", err)
	}
	if latest.ID != run.ID {
		t.Fatalf("expected %s, got %s", run.ID, latest.ID)
	}

	// A completed target can queue the next pipeline immediately.
	next, err := st.CreateRun(ctx, tgt.ID, model.RunTriggerScheduled, 50, 25)
	if err != nil {
		t.Fatalf("create next run: %v", err)
	}
	if err := st.DiscardRun(ctx, next.ID); err != nil {
		t.Fatalf("discard run: %v", err)
	}
	got, err = st.GetRun(ctx, next.ID)
	if err != nil {
		t.Fatalf("get discarded run: %v", err)
	}
	if got.Status != model.RunStatusDiscarded || !got.Terminal() {
		t.Fatalf("expected discarded terminal run, got %+v", got)
	}
}

func TestRunEventsAppendAndList(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")
	run := createFinishedRun(t, st, tgt.ID)

	for _, kind := range []string{"run_started", "scan_completed", "run_completed"} {
		ev := &model.RunEvent{
			TargetID: tgt.ID,
			RunID:    run.ID,
			Kind:     kind,
			Payload:  json.RawMessage(`{"n":1}`),
		}
		if err := st.AppendRunEvent(ctx, ev); err != nil {
			t.Fatalf("append %s: %v", kind, err)
		}
		if ev.ID == "" || ev.TS.IsZero() || ev.Actor != "engine" {
			t.Fatalf("expected filled defaults, got %+v", ev)
		}
	}

	events, err := st.ListRunEvents(ctx, tgt.ID, RunEventFilter{RunID: run.ID})
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}

	only, err := st.ListRunEvents(ctx, tgt.ID, RunEventFilter{Kind: "scan_completed"})
	if err != nil {
		t.Fatalf("list filtered: %v", err)
	}
	if len(only) != 1 || only[0].Kind != "scan_completed" {
		t.Fatalf("unexpected filtered events: %+v", only)
	}
}

func TestScanCreateFinishImmutable(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")
	run := createFinishedRun(t, st, tgt.ID)

	sc, err := st.CreateScan(ctx, tgt.ID, run.ID, "subfinder", "example.com",
		map[string]any{"timeout": 300})
	if err != nil {
		t.Fatalf("create scan: %v", err)
	}
	if err := st.FinishScan(ctx, sc.ID, model.ScanStatusCompleted, "line1\nline2", ""); err != nil {
		t.Fatalf("finish scan: %v", err)
	}

	// Terminal scans are immutable.
	if err := st.FinishScan(ctx, sc.ID, model.ScanStatusFailed, "", "late"); !IsNotFound(err) {
		t.Fatalf("expected not found on double finish, got %v", err)
	}

	got, err := st.GetScan(ctx, sc.ID)
	if err != nil {
		t.Fatalf("get scan: %v", err)
	}
	if got.RawOutput != "line1\nline2" || got.Status != model.ScanStatusCompleted {
		t.Fatalf("unexpected scan %+v", got)
	}

	// Listings omit raw output.
	list, err := st.ListScansForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("list scans: %v", err)
	}
	if len(list) != 1 || list[0].RawOutput != "" {
		t.Fatalf("expected 1 scan without raw output, got %+v", list)
	}

	scanners, err := st.CompletedScanners(ctx, run.ID)
	if err != nil {
		t.Fatalf("completed scanners: %v", err)
	}
	if !scanners["subfinder"] {
		t.Fatalf("expected subfinder in %v", scanners)
	}
}
