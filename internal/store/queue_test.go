package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/marcus-qen/driftwatch/internal/model"
)

func TestRetryDelay(t *testing.T) {
	cases := []struct {
		attempts int
		base     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{5, 160 * time.Second},
		{8, 15 * time.Minute},  // 1280s capped
		{30, 15 * time.Minute}, // shift overflow capped
	}
	for _, tc := range cases {
		d := RetryDelay(tc.attempts)
		if d < tc.base || d > tc.base+retryJitter {
			t.Errorf("RetryDelay(%d) = %s, want [%s, %s]", tc.attempts, d, tc.base, tc.base+retryJitter)
		}
	}
}

func mustEnqueue(t *testing.T, st *Store, nj NewJob) *model.Job {
	t.Helper()
	job, err := st.Enqueue(context.Background(), nj)
	if err != nil {
		t.Fatalf("enqueue %s: %v", nj.Type, err)
	}
	return job
}

func mustDequeue(t *testing.T, st *Store, workerID string) *model.Job {
	t.Helper()
	job, err := st.Dequeue(context.Background(), workerID)
	if err != nil {
		t.Fatalf("dequeue as %s: %v", workerID, err)
	}
	return job
}

func TestDequeueOrdersByPriorityThenAge(t *testing.T) {
	st := newTestStore(t, Options{GlobalCap: 10, PerTargetCap: 10})
	tgt := createTestTarget(t, st, "example.com")
	base := time.Now().UTC().Add(-time.Minute)

	older := mustEnqueue(t, st, NewJob{
		Type: "scanner:nmap", TargetID: tgt.ID, AvailableAt: base,
	})
	newer := mustEnqueue(t, st, NewJob{
		Type: "scanner:nmap", TargetID: tgt.ID, AvailableAt: base.Add(time.Second),
	})
	urgent := mustEnqueue(t, st, NewJob{
		Type: model.JobTypeVerifyAsset, TargetID: tgt.ID,
		Priority: model.PriorityVerify, AvailableAt: base.Add(2 * time.Second),
	})

	for i, want := range []string{urgent.ID, older.ID, newer.ID} {
		got := mustDequeue(t, st, "w1")
		if got.ID != want {
			t.Fatalf("dequeue %d: got %s, want %s", i, got.ID, want)
		}
		if got.Status != model.JobStatusRunning || got.Attempts != 1 {
			t.Fatalf("dequeue %d: expected running attempt 1, got %+v", i, got)
		}
		if got.LeaseOwner != "w1" || got.LeaseExpiresAt == nil {
			t.Fatalf("dequeue %d: expected lease for w1, got %+v", i, got)
		}
	}

	if _, err := st.Dequeue(context.Background(), "w1"); !errors.Is(err, ErrNoJob) {
		t.Fatalf("expected ErrNoJob on drained queue, got %v", err)
	}
}

func TestDequeueRespectsAvailableAt(t *testing.T) {
	clk := newClock()
	st := newTestStore(t, Options{Now: clk.Now})
	tgt := createTestTarget(t, st, "example.com")

	mustEnqueue(t, st, NewJob{
		Type: "scanner:nmap", TargetID: tgt.ID,
		AvailableAt: clk.Now().Add(30 * time.Second),
	})
	if _, err := st.Dequeue(context.Background(), "w1"); !errors.Is(err, ErrNoJob) {
		t.Fatalf("expected ErrNoJob before available_at, got %v", err)
	}
	clk.Advance(31 * time.Second)
	mustDequeue(t, st, "w1")
}

func TestDequeueGlobalCap(t *testing.T) {
	st := newTestStore(t, Options{GlobalCap: 2, PerTargetCap: 10})
	tgt := createTestTarget(t, st, "example.com")
	for i := 0; i < 3; i++ {
		mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: tgt.ID})
	}

	first := mustDequeue(t, st, "w1")
	mustDequeue(t, st, "w2")
	if _, err := st.Dequeue(context.Background(), "w3"); !errors.Is(err, ErrNoJob) {
		t.Fatalf("expected global cap to hold, got %v", err)
	}

	if err := st.Complete(context.Background(), first.ID, "w1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	mustDequeue(t, st, "w3")
}

func TestDequeuePerTargetCapAndScopeOverride(t *testing.T) {
	st := newTestStore(t, Options{GlobalCap: 10, PerTargetCap: 2})
	ctx := context.Background()
	capped := createTestTarget(t, st, "capped.example.com")
	other := createTestTarget(t, st, "other.example.com")

	// Scope can lower the per-target ceiling, never raise it.
	err := st.UpdateTargetScope(ctx, capped.ID, json.RawMessage(`{"max_concurrent_jobs":1}`))
	if err != nil {
		t.Fatalf("update scope: %v", err)
	}

	mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: capped.ID})
	mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: capped.ID})
	mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: other.ID})

	got := mustDequeue(t, st, "w1")
	if got.TargetID != capped.ID {
		t.Fatalf("expected capped target job first, got %s", got.TargetID)
	}
	// Second job for the capped target is held back, the other target's
	// job is still eligible.
	got = mustDequeue(t, st, "w2")
	if got.TargetID != other.ID {
		t.Fatalf("expected other target job, got target %s", got.TargetID)
	}
	if _, err := st.Dequeue(ctx, "w3"); !errors.Is(err, ErrNoJob) {
		t.Fatalf("expected per-target cap to hold, got %v", err)
	}

	n, err := st.CountRunningJobs(ctx, capped.ID)
	if err != nil {
		t.Fatalf("count running: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 running job for capped target, got %d", n)
	}
}

func TestDequeueConcurrentSingleWinner(t *testing.T) {
	st := newTestStore(t, Options{})
	tgt := createTestTarget(t, st, "example.com")
	mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: tgt.ID})

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		won  int
		none int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := st.Dequeue(context.Background(), fmt.Sprintf("w%d", id))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, ErrNoJob):
				none++
			default:
				t.Errorf("dequeue: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if won != 1 || none != 3 {
		t.Fatalf("expected exactly one winner, got won=%d none=%d", won, none)
	}
}

func TestHeartbeatExtendsLeaseAndReapRequeues(t *testing.T) {
	clk := newClock()
	st := newTestStore(t, Options{LeaseDuration: 30 * time.Second, Now: clk.Now})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")
	mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: tgt.ID})

	job := mustDequeue(t, st, "w1")

	// Heartbeat at t+20 pushes the lease to t+50.
	clk.Advance(20 * time.Second)
	cancel, err := st.Heartbeat(ctx, job.ID, "w1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if cancel {
		t.Fatal("unexpected cancel request")
	}

	clk.Advance(25 * time.Second) // t+45, lease still live
	reaped, err := st.ReapExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 0 {
		t.Fatalf("expected nothing reaped, got %+v", reaped)
	}

	clk.Advance(10 * time.Second) // t+55, lease expired
	reaped, err = st.ReapExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 1 || reaped[0].ID != job.ID || reaped[0].Cancelled {
		t.Fatalf("expected job requeued, got %+v", reaped)
	}

	// The old lease owner is fenced out.
	if _, err := st.Heartbeat(ctx, job.ID, "w1"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost after reap, got %v", err)
	}
	if err := st.Complete(ctx, job.ID, "w1"); !errors.Is(err, ErrLeaseLost) {
		t.Fatalf("expected ErrLeaseLost on complete, got %v", err)
	}

	// Reap does not count as an attempt; the retry starts immediately.
	got := mustDequeue(t, st, "w2")
	if got.ID != job.ID || got.Attempts != 2 {
		t.Fatalf("expected redelivery attempt 2, got %+v", got)
	}
	if got.LastError != "lease_expired" {
		t.Fatalf("expected lease_expired marker, got %q", got.LastError)
	}
}

func TestFailSchedulesBackoffAndExhausts(t *testing.T) {
	clk := newClock()
	st := newTestStore(t, Options{Now: clk.Now})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")
	mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: tgt.ID, MaxAttempts: 3})

	job := mustDequeue(t, st, "w1")
	requeued, err := st.Fail(ctx, job.ID, "w1", "scanner_timeout", true)
	if err != nil {
		t.Fatalf("fail 1: %v", err)
	}
	if !requeued {
		t.Fatal("expected requeue after first failure")
	}

	got, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	delay := got.AvailableAt.Sub(clk.Now())
	if delay < 10*time.Second || delay > 11*time.Second {
		t.Fatalf("expected ~10s backoff, got %s", delay)
	}
	if _, err := st.Dequeue(ctx, "w1"); !errors.Is(err, ErrNoJob) {
		t.Fatalf("expected job held back during backoff, got %v", err)
	}

	clk.Advance(12 * time.Second)
	job = mustDequeue(t, st, "w1")
	if job.Attempts != 2 {
		t.Fatalf("expected attempt 2, got %d", job.Attempts)
	}
	if _, err := st.Fail(ctx, job.ID, "w1", "scanner_timeout", true); err != nil {
		t.Fatalf("fail 2: %v", err)
	}
	got, _ = st.GetJob(ctx, job.ID)
	delay = got.AvailableAt.Sub(clk.Now())
	if delay < 20*time.Second || delay > 21*time.Second {
		t.Fatalf("expected ~20s backoff, got %s", delay)
	}

	clk.Advance(22 * time.Second)
	job = mustDequeue(t, st, "w1")
	if job.Attempts != 3 {
		t.Fatalf("expected final attempt 3, got %d", job.Attempts)
	}
	requeued, err = st.Fail(ctx, job.ID, "w1", "scanner_error", true)
	if err != nil {
		t.Fatalf("fail 3: %v", err)
	}
	if requeued {
		t.Fatal("expected attempts exhausted, job requeued")
	}
	got, _ = st.GetJob(ctx, job.ID)
	if got.Status != model.JobStatusFailed || got.LastError != "scanner_error" || got.CompletedAt == nil {
		t.Fatalf("expected terminal failure, got %+v", got)
	}
}

func TestFailFatalSkipsRetries(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")
	mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: tgt.ID, MaxAttempts: 3})

	job := mustDequeue(t, st, "w1")
	requeued, err := st.Fail(ctx, job.ID, "w1", "scope_denied", false)
	if err != nil {
		t.Fatalf("fail fatal: %v", err)
	}
	if requeued {
		t.Fatal("fatal failure must not requeue")
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != model.JobStatusFailed || got.Attempts != 1 {
		t.Fatalf("expected failed on first attempt, got %+v", got)
	}
}

func TestCancelQueuedRunningAndAck(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")

	queued := mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: tgt.ID})
	status, err := st.Cancel(ctx, queued.ID, "operator request")
	if err != nil {
		t.Fatalf("cancel queued: %v", err)
	}
	if status != model.JobStatusCancelled {
		t.Fatalf("expected immediate cancel, got %s", status)
	}

	mustEnqueue(t, st, NewJob{Type: "scanner:httpx", TargetID: tgt.ID})
	running := mustDequeue(t, st, "w1")
	status, err = st.Cancel(ctx, running.ID, "operator request")
	if err != nil {
		t.Fatalf("cancel running: %v", err)
	}
	if status != model.JobStatusRunning {
		t.Fatalf("expected running job flagged, got %s", status)
	}

	// The flag reaches the worker on its next heartbeat.
	cancel, err := st.Heartbeat(ctx, running.ID, "w1")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if !cancel {
		t.Fatal("expected cancel_requested via heartbeat")
	}
	if err := st.AckCancel(ctx, running.ID, "w1", "cancelled by operator"); err != nil {
		t.Fatalf("ack cancel: %v", err)
	}
	got, _ := st.GetJob(ctx, running.ID)
	if got.Status != model.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}

	// Cancelling a terminal job is a no-op reporting its status.
	status, err = st.Cancel(ctx, running.ID, "again")
	if err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
	if status != model.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", status)
	}
}

func TestCancelRequestedSurvivesLeaseReap(t *testing.T) {
	clk := newClock()
	st := newTestStore(t, Options{LeaseDuration: 30 * time.Second, Now: clk.Now})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")
	mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: tgt.ID})

	job := mustDequeue(t, st, "w1")
	if _, err := st.Cancel(ctx, job.ID, "operator request"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// Worker dies without acking; the janitor must not resurrect the job.
	clk.Advance(time.Minute)
	reaped, err := st.ReapExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("reap: %v", err)
	}
	if len(reaped) != 1 || !reaped[0].Cancelled {
		t.Fatalf("expected reap to finalize cancellation, got %+v", reaped)
	}
	got, _ := st.GetJob(ctx, job.ID)
	if got.Status != model.JobStatusCancelled {
		t.Fatalf("expected cancelled, got %s", got.Status)
	}
}

func TestReleaseReturnsJobWithoutAttemptCost(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")
	mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: tgt.ID})

	job := mustDequeue(t, st, "w1")
	if job.Attempts != 1 {
		t.Fatalf("expected attempt 1, got %d", job.Attempts)
	}
	if err := st.Release(ctx, job.ID, "w1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	got := mustDequeue(t, st, "w2")
	if got.ID != job.ID || got.Attempts != 1 {
		t.Fatalf("expected redelivery still on attempt 1, got %+v", got)
	}
}

func TestCancelJobsForRun(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")
	run, err := st.CreateRun(ctx, tgt.ID, model.RunTriggerManual, 10, 10)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}

	mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: tgt.ID, RunID: run.ID})
	mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: tgt.ID, RunID: run.ID})
	mustDequeue(t, st, "w1")

	cancelled, flagged, err := st.CancelJobsForRun(ctx, run.ID, "run cancelled")
	if err != nil {
		t.Fatalf("cancel jobs for run: %v", err)
	}
	if cancelled != 1 || flagged != 1 {
		t.Fatalf("expected 1 cancelled + 1 flagged, got %d/%d", cancelled, flagged)
	}

	jobs, err := st.ListJobsForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
}

func TestFinalizeJobInRunJoinAndAdvance(t *testing.T) {
	st := newTestStore(t, Options{GlobalCap: 10, PerTargetCap: 10})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")
	run, err := st.CreateRun(ctx, tgt.ID, model.RunTriggerManual, 10, 10)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := st.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("start run: %v", err)
	}

	mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: tgt.ID, RunID: run.ID})
	mustEnqueue(t, st, NewJob{Type: "scanner:nmap", TargetID: tgt.ID, RunID: run.ID})
	j1 := mustDequeue(t, st, "w1")
	j2 := mustDequeue(t, st, "w2")

	next := &NewJob{
		Type: "stage:httpx", TargetID: tgt.ID, RunID: run.ID,
		Priority: model.PriorityStage,
	}

	out, err := st.FinalizeJobInRun(ctx, j1.ID, "w1", Finalize{
		RunID: run.ID, Status: model.JobStatusCompleted,
		PeerType: "scanner:nmap", Next: next,
	})
	if err != nil {
		t.Fatalf("finalize first: %v", err)
	}
	if out.Remaining != 1 || out.NextJobID != "" {
		t.Fatalf("expected peer outstanding, got %+v", out)
	}

	out, err = st.FinalizeJobInRun(ctx, j2.ID, "w2", Finalize{
		RunID: run.ID, Status: model.JobStatusCompleted,
		PeerType: "scanner:nmap", Next: next,
	})
	if err != nil {
		t.Fatalf("finalize last: %v", err)
	}
	if out.Remaining != 0 || out.NextJobID == "" {
		t.Fatalf("expected advance on last peer, got %+v", out)
	}

	stage, err := st.GetJob(ctx, out.NextJobID)
	if err != nil {
		t.Fatalf("get stage job: %v", err)
	}
	if stage.Type != "stage:httpx" || stage.Status != model.JobStatusQueued {
		t.Fatalf("unexpected stage job %+v", stage)
	}

	// Only the join's final participant may enqueue; total stage jobs == 1.
	jobs, err := st.ListJobsForRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	var stages int
	for _, j := range jobs {
		if j.Type == "stage:httpx" {
			stages++
		}
	}
	if stages != 1 {
		t.Fatalf("expected exactly 1 stage job, got %d", stages)
	}
}

func TestFinalizeJobInRunCompletesRun(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")
	run, err := st.CreateRun(ctx, tgt.ID, model.RunTriggerVerification, 0, 0)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := st.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("start run: %v", err)
	}

	mustEnqueue(t, st, NewJob{
		Type: model.JobTypeVerifyAsset, TargetID: tgt.ID, RunID: run.ID,
		Priority: model.PriorityVerify,
	})
	job := mustDequeue(t, st, "w1")

	out, err := st.FinalizeJobInRun(ctx, job.ID, "w1", Finalize{
		RunID: run.ID, Status: model.JobStatusCompleted,
		PeerType: "verify_%", CompleteRun: true,
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if out.Remaining != 0 || !out.RunCompleted {
		t.Fatalf("expected run completion, got %+v", out)
	}

	got, err := st.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != model.RunStatusCompleted || got.CompletedAt == nil {
		t.Fatalf("expected completed run, got %+v", got)
	}
}

func TestFinalizeJobInRunSkipsAdvanceOnDeadRun(t *testing.T) {
	st := newTestStore(t, Options{})
	ctx := context.Background()
	tgt := createTestTarget(t, st, "example.com")
	run, err := st.CreateRun(ctx, tgt.ID, model.RunTriggerManual, 10, 10)
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	if err := st.StartRun(ctx, run.ID); err != nil {
		t.Fatalf("start run: %v", err)
	}

	mustEnqueue(t, st, NewJob{Type: "stage:subfinder", TargetID: tgt.ID, RunID: run.ID})
	job := mustDequeue(t, st, "w1")

	if err := st.FailRun(ctx, run.ID, "stage_failed:dns_resolve"); err != nil {
		t.Fatalf("fail run: %v", err)
	}

	out, err := st.FinalizeJobInRun(ctx, job.ID, "w1", Finalize{
		RunID: run.ID, Status: model.JobStatusCompleted,
		PeerType: "stage:subfinder",
		Next:     &NewJob{Type: "stage:dns_resolve", TargetID: tgt.ID, RunID: run.ID},
	})
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if out.NextJobID != "" || out.RunStatus != model.RunStatusFailed {
		t.Fatalf("expected no advance on failed run, got %+v", out)
	}
}
