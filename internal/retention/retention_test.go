package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/driftwatch/internal/audit"
	"github.com/marcus-qen/driftwatch/internal/model"
)

type fakeStore struct {
	mu         sync.Mutex
	rawCutoff  time.Time
	runsCutoff time.Time
	rawN       int64
	runsN      int64
	rawErr     error
	rawCalls   int
	runsCalls  int
}

func (f *fakeStore) PurgeRawOutput(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rawCalls++
	f.rawCutoff = cutoff
	return f.rawN, f.rawErr
}

func (f *fakeStore) PurgeTerminalRuns(ctx context.Context, cutoff time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runsCalls++
	f.runsCutoff = cutoff
	return f.runsN, nil
}

type fakeAuditSink struct {
	mu    sync.Mutex
	kinds []string
}

func (a *fakeAuditSink) AppendRunEvent(ctx context.Context, ev *model.RunEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.kinds = append(a.kinds, ev.Kind)
	return nil
}

func (a *fakeAuditSink) count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.kinds)
}

func newSweeper(st *fakeStore, sink *fakeAuditSink, policy Policy) *Sweeper {
	return New(st, policy, audit.NewRecorder(sink, nil, zap.NewNop()), zap.NewNop(), time.Hour)
}

func TestSweepUsesPolicyCutoffs(t *testing.T) {
	st := &fakeStore{rawN: 4, runsN: 2}
	sink := &fakeAuditSink{}
	s := newSweeper(st, sink, Policy{RawOutputDays: 30, CompletedRunsDays: 90})
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }

	s.Sweep(context.Background())

	if want := base.AddDate(0, 0, -30); !st.rawCutoff.Equal(want) {
		t.Fatalf("raw cutoff = %v, want %v", st.rawCutoff, want)
	}
	if want := base.AddDate(0, 0, -90); !st.runsCutoff.Equal(want) {
		t.Fatalf("runs cutoff = %v, want %v", st.runsCutoff, want)
	}
	if sink.count() != 1 || sink.kinds[0] != audit.KindRetentionSwept {
		t.Fatalf("audit kinds = %v", sink.kinds)
	}
}

func TestSweepSkipsDisabledWindows(t *testing.T) {
	st := &fakeStore{rawN: 4, runsN: 2}
	sink := &fakeAuditSink{}
	s := newSweeper(st, sink, Policy{RawOutputDays: 0, CompletedRunsDays: 90})

	s.Sweep(context.Background())

	if st.rawCalls != 0 {
		t.Fatalf("raw purge ran with disabled window (%d calls)", st.rawCalls)
	}
	if st.runsCalls != 1 {
		t.Fatalf("runs purge calls = %d", st.runsCalls)
	}
}

func TestSweepWithNothingAgedStaysQuiet(t *testing.T) {
	st := &fakeStore{}
	sink := &fakeAuditSink{}
	s := newSweeper(st, sink, Policy{RawOutputDays: 30, CompletedRunsDays: 90})

	s.Sweep(context.Background())

	if sink.count() != 0 {
		t.Fatalf("empty sweep audited: %v", sink.kinds)
	}
}

func TestSweepContinuesPastPurgeError(t *testing.T) {
	st := &fakeStore{rawErr: errors.New("deadlock detected"), runsN: 3}
	sink := &fakeAuditSink{}
	s := newSweeper(st, sink, Policy{RawOutputDays: 30, CompletedRunsDays: 90})

	s.Sweep(context.Background())

	if st.runsCalls != 1 {
		t.Fatal("runs purge skipped after raw purge error")
	}
	if sink.count() != 1 {
		t.Fatalf("audit entries = %v", sink.kinds)
	}
}

func TestStartSweepsImmediatelyAndStops(t *testing.T) {
	st := &fakeStore{}
	s := newSweeper(st, &fakeAuditSink{}, Policy{RawOutputDays: 30, CompletedRunsDays: 90})

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Fatal("second start must fail")
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		st.mu.Lock()
		calls := st.rawCalls
		st.mu.Unlock()
		if calls > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no sweep after start")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.Stop()
	s.Stop()
}
