// Package retention ages out bulky evidence: raw scanner output first,
// whole terminal runs later. Findings and the inventory are never purged.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/driftwatch/internal/audit"
	"github.com/marcus-qen/driftwatch/internal/events"
)

// DefaultSweepInterval spaces sweeps after the one at start.
const DefaultSweepInterval = 24 * time.Hour

// Store is the purge surface the sweeper drives.
type Store interface {
	PurgeRawOutput(ctx context.Context, cutoff time.Time) (int64, error)
	PurgeTerminalRuns(ctx context.Context, cutoff time.Time) (int64, error)
}

// Policy sets the retention windows in days. A zero or negative window
// disables that purge.
type Policy struct {
	RawOutputDays     int
	CompletedRunsDays int
}

// Sweeper purges aged scan output and terminal runs on a daily tick.
type Sweeper struct {
	store    Store
	policy   Policy
	recorder *audit.Recorder
	logger   *zap.Logger
	interval time.Duration
	now      func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a sweeper. interval <= 0 uses DefaultSweepInterval.
func New(st Store, policy Policy, recorder *audit.Recorder, logger *zap.Logger, interval time.Duration) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		store:    st,
		policy:   policy,
		recorder: recorder,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Start launches the loop: one sweep immediately, then one per interval.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("retention sweeper already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
	s.logger.Info("retention sweeper started",
		zap.Int("raw_output_days", s.policy.RawOutputDays),
		zap.Int("completed_runs_days", s.policy.CompletedRunsDays))
	return nil
}

// Stop halts the loop and waits for an in-flight sweep to return.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("retention sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs both purges once and audits the result when anything aged out.
func (s *Sweeper) Sweep(ctx context.Context) {
	now := s.now()
	var rawPurged, runsPurged int64

	if d := s.policy.RawOutputDays; d > 0 {
		n, err := s.store.PurgeRawOutput(ctx, now.AddDate(0, 0, -d))
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("purge raw output", zap.Error(err))
			}
		} else {
			rawPurged = n
		}
	}
	if d := s.policy.CompletedRunsDays; d > 0 {
		n, err := s.store.PurgeTerminalRuns(ctx, now.AddDate(0, 0, -d))
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("purge terminal runs", zap.Error(err))
			}
		} else {
			runsPurged = n
		}
	}

	if rawPurged == 0 && runsPurged == 0 {
		return
	}
	s.logger.Info("retention sweep",
		zap.Int64("raw_outputs_purged", rawPurged),
		zap.Int64("runs_purged", runsPurged))
	s.recorder.Record(ctx, audit.Entry{
		Kind:    audit.KindRetentionSwept,
		Summary: fmt.Sprintf("retention purged %d raw outputs and %d terminal runs", rawPurged, runsPurged),
		Payload: map[string]any{"raw_outputs": rawPurged, "runs": runsPurged},
		Event:   events.RetentionSwept,
	})
}
