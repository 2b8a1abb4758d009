package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/driftwatch/internal/audit"
	"github.com/marcus-qen/driftwatch/internal/events"
	"github.com/marcus-qen/driftwatch/internal/metrics"
	"github.com/marcus-qen/driftwatch/internal/store"
)

// defaultReapInterval is how often the janitor looks for expired leases.
const defaultReapInterval = 30 * time.Second

// Reaper is the store slice the janitor drives.
type Reaper interface {
	ReapExpiredLeases(ctx context.Context) ([]store.ReapedJob, error)
}

// Janitor periodically requeues jobs whose worker stopped heartbeating, so
// a crashed or partitioned worker never strands a running job.
type Janitor struct {
	reaper   Reaper
	interval time.Duration
	recorder *audit.Recorder
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJanitor creates a janitor. interval <= 0 uses the default. recorder
// may be nil.
func NewJanitor(reaper Reaper, interval time.Duration, recorder *audit.Recorder, logger *zap.Logger) *Janitor {
	if interval <= 0 {
		interval = defaultReapInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Janitor{reaper: reaper, interval: interval, recorder: recorder, logger: logger}
}

// Start launches the reap loop.
func (j *Janitor) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancel != nil {
		return
	}
	ctx, j.cancel = context.WithCancel(ctx)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.sweep(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep.
func (j *Janitor) Stop() {
	j.mu.Lock()
	cancel := j.cancel
	j.cancel = nil
	j.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	j.wg.Wait()
}

func (j *Janitor) sweep(ctx context.Context) {
	reaped, err := j.reaper.ReapExpiredLeases(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Error("lease reap failed", zap.Error(err))
		}
		return
	}

	for _, r := range reaped {
		metrics.LeasesReapedTotal.Inc()
		j.logger.Warn("reaped expired lease",
			zap.String("job_id", r.ID),
			zap.String("type", r.Type),
			zap.Bool("cancelled", r.Cancelled),
		)
		if j.recorder == nil {
			continue
		}
		outcome := "requeued"
		if r.Cancelled {
			outcome = "cancelled"
		}
		j.recorder.Record(ctx, audit.Entry{
			TargetID: r.TargetID,
			RunID:    r.RunID,
			Kind:     audit.KindLeaseReaped,
			Summary:  fmt.Sprintf("lease expired on %s job, %s", r.Type, outcome),
			Payload:  map[string]any{"job_id": r.ID, "type": r.Type, "outcome": outcome},
			Event:    events.JobLeaseExpired,
		})
	}
}
