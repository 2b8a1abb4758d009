// Package worker runs the job queue: a pool of workers that dequeue jobs,
// dispatch them to registered handlers under a heartbeated lease, and a
// janitor that recovers jobs whose worker died. Concurrency caps live in
// the dequeue predicate, not here; the pool only decides how many loops
// compete for work.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/marcus-qen/driftwatch/internal/events"
	"github.com/marcus-qen/driftwatch/internal/metrics"
	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/store"
)

const (
	// Idle workers back off between empty dequeues.
	idleBackoffMin = 50 * time.Millisecond
	idleBackoffMax = 500 * time.Millisecond
	// Heartbeats run at lease/3, clamped so cancel requests propagate
	// promptly even under the long stage leases.
	heartbeatMin = time.Second
	heartbeatMax = 30 * time.Second
	// finalizeTimeout bounds the terminal store write after a handler
	// returns, including during shutdown.
	finalizeTimeout = 10 * time.Second
	// maxReasonLen bounds unclassified error text stored as last_error.
	maxReasonLen = 512
)

// HandlerFunc executes one job. The context is cancelled when the job's
// cancel flag is observed, the lease is lost, or the pool shuts down.
// Returning nil completes the job; returning *Failure classifies it;
// *Finalized reports the handler already wrote the terminal state itself;
// any other error fails the attempt as retryable.
type HandlerFunc func(ctx context.Context, job *model.Job) error

// Failure is a classified handler error. Reason becomes the job's
// last_error; Fatal skips the remaining retry budget.
type Failure struct {
	Reason string
	Fatal  bool
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return f.Reason + ": " + f.Err.Error()
	}
	return f.Reason
}

func (f *Failure) Unwrap() error { return f.Err }

// Finalized reports that the handler finished the job inside its own
// transaction, fan-in joins and chain advances have to finalize atomically
// with the run row. The pool must not touch the job again; it only records
// the outcome the handler reports.
type Finalized struct {
	Status string // model.JobStatusCompleted, Failed or Cancelled
	Reason string
}

func (f *Finalized) Error() string {
	if f.Reason != "" {
		return "finalized " + f.Status + ": " + f.Reason
	}
	return "finalized " + f.Status
}

// Queue is the slice of the store the pool drives. Dequeue returns
// store.ErrNoJob when idle; lease-guarded calls return store.ErrLeaseLost
// when another worker owns the job.
type Queue interface {
	Dequeue(ctx context.Context, workerID string) (*model.Job, error)
	Heartbeat(ctx context.Context, jobID, workerID string) (bool, error)
	Complete(ctx context.Context, jobID, workerID string) error
	Fail(ctx context.Context, jobID, workerID, reason string, retryable bool) (bool, error)
	AckCancel(ctx context.Context, jobID, workerID, reason string) error
	Release(ctx context.Context, jobID, workerID string) error
}

// Pool runs a fixed number of worker loops against the queue.
type Pool struct {
	queue  Queue
	size   int
	bus    *events.Bus
	logger *zap.Logger
	prefix string

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewPool creates a pool of size workers. bus may be nil.
func NewPool(queue Queue, size int, bus *events.Bus, logger *zap.Logger) *Pool {
	if size < 1 {
		size = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return &Pool{
		queue:    queue,
		size:     size,
		bus:      bus,
		logger:   logger,
		prefix:   fmt.Sprintf("%s-%d", host, os.Getpid()),
		handlers: make(map[string]HandlerFunc),
	}
}

// Register installs a handler for every job type with the given prefix.
// The longest matching prefix wins at dispatch.
func (p *Pool) Register(typePrefix string, h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[typePrefix] = h
}

// Start launches the worker loops. It returns immediately; call Stop (or
// cancel ctx) to drain.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("worker pool already started")
	}
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.size; i++ {
		workerID := fmt.Sprintf("%s-w%d", p.prefix, i)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx, workerID)
		}()
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.size))
	return nil
}

// Stop cancels the loops and waits for in-flight jobs to release.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
}

// run is one worker loop: dequeue, dispatch, repeat, backing off while the
// queue is empty.
func (p *Pool) run(ctx context.Context, workerID string) {
	backoff := idleBackoffMin
	for ctx.Err() == nil {
		job, err := p.queue.Dequeue(ctx, workerID)
		switch {
		case errors.Is(err, store.ErrNoJob):
			sleepCtx(ctx, jittered(backoff))
			backoff = min(backoff*2, idleBackoffMax)
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("dequeue failed", zap.String("worker", workerID), zap.Error(err))
			sleepCtx(ctx, time.Second)
		default:
			backoff = idleBackoffMin
			p.runJob(ctx, workerID, job)
		}
	}
}

// runJob executes one leased job under a heartbeat and finalizes it.
func (p *Pool) runJob(ctx context.Context, workerID string, job *model.Job) {
	metrics.RunningJobs.Inc()
	defer metrics.RunningJobs.Dec()

	jobCtx, cancelJob := context.WithCancel(ctx)
	defer cancelJob()

	var cancelRequested, leaseLost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(jobCtx, job, workerID, cancelJob, &cancelRequested, &leaseLost)
	}()

	p.publish(events.JobStarted, job, fmt.Sprintf("job %s started", job.Type))

	start := time.Now()
	err := p.dispatch(jobCtx, job)
	cancelJob()
	<-hbDone
	duration := time.Since(start)

	// Terminal writes get their own deadline so shutdown cannot strand a
	// finished job in running state.
	finCtx, cancelFin := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancelFin()

	var selfFin *Finalized

	switch {
	case leaseLost.Load():
		// The janitor already requeued it for someone else.
		p.logger.Warn("job lease lost mid-flight",
			zap.String("job_id", job.ID), zap.String("type", job.Type))

	case errors.As(err, &selfFin):
		// The handler's finalize committed; it wins over a cancel flag
		// observed in the same window.
		status := selfFin.Status
		if status == "" {
			status = model.JobStatusCompleted
		}
		metrics.RecordJobComplete(job.Type, status, duration)
		switch status {
		case model.JobStatusFailed:
			p.publish(events.JobFailed, job, fmt.Sprintf("job %s failed: %s", job.Type, selfFin.Reason))
		case model.JobStatusCancelled:
			p.publish(events.JobCancelled, job, fmt.Sprintf("job %s cancelled", job.Type))
		default:
			p.publish(events.JobCompleted, job, fmt.Sprintf("job %s completed", job.Type))
		}

	case cancelRequested.Load():
		if ackErr := p.queue.AckCancel(finCtx, job.ID, workerID, model.ReasonCancelled); ackErr != nil {
			p.logger.Error("ack cancel failed", zap.String("job_id", job.ID), zap.Error(ackErr))
			return
		}
		metrics.RecordJobComplete(job.Type, model.JobStatusCancelled, duration)
		p.publish(events.JobCancelled, job, fmt.Sprintf("job %s cancelled", job.Type))

	case err == nil:
		if compErr := p.queue.Complete(finCtx, job.ID, workerID); compErr != nil {
			p.logger.Error("complete failed", zap.String("job_id", job.ID), zap.Error(compErr))
			return
		}
		metrics.RecordJobComplete(job.Type, model.JobStatusCompleted, duration)
		p.publish(events.JobCompleted, job, fmt.Sprintf("job %s completed", job.Type))

	case errors.Is(err, context.Canceled) && ctx.Err() != nil:
		// Shutdown took the job down, not the job itself: hand it back
		// without burning an attempt.
		if relErr := p.queue.Release(finCtx, job.ID, workerID); relErr != nil {
			p.logger.Error("release failed", zap.String("job_id", job.ID), zap.Error(relErr))
			return
		}
		p.logger.Info("job released on shutdown",
			zap.String("job_id", job.ID), zap.String("type", job.Type))

	default:
		reason, fatal := classify(err)
		requeued, failErr := p.queue.Fail(finCtx, job.ID, workerID, reason, !fatal)
		if failErr != nil {
			p.logger.Error("fail failed", zap.String("job_id", job.ID), zap.Error(failErr))
			return
		}
		if requeued {
			p.publish(events.JobRetried, job, fmt.Sprintf("job %s failed, retrying: %s", job.Type, reason))
		} else {
			metrics.RecordJobComplete(job.Type, model.JobStatusFailed, duration)
			p.publish(events.JobFailed, job, fmt.Sprintf("job %s failed: %s", job.Type, reason))
		}
		p.logger.Warn("job failed",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.String("reason", reason),
			zap.Bool("fatal", fatal),
			zap.Bool("requeued", requeued),
			zap.Error(err),
		)
	}
}

// dispatch routes the job to its handler, converting panics into failures.
func (p *Pool) dispatch(ctx context.Context, job *model.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("handler panicked",
				zap.String("job_id", job.ID),
				zap.String("type", job.Type),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = &Failure{Reason: fmt.Sprintf("panic: %v", r)}
		}
	}()

	h := p.handlerFor(job.Type)
	if h == nil {
		return &Failure{Reason: "no handler for job type " + job.Type, Fatal: true}
	}
	return h(ctx, job)
}

func (p *Pool) handlerFor(jobType string) HandlerFunc {
	p.mu.Lock()
	defer p.mu.Unlock()
	var best string
	var h HandlerFunc
	for prefix, fn := range p.handlers {
		if strings.HasPrefix(jobType, prefix) && len(prefix) >= len(best) {
			best, h = prefix, fn
		}
	}
	return h
}

// heartbeat extends the job lease until the job context ends. Observing the
// cancel flag or losing the lease cancels the handler.
func (p *Pool) heartbeat(ctx context.Context, job *model.Job, workerID string, cancelJob context.CancelFunc, cancelRequested, leaseLost *atomic.Bool) {
	interval := heartbeatMax
	if job.LeaseExpiresAt != nil {
		interval = clampDuration(time.Until(*job.LeaseExpiresAt)/3, heartbeatMin, heartbeatMax)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cancel, err := p.queue.Heartbeat(ctx, job.ID, workerID)
		switch {
		case errors.Is(err, store.ErrLeaseLost):
			leaseLost.Store(true)
			cancelJob()
			return
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			p.logger.Warn("heartbeat failed", zap.String("job_id", job.ID), zap.Error(err))
		case cancel:
			cancelRequested.Store(true)
			cancelJob()
			return
		}
	}
}

func (p *Pool) publish(t events.EventType, job *model.Job, summary string) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(events.Event{
		Type:     t,
		TargetID: job.TargetID,
		RunID:    job.RunID,
		Summary:  summary,
		Detail: map[string]any{
			"job_id":   job.ID,
			"type":     job.Type,
			"attempts": job.Attempts,
		},
	})
}

// classify extracts the last_error reason and fatality from a handler error.
func classify(err error) (reason string, fatal bool) {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason, f.Fatal
	}
	reason = err.Error()
	if len(reason) > maxReasonLen {
		reason = reason[:maxReasonLen]
	}
	return reason, false
}

func jittered(d time.Duration) time.Duration {
	return d + rand.N(d/2+1)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
