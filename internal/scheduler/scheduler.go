/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package scheduler turns due schedules into queued pipeline runs. One
// goroutine ticks and claims overdue schedules one at a time, each claim in
// its own store transaction. A target that still has an active pipeline run
// gets its occurrence skipped rather than queued behind it.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/driftwatch/internal/audit"
	"github.com/marcus-qen/driftwatch/internal/events"
	"github.com/marcus-qen/driftwatch/internal/metrics"
	"github.com/marcus-qen/driftwatch/internal/model"
	"github.com/marcus-qen/driftwatch/internal/store"
)

// DefaultTick is how often the scheduler looks for due schedules.
const DefaultTick = 10 * time.Second

// fallbackInterval advances schedules with no usable cadence; a zero
// interval would refire on every tick.
const fallbackInterval = time.Hour

// Store is the claim surface the scheduler drives.
type Store interface {
	FireDueSchedule(ctx context.Context, next store.NextFunc) (*store.FiredSchedule, error)
}

// Scheduler fires due schedules on a fixed tick.
type Scheduler struct {
	store    Store
	recorder *audit.Recorder
	logger   *zap.Logger
	tick     time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New wires a scheduler. tick <= 0 uses DefaultTick.
func New(st Store, recorder *audit.Recorder, logger *zap.Logger, tick time.Duration) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{store: st, recorder: recorder, logger: logger, tick: tick}
}

// Start launches the loop: one drain immediately, then one per tick.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return errors.New("scheduler already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
	s.logger.Info("scheduler started", zap.Duration("tick", s.tick))
	return nil
}

// Stop halts the loop and waits for an in-flight drain to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.drain(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.drain(ctx)
		}
	}
}

// drain claims due schedules until none remain or a claim fails.
func (s *Scheduler) drain(ctx context.Context) {
	for ctx.Err() == nil {
		fired, err := s.store.FireDueSchedule(ctx, Next)
		if errors.Is(err, store.ErrNoDueSchedule) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				s.logger.Error("fire due schedule", zap.Error(err))
			}
			return
		}
		s.record(ctx, fired)
	}
}

func (s *Scheduler) record(ctx context.Context, fired *store.FiredSchedule) {
	sc := fired.Schedule
	if fired.Skipped {
		s.logger.Info("schedule skipped",
			zap.String("schedule_id", sc.ID),
			zap.String("target_id", sc.TargetID))
		s.recorder.Record(ctx, audit.Entry{
			TargetID: sc.TargetID,
			Kind:     audit.KindScheduleSkipped,
			Summary:  "schedule " + sc.ID + " skipped: target has an active run",
			Payload:  map[string]any{"schedule_id": sc.ID, "next_run_at": sc.NextRunAt},
		})
		return
	}

	var lag time.Duration
	if sc.LastRunAt != nil {
		lag = sc.LastRunAt.Sub(fired.DueAt)
	}
	metrics.RecordScheduleLag(sc.TargetID, lag)
	s.logger.Info("schedule fired",
		zap.String("schedule_id", sc.ID),
		zap.String("target_id", sc.TargetID),
		zap.String("run_id", fired.Run.ID),
		zap.Duration("lag", lag))
	s.recorder.Record(ctx, audit.Entry{
		TargetID: sc.TargetID,
		RunID:    fired.Run.ID,
		Kind:     audit.KindScheduleFired,
		Summary:  "schedule " + sc.ID + " fired run " + fired.Run.ID,
		Payload: map[string]any{
			"schedule_id": sc.ID,
			"job_id":      fired.Job.ID,
			"lag_ms":      lag.Milliseconds(),
		},
		Event: events.ScheduleFired,
	})
}

// Next computes a schedule's next activation after now: cron expressions
// via ParseStandard, intervals as max(next_run_at+interval, now+interval).
// An overdue interval schedule fires once and re-anchors to now; missed
// occurrences are not replayed.
func Next(sc *model.Schedule, now time.Time) time.Time {
	if sc.Cron != "" {
		if expr, err := cron.ParseStandard(sc.Cron); err == nil {
			return expr.Next(now)
		}
	}
	interval := time.Duration(sc.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = fallbackInterval
	}
	if anchored := sc.NextRunAt.Add(interval); anchored.After(now.Add(interval)) {
		return anchored
	}
	return now.Add(interval)
}
