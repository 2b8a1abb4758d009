/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the engine.
//
// All metrics are registered with the default registry via promauto and
// served on the HTTP API's /metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - driftwatch_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts queue jobs by job type and terminal status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_jobs_total",
			Help: "Total number of jobs by type and terminal status.",
		},
		[]string{"type", "status"},
	)

	// JobDurationSeconds is a histogram of job execution time by type.
	JobDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "driftwatch_job_duration_seconds",
			Help:    "Duration of job execution in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400},
		},
		[]string{"type"},
	)

	// ScansTotal counts scanner executions by scanner and status.
	ScansTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_scans_total",
			Help: "Total scanner executions by scanner and status.",
		},
		[]string{"scanner", "status"},
	)

	// ScopeDenialsTotal counts scope denials by target and candidate kind.
	ScopeDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_scope_denials_total",
			Help: "Total scan candidates denied by scope policy.",
		},
		[]string{"target", "kind"},
	)

	// AssetsTotal counts inventory transitions by asset type and transition.
	AssetsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_assets_total",
			Help: "Total asset transitions (discovered, changed, stale, revived).",
		},
		[]string{"type", "transition"},
	)

	// FindingsTotal counts findings by severity.
	FindingsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "driftwatch_findings_total",
			Help: "Total findings recorded by severity.",
		},
		[]string{"severity"},
	)

	// EventsDroppedTotal counts events shed from slow subscriber buffers.
	EventsDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driftwatch_events_dropped_total",
			Help: "Total events dropped for slow event bus subscribers.",
		},
	)

	// LeasesReapedTotal counts jobs reclaimed from expired leases.
	LeasesReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "driftwatch_leases_reaped_total",
			Help: "Total jobs reclaimed by the lease janitor.",
		},
	)

	// ScheduleLagSeconds is the delay between scheduled time and actual start.
	ScheduleLagSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "driftwatch_schedule_lag_seconds",
			Help: "Seconds between scheduled run time and actual trigger.",
		},
		[]string{"target"},
	)

	// RunningJobs is the number of currently leased jobs.
	RunningJobs = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "driftwatch_running_jobs",
			Help: "Number of jobs currently leased by workers.",
		},
	)
)

// RecordJobComplete records metrics for a job that reached a terminal status.
func RecordJobComplete(jobType, status string, duration time.Duration) {
	JobsTotal.WithLabelValues(jobType, status).Inc()
	JobDurationSeconds.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordScan records a single scanner execution.
func RecordScan(scanner, status string) {
	ScansTotal.WithLabelValues(scanner, status).Inc()
}

// RecordScopeDenial records a single denied candidate.
func RecordScopeDenial(target, kind string) {
	ScopeDenialsTotal.WithLabelValues(target, kind).Inc()
}

// RecordAssetTransition records an inventory transition.
func RecordAssetTransition(assetType, transition string) {
	AssetsTotal.WithLabelValues(assetType, transition).Inc()
}

// RecordFinding records a single finding.
func RecordFinding(severity string) {
	FindingsTotal.WithLabelValues(severity).Inc()
}

// RecordScheduleLag records the scheduling delay for a target.
func RecordScheduleLag(target string, lag time.Duration) {
	ScheduleLagSeconds.WithLabelValues(target).Set(lag.Seconds())
}
