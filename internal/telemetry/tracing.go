/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the engine.
//
// Spans cover the pipeline from run trigger to scanner subprocess:
//   - run.pipeline: the parent span for one pipeline run
//   - run.stage: one stage job within a run
//   - scan.execute: one scanner subprocess
//   - verify.asset / verify.service: verification re-probes
//
// Custom span attributes use the `driftwatch.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "driftwatch/engine"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("driftwatch"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartRunSpan creates the parent span for a pipeline run.
func StartRunSpan(ctx context.Context, targetID, runID, trigger string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.pipeline",
		trace.WithAttributes(
			attribute.String("driftwatch.target_id", targetID),
			attribute.String("driftwatch.run_id", runID),
			attribute.String("driftwatch.trigger", trigger),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStageSpan creates a child span for one stage job.
func StartStageSpan(ctx context.Context, runID, stage string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.stage",
		trace.WithAttributes(
			attribute.String("driftwatch.run_id", runID),
			attribute.String("driftwatch.stage", stage),
		),
	)
}

// StartScanSpan creates a child span for a scanner subprocess.
func StartScanSpan(ctx context.Context, scanner, target string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "scan.execute",
		trace.WithAttributes(
			attribute.String("driftwatch.scanner", scanner),
			attribute.String("driftwatch.scan_target", target),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndScanSpan enriches the scan span with result data.
func EndScanSpan(span trace.Span, status string, exitCode int, truncated bool) {
	span.SetAttributes(
		attribute.String("driftwatch.scan_status", status),
		attribute.Int("driftwatch.exit_code", exitCode),
		attribute.Bool("driftwatch.output_truncated", truncated),
	)
	span.End()
}

// StartVerifySpan creates a child span for a verification re-probe.
func StartVerifySpan(ctx context.Context, kind, value string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "verify."+kind,
		trace.WithAttributes(
			attribute.String("driftwatch.verify_value", value),
		),
	)
}

// EndVerifySpan enriches the verify span with the consensus outcome.
func EndVerifySpan(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("driftwatch.verify_outcome", outcome))
	span.End()
}
