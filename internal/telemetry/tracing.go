/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the dashboard query
// engine.
//
// Custom span attributes use the `dashquery.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/marcus-qen/dashquery"
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
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("dashquery"),
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

// StartRunSpan creates the parent span for a dashboard run.
func StartRunSpan(ctx context.Context, dashboardUID string, seq uint64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dashboard.run",
		trace.WithAttributes(
			attribute.String("dashquery.dashboard_uid", dashboardUID),
			attribute.Int64("dashquery.run_seq", int64(seq)),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRunSpan records the run outcome and ends the span.
func EndRunSpan(span trace.Span, outcome string, workers int) {
	span.SetAttributes(
		attribute.String("dashquery.outcome", outcome),
		attribute.Int("dashquery.workers", workers),
	)
	span.End()
}

// StartWorkerSpan creates a child span for one worker.
func StartWorkerSpan(ctx context.Context, worker string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dashboard.worker",
		trace.WithAttributes(
			attribute.String("dashquery.worker", worker),
		),
	)
}

// EndWorkerSpan records worker output sizes and ends the span.
func EndWorkerSpan(span trace.Span, annotations, alertStates, correlations int) {
	span.SetAttributes(
		attribute.Int("dashquery.annotations", annotations),
		attribute.Int("dashquery.alert_states", alertStates),
		attribute.Int("dashquery.correlations", correlations),
	)
	span.End()
}

// StartQuerySpan creates a client span for one panel or annotation query.
func StartQuerySpan(ctx context.Context, requestID, datasourceUID string, targets int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "query.run",
		trace.WithAttributes(
			attribute.String("dashquery.request_id", requestID),
			attribute.String("dashquery.datasource_uid", datasourceUID),
			attribute.Int("dashquery.targets", targets),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndQuerySpan records the final state and ends the span. A non-nil err marks
// the span as failed.
func EndQuerySpan(span trace.Span, state string, packets int, err error) {
	span.SetAttributes(
		attribute.String("dashquery.state", state),
		attribute.Int("dashquery.packets", packets),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
